package probe

import (
	"fmt"
	"sync"
	"time"

	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/mxcrafts/opentrack/internal/bpf"
)

// ErrClosed is returned by a RecordReader after Close.
var ErrClosed = ringbuf.ErrClosed

// Hook is an attached interception point.
type Hook interface {
	// Address is the kernel address the hook is bound to, 0 if unknown.
	Address() uint64
	// Close detaches the hook. Calling it again is a no-op.
	Close() error
}

// RecordReader drains handler records.
type RecordReader interface {
	Read() ([]byte, error)
	// SetDeadline makes Read return os.ErrDeadlineExceeded once the buffer
	// is empty and t has passed.
	SetDeadline(t time.Time)
	Close() error
}

// linkHook is a Hook backed by a bpf link.
type linkHook struct {
	source bpf.Source
	target string
	addr   uint64
	link   link.Link

	once sync.Once
	err  error
}

func newLinkHook(src bpf.Source, target string, addr uint64, l link.Link) *linkHook {
	return &linkHook{source: src, target: target, addr: addr, link: l}
}

func (h *linkHook) Address() uint64 {
	return h.addr
}

func (h *linkHook) Close() error {
	h.once.Do(func() {
		if err := h.link.Close(); err != nil {
			h.err = fmt.Errorf("detaching %s from %s: %w", h.source, h.target, err)
		}
	})
	return h.err
}

// ringReader adapts ringbuf.Reader to RecordReader.
type ringReader struct {
	rd *ringbuf.Reader
}

func (r ringReader) Read() ([]byte, error) {
	record, err := r.rd.Read()
	if err != nil {
		return nil, err
	}
	return record.RawSample, nil
}

func (r ringReader) SetDeadline(t time.Time) {
	r.rd.SetDeadline(t)
}

func (r ringReader) Close() error {
	return r.rd.Close()
}
