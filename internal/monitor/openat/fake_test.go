package openat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mxcrafts/opentrack/internal/bpf"
	"github.com/mxcrafts/opentrack/internal/probe"
)

// opLog records the order in which the monitor touches host resources.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
}

func (l *opLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type fakeHook struct {
	name   string
	addr   uint64
	log    *opLog
	mu     sync.Mutex
	closes int
}

func (h *fakeHook) Address() uint64 {
	return h.addr
}

func (h *fakeHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	h.log.add("detach %s", h.name)
	return nil
}

type fakeReader struct {
	log      *opLog
	samples  chan []byte
	deadline chan struct{}
	closed   chan struct{}
	dlOnce   sync.Once
	clOnce   sync.Once
}

func newFakeReader(log *opLog) *fakeReader {
	return &fakeReader{
		log:      log,
		samples:  make(chan []byte, 64),
		deadline: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (r *fakeReader) Read() ([]byte, error) {
	select {
	case s := <-r.samples:
		return s, nil
	case <-r.closed:
		return nil, probe.ErrClosed
	case <-r.deadline:
		select {
		case s := <-r.samples:
			return s, nil
		default:
			return nil, os.ErrDeadlineExceeded
		}
	}
}

func (r *fakeReader) SetDeadline(t time.Time) {
	r.dlOnce.Do(func() {
		r.log.add("deadline")
		close(r.deadline)
	})
}

func (r *fakeReader) Close() error {
	r.clOnce.Do(func() {
		r.log.add("close reader")
		close(r.closed)
	})
	return nil
}

type fakeHost struct {
	log *opLog

	symbols   map[string]uint64 // kernel symbols the oracle can find
	failProbe map[string]bool   // attach failures by symbol
	failPatch bool

	mu      sync.Mutex
	hooks   []*fakeHook
	filters []bpf.Filter
	probes  map[string]int
	reader  *fakeReader
	closed  int
}

func newFakeHost() *fakeHost {
	log := &opLog{}
	return &fakeHost{
		log: log,
		symbols: map[string]uint64{
			"__x64_sys_openat":  0xffffffff81c01a10,
			"__x64_sys_openat2": 0xffffffff81c01b20,
			"do_sys_openat2":    0xffffffff8131e2d0,
		},
		failProbe: make(map[string]bool),
		probes:    make(map[string]int),
		reader:    newFakeReader(log),
	}
}

func (h *fakeHost) factory() HostFactory {
	return func() (Host, error) { return h, nil }
}

func (h *fakeHost) Probe(name string) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name]++
	h.log.add("lookup %s", name)
	addr, ok := h.symbols[name]
	if !ok {
		return 0, errors.New("no such symbol")
	}
	return addr, nil
}

func (h *fakeHost) AttachProbe(src bpf.Source, name string) (probe.Hook, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr, ok := h.symbols[name]
	if !ok || h.failProbe[name] {
		h.log.add("attach %s failed", name)
		return nil, fmt.Errorf("attaching kprobe %s: %w", name, os.ErrNotExist)
	}
	hook := &fakeHook{name: name, addr: addr, log: h.log}
	h.hooks = append(h.hooks, hook)
	h.log.add("attach %s", name)
	return hook, nil
}

func (h *fakeHost) InstallPatch(src bpf.Source, addr uint64) (probe.Hook, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := fmt.Sprintf("%#x", addr)
	if h.failPatch {
		h.log.add("install %s failed", name)
		return nil, errors.New("installing patch: operation not supported")
	}
	hook := &fakeHook{name: name, addr: addr, log: h.log}
	h.hooks = append(h.hooks, hook)
	h.log.add("install %s", name)
	return hook, nil
}

func (h *fakeHost) SetFilter(f bpf.Filter) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filters = append(h.filters, f)
	return nil
}

func (h *fakeHost) Records() (probe.RecordReader, error) {
	return h.reader, nil
}

func (h *fakeHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	h.log.add("close host")
	return nil
}

func (h *fakeHost) lastFilter() bpf.Filter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.filters) == 0 {
		return bpf.Filter{}
	}
	return h.filters[len(h.filters)-1]
}

// sample encodes a handler record the way the kernel side lays it out.
func sample(src bpf.Source, pid uint32, comm string, dirfd int32, path string, flags uint64) []byte {
	var raw struct {
		Pid     uint32
		Source  uint32
		Dirfd   int32
		PathLen uint32
		Flags   uint64
		Comm    [bpf.CommLen]byte
		Path    [bpf.MaxPathLen]byte
	}
	raw.Pid = pid
	raw.Source = uint32(src)
	raw.Dirfd = dirfd
	raw.Flags = flags
	copy(raw.Comm[:bpf.CommLen-1], comm)
	n := copy(raw.Path[:bpf.MaxPathLen-1], path)
	raw.PathLen = uint32(n + 1)

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &raw); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
