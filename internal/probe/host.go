package probe

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/features"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"

	"github.com/mxcrafts/opentrack/internal/bpf"
	"github.com/mxcrafts/opentrack/internal/kprobes"
	"github.com/mxcrafts/opentrack/pkg/logger"
)

const defaultRingBufSize = 256 * 1024

// Options configures a Host.
type Options struct {
	Layout bpf.Layout
	// RingBufSize is the ring buffer size in bytes, a power of two multiple
	// of the page size.
	RingBufSize int
	// ListPath is the kprobe registry used to read bound addresses back.
	ListPath string
}

// Host owns the kernel side of the tracer: the filter cell, the ring buffer
// and one generated handler program per interception point.
type Host struct {
	opts Options

	filter *ebpf.Map
	events *ebpf.Map
	noop   *ebpf.Program

	mu     sync.Mutex
	progs  map[bpf.Source]*ebpf.Program
	closed bool
}

// NewHost prepares maps and checks that the kernel can run the handlers.
// Handler programs are loaded on first use so that a kernel without
// kprobe.multi can still run the probe backend.
func NewHost(opts Options) (*Host, error) {
	if opts.RingBufSize == 0 {
		opts.RingBufSize = defaultRingBufSize
	}
	if opts.ListPath == "" {
		opts.ListPath = kprobes.DefaultListPath
	}

	checkMachine(opts.Layout)

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memory lock: %w", err)
	}
	if err := features.HaveMapType(ebpf.RingBuf); err != nil {
		return nil, fmt.Errorf("ring buffer maps: %w", err)
	}
	for _, fn := range []asm.BuiltinFunc{asm.FnProbeReadUserStr, asm.FnProbeReadKernel, asm.FnRingbufOutput} {
		if err := features.HaveProgramHelper(ebpf.Kprobe, fn); err != nil {
			return nil, fmt.Errorf("kprobe helper %s: %w", fn, err)
		}
	}

	h := &Host{
		opts:  opts,
		progs: make(map[bpf.Source]*ebpf.Program),
	}

	var err error
	h.filter, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       "openat_filter",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  bpf.FilterValueSize,
		MaxEntries: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("creating filter map: %w", err)
	}

	h.events, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       "openat_events",
		Type:       ebpf.RingBuf,
		MaxEntries: uint32(opts.RingBufSize),
	})
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("creating ring buffer: %w", err)
	}

	h.noop, err = ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "openat_lookup",
		Type:         ebpf.Kprobe,
		Instructions: bpf.Noop(),
		License:      "GPL",
	})
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("loading lookup program: %w", err)
	}

	return h, nil
}

// program returns the handler for src, loading it on first use.
func (h *Host) program(src bpf.Source, shape bpf.CallShape) (*ebpf.Program, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.New("host closed")
	}
	if prog, ok := h.progs[src]; ok {
		return prog, nil
	}

	spec := &ebpf.ProgramSpec{
		Name: src.ProgramName(),
		Type: ebpf.Kprobe,
		Instructions: bpf.Handler(bpf.HandlerSpec{
			Source:   src,
			Shape:    shape,
			Layout:   h.opts.Layout,
			FilterFD: h.filter.FD(),
			EventsFD: h.events.FD(),
		}),
		License: "GPL",
	}
	if shape == bpf.Direct {
		spec.AttachType = ebpf.AttachTraceKprobeMulti
	}

	prog, err := ebpf.NewProgram(spec)
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			logger.Global.Error("eBPF verifier rejected handler",
				"program", spec.Name,
				"details", fmt.Sprintf("%+v", ve))
		}
		return nil, fmt.Errorf("loading %s handler: %w", src, err)
	}

	h.progs[src] = prog
	logger.Global.Debug("Loaded handler",
		"program", spec.Name,
		"shape", shape.String(),
		"instructions", len(spec.Instructions))
	return prog, nil
}

// AttachProbe attaches the indirected handler for src to a syscall wrapper
// by name. The kernel runs it before the wrapper body on every call.
func (h *Host) AttachProbe(src bpf.Source, symbol string) (Hook, error) {
	prog, err := h.program(src, bpf.Indirected)
	if err != nil {
		return nil, err
	}

	kp, err := link.Kprobe(symbol, prog, nil)
	if err != nil {
		return nil, fmt.Errorf("attaching kprobe %s: %w", symbol, err)
	}

	addr, err := kprobes.Lookup(h.opts.ListPath, symbol)
	if err != nil {
		logger.Global.Debug("Kprobe address unavailable",
			"symbol", symbol,
			"error", err)
	}

	return newLinkHook(src, symbol, addr, kp), nil
}

// InstallPatch installs the direct handler for src as an fprobe restricted
// to exactly one function address. The kernel applies the address filter
// and the registration as one step, so a failure leaves nothing behind.
func (h *Host) InstallPatch(src bpf.Source, addr uint64) (Hook, error) {
	prog, err := h.program(src, bpf.Direct)
	if err != nil {
		return nil, err
	}

	l, err := link.KprobeMulti(prog, link.KprobeMultiOptions{
		Addresses: []uintptr{uintptr(addr)},
	})
	if err != nil {
		return nil, fmt.Errorf("installing patch at %#x: %w", addr, err)
	}

	return newLinkHook(src, fmt.Sprintf("%#x", addr), addr, l), nil
}

// Probe resolves name by attaching a throwaway kprobe running a no-op
// program, reading the bound address from the registry and detaching.
func (h *Host) Probe(name string) (uint64, error) {
	kp, err := link.Kprobe(name, h.noop, nil)
	if err != nil {
		return 0, fmt.Errorf("attaching lookup kprobe: %w", err)
	}
	defer kp.Close()

	return kprobes.Lookup(h.opts.ListPath, name)
}

// SetFilter publishes f to the handlers. Handlers read it with a plain load
// and may see the previous value for calls already in flight.
func (h *Host) SetFilter(f bpf.Filter) error {
	key := uint32(0)
	if err := h.filter.Update(&key, &f, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("updating filter: %w", err)
	}
	return nil
}

// Records opens a reader on the ring buffer.
func (h *Host) Records() (RecordReader, error) {
	rd, err := ringbuf.NewReader(h.events)
	if err != nil {
		return nil, fmt.Errorf("creating reader: %w", err)
	}
	return ringReader{rd: rd}, nil
}

// Close releases programs and maps. Hooks must be closed first.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	var errs []error
	for src, prog := range h.progs {
		if err := prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s handler: %w", src, err))
		}
	}
	h.progs = nil
	if h.noop != nil {
		errs = append(errs, h.noop.Close())
	}
	if h.events != nil {
		errs = append(errs, h.events.Close())
	}
	if h.filter != nil {
		errs = append(errs, h.filter.Close())
	}
	return errors.Join(errs...)
}

// checkMachine warns when the running kernel does not use the register
// layout the handlers are generated for.
func checkMachine(layout bpf.Layout) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		logger.Global.Warn("Failed to read kernel identity", "error", err)
		return
	}

	machine := unix.ByteSliceToString(uts.Machine[:])
	logger.Global.Info("Kernel identified",
		"release", unix.ByteSliceToString(uts.Release[:]),
		"machine", machine)

	if machine != layout.Machine {
		logger.Global.Warn("Kernel machine differs from handler register layout",
			"machine", machine,
			"layout", layout.Machine)
	}
}
