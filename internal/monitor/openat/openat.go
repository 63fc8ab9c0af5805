package openat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mxcrafts/opentrack/internal/bpf"
	"github.com/mxcrafts/opentrack/internal/collector"
	"github.com/mxcrafts/opentrack/internal/probe"
	"github.com/mxcrafts/opentrack/internal/symbol"
	"github.com/mxcrafts/opentrack/pkg/logger"
)

const eventBuffer = 1000

// Host is the kernel-facing side of the monitor.
type Host interface {
	symbol.Oracle
	AttachProbe(src bpf.Source, symbol string) (probe.Hook, error)
	InstallPatch(src bpf.Source, addr uint64) (probe.Hook, error)
	SetFilter(f bpf.Filter) error
	Records() (probe.RecordReader, error)
	Close() error
}

// HostFactory creates a Host at enable time.
type HostFactory func() (Host, error)

// Config selects backends and symbols.
type Config struct {
	Probe bool
	Patch bool
	// TargetPID limits tracing to one process, 0 traces all.
	TargetPID uint32
	// IgnorePID is never traced, normally the tracer itself.
	IgnorePID uint32

	Layout          bpf.Layout
	BaseSyscall     string
	ExtendedSyscall string
	PatchSymbol     string
}

// Monitor traces opens through one or both backends.
type Monitor struct {
	cfg       Config
	newHost   HostFactory
	eventChan chan collector.Event

	mu       sync.Mutex
	state    State
	host     Host
	resolver *symbol.Resolver
	points   []*InterceptPoint
	reader   probe.RecordReader
	wg       sync.WaitGroup

	target  atomic.Uint32
	emitted atomic.Uint64
	dropped atomic.Uint64
}

func NewMonitor(cfg Config, newHost HostFactory) (*Monitor, error) {
	if !cfg.Probe && !cfg.Patch {
		return nil, fmt.Errorf("no backend selected")
	}
	if cfg.Probe && (cfg.BaseSyscall == "" || cfg.Layout.SyscallPrefix == "") {
		return nil, fmt.Errorf("probe backend needs a base syscall and a register layout")
	}
	if cfg.Patch && cfg.PatchSymbol == "" {
		return nil, fmt.Errorf("patch backend needs a symbol")
	}

	m := &Monitor{
		cfg:       cfg,
		newHost:   newHost,
		eventChan: make(chan collector.Event, eventBuffer),
	}
	m.target.Store(cfg.TargetPID)
	return m, nil
}

// Enable acquires the host, attaches the configured backends and starts
// draining records. A mandatory attach failure undoes everything and leaves
// the monitor disabled.
func (m *Monitor) Enable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateDisabled {
		return ErrAlreadyEnabled
	}
	m.state = StateEnabling

	if err := m.enable(ctx); err != nil {
		m.release()
		m.state = StateDisabled
		logger.Global.Error("Enabling openat monitor failed", "error", err)
		return err
	}

	m.state = StateActive
	logger.Global.Info("Openat monitor enabled",
		"points", len(m.points),
		"target_pid", m.target.Load())
	return nil
}

func (m *Monitor) enable(ctx context.Context) error {
	host, err := m.newHost()
	if err != nil {
		return fmt.Errorf("creating host: %w", err)
	}
	m.host = host
	m.resolver = symbol.NewResolver(host)

	if err := host.SetFilter(m.filter()); err != nil {
		return err
	}

	// Open the reader before attaching so no record is missed.
	m.reader, err = host.Records()
	if err != nil {
		return err
	}

	if m.cfg.Probe {
		base := m.cfg.Layout.SyscallSymbol(m.cfg.BaseSyscall)
		if err := m.attachProbe(ctx, bpf.SourceProbeOpenat, base); err != nil {
			return fmt.Errorf("fatal: %w", err)
		}

		if m.cfg.ExtendedSyscall != "" {
			extended := m.cfg.Layout.SyscallSymbol(m.cfg.ExtendedSyscall)
			if err := m.attachProbe(ctx, bpf.SourceProbeOpenat2, extended); err != nil {
				logger.Global.Warn("Extended variant unavailable, tracing base variant only",
					"symbol", extended,
					"error", err)
			}
		}
	}

	if m.cfg.Patch {
		if err := m.installPatch(ctx, bpf.SourcePatchOpenat2, m.cfg.PatchSymbol); err != nil {
			if !m.cfg.Probe {
				return fmt.Errorf("fatal: %w", err)
			}
			logger.Global.Warn("Patch backend unavailable, continuing with probes",
				"symbol", m.cfg.PatchSymbol,
				"error", err)
		}
	}

	m.wg.Add(1)
	go m.handleEvents(m.reader)
	return nil
}

func (m *Monitor) attachProbe(ctx context.Context, src bpf.Source, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	hook, err := m.host.AttachProbe(src, name)
	if err != nil {
		return err
	}
	m.points = append(m.points, &InterceptPoint{
		Name:            name,
		Source:          src,
		Backend:         BackendProbe,
		ResolvedAddress: hook.Address(),
		Active:          true,
		hook:            hook,
	})
	logger.Global.Info("Successfully attached kprobe",
		"probe", name,
		"source", src.String(),
		"addr", fmt.Sprintf("%#x", hook.Address()))
	return nil
}

func (m *Monitor) installPatch(ctx context.Context, src bpf.Source, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr, err := m.resolver.Resolve(name)
	if err != nil {
		return err
	}

	hook, err := m.host.InstallPatch(src, addr)
	if err != nil {
		return err
	}
	m.points = append(m.points, &InterceptPoint{
		Name:            name,
		Source:          src,
		Backend:         BackendPatch,
		ResolvedAddress: addr,
		Active:          true,
		hook:            hook,
	})
	logger.Global.Info("Successfully installed patch",
		"symbol", name,
		"source", src.String(),
		"addr", fmt.Sprintf("%#x", addr))
	return nil
}

// Disable detaches every point in reverse order, waits until no record can
// still be in flight and releases the host. Disabling a disabled monitor
// does nothing.
func (m *Monitor) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive {
		return nil
	}
	m.state = StateDisabling

	err := m.release()

	m.state = StateDisabled
	logger.Global.Info("Openat monitor disabled",
		"emitted", m.emitted.Load(),
		"dropped", m.dropped.Load())
	return err
}

// release tears down whatever enable managed to set up, in three steps:
// stop new invocations, quiesce, free resources.
func (m *Monitor) release() error {
	var errs []error

	// Closing a link returns only after the kernel has unregistered the
	// probe and waited out every handler running on another CPU.
	for i := len(m.points) - 1; i >= 0; i-- {
		if err := m.points[i].detach(); err != nil {
			errs = append(errs, err)
		}
	}
	m.points = nil

	if m.reader != nil {
		// Drain what the handlers already pushed, then join the consumer.
		m.reader.SetDeadline(time.Now())
		m.wg.Wait()
		if err := m.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing reader: %w", err))
		}
		m.reader = nil
	}

	if m.host != nil {
		if err := m.host.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing host: %w", err))
		}
		m.host = nil
	}
	m.resolver = nil

	return errors.Join(errs...)
}

func (m *Monitor) handleEvents(reader probe.RecordReader) {
	defer m.wg.Done()
	logger.Global.Debug("Starting openat record processing")

	for {
		sample, err := reader.Read()
		if err != nil {
			if errors.Is(err, probe.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
				logger.Global.Debug("Record reader drained")
				return
			}
			logger.Global.Error("Reading record failed", "error", err)
			continue
		}

		rec, err := bpf.Decode(sample)
		if err != nil {
			m.dropped.Add(1)
			logger.Global.Debug("Dropping malformed record", "error", err)
			continue
		}
		m.emit(newTraceEvent(rec))
	}
}

// emit writes the event to the diagnostic log and offers it to collectors
// without waiting for them.
func (m *Monitor) emit(ev *TraceEvent) {
	m.emitted.Add(1)
	logger.Global.Info(ev.Line(),
		"pid", ev.Pid,
		"comm", ev.Comm,
		"dirfd", ev.Dirfd,
		"path", ev.Path,
		"flags", fmt.Sprintf("%#x", ev.FlagsRaw),
		"source", ev.Source.String())

	select {
	case m.eventChan <- ev:
	default:
		m.dropped.Add(1)
	}
}

func (m *Monitor) filter() bpf.Filter {
	return bpf.Filter{Target: m.target.Load(), Self: m.cfg.IgnorePID}
}

// SetTargetPID changes the traced process, 0 traces all. It may be called
// in any state; the value is published to the handlers when active.
func (m *Monitor) SetTargetPID(pid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.target.Store(pid)
	if m.host == nil {
		return nil
	}
	if err := m.host.SetFilter(m.filter()); err != nil {
		return err
	}
	logger.Global.Info("Filter updated", "target_pid", pid)
	return nil
}

// TargetPID returns the current filter target.
func (m *Monitor) TargetPID() uint32 {
	return m.target.Load()
}

// State returns the lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot for the control surface.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		State:     m.state.String(),
		TargetPID: m.target.Load(),
		Points:    make([]PointStatus, 0, len(m.points)),
		Emitted:   m.emitted.Load(),
		Dropped:   m.dropped.Load(),
	}
	for _, p := range m.points {
		st.Points = append(st.Points, PointStatus{
			Name:    p.Name,
			Source:  p.Source.String(),
			Backend: p.Backend.String(),
			Address: fmt.Sprintf("%#x", p.ResolvedAddress),
			Active:  p.Active,
		})
	}
	return st
}

// Start implements collector.Collector.
func (m *Monitor) Start(ctx context.Context) error {
	return m.Enable(ctx)
}

// Stop implements collector.Collector.
func (m *Monitor) Stop(ctx context.Context) error {
	return m.Disable()
}

// Collect returns the event channel
func (m *Monitor) Collect(ctx context.Context) (<-chan collector.Event, error) {
	return m.eventChan, nil
}

// GetType returns the type of the monitor
func (m *Monitor) GetType() string {
	return "openat"
}
