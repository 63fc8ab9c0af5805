package openat

import (
	"errors"
	"fmt"
	"time"

	"github.com/mxcrafts/opentrack/internal/bpf"
	"github.com/mxcrafts/opentrack/internal/probe"
)

// ErrAlreadyEnabled is returned by Enable unless the monitor is disabled.
var ErrAlreadyEnabled = errors.New("monitor already enabled")

// State is the lifecycle state of a Monitor.
type State int32

const (
	StateDisabled State = iota
	StateEnabling
	StateActive
	StateDisabling
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabling:
		return "enabling"
	case StateActive:
		return "active"
	case StateDisabling:
		return "disabling"
	default:
		return "unknown"
	}
}

// BackendKind is the interception mechanism of a point.
type BackendKind int

const (
	// BackendProbe hooks a syscall wrapper by name with a kprobe.
	BackendProbe BackendKind = iota
	// BackendPatch patches the entry of one resolved function address.
	BackendPatch
)

func (k BackendKind) String() string {
	if k == BackendPatch {
		return "patch"
	}
	return "probe"
}

// InterceptPoint is one place the monitor hooks.
type InterceptPoint struct {
	Name    string
	Source  bpf.Source
	Backend BackendKind
	// ResolvedAddress is set before install for the patch backend and after
	// attach for the probe backend.
	ResolvedAddress uint64
	Active          bool

	hook probe.Hook
}

func (p *InterceptPoint) detach() error {
	if p.hook == nil {
		return nil
	}
	err := p.hook.Close()
	p.Active = false
	p.hook = nil
	return err
}

// PointStatus is the exported view of an InterceptPoint.
type PointStatus struct {
	Name    string `json:"name"`
	Source  string `json:"source"`
	Backend string `json:"backend"`
	Address string `json:"address"`
	Active  bool   `json:"active"`
}

// Status describes a Monitor.
type Status struct {
	State     string        `json:"state"`
	TargetPID uint32        `json:"target_pid"`
	Points    []PointStatus `json:"points"`
	Emitted   uint64        `json:"emitted"`
	Dropped   uint64        `json:"dropped"`
}

// TraceEvent is one traced open.
type TraceEvent struct {
	Pid       uint32
	Comm      string
	Dirfd     int32
	Path      string
	FlagsRaw  uint64
	Source    bpf.Source
	Timestamp time.Time
}

func newTraceEvent(rec bpf.Record) *TraceEvent {
	return &TraceEvent{
		Pid:       rec.Pid,
		Comm:      rec.Comm,
		Dirfd:     rec.Dirfd,
		Path:      rec.Path,
		FlagsRaw:  rec.Flags,
		Source:    rec.Source,
		Timestamp: time.Now(),
	}
}

// Line renders the event as one diagnostic log line.
func (e *TraceEvent) Line() string {
	return fmt.Sprintf("trace_openat: PID %d (%s) openat(dfd=%d, %q, flags=0x%x)",
		e.Pid, e.Comm, e.Dirfd, e.Path, e.FlagsRaw)
}

// GetType returns the event type
func (e *TraceEvent) GetType() string {
	return "openat"
}

// GetTimestamp returns the emission time
func (e *TraceEvent) GetTimestamp() time.Time {
	return e.Timestamp
}

// GetData returns the event fields
func (e *TraceEvent) GetData() map[string]interface{} {
	return map[string]interface{}{
		"pid":    e.Pid,
		"comm":   e.Comm,
		"dirfd":  e.Dirfd,
		"path":   e.Path,
		"flags":  e.FlagsRaw,
		"source": e.Source.String(),
	}
}
