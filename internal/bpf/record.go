package bpf

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mxcrafts/opentrack/pkg/utils"
)

const (
	// MaxPathLen bounds the path copy, terminator included.
	MaxPathLen = 256
	// CommLen is the kernel's TASK_COMM_LEN.
	CommLen = 16
)

// Field offsets of the record a handler writes to the ring buffer.
const (
	offPid     = 0
	offSource  = 4
	offDirfd   = 8
	offPathLen = 12
	offFlags   = 16
	offComm    = 24
	offPath    = 40

	RecordSize = offPath + MaxPathLen
)

// Layout of the filter cell value.
const (
	FilterTargetOff = 0
	FilterSelfOff   = 4
	FilterValueSize = 8
)

// Source identifies the interception point a record came from.
type Source uint32

const (
	SourceUnknown Source = iota
	SourceProbeOpenat
	SourceProbeOpenat2
	SourcePatchOpenat2
)

func (s Source) String() string {
	switch s {
	case SourceProbeOpenat:
		return "probe/openat"
	case SourceProbeOpenat2:
		return "probe/openat2"
	case SourcePatchOpenat2:
		return "patch/do_sys_openat2"
	default:
		return "unknown"
	}
}

// ProgramName is the kernel-visible name of the handler for s (at most 15 bytes).
func (s Source) ProgramName() string {
	switch s {
	case SourceProbeOpenat:
		return "openat_probe"
	case SourceProbeOpenat2:
		return "openat2_probe"
	case SourcePatchOpenat2:
		return "openat2_patch"
	default:
		return "openat_unknown"
	}
}

// Filter is the value stored in the filter cell. Target 0 matches every process.
// Self is the tracer's own process id, never traced.
type Filter struct {
	Target uint32
	Self   uint32
}

// rawRecord matches the byte layout written by Handler.
type rawRecord struct {
	Pid     uint32
	Source  uint32
	Dirfd   int32
	PathLen uint32
	Flags   uint64
	Comm    [CommLen]byte
	Path    [MaxPathLen]byte
}

// Record is a decoded ring buffer sample.
type Record struct {
	Pid     uint32
	Source  Source
	Dirfd   int32
	PathLen uint32
	Flags   uint64
	Comm    string
	Path    string
}

// Decode parses one ring buffer sample.
func Decode(sample []byte) (Record, error) {
	if len(sample) < RecordSize {
		return Record{}, fmt.Errorf("short record: %d bytes", len(sample))
	}

	var raw rawRecord
	if err := binary.Read(bytes.NewReader(sample[:RecordSize]), binary.LittleEndian, &raw); err != nil {
		return Record{}, fmt.Errorf("decoding record: %w", err)
	}

	path := raw.Path[:MaxPathLen-1]
	if raw.PathLen > 0 && int(raw.PathLen) <= MaxPathLen {
		path = raw.Path[:raw.PathLen-1]
	}

	return Record{
		Pid:     raw.Pid,
		Source:  Source(raw.Source),
		Dirfd:   raw.Dirfd,
		PathLen: raw.PathLen,
		Flags:   raw.Flags,
		Comm:    utils.CleanProcessName(raw.Comm[:]),
		Path:    utils.CleanString(path),
	}, nil
}
