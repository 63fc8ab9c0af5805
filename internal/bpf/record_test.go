package bpf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	sample := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(sample[offPid:], 4242)
	binary.LittleEndian.PutUint32(sample[offSource:], uint32(SourceProbeOpenat2))
	binary.LittleEndian.PutUint32(sample[offDirfd:], 0xffffff9c)
	binary.LittleEndian.PutUint32(sample[offPathLen:], 11)
	binary.LittleEndian.PutUint64(sample[offFlags:], 0x80000)
	copy(sample[offComm:], "bash")
	copy(sample[offPath:], "/etc/hosts")

	rec, err := Decode(sample)
	require.NoError(t, err)
	assert.Equal(t, Record{
		Pid:     4242,
		Source:  SourceProbeOpenat2,
		Dirfd:   -100,
		PathLen: 11,
		Flags:   0x80000,
		Comm:    "bash",
		Path:    "/etc/hosts",
	}, rec)
}

func TestDecodeUnterminatedPath(t *testing.T) {
	sample := make([]byte, RecordSize)
	for i := offPath; i < RecordSize; i++ {
		sample[i] = 'x'
	}
	// A bogus length falls back to the bounded buffer.
	binary.LittleEndian.PutUint32(sample[offPathLen:], 9999)

	rec, err := Decode(sample)
	require.NoError(t, err)
	assert.Len(t, rec.Path, MaxPathLen-1)
}

func TestDecodeShortRecord(t *testing.T) {
	_, err := Decode(make([]byte, RecordSize-1))
	assert.Error(t, err)
}

func TestSourceNamesFitKernelLimit(t *testing.T) {
	for _, src := range []Source{SourceProbeOpenat, SourceProbeOpenat2, SourcePatchOpenat2} {
		assert.LessOrEqual(t, len(src.ProgramName()), 15, src.String())
	}
}

func TestLayoutFor(t *testing.T) {
	amd64, err := LayoutFor("amd64")
	require.NoError(t, err)
	assert.Equal(t, "__x64_sys_openat", amd64.SyscallSymbol("openat"))
	assert.Equal(t, [3]int16{112, 104, 96}, amd64.ArgOffsets)

	arm64, err := LayoutFor("arm64")
	require.NoError(t, err)
	assert.Equal(t, "__arm64_sys_openat2", arm64.SyscallSymbol("openat2"))

	_, err = LayoutFor("mips")
	assert.Error(t, err)
}
