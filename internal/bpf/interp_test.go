package bpf

import (
	"encoding/binary"
	"testing"

	"github.com/cilium/ebpf/asm"
)

// A small interpreter for the subset of eBPF that Handler emits. It lets the
// tests run generated handlers against simulated registers, kernel memory,
// user memory and maps without a kernel.

const (
	stackTop  = uint64(0x1000_0000)
	ctxBase   = uint64(0x2000_0000)
	valueBase = uint64(0x3000_0000)
	mapBase   = uint64(0x4000_0000)

	testFilterFD = 100
	testEventsFD = 101
)

var (
	errFault int64 = -14 // -EFAULT
	errNoSpc int64 = -28 // -ENOSPC
)

type userString struct {
	data     []byte
	resident bool
}

type machine struct {
	t *testing.T

	regs  [11]uint64
	stack [512]byte

	// ctx is the hooked function's struct pt_regs.
	ctx []byte
	// kernel holds kernel memory regions by base address.
	kernel map[uint64][]byte
	// user holds NUL-terminated user strings by address.
	user map[uint64]userString

	filter  [FilterValueSize]byte
	noCell  bool
	ringFul bool
	tgid    uint32
	tid     uint32
	comm    string

	records [][]byte
	calls   map[asm.BuiltinFunc]int
}

func newMachine(t *testing.T) *machine {
	return &machine{
		t:      t,
		ctx:    make([]byte, 512),
		kernel: make(map[uint64][]byte),
		user:   make(map[uint64]userString),
		calls:  make(map[asm.BuiltinFunc]int),
		tgid:   1000,
		tid:    1000,
		comm:   "cat",
	}
}

func (m *machine) setFilter(target, self uint32) {
	binary.LittleEndian.PutUint32(m.filter[FilterTargetOff:], target)
	binary.LittleEndian.PutUint32(m.filter[FilterSelfOff:], self)
}

func (m *machine) putUser(addr uint64, s string, resident bool) {
	m.user[addr] = userString{data: append([]byte(s), 0), resident: resident}
}

// region returns the backing slice covering [addr, addr+n).
func (m *machine) region(addr uint64, n int) []byte {
	stackBase := stackTop - uint64(len(m.stack))
	switch {
	case addr >= stackBase && addr+uint64(n) <= stackTop:
		off := addr - stackBase
		return m.stack[off : off+uint64(n)]
	case addr >= ctxBase && addr+uint64(n) <= ctxBase+uint64(len(m.ctx)):
		off := addr - ctxBase
		return m.ctx[off : off+uint64(n)]
	case addr >= valueBase && addr+uint64(n) <= valueBase+FilterValueSize:
		off := addr - valueBase
		return m.filter[off : off+uint64(n)]
	}
	m.t.Fatalf("access outside of stack, ctx and map values: %#x+%d", addr, n)
	return nil
}

func (m *machine) kernelRead(addr uint64, n int) ([]byte, bool) {
	for base, mem := range m.kernel {
		if addr >= base && addr+uint64(n) <= base+uint64(len(mem)) {
			off := addr - base
			return mem[off : off+uint64(n)], true
		}
	}
	return nil, false
}

func load(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}

func store(b []byte, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(b, buf[:len(b)])
}

// run executes insns with R1 pointing at the ctx.
func (m *machine) run(insns asm.Instructions) uint64 {
	m.t.Helper()

	labels := make(map[string]int)
	for i, ins := range insns {
		if sym := ins.Symbol(); sym != "" {
			labels[sym] = i
		}
	}

	m.regs = [11]uint64{}
	m.regs[asm.R1] = ctxBase
	m.regs[asm.RFP] = stackTop

	pc := 0
	for steps := 0; ; steps++ {
		if steps > 4096 || pc >= len(insns) {
			m.t.Fatalf("program ran off at pc %d after %d steps", pc, steps)
		}
		ins := insns[pc]
		pc++

		op := ins.OpCode
		switch op.Class() {
		case asm.LdClass:
			if ins.Src == asm.PseudoMapFD {
				m.regs[ins.Dst] = mapBase + uint64(uint32(ins.Constant))
			} else {
				m.regs[ins.Dst] = uint64(ins.Constant)
			}

		case asm.LdXClass:
			n := op.Size().Sizeof()
			m.regs[ins.Dst] = load(m.region(m.regs[ins.Src]+uint64(int64(ins.Offset)), n))

		case asm.StClass:
			n := op.Size().Sizeof()
			store(m.region(m.regs[ins.Dst]+uint64(int64(ins.Offset)), n), uint64(ins.Constant))

		case asm.StXClass:
			n := op.Size().Sizeof()
			store(m.region(m.regs[ins.Dst]+uint64(int64(ins.Offset)), n), m.regs[ins.Src])

		case asm.ALU64Class, asm.ALUClass:
			operand := uint64(ins.Constant)
			if op.Source() == asm.RegSource {
				operand = m.regs[ins.Src]
			}
			var r uint64
			switch op.ALUOp() {
			case asm.Mov:
				r = operand
			case asm.Add:
				r = m.regs[ins.Dst] + operand
			case asm.RSh:
				r = m.regs[ins.Dst] >> operand
			case asm.And:
				r = m.regs[ins.Dst] & operand
			default:
				m.t.Fatalf("unsupported ALU op %v", op)
			}
			if op.Class() == asm.ALUClass {
				r = uint64(uint32(r))
			}
			m.regs[ins.Dst] = r

		case asm.JumpClass:
			switch op.JumpOp() {
			case asm.Exit:
				return m.regs[asm.R0]
			case asm.Call:
				m.call(asm.BuiltinFunc(ins.Constant))
				continue
			}

			operand := uint64(ins.Constant)
			if op.Source() == asm.RegSource {
				operand = m.regs[ins.Src]
			}
			dst := m.regs[ins.Dst]
			var taken bool
			switch op.JumpOp() {
			case asm.Ja:
				taken = true
			case asm.JEq:
				taken = dst == operand
			case asm.JNE:
				taken = dst != operand
			case asm.JSLT:
				taken = int64(dst) < int64(operand)
			default:
				m.t.Fatalf("unsupported jump op %v", op)
			}
			if taken {
				target, ok := labels[ins.Reference()]
				if !ok {
					m.t.Fatalf("jump to unknown label %q", ins.Reference())
				}
				pc = target
			}

		default:
			m.t.Fatalf("unsupported instruction %v", ins)
		}
	}
}

func (m *machine) call(fn asm.BuiltinFunc) {
	m.calls[fn]++
	r := &m.regs

	switch fn {
	case asm.FnGetCurrentPidTgid:
		r[asm.R0] = uint64(m.tgid)<<32 | uint64(m.tid)

	case asm.FnMapLookupElem:
		key := load(m.region(r[asm.R2], 4))
		if r[asm.R1] != mapBase+testFilterFD || key != 0 || m.noCell {
			r[asm.R0] = 0
		} else {
			r[asm.R0] = valueBase
		}

	case asm.FnProbeReadKernel:
		dst := m.region(r[asm.R1], int(r[asm.R2]))
		src, ok := m.kernelRead(r[asm.R3], int(r[asm.R2]))
		if !ok {
			for i := range dst {
				dst[i] = 0
			}
			r[asm.R0] = uint64(int64(errFault))
			break
		}
		copy(dst, src)
		r[asm.R0] = 0

	case asm.FnProbeReadUserStr:
		size := int(r[asm.R2])
		dst := m.region(r[asm.R1], size)
		s, ok := m.user[r[asm.R3]]
		if !ok || !s.resident {
			r[asm.R0] = uint64(int64(errFault))
			break
		}
		n := 0
		for n < size-1 && s.data[n] != 0 {
			dst[n] = s.data[n]
			n++
		}
		dst[n] = 0
		r[asm.R0] = uint64(n + 1)

	case asm.FnGetCurrentComm:
		dst := m.region(r[asm.R1], int(r[asm.R2]))
		for i := range dst {
			dst[i] = 0
		}
		copy(dst[:len(dst)-1], m.comm)
		r[asm.R0] = 0

	case asm.FnRingbufOutput:
		if r[asm.R1] != mapBase+testEventsFD {
			m.t.Fatalf("ringbuf output to %#x", r[asm.R1])
		}
		if m.ringFul {
			r[asm.R0] = uint64(int64(errNoSpc))
			break
		}
		sample := make([]byte, int(r[asm.R3]))
		copy(sample, m.region(r[asm.R2], len(sample)))
		m.records = append(m.records, sample)
		r[asm.R0] = 0

	default:
		m.t.Fatalf("unexpected helper %v", fn)
	}

	// Helpers clobber the argument registers.
	for reg := asm.R1; reg <= asm.R5; reg++ {
		r[reg] = 0xdead_beef
	}
}
