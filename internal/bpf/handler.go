package bpf

import (
	"github.com/cilium/ebpf/asm"
)

// Stack frame of a handler, relative to the frame pointer. The record
// occupies [eventOff, scratchOff); the last eight bytes hold the filter
// key first and later the scratch word of indirected reads.
const (
	eventOff   = -(RecordSize + 8)
	scratchOff = -8
	keyOff     = -4
)

const (
	labelExit   = "exit"
	labelTarget = "target_ok"
	labelZero   = "zero"
)

// HandlerSpec describes one generated handler.
type HandlerSpec struct {
	Source   Source
	Shape    CallShape
	Layout   Layout
	FilterFD int
	EventsFD int
}

// Handler returns the per-call program for one interception point. Every
// stage is bounded and non-blocking: the filter runs before anything is
// copied, a fault on any read exits without emitting, and the record is
// pushed with bpf_ringbuf_output, which drops instead of waiting.
func Handler(spec HandlerSpec) asm.Instructions {
	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.FnGetCurrentPidTgid.Call(),
		asm.Mov.Reg(asm.R9, asm.R0),
		asm.RSh.Imm(asm.R9, 32),
	}
	insns = append(insns, filterStage(spec.FilterFD)...)
	insns = append(insns, zeroRecord()...)
	insns = append(insns,
		asm.StoreMem(asm.RFP, eventOff+offPid, asm.R9, asm.Word),
		asm.StoreImm(asm.RFP, eventOff+offSource, int64(spec.Source), asm.Word),
	)
	insns = append(insns, extractStage(spec.Shape, spec.Layout)...)
	insns = append(insns, readPathStage()...)
	insns = append(insns, emitStage(spec.EventsFD)...)
	insns = append(insns,
		asm.Mov.Imm(asm.R0, 0).WithSymbol(labelExit),
		asm.Return(),
	)
	return insns
}

// Noop is the trivial program used for throwaway probes.
func Noop() asm.Instructions {
	return asm.Instructions{
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	}
}

// filterStage drops the call unless the target pid is unset or equal to the
// caller's tgid (R9), and always drops the tracer's own calls.
func filterStage(filterFD int) asm.Instructions {
	return asm.Instructions{
		asm.StoreImm(asm.RFP, keyOff, 0, asm.Word),
		asm.LoadMapPtr(asm.R1, filterFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, keyOff),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, labelExit),
		asm.LoadMem(asm.R1, asm.R0, FilterTargetOff, asm.Word),
		asm.JEq.Imm(asm.R1, 0, labelTarget),
		asm.JNE.Reg(asm.R1, asm.R9, labelExit),
		asm.LoadMem(asm.R1, asm.R0, FilterSelfOff, asm.Word).WithSymbol(labelTarget),
		asm.JEq.Imm(asm.R1, 0, labelZero),
		asm.JEq.Reg(asm.R1, asm.R9, labelExit),
	}
}

func zeroRecord() asm.Instructions {
	var insns asm.Instructions
	for off := 0; off < RecordSize; off += 8 {
		insns = append(insns, asm.StoreImm(asm.RFP, int16(eventOff+off), 0, asm.DWord))
	}
	insns[0] = insns[0].WithSymbol(labelZero)
	return insns
}

// extractStage stores dirfd and flags into the record and leaves the path
// pointer in R8. Only loadArg knows about the call shape.
func extractStage(shape CallShape, layout Layout) asm.Instructions {
	var insns asm.Instructions
	if shape == Indirected {
		// The outer function's first argument is the inner register block.
		insns = append(insns, asm.LoadMem(asm.R7, asm.R6, layout.ArgOffsets[0], asm.DWord))
	}
	insns = append(insns, loadArg(shape, layout, ArgDirfd, asm.R8)...)
	insns = append(insns, asm.StoreMem(asm.RFP, eventOff+offDirfd, asm.R8, asm.Word))
	insns = append(insns, loadArg(shape, layout, ArgFlags, asm.R8)...)
	insns = append(insns, asm.StoreMem(asm.RFP, eventOff+offFlags, asm.R8, asm.DWord))
	insns = append(insns, loadArg(shape, layout, ArgPath, asm.R8)...)
	insns = append(insns, asm.JEq.Imm(asm.R8, 0, labelExit))
	return insns
}

// loadArg puts argument pos into dst, which must be callee saved.
func loadArg(shape CallShape, layout Layout, pos int, dst asm.Register) asm.Instructions {
	off := layout.ArgOffsets[pos]
	if shape == Direct {
		return asm.Instructions{asm.LoadMem(dst, asm.R6, off, asm.DWord)}
	}
	return asm.Instructions{
		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, scratchOff),
		asm.Mov.Imm(asm.R2, 8),
		asm.Mov.Reg(asm.R3, asm.R7),
		asm.Add.Imm(asm.R3, int32(off)),
		asm.FnProbeReadKernel.Call(),
		asm.JNE.Imm(asm.R0, 0, labelExit),
		asm.LoadMem(dst, asm.RFP, scratchOff, asm.DWord),
	}
}

// readPathStage copies at most MaxPathLen-1 bytes of the user string at R8
// and terminates it. A fault means the page is not resident: drop the call.
func readPathStage() asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, eventOff+offPath),
		asm.Mov.Imm(asm.R2, MaxPathLen),
		asm.Mov.Reg(asm.R3, asm.R8),
		asm.FnProbeReadUserStr.Call(),
		asm.JSLT.Imm(asm.R0, 0, labelExit),
		asm.StoreMem(asm.RFP, eventOff+offPathLen, asm.R0, asm.Word),
	}
}

func emitStage(eventsFD int) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, eventOff+offComm),
		asm.Mov.Imm(asm.R2, CommLen),
		asm.FnGetCurrentComm.Call(),
		asm.LoadMapPtr(asm.R1, eventsFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, eventOff),
		asm.Mov.Imm(asm.R3, RecordSize),
		asm.Mov.Imm(asm.R4, 0),
		asm.FnRingbufOutput.Call(),
	}
}
