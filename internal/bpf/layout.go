package bpf

import (
	"fmt"
	"runtime"
)

// CallShape says where a hooked function's arguments live.
type CallShape uint8

const (
	// Direct: the arguments are the hooked function's own argument registers.
	Direct CallShape = iota
	// Indirected: the hooked function's first argument points at another register
	// block that holds the real arguments. Syscall wrappers look like this.
	Indirected
)

func (s CallShape) String() string {
	switch s {
	case Direct:
		return "direct"
	case Indirected:
		return "indirected"
	default:
		return fmt.Sprintf("CallShape(%d)", uint8(s))
	}
}

// Argument positions shared by every shape.
const (
	ArgDirfd = 0
	ArgPath  = 1
	ArgFlags = 2
)

// Layout maps argument positions to byte offsets inside struct pt_regs.
type Layout struct {
	Arch string
	// Machine is the uname(2) machine string of kernels using this layout.
	Machine string
	// SyscallPrefix turns a syscall name into its wrapper symbol.
	SyscallPrefix string
	ArgOffsets    [3]int16
}

// SyscallSymbol returns the wrapper symbol of the named syscall.
func (l Layout) SyscallSymbol(name string) string {
	return l.SyscallPrefix + name
}

// x86-64: pt_regs {r15 r14 r13 r12 bp bx r11 r10 r9 r8 ax cx dx si di ...},
// arguments in rdi, rsi, rdx.
// arm64: user_pt_regs {regs[31] sp pc pstate}, arguments in x0, x1, x2.
var layouts = map[string]Layout{
	"amd64": {
		Arch:          "amd64",
		Machine:       "x86_64",
		SyscallPrefix: "__x64_sys_",
		ArgOffsets:    [3]int16{112, 104, 96},
	},
	"arm64": {
		Arch:          "arm64",
		Machine:       "aarch64",
		SyscallPrefix: "__arm64_sys_",
		ArgOffsets:    [3]int16{0, 8, 16},
	},
}

// LayoutFor returns the register layout of the given GOARCH.
func LayoutFor(arch string) (Layout, error) {
	l, ok := layouts[arch]
	if !ok {
		return Layout{}, fmt.Errorf("no pt_regs layout for architecture %s", arch)
	}
	return l, nil
}

// NativeLayout returns the layout of the architecture the binary was built for.
func NativeLayout() (Layout, error) {
	return LayoutFor(runtime.GOARCH)
}
