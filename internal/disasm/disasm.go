// Package disasm classifies the instruction a trap opcode overwrites.
//
// Planting a trap byte at the start of a function destroys the first byte of
// the original instruction. After the hook callback runs, that instruction
// still has to take effect before the guest continues. This package decodes
// the overwritten instruction once, at install time, and maps it onto one of
// five replayable prologue shapes:
//
//	push reg              save callee-saved register
//	mov [base+disp], reg  spill to stack/shadow space
//	mov reg, reg          frame pointer setup
//	sub reg, imm          stack allocation
//	lea reg, [base+disp]  frame address computation
//
// Anything else makes the hook one-shot: restore the original byte, let the
// guest execute it for real, and never trap there again.
package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/vigil/internal/vmi"
)

// Bitness is the guest addressing mode; x86 encoding differs between modes.
type Bitness int

const (
	Bits32 Bitness = 32
	Bits64 Bitness = 64
)

// BitnessFromAddressWidth converts a guest pointer width in bytes
// (8 for 64-bit guests, 4 for 32-bit) into a decode mode.
func BitnessFromAddressWidth(width uint8) Bitness {
	if width == 8 {
		return Bits64
	}
	return Bits32
}

// Kind tags the Strategy variant.
type Kind int

const (
	// KindMoveToMem replays mov [base+disp], reg.
	KindMoveToMem Kind = iota
	// KindPush replays push reg.
	KindPush
	// KindMovRegReg replays mov reg, reg.
	KindMovRegReg
	// KindSubImm replays sub reg, imm.
	KindSubImm
	// KindLea replays lea reg, [base+disp].
	KindLea
)

func (k Kind) String() string {
	switch k {
	case KindMoveToMem:
		return "mov-to-mem"
	case KindPush:
		return "push"
	case KindMovRegReg:
		return "mov-reg-reg"
	case KindSubImm:
		return "sub-imm"
	case KindLea:
		return "lea"
	}
	return "kind?"
}

// Strategy describes how to replay one hooked instruction. It is a closed
// five-way variant; the one exhaustive consumer is the hook manager's apply
// switch. Field use by kind:
//
//	KindMoveToMem:  Src, Base, Disp, Width
//	KindPush:       Src
//	KindMovRegReg:  Dst, Src
//	KindSubImm:     Dst, Imm
//	KindLea:        Dst, Base, Disp
//
// Len is always the byte length of the original instruction; dispatch
// advances the instruction pointer by it after replay.
type Strategy struct {
	Kind  Kind
	Dst   vmi.Register
	Src   vmi.Register
	Base  vmi.Register
	Disp  int64
	Imm   uint64
	Width int // operand width in bits, KindMoveToMem only
	Len   uint64
}

func (s *Strategy) String() string {
	switch s.Kind {
	case KindMoveToMem:
		return fmt.Sprintf("mov [%s%+#x], %s (width %d, len %d)", s.Base, s.Disp, s.Src, s.Width, s.Len)
	case KindPush:
		return fmt.Sprintf("push %s (len %d)", s.Src, s.Len)
	case KindMovRegReg:
		return fmt.Sprintf("mov %s, %s (len %d)", s.Dst, s.Src, s.Len)
	case KindSubImm:
		return fmt.Sprintf("sub %s, %#x (len %d)", s.Dst, s.Imm, s.Len)
	case KindLea:
		return fmt.Sprintf("lea %s, [%s%+#x] (len %d)", s.Dst, s.Base, s.Disp, s.Len)
	}
	return "strategy?"
}

// Analyze decodes the first instruction in code and classifies it. A nil
// strategy with a nil error means the instruction decodes fine but is outside
// the replayable set, so the hook must be one-shot. The address is context
// for error messages only.
func Analyze(code []byte, addr uint64, bitness Bitness) (*Strategy, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("empty code buffer at 0x%x", addr)
	}

	inst, err := x86asm.Decode(code, int(bitness))
	if err != nil {
		return nil, fmt.Errorf("cannot decode instruction at 0x%x: %w", addr, err)
	}
	if inst.Op == 0 {
		// the decoder accepts bare prefixes as prefix-only pseudo-instructions
		return nil, fmt.Errorf("incomplete instruction at 0x%x", addr)
	}

	switch inst.Op {
	case x86asm.PUSH:
		return decodePush(&inst), nil
	case x86asm.MOV:
		return decodeMov(&inst), nil
	case x86asm.SUB:
		return decodeSubImm(&inst), nil
	case x86asm.LEA:
		return decodeLea(&inst), nil
	}
	return nil, nil
}

// Text renders the first instruction in code as Intel-syntax assembly, for
// display only. Returns an empty string when the bytes do not decode.
func Text(code []byte, addr uint64, bitness Bitness) string {
	inst, err := x86asm.Decode(code, int(bitness))
	if err != nil || inst.Op == 0 {
		return ""
	}
	return x86asm.IntelSyntax(inst, addr, nil)
}

func argCount(inst *x86asm.Inst) int {
	n := 0
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		n++
	}
	return n
}

func decodePush(inst *x86asm.Inst) *Strategy {
	if argCount(inst) != 1 {
		return nil
	}
	reg, ok := inst.Args[0].(x86asm.Reg)
	if !ok {
		return nil
	}
	src, ok := gpReg(reg)
	if !ok {
		return nil
	}
	return &Strategy{
		Kind: KindPush,
		Src:  src,
		Len:  uint64(inst.Len),
	}
}

// decodeMov handles both reg-to-mem and reg-to-reg forms.
func decodeMov(inst *x86asm.Inst) *Strategy {
	if argCount(inst) != 2 {
		return nil
	}

	// mov [base+disp], reg - spilling to the stack
	if mem, ok := inst.Args[0].(x86asm.Mem); ok {
		reg, ok := inst.Args[1].(x86asm.Reg)
		if !ok {
			return nil
		}
		// no indexed addressing
		if mem.Index != 0 {
			return nil
		}
		src, ok := gpReg(reg)
		if !ok {
			return nil
		}
		base, ok := gpReg(mem.Base)
		if !ok {
			return nil
		}
		return &Strategy{
			Kind:  KindMoveToMem,
			Src:   src,
			Base:  base,
			Disp:  mem.Disp,
			Width: inst.MemBytes * 8,
			Len:   uint64(inst.Len),
		}
	}

	// mov reg, reg - frame pointer setup like mov rbp, rsp
	dstArg, ok := inst.Args[0].(x86asm.Reg)
	if !ok {
		return nil
	}
	srcArg, ok := inst.Args[1].(x86asm.Reg)
	if !ok {
		return nil
	}
	dst, ok := gpReg(dstArg)
	if !ok {
		return nil
	}
	src, ok := gpReg(srcArg)
	if !ok {
		return nil
	}
	return &Strategy{
		Kind: KindMovRegReg,
		Dst:  dst,
		Src:  src,
		Len:  uint64(inst.Len),
	}
}

// decodeSubImm handles sub reg, imm (stack allocation). The decoder already
// sign-extends 8- and 32-bit immediate forms; converting the int64 to uint64
// normalizes them to native register width.
func decodeSubImm(inst *x86asm.Inst) *Strategy {
	if argCount(inst) != 2 {
		return nil
	}
	regArg, ok := inst.Args[0].(x86asm.Reg)
	if !ok {
		return nil
	}
	imm, ok := inst.Args[1].(x86asm.Imm)
	if !ok {
		return nil
	}
	reg, ok := gpReg(regArg)
	if !ok {
		return nil
	}
	return &Strategy{
		Kind: KindSubImm,
		Dst:  reg,
		Imm:  uint64(int64(imm)),
		Len:  uint64(inst.Len),
	}
}

func decodeLea(inst *x86asm.Inst) *Strategy {
	if argCount(inst) != 2 {
		return nil
	}
	dstArg, ok := inst.Args[0].(x86asm.Reg)
	if !ok {
		return nil
	}
	mem, ok := inst.Args[1].(x86asm.Mem)
	if !ok {
		return nil
	}
	// no indexed addressing; RIP-relative bases fail the register map below
	if mem.Index != 0 {
		return nil
	}
	dst, ok := gpReg(dstArg)
	if !ok {
		return nil
	}
	base, ok := gpReg(mem.Base)
	if !ok {
		return nil
	}
	return &Strategy{
		Kind: KindLea,
		Dst:  dst,
		Base: base,
		Disp: mem.Disp,
		Len:  uint64(inst.Len),
	}
}

// gpReg maps a decoder register onto one of the sixteen general-purpose
// integer registers. 32-bit forms map to their 64-bit parents; anything else
// (8/16-bit forms, segment, vector, RIP) is outside the replayable set.
func gpReg(reg x86asm.Reg) (vmi.Register, bool) {
	switch reg {
	case x86asm.RAX, x86asm.EAX:
		return vmi.RAX, true
	case x86asm.RCX, x86asm.ECX:
		return vmi.RCX, true
	case x86asm.RDX, x86asm.EDX:
		return vmi.RDX, true
	case x86asm.RBX, x86asm.EBX:
		return vmi.RBX, true
	case x86asm.RSP, x86asm.ESP:
		return vmi.RSP, true
	case x86asm.RBP, x86asm.EBP:
		return vmi.RBP, true
	case x86asm.RSI, x86asm.ESI:
		return vmi.RSI, true
	case x86asm.RDI, x86asm.EDI:
		return vmi.RDI, true
	case x86asm.R8, x86asm.R8L:
		return vmi.R8, true
	case x86asm.R9, x86asm.R9L:
		return vmi.R9, true
	case x86asm.R10, x86asm.R10L:
		return vmi.R10, true
	case x86asm.R11, x86asm.R11L:
		return vmi.R11, true
	case x86asm.R12, x86asm.R12L:
		return vmi.R12, true
	case x86asm.R13, x86asm.R13L:
		return vmi.R13, true
	case x86asm.R14, x86asm.R14L:
		return vmi.R14, true
	case x86asm.R15, x86asm.R15L:
		return vmi.R15, true
	}
	return 0, false
}
