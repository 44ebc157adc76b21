package vmi

// Register identifies a guest general-purpose or control register.
type Register int

// The sixteen integer registers plus the control state vigil touches.
const (
	RAX Register = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RIP
	RFLAGS
	CR3
)

var registerNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "rflags", "cr3",
}

func (r Register) String() string {
	if r < 0 || int(r) >= len(registerNames) {
		return "reg?"
	}
	return registerNames[r]
}

// X86Regs is a snapshot of the faulting vCPU's register file, captured by the
// driver when a trap event is constructed. Callbacks may read it freely; the
// instruction pointer is the only field a dispatch handler mutates, and it is
// written back to the vCPU only when the handler answers ResponseSetRegisters.
type X86Regs struct {
	RAX, RCX, RDX, RBX uint64
	RSP, RBP, RSI, RDI uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP                uint64
	RFLAGS             uint64
	CR3                uint64
}

// Get returns the snapshot value of a register.
func (r *X86Regs) Get(reg Register) uint64 {
	switch reg {
	case RAX:
		return r.RAX
	case RCX:
		return r.RCX
	case RDX:
		return r.RDX
	case RBX:
		return r.RBX
	case RSP:
		return r.RSP
	case RBP:
		return r.RBP
	case RSI:
		return r.RSI
	case RDI:
		return r.RDI
	case R8:
		return r.R8
	case R9:
		return r.R9
	case R10:
		return r.R10
	case R11:
		return r.R11
	case R12:
		return r.R12
	case R13:
		return r.R13
	case R14:
		return r.R14
	case R15:
		return r.R15
	case RIP:
		return r.RIP
	case RFLAGS:
		return r.RFLAGS
	case CR3:
		return r.CR3
	}
	return 0
}
