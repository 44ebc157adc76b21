// Package ucvmi provides a synthetic Windows guest backed by Unicorn Engine.
// It boots a tiny mock kernel image with a real PspInsertProcess routine and
// an EPROCESS list, and emulates process creation on demand, so the whole
// trap pipeline can run against genuine x86-64 execution without a
// hypervisor.
//
// The engine is not internally synchronized. Memory, register, and Listen
// calls must come from one goroutine at a time; the session's pump goroutine
// is the usual owner. SpawnProcess only queues work and is safe to call from
// anywhere.
package ucvmi

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unicode/utf16"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"go.uber.org/zap"

	"github.com/zboralski/vigil/internal/log"
	"github.com/zboralski/vigil/internal/profile"
	"github.com/zboralski/vigil/internal/vmi"
)

//go:embed winmock.json
var winmockProfile []byte

// Memory layout constants
const (
	KernelBase = 0x00100000 // mock kernel image
	KernelSize = 0x00010000
	DataBase   = 0x00200000 // process list head and EPROCESS pool
	DataSize   = 0x00100000
	StackBase  = 0x00300000
	StackSize  = 0x00100000

	haltAddr     = KernelBase + 0x0F000 // fake return address, stops emulation
	stackTop     = StackBase + StackSize - 0x1000
	procPoolBase = DataBase + 0x10000 // one 4KB block per process
	procBlock    = 0x1000
)

// Mock EPROCESS layout, mirrored by the embedded profile.
const (
	offPID        = 0x00
	offTasks      = 0x08
	offName       = 0x18
	offPPID       = 0x28
	offCreateTime = 0x30
	offDTB        = 0x38
	offPEB        = 0x40

	offPebParams     = 0x20
	offParamsImage   = 0x70
	offParamsCmdLine = 0x80

	// block-relative placement of the per-process user structures
	blkPEB      = 0x200
	blkParams   = 0x300
	blkImageBuf = 0x400
	blkCmdBuf   = 0x600
)

// 100ns intervals between 1601-01-01 and the Unix epoch
const filetimeEpochDiff = 116444736000000000

// maxResumeSteps bounds the trap-resume loop of one emulated call.
const maxResumeSteps = 128

// pspInsertProcess is the routine planted at the PspInsertProcess symbol.
// A standard MSVC-style prologue, so the first instruction exercises the
// spill-to-shadow-space form real kernels open with.
var pspInsertProcess = []byte{
	0x48, 0x89, 0x5C, 0x24, 0x08, // mov [rsp+0x08], rbx
	0x55,             // push rbp
	0x57,             // push rdi
	0x48, 0x89, 0xE5, // mov rbp, rsp
	0x48, 0x83, 0xEC, 0x20, // sub rsp, 0x20
	0x48, 0x89, 0xC8, // mov rax, rcx
	0x48, 0x83, 0xC4, 0x20, // add rsp, 0x20
	0x5F,                         // pop rdi
	0x5D,                         // pop rbp
	0x48, 0x8B, 0x5C, 0x24, 0x08, // mov rbx, [rsp+0x08]
	0xC3, // ret
}

var ucReg = map[vmi.Register]int{
	vmi.RAX: uc.X86_REG_RAX, vmi.RCX: uc.X86_REG_RCX,
	vmi.RDX: uc.X86_REG_RDX, vmi.RBX: uc.X86_REG_RBX,
	vmi.RSP: uc.X86_REG_RSP, vmi.RBP: uc.X86_REG_RBP,
	vmi.RSI: uc.X86_REG_RSI, vmi.RDI: uc.X86_REG_RDI,
	vmi.R8: uc.X86_REG_R8, vmi.R9: uc.X86_REG_R9,
	vmi.R10: uc.X86_REG_R10, vmi.R11: uc.X86_REG_R11,
	vmi.R12: uc.X86_REG_R12, vmi.R13: uc.X86_REG_R13,
	vmi.R14: uc.X86_REG_R14, vmi.R15: uc.X86_REG_R15,
	vmi.RIP: uc.X86_REG_RIP, vmi.RFLAGS: uc.X86_REG_EFLAGS,
	vmi.CR3: uc.X86_REG_CR3,
}

type spawnRequest struct {
	name      string
	imagePath string
	cmdLine   string
}

// Guest is a Unicorn-backed synthetic Windows guest implementing vmi.Driver.
type Guest struct {
	eng  uc.Unicorn
	prof *profile.Profile
	log  *log.Logger

	headVA   uint64
	funcAddr uint64

	// tailLinks is the VA of the last list entry's link field; the next
	// spawned process is chained after it.
	tailLinks uint64
	nextProc  int
	nextPID   uint32

	trapPending bool
	pauseDepth  int

	// qmu guards the spawn queue and the trap registration, the only state
	// shared across goroutines.
	qmu     sync.Mutex
	pending []spawnRequest
	cb      vmi.TrapCallback
}

// New boots the synthetic guest: maps memory, plants the kernel routine and
// a seed System process, and arms the breakpoint interrupt hook.
func New(logger *log.Logger) (*Guest, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	prof, err := profile.Parse(winmockProfile)
	if err != nil {
		return nil, &vmi.InitError{Msg: fmt.Sprintf("embedded profile: %v", err)}
	}

	eng, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, &vmi.InitError{Msg: fmt.Sprintf("create unicorn: %v", err)}
	}

	g := &Guest{
		eng:     eng,
		prof:    prof,
		log:     logger.WithComponent("ucvmi"),
		nextPID: 100,
	}
	g.headVA, _ = prof.Symbol("PsActiveProcessHead")
	g.funcAddr, _ = prof.Symbol("PspInsertProcess")

	if err := g.boot(); err != nil {
		eng.Close()
		return nil, err
	}
	return g, nil
}

func (g *Guest) boot() error {
	regions := []struct {
		base uint64
		size uint64
	}{
		{KernelBase, KernelSize},
		{DataBase, DataSize},
		{StackBase, StackSize},
	}
	for _, r := range regions {
		if err := g.eng.MemMap(r.base, r.size); err != nil {
			return &vmi.InitError{Msg: fmt.Sprintf("map %#x: %v", r.base, err)}
		}
	}

	if err := g.eng.MemWrite(g.funcAddr, pspInsertProcess); err != nil {
		return &vmi.InitError{Msg: fmt.Sprintf("plant kernel image: %v", err)}
	}
	// halt target holds a single hlt so a stray jump there is obvious
	if err := g.eng.MemWrite(haltAddr, []byte{0xF4}); err != nil {
		return &vmi.InitError{Msg: fmt.Sprintf("plant halt: %v", err)}
	}

	// empty circular list, then the seed System process
	if err := g.writeU64(g.headVA, g.headVA); err != nil {
		return err
	}
	g.tailLinks = g.headVA
	if _, err := g.createProcess("System", `\SystemRoot\System32\ntoskrnl.exe`, "", 0); err != nil {
		return err
	}

	_, err := g.eng.HookAdd(uc.HOOK_INTR, func(_ uc.Unicorn, intno uint32) {
		if intno != 3 {
			return
		}
		g.trapPending = true
		g.eng.Stop()
	}, 1, 0)
	if err != nil {
		return &vmi.InitError{Msg: fmt.Sprintf("interrupt hook: %v", err)}
	}

	g.log.Debug("guest booted",
		log.Addr(g.funcAddr),
		zap.Uint64("head", g.headVA))
	return nil
}

// createProcess builds an EPROCESS block with PEB and process parameters and
// links it at the tail of the active process list.
func (g *Guest) createProcess(name, imagePath, cmdLine string, ppid uint32) (uint64, error) {
	base := uint64(procPoolBase + g.nextProc*procBlock)
	if base+procBlock > DataBase+DataSize {
		return 0, &vmi.WriteError{Addr: base, Msg: "process pool exhausted"}
	}
	g.nextProc++
	pid := g.nextPID
	if g.nextProc == 1 {
		pid = 4 // System
	} else {
		g.nextPID += 4
	}

	if err := g.writeU32(base+offPID, pid); err != nil {
		return 0, err
	}
	nameBytes := make([]byte, 16)
	copy(nameBytes, name)
	if err := g.eng.MemWrite(base+offName, nameBytes); err != nil {
		return 0, &vmi.WriteError{Addr: base + offName, Msg: err.Error()}
	}
	if err := g.writeU64(base+offPPID, uint64(ppid)); err != nil {
		return 0, err
	}
	ct := uint64(time.Now().UnixNano()/100) + filetimeEpochDiff
	if err := g.writeU64(base+offCreateTime, ct); err != nil {
		return 0, err
	}
	// flat address space, but a realistic nonzero table root
	if err := g.writeU64(base+offDTB, 0x1AB000+uint64(g.nextProc)*0x1000); err != nil {
		return 0, err
	}

	peb := base + blkPEB
	params := base + blkParams
	if err := g.writeU64(base+offPEB, peb); err != nil {
		return 0, err
	}
	if err := g.writeU64(peb+offPebParams, params); err != nil {
		return 0, err
	}
	if err := g.writeUnicodeString(params+offParamsImage, base+blkImageBuf, imagePath); err != nil {
		return 0, err
	}
	if err := g.writeUnicodeString(params+offParamsCmdLine, base+blkCmdBuf, cmdLine); err != nil {
		return 0, err
	}

	links := base + offTasks
	if err := g.writeU64(g.tailLinks, links); err != nil {
		return 0, err
	}
	if err := g.writeU64(links, g.headVA); err != nil {
		return 0, err
	}
	g.tailLinks = links

	return base, nil
}

func (g *Guest) writeUnicodeString(va, buffer uint64, s string) error {
	units := utf16.Encode([]rune(s))
	raw := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(raw[2*i:], u)
	}
	hdr := make([]byte, 16)
	binary.LittleEndian.PutUint16(hdr[0:], uint16(len(raw)))
	binary.LittleEndian.PutUint16(hdr[2:], uint16(len(raw)))
	binary.LittleEndian.PutUint64(hdr[8:], buffer)
	if err := g.eng.MemWrite(va, hdr); err != nil {
		return &vmi.WriteError{Addr: va, Msg: err.Error()}
	}
	if len(raw) == 0 {
		return nil
	}
	if err := g.eng.MemWrite(buffer, raw); err != nil {
		return &vmi.WriteError{Addr: buffer, Msg: err.Error()}
	}
	return nil
}

// SpawnProcess queues a synthetic process creation. The next Listen call
// builds the process and emulates the kernel's insertion routine, firing any
// installed trap on the way.
func (g *Guest) SpawnProcess(name, imagePath, cmdLine string) {
	g.qmu.Lock()
	defer g.qmu.Unlock()
	g.pending = append(g.pending, spawnRequest{name: name, imagePath: imagePath, cmdLine: cmdLine})
}

// runSpawn emulates a call to PspInsertProcess with the new EPROCESS in rcx.
// Breakpoint traps pause emulation and dispatch to the registered callback;
// emulation resumes at whatever instruction pointer the callback settled on.
func (g *Guest) runSpawn(eproc uint64) error {
	sp := uint64(stackTop - 8)
	ret := make([]byte, 8)
	binary.LittleEndian.PutUint64(ret, haltAddr)
	if err := g.eng.MemWrite(sp, ret); err != nil {
		return &vmi.WriteError{Addr: sp, Msg: err.Error()}
	}
	if err := g.eng.RegWrite(uc.X86_REG_RSP, sp); err != nil {
		return &vmi.ControlError{Op: "set rsp", Err: err}
	}
	if err := g.eng.RegWrite(uc.X86_REG_RCX, eproc); err != nil {
		return &vmi.ControlError{Op: "set rcx", Err: err}
	}

	start := g.funcAddr
	for step := 0; step < maxResumeSteps; step++ {
		g.trapPending = false
		err := g.eng.Start(start, haltAddr)

		rip, rerr := g.eng.RegRead(uc.X86_REG_RIP)
		if rerr != nil {
			return &vmi.ControlError{Op: "read rip", Err: rerr}
		}
		if rip == haltAddr {
			return nil
		}

		if !g.trapPending {
			if err != nil {
				return &vmi.ControlError{Op: "emulate", Err: err}
			}
			return &vmi.ControlError{Op: "emulate",
				Err: fmt.Errorf("stopped at %#x without trap", rip)}
		}

		// the interrupt hook reports rip past the one-byte trap opcode
		trapVA := rip
		if b, err := g.eng.MemRead(rip-1, 1); err == nil && b[0] == vmi.TrapOpcode {
			trapVA = rip - 1
		}
		if err := g.eng.RegWrite(uc.X86_REG_RIP, trapVA); err != nil {
			return &vmi.ControlError{Op: "set rip", Err: err}
		}

		g.qmu.Lock()
		cb := g.cb
		g.qmu.Unlock()

		event := &vmi.Event{
			Kind: vmi.EventTrap,
			Trap: &vmi.TrapEvent{
				VCPU:     0,
				GLA:      trapVA,
				Regs:     g.snapshot(),
				Reinject: true,
			},
		}
		ev := event.Trap
		resp := vmi.ResponseNone
		if cb != nil {
			resp = cb(ev)
		}
		if ev.Reinject {
			// no debugger lives inside the synthetic guest
			g.log.Warn("trap delivered to guest, halting emulated call", log.Addr(trapVA))
			return nil
		}
		if resp == vmi.ResponseSetRegisters {
			start = ev.Regs.RIP
			continue
		}
		start = trapVA
	}
	return &vmi.ControlError{Op: "emulate", Err: fmt.Errorf("resume limit reached")}
}

func (g *Guest) snapshot() *vmi.X86Regs {
	var r vmi.X86Regs
	read := func(reg int) uint64 {
		v, _ := g.eng.RegRead(reg)
		return v
	}
	r.RAX = read(uc.X86_REG_RAX)
	r.RCX = read(uc.X86_REG_RCX)
	r.RDX = read(uc.X86_REG_RDX)
	r.RBX = read(uc.X86_REG_RBX)
	r.RSP = read(uc.X86_REG_RSP)
	r.RBP = read(uc.X86_REG_RBP)
	r.RSI = read(uc.X86_REG_RSI)
	r.RDI = read(uc.X86_REG_RDI)
	r.R8 = read(uc.X86_REG_R8)
	r.R9 = read(uc.X86_REG_R9)
	r.R10 = read(uc.X86_REG_R10)
	r.R11 = read(uc.X86_REG_R11)
	r.R12 = read(uc.X86_REG_R12)
	r.R13 = read(uc.X86_REG_R13)
	r.R14 = read(uc.X86_REG_R14)
	r.R15 = read(uc.X86_REG_R15)
	r.RIP = read(uc.X86_REG_RIP)
	r.RFLAGS = read(uc.X86_REG_EFLAGS)
	r.CR3 = read(uc.X86_REG_CR3)
	return &r
}

// vmi.Driver implementation.

func (g *Guest) Name() string        { return "winmock" }
func (g *Guest) OSType() vmi.OSType  { return vmi.OSWindows }
func (g *Guest) AddressWidth() uint8 { return 8 }

// Pause and Resume track depth only; the guest executes nothing outside
// Listen, so it is effectively always paused.
func (g *Guest) Pause() error {
	g.pauseDepth++
	return nil
}

func (g *Guest) Resume() error {
	if g.pauseDepth > 0 {
		g.pauseDepth--
	}
	return nil
}

func (g *Guest) readBytes(va uint64, n int) ([]byte, error) {
	b, err := g.eng.MemRead(va, uint64(n))
	if err != nil {
		return nil, &vmi.ReadError{Addr: va, Msg: err.Error()}
	}
	return b, nil
}

func (g *Guest) ReadU8VA(va uint64, pid uint32) (uint8, error) {
	b, err := g.readBytes(va, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (g *Guest) ReadU16VA(va uint64, pid uint32) (uint16, error) {
	b, err := g.readBytes(va, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (g *Guest) ReadU32VA(va uint64, pid uint32) (uint32, error) {
	b, err := g.readBytes(va, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (g *Guest) ReadU64VA(va uint64, pid uint32) (uint64, error) {
	b, err := g.readBytes(va, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (g *Guest) ReadStrVA(va uint64, pid uint32) (string, error) {
	out := make([]byte, 0, 16)
	for i := uint64(0); i < 256; i++ {
		b, err := g.readBytes(va+i, 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			break
		}
		out = append(out, b[0])
	}
	return string(out), nil
}

func (g *Guest) ReadPA(pa uint64, size int) ([]byte, error) {
	return g.readBytes(pa, size)
}

func (g *Guest) writeU32(va uint64, v uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	if err := g.eng.MemWrite(va, b); err != nil {
		return &vmi.WriteError{Addr: va, Msg: err.Error()}
	}
	return nil
}

func (g *Guest) writeU64(va uint64, v uint64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	if err := g.eng.MemWrite(va, b); err != nil {
		return &vmi.WriteError{Addr: va, Msg: err.Error()}
	}
	return nil
}

func (g *Guest) WriteU8VA(va uint64, pid uint32, v uint8) error {
	if err := g.eng.MemWrite(va, []byte{v}); err != nil {
		return &vmi.WriteError{Addr: va, Msg: err.Error()}
	}
	return nil
}

func (g *Guest) WriteU16VA(va uint64, pid uint32, v uint16) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	if err := g.eng.MemWrite(va, b); err != nil {
		return &vmi.WriteError{Addr: va, Msg: err.Error()}
	}
	return nil
}

func (g *Guest) WriteU32VA(va uint64, pid uint32, v uint32) error {
	return g.writeU32(va, v)
}

func (g *Guest) WriteU64VA(va uint64, pid uint32, v uint64) error {
	return g.writeU64(va, v)
}

// V2P translates identically; the mock address space is flat.
func (g *Guest) V2P(va uint64) (uint64, error) {
	return va, nil
}

func (g *Guest) V2PWithDTB(dtb, va uint64) (uint64, error) {
	return va, nil
}

func (g *Guest) GetVCPUReg(reg vmi.Register, vcpu uint32) (uint64, error) {
	ur, ok := ucReg[reg]
	if !ok {
		return 0, fmt.Errorf("unknown register %s", reg)
	}
	v, err := g.eng.RegRead(ur)
	if err != nil {
		return 0, &vmi.ControlError{Op: "read " + reg.String(), Err: err}
	}
	return v, nil
}

func (g *Guest) SetVCPUReg(reg vmi.Register, val uint64, vcpu uint32) error {
	ur, ok := ucReg[reg]
	if !ok {
		return fmt.Errorf("unknown register %s", reg)
	}
	if err := g.eng.RegWrite(ur, val); err != nil {
		return &vmi.ControlError{Op: "write " + reg.String(), Err: err}
	}
	return nil
}

func (g *Guest) RegisterTrapEvent(cb vmi.TrapCallback) (*vmi.Registration, error) {
	g.qmu.Lock()
	defer g.qmu.Unlock()
	if g.cb != nil {
		return nil, fmt.Errorf("trap event already registered")
	}
	g.cb = cb
	return vmi.NewRegistration(func() error {
		g.qmu.Lock()
		defer g.qmu.Unlock()
		g.cb = nil
		return nil
	}), nil
}

// Listen drains one queued spawn, emulating the kernel's insertion path, or
// idles for the timeout when nothing is queued.
func (g *Guest) Listen(timeout time.Duration) error {
	g.qmu.Lock()
	if len(g.pending) == 0 {
		g.qmu.Unlock()
		time.Sleep(timeout)
		return nil
	}
	req := g.pending[0]
	g.pending = g.pending[1:]
	g.qmu.Unlock()

	eproc, err := g.createProcess(req.name, req.imagePath, req.cmdLine, 4)
	if err != nil {
		return err
	}
	g.log.Debug("spawning process",
		zap.String("name", req.name),
		log.Addr(eproc))
	return g.runSpawn(eproc)
}

func (g *Guest) SymbolToVA(symbol string) (uint64, error) {
	va, ok := g.prof.Symbol(symbol)
	if !ok {
		return 0, &vmi.SymbolError{Symbol: symbol}
	}
	return va, nil
}

func (g *Guest) Offset(name string) (uint64, error) {
	off, ok := g.prof.Offset(name)
	if !ok {
		return 0, &vmi.SymbolError{Symbol: name}
	}
	return off, nil
}

func (g *Guest) StructOffset(structName, field string) (uint64, error) {
	off, ok := g.prof.StructOffset(structName, field)
	if !ok {
		return 0, &vmi.SymbolError{Symbol: structName + "." + field}
	}
	return off, nil
}

func (g *Guest) Close() error {
	return g.eng.Close()
}
