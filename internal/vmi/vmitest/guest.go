// Package vmitest provides an in-memory fake guest implementing vmi.Driver,
// for exercising the hook engine without a hypervisor. Memory is sparse:
// reads touch only bytes that were explicitly loaded or previously written,
// so tests control exactly what the engine can see. Failure injection knobs
// force individual reads, writes, and register accesses to fail.
package vmitest

import (
	"fmt"
	"sync"
	"time"

	"github.com/zboralski/vigil/internal/vmi"
)

// Guest is a fake vmi.Driver. The zero value is not usable; call New.
type Guest struct {
	mu sync.Mutex

	name   string
	ostype vmi.OSType
	width  uint8

	mem     map[uint64]byte
	regs    map[uint32]map[vmi.Register]uint64
	symbols map[string]uint64
	offsets map[string]uint64
	structs map[string]map[string]uint64

	cb      vmi.TrapCallback
	pending []uint32

	pauseCount  int
	resumeCount int

	// Failure injection. Keys are individual byte addresses.
	FailReads     map[uint64]bool
	FailWrites    map[uint64]bool
	FailTranslate map[uint64]bool
	FailRegReads  map[vmi.Register]bool
	FailRegWrites map[vmi.Register]bool
	ListenErr     error

	// Reinjected records the instruction pointers of every trap handed
	// back to the guest.
	Reinjected []uint64
}

// New creates an empty 64-bit Windows-flavored fake guest.
func New() *Guest {
	return &Guest{
		name:          "testvm",
		ostype:        vmi.OSWindows,
		width:         8,
		mem:           make(map[uint64]byte),
		regs:          map[uint32]map[vmi.Register]uint64{0: {}},
		symbols:       make(map[string]uint64),
		offsets:       make(map[string]uint64),
		structs:       make(map[string]map[string]uint64),
		FailReads:     make(map[uint64]bool),
		FailWrites:    make(map[uint64]bool),
		FailTranslate: make(map[uint64]bool),
		FailRegReads:  make(map[vmi.Register]bool),
		FailRegWrites: make(map[vmi.Register]bool),
	}
}

// Test setup helpers.

// LoadBytes maps data into guest memory at va.
func (g *Guest) LoadBytes(va uint64, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, b := range data {
		g.mem[va+uint64(i)] = b
	}
}

// ByteAt returns the byte at va and whether it is mapped.
func (g *Guest) ByteAt(va uint64) (byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.mem[va]
	return b, ok
}

// SetReg sets a vCPU register.
func (g *Guest) SetReg(vcpu uint32, reg vmi.Register, val uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.regs[vcpu] == nil {
		g.regs[vcpu] = make(map[vmi.Register]uint64)
	}
	g.regs[vcpu][reg] = val
}

// Reg returns a vCPU register value.
func (g *Guest) Reg(vcpu uint32, reg vmi.Register) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.regs[vcpu][reg]
}

// SetSymbol, SetOffset, and SetStructOffset populate the fake profile.
func (g *Guest) SetSymbol(name string, va uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.symbols[name] = va
}

func (g *Guest) SetOffset(name string, off uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offsets[name] = off
}

func (g *Guest) SetStructOffset(structName, field string, off uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.structs[structName] == nil {
		g.structs[structName] = make(map[string]uint64)
	}
	g.structs[structName][field] = off
}

// Registered reports whether a trap callback is currently registered.
func (g *Guest) Registered() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cb != nil
}

// PauseCount returns how many times Pause succeeded.
func (g *Guest) PauseCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pauseCount
}

// QueueTrap schedules a trap on vcpu to be delivered by the next Listen call.
func (g *Guest) QueueTrap(vcpu uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = append(g.pending, vcpu)
}

// TriggerTrap delivers one trap synchronously, as the hypervisor would with
// the guest paused, and reports the callback's response and whether the trap
// was handed back to the guest.
func (g *Guest) TriggerTrap(vcpu uint32) (vmi.EventResponse, bool) {
	g.mu.Lock()
	cb := g.cb
	event := &vmi.Event{
		Kind: vmi.EventTrap,
		Trap: &vmi.TrapEvent{
			VCPU: vcpu,
			GLA:  g.regs[vcpu][vmi.RIP],
			Regs: g.snapshotLocked(vcpu),
		},
	}
	g.mu.Unlock()

	ev := event.Trap
	resp := vmi.ResponseNone
	if cb != nil {
		resp = cb(ev)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if resp == vmi.ResponseSetRegisters {
		g.regs[vcpu][vmi.RIP] = ev.Regs.RIP
	}
	if ev.Reinject {
		g.Reinjected = append(g.Reinjected, ev.GLA)
	}
	return resp, ev.Reinject
}

func (g *Guest) snapshotLocked(vcpu uint32) *vmi.X86Regs {
	r := g.regs[vcpu]
	return &vmi.X86Regs{
		RAX: r[vmi.RAX], RCX: r[vmi.RCX], RDX: r[vmi.RDX], RBX: r[vmi.RBX],
		RSP: r[vmi.RSP], RBP: r[vmi.RBP], RSI: r[vmi.RSI], RDI: r[vmi.RDI],
		R8: r[vmi.R8], R9: r[vmi.R9], R10: r[vmi.R10], R11: r[vmi.R11],
		R12: r[vmi.R12], R13: r[vmi.R13], R14: r[vmi.R14], R15: r[vmi.R15],
		RIP: r[vmi.RIP], RFLAGS: r[vmi.RFLAGS], CR3: r[vmi.CR3],
	}
}

// vmi.Driver implementation.

func (g *Guest) Name() string        { return g.name }
func (g *Guest) OSType() vmi.OSType  { return g.ostype }
func (g *Guest) AddressWidth() uint8 { return g.width }

func (g *Guest) Pause() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pauseCount++
	return nil
}

func (g *Guest) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resumeCount++
	return nil
}

func (g *Guest) readBytes(va uint64, n int) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		a := va + uint64(i)
		if g.FailReads[a] {
			return nil, &vmi.ReadError{Addr: a, Msg: "injected failure"}
		}
		b, ok := g.mem[a]
		if !ok {
			return nil, &vmi.ReadError{Addr: a, Msg: "unmapped"}
		}
		out[i] = b
	}
	return out, nil
}

func (g *Guest) writeBytes(va uint64, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range data {
		if g.FailWrites[va+uint64(i)] {
			return &vmi.WriteError{Addr: va + uint64(i), Msg: "injected failure"}
		}
	}
	for i, b := range data {
		g.mem[va+uint64(i)] = b
	}
	return nil
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
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

func (g *Guest) ReadU32VA(va uint64, pid uint32) (uint32, error) {
	b, err := g.readBytes(va, 4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (g *Guest) ReadU64VA(va uint64, pid uint32) (uint64, error) {
	b, err := g.readBytes(va, 8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

func (g *Guest) ReadStrVA(va uint64, pid uint32) (string, error) {
	out := make([]byte, 0, 16)
	for i := uint64(0); i < 256; i++ {
		b, err := g.readBytes(va+i, 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return string(out), nil
}

func (g *Guest) ReadPA(pa uint64, size int) ([]byte, error) {
	// flat fake: physical == virtual
	return g.readBytes(pa, size)
}

func (g *Guest) WriteU8VA(va uint64, pid uint32, v uint8) error {
	return g.writeBytes(va, []byte{v})
}

func (g *Guest) WriteU16VA(va uint64, pid uint32, v uint16) error {
	return g.writeBytes(va, []byte{byte(v), byte(v >> 8)})
}

func (g *Guest) WriteU32VA(va uint64, pid uint32, v uint32) error {
	return g.writeBytes(va, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func (g *Guest) WriteU64VA(va uint64, pid uint32, v uint64) error {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return g.writeBytes(va, b)
}

func (g *Guest) V2P(va uint64) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailTranslate[va] {
		return 0, &vmi.TranslateError{Addr: va}
	}
	return va, nil
}

func (g *Guest) V2PWithDTB(dtb, va uint64) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailTranslate[va] {
		return 0, &vmi.TranslateError{Addr: va}
	}
	return va, nil
}

func (g *Guest) GetVCPUReg(reg vmi.Register, vcpu uint32) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailRegReads[reg] {
		return 0, fmt.Errorf("injected %s read failure", reg)
	}
	return g.regs[vcpu][reg], nil
}

func (g *Guest) SetVCPUReg(reg vmi.Register, val uint64, vcpu uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailRegWrites[reg] {
		return fmt.Errorf("injected %s write failure", reg)
	}
	if g.regs[vcpu] == nil {
		g.regs[vcpu] = make(map[vmi.Register]uint64)
	}
	g.regs[vcpu][reg] = val
	return nil
}

func (g *Guest) RegisterTrapEvent(cb vmi.TrapCallback) (*vmi.Registration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cb != nil {
		return nil, fmt.Errorf("trap event already registered")
	}
	g.cb = cb
	return vmi.NewRegistration(func() error {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.cb = nil
		return nil
	}), nil
}

func (g *Guest) Listen(timeout time.Duration) error {
	g.mu.Lock()
	if g.ListenErr != nil {
		err := g.ListenErr
		g.mu.Unlock()
		return err
	}
	if len(g.pending) == 0 {
		g.mu.Unlock()
		time.Sleep(timeout)
		return nil
	}
	vcpu := g.pending[0]
	g.pending = g.pending[1:]
	g.mu.Unlock()

	g.TriggerTrap(vcpu)
	return nil
}

func (g *Guest) SymbolToVA(symbol string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	va, ok := g.symbols[symbol]
	if !ok {
		return 0, &vmi.SymbolError{Symbol: symbol}
	}
	return va, nil
}

func (g *Guest) Offset(name string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	off, ok := g.offsets[name]
	if !ok {
		return 0, &vmi.SymbolError{Symbol: name}
	}
	return off, nil
}

func (g *Guest) StructOffset(structName, field string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fields, ok := g.structs[structName]
	if !ok {
		return 0, &vmi.SymbolError{Symbol: structName}
	}
	off, ok := fields[field]
	if !ok {
		return 0, &vmi.SymbolError{Symbol: structName + "." + field}
	}
	return off, nil
}

func (g *Guest) Close() error { return nil }
