package hook

import (
	"errors"
	"testing"

	"github.com/zboralski/vigil/internal/log"
	"github.com/zboralski/vigil/internal/vmi"
	"github.com/zboralski/vigil/internal/vmi/vmitest"
)

func newTestManager(t *testing.T) (*Manager, *vmitest.Guest) {
	t.Helper()
	g := vmitest.New()
	m, err := NewManager(g, log.NewNop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, g
}

func TestInstallRemoveRoundTrip(t *testing.T) {
	m, g := newTestManager(t)

	// push rbx; ret
	g.LoadBytes(0x1000, []byte{0x53, 0xC3})

	if err := m.Install(0x1000, func(ctx *Context) {}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if b, _ := g.ByteAt(0x1000); b != vmi.TrapOpcode {
		t.Errorf("byte after install = %#x, want trap opcode", b)
	}
	if err := m.Remove(0x1000); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if b, _ := g.ByteAt(0x1000); b != 0x53 {
		t.Errorf("byte after remove = %#x, want original 0x53", b)
	}
	if m.Count() != 0 {
		t.Errorf("count = %d, want 0", m.Count())
	}

	// Remove is idempotent
	if err := m.Remove(0x1000); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func TestInstallAlreadyTrapped(t *testing.T) {
	m, g := newTestManager(t)

	g.LoadBytes(0x2000, []byte{vmi.TrapOpcode, 0xC3})

	err := m.Install(0x2000, func(ctx *Context) {})
	var trapped *AlreadyTrappedError
	if !errors.As(err, &trapped) {
		t.Fatalf("Install = %v, want AlreadyTrappedError", err)
	}
	if m.Count() != 0 {
		t.Errorf("count = %d, want 0", m.Count())
	}
}

func TestInstallTwice(t *testing.T) {
	m, g := newTestManager(t)

	g.LoadBytes(0x1000, []byte{0x53, 0xC3})

	if err := m.Install(0x1000, func(ctx *Context) {}); err != nil {
		t.Fatalf("first Install: %v", err)
	}
	err := m.Install(0x1000, func(ctx *Context) {})
	var exists *ExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("second Install = %v, want ExistsError", err)
	}
	if m.Count() != 1 {
		t.Errorf("count = %d, want 1", m.Count())
	}

	// the first entry is untouched: remove restores its original byte
	if err := m.Remove(0x1000); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if b, _ := g.ByteAt(0x1000); b != 0x53 {
		t.Errorf("byte after remove = %#x, want 0x53", b)
	}
}

func TestInstallTranslateFailure(t *testing.T) {
	m, g := newTestManager(t)

	g.LoadBytes(0x3000, []byte{0x53})
	g.FailTranslate[0x3000] = true

	if err := m.Install(0x3000, func(ctx *Context) {}); err == nil {
		t.Fatal("Install: expected translate error")
	}
	if b, _ := g.ByteAt(0x3000); b != 0x53 {
		t.Errorf("byte = %#x, failed install must not modify memory", b)
	}
}

func TestInstallDecodeFailureDegradesToOneShot(t *testing.T) {
	m, g := newTestManager(t)

	// a lone REX prefix is reported as a decode failure; interception must
	// still work, with the hook degraded to one-shot
	g.LoadBytes(0x7000, []byte{0x48})

	if err := m.Install(0x7000, func(ctx *Context) {}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if m.Count() != 1 {
		t.Errorf("count = %d, want 1", m.Count())
	}

	g.SetReg(0, vmi.RIP, 0x7000)
	_, reinject := g.TriggerTrap(0)
	if !reinject {
		t.Error("one-shot dispatch must reinject")
	}
	if b, _ := g.ByteAt(0x7000); b != 0x48 {
		t.Errorf("byte = %#x, want restored 0x48", b)
	}
	if m.Count() != 0 {
		t.Errorf("count = %d, one-shot hook must remove itself", m.Count())
	}
}

func TestShutdownRestoresAll(t *testing.T) {
	m, g := newTestManager(t)

	addrs := []uint64{0x1000, 0x2000, 0x3000}
	orig := []byte{0x53, 0x55, 0xC3}
	for i, a := range addrs {
		g.LoadBytes(a, []byte{orig[i]})
		if err := m.Install(a, func(ctx *Context) {}); err != nil {
			t.Fatalf("Install at %#x: %v", a, err)
		}
	}

	m.Shutdown()

	if m.Count() != 0 {
		t.Errorf("count = %d, want 0", m.Count())
	}
	for i, a := range addrs {
		if b, _ := g.ByteAt(a); b != orig[i] {
			t.Errorf("byte at %#x = %#x, want %#x", a, b, orig[i])
		}
	}
	if g.Registered() {
		t.Error("trap registration still active after shutdown")
	}

	// idempotent
	m.Shutdown()
}

func TestDispatchForeignTrap(t *testing.T) {
	m, g := newTestManager(t)
	_ = m

	g.SetReg(0, vmi.RIP, 0x9000)
	resp, reinject := g.TriggerTrap(0)
	if resp != vmi.ResponseNone {
		t.Errorf("resp = %v, want none", resp)
	}
	if !reinject {
		t.Error("foreign trap must be reinjected")
	}
}

func TestDispatchRIPReadFailure(t *testing.T) {
	_, g := newTestManager(t)

	g.FailRegReads[vmi.RIP] = true
	g.SetReg(0, vmi.RIP, 0x9000)
	_, reinject := g.TriggerTrap(0)
	if !reinject {
		t.Error("dispatch must keep default reinjection when rip read fails")
	}
}

func TestDispatchMoveToMem(t *testing.T) {
	m, g := newTestManager(t)

	// mov [rsp+0x20], rbx
	g.LoadBytes(0x1000, []byte{0x48, 0x89, 0x5C, 0x24, 0x20})

	var gotIP uint64
	var gotVCPU uint32
	if err := m.Install(0x1000, func(ctx *Context) {
		gotIP = ctx.IP
		gotVCPU = ctx.VCPU
	}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	g.SetReg(0, vmi.RIP, 0x1000)
	g.SetReg(0, vmi.RSP, 0x8000)
	g.SetReg(0, vmi.RBX, 0x1122334455667788)

	resp, reinject := g.TriggerTrap(0)
	if resp != vmi.ResponseSetRegisters {
		t.Errorf("resp = %v, want set-registers", resp)
	}
	if reinject {
		t.Error("emulated dispatch must never reinject")
	}
	if gotIP != 0x1000 || gotVCPU != 0 {
		t.Errorf("callback context = ip %#x vcpu %d, want 0x1000/0", gotIP, gotVCPU)
	}

	val, err := g.ReadU64VA(0x8020, 0)
	if err != nil {
		t.Fatalf("read emulation target: %v", err)
	}
	if val != 0x1122334455667788 {
		t.Errorf("[rsp+0x20] = %#x, want rbx value", val)
	}
	if rip := g.Reg(0, vmi.RIP); rip != 0x1005 {
		t.Errorf("rip = %#x, want 0x1005", rip)
	}
	if m.Count() != 1 {
		t.Error("emulated hook must stay installed")
	}
}

func TestDispatchPush(t *testing.T) {
	m, g := newTestManager(t)

	// push rbp
	g.LoadBytes(0x6000, []byte{0x55})
	if err := m.Install(0x6000, func(ctx *Context) {}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	g.SetReg(0, vmi.RIP, 0x6000)
	g.SetReg(0, vmi.RSP, 0x8100)
	g.SetReg(0, vmi.RBP, 0xCAFED00D)

	resp, _ := g.TriggerTrap(0)
	if resp != vmi.ResponseSetRegisters {
		t.Fatalf("resp = %v, want set-registers", resp)
	}

	if sp := g.Reg(0, vmi.RSP); sp != 0x80F8 {
		t.Errorf("rsp = %#x, want 0x80f8", sp)
	}
	val, err := g.ReadU64VA(0x80F8, 0)
	if err != nil {
		t.Fatalf("read stack slot: %v", err)
	}
	if val != 0xCAFED00D {
		t.Errorf("stack slot = %#x, want rbp value", val)
	}
	if rip := g.Reg(0, vmi.RIP); rip != 0x6001 {
		t.Errorf("rip = %#x, want 0x6001", rip)
	}
}

func TestDispatchSubImm(t *testing.T) {
	m, g := newTestManager(t)

	// sub rsp, 0x28
	g.LoadBytes(0x6100, []byte{0x48, 0x83, 0xEC, 0x28})
	if err := m.Install(0x6100, func(ctx *Context) {}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	g.SetReg(0, vmi.RIP, 0x6100)
	g.SetReg(0, vmi.RSP, 0x8000)

	resp, _ := g.TriggerTrap(0)
	if resp != vmi.ResponseSetRegisters {
		t.Fatalf("resp = %v, want set-registers", resp)
	}
	if sp := g.Reg(0, vmi.RSP); sp != 0x7FD8 {
		t.Errorf("rsp = %#x, want 0x7fd8", sp)
	}
	if rip := g.Reg(0, vmi.RIP); rip != 0x6104 {
		t.Errorf("rip = %#x, want 0x6104", rip)
	}
}

func TestDispatchOneShot(t *testing.T) {
	m, g := newTestManager(t)

	// ret is outside the replayable set
	g.LoadBytes(0x4000, []byte{0xC3})

	called := false
	if err := m.Install(0x4000, func(ctx *Context) { called = true }); err != nil {
		t.Fatalf("Install: %v", err)
	}

	g.SetReg(0, vmi.RIP, 0x4000)
	resp, reinject := g.TriggerTrap(0)
	if resp != vmi.ResponseNone {
		t.Errorf("resp = %v, want none", resp)
	}
	if !reinject {
		t.Error("one-shot dispatch must reinject")
	}
	if !called {
		t.Error("callback did not run")
	}
	if b, _ := g.ByteAt(0x4000); b != 0xC3 {
		t.Errorf("byte = %#x, want restored 0xc3", b)
	}
	if m.Count() != 0 {
		t.Errorf("count = %d, want 0", m.Count())
	}
}

func TestDispatchApplyFailureRemovesHook(t *testing.T) {
	m, g := newTestManager(t)

	// mov [rsp+0x20], rbx with the target write forced to fail
	g.LoadBytes(0x5000, []byte{0x48, 0x89, 0x5C, 0x24, 0x20})
	if err := m.Install(0x5000, func(ctx *Context) {}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	g.SetReg(0, vmi.RIP, 0x5000)
	g.SetReg(0, vmi.RSP, 0x8000)
	g.FailWrites[0x8020] = true

	resp, reinject := g.TriggerTrap(0)
	if resp != vmi.ResponseNone {
		t.Errorf("resp = %v, want none", resp)
	}
	if !reinject {
		t.Error("failed replay must fall back to reinjection")
	}
	if b, _ := g.ByteAt(0x5000); b != 0x48 {
		t.Errorf("byte = %#x, want restored 0x48", b)
	}
	if m.Count() != 0 {
		t.Error("failed replay must remove the hook")
	}

	// the address is freshly hookable again
	if err := m.Install(0x5000, func(ctx *Context) {}); err != nil {
		t.Fatalf("reinstall after failure: %v", err)
	}
}
