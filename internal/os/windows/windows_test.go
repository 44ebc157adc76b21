package windows

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/zboralski/vigil/internal/log"
	"github.com/zboralski/vigil/internal/session"
	"github.com/zboralski/vigil/internal/vmi"
	"github.com/zboralski/vigil/internal/vmi/vmitest"
)

// mock EPROCESS layout used by the fake guest
const (
	offPID        = 0x00
	offTasks      = 0x08 // ActiveProcessLinks
	offName       = 0x18
	offPPID       = 0x28
	offCreateTime = 0x30
	offDTB        = 0x38
	offPEB        = 0x40

	offPebParams     = 0x20
	offParamsImage   = 0x70
	offParamsCmdLine = 0x80
)

func setupProfile(g *vmitest.Guest) {
	g.SetOffset("win_tasks", offTasks)
	g.SetOffset("win_pid", offPID)
	g.SetOffset("win_pname", offName)
	g.SetStructOffset("_EPROCESS", "InheritedFromUniqueProcessId", offPPID)
	g.SetStructOffset("_EPROCESS", "CreateTime", offCreateTime)
	g.SetStructOffset("_EPROCESS", "Peb", offPEB)
	g.SetStructOffset("_KPROCESS", "DirectoryTableBase", offDTB)
	g.SetStructOffset("_PEB", "ProcessParameters", offPebParams)
	g.SetStructOffset("_RTL_USER_PROCESS_PARAMETERS", "ImagePathName", offParamsImage)
	g.SetStructOffset("_RTL_USER_PROCESS_PARAMETERS", "CommandLine", offParamsCmdLine)
}

func writeU64(t *testing.T, g *vmitest.Guest, va, v uint64) {
	t.Helper()
	if err := g.WriteU64VA(va, 0, v); err != nil {
		t.Fatalf("write u64 at %#x: %v", va, err)
	}
}

func writeProcess(t *testing.T, g *vmitest.Guest, object uint64, pid uint32, name string, flink uint64) {
	t.Helper()
	if err := g.WriteU32VA(object+offPID, 0, pid); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	writeU64(t, g, object+offTasks, flink)
	g.LoadBytes(object+offName, append([]byte(name), 0))
}

func writeUnicodeString(t *testing.T, g *vmitest.Guest, va, buffer uint64, s string) {
	t.Helper()
	units := utf16.Encode([]rune(s))
	raw := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(raw[2*i:], u)
	}
	// full 16-byte header including the padding before Buffer; the monitor
	// reads it in one contiguous physical read
	hdr := make([]byte, 16)
	binary.LittleEndian.PutUint16(hdr[0:], uint16(len(raw)))
	binary.LittleEndian.PutUint16(hdr[2:], uint16(len(raw)))
	binary.LittleEndian.PutUint64(hdr[8:], buffer)
	g.LoadBytes(va, hdr)
	g.LoadBytes(buffer, raw)
}

func TestListProcesses(t *testing.T) {
	g := vmitest.New()
	setupProfile(g)

	const head = uint64(0x20000)
	g.SetSymbol("PsActiveProcessHead", head)

	// head -> System -> smss.exe -> head
	writeU64(t, g, head, 0x21000+offTasks)
	writeProcess(t, g, 0x21000, 4, "System", 0x22000+offTasks)
	writeProcess(t, g, 0x22000, 328, "smss.exe", head)

	procs, err := ListProcesses(g, log.NewNop())
	if err != nil {
		t.Fatalf("ListProcesses: %v", err)
	}
	if len(procs) != 2 {
		t.Fatalf("got %d processes, want 2", len(procs))
	}
	if procs[0].PID != 4 || procs[0].Name != "System" || procs[0].Object != 0x21000 {
		t.Errorf("procs[0] = %+v", procs[0])
	}
	if procs[1].PID != 328 || procs[1].Name != "smss.exe" {
		t.Errorf("procs[1] = %+v", procs[1])
	}
	if g.PauseCount() != 1 {
		t.Errorf("pause count = %d, the walk must pause the guest", g.PauseCount())
	}
}

func TestListProcessesMissingProfile(t *testing.T) {
	g := vmitest.New()
	if _, err := ListProcesses(g, log.NewNop()); err == nil {
		t.Fatal("expected error without profile offsets")
	}
}

func TestProcessCreateMonitor(t *testing.T) {
	g := vmitest.New()
	setupProfile(g)

	const funcAddr = uint64(0x30000)
	g.SetSymbol("PspInsertProcess", funcAddr)
	// PspInsertProcess prologue: mov [rsp+0x20], rbx
	g.LoadBytes(funcAddr, []byte{0x48, 0x89, 0x5C, 0x24, 0x20})

	// new EPROCESS with user-space details behind a DTB
	const eproc = uint64(0x40000)
	const peb = uint64(0x50000)
	const params = uint64(0x51000)
	if err := g.WriteU32VA(eproc+offPID, 0, 1234); err != nil {
		t.Fatal(err)
	}
	writeU64(t, g, eproc+offPPID, 4)
	writeU64(t, g, eproc+offCreateTime, 0x1D7C0DE)
	writeU64(t, g, eproc+offDTB, 0x1AB000)
	writeU64(t, g, eproc+offPEB, peb)
	writeU64(t, g, peb+offPebParams, params)
	writeUnicodeString(t, g, params+offParamsImage, 0x52000, `C:\Windows\System32\notepad.exe`)
	writeUnicodeString(t, g, params+offParamsCmdLine, 0x52100, `notepad.exe C:\note.txt`)

	s, err := session.New(g, log.NewNop())
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer s.Close()

	var events []ProcessEvent
	mon := NewProcessCreateMonitor(func(ev ProcessEvent) {
		events = append(events, ev)
	}, log.NewNop())

	if err := s.AddMonitor(mon); err != nil {
		t.Fatalf("AddMonitor: %v", err)
	}
	if b, _ := g.ByteAt(funcAddr); b != vmi.TrapOpcode {
		t.Fatalf("hook byte = %#x, want trap opcode", b)
	}

	// the guest reaches PspInsertProcess with the new EPROCESS in rcx
	g.SetReg(0, vmi.RIP, funcAddr)
	g.SetReg(0, vmi.RCX, eproc)
	g.SetReg(0, vmi.RSP, 0x60000)
	g.SetReg(0, vmi.RBX, 0x1111)

	resp, reinject := g.TriggerTrap(0)
	if resp != vmi.ResponseSetRegisters || reinject {
		t.Fatalf("dispatch = (%v, reinject=%v), want emulated resume", resp, reinject)
	}

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.PID != 1234 || ev.PPID != 4 {
		t.Errorf("pid/ppid = %d/%d, want 1234/4", ev.PID, ev.PPID)
	}
	if ev.CreateTime != 0x1D7C0DE {
		t.Errorf("create time = %#x", ev.CreateTime)
	}
	if ev.ImagePath != `C:\Windows\System32\notepad.exe` {
		t.Errorf("image path = %q", ev.ImagePath)
	}
	if ev.CmdLine != `notepad.exe C:\note.txt` {
		t.Errorf("cmdline = %q", ev.CmdLine)
	}
	if ev.Object != eproc {
		t.Errorf("object = %#x, want %#x", ev.Object, eproc)
	}

	// the hook survives (emulated resume) and rip advanced past the prologue
	if rip := g.Reg(0, vmi.RIP); rip != funcAddr+5 {
		t.Errorf("rip = %#x, want %#x", rip, funcAddr+5)
	}

	// disable restores the original first byte
	if err := mon.Disable(&session.Context{VMI: g, Hooks: s.Hooks()}); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if b, _ := g.ByteAt(funcAddr); b != 0x48 {
		t.Errorf("byte after disable = %#x, want 0x48", b)
	}
}

func TestProcessCreateMonitorNoSymbol(t *testing.T) {
	g := vmitest.New()
	setupProfile(g)

	s, err := session.New(g, log.NewNop())
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer s.Close()

	mon := NewProcessCreateMonitor(func(ProcessEvent) {}, log.NewNop())
	if err := s.AddMonitor(mon); err == nil {
		t.Fatal("expected error when no creation symbol resolves")
	}
}
