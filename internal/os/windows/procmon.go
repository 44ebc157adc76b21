package windows

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf16"

	"go.uber.org/zap"

	"github.com/zboralski/vigil/internal/hook"
	"github.com/zboralski/vigil/internal/log"
	"github.com/zboralski/vigil/internal/session"
	"github.com/zboralski/vigil/internal/vmi"
)

// unicodeStringMax caps UNICODE_STRING reads; command lines longer than this
// are truncated rather than trusted.
const unicodeStringMax = 512

// ProcessEvent describes one observed process creation.
type ProcessEvent struct {
	Time       time.Time
	PID        uint32
	PPID       uint32
	CreateTime uint64
	ImagePath  string
	CmdLine    string
	Object     uint64 // EPROCESS virtual address
	VCPU       uint32
}

// eprocessOffsets caches the field offsets the monitor reads on every hit.
// They are resolved once at enable time.
type eprocessOffsets struct {
	pid           uint64
	parentPID     uint64
	createTime    uint64
	dtb           uint64
	peb           uint64
	processParams uint64
	commandLine   uint64
	imagePath     uint64
}

// ProcessCreateMonitor hooks the kernel's process-insertion path and reports
// every new process, including user-space details read through the new
// process's own page tables.
type ProcessCreateMonitor struct {
	log      *log.Logger
	onEvent  func(ev ProcessEvent)
	hookAddr uint64
}

// NewProcessCreateMonitor creates a monitor delivering events to onEvent.
// The callback runs on the dispatch path with the guest paused, so it should
// return quickly.
func NewProcessCreateMonitor(onEvent func(ev ProcessEvent), logger *log.Logger) *ProcessCreateMonitor {
	if logger == nil {
		logger = log.NewNop()
	}
	return &ProcessCreateMonitor{
		log:     logger.WithComponent("procmon"),
		onEvent: onEvent,
	}
}

// Enable resolves the hook target and installs the hook. Idempotent while
// enabled.
func (m *ProcessCreateMonitor) Enable(ctx *session.Context) error {
	if m.hookAddr != 0 {
		return nil
	}
	d := ctx.VMI

	funcAddr, err := d.SymbolToVA("PspInsertProcess")
	if err != nil {
		// older profiles only carry the syscall-level symbol
		funcAddr, err = d.SymbolToVA("NtCreateUserProcess")
		if err != nil {
			return fmt.Errorf("no process creation symbol: %w", err)
		}
	}

	offs, err := resolveOffsets(d)
	if err != nil {
		return fmt.Errorf("resolve process offsets: %w", err)
	}

	if err := ctx.Hooks.Install(funcAddr, func(hctx *hook.Context) {
		m.onProcessCreate(hctx, offs)
	}); err != nil {
		return err
	}

	m.hookAddr = funcAddr
	m.log.Info("enabled", log.Addr(funcAddr))
	return nil
}

// Disable removes the hook if installed.
func (m *ProcessCreateMonitor) Disable(ctx *session.Context) error {
	if m.hookAddr == 0 {
		return nil
	}
	addr := m.hookAddr
	m.hookAddr = 0
	if err := ctx.Hooks.Remove(addr); err != nil {
		return err
	}
	m.log.Info("disabled")
	return nil
}

func resolveOffsets(d vmi.Driver) (*eprocessOffsets, error) {
	var offs eprocessOffsets
	var err error

	if offs.pid, err = d.Offset("win_pid"); err != nil {
		return nil, err
	}
	if offs.parentPID, err = d.StructOffset("_EPROCESS", "InheritedFromUniqueProcessId"); err != nil {
		return nil, err
	}
	if offs.createTime, err = d.StructOffset("_EPROCESS", "CreateTime"); err != nil {
		return nil, err
	}
	if offs.dtb, err = d.StructOffset("_KPROCESS", "DirectoryTableBase"); err != nil {
		return nil, err
	}
	if offs.peb, err = d.StructOffset("_EPROCESS", "Peb"); err != nil {
		return nil, err
	}
	if offs.processParams, err = d.StructOffset("_PEB", "ProcessParameters"); err != nil {
		return nil, err
	}
	if offs.commandLine, err = d.StructOffset("_RTL_USER_PROCESS_PARAMETERS", "CommandLine"); err != nil {
		return nil, err
	}
	if offs.imagePath, err = d.StructOffset("_RTL_USER_PROCESS_PARAMETERS", "ImagePathName"); err != nil {
		return nil, err
	}
	return &offs, nil
}

// onProcessCreate runs at every hit, guest paused. The new EPROCESS pointer
// arrives in RCX per the MSVC x64 calling convention. Every read past that is
// best-effort: a partially populated event beats a dropped one.
func (m *ProcessCreateMonitor) onProcessCreate(hctx *hook.Context, offs *eprocessOffsets) {
	d := hctx.VMI

	eproc, err := d.GetVCPUReg(vmi.RCX, hctx.VCPU)
	if err != nil {
		m.log.Warn("rcx read failed", log.VCPU(hctx.VCPU), zap.Error(err))
		return
	}

	ev := ProcessEvent{
		Time:      time.Now(),
		ImagePath: "<unknown>",
		CmdLine:   "<unknown>",
		Object:    eproc,
		VCPU:      hctx.VCPU,
	}

	if pid, err := d.ReadU32VA(eproc+offs.pid, vmi.KernelSpace); err == nil {
		ev.PID = pid
	}
	if ppid, err := d.ReadU64VA(eproc+offs.parentPID, vmi.KernelSpace); err == nil {
		ev.PPID = uint32(ppid)
	}
	if ct, err := d.ReadU64VA(eproc+offs.createTime, vmi.KernelSpace); err == nil {
		ev.CreateTime = ct
	}

	// The PEB lives in user space: reads go through the new process's own
	// page tables, addressed by its directory table base.
	dtb, err := d.ReadU64VA(eproc+offs.dtb, vmi.KernelSpace)
	if err != nil || dtb == 0 {
		m.onEvent(ev)
		return
	}
	peb, err := d.ReadU64VA(eproc+offs.peb, vmi.KernelSpace)
	if err != nil || peb == 0 {
		m.onEvent(ev)
		return
	}

	params, err := readU64DTB(d, dtb, peb+offs.processParams)
	if err != nil || params == 0 {
		m.onEvent(ev)
		return
	}

	if s, err := readUnicodeString(d, dtb, params+offs.commandLine); err == nil && s != "" {
		ev.CmdLine = s
	}
	if s, err := readUnicodeString(d, dtb, params+offs.imagePath); err == nil && s != "" {
		ev.ImagePath = s
	}

	m.onEvent(ev)
}

// readU64DTB reads a u64 at a virtual address translated under dtb.
func readU64DTB(d vmi.Driver, dtb, va uint64) (uint64, error) {
	pa, err := d.V2PWithDTB(dtb, va)
	if err != nil {
		return 0, err
	}
	b, err := d.ReadPA(pa, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// readUnicodeString reads a UNICODE_STRING (Length, MaximumLength, Buffer)
// whose header and buffer both live in the address space behind dtb.
func readUnicodeString(d vmi.Driver, dtb, va uint64) (string, error) {
	hdrPA, err := d.V2PWithDTB(dtb, va)
	if err != nil {
		return "", err
	}
	hdr, err := d.ReadPA(hdrPA, 16)
	if err != nil {
		return "", err
	}
	length := binary.LittleEndian.Uint16(hdr[0:2])
	buffer := binary.LittleEndian.Uint64(hdr[8:16])
	if length == 0 || buffer == 0 {
		return "", nil
	}
	if length > unicodeStringMax {
		length = unicodeStringMax
	}
	// UTF-16 code units are 2 bytes
	length &^= 1

	bufPA, err := d.V2PWithDTB(dtb, buffer)
	if err != nil {
		return "", err
	}
	raw, err := d.ReadPA(bufPA, int(length))
	if err != nil {
		return "", err
	}

	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return string(utf16.Decode(units)), nil
}
