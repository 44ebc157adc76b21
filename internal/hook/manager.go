// Package hook implements trap-opcode hooks on guest code with transparent
// resume. Installing a hook overwrites the first byte of an instruction with
// the trap opcode; when the guest reaches it, the driver pauses the guest and
// delivers a trap event. The manager runs the user callback and then replays
// the overwritten instruction from its install-time strategy, so the guest
// resumes exactly as if nothing had been patched. Hooks whose instruction
// cannot be replayed are one-shot: they restore the original byte and let the
// guest execute it for real.
package hook

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/vigil/internal/disasm"
	"github.com/zboralski/vigil/internal/log"
	"github.com/zboralski/vigil/internal/vmi"
)

// ExistsError reports an install at an address that already has a hook.
type ExistsError struct {
	Addr uint64
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("hook already exists at 0x%x", e.Addr)
}

// AlreadyTrappedError reports an install at an address whose current byte is
// already the trap opcode. Without the real original byte the address cannot
// be hooked safely; a previous session may have crashed with hooks installed.
type AlreadyTrappedError struct {
	Addr uint64
}

func (e *AlreadyTrappedError) Error() string {
	return fmt.Sprintf("trap opcode already present at 0x%x, previous session may have crashed", e.Addr)
}

// Callback runs synchronously inside trap dispatch, with the guest paused.
type Callback func(ctx *Context)

// Context gives a callback read/write access to the paused VM.
type Context struct {
	VMI  vmi.Driver
	VCPU uint32

	// IP is the faulting instruction pointer, i.e. the hook address.
	IP uint64

	// Regs is the register snapshot taken at trap delivery.
	Regs *vmi.X86Regs
}

type hookRecord struct {
	addr     uint64
	origByte byte
	callback Callback
	strategy *disasm.Strategy
}

// Manager owns the hook table and the single shared trap-event registration.
// One hypervisor-level trap event fans out to all hooked addresses through
// the table lookup; there is never one registration per hook.
type Manager struct {
	vmi vmi.Driver
	log *log.Logger

	mu    sync.RWMutex
	hooks map[uint64]*hookRecord

	// reg keeps the trap registration (and with it this manager, reachable
	// from the driver's dispatch path) alive until Shutdown releases it.
	reg *vmi.Registration
}

// NewManager creates a manager and registers its trap event with the driver.
func NewManager(d vmi.Driver, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	m := &Manager{
		vmi:   d,
		log:   logger.WithComponent("hooks"),
		hooks: make(map[uint64]*hookRecord),
	}
	reg, err := d.RegisterTrapEvent(m.dispatch)
	if err != nil {
		return nil, fmt.Errorf("register trap event: %w", err)
	}
	m.reg = reg
	m.log.Debug("initialized")
	return m, nil
}

// Count returns the number of installed hooks.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hooks)
}

// Install plants a trap at addr and records the callback. The instruction
// being overwritten is analyzed here, once; a decode failure only downgrades
// the hook to one-shot, it never blocks interception.
func (m *Manager) Install(addr uint64, cb Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.hooks[addr]; ok {
		return &ExistsError{Addr: addr}
	}

	pa, err := m.vmi.V2P(addr)
	if err != nil {
		return fmt.Errorf("install at 0x%x: %w", addr, err)
	}
	cur, err := m.vmi.ReadPA(pa, 1)
	if err != nil {
		return fmt.Errorf("install at 0x%x: %w", addr, err)
	}
	origByte := cur[0]
	if origByte == vmi.TrapOpcode {
		return &AlreadyTrappedError{Addr: addr}
	}

	// read up to 16 bytes for decode; short reads near page boundaries are fine
	code := make([]byte, 0, vmi.MaxInstLen)
	for i := uint64(0); i < vmi.MaxInstLen; i++ {
		b, err := m.vmi.ReadU8VA(addr+i, vmi.KernelSpace)
		if err != nil {
			break
		}
		code = append(code, b)
	}

	bitness := disasm.BitnessFromAddressWidth(m.vmi.AddressWidth())
	strategy, err := disasm.Analyze(code, addr, bitness)
	if err != nil {
		m.log.Warn("decode failed, hook will be one-shot", log.Addr(addr), zap.Error(err))
		strategy = nil
	}
	if strategy != nil {
		m.log.Debug("replay enabled", log.Addr(addr), zap.Stringer("strategy", strategy))
	} else {
		m.log.Debug("no replay strategy, hook is one-shot", log.Addr(addr))
	}

	if err := m.vmi.WriteU8VA(addr, vmi.KernelSpace, vmi.TrapOpcode); err != nil {
		return fmt.Errorf("install at 0x%x: %w", addr, err)
	}

	m.hooks[addr] = &hookRecord{
		addr:     addr,
		origByte: origByte,
		callback: cb,
		strategy: strategy,
	}
	m.log.Info("hook installed", log.Addr(addr))
	return nil
}

// Remove restores the original byte at addr and drops the hook. Idempotent;
// a failed restore is logged but the entry is dropped regardless, since the
// caller's intent is "gone".
func (m *Manager) Remove(addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hooks[addr]
	if !ok {
		return nil
	}
	delete(m.hooks, addr)
	if err := m.vmi.WriteU8VA(addr, vmi.KernelSpace, h.origByte); err != nil {
		m.log.Warn("restore failed", log.Addr(addr), zap.Error(err))
	}
	m.log.Info("hook removed", log.Addr(addr))
	return nil
}

// Shutdown restores every remaining hook's byte, clears the shared trap-event
// registration, and releases the registration token. Idempotent: a second
// call finds an empty table and a cleared token and does nothing. Both the
// graceful and the abnormal teardown paths go through here, in this order, so
// whichever runs first leaves no guest memory permanently altered.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if len(m.hooks) > 0 {
		m.log.Info("restoring hooks", zap.Int("count", len(m.hooks)))
	}
	for addr, h := range m.hooks {
		if err := m.vmi.WriteU8VA(addr, vmi.KernelSpace, h.origByte); err != nil {
			m.log.Warn("restore failed", log.Addr(addr), zap.Error(err))
		}
		delete(m.hooks, addr)
	}
	reg := m.reg
	m.reg = nil
	m.mu.Unlock()

	if reg != nil {
		if err := reg.Clear(); err != nil {
			m.log.Warn("clear trap event failed", zap.Error(err))
		}
		m.log.Debug("shutdown complete")
	}
}

// dispatch handles one trap delivery. It runs synchronously inside the
// driver's listen call with the guest fully paused, so deliveries never
// overlap; the table lock only guards against concurrent install/remove from
// other goroutines.
func (m *Manager) dispatch(ev *vmi.TrapEvent) vmi.EventResponse {
	// Default: hand the trap back to the guest unmodified. Traps that are
	// not ours must behave exactly as the guest intended.
	ev.Reinject = true

	ip, err := m.vmi.GetVCPUReg(vmi.RIP, ev.VCPU)
	if err != nil {
		m.log.Warn("rip read failed", log.VCPU(ev.VCPU), zap.Error(err))
		return vmi.ResponseNone
	}

	m.mu.RLock()
	h, ok := m.hooks[ip]
	m.mu.RUnlock()
	if !ok {
		// foreign trap, passthrough
		return vmi.ResponseNone
	}

	ev.Reinject = false

	h.callback(&Context{
		VMI:  m.vmi,
		VCPU: ev.VCPU,
		IP:   ip,
		Regs: ev.Regs,
	})

	if h.strategy == nil {
		// One-shot: put the original byte back and let the guest execute
		// the real instruction exactly once more, unhooked from then on.
		m.log.Debug("one-shot hook, removing", log.Addr(ip))
		m.removeAfterDispatch(ip, h.origByte)
		ev.Reinject = true
		return vmi.ResponseNone
	}

	if err := m.apply(ev, h.strategy, ip); err != nil {
		// The guest must never resume in a half-emulated state. Drop the
		// hook and reinject so the restored original instruction runs.
		m.log.Warn("replay failed, removing hook", log.Addr(ip), zap.Error(err))
		m.removeAfterDispatch(ip, h.origByte)
		ev.Reinject = true
		return vmi.ResponseNone
	}

	return vmi.ResponseSetRegisters
}

// removeAfterDispatch drops a hook from inside the dispatch path. Best
// effort: the restore may race a concurrent Remove, in which case both write
// the same original byte.
func (m *Manager) removeAfterDispatch(addr uint64, origByte byte) {
	m.mu.Lock()
	delete(m.hooks, addr)
	m.mu.Unlock()
	if err := m.vmi.WriteU8VA(addr, vmi.KernelSpace, origByte); err != nil {
		m.log.Warn("restore failed", log.Addr(addr), zap.Error(err))
	}
}

// apply replays the hooked instruction's effect on registers and memory, then
// advances the instruction pointer past it. All arithmetic wraps at 64 bits,
// matching native register width. The switch is exhaustive over the closed
// strategy set; any error leaves the hook unsafe and the caller removes it.
func (m *Manager) apply(ev *vmi.TrapEvent, s *disasm.Strategy, addr uint64) error {
	d := m.vmi
	vcpu := ev.VCPU

	switch s.Kind {
	case disasm.KindMoveToMem:
		src, err := d.GetVCPUReg(s.Src, vcpu)
		if err != nil {
			return err
		}
		base, err := d.GetVCPUReg(s.Base, vcpu)
		if err != nil {
			return err
		}
		target := base + uint64(s.Disp)
		switch s.Width {
		case 8:
			err = d.WriteU8VA(target, vmi.KernelSpace, uint8(src))
		case 16:
			err = d.WriteU16VA(target, vmi.KernelSpace, uint16(src))
		case 32:
			err = d.WriteU32VA(target, vmi.KernelSpace, uint32(src))
		case 64:
			err = d.WriteU64VA(target, vmi.KernelSpace, src)
		default:
			err = fmt.Errorf("unsupported operand width %d", s.Width)
		}
		if err != nil {
			return err
		}

	case disasm.KindPush:
		src, err := d.GetVCPUReg(s.Src, vcpu)
		if err != nil {
			return err
		}
		sp, err := d.GetVCPUReg(vmi.RSP, vcpu)
		if err != nil {
			return err
		}
		sp -= 8
		if err := d.WriteU64VA(sp, vmi.KernelSpace, src); err != nil {
			return err
		}
		if err := d.SetVCPUReg(vmi.RSP, sp, vcpu); err != nil {
			return err
		}

	case disasm.KindMovRegReg:
		src, err := d.GetVCPUReg(s.Src, vcpu)
		if err != nil {
			return err
		}
		if err := d.SetVCPUReg(s.Dst, src, vcpu); err != nil {
			return err
		}

	case disasm.KindSubImm:
		val, err := d.GetVCPUReg(s.Dst, vcpu)
		if err != nil {
			return err
		}
		if err := d.SetVCPUReg(s.Dst, val-s.Imm, vcpu); err != nil {
			return err
		}

	case disasm.KindLea:
		base, err := d.GetVCPUReg(s.Base, vcpu)
		if err != nil {
			return err
		}
		if err := d.SetVCPUReg(s.Dst, base+uint64(s.Disp), vcpu); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unhandled strategy kind %d", s.Kind)
	}

	ev.Regs.RIP = addr + s.Len
	return nil
}
