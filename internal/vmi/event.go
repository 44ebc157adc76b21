package vmi

import "sync"

// EventKind tags the payload of an Event. The driver builds the tagged event
// once at registration time; nothing downstream reinterprets raw event memory.
type EventKind int

const (
	// EventTrap is a software breakpoint (trap opcode) hit.
	EventTrap EventKind = iota
)

// Event is the registered event description a driver hands back to callbacks.
type Event struct {
	Kind EventKind
	Trap *TrapEvent
}

// TrapEvent describes one trap delivery. The guest is fully paused for the
// duration of the callback; no two deliveries overlap.
type TrapEvent struct {
	// VCPU is the faulting virtual CPU.
	VCPU uint32

	// GLA is the guest linear address the trap fired at, when the driver
	// knows it. Dispatch re-reads the instruction pointer itself and does
	// not rely on this field.
	GLA uint64

	// Regs is the register snapshot taken when the trap was delivered.
	Regs *X86Regs

	// Reinject controls what happens on resume when the handler answers
	// ResponseNone: true delivers the trap to the guest as if nobody had
	// intercepted it, false swallows it.
	Reinject bool
}

// EventResponse tells the driver how to resume the guest after a callback.
type EventResponse int

const (
	// ResponseNone resumes with the driver's default continuation,
	// honoring TrapEvent.Reinject.
	ResponseNone EventResponse = iota

	// ResponseSetRegisters resumes with the instruction pointer taken from
	// the event's register snapshot; the driver must not apply its own
	// default continuation.
	ResponseSetRegisters
)

// TrapCallback handles one trap delivery, synchronously, guest paused.
type TrapCallback func(ev *TrapEvent) EventResponse

// Registration is the token for the one active trap-event registration on a
// driver. Holding it keeps the registration (and the callback behind it)
// alive; Clear releases it exactly once.
type Registration struct {
	once  sync.Once
	clear func() error
}

// NewRegistration wraps a driver's clear function in a single-release token.
func NewRegistration(clear func() error) *Registration {
	return &Registration{clear: clear}
}

// Clear releases the registration. Subsequent calls are no-ops.
func (r *Registration) Clear() error {
	var err error
	r.once.Do(func() {
		if r.clear != nil {
			err = r.clear()
		}
	})
	return err
}
