// Package vmi defines the surface vigil consumes from a virtual-machine
// introspection backend: guest memory and register access, address
// translation, symbol resolution, and trap-event delivery.
//
// Concrete drivers live in subpackages; the engine itself only sees Driver.
package vmi

import "time"

// TrapOpcode is the single-byte instruction planted at hooked addresses.
// Executing it transfers control to the monitor (INT3 on x86).
const TrapOpcode byte = 0xCC

// MaxInstLen is the longest possible x86 instruction encoding. Install reads
// this many bytes for decoding; short reads are tolerated.
const MaxInstLen = 16

// KernelSpace is the owning-context value for kernel virtual addresses.
const KernelSpace uint32 = 0

// OSType is the operating system detected in the guest.
type OSType int

const (
	OSUnknown OSType = iota
	OSLinux
	OSWindows
)

func (t OSType) String() string {
	switch t {
	case OSLinux:
		return "Linux"
	case OSWindows:
		return "Windows"
	}
	return "Unknown"
}

// Driver is the minimum introspection surface the engine needs. All memory
// operations take a virtual address and an owning context (0 = kernel space).
// Implementations must serialize access to the underlying VM handle; vigil
// treats it as a single-operation-at-a-time resource.
type Driver interface {
	// Name returns the guest domain name.
	Name() string

	// OSType reports the operating system detected in the guest.
	OSType() OSType

	// AddressWidth returns the guest pointer width in bytes (8 = 64-bit).
	AddressWidth() uint8

	// Pause and Resume control all guest vCPUs.
	Pause() error
	Resume() error

	// Fixed-width virtual-address reads.
	ReadU8VA(va uint64, pid uint32) (uint8, error)
	ReadU16VA(va uint64, pid uint32) (uint16, error)
	ReadU32VA(va uint64, pid uint32) (uint32, error)
	ReadU64VA(va uint64, pid uint32) (uint64, error)

	// ReadStrVA reads a NUL-terminated ASCII string.
	ReadStrVA(va uint64, pid uint32) (string, error)

	// ReadPA reads size bytes at a guest physical address.
	ReadPA(pa uint64, size int) ([]byte, error)

	// Fixed-width virtual-address writes.
	WriteU8VA(va uint64, pid uint32, v uint8) error
	WriteU16VA(va uint64, pid uint32, v uint16) error
	WriteU32VA(va uint64, pid uint32, v uint32) error
	WriteU64VA(va uint64, pid uint32, v uint64) error

	// V2P translates a kernel virtual address to a physical address.
	V2P(va uint64) (uint64, error)

	// V2PWithDTB translates under an explicitly supplied page-table base,
	// reading another process's address space without switching context.
	V2PWithDTB(dtb, va uint64) (uint64, error)

	// GetVCPUReg and SetVCPUReg access one named register of a vCPU.
	GetVCPUReg(reg Register, vcpu uint32) (uint64, error)
	SetVCPUReg(reg Register, val uint64, vcpu uint32) error

	// RegisterTrapEvent registers the callback for execution-trap events.
	// At most one registration may be active per driver; a second call
	// before the token is cleared fails.
	RegisterTrapEvent(cb TrapCallback) (*Registration, error)

	// Listen blocks up to timeout waiting for guest events and dispatches
	// them to the registered callback on the calling goroutine.
	Listen(timeout time.Duration) error

	// SymbolToVA resolves a kernel symbol to its virtual address.
	SymbolToVA(symbol string) (uint64, error)

	// Offset resolves a named profile offset (e.g. "win_tasks").
	Offset(name string) (uint64, error)

	// StructOffset resolves a field offset inside a named kernel struct.
	StructOffset(structName, field string) (uint64, error)

	// Close releases the guest connection, resuming the guest if paused.
	Close() error
}
