package vmi

import "fmt"

// InitError reports a failure to bring up a guest connection.
type InitError struct {
	Msg string
	Err error
}

func (e *InitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("init failed: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("init failed: %s", e.Msg)
}

func (e *InitError) Unwrap() error { return e.Err }

// ReadError reports a failed guest memory read.
type ReadError struct {
	Addr uint64
	Msg  string
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read at 0x%x failed: %s", e.Addr, e.Msg)
}

// WriteError reports a failed guest memory write.
type WriteError struct {
	Addr uint64
	Msg  string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write at 0x%x failed: %s", e.Addr, e.Msg)
}

// TranslateError reports a failed virtual-to-physical translation.
type TranslateError struct {
	Addr uint64
}

func (e *TranslateError) Error() string {
	return fmt.Sprintf("cannot translate 0x%x", e.Addr)
}

// SymbolError reports a symbol or named offset the guest profile does not know.
type SymbolError struct {
	Symbol string
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("symbol not found: %s", e.Symbol)
}

// ControlError reports a failed pause/resume hypervisor call. Introspection
// without guaranteed CPU control is unsafe to continue, so this is always
// surfaced to the caller.
type ControlError struct {
	Op  string
	Err error
}

func (e *ControlError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vm %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("vm %s failed", e.Op)
}

func (e *ControlError) Unwrap() error { return e.Err }

// AccessError reports a failed memory-access configuration change.
type AccessError struct {
	Frame uint64
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("cannot set memory access for frame 0x%x", e.Frame)
}
