// Package windows walks Windows kernel structures through a vmi.Driver. It
// consumes only addresses and offsets the guest profile resolves; nothing
// here knows how the underlying introspection transport works.
package windows

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/vigil/internal/log"
	"github.com/zboralski/vigil/internal/vmi"
)

// maxProcessWalk bounds the EPROCESS list walk so a corrupted or mid-update
// list cannot spin forever.
const maxProcessWalk = 10000

// Process is one entry of the active process list.
type Process struct {
	PID    uint32
	Name   string
	Object uint64 // EPROCESS virtual address
}

// ListProcesses pauses the guest and walks PsActiveProcessHead. Per-field
// read failures degrade to zero values; a broken list link aborts the walk.
func ListProcesses(d vmi.Driver, logger *log.Logger) ([]Process, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	tasksOff, err := d.Offset("win_tasks")
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	nameOff, err := d.Offset("win_pname")
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	pidOff, err := d.Offset("win_pid")
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	headVA, err := d.SymbolToVA("PsActiveProcessHead")
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	if err := d.Pause(); err != nil {
		return nil, err
	}
	defer func() {
		if err := d.Resume(); err != nil {
			logger.Warn("resume failed after process walk", zap.Error(err))
		}
	}()

	var processes []Process
	entry, err := d.ReadU64VA(headVA, vmi.KernelSpace)
	if err != nil {
		return nil, fmt.Errorf("read process list head: %w", err)
	}

	for i := 0; i < maxProcessWalk && entry != headVA; i++ {
		object := entry - tasksOff

		pid, err := d.ReadU32VA(object+pidOff, vmi.KernelSpace)
		if err != nil {
			logger.Debug("pid read failed", log.Addr(object), zap.Error(err))
			pid = 0
		}
		name, err := d.ReadStrVA(object+nameOff, vmi.KernelSpace)
		if err != nil {
			logger.Debug("name read failed", log.Addr(object), zap.Error(err))
			name = "<unknown>"
		}

		processes = append(processes, Process{
			PID:    pid,
			Name:   name,
			Object: object,
		})

		entry, err = d.ReadU64VA(entry, vmi.KernelSpace)
		if err != nil {
			return nil, fmt.Errorf("broken process list link: %w", err)
		}
	}

	return processes, nil
}
