// errors.go - Error values surfaced by the PC core to its embedder
//
// Architectural faults never leave the core: they are delivered to the guest as
// exceptions. Only conditions the guest cannot handle end up here.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"errors"
	"fmt"
)

var (
	// ErrTripleFault halts the machine when exception delivery itself faults twice.
	ErrTripleFault = errors.New("x86: triple fault, machine halted")

	// ErrStaleTranslation is returned when the translation cache would have run
	// code that no longer matches guest memory.
	ErrStaleTranslation = errors.New("jit: stale translation detected")

	ErrBadBIOS           = errors.New("bios: invalid image")
	ErrBadOptionROM      = errors.New("optrom: invalid image")
	ErrBadStorageImage   = errors.New("storage: invalid image")
	ErrRAMSize           = errors.New("config: unsupported RAM size")
	ErrUnknownCPUModel   = errors.New("config: unknown CPU model")
	ErrMachineRunning    = errors.New("machine: already running")
	ErrPortConflict      = errors.New("io: port range already mapped")
	ErrMMIOConflict      = errors.New("bus: MMIO range overlaps existing mapping")
	ErrDMAChannelInUse   = errors.New("dma: channel already has a device")
	ErrInvalidDMAChannel = errors.New("dma: invalid channel")
)

// DeviceError reports a failure raised by a device collaborator while the
// execution loop was dispatching an access to it. The loop halts on it.
type DeviceError struct {
	Device string
	Port   uint16
	Addr   uint32
	MMIO   bool
	Err    error
}

func (e *DeviceError) Error() string {
	if e.MMIO {
		return fmt.Sprintf("device %s: mmio 0x%08X: %v", e.Device, e.Addr, e.Err)
	}
	return fmt.Sprintf("device %s: port 0x%04X: %v", e.Device, e.Port, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
