// debug_interface.go - DebuggableCPU interface and supporting types for the monitor
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

// RegisterInfo describes a single CPU register for display in the monitor.
type RegisterInfo struct {
	Name     string // "EAX", "CS", "CR0"
	BitWidth int    // 16 or 32
	Value    uint64
	Group    string // "general", "segment", "control", "flags"
}

// BreakpointEvent is published when execution stops at a breakpoint.
type BreakpointEvent struct {
	Address uint32 // linear address of the breakpoint
	CS      uint16
	EIP     uint32
	Hits    uint64
}

// DebuggableCPU is what the monitor needs from a processor adapter.
// Addresses are linear; the adapter resolves them through paging.
type DebuggableCPU interface {
	CPUName() string
	AddressWidth() int

	GetRegisters() []RegisterInfo
	GetRegister(name string) (uint64, bool)
	SetRegister(name string, value uint64) bool
	GetPC() uint32

	// Step executes one instruction or interrupt entry and returns the
	// instructions retired.
	Step() (uint64, error)

	Disassemble(addr uint32, count int) []DisassembledLine

	SetBreakpoint(addr uint32, cond *BreakpointCondition)
	ClearBreakpoint(addr uint32) bool
	ClearAllBreakpoints()
	ListBreakpoints() []*ConditionalBreakpoint
	HasBreakpoint(addr uint32) bool

	ReadMemory(addr uint32, size int) []byte
	WriteMemory(addr uint32, data []byte) int

	SetBreakpointChannel(ch chan<- BreakpointEvent)
}
