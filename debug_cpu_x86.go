// debug_cpu_x86.go - x86 adapter for the machine monitor
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
)

const defaultHistoryDepth = 64

// TraceEntry is one instruction from the execution history.
type TraceEntry struct {
	CS  uint16
	EIP uint32
	In  Instruction
}

// String renders the entry the way the -trace output does.
func (e TraceEntry) String() string {
	return fmt.Sprintf("%04X:%08X  %s", e.CS, e.EIP, FormatInstruction(&e.In, e.EIP))
}

// DebugX86 adapts a Machine's processor to the monitor. Breakpoints are
// checked by the loop before each instruction; while any are set a trace
// hook is installed, which keeps execution on the interpreter so every
// instruction boundary is seen and recorded in the history ring.
//
// Methods other than SetBreakpointChannel must run on the loop goroutine:
// directly while the loop is stopped, or from a SignalCall while it runs.
type DebugX86 struct {
	m   *Machine
	log *logrus.Entry

	breakpoints map[uint32]*ConditionalBreakpoint
	bpChan      chan<- BreakpointEvent

	// The instruction at skipAddr runs once without a breakpoint check
	// after a resume.
	skipAddr  uint32
	skipValid bool
	bypass    bool

	history  []TraceEntry
	histNext int
	histLen  int
	tracing  bool

	hooked    bool
	prevTrace func(cs uint16, eip uint32, in *Instruction)
}

// NewDebugX86 attaches a debugger to m. The loop must not be running.
// historyDepth <= 0 selects the default.
func NewDebugX86(m *Machine, historyDepth int) *DebugX86 {
	if historyDepth <= 0 {
		historyDepth = defaultHistoryDepth
	}
	d := &DebugX86{
		m:           m,
		log:         m.component("debug"),
		breakpoints: make(map[uint32]*ConditionalBreakpoint),
		history:     make([]TraceEntry, historyDepth),
	}
	m.debugger = d
	return d
}

func (d *DebugX86) CPUName() string   { return "X86" }
func (d *DebugX86) AddressWidth() int { return 32 }

var x86ControlNames = [...]string{"CR0", "CR2", "CR3", "CR4"}

func (d *DebugX86) controlRegs() [4]*uint32 {
	c := d.m.cpu
	return [4]*uint32{&c.CR0, &c.CR2, &c.CR3, &c.CR4}
}

func (d *DebugX86) GetRegisters() []RegisterInfo {
	c := d.m.cpu
	regs := make([]RegisterInfo, 0, 22)
	for i, name := range x86Reg32 {
		regs = append(regs, RegisterInfo{Name: strings.ToUpper(name), BitWidth: 32, Value: uint64(c.getReg32(byte(i))), Group: "general"})
	}
	regs = append(regs,
		RegisterInfo{Name: "EIP", BitWidth: 32, Value: uint64(c.EIP), Group: "general"},
		RegisterInfo{Name: "EFLAGS", BitWidth: 32, Value: uint64(c.Flags), Group: "flags"},
	)
	for i, name := range x86SegNames {
		regs = append(regs, RegisterInfo{Name: strings.ToUpper(name), BitWidth: 16, Value: uint64(c.segs[i].Selector), Group: "segment"})
	}
	for i, r := range d.controlRegs() {
		regs = append(regs, RegisterInfo{Name: x86ControlNames[i], BitWidth: 32, Value: uint64(*r), Group: "control"})
	}
	return regs
}

func (d *DebugX86) GetRegister(name string) (uint64, bool) {
	c := d.m.cpu
	name = strings.ToUpper(name)
	switch name {
	case "EIP":
		return uint64(c.EIP), true
	case "IP":
		return uint64(c.EIP & 0xFFFF), true
	case "FLAGS", "EFLAGS":
		return uint64(c.Flags), true
	}
	for i := range 8 {
		switch name {
		case strings.ToUpper(x86Reg32[i]):
			return uint64(c.getReg32(byte(i))), true
		case strings.ToUpper(x86Reg16[i]):
			return uint64(c.getReg16(byte(i))), true
		case strings.ToUpper(x86Reg8[i]):
			return uint64(c.getReg8(byte(i))), true
		}
	}
	for i, seg := range x86SegNames {
		if name == strings.ToUpper(seg) {
			return uint64(c.segs[i].Selector), true
		}
	}
	for i, r := range d.controlRegs() {
		if name == x86ControlNames[i] {
			return uint64(*r), true
		}
	}
	return 0, false
}

// SetRegister writes a general register, EIP or EFLAGS. Segment registers
// can only be written in real and virtual-8086 mode, where loading them
// needs no descriptor; control registers are read-only here.
func (d *DebugX86) SetRegister(name string, value uint64) bool {
	c := d.m.cpu
	name = strings.ToUpper(name)
	switch name {
	case "EIP":
		c.EIP = uint32(value)
		return true
	case "IP":
		c.EIP = uint32(value) & 0xFFFF
		return true
	case "FLAGS", "EFLAGS":
		c.Flags = uint32(value) | 0x2
		return true
	}
	for i := range 8 {
		switch name {
		case strings.ToUpper(x86Reg32[i]):
			c.setReg32(byte(i), uint32(value))
			return true
		case strings.ToUpper(x86Reg16[i]):
			c.setReg16(byte(i), uint16(value))
			return true
		case strings.ToUpper(x86Reg8[i]):
			c.setReg8(byte(i), byte(value))
			return true
		}
	}
	for i, seg := range x86SegNames {
		if name != strings.ToUpper(seg) {
			continue
		}
		if c.protected() && !c.v86() {
			return false
		}
		c.segs[i].setRealMode(uint16(value))
		return true
	}
	return false
}

// GetPC returns the linear address of the next instruction.
func (d *DebugX86) GetPC() uint32 {
	c := d.m.cpu
	return c.segs[x86SegCS].Base + c.EIP
}

// Step runs one instruction or interrupt entry, ignoring breakpoints.
// Queued signals are left for the loop.
func (d *DebugX86) Step() (uint64, error) {
	c := d.m.cpu
	before := c.Cycles
	d.bypass = true
	defer func() { d.bypass = false }()
	d.m.bus.SealMappings()
	err := d.m.stepCore()
	return c.Cycles - before, err
}

// Resume lets a paused loop continue. The instruction at the current
// address runs before breakpoints are checked again.
func (d *DebugX86) Resume() {
	d.skipAddr, d.skipValid = d.GetPC(), true
	d.m.paused = false
}

// Pause stops the loop before the next instruction.
func (d *DebugX86) Pause() { d.m.paused = true }

// Paused reports whether the loop is held by the debugger.
func (d *DebugX86) Paused() bool { return d.m.paused }

// shouldBreak is called by the loop before each instruction.
func (d *DebugX86) shouldBreak() bool {
	if d.bypass || len(d.breakpoints) == 0 {
		d.skipValid = false
		return false
	}
	pc := d.GetPC()
	if d.skipValid {
		d.skipValid = false
		if pc == d.skipAddr {
			return false
		}
	}
	bp := d.breakpoints[pc]
	if bp == nil {
		return false
	}
	bp.HitCount++
	if !evaluateCondition(bp.Condition, d, bp.HitCount) {
		return false
	}
	c := d.m.cpu
	ev := BreakpointEvent{Address: pc, CS: c.segs[x86SegCS].Selector, EIP: c.EIP, Hits: bp.HitCount}
	d.log.WithFields(logrus.Fields{
		"cs":   fmt.Sprintf("0x%04X", ev.CS),
		"eip":  fmt.Sprintf("0x%08X", ev.EIP),
		"hits": ev.Hits,
	}).Info("breakpoint")
	if d.bpChan != nil {
		select {
		case d.bpChan <- ev:
		default:
		}
	}
	return true
}

// Disassemble lists count instructions from linear address addr in the
// processor's current mode. Unmapped bytes read as 0xFF.
func (d *DebugX86) Disassemble(addr uint32, count int) []DisassembledLine {
	c := d.m.cpu
	read := func(a uint32) uint8 {
		if p, ok := c.lookup(a); ok {
			return d.m.bus.Read8(p)
		}
		return 0xFF
	}
	pc := d.GetPC()
	lines := disassemble(read, addr, count, c.Mode())
	for i := range lines {
		lines[i].IsPC = lines[i].Address == pc
	}
	return lines
}

func (d *DebugX86) SetBreakpoint(addr uint32, cond *BreakpointCondition) {
	d.breakpoints[addr] = &ConditionalBreakpoint{Address: addr, Condition: cond}
	d.rearm()
}

func (d *DebugX86) ClearBreakpoint(addr uint32) bool {
	if _, ok := d.breakpoints[addr]; !ok {
		return false
	}
	delete(d.breakpoints, addr)
	d.rearm()
	return true
}

func (d *DebugX86) ClearAllBreakpoints() {
	clear(d.breakpoints)
	d.rearm()
}

// ListBreakpoints returns the breakpoints ordered by address.
func (d *DebugX86) ListBreakpoints() []*ConditionalBreakpoint {
	result := make([]*ConditionalBreakpoint, 0, len(d.breakpoints))
	for _, bp := range d.breakpoints {
		result = append(result, bp)
	}
	slices.SortFunc(result, func(a, b *ConditionalBreakpoint) int { return cmp.Compare(a.Address, b.Address) })
	return result
}

func (d *DebugX86) HasBreakpoint(addr uint32) bool {
	_, ok := d.breakpoints[addr]
	return ok
}

// ReadMemory reads size bytes from linear address addr. The result stops
// short at the first unmapped page.
func (d *DebugX86) ReadMemory(addr uint32, size int) []byte {
	c := d.m.cpu
	result := make([]byte, 0, size)
	for i := range size {
		p, ok := c.lookup(addr + uint32(i))
		if !ok {
			break
		}
		result = append(result, d.m.bus.Read8(p))
	}
	return result
}

// WriteMemory stores data at linear address addr and returns the bytes
// written. Translated code covering the bytes is invalidated by the bus.
func (d *DebugX86) WriteMemory(addr uint32, data []byte) int {
	c := d.m.cpu
	for i, b := range data {
		p, ok := c.lookup(addr + uint32(i))
		if !ok {
			return i
		}
		d.m.bus.Write8(p, b)
	}
	return len(data)
}

func (d *DebugX86) SetBreakpointChannel(ch chan<- BreakpointEvent) { d.bpChan = ch }

// SetTracing keeps the history hook installed without breakpoints.
func (d *DebugX86) SetTracing(on bool) {
	d.tracing = on
	d.rearm()
}

// History returns up to n of the most recent instructions, oldest first.
func (d *DebugX86) History(n int) []TraceEntry {
	n = min(n, d.histLen)
	out := make([]TraceEntry, n)
	for i := range n {
		idx := (d.histNext - n + i + len(d.history)) % len(d.history)
		out[i] = d.history[idx]
	}
	return out
}

func (d *DebugX86) trace(cs uint16, eip uint32, in *Instruction) {
	d.history[d.histNext] = TraceEntry{CS: cs, EIP: eip, In: *in}
	d.histNext = (d.histNext + 1) % len(d.history)
	d.histLen = min(d.histLen+1, len(d.history))
	if d.prevTrace != nil {
		d.prevTrace(cs, eip, in)
	}
}

// rearm installs the trace hook while breakpoints or tracing need it and
// restores any earlier hook otherwise.
func (d *DebugX86) rearm() {
	need := len(d.breakpoints) > 0 || d.tracing
	switch {
	case need && !d.hooked:
		d.prevTrace = d.m.cpu.trace
		d.m.SetTraceHook(d.trace)
		d.hooked = true
	case !need && d.hooked:
		d.m.SetTraceHook(d.prevTrace)
		d.prevTrace = nil
		d.hooked = false
	}
}
