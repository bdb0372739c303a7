// debug_monitor.go - Text command monitor over a DebuggableCPU
//
// Commands:
//
//	b ADDR [COND]   set a breakpoint at a linear address
//	bc ADDR|*       clear one or all breakpoints
//	bl              list breakpoints
//	s [N]           step N instructions (default 1)
//	c               continue
//	p               pause
//	r [REG=VAL]     show registers, or set one
//	m ADDR [LEN]    dump memory
//	u [ADDR] [N]    disassemble (default: from the current instruction)
//	bt [DEPTH]      dump stack slots
//	hist [N]        show the most recent instructions
//	trace on|off    keep recording history without breakpoints
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MachineMonitor executes monitor commands. Exec must run on the loop
// goroutine, like the adapter it drives.
type MachineMonitor struct {
	cpu DebuggableCPU
	dbg *DebugX86
	out io.Writer
}

// NewMachineMonitor returns a monitor writing its output to out.
func NewMachineMonitor(dbg *DebugX86, out io.Writer) *MachineMonitor {
	return &MachineMonitor{cpu: dbg, dbg: dbg, out: out}
}

var errUsage = errors.New("usage")

// Exec runs one command line.
func (mon *MachineMonitor) Exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	var err error
	switch cmd {
	case "b", "break":
		err = mon.cmdBreak(args)
	case "bc":
		err = mon.cmdClear(args)
	case "bl":
		mon.cmdList()
	case "s", "step":
		err = mon.cmdStep(args)
	case "c", "cont":
		mon.dbg.Resume()
		fmt.Fprintln(mon.out, "running")
	case "p", "pause":
		mon.dbg.Pause()
		mon.where()
	case "r", "regs":
		err = mon.cmdRegs(args)
	case "m", "mem":
		err = mon.cmdMem(args)
	case "u", "dis":
		err = mon.cmdDis(args)
	case "bt":
		err = mon.cmdBacktrace(args)
	case "hist":
		err = mon.cmdHistory(args)
	case "trace":
		err = mon.cmdTrace(args)
	case "?", "help":
		fmt.Fprintln(mon.out, "b bc bl s c p r m u bt hist trace")
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if errors.Is(err, errUsage) {
		err = fmt.Errorf("%s: bad arguments", cmd)
	}
	if err != nil {
		fmt.Fprintf(mon.out, "error: %v\n", err)
	}
	return err
}

func parseAddr32(s string) (uint32, error) {
	v, ok := ParseAddress(s)
	if !ok || v > 0xFFFFFFFF {
		return 0, fmt.Errorf("bad address %q", s)
	}
	return uint32(v), nil
}

func parseCount(args []string, idx, def int) (int, error) {
	if len(args) <= idx {
		return def, nil
	}
	n, err := strconv.Atoi(args[idx])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad count %q", args[idx])
	}
	return n, nil
}

func (mon *MachineMonitor) cmdBreak(args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	addr, err := parseAddr32(args[0])
	if err != nil {
		return err
	}
	var cond *BreakpointCondition
	if len(args) > 1 {
		if cond, err = ParseCondition(strings.Join(args[1:], "")); err != nil {
			return err
		}
	}
	mon.cpu.SetBreakpoint(addr, cond)
	fmt.Fprintf(mon.out, "breakpoint at %08X %s\n", addr, FormatCondition(cond))
	return nil
}

func (mon *MachineMonitor) cmdClear(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if args[0] == "*" {
		mon.cpu.ClearAllBreakpoints()
		return nil
	}
	addr, err := parseAddr32(args[0])
	if err != nil {
		return err
	}
	if !mon.cpu.ClearBreakpoint(addr) {
		return fmt.Errorf("no breakpoint at %08X", addr)
	}
	return nil
}

func (mon *MachineMonitor) cmdList() {
	for _, bp := range mon.cpu.ListBreakpoints() {
		fmt.Fprintf(mon.out, "%08X hits=%d %s\n", bp.Address, bp.HitCount, FormatCondition(bp.Condition))
	}
}

func (mon *MachineMonitor) cmdStep(args []string) error {
	n, err := parseCount(args, 0, 1)
	if err != nil {
		return err
	}
	mon.dbg.Pause()
	for range n {
		if _, err := mon.cpu.Step(); err != nil {
			mon.where()
			return err
		}
	}
	mon.where()
	return nil
}

// where prints the current location and instruction.
func (mon *MachineMonitor) where() {
	lines := mon.cpu.Disassemble(mon.cpu.GetPC(), 1)
	cs, _ := mon.cpu.GetRegister("CS")
	eip, _ := mon.cpu.GetRegister("EIP")
	fmt.Fprintf(mon.out, "%04X:%08X  %-20s %s\n", cs, eip, lines[0].HexBytes, lines[0].Mnemonic)
}

func (mon *MachineMonitor) cmdRegs(args []string) error {
	if len(args) == 0 {
		for i, r := range mon.cpu.GetRegisters() {
			sep := "  "
			if i%4 == 3 {
				sep = "\n"
			}
			fmt.Fprintf(mon.out, "%-6s %0*X%s", r.Name, r.BitWidth/4, r.Value, sep)
		}
		fmt.Fprintln(mon.out)
		return nil
	}
	name, val, ok := strings.Cut(strings.Join(args, ""), "=")
	if !ok {
		return errUsage
	}
	v, ok := ParseAddress(val)
	if !ok {
		return fmt.Errorf("bad value %q", val)
	}
	if !mon.cpu.SetRegister(name, v) {
		return fmt.Errorf("cannot set %s", strings.ToUpper(name))
	}
	return nil
}

func (mon *MachineMonitor) cmdMem(args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	addr, err := parseAddr32(args[0])
	if err != nil {
		return err
	}
	n, err := parseCount(args, 1, 64)
	if err != nil {
		return err
	}
	data := mon.cpu.ReadMemory(addr, n)
	for off := 0; off < len(data); off += 16 {
		row := data[off:min(off+16, len(data))]
		hex := make([]string, len(row))
		text := make([]byte, len(row))
		for i, b := range row {
			hex[i] = fmt.Sprintf("%02X", b)
			text[i] = '.'
			if b >= 0x20 && b < 0x7F {
				text[i] = b
			}
		}
		fmt.Fprintf(mon.out, "%08X  %-47s  %s\n", addr+uint32(off), strings.Join(hex, " "), text)
	}
	if len(data) < n {
		fmt.Fprintf(mon.out, "%08X  unmapped\n", addr+uint32(len(data)))
	}
	return nil
}

func (mon *MachineMonitor) cmdDis(args []string) error {
	addr := mon.cpu.GetPC()
	if len(args) > 0 {
		a, err := parseAddr32(args[0])
		if err != nil {
			return err
		}
		addr = a
	}
	n, err := parseCount(args, 1, 8)
	if err != nil {
		return err
	}
	for _, l := range mon.cpu.Disassemble(addr, n) {
		mark := " "
		if l.IsPC {
			mark = ">"
		}
		fmt.Fprintf(mon.out, "%s %08X  %-20s %s\n", mark, l.Address, l.HexBytes, l.Mnemonic)
	}
	return nil
}

func (mon *MachineMonitor) cmdBacktrace(args []string) error {
	depth, err := parseCount(args, 0, 8)
	if err != nil {
		return err
	}
	for i, v := range Backtrace(mon.cpu, depth) {
		fmt.Fprintf(mon.out, "#%d %08X\n", i, v)
	}
	return nil
}

func (mon *MachineMonitor) cmdHistory(args []string) error {
	n, err := parseCount(args, 0, 16)
	if err != nil {
		return err
	}
	for _, e := range mon.dbg.History(n) {
		fmt.Fprintln(mon.out, e.String())
	}
	return nil
}

func (mon *MachineMonitor) cmdTrace(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	switch strings.ToLower(args[0]) {
	case "on":
		mon.dbg.SetTracing(true)
	case "off":
		mon.dbg.SetTracing(false)
	default:
		return errUsage
	}
	return nil
}
