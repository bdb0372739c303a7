// debug_x86.go - Disassembly, instruction tracing and register dumps
//
// Formatting works on decoded Instruction records, so the listing always
// agrees with what the interpreter and the translator execute.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

var x86Reg32 = [8]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}
var x86Reg16 = [8]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di"}
var x86Reg8 = [8]string{"al", "cl", "dl", "bl", "ah", "ch", "dh", "bh"}
var x86SegNames = [6]string{"es", "cs", "ss", "ds", "fs", "gs"}
var x86Cond = [16]string{
	"o", "no", "b", "ae", "e", "ne", "be", "a",
	"s", "ns", "p", "np", "l", "ge", "le", "g",
}

// DisassembledLine is one line of a listing.
type DisassembledLine struct {
	Address      uint32
	HexBytes     string
	Mnemonic     string
	Size         int
	IsBranch     bool
	BranchTarget uint32
	IsPC         bool // set by the monitor for the current instruction
}

// memCursor feeds the decoder straight from physical memory.
type memCursor struct {
	read func(addr uint32) uint8
	addr uint32
}

func (m memCursor) Fetch(i int) (byte, error) { return m.read(m.addr + uint32(i)), nil }

func sizedReg(reg uint8, size uint8) string {
	switch size {
	case 1:
		return x86Reg8[reg&7]
	case 2:
		return x86Reg16[reg&7]
	}
	return x86Reg32[reg&7]
}

func ptrName(size uint8) string {
	switch size {
	case 1:
		return "byte"
	case 2:
		return "word"
	case 4:
		return "dword"
	case 6:
		return "fword"
	case 8:
		return "qword"
	}
	return ""
}

func formatMem(op Operand, addrSize uint8) string {
	var sb strings.Builder
	if p := ptrName(op.Size); p != "" {
		sb.WriteString(p)
		sb.WriteString(" ptr ")
	}
	sb.WriteString(x86SegNames[op.Seg%6])
	sb.WriteString(":[")
	terms := 0
	if op.Base >= 0 {
		sb.WriteString(sizedReg(uint8(op.Base), addrSize))
		terms++
	}
	if op.Index >= 0 {
		if terms > 0 {
			sb.WriteByte('+')
		}
		sb.WriteString(sizedReg(uint8(op.Index), addrSize))
		if op.Scale != 0 {
			fmt.Fprintf(&sb, "*%d", 1<<op.Scale)
		}
		terms++
	}
	disp := op.Disp
	if addrSize == 2 {
		disp &= 0xFFFF
	}
	switch {
	case terms == 0:
		fmt.Fprintf(&sb, "0x%X", disp)
	case disp == 0:
	case addrSize == 2 && disp >= 0x8000:
		fmt.Fprintf(&sb, "-0x%X", 0x10000-disp)
	case addrSize == 4 && disp >= 0x80000000:
		fmt.Fprintf(&sb, "-0x%X", -disp)
	default:
		fmt.Fprintf(&sb, "+0x%X", disp)
	}
	sb.WriteByte(']')
	return sb.String()
}

// branchTarget resolves a relative operand of the instruction at eip.
func branchTarget(in *Instruction, eip uint32) uint32 {
	for i := 0; i < int(in.NArgs); i++ {
		if in.Args[i].Kind == KindRel {
			t := eip + uint32(in.Len) + in.Args[i].Imm
			if in.OpSize == 2 {
				t &= 0xFFFF
			}
			return t
		}
	}
	return 0
}

func hasRel(in *Instruction) bool {
	for i := 0; i < int(in.NArgs); i++ {
		if in.Args[i].Kind == KindRel {
			return true
		}
	}
	return false
}

// FormatInstruction renders in as Intel syntax. eip is the offset of the
// instruction and is used to resolve relative branches.
func FormatInstruction(in *Instruction, eip uint32) string {
	var sb strings.Builder
	if in.Lock {
		sb.WriteString("lock ")
	}
	switch in.Rep {
	case RepE:
		sb.WriteString("rep ")
	case RepNE:
		sb.WriteString("repne ")
	}

	name := in.Op.String()
	switch in.Op {
	case insJcc, insSETcc, insCMOV:
		name += x86Cond[in.Ext&15]
	case insMOVS, insCMPS, insSTOS, insLODS, insSCAS, insINS, insOUTS:
		name += [...]string{1: "b", 2: "w", 4: "d"}[in.DataSize()]
	case insFPU:
		fmt.Fprintf(&sb, "esc %02X/%d", 0xD8|in.Ext>>3, in.Ext&7)
		if in.NArgs > 0 && in.Args[0].Kind == KindMem {
			sb.WriteByte(' ')
			sb.WriteString(formatMem(in.Args[0], in.AddrSize))
		} else if in.NArgs > 0 {
			fmt.Fprintf(&sb, " st(%d)", in.Args[0].Reg)
		}
		return sb.String()
	}
	sb.WriteString(name)

	sep := " "
	for i := 0; i < int(in.NArgs); i++ {
		op := in.Args[i]
		var s string
		switch op.Kind {
		case KindReg:
			s = sizedReg(op.Reg, op.Size)
		case KindMem:
			s = formatMem(op, in.AddrSize)
		case KindImm:
			s = fmt.Sprintf("0x%X", op.Imm)
		case KindRel:
			s = fmt.Sprintf("0x%X", branchTarget(in, eip))
		case KindSeg:
			s = x86SegNames[op.Reg%6]
		case KindCR:
			s = fmt.Sprintf("cr%d", op.Reg)
		case KindDR:
			s = fmt.Sprintf("dr%d", op.Reg)
		case KindFar:
			s = fmt.Sprintf("0x%04X:0x%X", op.Sel, op.Imm)
		case KindST:
			s = fmt.Sprintf("st(%d)", op.Reg)
		default:
			continue
		}
		sb.WriteString(sep)
		sb.WriteString(s)
		sep = ", "
	}
	return sb.String()
}

// disassemble lists count instructions from physical address addr, decoding
// them under mode.
func disassemble(read func(uint32) uint8, addr uint32, count int, mode ExecMode) []DisassembledLine {
	lines := make([]DisassembledLine, 0, count)
	for range count {
		line := DisassembledLine{Address: addr}
		in, err := Decode(memCursor{read: read, addr: addr}, mode)
		if err != nil {
			line.Size = 1
			line.Mnemonic = fmt.Sprintf("db 0x%02X", read(addr))
		} else {
			line.Size = int(in.Len)
			line.Mnemonic = FormatInstruction(&in, addr)
			if hasRel(&in) {
				line.IsBranch = true
				line.BranchTarget = branchTarget(&in, addr)
			}
		}
		hex := make([]string, line.Size)
		for i := range hex {
			hex[i] = fmt.Sprintf("%02X", read(addr+uint32(i)))
		}
		line.HexBytes = strings.Join(hex, " ")
		lines = append(lines, line)
		addr += uint32(line.Size)
	}
	return lines
}

// Disassemble lists count instructions starting at physical address phys in
// the processor's current mode. Branch targets are offsets relative to the
// segment base the code runs under.
func (m *Machine) Disassemble(phys uint32, count int) []DisassembledLine {
	return disassemble(m.bus.Read8, phys, count, m.cpu.Mode())
}

// NewTracer returns a trace hook that writes one line per instruction to w.
func NewTracer(w io.Writer) func(cs uint16, eip uint32, in *Instruction) {
	return func(cs uint16, eip uint32, in *Instruction) {
		fmt.Fprintf(w, "%04X:%08X  %s\n", cs, eip, FormatInstruction(in, eip))
	}
}

// registerFields is the register file as log fields.
func registerFields(c *CPU_X86) logrus.Fields {
	f := logrus.Fields{
		"eip":    fmt.Sprintf("%08X", c.EIP),
		"eflags": fmt.Sprintf("%08X", c.Flags),
		"cr0":    fmt.Sprintf("%08X", c.CR0),
		"cr3":    fmt.Sprintf("%08X", c.CR3),
		"cpl":    c.CPL(),
		"halted": c.Halted,
	}
	for i, r := range [8]uint32{c.EAX, c.ECX, c.EDX, c.EBX, c.ESP, c.EBP, c.ESI, c.EDI} {
		f[x86Reg32[i]] = fmt.Sprintf("%08X", r)
	}
	for i, name := range x86SegNames {
		f[name] = fmt.Sprintf("%04X", c.segs[i].Selector)
	}
	return f
}
