// x86_decoder.go - IA-32 instruction decoder
//
// Turns a byte stream into an immutable Instruction record. The decoder is
// pure: the same bytes under the same mode always produce an identical record,
// which is what lets the interpreter and the block translator share it.
//
// Handles:
// - Prefix chains (segment, operand size, address size, LOCK, REP/REPNE)
// - One-byte and 0F two-byte maps, groups 1-9, x87 escapes
// - 16- and 32-bit ModR/M and SIB addressing
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

// ByteCursor supplies instruction bytes relative to the instruction start.
// Fetch returns an *Exception when the byte cannot be read (#PF, #GP).
type ByteCursor interface {
	Fetch(i int) (byte, error)
}

// OperandKind tells how an operand is accessed.
type OperandKind uint8

const (
	KindNone OperandKind = iota
	KindReg
	KindMem
	KindImm
	KindRel
	KindSeg
	KindCR
	KindDR
	KindFar    // ptr16:16/32 immediate, Sel:Imm
	KindST     // x87 stack register ST(Reg)
	KindString // implicit string operand, only Size is meaningful
)

// Operand is one decoded operand.
type Operand struct {
	Kind  OperandKind
	Size  uint8 // bytes
	Reg   uint8
	Base  int8 // -1: none
	Index int8 // -1: none
	Scale uint8
	Seg   uint8 // effective segment for memory operands
	Disp  uint32
	Imm   uint32
	Sel   uint16
}

// InstFlags classify an instruction for the execution engines.
type InstFlags uint16

const (
	// FlagInterp marks instructions with side effects that must run through
	// the interpreter entry even inside translated blocks.
	FlagInterp InstFlags = 1 << iota
	// FlagTerminator ends a translated block after this instruction.
	FlagTerminator
	// FlagMayFault is set when execution can raise an exception.
	FlagMayFault
	// FlagPrivileged instructions require CPL 0.
	FlagPrivileged
	// FlagModRM records that a ModR/M byte was consumed.
	FlagModRM
)

// Repeat prefixes
const (
	RepNone = iota
	RepE    // F3: REP/REPE
	RepNE   // F2: REPNE
)

// Instruction is a fully decoded instruction.
type Instruction struct {
	Op       Mnemonic
	Opcode   uint16 // one-byte opcode, or 0x0F00|second byte
	Ext      uint8  // ModR/M reg field for groups, condition code for cc forms
	ModRM    uint8
	Args     [3]Operand
	NArgs    uint8
	OpSize   uint8 // 2 or 4
	AddrSize uint8 // 2 or 4
	SegOvr   int8  // -1 when no override
	Rep      uint8
	Lock     bool
	Len      uint8
	Flags    InstFlags
}

// Interp reports whether the instruction must always be interpreted.
func (in Instruction) Interp() bool { return in.Flags&FlagInterp != 0 }

// Terminates reports whether the instruction ends a translated block.
func (in Instruction) Terminates() bool { return in.Flags&FlagTerminator != 0 }

// MayFault reports whether executing the instruction can raise an exception.
func (in Instruction) MayFault() bool { return in.Flags&FlagMayFault != 0 }

// DataSize returns the size of the instruction's primary operand.
func (in *Instruction) DataSize() uint8 {
	if in.NArgs > 0 && in.Args[0].Size != 0 {
		return in.Args[0].Size
	}
	return in.OpSize
}

const maxInstLen = 15

type decoder struct {
	cur ByteCursor
	pos int
	err error
}

func (d *decoder) next() byte {
	if d.err != nil {
		return 0
	}
	if d.pos >= maxInstLen {
		d.err = &Exception{Vector: excGP, HasError: true}
		return 0
	}
	b, err := d.cur.Fetch(d.pos)
	if err != nil {
		d.err = err
		return 0
	}
	d.pos++
	return b
}

func (d *decoder) imm(size uint8) uint32 {
	switch size {
	case 1:
		return uint32(d.next())
	case 2:
		lo := d.next()
		return uint32(lo) | uint32(d.next())<<8
	}
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(d.next()) << (8 * i)
	}
	return v
}

func undefined() error { return &Exception{Vector: excUD} }

// Decode decodes one instruction under mode.
func Decode(cur ByteCursor, mode ExecMode) (Instruction, error) {
	d := decoder{cur: cur}
	in := Instruction{SegOvr: -1}
	opSize, addrSize := uint8(2), uint8(2)
	if mode.Code32() {
		opSize, addrSize = 4, 4
	}

	var b byte
prefixes:
	for {
		b = d.next()
		if d.err != nil {
			return in, d.err
		}
		switch b {
		case 0x26:
			in.SegOvr = x86SegES
		case 0x2E:
			in.SegOvr = x86SegCS
		case 0x36:
			in.SegOvr = x86SegSS
		case 0x3E:
			in.SegOvr = x86SegDS
		case 0x64:
			in.SegOvr = x86SegFS
		case 0x65:
			in.SegOvr = x86SegGS
		case 0x66:
			opSize = 6 - opSize
		case 0x67:
			addrSize = 6 - addrSize
		case 0xF0:
			in.Lock = true
		case 0xF2:
			in.Rep = RepNE
		case 0xF3:
			in.Rep = RepE
		default:
			break prefixes
		}
	}
	in.OpSize, in.AddrSize = opSize, addrSize

	entry := &oneByteMap[b]
	in.Opcode = uint16(b)
	if b == 0x0F {
		b2 := d.next()
		if d.err != nil {
			return in, d.err
		}
		entry = &twoByteMap[b2]
		in.Opcode = 0x0F00 | uint16(b2)
	}

	needModRM := entry.group != nil || entry.modrm
	var modrm byte
	if needModRM {
		modrm = d.next()
		if d.err != nil {
			return in, d.err
		}
		in.ModRM = modrm
		in.Flags |= FlagModRM
		if entry.group != nil {
			entry = &entry.group[(modrm>>3)&7]
		}
	}
	if entry.op == insInvalid {
		return in, undefined()
	}
	in.Op = entry.op
	in.Ext = entry.ext
	in.Flags |= entry.flags
	if entry.op == insFPU {
		return d.finishFPU(in, b, modrm)
	}

	var ea Operand
	haveEA := false
	decodeEA := func() {
		if !haveEA {
			ea = d.modrmEA(modrm, addrSize, in.SegOvr)
			haveEA = true
		}
	}

	for i, spec := range entry.args {
		if spec == argNone {
			break
		}
		op := Operand{Base: -1, Index: -1}
		sz := spec.size(opSize)
		switch spec {
		case argEb, argEw, argEd, argEv:
			if modrm>>6 == 3 {
				op.Kind, op.Reg = KindReg, modrm&7
			} else {
				decodeEA()
				op = ea
			}
			op.Size = sz
		case argM, argMp, argMa, argMq, argMs:
			if modrm>>6 == 3 {
				return in, undefined()
			}
			decodeEA()
			op = ea
			op.Size = sz
		case argGb, argGw, argGd, argGv:
			op.Kind, op.Reg, op.Size = KindReg, (modrm>>3)&7, sz
		case argRd:
			op.Kind, op.Reg, op.Size = KindReg, modrm&7, 4
		case argCd:
			op.Kind, op.Reg, op.Size = KindCR, (modrm>>3)&7, 4
		case argDd:
			op.Kind, op.Reg, op.Size = KindDR, (modrm>>3)&7, 4
		case argSw:
			r := (modrm >> 3) & 7
			if r > 5 {
				return in, undefined()
			}
			op.Kind, op.Reg, op.Size = KindSeg, r, 2
		case argIb, argIw, argIv:
			op.Kind, op.Size = KindImm, sz
			op.Imm = d.imm(sz)
		case argIbs:
			op.Kind, op.Size = KindImm, opSize
			op.Imm = signExtend(uint32(d.next()), 1) & sizeMask(opSize)
		case argJb:
			op.Kind, op.Size = KindRel, opSize
			op.Imm = signExtend(uint32(d.next()), 1)
		case argJz:
			op.Kind, op.Size = KindRel, opSize
			op.Imm = signExtend(d.imm(opSize), opSize)
		case argAp:
			op.Kind, op.Size = KindFar, opSize
			op.Imm = d.imm(opSize)
			op.Sel = uint16(d.imm(2))
		case argOb, argOv:
			op.Kind, op.Size = KindMem, sz
			op.Disp = d.imm(addrSize)
			op.Seg = x86SegDS
			if in.SegOvr >= 0 {
				op.Seg = uint8(in.SegOvr)
			}
		case argZb, argZw, argZv, argZd:
			op.Kind, op.Reg, op.Size = KindReg, byte(in.Opcode)&7, sz
		case argAL, argAX, argEAX:
			op.Kind, op.Reg, op.Size = KindReg, x86RegEAX, sz
		case argCL:
			op.Kind, op.Reg, op.Size = KindReg, x86RegECX, 1
		case argDX:
			op.Kind, op.Reg, op.Size = KindReg, x86RegEDX, 2
		case argOne:
			op.Kind, op.Size, op.Imm = KindImm, 1, 1
		case argES, argCS, argSS, argDS, argFS, argGS:
			op.Kind, op.Reg, op.Size = KindSeg, uint8(spec-argES), 2
		case argXb, argXv:
			op.Kind, op.Size = KindString, sz
		case argST0:
			op.Kind, op.Reg = KindST, 0
		case argSTi:
			op.Kind, op.Reg = KindST, modrm&7
		}
		if d.err != nil {
			return in, d.err
		}
		in.Args[i] = op
		in.NArgs++
	}

	if d.err != nil {
		return in, d.err
	}
	in.Len = uint8(d.pos)
	in.Flags |= classify86(&in)
	return in, nil
}

// modrmEA decodes the memory form of a ModR/M byte (mod != 3).
func (d *decoder) modrmEA(modrm byte, addrSize uint8, segOvr int8) Operand {
	op := Operand{Kind: KindMem, Base: -1, Index: -1, Seg: x86SegDS}
	mod := modrm >> 6
	rm := modrm & 7

	if addrSize == 2 {
		switch rm {
		case 0: // [BX+SI]
			op.Base, op.Index = x86RegEBX, x86RegESI
		case 1: // [BX+DI]
			op.Base, op.Index = x86RegEBX, x86RegEDI
		case 2: // [BP+SI]
			op.Base, op.Index, op.Seg = x86RegEBP, x86RegESI, x86SegSS
		case 3: // [BP+DI]
			op.Base, op.Index, op.Seg = x86RegEBP, x86RegEDI, x86SegSS
		case 4: // [SI]
			op.Base = x86RegESI
		case 5: // [DI]
			op.Base = x86RegEDI
		case 6: // [BP] or [disp16]
			if mod != 0 {
				op.Base, op.Seg = x86RegEBP, x86SegSS
			}
		case 7: // [BX]
			op.Base = x86RegEBX
		}
		switch {
		case mod == 0 && rm == 6:
			op.Disp = d.imm(2)
		case mod == 1:
			op.Disp = signExtend(uint32(d.next()), 1) & 0xFFFF
		case mod == 2:
			op.Disp = d.imm(2)
		}
	} else {
		if rm == 4 {
			sib := d.next()
			scale := sib >> 6
			index := (sib >> 3) & 7
			base := sib & 7
			if index != 4 {
				op.Index = int8(index)
				op.Scale = scale
			}
			if base == 5 && mod == 0 {
				op.Disp = d.imm(4)
			} else {
				op.Base = int8(base)
				if base == x86RegESP || base == x86RegEBP {
					op.Seg = x86SegSS
				}
			}
		} else if rm == 5 && mod == 0 {
			op.Disp = d.imm(4)
		} else {
			op.Base = int8(rm)
			if rm == x86RegEBP {
				op.Seg = x86SegSS
			}
		}
		switch mod {
		case 1:
			op.Disp += signExtend(uint32(d.next()), 1)
		case 2:
			op.Disp += d.imm(4)
		}
	}
	if segOvr >= 0 {
		op.Seg = uint8(segOvr)
	}
	return op
}

// classify86 derives the fault and write flags from the decoded operands.
func classify86(in *Instruction) InstFlags {
	for i := 0; i < int(in.NArgs); i++ {
		switch in.Args[i].Kind {
		case KindMem, KindString:
			return FlagMayFault
		}
	}
	return 0
}

// finishFPU completes an x87 escape. Ext carries the low three opcode bits and
// the ModR/M reg field as (opcode&7)<<3 | reg.
func (d *decoder) finishFPU(in Instruction, b byte, modrm byte) (Instruction, error) {
	in.Ext = (b&7)<<3 | (modrm>>3)&7
	op := Operand{Kind: KindST, Reg: modrm & 7, Base: -1, Index: -1}
	if modrm>>6 != 3 {
		op = d.modrmEA(modrm, in.AddrSize, in.SegOvr)
		in.Flags |= FlagMayFault
	}
	if d.err != nil {
		return in, d.err
	}
	in.Args[0] = op
	in.NArgs = 1
	in.Len = uint8(d.pos)
	return in, nil
}
