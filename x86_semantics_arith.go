// x86_semantics_arith.go - Shifts, multiply/divide, bit operations and BCD
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "math/bits"

// shiftRotate applies a group 2 operation to a value of size bytes. A masked
// count of zero leaves value and flags untouched.
func (c *CPU_X86) shiftRotate(op Mnemonic, val, count uint32, size uint8) uint32 {
	count &= 0x1F
	if count == 0 {
		return val
	}
	width := uint32(size) * 8
	m := sizeMask(size)
	sb := signBit(size)
	val &= m

	var r uint32
	switch op {
	case insROL:
		n := count % width
		r = (val<<n | val>>(width-n)) & m
		c.setFlag(x86FlagCF, r&1 != 0)
		c.setFlag(x86FlagOF, (r&sb != 0) != (r&1 != 0))
		return r
	case insROR:
		n := count % width
		r = (val>>n | val<<(width-n)) & m
		c.setFlag(x86FlagCF, r&sb != 0)
		c.setFlag(x86FlagOF, (r&sb != 0) != (r&(sb>>1) != 0))
		return r
	case insRCL:
		cf := c.CF()
		r = val
		for n := count % (width + 1); n > 0; n-- {
			out := r&sb != 0
			r = (r << 1) & m
			if cf {
				r |= 1
			}
			cf = out
		}
		c.setFlag(x86FlagCF, cf)
		c.setFlag(x86FlagOF, (r&sb != 0) != cf)
		return r
	case insRCR:
		cf := c.CF()
		c.setFlag(x86FlagOF, (val&sb != 0) != cf)
		r = val
		for n := count % (width + 1); n > 0; n-- {
			out := r&1 != 0
			r >>= 1
			if cf {
				r |= sb
			}
			cf = out
		}
		c.setFlag(x86FlagCF, cf)
		return r
	case insSHL:
		cf := count <= width && (val>>(width-count))&1 != 0
		r = (val << count) & m
		c.setFlag(x86FlagCF, cf)
		c.setFlag(x86FlagOF, (r&sb != 0) != cf)
	case insSHR:
		c.setFlag(x86FlagCF, (val>>(count-1))&1 != 0)
		c.setFlag(x86FlagOF, val&sb != 0)
		r = val >> count
	case insSAR:
		sv := int32(signExtend(val, size))
		if count >= width {
			count = width
		}
		c.setFlag(x86FlagCF, (sv>>(count-1))&1 != 0)
		c.setFlag(x86FlagOF, false)
		r = uint32(sv>>count) & m
	}
	c.Flags &^= x86FlagAF
	c.setFlagsSZP(r, size)
	return r
}

func execShift(c *CPU_X86, in *Instruction) {
	v := c.readOp(in, 0)
	c.writeOp(in, 0, c.shiftRotate(in.Op, v, c.readOp(in, 1), in.Args[0].Size))
}

func execSHxD(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	count := c.readOp(in, 2) & 0x1F
	dst := c.readOp(in, 0)
	if count == 0 {
		return
	}
	src := c.readOp(in, 1)
	width := uint32(size) * 8
	m := sizeMask(size)
	var r uint32
	var cf bool
	if in.Op == insSHLD {
		w := uint64(dst&m)<<width | uint64(src&m)
		r = uint32((w<<count)>>width) & m
		cf = (w>>(2*width-count))&1 != 0
	} else {
		w := uint64(src&m)<<width | uint64(dst&m)
		r = uint32(w>>count) & m
		cf = (w>>(count-1))&1 != 0
	}
	c.setFlag(x86FlagCF, cf)
	c.setFlag(x86FlagOF, (r^dst)&signBit(size) != 0)
	c.setFlagsSZP(r, size)
	c.writeOp(in, 0, r)
}

// ------------------------------------------------------------------------------
// Multiply and divide
// ------------------------------------------------------------------------------

func execMUL(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	src := uint64(c.readOp(in, 0))
	var hi uint32
	switch size {
	case 1:
		r := uint16(uint64(c.AL()) * src)
		c.SetAX(r)
		hi = uint32(r >> 8)
		c.setFlagsSZP(uint32(r), 1)
	case 2:
		r := uint32(uint64(c.AX()) * src)
		c.SetAX(uint16(r))
		c.setReg16(x86RegEDX, uint16(r>>16))
		hi = r >> 16
		c.setFlagsSZP(r, 2)
	default:
		r := uint64(c.EAX) * src
		c.EAX, c.EDX = uint32(r), uint32(r>>32)
		hi = c.EDX
		c.setFlagsSZP(c.EAX, 4)
	}
	c.setFlag(x86FlagCF, hi != 0)
	c.setFlag(x86FlagOF, hi != 0)
}

func execIMUL1(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	src := int64(int32(signExtend(c.readOp(in, 0), size)))
	var overflow bool
	switch size {
	case 1:
		r := int64(int8(c.AL())) * src
		c.SetAX(uint16(r))
		overflow = r != int64(int8(r))
		c.setFlagsSZP(uint32(r), 1)
	case 2:
		r := int64(int16(c.AX())) * src
		c.SetAX(uint16(r))
		c.setReg16(x86RegEDX, uint16(r>>16))
		overflow = r != int64(int16(r))
		c.setFlagsSZP(uint32(r), 2)
	default:
		r := int64(int32(c.EAX)) * src
		c.EAX, c.EDX = uint32(r), uint32(uint64(r)>>32)
		overflow = r != int64(int32(r))
		c.setFlagsSZP(c.EAX, 4)
	}
	c.setFlag(x86FlagCF, overflow)
	c.setFlag(x86FlagOF, overflow)
}

// execIMULn covers the two and three operand forms.
func execIMULn(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	var a, b uint32
	if in.Op == insIMUL2 {
		a, b = c.readOp(in, 0), c.readOp(in, 1)
	} else {
		a, b = c.readOp(in, 1), c.readOp(in, 2)
	}
	r := int64(int32(signExtend(a, size))) * int64(int32(signExtend(b, size)))
	res := uint32(r) & sizeMask(size)
	overflow := r != int64(int32(signExtend(res, size)))
	c.setFlag(x86FlagCF, overflow)
	c.setFlag(x86FlagOF, overflow)
	c.setFlagsSZP(res, size)
	c.setReg(in.Args[0].Reg, size, res)
}

func execDIV(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	d := uint64(c.readOp(in, 0))
	if d == 0 {
		c.raise(excDE)
	}
	switch size {
	case 1:
		n := uint64(c.AX())
		q, r := n/d, n%d
		if q > 0xFF {
			c.raise(excDE)
		}
		c.SetAL(byte(q))
		c.SetAH(byte(r))
	case 2:
		n := uint64(c.DX())<<16 | uint64(c.AX())
		q, r := n/d, n%d
		if q > 0xFFFF {
			c.raise(excDE)
		}
		c.SetAX(uint16(q))
		c.setReg16(x86RegEDX, uint16(r))
	default:
		if uint64(c.EDX) >= d {
			c.raise(excDE)
		}
		q, r := bits.Div32(c.EDX, c.EAX, uint32(d))
		c.EAX, c.EDX = q, r
	}
}

func execIDIV(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	d := int64(int32(signExtend(c.readOp(in, 0), size)))
	if d == 0 {
		c.raise(excDE)
	}
	switch size {
	case 1:
		n := int64(int16(c.AX()))
		q, r := n/d, n%d
		if q != int64(int8(q)) {
			c.raise(excDE)
		}
		c.SetAL(byte(q))
		c.SetAH(byte(r))
	case 2:
		n := int64(int32(uint32(c.DX())<<16 | uint32(c.AX())))
		q, r := n/d, n%d
		if q != int64(int16(q)) {
			c.raise(excDE)
		}
		c.SetAX(uint16(q))
		c.setReg16(x86RegEDX, uint16(r))
	default:
		n := int64(uint64(c.EDX)<<32 | uint64(c.EAX))
		if n == -1<<63 && d == -1 {
			c.raise(excDE)
		}
		q, r := n/d, n%d
		if q != int64(int32(q)) {
			c.raise(excDE)
		}
		c.EAX, c.EDX = uint32(q), uint32(r)
	}
}

// ------------------------------------------------------------------------------
// Bit operations
// ------------------------------------------------------------------------------

func execBitTest(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	width := uint32(size) * 8
	off := c.readOp(in, 1)
	dst := &in.Args[0]

	if dst.Kind == KindMem && in.Args[1].Kind == KindReg {
		// Register bit offsets address a bit string beyond the operand.
		s := int32(signExtend(off, size))
		ea := c.effAddr(dst, in.AddrSize)
		ea = (ea + uint32((s>>bits.TrailingZeros32(width))*int32(size))) & addrMask(in.AddrSize)
		bit := uint32(s) & (width - 1)
		v := c.readMem(int(dst.Seg), ea, size)
		c.setFlag(x86FlagCF, v>>bit&1 != 0)
		if nv, ok := bitUpdate(in.Op, v, bit); ok {
			c.writeMem(int(dst.Seg), ea, size, nv)
		}
		return
	}
	bit := off & (width - 1)
	v := c.readOp(in, 0)
	c.setFlag(x86FlagCF, v>>bit&1 != 0)
	if nv, ok := bitUpdate(in.Op, v, bit); ok {
		c.writeOp(in, 0, nv)
	}
}

func bitUpdate(op Mnemonic, v, bit uint32) (uint32, bool) {
	switch op {
	case insBTS:
		return v | 1<<bit, true
	case insBTR:
		return v &^ (1 << bit), true
	case insBTC:
		return v ^ 1<<bit, true
	}
	return v, false
}

func execBSF(c *CPU_X86, in *Instruction) {
	v := c.readOp(in, 1) & sizeMask(in.Args[1].Size)
	if v == 0 {
		c.Flags |= x86FlagZF
		return
	}
	c.Flags &^= x86FlagZF
	idx := uint32(bits.TrailingZeros32(v))
	if in.Op == insBSR {
		idx = uint32(31 - bits.LeadingZeros32(v))
	}
	c.setReg(in.Args[0].Reg, in.Args[0].Size, idx)
}

// ------------------------------------------------------------------------------
// Atomic forms
// ------------------------------------------------------------------------------

func execCMPXCHG(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	dst := c.readOp(in, 0)
	acc := c.getReg(x86RegEAX, size)
	c.subFlags(acc, dst, 0, size)
	if c.ZF() {
		c.writeOp(in, 0, c.readOp(in, 1))
		return
	}
	// The destination is written back even when the compare fails.
	c.writeOp(in, 0, dst)
	c.setReg(x86RegEAX, size, dst)
}

func execCMPXCHG8B(c *CPU_X86, in *Instruction) {
	op := &in.Args[0]
	seg := int(op.Seg)
	ea := c.effAddr(op, in.AddrSize)
	hiOff := (ea + 4) & addrMask(in.AddrSize)
	lo := c.readMem(seg, ea, 4)
	hi := c.readMem(seg, hiOff, 4)
	c.checkWrite(seg, ea, 4)
	c.checkWrite(seg, hiOff, 4)
	if lo == c.EAX && hi == c.EDX {
		c.writeMem(seg, ea, 4, c.EBX)
		c.writeMem(seg, hiOff, 4, c.ECX)
		c.Flags |= x86FlagZF
		return
	}
	c.writeMem(seg, ea, 4, lo)
	c.writeMem(seg, hiOff, 4, hi)
	c.EAX, c.EDX = lo, hi
	c.Flags &^= x86FlagZF
}

func execXADD(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	dst := c.readOp(in, 0)
	src := c.readOp(in, 1)
	sum := c.addFlags(dst, src, 0, size)
	c.setReg(in.Args[1].Reg, size, dst)
	c.writeOp(in, 0, sum)
}

// ------------------------------------------------------------------------------
// BCD
// ------------------------------------------------------------------------------

func execDAA(c *CPU_X86, _ *Instruction) {
	al, cf := c.AL(), c.CF()
	c.Flags &^= x86FlagCF
	if al&0x0F > 9 || c.AF() {
		c.SetAL(c.AL() + 6)
		c.setFlag(x86FlagCF, cf || al > 0xF9)
		c.Flags |= x86FlagAF
	} else {
		c.Flags &^= x86FlagAF
	}
	if al > 0x99 || cf {
		c.SetAL(c.AL() + 0x60)
		c.Flags |= x86FlagCF
	}
	c.setFlagsSZP(uint32(c.AL()), 1)
}

func execDAS(c *CPU_X86, _ *Instruction) {
	al, cf := c.AL(), c.CF()
	c.Flags &^= x86FlagCF
	if al&0x0F > 9 || c.AF() {
		c.SetAL(c.AL() - 6)
		c.setFlag(x86FlagCF, cf || al < 6)
		c.Flags |= x86FlagAF
	} else {
		c.Flags &^= x86FlagAF
	}
	if al > 0x99 || cf {
		c.SetAL(c.AL() - 0x60)
		c.Flags |= x86FlagCF
	}
	c.setFlagsSZP(uint32(c.AL()), 1)
}

func execAAA(c *CPU_X86, in *Instruction) {
	adjust := c.AL()&0x0F > 9 || c.AF()
	if adjust {
		if in.Op == insAAA {
			c.SetAL(c.AL() + 6)
			c.SetAH(c.AH() + 1)
		} else {
			c.SetAL(c.AL() - 6)
			c.SetAH(c.AH() - 1)
		}
	}
	c.setFlag(x86FlagAF, adjust)
	c.setFlag(x86FlagCF, adjust)
	c.SetAL(c.AL() & 0x0F)
}

func execAAM(c *CPU_X86, in *Instruction) {
	base := byte(in.Args[0].Imm)
	if base == 0 {
		c.raise(excDE)
	}
	al := c.AL()
	c.SetAH(al / base)
	c.SetAL(al % base)
	c.setFlagsSZP(uint32(c.AL()), 1)
}

func execAAD(c *CPU_X86, in *Instruction) {
	base := byte(in.Args[0].Imm)
	c.SetAL(c.AL() + c.AH()*base)
	c.SetAH(0)
	c.setFlagsSZP(uint32(c.AL()), 1)
}

func init() {
	for _, op := range []Mnemonic{insROL, insROR, insRCL, insRCR, insSHL, insSHR, insSAR} {
		sem(op, execShift)
	}
	sem(insSHLD, execSHxD)
	sem(insSHRD, execSHxD)
	sem(insMUL, execMUL)
	sem(insIMUL1, execIMUL1)
	sem(insIMUL2, execIMULn)
	sem(insIMUL3, execIMULn)
	sem(insDIV, execDIV)
	sem(insIDIV, execIDIV)
	for _, op := range []Mnemonic{insBT, insBTS, insBTR, insBTC} {
		sem(op, execBitTest)
	}
	sem(insBSF, execBSF)
	sem(insBSR, execBSF)
	sem(insCMPXCHG, execCMPXCHG)
	sem(insCMPXCHG8B, execCMPXCHG8B)
	sem(insXADD, execXADD)
	sem(insDAA, execDAA)
	sem(insDAS, execDAS)
	sem(insAAA, execAAA)
	sem(insAAS, execAAA)
	sem(insAAM, execAAM)
	sem(insAAD, execAAD)
}
