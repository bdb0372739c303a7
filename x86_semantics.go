// x86_semantics.go - Instruction semantics shared by the interpreter and the
// block translator
//
// Each Mnemonic has one entry. exec runs a decoded instruction against the
// CPU with EIP already pointing past it; compile, when present, returns a
// specialised closure for the translator. Both paths produce identical
// architectural results because compile only ever narrows exec.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

// semFn executes one decoded instruction.
type semFn func(c *CPU_X86, in *Instruction)

type semantic struct {
	exec    semFn
	compile func(in *Instruction) semFn
}

var semantics [insCount]semantic

func sem(op Mnemonic, fn semFn) { semantics[op].exec = fn }

// ------------------------------------------------------------------------------
// Operand access
// ------------------------------------------------------------------------------

// effAddr computes the offset of a memory operand.
func (c *CPU_X86) effAddr(op *Operand, addrSize uint8) uint32 {
	a := op.Disp
	if op.Base >= 0 {
		a += *c.regs32[op.Base]
	}
	if op.Index >= 0 {
		a += *c.regs32[op.Index] << op.Scale
	}
	if addrSize == 2 {
		a &= 0xFFFF
	}
	return a
}

func (c *CPU_X86) readOp(in *Instruction, i int) uint32 {
	op := &in.Args[i]
	switch op.Kind {
	case KindReg:
		return c.getReg(op.Reg, op.Size)
	case KindMem:
		return c.readMem(int(op.Seg), c.effAddr(op, in.AddrSize), op.Size)
	case KindImm, KindRel:
		return op.Imm
	case KindSeg:
		return uint32(c.segs[op.Reg].Selector)
	}
	return 0
}

func (c *CPU_X86) writeOp(in *Instruction, i int, v uint32) {
	op := &in.Args[i]
	switch op.Kind {
	case KindReg:
		c.setReg(op.Reg, op.Size, v)
	case KindMem:
		c.writeMem(int(op.Seg), c.effAddr(op, in.AddrSize), op.Size, v)
	}
}

// farPointer reads an m16:16 or m16:32 operand.
func (c *CPU_X86) farPointer(in *Instruction, i int) (uint16, uint32) {
	op := &in.Args[i]
	ea := c.effAddr(op, in.AddrSize)
	off := c.readMem(int(op.Seg), ea, in.OpSize)
	sel := c.readMem(int(op.Seg), (ea+uint32(in.OpSize))&addrMask(in.AddrSize), 2)
	return uint16(sel), off
}

func addrMask(addrSize uint8) uint32 {
	if addrSize == 2 {
		return 0xFFFF
	}
	return 0xFFFFFFFF
}

// jumpNear transfers control inside CS after a limit check.
func (c *CPU_X86) jumpNear(target uint32, opSize uint8) {
	if opSize == 2 {
		target &= 0xFFFF
	}
	if target > c.segs[x86SegCS].Limit {
		c.raiseCode(excGP, 0)
	}
	c.EIP = target
}

// ------------------------------------------------------------------------------
// Arithmetic and logic
// ------------------------------------------------------------------------------

func (c *CPU_X86) alu(op Mnemonic, a, b uint32, size uint8) uint32 {
	var cf uint32
	if c.CF() {
		cf = 1
	}
	switch op {
	case insADD:
		return c.addFlags(a, b, 0, size)
	case insADC:
		return c.addFlags(a, b, cf, size)
	case insSUB, insCMP:
		return c.subFlags(a, b, 0, size)
	case insSBB:
		return c.subFlags(a, b, cf, size)
	case insAND, insTEST:
		a &= b
	case insOR:
		a |= b
	case insXOR:
		a ^= b
	}
	a &= sizeMask(size)
	c.setFlagsLogic(a, size)
	return a
}

func execALU(c *CPU_X86, in *Instruction) {
	r := c.alu(in.Op, c.readOp(in, 0), c.readOp(in, 1), in.Args[0].Size)
	c.writeOp(in, 0, r)
}

func execCompare(c *CPU_X86, in *Instruction) {
	c.alu(in.Op, c.readOp(in, 0), c.readOp(in, 1), in.Args[0].Size)
}

// compileALU specialises register forms, the bulk of hot loop code.
func compileALU(in *Instruction) semFn {
	dst, src := in.Args[0], in.Args[1]
	if dst.Kind != KindReg {
		return nil
	}
	op, size := in.Op, dst.Size
	switch src.Kind {
	case KindReg:
		return func(c *CPU_X86, _ *Instruction) {
			r := c.alu(op, c.getReg(dst.Reg, size), c.getReg(src.Reg, size), size)
			if op != insCMP && op != insTEST {
				c.setReg(dst.Reg, size, r)
			}
		}
	case KindImm:
		imm := src.Imm
		return func(c *CPU_X86, _ *Instruction) {
			r := c.alu(op, c.getReg(dst.Reg, size), imm, size)
			if op != insCMP && op != insTEST {
				c.setReg(dst.Reg, size, r)
			}
		}
	}
	return nil
}

func execINCDEC(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	cf := c.CF()
	v := c.readOp(in, 0)
	if in.Op == insINC {
		v = c.addFlags(v, 1, 0, size)
	} else {
		v = c.subFlags(v, 1, 0, size)
	}
	c.setFlag(x86FlagCF, cf)
	c.writeOp(in, 0, v)
}

func execNOT(c *CPU_X86, in *Instruction) {
	c.writeOp(in, 0, ^c.readOp(in, 0))
}

func execNEG(c *CPU_X86, in *Instruction) {
	v := c.readOp(in, 0)
	r := c.subFlags(0, v, 0, in.Args[0].Size)
	c.setFlag(x86FlagCF, v&sizeMask(in.Args[0].Size) != 0)
	c.writeOp(in, 0, r)
}

// ------------------------------------------------------------------------------
// Data movement
// ------------------------------------------------------------------------------

func execMOV(c *CPU_X86, in *Instruction) {
	v := c.readOp(in, 1)
	if in.Args[1].Kind == KindSeg && in.Args[0].Kind == KindMem {
		// Selector stores are always 16 bits wide.
		c.writeMem(int(in.Args[0].Seg), c.effAddr(&in.Args[0], in.AddrSize), 2, v)
		return
	}
	c.writeOp(in, 0, v)
}

func compileMOV(in *Instruction) semFn {
	dst, src := in.Args[0], in.Args[1]
	if dst.Kind != KindReg {
		return nil
	}
	size := dst.Size
	switch src.Kind {
	case KindReg:
		return func(c *CPU_X86, _ *Instruction) { c.setReg(dst.Reg, size, c.getReg(src.Reg, size)) }
	case KindImm:
		imm := src.Imm
		return func(c *CPU_X86, _ *Instruction) { c.setReg(dst.Reg, size, imm) }
	}
	return nil
}

func execXCHG(c *CPU_X86, in *Instruction) {
	a, b := c.readOp(in, 0), c.readOp(in, 1)
	c.writeOp(in, 0, b)
	c.writeOp(in, 1, a)
}

func execLEA(c *CPU_X86, in *Instruction) {
	c.setReg(in.Args[0].Reg, in.Args[0].Size, c.effAddr(&in.Args[1], in.AddrSize))
}

func execMOVX(c *CPU_X86, in *Instruction) {
	v := c.readOp(in, 1)
	if in.Op == insMOVSX {
		v = signExtend(v, in.Args[1].Size)
	}
	c.setReg(in.Args[0].Reg, in.Args[0].Size, v)
}

func execCBW(c *CPU_X86, in *Instruction) {
	if in.OpSize == 2 {
		c.SetAX(uint16(int16(int8(c.AL()))))
	} else {
		c.EAX = signExtend(c.EAX, 2)
	}
}

func execCWD(c *CPU_X86, in *Instruction) {
	if in.OpSize == 2 {
		c.setReg16(x86RegEDX, uint16(int16(c.AX())>>15))
	} else {
		c.EDX = uint32(int32(c.EAX) >> 31)
	}
}

func execCMOV(c *CPU_X86, in *Instruction) {
	v := c.readOp(in, 1)
	if c.cond(in.Ext) {
		c.setReg(in.Args[0].Reg, in.Args[0].Size, v)
	}
}

func execSETcc(c *CPU_X86, in *Instruction) {
	var v uint32
	if c.cond(in.Ext) {
		v = 1
	}
	c.writeOp(in, 0, v)
}

func execBSWAP(c *CPU_X86, in *Instruction) {
	v := c.getReg32(in.Args[0].Reg)
	c.setReg32(in.Args[0].Reg, v>>24|(v>>8)&0xFF00|(v<<8)&0xFF0000|v<<24)
}

func execXLAT(c *CPU_X86, in *Instruction) {
	seg := x86SegDS
	if in.SegOvr >= 0 {
		seg = int(in.SegOvr)
	}
	off := (c.EBX + uint32(c.AL())) & addrMask(in.AddrSize)
	c.SetAL(c.read8(seg, off))
}

func execLAHF(c *CPU_X86, _ *Instruction) { c.SetAH(byte(c.Flags)) }

func execSAHF(c *CPU_X86, _ *Instruction) {
	m := uint32(x86FlagSF | x86FlagZF | x86FlagAF | x86FlagPF | x86FlagCF)
	c.Flags = c.Flags&^m | uint32(c.AH())&m | x86FlagsFixed
}

func execSALC(c *CPU_X86, _ *Instruction) {
	if c.CF() {
		c.SetAL(0xFF)
	} else {
		c.SetAL(0)
	}
}

// ------------------------------------------------------------------------------
// Stack
// ------------------------------------------------------------------------------

func execPUSH(c *CPU_X86, in *Instruction) {
	c.push(c.readOp(in, 0), in.OpSize)
}

func execPOP(c *CPU_X86, in *Instruction) {
	v := c.pop(in.OpSize)
	c.writeOp(in, 0, v)
}

func execPUSHA(c *CPU_X86, in *Instruction) {
	size := in.OpSize
	sp := c.ESP
	c.checkStackRoom(8 * uint32(size))
	for i := byte(0); i < 8; i++ {
		v := *c.regs32[i]
		if i == x86RegESP {
			v = sp
		}
		c.push(v, size)
	}
}

func execPOPA(c *CPU_X86, in *Instruction) {
	size := in.OpSize
	for i := 7; i >= 0; i-- {
		v := c.pop(size)
		if i != x86RegESP {
			c.setReg(byte(i), size, v)
		}
	}
}

func execPUSHF(c *CPU_X86, in *Instruction) {
	if c.v86() && c.iopl() < 3 {
		c.raiseCode(excGP, 0)
	}
	c.push(c.Flags&^(x86FlagVM|x86FlagRF), in.OpSize)
}

func execPOPF(c *CPU_X86, in *Instruction) {
	if c.v86() && c.iopl() < 3 {
		c.raiseCode(excGP, 0)
	}
	c.setFlagsFromPop(c.pop(in.OpSize), in.OpSize)
}

func execENTER(c *CPU_X86, in *Instruction) {
	size := in.OpSize
	alloc := in.Args[0].Imm & 0xFFFF
	level := in.Args[1].Imm & 31
	bp := c.EBP
	if !c.stack32() {
		bp &= 0xFFFF
	}
	c.push(c.getReg(x86RegEBP, size), size)
	frame := c.stackPtr()
	for i := uint32(1); i < level; i++ {
		bp -= uint32(size)
		if !c.stack32() {
			bp &= 0xFFFF
		}
		c.push(c.readMem(x86SegSS, bp, size), size)
	}
	if level > 0 {
		c.push(frame, size)
	}
	if c.stack32() {
		c.EBP = frame
	} else {
		c.setReg16(x86RegEBP, uint16(frame))
	}
	sp := c.stackPtr() - alloc
	if !c.stack32() {
		sp &= 0xFFFF
	}
	c.checkWrite(x86SegSS, sp, 1)
	c.setStackPtr(sp)
}

func execLEAVE(c *CPU_X86, in *Instruction) {
	if c.stack32() {
		c.ESP = c.EBP
	} else {
		c.setReg16(x86RegESP, uint16(c.EBP))
	}
	c.setReg(x86RegEBP, in.OpSize, c.pop(in.OpSize))
}

// ------------------------------------------------------------------------------
// Control flow
// ------------------------------------------------------------------------------

func execJcc(c *CPU_X86, in *Instruction) {
	if c.cond(in.Ext) {
		c.jumpNear(c.EIP+in.Args[0].Imm, in.OpSize)
	}
}

func compileJcc(in *Instruction) semFn {
	cc, rel, size := in.Ext, in.Args[0].Imm, in.OpSize
	return func(c *CPU_X86, _ *Instruction) {
		if c.cond(cc) {
			c.jumpNear(c.EIP+rel, size)
		}
	}
}

func execJMP(c *CPU_X86, in *Instruction) {
	if in.Args[0].Kind == KindRel {
		c.jumpNear(c.EIP+in.Args[0].Imm, in.OpSize)
		return
	}
	c.jumpNear(c.readOp(in, 0), in.OpSize)
}

func execCALL(c *CPU_X86, in *Instruction) {
	target := c.EIP + in.Args[0].Imm
	if in.Args[0].Kind != KindRel {
		target = c.readOp(in, 0)
	}
	if in.OpSize == 2 {
		target &= 0xFFFF
	}
	if target > c.segs[x86SegCS].Limit {
		c.raiseCode(excGP, 0)
	}
	c.push(c.EIP, in.OpSize)
	c.EIP = target
}

func execRET(c *CPU_X86, in *Instruction) {
	eip := c.pop(in.OpSize)
	if in.NArgs > 0 {
		sp := c.stackPtr() + in.Args[0].Imm
		c.setStackPtr(sp)
	}
	c.jumpNear(eip, in.OpSize)
}

func execJMPF(c *CPU_X86, in *Instruction) {
	if in.Args[0].Kind == KindFar {
		c.farJump(in.Args[0].Sel, in.Args[0].Imm, in.OpSize)
		return
	}
	sel, off := c.farPointer(in, 0)
	c.farJump(sel, off, in.OpSize)
}

func execCALLF(c *CPU_X86, in *Instruction) {
	if in.Args[0].Kind == KindFar {
		c.farCall(in.Args[0].Sel, in.Args[0].Imm, in.OpSize)
		return
	}
	sel, off := c.farPointer(in, 0)
	c.farCall(sel, off, in.OpSize)
}

func execRETF(c *CPU_X86, in *Instruction) {
	var adjust uint32
	if in.NArgs > 0 {
		adjust = in.Args[0].Imm
	}
	c.farReturn(in.OpSize, adjust)
}

// countReg returns the CX/ECX register selected by the address size.
func (c *CPU_X86) countReg(addrSize uint8) uint32 { return c.ECX & addrMask(addrSize) }

func (c *CPU_X86) setCountReg(addrSize uint8, v uint32) {
	if addrSize == 2 {
		c.setReg16(x86RegECX, uint16(v))
	} else {
		c.ECX = v
	}
}

func execLOOP(c *CPU_X86, in *Instruction) {
	n := (c.countReg(in.AddrSize) - 1) & addrMask(in.AddrSize)
	c.setCountReg(in.AddrSize, n)
	take := n != 0
	switch in.Op {
	case insLOOPE:
		take = take && c.ZF()
	case insLOOPNE:
		take = take && !c.ZF()
	}
	if take {
		c.jumpNear(c.EIP+in.Args[0].Imm, in.OpSize)
	}
}

func execJCXZ(c *CPU_X86, in *Instruction) {
	if c.countReg(in.AddrSize) == 0 {
		c.jumpNear(c.EIP+in.Args[0].Imm, in.OpSize)
	}
}

// softInt enters a software interrupt. A fault during delivery is reported
// against the INT instruction itself.
func (c *CPU_X86) softInt(vector uint8, source int) {
	if exc := c.tryDeliver(vector, source, 0, false); exc != nil {
		panic(exc)
	}
}

func execINT(c *CPU_X86, in *Instruction) {
	if c.v86() && c.iopl() < 3 {
		c.raiseCode(excGP, 0)
	}
	c.softInt(uint8(in.Args[0].Imm), intSoftware)
}

func execINT3(c *CPU_X86, _ *Instruction) { c.softInt(excBP, intSoftware) }

func execINTO(c *CPU_X86, _ *Instruction) {
	if c.OF() {
		c.softInt(excOF, intSoftware)
	}
}

func execINT1(c *CPU_X86, _ *Instruction) { c.softInt(excDB, intException) }

func execIRET(c *CPU_X86, in *Instruction) { c.iret(in.OpSize) }

func execBOUND(c *CPU_X86, in *Instruction) {
	size := in.OpSize
	op := &in.Args[1]
	ea := c.effAddr(op, in.AddrSize)
	lo := int32(signExtend(c.readMem(int(op.Seg), ea, size), size))
	hi := int32(signExtend(c.readMem(int(op.Seg), (ea+uint32(size))&addrMask(in.AddrSize), size), size))
	idx := int32(signExtend(c.getReg(in.Args[0].Reg, size), size))
	if idx < lo || idx > hi {
		c.raise(excBR)
	}
}

// ------------------------------------------------------------------------------
// Flag instructions
// ------------------------------------------------------------------------------

func execCLC(c *CPU_X86, _ *Instruction) { c.Flags &^= x86FlagCF }
func execSTC(c *CPU_X86, _ *Instruction) { c.Flags |= x86FlagCF }
func execCMC(c *CPU_X86, _ *Instruction) { c.Flags ^= x86FlagCF }
func execCLD(c *CPU_X86, _ *Instruction) { c.Flags &^= x86FlagDF }
func execSTD(c *CPU_X86, _ *Instruction) { c.Flags |= x86FlagDF }

// ifAllowed enforces the IOPL check shared by CLI and STI.
func (c *CPU_X86) ifAllowed() {
	if c.v86() && c.iopl() < 3 {
		c.raiseCode(excGP, 0)
	}
	if c.protected() && !c.v86() && c.CPL() > c.iopl() {
		c.raiseCode(excGP, 0)
	}
}

func execCLI(c *CPU_X86, _ *Instruction) {
	c.ifAllowed()
	c.Flags &^= x86FlagIF
}

func execSTI(c *CPU_X86, _ *Instruction) {
	c.ifAllowed()
	if !c.IF() {
		c.intShadow = true
	}
	c.Flags |= x86FlagIF
}

func execNOP(*CPU_X86, *Instruction) {}

func init() {
	for _, op := range []Mnemonic{insADD, insOR, insADC, insSBB, insAND, insSUB, insXOR} {
		semantics[op] = semantic{exec: execALU, compile: compileALU}
	}
	semantics[insCMP] = semantic{exec: execCompare, compile: compileALU}
	semantics[insTEST] = semantic{exec: execCompare, compile: compileALU}
	semantics[insMOV] = semantic{exec: execMOV, compile: compileMOV}
	semantics[insJcc] = semantic{exec: execJcc, compile: compileJcc}

	sem(insINC, execINCDEC)
	sem(insDEC, execINCDEC)
	sem(insNOT, execNOT)
	sem(insNEG, execNEG)
	sem(insXCHG, execXCHG)
	sem(insLEA, execLEA)
	sem(insMOVZX, execMOVX)
	sem(insMOVSX, execMOVX)
	sem(insCBW, execCBW)
	sem(insCWD, execCWD)
	sem(insCMOV, execCMOV)
	sem(insSETcc, execSETcc)
	sem(insBSWAP, execBSWAP)
	sem(insXLAT, execXLAT)
	sem(insLAHF, execLAHF)
	sem(insSAHF, execSAHF)
	sem(insSALC, execSALC)
	sem(insPUSH, execPUSH)
	sem(insPOP, execPOP)
	sem(insPUSHA, execPUSHA)
	sem(insPOPA, execPOPA)
	sem(insPUSHF, execPUSHF)
	sem(insPOPF, execPOPF)
	sem(insENTER, execENTER)
	sem(insLEAVE, execLEAVE)
	sem(insJMP, execJMP)
	sem(insCALL, execCALL)
	sem(insRET, execRET)
	sem(insJMPF, execJMPF)
	sem(insCALLF, execCALLF)
	sem(insRETF, execRETF)
	sem(insLOOP, execLOOP)
	sem(insLOOPE, execLOOP)
	sem(insLOOPNE, execLOOP)
	sem(insJCXZ, execJCXZ)
	sem(insINT, execINT)
	sem(insINT3, execINT3)
	sem(insINTO, execINTO)
	sem(insINT1, execINT1)
	sem(insIRET, execIRET)
	sem(insBOUND, execBOUND)
	sem(insCLC, execCLC)
	sem(insSTC, execSTC)
	sem(insCMC, execCMC)
	sem(insCLD, execCLD)
	sem(insSTD, execSTD)
	sem(insCLI, execCLI)
	sem(insSTI, execSTI)
	sem(insNOP, execNOP)
}
