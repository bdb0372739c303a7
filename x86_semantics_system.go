// x86_semantics_system.go - Segment loads, system registers and identification
//
// Everything here runs through the interpreter entry: these instructions
// change the execution mode, the paging structures or the descriptor caches
// that translated blocks were keyed on.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

// CPUID feature bits reported in EDX for leaf 1.
const (
	cpuidFPU  = 1 << 0
	cpuidVME  = 1 << 1
	cpuidDE   = 1 << 2
	cpuidPSE  = 1 << 3
	cpuidTSC  = 1 << 4
	cpuidMSR  = 1 << 5
	cpuidMCE  = 1 << 7
	cpuidCX8  = 1 << 8
	cpuidCMOV = 1 << 15
)

func (c *CPU_X86) requireProtected() {
	if !c.protected() || c.v86() {
		c.raise(excUD)
	}
}

func execMOVSeg(c *CPU_X86, in *Instruction) {
	seg := int(in.Args[0].Reg)
	if seg == x86SegCS {
		c.raise(excUD)
	}
	if in.NArgs == 1 {
		// POP Sreg
		sp := c.stackPtr()
		sel := uint16(c.peek(0, in.OpSize))
		c.loadSeg(seg, sel)
		c.setStackPtr(sp + uint32(in.OpSize))
	} else {
		c.loadSeg(seg, uint16(c.readOp(in, 1)))
	}
	if seg == x86SegSS {
		c.intShadow = true
	}
}

var farLoadSeg = map[Mnemonic]int{
	insLES: x86SegES, insLDS: x86SegDS, insLSS: x86SegSS, insLFS: x86SegFS, insLGS: x86SegGS,
}

func execLxS(c *CPU_X86, in *Instruction) {
	sel, off := c.farPointer(in, 1)
	c.loadSeg(farLoadSeg[in.Op], sel)
	c.setReg(in.Args[0].Reg, in.OpSize, off)
}

func execHLT(c *CPU_X86, _ *Instruction) { c.Halted = true }

func execUD2(c *CPU_X86, _ *Instruction) { c.raise(excUD) }

// ------------------------------------------------------------------------------
// Descriptor tables
// ------------------------------------------------------------------------------

func execSGDT(c *CPU_X86, in *Instruction) {
	t := c.GDTR
	if in.Op == insSIDT {
		t = c.IDTR
	}
	op := &in.Args[0]
	ea := c.effAddr(op, in.AddrSize)
	base := t.Base
	if in.OpSize == 2 {
		base &= 0x00FFFFFF
	}
	hi := (ea + 2) & addrMask(in.AddrSize)
	c.checkWrite(int(op.Seg), ea, 2)
	c.checkWrite(int(op.Seg), hi, 4)
	c.writeMem(int(op.Seg), ea, 2, uint32(t.Limit))
	c.writeMem(int(op.Seg), hi, 4, base)
}

func execLGDT(c *CPU_X86, in *Instruction) {
	op := &in.Args[0]
	ea := c.effAddr(op, in.AddrSize)
	limit := c.readMem(int(op.Seg), ea, 2)
	base := c.readMem(int(op.Seg), (ea+2)&addrMask(in.AddrSize), 4)
	if in.OpSize == 2 {
		base &= 0x00FFFFFF
	}
	t := tableReg{Base: base, Limit: uint16(limit)}
	if in.Op == insLIDT {
		c.IDTR = t
	} else {
		c.GDTR = t
	}
}

func execSLDT(c *CPU_X86, in *Instruction) {
	c.requireProtected()
	sel := c.LDTR.Selector
	if in.Op == insSTR {
		sel = c.TR.Selector
	}
	c.writeOp(in, 0, uint32(sel))
}

func execLLDT(c *CPU_X86, in *Instruction) {
	c.requireProtected()
	c.loadLDT(uint16(c.readOp(in, 0)))
}

func execLTR(c *CPU_X86, in *Instruction) {
	c.requireProtected()
	c.loadTR(uint16(c.readOp(in, 0)))
}

func execVERx(c *CPU_X86, in *Instruction) {
	c.requireProtected()
	d, ok := c.accessRights(uint16(c.readOp(in, 0)), false)
	if ok {
		desc := d.seg(0)
		if d.system() {
			ok = false
		} else if in.Op == insVERR {
			ok = desc.readable()
		} else {
			ok = desc.writable()
		}
	}
	c.setFlag(x86FlagZF, ok)
}

func execLAR(c *CPU_X86, in *Instruction) {
	c.requireProtected()
	sel := uint16(c.readOp(in, 1))
	d, ok := c.accessRights(sel, in.Op == insLSL)
	c.setFlag(x86FlagZF, ok)
	if !ok {
		return
	}
	v := d.hi & 0x00FFFF00
	if in.Op == insLSL {
		v = d.seg(sel).Limit
	}
	c.setReg(in.Args[0].Reg, in.Args[0].Size, v)
}

func execARPL(c *CPU_X86, in *Instruction) {
	c.requireProtected()
	dst := c.readOp(in, 0)
	src := c.readOp(in, 1)
	if dst&3 < src&3 {
		c.writeOp(in, 0, dst&^3|src&3)
		c.Flags |= x86FlagZF
		return
	}
	c.Flags &^= x86FlagZF
}

// ------------------------------------------------------------------------------
// Control and debug registers
// ------------------------------------------------------------------------------

func (c *CPU_X86) writeCR0(v uint32) {
	if v&cr0PG != 0 && v&cr0PE == 0 || v&cr0NW != 0 && v&cr0CD == 0 {
		c.raiseCode(excGP, 0)
	}
	old := c.CR0
	c.CR0 = v | cr0ET
	if (old^c.CR0)&(cr0PG|cr0WP|cr0PE) != 0 {
		c.flushTLB(true)
	}
}

func execMOVCR(c *CPU_X86, in *Instruction) {
	if in.Args[0].Kind == KindReg {
		var v uint32
		switch in.Args[1].Reg {
		case 0:
			v = c.CR0
		case 2:
			v = c.CR2
		case 3:
			v = c.CR3
		case 4:
			v = c.CR4
		default:
			c.raise(excUD)
		}
		c.setReg32(in.Args[0].Reg, v)
		return
	}
	v := c.getReg32(in.Args[1].Reg)
	switch in.Args[0].Reg {
	case 0:
		c.writeCR0(v)
	case 2:
		c.CR2 = v
	case 3:
		c.CR3 = v
		c.flushTLB(false)
	case 4:
		const valid = cr4VME | cr4PVI | cr4TSD | cr4DE | cr4PSE | cr4MCE | cr4PGE
		if v&^valid != 0 {
			c.raiseCode(excGP, 0)
		}
		old := c.CR4
		c.CR4 = v
		if (old^v)&(cr4PSE|cr4PGE) != 0 {
			c.flushTLB(true)
		}
	default:
		c.raise(excUD)
	}
}

func drIndex(r uint8) uint8 {
	if r == 4 || r == 5 {
		return r + 2
	}
	return r
}

func execMOVDR(c *CPU_X86, in *Instruction) {
	if in.Args[0].Kind == KindReg {
		c.setReg32(in.Args[0].Reg, c.DR[drIndex(in.Args[1].Reg)])
		return
	}
	c.DR[drIndex(in.Args[0].Reg)] = c.getReg32(in.Args[1].Reg)
}

func execLMSW(c *CPU_X86, in *Instruction) {
	v := c.readOp(in, 0) & 0xF
	// LMSW can enter protected mode but never leave it.
	v |= c.CR0 & cr0PE
	c.writeCR0(c.CR0&^0xF | v)
}

func execSMSW(c *CPU_X86, in *Instruction) { c.writeOp(in, 0, c.CR0&0xFFFF) }

func execCLTS(c *CPU_X86, _ *Instruction) { c.CR0 &^= cr0TS }

func execINVLPG(c *CPU_X86, in *Instruction) {
	op := &in.Args[0]
	c.invlpg(c.segs[op.Seg].Base + c.effAddr(op, in.AddrSize))
}

// ------------------------------------------------------------------------------
// Identification, MSRs and the time stamp counter
// ------------------------------------------------------------------------------

func execCPUID(c *CPU_X86, _ *Instruction) {
	switch c.EAX {
	case 0:
		c.EAX = 1
		c.EBX = 0x756E6547 // "Genu"
		c.EDX = 0x49656E69 // "ineI"
		c.ECX = 0x6C65746E // "ntel"
	case 1:
		c.EAX = c.model.Signature
		c.EBX, c.ECX = 0, 0
		c.EDX = c.model.Features
	default:
		c.EAX, c.EBX, c.ECX, c.EDX = 0, 0, 0, 0
	}
}

func execRDTSC(c *CPU_X86, _ *Instruction) {
	if c.CR4&cr4TSD != 0 && c.protected() && c.CPL() != 0 {
		c.raiseCode(excGP, 0)
	}
	t := c.readTSC()
	c.EAX, c.EDX = uint32(t), uint32(t>>32)
}

func execRDMSR(c *CPU_X86, _ *Instruction) {
	v, ok := c.readMSR(c.ECX)
	if !ok {
		c.raiseCode(excGP, 0)
	}
	c.EAX, c.EDX = uint32(v), uint32(v>>32)
}

func execWRMSR(c *CPU_X86, _ *Instruction) {
	if !c.writeMSR(c.ECX, uint64(c.EDX)<<32|uint64(c.EAX)) {
		c.raiseCode(excGP, 0)
	}
}

func init() {
	sem(insMOVSeg, execMOVSeg)
	for op := range farLoadSeg {
		sem(op, execLxS)
	}
	sem(insHLT, execHLT)
	sem(insUD2, execUD2)
	sem(insSGDT, execSGDT)
	sem(insSIDT, execSGDT)
	sem(insLGDT, execLGDT)
	sem(insLIDT, execLGDT)
	sem(insSLDT, execSLDT)
	sem(insSTR, execSLDT)
	sem(insLLDT, execLLDT)
	sem(insLTR, execLTR)
	sem(insVERR, execVERx)
	sem(insVERW, execVERx)
	sem(insLAR, execLAR)
	sem(insLSL, execLAR)
	sem(insARPL, execARPL)
	sem(insMOVCR, execMOVCR)
	sem(insMOVDR, execMOVDR)
	sem(insLMSW, execLMSW)
	sem(insSMSW, execSMSW)
	sem(insCLTS, execCLTS)
	sem(insINVLPG, execINVLPG)
	sem(insINVD, execNOP)
	sem(insWBINVD, execNOP)
	sem(insCPUID, execCPUID)
	sem(insRDTSC, execRDTSC)
	sem(insRDMSR, execRDMSR)
	sem(insWRMSR, execWRMSR)
	sem(insWAIT, execWAIT)
	sem(insFPU, execFPU)
}
