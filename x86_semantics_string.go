// x86_semantics_string.go - String instructions and port I/O
//
// REP forms run in bursts. Each completed iteration commits ESI/EDI/ECX so a
// fault resumes at the element that faulted, and a burst that runs out leaves
// EIP on the instruction so pending interrupts are serviced between bursts.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

const repBurst = 256

func (c *CPU_X86) strSrcSeg(in *Instruction) int {
	if in.SegOvr >= 0 {
		return int(in.SegOvr)
	}
	return x86SegDS
}

func (c *CPU_X86) strIndex(reg byte, in *Instruction) uint32 {
	return *c.regs32[reg] & addrMask(in.AddrSize)
}

func (c *CPU_X86) strStep(reg byte, in *Instruction) {
	size := uint32(in.Args[0].Size)
	v := *c.regs32[reg]
	if c.DF() {
		v -= size
	} else {
		v += size
	}
	if in.AddrSize == 2 {
		c.setReg16(reg, uint16(v))
	} else {
		c.setReg32(reg, v)
	}
}

// repeat runs body once, or under a REP prefix until the count register
// reaches zero or body reports a termination condition.
func (c *CPU_X86) repeat(in *Instruction, body func() bool) {
	if in.Rep == RepNone {
		body()
		return
	}
	next := c.EIP
	c.EIP = c.instEIP
	for n := 0; ; n++ {
		cnt := c.countReg(in.AddrSize)
		if cnt == 0 {
			c.EIP = next
			return
		}
		if n == repBurst {
			return
		}
		c.saveSnapshot()
		stop := body()
		c.setCountReg(in.AddrSize, cnt-1)
		if stop {
			c.EIP = next
			return
		}
	}
}

// repStop evaluates the REPE/REPNE termination condition for CMPS/SCAS.
func (c *CPU_X86) repStop(in *Instruction) bool {
	switch in.Rep {
	case RepE:
		return !c.ZF()
	case RepNE:
		return c.ZF()
	}
	return false
}

func execMOVS(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	src := c.strSrcSeg(in)
	c.repeat(in, func() bool {
		v := c.readMem(src, c.strIndex(x86RegESI, in), size)
		c.writeMem(x86SegES, c.strIndex(x86RegEDI, in), size, v)
		c.strStep(x86RegESI, in)
		c.strStep(x86RegEDI, in)
		return false
	})
}

func execSTOS(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	c.repeat(in, func() bool {
		c.writeMem(x86SegES, c.strIndex(x86RegEDI, in), size, c.getReg(x86RegEAX, size))
		c.strStep(x86RegEDI, in)
		return false
	})
}

func execLODS(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	src := c.strSrcSeg(in)
	c.repeat(in, func() bool {
		c.setReg(x86RegEAX, size, c.readMem(src, c.strIndex(x86RegESI, in), size))
		c.strStep(x86RegESI, in)
		return false
	})
}

func execCMPS(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	src := c.strSrcSeg(in)
	c.repeat(in, func() bool {
		a := c.readMem(src, c.strIndex(x86RegESI, in), size)
		b := c.readMem(x86SegES, c.strIndex(x86RegEDI, in), size)
		c.subFlags(a, b, 0, size)
		c.strStep(x86RegESI, in)
		c.strStep(x86RegEDI, in)
		return c.repStop(in)
	})
}

func execSCAS(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	c.repeat(in, func() bool {
		b := c.readMem(x86SegES, c.strIndex(x86RegEDI, in), size)
		c.subFlags(c.getReg(x86RegEAX, size), b, 0, size)
		c.strStep(x86RegEDI, in)
		return c.repStop(in)
	})
}

// ------------------------------------------------------------------------------
// Port I/O
// ------------------------------------------------------------------------------

func (c *CPU_X86) portIn(port uint16, size uint8) uint32 {
	c.checkIO(port, size)
	return c.io.In(port, int(size)) & sizeMask(size)
}

func (c *CPU_X86) portOut(port uint16, size uint8, v uint32) {
	c.checkIO(port, size)
	c.io.Out(port, int(size), v&sizeMask(size))
}

func execIN(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	port := uint16(c.readOp(in, 1))
	c.setReg(x86RegEAX, size, c.portIn(port, size))
}

func execOUT(c *CPU_X86, in *Instruction) {
	size := in.Args[1].Size
	port := uint16(c.readOp(in, 0))
	c.portOut(port, size, c.getReg(x86RegEAX, size))
}

func execINS(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	c.repeat(in, func() bool {
		di := c.strIndex(x86RegEDI, in)
		// The destination is validated before the port read has side effects.
		c.checkWrite(x86SegES, di, size)
		v := c.portIn(c.DX(), size)
		c.writeMem(x86SegES, di, size, v)
		c.strStep(x86RegEDI, in)
		return false
	})
}

func execOUTS(c *CPU_X86, in *Instruction) {
	size := in.Args[0].Size
	src := c.strSrcSeg(in)
	c.repeat(in, func() bool {
		v := c.readMem(src, c.strIndex(x86RegESI, in), size)
		c.portOut(c.DX(), size, v)
		c.strStep(x86RegESI, in)
		return false
	})
}

func init() {
	sem(insMOVS, execMOVS)
	sem(insSTOS, execSTOS)
	sem(insLODS, execLODS)
	sem(insCMPS, execCMPS)
	sem(insSCAS, execSCAS)
	sem(insIN, execIN)
	sem(insOUT, execOUT)
	sem(insINS, execINS)
	sem(insOUTS, execOUTS)
}
