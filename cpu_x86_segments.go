// cpu_x86_segments.go - Descriptor tables, segment loads and far control transfers
//
// Protected mode segment register loads go through the GDT/LDT with the usual
// type, privilege and presence checks. Far JMP/CALL/RET, call gates and 32-bit
// TSS task switches are implemented here; IRET lives with exception delivery.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

// System descriptor types
const (
	sysTSS16     = 0x1
	sysLDT       = 0x2
	sysTSS16Busy = 0x3
	sysCallGate  = 0x4
	sysTaskGate  = 0x5
	sysIntGate16 = 0x6
	sysTrpGate16 = 0x7
	sysTSS32     = 0x9
	sysTSS32Busy = 0xB
	sysCallGt32  = 0xC
	sysIntGate32 = 0xE
	sysTrpGate32 = 0xF
)

// Reasons for a task switch
const (
	taskJMP = iota
	taskCALL
	taskINT
	taskIRET
)

// descriptor is a raw 8-byte descriptor plus the address it was read from.
type descriptor struct {
	lo, hi uint32
	addr   uint32
}

func (d descriptor) seg(sel uint16) segReg {
	base := d.lo>>16 | (d.hi&0xFF)<<16 | d.hi&0xFF000000
	limit := d.lo&0xFFFF | d.hi&0x000F0000
	attr := uint16(d.hi>>8)&0xFF | uint16(d.hi>>20&0xF)<<12
	if attr&descGran != 0 {
		limit = limit<<12 | 0xFFF
	}
	return segReg{Selector: sel, Base: base, Limit: limit, Attr: attr, Valid: true}
}

func (d descriptor) system() bool { return d.hi&(1<<12) == 0 }
func (d descriptor) typ() uint8 { return uint8(d.hi>>8) & 0xF }
func (d descriptor) dpl() uint8 { return uint8(d.hi>>13) & 3 }
func (d descriptor) present() bool { return d.hi&(1<<15) != 0 }

// Gate fields
func (d descriptor) gateSelector() uint16 { return uint16(d.lo >> 16) }
func (d descriptor) gateOffset() uint32 { return d.lo&0xFFFF | d.hi&0xFFFF0000 }
func (d descriptor) gateParams() uint32 { return d.hi & 0x1F }

// fetchDescriptor reads the descriptor for sel from the GDT or LDT. A selector
// outside the table raises vec with the selector as error code.
func (c *CPU_X86) fetchDescriptor(sel uint16, vec uint8) descriptor {
	idx := uint32(sel &^ 7)
	var base, limit uint32
	if sel&4 != 0 {
		if !c.LDTR.Valid {
			c.raiseCode(vec, uint32(sel&^3))
		}
		base, limit = c.LDTR.Base, c.LDTR.Limit
	} else {
		base, limit = c.GDTR.Base, uint32(c.GDTR.Limit)
	}
	if idx+7 > limit {
		c.raiseCode(vec, uint32(sel&^3))
	}
	addr := base + idx
	return descriptor{lo: c.sysRead32(addr), hi: c.sysRead32(addr + 4), addr: addr}
}

// setAccessed marks a code/data descriptor as accessed in memory.
func (c *CPU_X86) setAccessed(d *descriptor) {
	if d.hi&(1<<8) == 0 {
		d.hi |= 1 << 8
		c.sysWrite8(d.addr+5, byte(d.hi>>8))
	}
}

// loadSeg implements MOV/POP/LxS into a data or stack segment register.
func (c *CPU_X86) loadSeg(seg int, sel uint16) {
	s := &c.segs[seg]
	if !c.protected() {
		s.setRealMode(sel)
		return
	}
	if c.v86() {
		*s = segReg{Selector: sel, Base: uint32(sel) << 4, Limit: 0xFFFF,
			Attr: descPresent | descS | descWritable | descAccessed | 3<<descDPLShift, Valid: true}
		return
	}
	cpl := c.CPL()
	rpl := uint8(sel & 3)
	code := uint32(sel &^ 3)
	if sel&^3 == 0 {
		if seg == x86SegSS {
			c.raiseCode(excGP, 0)
		}
		*s = segReg{Selector: sel}
		return
	}
	d := c.fetchDescriptor(sel, excGP)
	desc := d.seg(sel)
	if seg == x86SegSS {
		if rpl != cpl || d.system() || !desc.writable() || d.dpl() != cpl {
			c.raiseCode(excGP, code)
		}
		if !d.present() {
			c.raiseCode(excSS, code)
		}
	} else {
		if d.system() || !desc.readable() {
			c.raiseCode(excGP, code)
		}
		if (desc.isData() || !desc.conforming()) && d.dpl() < max(cpl, rpl) {
			c.raiseCode(excGP, code)
		}
		if !d.present() {
			c.raiseCode(excNP, code)
		}
	}
	c.setAccessed(&d)
	*s = d.seg(sel)
}

// setCS installs a validated code segment and the new privilege level.
func (c *CPU_X86) setCS(d descriptor, sel uint16, cpl uint8) {
	c.segs[x86SegCS] = d.seg(sel&^3 | uint16(cpl))
	c.cpl = cpl
}

// checkCodeTarget validates a direct far JMP/CALL to a code segment.
func (c *CPU_X86) checkCodeTarget(d descriptor, sel uint16) {
	cpl := c.CPL()
	desc := d.seg(sel)
	code := uint32(sel &^ 3)
	if desc.conforming() {
		if d.dpl() > cpl {
			c.raiseCode(excGP, code)
		}
	} else if uint8(sel&3) > cpl || d.dpl() != cpl {
		c.raiseCode(excGP, code)
	}
	if !d.present() {
		c.raiseCode(excNP, code)
	}
}

// farJump implements JMP ptr16:16/32 and JMP m16:16/32.
func (c *CPU_X86) farJump(sel uint16, off uint32, opSize uint8) {
	if opSize == 2 {
		off &= 0xFFFF
	}
	if !c.protected() || c.v86() {
		c.loadSeg16CS(sel)
		c.EIP = off
		return
	}
	if sel&^3 == 0 {
		c.raiseCode(excGP, 0)
	}
	d := c.fetchDescriptor(sel, excGP)
	if !d.system() {
		if d.seg(sel).isCode() {
			c.checkCodeTarget(d, sel)
			if off > d.seg(sel).Limit {
				c.raiseCode(excGP, 0)
			}
			c.setAccessed(&d)
			c.setCS(d, sel, c.CPL())
			c.EIP = off
			return
		}
		c.raiseCode(excGP, uint32(sel&^3))
	}
	switch d.typ() {
	case sysCallGate, sysCallGt32:
		c.throughCallGate(d, sel, false, opSize)
	case sysTaskGate, sysTSS16, sysTSS32:
		c.taskSwitchVia(d, sel, taskJMP)
	default:
		c.raiseCode(excGP, uint32(sel&^3))
	}
}

// farCall implements CALL ptr16:16/32 and CALL m16:16/32.
func (c *CPU_X86) farCall(sel uint16, off uint32, opSize uint8) {
	if opSize == 2 {
		off &= 0xFFFF
	}
	if !c.protected() || c.v86() {
		cs := uint32(c.segs[x86SegCS].Selector)
		c.checkStackRoom(2 * uint32(opSize))
		c.push(cs, opSize)
		c.push(c.EIP, opSize)
		c.loadSeg16CS(sel)
		c.EIP = off
		return
	}
	if sel&^3 == 0 {
		c.raiseCode(excGP, 0)
	}
	d := c.fetchDescriptor(sel, excGP)
	if !d.system() {
		if d.seg(sel).isCode() {
			c.checkCodeTarget(d, sel)
			if off > d.seg(sel).Limit {
				c.raiseCode(excGP, 0)
			}
			c.checkStackRoom(2 * uint32(opSize))
			c.push(uint32(c.segs[x86SegCS].Selector), opSize)
			c.push(c.EIP, opSize)
			c.setAccessed(&d)
			c.setCS(d, sel, c.CPL())
			c.EIP = off
			return
		}
		c.raiseCode(excGP, uint32(sel&^3))
	}
	switch d.typ() {
	case sysCallGate, sysCallGt32:
		c.throughCallGate(d, sel, true, opSize)
	case sysTaskGate, sysTSS16, sysTSS32:
		c.taskSwitchVia(d, sel, taskCALL)
	default:
		c.raiseCode(excGP, uint32(sel&^3))
	}
}

// loadSeg16CS loads CS in real or V86 mode.
func (c *CPU_X86) loadSeg16CS(sel uint16) {
	cs := &c.segs[x86SegCS]
	cs.setRealMode(sel)
	if c.v86() {
		cs.Limit = 0xFFFF
		cs.Attr = descPresent | descS | descCode | descWritable | descAccessed | 3<<descDPLShift
	}
}

// checkStackRoom verifies that n bytes can be pushed before any is.
func (c *CPU_X86) checkStackRoom(n uint32) {
	lo := c.stackPtr() - n
	hi := c.stackPtr() - 1
	if !c.stack32() {
		lo &= 0xFFFF
		hi &= 0xFFFF
	}
	c.checkWrite(x86SegSS, lo, 1)
	c.checkWrite(x86SegSS, hi, 1)
}

// throughCallGate transfers control through a call gate, switching stacks
// when the target code is more privileged.
func (c *CPU_X86) throughCallGate(gate descriptor, gsel uint16, call bool, opSize uint8) {
	cpl := c.CPL()
	gcode := uint32(gsel &^ 3)
	if gate.dpl() < cpl || gate.dpl() < uint8(gsel&3) {
		c.raiseCode(excGP, gcode)
	}
	if !gate.present() {
		c.raiseCode(excNP, gcode)
	}
	sel := gate.gateSelector()
	if sel&^3 == 0 {
		c.raiseCode(excGP, 0)
	}
	d := c.fetchDescriptor(sel, excGP)
	desc := d.seg(sel)
	code := uint32(sel &^ 3)
	if d.system() || !desc.isCode() || d.dpl() > cpl {
		c.raiseCode(excGP, code)
	}
	if !d.present() {
		c.raiseCode(excNP, code)
	}
	off := gate.gateOffset()
	gsize := uint8(4)
	if gate.typ() == sysCallGate {
		gsize = 2
		off &= 0xFFFF
	}
	if off > desc.Limit {
		c.raiseCode(excGP, 0)
	}

	if !call {
		if !desc.conforming() && d.dpl() != cpl {
			c.raiseCode(excGP, code)
		}
		c.setAccessed(&d)
		c.setCS(d, sel, cpl)
		c.EIP = off
		return
	}

	if !desc.conforming() && d.dpl() < cpl {
		newCPL := d.dpl()
		ss, esp := c.tssStack(newCPL)
		ssDesc := c.checkNewStack(ss, newCPL, excTS)
		params := gate.gateParams()
		oldSS := c.segs[x86SegSS]
		oldESP := c.ESP
		n := 4*uint32(gsize) + params*uint32(gsize)
		if !ssDesc.big() {
			esp &= 0xFFFF
		}
		c.stackLinear(&ssDesc, esp-n, n, excSS)

		// Collect parameters from the caller's stack before switching.
		args := make([]uint32, params)
		for i := uint32(0); i < params; i++ {
			args[i] = c.peek(i*uint32(gsize), gsize)
		}
		c.pushOn(&ssDesc, &esp, uint32(oldSS.Selector), gsize)
		c.pushOn(&ssDesc, &esp, oldESP, gsize)
		for i := int(params) - 1; i >= 0; i-- {
			c.pushOn(&ssDesc, &esp, args[i], gsize)
		}
		c.pushOn(&ssDesc, &esp, uint32(c.segs[x86SegCS].Selector), gsize)
		c.pushOn(&ssDesc, &esp, c.EIP, gsize)
		c.segs[x86SegSS] = ssDesc
		c.ESP = esp
		c.setAccessed(&d)
		c.setCS(d, sel, newCPL)
		c.EIP = off
		return
	}

	c.checkStackRoom(2 * uint32(gsize))
	c.push(uint32(c.segs[x86SegCS].Selector), gsize)
	c.push(c.EIP, gsize)
	c.setAccessed(&d)
	c.setCS(d, sel, cpl)
	c.EIP = off
}

// tssStack returns the privileged stack for level from the current TSS.
func (c *CPU_X86) tssStack(level uint8) (uint16, uint32) {
	tr := &c.TR
	trCode := uint32(tr.Selector &^ 3)
	if tr.sysType() == sysTSS32 || tr.sysType() == sysTSS32Busy {
		off := 4 + uint32(level)*8
		if off+5 > tr.Limit {
			c.raiseCode(excTS, trCode)
		}
		return c.sysRead16(tr.Base + off + 4), c.sysRead32(tr.Base + off)
	}
	off := 2 + uint32(level)*4
	if off+3 > tr.Limit {
		c.raiseCode(excTS, trCode)
	}
	return c.sysRead16(tr.Base + off + 2), uint32(c.sysRead16(tr.Base + off))
}

// checkNewStack validates the SS selector of a privilege-raising transfer.
func (c *CPU_X86) checkNewStack(sel uint16, cpl uint8, vec uint8) segReg {
	code := uint32(sel &^ 3)
	if sel&^3 == 0 {
		c.raiseCode(vec, 0)
	}
	d := c.fetchDescriptor(sel, vec)
	desc := d.seg(sel)
	if uint8(sel&3) != cpl || d.system() || !desc.writable() || d.dpl() != cpl {
		c.raiseCode(vec, code)
	}
	if !d.present() {
		c.raiseCode(excSS, code)
	}
	c.setAccessed(&d)
	return d.seg(sel)
}

// stackLinear checks n bytes at off against a stack segment that is not yet
// loaded and returns the linear address.
func (c *CPU_X86) stackLinear(ss *segReg, off, n uint32, vec uint8) uint32 {
	last := off + n - 1
	fault := false
	if ss.expandDown() {
		upper := uint32(0xFFFF)
		if ss.big() {
			upper = 0xFFFFFFFF
		}
		fault = off <= ss.Limit || last > upper
	} else {
		fault = last < off || last > ss.Limit
	}
	if fault {
		c.raiseCode(vec, uint32(ss.Selector&^3))
	}
	return ss.Base + off
}

// pushOn pushes onto a stack described by ss/esp with supervisor rights.
func (c *CPU_X86) pushOn(ss *segReg, esp *uint32, v uint32, size uint8) {
	sp := *esp - uint32(size)
	if !ss.big() {
		sp = (*esp &^ 0xFFFF) | (sp & 0xFFFF)
	}
	off := sp
	if !ss.big() {
		off &= 0xFFFF
	}
	lin := c.stackLinear(ss, off, uint32(size), excSS)
	c.writeLin(lin, size, v, ss.dpl() == 3)
	*esp = sp
}

// farReturn implements RETF with an optional stack adjustment.
func (c *CPU_X86) farReturn(opSize uint8, adjust uint32) {
	if !c.protected() || c.v86() {
		eip := c.peek(0, opSize)
		cs := uint16(c.peek(uint32(opSize), opSize))
		c.setStackPtr(c.stackPtr() + 2*uint32(opSize) + adjust)
		c.loadSeg16CS(cs)
		c.EIP = eip
		return
	}
	cpl := c.CPL()
	eip := c.peek(0, opSize)
	sel := uint16(c.peek(uint32(opSize), opSize))
	if opSize == 2 {
		eip &= 0xFFFF
	}
	rpl := uint8(sel & 3)
	code := uint32(sel &^ 3)
	if sel&^3 == 0 {
		c.raiseCode(excGP, 0)
	}
	if rpl < cpl {
		c.raiseCode(excGP, code)
	}
	d := c.fetchDescriptor(sel, excGP)
	desc := d.seg(sel)
	if d.system() || !desc.isCode() {
		c.raiseCode(excGP, code)
	}
	if desc.conforming() && d.dpl() > rpl || !desc.conforming() && d.dpl() != rpl {
		c.raiseCode(excGP, code)
	}
	if !d.present() {
		c.raiseCode(excNP, code)
	}
	if eip > desc.Limit {
		c.raiseCode(excGP, 0)
	}

	if rpl == cpl {
		c.setStackPtr(c.stackPtr() + 2*uint32(opSize) + adjust)
		c.setAccessed(&d)
		c.setCS(d, sel, cpl)
		c.EIP = eip
		return
	}

	// Return to an outer level: the caller's SS:ESP follows the immediate.
	base := 2*uint32(opSize) + adjust
	newESP := c.peek(base, opSize)
	newSS := uint16(c.peek(base+uint32(opSize), opSize))
	ssDesc := c.checkOuterStack(newSS, rpl)
	c.setAccessed(&d)
	c.setCS(d, sel, rpl)
	c.EIP = eip
	c.segs[x86SegSS] = ssDesc
	if ssDesc.big() {
		c.ESP = newESP + adjust
	} else {
		c.ESP = (c.ESP &^ 0xFFFF) | ((newESP + adjust) & 0xFFFF)
	}
	c.dropInaccessibleSegs()
}

// checkOuterStack validates the SS popped by a return to an outer level.
func (c *CPU_X86) checkOuterStack(sel uint16, rpl uint8) segReg {
	code := uint32(sel &^ 3)
	if sel&^3 == 0 {
		c.raiseCode(excGP, 0)
	}
	d := c.fetchDescriptor(sel, excGP)
	desc := d.seg(sel)
	if uint8(sel&3) != rpl || d.system() || !desc.writable() || d.dpl() != rpl {
		c.raiseCode(excGP, code)
	}
	if !d.present() {
		c.raiseCode(excSS, code)
	}
	c.setAccessed(&d)
	return d.seg(sel)
}

// dropInaccessibleSegs nulls data segment registers the new CPL may not use.
func (c *CPU_X86) dropInaccessibleSegs() {
	cpl := c.CPL()
	for _, i := range [...]int{x86SegES, x86SegDS, x86SegFS, x86SegGS} {
		s := &c.segs[i]
		if !s.Valid {
			continue
		}
		if (s.isData() || !s.conforming()) && s.dpl() < cpl {
			*s = segReg{}
		}
	}
}

// ------------------------------------------------------------------------------
// System segment instructions
// ------------------------------------------------------------------------------

// loadLDT implements LLDT.
func (c *CPU_X86) loadLDT(sel uint16) {
	if sel&^3 == 0 {
		c.LDTR = segReg{Selector: sel}
		return
	}
	code := uint32(sel &^ 3)
	if sel&4 != 0 {
		c.raiseCode(excGP, code)
	}
	d := c.fetchDescriptor(sel, excGP)
	if !d.system() || d.typ() != sysLDT {
		c.raiseCode(excGP, code)
	}
	if !d.present() {
		c.raiseCode(excNP, code)
	}
	c.LDTR = d.seg(sel)
}

// loadTR implements LTR and marks the TSS busy.
func (c *CPU_X86) loadTR(sel uint16) {
	code := uint32(sel &^ 3)
	if sel&^3 == 0 || sel&4 != 0 {
		c.raiseCode(excGP, code)
	}
	d := c.fetchDescriptor(sel, excGP)
	if !d.system() || (d.typ() != sysTSS16 && d.typ() != sysTSS32) {
		c.raiseCode(excGP, code)
	}
	if !d.present() {
		c.raiseCode(excNP, code)
	}
	d.hi |= 2 << 8
	c.sysWrite8(d.addr+5, byte(d.hi>>8))
	c.TR = d.seg(sel)
}

// accessRights returns the descriptor for LAR/LSL/VERR/VERW, or ok=false when
// the selector is not visible at the current privilege.
func (c *CPU_X86) accessRights(sel uint16, forLSL bool) (descriptor, bool) {
	if sel&^3 == 0 {
		return descriptor{}, false
	}
	idx := uint32(sel &^ 7)
	limit := uint32(c.GDTR.Limit)
	if sel&4 != 0 {
		if !c.LDTR.Valid {
			return descriptor{}, false
		}
		limit = c.LDTR.Limit
	}
	if idx+7 > limit {
		return descriptor{}, false
	}
	d := c.fetchDescriptor(sel, excGP)
	if d.system() {
		switch d.typ() {
		case sysTSS16, sysLDT, sysTSS16Busy, sysTSS32, sysTSS32Busy:
		case sysCallGate, sysTaskGate, sysCallGt32:
			if forLSL {
				return descriptor{}, false
			}
		default:
			return descriptor{}, false
		}
	}
	desc := d.seg(sel)
	if d.system() || !desc.conforming() {
		if d.dpl() < c.CPL() || d.dpl() < uint8(sel&3) {
			return descriptor{}, false
		}
	}
	return d, true
}

// ------------------------------------------------------------------------------
// Task switching (32-bit TSS)
// ------------------------------------------------------------------------------

// taskSwitchVia resolves a task gate or TSS descriptor and switches to it.
func (c *CPU_X86) taskSwitchVia(d descriptor, sel uint16, reason int) {
	code := uint32(sel &^ 3)
	if d.dpl() < c.CPL() || d.dpl() < uint8(sel&3) {
		c.raiseCode(excGP, code)
	}
	if !d.present() {
		c.raiseCode(excNP, code)
	}
	if d.typ() == sysTaskGate {
		sel = d.gateSelector()
		code = uint32(sel &^ 3)
		if sel&4 != 0 {
			c.raiseCode(excGP, code)
		}
		d = c.fetchDescriptor(sel, excGP)
		if !d.system() || (d.typ() != sysTSS32 && d.typ() != sysTSS16) {
			c.raiseCode(excGP, code)
		}
		if !d.present() {
			c.raiseCode(excNP, code)
		}
	}
	if d.typ() != sysTSS32 {
		// Busy or 16-bit task images are not switched to.
		c.raiseCode(excGP, code)
	}
	c.taskSwitch(d, sel, reason)
}

// taskSwitch saves the current task into its TSS and loads the new one.
func (c *CPU_X86) taskSwitch(d descriptor, sel uint16, reason int) {
	code := uint32(sel &^ 3)
	nd := d.seg(sel)
	if nd.Limit < 0x67 {
		c.raiseCode(excTS, code)
	}
	old := c.TR
	ob := old.Base

	// Read the incoming image first so a fault leaves the old task intact.
	nb := nd.Base
	cr3 := c.sysRead32(nb + 0x1C)
	eip := c.sysRead32(nb + 0x20)
	flags := c.sysRead32(nb + 0x24)
	var gpr [8]uint32
	for i := range gpr {
		gpr[i] = c.sysRead32(nb + 0x28 + uint32(i)*4)
	}
	var sels [6]uint16
	for i := range sels {
		sels[i] = c.sysRead16(nb + 0x48 + uint32(i)*4)
	}
	ldt := c.sysRead16(nb + 0x60)

	// Save outgoing state.
	oflags := c.Flags
	if reason == taskJMP || reason == taskIRET {
		oflags &^= x86FlagNT
	}
	c.sysWrite32(ob+0x20, c.EIP)
	c.sysWrite32(ob+0x24, oflags)
	for i := range 8 {
		c.sysWrite32(ob+0x28+uint32(i)*4, c.getReg32(byte(i)))
	}
	for i := range 6 {
		c.sysWrite16(ob+0x48+uint32(i)*4, c.segs[i].Selector)
	}

	if reason == taskJMP || reason == taskIRET {
		od := c.fetchDescriptor(old.Selector, excTS)
		od.hi &^= 2 << 8
		c.sysWrite8(od.addr+5, byte(od.hi>>8))
	}
	if reason == taskCALL || reason == taskINT {
		c.sysWrite16(nb, old.Selector)
		flags |= x86FlagNT
	}
	if reason != taskIRET {
		d.hi |= 2 << 8
		c.sysWrite8(d.addr+5, byte(d.hi>>8))
	}

	c.TR = d.seg(sel)
	c.TR.Attr |= 2
	c.CR0 |= cr0TS
	if c.CR0&cr0PG != 0 && cr3 != c.CR3 {
		c.CR3 = cr3
		c.flushTLB(false)
	}
	c.EIP = eip
	c.Flags = flags&x86FlagsValid | x86FlagsFixed
	for i := range gpr {
		c.setReg32(byte(i), gpr[i])
	}

	// Selectors are installed raw, then validated; faults from here on are
	// reported in the context of the new task.
	for i := range sels {
		c.segs[i] = segReg{Selector: sels[i]}
	}
	if c.Flags&x86FlagVM != 0 {
		c.LDTR = segReg{Selector: ldt}
		if ldt&^3 != 0 {
			c.loadTaskLDT(ldt)
		}
		for i := range sels {
			c.segs[i] = segReg{Selector: sels[i], Base: uint32(sels[i]) << 4, Limit: 0xFFFF,
				Attr: descPresent | descS | descWritable | descAccessed | 3<<descDPLShift, Valid: true}
		}
		c.segs[x86SegCS].Attr |= descCode
		c.cpl = 3
		return
	}
	c.loadTaskLDT(ldt)
	csSel := sels[x86SegCS]
	if csSel&^3 == 0 {
		c.raiseCode(excTS, 0)
	}
	cd := c.fetchDescriptor(csSel, excTS)
	if cd.system() || !cd.seg(csSel).isCode() {
		c.raiseCode(excTS, uint32(csSel&^3))
	}
	if !cd.present() {
		c.raiseCode(excNP, uint32(csSel&^3))
	}
	c.setCS(cd, csSel, uint8(csSel&3))
	c.segs[x86SegSS] = c.checkNewStack(sels[x86SegSS], c.cpl, excTS)
	for _, i := range [...]int{x86SegES, x86SegDS, x86SegFS, x86SegGS} {
		c.loadSeg(i, sels[i])
	}
}

func (c *CPU_X86) loadTaskLDT(sel uint16) {
	if sel&^3 == 0 {
		c.LDTR = segReg{Selector: sel}
		return
	}
	code := uint32(sel &^ 3)
	if sel&4 != 0 {
		c.raiseCode(excTS, code)
	}
	d := c.fetchDescriptor(sel, excTS)
	if !d.system() || d.typ() != sysLDT {
		c.raiseCode(excTS, code)
	}
	if !d.present() {
		c.raiseCode(excTS, code)
	}
	c.LDTR = d.seg(sel)
}
