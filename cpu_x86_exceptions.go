// cpu_x86_exceptions.go - Exception and interrupt entry, IRET
//
// Delivery runs at instruction boundaries only. A fault raised while a vector
// is being delivered is classified per the double fault rules; a fault while
// delivering #DF shuts the CPU down.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

// Interrupt sources, which decide the privilege checks and the EXT bit.
const (
	intException = iota
	intHardware
	intSoftware // INT n, INT3, INTO
)

func contributory(v uint8) bool {
	return v == excDE || (v >= excTS && v <= excGP)
}

// classify returns the vector to deliver when second faults while first is
// being delivered, or -1 when the CPU must shut down.
func classify(first, second uint8) int {
	switch {
	case first == excDF:
		return -1
	case contributory(first) && contributory(second):
		return excDF
	case first == excPF && (contributory(second) || second == excPF):
		return excDF
	}
	return int(second)
}

// Exception delivers an exception raised by the instruction that just
// faulted. The caller has already rolled the instruction back.
func (c *CPU_X86) Exception(e *Exception) {
	c.Interrupt(e.Vector, intException, e.ErrorCode, e.HasError)
}

// Interrupt delivers vector to the guest, escalating nested faults to #DF and
// to shutdown.
func (c *CPU_X86) Interrupt(vector uint8, source int, code uint32, hasCode bool) {
	c.Halted = false
	for {
		exc := c.tryDeliver(vector, source, code, hasCode)
		if exc == nil {
			return
		}
		next := classify(vector, exc.Vector)
		if source != intException && next != -1 {
			// A fault while entering an external or software interrupt is
			// delivered as a plain exception.
			next = int(exc.Vector)
		}
		if next == -1 {
			c.Shutdown = true
			return
		}
		if next == excDF {
			vector, code, hasCode = excDF, 0, true
		} else {
			vector, code, hasCode = exc.Vector, exc.ErrorCode, exc.HasError
		}
		source = intException
	}
}

// tryDeliver performs one delivery attempt and returns the fault it caused.
func (c *CPU_X86) tryDeliver(vector uint8, source int, code uint32, hasCode bool) (exc *Exception) {
	saved := c.snap
	c.saveSnapshot()
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*Exception)
			if !ok {
				panic(r)
			}
			c.restoreSnapshot()
			exc = e
		}
		c.snap = saved
	}()
	if !c.protected() {
		c.realModeInterrupt(vector)
	} else {
		c.protectedModeInterrupt(vector, source, code, hasCode)
	}
	return nil
}

// realModeInterrupt vectors through the IVT.
func (c *CPU_X86) realModeInterrupt(vector uint8) {
	entry := uint32(vector) * 4
	if entry+3 > uint32(c.IDTR.Limit) {
		c.raiseCode(excGP, entry+2)
	}
	ip := c.sysRead16(c.IDTR.Base + entry)
	cs := c.sysRead16(c.IDTR.Base + entry + 2)
	c.checkStackRoom(6)
	c.push16(uint16(c.Flags))
	c.push16(c.segs[x86SegCS].Selector)
	c.push16(uint16(c.EIP))
	c.Flags &^= x86FlagIF | x86FlagTF | x86FlagAC | x86FlagRF
	c.segs[x86SegCS].setRealMode(cs)
	c.EIP = uint32(ip)
}

// protectedModeInterrupt vectors through the IDT.
func (c *CPU_X86) protectedModeInterrupt(vector uint8, source int, code uint32, hasCode bool) {
	ext := uint32(0)
	if source != intSoftware {
		ext = 1
	}
	idtCode := uint32(vector)*8 + 2 + ext
	entry := uint32(vector) * 8
	if entry+7 > uint32(c.IDTR.Limit) {
		c.raiseCode(excGP, idtCode)
	}
	gate := descriptor{lo: c.sysRead32(c.IDTR.Base + entry), hi: c.sysRead32(c.IDTR.Base + entry + 4)}
	if !gate.system() {
		c.raiseCode(excGP, idtCode)
	}
	typ := gate.typ()
	switch typ {
	case sysTaskGate, sysIntGate16, sysTrpGate16, sysIntGate32, sysTrpGate32:
	default:
		c.raiseCode(excGP, idtCode)
	}
	if source == intSoftware && gate.dpl() < c.CPL() {
		c.raiseCode(excGP, idtCode)
	}
	if !gate.present() {
		c.raiseCode(excNP, idtCode)
	}

	if typ == sysTaskGate {
		tsel := gate.gateSelector()
		if tsel&4 != 0 {
			c.raiseCode(excTS, uint32(tsel&^3)|ext)
		}
		d := c.fetchDescriptor(tsel, excTS)
		if !d.system() || d.typ() != sysTSS32 {
			c.raiseCode(excTS, uint32(tsel&^3)|ext)
		}
		if !d.present() {
			c.raiseCode(excNP, uint32(tsel&^3)|ext)
		}
		c.taskSwitch(d, tsel, taskINT)
		if hasCode {
			size := uint8(4)
			if !c.stack32() {
				size = 2
			}
			c.push(code, size)
		}
		return
	}

	size := uint8(4)
	if typ == sysIntGate16 || typ == sysTrpGate16 {
		size = 2
	}
	sel := gate.gateSelector()
	if sel&^3 == 0 {
		c.raiseCode(excGP, ext)
	}
	selCode := uint32(sel&^3) | ext
	d := c.fetchDescriptor(sel, excGP)
	desc := d.seg(sel)
	cpl := c.CPL()
	if d.system() || !desc.isCode() || d.dpl() > cpl {
		c.raiseCode(excGP, selCode)
	}
	if !d.present() {
		c.raiseCode(excNP, selCode)
	}
	off := gate.gateOffset()
	if size == 2 {
		off &= 0xFFFF
	}
	if off > desc.Limit {
		c.raiseCode(excGP, ext)
	}

	oldFlags := c.Flags
	oldCS := uint32(c.segs[x86SegCS].Selector)
	oldEIP := c.EIP
	v86 := c.v86()

	if !desc.conforming() && d.dpl() < cpl {
		newCPL := d.dpl()
		if v86 && newCPL != 0 {
			c.raiseCode(excGP, selCode)
		}
		ssSel, esp := c.tssStack(newCPL)
		ss := c.checkNewStack(ssSel, newCPL, excTS)
		if !ss.big() {
			esp &= 0xFFFF
		}
		oldSS := uint32(c.segs[x86SegSS].Selector)
		oldESP := c.ESP
		if v86 {
			for _, i := range [...]int{x86SegGS, x86SegFS, x86SegDS, x86SegES} {
				c.pushOn(&ss, &esp, uint32(c.segs[i].Selector), size)
			}
		}
		c.pushOn(&ss, &esp, oldSS, size)
		c.pushOn(&ss, &esp, oldESP, size)
		c.pushOn(&ss, &esp, oldFlags, size)
		c.pushOn(&ss, &esp, oldCS, size)
		c.pushOn(&ss, &esp, oldEIP, size)
		if hasCode {
			c.pushOn(&ss, &esp, code, size)
		}
		if v86 {
			for _, i := range [...]int{x86SegES, x86SegDS, x86SegFS, x86SegGS} {
				c.segs[i] = segReg{}
			}
		}
		c.segs[x86SegSS] = ss
		c.ESP = esp
		c.setAccessed(&d)
		c.setCS(d, sel, newCPL)
	} else {
		if v86 {
			c.raiseCode(excGP, selCode)
		}
		n := 3 * uint32(size)
		if hasCode {
			n += uint32(size)
		}
		c.checkStackRoom(n)
		c.push(oldFlags, size)
		c.push(oldCS, size)
		c.push(oldEIP, size)
		if hasCode {
			c.push(code, size)
		}
		c.setAccessed(&d)
		c.setCS(d, sel, cpl)
	}
	c.EIP = off
	c.Flags &^= x86FlagTF | x86FlagNT | x86FlagRF | x86FlagVM
	if typ == sysIntGate16 || typ == sysIntGate32 {
		c.Flags &^= x86FlagIF
	}
}

// iret implements IRET/IRETD.
func (c *CPU_X86) iret(opSize uint8) {
	if !c.protected() {
		eip := c.peek(0, opSize)
		cs := uint16(c.peek(uint32(opSize), opSize))
		flags := c.peek(2*uint32(opSize), opSize)
		c.setStackPtr(c.stackPtr() + 3*uint32(opSize))
		c.segs[x86SegCS].setRealMode(cs)
		c.EIP = eip
		if opSize == 2 {
			c.EIP &= 0xFFFF
		}
		c.setFlagsFromPop(flags, opSize)
		return
	}
	if c.v86() {
		if c.iopl() != 3 {
			c.raiseCode(excGP, 0)
		}
		eip := c.peek(0, opSize)
		cs := uint16(c.peek(uint32(opSize), opSize))
		flags := c.peek(2*uint32(opSize), opSize)
		c.setStackPtr(c.stackPtr() + 3*uint32(opSize))
		c.loadSeg16CS(cs)
		c.EIP = eip
		if opSize == 2 {
			c.EIP &= 0xFFFF
		}
		// IOPL and VM are not changed from V86 mode.
		mask := uint32(x86FlagsArith | x86FlagTF | x86FlagDF | x86FlagNT | x86FlagIF)
		if opSize == 4 {
			mask |= x86FlagAC | x86FlagID
		}
		c.Flags = c.Flags&^mask | flags&mask | x86FlagsFixed
		return
	}
	if c.Flags&x86FlagNT != 0 {
		back := c.sysRead16(c.TR.Base)
		if back&4 != 0 {
			c.raiseCode(excTS, uint32(back&^3))
		}
		d := c.fetchDescriptor(back, excTS)
		if !d.system() || d.typ() != sysTSS32Busy {
			c.raiseCode(excTS, uint32(back&^3))
		}
		if !d.present() {
			c.raiseCode(excNP, uint32(back&^3))
		}
		c.taskSwitch(d, back, taskIRET)
		return
	}

	cpl := c.CPL()
	eip := c.peek(0, opSize)
	sel := uint16(c.peek(uint32(opSize), opSize))
	flags := c.peek(2*uint32(opSize), opSize)

	if opSize == 4 && flags&x86FlagVM != 0 && cpl == 0 {
		c.iretToV86(eip, sel, flags)
		return
	}
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
		c.setStackPtr(c.stackPtr() + 3*uint32(opSize))
		c.setAccessed(&d)
		c.setCS(d, sel, cpl)
		c.EIP = eip
		c.setFlagsFromPop(flags, opSize)
		return
	}

	newESP := c.peek(3*uint32(opSize), opSize)
	newSS := uint16(c.peek(4*uint32(opSize), opSize))
	ss := c.checkOuterStack(newSS, rpl)
	c.setAccessed(&d)
	c.setFlagsFromPop(flags, opSize)
	c.setCS(d, sel, rpl)
	c.EIP = eip
	c.segs[x86SegSS] = ss
	if ss.big() {
		c.ESP = newESP
	} else {
		c.ESP = (c.ESP &^ 0xFFFF) | (newESP & 0xFFFF)
	}
	c.dropInaccessibleSegs()
}

// iretToV86 returns from a ring 0 handler into a virtual-8086 task.
func (c *CPU_X86) iretToV86(eip uint32, cs uint16, flags uint32) {
	esp := c.peek(12, 4)
	ss := uint16(c.peek(16, 4))
	es := uint16(c.peek(20, 4))
	ds := uint16(c.peek(24, 4))
	fs := uint16(c.peek(28, 4))
	gs := uint16(c.peek(32, 4))
	c.Flags = flags&x86FlagsValid | x86FlagsFixed
	c.cpl = 3
	for i, sel := range [6]uint16{es, cs, ss, ds, fs, gs} {
		c.segs[i] = segReg{Selector: sel, Base: uint32(sel) << 4, Limit: 0xFFFF,
			Attr: descPresent | descS | descWritable | descAccessed | 3<<descDPLShift, Valid: true}
	}
	c.segs[x86SegCS].Attr |= descCode
	c.ESP = esp
	c.EIP = eip & 0xFFFF
}

// acceptInterrupt reports whether an external interrupt may be taken now.
func (c *CPU_X86) acceptInterrupt() bool {
	return c.IF() && !c.intShadow
}

// serviceInterrupt acknowledges INTR and enters the handler.
func (c *CPU_X86) serviceInterrupt() bool {
	if c.intr == nil || !c.acceptInterrupt() || !c.intr.Pending() {
		return false
	}
	vec := c.intr.Acknowledge()
	c.Interrupt(vec, intHardware, 0, false)
	return true
}
