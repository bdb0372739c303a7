// cpu_x86_mem.go - Segmented and paged memory access for the IA-32 core
//
// Every guest access goes segment check -> linear address -> page walk (TLB)
// -> physical bus. Accesses that straddle a page translate every touched page
// before any byte is transferred, so a fault on the second page leaves memory
// untouched.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

const (
	tlbEntries = 256
	tlbMask    = tlbEntries - 1

	pteP   = 1 << 0
	pteRW  = 1 << 1
	pteUS  = 1 << 2
	pteA   = 1 << 5
	pteD   = 1 << 6
	ptePS  = 1 << 7
	pteG   = 1 << 8
	pfErrP = 1 << 0
	pfErrW = 1 << 1
	pfErrU = 1 << 2
)

type tlbEntry struct {
	page     uint32
	phys     uint32
	valid    bool
	user     bool
	writable bool
	dirty    bool
	global   bool
}

type tlb struct {
	e [tlbEntries]tlbEntry
}

// flushTLB drops cached translations. Global pages survive unless all is set.
func (c *CPU_X86) flushTLB(all bool) {
	for i := range c.tlb.e {
		if all || !c.tlb.e[i].global {
			c.tlb.e[i].valid = false
		}
	}
	if c.onPagingChange != nil {
		c.onPagingChange(0, true)
	}
}

// invlpg drops the translation for one linear page.
func (c *CPU_X86) invlpg(lin uint32) {
	e := &c.tlb.e[(lin>>busPageShift)&tlbMask]
	if e.valid && e.page == lin>>busPageShift {
		e.valid = false
	}
	if c.onPagingChange != nil {
		c.onPagingChange(lin&^busPageMask, false)
	}
}

// walk resolves a linear address through the page tables, updating accessed
// and dirty bits. It never panics so the decoder can use it for fetches.
func (c *CPU_X86) walk(lin uint32, write, user bool) (uint32, *Exception) {
	wp := c.CR0&cr0WP != 0
	pdeAddr := (c.CR3 &^ busPageMask) + (lin>>22)*4
	pde := c.bus.Read32(pdeAddr)
	if pde&pteP == 0 {
		return 0, c.pageFault(lin, 0, write, user)
	}

	var phys, perm uint32
	large := pde&ptePS != 0 && c.CR4&cr4PSE != 0
	if large {
		phys = (pde & 0xFFC00000) | (lin & 0x003FF000)
		perm = pde
	} else {
		pteAddr := (pde &^ busPageMask) + ((lin>>12)&0x3FF)*4
		pte := c.bus.Read32(pteAddr)
		if pte&pteP == 0 {
			return 0, c.pageFault(lin, 0, write, user)
		}
		phys = pte &^ busPageMask
		perm = pte & (pde | ^uint32(pteRW|pteUS))
		if !accessAllowed(perm, write, user, wp) {
			return 0, c.pageFault(lin, pfErrP, write, user)
		}
		if pde&pteA == 0 {
			c.bus.Write32(pdeAddr, pde|pteA)
		}
		nv := pte | pteA
		if write {
			nv |= pteD
		}
		if nv != pte {
			c.bus.Write32(pteAddr, nv)
		}
		perm = (perm &^ pteD) | (nv & pteD)
	}
	if large {
		if !accessAllowed(perm, write, user, wp) {
			return 0, c.pageFault(lin, pfErrP, write, user)
		}
		nv := pde | pteA
		if write {
			nv |= pteD
		}
		if nv != pde {
			c.bus.Write32(pdeAddr, nv)
		}
		perm = nv
	}

	e := &c.tlb.e[(lin>>busPageShift)&tlbMask]
	*e = tlbEntry{
		page:     lin >> busPageShift,
		phys:     phys,
		valid:    true,
		user:     perm&pteUS != 0,
		writable: perm&pteRW != 0,
		dirty:    perm&pteD != 0,
		global:   perm&pteG != 0 && c.CR4&cr4PGE != 0,
	}
	return phys | (lin & busPageMask), nil
}

func accessAllowed(perm uint32, write, user, wp bool) bool {
	if user && perm&pteUS == 0 {
		return false
	}
	if write && perm&pteRW == 0 && (user || wp) {
		return false
	}
	return true
}

func (c *CPU_X86) pageFault(lin uint32, code uint32, write, user bool) *Exception {
	if write {
		code |= pfErrW
	}
	if user {
		code |= pfErrU
	}
	c.CR2 = lin
	return &Exception{Vector: excPF, ErrorCode: code, HasError: true}
}

// resolve translates without raising; used by the fetch path.
func (c *CPU_X86) resolve(lin uint32, write, user bool) (uint32, *Exception) {
	if c.CR0&cr0PG == 0 {
		return lin, nil
	}
	e := &c.tlb.e[(lin>>busPageShift)&tlbMask]
	if e.valid && e.page == lin>>busPageShift &&
		(!user || e.user) &&
		(!write || (e.dirty && (e.writable || (!user && c.CR0&cr0WP == 0)))) {
		return e.phys | (lin & busPageMask), nil
	}
	return c.walk(lin, write, user)
}

// lookup resolves lin through the page tables without touching accessed bits,
// the TLB or CR2. ok is false for an unmapped page.
func (c *CPU_X86) lookup(lin uint32) (phys uint32, ok bool) {
	if c.CR0&cr0PG == 0 {
		return lin, true
	}
	pde := c.bus.Read32((c.CR3 &^ busPageMask) + (lin>>22)*4)
	if pde&pteP == 0 {
		return 0, false
	}
	if pde&ptePS != 0 && c.CR4&cr4PSE != 0 {
		return (pde & 0xFFC00000) | (lin & 0x003FFFFF), true
	}
	pte := c.bus.Read32((pde &^ busPageMask) + ((lin>>12)&0x3FF)*4)
	if pte&pteP == 0 {
		return 0, false
	}
	return (pte &^ busPageMask) | (lin & busPageMask), true
}

// translate resolves a linear address or aborts the instruction with #PF.
func (c *CPU_X86) translate(lin uint32, write, user bool) uint32 {
	phys, exc := c.resolve(lin, write, user)
	if exc != nil {
		panic(exc)
	}
	return phys
}

// ------------------------------------------------------------------------------
// Segmentation
// ------------------------------------------------------------------------------

func segFault(seg int) uint8 {
	if seg == x86SegSS {
		return excSS
	}
	return excGP
}

// linear checks a data access of size bytes at seg:off against the segment's
// cached descriptor and returns the linear address.
func (c *CPU_X86) linear(seg int, off uint32, size uint32, write bool) uint32 {
	s := &c.segs[seg]
	last := off + size - 1
	if !c.protected() || c.v86() {
		if last < off || last > s.Limit {
			c.raiseCode(segFault(seg), 0)
		}
		return s.Base + off
	}
	if !s.Valid {
		c.raiseCode(segFault(seg), 0)
	}
	if write && !s.writable() {
		c.raiseCode(segFault(seg), 0)
	}
	if !write && !s.readable() {
		c.raiseCode(segFault(seg), 0)
	}
	if s.expandDown() {
		upper := uint32(0xFFFF)
		if s.big() {
			upper = 0xFFFFFFFF
		}
		if off <= s.Limit || last > upper || last < off {
			c.raiseCode(segFault(seg), 0)
		}
	} else if last < off || last > s.Limit {
		c.raiseCode(segFault(seg), 0)
	}
	return s.Base + off
}

// ------------------------------------------------------------------------------
// Linear accessors
// ------------------------------------------------------------------------------

func crossesPage(lin uint32, size uint8) bool {
	return lin&busPageMask > busPageSize-uint32(size)
}

func (c *CPU_X86) physRead(phys uint32, size uint8) uint32 {
	switch size {
	case 1:
		return uint32(c.bus.Read8(phys))
	case 2:
		return uint32(c.bus.Read16(phys))
	}
	return c.bus.Read32(phys)
}

func (c *CPU_X86) physWrite(phys uint32, size uint8, v uint32) {
	switch size {
	case 1:
		c.bus.Write8(phys, uint8(v))
	case 2:
		c.bus.Write16(phys, uint16(v))
	default:
		c.bus.Write32(phys, v)
	}
}

// readLin reads 1, 2 or 4 bytes at a linear address.
func (c *CPU_X86) readLin(lin uint32, size uint8, user bool) uint32 {
	if !crossesPage(lin, size) {
		return c.physRead(c.translate(lin, false, user), size)
	}
	p1 := c.translate(lin, false, user)
	p2 := c.translate((lin+uint32(size)-1)&^busPageMask, false, user)
	var v uint32
	for i := uint32(0); i < uint32(size); i++ {
		a := lin + i
		p := p1 + i
		if a&^busPageMask != lin&^busPageMask {
			p = p2 + (a & busPageMask)
		}
		v |= uint32(c.bus.Read8(p)) << (8 * i)
	}
	return v
}

// writeLin writes 1, 2 or 4 bytes at a linear address. Both pages of a
// straddling write are checked before either is modified.
func (c *CPU_X86) writeLin(lin uint32, size uint8, v uint32, user bool) {
	if !crossesPage(lin, size) {
		c.physWrite(c.translate(lin, true, user), size, v)
		return
	}
	p1 := c.translate(lin, true, user)
	p2 := c.translate((lin+uint32(size)-1)&^busPageMask, true, user)
	for i := uint32(0); i < uint32(size); i++ {
		a := lin + i
		p := p1 + i
		if a&^busPageMask != lin&^busPageMask {
			p = p2 + (a & busPageMask)
		}
		c.bus.Write8(p, byte(v>>(8*i)))
	}
}

// userAccess reports whether ordinary data accesses run with user rights.
func (c *CPU_X86) userAccess() bool { return c.CPL() == 3 }

// readMem reads size bytes from seg:off with full protection checks.
func (c *CPU_X86) readMem(seg int, off uint32, size uint8) uint32 {
	lin := c.linear(seg, off, uint32(size), false)
	return c.readLin(lin, size, c.userAccess())
}

// writeMem writes size bytes to seg:off with full protection checks.
func (c *CPU_X86) writeMem(seg int, off uint32, size uint8, v uint32) {
	lin := c.linear(seg, off, uint32(size), true)
	c.writeLin(lin, size, v, c.userAccess())
}

// checkWrite validates a later write without performing it.
func (c *CPU_X86) checkWrite(seg int, off uint32, size uint8) {
	lin := c.linear(seg, off, uint32(size), true)
	user := c.userAccess()
	c.translate(lin, true, user)
	if crossesPage(lin, size) {
		c.translate((lin+uint32(size)-1)&^busPageMask, true, user)
	}
}

func (c *CPU_X86) read8(seg int, off uint32) byte { return byte(c.readMem(seg, off, 1)) }
func (c *CPU_X86) read16(seg int, off uint32) uint16 { return uint16(c.readMem(seg, off, 2)) }
func (c *CPU_X86) read32(seg int, off uint32) uint32 { return c.readMem(seg, off, 4) }

// sysRead32 reads a system structure (descriptor tables, TSS) with
// supervisor rights regardless of CPL.
func (c *CPU_X86) sysRead32(lin uint32) uint32 { return c.readLin(lin, 4, false) }
func (c *CPU_X86) sysRead16(lin uint32) uint16 { return uint16(c.readLin(lin, 2, false)) }
func (c *CPU_X86) sysRead8(lin uint32) byte { return byte(c.readLin(lin, 1, false)) }
func (c *CPU_X86) sysWrite32(lin uint32, v uint32) {
	c.writeLin(lin, 4, v, false)
}
func (c *CPU_X86) sysWrite16(lin uint32, v uint16) {
	c.writeLin(lin, 2, uint32(v), false)
}
func (c *CPU_X86) sysWrite8(lin uint32, v byte) {
	c.writeLin(lin, 1, uint32(v), false)
}

// ------------------------------------------------------------------------------
// Stack
// ------------------------------------------------------------------------------

func (c *CPU_X86) stack32() bool { return c.segs[x86SegSS].big() }

// stackPtr returns the effective stack pointer for the current SS size.
func (c *CPU_X86) stackPtr() uint32 {
	if c.stack32() {
		return c.ESP
	}
	return c.ESP & 0xFFFF
}

func (c *CPU_X86) setStackPtr(v uint32) {
	if c.stack32() {
		c.ESP = v
	} else {
		c.ESP = (c.ESP &^ 0xFFFF) | (v & 0xFFFF)
	}
}

// push stores a value of size bytes below the stack pointer. ESP only moves
// once the write has succeeded.
func (c *CPU_X86) push(v uint32, size uint8) {
	sp := c.stackPtr() - uint32(size)
	if !c.stack32() {
		sp &= 0xFFFF
	}
	c.writeMem(x86SegSS, sp, size, v)
	c.setStackPtr(sp)
}

// pop loads a value of size bytes and moves the stack pointer past it.
func (c *CPU_X86) pop(size uint8) uint32 {
	sp := c.stackPtr()
	v := c.readMem(x86SegSS, sp, size)
	c.setStackPtr(sp + uint32(size))
	return v
}

// peek reads a stack slot at offset bytes above the stack pointer.
func (c *CPU_X86) peek(offset uint32, size uint8) uint32 {
	sp := c.stackPtr() + offset
	if !c.stack32() {
		sp &= 0xFFFF
	}
	return c.readMem(x86SegSS, sp, size)
}

func (c *CPU_X86) push16(v uint16) { c.push(uint32(v), 2) }
func (c *CPU_X86) push32(v uint32) { c.push(v, 4) }
func (c *CPU_X86) pop16() uint16 { return uint16(c.pop(2)) }
func (c *CPU_X86) pop32() uint32 { return c.pop(4) }

// ------------------------------------------------------------------------------
// Port I/O permission
// ------------------------------------------------------------------------------

// checkIO enforces IOPL and the TSS I/O permission bitmap for size bytes at port.
func (c *CPU_X86) checkIO(port uint16, size uint8) {
	if !c.protected() || (!c.v86() && c.CPL() <= c.iopl()) {
		return
	}
	tr := &c.TR
	if !tr.Valid || (tr.sysType() != 0x9 && tr.sysType() != 0xB) || tr.Limit < 0x67 {
		c.raiseCode(excGP, 0)
	}
	base := uint32(c.sysRead16(tr.Base + 0x66))
	off := base + uint32(port)/8
	if off+1 > tr.Limit {
		c.raiseCode(excGP, 0)
	}
	bits := uint32(c.sysRead16(tr.Base + off))
	mask := (uint32(1)<<size - 1) << (port & 7)
	if bits&mask != 0 {
		c.raiseCode(excGP, 0)
	}
}
