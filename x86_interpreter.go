// x86_interpreter.go - Fetch/decode/execute for single instructions
//
// Every instruction runs under a snapshot: a fault restores the registers
// saved at its start and delivers the exception with EIP on the faulting
// instruction. Translated blocks reuse runInstruction so both engines share
// one fault model.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "errors"

// fetchCursor reads instruction bytes through CS and the page tables and
// records the physical pages it touched.
type fetchCursor struct {
	c      *CPU_X86
	eip    uint32
	code32 bool
	user   bool
	first  uint32 // physical address of byte 0
	last   uint32 // physical address of the last byte fetched
}

func (f *fetchCursor) Fetch(i int) (byte, error) {
	c := f.c
	cs := &c.segs[x86SegCS]
	off := f.eip + uint32(i)
	if !f.code32 {
		off &= 0xFFFF
	}
	if off > cs.Limit {
		return 0, &Exception{Vector: excGP, HasError: true}
	}
	phys, exc := c.resolve(cs.Base+off, false, f.user)
	if exc != nil {
		return 0, exc
	}
	if i == 0 {
		f.first = phys
	}
	f.last = phys
	return c.bus.Read8(phys), nil
}

// decodeAt decodes the instruction at CS:eip under the current mode.
func (c *CPU_X86) decodeAt(eip uint32, mode ExecMode) (Instruction, fetchCursor, error) {
	cur := fetchCursor{c: c, eip: eip, code32: mode.Code32(), user: mode.CPL() == 3}
	in, err := Decode(&cur, mode)
	return in, cur, err
}

// deliverFault hands a decode or execution failure to the exception path.
func (c *CPU_X86) deliverFault(err error) {
	var exc *Exception
	if !errors.As(err, &exc) {
		exc = &Exception{Vector: excUD}
	}
	c.instEIP = c.EIP
	c.Exception(exc)
}

// guard executes fn as one instruction and converts a raised fault into a
// rolled-back state plus the returned exception.
func (c *CPU_X86) guard(in *Instruction, fn semFn) (exc *Exception) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*Exception)
			if !ok {
				panic(r)
			}
			c.restoreSnapshot()
			exc = e
		}
	}()
	c.saveSnapshot()
	if in.Flags&FlagPrivileged != 0 && c.CPL() != 0 {
		c.raiseCode(excGP, 0)
	}
	next := c.EIP + uint32(in.Len)
	if !c.segs[x86SegCS].big() {
		next &= 0xFFFF
	}
	c.EIP = next
	fn(c, in)
	return nil
}

// runInstruction executes one decoded instruction including fault delivery
// and the single-step trap. It reports whether the instruction retired.
func (c *CPU_X86) runInstruction(in *Instruction, fn semFn) bool {
	tf := c.Flags&x86FlagTF != 0
	c.intShadow = false
	if exc := c.guard(in, fn); exc != nil {
		c.Cycles++
		c.Exception(exc)
		return false
	}
	c.Cycles++
	if tf {
		c.DR[6] |= 1 << 14
		c.Interrupt(excDB, intException, 0, false)
	}
	return true
}

// stepInstruction interprets the instruction at CS:EIP.
func (c *CPU_X86) stepInstruction() {
	mode := c.Mode()
	in, _, err := c.decodeAt(c.EIP, mode)
	if err != nil {
		c.Cycles++
		c.deliverFault(err)
		return
	}
	if c.trace != nil {
		c.trace(c.segs[x86SegCS].Selector, c.EIP, &in)
	}
	c.runInstruction(&in, semantics[in.Op].exec)
}

// Step runs one unit of work: an interrupt entry or one instruction. It does
// nothing once the CPU is halted with no interrupt pending, or shut down.
func (c *CPU_X86) Step() {
	if c.Shutdown {
		return
	}
	if c.serviceInterrupt() {
		return
	}
	if c.Halted {
		return
	}
	c.stepInstruction()
}
