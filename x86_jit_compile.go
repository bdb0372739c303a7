// x86_jit_compile.go - Block building and threaded execution
//
// A block is a slice of closures built from the same semantic table the
// interpreter dispatches through. Each closure still runs under
// runInstruction, so a fault inside a block rolls back exactly one
// instruction and leaves EIP on it, as in the interpreter.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "github.com/sirupsen/logrus"

type compiledOp struct {
	in Instruction
	fn semFn
}

// Execute runs a translated block at CS:EIP. It returns false when there is
// no usable translation and the caller must interpret one instruction.
func (tc *TranslationCache) Execute() (bool, error) {
	c := tc.cpu
	if c.Flags&x86FlagTF != 0 {
		return false, nil
	}
	mode := c.Mode()
	cs := &c.segs[x86SegCS]
	lin := cs.Base + c.EIP
	phys, exc := c.resolve(lin, false, mode.CPL() == 3)
	if exc != nil {
		return false, nil
	}
	phys &= tc.bus.a20Mask
	if !tc.bus.Cacheable(phys) {
		return false, nil
	}

	key := tuKey{lin: lin, phys: phys, mode: mode}
	u := tc.lookup(key)
	if u == nil {
		if u = tc.translate(key); u == nil {
			return false, nil
		}
		tc.firstPass(u)
		return true, nil
	}
	if uint64(c.EIP)+uint64(u.span) > uint64(cs.Limit)+1 {
		return false, nil
	}
	if tc.verify && tc.stale(u) {
		tc.log.WithFields(logrus.Fields{"lin": lin, "phys": phys}).Error("stale translation")
		return false, ErrStaleTranslation
	}
	tc.run(u)
	return true, nil
}

// translate decodes a block starting at CS:EIP. Blocks end after a
// terminator or must-interpret instruction, at the length cap, or before an
// instruction that leaves the entry page.
func (tc *TranslationCache) translate(key tuKey) *translationUnit {
	c := tc.cpu
	mode := key.mode
	page := key.phys >> busPageShift
	u := &translationUnit{key: key, start: key.phys, end: key.phys}

	// A lookahead fetch that misses a page must not leave its address in CR2.
	cr2 := c.CR2
	defer func() { c.CR2 = cr2 }()

	eip := c.EIP
	for len(u.ops) < tc.maxInsns {
		in, cur, err := c.decodeAt(eip, mode)
		if err != nil || semantics[in.Op].exec == nil {
			break
		}
		first, last := cur.first&tc.bus.a20Mask, cur.last&tc.bus.a20Mask
		if first>>busPageShift != page || last>>busPageShift != page {
			break
		}
		u.ops = append(u.ops, compiledOp{in: in})
		u.end = last + 1
		u.span += uint32(in.Len)
		if in.Interp() || in.Terminates() {
			break
		}
		eip += uint32(in.Len)
		if !mode.Code32() {
			eip &= 0xFFFF
		}
	}
	if len(u.ops) == 0 {
		return nil
	}

	for i := range u.ops {
		op := &u.ops[i]
		s := semantics[op.in.Op]
		op.fn = s.exec
		if s.compile != nil && !op.in.Interp() {
			if fn := s.compile(&op.in); fn != nil {
				op.fn = fn
			}
		}
	}
	u.image = tc.bus.ReadBlock(u.start, int(u.end-u.start))
	tc.insert(u)
	return u
}

// firstPass interprets the instructions of a freshly built unit one at a
// time, decoding each from guest memory. The compiled form is entered from
// the next visit on.
func (tc *TranslationCache) firstPass(u *translationUnit) {
	c := tc.cpu
	code32 := u.key.mode.Code32()
	eip := c.EIP
	for i := range u.ops {
		if i > 0 && (!u.valid || c.EIP != eip || c.Halted || c.Shutdown || c.Flags&x86FlagTF != 0) {
			return
		}
		c.stepInstruction()
		eip += uint32(u.ops[i].in.Len)
		if !code32 {
			eip &= 0xFFFF
		}
	}
}

// run executes u from its first instruction. It leaves the block early when
// an instruction faults, transfers control, halts, or invalidates u.
func (tc *TranslationCache) run(u *translationUnit) {
	c := tc.cpu
	u.execs++
	tc.Stats.Executions++
	code32 := u.key.mode.Code32()
	eip := c.EIP
	for i := range u.ops {
		if i > 0 && (!u.valid || c.EIP != eip || c.Halted || c.Shutdown) {
			return
		}
		op := &u.ops[i]
		tc.Stats.Instructions++
		if !c.runInstruction(&op.in, op.fn) {
			return
		}
		eip += uint32(op.in.Len)
		if !code32 {
			eip &= 0xFFFF
		}
	}
}
