// fpu_x87_ops.go - x87 instruction execution (D8-DF escapes)
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "math"

var x87BinaryOpTable = [8]func(a, b float64) float64{
	0: func(a, b float64) float64 { return a + b }, // FADD
	1: func(a, b float64) float64 { return a * b }, // FMUL
	4: func(a, b float64) float64 { return a - b }, // FSUB
	5: func(a, b float64) float64 { return b - a }, // FSUBR
	6: func(a, b float64) float64 { return a / b }, // FDIV
	7: func(a, b float64) float64 { return b / a }, // FDIVR
}

func x87CheckBinaryExceptions(f *FPU_X87, op int, r, a, b float64) {
	if math.IsNaN(r) && !math.IsNaN(a) && !math.IsNaN(b) {
		f.setException(x87FSW_IE)
	} else if math.IsInf(r, 0) && !math.IsInf(a, 0) && !math.IsInf(b, 0) {
		if op >= 6 {
			den := b
			if op == 7 {
				den = a
			}
			if den == 0 {
				f.setException(x87FSW_ZE)
				return
			}
		}
		f.setException(x87FSW_OE)
	}
}

// arith applies a binary operation storing into physical register dst.
func (f *FPU_X87) arith(op int, dst int, a, b float64) {
	fn := x87BinaryOpTable[op]
	r := fn(a, b)
	x87CheckBinaryExceptions(f, op, r, a, b)
	f.regs[dst] = r
	f.setTag(dst, f.classifyTag(r))
}

func (f *FPU_X87) binaryST0STi(op, i int) {
	if f.checkStackUnderflow(0) || f.checkStackUnderflow(i) {
		return
	}
	f.arith(op, f.physReg(0), f.ST(0), f.ST(i))
}

func (f *FPU_X87) binarySTiST0(op, i int) {
	if f.checkStackUnderflow(0) || f.checkStackUnderflow(i) {
		return
	}
	f.arith(op, f.physReg(i), f.ST(i), f.ST(0))
}

func (f *FPU_X87) binaryMem(op int, v float64) {
	if f.checkStackUnderflow(0) {
		return
	}
	f.arith(op, f.physReg(0), f.ST(0), v)
}

// memArith covers the D8/DA/DC/DE memory forms after the operand is loaded.
func (f *FPU_X87) memArith(reg int, v float64) {
	switch reg {
	case 2, 3:
		if !f.checkStackUnderflow(0) {
			f.doCompare(f.ST(0), v, true)
			if reg == 3 {
				f.pop()
			}
		}
	default:
		f.binaryMem(reg, v)
	}
}

// x87Swap maps the DC/DE register form encodings, where SUB/SUBR and
// DIV/DIVR are exchanged.
var x87Swap = [8]int{0, 1, 2, 3, 5, 4, 7, 6}

// ------------------------------------------------------------------------------
// Exceptions and availability
// ------------------------------------------------------------------------------

// fpuAvailable raises #NM when the unit is emulated or its context is stale.
func (c *CPU_X86) fpuAvailable() {
	if c.CR0&(cr0EM|cr0TS) != 0 {
		c.raise(excNM)
	}
}

// fpuPending reports a pending unmasked exception before a waiting
// instruction executes.
func (c *CPU_X86) fpuPending() {
	if c.fpu.FSW&x87FSW_ES == 0 {
		return
	}
	if c.CR0&cr0NE != 0 {
		c.raise(excMF)
	}
	if c.onFERR != nil {
		c.onFERR()
	}
}

func execWAIT(c *CPU_X86, _ *Instruction) {
	if c.CR0&(cr0MP|cr0TS) == cr0MP|cr0TS {
		c.raise(excNM)
	}
	c.fpuPending()
}

// x87NoWait lists the control forms that skip the pending exception check,
// keyed by Ext for memory forms.
func x87NoWait(in *Instruction) bool {
	if in.Args[0].Kind == KindMem {
		switch in.Ext {
		case 0o14, 0o15, 0o16, 0o17, 0o54, 0o56, 0o57: // FLDENV FLDCW FNSTENV FNSTCW FRSTOR FNSAVE FNSTSW
			return true
		}
		return false
	}
	return in.ModRM == 0xE2 && in.Opcode == 0xDB || // FNCLEX
		in.ModRM == 0xE3 && in.Opcode == 0xDB || // FNINIT
		in.ModRM == 0xE0 && in.Opcode == 0xDF // FNSTSW AX
}

func execFPU(c *CPU_X86, in *Instruction) {
	c.fpuAvailable()
	if !x87NoWait(in) {
		c.fpuPending()
	}
	f := c.fpu
	esc := in.Ext >> 3
	reg := int(in.Ext & 7)
	op := &in.Args[0]

	if op.Kind != KindMem {
		c.x87Register(in, esc, reg, int(op.Reg))
		f.FIP, f.FCS = c.instEIP, c.segs[x86SegCS].Selector
		f.FOP = uint16(esc)<<8 | uint16(in.ModRM)
		return
	}

	m := x87Mem{c: c, seg: int(op.Seg), ea: c.effAddr(op, in.AddrSize), mask: addrMask(in.AddrSize)}
	if !x87NoWait(in) {
		f.FIP, f.FCS = c.instEIP, c.segs[x86SegCS].Selector
		f.FOP = uint16(esc)<<8 | uint16(in.ModRM)
		f.FDP, f.FDS = m.ea, c.segs[m.seg].Selector
	}
	c.x87Memory(in, esc, reg, m)
}

func (c *CPU_X86) x87Memory(in *Instruction, esc uint8, reg int, m x87Mem) {
	f := c.fpu
	switch esc {
	case 0: // D8: m32real arithmetic
		f.memArith(reg, f.loadFloat32(m))
	case 2: // DA: m32int arithmetic
		f.memArith(reg, f.loadInt32(m))
	case 4: // DC: m64real arithmetic
		f.memArith(reg, f.loadFloat64(m))
	case 6: // DE: m16int arithmetic
		f.memArith(reg, f.loadInt16(m))
	case 1:
		switch reg {
		case 0: // FLD m32
			f.push(f.loadFloat32(m))
		case 2, 3: // FST/FSTP m32
			if !f.checkStackUnderflow(0) {
				f.storeFloat32(m, f.ST(0))
				if reg == 3 {
					f.pop()
				}
			}
		case 4: // FLDENV
			f.loadEnv(m, in.OpSize)
		case 5: // FLDCW
			f.FCW = uint16(m.read(0, 2))
			f.updateES()
		case 6: // FNSTENV
			m.check(28)
			f.storeEnv(m, in.OpSize)
		case 7: // FNSTCW
			m.write(0, 2, uint32(f.FCW))
		default:
			c.raise(excUD)
		}
	case 3:
		switch reg {
		case 0: // FILD m32
			f.push(f.loadInt32(m))
		case 2, 3: // FIST/FISTP m32
			if !f.checkStackUnderflow(0) {
				f.storeInt32(m, f.ST(0))
				if reg == 3 {
					f.pop()
				}
			}
		case 5: // FLD m80
			f.push(f.loadExtended80(m))
		case 7: // FSTP m80
			if !f.checkStackUnderflow(0) {
				m.check(10)
				f.storeExtended80(m, f.ST(0))
				f.pop()
			}
		default:
			c.raise(excUD)
		}
	case 5:
		switch reg {
		case 0: // FLD m64
			f.push(f.loadFloat64(m))
		case 2, 3: // FST/FSTP m64
			if !f.checkStackUnderflow(0) {
				f.storeFloat64(m, f.ST(0))
				if reg == 3 {
					f.pop()
				}
			}
		case 4: // FRSTOR
			f.restore(m, in.OpSize)
		case 6: // FNSAVE
			f.save(m, in.OpSize)
		case 7: // FNSTSW m16
			m.write(0, 2, uint32(f.FSW))
		default:
			c.raise(excUD)
		}
	case 7:
		switch reg {
		case 0: // FILD m16
			f.push(f.loadInt16(m))
		case 2, 3: // FIST/FISTP m16
			if !f.checkStackUnderflow(0) {
				f.storeInt16(m, f.ST(0))
				if reg == 3 {
					f.pop()
				}
			}
		case 4: // FBLD
			f.push(f.loadBCD(m))
		case 5: // FILD m64
			f.push(f.loadInt64(m))
		case 6: // FBSTP
			if !f.checkStackUnderflow(0) {
				f.storeBCD(m, f.ST(0))
				f.pop()
			}
		case 7: // FISTP m64
			if !f.checkStackUnderflow(0) {
				f.storeInt64(m, f.ST(0))
				f.pop()
			}
		default:
			c.raise(excUD)
		}
	}
}

func (c *CPU_X86) x87Register(in *Instruction, esc uint8, reg, i int) {
	f := c.fpu
	switch esc {
	case 0: // D8: ST0 = ST0 op STi
		if reg == 2 || reg == 3 {
			if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(i) {
				f.doCompare(f.ST(0), f.ST(i), true)
				if reg == 3 {
					f.pop()
				}
			}
			return
		}
		f.binaryST0STi(reg, i)
	case 1:
		if fn := x87D9RegOps[in.ModRM-0xC0]; fn != nil {
			fn(f)
			return
		}
		c.raise(excUD)
	case 2:
		if in.ModRM != 0xE9 {
			c.raise(excUD)
		}
		// FUCOMPP
		if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(1) {
			f.doCompare(f.ST(0), f.ST(1), false)
			f.pop()
			f.pop()
		}
	case 3:
		switch in.ModRM {
		case 0xE2: // FNCLEX
			f.FSW &^= 0x80FF
		case 0xE3: // FNINIT
			f.Reset()
		case 0xE0, 0xE1, 0xE4: // FENI, FDISI, FSETPM
		default:
			c.raise(excUD)
		}
	case 4: // DC: STi = STi op ST0
		if reg == 2 || reg == 3 {
			if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(i) {
				f.doCompare(f.ST(0), f.ST(i), true)
				if reg == 3 {
					f.pop()
				}
			}
			return
		}
		f.binarySTiST0(x87Swap[reg], i)
	case 5:
		switch reg {
		case 0: // FFREE
			f.setTag(f.physReg(i), x87TagEmpty)
		case 2, 3: // FST/FSTP ST(i)
			if !f.checkStackUnderflow(0) {
				f.setST(i, f.ST(0))
				if reg == 3 {
					f.pop()
				}
			}
		case 4, 5: // FUCOM/FUCOMP
			if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(i) {
				f.doCompare(f.ST(0), f.ST(i), false)
				if reg == 5 {
					f.pop()
				}
			}
		default:
			c.raise(excUD)
		}
	case 6: // DE: arithmetic and pop
		switch {
		case reg == 3 && i == 1: // FCOMPP
			if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(1) {
				f.doCompare(f.ST(0), f.ST(1), true)
				f.pop()
				f.pop()
			}
		case reg == 2 || reg == 3:
			c.raise(excUD)
		default:
			f.binarySTiST0(x87Swap[reg], i)
			f.pop()
		}
	case 7:
		if in.ModRM != 0xE0 {
			c.raise(excUD)
		}
		c.SetAX(f.FSW) // FNSTSW AX
	}
}

// x87D9RegOps holds the D9 register forms indexed by ModR/M - 0xC0.
var x87D9RegOps [64]func(*FPU_X87)

func (f *FPU_X87) unary(fn func(float64) float64) {
	if !f.checkStackUnderflow(0) {
		f.setST(0, fn(f.ST(0)))
	}
}

func init() {
	for i := range 8 {
		x87D9RegOps[i] = func(f *FPU_X87) { // FLD ST(i)
			if !f.checkStackUnderflow(i) {
				f.push(f.ST(i))
			}
		}
		x87D9RegOps[0x08+i] = func(f *FPU_X87) { // FXCH ST(i)
			if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(i) {
				a, b := f.ST(0), f.ST(i)
				f.setST(0, b)
				f.setST(i, a)
			}
		}
	}
	x87D9RegOps[0x10] = func(*FPU_X87) {} // FNOP
	x87D9RegOps[0x20] = func(f *FPU_X87) { f.unary(func(v float64) float64 { return -v }) }
	x87D9RegOps[0x21] = func(f *FPU_X87) { f.unary(math.Abs) }
	x87D9RegOps[0x24] = func(f *FPU_X87) { // FTST
		if !f.checkStackUnderflow(0) {
			f.doCompare(f.ST(0), 0, true)
		}
	}
	x87D9RegOps[0x25] = func(f *FPU_X87) { // FXAM
		top := f.top()
		f.xam(f.regs[top], f.getTag(top) == x87TagEmpty)
	}
	for i := range 7 {
		x87D9RegOps[0x28+i] = func(f *FPU_X87) { f.push(x87ConstTable[i]) }
	}
	x87D9RegOps[0x30] = func(f *FPU_X87) { f.unary(func(v float64) float64 { return math.Exp2(v) - 1 }) }
	x87D9RegOps[0x31] = func(f *FPU_X87) { // FYL2X
		if f.checkStackUnderflow(0) || f.checkStackUnderflow(1) {
			return
		}
		x, y := f.ST(0), f.ST(1)
		if x < 0 {
			f.setException(x87FSW_IE)
		} else if x == 0 && y != 0 && !math.IsNaN(y) && !math.IsInf(y, 0) {
			f.setException(x87FSW_ZE)
		}
		f.setST(1, y*math.Log2(x))
		f.pop()
	}
	x87D9RegOps[0x32] = func(f *FPU_X87) { // FPTAN
		if !f.checkStackUnderflow(0) {
			f.FSW &^= x87FSW_C2
			f.setST(0, math.Tan(f.ST(0)))
			f.push(1.0)
		}
	}
	x87D9RegOps[0x33] = func(f *FPU_X87) { // FPATAN
		if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(1) {
			f.setST(1, math.Atan2(f.ST(1), f.ST(0)))
			f.pop()
		}
	}
	x87D9RegOps[0x34] = func(f *FPU_X87) { // FXTRACT
		if f.checkStackUnderflow(0) {
			return
		}
		x := f.ST(0)
		if x == 0 {
			f.setException(x87FSW_ZE)
			f.setST(0, math.Inf(-1))
			f.push(x)
			return
		}
		frac, exp := math.Frexp(x)
		f.setST(0, float64(exp-1))
		f.push(frac * 2)
	}
	x87D9RegOps[0x35] = func(f *FPU_X87) { f.partialRemainder(math.RoundToEven) } // FPREM1
	x87D9RegOps[0x36] = func(f *FPU_X87) { f.setTop(f.top() - 1) }                // FDECSTP
	x87D9RegOps[0x37] = func(f *FPU_X87) { f.setTop(f.top() + 1) }                // FINCSTP
	x87D9RegOps[0x38] = func(f *FPU_X87) { f.partialRemainder(math.Trunc) }       // FPREM
	x87D9RegOps[0x39] = func(f *FPU_X87) { // FYL2XP1
		if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(1) {
			x, y := f.ST(0), f.ST(1)
			if x <= -1 {
				f.setException(x87FSW_IE)
			}
			f.setST(1, y*math.Log1p(x)/math.Ln2)
			f.pop()
		}
	}
	x87D9RegOps[0x3A] = func(f *FPU_X87) { // FSQRT
		if !f.checkStackUnderflow(0) {
			x := f.ST(0)
			if x < 0 {
				f.setException(x87FSW_IE)
			}
			f.setST(0, math.Sqrt(x))
		}
	}
	x87D9RegOps[0x3B] = func(f *FPU_X87) { // FSINCOS
		if !f.checkStackUnderflow(0) {
			s, co := math.Sincos(f.ST(0))
			f.setST(0, s)
			f.push(co)
			f.FSW &^= x87FSW_C2
		}
	}
	x87D9RegOps[0x3C] = func(f *FPU_X87) { f.unary(f.roundPerFCW) }
	x87D9RegOps[0x3D] = func(f *FPU_X87) { // FSCALE
		if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(1) {
			f.setST(0, math.Ldexp(f.ST(0), int(math.Trunc(f.ST(1)))))
		}
	}
	x87D9RegOps[0x3E] = func(f *FPU_X87) { f.unary(math.Sin); f.FSW &^= x87FSW_C2 }
	x87D9RegOps[0x3F] = func(f *FPU_X87) { f.unary(math.Cos); f.FSW &^= x87FSW_C2 }
}

// partialRemainder implements FPREM and FPREM1; round selects the quotient
// rounding.
func (f *FPU_X87) partialRemainder(round func(float64) float64) {
	if f.checkStackUnderflow(0) || f.checkStackUnderflow(1) {
		return
	}
	a, b := f.ST(0), f.ST(1)
	if b == 0 || math.IsInf(a, 0) {
		f.setException(x87FSW_IE)
		f.setST(0, math.NaN())
		return
	}
	q := round(a / b)
	f.setST(0, a-q*b)
	f.FSW &^= x87FSW_C2
	f.setQuotientFlags(int64(q))
}
