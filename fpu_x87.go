// fpu_x87.go - x87 floating point unit state
//
// Registers are held as float64; the 80-bit format only exists at the memory
// boundary (FLD/FSTP m80, FSAVE/FRSTOR). Unmasked exceptions set ES and are
// reported on the next waiting FPU instruction, as #MF with CR0.NE set or
// through the FERR line otherwise.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "math"

var x87SmallestNormal = math.Float64frombits(0x0010000000000000)

const (
	x87TagValid   = uint16(0)
	x87TagZero    = uint16(1)
	x87TagSpecial = uint16(2)
	x87TagEmpty   = uint16(3)
)

const (
	x87FSW_IE       = uint16(1 << 0)
	x87FSW_DE       = uint16(1 << 1)
	x87FSW_ZE       = uint16(1 << 2)
	x87FSW_OE       = uint16(1 << 3)
	x87FSW_UE       = uint16(1 << 4)
	x87FSW_PE       = uint16(1 << 5)
	x87FSW_SF       = uint16(1 << 6)
	x87FSW_ES       = uint16(1 << 7)
	x87FSW_C0       = uint16(1 << 8)
	x87FSW_C1       = uint16(1 << 9)
	x87FSW_C2       = uint16(1 << 10)
	x87FSW_TOPMask  = uint16(7 << 11)
	x87FSW_TOPShift = 11
	x87FSW_C3       = uint16(1 << 14)
	x87FSW_B        = uint16(1 << 15)
)

const (
	x87FCW_PCShift = 8
	x87FCW_RCShift = 10
	x87FCW_RCMask  = uint16(3 << x87FCW_RCShift)
)

const (
	x87FCW_RCNearest = uint16(0)
	x87FCW_RCDown    = uint16(1)
	x87FCW_RCUp      = uint16(2)
	x87FCW_RCChop    = uint16(3)
)

const (
	x87IndefInt16 = int16(-32768)
	x87IndefInt32 = int32(-2147483648)
	x87IndefInt64 = int64(-9223372036854775808)
)

// FPU_X87 is the architectural state of the x87 unit.
type FPU_X87 struct {
	regs [8]float64

	FCW uint16
	FSW uint16
	FTW uint16

	FIP uint32
	FCS uint16
	FDP uint32
	FDS uint16
	FOP uint16
}

// x87Mem addresses a memory operand as seg:ea with every access going
// through the CPU's protection checks.
type x87Mem struct {
	c    *CPU_X86
	seg  int
	ea   uint32
	mask uint32
}

func (m x87Mem) off(i uint32) uint32 { return (m.ea + i) & m.mask }

func (m x87Mem) read(i uint32, size uint8) uint32 {
	return m.c.readMem(m.seg, m.off(i), size)
}

func (m x87Mem) write(i uint32, size uint8, v uint32) {
	m.c.writeMem(m.seg, m.off(i), size, v)
}

func (m x87Mem) read64(i uint32) uint64 {
	return uint64(m.read(i, 4)) | uint64(m.read(i+4, 4))<<32
}

func (m x87Mem) write64(i uint32, v uint64) {
	m.check(i + 8)
	m.write(i, 4, uint32(v))
	m.write(i+4, 4, uint32(v>>32))
}

// check validates a store of n bytes before any of it is written.
func (m x87Mem) check(n uint32) {
	m.c.checkWrite(m.seg, m.off(0), 1)
	m.c.checkWrite(m.seg, m.off(n-1), 1)
}

func NewFPU_X87() *FPU_X87 {
	f := &FPU_X87{}
	f.Reset()
	return f
}

func (f *FPU_X87) Reset() {
	for i := range f.regs {
		f.regs[i] = 0
	}
	f.FCW = 0x037F
	f.FSW = 0
	f.FTW = 0xFFFF
	f.FIP = 0
	f.FCS = 0
	f.FDP = 0
	f.FDS = 0
	f.FOP = 0
}

func (f *FPU_X87) top() int {
	return int((f.FSW & x87FSW_TOPMask) >> x87FSW_TOPShift)
}

func (f *FPU_X87) setTop(top int) {
	f.FSW = (f.FSW &^ x87FSW_TOPMask) | (uint16(top&7) << x87FSW_TOPShift)
}

func (f *FPU_X87) physReg(stIdx int) int {
	return (f.top() + stIdx) & 7
}

func (f *FPU_X87) ST(i int) float64 {
	return f.regs[f.physReg(i)]
}

func (f *FPU_X87) setST(i int, v float64) {
	phys := f.physReg(i)
	f.regs[phys] = v
	f.setTag(phys, f.classifyTag(v))
}

func (f *FPU_X87) getTag(phys int) uint16 {
	shift := uint((phys & 7) * 2)
	return (f.FTW >> shift) & 0x3
}

func (f *FPU_X87) setTag(phys int, tag uint16) {
	shift := uint((phys & 7) * 2)
	f.FTW &^= 0x3 << shift
	f.FTW |= (tag & 0x3) << shift
}

func (f *FPU_X87) classifyTag(v float64) uint16 {
	if v == 0 {
		return x87TagZero
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return x87TagSpecial
	}
	if math.Abs(v) < x87SmallestNormal {
		return x87TagSpecial
	}
	return x87TagValid
}

func (f *FPU_X87) setException(mask uint16) {
	f.FSW |= mask
	if f.FCW&mask&0x3F == 0 {
		f.FSW |= x87FSW_ES | x87FSW_B
	}
}

func (f *FPU_X87) clearCond() {
	f.FSW &^= x87FSW_C0 | x87FSW_C1 | x87FSW_C2 | x87FSW_C3
}

func (f *FPU_X87) checkStackOverflow() bool {
	nextTop := (f.top() - 1) & 7
	if f.getTag(nextTop) != x87TagEmpty {
		f.setException(x87FSW_IE | x87FSW_SF)
		f.FSW |= x87FSW_C1
		return true
	}
	return false
}

func (f *FPU_X87) checkStackUnderflow(i int) bool {
	if f.getTag(f.physReg(i)) == x87TagEmpty {
		f.setException(x87FSW_IE | x87FSW_SF)
		f.FSW &^= x87FSW_C1
		return true
	}
	return false
}

func (f *FPU_X87) push(v float64) {
	if f.checkStackOverflow() {
		return
	}
	nextTop := (f.top() - 1) & 7
	f.setTop(nextTop)
	f.regs[nextTop] = v
	f.setTag(nextTop, f.classifyTag(v))
}

func (f *FPU_X87) pop() float64 {
	if f.checkStackUnderflow(0) {
		return math.NaN()
	}
	top := f.top()
	v := f.regs[top]
	f.setTag(top, x87TagEmpty)
	f.setTop((top + 1) & 7)
	return v
}

func (f *FPU_X87) roundPerFCW(v float64) float64 {
	switch (f.FCW >> x87FCW_RCShift) & 0x3 {
	case x87FCW_RCDown:
		return math.Floor(v)
	case x87FCW_RCUp:
		return math.Ceil(v)
	case x87FCW_RCChop:
		return math.Trunc(v)
	default:
		return math.RoundToEven(v)
	}
}

func (f *FPU_X87) intFromFloat(v float64, bits int) int64 {
	r := f.roundPerFCW(v)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		f.setException(x87FSW_IE)
		switch bits {
		case 16:
			return int64(x87IndefInt16)
		case 32:
			return int64(x87IndefInt32)
		default:
			return x87IndefInt64
		}
	}
	switch bits {
	case 16:
		if r < math.MinInt16 || r > math.MaxInt16 {
			f.setException(x87FSW_IE)
			return int64(x87IndefInt16)
		}
	case 32:
		if r < math.MinInt32 || r > math.MaxInt32 {
			f.setException(x87FSW_IE)
			return int64(x87IndefInt32)
		}
	case 64:
		if r < math.MinInt64 || r > math.MaxInt64 {
			f.setException(x87FSW_IE)
			return x87IndefInt64
		}
	}
	return int64(r)
}

// ------------------------------------------------------------------------------
// Memory formats
// ------------------------------------------------------------------------------

func (f *FPU_X87) loadFloat32(m x87Mem) float64 {
	return float64(math.Float32frombits(m.read(0, 4)))
}

func (f *FPU_X87) storeFloat32(m x87Mem, v float64) {
	f32 := float32(v)
	if float64(f32) != v && !math.IsNaN(v) && !math.IsInf(v, 0) {
		f.setException(x87FSW_PE)
	}
	m.write(0, 4, math.Float32bits(f32))
}

func (f *FPU_X87) loadFloat64(m x87Mem) float64 { return math.Float64frombits(m.read64(0)) }

func (f *FPU_X87) storeFloat64(m x87Mem, v float64) { m.write64(0, math.Float64bits(v)) }

func (f *FPU_X87) loadExtended80(m x87Mem) float64 {
	return x87FromExtended(m.read64(0), uint16(m.read(8, 2)))
}

func (f *FPU_X87) storeExtended80(m x87Mem, v float64) {
	mant, se := x87ToExtended(v)
	m.write64(0, mant)
	m.write(8, 2, uint32(se))
}

func (f *FPU_X87) loadInt16(m x87Mem) float64 { return float64(int16(m.read(0, 2))) }

func (f *FPU_X87) storeInt16(m x87Mem, v float64) {
	m.write(0, 2, uint32(f.intFromFloat(v, 16)))
}

func (f *FPU_X87) loadInt32(m x87Mem) float64 { return float64(int32(m.read(0, 4))) }

func (f *FPU_X87) storeInt32(m x87Mem, v float64) {
	m.write(0, 4, uint32(f.intFromFloat(v, 32)))
}

func (f *FPU_X87) loadInt64(m x87Mem) float64 { return float64(int64(m.read64(0))) }

func (f *FPU_X87) storeInt64(m x87Mem, v float64) {
	m.write64(0, uint64(f.intFromFloat(v, 64)))
}

func (f *FPU_X87) loadBCD(m x87Mem) float64 {
	var val int64
	mul := int64(1)
	for i := range uint32(9) {
		b := m.read(i, 1)
		val += int64(b&0x0F) * mul
		mul *= 10
		val += int64(b>>4&0x0F) * mul
		mul *= 10
	}
	if m.read(9, 1)&0x80 != 0 {
		val = -val
	}
	return float64(val)
}

func (f *FPU_X87) storeBCD(m x87Mem, v float64) {
	r := int64(f.roundPerFCW(v))
	neg := r < 0
	if neg {
		r = -r
	}
	m.check(10)
	for i := range uint32(9) {
		d0 := uint32(r % 10)
		r /= 10
		d1 := uint32(r % 10)
		r /= 10
		m.write(i, 1, d0|d1<<4)
	}
	var sign uint32
	if neg {
		sign = 0x80
	}
	m.write(9, 1, sign)
}

// x87ToExtended converts a double to the 80-bit register image.
func x87ToExtended(v float64) (mant uint64, se uint16) {
	b := math.Float64bits(v)
	se = uint16(b>>63) << 15
	exp := int(b >> 52 & 0x7FF)
	frac := b & (1<<52 - 1)
	switch {
	case exp == 0x7FF:
		se |= 0x7FFF
		mant = 1<<63 | frac<<11
	case exp == 0 && frac == 0:
	case exp == 0:
		// Denormal doubles are normal in extended precision.
		shift := 0
		for frac&(1<<52) == 0 {
			frac <<= 1
			shift++
		}
		se |= uint16(16383 - 1022 - shift)
		mant = frac << 11
	default:
		se |= uint16(exp - 1023 + 16383)
		mant = (frac | 1<<52) << 11
	}
	return mant, se
}

// x87FromExtended converts an 80-bit register image to a double.
func x87FromExtended(mant uint64, se uint16) float64 {
	neg := se&0x8000 != 0
	exp := int(se & 0x7FFF)
	var v float64
	switch {
	case exp == 0x7FFF:
		if mant<<1 != 0 {
			return math.NaN()
		}
		v = math.Inf(1)
	case mant == 0:
		v = 0
	default:
		v = math.Ldexp(float64(mant), exp-16383-63)
	}
	if neg {
		v = math.Copysign(v, -1)
	}
	return v
}

func (f *FPU_X87) doCompare(a, b float64, signalNaN bool) {
	f.clearCond()
	if math.IsNaN(a) || math.IsNaN(b) {
		f.FSW |= x87FSW_C0 | x87FSW_C2 | x87FSW_C3
		if signalNaN {
			f.setException(x87FSW_IE)
		}
		return
	}
	switch {
	case a > b:
		// all clear
	case a < b:
		f.FSW |= x87FSW_C0
	default:
		f.FSW |= x87FSW_C3
	}
}

func (f *FPU_X87) setQuotientFlags(q int64) {
	f.FSW &^= x87FSW_C0 | x87FSW_C1 | x87FSW_C3
	if (q & 0x4) != 0 {
		f.FSW |= x87FSW_C0
	}
	if (q & 0x2) != 0 {
		f.FSW |= x87FSW_C3
	}
	if (q & 0x1) != 0 {
		f.FSW |= x87FSW_C1
	}
}

// storeEnv writes the environment image in the 14- or 28-byte layout and
// returns its size.
func (f *FPU_X87) storeEnv(m x87Mem, opSize uint8) uint32 {
	if opSize == 2 {
		for i, v := range [...]uint32{uint32(f.FCW), uint32(f.FSW), uint32(f.FTW),
			f.FIP & 0xFFFF, uint32(f.FCS), f.FDP & 0xFFFF, uint32(f.FDS)} {
			m.write(uint32(i)*2, 2, v)
		}
		f.FCW |= 0x003F
		return 14
	}
	for i, v := range [...]uint32{uint32(f.FCW), uint32(f.FSW), uint32(f.FTW),
		f.FIP, uint32(f.FCS) | uint32(f.FOP&0x7FF)<<16, f.FDP, uint32(f.FDS)} {
		m.write(uint32(i)*4, 4, v)
	}
	// FNSTENV masks all exceptions after storing.
	f.FCW |= 0x003F
	return 28
}

func (f *FPU_X87) loadEnv(m x87Mem, opSize uint8) uint32 {
	if opSize == 2 {
		f.FCW = uint16(m.read(0, 2))
		f.FSW = uint16(m.read(2, 2))
		f.FTW = uint16(m.read(4, 2))
		f.FIP = m.read(6, 2)
		f.FCS = uint16(m.read(8, 2))
		f.FDP = m.read(10, 2)
		f.FDS = uint16(m.read(12, 2))
		f.updateES()
		return 14
	}
	f.FCW = uint16(m.read(0, 4))
	f.FSW = uint16(m.read(4, 4))
	f.FTW = uint16(m.read(8, 4))
	f.FIP = m.read(12, 4)
	mix := m.read(16, 4)
	f.FCS = uint16(mix)
	f.FOP = uint16(mix >> 16 & 0x7FF)
	f.FDP = m.read(20, 4)
	f.FDS = uint16(m.read(24, 4))
	f.updateES()
	return 28
}

func (f *FPU_X87) save(m x87Mem, opSize uint8) {
	size := uint32(94)
	if opSize == 4 {
		size = 108
	}
	m.check(size)
	regs := f.regs
	base := f.storeEnv(m, opSize)
	t := f.top()
	for i := range 8 {
		mant, se := x87ToExtended(regs[(t+i)&7])
		m.write64(base+uint32(i*10), mant)
		m.write(base+uint32(i*10)+8, 2, uint32(se))
	}
	f.Reset()
}

func (f *FPU_X87) restore(m x87Mem, opSize uint8) {
	base := f.loadEnv(m, opSize)
	t := f.top()
	for i := range 8 {
		f.regs[(t+i)&7] = x87FromExtended(m.read64(base+uint32(i*10)), uint16(m.read(base+uint32(i*10)+8, 2)))
	}
}

// updateES recomputes the summary bit after the control or status word changed.
func (f *FPU_X87) updateES() {
	if f.FSW&^f.FCW&0x3F != 0 {
		f.FSW |= x87FSW_ES | x87FSW_B
	} else {
		f.FSW &^= x87FSW_ES | x87FSW_B
	}
}

func (f *FPU_X87) xam(v float64, empty bool) {
	f.FSW &^= x87FSW_C0 | x87FSW_C1 | x87FSW_C2 | x87FSW_C3
	if empty {
		f.FSW |= x87FSW_C0 | x87FSW_C3
		return
	}
	if math.Signbit(v) {
		f.FSW |= x87FSW_C1
	}
	if math.IsNaN(v) {
		f.FSW |= x87FSW_C0
		return
	}
	if math.IsInf(v, 0) {
		f.FSW |= x87FSW_C0 | x87FSW_C2
		return
	}
	if v == 0 {
		f.FSW |= x87FSW_C3
		return
	}
	if math.Abs(v) < x87SmallestNormal {
		f.FSW |= x87FSW_C2 | x87FSW_C3
		return
	}
	f.FSW |= x87FSW_C2
}

var x87ConstTable = [7]float64{
	1.0,
	math.Log2(10),
	math.Log2E,
	math.Pi,
	math.Log10(2),
	math.Ln2,
	0.0,
}
