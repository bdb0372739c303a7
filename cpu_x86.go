// cpu_x86.go - IA-32 CPU state (Pentium-class, real/protected/V86)
//
// This holds the architectural state the interpreter and the translated blocks
// operate on:
// - General purpose registers, EIP and EFLAGS
// - Segment registers with their cached descriptors
// - CR0/CR2/CR3/CR4, debug registers, descriptor table registers
// - Current privilege level and the x87 unit
//
// Memory access, exception delivery and descriptor handling live in the
// cpu_x86_*.go files next to this one.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// PortBus is the CPU's view of port I/O.
type PortBus interface {
	In(port uint16, size int) uint32
	Out(port uint16, size int, value uint32)
}

// InterruptSource is the CPU's view of the interrupt controller.
type InterruptSource interface {
	// Pending reports whether INTR is asserted.
	Pending() bool
	// Acknowledge runs the INTA cycle and returns the vector.
	Acknowledge() uint8
}

// segReg is a segment register with its hidden descriptor cache.
type segReg struct {
	Selector uint16
	Base     uint32
	Limit    uint32 // byte granular, already scaled by G
	Attr     uint16 // descriptor byte 5 | (byte 6 & 0xF0) << 8
	Valid    bool   // false after loading a null selector
}

// Descriptor attribute bits as stored in segReg.Attr
const (
	descAccessed   = 1 << 0
	descWritable   = 1 << 1 // data: writable, code: readable
	descExpandDown = 1 << 2 // data: expand-down, code: conforming
	descCode       = 1 << 3
	descS          = 1 << 4 // code/data (vs system)
	descDPLShift   = 5
	descPresent    = 1 << 7
	descBig        = 1 << 14 // D/B
	descGran       = 1 << 15
)

func (s segReg) dpl() uint8 { return uint8(s.Attr>>descDPLShift) & 3 }
func (s segReg) present() bool { return s.Attr&descPresent != 0 }
func (s segReg) isCode() bool { return s.Attr&(descS|descCode) == descS|descCode }
func (s segReg) isData() bool { return s.Attr&(descS|descCode) == descS }
func (s segReg) big() bool { return s.Attr&descBig != 0 }
func (s segReg) conforming() bool { return s.isCode() && s.Attr&descExpandDown != 0 }
func (s segReg) readable() bool { return s.isData() || s.Attr&descWritable != 0 }
func (s segReg) writable() bool { return s.isData() && s.Attr&descWritable != 0 }
func (s segReg) expandDown() bool { return s.isData() && s.Attr&descExpandDown != 0 }
func (s segReg) sysType() uint8 { return uint8(s.Attr & 0x0F) }
func (s segReg) rpl() uint8 { return uint8(s.Selector & 3) }
func (s *segReg) setRealMode(v uint16) {
	s.Selector = v
	s.Base = uint32(v) << 4
	s.Valid = true
}

// tableReg is GDTR or IDTR.
type tableReg struct {
	Base  uint32
	Limit uint16
}

// Flag bit positions
const (
	x86FlagCF   = 1 << 0  // Carry Flag
	x86FlagPF   = 1 << 2  // Parity Flag
	x86FlagAF   = 1 << 4  // Auxiliary Carry Flag
	x86FlagZF   = 1 << 6  // Zero Flag
	x86FlagSF   = 1 << 7  // Sign Flag
	x86FlagTF   = 1 << 8  // Trap Flag
	x86FlagIF   = 1 << 9  // Interrupt Enable Flag
	x86FlagDF   = 1 << 10 // Direction Flag
	x86FlagOF   = 1 << 11 // Overflow Flag
	x86FlagIOPL = 3 << 12 // I/O Privilege Level (2 bits)
	x86FlagNT   = 1 << 14 // Nested Task
	x86FlagRF   = 1 << 16 // Resume Flag
	x86FlagVM   = 1 << 17 // Virtual-8086 Mode
	x86FlagAC   = 1 << 18 // Alignment Check
	x86FlagVIF  = 1 << 19 // Virtual Interrupt Flag
	x86FlagVIP  = 1 << 20 // Virtual Interrupt Pending
	x86FlagID   = 1 << 21 // ID Flag

	x86FlagsArith = x86FlagCF | x86FlagPF | x86FlagAF | x86FlagZF | x86FlagSF | x86FlagOF
	x86FlagsFixed = 0x00000002
	x86FlagsValid = 0x003F7FD5
)

// Segment register indices
const (
	x86SegES = 0
	x86SegCS = 1
	x86SegSS = 2
	x86SegDS = 3
	x86SegFS = 4
	x86SegGS = 5
)

// General purpose register indices as encoded in ModR/M
const (
	x86RegEAX = iota
	x86RegECX
	x86RegEDX
	x86RegEBX
	x86RegESP
	x86RegEBP
	x86RegESI
	x86RegEDI
)

// Control register bits
const (
	cr0PE = 1 << 0
	cr0MP = 1 << 1
	cr0EM = 1 << 2
	cr0TS = 1 << 3
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0AM = 1 << 18
	cr0NW = 1 << 29
	cr0CD = 1 << 30
	cr0PG = 1 << 31

	cr4VME = 1 << 0
	cr4PVI = 1 << 1
	cr4TSD = 1 << 2
	cr4DE  = 1 << 3
	cr4PSE = 1 << 4
	cr4MCE = 1 << 6
	cr4PGE = 1 << 7
)

// CPU_X86 represents the IA-32 CPU state
type CPU_X86 struct {
	// General purpose registers (32-bit)
	EAX uint32
	ECX uint32
	EDX uint32
	EBX uint32
	ESP uint32
	EBP uint32
	ESI uint32
	EDI uint32

	// Instruction pointer
	EIP uint32

	// Flags register
	Flags uint32

	segs [6]segReg

	CR0, CR2, CR3, CR4 uint32
	DR                 [8]uint32
	GDTR, IDTR         tableReg
	LDTR, TR           segReg

	cpl uint8

	// Execution state
	Halted   bool
	Shutdown bool
	Cycles   uint64

	// Interrupts are inhibited until the instruction after STI/MOV SS/POP SS retires.
	intShadow bool

	// Start of the instruction being executed and its architectural snapshot.
	instEIP uint32
	snap    archSnapshot

	// Delivery bookkeeping for double fault classification.
	delivering int

	fpu  *FPU_X87
	msr  map[uint32]uint64
	tsc0 uint64 // cycle count when TSC was last written
	tscv uint64 // TSC value written at tsc0

	model CPUModel
	tlb   tlb

	bus  *MachineBus
	io   PortBus
	intr InterruptSource

	// Paging attribute changes; all=true for CR3 reloads and mode changes.
	onPagingChange func(lin uint32, all bool)

	// FERR# output, raised for pending x87 errors when CR0.NE is clear.
	onFERR func()

	// Per-instruction hook for the interpreter; nil when tracing is off.
	trace func(cs uint16, eip uint32, in *Instruction)

	// Register pointer array for O(1) lookup
	// Order: EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI
	regs32 [8]*uint32

	log *logrus.Entry
}

// archSnapshot is the state restored when an instruction faults.
type archSnapshot struct {
	gpr   [8]uint32
	eip   uint32
	flags uint32
	segs  [6]segReg
	cpl   uint8
}

// Exception is an architectural fault or trap raised while executing guest
// code. It never leaves the core.
type Exception struct {
	Vector    uint8
	ErrorCode uint32
	HasError  bool
}

func (e *Exception) Error() string {
	if e.HasError {
		return fmt.Sprintf("x86 exception %d (error 0x%04X)", e.Vector, e.ErrorCode)
	}
	return fmt.Sprintf("x86 exception %d", e.Vector)
}

// Exception vectors
const (
	excDE  = 0
	excDB  = 1
	excNMI = 2
	excBP  = 3
	excOF  = 4
	excBR  = 5
	excUD  = 6
	excNM  = 7
	excDF  = 8
	excTS  = 10
	excNP  = 11
	excSS  = 12
	excGP  = 13
	excPF  = 14
	excMF  = 16
	excAC  = 17
	excMC  = 18
)

// NewCPU_X86 creates a CPU attached to a memory bus and a port bus.
func NewCPU_X86(bus *MachineBus, io PortBus, model CPUModel, log *logrus.Entry) *CPU_X86 {
	c := &CPU_X86{
		bus:   bus,
		io:    io,
		model: model,
		fpu:   NewFPU_X87(),
		msr:   make(map[uint32]uint64),
		log:   log,
	}
	c.regs32 = [8]*uint32{
		&c.EAX, &c.ECX, &c.EDX, &c.EBX,
		&c.ESP, &c.EBP, &c.ESI, &c.EDI,
	}
	c.Reset()
	return c
}

// Reset puts the CPU in its power-on state: real mode, CS:EIP = F000:FFF0
// with the CS base at 0xFFFF0000.
func (c *CPU_X86) Reset() {
	c.EAX, c.ECX, c.EBX, c.ESP, c.EBP, c.ESI, c.EDI = 0, 0, 0, 0, 0, 0, 0
	c.EDX = c.model.Signature
	c.EIP = 0x0000FFF0
	c.Flags = x86FlagsFixed

	for i := range c.segs {
		c.segs[i] = segReg{Limit: 0xFFFF, Attr: descPresent | descS | descWritable | descAccessed, Valid: true}
	}
	c.segs[x86SegCS] = segReg{
		Selector: 0xF000,
		Base:     0xFFFF0000,
		Limit:    0xFFFF,
		Attr:     descPresent | descS | descCode | descWritable | descAccessed,
		Valid:    true,
	}

	c.CR0 = cr0ET | cr0CD | cr0NW
	c.CR2, c.CR3, c.CR4 = 0, 0, 0
	c.DR = [8]uint32{6: 0xFFFF0FF0, 7: 0x00000400}
	c.GDTR = tableReg{Limit: 0xFFFF}
	c.IDTR = tableReg{Limit: 0x03FF}
	c.LDTR = segReg{Limit: 0xFFFF, Attr: descPresent | 0x2}
	c.TR = segReg{Limit: 0xFFFF, Attr: descPresent | 0xB}
	c.cpl = 0

	c.Halted = false
	c.Shutdown = false
	c.intShadow = false
	c.delivering = -1
	c.Cycles = 0
	c.tsc0, c.tscv = 0, 0
	clear(c.msr)
	c.fpu.Reset()
	c.flushTLB(true)
}

// ------------------------------------------------------------------------------
// Modes
// ------------------------------------------------------------------------------

// ExecMode captures everything that changes how bytes decode and execute.
type ExecMode uint16

const (
	ModeProtected ExecMode = 1 << iota
	ModeCode32
	ModeStack32
	ModeV86
	ModePaging
	ModeWP
	modeCPLShift = 8
)

func (m ExecMode) Code32() bool { return m&ModeCode32 != 0 }
func (m ExecMode) Protected() bool { return m&ModeProtected != 0 }
func (m ExecMode) V86() bool { return m&ModeV86 != 0 }
func (m ExecMode) CPL() uint8 { return uint8(m>>modeCPLShift) & 3 }

// Mode returns the current execution mode.
func (c *CPU_X86) Mode() ExecMode {
	var m ExecMode
	if c.protected() {
		m |= ModeProtected
		if c.v86() {
			m |= ModeV86
		} else {
			if c.segs[x86SegCS].big() {
				m |= ModeCode32
			}
			if c.segs[x86SegSS].big() {
				m |= ModeStack32
			}
		}
	} else {
		if c.segs[x86SegCS].big() {
			m |= ModeCode32
		}
		if c.segs[x86SegSS].big() {
			m |= ModeStack32
		}
	}
	if c.CR0&cr0PG != 0 {
		m |= ModePaging
	}
	if c.CR0&cr0WP != 0 {
		m |= ModeWP
	}
	m |= ExecMode(c.CPL()) << modeCPLShift
	return m
}

func (c *CPU_X86) protected() bool { return c.CR0&cr0PE != 0 }
func (c *CPU_X86) v86() bool { return c.CR0&cr0PE != 0 && c.Flags&x86FlagVM != 0 }

// CPL returns the current privilege level.
func (c *CPU_X86) CPL() uint8 {
	switch {
	case !c.protected():
		return 0
	case c.Flags&x86FlagVM != 0:
		return 3
	}
	return c.cpl
}

func (c *CPU_X86) iopl() uint8 { return uint8(c.Flags>>12) & 3 }

// Seg returns a copy of a segment register's cached state.
func (c *CPU_X86) Seg(idx int) segReg { return c.segs[idx] }

// ------------------------------------------------------------------------------
// Snapshot and rollback
// ------------------------------------------------------------------------------

func (c *CPU_X86) saveSnapshot() {
	s := &c.snap
	s.gpr = [8]uint32{c.EAX, c.ECX, c.EDX, c.EBX, c.ESP, c.EBP, c.ESI, c.EDI}
	s.eip = c.EIP
	s.flags = c.Flags
	s.segs = c.segs
	s.cpl = c.cpl
	c.instEIP = c.EIP
}

func (c *CPU_X86) restoreSnapshot() {
	s := &c.snap
	c.EAX, c.ECX, c.EDX, c.EBX = s.gpr[0], s.gpr[1], s.gpr[2], s.gpr[3]
	c.ESP, c.EBP, c.ESI, c.EDI = s.gpr[4], s.gpr[5], s.gpr[6], s.gpr[7]
	c.EIP = s.eip
	c.Flags = s.flags
	c.segs = s.segs
	c.cpl = s.cpl
}

// raise aborts the current instruction with a fault.
func (c *CPU_X86) raise(vector uint8) {
	panic(&Exception{Vector: vector})
}

// raiseCode aborts the current instruction with a fault carrying an error code.
func (c *CPU_X86) raiseCode(vector uint8, code uint32) {
	panic(&Exception{Vector: vector, ErrorCode: code, HasError: true})
}

// -----------------------------------------------------------------------------
// Register Access Helpers
// -----------------------------------------------------------------------------

// AX returns the lower 16 bits of EAX
func (c *CPU_X86) AX() uint16 { return uint16(c.EAX) }

// SetAX sets the lower 16 bits of EAX
func (c *CPU_X86) SetAX(v uint16) { c.EAX = (c.EAX & 0xFFFF0000) | uint32(v) }

// AL returns the lower 8 bits of EAX
func (c *CPU_X86) AL() byte { return byte(c.EAX) }

// SetAL sets the lower 8 bits of EAX
func (c *CPU_X86) SetAL(v byte) { c.EAX = (c.EAX & 0xFFFFFF00) | uint32(v) }

// AH returns bits 8-15 of EAX
func (c *CPU_X86) AH() byte { return byte(c.EAX >> 8) }

// SetAH sets bits 8-15 of EAX
func (c *CPU_X86) SetAH(v byte) { c.EAX = (c.EAX & 0xFFFF00FF) | (uint32(v) << 8) }

// CX returns the lower 16 bits of ECX
func (c *CPU_X86) CX() uint16 { return uint16(c.ECX) }

// DX returns the lower 16 bits of EDX
func (c *CPU_X86) DX() uint16 { return uint16(c.EDX) }

// SP returns the lower 16 bits of ESP
func (c *CPU_X86) SP() uint16 { return uint16(c.ESP) }

// IP returns the lower 16 bits of EIP
func (c *CPU_X86) IP() uint16 { return uint16(c.EIP) }

// getReg8 returns an 8-bit register value by index (0-7: AL, CL, DL, BL, AH, CH, DH, BH)
func (c *CPU_X86) getReg8(idx byte) byte {
	if idx&4 == 0 {
		return byte(*c.regs32[idx&3])
	}
	return byte(*c.regs32[idx&3] >> 8)
}

// setReg8 sets an 8-bit register value by index
func (c *CPU_X86) setReg8(idx byte, v byte) {
	r := c.regs32[idx&3]
	if idx&4 == 0 {
		*r = (*r &^ 0xFF) | uint32(v)
	} else {
		*r = (*r &^ 0xFF00) | uint32(v)<<8
	}
}

// getReg16 returns a 16-bit register value by index (0-7: AX, CX, DX, BX, SP, BP, SI, DI)
func (c *CPU_X86) getReg16(idx byte) uint16 { return uint16(*c.regs32[idx&7]) }

// setReg16 sets a 16-bit register value by index
func (c *CPU_X86) setReg16(idx byte, v uint16) {
	r := c.regs32[idx&7]
	*r = (*r &^ 0xFFFF) | uint32(v)
}

// getReg32 returns a 32-bit register value by index (0-7: EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI)
func (c *CPU_X86) getReg32(idx byte) uint32 { return *c.regs32[idx&7] }

// setReg32 sets a 32-bit register value by index
func (c *CPU_X86) setReg32(idx byte, v uint32) { *c.regs32[idx&7] = v }

// getReg reads a register of the given operand size in bytes.
func (c *CPU_X86) getReg(idx byte, size uint8) uint32 {
	switch size {
	case 1:
		return uint32(c.getReg8(idx))
	case 2:
		return uint32(c.getReg16(idx))
	}
	return c.getReg32(idx)
}

// setReg writes a register of the given operand size in bytes.
func (c *CPU_X86) setReg(idx byte, size uint8, v uint32) {
	switch size {
	case 1:
		c.setReg8(idx, byte(v))
	case 2:
		c.setReg16(idx, uint16(v))
	default:
		c.setReg32(idx, v)
	}
}

// -----------------------------------------------------------------------------
// Flag Helpers
// -----------------------------------------------------------------------------

// getFlag returns true if the specified flag is set
func (c *CPU_X86) getFlag(flag uint32) bool { return (c.Flags & flag) != 0 }

// setFlag sets or clears a flag
func (c *CPU_X86) setFlag(flag uint32, set bool) {
	if set {
		c.Flags |= flag
	} else {
		c.Flags &^= flag
	}
}

func (c *CPU_X86) CF() bool { return c.getFlag(x86FlagCF) }
func (c *CPU_X86) ZF() bool { return c.getFlag(x86FlagZF) }
func (c *CPU_X86) SF() bool { return c.getFlag(x86FlagSF) }
func (c *CPU_X86) OF() bool { return c.getFlag(x86FlagOF) }
func (c *CPU_X86) PF() bool { return c.getFlag(x86FlagPF) }
func (c *CPU_X86) AF() bool { return c.getFlag(x86FlagAF) }
func (c *CPU_X86) DF() bool { return c.getFlag(x86FlagDF) }
func (c *CPU_X86) IF() bool { return c.getFlag(x86FlagIF) }

// parity returns true for an even number of set bits
func parity(v byte) bool {
	v ^= v >> 4
	v ^= v >> 2
	v ^= v >> 1
	return (v & 1) == 0
}

func sizeMask(size uint8) uint32 {
	switch size {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	}
	return 0xFFFFFFFF
}

func signBit(size uint8) uint32 { return 1 << (uint32(size)*8 - 1) }

// signExtend widens a value of the given size to 32 bits.
func signExtend(v uint32, size uint8) uint32 {
	switch size {
	case 1:
		return uint32(int32(int8(v)))
	case 2:
		return uint32(int32(int16(v)))
	}
	return v
}

// setFlagsSZP sets SF, ZF and PF from a result of the given size.
func (c *CPU_X86) setFlagsSZP(r uint32, size uint8) {
	r &= sizeMask(size)
	f := c.Flags &^ (x86FlagSF | x86FlagZF | x86FlagPF)
	if r == 0 {
		f |= x86FlagZF
	}
	if r&signBit(size) != 0 {
		f |= x86FlagSF
	}
	if parity(byte(r)) {
		f |= x86FlagPF
	}
	c.Flags = f
}

// setFlagsLogic sets flags for AND/OR/XOR/TEST: CF=OF=0, AF cleared.
func (c *CPU_X86) setFlagsLogic(r uint32, size uint8) {
	c.Flags &^= x86FlagCF | x86FlagOF | x86FlagAF
	c.setFlagsSZP(r, size)
}

// addFlags computes a+b+carry and sets all arithmetic flags.
func (c *CPU_X86) addFlags(a, b, carry uint32, size uint8) uint32 {
	m := sizeMask(size)
	a, b = a&m, b&m
	wide := uint64(a) + uint64(b) + uint64(carry)
	r := uint32(wide) & m
	c.setFlag(x86FlagCF, wide > uint64(m))
	c.setFlag(x86FlagOF, (^(a^b)&(a^r))&signBit(size) != 0)
	c.setFlag(x86FlagAF, (a^b^r)&0x10 != 0)
	c.setFlagsSZP(r, size)
	return r
}

// subFlags computes a-b-borrow and sets all arithmetic flags.
func (c *CPU_X86) subFlags(a, b, borrow uint32, size uint8) uint32 {
	m := sizeMask(size)
	a, b = a&m, b&m
	r := (a - b - borrow) & m
	c.setFlag(x86FlagCF, uint64(a) < uint64(b)+uint64(borrow))
	c.setFlag(x86FlagOF, ((a^b)&(a^r))&signBit(size) != 0)
	c.setFlag(x86FlagAF, (a^b^r)&0x10 != 0)
	c.setFlagsSZP(r, size)
	return r
}

// cond evaluates a Jcc/SETcc/CMOVcc condition code (low nibble of the opcode).
func (c *CPU_X86) cond(cc uint8) bool {
	var r bool
	switch cc >> 1 {
	case 0:
		r = c.OF()
	case 1:
		r = c.CF()
	case 2:
		r = c.ZF()
	case 3:
		r = c.CF() || c.ZF()
	case 4:
		r = c.SF()
	case 5:
		r = c.PF()
	case 6:
		r = c.SF() != c.OF()
	case 7:
		r = c.ZF() || c.SF() != c.OF()
	}
	if cc&1 != 0 {
		return !r
	}
	return r
}

// setFlagsFromPop writes EFLAGS from a POPF/IRET image honouring privilege:
// IOPL changes only at CPL 0, IF only when CPL <= IOPL, VM/RF never here.
func (c *CPU_X86) setFlagsFromPop(v uint32, size uint8) {
	mask := uint32(x86FlagsArith | x86FlagTF | x86FlagDF | x86FlagNT)
	if size == 4 {
		mask |= x86FlagAC | x86FlagID
	}
	cpl := c.CPL()
	if !c.protected() || cpl == 0 {
		mask |= x86FlagIOPL
	}
	if !c.protected() || cpl <= c.iopl() {
		mask |= x86FlagIF
	}
	if size == 2 {
		mask &= 0xFFFF
	}
	c.Flags = (c.Flags &^ mask) | (v & mask) | x86FlagsFixed
}

// ------------------------------------------------------------------------------
// Time stamp counter and model specific registers
// ------------------------------------------------------------------------------

const msrTSC = 0x10

func (c *CPU_X86) readTSC() uint64 { return c.tscv + (c.Cycles - c.tsc0) }

func (c *CPU_X86) readMSR(idx uint32) (uint64, bool) {
	if idx == msrTSC {
		return c.readTSC(), true
	}
	if !c.model.knownMSR(idx) {
		return 0, false
	}
	return c.msr[idx], true
}

func (c *CPU_X86) writeMSR(idx uint32, v uint64) bool {
	if idx == msrTSC {
		c.tsc0, c.tscv = c.Cycles, v
		return true
	}
	if !c.model.knownMSR(idx) {
		return false
	}
	c.msr[idx] = v
	return true
}
