// cpu_x86_test.go - x86 CPU Unit Tests
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const codeBase = 0x1000

// =============================================================================
// Register Access Tests
// =============================================================================

func TestX86_RegisterAccess(t *testing.T) {
	m := newTestMachine(t)
	c := m.cpu

	c.EAX = 0x12345678
	assert.Equal(t, uint16(0x5678), c.AX())
	assert.Equal(t, uint8(0x78), c.AL())
	assert.Equal(t, uint8(0x56), c.AH())

	c.SetAH(0xAB)
	assert.Equal(t, uint32(0x1234AB78), c.EAX)
	c.SetAX(0xBEEF)
	assert.Equal(t, uint32(0x1234BEEF), c.EAX)

	c.setReg8(4, 0x11) // AH
	assert.Equal(t, uint32(0x123411EF), c.EAX)
	assert.Equal(t, uint32(0x11), c.getReg(4, 1))
}

func TestX86_ResetState(t *testing.T) {
	m := newTestMachine(t)
	c := m.cpu
	cs := c.Seg(x86SegCS)
	assert.Equal(t, uint32(0xFFF0), c.EIP)
	assert.Equal(t, uint16(0xF000), cs.Selector)
	assert.Equal(t, uint32(0xFFFF0000), cs.Base)
	assert.Equal(t, m.Model().Signature, c.EDX)
	assert.Equal(t, ExecMode(0), c.Mode())
}

// =============================================================================
// Arithmetic and control flow
// =============================================================================

func TestX86_AddOverflowFlags(t *testing.T) {
	m := newTestMachine(t)
	bootReal(m, codeBase, newAsm16().movRI(x86RegEAX, 0x7FFF).aluRI(0, x86RegEAX, 1).bytes())
	stepN(t, m, 2)

	c := m.cpu
	assert.Equal(t, uint16(0x8000), c.AX())
	assert.True(t, c.OF())
	assert.True(t, c.SF())
	assert.False(t, c.CF())
	assert.False(t, c.ZF())
	assert.True(t, c.AF())
}

func TestX86_CompareSetsZero(t *testing.T) {
	m := newTestMachine(t)
	bootReal(m, codeBase, newAsm16().movRI(x86RegEAX, 5).aluRI(7, x86RegEAX, 5).bytes())
	stepN(t, m, 2)
	assert.True(t, m.cpu.ZF())
	assert.True(t, m.cpu.PF())
	assert.Equal(t, uint16(5), m.cpu.AX(), "CMP does not write back")
}

func TestX86_SubBorrow(t *testing.T) {
	m := newTestMachine(t)
	code := []byte{
		0x66, 0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0x66, 0xBB, 0x02, 0x00, 0x00, 0x00, // mov ebx, 2
		0x66, 0x29, 0xD8,                   // sub eax, ebx
	}
	bootReal(m, codeBase, code)
	stepN(t, m, 3)
	assert.Equal(t, uint32(0xFFFFFFFF), m.cpu.EAX)
	assert.True(t, m.cpu.CF())
	assert.True(t, m.cpu.SF())
}

func TestX86_PushPop(t *testing.T) {
	m := newTestMachine(t)
	bootReal(m, codeBase, newAsm16().movRI(x86RegEAX, 0x1234).pushR(x86RegEAX).popR(x86RegEBX).bytes())
	stepN(t, m, 2)
	assert.Equal(t, uint16(0x7FFE), m.cpu.SP())
	assert.Equal(t, uint16(0x1234), m.bus.Read16(0x7FFE))
	stepN(t, m, 1)
	assert.Equal(t, uint16(0x1234), uint16(m.cpu.EBX))
	assert.Equal(t, uint16(0x8000), m.cpu.SP())
}

func TestX86_CountedLoop(t *testing.T) {
	m := newTestMachine(t)
	a := newAsm16().movRI(x86RegECX, 5).aluRR(6, x86RegEAX, x86RegEAX)
	a.incR(x86RegEAX).decR(x86RegECX).jcc8(5, -4).hlt()
	bootReal(m, codeBase, a.bytes())

	stepN(t, m, 2+5*3)
	assert.Equal(t, uint16(5), m.cpu.AX())
	assert.Equal(t, uint16(0), m.cpu.CX())
	stepN(t, m, 1)
	assert.True(t, m.cpu.Halted)
}

func TestX86_MemoryStoreLoad(t *testing.T) {
	m := newTestMachine(t)
	a := newAsm16().movRI(x86RegEDX, 0xCAFE).movMR(0x0500, x86RegEDX).movRM(x86RegESI, 0x0500).movM8I(0x0502, 0x7A)
	bootReal(m, codeBase, a.bytes())
	stepN(t, m, 4)
	assert.Equal(t, uint16(0xCAFE), m.bus.Read16(0x0500))
	assert.Equal(t, uint32(0xCAFE), m.cpu.ESI&0xFFFF)
	assert.Equal(t, uint8(0x7A), m.bus.Read8(0x0502))
}

func TestX86_SegmentedAddressing(t *testing.T) {
	m := newTestMachine(t)
	bootReal(m, codeBase, newAsm16().movM8I(0x0010, 0x99).bytes())
	m.cpu.segs[x86SegDS].setRealMode(0x2000)
	stepN(t, m, 1)
	assert.Equal(t, uint8(0x99), m.bus.Read8(0x20010))
}

func TestX86_CPUID(t *testing.T) {
	m := newTestMachine(t)
	code := []byte{0x66, 0xB8, 0x01, 0x00, 0x00, 0x00, 0x0F, 0xA2}
	bootReal(m, codeBase, code)
	stepN(t, m, 2)
	assert.Equal(t, m.Model().Signature, m.cpu.EAX)
	assert.Equal(t, m.Model().Features, m.cpu.EDX)
	assert.NotZero(t, m.cpu.EDX&cpuidTSC)
}

// =============================================================================
// Exceptions and interrupts
// =============================================================================

func TestX86_DivideErrorRollsBack(t *testing.T) {
	m := newTestMachine(t)
	setIVT(m, excDE, 0x2000)
	m.bus.Write8(0x2000, 0xF4)
	code := newAsm16().movRI(x86RegEAX, 10).emit(0xF6, 0xF3).bytes() // div bl
	bootReal(m, codeBase, code)
	m.cpu.EBX = 0

	stepN(t, m, 2)
	c := m.cpu
	assert.Equal(t, uint32(0x2000), c.EIP)
	assert.Equal(t, uint16(10), c.AX(), "faulting DIV leaves AX untouched")
	assert.Equal(t, uint16(0x7FFA), c.SP())
	assert.Equal(t, uint16(codeBase+3), m.bus.Read16(0x7FFA), "IP of the faulting instruction")
	assert.Equal(t, uint16(0), m.bus.Read16(0x7FFC))
	assert.False(t, c.IF())
}

func TestX86_InvalidOpcode(t *testing.T) {
	m := newTestMachine(t)
	setIVT(m, excUD, 0x2000)
	bootReal(m, codeBase, []byte{0x0F, 0x0B})
	stepN(t, m, 1)
	assert.Equal(t, uint32(0x2000), m.cpu.EIP)
	assert.Equal(t, uint16(codeBase), m.bus.Read16(0x7FFA))
}

func TestX86_SoftwareInterruptAndIRET(t *testing.T) {
	m := newTestMachine(t)
	setIVT(m, 0x21, 0x3000)
	m.bus.WriteBlock(0x3000, newAsm16().movRI(x86RegEAX, 0x4242).iret().bytes())
	bootReal(m, codeBase, newAsm16().intN(0x21).incR(x86RegEBX).hlt().bytes())
	m.cpu.Flags |= x86FlagIF

	stepN(t, m, 1)
	assert.Equal(t, uint32(0x3000), m.cpu.EIP)
	assert.False(t, m.cpu.IF())

	stepN(t, m, 3)
	c := m.cpu
	assert.Equal(t, uint16(0x4242), c.AX())
	assert.Equal(t, uint16(1), uint16(c.EBX))
	assert.Equal(t, uint32(codeBase+3), c.EIP)
	assert.Equal(t, uint16(0x8000), c.SP())
	assert.True(t, c.IF(), "IRET restores IF")
}

// eoiHandler acknowledges the master PIC and returns.
func eoiHandler() []byte {
	return newAsm16().movR8I(0, 0x20).outAL(0x20).iret().bytes()
}

func TestX86_HardwareInterruptWakesHalt(t *testing.T) {
	m := newTestMachine(t)
	initPICs(m.io)
	setIVT(m, 0x09, 0x2000)
	m.bus.WriteBlock(0x2000, eoiHandler())
	bootReal(m, codeBase, newAsm16().sti().hlt().incR(x86RegEBX).hlt().bytes())

	stepN(t, m, 2)
	require.True(t, m.cpu.Halted)
	stepN(t, m, 3)
	require.True(t, m.cpu.Halted, "nothing pending, still halted")

	m.IRQLine(1).Pulse()
	stepN(t, m, 1)
	assert.False(t, m.cpu.Halted)
	assert.Equal(t, uint32(0x2000), m.cpu.EIP)
	_, isr, _ := m.pic.Registers(0)
	assert.Equal(t, uint8(0x02), isr)

	stepN(t, m, 3)
	_, isr, _ = m.pic.Registers(0)
	assert.Equal(t, uint8(0), isr, "handler sent EOI")
	assert.Equal(t, uint32(codeBase+2), m.cpu.EIP, "returns after HLT")

	stepN(t, m, 1)
	assert.Equal(t, uint16(1), uint16(m.cpu.EBX))
}

func TestX86_STIShadow(t *testing.T) {
	m := newTestMachine(t)
	initPICs(m.io)
	setIVT(m, 0x0B, 0x2000)
	m.bus.WriteBlock(0x2000, eoiHandler())
	bootReal(m, codeBase, newAsm16().sti().incR(x86RegEBX).incR(x86RegEBX).bytes())

	m.IRQLine(3).Raise()
	stepN(t, m, 1) // sti
	stepN(t, m, 1) // shadowed: the instruction after STI runs first
	assert.Equal(t, uint16(1), uint16(m.cpu.EBX))
	stepN(t, m, 1)
	assert.Equal(t, uint32(0x2000), m.cpu.EIP)
	assert.Equal(t, uint16(codeBase+2), m.bus.Read16(0x7FFA))
}

func TestX86_MaskedInterruptIgnored(t *testing.T) {
	m := newTestMachine(t)
	initPICs(m.io)
	m.io.Out(picMasterData, 1, 0x02)
	bootReal(m, codeBase, newAsm16().sti().nop().nop().bytes())

	m.IRQLine(1).Pulse()
	stepN(t, m, 3)
	assert.Equal(t, uint32(codeBase+3), m.cpu.EIP)
}

func TestX86_TrapFlagSingleStep(t *testing.T) {
	m := newTestMachine(t)
	setIVT(m, excDB, 0x2000)
	m.bus.Write8(0x2000, 0xF4)
	bootReal(m, codeBase, newAsm16().incR(x86RegEBX).incR(x86RegEBX).bytes())
	m.cpu.Flags |= x86FlagTF

	stepN(t, m, 1)
	c := m.cpu
	assert.Equal(t, uint16(1), uint16(c.EBX), "the instruction retires before the trap")
	assert.Equal(t, uint32(0x2000), c.EIP)
	assert.Equal(t, uint16(codeBase+1), m.bus.Read16(0x7FFA))
	assert.NotZero(t, uint32(m.bus.Read16(0x7FFE))&x86FlagTF, "saved FLAGS keep TF")
	assert.Zero(t, c.Flags&x86FlagTF)
	assert.NotZero(t, c.DR[6]&(1<<14))
}

func TestX86_TripleFault(t *testing.T) {
	m := newTestMachine(t)
	bootReal(m, codeBase, []byte{0xF6, 0xF3}) // div bl with BL=0
	m.cpu.EBX = 0
	m.cpu.IDTR.Limit = 0

	err := m.Step()
	require.ErrorIs(t, err, ErrTripleFault)
	assert.True(t, m.cpu.Shutdown)
	assert.ErrorIs(t, m.Step(), ErrTripleFault, "shutdown is sticky")
}

// =============================================================================
// Port I/O
// =============================================================================

func TestX86_DebugConsole(t *testing.T) {
	m := newTestMachine(t)
	var out bytes.Buffer
	m.SetDebugConsole(&out)
	a := newAsm16().movR8I(0, 'H').outAL(0xE9).movR8I(0, 'i').outAL(0xE9).inAL(0xE9)
	bootReal(m, codeBase, a.bytes())

	stepN(t, m, 5)
	assert.Equal(t, "Hi", out.String())
	assert.Equal(t, uint8(debugReadback), m.cpu.AL())
}

func TestX86_UnmappedPortReadsOnes(t *testing.T) {
	m := newTestMachine(t)
	bootReal(m, codeBase, newAsm16().inAL(0x3F).bytes())
	stepN(t, m, 1)
	assert.Equal(t, uint8(0xFF), m.cpu.AL())
}

func TestX86_PostCode(t *testing.T) {
	m := newTestMachine(t)
	bootReal(m, codeBase, newAsm16().movR8I(0, 0x55).outAL(0x80).bytes())
	stepN(t, m, 2)
	assert.Equal(t, uint8(0x55), m.PostCode())
}
