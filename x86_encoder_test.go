// x86_encoder_test.go - A small x86 assembler for building test programs
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// asm accumulates machine code. Immediates and displacements follow the
// operand and address size given at construction.
type asm struct {
	buf    []byte
	opSize uint8
}

func newAsm16() *asm { return &asm{opSize: 2} }
func newAsm32() *asm { return &asm{opSize: 4} }

func modrm(mod, reg, rm byte) byte { return mod<<6 | (reg&7)<<3 | rm&7 }

func (a *asm) emit(b ...byte) *asm {
	a.buf = append(a.buf, b...)
	return a
}

func (a *asm) imm(v uint32, size uint8) *asm {
	switch size {
	case 1:
		return a.emit(byte(v))
	case 2:
		return a.emit(binary.LittleEndian.AppendUint16(nil, uint16(v))...)
	}
	return a.emit(binary.LittleEndian.AppendUint32(nil, v)...)
}

func (a *asm) bytes() []byte { return a.buf }

// aluRR encodes op dst, src for op 0..7 (ADD OR ADC SBB AND SUB XOR CMP).
func (a *asm) aluRR(op, dst, src byte) *asm { return a.emit(op<<3|1, modrm(3, src, dst)) }

// aluRI encodes op reg, imm with the 0x81 group.
func (a *asm) aluRI(op, reg byte, v uint32) *asm {
	return a.emit(0x81, modrm(3, op, reg)).imm(v, a.opSize)
}

func (a *asm) movRI(reg byte, v uint32) *asm { return a.emit(0xB8 + reg&7).imm(v, a.opSize) }
func (a *asm) movR8I(reg byte, v uint8) *asm { return a.emit(0xB0+reg&7, v) }

// movMR stores reg to [disp] (moffs form is avoided so any register works).
func (a *asm) movMR(disp uint32, reg byte) *asm {
	if a.opSize == 2 {
		return a.emit(0x89, modrm(0, reg, 6)).imm(disp, 2)
	}
	return a.emit(0x89, modrm(0, reg, 5)).imm(disp, 4)
}

// movRM loads reg from [disp].
func (a *asm) movRM(reg byte, disp uint32) *asm {
	if a.opSize == 2 {
		return a.emit(0x8B, modrm(0, reg, 6)).imm(disp, 2)
	}
	return a.emit(0x8B, modrm(0, reg, 5)).imm(disp, 4)
}

// movM8I stores an immediate byte to [disp].
func (a *asm) movM8I(disp uint32, v uint8) *asm {
	if a.opSize == 2 {
		return a.emit(0xC6, modrm(0, 0, 6)).imm(disp, 2).emit(v)
	}
	return a.emit(0xC6, modrm(0, 0, 5)).imm(disp, 4).emit(v)
}

func (a *asm) incR(reg byte) *asm { return a.emit(0x40 + reg&7) }
func (a *asm) decR(reg byte) *asm { return a.emit(0x48 + reg&7) }
func (a *asm) pushR(reg byte) *asm { return a.emit(0x50 + reg&7) }
func (a *asm) popR(reg byte) *asm { return a.emit(0x58 + reg&7) }
func (a *asm) jmp8(rel int8) *asm { return a.emit(0xEB, byte(rel)) }
func (a *asm) jcc8(cc byte, rel int8) *asm { return a.emit(0x70+cc&15, byte(rel)) }
func (a *asm) outAL(port byte) *asm { return a.emit(0xE6, port) }
func (a *asm) inAL(port byte) *asm { return a.emit(0xE4, port) }
func (a *asm) intN(n byte) *asm { return a.emit(0xCD, n) }
func (a *asm) iret() *asm { return a.emit(0xCF) }
func (a *asm) hlt() *asm { return a.emit(0xF4) }
func (a *asm) sti() *asm { return a.emit(0xFB) }
func (a *asm) cli() *asm { return a.emit(0xFA) }
func (a *asm) nop() *asm { return a.emit(0x90) }

// ------------------------------------------------------------------------------
// Machine fixtures
// ------------------------------------------------------------------------------

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestMachine builds a 4 MiB machine with the interpreter only unless a
// mutator turns translation on.
func newTestMachine(t *testing.T, mutate ...func(*MachineConfig)) *Machine {
	t.Helper()
	cfg := DefaultMachineConfig()
	cfg.RAMMB = 4
	cfg.JIT = false
	cfg.QEMUDebugPort = false
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := NewMachine(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func withJIT(cfg *MachineConfig) { cfg.JIT = true }

// bootReal places code at 0000:ip and points the CPU at it in real mode with
// a stack below 0x8000.
func bootReal(m *Machine, ip uint16, code []byte) {
	c := m.cpu
	for i := range c.segs {
		c.segs[i].setRealMode(0)
	}
	c.EIP = uint32(ip)
	c.ESP = 0x8000
	m.bus.WriteBlock(uint32(ip), code)
}

// setIVT points real-mode vector n at 0000:handler.
func setIVT(m *Machine, n uint8, handler uint16) {
	m.bus.Write16(uint32(n)*4, handler)
	m.bus.Write16(uint32(n)*4+2, 0)
}

// stepN runs n loop iterations and fails the test on an error.
func stepN(t *testing.T, m *Machine, n int) {
	t.Helper()
	for range n {
		require.NoError(t, m.Step())
	}
}
