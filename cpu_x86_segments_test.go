// cpu_x86_segments_test.go - Descriptor loads, gates and task switches
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Selectors of the descriptor table built by protectedGDT.
const (
	selCode0   = 0x08
	selData0   = 0x10
	selCode3   = 0x1B
	selData3   = 0x23
	selGate    = 0x2B
	selTSSA    = 0x30
	selTSSB    = 0x38
	selMissing = 0x40
	selLDT     = 0x50

	tssA = 0x3000
	tssB = 0x3100
	ldtA = 0x3200
)

// protectedGDT enters ring 0 protected mode with a table holding flat code
// and data at both privilege levels, a call gate, two TSSs and an LDT.
func protectedGDT(m *Machine) {
	flatProtected(m)
	entries := [][2]uint32{
		{0, 0},
		{0x0000FFFF, 0x00CF9A00},            // ring 0 code
		{0x0000FFFF, 0x00CF9200},            // ring 0 data
		{0x0000FFFF, 0x00CFFA00},            // ring 3 code
		{0x0000FFFF, 0x00CFF200},            // ring 3 data
		{selCode0<<16 | 0x4000, 0x0000EC01}, // call gate, one parameter
		{tssA<<16 | 0x67, 0x00008900},       // TSS A
		{tssB<<16 | 0x67, 0x00008900},       // TSS B
		{0x0000FFFF, 0x00CF1200},            // data, not present
		{0, 0},                              // unused
		{ldtA<<16 | 0x0F, 0x00008200},       // LDT
	}
	for i, e := range entries {
		m.bus.Write32(testGDT+uint32(i)*8, e[0])
		m.bus.Write32(testGDT+uint32(i)*8+4, e[1])
	}
	m.cpu.GDTR = tableReg{Base: testGDT, Limit: uint16(len(entries)*8 - 1)}
}

// writeTSS fills a 32-bit TSS with a flat ring 0 context.
func writeTSS(m *Machine, base, eip, eax, esp uint32) {
	m.bus.Write32(base+0x04, 0x9000) // ESP0
	m.bus.Write32(base+0x08, selData0)
	m.bus.Write32(base+0x20, eip)
	m.bus.Write32(base+0x24, x86FlagsFixed)
	m.bus.Write32(base+0x28, eax)
	m.bus.Write32(base+0x38, esp)
	for i, sel := range [6]uint32{selData0, selCode0, selData0, selData0, selData0, selData0} {
		m.bus.Write32(base+0x48+uint32(i)*4, sel)
	}
	m.bus.Write32(base+0x60, 0)
}

// enterRing3 switches the CPU to flat ring 3 code and data.
func enterRing3(c *CPU_X86) {
	c.segs[x86SegCS] = descriptor{lo: 0x0000FFFF, hi: 0x00CFFA00}.seg(selCode3)
	data := descriptor{lo: 0x0000FFFF, hi: 0x00CFF200}.seg(selData3)
	for _, i := range [...]int{x86SegES, x86SegSS, x86SegDS, x86SegFS, x86SegGS} {
		c.segs[i] = data
	}
	c.cpl = 3
}

func requireFault(t *testing.T, vector uint8, code uint32, fn func()) {
	t.Helper()
	exc := catchFault(fn)
	require.NotNil(t, exc, "expected vector %d", vector)
	assert.Equal(t, vector, exc.Vector)
	assert.Equal(t, code, exc.ErrorCode)
}

func TestSegments_LoadChecks(t *testing.T) {
	m := newTestMachine(t)
	protectedGDT(m)
	c := m.cpu

	require.Nil(t, catchFault(func() { c.loadSeg(x86SegDS, 0) }))
	assert.False(t, c.segs[x86SegDS].Valid, "null selector leaves DS unusable")
	requireFault(t, excGP, 0, func() { c.loadSeg(x86SegSS, 0) })
	requireFault(t, excGP, 0x80, func() { c.loadSeg(x86SegDS, 0x80) })
	requireFault(t, excNP, selMissing, func() { c.loadSeg(x86SegDS, selMissing) })
	requireFault(t, excGP, selCode0, func() { c.loadSeg(x86SegSS, selCode0) })

	require.Nil(t, catchFault(func() { c.loadSeg(x86SegES, selCode0) }), "readable code may be loaded into ES")
	require.Nil(t, catchFault(func() { c.loadSeg(x86SegDS, selData0) }))
	assert.Equal(t, uint32(0xFFFFFFFF), c.segs[x86SegDS].Limit)
	assert.Equal(t, byte(0x93), m.bus.Read8(testGDT+2*8+5), "accessed bit written back")

	enterRing3(c)
	requireFault(t, excGP, selData0, func() { c.loadSeg(x86SegDS, selData0|3) })
	requireFault(t, excGP, selData3&^3, func() { c.loadSeg(x86SegSS, selData3&^3) })
}

func TestSegments_LDTLookup(t *testing.T) {
	m := newTestMachine(t)
	protectedGDT(m)
	m.bus.Write32(ldtA+8, 0x2345FFFF)
	m.bus.Write32(ldtA+12, 0x00009201)
	c := m.cpu

	requireFault(t, excGP, 0x0C, func() { c.loadSeg(x86SegES, 0x0C) })
	requireFault(t, excGP, selData0, func() { c.loadLDT(selData0) })

	require.Nil(t, catchFault(func() { c.loadLDT(selLDT) }))
	require.Nil(t, catchFault(func() { c.loadSeg(x86SegES, 0x0C) }))
	assert.Equal(t, uint32(0x12345), c.segs[x86SegES].Base)
	assert.Equal(t, uint32(0xFFFF), c.segs[x86SegES].Limit)
	requireFault(t, excGP, 0x14, func() { c.loadSeg(x86SegES, 0x14) })
}

func TestSegments_FarJumpChecks(t *testing.T) {
	m := newTestMachine(t)
	protectedGDT(m)
	c := m.cpu

	require.Nil(t, catchFault(func() { c.farJump(selCode0, 0x5000, 4) }))
	assert.Equal(t, uint16(selCode0), c.segs[x86SegCS].Selector)
	assert.Equal(t, uint32(0x5000), c.EIP)

	requireFault(t, excGP, selCode3&^3, func() { c.farJump(selCode3, 0x5000, 4) })
	requireFault(t, excGP, selData0, func() { c.farJump(selData0, 0x5000, 4) })
	requireFault(t, excGP, 0, func() { c.farJump(0, 0x5000, 4) })
	assert.Equal(t, uint32(0x5000), c.EIP)
}

func TestSegments_CallGateRaisesPrivilege(t *testing.T) {
	m := newTestMachine(t)
	protectedGDT(m)
	writeTSS(m, tssA, 0, 0, 0)
	c := m.cpu
	require.Nil(t, catchFault(func() { c.loadTR(selTSSA) }))

	enterRing3(c)
	m.bus.Write32(0x6FFC, 0xCAFEBABE)
	c.ESP = 0x6FFC
	c.EIP = 0x1234

	require.Nil(t, catchFault(func() { c.farCall(selGate, 0, 4) }))
	assert.Equal(t, uint8(0), c.CPL())
	assert.Equal(t, uint16(selCode0), c.segs[x86SegCS].Selector)
	assert.Equal(t, uint32(0x4000), c.EIP)
	assert.Equal(t, uint16(selData0), c.segs[x86SegSS].Selector)
	require.Equal(t, uint32(0x9000-20), c.ESP)
	assert.Equal(t, uint32(0x1234), m.bus.Read32(0x8FEC))
	assert.Equal(t, uint32(selCode3), m.bus.Read32(0x8FF0))
	assert.Equal(t, uint32(0xCAFEBABE), m.bus.Read32(0x8FF4), "parameter copied")
	assert.Equal(t, uint32(0x6FFC), m.bus.Read32(0x8FF8))
	assert.Equal(t, uint32(selData3), m.bus.Read32(0x8FFC))

	// The handler loads a ring 0 data segment, which the return must drop.
	c.segs[x86SegDS] = descriptor{lo: 0x0000FFFF, hi: 0x00CF9200}.seg(selData0)
	require.Nil(t, catchFault(func() { c.farReturn(4, 4) }))
	assert.Equal(t, uint8(3), c.CPL())
	assert.Equal(t, uint32(0x1234), c.EIP)
	assert.Equal(t, uint16(selData3), c.segs[x86SegSS].Selector)
	assert.Equal(t, uint32(0x7000), c.ESP, "parameter released")
	assert.False(t, c.segs[x86SegDS].Valid)
	assert.True(t, c.segs[x86SegES].Valid)
}

func TestSegments_TaskSwitchByJump(t *testing.T) {
	m := newTestMachine(t)
	protectedGDT(m)
	writeTSS(m, tssA, 0, 0, 0)
	writeTSS(m, tssB, 0x4444, 0x11111111, 0x8000)
	c := m.cpu
	require.Nil(t, catchFault(func() { c.loadTR(selTSSA) }))
	assert.Equal(t, byte(0x8B), m.bus.Read8(testGDT+6*8+5), "LTR marks the TSS busy")

	c.EIP = 0x5555
	c.EAX = 0xAAAA
	require.Nil(t, catchFault(func() { c.farJump(selTSSB, 0, 4) }))
	assert.Equal(t, uint16(selTSSB), c.TR.Selector)
	assert.Equal(t, uint32(0x4444), c.EIP)
	assert.Equal(t, uint32(0x11111111), c.EAX)
	assert.Equal(t, uint32(0x8000), c.ESP)
	assert.NotZero(t, c.CR0&cr0TS)
	assert.Equal(t, uint32(0x5555), m.bus.Read32(tssA+0x20))
	assert.Equal(t, uint32(0xAAAA), m.bus.Read32(tssA+0x28))
	assert.Equal(t, byte(0x89), m.bus.Read8(testGDT+6*8+5), "outgoing task no longer busy")
	assert.Equal(t, byte(0x8B), m.bus.Read8(testGDT+7*8+5))
	assert.Zero(t, c.Flags&x86FlagNT)

	requireFault(t, excGP, selTSSB, func() { c.farJump(selTSSB, 0, 4) })
}

func TestSegments_NestedTaskReturn(t *testing.T) {
	m := newTestMachine(t)
	protectedGDT(m)
	writeTSS(m, tssA, 0, 0, 0)
	writeTSS(m, tssB, 0x4444, 0x11111111, 0x8000)
	c := m.cpu
	require.Nil(t, catchFault(func() { c.loadTR(selTSSA) }))

	c.EIP = 0x5555
	c.EAX = 0xAAAA
	c.ESP = 0x7000
	require.Nil(t, catchFault(func() { c.farCall(selTSSB, 0, 4) }))
	assert.NotZero(t, c.Flags&x86FlagNT)
	assert.Equal(t, uint16(selTSSA), m.bus.Read16(tssB), "back link")
	assert.Equal(t, byte(0x8B), m.bus.Read8(testGDT+6*8+5), "caller stays busy")

	require.Nil(t, catchFault(func() { c.iret(4) }))
	assert.Equal(t, uint16(selTSSA), c.TR.Selector)
	assert.Equal(t, uint32(0x5555), c.EIP)
	assert.Equal(t, uint32(0xAAAA), c.EAX)
	assert.Equal(t, uint32(0x7000), c.ESP)
	assert.Zero(t, c.Flags&x86FlagNT)
	assert.Equal(t, byte(0x89), m.bus.Read8(testGDT+7*8+5))
}

func TestSegments_AccessRights(t *testing.T) {
	m := newTestMachine(t)
	protectedGDT(m)
	c := m.cpu

	cases := []struct {
		name   string
		sel    uint16
		forLSL bool
		ok     bool
	}{
		{"code", selCode0, false, true},
		{"gate for LAR", selGate, false, true},
		{"gate for LSL", selGate, true, false},
		{"tss", selTSSA, true, true},
		{"null", 0, false, false},
		{"beyond limit", 0x80, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := c.accessRights(tc.sel, tc.forLSL)
			assert.Equal(t, tc.ok, ok)
		})
	}

	enterRing3(c)
	_, ok := c.accessRights(selData0, false)
	assert.False(t, ok, "ring 0 data is invisible from ring 3")
	_, ok = c.accessRights(selData3, false)
	assert.True(t, ok)
}

func TestSegments_IRETIntoV86(t *testing.T) {
	m := newTestMachine(t)
	protectedGDT(m)
	c := m.cpu
	c.ESP = 0x7000
	frame := []uint32{0x0100, 0x2000, x86FlagVM | x86FlagIF | x86FlagsFixed, 0xFFFE, 0x3000, 0x4000, 0x5000, 0, 0}
	for i, v := range frame {
		m.bus.Write32(0x7000+uint32(i)*4, v)
	}

	require.Nil(t, catchFault(func() { c.iret(4) }))
	require.True(t, c.v86())
	assert.Equal(t, uint8(3), c.CPL())
	assert.Equal(t, uint32(0x20000), c.segs[x86SegCS].Base)
	assert.Equal(t, uint32(0x0100), c.EIP)
	assert.Equal(t, uint32(0x30000), c.segs[x86SegSS].Base)
	assert.Equal(t, uint32(0xFFFE), c.ESP)
	assert.Equal(t, uint32(0x50000), c.segs[x86SegDS].Base)

	require.Nil(t, catchFault(func() { c.loadSeg(x86SegDS, 0x1234) }))
	assert.Equal(t, uint32(0x12340), c.segs[x86SegDS].Base)

	// IOPL is 0, so IRET inside the V86 task faults.
	requireFault(t, excGP, 0, func() { c.iret(2) })
}
