// io_dispatch_test.go - Port map routing, splitting and failure capture
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// regFile is an 8-bit register file at ports base..base+len-1.
type regFile struct {
	base uint16
	regs []uint8
}

func (r *regFile) handler() PortHandler {
	return ByteWide(
		func(p uint16) uint8 { return r.regs[p-r.base] },
		func(p uint16, v uint8) { r.regs[p-r.base] = v },
	)
}

func newTestIO() *IODispatch {
	return NewIODispatch(quietLogger().WithField("component", "io"))
}

func TestIO_MapConflicts(t *testing.T) {
	d := newTestIO()
	require.NoError(t, d.MapPorts("a", 0x100, 0x107, PortFuncs{}))
	err := d.MapPorts("b", 0x107, 0x10F, PortFuncs{})
	assert.ErrorIs(t, err, ErrPortConflict)
	assert.Contains(t, err.Error(), "owned by a")
	assert.Error(t, d.MapPorts("c", 0x200, 0x1FF, PortFuncs{}))
	assert.NoError(t, d.MapPorts("b", 0x108, 0x10F, PortFuncs{}), "a failed claim leaves the ports free")
	assert.NoError(t, d.MapPorts("top", 0xFFFF, 0xFFFF, PortFuncs{}))
}

func TestIO_UnmappedPorts(t *testing.T) {
	d := newTestIO()
	assert.Equal(t, uint32(0xFF), d.In(0x300, 1))
	assert.Equal(t, uint32(0xFFFF), d.In(0x300, 2))
	assert.Equal(t, uint32(0xFFFFFFFF), d.In(0x300, 4))
	d.Out(0x300, 4, 0x12345678)
	assert.NoError(t, d.takeDeviceError())
}

func TestIO_WholeAccessKeepsWidth(t *testing.T) {
	d := newTestIO()
	var gotSize int
	var gotValue uint32
	require.NoError(t, d.MapPorts("wide", 0xCF8, 0xCFB, PortFuncs{
		Read: func(port uint16, size int) (uint32, error) {
			gotSize = size
			return 0x80001234, nil
		},
		Write: func(port uint16, size int, value uint32) error {
			gotSize, gotValue = size, value
			return nil
		},
	}))
	assert.Equal(t, uint32(0x80001234), d.In(0xCF8, 4))
	assert.Equal(t, 4, gotSize)
	d.Out(0xCF8, 4, 0x8000F800)
	assert.Equal(t, 4, gotSize)
	assert.Equal(t, uint32(0x8000F800), gotValue)
}

func TestIO_SplitAcrossDevices(t *testing.T) {
	d := newTestIO()
	lo := &regFile{base: 0x60, regs: make([]uint8, 1)}
	hi := &regFile{base: 0x61, regs: make([]uint8, 1)}
	require.NoError(t, d.MapPorts("lo", 0x60, 0x60, lo.handler()))
	require.NoError(t, d.MapPorts("hi", 0x61, 0x61, hi.handler()))

	d.Out(0x60, 2, 0xBEEF)
	assert.Equal(t, uint8(0xEF), lo.regs[0])
	assert.Equal(t, uint8(0xBE), hi.regs[0])
	assert.Equal(t, uint32(0xBEEF), d.In(0x60, 2))

	// Half mapped: the missing byte floats high.
	assert.Equal(t, uint32(0xFFBE), d.In(0x61, 2))
}

func TestIO_ByteWideRegisterFile(t *testing.T) {
	d := newTestIO()
	rf := &regFile{base: 0x40, regs: make([]uint8, 4)}
	require.NoError(t, d.MapPorts("rf", 0x40, 0x43, rf.handler()))
	d.Out(0x40, 4, 0x44332211)
	assert.Equal(t, []uint8{0x11, 0x22, 0x33, 0x44}, rf.regs)
	assert.Equal(t, uint32(0x3322), d.In(0x41, 2))
}

func TestIO_PortFuncsNil(t *testing.T) {
	d := newTestIO()
	require.NoError(t, d.MapPorts("wo", 0x80, 0x80, PortFuncs{Write: func(uint16, int, uint32) error { return nil }}))
	require.NoError(t, d.MapPorts("ro", 0x81, 0x81, PortFuncs{Read: func(uint16, int) (uint32, error) { return 7, nil }}))
	assert.Equal(t, uint32(0xFF), d.In(0x80, 1))
	assert.Equal(t, uint32(7), d.In(0x81, 1))
	d.Out(0x81, 1, 1)
	assert.NoError(t, d.takeDeviceError())
}

func TestIO_HandlerFailure(t *testing.T) {
	d := newTestIO()
	boom := errors.New("boom")
	require.NoError(t, d.MapPorts("bad", 0x1F0, 0x1F7, PortFuncs{
		Read:  func(uint16, int) (uint32, error) { return 0, boom },
		Write: func(uint16, int, uint32) error { return boom },
	}))
	assert.Equal(t, uint32(0xFFFF), d.In(0x1F0, 2))
	d.Out(0x1F7, 1, 0xEC)

	err := d.takeDeviceError()
	var derr *DeviceError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "bad", derr.Device)
	assert.Equal(t, uint16(0x1F0), derr.Port, "the first failure is kept")
	assert.False(t, derr.MMIO)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, d.takeDeviceError())
}

func TestIO_Trace(t *testing.T) {
	d := newTestIO()
	type access struct {
		port  uint16
		size  int
		value uint32
		write bool
	}
	var got []access
	d.trace = func(port uint16, size int, value uint32, write bool) {
		got = append(got, access{port, size, value, write})
	}
	rf := &regFile{base: 0x70, regs: make([]uint8, 2)}
	require.NoError(t, d.MapPorts("cmos", 0x70, 0x71, rf.handler()))
	d.Out(0x70, 1, 0x0A)
	d.In(0x71, 1)
	d.In(0x3FD, 1)
	assert.Equal(t, []access{
		{0x70, 1, 0x0A, true},
		{0x71, 1, 0x00, false},
		{0x3FD, 1, 0xFF, false},
	}, got)
}

func BenchmarkIO_InByteWide(b *testing.B) {
	d := newTestIO()
	rf := &regFile{base: 0x60, regs: make([]uint8, 8)}
	d.MapPorts("rf", 0x60, 0x67, rf.handler())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = d.In(0x60, 1)
	}
}
