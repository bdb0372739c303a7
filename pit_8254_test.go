// pit_8254_test.go - Interval timer modes, latches and port 0x61
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pitRig struct {
	clock *ExternalClock
	sched *TimerScheduler
	pit   *PIT8254
	io    *IODispatch
	irq   []bool
}

func newPITRig(t *testing.T) *pitRig {
	t.Helper()
	r := &pitRig{clock: &ExternalClock{}}
	log := quietLogger().WithField("component", "pit")
	r.sched = NewTimerScheduler(r.clock)
	r.pit = NewPIT8254(r.sched, func(level bool) { r.irq = append(r.irq, level) }, log)
	r.io = NewIODispatch(log)
	require.NoError(t, r.pit.Map(r.io))
	return r
}

func (r *pitRig) advance(n uint64) {
	r.clock.Advance(n)
	r.sched.Sync()
}

func (r *pitRig) program(ch int, control uint8, count uint16) {
	r.io.Out(pitControl, 1, uint32(control))
	r.io.Out(uint16(pitBase+ch), 1, uint32(count&0xFF))
	r.io.Out(uint16(pitBase+ch), 1, uint32(count>>8))
}

func (r *pitRig) rises() int {
	n := 0
	for _, l := range r.irq {
		if l {
			n++
		}
	}
	return n
}

func TestPIT_RateGenerator(t *testing.T) {
	r := newPITRig(t)
	r.program(0, 0x34, 100)

	r.advance(99)
	assert.Empty(t, r.irq)
	r.advance(1)
	assert.Equal(t, []bool{false, true}, r.irq)

	r.advance(350)
	assert.Equal(t, 4, r.rises())
}

func TestPIT_SquareWave(t *testing.T) {
	r := newPITRig(t)
	r.program(0, 0x36, 1000)

	r.advance(500)
	assert.False(t, r.pit.Out(0))
	r.advance(500)
	assert.True(t, r.pit.Out(0))
	assert.Equal(t, []bool{false, true}, r.irq)
}

func TestPIT_InterruptOnTerminalCount(t *testing.T) {
	r := newPITRig(t)
	r.program(0, 0x30, 50)
	assert.False(t, r.pit.Out(0))

	r.advance(49)
	assert.False(t, r.pit.Out(0))
	r.advance(1)
	assert.True(t, r.pit.Out(0))
	assert.Equal(t, []bool{false, true}, r.irq)

	// OUT stays high until reprogrammed.
	r.advance(1000)
	assert.Equal(t, 1, r.rises())
}

func TestPIT_CounterLatch(t *testing.T) {
	r := newPITRig(t)
	r.program(0, 0x34, 100)
	r.advance(30)

	r.io.Out(pitControl, 1, 0x00)
	r.advance(10)
	lo := r.io.In(pitBase, 1)
	hi := r.io.In(pitBase, 1)
	assert.Equal(t, uint32(70), hi<<8|lo, "latched value survives further counting")

	lo = r.io.In(pitBase, 1)
	hi = r.io.In(pitBase, 1)
	assert.Equal(t, uint32(60), hi<<8|lo)
}

func TestPIT_ReadBackStatus(t *testing.T) {
	r := newPITRig(t)
	r.program(0, 0x34, 100)

	r.io.Out(pitControl, 1, 0xE2)
	assert.Equal(t, uint32(0xB4), r.io.In(pitBase, 1))
}

func TestPIT_NullCountBeforeLoad(t *testing.T) {
	r := newPITRig(t)
	r.io.Out(pitControl, 1, 0x34)
	r.io.Out(pitControl, 1, 0xE2)
	assert.Equal(t, uint32(0x40), r.io.In(pitBase, 1)&0x40)
}

func TestPIT_Channel2GateAndPortB(t *testing.T) {
	r := newPITRig(t)
	var speaker []bool
	r.pit.SetSpeaker(func(gate, data, out bool) { speaker = append(speaker, gate && data) })
	r.program(2, 0xB6, 16)

	r.advance(100)
	assert.Equal(t, uint32(0x20), r.io.In(portB, 1)&0x20, "gated off, OUT held high")

	r.io.Out(portB, 1, 0x03)
	assert.Equal(t, uint32(0x03), r.io.In(portB, 1)&0x0F)
	require.NotEmpty(t, speaker)
	assert.True(t, speaker[len(speaker)-1])

	r.advance(8)
	assert.Equal(t, uint32(0), r.io.In(portB, 1)&0x20)
	r.advance(8)
	assert.Equal(t, uint32(0x20), r.io.In(portB, 1)&0x20)
}

func TestPIT_RefreshToggle(t *testing.T) {
	r := newPITRig(t)
	first := r.io.In(portB, 1) & 0x10
	r.advance(pitRefreshCount)
	second := r.io.In(portB, 1) & 0x10
	assert.NotEqual(t, first, second)
}

func TestPIT_Reset(t *testing.T) {
	r := newPITRig(t)
	r.program(0, 0x30, 50)
	r.pit.Reset()
	r.advance(1000)
	assert.Equal(t, 0, r.rises(), "reset leaves channel 0 waiting for a count")
	assert.True(t, r.pit.Out(0))
}
