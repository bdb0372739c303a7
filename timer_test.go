// timer_test.go - Down counters, fractional rates and clock sources
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer_PeriodicExpiry(t *testing.T) {
	clock := &ExternalClock{}
	s := NewTimerScheduler(clock)
	fired := 0
	tm := NewTimer("t", 1, 1, func() { fired++ })
	s.Add(tm)
	tm.Start(10, 10, TimerPeriodic)

	clock.Advance(25)
	s.Sync()
	assert.Equal(t, 2, fired)
	assert.Equal(t, uint64(2), tm.Fires())
	assert.Equal(t, uint64(5), tm.Count())
	assert.True(t, tm.Running())
}

func TestTimer_OneShotStops(t *testing.T) {
	clock := &ExternalClock{}
	s := NewTimerScheduler(clock)
	fired := 0
	tm := NewTimer("t", 1, 1, func() { fired++ })
	s.Add(tm)
	tm.Start(4, 4, TimerOneShot)

	clock.Advance(100)
	s.Sync()
	assert.Equal(t, 1, fired)
	assert.False(t, tm.Running())
	assert.Equal(t, uint64(0), tm.Count())
}

func TestTimer_FractionalRateKeepsRemainder(t *testing.T) {
	clock := &ExternalClock{}
	s := NewTimerScheduler(clock)
	tm := NewTimer("slow", 1, 3, func() {})
	s.Add(tm)
	tm.Start(5, 5, TimerPeriodic)

	clock.Advance(10) // 3 decrements, 1/3 carried
	s.Sync()
	assert.Equal(t, uint64(2), tm.Count())

	clock.Advance(2) // (2+1)/3 = 1
	s.Sync()
	assert.Equal(t, uint64(1), tm.Count())
}

func TestTimer_StopAndResume(t *testing.T) {
	clock := &ExternalClock{}
	s := NewTimerScheduler(clock)
	tm := NewTimer("t", 1, 1, func() {})
	s.Add(tm)
	tm.Start(50, 50, TimerPeriodic)

	clock.Advance(20)
	s.Sync()
	tm.Stop()
	clock.Advance(100)
	s.Sync()
	assert.Equal(t, uint64(30), tm.Count(), "stopped timer holds its count")

	tm.Resume()
	clock.Advance(10)
	s.Sync()
	assert.Equal(t, uint64(20), tm.Count())
}

func TestTimerScheduler_Deadline(t *testing.T) {
	clock := &ExternalClock{}
	s := NewTimerScheduler(clock)
	fast := NewTimer("fast", 2, 1, func() {})
	slow := NewTimer("slow", 1, 1, func() {})
	silent := NewTimer("silent", 1, 1, nil)
	s.Add(fast)
	s.Add(slow)
	s.Add(silent)
	require.True(t, s.Changed())

	silent.Start(5, 5, TimerPeriodic)
	slow.Start(80, 80, TimerPeriodic)
	fast.Start(100, 100, TimerPeriodic)
	assert.Equal(t, uint64(50), s.Deadline(), "timers without a listener never set the deadline")
	assert.False(t, s.Changed())

	clock.Advance(40)
	s.Sync()
	assert.Equal(t, uint64(40), s.Now())
	assert.Equal(t, uint64(50), s.Deadline())

	fast.Stop()
	assert.True(t, s.Changed())
	assert.Equal(t, uint64(80), s.Deadline())

	slow.Stop()
	assert.Equal(t, uint64(math.MaxUint64), s.Deadline())
}

func TestTimer_SilentPeriodsSkipArithmetically(t *testing.T) {
	clock := &ExternalClock{}
	s := NewTimerScheduler(clock)
	tm := NewTimer("refresh", 1, 1, nil)
	s.Add(tm)
	tm.Start(18, 18, TimerPeriodic)

	clock.Advance(18*1000000 + 7)
	s.Sync()
	assert.Equal(t, uint64(1000000), tm.Fires())
	assert.Equal(t, uint64(11), tm.Count())
}

func TestInstructionClock(t *testing.T) {
	model, err := LookupCPUModel("p54c-100")
	require.NoError(t, err)
	var retired uint64
	c := NewInstructionClock(func() uint64 { return retired }, model, 4)

	// 4 cycles per insn at 200 MHz counting rate: 50M insns per second.
	retired = 50000000
	assert.Equal(t, uint64(pitHz), c.Ticks())

	for _, ticks := range []uint64{1, 2, 1000, pitHz, 123456789} {
		at := c.retiredAt(ticks)
		retired = at
		assert.GreaterOrEqual(t, c.Ticks(), ticks)
		retired = at - 1
		assert.Less(t, c.Ticks(), ticks)
	}
}

func TestExternalClock(t *testing.T) {
	var c ExternalClock
	c.Advance(3)
	c.Advance(4)
	assert.Equal(t, uint64(7), c.Ticks())
}
