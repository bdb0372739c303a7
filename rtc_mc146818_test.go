// rtc_mc146818_test.go - Clock registers, update cycle and interrupt flags
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rtcRig struct {
	clock *ExternalClock
	sched *TimerScheduler
	rtc   *RTC146818
	io    *IODispatch
	irq   []bool
}

func newRTCRig(t *testing.T, start time.Time) *rtcRig {
	t.Helper()
	r := &rtcRig{clock: &ExternalClock{}}
	log := quietLogger().WithField("component", "rtc")
	r.sched = NewTimerScheduler(r.clock)
	r.rtc = NewRTC146818(r.sched, func(level bool) { r.irq = append(r.irq, level) }, start, 4, log)
	r.io = NewIODispatch(log)
	require.NoError(t, r.rtc.Map(r.io))
	return r
}

func (r *rtcRig) advance(n uint64) {
	r.clock.Advance(n)
	r.sched.Sync()
}

func (r *rtcRig) seconds(n uint64) { r.advance(n * pitHz) }

func (r *rtcRig) read(idx uint8) uint8 {
	r.io.Out(rtcIndexPort, 1, uint32(idx))
	return uint8(r.io.In(rtcDataPort, 1))
}

func (r *rtcRig) write(idx, v uint8) {
	r.io.Out(rtcIndexPort, 1, uint32(idx))
	r.io.Out(rtcDataPort, 1, uint32(v))
}

func TestRTC_ReadsBCDTime(t *testing.T) {
	r := newRTCRig(t, time.Date(2024, time.February, 29, 23, 59, 58, 0, time.UTC))

	assert.Equal(t, uint8(0x58), r.read(rtcSec))
	assert.Equal(t, uint8(0x59), r.read(rtcMin))
	assert.Equal(t, uint8(0x23), r.read(rtcHour))
	assert.Equal(t, uint8(0x05), r.read(rtcWeekday), "Thursday")
	assert.Equal(t, uint8(0x29), r.read(rtcDay))
	assert.Equal(t, uint8(0x02), r.read(rtcMonth))
	assert.Equal(t, uint8(0x24), r.read(rtcYear))
	assert.Equal(t, uint8(0x20), r.read(rtcCentury))
	assert.Equal(t, uint8(0x26), r.read(rtcRegA))
	assert.Equal(t, uint8(0x80), r.read(rtcRegD), "battery good")
}

func TestRTC_UpdateCrossesLeapDay(t *testing.T) {
	r := newRTCRig(t, time.Date(2024, time.February, 29, 23, 59, 58, 0, time.UTC))

	r.seconds(1)
	assert.Equal(t, uint8(0x59), r.read(rtcSec))
	r.seconds(1)
	assert.Equal(t, time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC), r.rtc.Time())
	assert.Equal(t, uint8(0x06), r.read(rtcWeekday))
	assert.Equal(t, uint8(0x03), r.read(rtcMonth))
}

func TestRTC_CenturyRollover(t *testing.T) {
	r := newRTCRig(t, time.Date(2099, time.December, 31, 23, 59, 59, 0, time.UTC))
	r.seconds(1)
	assert.Equal(t, uint8(0x00), r.read(rtcYear))
	assert.Equal(t, uint8(0x21), r.read(rtcCentury))
	assert.Equal(t, uint8(0x01), r.read(rtcDay))
}

func TestRTC_UpdateInProgress(t *testing.T) {
	r := newRTCRig(t, time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC))
	assert.Zero(t, r.read(rtcRegA)&rtcAUIP)

	r.advance(pitHz - 1000)
	assert.NotZero(t, r.read(rtcRegA)&rtcAUIP, "just before the update")
	assert.Equal(t, uint8(0x00), r.read(rtcSec))

	r.advance(1000)
	assert.Zero(t, r.read(rtcRegA)&rtcAUIP)
	assert.Equal(t, uint8(0x01), r.read(rtcSec))
}

func TestRTC_UpdateEndedInterrupt(t *testing.T) {
	r := newRTCRig(t, time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC))
	r.write(rtcRegB, rtcBUIE|rtcB24Hour)
	assert.Empty(t, r.irq)

	r.seconds(1)
	assert.Equal(t, []bool{true}, r.irq)
	assert.Equal(t, uint8(rtcCIRQF|rtcCUF), r.read(rtcRegC))
	assert.Equal(t, []bool{true, false}, r.irq, "reading C acknowledges")
	assert.Zero(t, r.read(rtcRegC))
}

func TestRTC_PeriodicInterruptRate(t *testing.T) {
	r := newRTCRig(t, time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC))
	r.write(rtcRegA, rtcDVNormal|0x06)
	r.write(rtcRegB, rtcBPIE|rtcB24Hour)

	r.advance(1166)
	require.Equal(t, []bool{true}, r.irq)
	assert.Equal(t, uint8(rtcCIRQF|rtcCPF), r.read(rtcRegC))

	r.seconds(1)
	assert.Equal(t, uint64(1025), r.rtc.periodic.Fires(), "1024 Hz")

	r.write(rtcRegA, rtcDVNormal|0x0F)
	assert.Equal(t, uint64(16384), r.rtc.period, "2 Hz")
	r.write(rtcRegB, rtcB24Hour)
	assert.False(t, r.rtc.periodic.Running())
}

func TestRTC_PeriodTable(t *testing.T) {
	assert.Equal(t, uint64(0), rtcPeriod(0))
	assert.Equal(t, uint64(128), rtcPeriod(1))
	assert.Equal(t, uint64(256), rtcPeriod(2))
	assert.Equal(t, uint64(4), rtcPeriod(3))
	assert.Equal(t, uint64(32), rtcPeriod(6))
	assert.Equal(t, uint64(16384), rtcPeriod(15))
}

func TestRTC_AlarmInterrupt(t *testing.T) {
	r := newRTCRig(t, time.Date(2000, time.January, 1, 12, 0, 0, 0, time.UTC))
	r.write(rtcSecAlarm, 0x05)
	r.write(rtcMinAlarm, rtcDontCare)
	r.write(rtcHrAlarm, rtcDontCare)
	r.write(rtcRegB, rtcBAIE|rtcB24Hour)

	r.seconds(4)
	assert.Empty(t, r.irq)
	r.seconds(1)
	assert.Equal(t, []bool{true}, r.irq)
	assert.Equal(t, uint8(rtcCIRQF|rtcCAF|rtcCUF), r.read(rtcRegC))

	r.seconds(1)
	assert.Equal(t, uint8(rtcCUF), r.read(rtcRegC), "no alarm at :06")
}

func TestRTC_DayOfMonthAlarm(t *testing.T) {
	r := newRTCRig(t, time.Date(2000, time.January, 1, 23, 59, 59, 0, time.UTC))
	for _, idx := range []uint8{rtcSecAlarm, rtcMinAlarm, rtcHrAlarm} {
		r.write(idx, rtcDontCare)
	}
	r.write(rtcRegD, 0x02)
	r.write(rtcRegB, rtcBAIE|rtcB24Hour)

	r.seconds(1)
	assert.Equal(t, []bool{true}, r.irq)
	assert.Equal(t, uint8(0x82), r.read(rtcRegD))
}

func TestRTC_FormatConversion(t *testing.T) {
	r := newRTCRig(t, time.Date(2000, time.January, 1, 15, 30, 45, 0, time.UTC))
	r.write(rtcHrAlarm, 0x07)

	r.write(rtcRegB, rtcBBinary|rtcB24Hour)
	assert.Equal(t, uint8(45), r.read(rtcSec))
	assert.Equal(t, uint8(15), r.read(rtcHour))
	assert.Equal(t, uint8(7), r.read(rtcHrAlarm))

	r.write(rtcRegB, rtcBBinary)
	assert.Equal(t, uint8(0x83), r.read(rtcHour), "3 PM")

	r.write(rtcRegB, 0)
	assert.Equal(t, uint8(0x83), r.read(rtcHour))
	assert.Equal(t, uint8(0x30), r.read(rtcMin))
	assert.Equal(t, time.Date(2000, time.January, 1, 15, 30, 45, 0, time.UTC), r.rtc.Time())

	assert.Equal(t, uint8(0x12), rtcHourToMode(0, 0), "midnight is 12 AM")
	assert.Equal(t, uint8(0x92), rtcHourToMode(12, 0), "noon is 12 PM")
	assert.Equal(t, uint8(0), rtcHourFromMode(0x12, 0))
}

func TestRTC_DividerAndSetHoldTime(t *testing.T) {
	start := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
	r := newRTCRig(t, start)

	r.write(rtcRegA, 0x70)
	r.seconds(3)
	assert.Equal(t, start, r.rtc.Time())

	r.write(rtcRegA, rtcDVNormal|0x06)
	r.advance(pitHz/2 + 1)
	assert.Equal(t, start.Add(time.Second), r.rtc.Time(), "first update half a second later")

	r.write(rtcRegB, rtcBSet|rtcB24Hour|rtcBUIE)
	assert.Equal(t, uint8(rtcBSet|rtcB24Hour), r.read(rtcRegB), "SET clears UIE")
	r.seconds(2)
	assert.Equal(t, start.Add(time.Second), r.rtc.Time())
}

func TestRTC_DaylightSaving(t *testing.T) {
	r := newRTCRig(t, time.Date(2001, time.April, 1, 1, 59, 59, 0, time.UTC))
	r.write(rtcRegB, rtcB24Hour|rtcBDSE)
	r.seconds(1)
	assert.Equal(t, uint8(0x03), r.read(rtcHour), "spring forward")

	r.rtc.SetTime(time.Date(2001, time.October, 28, 1, 59, 59, 0, time.UTC))
	r.seconds(1)
	assert.Equal(t, uint8(0x01), r.read(rtcHour), "fall back")
	r.seconds(3600)
	assert.Equal(t, uint8(0x02), r.read(rtcHour), "only once")
}

func TestRTC_NMIMaskAndReset(t *testing.T) {
	r := newRTCRig(t, time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC))
	r.io.Out(rtcIndexPort, 1, 0x80|rtcRegB)
	assert.True(t, r.rtc.NMIMasked())
	r.io.Out(rtcDataPort, 1, rtcBPIE|rtcBAIE|rtcBUIE|rtcB24Hour)
	r.seconds(1)
	require.Equal(t, []bool{true}, r.irq)

	r.rtc.Reset()
	assert.False(t, r.rtc.NMIMasked())
	assert.Equal(t, uint8(rtcB24Hour), r.rtc.CMOS(rtcRegB))
	assert.Zero(t, r.rtc.CMOS(rtcRegC))
	assert.Equal(t, []bool{true, false}, r.irq)
}

func TestRTC_CMOSRAM(t *testing.T) {
	clock := &ExternalClock{}
	rtc := NewRTC146818(NewTimerScheduler(clock), func(bool) {}, time.Time{}, 32, quietLogger().WithField("component", "rtc"))
	io := NewIODispatch(quietLogger().WithField("component", "io"))
	require.NoError(t, rtc.Map(io))

	assert.Equal(t, []uint8{0x80, 0x02}, []uint8{rtc.CMOS(0x15), rtc.CMOS(0x16)}, "640 KiB base")
	assert.Equal(t, []uint8{0x00, 0x7C}, []uint8{rtc.CMOS(0x17), rtc.CMOS(0x18)})
	assert.Equal(t, []uint8{0x00, 0x3C}, []uint8{rtc.CMOS(0x30), rtc.CMOS(0x31)})
	assert.Equal(t, []uint8{0x00, 0x01}, []uint8{rtc.CMOS(0x34), rtc.CMOS(0x35)}, "16 MiB above 16 MiB")

	io.Out(rtcIndexPort, 1, 0x40)
	io.Out(rtcDataPort, 1, 0x5A)
	io.Out(rtcExtIndexPort, 1, 0x40)
	io.Out(rtcExtDataPort, 1, 0xA5)
	assert.Equal(t, uint8(0x5A), rtc.CMOS(0x40))
	assert.Equal(t, uint8(0xA5), rtc.CMOS(0xC0))
	assert.Equal(t, uint32(0xA5), io.In(rtcExtDataPort, 1))

	io.Out(rtcIndexPort, 1, rtcRegC)
	io.Out(rtcDataPort, 1, 0xF0)
	assert.Zero(t, rtc.CMOS(rtcRegC), "C is read-only")
}
