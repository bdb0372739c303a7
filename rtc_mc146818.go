// rtc_mc146818.go - MC146818 real time clock and CMOS RAM
//
// Ports 0x70/0x71 index and access the standard 128-byte bank and 0x72/0x73
// the extended bank. Bit 7 of an index write is the NMI mask. Time keeping
// runs on two scheduler timers counting the 32.768 kHz time base, one for
// the once-a-second update cycle and one for the periodic interrupt. The
// periodic, alarm and update-ended flags drive IRQ8 when register B enables
// them.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	rtcIndexPort    = 0x70
	rtcDataPort     = 0x71
	rtcExtIndexPort = 0x72
	rtcExtDataPort  = 0x73

	rtcIRQ    = 8
	rtcBaseHz = 32768

	// UIP rises 244us before the update, which itself takes 1984us.
	rtcUIPCycles = 73

	rtcSec      = 0x00
	rtcSecAlarm = 0x01
	rtcMin      = 0x02
	rtcMinAlarm = 0x03
	rtcHour     = 0x04
	rtcHrAlarm  = 0x05
	rtcWeekday  = 0x06
	rtcDay      = 0x07
	rtcMonth    = 0x08
	rtcYear     = 0x09
	rtcRegA     = 0x0A
	rtcRegB     = 0x0B
	rtcRegC     = 0x0C
	rtcRegD     = 0x0D
	rtcCentury  = 0x32

	rtcAUIP       = 0x80
	rtcDVNormal   = 0x20
	rtcDVMask     = 0x70
	rtcRateMask   = 0x0F
	rtcBSet       = 0x80
	rtcBPIE       = 0x40
	rtcBAIE       = 0x20
	rtcBUIE       = 0x10
	rtcBSQWE      = 0x08
	rtcBBinary    = 0x04
	rtcB24Hour    = 0x02
	rtcBDSE       = 0x01
	rtcCIRQF      = 0x80
	rtcCPF        = 0x40
	rtcCAF        = 0x20
	rtcCUF        = 0x10
	rtcDVRT       = 0x80
	rtcDontCare   = 0xC0
	rtcDayAlarmMk = 0x3F
)

// RTC146818 is the battery-backed clock chip.
type RTC146818 struct {
	ram      [256]byte
	index    uint8
	extIndex uint8
	nmiMask  bool

	sched    *TimerScheduler
	update   *Timer
	periodic *Timer
	period   uint64
	irq      func(level bool)
	irqLevel bool
	fellBack bool

	log *logrus.Entry
}

// NewRTC146818 creates a clock reading start, with the CMOS memory size
// fields describing ramMB of RAM. irq is called whenever IRQ8 changes level.
func NewRTC146818(sched *TimerScheduler, irq func(level bool), start time.Time, ramMB int, log *logrus.Entry) *RTC146818 {
	r := &RTC146818{sched: sched, irq: irq, log: log}
	r.update = NewTimer("rtc-update", rtcBaseHz, pitHz, r.tick)
	r.periodic = NewTimer("rtc-periodic", rtcBaseHz, pitHz, r.periodicTick)
	sched.Add(r.update)
	sched.Add(r.periodic)

	r.ram[rtcRegA] = rtcDVNormal | 0x06
	r.ram[rtcRegB] = rtcB24Hour
	r.ram[rtcRegD] = rtcDVRT
	r.SetTime(start)
	r.setMemorySize(ramMB)
	r.update.Start(rtcBaseHz, rtcBaseHz, TimerPeriodic)
	r.reprogram()
	return r
}

// Map claims 0x70-0x73.
func (r *RTC146818) Map(io *IODispatch) error {
	return io.MapPorts("rtc", rtcIndexPort, rtcExtDataPort, ByteWide(r.readPort, r.writePort))
}

// Reset applies the chip's reset pin: interrupt enables and flags clear,
// time and RAM are kept.
func (r *RTC146818) Reset() {
	r.index, r.extIndex, r.nmiMask = 0, 0, false
	r.ram[rtcRegB] &= rtcBSet | rtcBBinary | rtcB24Hour | rtcBDSE
	r.ram[rtcRegC] = 0
	r.reprogram()
	r.checkIRQ()
}

// NMIMasked reports the mask bit last written to port 0x70.
func (r *RTC146818) NMIMasked() bool { return r.nmiMask }

// CMOS returns byte idx of the 256-byte RAM without side effects.
func (r *RTC146818) CMOS(idx uint8) uint8 { return r.ram[idx] }

// SetCMOS stores v at idx. Clock registers are not reinterpreted.
func (r *RTC146818) SetCMOS(idx, v uint8) { r.ram[idx] = v }

// SetTime loads t into the clock registers in the current data mode.
func (r *RTC146818) SetTime(t time.Time) {
	b := r.ram[rtcRegB]
	r.ram[rtcSec] = rtcToMode(uint8(t.Second()), b)
	r.ram[rtcMin] = rtcToMode(uint8(t.Minute()), b)
	r.ram[rtcHour] = rtcHourToMode(uint8(t.Hour()), b)
	r.ram[rtcWeekday] = rtcToMode(uint8(t.Weekday())+1, b)
	r.ram[rtcDay] = rtcToMode(uint8(t.Day()), b)
	r.ram[rtcMonth] = rtcToMode(uint8(t.Month()), b)
	r.ram[rtcYear] = rtcToMode(uint8(t.Year()%100), b)
	r.ram[rtcCentury] = rtcToMode(uint8(t.Year()/100), b)
}

// Time decodes the clock registers.
func (r *RTC146818) Time() time.Time {
	b := r.ram[rtcRegB]
	year := int(rtcFromMode(r.ram[rtcYear], b))
	if cent := int(rtcFromMode(r.ram[rtcCentury], b)); cent != 0 {
		year += cent * 100
	} else if year > 80 {
		year += 1900
	} else {
		year += 2000
	}
	return time.Date(year,
		time.Month(rtcFromMode(r.ram[rtcMonth], b)),
		int(rtcFromMode(r.ram[rtcDay], b)),
		int(rtcHourFromMode(r.ram[rtcHour], b)),
		int(rtcFromMode(r.ram[rtcMin], b)),
		int(rtcFromMode(r.ram[rtcSec], b)),
		0, time.UTC)
}

// setMemorySize fills the base, extended and above-16MiB memory fields the
// BIOS sizes RAM from.
func (r *RTC146818) setMemorySize(mb int) {
	put16 := func(idx uint8, v int) {
		v = min(v, 0xFFFF)
		r.ram[idx] = uint8(v)
		r.ram[idx+1] = uint8(v >> 8)
	}
	put16(0x15, 640)
	put16(0x17, (mb-1)*1024)
	if mb > 16 {
		put16(0x30, 0x3C00)
		put16(0x34, (mb-16)*1024/64)
	} else {
		put16(0x30, (mb-1)*1024)
	}
}

func (r *RTC146818) dividerRunning() bool {
	return r.ram[rtcRegA]&rtcDVMask == rtcDVNormal
}

// rtcPeriod returns the periodic interrupt period in time-base cycles for
// rate select rs.
func rtcPeriod(rs uint8) uint64 {
	switch {
	case rs == 0:
		return 0
	case rs <= 2:
		return 64 << rs
	default:
		return 1 << (rs - 1)
	}
}

// reprogram starts or stops both timers after a change to A or B.
func (r *RTC146818) reprogram() {
	if !r.dividerRunning() {
		if r.update.Running() || r.periodic.Running() {
			r.log.WithField("a", fmt.Sprintf("0x%02X", r.ram[rtcRegA])).Warn("divider stopped")
		}
		r.update.Stop()
		r.periodic.Stop()
		r.period = 0
		return
	}
	if !r.update.Running() {
		// The first update follows half a second after the divider starts.
		r.update.Start(rtcBaseHz/2, rtcBaseHz, TimerPeriodic)
	}
	period := rtcPeriod(r.ram[rtcRegA] & rtcRateMask)
	if period == 0 || r.ram[rtcRegB]&rtcBPIE == 0 {
		r.periodic.Stop()
		r.period = 0
		return
	}
	if period != r.period || !r.periodic.Running() {
		r.periodic.Start(period, period, TimerPeriodic)
		r.period = period
	}
}

func (r *RTC146818) periodicTick() {
	r.ram[rtcRegC] |= rtcCPF
	r.checkIRQ()
}

// tick is the once-a-second update cycle.
func (r *RTC146818) tick() {
	if r.ram[rtcRegB]&rtcBSet != 0 {
		return
	}
	r.advanceSecond()
	c := rtcCUF
	if r.alarmMatches() {
		c |= rtcCAF
	}
	r.ram[rtcRegC] |= uint8(c)
	r.checkIRQ()
}

func (r *RTC146818) advanceSecond() {
	b := r.ram[rtcRegB]
	prev := r.Time()
	now := prev.Add(time.Second)
	if b&rtcBDSE != 0 {
		now = r.daylightSaving(prev, now)
	}
	if now.Day() != prev.Day() {
		r.fellBack = false
		wd := rtcFromMode(r.ram[rtcWeekday], b)%7 + 1
		r.ram[rtcWeekday] = rtcToMode(wd, b)
	}
	wd := r.ram[rtcWeekday]
	r.SetTime(now)
	r.ram[rtcWeekday] = wd
}

// daylightSaving applies the chip's fixed US rules: the first Sunday of
// April skips 2:00 to 3:00 and the last Sunday of October repeats 1:00 once.
func (r *RTC146818) daylightSaving(prev, now time.Time) time.Time {
	if now.Weekday() != time.Sunday || now.Minute() != 0 || now.Second() != 0 || now.Hour() != 2 {
		return now
	}
	switch {
	case now.Month() == time.April && now.Day() <= 7:
		return now.Add(time.Hour)
	case now.Month() == time.October && now.Day() >= 25 && !r.fellBack:
		r.fellBack = true
		return prev.Add(time.Second - time.Hour)
	}
	return now
}

func (r *RTC146818) alarmMatches() bool {
	match := func(alarm, cur uint8) bool {
		return alarm&rtcDontCare == rtcDontCare || alarm == cur
	}
	if !match(r.ram[rtcSecAlarm], r.ram[rtcSec]) ||
		!match(r.ram[rtcMinAlarm], r.ram[rtcMin]) ||
		!match(r.ram[rtcHrAlarm], r.ram[rtcHour]) {
		return false
	}
	day := r.ram[rtcRegD] & rtcDayAlarmMk
	return day == 0 || day == r.ram[rtcDay]
}

func (r *RTC146818) checkIRQ() {
	b, c := r.ram[rtcRegB], r.ram[rtcRegC]
	level := (c&rtcCPF != 0 && b&rtcBPIE != 0) ||
		(c&rtcCAF != 0 && b&rtcBAIE != 0) ||
		(c&rtcCUF != 0 && b&rtcBUIE != 0)
	if level {
		r.ram[rtcRegC] |= rtcCIRQF
	} else {
		r.ram[rtcRegC] &^= rtcCIRQF
	}
	if level != r.irqLevel {
		r.irqLevel = level
		r.irq(level)
	}
}

func (r *RTC146818) updateInProgress() bool {
	return r.dividerRunning() && r.ram[rtcRegB]&rtcBSet == 0 &&
		r.update.Running() && r.update.Count() <= rtcUIPCycles
}

func (r *RTC146818) readPort(port uint16) uint8 {
	r.sched.Sync()
	switch port {
	case rtcIndexPort:
		return r.index
	case rtcExtIndexPort:
		return r.extIndex
	case rtcExtDataPort:
		return r.ram[0x80|r.extIndex]
	}
	switch r.index {
	case rtcRegA:
		v := r.ram[rtcRegA] &^ rtcAUIP
		if r.updateInProgress() {
			v |= rtcAUIP
		}
		return v
	case rtcRegC:
		v := r.ram[rtcRegC] & 0xF0
		r.ram[rtcRegC] = 0
		r.checkIRQ()
		return v
	}
	return r.ram[r.index]
}

func (r *RTC146818) writePort(port uint16, v uint8) {
	r.sched.Sync()
	switch port {
	case rtcIndexPort:
		r.index = v & 0x7F
		r.nmiMask = v&0x80 != 0
		return
	case rtcExtIndexPort:
		r.extIndex = v & 0x7F
		return
	case rtcExtDataPort:
		r.ram[0x80|r.extIndex] = v
		return
	}
	switch r.index {
	case rtcRegA:
		r.ram[rtcRegA] = v &^ rtcAUIP
		r.reprogram()
		r.checkIRQ()
	case rtcRegB:
		r.writeRegB(v)
	case rtcRegC:
		// Read-only flags.
	case rtcRegD:
		r.ram[rtcRegD] = rtcDVRT | v&rtcDayAlarmMk
	default:
		r.ram[r.index] = v
	}
}

func (r *RTC146818) writeRegB(v uint8) {
	if v&rtcBSet != 0 {
		v &^= rtcBUIE
	}
	old := r.ram[rtcRegB]
	if (old^v)&(rtcBBinary|rtcB24Hour) != 0 {
		r.convertFormat(old, v)
	}
	r.ram[rtcRegB] = v
	r.reprogram()
	r.checkIRQ()
}

// convertFormat re-encodes the time and alarm registers when the data mode
// or hour format changes.
func (r *RTC146818) convertFormat(from, to uint8) {
	for _, idx := range []uint8{rtcSec, rtcSecAlarm, rtcMin, rtcMinAlarm, rtcWeekday, rtcDay, rtcMonth, rtcYear, rtcCentury} {
		if r.ram[idx]&rtcDontCare == rtcDontCare && idx <= rtcMinAlarm {
			continue
		}
		r.ram[idx] = rtcToMode(rtcFromMode(r.ram[idx], from), to)
	}
	for _, idx := range []uint8{rtcHour, rtcHrAlarm} {
		if idx == rtcHrAlarm && r.ram[idx]&rtcDontCare == rtcDontCare {
			continue
		}
		r.ram[idx] = rtcHourToMode(rtcHourFromMode(r.ram[idx], from), to)
	}
	r.log.WithFields(logrus.Fields{
		"binary": to&rtcBBinary != 0,
		"24h":    to&rtcB24Hour != 0,
	}).Debug("clock format changed")
}

func rtcToMode(v, b uint8) uint8 {
	if b&rtcBBinary != 0 {
		return v
	}
	return v/10<<4 | v%10
}

func rtcFromMode(v, b uint8) uint8 {
	if b&rtcBBinary != 0 {
		return v
	}
	return (v>>4)*10 + v&0x0F
}

func rtcHourToMode(h, b uint8) uint8 {
	if b&rtcB24Hour != 0 {
		return rtcToMode(h, b)
	}
	t := h % 12
	if t == 0 {
		t = 12
	}
	v := rtcToMode(t, b)
	if h >= 12 {
		v |= 0x80
	}
	return v
}

func rtcHourFromMode(v, b uint8) uint8 {
	if b&rtcB24Hour != 0 {
		return rtcFromMode(v, b)
	}
	h := rtcFromMode(v&0x7F, b) % 12
	if v&0x80 != 0 {
		h += 12
	}
	return h
}
