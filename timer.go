// timer.go - Generic down-counting timers driven by a clock source
//
// A Timer counts down at num/den decrements per clock tick, keeping the
// fractional remainder, and calls its expiry function when the count runs
// out. A periodic timer reloads and keeps going, a one-shot timer stops.
// The scheduler owns the timers, advances them to the clock source and tells
// the execution loop how far it may run before the next expiry.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"math"
	"math/bits"
	"sync/atomic"
)

// pitHz is the rate of the PC timer crystal; clock sources tick at it.
const pitHz = 1193182

// ClockSource supplies a monotonically non-decreasing tick count at pitHz.
type ClockSource interface {
	Ticks() uint64
}

// InstructionClock derives ticks from retired instructions, so a run is
// fully deterministic.
type InstructionClock struct {
	retired func() uint64
	num     uint64 // ticks per instruction, numerator
	den     uint64
}

// NewInstructionClock converts retired instructions to ticks for a CPU
// running at model's clock with cyclesPerInsn cycles per instruction.
func NewInstructionClock(retired func() uint64, model CPUModel, cyclesPerInsn int) *InstructionClock {
	return &InstructionClock{
		retired: retired,
		num:     uint64(cyclesPerInsn) * pitHz,
		den:     model.ClockHz() * clockScale,
	}
}

func (c *InstructionClock) Ticks() uint64 {
	hi, lo := bits.Mul64(c.retired(), c.num)
	if hi >= c.den {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, c.den)
	return q
}

// retiredAt returns the smallest instruction count at which Ticks reaches
// ticks. A halted CPU skips ahead to it.
func (c *InstructionClock) retiredAt(ticks uint64) uint64 {
	hi, lo := bits.Mul64(ticks, c.den)
	lo, carry := bits.Add64(lo, c.num-1, 0)
	hi += carry
	if hi >= c.num {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, c.num)
	return q
}

// ExternalClock is advanced by the embedder. Advance may be called from any
// goroutine.
type ExternalClock struct {
	ticks atomic.Uint64
}

func (c *ExternalClock) Ticks() uint64 { return c.ticks.Load() }

// Advance moves the clock forward by n ticks.
func (c *ExternalClock) Advance(n uint64) { c.ticks.Add(n) }

// TimerMode selects what happens when a timer expires.
type TimerMode uint8

const (
	TimerOneShot TimerMode = iota
	TimerPeriodic
)

// Timer is one down counter.
type Timer struct {
	Name string

	count   uint64 // decrements left before expiry
	reload  uint64
	mode    TimerMode
	num     uint64
	den     uint64
	rem     uint64
	running bool
	fires   uint64

	// onExpire raises the timer's line. A timer without one is never
	// reported as the next event and is only advanced lazily.
	onExpire func()

	sched *TimerScheduler
}

// NewTimer creates a stopped timer decrementing num/den times per tick.
func NewTimer(name string, num, den uint64, onExpire func()) *Timer {
	if num == 0 || den == 0 {
		num, den = 1, 1
	}
	return &Timer{Name: name, num: num, den: den, onExpire: onExpire}
}

// Start loads count and starts counting. reload is used for every period
// after the first; zero counts are treated as one.
func (t *Timer) Start(count, reload uint64, mode TimerMode) {
	t.count = max(count, 1)
	t.reload = max(reload, 1)
	t.mode = mode
	t.rem = 0
	t.running = true
	t.touch()
}

// Stop freezes the count.
func (t *Timer) Stop() {
	t.running = false
	t.touch()
}

// Resume continues a stopped timer from its current count.
func (t *Timer) Resume() {
	if t.count > 0 {
		t.running = true
		t.touch()
	}
}

func (t *Timer) touch() {
	if t.sched != nil {
		t.sched.changed = true
	}
}

// Running reports whether the timer is counting.
func (t *Timer) Running() bool { return t.running }

// Count returns the decrements left before the next expiry.
func (t *Timer) Count() uint64 { return t.count }

// Fires returns how many times the timer has expired.
func (t *Timer) Fires() uint64 { return t.fires }

func (t *Timer) advance(ticks uint64) {
	if !t.running || ticks == 0 {
		return
	}
	hi, lo := bits.Mul64(ticks, t.num)
	lo, carry := bits.Add64(lo, t.rem, 0)
	hi += carry
	var dec uint64
	if hi >= t.den {
		dec = math.MaxUint64
	} else {
		dec, t.rem = bits.Div64(hi, lo, t.den)
	}
	for dec > 0 && t.running {
		if dec < t.count {
			t.count -= dec
			return
		}
		dec -= t.count
		t.fires++
		if t.mode == TimerPeriodic {
			t.count = t.reload
			// Without a listener whole periods can be skipped arithmetically.
			if t.onExpire == nil && dec >= t.reload {
				t.fires += dec / t.reload
				dec %= t.reload
			}
		} else {
			t.count = 0
			t.running = false
		}
		if t.onExpire != nil {
			t.onExpire()
		}
	}
}

// ticksToExpiry returns the number of ticks until the next expiry.
func (t *Timer) ticksToExpiry() (uint64, bool) {
	if !t.running || t.onExpire == nil {
		return 0, false
	}
	hi, lo := bits.Mul64(t.count, t.den)
	lo, borrow := bits.Sub64(lo, t.rem, 0)
	hi -= borrow
	lo, carry := bits.Add64(lo, t.num-1, 0)
	hi += carry
	if hi >= t.num {
		return math.MaxUint64, true
	}
	q, _ := bits.Div64(hi, lo, t.num)
	return max(q, 1), true
}

// TimerScheduler advances a set of timers from one clock source.
type TimerScheduler struct {
	timers []*Timer
	clock  ClockSource
	now    uint64

	// Set when a timer was started or stopped since the last Deadline.
	changed bool
}

// NewTimerScheduler creates a scheduler reading clock.
func NewTimerScheduler(clock ClockSource) *TimerScheduler {
	return &TimerScheduler{clock: clock, now: clock.Ticks()}
}

// Add registers t with the scheduler.
func (s *TimerScheduler) Add(t *Timer) {
	t.sched = s
	s.timers = append(s.timers, t)
	s.changed = true
}

// Changed reports whether the deadline may have moved since it was last
// read.
func (s *TimerScheduler) Changed() bool { return s.changed }

// Now returns the tick count the timers were last advanced to.
func (s *TimerScheduler) Now() uint64 { return s.now }

// Sync advances every timer to the clock source. Expiry callbacks run in
// registration order.
func (s *TimerScheduler) Sync() {
	now := s.clock.Ticks()
	if now <= s.now {
		return
	}
	delta := now - s.now
	s.now = now
	for _, t := range s.timers {
		t.advance(delta)
	}
}

// NextExpiry returns the ticks from Now until the earliest timer with a
// listener expires.
func (s *TimerScheduler) NextExpiry() (uint64, bool) {
	next, found := uint64(math.MaxUint64), false
	for _, t := range s.timers {
		if n, ok := t.ticksToExpiry(); ok && n < next {
			next, found = n, true
		}
	}
	return next, found
}

// Deadline returns the absolute tick of the next expiry.
func (s *TimerScheduler) Deadline() uint64 {
	s.changed = false
	n, ok := s.NextExpiry()
	if !ok || n > math.MaxUint64-s.now {
		return math.MaxUint64
	}
	return s.now + n
}

// Reset restarts the tick base from the clock without advancing timers.
func (s *TimerScheduler) Reset() { s.now = s.clock.Ticks() }
