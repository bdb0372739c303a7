// pit_8254.go - 8254 programmable interval timer and system control port B
//
// Three channels at 0x40-0x42 with the control word at 0x43. Each channel
// programs a Timer on the shared scheduler; the timer expiry drives the
// channel's OUT pin. Channel 0 OUT is IRQ0, channel 1 toggles the refresh
// bit of port 0x61, channel 2 is gated by port 0x61 and feeds the speaker.
//
// Modes 0, 2/6, 3/7 and 4 are counted. Modes 1 and 5 start on a gate rising
// edge, which only channel 2 can produce. BCD is recorded but the counter
// always counts in binary.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "github.com/sirupsen/logrus"

const (
	pitBase    = 0x40
	pitControl = 0x43
	portB      = 0x61

	pitRefreshCount = 18 // about 15us, what the BIOS expects when it never programs channel 1
)

// Access modes of the control word bits 5:4
const (
	pitLatch = iota
	pitLSB
	pitMSB
	pitWord
)

type pitChannel struct {
	timer *Timer
	mode  uint8
	bcd   bool
	rw    uint8

	init      uint16
	writeHigh bool // word mode: next write is the MSB
	readHigh  bool // word mode: next read is the MSB
	armed     bool // waiting for an initial count
	loaded    bool // an initial count has been written
	strobed   bool // mode 4/5 strobe already produced

	latched bool
	latch   uint16
	stLatch bool
	status  uint8
	gate    bool
	out     bool
}

func (ch *pitChannel) period() uint64 {
	if ch.init == 0 {
		if ch.bcd {
			return 10000
		}
		return 0x10000
	}
	return uint64(ch.init)
}

// PIT8254 is the timer chip plus the port 0x61 bits it owns.
type PIT8254 struct {
	ch    [3]pitChannel
	sched *TimerScheduler

	irq     func(level bool)
	speaker func(gate, data, out bool)

	portB uint8 // bits 0-3 as last written

	log *logrus.Entry
}

// NewPIT8254 creates the timer, registering its channels with sched. irq
// drives IRQ0.
func NewPIT8254(sched *TimerScheduler, irq func(level bool), log *logrus.Entry) *PIT8254 {
	p := &PIT8254{sched: sched, irq: irq, log: log}
	p.ch[0].timer = NewTimer("pit0", 1, 1, func() { p.expire(0) })
	p.ch[1].timer = NewTimer("pit1", 1, 1, nil)
	p.ch[2].timer = NewTimer("pit2", 1, 1, func() { p.expire(2) })
	for i := range p.ch {
		sched.Add(p.ch[i].timer)
	}
	p.Reset()
	return p
}

// SetSpeaker installs the speaker collaborator's callback.
func (p *PIT8254) SetSpeaker(fn func(gate, data, out bool)) { p.speaker = fn }

// Reset returns all channels to mode 2 with channel 1 refreshing.
func (p *PIT8254) Reset() {
	for i := range p.ch {
		t := p.ch[i].timer
		t.Stop()
		p.ch[i] = pitChannel{timer: t, mode: 2, rw: pitWord, gate: i != 2, out: true}
	}
	p.portB = 0
	ch1 := &p.ch[1]
	ch1.init, ch1.loaded = pitRefreshCount, true
	ch1.timer.Start(pitRefreshCount, pitRefreshCount, TimerPeriodic)
}

// Map claims 0x40-0x43 and 0x61.
func (p *PIT8254) Map(io *IODispatch) error {
	if err := io.MapPorts("pit", pitBase, pitControl, ByteWide(p.readPort, p.writePort)); err != nil {
		return err
	}
	return io.MapPorts("port-b", portB, portB, ByteWide(p.readPort, p.writePort))
}

func (p *PIT8254) setOut(id int, out bool) {
	ch := &p.ch[id]
	if ch.out == out {
		return
	}
	ch.out = out
	switch id {
	case 0:
		p.irq(out)
	case 2:
		if p.speaker != nil {
			p.speaker(ch.gate, p.portB&0x02 != 0, out)
		}
	}
}

// expire handles a timer expiry for the channel's mode.
func (p *PIT8254) expire(id int) {
	ch := &p.ch[id]
	switch ch.mode {
	case 0, 1:
		p.setOut(id, true)
	case 2, 6:
		p.setOut(id, false)
		p.setOut(id, true)
	case 3, 7:
		p.setOut(id, !ch.out)
	case 4, 5:
		if !ch.strobed {
			ch.strobed = true
			p.setOut(id, false)
			p.setOut(id, true)
		}
	}
}

// start loads the initial count into the counting element.
func (p *PIT8254) start(id int) {
	ch := &p.ch[id]
	n := ch.period()
	ch.armed = false
	ch.strobed = false
	switch ch.mode {
	case 0, 1:
		p.setOut(id, false)
		ch.timer.Start(n, 0x10000, TimerPeriodic)
	case 2, 6:
		p.setOut(id, true)
		ch.timer.Start(n, n, TimerPeriodic)
	case 3, 7:
		p.setOut(id, true)
		half := max(n/2, 1)
		ch.timer.Start(half, half, TimerPeriodic)
	case 4, 5:
		p.setOut(id, true)
		ch.timer.Start(n, 0x10000, TimerPeriodic)
	}
	if !ch.gate {
		ch.timer.Stop()
	}
}

// count returns the value of the counting element.
func (p *PIT8254) count(id int) uint16 {
	ch := &p.ch[id]
	if !ch.loaded || ch.armed {
		return ch.init
	}
	c := ch.timer.Count()
	if ch.mode == 3 || ch.mode == 7 {
		c *= 2
	}
	return uint16(c)
}

func (p *PIT8254) latchCount(id int) {
	ch := &p.ch[id]
	if ch.latched {
		return
	}
	ch.latch = p.count(id)
	ch.latched = true
	ch.readHigh = false
}

func (p *PIT8254) latchStatus(id int) {
	ch := &p.ch[id]
	if ch.stLatch {
		return
	}
	st := ch.rw<<4 | ch.mode<<1
	if ch.bcd {
		st |= 0x01
	}
	if ch.out {
		st |= 0x80
	}
	if ch.armed {
		st |= 0x40 // null count
	}
	ch.status = st
	ch.stLatch = true
}

func (p *PIT8254) writeControl(v uint8) {
	if v&0xC0 == 0xC0 {
		// Read-back: bit 5 clear latches counts, bit 4 clear latches status.
		for id := 0; id < 3; id++ {
			if v&(2<<id) == 0 {
				continue
			}
			if v&0x10 == 0 {
				p.latchStatus(id)
			}
			if v&0x20 == 0 {
				p.latchCount(id)
			}
		}
		return
	}
	id := int(v >> 6)
	rw := (v >> 4) & 3
	if rw == pitLatch {
		p.latchCount(id)
		return
	}
	ch := &p.ch[id]
	ch.rw = rw
	ch.mode = (v >> 1) & 7
	ch.bcd = v&1 != 0
	if ch.bcd {
		p.log.WithField("channel", id).Debug("BCD counting requested, counting in binary")
	}
	ch.writeHigh, ch.readHigh = false, false
	ch.latched, ch.stLatch = false, false
	ch.armed = true
	ch.timer.Stop()
	p.setOut(id, ch.mode != 0)
}

func (p *PIT8254) writeCounter(id int, v uint8) {
	ch := &p.ch[id]
	done := true
	switch ch.rw {
	case pitLSB:
		ch.init = uint16(v)
	case pitMSB:
		ch.init = uint16(v) << 8
	case pitWord:
		if !ch.writeHigh {
			ch.init = ch.init&0xFF00 | uint16(v)
			done = false
			if ch.mode == 0 {
				// Writing the first byte stops counting in mode 0.
				ch.timer.Stop()
				p.setOut(id, false)
			}
		} else {
			ch.init = ch.init&0x00FF | uint16(v)<<8
		}
		ch.writeHigh = !ch.writeHigh
	}
	if !done {
		return
	}
	ch.loaded = true
	switch {
	case ch.mode == 1 || ch.mode == 5:
		// Wait for the gate trigger.
		ch.armed = false
		ch.timer.Stop()
	case ch.armed || ch.mode == 0 || ch.mode == 4:
		p.start(id)
	default:
		// Modes 2 and 3 pick a new count up at the end of the period.
		n := ch.period()
		if ch.mode == 3 || ch.mode == 7 {
			n = max(n/2, 1)
		}
		ch.timer.reload = n
	}
}

func (p *PIT8254) readCounter(id int) uint8 {
	ch := &p.ch[id]
	if ch.stLatch {
		ch.stLatch = false
		return ch.status
	}
	v := ch.latch
	if !ch.latched {
		v = p.count(id)
	}
	var out uint8
	switch ch.rw {
	case pitLSB:
		out = uint8(v)
		ch.latched = false
	case pitMSB:
		out = uint8(v >> 8)
		ch.latched = false
	default:
		if !ch.readHigh {
			out = uint8(v)
		} else {
			out = uint8(v >> 8)
			ch.latched = false
		}
		ch.readHigh = !ch.readHigh
	}
	return out
}

// SetGate2 drives channel 2's gate input.
func (p *PIT8254) SetGate2(level bool) {
	ch := &p.ch[2]
	if ch.gate == level {
		return
	}
	ch.gate = level
	switch ch.mode {
	case 0, 4:
		if level {
			ch.timer.Resume()
		} else {
			ch.timer.Stop()
		}
	case 1, 5:
		if level && ch.loaded {
			p.start(2)
		}
	default:
		if level {
			if ch.loaded {
				p.start(2)
			}
		} else {
			ch.timer.Stop()
			p.setOut(2, true)
		}
	}
	if p.speaker != nil {
		p.speaker(ch.gate, p.portB&0x02 != 0, ch.out)
	}
}

// Out reports a channel's OUT pin.
func (p *PIT8254) Out(id int) bool {
	p.sched.Sync()
	return p.ch[id].out
}

func (p *PIT8254) readPort(port uint16) uint8 {
	p.sched.Sync()
	switch port {
	case pitControl:
		return 0xFF
	case portB:
		v := p.portB & 0x0F
		if p.ch[1].timer.Fires()&1 != 0 {
			v |= 0x10
		}
		if p.ch[2].out {
			v |= 0x20
		}
		return v
	}
	return p.readCounter(int(port - pitBase))
}

func (p *PIT8254) writePort(port uint16, v uint8) {
	p.sched.Sync()
	switch port {
	case pitControl:
		p.writeControl(v)
	case portB:
		old := p.portB
		p.portB = v & 0x0F
		p.SetGate2(v&0x01 != 0)
		if (old^v)&0x02 != 0 && p.speaker != nil {
			p.speaker(p.ch[2].gate, v&0x02 != 0, p.ch[2].out)
		}
	default:
		p.writeCounter(int(port-pitBase), v)
	}
}
