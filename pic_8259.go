// pic_8259.go - Dual 8259A programmable interrupt controller
//
// Master at 0x20/0x21, slave at 0xA0/0xA1 cascaded on master IRQ2, edge or
// level trigger per line through the ELCR pair at 0x4D0/0x4D1. The master's
// output is the CPU's INTR line. Only the fully nested mode is modelled.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "github.com/sirupsen/logrus"

const (
	picMasterCmd  = 0x20
	picMasterData = 0x21
	picSlaveCmd   = 0xA0
	picSlaveData  = 0xA1
	picELCR       = 0x4D0

	picCascadeIRQ = 2
)

// Initialization sequence position
const (
	picWaitICW1 = iota
	picWaitICW2
	picWaitICW3
	picWaitICW4
	picReady
)

// ELCR bits that are hard-wired edge triggered: IRQ0-2 and IRQ8, IRQ13.
var elcrFixed = [2]uint8{0x07, 0x21}

type pic8259 struct {
	step       int
	needICW4   bool
	single     bool
	vectorBase uint8

	irr, isr, imr uint8
	input         uint8 // current line levels
	elcr          uint8 // 1 = level triggered

	lowest      uint8 // line with the lowest priority
	autoEOI     bool
	autoRotate  bool
	specialMask bool
	readISR     bool
	poll        bool

	out     bool
	lastIRQ uint8
}

func (c *pic8259) reset() {
	*c = pic8259{lowest: 7}
}

func (c *pic8259) setInput(line uint8, level bool) {
	m := uint8(1) << line
	if level {
		if c.elcr&m != 0 || c.input&m == 0 {
			c.irr |= m
		}
		c.input |= m
		return
	}
	c.input &^= m
	if c.elcr&m != 0 {
		c.irr &^= m
	}
}

// evaluate recomputes the output from the highest priority request that is
// not masked and not blocked by a line in service.
func (c *pic8259) evaluate() {
	c.irr |= c.elcr & c.input
	c.out = false
	req := c.irr &^ c.imr
	for k := uint8(1); k <= 8; k++ {
		irq := (c.lowest + k) & 7
		m := uint8(1) << irq
		if c.isr&m != 0 {
			if c.specialMask {
				continue
			}
			return
		}
		if req&m != 0 {
			c.out = true
			c.lastIRQ = irq
			return
		}
	}
}

func (c *pic8259) ack(irq uint8) {
	m := uint8(1) << irq
	c.irr &^= m
	if c.autoEOI {
		if c.autoRotate {
			c.lowest = irq
		}
		return
	}
	c.isr |= m
}

// highestInService returns the in-service line with the highest priority.
func (c *pic8259) highestInService() (uint8, bool) {
	for k := uint8(1); k <= 8; k++ {
		irq := (c.lowest + k) & 7
		if c.isr&(1<<irq) != 0 {
			return irq, true
		}
	}
	return 0, false
}

// DualPIC is the cascaded master/slave pair.
type DualPIC struct {
	chips [2]pic8259

	// Called for every acknowledged request with the IRQ number and vector.
	serviced func(irq int, vector uint8)

	log *logrus.Entry
}

// NewDualPIC returns a pair in its power-on state.
func NewDualPIC(log *logrus.Entry) *DualPIC {
	p := &DualPIC{log: log}
	p.Reset()
	return p
}

// Reset returns both chips to the uninitialized state with all lines edge
// triggered.
func (p *DualPIC) Reset() {
	p.chips[0].reset()
	p.chips[1].reset()
	p.update()
}

// Map claims the controller's ports.
func (p *DualPIC) Map(io *IODispatch) error {
	if err := io.MapPorts("pic-master", picMasterCmd, picMasterData, ByteWide(p.readPort, p.writePort)); err != nil {
		return err
	}
	if err := io.MapPorts("pic-slave", picSlaveCmd, picSlaveData, ByteWide(p.readPort, p.writePort)); err != nil {
		return err
	}
	return io.MapPorts("elcr", picELCR, picELCR+1, ByteWide(p.readPort, p.writePort))
}

func (p *DualPIC) update() {
	p.chips[1].evaluate()
	p.chips[0].setInput(picCascadeIRQ, p.chips[1].out)
	// The cascade request follows the slave output rather than latching.
	if !p.chips[1].out {
		p.chips[0].irr &^= 1 << picCascadeIRQ
	}
	p.chips[0].evaluate()
}

// SetIRQ drives line irq (0-15) to level.
func (p *DualPIC) SetIRQ(irq int, level bool) {
	if irq < 0 || irq > 15 {
		return
	}
	p.chips[irq>>3].setInput(uint8(irq&7), level)
	p.update()
}

// Pending reports whether INTR is asserted.
func (p *DualPIC) Pending() bool { return p.chips[0].out }

// Acknowledge runs the INTA cycle: the highest priority request moves to
// in-service and its vector is returned. With nothing to deliver the
// spurious IRQ7 vector of the chip is returned.
func (p *DualPIC) Acknowledge() uint8 {
	p.update()
	m := &p.chips[0]
	if !m.out {
		return m.vectorBase | 7
	}
	irq := m.lastIRQ
	m.ack(irq)
	vec := m.vectorBase | irq
	line := int(irq)
	if irq == picCascadeIRQ {
		s := &p.chips[1]
		if s.out {
			sirq := s.lastIRQ
			s.ack(sirq)
			vec = s.vectorBase | sirq
			line = 8 + int(sirq)
		} else {
			vec = s.vectorBase | 7
		}
	}
	p.update()
	if p.serviced != nil {
		p.serviced(line, vec)
	}
	return vec
}

// Registers returns IRR, ISR and IMR of chip 0 (master) or 1 (slave).
func (p *DualPIC) Registers(chip int) (irr, isr, imr uint8) {
	c := &p.chips[chip&1]
	return c.irr, c.isr, c.imr
}

func (p *DualPIC) readPort(port uint16) uint8 {
	switch port {
	case picELCR, picELCR + 1:
		return p.chips[port-picELCR].elcr
	}
	id := 0
	if port&0x80 != 0 {
		id = 1
	}
	c := &p.chips[id]
	if port&1 != 0 {
		return c.imr
	}
	if c.poll {
		c.poll = false
		p.update()
		if !c.out {
			return 0
		}
		irq := c.lastIRQ
		c.ack(irq)
		p.update()
		return 0x80 | irq
	}
	if c.readISR {
		return c.isr
	}
	return c.irr
}

func (p *DualPIC) writePort(port uint16, v uint8) {
	switch port {
	case picELCR, picELCR + 1:
		id := port - picELCR
		if v&elcrFixed[id] != 0 {
			p.log.WithFields(logrus.Fields{"elcr": id, "value": v}).
				Warn("level trigger requested on an edge-only line")
		}
		p.chips[id].elcr = v &^ elcrFixed[id]
		p.update()
		return
	}
	id := 0
	if port&0x80 != 0 {
		id = 1
	}
	if port&1 != 0 {
		p.writeData(id, v)
	} else {
		p.writeCommand(id, v)
	}
	p.update()
}

func (p *DualPIC) warn(id int, v uint8, msg string) {
	p.log.WithFields(logrus.Fields{"chip": id, "value": v}).Warn(msg)
}

func (p *DualPIC) writeCommand(id int, v uint8) {
	c := &p.chips[id]
	if v&0x10 != 0 {
		// ICW1
		if c.step != picWaitICW1 && c.step != picReady {
			p.warn(id, v, "reinitializing before sequence completed")
		}
		if v&0x08 != 0 {
			p.warn(id, v, "ICW1 level trigger ignored, ELCR selects the trigger mode")
		}
		elcr, input := c.elcr, c.input
		c.reset()
		c.elcr, c.input = elcr, input
		c.needICW4 = v&0x01 != 0
		c.single = v&0x02 != 0
		c.step = picWaitICW2
		return
	}
	if c.step != picReady {
		p.warn(id, v, "command written before initialization")
		return
	}
	switch (v >> 3) & 3 {
	case 0: // OCW2
		irq := v & 7
		switch v >> 5 {
		case 0:
			c.autoRotate = false
		case 1:
			if irq, ok := c.highestInService(); ok {
				c.isr &^= 1 << irq
			}
		case 3:
			c.isr &^= 1 << irq
		case 4:
			c.autoRotate = true
		case 5:
			if irq, ok := c.highestInService(); ok {
				c.isr &^= 1 << irq
				c.lowest = irq
			}
		case 6:
			c.lowest = irq
		case 7:
			c.isr &^= 1 << irq
			c.lowest = irq
		}
	case 1: // OCW3
		if v&0x40 != 0 {
			c.specialMask = v&0x20 != 0
		}
		if v&0x04 != 0 {
			c.poll = true
		}
		if v&0x02 != 0 {
			c.readISR = v&0x01 != 0
		}
	default:
		p.warn(id, v, "command is neither OCW2 nor OCW3")
	}
}

func (p *DualPIC) writeData(id int, v uint8) {
	c := &p.chips[id]
	switch c.step {
	case picWaitICW1:
		p.warn(id, v, "data written before ICW1")
	case picWaitICW2:
		c.vectorBase = v & 0xF8
		switch {
		case !c.single:
			c.step = picWaitICW3
		case c.needICW4:
			c.step = picWaitICW4
		default:
			c.step = picReady
		}
	case picWaitICW3:
		if (id == 0 && v != 1<<picCascadeIRQ) || (id == 1 && v != picCascadeIRQ) {
			p.warn(id, v, "unsupported cascade configuration")
		}
		if c.needICW4 {
			c.step = picWaitICW4
		} else {
			c.step = picReady
		}
	case picWaitICW4:
		if v&0x01 == 0 {
			p.warn(id, v, "8080 mode not supported")
		}
		if v&0x10 != 0 {
			p.warn(id, v, "special fully nested mode not supported")
		}
		c.autoEOI = v&0x02 != 0
		c.step = picReady
	case picReady:
		c.imr = v
	}
}

// IRQLine is a handle a device uses to drive one interrupt line from the
// execution loop goroutine.
type IRQLine struct {
	pic *DualPIC
	irq int
}

// Raise drives the line high.
func (l *IRQLine) Raise() { l.pic.SetIRQ(l.irq, true) }

// Lower drives the line low.
func (l *IRQLine) Lower() { l.pic.SetIRQ(l.irq, false) }

// Pulse latches an edge request and releases the line.
func (l *IRQLine) Pulse() {
	l.pic.SetIRQ(l.irq, true)
	l.pic.SetIRQ(l.irq, false)
}
