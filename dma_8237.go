// dma_8237.go - Dual 8237A DMA controller with the page register file
//
// Channels 0-3 are the 8-bit controller at 0x00-0x0F, channels 4-7 the
// 16-bit controller at 0xC0-0xDF (even ports only). Channel 4 is the cascade
// input and never transfers. The page registers live at 0x81-0x8F, the
// unused ones read back as scratch bytes.
//
// A device asks for service with RequestDMA. The transfer runs to completion
// before RequestDMA returns: memory is accessed physically through the bus,
// so CPU protection does not apply but writes still invalidate translated
// code. Single mode moves one unit per request, block and demand mode move
// units until terminal count or until the device stops producing.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	dmaMasterBase = 0x00
	dmaSlaveBase  = 0xC0
	dmaPageFirst  = 0x81
	dmaPageLast   = 0x8F

	dmaCascadeChannel = 4
	dmaChunk          = 4096
)

// Mode register bits 7:6
const (
	dmaDemand = iota
	dmaSingle
	dmaBlock
	dmaCascade
)

// Mode register bits 3:2
const (
	dmaVerify = iota
	dmaWrite  // device to memory
	dmaRead   // memory to device
	dmaIllegal
)

// Page register port per channel.
var dmaPagePort = [8]uint16{0x87, 0x83, 0x81, 0x82, 0x8F, 0x8B, 0x89, 0x8A}

// DMADevice is the peripheral side of a channel. Data is exchanged in bytes;
// 16-bit channels always see an even number of them.
type DMADevice interface {
	// DMARead fills buf for a device to memory transfer and returns how many
	// bytes it produced. Fewer than len(buf) ends the request.
	DMARead(ch int, buf []byte) (int, error)
	// DMAWrite consumes memory data for a memory to device transfer and
	// returns how many bytes it took.
	DMAWrite(ch int, data []byte) (int, error)
	// DMATerminalCount reports that the channel's count ran out.
	DMATerminalCount(ch int)
}

type dmaChannel struct {
	baseAddr, addr   uint16
	baseCount, count uint16
	basePage, page   uint8

	xferMode uint8
	xferType uint8
	autoInit bool
	decr     bool
}

// phys returns the physical address of the current unit. 16-bit channels
// address words and ignore page bit 0.
func (c *dmaChannel) phys(wide bool) uint32 {
	if wide {
		return uint32(c.page&0xFE)<<16 | uint32(c.addr)<<1
	}
	return uint32(c.page)<<16 | uint32(c.addr)
}

func (c *dmaChannel) step() {
	if c.decr {
		c.addr--
	} else {
		c.addr++
	}
}

// DMA8237 is the controller pair.
type DMA8237 struct {
	ch       [8]dmaChannel
	devices  [8]DMADevice
	flipflop [2]bool
	command  [2]uint8
	temp     [2]uint8
	mask     uint8
	dreq     uint8
	tc       uint8
	pages    [16]uint8 // raw page register file, 0x80-0x8F

	bus *MachineBus
	buf []byte

	deviceErr error

	log *logrus.Entry
}

// NewDMA8237 creates the controllers transferring against bus.
func NewDMA8237(bus *MachineBus, log *logrus.Entry) *DMA8237 {
	d := &DMA8237{bus: bus, buf: make([]byte, dmaChunk), log: log}
	d.Reset()
	return d
}

// Reset masks every channel and clears the programming. Attached devices stay.
func (d *DMA8237) Reset() {
	d.ch = [8]dmaChannel{}
	d.flipflop = [2]bool{}
	d.command = [2]uint8{}
	d.temp = [2]uint8{}
	d.mask = 0xFF
	d.dreq = 0
	d.tc = 0
	d.pages = [16]uint8{}
}

// Map claims the controller and page register ports.
func (d *DMA8237) Map(io *IODispatch) error {
	if err := io.MapPorts("dma-master", dmaMasterBase, dmaMasterBase+0x0F, ByteWide(d.readPort, d.writePort)); err != nil {
		return err
	}
	if err := io.MapPorts("dma-slave", dmaSlaveBase, dmaSlaveBase+0x1F, ByteWide(d.readPort, d.writePort)); err != nil {
		return err
	}
	return io.MapPorts("dma-page", dmaPageFirst, dmaPageLast, ByteWide(d.readPage, d.writePage))
}

func validDMAChannel(ch int) error {
	if ch < 0 || ch > 7 || ch == dmaCascadeChannel {
		return fmt.Errorf("%w: %d", ErrInvalidDMAChannel, ch)
	}
	return nil
}

// Attach connects dev to channel ch.
func (d *DMA8237) Attach(ch int, dev DMADevice) error {
	if err := validDMAChannel(ch); err != nil {
		return err
	}
	if d.devices[ch] != nil {
		return fmt.Errorf("%w: %d", ErrDMAChannelInUse, ch)
	}
	d.devices[ch] = dev
	return nil
}

// Detach releases channel ch.
func (d *DMA8237) Detach(ch int) {
	if ch >= 0 && ch < len(d.devices) {
		d.devices[ch] = nil
		d.dreq &^= 1 << ch
	}
}

// RequestDMA asserts DREQ on ch and performs the transfer. A masked channel
// keeps the request pending until the guest unmasks it.
func (d *DMA8237) RequestDMA(ch int) error {
	if err := validDMAChannel(ch); err != nil {
		return err
	}
	d.dreq |= 1 << ch
	if d.mask&(1<<ch) != 0 {
		return nil
	}
	return d.service(ch)
}

// CancelDMA drops a pending request on ch.
func (d *DMA8237) CancelDMA(ch int) {
	if ch >= 0 && ch < 8 {
		d.dreq &^= 1 << ch
	}
}

// servicePending runs requests that were waiting for an unmask.
func (d *DMA8237) servicePending() {
	for ch := 0; ch < 8; ch++ {
		if ch == dmaCascadeChannel || d.dreq&^d.mask&(1<<ch) == 0 {
			continue
		}
		if err := d.service(ch); err != nil {
			return
		}
	}
}

func (d *DMA8237) service(ch int) error {
	c := &d.ch[ch]
	if c.xferMode == dmaCascade {
		d.log.WithField("channel", ch).Warn("request on a cascade mode channel ignored")
		d.dreq &^= 1 << ch
		return nil
	}
	if d.command[ch>>2]&0x04 != 0 {
		// Controller disabled, the request waits.
		return nil
	}
	d.dreq &^= 1 << ch

	wide := ch >= 4
	unit := 1
	if wide {
		unit = 2
	}
	left := int(c.count) + 1
	if c.xferMode == dmaSingle {
		left = 1
	}
	dev := d.devices[ch]

	for left > 0 {
		n := min(left, len(d.buf)/unit)
		var moved int
		var err error
		switch c.xferType {
		case dmaWrite:
			if dev == nil {
				return nil
			}
			var got int
			got, err = dev.DMARead(ch, d.buf[:n*unit])
			moved = min(got, n*unit) / unit
			for i := 0; i < moved; i++ {
				d.storeUnit(c, wide, d.buf[i*unit:])
				c.step()
			}
		case dmaRead:
			if dev == nil {
				return nil
			}
			save := c.addr
			for i := 0; i < n; i++ {
				d.loadUnit(c, wide, d.buf[i*unit:])
				c.step()
			}
			c.addr = save
			var took int
			took, err = dev.DMAWrite(ch, d.buf[:n*unit])
			moved = min(took, n*unit) / unit
			for i := 0; i < moved; i++ {
				c.step()
			}
		default:
			if c.xferType == dmaIllegal {
				d.log.WithField("channel", ch).Warn("illegal transfer type, treating as verify")
			}
			moved = n
			for i := 0; i < moved; i++ {
				c.step()
			}
		}
		if err != nil {
			derr := &DeviceError{Device: fmt.Sprintf("dma%d", ch), Err: err}
			if d.deviceErr == nil {
				d.deviceErr = derr
			}
			d.log.WithField("channel", ch).Errorf("DMA device failed: %v", err)
			return derr
		}
		left -= moved
		if d.countDown(ch, moved) || moved < n {
			return nil
		}
	}
	return nil
}

// countDown retires n units and handles terminal count. It reports whether
// the count ran out.
func (d *DMA8237) countDown(ch int, n int) bool {
	if n == 0 {
		return false
	}
	c := &d.ch[ch]
	if int(c.count)+1 > n {
		c.count -= uint16(n)
		return false
	}
	c.count = 0xFFFF
	d.tc |= 1 << ch
	if c.autoInit {
		c.addr, c.count, c.page = c.baseAddr, c.baseCount, c.basePage
	} else {
		d.mask |= 1 << ch
	}
	if dev := d.devices[ch]; dev != nil {
		dev.DMATerminalCount(ch)
	}
	return true
}

func (d *DMA8237) storeUnit(c *dmaChannel, wide bool, src []byte) {
	a := c.phys(wide)
	d.bus.Write8(a, src[0])
	if wide {
		d.bus.Write8(a+1, src[1])
	}
}

func (d *DMA8237) loadUnit(c *dmaChannel, wide bool, dst []byte) {
	a := c.phys(wide)
	dst[0] = d.bus.Read8(a)
	if wide {
		dst[1] = d.bus.Read8(a + 1)
	}
}

// takeDeviceError returns and clears the first DMA device failure.
func (d *DMA8237) takeDeviceError() error {
	err := d.deviceErr
	d.deviceErr = nil
	return err
}

// decodePort maps a controller port to its group and register number. Odd
// ports of the 16-bit controller are not decoded.
func decodeDMAPort(port uint16) (group int, reg uint8, ok bool) {
	if port < dmaSlaveBase {
		return 0, uint8(port & 0x0F), true
	}
	if port&1 != 0 {
		return 1, 0, false
	}
	return 1, uint8((port-dmaSlaveBase)>>1) & 0x0F, true
}

// toggle returns the current flip-flop state and flips it.
func (d *DMA8237) toggle(group int) bool {
	hi := d.flipflop[group]
	d.flipflop[group] = !hi
	return hi
}

func (d *DMA8237) readPort(port uint16) uint8 {
	group, reg, ok := decodeDMAPort(port)
	if !ok {
		return 0xFF
	}
	base := group * 4
	if reg < 8 {
		c := &d.ch[base+int(reg>>1)]
		v := c.addr
		if reg&1 != 0 {
			v = c.count
		}
		if d.toggle(group) {
			return uint8(v >> 8)
		}
		return uint8(v)
	}
	switch reg {
	case 0x08:
		shift := uint(base)
		st := (d.dreq>>shift)&0x0F<<4 | (d.tc>>shift)&0x0F
		d.tc &^= 0x0F << shift
		return st
	case 0x0D:
		return d.temp[group]
	case 0x0F:
		return d.mask>>uint(base)&0x0F | 0xF0
	}
	return 0xFF
}

func (d *DMA8237) writePort(port uint16, v uint8) {
	group, reg, ok := decodeDMAPort(port)
	if !ok {
		return
	}
	base := group * 4
	if reg < 8 {
		ch := base + int(reg>>1)
		c := &d.ch[ch]
		hi := d.toggle(group)
		if reg&1 == 0 {
			c.baseAddr = setDMAByte(c.baseAddr, v, hi)
			c.addr = c.baseAddr
		} else {
			c.baseCount = setDMAByte(c.baseCount, v, hi)
			c.count = c.baseCount
		}
		return
	}
	switch reg {
	case 0x08:
		if v&0x01 != 0 {
			d.log.WithFields(logrus.Fields{"group": group, "value": v}).Warn("memory to memory transfers not supported")
		}
		if v&0xD0 != 0 {
			d.log.WithFields(logrus.Fields{"group": group, "value": v}).Debug("command bits ignored")
		}
		d.command[group] = v
		if v&0x04 == 0 {
			d.servicePending()
		}
	case 0x09:
		ch := base + int(v&3)
		if v&0x04 == 0 {
			d.dreq &^= 1 << ch
			return
		}
		if ch == dmaCascadeChannel {
			return
		}
		if err := d.RequestDMA(ch); err != nil {
			d.log.WithField("channel", ch).Debugf("software request: %v", err)
		}
	case 0x0A:
		m := uint8(1) << (base + int(v&3))
		if v&0x04 != 0 {
			d.mask |= m
		} else {
			d.mask &^= m
			d.servicePending()
		}
	case 0x0B:
		c := &d.ch[base+int(v&3)]
		c.xferType = (v >> 2) & 3
		c.autoInit = v&0x10 != 0
		c.decr = v&0x20 != 0
		c.xferMode = v >> 6
		if base+int(v&3) == dmaCascadeChannel && c.xferMode != dmaCascade {
			d.log.WithField("value", v).Debug("channel 4 programmed out of cascade mode")
		}
	case 0x0C:
		d.flipflop[group] = false
	case 0x0D:
		// Master clear.
		d.command[group] = 0
		d.flipflop[group] = false
		d.temp[group] = 0
		d.mask |= 0x0F << base
		d.tc &^= 0x0F << base
		d.dreq &^= 0x0F << base
	case 0x0E:
		d.mask &^= 0x0F << base
		d.servicePending()
	case 0x0F:
		d.mask = d.mask&^(0x0F<<base) | (v&0x0F)<<base
		d.servicePending()
	}
}

func setDMAByte(old uint16, v uint8, hi bool) uint16 {
	if hi {
		return old&0x00FF | uint16(v)<<8
	}
	return old&0xFF00 | uint16(v)
}

func (d *DMA8237) readPage(port uint16) uint8 {
	for ch, p := range dmaPagePort {
		if p == port {
			return d.ch[ch].page
		}
	}
	return d.pages[port&0x0F]
}

func (d *DMA8237) writePage(port uint16, v uint8) {
	d.pages[port&0x0F] = v
	for ch, p := range dmaPagePort {
		if p == port {
			d.ch[ch].page = v
			d.ch[ch].basePage = v
		}
	}
}

// ChannelState reports the current address, count and page of a channel.
func (d *DMA8237) ChannelState(ch int) (addr, count uint16, page uint8) {
	c := &d.ch[ch&7]
	return c.addr, c.count, c.page
}

// Masked reports whether ch is masked.
func (d *DMA8237) Masked(ch int) bool { return d.mask&(1<<(ch&7)) != 0 }
