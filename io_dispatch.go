// io_dispatch.go - Port I/O routing for the PC core

/*
io_dispatch.go - Port I/O Dispatch

Devices claim inclusive port ranges with MapPorts. The CPU sees the dispatcher
through PortBus: an access that fits inside one range goes to that handler
with its full width, anything else is split into byte accesses so a 16-bit
OUT across two 8-bit devices reaches both.

Unclaimed ports read as all ones and swallow writes. A handler error is
logged and kept as a *DeviceError; the execution loop collects it at the next
boundary and stops.

(c) 2024-2026 Zayn Otley - GPLv3 or later
*/

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// PortHandler serves a claimed port range. size is 1, 2 or 4.
type PortHandler interface {
	ReadPort(port uint16, size int) (uint32, error)
	WritePort(port uint16, size int, value uint32) error
}

// PortFuncs adapts a pair of functions to PortHandler. A nil Read returns
// all ones, a nil Write drops the value.
type PortFuncs struct {
	Read  func(port uint16, size int) (uint32, error)
	Write func(port uint16, size int, value uint32) error
}

func (f PortFuncs) ReadPort(port uint16, size int) (uint32, error) {
	if f.Read == nil {
		return openBus(size), nil
	}
	return f.Read(port, size)
}

func (f PortFuncs) WritePort(port uint16, size int, value uint32) error {
	if f.Write == nil {
		return nil
	}
	return f.Write(port, size, value)
}

// byteWide splits wider accesses to an 8-bit register file into byte
// accesses on consecutive ports.
type byteWide struct {
	read  func(port uint16) uint8
	write func(port uint16, v uint8)
}

// ByteWide builds a PortHandler for a device with 8-bit registers.
func ByteWide(read func(port uint16) uint8, write func(port uint16, v uint8)) PortHandler {
	return byteWide{read: read, write: write}
}

func (b byteWide) ReadPort(port uint16, size int) (uint32, error) {
	var v uint32
	for i := 0; i < size; i++ {
		v |= uint32(b.read(port+uint16(i))) << (8 * i)
	}
	return v, nil
}

func (b byteWide) WritePort(port uint16, size int, value uint32) error {
	for i := 0; i < size; i++ {
		b.write(port+uint16(i), uint8(value>>(8*i)))
	}
	return nil
}

func openBus(size int) uint32 { return sizeMask(uint8(size)) }

type portRange struct {
	name        string
	first, last uint16
	handler     PortHandler
}

// IODispatch owns the port map of one machine.
type IODispatch struct {
	owner  [0x10000]uint16 // index+1 into ranges, 0 when unclaimed
	ranges []portRange

	deviceErr error

	// Optional access trace, called after every dispatched access.
	trace func(port uint16, size int, value uint32, write bool)

	log *logrus.Entry
}

// NewIODispatch returns an empty port map.
func NewIODispatch(log *logrus.Entry) *IODispatch {
	return &IODispatch{log: log}
}

// MapPorts claims ports first..last inclusive for handler.
func (d *IODispatch) MapPorts(name string, first, last uint16, handler PortHandler) error {
	if last < first {
		return fmt.Errorf("io: %s: empty range 0x%04X-0x%04X", name, first, last)
	}
	for p := uint32(first); p <= uint32(last); p++ {
		if idx := d.owner[p]; idx != 0 {
			return fmt.Errorf("%w: 0x%04X wanted by %s, owned by %s", ErrPortConflict, p, name, d.ranges[idx-1].name)
		}
	}
	d.ranges = append(d.ranges, portRange{name: name, first: first, last: last, handler: handler})
	idx := uint16(len(d.ranges))
	for p := uint32(first); p <= uint32(last); p++ {
		d.owner[p] = idx
	}
	return nil
}

// whole returns the range that covers every byte of the access.
func (d *IODispatch) whole(port uint16, size int) *portRange {
	idx := d.owner[port]
	if idx == 0 {
		return nil
	}
	r := &d.ranges[idx-1]
	if uint32(port)+uint32(size)-1 > uint32(r.last) {
		return nil
	}
	return r
}

func (d *IODispatch) fail(r *portRange, port uint16, err error) {
	if d.deviceErr == nil {
		d.deviceErr = &DeviceError{Device: r.name, Port: port, Err: err}
	}
	d.log.WithFields(logrus.Fields{"device": r.name, "port": fmt.Sprintf("0x%04X", port)}).
		Errorf("port handler failed: %v", err)
}

// In performs a port read on behalf of the CPU.
func (d *IODispatch) In(port uint16, size int) uint32 {
	var v uint32
	if r := d.whole(port, size); r != nil {
		var err error
		if v, err = r.handler.ReadPort(port, size); err != nil {
			d.fail(r, port, err)
			v = openBus(size)
		}
	} else {
		for i := 0; i < size; i++ {
			v |= d.readByte(port+uint16(i)) << (8 * i)
		}
	}
	if d.trace != nil {
		d.trace(port, size, v, false)
	}
	return v
}

func (d *IODispatch) readByte(port uint16) uint32 {
	idx := d.owner[port]
	if idx == 0 {
		d.log.WithField("port", fmt.Sprintf("0x%04X", port)).Debug("read from unmapped port")
		return 0xFF
	}
	r := &d.ranges[idx-1]
	v, err := r.handler.ReadPort(port, 1)
	if err != nil {
		d.fail(r, port, err)
		return 0xFF
	}
	return v & 0xFF
}

// Out performs a port write on behalf of the CPU.
func (d *IODispatch) Out(port uint16, size int, value uint32) {
	if d.trace != nil {
		d.trace(port, size, value, true)
	}
	if r := d.whole(port, size); r != nil {
		if err := r.handler.WritePort(port, size, value); err != nil {
			d.fail(r, port, err)
		}
		return
	}
	for i := 0; i < size; i++ {
		p := port + uint16(i)
		idx := d.owner[p]
		if idx == 0 {
			d.log.WithFields(logrus.Fields{"port": fmt.Sprintf("0x%04X", p), "value": uint8(value >> (8 * i))}).
				Debug("write to unmapped port")
			continue
		}
		r := &d.ranges[idx-1]
		if err := r.handler.WritePort(p, 1, (value>>(8*i))&0xFF); err != nil {
			d.fail(r, p, err)
		}
	}
}

// takeDeviceError returns and clears the first handler failure.
func (d *IODispatch) takeDeviceError() error {
	err := d.deviceErr
	d.deviceErr = nil
	return err
}
