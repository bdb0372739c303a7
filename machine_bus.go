// machine_bus.go - Physical memory bus for the IntuitionPC core

/*
 ██▓ ███▄    █ ▄▄▄█████▓ █    ██  ██▓▄▄▄█████▓ ██▓ ▒█████   ███▄    █     ██▓███   ▄████▄
▓██▒ ██ ▀█   █ ▓  ██▒ ▓▒ ██  ▓██▒▓██▒▓  ██▒ ▓▒▓██▒▒██▒  ██▒ ██ ▀█   █    ▓██░  ██▒▒██▀ ▀█
▒██▒▓██  ▀█ ██▒▒ ▓██░ ▒░▓██  ▒██░▒██▒▒ ▓██░ ▒░▒██▒▒██░  ██▒▓██  ▀█ ██▒   ▓██░ ██▓▒▒▓█    ▄
░██░▓██▒  ▐▌██▒░ ▓██▓ ░ ▓▓█  ░██░░██░░ ▓██▓ ░ ░██░▒██   ██░▓██▒  ▐▌██▒   ▒██▄█▓▒ ▒▒▓▓▄ ▄██▒
░██░▒██░   ▓██░  ▒██▒ ░ ▒▒█████▓ ░██░  ▒██▒ ░ ░██░░ ████▓▒░▒██░   ▓██░   ▒██▒ ░  ░▒ ▓███▀ ░

(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/IntuitionEngine
Buy me a coffee: https://ko-fi.com/intuition/tip

License: GPLv3 or later
*/

/*
machine_bus.go - Physical Memory Bus

The bus resolves 32-bit physical addresses for the CPU and for DMA. The PC map it implements:

    0x00000000 - RAM top        main memory
    0x000A0000 - 0x000BFFFF     legacy video hole, forwarded to MMIO handlers when mapped
    0x000C0000 - 0x000FFFFF     option ROM / BIOS area with 16 KiB shadow attributes
    4 GiB - BIOS size - 4 GiB   system BIOS, also aliased below 1 MiB

Main memory is a contiguous slice. Pages inside RAM that need routing (the hole and the ROM
area) are flagged in ioPageBitmap so ordinary accesses take a single bounds check. Pages that
hold translated code are flagged in codePages; writes there notify the translation cache
before returning, whichever agent (CPU or DMA) performed them.

The A20 gate masks bit 20 of every physical address while disabled.
*/

package main

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const (
	busPageShift = 12
	busPageSize  = 1 << busPageShift
	busPageMask  = busPageSize - 1

	videoHoleStart = 0x000A0000
	romAreaStart   = 0x000C0000
	romAreaEnd     = 0x00100000
	shadowBlock    = 0x4000
	shadowBlocks   = (romAreaEnd - romAreaStart) / shadowBlock

	vgaBIOSBase    = 0x000C0000
	biosLowWindow  = 128 * 1024
	unmappedRead32 = 0xFFFFFFFF
)

// ShadowMode selects where reads and writes to a 16 KiB block of the
// 0xC0000-0xFFFFF area go. The chipset collaborator programs it.
type ShadowMode uint8

const (
	ShadowROM       ShadowMode = iota // read ROM, writes dropped
	ShadowWriteRAM                    // read ROM, write RAM
	ShadowReadRAM                     // read RAM, writes dropped
	ShadowRAM                         // read and write RAM
)

// MMIOHandler serves a memory-mapped device window.
type MMIOHandler interface {
	ReadMMIO(addr uint32, size int) (uint32, error)
	WriteMMIO(addr uint32, size int, value uint32) error
}

// IORegion is one MMIO window registered on the bus.
type IORegion struct {
	name    string
	start   uint32
	end     uint32
	handler MMIOHandler
}

// MachineBus owns physical memory and the MMIO routing table.
type MachineBus struct {
	ram     []byte
	ramSize uint32

	bios    []byte
	vgaBIOS []byte
	shadow  [shadowBlocks]ShadowMode

	mapping      map[uint32][]IORegion
	ioPageBitmap []bool

	codePages   []bool
	onCodeWrite func(addr uint32, size int)
	onRemap     func()

	a20Mask uint32

	// First device failure seen during dispatch, collected by the loop.
	deviceErr error

	sealed atomic.Bool
	log    *logrus.Entry
}

// NewMachineBus allocates ramSize bytes of main memory.
func NewMachineBus(ramSize uint32, log *logrus.Entry) *MachineBus {
	bus := &MachineBus{
		ram:     make([]byte, ramSize),
		ramSize: ramSize,
		mapping: make(map[uint32][]IORegion),
		a20Mask: 0xFFFFFFFF,
		log:     log,
	}
	pages := (ramSize + busPageMask) >> busPageShift
	bus.ioPageBitmap = make([]bool, pages)
	bus.codePages = make([]bool, pages)
	for addr := uint32(videoHoleStart); addr < romAreaEnd && addr < ramSize; addr += busPageSize {
		bus.ioPageBitmap[addr>>busPageShift] = true
	}
	return bus
}

// Reset clears main memory and restores power-on routing.
func (bus *MachineBus) Reset() {
	clear(bus.ram)
	for i := range bus.shadow {
		bus.shadow[i] = ShadowROM
	}
	bus.a20Mask = 0xFFFFFFFF
	bus.deviceErr = nil
	if bus.onRemap != nil {
		bus.onRemap()
	}
}

// GetMemory exposes main memory for snapshots and tests.
func (bus *MachineBus) GetMemory() []byte { return bus.ram }

// RAMSize returns the amount of main memory in bytes.
func (bus *MachineBus) RAMSize() uint32 { return bus.ramSize }

// LoadBIOS installs the system BIOS image. Its size must be a power of two
// between 64 KiB and 1 MiB.
func (bus *MachineBus) LoadBIOS(image []byte) error {
	n := len(image)
	if n < 64*1024 || n > 1024*1024 || n&(n-1) != 0 {
		return fmt.Errorf("%w: size %d is not a power of two between 64KiB and 1MiB", ErrBadBIOS, n)
	}
	bus.bios = append([]byte(nil), image...)
	if bus.onRemap != nil {
		bus.onRemap()
	}
	return nil
}

// LoadVGABIOS installs an option ROM at 0xC0000. The image must carry the
// 0x55AA signature and fit below the BIOS window.
func (bus *MachineBus) LoadVGABIOS(image []byte) error {
	n := len(image)
	if n < 512 || n > 0x20000 || n%512 != 0 {
		return fmt.Errorf("%w: size %d", ErrBadOptionROM, n)
	}
	if image[0] != 0x55 || image[1] != 0xAA {
		return fmt.Errorf("%w: missing 55AA signature", ErrBadOptionROM)
	}
	bus.vgaBIOS = append([]byte(nil), image...)
	if bus.onRemap != nil {
		bus.onRemap()
	}
	return nil
}

// SetShadow programs the attribute of the 16 KiB block containing addr.
func (bus *MachineBus) SetShadow(addr uint32, mode ShadowMode) {
	if addr < romAreaStart || addr >= romAreaEnd {
		return
	}
	blk := (addr - romAreaStart) / shadowBlock
	if bus.shadow[blk] == mode {
		return
	}
	bus.shadow[blk] = mode
	start := romAreaStart + blk*shadowBlock
	if bus.onCodeWrite != nil {
		bus.onCodeWrite(start, shadowBlock)
	}
}

// SetA20 opens or closes the A20 gate.
func (bus *MachineBus) SetA20(enabled bool) {
	mask := uint32(0xFFFFFFFF)
	if !enabled {
		mask &^= 1 << 20
	}
	if mask == bus.a20Mask {
		return
	}
	bus.a20Mask = mask
	if bus.onRemap != nil {
		bus.onRemap()
	}
}

// A20 reports whether the A20 gate is open.
func (bus *MachineBus) A20() bool { return bus.a20Mask&(1<<20) != 0 }

// MapMMIO registers a device window. Mappings are fixed once the machine has
// started executing.
func (bus *MachineBus) MapMMIO(name string, start, end uint32, handler MMIOHandler) error {
	if bus.sealed.Load() {
		return fmt.Errorf("bus: mapping %s after start", name)
	}
	for _, regions := range bus.mapping {
		for _, r := range regions {
			if start <= r.end && end >= r.start {
				return fmt.Errorf("%w: %s and %s", ErrMMIOConflict, name, r.name)
			}
		}
	}
	region := IORegion{name: name, start: start, end: end, handler: handler}
	for page := start &^ busPageMask; ; page += busPageSize {
		bus.mapping[page] = append(bus.mapping[page], region)
		if idx := page >> busPageShift; idx < uint32(len(bus.ioPageBitmap)) {
			bus.ioPageBitmap[idx] = true
		}
		if page >= end&^busPageMask {
			break
		}
	}
	return nil
}

// SealMappings freezes the MMIO table.
func (bus *MachineBus) SealMappings() { bus.sealed.Store(true) }

// ------------------------------------------------------------------------------
// Code page tracking
// ------------------------------------------------------------------------------

// markCode flags a RAM page as holding translated code.
func (bus *MachineBus) markCode(phys uint32, on bool) {
	if idx := phys >> busPageShift; idx < uint32(len(bus.codePages)) {
		bus.codePages[idx] = on
	}
}

// Cacheable reports whether code at phys may be translated. MMIO and the
// unmapped space never are.
func (bus *MachineBus) Cacheable(phys uint32) bool {
	phys &= bus.a20Mask
	if phys < bus.ramSize {
		if !bus.ioPageBitmap[phys>>busPageShift] {
			return true
		}
		if _, ok := bus.mapping[phys&^busPageMask]; ok {
			return false
		}
		return phys >= romAreaStart
	}
	return bus.biosHigh(phys)
}

func (bus *MachineBus) notifyWrite(addr uint32, size int) {
	if bus.onCodeWrite == nil {
		return
	}
	first := addr >> busPageShift
	last := (addr + uint32(size) - 1) >> busPageShift
	for p := first; p <= last && p < uint32(len(bus.codePages)); p++ {
		if bus.codePages[p] {
			bus.onCodeWrite(addr, size)
			return
		}
	}
}

// ------------------------------------------------------------------------------
// Slow path routing
// ------------------------------------------------------------------------------

func (bus *MachineBus) biosHigh(addr uint32) bool {
	n := uint32(len(bus.bios))
	return n != 0 && addr >= -n
}

func (bus *MachineBus) findRegion(addr uint32) *IORegion {
	regions, ok := bus.mapping[addr&^busPageMask]
	if !ok {
		return nil
	}
	for i := range regions {
		if addr >= regions[i].start && addr <= regions[i].end {
			return &regions[i]
		}
	}
	return nil
}

// romByte returns the ROM byte visible at a low-memory address.
func (bus *MachineBus) romByte(addr uint32) byte {
	if n := uint32(len(bus.vgaBIOS)); n != 0 && addr >= vgaBIOSBase && addr < vgaBIOSBase+n {
		return bus.vgaBIOS[addr-vgaBIOSBase]
	}
	if n := uint32(len(bus.bios)); n != 0 {
		window := min(n, biosLowWindow)
		if addr >= romAreaEnd-window {
			return bus.bios[n-(romAreaEnd-addr)]
		}
	}
	return 0xFF
}

func (bus *MachineBus) readSlow(addr uint32, size int) uint32 {
	if r := bus.findRegion(addr); r != nil {
		v, err := r.handler.ReadMMIO(addr, size)
		if err != nil {
			bus.fail(r.name, addr, err)
			return unmappedRead32
		}
		return v
	}
	var v uint32
	for i := 0; i < size; i++ {
		v |= uint32(bus.readByteSlow(addr+uint32(i))) << (8 * i)
	}
	return v
}

func (bus *MachineBus) readByteSlow(addr uint32) byte {
	switch {
	case addr >= romAreaStart && addr < romAreaEnd:
		mode := bus.shadow[(addr-romAreaStart)/shadowBlock]
		if (mode == ShadowReadRAM || mode == ShadowRAM) && addr < bus.ramSize {
			return bus.ram[addr]
		}
		return bus.romByte(addr)
	case addr < bus.ramSize:
		return bus.ram[addr]
	case bus.biosHigh(addr):
		return bus.bios[addr-(-uint32(len(bus.bios)))]
	}
	return 0xFF
}

func (bus *MachineBus) writeSlow(addr uint32, size int, value uint32) {
	if r := bus.findRegion(addr); r != nil {
		if err := r.handler.WriteMMIO(addr, size, value); err != nil {
			bus.fail(r.name, addr, err)
		}
		return
	}
	for i := 0; i < size; i++ {
		a := addr + uint32(i)
		b := byte(value >> (8 * i))
		switch {
		case a >= romAreaStart && a < romAreaEnd:
			mode := bus.shadow[(a-romAreaStart)/shadowBlock]
			if (mode == ShadowWriteRAM || mode == ShadowRAM) && a < bus.ramSize {
				bus.ram[a] = b
			}
		case a < bus.ramSize:
			bus.ram[a] = b
		}
	}
	bus.notifyWrite(addr, size)
}

func (bus *MachineBus) fail(device string, addr uint32, err error) {
	if bus.deviceErr == nil {
		bus.deviceErr = &DeviceError{Device: device, Addr: addr, MMIO: true, Err: err}
	}
	bus.log.WithFields(logrus.Fields{"device": device, "addr": fmt.Sprintf("0x%08X", addr)}).
		Errorf("MMIO handler failed: %v", err)
}

// takeDeviceError returns and clears the pending device failure.
func (bus *MachineBus) takeDeviceError() error {
	err := bus.deviceErr
	bus.deviceErr = nil
	return err
}

// ------------------------------------------------------------------------------
// Physical accessors
// ------------------------------------------------------------------------------

func (bus *MachineBus) fast(addr uint32, size uint32) bool {
	return addr+size <= bus.ramSize && addr+size > addr &&
		!bus.ioPageBitmap[addr>>busPageShift] &&
		!bus.ioPageBitmap[(addr+size-1)>>busPageShift]
}

func (bus *MachineBus) Read8(addr uint32) uint8 {
	addr &= bus.a20Mask
	if bus.fast(addr, 1) {
		return bus.ram[addr]
	}
	return uint8(bus.readSlow(addr, 1))
}

func (bus *MachineBus) Read16(addr uint32) uint16 {
	addr &= bus.a20Mask
	if bus.fast(addr, 2) {
		return binary.LittleEndian.Uint16(bus.ram[addr:])
	}
	return uint16(bus.readSlow(addr, 2))
}

func (bus *MachineBus) Read32(addr uint32) uint32 {
	addr &= bus.a20Mask
	if bus.fast(addr, 4) {
		return binary.LittleEndian.Uint32(bus.ram[addr:])
	}
	return bus.readSlow(addr, 4)
}

func (bus *MachineBus) Write8(addr uint32, value uint8) {
	addr &= bus.a20Mask
	if bus.fast(addr, 1) {
		bus.ram[addr] = value
		if bus.codePages[addr>>busPageShift] {
			bus.onCodeWrite(addr, 1)
		}
		return
	}
	bus.writeSlow(addr, 1, uint32(value))
}

func (bus *MachineBus) Write16(addr uint32, value uint16) {
	addr &= bus.a20Mask
	if bus.fast(addr, 2) {
		binary.LittleEndian.PutUint16(bus.ram[addr:], value)
		bus.notifyWrite(addr, 2)
		return
	}
	bus.writeSlow(addr, 2, uint32(value))
}

func (bus *MachineBus) Write32(addr uint32, value uint32) {
	addr &= bus.a20Mask
	if bus.fast(addr, 4) {
		binary.LittleEndian.PutUint32(bus.ram[addr:], value)
		bus.notifyWrite(addr, 4)
		return
	}
	bus.writeSlow(addr, 4, value)
}

// ReadBlock copies n bytes starting at addr, routing every byte.
func (bus *MachineBus) ReadBlock(addr uint32, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = bus.Read8(addr + uint32(i))
	}
	return out
}

// WriteBlock stores data at addr, used by firmware loaders and tests.
func (bus *MachineBus) WriteBlock(addr uint32, data []byte) {
	for i, b := range data {
		bus.Write8(addr+uint32(i), b)
	}
}
