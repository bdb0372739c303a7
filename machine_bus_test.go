// machine_bus_test.go - Physical memory map, A20, ROM shadowing and MMIO
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"encoding/binary"
	"errors"
	"testing"
)

const testRAM = 4 << 20

func newTestBus() *MachineBus {
	return NewMachineBus(testRAM, quietLogger().WithField("component", "bus"))
}

// recordingMMIO answers reads with the low byte of the address and keeps the
// last write.
type recordingMMIO struct {
	reads     int
	lastAddr  uint32
	lastSize  int
	lastValue uint32
	err       error
}

func (r *recordingMMIO) ReadMMIO(addr uint32, size int) (uint32, error) {
	r.reads++
	return addr & 0xFF, r.err
}

func (r *recordingMMIO) WriteMMIO(addr uint32, size int, value uint32) error {
	r.lastAddr, r.lastSize, r.lastValue = addr, size, value
	return r.err
}

// TestBusGetMemory verifies that writes through the bus land in the slice
// returned by GetMemory.
func TestBusGetMemory(t *testing.T) {
	bus := newTestBus()
	mem := bus.GetMemory()
	if len(mem) != testRAM {
		t.Fatalf("GetMemory() length %d, expected %d", len(mem), testRAM)
	}
	bus.Write32(0x1000, 0x12345678)
	if got := binary.LittleEndian.Uint32(mem[0x1000:]); got != 0x12345678 {
		t.Fatalf("direct memory read 0x%08X, expected 0x12345678", got)
	}
	if mem[0x1000] != 0x78 || mem[0x1003] != 0x12 {
		t.Errorf("byte order incorrect: got %02X .. %02X", mem[0x1000], mem[0x1003])
	}
}

// TestBusAccessWidths checks the three access sizes and unaligned accesses.
func TestBusAccessWidths(t *testing.T) {
	bus := newTestBus()
	bus.Write8(0x1000, 0x42)
	bus.Write16(0x1001, 0xABCD)
	bus.Write32(0x1003, 0xDEADBEEF)
	if got := bus.Read8(0x1000); got != 0x42 {
		t.Errorf("Read8 = 0x%X, want 0x42", got)
	}
	if got := bus.Read16(0x1001); got != 0xABCD {
		t.Errorf("Read16 = 0x%X, want 0xABCD", got)
	}
	if got := bus.Read32(0x1003); got != 0xDEADBEEF {
		t.Errorf("Read32 = 0x%X, want 0xDEADBEEF", got)
	}
	// A dword straddling a page boundary.
	bus.Write32(0x1FFE, 0x11223344)
	if got := bus.Read32(0x1FFE); got != 0x11223344 {
		t.Errorf("straddling Read32 = 0x%X, want 0x11223344", got)
	}
}

// TestBusUnmappedSpace checks reads past RAM float high and writes vanish.
func TestBusUnmappedSpace(t *testing.T) {
	bus := newTestBus()
	bus.Write32(0x01000000, 0x12345678)
	if got := bus.Read32(0x01000000); got != 0xFFFFFFFF {
		t.Errorf("Read32 past RAM = 0x%X, want 0xFFFFFFFF", got)
	}
	if got := bus.Read16(testRAM - 1); got != 0xFF00 {
		t.Errorf("Read16 across the end of RAM = 0x%X, want 0xFF00", got)
	}
}

// TestBusA20Wrap checks the A20 gate folds the second megabyte onto the
// first and notifies the remap hook once per change.
func TestBusA20Wrap(t *testing.T) {
	bus := newTestBus()
	remaps := 0
	bus.onRemap = func() { remaps++ }

	bus.Write8(0x100000, 0xAA)
	bus.Write8(0x000000, 0x55)
	bus.SetA20(false)
	if bus.A20() {
		t.Fatal("A20 still reported open")
	}
	if got := bus.Read8(0x100000); got != 0x55 {
		t.Errorf("Read8(1 MiB) with A20 off = 0x%X, want 0x55", got)
	}
	bus.SetA20(false)
	bus.SetA20(true)
	if got := bus.Read8(0x100000); got != 0xAA {
		t.Errorf("Read8(1 MiB) with A20 on = 0x%X, want 0xAA", got)
	}
	if remaps != 2 {
		t.Errorf("remap hook called %d times, want 2", remaps)
	}
}

func testBIOS(size int) []byte {
	bios := make([]byte, size)
	for i := range bios {
		bios[i] = byte(i >> 8)
	}
	bios[size-16] = 0xEA
	return bios
}

// TestBusBIOSAliases checks the image appears at the top of the address
// space and its last 128 KiB below 1 MiB.
func TestBusBIOSAliases(t *testing.T) {
	bus := newTestBus()
	bios := testBIOS(256 * 1024)
	if err := bus.LoadBIOS(bios); err != nil {
		t.Fatal(err)
	}
	if got := bus.Read8(0xFFFFFFF0); got != 0xEA {
		t.Errorf("reset vector = 0x%X, want 0xEA", got)
	}
	if got := bus.Read8(0xFFFC0000); got != bios[0] {
		t.Errorf("start of high BIOS = 0x%X, want 0x%X", got, bios[0])
	}
	if got := bus.Read8(0xFFFF0); got != 0xEA {
		t.Errorf("low alias of the reset vector = 0x%X, want 0xEA", got)
	}
	if got, want := bus.Read8(0xE0000), bios[len(bios)-0x20000]; got != want {
		t.Errorf("low alias start = 0x%X, want 0x%X", got, want)
	}
	if !bus.Cacheable(0xFFFFFFF0) || !bus.Cacheable(0xF0000) {
		t.Error("BIOS code must be translatable")
	}
}

// TestBusFirmwareValidation checks the size and signature rules.
func TestBusFirmwareValidation(t *testing.T) {
	bus := newTestBus()
	for _, n := range []int{0, 32 * 1024, 100 * 1024, 2 * 1024 * 1024} {
		if err := bus.LoadBIOS(make([]byte, n)); !errors.Is(err, ErrBadBIOS) {
			t.Errorf("LoadBIOS(%d bytes) = %v, want ErrBadBIOS", n, err)
		}
	}
	rom := make([]byte, 1000)
	if err := bus.LoadVGABIOS(rom); !errors.Is(err, ErrBadOptionROM) {
		t.Errorf("odd-sized option ROM accepted: %v", err)
	}
	rom = make([]byte, 1024)
	if err := bus.LoadVGABIOS(rom); !errors.Is(err, ErrBadOptionROM) {
		t.Errorf("unsigned option ROM accepted: %v", err)
	}
	rom[0], rom[1] = 0x55, 0xAA
	if err := bus.LoadVGABIOS(rom); err != nil {
		t.Errorf("valid option ROM rejected: %v", err)
	}
}

// TestBusShadowModes walks a BIOS block through the four attributes.
func TestBusShadowModes(t *testing.T) {
	bus := newTestBus()
	if err := bus.LoadBIOS(testBIOS(64 * 1024)); err != nil {
		t.Fatal(err)
	}
	const addr = 0xF0100
	rom := bus.Read8(addr)

	bus.Write8(addr, 0x99)
	if got := bus.Read8(addr); got != rom {
		t.Errorf("ShadowROM: read 0x%X after write, want ROM byte 0x%X", got, rom)
	}

	bus.SetShadow(addr, ShadowWriteRAM)
	bus.Write8(addr, 0x99)
	if got := bus.Read8(addr); got != rom {
		t.Errorf("ShadowWriteRAM: read 0x%X, want ROM byte 0x%X", got, rom)
	}

	bus.SetShadow(addr, ShadowReadRAM)
	if got := bus.Read8(addr); got != 0x99 {
		t.Errorf("ShadowReadRAM: read 0x%X, want the copied 0x99", got)
	}
	bus.Write8(addr, 0x11)
	if got := bus.Read8(addr); got != 0x99 {
		t.Errorf("ShadowReadRAM: write went through, read 0x%X", got)
	}

	bus.SetShadow(addr, ShadowRAM)
	bus.Write8(addr, 0x11)
	if got := bus.Read8(addr); got != 0x11 {
		t.Errorf("ShadowRAM: read 0x%X, want 0x11", got)
	}

	// Other blocks keep their own attribute.
	if got := bus.Read8(0xEC000); got != bus.romByte(0xEC000) {
		t.Errorf("neighbouring block changed mode")
	}
}

// TestBusShadowChangeInvalidatesCode checks a shadow flip reports the block
// as rewritten.
func TestBusShadowChangeInvalidatesCode(t *testing.T) {
	bus := newTestBus()
	var start uint32
	var size int
	bus.onCodeWrite = func(a uint32, n int) { start, size = a, n }
	bus.SetShadow(0xE5000, ShadowRAM)
	if start != 0xE4000 || size != shadowBlock {
		t.Errorf("invalidated 0x%X+%d, want 0xE4000+%d", start, size, shadowBlock)
	}
}

// TestBusMMIORouting checks reads and writes reach the handler with their
// width and that mapped pages are never translated.
func TestBusMMIORouting(t *testing.T) {
	bus := newTestBus()
	dev := &recordingMMIO{}
	if err := bus.MapMMIO("dev", 0x200000, 0x2000FF, dev); err != nil {
		t.Fatal(err)
	}
	if got := bus.Read16(0x200034); got != 0x34 {
		t.Errorf("Read16 = 0x%X, want 0x34", got)
	}
	bus.Write32(0x200010, 0xCAFEBABE)
	if dev.lastAddr != 0x200010 || dev.lastSize != 4 || dev.lastValue != 0xCAFEBABE {
		t.Errorf("write reached handler as 0x%X/%d/0x%X", dev.lastAddr, dev.lastSize, dev.lastValue)
	}
	// The rest of the page is still RAM.
	bus.Write8(0x200800, 0x77)
	if got := bus.Read8(0x200800); got != 0x77 {
		t.Errorf("RAM beside a window read 0x%X, want 0x77", got)
	}
	if bus.Cacheable(0x200800) {
		t.Error("page holding an MMIO window reported cacheable")
	}
	if !bus.Cacheable(0x300000) {
		t.Error("plain RAM reported uncacheable")
	}
}

// TestBusVideoHole checks the legacy window is RAM until a device claims it.
func TestBusVideoHole(t *testing.T) {
	bus := newTestBus()
	bus.Write16(0xB8000, 0x0741)
	if got := bus.Read16(0xB8000); got != 0x0741 {
		t.Errorf("unclaimed video hole read 0x%X, want 0x0741", got)
	}
	dev := &recordingMMIO{}
	if err := bus.MapMMIO("vga", 0xA0000, 0xBFFFF, dev); err != nil {
		t.Fatal(err)
	}
	if got := bus.Read8(0xB8002); got != 0x02 || dev.reads != 1 {
		t.Errorf("claimed video hole read 0x%X after %d handler calls", got, dev.reads)
	}
}

// TestBusMMIOConflictAndSeal checks overlap detection and the freeze once the
// machine runs.
func TestBusMMIOConflictAndSeal(t *testing.T) {
	bus := newTestBus()
	if err := bus.MapMMIO("a", 0x200000, 0x200FFF, &recordingMMIO{}); err != nil {
		t.Fatal(err)
	}
	if err := bus.MapMMIO("b", 0x200F00, 0x201FFF, &recordingMMIO{}); !errors.Is(err, ErrMMIOConflict) {
		t.Errorf("overlap accepted: %v", err)
	}
	bus.SealMappings()
	if err := bus.MapMMIO("c", 0x300000, 0x300FFF, &recordingMMIO{}); err == nil {
		t.Error("mapping accepted after seal")
	}
}

// TestBusMMIOErrorIsKept checks a handler failure reads as all ones and is
// reported once.
func TestBusMMIOErrorIsKept(t *testing.T) {
	bus := newTestBus()
	dev := &recordingMMIO{err: errors.New("parity")}
	if err := bus.MapMMIO("dev", 0x200000, 0x2000FF, dev); err != nil {
		t.Fatal(err)
	}
	if got := bus.Read32(0x200000); got != 0xFFFFFFFF {
		t.Errorf("failed read = 0x%X, want 0xFFFFFFFF", got)
	}
	bus.Write8(0x200001, 1)
	var derr *DeviceError
	if err := bus.takeDeviceError(); !errors.As(err, &derr) || derr.Addr != 0x200000 || !derr.MMIO {
		t.Fatalf("takeDeviceError = %v, want the first failure at 0x200000", err)
	}
	if err := bus.takeDeviceError(); err != nil {
		t.Errorf("error reported twice: %v", err)
	}
}

// TestBusCodeWriteNotify checks only pages flagged as code report writes, for
// every access width.
func TestBusCodeWriteNotify(t *testing.T) {
	bus := newTestBus()
	var hits []uint32
	bus.onCodeWrite = func(a uint32, _ int) { hits = append(hits, a) }

	bus.Write32(0x5000, 1)
	bus.markCode(0x5000, true)
	bus.Write8(0x5001, 1)
	bus.Write16(0x5002, 1)
	bus.Write32(0x5FFE, 1) // straddles into an unflagged page
	bus.Write32(0x4FFE, 1) // straddles into the flagged page
	bus.Write8(0x6000, 1)
	bus.markCode(0x5000, false)
	bus.Write8(0x5000, 1)

	want := []uint32{0x5001, 0x5002, 0x5FFE, 0x4FFE}
	if len(hits) != len(want) {
		t.Fatalf("notifications %X, want %X", hits, want)
	}
	for i := range want {
		if hits[i] != want[i] {
			t.Errorf("notification %d at 0x%X, want 0x%X", i, hits[i], want[i])
		}
	}
}

// TestBusReset checks RAM and routing return to power-on state while the
// firmware stays.
func TestBusReset(t *testing.T) {
	bus := newTestBus()
	if err := bus.LoadBIOS(testBIOS(64 * 1024)); err != nil {
		t.Fatal(err)
	}
	bus.Write32(0x1000, 0xFFFFFFFF)
	bus.SetShadow(0xF0000, ShadowRAM)
	bus.SetA20(false)
	bus.Reset()
	if got := bus.Read32(0x1000); got != 0 {
		t.Errorf("RAM not cleared: 0x%X", got)
	}
	if !bus.A20() {
		t.Error("A20 closed after reset")
	}
	if got := bus.Read8(0xFFFF0); got != 0xEA {
		t.Errorf("BIOS lost or still shadowed: 0x%X", got)
	}
}

// =============================================================================
// Benchmarks for memory bus operations
// =============================================================================

// BenchmarkRead32_RAM measures the fast path.
func BenchmarkRead32_RAM(b *testing.B) {
	bus := newTestBus()
	bus.Write32(0x1000, 0x12345678)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = bus.Read32(0x1000)
	}
}

// BenchmarkRead32_MMIO measures a routed read.
func BenchmarkRead32_MMIO(b *testing.B) {
	bus := newTestBus()
	bus.MapMMIO("dev", 0x200000, 0x2000FF, &recordingMMIO{})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = bus.Read32(0x200000)
	}
}

// BenchmarkWrite32_RAM measures the fast path with no code pages.
func BenchmarkWrite32_RAM(b *testing.B) {
	bus := newTestBus()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Write32(0x1000, uint32(i))
	}
}

// BenchmarkWrite8_CodePage measures a store into a page holding translated
// code.
func BenchmarkWrite8_CodePage(b *testing.B) {
	bus := newTestBus()
	bus.onCodeWrite = func(uint32, int) {}
	bus.markCode(0x1000, true)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Write8(0x1000, uint8(i))
	}
}

// BenchmarkRead8_ROM measures a read through the shadow attributes.
func BenchmarkRead8_ROM(b *testing.B) {
	bus := newTestBus()
	bus.LoadBIOS(testBIOS(64 * 1024))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = bus.Read8(0xF0000)
	}
}
