// machine.go - The PC core: component wiring and the execution loop
//
// A Machine owns every piece of emulated hardware state. Several machines
// can coexist in one process; nothing in the core is global.
//
// The loop is single-threaded. One iteration applies queued device signals,
// advances the timers when the next expiry is due, then either enters a
// pending interrupt, runs one translated block or interprets one
// instruction. Interrupts and timer expiries are therefore only observed at
// instruction or block boundaries, whichever engine ran the code.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	port92      = 0x92
	portPOST    = 0x80
	portFPUBusy = 0xF0
	fpuIRQ      = 13

	// QEMU's debug console answers reads with this value.
	debugReadback = 0xE9

	debugLineMax = 256

	// Iterations between context and performance checks in Run.
	runCheckMask = 0xFFF
)

// MachineOption adjusts a Machine while it is being built.
type MachineOption func(*Machine)

// WithClock drives the timers from clock instead of retired instructions.
func WithClock(clock ClockSource) MachineOption {
	return func(m *Machine) { m.clock = clock }
}

// WithRTCTime sets the wall time the real time clock starts from. The
// default is 2000-01-01 00:00:00.
func WithRTCTime(t time.Time) MachineOption {
	return func(m *Machine) { m.rtcStart = t }
}

// WithLogger sends all component logs to l instead of a private stderr
// logger.
func WithLogger(l *logrus.Logger) MachineOption {
	return func(m *Machine) { m.logger = l }
}

// Machine is one emulated PC core.
type Machine struct {
	cfg   MachineConfig
	model CPUModel

	logger *logrus.Logger
	log    *logrus.Entry

	bus    *MachineBus
	io     *IODispatch
	cpu    *CPU_X86
	pic    *DualPIC
	clock  ClockSource
	iclock *InstructionClock // nil when the embedder supplies the clock
	sched  *TimerScheduler
	pit    *PIT8254
	dma    *DMA8237
	rtc    *RTC146818
	jit    *TranslationCache // nil when translation is disabled

	signals *SignalQueue
	storage *StorageImage
	lines   [16]IRQLine

	deadline     uint64
	port92       uint8
	resetPending bool
	postCode     uint8
	debugLine    []byte
	debugOut     io.Writer
	tripleLogged bool
	rtcStart     time.Time

	debugger *DebugX86 // nil unless a monitor is attached
	paused   bool      // held at an instruction boundary by the debugger

	running atomic.Bool
	stop    atomic.Bool

	execMu   sync.Mutex
	execDone chan struct{}
	execErr  error

	// Performance monitoring
	PerfEnabled    bool
	perfStartTime  time.Time
	lastPerfReport time.Time
	perfStartInsns uint64
}

// NewMachine builds a machine from cfg. Firmware and the storage image named
// in cfg are loaded; without a BIOS the machine is built but will execute
// whatever the empty ROM space decodes to.
func NewMachine(cfg MachineConfig, opts ...MachineOption) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	model, err := LookupCPUModel(cfg.CPUModel)
	if err != nil {
		return nil, err
	}
	m := &Machine{cfg: cfg, model: model, signals: NewSignalQueue()}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = newLogger(cfg.LogLevel)
	}
	m.log = m.component("machine")

	m.bus = NewMachineBus(cfg.RAMBytes(), m.component("bus"))
	m.io = NewIODispatch(m.component("io"))
	m.pic = NewDualPIC(m.component("pic"))
	m.cpu = NewCPU_X86(m.bus, m.io, model, m.component("cpu"))
	m.cpu.intr = m.pic
	m.cpu.onFERR = func() { m.pic.SetIRQ(fpuIRQ, true) }

	if m.clock == nil {
		m.iclock = NewInstructionClock(func() uint64 { return m.cpu.Cycles }, model, cfg.CyclesPerInsn)
		m.clock = m.iclock
	}
	m.sched = NewTimerScheduler(m.clock)
	m.pit = NewPIT8254(m.sched, func(level bool) { m.pic.SetIRQ(0, level) }, m.component("pit"))
	m.dma = NewDMA8237(m.bus, m.component("dma"))
	if m.rtcStart.IsZero() {
		m.rtcStart = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	m.rtc = NewRTC146818(m.sched, func(level bool) { m.pic.SetIRQ(rtcIRQ, level) }, m.rtcStart, cfg.RAMMB, m.component("rtc"))
	if cfg.JIT {
		m.jit = NewTranslationCache(m.cpu, m.bus, cfg.JITMaxBlockInsns, cfg.JITMaxUnits, cfg.JITVerify, m.component("jit"))
	}
	for i := range m.lines {
		m.lines[i] = IRQLine{pic: m.pic, irq: i}
	}
	if err := m.mapSystemPorts(); err != nil {
		return nil, err
	}

	if cfg.BIOSPath != "" {
		if err := m.LoadFirmwareFiles(cfg.BIOSPath, cfg.VGABIOSPath); err != nil {
			return nil, err
		}
	}
	if cfg.DiskPath != "" {
		if err := m.OpenStorageImage(cfg.DiskPath); err != nil {
			return nil, err
		}
	}
	m.deadline = m.sched.Deadline()

	m.log.WithFields(logrus.Fields{
		"cpu": model.Name,
		"ram": fmt.Sprintf("%dMiB", cfg.RAMMB),
		"jit": cfg.JIT,
	}).Info("machine created")
	return m, nil
}

func newLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lv, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lv)
	}
	return l
}

func (m *Machine) component(name string) *logrus.Entry {
	return m.logger.WithField("component", name)
}

// ------------------------------------------------------------------------------
// Board ports
// ------------------------------------------------------------------------------

func (m *Machine) mapSystemPorts() error {
	for _, mapper := range []func(*IODispatch) error{m.pic.Map, m.pit.Map, m.dma.Map, m.rtc.Map} {
		if err := mapper(m.io); err != nil {
			return err
		}
	}
	if err := m.io.MapPorts("port92", port92, port92, ByteWide(m.readPort92, m.writePort92)); err != nil {
		return err
	}
	if err := m.io.MapPorts("post", portPOST, portPOST, ByteWide(
		func(uint16) uint8 { return m.postCode },
		func(_ uint16, v uint8) {
			m.postCode = v
			m.log.WithField("code", fmt.Sprintf("0x%02X", v)).Debug("POST")
		})); err != nil {
		return err
	}
	// Writing 0xF0 acknowledges a math coprocessor error.
	if err := m.io.MapPorts("fpu", portFPUBusy, portFPUBusy+1, ByteWide(
		func(uint16) uint8 { return 0xFF },
		func(port uint16, _ uint8) {
			if port == portFPUBusy {
				m.pic.SetIRQ(fpuIRQ, false)
			}
		})); err != nil {
		return err
	}
	debug := ByteWide(func(uint16) uint8 { return debugReadback }, m.writeDebug)
	if err := m.io.MapPorts("debugcon", bochsDebugPort, bochsDebugPort, debug); err != nil {
		return err
	}
	if m.cfg.QEMUDebugPort {
		if err := m.io.MapPorts("debugcon-qemu", qemuDebugPort, qemuDebugPort, debug); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) readPort92(uint16) uint8 {
	v := m.port92 &^ 0x03
	if m.bus.A20() {
		v |= 0x02
	}
	return v
}

func (m *Machine) writePort92(_ uint16, v uint8) {
	m.bus.SetA20(v&0x02 != 0)
	if v&0x01 != 0 && m.port92&0x01 == 0 {
		// The reset is taken at the next boundary, after the OUT retires.
		m.resetPending = true
	}
	m.port92 = v
}

func (m *Machine) writeDebug(_ uint16, v uint8) {
	if v != '\n' {
		m.debugLine = append(m.debugLine, v)
	}
	if m.debugOut != nil {
		m.debugOut.Write([]byte{v})
	}
	if v == '\n' || len(m.debugLine) >= debugLineMax {
		m.log.WithField("source", "debugcon").Info(string(m.debugLine))
		m.debugLine = m.debugLine[:0]
	}
}

// SetDebugConsole copies every byte the guest writes to the debug console
// ports to w.
func (m *Machine) SetDebugConsole(w io.Writer) { m.debugOut = w }

// PostCode returns the last value written to port 0x80.
func (m *Machine) PostCode() uint8 { return m.postCode }

// ------------------------------------------------------------------------------
// Collaborator API
// ------------------------------------------------------------------------------

// MapPorts registers a device on ports first..last.
func (m *Machine) MapPorts(name string, first, last uint16, h PortHandler) error {
	return m.io.MapPorts(name, first, last, h)
}

// MapMMIO registers a memory-mapped device on start..end.
func (m *Machine) MapMMIO(name string, start, end uint32, h MMIOHandler) error {
	return m.bus.MapMMIO(name, start, end, h)
}

// IRQLine returns the handle for interrupt line n, or nil when n is not 0-15.
// The handle may only be used from the loop goroutine; other goroutines post
// signals instead.
func (m *Machine) IRQLine(n int) *IRQLine {
	if n < 0 || n >= len(m.lines) {
		return nil
	}
	return &m.lines[n]
}

// AttachDMA connects dev to DMA channel ch.
func (m *Machine) AttachDMA(ch int, dev DMADevice) error { return m.dma.Attach(ch, dev) }

// RequestDMA runs a transfer on ch from the loop goroutine.
func (m *Machine) RequestDMA(ch int) error { return m.dma.RequestDMA(ch) }

// Signals returns the queue other goroutines use to reach the loop.
func (m *Machine) Signals() *SignalQueue { return m.signals }

// SetTraceHook installs fn to be called before every instruction. Tracing
// runs everything through the interpreter.
func (m *Machine) SetTraceHook(fn func(cs uint16, eip uint32, in *Instruction)) {
	m.cpu.trace = fn
}

// SetPortTrace installs fn to be called for every port access.
func (m *Machine) SetPortTrace(fn func(port uint16, size int, value uint32, write bool)) {
	m.io.trace = fn
}

// Component accessors for collaborators, debuggers and tests.
func (m *Machine) CPU() *CPU_X86 { return m.cpu }
func (m *Machine) Bus() *MachineBus { return m.bus }
func (m *Machine) PIC() *DualPIC { return m.pic }
func (m *Machine) PIT() *PIT8254 { return m.pit }
func (m *Machine) DMA() *DMA8237 { return m.dma }
func (m *Machine) RTC() *RTC146818 { return m.rtc }
func (m *Machine) Debugger() *DebugX86 { return m.debugger }
func (m *Machine) JIT() *TranslationCache { return m.jit }
func (m *Machine) Scheduler() *TimerScheduler { return m.sched }
func (m *Machine) Clock() ClockSource { return m.clock }
func (m *Machine) Logger() *logrus.Logger { return m.logger }
func (m *Machine) Config() MachineConfig { return m.cfg }
func (m *Machine) Model() CPUModel { return m.model }
func (m *Machine) Storage() *StorageImage { return m.storage }

// ------------------------------------------------------------------------------
// Firmware and storage
// ------------------------------------------------------------------------------

// LoadFirmware installs the system BIOS and, when vgaBIOS is non-nil, the
// video option ROM.
func (m *Machine) LoadFirmware(bios, vgaBIOS []byte) error {
	if err := m.bus.LoadBIOS(bios); err != nil {
		return err
	}
	if vgaBIOS != nil {
		if err := m.bus.LoadVGABIOS(vgaBIOS); err != nil {
			return err
		}
	}
	m.log.WithFields(logrus.Fields{"bios": len(bios), "vga_bios": len(vgaBIOS)}).Info("firmware loaded")
	return nil
}

// LoadFirmwareFiles reads the BIOS and optional VGA BIOS from the host.
func (m *Machine) LoadFirmwareFiles(biosPath, vgaPath string) error {
	bios, err := os.ReadFile(biosPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadBIOS, err)
	}
	var vga []byte
	if vgaPath != "" {
		if vga, err = os.ReadFile(vgaPath); err != nil {
			return fmt.Errorf("%w: %v", ErrBadOptionROM, err)
		}
	}
	return m.LoadFirmware(bios, vga)
}

// OpenStorageImage opens the disk image the storage collaborator will serve.
func (m *Machine) OpenStorageImage(path string) error {
	img, err := OpenStorageImage(path)
	if err != nil {
		return err
	}
	if m.storage != nil {
		m.storage.Close()
	}
	m.storage = img
	m.log.WithFields(logrus.Fields{"path": img.Path(), "sectors": img.Sectors(), "read_only": img.ReadOnly()}).
		Info("storage image attached")
	return nil
}

// Close releases host resources. The machine must not be running.
func (m *Machine) Close() error {
	if m.storage == nil {
		return nil
	}
	err := m.storage.Close()
	m.storage = nil
	return err
}

// ------------------------------------------------------------------------------
// Execution loop
// ------------------------------------------------------------------------------

// step runs one loop iteration.
func (m *Machine) step() error {
	if m.signals.Len() != 0 {
		m.drainSignals()
	}
	return m.stepCore()
}

// stepCore runs one iteration without draining signals.
func (m *Machine) stepCore() error {
	if m.sched.Changed() || m.clock.Ticks() >= m.deadline {
		m.sched.Sync()
		m.deadline = m.sched.Deadline()
	}
	if m.resetPending {
		m.resetPending = false
		m.resetCPU()
	}

	c := m.cpu
	if m.debugger != nil && !c.Shutdown && !c.Halted && m.debugger.shouldBreak() {
		m.paused = true
		return nil
	}
	switch {
	case c.Shutdown:
	case c.serviceInterrupt():
	case c.Halted:
		m.idle()
	case m.jit != nil && c.trace == nil:
		ran, err := m.jit.Execute()
		if err != nil {
			return err
		}
		if !ran {
			c.stepInstruction()
		}
	default:
		c.stepInstruction()
	}

	if c.Shutdown {
		if !m.tripleLogged {
			m.tripleLogged = true
			m.log.WithFields(logrus.Fields{
				"cs":  fmt.Sprintf("0x%04X", c.segs[x86SegCS].Selector),
				"eip": fmt.Sprintf("0x%08X", c.EIP),
			}).Error("triple fault")
		}
		return ErrTripleFault
	}
	if err := m.io.takeDeviceError(); err != nil {
		return err
	}
	if err := m.bus.takeDeviceError(); err != nil {
		return err
	}
	return m.dma.takeDeviceError()
}

// idle lets emulated time pass while the CPU waits in HLT. With the
// instruction clock the CPU jumps to the next timer expiry; an external
// clock moves on by itself.
func (m *Machine) idle() {
	if m.iclock == nil || m.deadline == math.MaxUint64 {
		return
	}
	if n := m.iclock.retiredAt(m.deadline); n > m.cpu.Cycles {
		m.cpu.Cycles = n
	}
}

// stalled reports whether nothing short of a device signal can make
// progress: the CPU is halted and either interrupts are masked or no timer
// will ever expire.
func (m *Machine) stalled() bool {
	c := m.cpu
	if !c.Halted || c.Shutdown || m.signals.Len() != 0 {
		return false
	}
	if !c.IF() {
		return m.iclock != nil
	}
	if m.pic.Pending() {
		return false
	}
	return m.iclock != nil && m.deadline == math.MaxUint64
}

// holdPaused runs queued signals for a paused machine and reports whether
// it is still paused.
func (m *Machine) holdPaused() (bool, error) {
	if m.signals.Len() != 0 {
		m.drainSignals()
	}
	return m.paused, m.io.takeDeviceError()
}

func (m *Machine) drainSignals() {
	for _, s := range m.signals.take() {
		switch s.Kind {
		case SignalRaise, SignalLower, SignalPulse:
			l := m.IRQLine(s.Line)
			if l == nil {
				m.log.WithField("line", s.Line).Warn("signal for invalid IRQ line dropped")
				continue
			}
			switch s.Kind {
			case SignalRaise:
				l.Raise()
			case SignalLower:
				l.Lower()
			default:
				l.Pulse()
			}
		case SignalDMA:
			if err := m.dma.RequestDMA(s.Channel); err != nil {
				m.log.WithField("channel", s.Channel).Warnf("DMA request failed: %v", err)
			}
		case SignalDMACancel:
			m.dma.CancelDMA(s.Channel)
		case SignalCall:
			if s.Fn == nil {
				continue
			}
			if err := s.Fn(m); err != nil && m.io.deviceErr == nil {
				m.io.deviceErr = &DeviceError{Device: "signal", Err: err}
			}
		}
	}
}

// Step runs a single iteration: one interrupt entry, one translated block or
// one instruction, with timers and signals handled first.
func (m *Machine) Step() error {
	m.bus.SealMappings()
	return m.step()
}

// Iter runs until at least budget instructions have retired, an error halts
// the loop, or the machine stalls. It returns the instructions retired.
func (m *Machine) Iter(budget uint64) (uint64, error) {
	m.bus.SealMappings()
	start := m.cpu.Cycles
	for m.cpu.Cycles-start < budget {
		if m.paused {
			held, err := m.holdPaused()
			if err != nil || held {
				return m.cpu.Cycles - start, err
			}
			continue
		}
		if err := m.step(); err != nil {
			return m.cpu.Cycles - start, err
		}
		// A halted CPU on an external clock waits for the embedder to
		// advance time between calls.
		if m.stalled() || (m.cpu.Halted && m.iclock == nil) {
			break
		}
	}
	return m.cpu.Cycles - start, nil
}

// Run executes until Stop, ctx is done, or a fatal condition. Stop makes Run
// return nil; fatal conditions are ErrTripleFault, ErrStaleTranslation and
// *DeviceError.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrMachineRunning
	}
	return m.run(ctx)
}

func (m *Machine) run(ctx context.Context) error {
	defer m.running.Store(false)
	defer m.stop.Store(false)
	m.bus.SealMappings()
	if m.PerfEnabled {
		m.perfStartTime = time.Now()
		m.lastPerfReport = m.perfStartTime
		m.perfStartInsns = m.cpu.Cycles
	}

	for n := uint64(1); ; n++ {
		if m.stop.Load() {
			return nil
		}
		if n&runCheckMask == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if m.PerfEnabled {
				m.perfReport()
			}
		}
		if m.paused {
			held, err := m.holdPaused()
			if err != nil {
				return err
			}
			if held {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-m.signals.Ready():
				}
			}
			continue
		}
		if err := m.step(); err != nil {
			return err
		}
		if !m.cpu.Halted {
			continue
		}
		switch {
		case m.stalled():
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.signals.Ready():
			}
		case m.iclock == nil:
			runtime.Gosched()
		}
	}
}

func (m *Machine) perfReport() {
	now := time.Now()
	if now.Sub(m.lastPerfReport) < time.Second {
		return
	}
	elapsed := now.Sub(m.perfStartTime).Seconds()
	insns := float64(m.cpu.Cycles - m.perfStartInsns)
	fields := logrus.Fields{
		"mips":    fmt.Sprintf("%.2f", insns/elapsed/1e6),
		"insns":   uint64(insns),
		"elapsed": fmt.Sprintf("%.1fs", elapsed),
	}
	if m.jit != nil {
		fields["units"] = m.jit.Len()
		fields["translations"] = m.jit.Stats.Translations
		fields["invalidations"] = m.jit.Stats.Invalidations
	}
	m.log.WithFields(fields).Info("performance")
	m.lastPerfReport = now
}

// Start runs the loop on its own goroutine. Wait collects its result.
func (m *Machine) Start() error {
	m.execMu.Lock()
	defer m.execMu.Unlock()
	if !m.running.CompareAndSwap(false, true) {
		return ErrMachineRunning
	}
	done := make(chan struct{})
	m.execDone = done
	m.execErr = nil
	go func() {
		err := m.run(context.Background())
		m.execMu.Lock()
		m.execErr = err
		m.execMu.Unlock()
		close(done)
	}()
	return nil
}

// Wait blocks until a loop started with Start returns and reports why.
func (m *Machine) Wait() error {
	m.execMu.Lock()
	done := m.execDone
	m.execMu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	m.execMu.Lock()
	defer m.execMu.Unlock()
	return m.execErr
}

// Stop asks a running loop to return at the next iteration boundary. It is
// safe to call from any goroutine and does not wait.
func (m *Machine) Stop() {
	if !m.running.Load() {
		return
	}
	m.stop.Store(true)
	m.signals.notify()
}

// Running reports whether Run or Start is executing the loop.
func (m *Machine) Running() bool { return m.running.Load() }

// resetCPU is the fast reset of port 0x92: the processor restarts, memory
// and devices keep their state. Cycles keep counting so time never runs
// backwards.
func (m *Machine) resetCPU() {
	cycles := m.cpu.Cycles
	m.cpu.Reset()
	m.cpu.Cycles = cycles
	m.tripleLogged = false
	m.log.Info("processor reset")
}

// Reset returns the whole machine to its power-on state. Firmware images,
// the storage image and device registrations are kept.
func (m *Machine) Reset() error {
	if m.running.Load() {
		return ErrMachineRunning
	}
	m.bus.Reset()
	m.cpu.Reset()
	m.pic.Reset()
	m.pit.Reset()
	m.dma.Reset()
	m.rtc.Reset()
	if m.jit != nil {
		m.jit.Flush()
	}
	m.signals.take()
	m.port92 = 0
	m.postCode = 0
	m.resetPending = false
	m.tripleLogged = false
	m.paused = false
	m.debugLine = m.debugLine[:0]
	m.sched.Reset()
	m.deadline = m.sched.Deadline()
	return nil
}
