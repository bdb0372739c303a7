// config.go - Machine configuration, CPU models and Lua machine profiles
//
// Configuration is layered: DefaultMachineConfig, then an optional Lua
// profile, then command line flags. Validate runs once on the final value.
//
// A profile is a plain Lua script that assigns globals:
//
//	ram_mb = 32
//	cpu_model = "p54c-100"
//	bios = "bios.bin"
//	jit = true
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

// CPUModel describes one supported processor.
type CPUModel struct {
	Name      string
	MHz       uint32
	Signature uint32 // CPUID leaf 1 EAX and EDX after reset
	Features  uint32 // CPUID leaf 1 EDX
}

const pentiumFeatures = cpuidFPU | cpuidDE | cpuidPSE | cpuidTSC | cpuidMSR | cpuidMCE | cpuidCX8

var cpuModels = map[string]CPUModel{
	"p5-60":    {Name: "p5-60", MHz: 60, Signature: 0x0517, Features: pentiumFeatures},
	"p5-66":    {Name: "p5-66", MHz: 66, Signature: 0x0517, Features: pentiumFeatures},
	"p54c-75":  {Name: "p54c-75", MHz: 75, Signature: 0x052C, Features: pentiumFeatures},
	"p54c-90":  {Name: "p54c-90", MHz: 90, Signature: 0x052C, Features: pentiumFeatures},
	"p54c-100": {Name: "p54c-100", MHz: 100, Signature: 0x052C, Features: pentiumFeatures},
}

// LookupCPUModel returns the model registered under name.
func LookupCPUModel(name string) (CPUModel, error) {
	m, ok := cpuModels[name]
	if !ok {
		return CPUModel{}, fmt.Errorf("%w: %q", ErrUnknownCPUModel, name)
	}
	return m, nil
}

// CPUModelNames lists the supported models in a stable order.
func CPUModelNames() []string {
	names := make([]string, 0, len(cpuModels))
	for n := range cpuModels {
		names = append(names, n)
	}
	slices.SortFunc(names, func(a, b string) int { return cmp.Compare(cpuModels[a].MHz, cpuModels[b].MHz) })
	return names
}

// Pentium machine check, test and performance counter registers.
var pentiumMSRs = []uint32{0x00, 0x01, 0x02, 0x0E, 0x11, 0x12, 0x13}

func (m CPUModel) knownMSR(idx uint32) bool { return slices.Contains(pentiumMSRs, idx) }

// ClockHz is the core clock in Hz.
func (m CPUModel) ClockHz() uint64 { return uint64(m.MHz) * 1000000 }

// ------------------------------------------------------------------------------
// Machine configuration
// ------------------------------------------------------------------------------

var ramSizesMB = []int{4, 8, 16, 24, 32, 48, 64, 96, 128, 192, 256}

const (
	defaultCyclesPerInsn = 4
	clockScale           = 2 // cycles per instruction are counted at twice the core clock
	qemuDebugPort        = 0x402
	bochsDebugPort       = 0xE9
)

// MachineConfig holds everything needed to build a Machine.
type MachineConfig struct {
	RAMMB       int
	CPUModel    string
	BIOSPath    string
	VGABIOSPath string
	DiskPath    string

	JIT              bool
	JITMaxBlockInsns int
	JITMaxUnits      int
	JITVerify        bool

	LogLevel      string
	QEMUDebugPort bool
	CyclesPerInsn int
}

// DefaultMachineConfig returns a 32 MiB P54C-100 with the translator on.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		RAMMB:            32,
		CPUModel:         "p54c-100",
		JIT:              true,
		JITMaxBlockInsns: defaultJITMaxBlockInsns,
		JITMaxUnits:      defaultJITMaxUnits,
		LogLevel:         "info",
		QEMUDebugPort:    true,
		CyclesPerInsn:    defaultCyclesPerInsn,
	}
}

// Validate checks the configuration for values the core cannot honour.
func (cfg *MachineConfig) Validate() error {
	if !slices.Contains(ramSizesMB, cfg.RAMMB) {
		return fmt.Errorf("%w: %d MiB (supported: %v)", ErrRAMSize, cfg.RAMMB, ramSizesMB)
	}
	if _, err := LookupCPUModel(cfg.CPUModel); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("config: log level: %w", err)
	}
	if cfg.JITMaxBlockInsns < 1 || cfg.JITMaxBlockInsns > 256 {
		return fmt.Errorf("config: jit_max_block %d out of range 1..256", cfg.JITMaxBlockInsns)
	}
	if cfg.JITMaxUnits < 1 {
		return fmt.Errorf("config: jit_max_units must be positive, got %d", cfg.JITMaxUnits)
	}
	if cfg.CyclesPerInsn < 1 {
		return fmt.Errorf("config: cycles_per_insn must be positive, got %d", cfg.CyclesPerInsn)
	}
	return nil
}

// RAMBytes returns the configured memory size in bytes.
func (cfg *MachineConfig) RAMBytes() uint32 { return uint32(cfg.RAMMB) << 20 }

// ------------------------------------------------------------------------------
// Lua profiles
// ------------------------------------------------------------------------------

// newProfileState opens a Lua state with the pure libraries only. Profiles
// may compute values but never touch the host.
func newProfileState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.TabLibName, lua.OpenTable},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	return L
}

// LoadProfile runs a Lua machine profile and applies the globals it set on
// top of cfg. Unset globals leave cfg untouched.
func LoadProfile(path string, cfg *MachineConfig) error {
	L := newProfileState()
	defer L.Close()
	if err := L.DoFile(path); err != nil {
		return fmt.Errorf("config: profile %s: %w", path, err)
	}
	return applyProfile(L, cfg)
}

// LoadProfileString is LoadProfile for an in-memory script.
func LoadProfileString(src string, cfg *MachineConfig) error {
	L := newProfileState()
	defer L.Close()
	if err := L.DoString(src); err != nil {
		return fmt.Errorf("config: profile: %w", err)
	}
	return applyProfile(L, cfg)
}

func applyProfile(L *lua.LState, cfg *MachineConfig) error {
	var errs []error
	intVar := func(name string, dst *int) {
		switch v := L.GetGlobal(name).(type) {
		case lua.LNumber:
			*dst = int(v)
		case *lua.LNilType:
		default:
			errs = append(errs, fmt.Errorf("%s: want number, got %s", name, v.Type()))
		}
	}
	strVar := func(name string, dst *string) {
		switch v := L.GetGlobal(name).(type) {
		case lua.LString:
			*dst = string(v)
		case *lua.LNilType:
		default:
			errs = append(errs, fmt.Errorf("%s: want string, got %s", name, v.Type()))
		}
	}
	boolVar := func(name string, dst *bool) {
		switch v := L.GetGlobal(name).(type) {
		case lua.LBool:
			*dst = bool(v)
		case *lua.LNilType:
		default:
			errs = append(errs, fmt.Errorf("%s: want boolean, got %s", name, v.Type()))
		}
	}

	intVar("ram_mb", &cfg.RAMMB)
	strVar("cpu_model", &cfg.CPUModel)
	strVar("bios", &cfg.BIOSPath)
	strVar("vga_bios", &cfg.VGABIOSPath)
	strVar("disk", &cfg.DiskPath)
	boolVar("jit", &cfg.JIT)
	intVar("jit_max_block", &cfg.JITMaxBlockInsns)
	intVar("jit_max_units", &cfg.JITMaxUnits)
	boolVar("jit_verify", &cfg.JITVerify)
	strVar("log_level", &cfg.LogLevel)
	boolVar("qemu_debug_port", &cfg.QEMUDebugPort)
	intVar("cycles_per_insn", &cfg.CyclesPerInsn)

	if len(errs) > 0 {
		return fmt.Errorf("config: profile: %w", errors.Join(errs...))
	}
	return nil
}
