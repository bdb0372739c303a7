// config_test.go - Machine configuration and Lua profiles
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DefaultsValidate(t *testing.T) {
	cfg := DefaultMachineConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(32<<20), cfg.RAMBytes())
}

func TestConfig_ValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*MachineConfig)
		is     error
	}{
		{"ram size", func(c *MachineConfig) { c.RAMMB = 33 }, ErrRAMSize},
		{"cpu model", func(c *MachineConfig) { c.CPUModel = "k6" }, ErrUnknownCPUModel},
		{"log level", func(c *MachineConfig) { c.LogLevel = "loud" }, nil},
		{"block too long", func(c *MachineConfig) { c.JITMaxBlockInsns = 257 }, nil},
		{"no units", func(c *MachineConfig) { c.JITMaxUnits = 0 }, nil},
		{"cycles", func(c *MachineConfig) { c.CyclesPerInsn = -1 }, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultMachineConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			}
		})
	}
}

func TestConfig_CPUModels(t *testing.T) {
	assert.Equal(t, []string{"p5-60", "p5-66", "p54c-75", "p54c-90", "p54c-100"}, CPUModelNames())

	m, err := LookupCPUModel("p54c-90")
	require.NoError(t, err)
	assert.Equal(t, uint64(90_000_000), m.ClockHz())
	assert.Equal(t, uint32(0x052C), m.Signature)
	assert.NotZero(t, m.Features&cpuidTSC)
	assert.True(t, m.knownMSR(0x0E))
	assert.False(t, m.knownMSR(0x1B), "no local APIC on a Pentium")

	_, err = LookupCPUModel("pentium-ii")
	assert.ErrorIs(t, err, ErrUnknownCPUModel)
}

func TestConfig_ProfileAppliesGlobals(t *testing.T) {
	cfg := DefaultMachineConfig()
	err := LoadProfileString(`
ram_mb = 8 * 2
cpu_model = "p5-" .. tostring(60)
jit = false
jit_max_units = 512
log_level = "warn"
`, &cfg)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.RAMMB)
	assert.Equal(t, "p5-60", cfg.CPUModel)
	assert.False(t, cfg.JIT)
	assert.Equal(t, 512, cfg.JITMaxUnits)
	assert.Equal(t, "warn", cfg.LogLevel)
	// Untouched globals keep their defaults.
	assert.Equal(t, defaultJITMaxBlockInsns, cfg.JITMaxBlockInsns)
	assert.True(t, cfg.QEMUDebugPort)
}

func TestConfig_ProfileTypeErrors(t *testing.T) {
	cfg := DefaultMachineConfig()
	err := LoadProfileString(`ram_mb = "lots"; jit = 1; bios = {}`, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ram_mb: want number")
	assert.Contains(t, err.Error(), "jit: want boolean")
	assert.Contains(t, err.Error(), "bios: want string")
}

func TestConfig_ProfileSyntaxError(t *testing.T) {
	cfg := DefaultMachineConfig()
	assert.Error(t, LoadProfileString(`ram_mb = `, &cfg))
}

func TestConfig_ProfileHasNoHostAccess(t *testing.T) {
	cfg := DefaultMachineConfig()
	assert.Error(t, LoadProfileString(`os.execute("true")`, &cfg))
	assert.Error(t, LoadProfileString(`io.open("/etc/passwd")`, &cfg))
}

func TestConfig_ProfileFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pc.lua")
	require.NoError(t, os.WriteFile(path, []byte("disk = \"hd.img\"\ncycles_per_insn = 3\n"), 0o644))
	cfg := DefaultMachineConfig()
	require.NoError(t, LoadProfile(path, &cfg))
	assert.Equal(t, "hd.img", cfg.DiskPath)
	assert.Equal(t, 3, cfg.CyclesPerInsn)

	assert.Error(t, LoadProfile(filepath.Join(t.TempDir(), "missing.lua"), &cfg))
}
