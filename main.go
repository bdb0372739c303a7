// main.go - Command line front end for the IntuitionPC core
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const realtimeTick = time.Millisecond

func boilerPlate(w io.Writer) {
	fmt.Fprintln(w, "IntuitionPC - an IA-32 PC core")
	fmt.Fprintln(w, "(c) 2024 - 2026 Zayn Otley")
	fmt.Fprintln(w, "License: GPLv3 or later")
}

// cliOptions is everything the command line selects.
type cliOptions struct {
	cfg      MachineConfig
	profile  string
	trace    string
	snapshot string
	insns    uint64
	perf     bool
	realtime bool
	console  bool
	quiet    bool
}

// parseArgs builds the machine configuration from defaults, then an optional
// Lua profile, then the flags that were actually given.
func parseArgs(args []string, stderr io.Writer) (cliOptions, error) {
	var (
		opts cliOptions
		fl   = DefaultMachineConfig()
	)
	flagSet := flag.NewFlagSet("intuitionpc", flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.profile, "config", "", "Lua machine profile")
	flagSet.StringVar(&fl.BIOSPath, "bios", fl.BIOSPath, "system BIOS image")
	flagSet.StringVar(&fl.VGABIOSPath, "vga-bios", fl.VGABIOSPath, "video option ROM image")
	flagSet.StringVar(&fl.DiskPath, "disk", fl.DiskPath, "raw disk image for the storage collaborator")
	flagSet.IntVar(&fl.RAMMB, "ram", fl.RAMMB, "memory size in MiB")
	flagSet.StringVar(&fl.CPUModel, "cpu", fl.CPUModel, "CPU model ("+strings.Join(CPUModelNames(), ", ")+")")
	flagSet.BoolVar(&fl.JIT, "jit", fl.JIT, "translate hot code into cached blocks")
	flagSet.BoolVar(&fl.JITVerify, "jit-verify", fl.JITVerify, "check translated blocks against guest memory before running them")
	flagSet.IntVar(&fl.JITMaxBlockInsns, "jit-max-block", fl.JITMaxBlockInsns, "instructions per translated block")
	flagSet.IntVar(&fl.JITMaxUnits, "jit-max-units", fl.JITMaxUnits, "translated blocks kept before eviction")
	flagSet.IntVar(&fl.CyclesPerInsn, "cpi", fl.CyclesPerInsn, "cycles charged per instruction")
	flagSet.BoolVar(&fl.QEMUDebugPort, "qemu-debug-port", fl.QEMUDebugPort, "also answer the debug console on port 0x402")
	flagSet.StringVar(&fl.LogLevel, "log-level", fl.LogLevel, "log level (debug, info, warn, error)")
	flagSet.StringVar(&opts.trace, "trace", "", "write an instruction trace to this file (- for stdout)")
	flagSet.StringVar(&opts.snapshot, "snapshot", "", "save the text screen to this PNG or BMP file on exit")
	flagSet.Uint64Var(&opts.insns, "insns", 0, "stop after this many instructions (0 runs until stopped)")
	flagSet.BoolVar(&opts.perf, "perf", false, "log performance once a second")
	flagSet.BoolVar(&opts.realtime, "realtime", false, "pace the timers by the host clock instead of retired instructions")
	flagSet.BoolVar(&opts.console, "console", true, "attach the host terminal when stdin is a terminal")
	flagSet.BoolVar(&opts.quiet, "quiet", false, "skip the banner")
	flagSet.Usage = func() {
		fmt.Fprintln(stderr, "Usage: intuitionpc [flags] [disk image]")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}

	opts.cfg = DefaultMachineConfig()
	if opts.profile != "" {
		if err := LoadProfile(opts.profile, &opts.cfg); err != nil {
			return opts, err
		}
	}
	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "bios":
			opts.cfg.BIOSPath = fl.BIOSPath
		case "vga-bios":
			opts.cfg.VGABIOSPath = fl.VGABIOSPath
		case "disk":
			opts.cfg.DiskPath = fl.DiskPath
		case "ram":
			opts.cfg.RAMMB = fl.RAMMB
		case "cpu":
			opts.cfg.CPUModel = fl.CPUModel
		case "jit":
			opts.cfg.JIT = fl.JIT
		case "jit-verify":
			opts.cfg.JITVerify = fl.JITVerify
		case "jit-max-block":
			opts.cfg.JITMaxBlockInsns = fl.JITMaxBlockInsns
		case "jit-max-units":
			opts.cfg.JITMaxUnits = fl.JITMaxUnits
		case "cpi":
			opts.cfg.CyclesPerInsn = fl.CyclesPerInsn
		case "qemu-debug-port":
			opts.cfg.QEMUDebugPort = fl.QEMUDebugPort
		case "log-level":
			opts.cfg.LogLevel = fl.LogLevel
		}
	})
	switch flagSet.NArg() {
	case 0:
	case 1:
		opts.cfg.DiskPath = flagSet.Arg(0)
	default:
		return opts, fmt.Errorf("unexpected arguments: %v", flagSet.Args()[1:])
	}
	if err := opts.cfg.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// wallClock feeds an ExternalClock from the host monotonic clock.
func wallClock(ctx context.Context, clock *ExternalClock, m *Machine) error {
	t := time.NewTicker(realtimeTick)
	defer t.Stop()
	start := time.Now()
	var fed uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			target := uint64(now.Sub(start).Seconds() * pitHz)
			if target > fed {
				clock.Advance(target - fed)
				fed = target
				// Wake a loop blocked on a halted CPU.
				m.Signals().notify()
			}
		}
	}
}

// runBudget retires at most n instructions, returning early when the machine
// stalls or ctx is done.
func runBudget(ctx context.Context, m *Machine, n uint64) error {
	const chunk = 1 << 16
	for done := uint64(0); done < n; {
		if err := ctx.Err(); err != nil {
			return err
		}
		got, err := m.Iter(min(chunk, n-done))
		if err != nil {
			return err
		}
		if got == 0 {
			if m.stalled() {
				return nil
			}
			// Halted on an external clock: wait for time to move.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.Signals().Ready():
			}
		}
		done += got
	}
	return nil
}

func run(ctx context.Context, opts cliOptions, stdout io.Writer) error {
	machineOpts := []MachineOption{WithRTCTime(time.Now())}
	var clock *ExternalClock
	if opts.realtime {
		clock = &ExternalClock{}
		machineOpts = append(machineOpts, WithClock(clock))
	}
	m, err := NewMachine(opts.cfg, machineOpts...)
	if err != nil {
		return err
	}
	defer m.Close()
	m.PerfEnabled = opts.perf

	if opts.trace != "" {
		out := stdout
		if opts.trace != "-" {
			f, err := os.Create(opts.trace)
			if err != nil {
				return fmt.Errorf("trace: %w", err)
			}
			defer f.Close()
			out = f
		}
		bw := bufio.NewWriterSize(out, 1<<16)
		defer bw.Flush()
		m.SetTraceHook(NewTracer(bw))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	console := NewHostConsole(m, cancel)
	interactive := opts.console && console.Interactive()
	if opts.snapshot != "" {
		path := opts.snapshot
		console.SetSnapshot(func(m *Machine) error { return m.SaveTextScreen(path) })
	}
	if interactive {
		console.SetMonitor(NewMachineMonitor(NewDebugX86(m, 0), crlfWriter{stdout}))
		g.Go(func() error { return console.Run(ctx) })
	} else {
		m.SetDebugConsole(stdout)
	}
	if clock != nil {
		g.Go(func() error { return wallClock(ctx, clock, m) })
	}
	g.Go(func() error {
		defer cancel()
		defer console.Stop()
		if opts.insns > 0 {
			return runBudget(ctx, m, opts.insns)
		}
		return m.Run(ctx)
	})
	go func() {
		// Run only notices cancellation between iterations or while stalled.
		<-ctx.Done()
		m.Stop()
	}()

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	m.log.WithFields(registerFields(m.cpu)).WithField("insns", m.cpu.Cycles).Debug("final state")
	if opts.snapshot != "" {
		if serr := m.SaveTextScreen(opts.snapshot); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !opts.quiet {
		boilerPlate(os.Stderr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	if err := run(ctx, opts, os.Stdout); err != nil {
		logrus.WithError(err).Error("machine stopped")
		os.Exit(1)
	}
}
