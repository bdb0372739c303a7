// host_console.go - Interactive host terminal for the debug console
//
// Puts stdin in raw mode, copies the guest's debug console output to stdout
// and turns keystrokes into signals for the execution loop. Ctrl-A starts a
// monitor command:
//
//	Ctrl-A x   stop the machine
//	Ctrl-A r   reset the processor
//	Ctrl-A s   write a text-mode snapshot
//	Ctrl-A i   log the register state
//	Ctrl-A a   send a literal Ctrl-A
//
// With a monitor installed:
//
//	Ctrl-A p   pause at the next instruction
//	Ctrl-A c   continue
//	Ctrl-A n   step one instruction
//	Ctrl-A :   read a monitor command line, ended by Enter
//
// Any other byte goes to the input sink, when one is installed.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	consoleEscape = 0x01 // Ctrl-A
	consolePoll   = 5 * time.Millisecond
)

// HostConsole bridges the host terminal and a Machine.
type HostConsole struct {
	m   *Machine
	in  *os.File
	out io.Writer
	log *logrus.Entry

	// sink receives plain keystrokes on the loop goroutine.
	sink func(m *Machine, b byte) error
	// snapshot is run on the loop goroutine for Ctrl-A s.
	snapshot func(m *Machine) error
	quit     func()
	monitor  *MachineMonitor

	escaped  bool
	lineMode bool
	line     []byte

	fd          int
	oldState    *term.State
	nonblockSet bool
	stopOnce    sync.Once
	stopCh      chan struct{}
}

// NewHostConsole creates a console for m on stdin and stdout. quit is called
// for Ctrl-A x.
func NewHostConsole(m *Machine, quit func()) *HostConsole {
	return &HostConsole{
		m:      m,
		in:     os.Stdin,
		out:    os.Stdout,
		quit:   quit,
		log:    m.component("console"),
		stopCh: make(chan struct{}),
	}
}

// SetInputSink installs the consumer of plain keystrokes.
func (h *HostConsole) SetInputSink(fn func(m *Machine, b byte) error) { h.sink = fn }

// SetSnapshot installs the Ctrl-A s action.
func (h *HostConsole) SetSnapshot(fn func(m *Machine) error) { h.snapshot = fn }

// SetMonitor installs the command monitor. Its output should go to the
// same terminal.
func (h *HostConsole) SetMonitor(mon *MachineMonitor) { h.monitor = mon }

// Interactive reports whether stdin is a terminal.
func (h *HostConsole) Interactive() bool { return term.IsTerminal(int(h.in.Fd())) }

// Run owns the terminal until ctx is done or Stop is called. The terminal is
// restored before Run returns.
func (h *HostConsole) Run(ctx context.Context) error {
	h.fd = int(h.in.Fd())
	old, err := term.MakeRaw(h.fd)
	if err != nil {
		return err
	}
	h.oldState = old
	defer h.restore()

	if err := unix.SetNonblock(h.fd, true); err != nil {
		return err
	}
	h.nonblockSet = true
	h.m.SetDebugConsole(crlfWriter{h.out})

	buf := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.stopCh:
			return nil
		default:
		}
		n, err := unix.Read(h.fd, buf)
		for _, b := range buf[:max(n, 0)] {
			h.handleKey(b)
		}
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		case err != nil:
			return err
		case n > 0:
			continue
		}
		time.Sleep(consolePoll)
	}
}

// Stop makes Run return.
func (h *HostConsole) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *HostConsole) restore() {
	h.m.SetDebugConsole(nil)
	if h.nonblockSet {
		_ = unix.SetNonblock(h.fd, false)
		h.nonblockSet = false
	}
	if h.oldState != nil {
		_ = term.Restore(h.fd, h.oldState)
		h.oldState = nil
	}
}

// handleKey interprets one byte from the terminal.
func (h *HostConsole) handleKey(b byte) {
	if h.lineMode {
		h.editLine(b)
		return
	}
	if h.escaped {
		h.escaped = false
		h.command(b)
		return
	}
	switch b {
	case consoleEscape:
		h.escaped = true
		return
	case '\r':
		b = '\n'
	case 0x7F:
		b = 0x08
	}
	if h.sink == nil {
		return
	}
	sink := h.sink
	h.m.Signals().Post(Signal{Kind: SignalCall, Fn: func(m *Machine) error { return sink(m, b) }})
}

func (h *HostConsole) command(b byte) {
	switch b {
	case 'x', 'X':
		h.log.Info("stop requested from console")
		if h.quit != nil {
			h.quit()
		}
	case 'r', 'R':
		h.m.Signals().Post(Signal{Kind: SignalCall, Fn: func(m *Machine) error {
			m.resetPending = true
			return nil
		}})
	case 's', 'S':
		if h.snapshot == nil {
			h.log.Warn("no snapshot path configured")
			return
		}
		fn := h.snapshot
		h.m.Signals().Post(Signal{Kind: SignalCall, Fn: func(m *Machine) error {
			if err := fn(m); err != nil {
				m.log.Warnf("snapshot: %v", err)
			}
			return nil
		}})
	case 'i', 'I':
		h.m.Signals().Post(Signal{Kind: SignalCall, Fn: func(m *Machine) error {
			m.log.WithFields(registerFields(m.cpu)).Info("registers")
			return nil
		}})
	case 'p', 'P':
		h.monitorCommand("p")
	case 'c', 'C':
		h.monitorCommand("c")
	case 'n', 'N':
		h.monitorCommand("s")
	case ':':
		if h.monitor == nil {
			h.log.Warn("no monitor attached")
			return
		}
		h.lineMode = true
		h.line = h.line[:0]
		_, _ = h.out.Write([]byte("\r\n> "))
	case 'a', 'A', consoleEscape:
		h.escaped = false
		if h.sink != nil {
			sink := h.sink
			h.m.Signals().Post(Signal{Kind: SignalCall, Fn: func(m *Machine) error { return sink(m, consoleEscape) }})
		}
	}
}

// editLine collects a monitor command line with echo and backspace.
func (h *HostConsole) editLine(b byte) {
	switch b {
	case '\r', '\n':
		h.lineMode = false
		_, _ = h.out.Write([]byte("\r\n"))
		h.monitorCommand(string(h.line))
	case 0x7F, 0x08:
		if len(h.line) > 0 {
			h.line = h.line[:len(h.line)-1]
			_, _ = h.out.Write([]byte("\b \b"))
		}
	case 0x03, 0x1B:
		h.lineMode = false
		_, _ = h.out.Write([]byte("\r\n"))
	default:
		if b >= 0x20 && b < 0x7F {
			h.line = append(h.line, b)
			_, _ = h.out.Write([]byte{b})
		}
	}
}

// monitorCommand runs line on the loop goroutine.
func (h *HostConsole) monitorCommand(line string) {
	if h.monitor == nil {
		h.log.Warn("no monitor attached")
		return
	}
	mon := h.monitor
	h.m.Signals().Post(Signal{Kind: SignalCall, Fn: func(*Machine) error {
		_ = mon.Exec(line)
		return nil
	}})
}

// crlfWriter adds the carriage return a raw terminal no longer supplies.
type crlfWriter struct{ w io.Writer }

func (c crlfWriter) Write(p []byte) (int, error) {
	for i, b := range p {
		var err error
		if b == '\n' {
			_, err = c.w.Write([]byte{'\r', '\n'})
		} else {
			_, err = c.w.Write(p[i : i+1])
		}
		if err != nil {
			return i, err
		}
	}
	return len(p), nil
}
