// machine_signals.go - Cross-goroutine device signalling
//
// Collaborators running on their own goroutines never touch the PIC, the DMA
// controller or guest memory directly. They post signals here and the
// execution loop applies them, in posting order, at the next iteration
// boundary.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"sync"
	"sync/atomic"
)

// SignalKind selects what a posted signal does.
type SignalKind uint8

const (
	SignalRaise     SignalKind = iota // drive IRQ Line high
	SignalLower                       // drive IRQ Line low
	SignalPulse                       // edge on IRQ Line
	SignalDMA                         // RequestDMA on Channel
	SignalDMACancel                   // CancelDMA on Channel
	SignalCall                        // run Fn on the loop goroutine
)

// Signal is one queued request.
type Signal struct {
	Kind    SignalKind
	Line    int
	Channel int
	Fn      func(m *Machine) error
}

// SignalQueue is a mutex-guarded FIFO with a wakeup for an idle loop.
type SignalQueue struct {
	mu      sync.Mutex
	pending []Signal
	spare   []Signal
	count   atomic.Int64
	wake    chan struct{}
}

// NewSignalQueue returns an empty queue.
func NewSignalQueue() *SignalQueue {
	return &SignalQueue{wake: make(chan struct{}, 1)}
}

// Post appends s. It never blocks.
func (q *SignalQueue) Post(s Signal) {
	q.mu.Lock()
	q.pending = append(q.pending, s)
	q.count.Add(1)
	q.mu.Unlock()
	q.notify()
}

func (q *SignalQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued signals.
func (q *SignalQueue) Len() int { return int(q.count.Load()) }

// take swaps out the pending batch. The returned slice is valid until the
// next take.
func (q *SignalQueue) take() []Signal {
	q.mu.Lock()
	batch := q.pending
	q.pending = q.spare[:0]
	q.spare = batch
	q.count.Store(0)
	q.mu.Unlock()
	return batch
}

// Ready is signalled after every Post and after Machine.Stop.
func (q *SignalQueue) Ready() <-chan struct{} { return q.wake }
