// x86_jit.go - Translation cache for the IA-32 block translator
//
// Units are keyed by linear entry point, physical entry point and execution
// mode, indexed by the physical pages they cover and kept in LRU order. A
// guest write into a covered range (CPU store or DMA) drops every unit that
// overlaps it before the write returns; paging changes drop units by linear
// page or wholesale.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"bytes"
	"container/list"

	"github.com/sirupsen/logrus"
)

const (
	defaultJITMaxBlockInsns = 32
	defaultJITMaxUnits      = 8192
)

type tuKey struct {
	lin  uint32
	phys uint32
	mode ExecMode
}

// translationUnit is a compiled straight-line run of guest instructions.
// It never holds register state.
type translationUnit struct {
	key    tuKey
	start  uint32 // physical address of the first byte
	end    uint32 // one past the last byte
	span   uint32 // byte length as seen through CS
	ops    []compiledOp
	image  []byte // guest bytes at translation time, for verify mode
	valid  bool
	execs  uint64
	lruPos *list.Element
}

func (u *translationUnit) page() uint32 { return u.start >> busPageShift }

func (u *translationUnit) overlaps(addr, n uint32) bool {
	return addr < u.end && addr+n > u.start
}

// JITStats counts translation cache activity.
type JITStats struct {
	Translations  uint64
	Executions    uint64
	Instructions  uint64
	Invalidations uint64
	Flushes       uint64
	Evictions     uint64
}

// TranslationCache owns every translation unit of one machine.
type TranslationCache struct {
	units    map[tuKey]*translationUnit
	pages    map[uint32][]*translationUnit // physical page -> units
	linPages map[uint32][]*translationUnit // linear page -> units
	lru      *list.List

	maxUnits int
	maxInsns int
	verify   bool

	bus *MachineBus
	cpu *CPU_X86

	Stats JITStats
	log   *logrus.Entry
}

// NewTranslationCache creates a cache for cpu and hooks it into the bus
// write notifications and the CPU's paging change callback.
func NewTranslationCache(cpu *CPU_X86, bus *MachineBus, maxInsns, maxUnits int, verify bool, log *logrus.Entry) *TranslationCache {
	if maxInsns <= 0 {
		maxInsns = defaultJITMaxBlockInsns
	}
	if maxUnits <= 0 {
		maxUnits = defaultJITMaxUnits
	}
	tc := &TranslationCache{
		units:    make(map[tuKey]*translationUnit),
		pages:    make(map[uint32][]*translationUnit),
		linPages: make(map[uint32][]*translationUnit),
		lru:      list.New(),
		maxUnits: maxUnits,
		maxInsns: maxInsns,
		verify:   verify,
		bus:      bus,
		cpu:      cpu,
		log:      log,
	}
	bus.onCodeWrite = tc.InvalidateRange
	bus.onRemap = tc.Flush
	cpu.onPagingChange = tc.pagingChanged
	return tc
}

// Len returns the number of live units.
func (tc *TranslationCache) Len() int { return len(tc.units) }

// lookup returns the valid unit for key and refreshes its LRU position.
func (tc *TranslationCache) lookup(key tuKey) *translationUnit {
	u := tc.units[key]
	if u == nil || !u.valid {
		return nil
	}
	tc.lru.MoveToFront(u.lruPos)
	return u
}

func (tc *TranslationCache) insert(u *translationUnit) {
	for len(tc.units) >= tc.maxUnits {
		tc.evictOldest()
	}
	u.valid = true
	u.lruPos = tc.lru.PushFront(u)
	tc.units[u.key] = u
	page := u.page()
	tc.pages[page] = append(tc.pages[page], u)
	lp := u.key.lin >> busPageShift
	tc.linPages[lp] = append(tc.linPages[lp], u)
	tc.bus.markCode(u.start, true)
	tc.Stats.Translations++
}

func (tc *TranslationCache) evictOldest() {
	back := tc.lru.Back()
	if back == nil {
		return
	}
	u := back.Value.(*translationUnit)
	tc.remove(u)
	tc.Stats.Evictions++
	tc.log.WithFields(logrus.Fields{"lin": u.key.lin, "phys": u.start}).Debug("evicted translation")
}

func removeUnit(units []*translationUnit, u *translationUnit) []*translationUnit {
	for i, v := range units {
		if v == u {
			units[i] = units[len(units)-1]
			return units[:len(units)-1]
		}
	}
	return units
}

// remove drops u from every index. A unit that is currently executing stops
// at its next instruction boundary because valid is cleared.
func (tc *TranslationCache) remove(u *translationUnit) {
	if !u.valid {
		return
	}
	u.valid = false
	delete(tc.units, u.key)
	tc.lru.Remove(u.lruPos)

	page := u.page()
	if rest := removeUnit(tc.pages[page], u); len(rest) > 0 {
		tc.pages[page] = rest
	} else {
		delete(tc.pages, page)
		tc.bus.markCode(u.start, false)
	}
	lp := u.key.lin >> busPageShift
	if rest := removeUnit(tc.linPages[lp], u); len(rest) > 0 {
		tc.linPages[lp] = rest
	} else {
		delete(tc.linPages, lp)
	}
}

// InvalidateRange drops every unit overlapping the physical range
// [addr, addr+size).
func (tc *TranslationCache) InvalidateRange(addr uint32, size int) {
	if size <= 0 {
		return
	}
	n := uint32(size)
	last := (addr + n - 1) >> busPageShift
	for p := addr >> busPageShift; ; p++ {
		var hit []*translationUnit
		for _, u := range tc.pages[p] {
			if u.overlaps(addr, n) {
				hit = append(hit, u)
			}
		}
		for _, u := range hit {
			tc.remove(u)
			tc.Stats.Invalidations++
		}
		if p >= last {
			return
		}
	}
}

// Flush drops every unit.
func (tc *TranslationCache) Flush() {
	for _, u := range tc.units {
		u.valid = false
	}
	for page := range tc.pages {
		tc.bus.markCode(page<<busPageShift, false)
	}
	clear(tc.units)
	clear(tc.pages)
	clear(tc.linPages)
	tc.lru.Init()
	tc.Stats.Flushes++
}

// pagingChanged receives TLB invalidations from the CPU. Units are keyed by
// physical address as well, but a remapped linear page must never reach a
// unit translated under the old mapping.
func (tc *TranslationCache) pagingChanged(lin uint32, all bool) {
	if all {
		if len(tc.units) > 0 {
			tc.Flush()
		}
		return
	}
	units := tc.linPages[lin>>busPageShift]
	for len(units) > 0 {
		tc.remove(units[0])
		tc.Stats.Invalidations++
		units = tc.linPages[lin>>busPageShift]
	}
}

// stale reports whether guest memory under u no longer matches the bytes it
// was translated from.
func (tc *TranslationCache) stale(u *translationUnit) bool {
	cur := tc.bus.ReadBlock(u.start, len(u.image))
	return !bytes.Equal(cur, u.image)
}
