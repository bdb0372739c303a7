// debug_backtrace.go - Stack walking for the monitor
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "encoding/binary"

// Backtrace returns up to depth stack slots starting at the stack pointer.
func Backtrace(cpu DebuggableCPU, depth int) []uint32 {
	switch d := cpu.(type) {
	case *DebugX86:
		return backtraceX86(d, depth)
	default:
		return nil
	}
}

// backtraceX86 walks 2-byte slots on a 16-bit stack and 4-byte slots on a
// 32-bit one. SP wraps within the segment on a 16-bit stack.
func backtraceX86(d *DebugX86, depth int) []uint32 {
	ss := d.m.cpu.segs[x86SegSS]
	sp := d.m.cpu.ESP
	slot := uint32(2)
	if ss.big() {
		slot = 4
	} else {
		sp &= 0xFFFF
	}
	var result []uint32
	for range depth {
		data := d.ReadMemory(ss.Base+sp, int(slot))
		if len(data) < int(slot) {
			break
		}
		if slot == 4 {
			result = append(result, binary.LittleEndian.Uint32(data))
		} else {
			result = append(result, uint32(binary.LittleEndian.Uint16(data)))
		}
		sp += slot
		if slot == 2 {
			sp &= 0xFFFF
		}
	}
	return result
}
