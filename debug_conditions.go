// debug_conditions.go - Breakpoint condition parser and evaluator for the monitor
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"fmt"
	"strconv"
	"strings"
)

// ConditionOp is the comparison of a breakpoint condition.
type ConditionOp int

const (
	CondOpEqual ConditionOp = iota
	CondOpNotEqual
	CondOpLess
	CondOpGreater
	CondOpLessEqual
	CondOpGreaterEqual
)

// ConditionSource selects what a condition compares.
type ConditionSource int

const (
	CondSourceRegister ConditionSource = iota
	CondSourceMemory
	CondSourceHitCount
)

// BreakpointCondition guards a breakpoint.
type BreakpointCondition struct {
	Source  ConditionSource
	RegName string
	MemAddr uint32
	Op      ConditionOp
	Value   uint64
}

// ConditionalBreakpoint is a breakpoint with an optional condition.
type ConditionalBreakpoint struct {
	Address   uint32
	Condition *BreakpointCondition
	HitCount  uint64
}

var condOps = []struct {
	text string
	op   ConditionOp
}{
	{"==", CondOpEqual},
	{"!=", CondOpNotEqual},
	{"<=", CondOpLessEqual},
	{">=", CondOpGreaterEqual},
	{"<", CondOpLess},
	{">", CondOpGreater},
}

// ParseAddress accepts $hex, 0xhex, #decimal or bare hex.
func ParseAddress(s string) (uint64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	base := 16
	switch {
	case strings.HasPrefix(s, "#"):
		s, base = s[1:], 10
	case strings.HasPrefix(s, "$"):
		s = s[1:]
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, base, 64)
	return v, err == nil
}

// ParseCondition parses a condition string.
// Formats:
//
//	eax==$FF       - register EAX, op ==, value 0xFF
//	[$1000]==$42   - byte at linear 0x1000, op ==, value 0x42
//	hitcount>10    - hit count, op >, value 10
func ParseCondition(text string) (*BreakpointCondition, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty condition")
	}

	opIdx := -1
	var op ConditionOp
	var opLen int
	for _, c := range condOps {
		if idx := strings.Index(text, c.text); idx >= 0 {
			opIdx, op, opLen = idx, c.op, len(c.text)
			break
		}
	}
	if opIdx < 0 {
		return nil, fmt.Errorf("no operator found (use ==, !=, <, >, <=, >=)")
	}

	lhs := strings.TrimSpace(text[:opIdx])
	rhs := strings.TrimSpace(text[opIdx+opLen:])
	value, ok := ParseAddress(rhs)
	if !ok {
		return nil, fmt.Errorf("invalid value: %s", rhs)
	}

	switch {
	case strings.HasPrefix(lhs, "[") && strings.HasSuffix(lhs, "]"):
		addr, ok := ParseAddress(lhs[1 : len(lhs)-1])
		if !ok || addr > 0xFFFFFFFF {
			return nil, fmt.Errorf("invalid memory address: %s", lhs)
		}
		return &BreakpointCondition{Source: CondSourceMemory, MemAddr: uint32(addr), Op: op, Value: value}, nil
	case strings.EqualFold(lhs, "hitcount"):
		return &BreakpointCondition{Source: CondSourceHitCount, Op: op, Value: value}, nil
	case lhs == "":
		return nil, fmt.Errorf("missing left-hand side")
	}
	return &BreakpointCondition{Source: CondSourceRegister, RegName: strings.ToUpper(lhs), Op: op, Value: value}, nil
}

// evaluateCondition reports whether cond holds. A nil condition always
// holds; an unknown register or unmapped byte never does.
func evaluateCondition(cond *BreakpointCondition, cpu DebuggableCPU, hitCount uint64) bool {
	if cond == nil {
		return true
	}
	var actual uint64
	switch cond.Source {
	case CondSourceRegister:
		val, ok := cpu.GetRegister(cond.RegName)
		if !ok {
			return false
		}
		actual = val
	case CondSourceMemory:
		data := cpu.ReadMemory(cond.MemAddr, 1)
		if len(data) == 0 {
			return false
		}
		actual = uint64(data[0])
	case CondSourceHitCount:
		actual = hitCount
	}
	return compareValues(actual, cond.Op, cond.Value)
}

func compareValues(actual uint64, op ConditionOp, expected uint64) bool {
	switch op {
	case CondOpEqual:
		return actual == expected
	case CondOpNotEqual:
		return actual != expected
	case CondOpLess:
		return actual < expected
	case CondOpGreater:
		return actual > expected
	case CondOpLessEqual:
		return actual <= expected
	case CondOpGreaterEqual:
		return actual >= expected
	}
	return false
}

// FormatCondition returns a human-readable string for a condition.
func FormatCondition(cond *BreakpointCondition) string {
	if cond == nil {
		return ""
	}
	var lhs string
	switch cond.Source {
	case CondSourceRegister:
		lhs = cond.RegName
	case CondSourceMemory:
		lhs = fmt.Sprintf("[$%X]", cond.MemAddr)
	case CondSourceHitCount:
		lhs = "hitcount"
	}
	opStr := ""
	for _, c := range condOps {
		if c.op == cond.Op {
			opStr = c.text
			break
		}
	}
	return fmt.Sprintf("%s%s$%X", lhs, opStr, cond.Value)
}
