// x86_decoder_tables.go - Opcode maps for the IA-32 decoder
//
// Operand templates use the Intel opcode map notation (Eb, Gv, Iz, Jb...),
// parsed once at init into fixed tables.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"fmt"
	"strings"
)

// Mnemonic is the operation class of a decoded instruction. It indexes the
// semantic table shared by the interpreter and the translator.
type Mnemonic uint16

const (
	insInvalid Mnemonic = iota
	insADD
	insOR
	insADC
	insSBB
	insAND
	insSUB
	insXOR
	insCMP
	insINC
	insDEC
	insPUSH
	insPOP
	insPUSHA
	insPOPA
	insBOUND
	insARPL
	insIMUL3 // IMUL r, r/m, imm
	insIMUL2 // IMUL r, r/m
	insINS
	insOUTS
	insJcc
	insTEST
	insXCHG
	insMOV
	insMOVSeg // MOV Sreg, r/m and POP Sreg share the segment load path
	insLEA
	insNOP
	insCBW
	insCWD
	insCALLF
	insWAIT
	insPUSHF
	insPOPF
	insSAHF
	insLAHF
	insMOVS
	insCMPS
	insSTOS
	insLODS
	insSCAS
	insRET
	insRETF
	insLES
	insLDS
	insLSS
	insLFS
	insLGS
	insENTER
	insLEAVE
	insINT3
	insINT
	insINTO
	insINT1
	insIRET
	insROL
	insROR
	insRCL
	insRCR
	insSHL
	insSHR
	insSAR
	insAAM
	insAAD
	insSALC
	insXLAT
	insFPU
	insLOOPNE
	insLOOPE
	insLOOP
	insJCXZ
	insIN
	insOUT
	insCALL
	insJMP
	insJMPF
	insHLT
	insCMC
	insNOT
	insNEG
	insMUL
	insIMUL1
	insDIV
	insIDIV
	insCLC
	insSTC
	insCLI
	insSTI
	insCLD
	insSTD
	insDAA
	insDAS
	insAAA
	insAAS
	insSLDT
	insSTR
	insLLDT
	insLTR
	insVERR
	insVERW
	insSGDT
	insSIDT
	insLGDT
	insLIDT
	insSMSW
	insLMSW
	insINVLPG
	insLAR
	insLSL
	insCLTS
	insINVD
	insWBINVD
	insUD2
	insMOVCR
	insMOVDR
	insWRMSR
	insRDTSC
	insRDMSR
	insCMOV
	insSETcc
	insCPUID
	insBT
	insBTS
	insBTR
	insBTC
	insSHLD
	insSHRD
	insCMPXCHG
	insCMPXCHG8B
	insMOVZX
	insMOVSX
	insBSF
	insBSR
	insXADD
	insBSWAP
	insCount
)

var mnemonicNames = [insCount]string{
	insInvalid: "(bad)", insADD: "add", insOR: "or", insADC: "adc", insSBB: "sbb",
	insAND: "and", insSUB: "sub", insXOR: "xor", insCMP: "cmp", insINC: "inc", insDEC: "dec",
	insPUSH: "push", insPOP: "pop", insPUSHA: "pusha", insPOPA: "popa", insBOUND: "bound",
	insARPL: "arpl", insIMUL3: "imul", insIMUL2: "imul", insINS: "ins", insOUTS: "outs",
	insJcc: "j", insTEST: "test", insXCHG: "xchg", insMOV: "mov", insMOVSeg: "mov",
	insLEA: "lea", insNOP: "nop", insCBW: "cbw", insCWD: "cwd", insCALLF: "call far",
	insWAIT: "wait", insPUSHF: "pushf", insPOPF: "popf", insSAHF: "sahf", insLAHF: "lahf",
	insMOVS: "movs", insCMPS: "cmps", insSTOS: "stos", insLODS: "lods", insSCAS: "scas",
	insRET: "ret", insRETF: "retf", insLES: "les", insLDS: "lds", insLSS: "lss",
	insLFS: "lfs", insLGS: "lgs", insENTER: "enter", insLEAVE: "leave", insINT3: "int3",
	insINT: "int", insINTO: "into", insINT1: "int1", insIRET: "iret", insROL: "rol",
	insROR: "ror", insRCL: "rcl", insRCR: "rcr", insSHL: "shl", insSHR: "shr", insSAR: "sar",
	insAAM: "aam", insAAD: "aad", insSALC: "salc", insXLAT: "xlat", insFPU: "fpu",
	insLOOPNE: "loopne", insLOOPE: "loope", insLOOP: "loop", insJCXZ: "jcxz", insIN: "in",
	insOUT: "out", insCALL: "call", insJMP: "jmp", insJMPF: "jmp far", insHLT: "hlt",
	insCMC: "cmc", insNOT: "not", insNEG: "neg", insMUL: "mul", insIMUL1: "imul",
	insDIV: "div", insIDIV: "idiv", insCLC: "clc", insSTC: "stc", insCLI: "cli",
	insSTI: "sti", insCLD: "cld", insSTD: "std", insDAA: "daa", insDAS: "das", insAAA: "aaa",
	insAAS: "aas", insSLDT: "sldt", insSTR: "str", insLLDT: "lldt", insLTR: "ltr",
	insVERR: "verr", insVERW: "verw", insSGDT: "sgdt", insSIDT: "sidt", insLGDT: "lgdt",
	insLIDT: "lidt", insSMSW: "smsw", insLMSW: "lmsw", insINVLPG: "invlpg", insLAR: "lar",
	insLSL: "lsl", insCLTS: "clts", insINVD: "invd", insWBINVD: "wbinvd", insUD2: "ud2",
	insMOVCR: "mov", insMOVDR: "mov", insWRMSR: "wrmsr", insRDTSC: "rdtsc", insRDMSR: "rdmsr",
	insCMOV: "cmov", insSETcc: "set", insCPUID: "cpuid", insBT: "bt", insBTS: "bts",
	insBTR: "btr", insBTC: "btc", insSHLD: "shld", insSHRD: "shrd", insCMPXCHG: "cmpxchg",
	insCMPXCHG8B: "cmpxchg8b", insMOVZX: "movzx", insMOVSX: "movsx", insBSF: "bsf",
	insBSR: "bsr", insXADD: "xadd", insBSWAP: "bswap",
}

func (m Mnemonic) String() string {
	if m < insCount && mnemonicNames[m] != "" {
		return mnemonicNames[m]
	}
	return fmt.Sprintf("ins%d", uint16(m))
}

// argSpec is one operand template.
type argSpec uint8

const (
	argNone argSpec = iota
	argEb
	argEw
	argEd
	argEv
	argGb
	argGw
	argGd
	argGv
	argM  // memory, size irrelevant
	argMp // far pointer m16:16/32
	argMa // BOUND pair
	argMq // 64-bit memory
	argMs // descriptor table pseudo-descriptor
	argIb
	argIbs // byte immediate sign-extended to operand size
	argIw
	argIv
	argJb
	argJz
	argAp
	argOb
	argOv
	argSw
	argCd
	argDd
	argRd
	argZb // register in opcode low bits
	argZw
	argZv
	argZd
	argAL
	argAX
	argEAX // eAX, operand sized
	argCL
	argDX
	argOne
	argES // order matches segment register indices
	argCS
	argSS
	argDS
	argFS
	argGS
	argXb // string element
	argXv
	argST0
	argSTi
)

var argNames = map[string]argSpec{
	"Eb": argEb, "Ew": argEw, "Ed": argEd, "Ev": argEv,
	"Gb": argGb, "Gw": argGw, "Gd": argGd, "Gv": argGv,
	"M": argM, "Mp": argMp, "Ma": argMa, "Mq": argMq, "Ms": argMs,
	"Ib": argIb, "Ibs": argIbs, "Iw": argIw, "Iz": argIv, "Iv": argIv,
	"Jb": argJb, "Jz": argJz, "Ap": argAp, "Ob": argOb, "Ov": argOv,
	"Sw": argSw, "Cd": argCd, "Dd": argDd, "Rd": argRd,
	"Zb": argZb, "Zw": argZw, "Zv": argZv, "Zd": argZd,
	"AL": argAL, "AX": argAX, "eAX": argEAX, "CL": argCL, "DX": argDX, "1": argOne,
	"ES": argES, "CS": argCS, "SS": argSS, "DS": argDS, "FS": argFS, "GS": argGS,
	"Xb": argXb, "Xv": argXv, "ST": argST0, "STi": argSTi,
}

// size returns the operand width in bytes for the template.
func (a argSpec) size(opSize uint8) uint8 {
	switch a {
	case argEb, argGb, argIb, argOb, argZb, argAL, argCL, argXb:
		return 1
	case argEw, argGw, argIw, argZw, argAX, argDX, argSw:
		return 2
	case argEd, argGd, argZd, argCd, argDd, argRd:
		return 4
	case argMp:
		return opSize + 2
	case argMa:
		return 2 * opSize
	case argMq:
		return 8
	case argMs:
		return 6
	case argM, argOne, argST0, argSTi:
		return 0
	}
	return opSize
}

type opEntry struct {
	op    Mnemonic
	args  [3]argSpec
	ext   uint8
	flags InstFlags
	modrm bool
	group *[8]opEntry
}

var (
	oneByteMap [256]opEntry
	twoByteMap [256]opEntry
)

func parseArgSpecs(s string) [3]argSpec {
	var out [3]argSpec
	if s == "" {
		return out
	}
	for i, tok := range strings.Split(s, ",") {
		a, ok := argNames[tok]
		if !ok {
			panic("x86 decoder: unknown operand template " + tok)
		}
		out[i] = a
	}
	return out
}

func usesModRM(args [3]argSpec) bool {
	for _, a := range args {
		switch a {
		case argEb, argEw, argEd, argEv, argGb, argGw, argGd, argGv,
			argM, argMp, argMa, argMq, argMs, argSw, argCd, argDd, argRd:
			return true
		}
	}
	return false
}

// mnemonicFlags are the per-operation execution classes. Interpreted
// instructions always end a block so pending events are looked at before the
// next one runs.
func mnemonicFlags(op Mnemonic) InstFlags {
	switch op {
	case insJcc, insCALL, insJMP, insRET, insLOOPNE, insLOOPE, insLOOP, insJCXZ:
		return FlagTerminator
	case insHLT, insLGDT, insLIDT, insLLDT, insLTR, insLMSW, insCLTS, insINVLPG,
		insINVD, insWBINVD, insMOVCR, insMOVDR, insWRMSR, insRDMSR:
		return FlagInterp | FlagTerminator | FlagPrivileged | FlagMayFault
	case insIN, insOUT, insINS, insOUTS, insCLI, insSTI, insPOPF, insIRET,
		insINT, insINT3, insINTO, insINT1, insMOVSeg, insLES, insLDS, insLSS, insLFS,
		insLGS, insCALLF, insJMPF, insRETF, insRDTSC, insCPUID, insWAIT, insUD2,
		insSLDT, insSTR, insVERR, insVERW, insSGDT, insSIDT, insSMSW, insLAR, insLSL, insARPL:
		return FlagInterp | FlagTerminator | FlagMayFault
	case insDIV, insIDIV, insBOUND, insPUSH, insPOP, insPUSHA, insPOPA, insPUSHF,
		insENTER, insLEAVE, insXLAT, insMOVS, insCMPS, insSTOS, insLODS, insSCAS,
		insFPU, insCMPXCHG8B, insAAM:
		return FlagMayFault
	}
	return 0
}

func mkEntry(op Mnemonic, args string, ext uint8) opEntry {
	a := parseArgSpecs(args)
	return opEntry{op: op, args: a, ext: ext, flags: mnemonicFlags(op), modrm: usesModRM(a)}
}

func def(m *[256]opEntry, code byte, op Mnemonic, args string) {
	m[code] = mkEntry(op, args, 0)
}

func defCC(m *[256]opEntry, code byte, op Mnemonic, args string) {
	m[code] = mkEntry(op, args, code&0xF)
}

func defGroup(m *[256]opEntry, code byte, ops [8]Mnemonic, args [8]string) {
	var g [8]opEntry
	for i := range g {
		if ops[i] != insInvalid {
			g[i] = mkEntry(ops[i], args[i], uint8(i))
		}
	}
	m[code] = opEntry{group: &g, modrm: true}
}

func same8(s string) [8]string { return [8]string{s, s, s, s, s, s, s, s} }

func init() {
	alu := [8]Mnemonic{insADD, insOR, insADC, insSBB, insAND, insSUB, insXOR, insCMP}
	for i, op := range alu {
		base := byte(i * 8)
		def(&oneByteMap, base+0, op, "Eb,Gb")
		def(&oneByteMap, base+1, op, "Ev,Gv")
		def(&oneByteMap, base+2, op, "Gb,Eb")
		def(&oneByteMap, base+3, op, "Gv,Ev")
		def(&oneByteMap, base+4, op, "AL,Ib")
		def(&oneByteMap, base+5, op, "eAX,Iz")
	}
	def(&oneByteMap, 0x06, insPUSH, "ES")
	def(&oneByteMap, 0x07, insMOVSeg, "ES")
	def(&oneByteMap, 0x0E, insPUSH, "CS")
	def(&oneByteMap, 0x16, insPUSH, "SS")
	def(&oneByteMap, 0x17, insMOVSeg, "SS")
	def(&oneByteMap, 0x1E, insPUSH, "DS")
	def(&oneByteMap, 0x1F, insMOVSeg, "DS")
	def(&oneByteMap, 0x27, insDAA, "")
	def(&oneByteMap, 0x2F, insDAS, "")
	def(&oneByteMap, 0x37, insAAA, "")
	def(&oneByteMap, 0x3F, insAAS, "")
	for r := byte(0); r < 8; r++ {
		def(&oneByteMap, 0x40+r, insINC, "Zv")
		def(&oneByteMap, 0x48+r, insDEC, "Zv")
		def(&oneByteMap, 0x50+r, insPUSH, "Zv")
		def(&oneByteMap, 0x58+r, insPOP, "Zv")
		def(&oneByteMap, 0x91+r-1, insXCHG, "Zv,eAX")
		def(&oneByteMap, 0xB0+r, insMOV, "Zb,Ib")
		def(&oneByteMap, 0xB8+r, insMOV, "Zv,Iv")
		def(&twoByteMap, 0xC8+r, insBSWAP, "Zd")
	}
	def(&oneByteMap, 0x90, insNOP, "")
	def(&oneByteMap, 0x60, insPUSHA, "")
	def(&oneByteMap, 0x61, insPOPA, "")
	def(&oneByteMap, 0x62, insBOUND, "Gv,Ma")
	def(&oneByteMap, 0x63, insARPL, "Ew,Gw")
	def(&oneByteMap, 0x68, insPUSH, "Iz")
	def(&oneByteMap, 0x69, insIMUL3, "Gv,Ev,Iz")
	def(&oneByteMap, 0x6A, insPUSH, "Ibs")
	def(&oneByteMap, 0x6B, insIMUL3, "Gv,Ev,Ibs")
	def(&oneByteMap, 0x6C, insINS, "Xb")
	def(&oneByteMap, 0x6D, insINS, "Xv")
	def(&oneByteMap, 0x6E, insOUTS, "Xb")
	def(&oneByteMap, 0x6F, insOUTS, "Xv")
	for cc := byte(0); cc < 16; cc++ {
		defCC(&oneByteMap, 0x70+cc, insJcc, "Jb")
		defCC(&twoByteMap, 0x80+cc, insJcc, "Jz")
		defCC(&twoByteMap, 0x90+cc, insSETcc, "Eb")
		defCC(&twoByteMap, 0x40+cc, insCMOV, "Gv,Ev")
	}

	defGroup(&oneByteMap, 0x80, alu, same8("Eb,Ib"))
	defGroup(&oneByteMap, 0x81, alu, same8("Ev,Iz"))
	defGroup(&oneByteMap, 0x82, alu, same8("Eb,Ib"))
	defGroup(&oneByteMap, 0x83, alu, same8("Ev,Ibs"))
	def(&oneByteMap, 0x84, insTEST, "Eb,Gb")
	def(&oneByteMap, 0x85, insTEST, "Ev,Gv")
	def(&oneByteMap, 0x86, insXCHG, "Eb,Gb")
	def(&oneByteMap, 0x87, insXCHG, "Ev,Gv")
	def(&oneByteMap, 0x88, insMOV, "Eb,Gb")
	def(&oneByteMap, 0x89, insMOV, "Ev,Gv")
	def(&oneByteMap, 0x8A, insMOV, "Gb,Eb")
	def(&oneByteMap, 0x8B, insMOV, "Gv,Ev")
	def(&oneByteMap, 0x8C, insMOV, "Ev,Sw")
	def(&oneByteMap, 0x8D, insLEA, "Gv,M")
	def(&oneByteMap, 0x8E, insMOVSeg, "Sw,Ew")
	defGroup(&oneByteMap, 0x8F, [8]Mnemonic{insPOP}, [8]string{"Ev"})
	def(&oneByteMap, 0x98, insCBW, "")
	def(&oneByteMap, 0x99, insCWD, "")
	def(&oneByteMap, 0x9A, insCALLF, "Ap")
	def(&oneByteMap, 0x9B, insWAIT, "")
	def(&oneByteMap, 0x9C, insPUSHF, "")
	def(&oneByteMap, 0x9D, insPOPF, "")
	def(&oneByteMap, 0x9E, insSAHF, "")
	def(&oneByteMap, 0x9F, insLAHF, "")
	def(&oneByteMap, 0xA0, insMOV, "AL,Ob")
	def(&oneByteMap, 0xA1, insMOV, "eAX,Ov")
	def(&oneByteMap, 0xA2, insMOV, "Ob,AL")
	def(&oneByteMap, 0xA3, insMOV, "Ov,eAX")
	def(&oneByteMap, 0xA4, insMOVS, "Xb")
	def(&oneByteMap, 0xA5, insMOVS, "Xv")
	def(&oneByteMap, 0xA6, insCMPS, "Xb")
	def(&oneByteMap, 0xA7, insCMPS, "Xv")
	def(&oneByteMap, 0xA8, insTEST, "AL,Ib")
	def(&oneByteMap, 0xA9, insTEST, "eAX,Iz")
	def(&oneByteMap, 0xAA, insSTOS, "Xb")
	def(&oneByteMap, 0xAB, insSTOS, "Xv")
	def(&oneByteMap, 0xAC, insLODS, "Xb")
	def(&oneByteMap, 0xAD, insLODS, "Xv")
	def(&oneByteMap, 0xAE, insSCAS, "Xb")
	def(&oneByteMap, 0xAF, insSCAS, "Xv")

	shifts := [8]Mnemonic{insROL, insROR, insRCL, insRCR, insSHL, insSHR, insSHL, insSAR}
	defGroup(&oneByteMap, 0xC0, shifts, same8("Eb,Ib"))
	defGroup(&oneByteMap, 0xC1, shifts, same8("Ev,Ib"))
	def(&oneByteMap, 0xC2, insRET, "Iw")
	def(&oneByteMap, 0xC3, insRET, "")
	def(&oneByteMap, 0xC4, insLES, "Gv,Mp")
	def(&oneByteMap, 0xC5, insLDS, "Gv,Mp")
	defGroup(&oneByteMap, 0xC6, [8]Mnemonic{insMOV}, [8]string{"Eb,Ib"})
	defGroup(&oneByteMap, 0xC7, [8]Mnemonic{insMOV}, [8]string{"Ev,Iz"})
	def(&oneByteMap, 0xC8, insENTER, "Iw,Ib")
	def(&oneByteMap, 0xC9, insLEAVE, "")
	def(&oneByteMap, 0xCA, insRETF, "Iw")
	def(&oneByteMap, 0xCB, insRETF, "")
	def(&oneByteMap, 0xCC, insINT3, "")
	def(&oneByteMap, 0xCD, insINT, "Ib")
	def(&oneByteMap, 0xCE, insINTO, "")
	def(&oneByteMap, 0xCF, insIRET, "")
	defGroup(&oneByteMap, 0xD0, shifts, same8("Eb,1"))
	defGroup(&oneByteMap, 0xD1, shifts, same8("Ev,1"))
	defGroup(&oneByteMap, 0xD2, shifts, same8("Eb,CL"))
	defGroup(&oneByteMap, 0xD3, shifts, same8("Ev,CL"))
	def(&oneByteMap, 0xD4, insAAM, "Ib")
	def(&oneByteMap, 0xD5, insAAD, "Ib")
	def(&oneByteMap, 0xD6, insSALC, "")
	def(&oneByteMap, 0xD7, insXLAT, "")
	for esc := byte(0xD8); esc <= 0xDF; esc++ {
		oneByteMap[esc] = opEntry{op: insFPU, modrm: true, flags: mnemonicFlags(insFPU)}
	}
	def(&oneByteMap, 0xE0, insLOOPNE, "Jb")
	def(&oneByteMap, 0xE1, insLOOPE, "Jb")
	def(&oneByteMap, 0xE2, insLOOP, "Jb")
	def(&oneByteMap, 0xE3, insJCXZ, "Jb")
	def(&oneByteMap, 0xE4, insIN, "AL,Ib")
	def(&oneByteMap, 0xE5, insIN, "eAX,Ib")
	def(&oneByteMap, 0xE6, insOUT, "Ib,AL")
	def(&oneByteMap, 0xE7, insOUT, "Ib,eAX")
	def(&oneByteMap, 0xE8, insCALL, "Jz")
	def(&oneByteMap, 0xE9, insJMP, "Jz")
	def(&oneByteMap, 0xEA, insJMPF, "Ap")
	def(&oneByteMap, 0xEB, insJMP, "Jb")
	def(&oneByteMap, 0xEC, insIN, "AL,DX")
	def(&oneByteMap, 0xED, insIN, "eAX,DX")
	def(&oneByteMap, 0xEE, insOUT, "DX,AL")
	def(&oneByteMap, 0xEF, insOUT, "DX,eAX")
	def(&oneByteMap, 0xF1, insINT1, "")
	def(&oneByteMap, 0xF4, insHLT, "")
	def(&oneByteMap, 0xF5, insCMC, "")
	defGroup(&oneByteMap, 0xF6,
		[8]Mnemonic{insTEST, insTEST, insNOT, insNEG, insMUL, insIMUL1, insDIV, insIDIV},
		[8]string{"Eb,Ib", "Eb,Ib", "Eb", "Eb", "Eb", "Eb", "Eb", "Eb"})
	defGroup(&oneByteMap, 0xF7,
		[8]Mnemonic{insTEST, insTEST, insNOT, insNEG, insMUL, insIMUL1, insDIV, insIDIV},
		[8]string{"Ev,Iz", "Ev,Iz", "Ev", "Ev", "Ev", "Ev", "Ev", "Ev"})
	def(&oneByteMap, 0xF8, insCLC, "")
	def(&oneByteMap, 0xF9, insSTC, "")
	def(&oneByteMap, 0xFA, insCLI, "")
	def(&oneByteMap, 0xFB, insSTI, "")
	def(&oneByteMap, 0xFC, insCLD, "")
	def(&oneByteMap, 0xFD, insSTD, "")
	defGroup(&oneByteMap, 0xFE, [8]Mnemonic{insINC, insDEC}, [8]string{"Eb", "Eb"})
	defGroup(&oneByteMap, 0xFF,
		[8]Mnemonic{insINC, insDEC, insCALL, insCALLF, insJMP, insJMPF, insPUSH},
		[8]string{"Ev", "Ev", "Ev", "Mp", "Ev", "Mp", "Ev"})

	// Two-byte map
	defGroup(&twoByteMap, 0x00,
		[8]Mnemonic{insSLDT, insSTR, insLLDT, insLTR, insVERR, insVERW},
		[8]string{"Ew", "Ew", "Ew", "Ew", "Ew", "Ew"})
	defGroup(&twoByteMap, 0x01,
		[8]Mnemonic{insSGDT, insSIDT, insLGDT, insLIDT, insSMSW, insInvalid, insLMSW, insINVLPG},
		[8]string{"Ms", "Ms", "Ms", "Ms", "Ew", "", "Ew", "M"})
	def(&twoByteMap, 0x02, insLAR, "Gv,Ew")
	def(&twoByteMap, 0x03, insLSL, "Gv,Ew")
	def(&twoByteMap, 0x06, insCLTS, "")
	def(&twoByteMap, 0x08, insINVD, "")
	def(&twoByteMap, 0x09, insWBINVD, "")
	def(&twoByteMap, 0x0B, insUD2, "")
	def(&twoByteMap, 0x1F, insNOP, "Ev")
	def(&twoByteMap, 0x20, insMOVCR, "Rd,Cd")
	def(&twoByteMap, 0x21, insMOVDR, "Rd,Dd")
	def(&twoByteMap, 0x22, insMOVCR, "Cd,Rd")
	def(&twoByteMap, 0x23, insMOVDR, "Dd,Rd")
	def(&twoByteMap, 0x30, insWRMSR, "")
	def(&twoByteMap, 0x31, insRDTSC, "")
	def(&twoByteMap, 0x32, insRDMSR, "")
	def(&twoByteMap, 0xA0, insPUSH, "FS")
	def(&twoByteMap, 0xA1, insMOVSeg, "FS")
	def(&twoByteMap, 0xA2, insCPUID, "")
	def(&twoByteMap, 0xA3, insBT, "Ev,Gv")
	def(&twoByteMap, 0xA4, insSHLD, "Ev,Gv,Ib")
	def(&twoByteMap, 0xA5, insSHLD, "Ev,Gv,CL")
	def(&twoByteMap, 0xA8, insPUSH, "GS")
	def(&twoByteMap, 0xA9, insMOVSeg, "GS")
	def(&twoByteMap, 0xAB, insBTS, "Ev,Gv")
	def(&twoByteMap, 0xAC, insSHRD, "Ev,Gv,Ib")
	def(&twoByteMap, 0xAD, insSHRD, "Ev,Gv,CL")
	def(&twoByteMap, 0xAF, insIMUL2, "Gv,Ev")
	def(&twoByteMap, 0xB0, insCMPXCHG, "Eb,Gb")
	def(&twoByteMap, 0xB1, insCMPXCHG, "Ev,Gv")
	def(&twoByteMap, 0xB2, insLSS, "Gv,Mp")
	def(&twoByteMap, 0xB3, insBTR, "Ev,Gv")
	def(&twoByteMap, 0xB4, insLFS, "Gv,Mp")
	def(&twoByteMap, 0xB5, insLGS, "Gv,Mp")
	def(&twoByteMap, 0xB6, insMOVZX, "Gv,Eb")
	def(&twoByteMap, 0xB7, insMOVZX, "Gv,Ew")
	defGroup(&twoByteMap, 0xBA,
		[8]Mnemonic{4: insBT, 5: insBTS, 6: insBTR, 7: insBTC},
		[8]string{4: "Ev,Ib", 5: "Ev,Ib", 6: "Ev,Ib", 7: "Ev,Ib"})
	def(&twoByteMap, 0xBB, insBTC, "Ev,Gv")
	def(&twoByteMap, 0xBC, insBSF, "Gv,Ev")
	def(&twoByteMap, 0xBD, insBSR, "Gv,Ev")
	def(&twoByteMap, 0xBE, insMOVSX, "Gv,Eb")
	def(&twoByteMap, 0xBF, insMOVSX, "Gv,Ew")
	def(&twoByteMap, 0xC0, insXADD, "Eb,Gb")
	def(&twoByteMap, 0xC1, insXADD, "Ev,Gv")
	defGroup(&twoByteMap, 0xC7, [8]Mnemonic{1: insCMPXCHG8B}, [8]string{1: "Mq"})
}
