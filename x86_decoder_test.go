// x86_decoder_test.go - Decoder coverage and encode/decode agreement
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceCursor []byte

func (s sliceCursor) Fetch(i int) (byte, error) {
	if i >= len(s) {
		return 0, &Exception{Vector: excPF, HasError: true}
	}
	return s[i], nil
}

func decode16(t *testing.T, b ...byte) Instruction {
	t.Helper()
	in, err := Decode(sliceCursor(b), 0)
	require.NoError(t, err)
	return in
}

func decode32(t *testing.T, b ...byte) Instruction {
	t.Helper()
	in, err := Decode(sliceCursor(b), ModeProtected|ModeCode32)
	require.NoError(t, err)
	return in
}

func TestDecode_ALURoundTrip(t *testing.T) {
	ops := [8]Mnemonic{insADD, insOR, insADC, insSBB, insAND, insSUB, insXOR, insCMP}
	rng := rand.New(rand.NewSource(1))
	for range 500 {
		op := byte(rng.Intn(8))
		dst, src := byte(rng.Intn(8)), byte(rng.Intn(8))
		a := newAsm32()
		if rng.Intn(2) == 0 {
			a.aluRR(op, dst, src)
			in := decode32(t, a.bytes()...)
			require.Equal(t, ops[op], in.Op)
			require.Equal(t, uint8(2), in.Len)
			require.Equal(t, uint8(2), in.NArgs)
			assert.Equal(t, KindReg, in.Args[0].Kind)
			assert.Equal(t, dst, in.Args[0].Reg)
			assert.Equal(t, src, in.Args[1].Reg)
			assert.Equal(t, uint8(4), in.Args[0].Size)
			continue
		}
		v := rng.Uint32()
		a.aluRI(op, dst, v)
		in := decode32(t, a.bytes()...)
		require.Equal(t, ops[op], in.Op)
		require.Equal(t, uint8(6), in.Len)
		assert.Equal(t, dst, in.Args[0].Reg)
		assert.Equal(t, KindImm, in.Args[1].Kind)
		assert.Equal(t, v, in.Args[1].Imm)
	}
}

func TestDecode_IsPure(t *testing.T) {
	code := []byte{0x66, 0x8B, 0x84, 0x8B, 0x78, 0x56, 0x34, 0x12}
	first := decode32(t, code...)
	for range 10 {
		assert.Equal(t, first, decode32(t, code...))
	}
}

func TestDecode_OperandSizePrefix(t *testing.T) {
	in := decode16(t, newAsm16().movRI(x86RegEAX, 0x1234).bytes()...)
	assert.Equal(t, uint8(2), in.OpSize)
	assert.Equal(t, uint32(0x1234), in.Args[1].Imm)
	assert.Equal(t, uint8(3), in.Len)

	in = decode16(t, 0x66, 0xB8, 0x78, 0x56, 0x34, 0x12)
	assert.Equal(t, uint8(4), in.OpSize)
	assert.Equal(t, uint32(0x12345678), in.Args[1].Imm)
	assert.Equal(t, uint8(6), in.Len)

	in = decode32(t, 0x66, 0xB8, 0x34, 0x12)
	assert.Equal(t, uint8(2), in.OpSize)
	assert.Equal(t, uint8(4), in.Len)
}

func TestDecode_Addressing16(t *testing.T) {
	tests := []struct {
		name  string
		code  []byte
		base  int8
		index int8
		seg   uint8
		disp  uint32
	}{
		{"bx+si", []byte{0x8B, 0x00}, x86RegEBX, x86RegESI, x86SegDS, 0},
		{"bp+di+disp8", []byte{0x8B, 0x43, 0xFE}, x86RegEBP, x86RegEDI, x86SegSS, 0xFFFE},
		{"disp16", []byte{0x8B, 0x06, 0x34, 0x12}, -1, -1, x86SegDS, 0x1234},
		{"bp+disp16", []byte{0x8B, 0x86, 0x00, 0x10}, x86RegEBP, -1, x86SegSS, 0x1000},
		{"es override", []byte{0x26, 0x8B, 0x07}, x86RegEBX, -1, x86SegES, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := decode16(t, tt.code...)
			op := in.Args[1]
			require.Equal(t, KindMem, op.Kind)
			assert.Equal(t, tt.base, op.Base)
			assert.Equal(t, tt.index, op.Index)
			assert.Equal(t, tt.seg, op.Seg)
			assert.Equal(t, tt.disp, op.Disp)
			assert.Equal(t, uint8(len(tt.code)), in.Len)
		})
	}
}

func TestDecode_SIB(t *testing.T) {
	// mov eax, [ebx+ecx*4+0x12345678]
	in := decode32(t, 0x8B, 0x84, 0x8B, 0x78, 0x56, 0x34, 0x12)
	op := in.Args[1]
	assert.Equal(t, int8(x86RegEBX), op.Base)
	assert.Equal(t, int8(x86RegECX), op.Index)
	assert.Equal(t, uint8(2), op.Scale)
	assert.Equal(t, uint32(0x12345678), op.Disp)

	// mov eax, [esp+8] defaults to SS
	in = decode32(t, 0x8B, 0x44, 0x24, 0x08)
	assert.Equal(t, uint8(x86SegSS), in.Args[1].Seg)
	assert.Equal(t, int8(-1), in.Args[1].Index)

	// no base: [ecx*2+disp32]
	in = decode32(t, 0x8B, 0x04, 0x4D, 0x00, 0x10, 0x00, 0x00)
	assert.Equal(t, int8(-1), in.Args[1].Base)
	assert.Equal(t, uint32(0x1000), in.Args[1].Disp)
}

func TestDecode_RelativeAndFar(t *testing.T) {
	in := decode16(t, 0xEB, 0xFE)
	assert.Equal(t, insJMP, in.Op)
	assert.Equal(t, KindRel, in.Args[0].Kind)
	assert.Equal(t, uint32(0xFFFFFFFE), in.Args[0].Imm)
	assert.True(t, in.Terminates())

	in = decode16(t, 0xEA, 0x00, 0x7C, 0x00, 0x00)
	assert.Equal(t, insJMPF, in.Op)
	assert.Equal(t, KindFar, in.Args[0].Kind)
	assert.Equal(t, uint32(0x7C00), in.Args[0].Imm)
	assert.Equal(t, uint16(0), in.Args[0].Sel)

	in = decode32(t, 0x0F, 0x84, 0x10, 0x00, 0x00, 0x00)
	assert.Equal(t, insJcc, in.Op)
	assert.Equal(t, uint8(4), in.Ext)
	assert.Equal(t, uint8(6), in.Len)
}

func TestDecode_Prefixes(t *testing.T) {
	in := decode32(t, 0xF3, 0xA5)
	assert.Equal(t, insMOVS, in.Op)
	assert.Equal(t, uint8(RepE), in.Rep)

	in = decode32(t, 0xF0, 0x01, 0x03)
	assert.True(t, in.Lock)
	assert.Equal(t, insADD, in.Op)
}

func TestDecode_Faults(t *testing.T) {
	var exc *Exception

	_, err := Decode(sliceCursor{0x0F, 0x04}, 0)
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, uint8(excUD), exc.Vector)

	// Sixteen bytes of prefixes exceed the architectural limit.
	long := make([]byte, 16)
	for i := range long {
		long[i] = 0x66
	}
	_, err = Decode(sliceCursor(long), 0)
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, uint8(excGP), exc.Vector)

	// Running out of bytes reports the fetch fault.
	_, err = Decode(sliceCursor{0xB8, 0x01}, ModeCode32)
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, uint8(excPF), exc.Vector)

	// LEA with a register source is undefined.
	_, err = Decode(sliceCursor{0x8D, 0xC0}, 0)
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, uint8(excUD), exc.Vector)
}

func TestDecode_Classification(t *testing.T) {
	assert.True(t, decode16(t, 0xF4).Flags&FlagPrivileged != 0, "hlt")
	assert.True(t, decode16(t, 0xE6, 0x80).Interp(), "out")
	assert.True(t, decode16(t, 0xCD, 0x10).Terminates(), "int")
	assert.False(t, decode16(t, 0x01, 0xC0).Terminates(), "add")
	assert.True(t, decode16(t, 0x89, 0x07).MayFault(), "store")
}

func TestFormatInstruction(t *testing.T) {
	tests := []struct {
		code []byte
		mode ExecMode
		eip  uint32
		want string
	}{
		{[]byte{0x01, 0xD8}, ModeCode32, 0, "add eax, ebx"},
		{[]byte{0xB0, 0x41}, 0, 0, "mov al, 0x41"},
		{[]byte{0x8B, 0x46, 0xFE}, 0, 0, "mov ax, word ptr ss:[bp-0x2]"},
		{[]byte{0xEB, 0xFE}, 0, 0x100, "jmp 0x100"},
		{[]byte{0x74, 0x02}, 0, 0x10, "je 0x14"},
		{[]byte{0xF3, 0xAA}, 0, 0, "rep stosb"},
		{[]byte{0xEA, 0x5B, 0xE0, 0x00, 0xF0}, 0, 0, "jmp far 0xF000:0xE05B"},
	}
	for _, tt := range tests {
		in, err := Decode(sliceCursor(tt.code), tt.mode)
		require.NoError(t, err)
		assert.Equal(t, tt.want, FormatInstruction(&in, tt.eip))
	}
}
