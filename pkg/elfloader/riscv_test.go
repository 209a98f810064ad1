package elfloader

import (
	"debug/elf"
	"encoding/binary"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const relocBase = 0x4_0000

// Minimal RV32/RV64 instruction assembly and immediate extraction for
// checking patched code.

func insnAUIPC(rd uint32) uint32     { return 0x17 | rd<<7 }
func insnJALR(rd, rs1 uint32) uint32 { return 0x67 | rd<<7 | rs1<<15 }
func insnADDI(rd, rs1 uint32) uint32 { return 0x13 | rd<<7 | rs1<<15 }
func insnSW(rs1, rs2 uint32) uint32  { return 0x23 | 0x2<<12 | rs1<<15 | rs2<<20 }
func insnBEQ(rs1, rs2 uint32) uint32 { return 0x63 | rs1<<15 | rs2<<20 }
func insnJAL(rd uint32) uint32       { return 0x6f | rd<<7 }

func immU(insn uint32) int64 { return int64(int32(insn & 0xFFFFF000)) }
func immI(insn uint32) int64 { return int64(int32(insn)) >> 20 }

func immS(insn uint32) int64 {
	v := (insn>>25)<<5 | (insn>>7)&0x1F
	return int64(int32(v<<20)) >> 20
}

func immB(insn uint32) int64 {
	v := ((insn>>31)&0x1)<<12 | ((insn>>7)&0x1)<<11 | ((insn>>25)&0x3F)<<5 | ((insn>>8)&0xF)<<1
	return int64(int32(v<<19)) >> 19
}

func immJ(insn uint32) int64 {
	v := ((insn>>31)&0x1)<<20 | ((insn>>12)&0xFF)<<12 | ((insn>>20)&0x1)<<11 | ((insn>>21)&0x3FF)<<1
	return int64(int32(v<<11)) >> 11
}

// loadWithRelocs builds an image whose .text sits at 0x1000, loads it
// at relocBase and runs relocation.
func loadWithRelocs(t *testing.T, text, strs []byte, syms []elf.Sym64, relas []elf.Rela64, resolver Resolver) (Program, error) {
	t.Helper()
	img := newBuilder().
		section(testSection{name: ".text", typ: elf.SHT_PROGBITS, flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR), addr: 0x1000, data: text}).
		section(testSection{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtabBytes(t, syms), link: 3, entSize: Sym64Size}).
		section(testSection{name: ".strtab", typ: elf.SHT_STRTAB, data: strs}).
		section(testSection{name: ".rela.text", typ: elf.SHT_RELA, data: rela64Bytes(t, relas), link: 2, info: 1, entSize: Rela64Size}).
		prog(testProg{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, sect: ".text"}).
		bytes(t)

	rd := mustOpen(t, img)
	al := &testAllocator{base: relocBase}
	prog, err := rd.Load(al.alloc)
	require.NoError(t, err)
	return prog, rd.Relocate(&prog, resolver)
}

func word32(t *testing.T, p *Program, addr uint64) uint32 {
	t.Helper()
	b, err := p.Slice(addr, 4)
	require.NoError(t, err)
	return binary.LittleEndian.Uint32(b)
}

func word64(t *testing.T, p *Program, addr uint64) uint64 {
	t.Helper()
	b, err := p.Slice(addr, 8)
	require.NoError(t, err)
	return binary.LittleEndian.Uint64(b)
}

func TestRelocateAbs(t *testing.T) {
	strs, idx := strtabBytes("target")
	syms := []elf.Sym64{
		{},
		{Name: idx["target"], Value: 0x1008, Shndx: 1},
	}

	t.Run("R_RISCV_64", func(t *testing.T) {
		relas := []elf.Rela64{
			{Off: 0, Info: relaInfo(1, elf.R_RISCV_64), Addend: 8},
		}
		prog, err := loadWithRelocs(t, make([]byte, 16), strs, syms, relas, nil)
		require.NoError(t, err)
		want := 0x1008 + prog.Offset() + 8
		assert.Equal(t, want, word64(t, &prog, relocBase))
	})

	t.Run("R_RISCV_32", func(t *testing.T) {
		relas := []elf.Rela64{
			{Off: 4, Info: relaInfo(1, elf.R_RISCV_32), Addend: -4},
		}
		prog, err := loadWithRelocs(t, make([]byte, 16), strs, syms, relas, nil)
		require.NoError(t, err)
		want := uint32(0x1008 + prog.Offset() - 4)
		assert.Equal(t, want, word32(t, &prog, relocBase+4))
	})
}

func TestRelocateRelative(t *testing.T) {
	strs, _ := strtabBytes()
	syms := []elf.Sym64{{}}
	relas := []elf.Rela64{
		{Off: 0, Info: relaInfo(0, elf.R_RISCV_RELATIVE), Addend: 0x1010},
	}
	prog, err := loadWithRelocs(t, make([]byte, 16), strs, syms, relas, nil)
	require.NoError(t, err)
	assert.Equal(t, prog.Offset()+0x1010, word64(t, &prog, relocBase))
}

func TestRelocateJumpSlot(t *testing.T) {
	strs, idx := strtabBytes("ext_fn")
	syms := []elf.Sym64{
		{},
		{Name: idx["ext_fn"], Shndx: uint16(elf.SHN_UNDEF)},
	}
	relas := []elf.Rela64{
		{Off: 0, Info: relaInfo(1, elf.R_RISCV_JUMP_SLOT)},
	}

	t.Run("resolved", func(t *testing.T) {
		resolver := func(name string) (uint64, bool) {
			if name == "ext_fn" {
				return 0x6660_0000, true
			}
			return 0, false
		}
		prog, err := loadWithRelocs(t, make([]byte, 16), strs, syms, relas, resolver)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x6660_0000), word64(t, &prog, relocBase))
	})

	t.Run("unresolved", func(t *testing.T) {
		_, err := loadWithRelocs(t, make([]byte, 16), strs, syms, relas, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnresolvedSymbol))
	})
}

func TestRelocateCall(t *testing.T) {
	strs, idx := strtabBytes("callee")
	syms := []elf.Sym64{
		{},
		{Name: idx["callee"], Value: 0x1800, Shndx: 1},
	}
	text := wordsBytes(t, insnAUIPC(5), insnJALR(1, 5), 0, 0)
	relas := []elf.Rela64{
		{Off: 0, Info: relaInfo(1, elf.R_RISCV_CALL)},
	}
	prog, err := loadWithRelocs(t, text, strs, syms, relas, nil)
	require.NoError(t, err)

	auipc := word32(t, &prog, relocBase)
	jalr := word32(t, &prog, relocBase+4)
	// The AUIPC/JALR pair reaches the callee from the call site.
	assert.Equal(t, int64(0x800), immU(auipc)+immI(jalr))
	// Register operands survive the patch.
	assert.Equal(t, insnAUIPC(5)&0xFFF, auipc&0xFFF)
	assert.Equal(t, insnJALR(1, 5)&0xFFFFF, jalr&0xFFFFF)
}

func TestRelocateBranch(t *testing.T) {
	strs, idx := strtabBytes("dst")

	t.Run("in range", func(t *testing.T) {
		syms := []elf.Sym64{
			{},
			{Name: idx["dst"], Value: 0x1010, Shndx: 1},
		}
		text := wordsBytes(t, insnBEQ(10, 11), 0, 0, 0, 0)
		relas := []elf.Rela64{
			{Off: 0, Info: relaInfo(1, elf.R_RISCV_BRANCH)},
		}
		prog, err := loadWithRelocs(t, text, strs, syms, relas, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(0x10), immB(word32(t, &prog, relocBase)))
	})

	t.Run("out of range", func(t *testing.T) {
		syms := []elf.Sym64{
			{},
			{Name: idx["dst"], Value: 0x3000, Shndx: 1},
		}
		text := wordsBytes(t, insnBEQ(10, 11))
		relas := []elf.Rela64{
			{Off: 0, Info: relaInfo(1, elf.R_RISCV_BRANCH)},
		}
		_, err := loadWithRelocs(t, text, strs, syms, relas, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnsupportedReloc))
	})
}

func TestRelocateJAL(t *testing.T) {
	strs, idx := strtabBytes("dst")
	syms := []elf.Sym64{
		{},
		{Name: idx["dst"], Value: 0x1000, Shndx: 1},
	}
	text := wordsBytes(t, 0, insnJAL(1))
	relas := []elf.Rela64{
		{Off: 4, Info: relaInfo(1, elf.R_RISCV_JAL)},
	}
	prog, err := loadWithRelocs(t, text, strs, syms, relas, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-4), immJ(word32(t, &prog, relocBase+4)))
}

func TestRelocateHi20Lo12(t *testing.T) {
	strs, idx := strtabBytes("obj", "hi_site")
	// obj sits past the 0x800 boundary so the split needs the carry.
	syms := []elf.Sym64{
		{},
		{Name: idx["obj"], Value: 0x1900, Shndx: 1},
		{Name: idx["hi_site"], Value: 0x1000, Shndx: 1},
	}
	text := wordsBytes(t, insnAUIPC(5), insnADDI(10, 5), insnSW(5, 10), 0)
	relas := []elf.Rela64{
		{Off: 0, Info: relaInfo(1, elf.R_RISCV_PCREL_HI20)},
		{Off: 4, Info: relaInfo(2, elf.R_RISCV_PCREL_LO12_I)},
		{Off: 8, Info: relaInfo(2, elf.R_RISCV_PCREL_LO12_S)},
	}
	prog, err := loadWithRelocs(t, text, strs, syms, relas, nil)
	require.NoError(t, err)

	auipc := word32(t, &prog, relocBase)
	addi := word32(t, &prog, relocBase+4)
	sw := word32(t, &prog, relocBase+8)

	// obj - auipc site = 0x900; both low halves pair with the same
	// high half.
	assert.Equal(t, int64(0x900), immU(auipc)+immI(addi))
	assert.Equal(t, int64(0x900), immU(auipc)+immS(sw))
}

func TestRelocateLo12WithoutHi20(t *testing.T) {
	strs, idx := strtabBytes("hi_site")
	syms := []elf.Sym64{
		{},
		{Name: idx["hi_site"], Value: 0x2000, Shndx: 1},
	}
	text := wordsBytes(t, insnADDI(10, 5))
	relas := []elf.Rela64{
		{Off: 0, Info: relaInfo(1, elf.R_RISCV_PCREL_LO12_I)},
	}
	_, err := loadWithRelocs(t, text, strs, syms, relas, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFormat))
}

func TestRelocateUnknownType(t *testing.T) {
	strs, _ := strtabBytes()
	syms := []elf.Sym64{{}}
	relas := []elf.Rela64{
		{Off: 0, Info: relaInfo(0, elf.R_RISCV(200))},
	}
	_, err := loadWithRelocs(t, make([]byte, 8), strs, syms, relas, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedReloc))
}

func TestPcrelHiLoSplit(t *testing.T) {
	for _, delta := range []int64{0, 1, 0x7ff, 0x800, 0x801, -1, -0x800, -0x801, 0x12345, -0x12345} {
		hi, lo, err := pcrelHiLo(delta)
		require.NoError(t, err, "delta %d", delta)
		assert.Equal(t, delta, int64(int32(hi<<12))+lo, "delta %d", delta)
		assert.GreaterOrEqual(t, lo, int64(-0x800), "delta %d", delta)
		assert.LessOrEqual(t, lo, int64(0x7ff), "delta %d", delta)
	}

	_, _, err := pcrelHiLo(math.MaxInt32)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedReloc))
	_, _, err = pcrelHiLo(math.MinInt32 - 1)
	require.Error(t, err)
}
