package elfloader

import (
	"debug/elf"
	"math"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type riscvRelocator struct{}

// hi20Site remembers a PCREL_HI20 application so that later
// PCREL_LO12 entries can inherit its symbol and location.
type hi20Site struct {
	value uint64 // S + A of the HI20 entry
	phi   uint64 // host address of the AUIPC it patched
}

func (riscvRelocator) Relocate(prog *Program, rd *Reader, rels []Reloc, resolver Resolver) error {
	offs := prog.Offset()

	// First pass: record HI20 sites by their file-view target address.
	his := make(map[uint64]hi20Site)
	for i := range rels {
		rel := &rels[i]
		if elf.R_RISCV(rel.Type) != elf.R_RISCV_PCREL_HI20 {
			continue
		}
		s, err := riscvSymValue(rel, offs, resolver)
		if err != nil {
			return err
		}
		a, err := riscvAddend(rel, prog, rd, 4)
		if err != nil {
			return err
		}
		his[rel.Target] = hi20Site{value: s + uint64(a), phi: rel.Target + offs}
	}

	for i := range rels {
		if err := riscvApply(&rels[i], prog, rd, resolver, his); err != nil {
			return err
		}
		level.Debug(rd.log).Log("msg", "relocation applied", "type", elf.R_RISCV(rels[i].Type), "addr", rels[i].Target+offs)
	}
	return nil
}

func riscvApply(rel *Reloc, prog *Program, rd *Reader, resolver Resolver, his map[uint64]hi20Site) error {
	offs := prog.Offset()
	word := wordSize(rd.hdr.Class)
	p := rel.Target + offs

	typ := elf.R_RISCV(rel.Type)
	switch typ {
	case elf.R_RISCV_NONE:
		return nil

	case elf.R_RISCV_32:
		s, err := riscvSymValue(rel, offs, resolver)
		if err != nil {
			return err
		}
		a, err := riscvAddend(rel, prog, rd, 4)
		if err != nil {
			return err
		}
		return putWord(prog, rd, p, 4, s+uint64(a))

	case elf.R_RISCV_64:
		if rd.hdr.Class != elf.ELFCLASS64 {
			return errors.Wrap(ErrUnsupportedReloc, "R_RISCV_64 on a 32-bit host")
		}
		s, err := riscvSymValue(rel, offs, resolver)
		if err != nil {
			return err
		}
		a, err := riscvAddend(rel, prog, rd, 8)
		if err != nil {
			return err
		}
		return putWord(prog, rd, p, 8, s+uint64(a))

	case elf.R_RISCV_RELATIVE:
		a, err := riscvAddend(rel, prog, rd, word)
		if err != nil {
			return err
		}
		return putWord(prog, rd, p, word, offs+uint64(a))

	case elf.R_RISCV_JUMP_SLOT:
		s, err := riscvSymValue(rel, offs, resolver)
		if err != nil {
			return err
		}
		return putWord(prog, rd, p, word, s)

	case elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT:
		s, err := riscvSymValue(rel, offs, resolver)
		if err != nil {
			return err
		}
		a, err := riscvAddend(rel, prog, rd, 4)
		if err != nil {
			return err
		}
		delta := int64(s+uint64(a)) - int64(p)
		hi, lo, err := pcrelHiLo(delta)
		if err != nil {
			return errors.WithMessagef(err, "%v at 0x%x", typ, p)
		}
		auipc, err := getWord(prog, rd, p, 4)
		if err != nil {
			return err
		}
		jalr, err := getWord(prog, rd, p+4, 4)
		if err != nil {
			return err
		}
		if err := putWord(prog, rd, p, 4, uint64(encodeUImm(uint32(auipc), hi))); err != nil {
			return err
		}
		return putWord(prog, rd, p+4, 4, uint64(encodeIImm(uint32(jalr), lo)))

	case elf.R_RISCV_BRANCH:
		delta, err := riscvPCRel(rel, prog, rd, resolver, p)
		if err != nil {
			return err
		}
		if delta&1 != 0 || delta < -4096 || delta > 4094 {
			return errors.Wrapf(ErrUnsupportedReloc, "branch displacement %d out of range at 0x%x", delta, p)
		}
		insn, err := getWord(prog, rd, p, 4)
		if err != nil {
			return err
		}
		return putWord(prog, rd, p, 4, uint64(encodeBImm(uint32(insn), delta)))

	case elf.R_RISCV_JAL:
		delta, err := riscvPCRel(rel, prog, rd, resolver, p)
		if err != nil {
			return err
		}
		if delta&1 != 0 || delta < -(1<<20) || delta > (1<<20)-2 {
			return errors.Wrapf(ErrUnsupportedReloc, "jal displacement %d out of range at 0x%x", delta, p)
		}
		insn, err := getWord(prog, rd, p, 4)
		if err != nil {
			return err
		}
		return putWord(prog, rd, p, 4, uint64(encodeJImm(uint32(insn), delta)))

	case elf.R_RISCV_PCREL_HI20:
		site := his[rel.Target]
		delta := int64(site.value) - int64(site.phi)
		hi, _, err := pcrelHiLo(delta)
		if err != nil {
			return errors.WithMessagef(err, "%v at 0x%x", typ, p)
		}
		insn, err := getWord(prog, rd, p, 4)
		if err != nil {
			return err
		}
		return putWord(prog, rd, p, 4, uint64(encodeUImm(uint32(insn), hi)))

	case elf.R_RISCV_PCREL_LO12_I, elf.R_RISCV_PCREL_LO12_S:
		// The symbol of a LO12 names the address of its paired HI20.
		if rel.Sym == nil {
			return errors.Wrapf(ErrInvalidFormat, "%v without symbol at 0x%x", typ, p)
		}
		site, ok := his[rel.Sym.Value+uint64(rel.Addend)]
		if !ok {
			return errors.Wrapf(ErrInvalidFormat, "%v at 0x%x has no matching R_RISCV_PCREL_HI20", typ, p)
		}
		delta := int64(site.value) - int64(site.phi)
		_, lo, err := pcrelHiLo(delta)
		if err != nil {
			return errors.WithMessagef(err, "%v at 0x%x", typ, p)
		}
		insn, err := getWord(prog, rd, p, 4)
		if err != nil {
			return err
		}
		patched := encodeIImm(uint32(insn), lo)
		if typ == elf.R_RISCV_PCREL_LO12_S {
			patched = encodeSImm(uint32(insn), lo)
		}
		return putWord(prog, rd, p, 4, uint64(patched))
	}

	return errors.Wrapf(ErrUnsupportedReloc, "type %d at 0x%x", rel.Type, p)
}

// riscvSymValue resolves S. Undefined symbols go through the
// embedder's resolver; the null symbol resolves to the load bias.
func riscvSymValue(rel *Reloc, offs uint64, resolver Resolver) (uint64, error) {
	if rel.Sym == nil {
		return offs, nil
	}
	if elf.SectionIndex(rel.Sym.Section) == elf.SHN_UNDEF {
		if resolver != nil {
			if addr, ok := resolver(rel.Sym.Name); ok {
				return addr, nil
			}
		}
		return 0, errors.Wrapf(ErrUnresolvedSymbol, "%q", rel.Sym.Name)
	}
	return rel.Sym.Value + offs, nil
}

// riscvAddend takes A from a RELA entry, or reads it back from the
// existing word for REL.
func riscvAddend(rel *Reloc, prog *Program, rd *Reader, width uint64) (int64, error) {
	if rel.HasAddend {
		return rel.Addend, nil
	}
	v, err := getWord(prog, rd, rel.Target+prog.Offset(), width)
	if err != nil {
		return 0, err
	}
	if width == 4 {
		return int64(int32(v)), nil
	}
	return int64(v), nil
}

func riscvPCRel(rel *Reloc, prog *Program, rd *Reader, resolver Resolver, p uint64) (int64, error) {
	s, err := riscvSymValue(rel, prog.Offset(), resolver)
	if err != nil {
		return 0, err
	}
	a, err := riscvAddend(rel, prog, rd, 4)
	if err != nil {
		return 0, err
	}
	return int64(s+uint64(a)) - int64(p), nil
}

func getWord(prog *Program, rd *Reader, addr, width uint64) (uint64, error) {
	b, err := prog.Slice(addr, width)
	if err != nil {
		return 0, err
	}
	if width == 4 {
		return uint64(rd.order.Uint32(b)), nil
	}
	return rd.order.Uint64(b), nil
}

func putWord(prog *Program, rd *Reader, addr, width, val uint64) error {
	b, err := prog.Slice(addr, width)
	if err != nil {
		return err
	}
	if width == 4 {
		rd.order.PutUint32(b, uint32(val))
	} else {
		rd.order.PutUint64(b, val)
	}
	return nil
}

// pcrelHiLo splits a displacement into the AUIPC high 20 bits and the
// low 12 bits, with the carry rule for a negative low half.
func pcrelHiLo(delta int64) (hi uint32, lo int64, err error) {
	if delta < math.MinInt32 || delta > math.MaxInt32-0x800 {
		return 0, 0, errors.Wrapf(ErrUnsupportedReloc, "displacement %d out of range", delta)
	}
	h := (delta + 0x800) >> 12
	return uint32(h) & 0xFFFFF, delta - (h << 12), nil
}

func encodeUImm(insn, imm20 uint32) uint32 {
	return (insn & 0x00000FFF) | (imm20 << 12)
}

func encodeIImm(insn uint32, imm int64) uint32 {
	return (insn & 0x000FFFFF) | ((uint32(imm) & 0xFFF) << 20)
}

func encodeSImm(insn uint32, imm int64) uint32 {
	u := uint32(imm) & 0xFFF
	insn &= 0x01FFF07F
	return insn | ((u>>5)&0x7F)<<25 | (u&0x1F)<<7
}

func encodeBImm(insn uint32, imm int64) uint32 {
	u := uint32(imm) & 0x1FFF
	insn &= 0x01FFF07F
	return insn | ((u>>12)&0x1)<<31 | ((u>>5)&0x3F)<<25 | ((u>>1)&0xF)<<8 | ((u>>11)&0x1)<<7
}

func encodeJImm(insn uint32, imm int64) uint32 {
	u := uint32(imm) & 0x1FFFFF
	insn &= 0x00000FFF
	return insn | ((u>>20)&0x1)<<31 | ((u>>1)&0x3FF)<<21 | ((u>>11)&0x1)<<20 | ((u>>12)&0xFF)<<12
}
