package elfloader

import (
	"debug/elf"

	"github.com/pkg/errors"
)

// Reloc is one relocation entry, with the referenced symbol resolved
// to its table record and the target translated to the file view.
type Reloc struct {
	Type      uint32
	SymIndex  uint32
	Sym       *SymInfo
	Target    uint64
	Addend    int64
	HasAddend bool
}

// Relocator patches a loaded image for one architecture.
type Relocator interface {
	Relocate(prog *Program, rd *Reader, rels []Reloc, resolver Resolver) error
}

func relocatorFor(m elf.Machine) (Relocator, error) {
	if m == elf.EM_RISCV {
		return riscvRelocator{}, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedArch, "no relocator for machine %v", m)
}

// Relocate walks every SHT_REL and SHT_RELA section and patches the
// loaded image. resolver is consulted for undefined symbols. A failure
// leaves the image partially patched; the embedder must release it.
func (r *Reader) Relocate(prog *Program, resolver Resolver) error {
	if !r.valid {
		return errors.Wrap(ErrInvalidFormat, "reader poisoned")
	}
	if err := r.readSect(); err != nil {
		return err
	}
	arch, err := relocatorFor(r.hdr.Machine)
	if err != nil {
		return err
	}

	var rels []Reloc
	for i := range r.sects {
		s := &r.sects[i]
		st := elf.SectionType(s.Type)
		if st != elf.SHT_REL && st != elf.SHT_RELA {
			continue
		}
		sectRels, err := r.readRelSection(s, st == elf.SHT_RELA)
		if err != nil {
			return r.fail(err)
		}
		rels = append(rels, sectRels...)
	}
	return arch.Relocate(prog, r, rels, resolver)
}

// readRelSection parses one relocation section. sh_info names the
// apply-to section (index 0, the null section, leaves targets as plain
// virtual addresses); sh_link names the symbol table.
func (r *Reader) readRelSection(s *SectInfo, rela bool) ([]Reloc, error) {
	if s.Info >= uint32(len(r.sects)) {
		return nil, errors.Wrapf(ErrInvalidFormat, "%s: sh_info = %d", s.Name, s.Info)
	}
	apply := &r.sects[s.Info]

	var syms []SymInfo
	if s.Link != 0 {
		var err error
		if syms, err = r.symsForSection(s.Link); err != nil {
			return nil, err
		}
	}

	if s.EntSize == 0 {
		return nil, errors.Wrapf(ErrInvalidFormat, "%s: sh_entsize = 0", s.Name)
	}

	count := s.FileSize / s.EntSize
	rels := make([]Reloc, 0, count)
	for i := uint64(0); i < count; i++ {
		off := s.Offset + i*s.EntSize
		rel, err := r.readRelEntry(off, rela)
		if err != nil {
			return nil, err
		}
		rel.Target = apply.Vaddr + rel.Target
		if rel.SymIndex != 0 {
			if uint64(rel.SymIndex) >= uint64(len(syms)) {
				return nil, errors.Wrapf(ErrInvalidFormat, "%s: r_sym = %d", s.Name, rel.SymIndex)
			}
			rel.Sym = &syms[rel.SymIndex]
		}
		rels = append(rels, rel)
	}
	return rels, nil
}

func (r *Reader) readRelEntry(off uint64, rela bool) (Reloc, error) {
	var rel Reloc
	if r.hdr.Class == elf.ELFCLASS32 {
		if rela {
			e, err := readStruct[elf.Rela32](r, off, Rela32Size)
			if err != nil {
				return rel, err
			}
			rel = Reloc{
				Type:      e.Info & 0xff,
				SymIndex:  e.Info >> 8,
				Target:    uint64(e.Off),
				Addend:    int64(e.Addend),
				HasAddend: true,
			}
		} else {
			e, err := readStruct[elf.Rel32](r, off, Rel32Size)
			if err != nil {
				return rel, err
			}
			rel = Reloc{
				Type:     e.Info & 0xff,
				SymIndex: e.Info >> 8,
				Target:   uint64(e.Off),
			}
		}
		return rel, nil
	}

	if rela {
		e, err := readStruct[elf.Rela64](r, off, Rela64Size)
		if err != nil {
			return rel, err
		}
		rel = Reloc{
			Type:      uint32(e.Info),
			SymIndex:  uint32(e.Info >> 32),
			Target:    e.Off,
			Addend:    e.Addend,
			HasAddend: true,
		}
	} else {
		e, err := readStruct[elf.Rel64](r, off, Rel64Size)
		if err != nil {
			return rel, err
		}
		rel = Reloc{
			Type:     uint32(e.Info),
			SymIndex: uint32(e.Info >> 32),
			Target:   e.Off,
		}
	}
	return rel, nil
}
