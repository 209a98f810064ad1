package elfloader

import (
	"debug/elf"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

func (r *Reader) readSym() error {
	if !r.valid {
		return errors.Wrap(ErrInvalidFormat, "reader poisoned")
	}
	if r.readSyms {
		return nil
	}
	syms, err := r.readNamedSymTable(".symtab", elf.SHT_SYMTAB)
	if err != nil {
		return r.fail(err)
	}
	r.syms = syms
	r.symIndex = nil
	r.readSyms = true
	return nil
}

func (r *Reader) readDynSym() error {
	if !r.valid {
		return errors.Wrap(ErrInvalidFormat, "reader poisoned")
	}
	if r.readDynSyms {
		return nil
	}
	syms, err := r.readNamedSymTable(".dynsym", elf.SHT_DYNSYM)
	if err != nil {
		return r.fail(err)
	}
	r.dynSyms = syms
	r.dynIndex = nil
	r.readDynSyms = true
	return nil
}

// readNamedSymTable parses the symbol table section with the given
// name. A missing table is not an error and yields nil.
func (r *Reader) readNamedSymTable(name string, typ elf.SectionType) ([]SymInfo, error) {
	symtab := r.FindSection(name)
	if symtab == nil {
		return nil, nil
	}
	if symtab.Type != uint32(typ) {
		return nil, errors.Wrapf(ErrInvalidFormat, "%s: sh_type = 0x%08x", name, symtab.Type)
	}
	if symtab.Link == 0 || symtab.Link >= uint32(len(r.sects)) {
		return nil, errors.Wrapf(ErrInvalidFormat, "%s: sh_link = %d", name, symtab.Link)
	}
	return r.readSymSection(symtab)
}

// readSymSection parses the entries of a symbol table section and
// resolves names from its linked string table.
func (r *Reader) readSymSection(symtab *SectInfo) ([]SymInfo, error) {
	if symtab.EntSize == 0 {
		return nil, errors.Wrapf(ErrInvalidFormat, "%s: sh_entsize = 0", symtab.Name)
	}

	count := symtab.FileSize / symtab.EntSize
	syms := make([]SymInfo, 0, count)
	for i := uint64(0); i < count; i++ {
		off := symtab.Offset + i*symtab.EntSize
		var sym SymInfo
		if r.hdr.Class == elf.ELFCLASS32 {
			s, err := readStruct[elf.Sym32](r, off, Sym32Size)
			if err != nil {
				return nil, err
			}
			sym = symFrom32(s)
		} else {
			s, err := readStruct[elf.Sym64](r, off, Sym64Size)
			if err != nil {
				return nil, err
			}
			sym = symFrom64(s)
		}

		// Indices in the reserved range pass through unchecked
		// (SHN_ABS and friends).
		if sym.Section >= uint16(len(r.sects)) && sym.Section < uint16(elf.SHN_LORESERVE) {
			return nil, errors.Wrapf(ErrInvalidFormat, "st_shndx = 0x%04x", sym.Section)
		}
		syms = append(syms, sym)
	}

	strs, err := r.loadStrTable(uint16(symtab.Link))
	if err != nil {
		return nil, err
	}
	for i := range syms {
		name, err := tableString(strs, syms[i].NameIndex)
		if err != nil {
			return nil, errors.WithMessagef(err, "st_name of symbol %d", i)
		}
		syms[i].Name = name
	}
	return syms, nil
}

// symsForSection maps a relocation section's sh_link to a parsed
// symbol table, parsing it on demand.
func (r *Reader) symsForSection(link uint32) ([]SymInfo, error) {
	if link == 0 || link >= uint32(len(r.sects)) {
		return nil, errors.Wrapf(ErrInvalidFormat, "sh_link = %d", link)
	}
	sect := &r.sects[link]
	switch elf.SectionType(sect.Type) {
	case elf.SHT_SYMTAB:
		if err := r.readSym(); err != nil {
			return nil, err
		}
		return r.syms, nil
	case elf.SHT_DYNSYM:
		if err := r.readDynSym(); err != nil {
			return nil, err
		}
		return r.dynSyms, nil
	}
	return nil, errors.Wrapf(ErrInvalidFormat, "section %q is not a symbol table", sect.Name)
}

// FindSymbol returns the static symbol with the given name, or nil.
func (r *Reader) FindSymbol(name string) *SymInfo {
	if r.symIndex == nil {
		r.symIndex = buildNameIndex(r.syms)
	}
	return lookupName(r.syms, r.symIndex, name)
}

// FindDynSym returns the dynamic symbol with the given name, or nil.
func (r *Reader) FindDynSym(name string) *SymInfo {
	if r.dynIndex == nil {
		r.dynIndex = buildNameIndex(r.dynSyms)
	}
	return lookupName(r.dynSyms, r.dynIndex, name)
}

// buildNameIndex keys symbol positions by a digest of their name, so
// lookups avoid a full scan without duplicating every name string.
func buildNameIndex(syms []SymInfo) map[uint64][]int {
	idx := make(map[uint64][]int, len(syms))
	for i := range syms {
		h := xxhash.Sum64String(syms[i].Name)
		idx[h] = append(idx[h], i)
	}
	return idx
}

func lookupName(syms []SymInfo, idx map[uint64][]int, name string) *SymInfo {
	for _, i := range idx[xxhash.Sum64String(name)] {
		if syms[i].Name == name {
			return &syms[i]
		}
	}
	return nil
}
