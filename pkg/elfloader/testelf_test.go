package elfloader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

// In-memory ELF64 image builder for tests. Sections are laid out
// after the file header, followed by the program-header and
// section-header tables.

type testSection struct {
	name    string
	typ     elf.SectionType
	flags   uint64
	addr    uint64
	data    []byte
	link    uint32
	info    uint32
	entSize uint64
}

type testProg struct {
	typ   elf.ProgType
	flags elf.ProgFlag
	sect  string // reference a section's offset/addr/data
	vaddr uint64
	data  []byte
	memSz uint64 // 0 means file size
	align uint64
}

type elfBuilder struct {
	machine elf.Machine
	entry   uint64
	sects   []testSection
	progs   []testProg
}

func newBuilder() *elfBuilder {
	return &elfBuilder{machine: elf.EM_RISCV}
}

func (b *elfBuilder) section(s testSection) *elfBuilder {
	b.sects = append(b.sects, s)
	return b
}

func (b *elfBuilder) prog(p testProg) *elfBuilder {
	b.progs = append(b.progs, p)
	return b
}

func (b *elfBuilder) bytes(t *testing.T) []byte {
	t.Helper()

	sects := append([]testSection{{}}, b.sects...)

	// Assemble .shstrtab last so every section name has an index.
	shstr := []byte{0}
	nameIdx := make([]uint32, len(sects)+1)
	for i, s := range sects {
		if s.name == "" {
			continue
		}
		nameIdx[i] = uint32(len(shstr))
		shstr = append(shstr, s.name...)
		shstr = append(shstr, 0)
	}
	nameIdx[len(sects)] = uint32(len(shstr))
	shstr = append(shstr, ".shstrtab"...)
	shstr = append(shstr, 0)
	sects = append(sects, testSection{name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstr})

	offsets := make([]uint64, len(sects))
	cur := Header64Size
	for i, s := range sects {
		offsets[i] = cur
		cur += uint64(len(s.data))
	}
	phOff := cur
	cur += uint64(len(b.progs)) * Prog64Size
	shOff := cur

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(b.machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     b.entry,
		Phoff:     phOff,
		Shoff:     shOff,
		Ehsize:    uint16(Header64Size),
		Phentsize: uint16(Prog64Size),
		Phnum:     uint16(len(b.progs)),
		Shentsize: uint16(Sect64Size),
		Shnum:     uint16(len(sects)),
		Shstrndx:  uint16(len(sects) - 1),
	}
	writeMagic(hdr.Ident[:])
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	buf := &bytes.Buffer{}
	write := func(v any) {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			t.Fatalf("write ELF image: %v", err)
		}
	}

	write(hdr)
	for _, s := range sects {
		buf.Write(s.data)
	}

	for _, p := range b.progs {
		off := uint64(0)
		vaddr := p.vaddr
		filesz := uint64(len(p.data))
		if p.sect != "" {
			i := sectionIndexByName(sects, p.sect)
			if i < 0 {
				t.Fatalf("program header references unknown section %q", p.sect)
			}
			off = offsets[i]
			vaddr = sects[i].addr
			filesz = uint64(len(sects[i].data))
		}
		memSz := p.memSz
		if memSz == 0 {
			memSz = filesz
		}
		align := p.align
		if align == 0 {
			align = 4
		}
		write(elf.Prog64{
			Type:   uint32(p.typ),
			Flags:  uint32(p.flags),
			Off:    off,
			Vaddr:  vaddr,
			Paddr:  vaddr,
			Filesz: filesz,
			Memsz:  memSz,
			Align:  align,
		})
	}

	for i, s := range sects {
		write(elf.Section64{
			Name:      nameIdx[i],
			Type:      uint32(s.typ),
			Flags:     s.flags,
			Addr:      s.addr,
			Off:       offsets[i],
			Size:      uint64(len(s.data)),
			Link:      s.link,
			Info:      s.info,
			Addralign: 1,
			Entsize:   s.entSize,
		})
	}

	// Raw program data not tied to a section is appended at the end;
	// patch its offsets in.
	out := buf.Bytes()
	for i, p := range b.progs {
		if p.sect != "" || len(p.data) == 0 {
			continue
		}
		off := uint64(len(out))
		out = append(out, p.data...)
		phdr := phOff + uint64(i)*Prog64Size + 8
		binary.LittleEndian.PutUint64(out[phdr:], off)
	}
	return out
}

func sectionIndexByName(sects []testSection, name string) int {
	for i := range sects {
		if sects[i].name == name {
			return i
		}
	}
	return -1
}

func writeMagic(ident []byte) {
	copy(ident, []byte{0x7f, 'E', 'L', 'F'})
}

func symtabBytes(t *testing.T, syms []elf.Sym64) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	for _, s := range syms {
		if err := binary.Write(buf, binary.LittleEndian, s); err != nil {
			t.Fatalf("write symtab: %v", err)
		}
	}
	return buf.Bytes()
}

func strtabBytes(names ...string) ([]byte, map[string]uint32) {
	tab := []byte{0}
	idx := make(map[string]uint32, len(names))
	for _, n := range names {
		idx[n] = uint32(len(tab))
		tab = append(tab, n...)
		tab = append(tab, 0)
	}
	return tab, idx
}

func rela64Bytes(t *testing.T, rels []elf.Rela64) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	for _, r := range rels {
		if err := binary.Write(buf, binary.LittleEndian, r); err != nil {
			t.Fatalf("write rela: %v", err)
		}
	}
	return buf.Bytes()
}

func dyn64Bytes(t *testing.T, entries []elf.Dyn64) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	for _, d := range entries {
		if err := binary.Write(buf, binary.LittleEndian, d); err != nil {
			t.Fatalf("write dynamic: %v", err)
		}
	}
	return buf.Bytes()
}

func relaInfo(sym uint32, typ elf.R_RISCV) uint64 {
	return uint64(sym)<<32 | uint64(typ)
}

func wordsBytes(t *testing.T, words ...uint32) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	for _, w := range words {
		if err := binary.Write(buf, binary.LittleEndian, w); err != nil {
			t.Fatalf("write words: %v", err)
		}
	}
	return buf.Bytes()
}
