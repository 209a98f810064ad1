package elfloader

import (
	"bytes"
	"debug/elf"
	"unsafe"
)

// On-file record layouts come straight from debug/elf; the in-memory
// descriptors below are class-agnostic with addresses widened to 64 bits.

const (
	Header32Size = uint64(unsafe.Sizeof(elf.Header32{}))
	Header64Size = uint64(unsafe.Sizeof(elf.Header64{}))
	Prog32Size   = uint64(unsafe.Sizeof(elf.Prog32{}))
	Prog64Size   = uint64(unsafe.Sizeof(elf.Prog64{}))
	Sect32Size   = uint64(unsafe.Sizeof(elf.Section32{}))
	Sect64Size   = uint64(unsafe.Sizeof(elf.Section64{}))
	Sym32Size    = uint64(unsafe.Sizeof(elf.Sym32{}))
	Sym64Size    = uint64(unsafe.Sizeof(elf.Sym64{}))
	Dyn32Size    = uint64(unsafe.Sizeof(elf.Dyn32{}))
	Dyn64Size    = uint64(unsafe.Sizeof(elf.Dyn64{}))
	Rel32Size    = uint64(unsafe.Sizeof(elf.Rel32{}))
	Rela32Size   = uint64(unsafe.Sizeof(elf.Rela32{}))
	Rel64Size    = uint64(unsafe.Sizeof(elf.Rel64{}))
	Rela64Size   = uint64(unsafe.Sizeof(elf.Rela64{}))
)

var magic = []byte{0x7f, 'E', 'L', 'F'}

func CheckMagic(contents []byte) bool {
	return bytes.HasPrefix(contents, magic)
}

// Header is the file header with offsets and counts normalized across
// ELF32 and ELF64.
type Header struct {
	Class      elf.Class
	Data       elf.Data
	Type       uint16
	Machine    elf.Machine
	Version    uint32
	Entry      uint64
	PhOffset   uint64
	ShOffset   uint64
	Flags      uint32
	Size       uint16
	PhEntSize  uint16
	PhEntNum   uint16
	ShEntSize  uint16
	ShEntNum   uint16
	ShStrIndex uint16
}

func headerFrom32(h elf.Header32) Header {
	return Header{
		Class:      elf.Class(h.Ident[elf.EI_CLASS]),
		Data:       elf.Data(h.Ident[elf.EI_DATA]),
		Type:       h.Type,
		Machine:    elf.Machine(h.Machine),
		Version:    h.Version,
		Entry:      uint64(h.Entry),
		PhOffset:   uint64(h.Phoff),
		ShOffset:   uint64(h.Shoff),
		Flags:      h.Flags,
		Size:       h.Ehsize,
		PhEntSize:  h.Phentsize,
		PhEntNum:   h.Phnum,
		ShEntSize:  h.Shentsize,
		ShEntNum:   h.Shnum,
		ShStrIndex: h.Shstrndx,
	}
}

func headerFrom64(h elf.Header64) Header {
	return Header{
		Class:      elf.Class(h.Ident[elf.EI_CLASS]),
		Data:       elf.Data(h.Ident[elf.EI_DATA]),
		Type:       h.Type,
		Machine:    elf.Machine(h.Machine),
		Version:    h.Version,
		Entry:      h.Entry,
		PhOffset:   h.Phoff,
		ShOffset:   h.Shoff,
		Flags:      h.Flags,
		Size:       h.Ehsize,
		PhEntSize:  h.Phentsize,
		PhEntNum:   h.Phnum,
		ShEntSize:  h.Shentsize,
		ShEntNum:   h.Shnum,
		ShStrIndex: h.Shstrndx,
	}
}

// SectInfo is a section header with its name resolved from the
// section-name string table.
type SectInfo struct {
	Type      uint32
	Flags     uint64
	Vaddr     uint64
	Offset    uint64
	FileSize  uint64
	Link      uint32
	Info      uint32
	Align     uint64
	EntSize   uint64
	NameIndex uint32
	Name      string
}

func sectFrom32(s elf.Section32) SectInfo {
	return SectInfo{
		Type:      s.Type,
		Flags:     uint64(s.Flags),
		Vaddr:     uint64(s.Addr),
		Offset:    uint64(s.Off),
		FileSize:  uint64(s.Size),
		Link:      s.Link,
		Info:      s.Info,
		Align:     uint64(s.Addralign),
		EntSize:   uint64(s.Entsize),
		NameIndex: s.Name,
	}
}

func sectFrom64(s elf.Section64) SectInfo {
	return SectInfo{
		Type:      s.Type,
		Flags:     s.Flags,
		Vaddr:     s.Addr,
		Offset:    s.Off,
		FileSize:  s.Size,
		Link:      s.Link,
		Info:      s.Info,
		Align:     s.Addralign,
		EntSize:   s.Entsize,
		NameIndex: s.Name,
	}
}

// ProgInfo is a program header. Fields are preserved as-is.
type ProgInfo struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	Vaddr    uint64
	Paddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

func progFrom32(p elf.Prog32) ProgInfo {
	return ProgInfo{
		Type:     p.Type,
		Flags:    p.Flags,
		Offset:   uint64(p.Off),
		Vaddr:    uint64(p.Vaddr),
		Paddr:    uint64(p.Paddr),
		FileSize: uint64(p.Filesz),
		MemSize:  uint64(p.Memsz),
		Align:    uint64(p.Align),
	}
}

func progFrom64(p elf.Prog64) ProgInfo {
	return ProgInfo{
		Type:     p.Type,
		Flags:    p.Flags,
		Offset:   p.Off,
		Vaddr:    p.Vaddr,
		Paddr:    p.Paddr,
		FileSize: p.Filesz,
		MemSize:  p.Memsz,
		Align:    p.Align,
	}
}

// SymInfo is a symbol table entry with its name resolved from the
// linked string table.
type SymInfo struct {
	NameIndex uint32
	Value     uint64
	Size      uint64
	Info      uint8
	Other     uint8
	Section   uint16
	Name      string
}

func symFrom32(s elf.Sym32) SymInfo {
	return SymInfo{
		NameIndex: s.Name,
		Value:     uint64(s.Value),
		Size:      uint64(s.Size),
		Info:      s.Info,
		Other:     s.Other,
		Section:   s.Shndx,
	}
}

func symFrom64(s elf.Sym64) SymInfo {
	return SymInfo{
		NameIndex: s.Name,
		Value:     s.Value,
		Size:      s.Size,
		Info:      s.Info,
		Other:     s.Other,
		Section:   s.Shndx,
	}
}

func headerSize(class elf.Class) uint64 {
	if class == elf.ELFCLASS32 {
		return Header32Size
	}
	return Header64Size
}

func dynEntSize(class elf.Class) uint64 {
	if class == elf.ELFCLASS32 {
		return Dyn32Size
	}
	return Dyn64Size
}

func wordSize(class elf.Class) uint64 {
	if class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}
