package elfloader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	bufra "github.com/avvmoto/buf-readerat"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"elfld/pkg/utils"
)

const (
	srcBufSize   = 4 * 1024
	strCacheSize = 4
)

// Reader parses ELF metadata from a random-access byte source. The
// source is borrowed and never closed. The first parse failure poisons
// the reader and subsequent operations refuse.
type Reader struct {
	cfg   Config
	log   log.Logger
	src   io.ReaderAt
	order binary.ByteOrder
	valid bool

	hdr     Header
	progs   []ProgInfo
	sects   []SectInfo
	syms    []SymInfo
	dynSyms []SymInfo
	needed  []string

	readSyms    bool
	readDynSyms bool

	strCache *lru.Cache[uint16, []byte]
	symIndex map[uint64][]int
	dynIndex map[uint64][]int
}

// Open constructs a reader over src and eagerly validates the file
// header. The returned reader is non-nil even on failure so callers
// can observe Valid() == false.
func Open(src io.ReaderAt, cfg Config) (*Reader, error) {
	cfg = cfg.withDefaults()
	order, _ := hostOrder()
	cache, err := lru.New[uint16, []byte](strCacheSize)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		cfg:      cfg,
		log:      cfg.Logger,
		src:      bufra.NewBufReaderAt(src, srcBufSize),
		order:    order,
		strCache: cache,
	}
	if err := r.readHeader(); err != nil {
		return r, err
	}
	r.valid = true
	return r, nil
}

func (r *Reader) Valid() bool           { return r.valid }
func (r *Reader) Header() Header        { return r.hdr }
func (r *Reader) Progs() []ProgInfo     { return r.progs }
func (r *Reader) Sects() []SectInfo     { return r.sects }
func (r *Reader) Symbols() []SymInfo    { return r.syms }
func (r *Reader) DynSymbols() []SymInfo { return r.dynSyms }
func (r *Reader) Needed() []string      { return r.needed }

func (r *Reader) readAt(dst []byte, off uint64) error {
	if _, err := r.src.ReadAt(dst, int64(off)); err != nil {
		return errors.Wrapf(ErrIO, "read %d bytes at offset %d: %v", len(dst), off, err)
	}
	return nil
}

func readStruct[T any](r *Reader, off, size uint64) (T, error) {
	var zero T
	buf := make([]byte, size)
	if err := r.readAt(buf, off); err != nil {
		return zero, err
	}
	val, err := utils.Read[T](buf, r.order)
	if err != nil {
		return zero, errors.Wrapf(ErrInvalidFormat, "decode record at offset %d: %v", off, err)
	}
	return val, nil
}

func (r *Reader) readHeader() error {
	var ident [elf.EI_NIDENT]byte
	if err := r.readAt(ident[:], 0); err != nil {
		return err
	}
	if !CheckMagic(ident[:]) {
		return errors.Wrap(ErrInvalidFormat, "bad magic")
	}

	class := elf.Class(ident[elf.EI_CLASS])
	switch {
	case class == r.cfg.Class:
	case class == elf.ELFCLASS32 || class == elf.ELFCLASS64:
		level.Error(r.log).Log("msg", "ELF class does not match host", "file", class, "host", r.cfg.Class)
		return errors.Wrapf(ErrInvalidFormat, "file is %s, host is %s", class, r.cfg.Class)
	default:
		return errors.Wrapf(ErrInvalidFormat, "e_ident[EI_CLASS] = %d", ident[elf.EI_CLASS])
	}

	_, hostData := hostOrder()
	data := elf.Data(ident[elf.EI_DATA])
	switch {
	case data == hostData:
	case data == elf.ELFDATA2LSB || data == elf.ELFDATA2MSB:
		level.Error(r.log).Log("msg", "ELF endianness does not match host", "file", data, "host", hostData)
		return errors.Wrapf(ErrInvalidFormat, "file is %s, host is %s", data, hostData)
	default:
		return errors.Wrapf(ErrInvalidFormat, "e_ident[EI_DATA] = %d", ident[elf.EI_DATA])
	}

	if ident[elf.EI_VERSION] != byte(elf.EV_CURRENT) {
		return errors.Wrapf(ErrInvalidFormat, "e_ident[EI_VERSION] = %d", ident[elf.EI_VERSION])
	}

	if class == elf.ELFCLASS32 {
		h, err := readStruct[elf.Header32](r, 0, Header32Size)
		if err != nil {
			return err
		}
		r.hdr = headerFrom32(h)
	} else {
		h, err := readStruct[elf.Header64](r, 0, Header64Size)
		if err != nil {
			return err
		}
		r.hdr = headerFrom64(h)
	}

	if r.cfg.Machine != elf.EM_NONE && r.cfg.Machine != r.hdr.Machine {
		level.Error(r.log).Log("msg", "machine type mismatch", "file", r.hdr.Machine, "host", r.cfg.Machine)
		return errors.Wrapf(ErrUnsupportedArch, "machine type 0x%04x", uint16(r.hdr.Machine))
	}
	if uint64(r.hdr.Size) != headerSize(class) {
		return errors.Wrapf(ErrInvalidFormat, "e_ehsize = %d", r.hdr.Size)
	}
	if r.hdr.Version != uint32(elf.EV_CURRENT) {
		return errors.Wrapf(ErrInvalidFormat, "e_version = %d", r.hdr.Version)
	}
	return nil
}

// fail poisons the reader.
func (r *Reader) fail(err error) error {
	r.valid = false
	return err
}

func (r *Reader) readProg() error {
	if !r.valid {
		return errors.Wrap(ErrInvalidFormat, "reader poisoned")
	}
	if r.progs != nil {
		return nil
	}

	progs := make([]ProgInfo, 0, r.hdr.PhEntNum)
	for i := uint64(0); i < uint64(r.hdr.PhEntNum); i++ {
		off := r.hdr.PhOffset + i*uint64(r.hdr.PhEntSize)
		if r.hdr.Class == elf.ELFCLASS32 {
			p, err := readStruct[elf.Prog32](r, off, Prog32Size)
			if err != nil {
				return r.fail(err)
			}
			progs = append(progs, progFrom32(p))
		} else {
			p, err := readStruct[elf.Prog64](r, off, Prog64Size)
			if err != nil {
				return r.fail(err)
			}
			progs = append(progs, progFrom64(p))
		}
	}
	r.progs = progs
	return nil
}

func (r *Reader) readSect() error {
	if !r.valid {
		return errors.Wrap(ErrInvalidFormat, "reader poisoned")
	}
	if r.sects != nil {
		return nil
	}

	// Entry size comes from the file header, so trailing bytes in
	// oversized entries are tolerated.
	sects := make([]SectInfo, 0, r.hdr.ShEntNum)
	for i := uint64(0); i < uint64(r.hdr.ShEntNum); i++ {
		off := r.hdr.ShOffset + i*uint64(r.hdr.ShEntSize)
		if r.hdr.Class == elf.ELFCLASS32 {
			s, err := readStruct[elf.Section32](r, off, Sect32Size)
			if err != nil {
				return r.fail(err)
			}
			sects = append(sects, sectFrom32(s))
		} else {
			s, err := readStruct[elf.Section64](r, off, Sect64Size)
			if err != nil {
				return r.fail(err)
			}
			sects = append(sects, sectFrom64(s))
		}
	}

	if r.hdr.ShStrIndex == 0 || int(r.hdr.ShStrIndex) >= len(sects) {
		return r.fail(errors.Wrapf(ErrInvalidFormat, "e_shstrndx = %d", r.hdr.ShStrIndex))
	}
	r.sects = sects

	names, err := r.loadStrTable(r.hdr.ShStrIndex)
	if err != nil {
		return r.fail(err)
	}
	for i := range r.sects {
		name, err := tableString(names, r.sects[i].NameIndex)
		if err != nil {
			r.sects = nil
			return r.fail(errors.WithMessagef(err, "sh_name of section %d", i))
		}
		r.sects[i].Name = name
	}
	return nil
}

// loadStrTable bulk-loads a string table section. Tables are re-read
// across parse passes, so a small LRU keeps the recent ones around.
func (r *Reader) loadStrTable(shndx uint16) ([]byte, error) {
	if buf, ok := r.strCache.Get(shndx); ok {
		return buf, nil
	}
	sect := &r.sects[shndx]
	buf := make([]byte, sect.FileSize)
	if err := r.readAt(buf, sect.Offset); err != nil {
		return nil, err
	}
	r.strCache.Add(shndx, buf)
	return buf, nil
}

// tableString resolves idx in a string table. An index at or past the
// table size is a format error; without a terminator the string stops
// before the table's last byte.
func tableString(tab []byte, idx uint32) (string, error) {
	if uint64(idx) >= uint64(len(tab)) {
		return "", errors.Wrapf(ErrInvalidFormat, "string index %d out of range (table size %d)", idx, len(tab))
	}
	max := len(tab) - int(idx) - 1
	b := tab[idx : int(idx)+max]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

// ReadAll populates program headers, sections, static symbols and
// dynamic symbols. Missing .symtab or .dynsym is not an error.
func (r *Reader) ReadAll() error {
	if err := r.readProg(); err != nil {
		return err
	}
	if err := r.readSect(); err != nil {
		return err
	}
	if err := r.readSym(); err != nil {
		return err
	}
	return r.readDynSym()
}

// ReadDynamic populates the subset required for loading: program
// headers, sections, dynamic symbols and the DT_NEEDED list.
func (r *Reader) ReadDynamic() error {
	if err := r.readProg(); err != nil {
		return err
	}
	if err := r.readSect(); err != nil {
		return err
	}
	if err := r.readDynSym(); err != nil {
		return err
	}
	return r.readDynNeeded()
}

// FindSection returns the first section with the given name, or nil.
// The result borrows from the reader.
func (r *Reader) FindSection(name string) *SectInfo {
	for i := range r.sects {
		if r.sects[i].Name == name {
			return &r.sects[i]
		}
	}
	return nil
}
