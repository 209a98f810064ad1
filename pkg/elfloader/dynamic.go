package elfloader

import (
	"debug/elf"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// readDynNeeded collects the names of DT_NEEDED entries from the
// PT_DYNAMIC segment. Requires program headers and sections.
func (r *Reader) readDynNeeded() error {
	if !r.valid {
		return errors.Wrap(ErrInvalidFormat, "reader poisoned")
	}

	var dyn *ProgInfo
	for i := range r.progs {
		if r.progs[i].Type == uint32(elf.PT_DYNAMIC) {
			dyn = &r.progs[i]
		}
	}
	if dyn == nil {
		return r.fail(errors.Wrap(ErrInvalidFormat, "missing program header with type PT_DYNAMIC"))
	}

	strNdx := -1
	for i := range r.sects {
		if r.sects[i].Name == ".dynstr" {
			strNdx = i
			break
		}
	}
	if strNdx < 0 {
		return r.fail(errors.Wrap(ErrInvalidFormat, "missing .dynstr section"))
	}
	strs, err := r.loadStrTable(uint16(strNdx))
	if err != nil {
		return r.fail(err)
	}

	entSize := dynEntSize(r.hdr.Class)
	var needed []string
	for i := uint64(0); i < dyn.FileSize/entSize; i++ {
		off := dyn.Offset + i*entSize
		var tag int64
		var val uint64
		if r.hdr.Class == elf.ELFCLASS32 {
			d, err := readStruct[elf.Dyn32](r, off, Dyn32Size)
			if err != nil {
				return r.fail(err)
			}
			tag, val = int64(d.Tag), uint64(d.Val)
		} else {
			d, err := readStruct[elf.Dyn64](r, off, Dyn64Size)
			if err != nil {
				return r.fail(err)
			}
			tag, val = d.Tag, d.Val
		}

		if tag == int64(elf.DT_NULL) {
			break
		}
		if tag != int64(elf.DT_NEEDED) {
			continue
		}
		name, err := tableString(strs, uint32(val))
		if err != nil {
			return r.fail(errors.WithMessagef(err, "d_ptr of dynamic entry %d", i))
		}
		level.Debug(r.log).Log("msg", "dynamic dependency", "name", name)
		needed = append(needed, name)
	}
	r.needed = needed
	return nil
}
