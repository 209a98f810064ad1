package elfloader

import (
	"debug/elf"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// RegionSink is the hardware being programmed: a small fixed number of
// protection slots. Entries below the first usable index are reserved
// for the host context and never written.
type RegionSink interface {
	NumRegions() int
	SetRegion(index int, addr uint64, cfg byte) error
}

// MPUPolicy derives protection regions for a loaded program.
type MPUPolicy interface {
	Protect(prog *Program, rd *Reader, sink RegionSink, firstUsable int) error
}

func policyFor(m elf.Machine) (MPUPolicy, error) {
	if m == elf.EM_RISCV {
		return pmpPolicy{}, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedArch, "no MPU policy for machine %v", m)
}

// Protect programs one protection region per PT_LOAD segment with a
// non-zero mem size, starting at entry firstUsable.
func (r *Reader) Protect(prog *Program, sink RegionSink, firstUsable int) error {
	if !r.valid {
		return errors.Wrap(ErrInvalidFormat, "reader poisoned")
	}
	if err := r.readProg(); err != nil {
		return err
	}
	policy, err := policyFor(r.hdr.Machine)
	if err != nil {
		return err
	}
	return policy.Protect(prog, r, sink, firstUsable)
}

// PMP configuration bits.
const (
	pmpR     = 1 << 0
	pmpW     = 1 << 1
	pmpX     = 1 << 2
	pmpNAPOT = 0x3 << 3

	// The smallest NAPOT region spans 8 bytes.
	pmpMinRegion = 8
)

type pmpPolicy struct{}

func (pmpPolicy) Protect(prog *Program, rd *Reader, sink RegionSink, firstUsable int) error {
	offs := prog.Offset()
	loads := lo.Filter(rd.progs, func(p ProgInfo, _ int) bool {
		return p.Type == uint32(elf.PT_LOAD) && p.MemSize > 0
	})

	idx := firstUsable
	for _, p := range loads {
		if idx >= sink.NumRegions() {
			return errors.Wrapf(ErrTooManyRegions, "%d PMP entries available from index %d, %d segments", sink.NumRegions()-firstUsable, firstUsable, len(loads))
		}

		base, length := napotEnclose(p.Vaddr+offs, p.MemSize)
		addr := (base | (length/2 - 1)) >> 2
		cfg := byte(pmpNAPOT) | pmpCfgBits(p.Flags)

		if err := sink.SetRegion(idx, addr, cfg); err != nil {
			return err
		}
		level.Debug(rd.log).Log(
			"msg", "PMP region programmed",
			"index", idx,
			"base", base,
			"length", length,
			"perm", permString(p.Flags),
		)
		idx++
	}
	return nil
}

func pmpCfgBits(flags uint32) byte {
	var cfg byte
	if flags&uint32(elf.PF_R) != 0 {
		cfg |= pmpR
	}
	if flags&uint32(elf.PF_W) != 0 {
		cfg |= pmpW
	}
	if flags&uint32(elf.PF_X) != 0 {
		cfg |= pmpX
	}
	return cfg
}

// napotEnclose returns the smallest naturally-aligned power-of-two
// range [base, base+length) that contains [start, start+size).
func napotEnclose(start, size uint64) (base, length uint64) {
	for length = pmpMinRegion; length != 0; length <<= 1 {
		base = start &^ (length - 1)
		end := base + length
		if end > base && end >= start+size {
			return base, length
		}
	}
	return 0, 1 << 63
}
