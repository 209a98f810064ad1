package elfloader

import (
	"debug/elf"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Load places all PT_LOAD segments into a single contiguous region
// obtained from alloc, zero-filling mem_size - file_size tails.
// Relocations and MPU programming are separate steps.
//
// On failure after the allocation succeeded, the returned handle still
// carries the memory and cookie so the embedder can release them.
func (r *Reader) Load(alloc Allocator) (Program, error) {
	if err := r.readProg(); err != nil {
		return Program{}, err
	}

	loads := lo.Filter(r.progs, func(p ProgInfo, _ int) bool {
		return p.Type == uint32(elf.PT_LOAD)
	})
	if len(loads) == 0 {
		return Program{}, errors.Wrap(ErrInvalidFormat, "no PT_LOAD segments")
	}

	addrMin := ^uint64(0)
	addrMax := uint64(0)
	for _, p := range loads {
		if p.FileSize > p.MemSize {
			return Program{}, errors.Wrapf(ErrInvalidFormat, "p_filesz %d > p_memsz %d", p.FileSize, p.MemSize)
		}
		hi := p.Vaddr + p.MemSize
		if hi < p.Vaddr {
			return Program{}, errors.Wrapf(ErrInvalidFormat, "segment at 0x%x overflows the address space", p.Vaddr)
		}
		if p.Vaddr < addrMin {
			addrMin = p.Vaddr
		}
		if hi > addrMax {
			addrMax = hi
		}
	}

	// Alignment is the largest p_align over load segments, with a
	// configured floor for allocators that cannot do better.
	align := r.cfg.AlignFloor
	for _, p := range loads {
		if p.Align > align {
			align = p.Align
		}
	}

	size := addrMax - addrMin
	allocation, err := alloc(addrMin, size, align)
	if err != nil || allocation.Base == 0 || uint64(len(allocation.Mem)) < size {
		level.Error(r.log).Log("msg", "unable to allocate memory for loading", "bytes", size)
		return Program{}, errors.Wrapf(ErrAllocation, "%d bytes", size)
	}

	out := Program{
		VaddrReq:  addrMin,
		VaddrReal: allocation.Base,
		Size:      size,
		Mem:       allocation.Mem[:size],
		Cookie:    allocation.Cookie,
	}
	offs := out.Offset()

	for _, p := range loads {
		start := p.Vaddr - addrMin
		if err := r.readAt(out.Mem[start:start+p.FileSize], p.Offset); err != nil {
			return out, err
		}
		tail := out.Mem[start+p.FileSize : start+p.MemSize]
		for i := range tail {
			tail[i] = 0
		}
		level.Debug(r.log).Log(
			"msg", "segment loaded",
			"bytes", p.FileSize,
			"addr", p.Vaddr+offs,
			"perm", permString(p.Flags),
		)
	}

	out.Entry = r.hdr.Entry + offs

	for _, p := range r.progs {
		if p.Type != uint32(elf.PT_DYNAMIC) {
			continue
		}
		// Logged but deliberately not fatal; the dynamic table is
		// only consumed if the embedder asks for it.
		if p.Vaddr < addrMin || p.Vaddr+p.MemSize > addrMax {
			level.Error(r.log).Log("msg", "dynamic segment does not fall within loaded memory", "addr", p.Vaddr)
		}
		out.Dynamic = p.Vaddr + offs
		break
	}

	return out, nil
}

func permString(flags uint32) string {
	b := []byte("---")
	if flags&uint32(elf.PF_R) != 0 {
		b[0] = 'r'
	}
	if flags&uint32(elf.PF_W) != 0 {
		b[1] = 'w'
	}
	if flags&uint32(elf.PF_X) != 0 {
		b[2] = 'x'
	}
	return string(b)
}
