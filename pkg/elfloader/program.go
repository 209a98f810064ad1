package elfloader

import "github.com/pkg/errors"

// Allocation is what the embedder's allocator hands back: the real
// virtual base the region ended up at, the backing memory, and an
// opaque cookie the embedder uses to release the region later.
type Allocation struct {
	Base   uint64
	Mem    []byte
	Cookie any
}

// Allocator requests a contiguous region. A zero Base (or an error)
// signals failure. The requested base is a hint only.
type Allocator func(reqVaddr, size, align uint64) (Allocation, error)

// Resolver supplies addresses for undefined relocation targets.
type Resolver func(name string) (uint64, bool)

// Program is a loaded image. The allocation is owned by the handle for
// its lifetime; the embedder releases it through the cookie.
type Program struct {
	VaddrReq  uint64
	VaddrReal uint64
	Size      uint64
	Mem       []byte
	Cookie    any
	Entry     uint64
	Dynamic   uint64
}

// Offset is the constant translation from file-view addresses to
// host-view addresses.
func (p *Program) Offset() uint64 {
	return p.VaddrReal - p.VaddrReq
}

func (p *Program) Empty() bool {
	return p.Mem == nil
}

// Slice returns the n bytes of loaded memory at host address addr.
func (p *Program) Slice(addr, n uint64) ([]byte, error) {
	if addr < p.VaddrReal || addr+n > p.VaddrReal+p.Size || addr+n < addr {
		return nil, errors.Wrapf(ErrInvalidFormat, "address 0x%x+%d outside loaded memory", addr, n)
	}
	off := addr - p.VaddrReal
	return p.Mem[off : off+n], nil
}
