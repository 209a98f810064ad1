package elfloader

import (
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/samber/lo"
)

// Dump emits a human-readable listing of the parsed tables through the
// logging sink.
func (r *Reader) Dump() {
	info := level.Info(r.log)

	info.Log("msg", "program headers", "count", len(r.progs))
	for _, p := range r.progs {
		info.Log(
			"type", fmt.Sprintf("%08x", p.Type),
			"addr", fmt.Sprintf("%08x", p.Vaddr),
			"fileoff", p.Offset,
			"size", p.MemSize,
			"perm", permString(p.Flags),
		)
	}

	info.Log("msg", "sections", "count", len(r.sects))
	for _, s := range r.sects {
		info.Log(
			"type", fmt.Sprintf("%08x", s.Type),
			"addr", fmt.Sprintf("%08x", s.Vaddr),
			"fileoff", s.Offset,
			"size", s.FileSize,
			"name", s.Name,
		)
	}

	info.Log("msg", "symbols", "count", len(r.syms))
	for _, s := range r.syms {
		info.Log("value", fmt.Sprintf("%08x", s.Value), "name", s.Name)
	}

	info.Log("msg", "dynamic symbols", "count", len(r.dynSyms))
	for _, s := range r.dynSyms {
		info.Log("value", fmt.Sprintf("%08x", s.Value), "name", s.Name)
	}

	if len(r.needed) > 0 {
		info.Log("msg", "needed libraries", "names", fmt.Sprintf("%v", lo.Uniq(r.needed)))
	}
}
