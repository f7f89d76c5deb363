package mm

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/rtkern/internal/format"
)

// Dump writes a per-arena usage report followed by the node map of every arena
// holding at most maxNodes nodes (0 disables node maps).
func (h *Heap) Dump(w io.Writer, maxNodes int) error {
	p := message.NewPrinter(language.English)

	h.mu.RLock()
	arenas := append([]*Arena(nil), h.arenas...)
	h.mu.RUnlock()

	staged, collected := h.delayed.Counts()
	if _, err := p.Fprintf(w, "%s heap: %d arenas, delayed staged=%d collected=%d pending=%d\n",
		h.domain, len(arenas), staged, collected, h.delayed.Len()); err != nil {
		return err
	}

	var total Info
	for _, a := range arenas {
		info := a.Info()
		total.add(info)
		st := a.Stats()
		if _, err := p.Fprintf(w,
			"  arena %d @%#x: size=%d alloc=%d (%d nodes) free=%d (%d nodes) largest=%d splits=%d merges=%d/%d\n",
			a.id, uint64(a.base), info.Size, info.Allocated, info.AllocNodes, info.Free, info.FreeNodes,
			info.LargestFree, st.SplitCount, st.CoalesceForward, st.CoalesceBackward); err != nil {
			return err
		}
		if maxNodes <= 0 || info.AllocNodes+info.FreeNodes > maxNodes {
			continue
		}
		var werr error
		if err := a.Walk(func(n format.Node) bool {
			_, werr = p.Fprintf(w, "    %#08x %6d %s\n", n.Off, n.Size, nodeState(n))
			return werr == nil
		}); err != nil {
			return err
		}
		if werr != nil {
			return werr
		}
	}

	_, err := p.Fprintf(w, "  total: size=%d alloc=%d free=%d overhead=%d\n",
		total.Size, total.Allocated, total.Free, total.Overhead())
	return err
}

func nodeState(n format.Node) string {
	if n.Allocated {
		return "alloc"
	}
	return "free"
}
