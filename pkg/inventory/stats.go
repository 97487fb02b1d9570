package inventory

import (
	"sort"

	"github.com/chazu/steward/pkg/resource"
)

// KindStats counts resources of one kind in one scope
type KindStats struct {
	Scope   string
	Kind    string
	Desired int
	Current int
	Changed int
}

type statsKey struct {
	scope string
	kind  string
}

// Stats returns per-(scope, kind) counters for the inventory and the actions
// planned from it, sorted by scope then kind
func (inv *Inventory) Stats(actions []Action) []KindStats {
	counts := make(map[statsKey]*KindStats)
	get := func(id resource.Identity) *KindStats {
		key := statsKey{scope: id.Scope, kind: id.Kind}
		s, ok := counts[key]
		if !ok {
			s = &KindStats{Scope: id.Scope, Kind: id.Kind}
			counts[key] = s
		}
		return s
	}

	inv.desiredMu.Lock()
	for id := range inv.desired {
		get(id).Desired++
	}
	inv.desiredMu.Unlock()

	inv.currentMu.Lock()
	for id := range inv.current {
		get(id).Current++
	}
	inv.currentMu.Unlock()

	for _, a := range actions {
		get(a.Identity()).Changed++
	}

	out := make([]KindStats, 0, len(counts))
	for _, s := range counts {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
