package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dominikbraun/graph"

	"github.com/chazu/steward/pkg/errdefs"
)

// KindOrder assigns every resource kind to a wave. Kinds in lower waves are
// created and updated first and deleted last.
type KindOrder struct {
	// graph is the underlying graph structure from dominikbraun/graph
	graph graph.Graph[string, string]

	// waves maps each declared kind to its wave; undeclared kinds are wave 0
	waves map[string]int

	// order contains the topologically sorted kinds
	order []string
}

// BuildKindOrder converts kind dependencies (kind -> kinds that must exist first)
// into a wave assignment. A dependency cycle is a configuration error.
func BuildKindOrder(dependencies map[string][]string) (*KindOrder, error) {
	dg := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	kinds := make(map[string]struct{})
	for kind, deps := range dependencies {
		kinds[kind] = struct{}{}
		for _, dep := range deps {
			kinds[dep] = struct{}{}
		}
	}

	for kind := range kinds {
		if kind == "" {
			return nil, errdefs.NewConfigurationError("kind dependencies contain an empty kind")
		}
		if err := dg.AddVertex(kind); err != nil {
			return nil, fmt.Errorf("failed to add vertex %s: %w", kind, err)
		}
	}

	// AddEdge(source, target) means source -> target: the dependency is applied
	// before the kind that declares it
	for kind, deps := range dependencies {
		for _, dep := range deps {
			err := dg.AddEdge(dep, kind)
			if errors.Is(err, graph.ErrEdgeAlreadyExists) {
				continue
			}
			if err != nil {
				return nil, errdefs.WrapConfigurationError(err, "kind dependency %s -> %s", dep, kind)
			}
		}
	}

	order, err := graph.StableTopologicalSort(dg, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, errdefs.WrapConfigurationError(err, "kind dependencies cannot be ordered")
	}

	predecessors, err := dg.PredecessorMap()
	if err != nil {
		return nil, fmt.Errorf("failed to read kind dependencies: %w", err)
	}

	// Every predecessor precedes its dependents in topological order, so one pass suffices
	waves := make(map[string]int, len(order))
	for _, kind := range order {
		wave := 0
		for dep := range predecessors[kind] {
			if waves[dep]+1 > wave {
				wave = waves[dep] + 1
			}
		}
		waves[kind] = wave
	}

	return &KindOrder{
		graph: dg,
		waves: waves,
		order: order,
	}, nil
}

// Wave returns the wave of a kind. Kinds without declared dependencies are wave 0.
// A nil KindOrder places every kind in wave 0.
func (k *KindOrder) Wave(kind string) int {
	if k == nil {
		return 0
	}
	return k.waves[kind]
}

// GetOrder returns the declared kinds in topological order
func (k *KindOrder) GetOrder() []string {
	if k == nil {
		return nil
	}
	return k.order
}

// MaxWave returns the highest wave of any declared kind
func (k *KindOrder) MaxWave() int {
	highest := 0
	if k == nil {
		return highest
	}
	for _, w := range k.waves {
		if w > highest {
			highest = w
		}
	}
	return highest
}

// KindsInWave returns the declared kinds assigned to a wave, sorted
func (k *KindOrder) KindsInWave(wave int) []string {
	if k == nil {
		return nil
	}
	var kinds []string
	for kind, w := range k.waves {
		if w == wave {
			kinds = append(kinds, kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}

// Size returns the number of declared kinds
func (k *KindOrder) Size() int {
	if k == nil {
		return 0
	}
	return len(k.waves)
}
