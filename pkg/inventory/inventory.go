package inventory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/graph"
	"github.com/chazu/steward/pkg/resource"
)

// AllScopes is the ManagedKinds key whose kinds are managed in every scope
const AllScopes = "*"

// Config describes what an inventory manages
type Config struct {
	// Integration is the name stamped into provenance of desired resources
	Integration string

	// Version is the integration version stamped into provenance
	Version string

	// Normalizer compares bodies and stamps provenance. Required.
	Normalizer *resource.Normalizer

	// ManagedKinds lists, per scope, the kinds whose current-only resources are deleted.
	// Kinds listed under AllScopes are managed in every scope.
	ManagedKinds map[string][]string

	// KindOrder assigns kinds to waves. Nil places every kind in wave 0.
	KindOrder *graph.KindOrder

	// RequireOwnership restricts deletes to resources whose provenance names Integration
	RequireOwnership bool
}

// Inventory holds the desired and current resources of one run
type Inventory struct {
	config  Config
	managed map[string]map[string]struct{}

	desiredMu sync.Mutex
	desired   map[resource.Identity]*resource.ManagedResource

	currentMu sync.Mutex
	current   map[resource.Identity]*resource.ManagedResource

	scopesMu sync.Mutex
	scopes   map[string]struct{}
	unknown  map[string]struct{}
}

// New creates an empty inventory. Invalid configuration, including a kind
// declared twice for the same scope, is a configuration error.
func New(cfg Config) (*Inventory, error) {
	if cfg.Integration == "" {
		return nil, errdefs.NewConfigurationError("integration name is required")
	}
	if cfg.Normalizer == nil {
		return nil, errdefs.NewConfigurationError("a normalizer is required")
	}

	managed := make(map[string]map[string]struct{}, len(cfg.ManagedKinds))
	scopes := make(map[string]struct{})
	for scope, kinds := range cfg.ManagedKinds {
		if scope == "" {
			return nil, errdefs.NewConfigurationError("managed kinds declared for an empty scope")
		}
		set := make(map[string]struct{}, len(kinds))
		for _, kind := range kinds {
			if kind == "" {
				return nil, errdefs.NewConfigurationError("empty managed kind for scope %q", scope)
			}
			if _, dup := set[kind]; dup {
				return nil, errdefs.NewConfigurationError("conflicting declaration: kind %q is managed twice for scope %q", kind, scope)
			}
			set[kind] = struct{}{}
		}
		managed[scope] = set
		if scope != AllScopes {
			scopes[scope] = struct{}{}
		}
	}

	return &Inventory{
		config:  cfg,
		managed: managed,
		desired: make(map[resource.Identity]*resource.ManagedResource),
		current: make(map[resource.Identity]*resource.ManagedResource),
		scopes:  scopes,
		unknown: make(map[string]struct{}),
	}, nil
}

// AddDesired records a desired resource. The resource is copied, its checksum
// recomputed and its provenance stamped. A second resource with the same
// identity is a configuration error.
func (inv *Inventory) AddDesired(r *resource.ManagedResource) error {
	if r == nil {
		return fmt.Errorf("desired resource cannot be nil")
	}
	if err := r.Identity.Validate(); err != nil {
		return errdefs.WrapConfigurationError(err, "invalid desired resource")
	}

	stamped, err := inv.config.Normalizer.Stamp(r, inv.config.Integration, inv.config.Version)
	if err != nil {
		return err
	}

	inv.desiredMu.Lock()
	defer inv.desiredMu.Unlock()

	if _, exists := inv.desired[r.Identity]; exists {
		return errdefs.NewConfigurationError("duplicate desired resource %s", r.Identity)
	}
	inv.desired[r.Identity] = stamped

	inv.AddScope(r.Identity.Scope)
	return nil
}

// AddCurrent records a resource as listed from an external system. Provenance
// is read back from the body. A repeated identity replaces the earlier listing.
func (inv *Inventory) AddCurrent(r *resource.ManagedResource) error {
	if r == nil {
		return fmt.Errorf("current resource cannot be nil")
	}
	if err := r.Identity.Validate(); err != nil {
		return fmt.Errorf("invalid current resource: %w", err)
	}

	cur := r.DeepCopy()
	if p, ok := inv.config.Normalizer.ReadProvenance(cur.Body); ok {
		cur.Provenance = p
	}

	inv.currentMu.Lock()
	defer inv.currentMu.Unlock()

	inv.current[r.Identity] = cur
	return nil
}

// AddScope declares a scope that takes part in the run even without desired resources
func (inv *Inventory) AddScope(scope string) {
	if scope == "" {
		return
	}
	inv.scopesMu.Lock()
	defer inv.scopesMu.Unlock()
	inv.scopes[scope] = struct{}{}
}

// MarkScopeUnknown records that the current state of a scope could not be fetched.
// No actions are planned for an unknown scope.
func (inv *Inventory) MarkScopeUnknown(scope string) {
	inv.scopesMu.Lock()
	defer inv.scopesMu.Unlock()
	inv.unknown[scope] = struct{}{}
}

// IsScopeUnknown returns true if the scope was marked unknown
func (inv *Inventory) IsScopeUnknown(scope string) bool {
	inv.scopesMu.Lock()
	defer inv.scopesMu.Unlock()
	_, ok := inv.unknown[scope]
	return ok
}

// Scopes returns every scope that takes part in the run, sorted
func (inv *Inventory) Scopes() []string {
	inv.scopesMu.Lock()
	defer inv.scopesMu.Unlock()

	scopes := make([]string, 0, len(inv.scopes))
	for scope := range inv.scopes {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}

// IsManaged returns true if current-only resources of kind are deleted in scope
func (inv *Inventory) IsManaged(scope, kind string) bool {
	if _, ok := inv.managed[scope][kind]; ok {
		return true
	}
	_, ok := inv.managed[AllScopes][kind]
	return ok
}

// FetchKinds returns the kinds whose current state must be listed for scope:
// the managed kinds plus every kind desired in that scope, sorted
func (inv *Inventory) FetchKinds(scope string) []string {
	set := make(map[string]struct{})
	for kind := range inv.managed[scope] {
		set[kind] = struct{}{}
	}
	for kind := range inv.managed[AllScopes] {
		set[kind] = struct{}{}
	}

	inv.desiredMu.Lock()
	for id := range inv.desired {
		if id.Scope == scope {
			set[id.Kind] = struct{}{}
		}
	}
	inv.desiredMu.Unlock()

	kinds := make([]string, 0, len(set))
	for kind := range set {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// DesiredCount returns the number of desired resources
func (inv *Inventory) DesiredCount() int {
	inv.desiredMu.Lock()
	defer inv.desiredMu.Unlock()
	return len(inv.desired)
}

// CurrentCount returns the number of current resources
func (inv *Inventory) CurrentCount() int {
	inv.currentMu.Lock()
	defer inv.currentMu.Unlock()
	return len(inv.current)
}

// ComputeActions diffs desired against current state. It performs no I/O and
// returns the same ordered list for the same inventory contents.
func (inv *Inventory) ComputeActions() []Action {
	inv.desiredMu.Lock()
	defer inv.desiredMu.Unlock()
	inv.currentMu.Lock()
	defer inv.currentMu.Unlock()

	norm := inv.config.Normalizer
	var actions []Action

	for id, want := range inv.desired {
		if inv.IsScopeUnknown(id.Scope) {
			continue
		}

		have, exists := inv.current[id]
		if !exists {
			actions = append(actions, Action{
				verb:     VerbCreate,
				identity: id,
				desired:  want,
				wave:     inv.config.KindOrder.Wave(id.Kind),
			})
			continue
		}

		if norm.Equal(want.Body, have.Body) {
			continue
		}
		actions = append(actions, Action{
			verb:     VerbUpdate,
			identity: id,
			desired:  want,
			current:  have,
			wave:     inv.config.KindOrder.Wave(id.Kind),
			changed:  norm.ChangedPaths(have.Body, want.Body),
		})
	}

	for id, have := range inv.current {
		if _, wanted := inv.desired[id]; wanted {
			continue
		}
		if inv.IsScopeUnknown(id.Scope) || !inv.IsManaged(id.Scope, id.Kind) {
			continue
		}
		if inv.config.RequireOwnership && !have.OwnedBy(inv.config.Integration) {
			continue
		}
		actions = append(actions, Action{
			verb:     VerbDelete,
			identity: id,
			current:  have,
			wave:     inv.config.KindOrder.Wave(id.Kind),
		})
	}

	sort.Slice(actions, func(i, j int) bool {
		return actions[i].less(actions[j])
	})

	return actions
}
