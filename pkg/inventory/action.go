package inventory

import (
	"fmt"
	"strings"

	"github.com/chazu/steward/pkg/resource"
)

// Verb is the kind of change an action makes
type Verb string

const (
	// VerbCreate creates a resource that only exists in desired state
	VerbCreate Verb = "create"

	// VerbUpdate replaces a resource whose normalized body differs
	VerbUpdate Verb = "update"

	// VerbDelete removes a managed resource that only exists in current state
	VerbDelete Verb = "delete"
)

// Action is one planned change. Actions are immutable values; they are only
// produced by Inventory.ComputeActions.
type Action struct {
	verb     Verb
	identity resource.Identity
	desired  *resource.ManagedResource
	current  *resource.ManagedResource
	wave     int
	changed  []string
}

// Verb returns the action verb
func (a Action) Verb() Verb {
	return a.verb
}

// Identity returns the identity of the targeted resource
func (a Action) Identity() resource.Identity {
	return a.identity
}

// Key returns the unique key of the targeted identity
func (a Action) Key() string {
	return a.identity.Key()
}

// Desired returns a copy of the desired resource, stamped with provenance.
// It is nil for deletes.
func (a Action) Desired() *resource.ManagedResource {
	return a.desired.DeepCopy()
}

// Current returns a copy of the current resource as listed. It is nil for creates.
func (a Action) Current() *resource.ManagedResource {
	return a.current.DeepCopy()
}

// Wave returns the kind wave the action runs in
func (a Action) Wave() int {
	return a.wave
}

// ChangedPaths returns the normalized body paths an update changes
func (a Action) ChangedPaths() []string {
	out := make([]string, len(a.changed))
	copy(out, a.changed)
	return out
}

// String returns the verb and target of the action
func (a Action) String() string {
	return fmt.Sprintf("%s %s", a.verb, a.identity)
}

// Describe returns the human-readable plan line for the action
func (a Action) Describe() string {
	if a.verb == VerbUpdate && len(a.changed) > 0 {
		return fmt.Sprintf("%s (%s)", a.String(), strings.Join(a.changed, ", "))
	}
	return a.String()
}

// verbClass orders creates and updates ahead of deletes
func (a Action) verbClass() int {
	if a.verb == VerbDelete {
		return 1
	}
	return 0
}

// less orders actions by verb class, then wave (ascending for creates and
// updates, descending for deletes), then identity
func (a Action) less(b Action) bool {
	if a.verbClass() != b.verbClass() {
		return a.verbClass() < b.verbClass()
	}
	if a.wave != b.wave {
		if a.verb == VerbDelete {
			return a.wave > b.wave
		}
		return a.wave < b.wave
	}
	return a.identity.Less(b.identity)
}
