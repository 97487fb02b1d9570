package resource

import (
	"fmt"
	"strings"
)

// Identity uniquely identifies a resource within one inventory generation
type Identity struct {
	// Scope is the external system instance (cluster, account, organization)
	Scope string `json:"scope"`

	// Namespace is optional; empty for scope-wide resources
	Namespace string `json:"namespace,omitempty"`

	// Kind is the resource type as the adapter names it (e.g. "v1/ConfigMap")
	Kind string `json:"kind"`

	// Name of the resource
	Name string `json:"name"`
}

// String returns the identity as scope/namespace/kind/name
func (id Identity) String() string {
	return strings.Join([]string{id.Scope, id.Namespace, id.Kind, id.Name}, "/")
}

var keyEscaper = strings.NewReplacer("%", "%25", "/", "%2F")

// Key returns the identity as a map key. Parts are escaped before joining, so
// distinct identities never share a key even when parts contain "/".
func (id Identity) Key() string {
	return strings.Join([]string{
		keyEscaper.Replace(id.Scope),
		keyEscaper.Replace(id.Namespace),
		keyEscaper.Replace(id.Kind),
		keyEscaper.Replace(id.Name),
	}, "/")
}

// Validate checks that every required part of the identity is set
func (id Identity) Validate() error {
	if id.Scope == "" {
		return fmt.Errorf("identity scope is required")
	}
	if id.Kind == "" {
		return fmt.Errorf("identity kind is required")
	}
	if id.Name == "" {
		return fmt.Errorf("identity name is required")
	}
	return nil
}

// Less orders identities by scope, namespace, kind, then name
func (id Identity) Less(other Identity) bool {
	if id.Scope != other.Scope {
		return id.Scope < other.Scope
	}
	if id.Namespace != other.Namespace {
		return id.Namespace < other.Namespace
	}
	if id.Kind != other.Kind {
		return id.Kind < other.Kind
	}
	return id.Name < other.Name
}

// Provenance records which integration produced a resource body
type Provenance struct {
	// Integration is the owning integration name
	Integration string `json:"integration,omitempty"`

	// Version is the owning integration version
	Version string `json:"version,omitempty"`

	// Checksum is the content checksum of the normalized body
	Checksum string `json:"checksum,omitempty"`
}

// IsZero returns true if no provenance has been recorded
func (p Provenance) IsZero() bool {
	return p == Provenance{}
}

// ManagedResource is one resource instance with its identity, body and provenance
type ManagedResource struct {
	Identity   Identity               `json:"identity"`
	Body       map[string]interface{} `json:"body"`
	Provenance Provenance             `json:"provenance,omitempty"`
}

// New creates a managed resource. A nil body is replaced by an empty one.
func New(id Identity, body map[string]interface{}) *ManagedResource {
	if body == nil {
		body = map[string]interface{}{}
	}
	return &ManagedResource{
		Identity: id,
		Body:     body,
	}
}

// DeepCopy returns a copy whose body shares no maps or slices with the original
func (r *ManagedResource) DeepCopy() *ManagedResource {
	if r == nil {
		return nil
	}
	return &ManagedResource{
		Identity:   r.Identity,
		Body:       copyMap(r.Body),
		Provenance: r.Provenance,
	}
}

// OwnedBy returns true if the resource provenance names the given integration
func (r *ManagedResource) OwnedBy(integration string) bool {
	return r != nil && integration != "" && r.Provenance.Integration == integration
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return copyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		// scalars are immutable
		return val
	}
}
