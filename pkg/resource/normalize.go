package resource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/chazu/steward/pkg/errdefs"
)

const (
	// IntegrationAnnotation records the owning integration name
	IntegrationAnnotation = "steward.chazu.io/integration"

	// VersionAnnotation records the owning integration version
	VersionAnnotation = "steward.chazu.io/integration-version"

	// ChecksumAnnotation records the checksum of the body as it was applied
	ChecksumAnnotation = "steward.chazu.io/checksum"
)

// DefaultProvenancePath is where provenance annotations are written inside a body
var DefaultProvenancePath = []string{"metadata", "annotations"}

// Normalizer strips system-generated fields from bodies before comparison and
// stamps provenance into bodies before apply
type Normalizer struct {
	denylist       [][]string
	provenancePath []string
}

// NormalizerOption configures a Normalizer
type NormalizerOption func(*Normalizer) error

// WithProvenancePath changes where provenance annotations live inside a body
func WithProvenancePath(path string) NormalizerOption {
	return func(n *Normalizer) error {
		fields, err := ParseFieldPath(path)
		if err != nil {
			return err
		}
		n.provenancePath = fields
		return nil
	}
}

// NewNormalizer creates a normalizer for the given denylist of field paths.
// The denylist is required: a nil list is a configuration error because comparing
// system-generated fields produces an update on every run. Pass an empty list to
// compare whole bodies.
func NewNormalizer(denylist []string, opts ...NormalizerOption) (*Normalizer, error) {
	if denylist == nil {
		return nil, errdefs.NewConfigurationError("a comparison denylist is required (use an empty list to compare full bodies)")
	}

	n := &Normalizer{
		provenancePath: DefaultProvenancePath,
	}

	for _, p := range denylist {
		fields, err := ParseFieldPath(p)
		if err != nil {
			return nil, errdefs.WrapConfigurationError(err, "invalid denylist path %q", p)
		}
		n.denylist = append(n.denylist, fields)
	}

	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, errdefs.WrapConfigurationError(err, "invalid normalizer option")
		}
	}

	return n, nil
}

// Normalize returns a copy of body without denylisted fields and provenance
func (n *Normalizer) Normalize(body map[string]interface{}) map[string]interface{} {
	out := copyMap(body)
	if out == nil {
		out = map[string]interface{}{}
	}

	for _, path := range n.denylist {
		removeField(out, path)
	}
	for _, key := range []string{IntegrationAnnotation, VersionAnnotation, ChecksumAnnotation} {
		removeField(out, n.provenanceField(key))
	}

	return out
}

// Canonical returns the canonical JSON encoding of the normalized body.
// encoding/json sorts map keys, so equal bodies always encode identically.
func (n *Normalizer) Canonical(body map[string]interface{}) ([]byte, error) {
	data, err := json.Marshal(n.Normalize(body))
	if err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	return data, nil
}

// Equal returns true if both bodies match after normalization
func (n *Normalizer) Equal(a, b map[string]interface{}) bool {
	ca, err := n.Canonical(a)
	if err != nil {
		return false
	}
	cb, err := n.Canonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// Checksum computes the content checksum of a normalized body
func (n *Normalizer) Checksum(body map[string]interface{}) string {
	data, err := n.Canonical(body)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// Stamp returns a copy of r with provenance recorded on the resource and written
// into its body. The checksum is recomputed from the body.
func (n *Normalizer) Stamp(r *ManagedResource, integration, version string) (*ManagedResource, error) {
	if r == nil {
		return nil, fmt.Errorf("resource cannot be nil")
	}

	stamped := r.DeepCopy()
	if stamped.Body == nil {
		stamped.Body = map[string]interface{}{}
	}

	stamped.Provenance = Provenance{
		Integration: integration,
		Version:     version,
		Checksum:    n.Checksum(stamped.Body),
	}

	values := map[string]string{
		IntegrationAnnotation: stamped.Provenance.Integration,
		VersionAnnotation:     stamped.Provenance.Version,
		ChecksumAnnotation:    stamped.Provenance.Checksum,
	}
	for key, value := range values {
		if err := unstructured.SetNestedField(stamped.Body, value, n.provenanceField(key)...); err != nil {
			return nil, fmt.Errorf("failed to write provenance into %s: %w", r.Identity, err)
		}
	}

	return stamped, nil
}

// ReadProvenance extracts provenance previously written into a body
func (n *Normalizer) ReadProvenance(body map[string]interface{}) (Provenance, bool) {
	var p Provenance
	p.Integration, _, _ = unstructured.NestedString(body, n.provenanceField(IntegrationAnnotation)...)
	p.Version, _, _ = unstructured.NestedString(body, n.provenanceField(VersionAnnotation)...)
	p.Checksum, _, _ = unstructured.NestedString(body, n.provenanceField(ChecksumAnnotation)...)
	return p, p.Integration != ""
}

// Owned returns true if the provenance written into r's body names integration
func (n *Normalizer) Owned(r *ManagedResource, integration string) bool {
	if r == nil || integration == "" {
		return false
	}
	p, ok := n.ReadProvenance(r.Body)
	return ok && p.Integration == integration
}

// ChangedPaths lists the dotted paths of leaf fields that differ between the
// normalized bodies, sorted
func (n *Normalizer) ChangedPaths(a, b map[string]interface{}) []string {
	var paths []string
	diffValues("", n.Normalize(a), n.Normalize(b), &paths)
	sort.Strings(paths)
	return paths
}

func (n *Normalizer) provenanceField(key string) []string {
	fields := make([]string, 0, len(n.provenancePath)+1)
	fields = append(fields, n.provenancePath...)
	return append(fields, key)
}

// removeField deletes the field at path and prunes parents the removal left empty,
// so a body that only differs by an emptied container still compares equal
func removeField(obj map[string]interface{}, path []string) {
	if _, found, _ := unstructured.NestedFieldNoCopy(obj, path...); !found {
		return
	}
	unstructured.RemoveNestedField(obj, path...)

	for i := len(path) - 1; i > 0; i-- {
		parent, found, err := unstructured.NestedFieldNoCopy(obj, path[:i]...)
		if err != nil || !found {
			return
		}
		m, ok := parent.(map[string]interface{})
		if !ok || len(m) > 0 {
			return
		}
		unstructured.RemoveNestedField(obj, path[:i]...)
	}
}

func diffValues(prefix string, a, b interface{}, out *[]string) {
	am, aIsMap := a.(map[string]interface{})
	bm, bIsMap := b.(map[string]interface{})
	if aIsMap && bIsMap {
		keys := make(map[string]struct{}, len(am)+len(bm))
		for k := range am {
			keys[k] = struct{}{}
		}
		for k := range bm {
			keys[k] = struct{}{}
		}
		for k := range keys {
			diffValues(joinPath(prefix, k), am[k], bm[k], out)
		}
		return
	}

	if !jsonEqual(a, b) {
		if prefix == "" {
			prefix = "."
		}
		*out = append(*out, prefix)
	}
}

func jsonEqual(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ja, jb)
}

func joinPath(prefix, key string) string {
	if strings.ContainsAny(key, ".[]\"") {
		key = fmt.Sprintf("[%q]", key)
		return prefix + key
	}
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// ParseFieldPath splits a dotted field path into its keys. Keys containing dots
// are written in brackets: metadata.annotations["example.com/owner"].
func ParseFieldPath(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("field path cannot be empty")
	}

	var fields []string
	var current strings.Builder
	expectKey := true

	for i := 0; i < len(path); i++ {
		c := path[i]
		switch c {
		case '.':
			if expectKey && current.Len() == 0 {
				return nil, fmt.Errorf("empty key at offset %d in %q", i, path)
			}
			if current.Len() > 0 {
				fields = append(fields, current.String())
				current.Reset()
			}
			expectKey = true
		case '[':
			if current.Len() > 0 {
				fields = append(fields, current.String())
				current.Reset()
			}
			if i+1 >= len(path) || (path[i+1] != '"' && path[i+1] != '\'') {
				return nil, fmt.Errorf("expected quoted key after '[' at offset %d in %q", i, path)
			}
			quote := path[i+1]
			end := strings.IndexByte(path[i+2:], quote)
			if end < 0 {
				return nil, fmt.Errorf("unterminated quoted key at offset %d in %q", i, path)
			}
			key := path[i+2 : i+2+end]
			i = i + 2 + end + 1
			if i >= len(path) || path[i] != ']' {
				return nil, fmt.Errorf("expected ']' after quoted key in %q", path)
			}
			fields = append(fields, key)
			expectKey = false
		default:
			current.WriteByte(c)
			expectKey = false
		}
	}

	if current.Len() > 0 {
		fields = append(fields, current.String())
	} else if expectKey {
		return nil, fmt.Errorf("field path %q ends with a separator", path)
	}

	return fields, nil
}
