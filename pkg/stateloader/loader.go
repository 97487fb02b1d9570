package stateloader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/opencontainers/go-digest"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/reconcile"
	"github.com/chazu/steward/pkg/resource"
	"github.com/chazu/steward/pkg/snapshot"
)

// Document is an evaluated desired-state document
type Document struct {
	// Scopes lists the scopes the document declares, including scopes without resources
	Scopes []string

	// Resources are the desired resources in document order
	Resources []*resource.ManagedResource

	// Snapshot is the canonical serialization of the whole document
	Snapshot *snapshot.Snapshot
}

// Loader evaluates desired-state CUE documents read from a Source
type Loader struct {
	// cue contexts are not safe for concurrent use
	mu     sync.Mutex
	ctx    *cue.Context
	source Source
	cache  *Cache
}

// NewLoader creates a new loader with caching
func NewLoader(source Source) *Loader {
	return &Loader{
		ctx:    cuecontext.New(),
		source: source,
		cache:  NewCache(DefaultCacheSize),
	}
}

// Source returns the source the loader reads from
func (l *Loader) Source() Source {
	return l.source
}

// Snapshot returns the canonical desired-state snapshot at revision
func (l *Loader) Snapshot(ctx context.Context, revision string) (*snapshot.Snapshot, error) {
	content, resolved, err := l.source.Read(ctx, revision)
	if err != nil {
		return nil, err
	}

	doc, err := l.evaluate(content)
	if err != nil {
		return nil, err
	}
	return snapshot.New(resolved, doc.data), nil
}

// Load reads and evaluates the document at revision
func (l *Loader) Load(ctx context.Context, revision string) (*Document, error) {
	logger := log.FromContext(ctx)

	content, resolved, err := l.source.Read(ctx, revision)
	if err != nil {
		return nil, err
	}

	doc, err := l.evaluate(content)
	if err != nil {
		return nil, err
	}

	parsed, err := ParseDocument(doc.data)
	if err != nil {
		return nil, err
	}
	parsed.Snapshot = snapshot.New(resolved, doc.data)

	logger.V(1).Info("Loaded desired state",
		"source", l.source.Type(),
		"revision", resolved,
		"resources", len(parsed.Resources),
		"digest", parsed.Snapshot.Digest().String())

	return parsed, nil
}

// Desired loads the document at revision as desired state for a reconciliation
func (l *Loader) Desired(ctx context.Context, revision string) (*reconcile.DesiredState, error) {
	doc, err := l.Load(ctx, revision)
	if err != nil {
		return nil, err
	}
	return &reconcile.DesiredState{
		Scopes:    doc.Scopes,
		Resources: doc.Resources,
		Snapshot:  doc.Snapshot,
	}, nil
}

// evaluate compiles content and returns its canonical JSON, using the cache
// when the same content was evaluated before
func (l *Loader) evaluate(content []byte) (cachedDocument, error) {
	key := digest.FromBytes(content).String()
	if cached, found := l.cache.Get(key); found {
		return cached, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	value := l.ctx.CompileBytes(content, cue.Filename("desired.cue"))
	if value.Err() != nil {
		return cachedDocument{}, errdefs.WrapConfigurationError(value.Err(), "failed to compile desired state")
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return cachedDocument{}, errdefs.WrapConfigurationError(err, "desired state is not concrete")
	}

	data, err := Canonicalize(value)
	if err != nil {
		return cachedDocument{}, err
	}

	doc := cachedDocument{value: value, data: data}
	l.cache.Set(key, doc)
	return doc, nil
}

// Canonicalize serializes a CUE value to JSON with sorted keys, so equal
// documents always produce identical bytes
func Canonicalize(v cue.Value) ([]byte, error) {
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CUE to JSON: %w", err)
	}

	generic, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to encode canonical JSON: %w", err)
	}
	return data, nil
}

// decodeJSON decodes with UseNumber so integers stay integers
func decodeJSON(raw []byte) (interface{}, error) {
	var out interface{}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return convertJSONNumbers(out), nil
}

// convertJSONNumbers recursively converts json.Number values to native Go types
func convertJSONNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		// Try to parse as int first
		if i, err := strconv.ParseInt(string(val), 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(string(val), 64); err == nil {
			return f
		}
		return val
	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, v := range val {
			result[k] = convertJSONNumbers(v)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, v := range val {
			result[i] = convertJSONNumbers(v)
		}
		return result
	default:
		return v
	}
}

// ParseDocument extracts scopes and resources from canonical document JSON.
//
// resources is either a list of {scope, namespace, kind, name, body} items or a
// struct of scope name to such lists (items then omit scope). scopes optionally
// lists additional scopes.
func ParseDocument(data []byte) (*Document, error) {
	generic, err := decodeJSON(data)
	if err != nil {
		return nil, errdefs.WrapConfigurationError(err, "invalid desired state document")
	}

	root, ok := generic.(map[string]interface{})
	if !ok {
		return nil, errdefs.NewConfigurationError("desired state document must be a struct")
	}

	doc := &Document{}
	scopes := make(map[string]struct{})

	if raw, found := root["scopes"]; found {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, errdefs.NewConfigurationError("scopes must be a list of strings")
		}
		for i, item := range list {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, errdefs.NewConfigurationError("scopes[%d] must be a non-empty string", i)
			}
			scopes[s] = struct{}{}
		}
	}

	switch raw := root["resources"].(type) {
	case nil:
	case []interface{}:
		for i, item := range raw {
			r, err := parseResource(item, "")
			if err != nil {
				return nil, errdefs.WrapConfigurationError(err, "resources[%d]", i)
			}
			doc.Resources = append(doc.Resources, r)
		}
	case map[string]interface{}:
		names := make([]string, 0, len(raw))
		for scope := range raw {
			names = append(names, scope)
		}
		sort.Strings(names)
		for _, scope := range names {
			list, ok := raw[scope].([]interface{})
			if !ok {
				return nil, errdefs.NewConfigurationError("resources.%s must be a list", scope)
			}
			scopes[scope] = struct{}{}
			for i, item := range list {
				r, err := parseResource(item, scope)
				if err != nil {
					return nil, errdefs.WrapConfigurationError(err, "resources.%s[%d]", scope, i)
				}
				doc.Resources = append(doc.Resources, r)
			}
		}
	default:
		return nil, errdefs.NewConfigurationError("resources must be a list or a struct of lists")
	}

	for _, r := range doc.Resources {
		scopes[r.Identity.Scope] = struct{}{}
	}
	for s := range scopes {
		doc.Scopes = append(doc.Scopes, s)
	}
	sort.Strings(doc.Scopes)

	return doc, nil
}

func parseResource(item interface{}, scope string) (*resource.ManagedResource, error) {
	m, ok := item.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("resource must be a struct")
	}

	str := func(key string) (string, error) {
		v, found := m[key]
		if !found || v == nil {
			return "", nil
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%s must be a string", key)
		}
		return s, nil
	}

	id := resource.Identity{Scope: scope}
	var err error
	if id.Scope == "" {
		if id.Scope, err = str("scope"); err != nil {
			return nil, err
		}
	}
	if id.Namespace, err = str("namespace"); err != nil {
		return nil, err
	}
	if id.Kind, err = str("kind"); err != nil {
		return nil, err
	}
	if id.Name, err = str("name"); err != nil {
		return nil, err
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}

	var body map[string]interface{}
	if raw, found := m["body"]; found && raw != nil {
		body, ok = raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("body of %s must be a struct", id)
		}
	}

	return resource.New(id, body), nil
}
