package shard

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/cespare/xxhash/v2"

	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/snapshot"
)

// Item is one shardable item extracted from a document
type Item struct {
	// Key is the value of the key selector
	Key string

	// Hash identifies the item content
	Hash uint64
}

// Extractor pulls shardable items out of snapshots
type Extractor struct {
	mu        sync.Mutex
	ctx       *cue.Context
	selectors []selector
	key       cue.Path
}

// NewExtractor validates cfg and returns an extractor for it
func NewExtractor(cfg Config) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Extractor{ctx: cuecontext.New()}
	for _, raw := range cfg.PathSelectors {
		sel, err := parseSelector(raw)
		if err != nil {
			return nil, err
		}
		e.selectors = append(e.selectors, sel)
	}

	key, err := parseKeySelector(cfg.KeySelector)
	if err != nil {
		return nil, err
	}
	e.key = key
	return e, nil
}

// Items returns the items every selector finds in snap, grouped per selector.
// A selector whose path does not exist in the document finds no items.
func (e *Extractor) Items(snap *snapshot.Snapshot) ([][]Item, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	root := e.ctx.CompileBytes(snap.Data, cue.Filename("snapshot.json"))
	if root.Err() != nil {
		return nil, fmt.Errorf("failed to evaluate snapshot at %q: %w", snap.Revision, root.Err())
	}

	result := make([][]Item, 0, len(e.selectors))
	for _, sel := range e.selectors {
		values, err := resolve(root, sel)
		if err != nil {
			return nil, err
		}

		items := make([]Item, 0, len(values))
		for _, v := range values {
			item, err := e.item(v, sel)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		result = append(result, items)
	}
	return result, nil
}

// Keys returns the sorted, de-duplicated shard keys of every item in snap
func (e *Extractor) Keys(snap *snapshot.Snapshot) ([]string, error) {
	groups, err := e.Items(snap)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, items := range groups {
		for _, item := range items {
			seen[item.Key] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

func (e *Extractor) item(v cue.Value, sel selector) (Item, error) {
	kv := v.LookupPath(e.key)
	if !kv.Exists() {
		return Item{}, errdefs.NewConfigurationError("shard key selector %q does not resolve on an item of %q", e.key.String(), sel.raw)
	}

	var key string
	switch kv.Kind() {
	case cue.StringKind:
		key, _ = kv.String()
	case cue.IntKind, cue.FloatKind, cue.NumberKind, cue.BoolKind:
		raw, err := kv.MarshalJSON()
		if err != nil {
			return Item{}, fmt.Errorf("failed to render shard key: %w", err)
		}
		key = string(raw)
	default:
		return Item{}, errdefs.NewConfigurationError("shard key selector %q must resolve to a scalar on items of %q", e.key.String(), sel.raw)
	}

	content, err := v.MarshalJSON()
	if err != nil {
		return Item{}, fmt.Errorf("failed to serialize item %q: %w", key, err)
	}
	return Item{Key: key, Hash: xxhash.Sum64(content)}, nil
}

// resolve walks sel from root, fanning out at every step
func resolve(root cue.Value, sel selector) ([]cue.Value, error) {
	current := []cue.Value{root}
	for _, step := range sel.steps {
		var next []cue.Value
		for _, v := range current {
			if len(step.Selectors()) > 0 {
				v = v.LookupPath(step)
			}
			if !v.Exists() {
				continue
			}
			children, err := fanOut(v, sel)
			if err != nil {
				return nil, err
			}
			next = append(next, children...)
		}
		current = next
	}
	return current, nil
}

func fanOut(v cue.Value, sel selector) ([]cue.Value, error) {
	var out []cue.Value
	switch v.Kind() {
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, fmt.Errorf("failed to iterate %q: %w", sel.raw, err)
		}
		for iter.Next() {
			out = append(out, iter.Value())
		}
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, fmt.Errorf("failed to iterate %q: %w", sel.raw, err)
		}
		for iter.Next() {
			out = append(out, iter.Value())
		}
	default:
		return nil, errdefs.NewConfigurationError("shard path selector %q does not resolve to a collection", sel.raw)
	}
	return out, nil
}

// AffectedKeys returns the sorted shard keys of items inserted, removed, or
// changed between previous and current
func AffectedKeys(previous, current *snapshot.Snapshot, cfg Config) ([]string, error) {
	e, err := NewExtractor(cfg)
	if err != nil {
		return nil, err
	}
	return e.AffectedKeys(previous, current)
}

// AffectedKeys returns the sorted shard keys of items inserted, removed, or
// changed between previous and current
func (e *Extractor) AffectedKeys(previous, current *snapshot.Snapshot) ([]string, error) {
	before, err := e.Items(previous)
	if err != nil {
		return nil, fmt.Errorf("previous snapshot: %w", err)
	}
	after, err := e.Items(current)
	if err != nil {
		return nil, fmt.Errorf("current snapshot: %w", err)
	}

	affected := make(map[string]struct{})
	for i := range e.selectors {
		diffItems(before[i], after[i], affected)
	}
	return sortedKeys(affected), nil
}

// diffItems compares the item contents under each key as multisets
func diffItems(before, after []Item, affected map[string]struct{}) {
	counts := make(map[string]map[uint64]int)
	add := func(items []Item, delta int) {
		for _, item := range items {
			byHash, ok := counts[item.Key]
			if !ok {
				byHash = make(map[uint64]int)
				counts[item.Key] = byHash
			}
			byHash[item.Hash] += delta
		}
	}
	add(before, 1)
	add(after, -1)

	for key, byHash := range counts {
		for _, n := range byHash {
			if n != 0 {
				affected[key] = struct{}{}
				break
			}
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
