package shard

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/snapshot"
)

func snap(revision, data string) *snapshot.Snapshot {
	return snapshot.New(revision, []byte(data))
}

func TestStaticPlanner_ScenarioB(t *testing.T) {
	doc := snap("r1", `{"clusters":[{"name":"c1"},{"name":"c2"},{"name":"c3"}]}`)

	e, err := NewExtractor(Config{PathSelectors: []string{"clusters"}, KeySelector: "name"})
	if err != nil {
		t.Fatalf("NewExtractor() error = %v", err)
	}
	keys, err := e.Keys(doc)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}

	planner, err := NewStaticPlanner(2)
	if err != nil {
		t.Fatalf("NewStaticPlanner() error = %v", err)
	}
	buckets := planner.Partition(keys)
	if len(buckets) != 2 {
		t.Fatalf("Expected 2 shards, got %d", len(buckets))
	}

	seen := make(map[string]int)
	for _, b := range buckets {
		for _, k := range b {
			seen[k]++
		}
	}
	for _, name := range []string{"c1", "c2", "c3"} {
		if seen[name] != 1 {
			t.Errorf("Expected %s to be covered exactly once, got %d", name, seen[name])
		}
	}
	if len(seen) != 3 {
		t.Errorf("Expected exactly 3 keys, got %v", seen)
	}

	// a shard selection includes exactly the keys of its bucket
	for shard, bucket := range buckets {
		sel, err := planner.Select(shard)
		if err != nil {
			t.Fatalf("Select(%d) error = %v", shard, err)
		}
		if got := sel.Filter(keys); !reflect.DeepEqual(got, bucket) && !(len(got) == 0 && len(bucket) == 0) {
			t.Errorf("Shard %d: expected %v, got %v", shard, bucket, got)
		}
	}
}

func TestStaticPlanner_PartitionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every key lands in exactly one shard in range", prop.ForAll(
		func(keys []string, count int) bool {
			planner, err := NewStaticPlanner(count)
			if err != nil {
				return false
			}

			unique := make(map[string]struct{})
			for _, k := range keys {
				unique[k] = struct{}{}
				if s := planner.ShardOf(k); s < 0 || s >= count {
					return false
				}
			}

			covered := make(map[string]int)
			for shard, bucket := range planner.Partition(keys) {
				for _, k := range bucket {
					if planner.ShardOf(k) != shard {
						return false
					}
					covered[k]++
				}
			}

			if len(covered) != len(unique) {
				return false
			}
			for k := range unique {
				if covered[k] != 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Identifier()),
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}

func TestNewStaticPlanner_InvalidCount(t *testing.T) {
	for _, n := range []int{0, -1} {
		if _, err := NewStaticPlanner(n); !errdefs.IsConfiguration(err) {
			t.Errorf("NewStaticPlanner(%d): expected configuration error, got %v", n, err)
		}
	}

	p, _ := NewStaticPlanner(2)
	if _, err := p.Select(2); !errdefs.IsConfiguration(err) {
		t.Errorf("Expected out of range shard to be rejected, got %v", err)
	}
}

func TestScopePlanner(t *testing.T) {
	selections := ScopePlanner{}.Plan([]string{"c2", "c1", "c2"})
	if len(selections) != 2 {
		t.Fatalf("Expected one shard per scope, got %d", len(selections))
	}
	if !selections[0].Includes("c1") || selections[0].Includes("c2") {
		t.Errorf("Expected first shard to hold only c1, got %s", selections[0])
	}
	if !selections[1].Includes("c2") || selections[1].Includes("c1") {
		t.Errorf("Expected second shard to hold only c2, got %s", selections[1])
	}
}

func TestSelection(t *testing.T) {
	all := All()
	if all.IsRestricted() || !all.Includes("anything") {
		t.Error("Expected zero selection to include everything")
	}

	sel := ForKeys(ParseKeys(" c1, c3 ,,"))
	if !sel.IsRestricted() {
		t.Error("Expected key selection to be restricted")
	}
	if got := sel.Filter([]string{"c1", "c2", "c3"}); !reflect.DeepEqual(got, []string{"c1", "c3"}) {
		t.Errorf("Expected [c1 c3], got %v", got)
	}
	if sel.String() != "keys c1,c3" {
		t.Errorf("Unexpected description %q", sel.String())
	}

	empty := ForKeys(nil)
	if !empty.IsEmpty() || empty.Includes("c1") {
		t.Error("Expected empty key selection to include nothing")
	}
}

func TestAffectedKeys_Soundness(t *testing.T) {
	cfg := Config{PathSelectors: []string{"clusters"}, KeySelector: "name"}
	previous := snap("r1", `{"clusters":[{"name":"c1","size":1},{"name":"k","size":1},{"name":"c3","size":1}]}`)
	current := snap("r2", `{"clusters":[{"name":"c1","size":1},{"name":"k","size":2},{"name":"c3","size":1}]}`)

	keys, err := AffectedKeys(previous, current, cfg)
	if err != nil {
		t.Fatalf("AffectedKeys() error = %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"k"}) {
		t.Errorf("Expected [k], got %v", keys)
	}
}

func TestAffectedKeys(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		previous string
		current  string
		want     []string
	}{
		{
			name:     "identical snapshots",
			cfg:      Config{PathSelectors: []string{"clusters"}, KeySelector: "name"},
			previous: `{"clusters":[{"name":"c1"}]}`,
			current:  `{"clusters":[{"name":"c1"}]}`,
			want:     []string{},
		},
		{
			name:     "insert and remove",
			cfg:      Config{PathSelectors: []string{"clusters"}, KeySelector: "name"},
			previous: `{"clusters":[{"name":"c1"},{"name":"c2"}]}`,
			current:  `{"clusters":[{"name":"c2"},{"name":"c3"}]}`,
			want:     []string{"c1", "c3"},
		},
		{
			name:     "reordering is not a change",
			cfg:      Config{PathSelectors: []string{"clusters"}, KeySelector: "name"},
			previous: `{"clusters":[{"name":"c1"},{"name":"c2"}]}`,
			current:  `{"clusters":[{"name":"c2"},{"name":"c1"}]}`,
			want:     []string{},
		},
		{
			name:     "fan out over struct of lists",
			cfg:      Config{PathSelectors: []string{"resources[*]"}, KeySelector: "scope"},
			previous: `{"resources":{"a":[{"scope":"c1","v":1}],"b":[{"scope":"c2","v":1}]}}`,
			current:  `{"resources":{"a":[{"scope":"c1","v":1}],"b":[{"scope":"c2","v":2}]}}`,
			want:     []string{"c2"},
		},
		{
			name:     "nested selector after fan out",
			cfg:      Config{PathSelectors: []string{"groups[*].members"}, KeySelector: "name"},
			previous: `{"groups":[{"members":[{"name":"m1"},{"name":"m2"}]},{"members":[{"name":"m3"}]}]}`,
			current:  `{"groups":[{"members":[{"name":"m1"},{"name":"m2","x":1}]},{"members":[{"name":"m3"}]}]}`,
			want:     []string{"m2"},
		},
		{
			name:     "collection appears",
			cfg:      Config{PathSelectors: []string{"clusters"}, KeySelector: "name"},
			previous: `{}`,
			current:  `{"clusters":[{"name":"c1"}]}`,
			want:     []string{"c1"},
		},
		{
			name:     "union across selectors",
			cfg:      Config{PathSelectors: []string{"clusters", "accounts"}, KeySelector: "name"},
			previous: `{"clusters":[{"name":"c1"}],"accounts":[{"name":"a1"}]}`,
			current:  `{"clusters":[{"name":"c1","x":1}],"accounts":[{"name":"a1","x":1}]}`,
			want:     []string{"a1", "c1"},
		},
		{
			name:     "changes outside selectors are ignored",
			cfg:      Config{PathSelectors: []string{"clusters"}, KeySelector: "name"},
			previous: `{"clusters":[{"name":"c1"}],"other":1}`,
			current:  `{"clusters":[{"name":"c1"}],"other":2}`,
			want:     []string{},
		},
		{
			name:     "numeric keys",
			cfg:      Config{PathSelectors: []string{"items"}, KeySelector: "id"},
			previous: `{"items":[{"id":1,"v":"a"}]}`,
			current:  `{"items":[{"id":1,"v":"b"}]}`,
			want:     []string{"1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AffectedKeys(snap("old", tt.previous), snap("new", tt.current), tt.cfg)
			if err != nil {
				t.Fatalf("AffectedKeys() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("AffectedKeys() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseSelector_FanOutLevels(t *testing.T) {
	tests := []struct {
		raw   string
		steps int
	}{
		{raw: "clusters", steps: 1},
		{raw: "resources[*]", steps: 2},
		{raw: "resources[*][*]", steps: 3},
		{raw: "groups[*].members", steps: 2},
		{raw: "[*]", steps: 2},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			sel, err := parseSelector(tt.raw)
			if err != nil {
				t.Fatalf("parseSelector() error = %v", err)
			}
			if len(sel.steps) != tt.steps {
				t.Errorf("Expected %d fan-outs, got %d", tt.steps, len(sel.steps))
			}
		})
	}
}

func TestExtractor_PerScopeDocument(t *testing.T) {
	doc := snap("r1", `{"resources":{"c1":[{"name":"a"},{"name":"b"}],"c2":[{"name":"c"}]}}`)

	e, err := NewExtractor(Config{PathSelectors: []string{"resources[*]"}, KeySelector: "name"})
	if err != nil {
		t.Fatalf("NewExtractor() error = %v", err)
	}
	keys, err := e.Keys(doc)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(keys, want) {
		t.Errorf("Keys() = %v, want %v", keys, want)
	}

	// without [*] the items are the per-scope lists, which carry no key
	e, err = NewExtractor(Config{PathSelectors: []string{"resources"}, KeySelector: "name"})
	if err != nil {
		t.Fatalf("NewExtractor() error = %v", err)
	}
	if _, err := e.Keys(doc); !errdefs.IsConfiguration(err) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestAffectedKeys_ConfigurationErrors(t *testing.T) {
	doc := snap("r1", `{"clusters":[{"name":"c1"}],"scalar":3}`)

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no selectors", cfg: Config{KeySelector: "name"}},
		{name: "no key selector", cfg: Config{PathSelectors: []string{"clusters"}}},
		{name: "unparseable selector", cfg: Config{PathSelectors: []string{"clusters[["}, KeySelector: "name"}},
		{name: "key fans out", cfg: Config{PathSelectors: []string{"clusters"}, KeySelector: "names[*]"}},
		{name: "key missing on item", cfg: Config{PathSelectors: []string{"clusters"}, KeySelector: "id"}},
		{name: "selector is not a collection", cfg: Config{PathSelectors: []string{"scalar"}, KeySelector: "name"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AffectedKeys(doc, doc, tt.cfg)
			if !errdefs.IsConfiguration(err) {
				t.Errorf("Expected configuration error, got %v", err)
			}
		})
	}
}
