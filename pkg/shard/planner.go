package shard

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/chazu/steward/pkg/errdefs"
)

// StaticPlanner partitions keys into a fixed number of shards
type StaticPlanner struct {
	count int
}

// NewStaticPlanner creates a planner with count shards
func NewStaticPlanner(count int) (*StaticPlanner, error) {
	if count <= 0 {
		return nil, errdefs.NewConfigurationError("shard count must be positive, got %d", count)
	}
	return &StaticPlanner{count: count}, nil
}

// Count returns the number of shards
func (p *StaticPlanner) Count() int {
	return p.count
}

// ShardOf returns the shard in [0, Count) that key belongs to
func (p *StaticPlanner) ShardOf(key string) int {
	return int(xxhash.Sum64String(key) % uint64(p.count))
}

// Partition distributes keys over Count buckets. Every key lands in exactly one
// bucket; duplicates in keys are kept once.
func (p *StaticPlanner) Partition(keys []string) [][]string {
	buckets := make([][]string, p.count)
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		shard := p.ShardOf(key)
		buckets[shard] = append(buckets[shard], key)
	}
	for _, b := range buckets {
		sort.Strings(b)
	}
	return buckets
}

// Select returns the selection of one shard
func (p *StaticPlanner) Select(shard int) (Selection, error) {
	if shard < 0 || shard >= p.count {
		return Selection{}, errdefs.NewConfigurationError("shard %d out of range [0, %d)", shard, p.count)
	}
	return Selection{planner: p, shard: shard, restricted: true}, nil
}

// ScopePlanner assigns one shard per external scope; the shard key is the scope
type ScopePlanner struct{}

// Plan returns one selection per scope, in scope order
func (ScopePlanner) Plan(scopes []string) []Selection {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)

	selections := make([]Selection, 0, len(sorted))
	for i, scope := range sorted {
		if i > 0 && sorted[i-1] == scope {
			continue
		}
		selections = append(selections, ForKeys([]string{scope}))
	}
	return selections
}
