package shard

import (
	"fmt"
	"strings"
)

// Selection restricts a run to a subset of shard keys. The zero value selects
// everything.
//
// Shard keys are scope identifiers: a restricted run fetches, diffs and applies
// only the scopes the selection includes.
type Selection struct {
	restricted bool

	// keys is set for explicit key selections
	keys map[string]struct{}

	// planner and shard are set for static shard selections
	planner *StaticPlanner
	shard   int
}

// All returns an unrestricted selection
func All() Selection {
	return Selection{}
}

// ForKeys returns a selection of exactly keys. An empty key list selects nothing.
func ForKeys(keys []string) Selection {
	s := Selection{restricted: true, keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	return s
}

// ParseKeys splits a comma-separated shard argument into keys
func ParseKeys(arg string) []string {
	var keys []string
	for _, k := range strings.Split(arg, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// IsRestricted returns true unless the selection includes every key
func (s Selection) IsRestricted() bool {
	return s.restricted
}

// IsEmpty returns true when the selection cannot include any key
func (s Selection) IsEmpty() bool {
	return s.restricted && s.planner == nil && len(s.keys) == 0
}

// Includes returns true if key is selected
func (s Selection) Includes(key string) bool {
	if !s.restricted {
		return true
	}
	if s.planner != nil {
		return s.planner.ShardOf(key) == s.shard
	}
	_, ok := s.keys[key]
	return ok
}

// Filter returns the selected keys in their original order
func (s Selection) Filter(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if s.Includes(k) {
			out = append(out, k)
		}
	}
	return out
}

// Keys returns the explicitly selected keys, sorted. It is nil for unrestricted
// and static shard selections.
func (s Selection) Keys() []string {
	if s.keys == nil {
		return nil
	}
	return sortedKeys(s.keys)
}

// String describes the selection for logs
func (s Selection) String() string {
	switch {
	case !s.restricted:
		return "all"
	case s.planner != nil:
		return fmt.Sprintf("shard %d/%d", s.shard, s.planner.Count())
	default:
		return fmt.Sprintf("keys %s", strings.Join(sortedKeys(s.keys), ","))
	}
}
