package earlyexit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/metrics"
	"github.com/chazu/steward/pkg/snapshot"
)

// Mode names the gate mode that produced a decision
type Mode string

const (
	ModeNone     Mode = "none"
	ModeSnapshot Mode = "snapshot"
	ModeCache    Mode = "cache"
)

// Reasons reported on decisions
const (
	ReasonUnchanged   = "desired state unchanged"
	ReasonCacheHit    = "cached result"
	ReasonNotEnabled  = "early exit not requested"
	ReasonChanged     = "desired state changed"
	ReasonCacheMiss   = "no cached result"
	ReasonUnavailable = "early exit unavailable"
)

// Decision is the outcome of a gate check. The zero value proceeds.
type Decision struct {
	// Skip is true when the run should not fetch or apply anything
	Skip bool

	// Reason explains the decision
	Reason string

	// Mode is the gate mode that decided
	Mode Mode

	// CachedOutput is the output recorded by an earlier run (cache skips only)
	CachedOutput []byte

	// CacheKey is the key the run's output is stored under; empty unless cache
	// mode was requested
	CacheKey string
}

func proceed(mode Mode, reason string) Decision {
	return Decision{Mode: mode, Reason: reason}
}

// String renders the decision for logs
func (d Decision) String() string {
	verb := "proceed"
	if d.Skip {
		verb = "skip"
	}
	return fmt.Sprintf("%s (%s: %s)", verb, d.Mode, d.Reason)
}

// Entry is a cached run output
type Entry struct {
	Key         string    `json:"key"`
	Integration string    `json:"integration"`
	Output      []byte    `json:"output"`
	StoredAt    time.Time `json:"storedAt"`
}

// ErrNotFound is returned by caches for missing or expired keys
var ErrNotFound = errors.New("cache entry not found")

// Cache stores run outputs with a TTL. Get returns ErrNotFound on a miss.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, entry *Entry, ttl time.Duration) error
}

// SnapshotSource returns the desired-state snapshot at a revision
type SnapshotSource interface {
	Snapshot(ctx context.Context, revision string) (*snapshot.Snapshot, error)
}

// Request describes the run a gate decides about
type Request struct {
	// Integration and Version identify the integration
	Integration string
	Version     string

	// Params are the run parameters that influence the run output
	Params map[string]string

	// Snapshot is the desired state at the current revision
	Snapshot *snapshot.Snapshot

	// CompareRevision enables snapshot-diff mode against that revision
	CompareRevision string

	// CacheEnabled enables cache mode
	CacheEnabled bool

	// TTL is how long a stored output stays valid
	TTL time.Duration
}

// Gate decides whether a run can be skipped. Every lookup failure proceeds.
type Gate struct {
	source SnapshotSource
	cache  Cache
}

// NewGate creates a gate. Either collaborator may be nil, which disables the
// mode that needs it.
func NewGate(source SnapshotSource, cache Cache) *Gate {
	return &Gate{source: source, cache: cache}
}

// Check evaluates snapshot-diff mode, then cache mode
func (g *Gate) Check(ctx context.Context, req Request) Decision {
	logger := log.FromContext(ctx)

	var key string
	if req.CacheEnabled {
		key = CacheKey(req.Integration, req.Version, req.Params, req.Snapshot)
	}

	decision := proceed(ModeNone, ReasonNotEnabled)
	if req.CompareRevision != "" {
		decision = g.checkSnapshot(ctx, req)
		if decision.Skip {
			decision.CacheKey = key
			return g.record(ctx, req, decision)
		}
	}

	if req.CacheEnabled {
		decision = g.checkCache(ctx, req, key)
		decision.CacheKey = key
	}

	logger.V(1).Info("Early exit decision", "decision", decision.String())
	return g.record(ctx, req, decision)
}

func (g *Gate) record(ctx context.Context, req Request, d Decision) Decision {
	if d.Mode == ModeNone {
		return d
	}
	result := "proceed"
	if d.Skip {
		result = "skip"
		log.FromContext(ctx).Info("Skipping run", "mode", d.Mode, "reason", d.Reason)
	}
	metrics.RecordEarlyExitDecision(req.Integration, string(d.Mode), result)
	return d
}

func (g *Gate) checkSnapshot(ctx context.Context, req Request) Decision {
	logger := log.FromContext(ctx)

	if g.source == nil || req.Snapshot == nil {
		return proceed(ModeSnapshot, ReasonUnavailable)
	}

	previous, err := g.source.Snapshot(ctx, req.CompareRevision)
	if err != nil {
		logger.Info("Snapshot comparison unavailable, proceeding", "revision", req.CompareRevision, "error", err.Error())
		return proceed(ModeSnapshot, ReasonUnavailable)
	}

	if previous.Identical(req.Snapshot) {
		return Decision{Skip: true, Mode: ModeSnapshot, Reason: ReasonUnchanged}
	}
	return proceed(ModeSnapshot, ReasonChanged)
}

func (g *Gate) checkCache(ctx context.Context, req Request, key string) Decision {
	logger := log.FromContext(ctx)

	if g.cache == nil || req.Snapshot == nil {
		return proceed(ModeCache, ReasonUnavailable)
	}

	entry, err := g.cache.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return proceed(ModeCache, ReasonCacheMiss)
	case err != nil:
		cacheErr := &errdefs.CacheUnavailableError{Op: "get", Key: key, Err: err}
		metrics.RecordEarlyExitCacheError(req.Integration, "get")
		logger.Info("Early exit cache unavailable, proceeding", "error", cacheErr.Error())
		return proceed(ModeCache, ReasonUnavailable)
	}

	return Decision{Skip: true, Mode: ModeCache, Reason: ReasonCacheHit, CachedOutput: entry.Output}
}

// Store records the output of a successful run under the request's cache key
func (g *Gate) Store(ctx context.Context, req Request, output []byte) error {
	if !req.CacheEnabled || g.cache == nil || req.Snapshot == nil {
		return nil
	}

	key := CacheKey(req.Integration, req.Version, req.Params, req.Snapshot)
	entry := &Entry{
		Key:         key,
		Integration: req.Integration,
		Output:      output,
		StoredAt:    time.Now(),
	}
	if err := g.cache.Set(ctx, entry, req.TTL); err != nil {
		metrics.RecordEarlyExitCacheError(req.Integration, "set")
		return &errdefs.CacheUnavailableError{Op: "set", Key: key, Err: err}
	}

	log.FromContext(ctx).V(1).Info("Stored run output", "key", key, "ttl", req.TTL.String())
	return nil
}

// CacheKey derives the cache key from the integration identity, the run
// parameters and the snapshot content
func CacheKey(integration, version string, params map[string]string, snap *snapshot.Snapshot) string {
	return fmt.Sprintf("steward:%s:%s:%016x:%s",
		integration, version, hashParams(params), snap.Digest().Encoded())
}

func hashParams(params map[string]string) uint64 {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, params[k]})
	}

	// marshaling string pairs cannot fail
	data, _ := json.Marshal(pairs)
	return xxhash.Sum64(data)
}
