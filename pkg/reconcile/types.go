package reconcile

import (
	"context"
	"strconv"
	"time"

	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/inventory"
	"github.com/chazu/steward/pkg/resource"
	"github.com/chazu/steward/pkg/shard"
	"github.com/chazu/steward/pkg/snapshot"
)

// DesiredState is the desired state of one run
type DesiredState struct {
	// Scopes lists every scope the document declares
	Scopes []string

	// Resources are the desired resources across all scopes
	Resources []*resource.ManagedResource

	// Snapshot is the serialized document the resources were read from
	Snapshot *snapshot.Snapshot
}

// DesiredStateProvider supplies desired state at a revision. An empty revision
// reads the latest state.
type DesiredStateProvider interface {
	Desired(ctx context.Context, revision string) (*DesiredState, error)
}

// Client is the per-system adapter a reconciler drives. Scopes are instances
// of the external system (clusters, accounts, organizations).
type Client interface {
	// FetchCurrent lists the current resources of kinds in scope
	FetchCurrent(ctx context.Context, scope string, kinds []string) ([]*resource.ManagedResource, error)

	// Apply performs one planned action against the external system
	Apply(ctx context.Context, action inventory.Action) error
}

// Config describes an integration
type Config struct {
	// Integration names the integration; stamped into provenance
	Integration string

	// Version is the integration version; stamped into provenance
	Version string

	// ManagedKinds lists, per scope, the kinds absent desired resources are deleted for.
	// Kinds under inventory.AllScopes are managed in every scope.
	ManagedKinds map[string][]string

	// Denylist lists field paths ignored when comparing bodies
	Denylist []string

	// ProvenancePath overrides where provenance is stamped in bodies, as a dotted field path
	ProvenancePath string

	// KindDependencies maps a kind to the kinds that must be applied before it
	KindDependencies map[string][]string

	// RequireOwnership restricts deletes to resources stamped by this integration
	RequireOwnership bool

	// Paused makes every run a no-op
	Paused bool

	// Shard declares shardable items of the desired-state document
	Shard shard.Config

	// MaxRetries, RetryBackoffBase and RetryBackoffMax control apply retries
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
}

// DefaultWorkerPoolSize is used when Params.WorkerPoolSize is zero
const DefaultWorkerPoolSize = 10

// Params are the parameters of one run
type Params struct {
	// DryRun plans without calling Apply
	DryRun bool

	// WorkerPoolSize bounds concurrent fetches and applies
	WorkerPoolSize int

	// Revision selects the desired-state revision; empty reads the latest
	Revision string

	// ShardArg restricts the run to a comma-separated list of shard keys
	ShardArg string

	// ShardID and ShardCount restrict the run to one static shard when ShardCount > 0
	ShardID    int
	ShardCount int

	// EarlyExitCompareRevision enables snapshot-diff early exit against a revision
	EarlyExitCompareRevision string

	// ExtendedEarlyExitEnabled enables cache-mode early exit
	ExtendedEarlyExitEnabled bool

	// ExtendedEarlyExitTTLSeconds is how long a stored run output stays valid
	ExtendedEarlyExitTTLSeconds int

	// NoReplayCachedOutput leaves the output of a cache-skipped run empty instead of
	// replaying the stored output
	NoReplayCachedOutput bool
}

// Validate checks the parameters. Every failure is a configuration error.
func (p Params) Validate() error {
	if p.WorkerPoolSize < 0 {
		return errdefs.NewConfigurationError("worker pool size must not be negative, got %d", p.WorkerPoolSize)
	}
	if p.ShardCount < 0 {
		return errdefs.NewConfigurationError("shard count must not be negative, got %d", p.ShardCount)
	}
	if p.ShardCount > 0 && (p.ShardID < 0 || p.ShardID >= p.ShardCount) {
		return errdefs.NewConfigurationError("shard id %d out of range [0, %d)", p.ShardID, p.ShardCount)
	}
	if p.ShardCount > 0 && p.ShardArg != "" {
		return errdefs.NewConfigurationError("shard arg and static shards are mutually exclusive")
	}
	if p.ExtendedEarlyExitEnabled && p.ExtendedEarlyExitTTLSeconds <= 0 {
		return errdefs.NewConfigurationError("extended early exit requires a positive ttl, got %d", p.ExtendedEarlyExitTTLSeconds)
	}
	return nil
}

// Workers returns the effective worker pool size
func (p Params) Workers() int {
	if p.WorkerPoolSize == 0 {
		return DefaultWorkerPoolSize
	}
	return p.WorkerPoolSize
}

// Mode returns "dry-run" or "apply"
func (p Params) Mode() string {
	if p.DryRun {
		return "dry-run"
	}
	return "apply"
}

// TTL returns the cache ttl
func (p Params) TTL() time.Duration {
	return time.Duration(p.ExtendedEarlyExitTTLSeconds) * time.Second
}

// CacheParams returns the parameters that shape the run output and therefore
// the early-exit cache key. Concurrency and the early-exit settings themselves
// are left out.
func (p Params) CacheParams() map[string]string {
	return map[string]string{
		"dryRun":     strconv.FormatBool(p.DryRun),
		"shardArg":   p.ShardArg,
		"shardID":    strconv.Itoa(p.ShardID),
		"shardCount": strconv.Itoa(p.ShardCount),
	}
}

// Selection returns the shard selection the parameters request
func (p Params) Selection() (shard.Selection, error) {
	switch {
	case p.ShardArg != "":
		return shard.ForKeys(shard.ParseKeys(p.ShardArg)), nil
	case p.ShardCount > 0:
		planner, err := shard.NewStaticPlanner(p.ShardCount)
		if err != nil {
			return shard.Selection{}, err
		}
		return planner.Select(p.ShardID)
	default:
		return shard.All(), nil
	}
}
