// Package runner drives periodic unrestricted reconciliations of one integration.
package runner

import (
	"context"
	"strings"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/reconcile"
	"github.com/chazu/steward/pkg/shard"
)

// DefaultJitter spreads runs of many integrations started together
const DefaultJitter = 0.1

// Reconciler runs one reconciliation
type Reconciler interface {
	Run(ctx context.Context, params reconcile.Params) *reconcile.Result
}

// Config configures a runner
type Config struct {
	// Interval is the period between the end of one run and the start of the next
	Interval time.Duration

	// Jitter is the fraction of Interval added at random to each wait
	Jitter float64

	// PerScope runs every scope as its own restricted run instead of one
	// run over all scopes
	PerScope bool

	// Scopes are the scopes of the integration, used in PerScope mode
	Scopes []string

	// Params are the base run parameters. Shard restrictions and early exit
	// are always cleared: periodic runs reconcile everything.
	Params reconcile.Params

	// OnResult is called with the result of every run
	OnResult func(*reconcile.Result)
}

// Runner runs unrestricted reconciliations on an interval
type Runner struct {
	reconciler Reconciler
	config     Config

	mu   sync.Mutex
	runs int
	last []*reconcile.Result
}

// New creates a runner
func New(reconciler Reconciler, config Config) (*Runner, error) {
	if reconciler == nil {
		return nil, errdefs.NewConfigurationError("a reconciler is required")
	}
	if config.Interval <= 0 {
		return nil, errdefs.NewConfigurationError("run interval must be positive, got %s", config.Interval)
	}
	if config.Jitter < 0 {
		return nil, errdefs.NewConfigurationError("jitter must not be negative")
	}
	if config.PerScope && len(config.Scopes) == 0 {
		return nil, errdefs.NewConfigurationError("per-scope runs require at least one scope")
	}
	return &Runner{reconciler: reconciler, config: config}, nil
}

// Start runs reconciliations until ctx is cancelled. The first run starts immediately.
func (r *Runner) Start(ctx context.Context) error {
	logger := log.FromContext(ctx)
	logger.Info("Starting periodic runs", "interval", r.config.Interval.String(), "perScope", r.config.PerScope)

	wait.JitterUntilWithContext(ctx, func(ctx context.Context) {
		r.RunOnce(ctx)
	}, r.config.Interval, r.config.Jitter, true)

	logger.Info("Stopped periodic runs", "runs", r.Runs())
	return nil
}

// RunOnce performs one round of unrestricted runs and returns their results
func (r *Runner) RunOnce(ctx context.Context) []*reconcile.Result {
	base := unrestricted(r.config.Params)

	var results []*reconcile.Result
	if r.config.PerScope {
		for _, selection := range (shard.ScopePlanner{}).Plan(r.config.Scopes) {
			if ctx.Err() != nil {
				break
			}
			params := base
			params.ShardArg = strings.Join(selection.Keys(), ",")
			results = append(results, r.run(ctx, params))
		}
	} else {
		results = append(results, r.run(ctx, base))
	}

	r.mu.Lock()
	r.runs++
	r.last = results
	r.mu.Unlock()

	return results
}

func (r *Runner) run(ctx context.Context, params reconcile.Params) *reconcile.Result {
	result := r.reconciler.Run(ctx, params)
	if result.HasErrors() {
		log.FromContext(ctx).Info("Periodic run finished with errors",
			"shard", params.ShardArg,
			"exitCode", result.ExitCode(),
			"errors", len(result.Errors()))
	}
	if r.config.OnResult != nil {
		r.config.OnResult(result)
	}
	return result
}

// Runs returns the number of completed rounds
func (r *Runner) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

// Last returns the results of the latest round
func (r *Runner) Last() []*reconcile.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*reconcile.Result(nil), r.last...)
}

// unrestricted clears shard restrictions and early exit from params
func unrestricted(params reconcile.Params) reconcile.Params {
	params.ShardArg = ""
	params.ShardID = 0
	params.ShardCount = 0
	params.EarlyExitCompareRevision = ""
	params.ExtendedEarlyExitEnabled = false
	params.ExtendedEarlyExitTTLSeconds = 0
	return params
}
