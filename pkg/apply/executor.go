package apply

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sourcegraph/conc/pool"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/graph"
	"github.com/chazu/steward/pkg/inventory"
	"github.com/chazu/steward/pkg/metrics"
)

// Applier sends one action to the external system that owns its scope
type Applier interface {
	Apply(ctx context.Context, action inventory.Action) error
}

// ExecutorConfig contains configuration for the apply executor
type ExecutorConfig struct {
	// Integration labels metrics and logs
	Integration string

	// MaxConcurrency is the maximum number of actions applied concurrently
	// Default: 10
	MaxConcurrency int

	// MaxRetries is the maximum number of retries per action
	// Default: 2
	MaxRetries int

	// RetryBackoffBase is the base duration for exponential backoff
	// Default: 1 second
	RetryBackoffBase time.Duration

	// RetryBackoffMax is the maximum backoff duration
	// Default: 30 seconds
	RetryBackoffMax time.Duration
}

// DefaultExecutorConfig returns the default executor configuration
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrency:   10,
		MaxRetries:       2,
		RetryBackoffBase: 1 * time.Second,
		RetryBackoffMax:  30 * time.Second,
	}
}

// Executor applies planned actions wave by wave with bounded concurrency
type Executor struct {
	config  ExecutorConfig
	applier Applier
	locks   *identityLocks
}

// NewExecutor creates a new apply executor
func NewExecutor(applier Applier, config ExecutorConfig) *Executor {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultExecutorConfig().MaxConcurrency
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &Executor{
		config:  config,
		applier: applier,
		locks:   newIdentityLocks(),
	}
}

// Execute runs the apply phase over actions in plan order. With dryRun every
// action is described and none is sent to the applier; the plan is identical
// in both modes.
//
// Cancelling ctx stops submission of further actions. Actions already submitted
// run to completion; the rest are recorded as skipped with the context error.
func (e *Executor) Execute(ctx context.Context, actions []inventory.Action, dryRun bool) *Report {
	logger := log.FromContext(ctx)

	keys := make([]string, len(actions))
	for i, a := range actions {
		keys[i] = a.Key()
	}
	state := graph.NewExecutionState(keys)

	report := &Report{
		DryRun:   dryRun,
		Outcomes: make([]Outcome, len(actions)),
	}
	for i, a := range actions {
		report.Outcomes[i] = Outcome{Action: a, State: graph.ActionStatePending}
	}

	if dryRun {
		for _, a := range actions {
			logger.V(1).Info("Planned action", "action", a.Describe(), "wave", a.Wave())
		}
		state.MarkComplete()
		report.Summary = state.GetSummary()
		return report
	}

	// In-flight applies are not interrupted by cancellation
	applyCtx := context.WithoutCancel(ctx)

	for _, phase := range phases(actions) {
		if ctx.Err() != nil {
			break
		}

		logger.V(1).Info("Applying phase", "wave", actions[phase.start].Wave(),
			"deletes", actions[phase.start].Verb() == inventory.VerbDelete, "actions", phase.end-phase.start)

		p := pool.New().WithMaxGoroutines(e.config.MaxConcurrency)
		for i := phase.start; i < phase.end; i++ {
			if ctx.Err() != nil {
				break
			}
			i := i
			p.Go(func() {
				report.Outcomes[i] = e.executeAction(applyCtx, ctx, state, actions[i])
			})
		}
		p.Wait()
	}

	for i, a := range actions {
		st, _ := state.GetState(a.Key())
		if st != graph.ActionStatePending {
			continue
		}
		err := &errdefs.ActionError{Verb: string(a.Verb()), Target: a.Identity().String(), Err: fmt.Errorf("not submitted: %w", ctx.Err())}
		_ = state.SetSkipped(a.Key(), err)
		metrics.RecordAction(e.config.Integration, string(a.Verb()), "skipped", 0)
		report.Outcomes[i] = Outcome{Action: a, State: graph.ActionStateSkipped, Err: err}
	}

	state.MarkComplete()
	report.Summary = state.GetSummary()

	logger.Info("Apply phase finished",
		"applied", report.Summary.Applied,
		"failed", report.Summary.Failed,
		"skipped", report.Summary.Skipped,
		"retries", report.Summary.Retries)

	return report
}

// executeAction applies one action with retries. applyCtx carries no
// cancellation; cancelCtx only cuts retry backoff short.
func (e *Executor) executeAction(applyCtx, cancelCtx context.Context, state *graph.ExecutionState, a inventory.Action) Outcome {
	logger := log.FromContext(applyCtx).WithValues("verb", string(a.Verb()), "target", a.Identity().String())

	unlock := e.locks.lock(a.Key())
	defer unlock()

	if err := state.SetState(a.Key(), graph.ActionStateApplying); err != nil {
		return Outcome{Action: a, State: graph.ActionStateFailed, Err: err}
	}

	start := time.Now()
	retries, err := e.applyWithRetry(applyCtx, cancelCtx, state, a)
	duration := time.Since(start)

	if err != nil {
		actionErr := &errdefs.ActionError{Verb: string(a.Verb()), Target: a.Identity().String(), Err: err}
		_ = state.SetFailed(a.Key(), actionErr)
		metrics.RecordAction(e.config.Integration, string(a.Verb()), "failure", duration.Seconds())
		logger.Error(err, "Failed to apply action", "retries", retries)
		return Outcome{Action: a, State: graph.ActionStateFailed, Err: actionErr, Retries: retries, Duration: duration}
	}

	_ = state.SetState(a.Key(), graph.ActionStateApplied)
	metrics.RecordAction(e.config.Integration, string(a.Verb()), "success", duration.Seconds())
	logger.V(1).Info("Applied action", "duration_ms", duration.Milliseconds(), "retries", retries)
	return Outcome{Action: a, State: graph.ActionStateApplied, Retries: retries, Duration: duration}
}

func (e *Executor) applyWithRetry(applyCtx, cancelCtx context.Context, state *graph.ExecutionState, a inventory.Action) (int, error) {
	retries := 0
	for {
		err := e.applier.Apply(applyCtx, a)
		if err == nil {
			return retries, nil
		}
		if IsPermanent(err) || retries >= e.config.MaxRetries {
			return retries, err
		}

		delay := e.calculateBackoff(retries)
		log.FromContext(applyCtx).V(1).Info("Retrying action", "target", a.Identity().String(), "attempt", retries+1, "backoff", delay, "error", err.Error())

		select {
		case <-cancelCtx.Done():
			return retries, fmt.Errorf("retry abandoned (%v): %w", cancelCtx.Err(), err)
		case <-time.After(delay):
		}

		retries++
		_ = state.IncrementRetry(a.Key())
		metrics.RecordActionRetry(e.config.Integration, string(a.Verb()))
	}
}

// calculateBackoff calculates the backoff duration for a retry attempt
func (e *Executor) calculateBackoff(retryCount int) time.Duration {
	// Exponential backoff: base * 2^retryCount
	backoff := time.Duration(float64(e.config.RetryBackoffBase) * math.Pow(2, float64(retryCount)))

	if e.config.RetryBackoffMax > 0 && backoff > e.config.RetryBackoffMax {
		backoff = e.config.RetryBackoffMax
	}

	return backoff
}

type phase struct {
	start, end int
}

// phases splits plan-ordered actions into consecutive runs that share a verb
// class and wave. Each phase finishes before the next one starts.
func phases(actions []inventory.Action) []phase {
	var out []phase
	for i := 0; i < len(actions); {
		j := i + 1
		for j < len(actions) && samePhase(actions[i], actions[j]) {
			j++
		}
		out = append(out, phase{start: i, end: j})
		i = j
	}
	return out
}

func samePhase(a, b inventory.Action) bool {
	aDelete := a.Verb() == inventory.VerbDelete
	bDelete := b.Verb() == inventory.VerbDelete
	return aDelete == bDelete && a.Wave() == b.Wave()
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks an apply error as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent returns true if err was marked with Permanent
func IsPermanent(err error) bool {
	var perr *permanentError
	return errors.As(err, &perr)
}
