package reconcile

import (
	"context"
	"time"

	"github.com/authzed/controller-idioms/handler"
	"github.com/authzed/controller-idioms/queue"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/steward/pkg/earlyexit"
	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/graph"
	"github.com/chazu/steward/pkg/metrics"
	"github.com/chazu/steward/pkg/resource"
)

// Reconciler runs reconciliations of one integration using handlers
type Reconciler struct {
	handlers *ReconcileHandlers
	pipeline handler.Handler
}

// NewReconciler creates a reconciler. gate may be nil to disable early exit.
// Invalid configuration is reported as a configuration error.
func NewReconciler(
	config Config,
	provider DesiredStateProvider,
	client Client,
	gate *earlyexit.Gate,
) (*Reconciler, error) {
	if config.Integration == "" {
		return nil, errdefs.NewConfigurationError("integration name is required")
	}
	if provider == nil {
		return nil, errdefs.NewConfigurationError("a desired state provider is required")
	}
	if client == nil {
		return nil, errdefs.NewConfigurationError("a client is required")
	}

	var opts []resource.NormalizerOption
	if config.ProvenancePath != "" {
		opts = append(opts, resource.WithProvenancePath(config.ProvenancePath))
	}
	normalizer, err := resource.NewNormalizer(config.Denylist, opts...)
	if err != nil {
		return nil, err
	}

	kindOrder, err := graph.BuildKindOrder(config.KindDependencies)
	if err != nil {
		return nil, err
	}

	if !config.Shard.IsZero() {
		if err := config.Shard.Validate(); err != nil {
			return nil, err
		}
	}

	handlers := &ReconcileHandlers{
		config:     config,
		provider:   provider,
		client:     client,
		gate:       gate,
		normalizer: normalizer,
		kindOrder:  kindOrder,
	}

	// Build the reconciliation pipeline
	pipeline := handler.Chain(
		handlers.ValidateParams(),
		handlers.CheckPause(),
		handlers.LoadDesired(),    // Desired state and snapshot
		handlers.CheckEarlyExit(), // Snapshot-diff and cache modes
		handlers.SelectShards(),
		handlers.BuildInventory(),
		handlers.FetchCurrent(), // One task per scope
		handlers.Plan(),
		handlers.Apply(), // Or only describe, in dry-run
		handlers.StoreOutput(),
	).Handler(handler.Key("reconcile-" + config.Integration))

	return &Reconciler{
		handlers: handlers,
		pipeline: pipeline,
	}, nil
}

// Config returns the integration configuration
func (r *Reconciler) Config() Config {
	return r.handlers.config
}

// Run executes one reconciliation. Fetch and action errors are collected on the
// result; configuration errors abort the run before any fetch.
func (r *Reconciler) Run(ctx context.Context, params Params) *Result {
	logger := log.FromContext(ctx).WithValues("integration", r.handlers.config.Integration, "mode", params.Mode())
	ctx = log.IntoContext(ctx, logger)
	logger.Info("Starting run")

	start := time.Now()
	result := &Result{
		Integration: r.handlers.config.Integration,
		DryRun:      params.DryRun,
	}

	pipelineCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := false
	queueOps := queue.NewOperations(
		func() { done = true },
		func(time.Duration) {},
		cancel,
	)

	pipelineCtx = CtxQueue.WithValue(pipelineCtx, queueOps)
	pipelineCtx = CtxParams.WithValue(pipelineCtx, params)
	pipelineCtx = CtxResult.WithValue(pipelineCtx, result)

	// Execute the pipeline
	r.pipeline.Handle(pipelineCtx)

	result.Duration = time.Since(start)
	if !done && result.Err == nil {
		logger.V(1).Info("Pipeline ended without completing")
	}

	status := "success"
	switch {
	case result.Skipped:
		status = "skipped"
	case result.HasErrors():
		status = "error"
	}
	metrics.RecordRun(result.Integration, params.Mode(), status, result.Duration.Seconds())

	if result.Err != nil {
		logger.Error(result.Err, "Run aborted")
	} else {
		logger.Info("Run finished",
			"result", status,
			"actions", len(result.Actions),
			"errors", len(result.Errors()),
			"duration", result.Duration.String())
	}

	return result
}
