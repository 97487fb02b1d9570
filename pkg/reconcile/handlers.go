package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/authzed/controller-idioms/handler"
	"github.com/sourcegraph/conc/pool"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/steward/pkg/apply"
	"github.com/chazu/steward/pkg/earlyexit"
	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/graph"
	"github.com/chazu/steward/pkg/inventory"
	"github.com/chazu/steward/pkg/metrics"
	"github.com/chazu/steward/pkg/resource"
)

// Handler IDs for the reconciliation pipeline
const (
	ValidateParamsID handler.Key = "validate-params"
	CheckPauseID     handler.Key = "check-pause"
	LoadDesiredID    handler.Key = "load-desired"
	CheckEarlyExitID handler.Key = "check-early-exit"
	SelectShardsID   handler.Key = "select-shards"
	BuildInventoryID handler.Key = "build-inventory"
	FetchCurrentID   handler.Key = "fetch-current"
	PlanID           handler.Key = "plan"
	ApplyID          handler.Key = "apply"
	StoreOutputID    handler.Key = "store-output"
)

// ReconcileHandlers contains all handlers of a run
type ReconcileHandlers struct {
	config     Config
	provider   DesiredStateProvider
	client     Client
	gate       *earlyexit.Gate
	normalizer *resource.Normalizer
	kindOrder  *graph.KindOrder
}

// fail records a fatal error and ends the pipeline
func fail(ctx context.Context, err error) {
	CtxResult.MustValue(ctx).Err = err
	CtxQueue.Done(ctx)
}

// skip ends the pipeline without fetching or applying anything
func skip(ctx context.Context, reason string) {
	log.FromContext(ctx).Info("Run skipped", "reason", reason)
	result := CtxResult.MustValue(ctx)
	result.Skipped = true
	result.SkipReason = reason
	CtxQueue.Done(ctx)
}

// ValidateParamsHandler rejects invalid run parameters before any work
type ValidateParamsHandler struct {
	next handler.Handler
}

func (h *ValidateParamsHandler) Handle(ctx context.Context) {
	if err := CtxParams.MustValue(ctx).Validate(); err != nil {
		fail(ctx, err)
		return
	}
	h.next.Handle(ctx)
}

// ValidateParams returns a handler builder for parameter validation
func (r *ReconcileHandlers) ValidateParams() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&ValidateParamsHandler{next: handler.Handlers(next).MustOne()},
			ValidateParamsID,
		)
	}
}

// CheckPauseHandler ends runs of a paused integration
type CheckPauseHandler struct {
	paused bool
	next   handler.Handler
}

func (h *CheckPauseHandler) Handle(ctx context.Context) {
	if h.paused {
		skip(ctx, "integration is paused")
		return
	}
	h.next.Handle(ctx)
}

// CheckPause returns a handler builder for checking the paused flag
func (r *ReconcileHandlers) CheckPause() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&CheckPauseHandler{paused: r.config.Paused, next: handler.Handlers(next).MustOne()},
			CheckPauseID,
		)
	}
}

// LoadDesiredHandler loads desired state from the provider
type LoadDesiredHandler struct {
	provider DesiredStateProvider
	next     handler.Handler
}

func (h *LoadDesiredHandler) Handle(ctx context.Context) {
	logger := log.FromContext(ctx)
	params := CtxParams.MustValue(ctx)

	desired, err := h.provider.Desired(ctx, params.Revision)
	if err != nil {
		fail(ctx, fmt.Errorf("failed to load desired state: %w", err))
		return
	}

	if desired.Snapshot == nil {
		fail(ctx, fmt.Errorf("desired state provider returned no snapshot"))
		return
	}

	logger.Info("Desired state loaded",
		"revision", desired.Snapshot.Revision,
		"scopes", len(desired.Scopes),
		"resources", len(desired.Resources))

	ctx = CtxDesired.WithValue(ctx, desired)
	h.next.Handle(ctx)
}

// LoadDesired returns a handler builder for loading desired state
func (r *ReconcileHandlers) LoadDesired() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&LoadDesiredHandler{provider: r.provider, next: handler.Handlers(next).MustOne()},
			LoadDesiredID,
		)
	}
}

// CheckEarlyExitHandler consults the early-exit gate
type CheckEarlyExitHandler struct {
	config Config
	gate   *earlyexit.Gate
	next   handler.Handler
}

func (h *CheckEarlyExitHandler) Handle(ctx context.Context) {
	params := CtxParams.MustValue(ctx)
	desired := CtxDesired.MustValue(ctx)
	result := CtxResult.MustValue(ctx)

	req := earlyexit.Request{
		Integration:     h.config.Integration,
		Version:         h.config.Version,
		Params:          params.CacheParams(),
		Snapshot:        desired.Snapshot,
		CompareRevision: params.EarlyExitCompareRevision,
		CacheEnabled:    params.ExtendedEarlyExitEnabled,
		TTL:             params.TTL(),
	}
	ctx = CtxGateRequest.WithValue(ctx, req)

	if h.gate == nil {
		h.next.Handle(ctx)
		return
	}

	decision := h.gate.Check(ctx, req)
	result.Decision = decision
	if decision.Skip {
		result.Skipped = true
		result.SkipReason = decision.Reason
		if !params.NoReplayCachedOutput {
			result.Output = decision.CachedOutput
		}
		CtxQueue.Done(ctx)
		return
	}

	h.next.Handle(ctx)
}

// CheckEarlyExit returns a handler builder for the early-exit gate
func (r *ReconcileHandlers) CheckEarlyExit() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&CheckEarlyExitHandler{config: r.config, gate: r.gate, next: handler.Handlers(next).MustOne()},
			CheckEarlyExitID,
		)
	}
}

// SelectShardsHandler resolves the shard selection of the run
type SelectShardsHandler struct {
	config Config
	next   handler.Handler
}

func (h *SelectShardsHandler) Handle(ctx context.Context) {
	params := CtxParams.MustValue(ctx)
	result := CtxResult.MustValue(ctx)

	selection, err := params.Selection()
	if err != nil {
		fail(ctx, err)
		return
	}
	result.Selection = selection

	if selection.IsEmpty() {
		metrics.SetAffectedShards(h.config.Integration, 0)
		skip(ctx, "no shards selected")
		return
	}
	if selection.IsRestricted() {
		log.FromContext(ctx).Info("Restricted run", "selection", selection.String())
	}

	ctx = CtxSelection.WithValue(ctx, selection)
	h.next.Handle(ctx)
}

// SelectShards returns a handler builder for shard selection
func (r *ReconcileHandlers) SelectShards() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&SelectShardsHandler{config: r.config, next: handler.Handlers(next).MustOne()},
			SelectShardsID,
		)
	}
}

// BuildInventoryHandler creates the run inventory and fills in desired state
type BuildInventoryHandler struct {
	config     Config
	normalizer *resource.Normalizer
	kindOrder  *graph.KindOrder
	next       handler.Handler
}

func (h *BuildInventoryHandler) Handle(ctx context.Context) {
	desired := CtxDesired.MustValue(ctx)
	selection := CtxSelection.MustValue(ctx)

	managed := make(map[string][]string, len(h.config.ManagedKinds))
	for scope, kinds := range h.config.ManagedKinds {
		if scope == inventory.AllScopes || selection.Includes(scope) {
			managed[scope] = kinds
		}
	}

	inv, err := inventory.New(inventory.Config{
		Integration:      h.config.Integration,
		Version:          h.config.Version,
		Normalizer:       h.normalizer,
		ManagedKinds:     managed,
		KindOrder:        h.kindOrder,
		RequireOwnership: h.config.RequireOwnership,
	})
	if err != nil {
		fail(ctx, err)
		return
	}

	for _, scope := range selection.Filter(desired.Scopes) {
		inv.AddScope(scope)
	}
	for _, r := range desired.Resources {
		if !selection.Includes(r.Identity.Scope) {
			continue
		}
		if err := inv.AddDesired(r); err != nil {
			fail(ctx, err)
			return
		}
	}

	ctx = CtxInventory.WithValue(ctx, inv)
	h.next.Handle(ctx)
}

// BuildInventory returns a handler builder for building the inventory
func (r *ReconcileHandlers) BuildInventory() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&BuildInventoryHandler{
				config:     r.config,
				normalizer: r.normalizer,
				kindOrder:  r.kindOrder,
				next:       handler.Handlers(next).MustOne(),
			},
			BuildInventoryID,
		)
	}
}

// FetchCurrentHandler lists current state of every scope on a bounded pool.
// A scope that fails to fetch is marked unknown so nothing in it is deleted.
type FetchCurrentHandler struct {
	config Config
	client Client
	next   handler.Handler
}

func (h *FetchCurrentHandler) Handle(ctx context.Context) {
	logger := log.FromContext(ctx)
	params := CtxParams.MustValue(ctx)
	result := CtxResult.MustValue(ctx)
	inv := CtxInventory.MustValue(ctx)

	var mu sync.Mutex
	fetched := 0

	p := pool.New().WithMaxGoroutines(params.Workers())
	for _, scope := range inv.Scopes() {
		scope := scope
		kinds := inv.FetchKinds(scope)
		if len(kinds) == 0 {
			continue
		}
		p.Go(func() {
			logger.V(2).Info("Fetching current state", "scope", scope, "kinds", kinds)

			current, err := h.client.FetchCurrent(ctx, scope, kinds)
			if err != nil {
				inv.MarkScopeUnknown(scope)
				metrics.RecordFetchError(h.config.Integration, scope)
				fetchErr := &errdefs.FetchError{Scope: scope, Err: err}
				logger.Error(fetchErr, "Scope excluded from this run", "scope", scope)
				result.AddError(fetchErr)
				return
			}

			for _, r := range current {
				if r.Identity.Scope != scope {
					logger.V(1).Info("Ignoring resource listed for another scope", "scope", scope, "resource", r.Identity.String())
					continue
				}
				if err := inv.AddCurrent(r); err != nil {
					logger.V(1).Info("Ignoring invalid current resource", "scope", scope, "error", err.Error())
				}
			}

			mu.Lock()
			fetched += len(current)
			mu.Unlock()
		})
	}
	p.Wait()

	logger.V(1).Info("Current state fetched", "resources", fetched)
	h.next.Handle(ctx)
}

// FetchCurrent returns a handler builder for fetching current state
func (r *ReconcileHandlers) FetchCurrent() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&FetchCurrentHandler{config: r.config, client: r.client, next: handler.Handlers(next).MustOne()},
			FetchCurrentID,
		)
	}
}

// PlanHandler computes the ordered action list
type PlanHandler struct {
	config Config
	next   handler.Handler
}

func (h *PlanHandler) Handle(ctx context.Context) {
	inv := CtxInventory.MustValue(ctx)
	result := CtxResult.MustValue(ctx)

	actions := inv.ComputeActions()
	result.Actions = actions
	result.Stats = inv.Stats(actions)

	for _, s := range result.Stats {
		metrics.SetResourceCounts(h.config.Integration, s.Scope, s.Kind, s.Desired, s.Current, s.Changed)
	}

	log.FromContext(ctx).Info("Plan computed",
		"actions", len(actions),
		"desired", inv.DesiredCount(),
		"current", inv.CurrentCount())

	ctx = CtxActions.WithValue(ctx, actions)
	h.next.Handle(ctx)
}

// Plan returns a handler builder for planning
func (r *ReconcileHandlers) Plan() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&PlanHandler{config: r.config, next: handler.Handlers(next).MustOne()},
			PlanID,
		)
	}
}

// ApplyHandler describes or applies the plan
type ApplyHandler struct {
	config Config
	client Client
	next   handler.Handler
}

func (h *ApplyHandler) Handle(ctx context.Context) {
	params := CtxParams.MustValue(ctx)
	result := CtxResult.MustValue(ctx)
	actions := CtxActions.MustValue(ctx)

	executor := apply.NewExecutor(h.client, apply.ExecutorConfig{
		Integration:      h.config.Integration,
		MaxConcurrency:   params.Workers(),
		MaxRetries:       h.config.MaxRetries,
		RetryBackoffBase: h.config.RetryBackoffBase,
		RetryBackoffMax:  h.config.RetryBackoffMax,
	})

	report := executor.Execute(ctx, actions, params.DryRun)
	result.Report = report
	for _, err := range report.Errors() {
		result.AddError(err)
	}

	output, err := renderReport(report)
	if err != nil {
		fail(ctx, fmt.Errorf("failed to render plan: %w", err))
		return
	}
	result.Output = output

	h.next.Handle(ctx)
}

// Apply returns a handler builder for the apply phase
func (r *ReconcileHandlers) Apply() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&ApplyHandler{config: r.config, client: r.client, next: handler.Handlers(next).MustOne()},
			ApplyID,
		)
	}
}

// StoreOutputHandler stores the output of an error-free run in the early-exit
// cache. Cache failures never fail the run.
type StoreOutputHandler struct {
	gate *earlyexit.Gate
}

func (h *StoreOutputHandler) Handle(ctx context.Context) {
	result := CtxResult.MustValue(ctx)

	if h.gate != nil && !result.HasErrors() {
		req := CtxGateRequest.MustValue(ctx)
		if err := h.gate.Store(ctx, req, result.Output); err != nil {
			log.FromContext(ctx).Info("Run output not cached", "error", err.Error())
		}
	}

	CtxQueue.Done(ctx)
}

// StoreOutput returns a handler builder for caching run output
func (r *ReconcileHandlers) StoreOutput() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&StoreOutputHandler{gate: r.gate},
			StoreOutputID,
		)
	}
}
