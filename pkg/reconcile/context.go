package reconcile

import (
	"github.com/authzed/controller-idioms/queue"
	"github.com/authzed/controller-idioms/typedctx"

	"github.com/chazu/steward/pkg/earlyexit"
	"github.com/chazu/steward/pkg/inventory"
	"github.com/chazu/steward/pkg/shard"
)

// Context keys for the reconciliation pipeline
//
// These typed context keys provide type-safe access to values passed between
// handlers in the reconciliation pipeline.
var (
	// CtxQueue ends the pipeline
	CtxQueue = queue.NewQueueOperationsCtx()

	// CtxParams are the run parameters
	CtxParams = typedctx.NewKey[Params]()

	// CtxResult accumulates the run outcome
	CtxResult = typedctx.NewKey[*Result]()

	// CtxDesired is the loaded desired state
	CtxDesired = typedctx.NewKey[*DesiredState]()

	// CtxGateRequest is the early-exit request of the run
	CtxGateRequest = typedctx.NewKey[earlyexit.Request]()

	// CtxSelection is the shard selection of the run
	CtxSelection = typedctx.NewKey[shard.Selection]()

	// CtxInventory is the run inventory
	CtxInventory = typedctx.NewKey[*inventory.Inventory]()

	// CtxActions is the computed plan
	CtxActions = typedctx.NewKey[[]inventory.Action]()
)
