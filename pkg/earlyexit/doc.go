// Package earlyexit decides whether a reconciliation run can be skipped.
//
// Snapshot-diff mode skips when the desired state is byte-identical to the
// state at a comparison revision. Cache mode skips when an earlier run with
// the same integration, parameters and desired state stored its output, and
// replays that output. Both modes fail open: any lookup error runs normally.
package earlyexit
