// Package shard partitions reconciliation work. A StaticPlanner hashes keys
// into a fixed number of shards, a ScopePlanner gives every scope its own shard,
// and AffectedKeys computes the keys whose items changed between two
// desired-state snapshots so a run can be restricted to them.
//
// Restricted runs are an optimization. They must be paired with periodic
// unrestricted runs, which alone guarantee that every change is applied.
package shard
