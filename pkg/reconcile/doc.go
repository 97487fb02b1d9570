// Package reconcile runs one reconciliation of an integration as a chain of
// handlers passing typed values through the context.
//
// Fetch and action failures are collected on the Result and never abort
// sibling work. Configuration errors abort the run before any fetch.
package reconcile
