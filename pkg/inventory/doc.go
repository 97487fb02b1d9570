// Package inventory holds the desired and current resources of one
// reconciliation run and computes the create, update and delete actions that
// move current state to desired state. An inventory is built per run and never
// persisted.
package inventory
