// Package apply runs the apply phase of a reconciliation: planned actions are
// applied wave by wave on a bounded worker pool, retried with exponential
// backoff, and collected into a report that renders the same plan lines in
// dry-run and apply mode.
package apply
