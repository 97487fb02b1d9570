package reconcile

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/chazu/steward/pkg/apply"
	"github.com/chazu/steward/pkg/earlyexit"
	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/inventory"
	"github.com/chazu/steward/pkg/shard"
)

// Exit codes of a run
const (
	ExitOK            = 0
	ExitErrors        = 1
	ExitConfiguration = 2
)

// Result is the outcome of one run
type Result struct {
	Integration string
	DryRun      bool

	// Decision is the early-exit decision; Skipped is set when it skipped the run
	Decision earlyexit.Decision
	Skipped  bool

	// SkipReason explains a skip that did not come from the gate (paused, no shards)
	SkipReason string

	Selection shard.Selection

	// Actions is the ordered plan
	Actions []inventory.Action

	// Report holds per-action outcomes; nil when the run stopped before applying
	Report *apply.Report

	// Stats are the per-(scope, kind) counters
	Stats []inventory.KindStats

	// Err is a fatal error that aborted the run before any fetch
	Err error

	// Output is the rendered plan, or the replayed output of a cached run
	Output []byte

	Duration time.Duration

	mu     sync.Mutex
	errors []error
}

// AddError records a recoverable fetch or action error
func (r *Result) AddError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

// Errors returns the recoverable errors of the run
func (r *Result) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errors...)
}

// FetchErrors returns the scopes that could not be fetched
func (r *Result) FetchErrors() []*errdefs.FetchError {
	var out []*errdefs.FetchError
	for _, err := range r.Errors() {
		var fetchErr *errdefs.FetchError
		if errors.As(err, &fetchErr) {
			out = append(out, fetchErr)
		}
	}
	return out
}

// HasErrors returns true if the run failed in any way
func (r *Result) HasErrors() bool {
	return r.Err != nil || len(r.Errors()) > 0
}

// ExitCode returns the process exit status for the run
func (r *Result) ExitCode() int {
	switch {
	case r.Err != nil && errdefs.IsConfiguration(r.Err):
		return ExitConfiguration
	case r.HasErrors():
		return ExitErrors
	default:
		return ExitOK
	}
}

// Render writes the run output
func (r *Result) Render(w io.Writer) error {
	_, err := w.Write(r.Output)
	return err
}

// renderReport renders the plan annotated with outcomes
func renderReport(report *apply.Report) ([]byte, error) {
	var buf bytes.Buffer
	if err := report.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
