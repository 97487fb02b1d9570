package apply

import (
	"fmt"
	"io"
	"time"

	"github.com/chazu/steward/pkg/graph"
	"github.com/chazu/steward/pkg/inventory"
)

// Outcome is the result of one planned action
type Outcome struct {
	Action inventory.Action

	// State is Pending for dry-run outcomes, otherwise a terminal state
	State graph.ActionState

	// Err is an *errdefs.ActionError for failed and skipped actions
	Err error

	Retries  int
	Duration time.Duration
}

// Report is the result of an apply phase, with outcomes in plan order
type Report struct {
	DryRun   bool
	Outcomes []Outcome
	Summary  graph.ExecutionSummary
}

// Actions returns the actions of the report in plan order
func (r *Report) Actions() []inventory.Action {
	out := make([]inventory.Action, len(r.Outcomes))
	for i, o := range r.Outcomes {
		out[i] = o.Action
	}
	return out
}

// Errors returns the errors of failed and skipped actions in plan order
func (r *Report) Errors() []error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}

// HasErrors returns true if any action failed or was skipped
func (r *Report) HasErrors() bool {
	return len(r.Errors()) > 0
}

// Render writes one line per action. Dry-run lines and apply lines describe
// every action identically; apply lines are annotated with the outcome.
func (r *Report) Render(w io.Writer) error {
	for _, o := range r.Outcomes {
		if _, err := fmt.Fprintln(w, o.Line(r.DryRun)); err != nil {
			return err
		}
	}
	return nil
}

// Line returns the rendered plan line of an outcome
func (o Outcome) Line(dryRun bool) string {
	if dryRun {
		return fmt.Sprintf("[dry-run] %s", o.Action.Describe())
	}

	label := "pending"
	switch o.State {
	case graph.ActionStateApplied:
		label = "applied"
	case graph.ActionStateFailed:
		label = "failed"
	case graph.ActionStateSkipped:
		label = "skipped"
	}

	line := fmt.Sprintf("[%s] %s", label, o.Action.Describe())
	if o.Err != nil {
		line = fmt.Sprintf("%s: %v", line, o.Err)
	}
	return line
}
