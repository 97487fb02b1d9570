package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/reconcile"
)

// renderSummary renders the per-(scope, kind) counters and the outcome of a run
func renderSummary(result *reconcile.Result) string {
	if result.Skipped {
		reason := result.SkipReason
		if reason == "" {
			reason = result.Decision.Reason
		}
		return fmt.Sprintf("%s %s", text.FgYellow.Sprint("Skipped:"), reason)
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("SCOPE"),
		text.FgHiCyan.Sprint("KIND"),
		text.FgHiCyan.Sprint("DESIRED"),
		text.FgHiCyan.Sprint("CURRENT"),
		text.FgHiCyan.Sprint("CHANGED"),
	})

	for _, s := range result.Stats {
		t.AppendRow(table.Row{s.Scope, s.Kind, s.Desired, s.Current, s.Changed})
	}

	status := text.FgGreen.Sprint("ok")
	if result.HasErrors() {
		status = text.FgRed.Sprint(errorSummary(result))
	}
	mode := "apply"
	if result.DryRun {
		mode = "dry-run"
	}
	t.AppendFooter(table.Row{
		result.Selection.String(),
		mode,
		"",
		fmt.Sprintf("%d actions", len(result.Actions)),
		status,
	})

	return t.Render()
}

// errorSummary counts the errors of a run by kind
func errorSummary(result *reconcile.Result) string {
	if result.Err != nil {
		return "aborted"
	}
	var fetch, action, other int
	for _, err := range result.Errors() {
		switch {
		case errdefs.IsFetch(err):
			fetch++
		case errdefs.IsAction(err):
			action++
		default:
			other++
		}
	}
	parts := make([]string, 0, 3)
	if fetch > 0 {
		parts = append(parts, fmt.Sprintf("%d fetch", fetch))
	}
	if action > 0 {
		parts = append(parts, fmt.Sprintf("%d action", action))
	}
	if other > 0 {
		parts = append(parts, fmt.Sprintf("%d other", other))
	}
	return strings.Join(parts, ", ") + " errors"
}
