// Package output renders engine results for the terminal: light tables
// for humans, JSON for machines.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/tidemark-labs/tidesql/internal/engine"
	"github.com/tidemark-labs/tidesql/internal/history"
	"github.com/tidemark-labs/tidesql/internal/plan"
	"github.com/tidemark-labs/tidesql/internal/quality"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	skipStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	createStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	updateStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	faintStyle   = lipgloss.NewStyle().Faint(true)
)

// JSON writes v as indented JSON.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func styledStatus(status string) string {
	switch status {
	case engine.StatusSuccess:
		return successStyle.Render(status)
	case engine.StatusFailed:
		return failStyle.Render(status)
	case engine.StatusSkipped:
		return skipStyle.Render(status)
	default:
		return status
	}
}

func styledChange(ct plan.ChangeType) string {
	switch ct {
	case plan.ChangeCreate:
		return createStyle.Render(string(ct))
	case plan.ChangeUpdate:
		return updateStyle.Render(string(ct))
	case plan.ChangeDelete:
		return failStyle.Render(string(ct))
	default:
		return faintStyle.Render(string(ct))
	}
}

// Report renders a run report as a table plus summary line.
func Report(w io.Writer, report *engine.Report) {
	if len(report.Results) == 0 {
		fmt.Fprintln(w, "Nothing to do; all models are up to date.")
		return
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"Model", "Status", "Materialized", "Rows", "Duration"})
	for _, res := range report.Results {
		t.AppendRow(table.Row{
			res.Model,
			styledStatus(res.Status),
			res.Materialized,
			res.RowsProcessed,
			res.Duration.Round(time.Millisecond),
		})
	}
	t.Render()

	fmt.Fprintf(w, "\n%s in %s\n", report.Summary(), report.Duration.Round(time.Millisecond))
	for _, res := range report.Results {
		if res.Status == engine.StatusFailed {
			fmt.Fprintf(w, "  %s: %s\n", res.Model, res.Error)
		}
	}
}

// DryRun prints the resolved SQL per model.
func DryRun(w io.Writer, report *engine.Report) {
	if len(report.Results) == 0 {
		fmt.Fprintln(w, "Nothing to do; all models are up to date.")
		return
	}
	for _, res := range report.Results {
		fmt.Fprintf(w, "-- %s (%s)\n", res.Model, res.Materialized)
		if res.Status == engine.StatusFailed {
			fmt.Fprintf(w, "-- error: %s\n\n", res.Error)
			continue
		}
		fmt.Fprintf(w, "%s\n\n", res.SQL)
	}
}

// Plan renders an execution plan.
func Plan(w io.Writer, execPlan *plan.ExecutionPlan) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Model", "Change", "Reason"})
	for _, change := range execPlan.Changes {
		t.AppendRow(table.Row{change.Name, styledChange(change.Type), change.Reason})
	}
	t.Render()
	fmt.Fprintf(w, "\n%s\n", execPlan)
}

// Models renders the model listing.
func Models(w io.Writer, models []engine.ModelInfo) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Model", "Materialized", "Tags", "Depends On"})
	for _, m := range models {
		t.AppendRow(table.Row{
			m.Name,
			m.Materialized,
			joinOrDash(m.Tags),
			joinOrDash(m.Dependencies),
		})
	}
	t.Render()
	fmt.Fprintf(w, "\n%d models\n", len(models))
}

// Runs renders the run-history listing.
func Runs(w io.Writer, runs []*history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"Run", "Environment", "Status", "Started", "Duration"})
	for _, run := range runs {
		duration := "-"
		if run.CompletedAt != nil {
			duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{
			shortID(run.ID),
			run.Environment,
			styledStatus(string(run.Status)),
			run.StartedAt.Format(time.RFC3339),
			duration,
		})
	}
	t.Render()
}

// Tests renders data-quality test results and returns the failure count.
func Tests(w io.Writer, results []quality.Result) int {
	if len(results) == 0 {
		fmt.Fprintln(w, "No tests declared.")
		return 0
	}

	failures := 0
	t := newTable(w)
	t.AppendHeader(table.Row{"Test", "Status", "Failing Rows"})
	for _, res := range results {
		status := successStyle.Render("pass")
		if !res.Passed() {
			status = failStyle.Render("fail")
			failures++
		}
		t.AppendRow(table.Row{res.Test.ID(), status, res.Failures})
	}
	t.Render()
	fmt.Fprintf(w, "\n%d tests, %d failed\n", len(results), failures)
	return failures
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	out := items[0]
	for _, item := range items[1:] {
		out += ", " + item
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
