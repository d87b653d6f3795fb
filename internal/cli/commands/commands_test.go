package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newProject writes a minimal on-disk project: config, a duckdb dev
// profile, and two chained models.
func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "tidesql.yaml"),
		[]byte("default_target: dev\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profiles.yml"),
		[]byte("targets:\n  dev:\n    type: duckdb\n    path: \":memory:\"\n"), 0o644))

	modelsDir := filepath.Join(dir, "models")
	require.NoError(t, os.MkdirAll(modelsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modelsDir, "stg_orders.sql"),
		[]byte("SELECT id, amount FROM raw_orders"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(modelsDir, "fct_orders.sql"),
		[]byte("SELECT id, amount FROM {{ ref('stg_orders') }}"), 0o644))

	return filepath.Join(dir, "tidesql.yaml")
}

// execute runs a freshly assembled command tree and captures stdout.
func execute(t *testing.T, newRoot func() *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := newRoot()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// testRoot mirrors the production root wiring closely enough for
// command tests.
func testRoot() *cobra.Command {
	root := &cobra.Command{Use: "tidesql", SilenceUsage: true, SilenceErrors: true}
	flags := root.PersistentFlags()
	flags.String("config", "", "")
	flags.StringP("target", "t", "", "")
	flags.String("models-dir", "", "")
	flags.String("state-dir", "", "")
	flags.Int("max-parallelism", 0, "")
	flags.Bool("fail-fast", false, "")
	flags.BoolP("verbose", "v", false, "")

	root.AddCommand(NewRunCommand())
	root.AddCommand(NewRunAllCommand())
	root.AddCommand(NewPlanCommand())
	root.AddCommand(NewListCommand())
	root.AddCommand(NewDepsCommand())
	root.AddCommand(NewValidateCommand())
	root.AddCommand(NewTestCommand())
	root.AddCommand(NewBackfillCommand())
	root.AddCommand(NewRunsCommand())
	root.AddCommand(NewStateCommand())
	root.AddCommand(NewVersionCommand("test", "abc", "today"))
	return root
}

func TestListCommand(t *testing.T) {
	cfg := newProject(t)

	out, err := execute(t, testRoot, "--config", cfg, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "stg_orders")
	assert.Contains(t, out, "fct_orders")
	assert.Contains(t, out, "2 models")
}

func TestListCommandFiltersByMaterialized(t *testing.T) {
	cfg := newProject(t)

	out, err := execute(t, testRoot, "--config", cfg, "list", "--materialized", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "0 models")
}

func TestPlanCommandJSON(t *testing.T) {
	cfg := newProject(t)

	out, err := execute(t, testRoot, "--config", cfg, "plan", "--json")
	require.NoError(t, err)

	var plan struct {
		Changes []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"changes"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	require.Len(t, plan.Changes, 2)
	assert.Equal(t, "create", plan.Changes[0].Type)
}

func TestValidateCommand(t *testing.T) {
	cfg := newProject(t)

	out, err := execute(t, testRoot, "--config", cfg, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Project is valid: 2 models.")
}

func TestDepsCommandGraphviz(t *testing.T) {
	cfg := newProject(t)

	out, err := execute(t, testRoot, "--config", cfg, "deps", "--format", "graphviz")
	require.NoError(t, err)
	assert.Contains(t, out, "digraph models")
	assert.Contains(t, out, `"stg_orders" -> "fct_orders";`)
}

func TestDepsCommandUnknownFormat(t *testing.T) {
	cfg := newProject(t)

	_, err := execute(t, testRoot, "--config", cfg, "deps", "--format", "yaml")
	require.Error(t, err)
}

func TestRunsCommandEmptyLedger(t *testing.T) {
	cfg := newProject(t)

	out, err := execute(t, testRoot, "--config", cfg, "runs")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, testRoot, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tidesql test")
	assert.Contains(t, out, "commit: abc")
}

func TestBackfillRejectsBadDates(t *testing.T) {
	cfg := newProject(t)

	_, err := execute(t, testRoot,
		"--config", cfg, "backfill", "stg_orders", "--start", "January", "--end", "2026-01-02")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YYYY-MM-DD")
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"region=emea", "limit=10", "rate=0.5", "enabled=true"})
	require.NoError(t, err)
	assert.Equal(t, "emea", vars["region"])
	assert.Equal(t, int64(10), vars["limit"])
	assert.Equal(t, 0.5, vars["rate"])
	assert.Equal(t, true, vars["enabled"])

	_, err = parseVars([]string{"not-a-pair"})
	require.Error(t, err)
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"1d", 24 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"6h", 6 * time.Hour},
		{"90m", 90 * time.Minute},
	}
	for _, tc := range cases {
		got, err := parseInterval(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "0d", "-1d", "soon"} {
		_, err := parseInterval(bad)
		require.Error(t, err, bad)
	}
}
