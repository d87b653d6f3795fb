// Package commands implements the tidesql subcommands.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidemark-labs/tidesql/internal/config"
	"github.com/tidemark-labs/tidesql/internal/engine"
	"github.com/tidemark-labs/tidesql/internal/history"
	"github.com/tidemark-labs/tidesql/internal/warehouse"
)

// loadProject reads tidesql.yaml layered with env and the changed root
// flags.
func loadProject(cmd *cobra.Command) (*config.Project, error) {
	cfgFile, _ := cmd.Root().PersistentFlags().GetString("config")
	return config.Load(cfgFile, cmd.Root().PersistentFlags())
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func targetName(cmd *cobra.Command, project *config.Project) string {
	if target, _ := cmd.Root().PersistentFlags().GetString("target"); target != "" {
		return target
	}
	return project.DefaultTarget
}

// buildEngine assembles the engine for one command invocation: config,
// profile, warehouse client, run ledger, discovery. With lazy true the
// warehouse pool defers connecting, so metadata-only commands work
// without a reachable warehouse.
func buildEngine(cmd *cobra.Command, lazy bool) (*engine.Engine, func(), error) {
	project, err := loadProject(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cmd)
	target := targetName(cmd, project)

	profiles, err := config.LoadProfiles(project.Profiles)
	if err != nil {
		return nil, nil, err
	}
	whcfg, err := profiles.Target(target)
	if err != nil {
		return nil, nil, err
	}
	if lazy {
		whcfg.LazyInit = true
	}

	client, err := warehouse.Open(whcfg, logger)
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(filepath.Dir(project.HistoryPath), 0o755); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("creating state directory: %w", err)
	}
	ledger, err := history.Open(project.HistoryPath, logger)
	if err != nil {
		// the ledger is best effort; run without it
		logger.Warn("opening run history failed", "error", err)
		ledger = nil
	}

	eng, err := engine.New(engine.Options{
		Project:   project,
		Client:    client,
		Warehouse: whcfg,
		Target:    target,
		History:   ledger,
		Logger:    logger,
	})
	if err != nil {
		client.Close()
		if ledger != nil {
			ledger.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		client.Close()
		if ledger != nil {
			ledger.Close()
		}
	}

	if err := eng.Discover(); err != nil {
		cleanup()
		return nil, nil, err
	}
	return eng, cleanup, nil
}

// parseVars turns k=v pairs into typed values: int, float, bool, then
// string.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid var %q, expected key=value", pair)
		}
		vars[key] = parseVarValue(value)
	}
	return vars, nil
}

func parseVarValue(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

// parseInterval accepts Nd day counts or any time.ParseDuration string.
func parseInterval(raw string) (time.Duration, error) {
	if days, found := strings.CutSuffix(raw, "d"); found {
		n, err := strconv.Atoi(days)
		if err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour, nil
		}
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid interval %q, expected e.g. 1d or 6h", raw)
	}
	return d, nil
}

func parseDate(raw, flag string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q, expected YYYY-MM-DD", flag, raw)
	}
	return t, nil
}
