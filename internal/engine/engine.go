// Package engine orchestrates the pipeline end to end: model discovery,
// change planning, level-parallel execution, data-quality tests, and
// backfills.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tidemark-labs/tidesql/internal/config"
	"github.com/tidemark-labs/tidesql/internal/dag"
	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
	"github.com/tidemark-labs/tidesql/internal/history"
	"github.com/tidemark-labs/tidesql/internal/materialize"
	"github.com/tidemark-labs/tidesql/internal/parser"
	"github.com/tidemark-labs/tidesql/internal/plan"
	"github.com/tidemark-labs/tidesql/internal/quality"
	"github.com/tidemark-labs/tidesql/internal/registry"
	"github.com/tidemark-labs/tidesql/internal/state"
	"github.com/tidemark-labs/tidesql/internal/warehouse"
	"github.com/tidemark-labs/tidesql/pkg/lineage"
)

// Options wires the engine's collaborators. Project and Client are
// required; History is optional and disables run recording when nil.
type Options struct {
	Project   *config.Project
	Client    warehouse.Client
	Warehouse warehouse.Config
	Target    string
	History   *history.Store
	Logger    *slog.Logger
}

// Engine owns the discovered model set and coordinates every operation
// against it. Discover replaces the whole snapshot under the mutex;
// reads work on copies so runs are not affected by a concurrent
// re-discovery.
type Engine struct {
	project *config.Project
	client  warehouse.Client
	parser  *parser.Parser
	reg     *registry.Registry
	store   *state.Store
	history *history.Store
	mat     *materialize.Materializer
	logger  *slog.Logger
	env     string

	mu       sync.RWMutex
	models   map[string]*parser.ParsedModel
	configs  map[string]*registry.ModelConfig
	graph    *dag.Graph
	failures map[string]error
}

// New builds an Engine and opens the state store for the target
// environment.
func New(opts Options) (*Engine, error) {
	if opts.Project == nil {
		return nil, &tserrors.ConfigurationError{Message: "engine requires a project"}
	}
	if opts.Client == nil {
		return nil, &tserrors.ConfigurationError{Message: "engine requires a warehouse client"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	env := opts.Target
	if env == "" {
		env = opts.Project.DefaultTarget
	}

	store, err := state.Open(opts.Project.StateDir, env, logger)
	if err != nil {
		return nil, err
	}

	reg := registry.New(logger)
	e := &Engine{
		project: opts.Project,
		client:  opts.Client,
		parser:  parser.New(logger),
		reg:     reg,
		store:   store,
		history: opts.History,
		logger:  logger,
		env:     env,
		models:  make(map[string]*parser.ParsedModel),
		configs: make(map[string]*registry.ModelConfig),
		graph:   dag.New(),
	}
	e.mat = materialize.New(opts.Client, reg, store, materialize.Config{
		Database:  opts.Warehouse.Database,
		Schema:    opts.Warehouse.Schema,
		ChunkSize: opts.Project.ChunkSize,
	}, logger)
	return e, nil
}

// Discover parses the models directory, loads schema and source
// metadata, and rebuilds the dependency graph. Calling it again after
// file changes is cheap; unchanged files come from the parser cache.
func (e *Engine) Discover() error {
	result, err := e.parser.ParseDirectory(e.project.ModelsDir)
	if err != nil {
		return err
	}
	if err := e.reg.LoadSchemas(e.project.ModelsDir); err != nil {
		return err
	}
	if err := e.reg.LoadSources(e.project.Sources); err != nil {
		return err
	}

	models := make(map[string]*parser.ParsedModel, len(result.Models))
	configs := make(map[string]*registry.ModelConfig, len(result.Models))
	for name, model := range result.Models {
		cfg := e.reg.Get(name)
		cfg.ApplyOverrides(model.Config)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if !cfg.IsEnabled() {
			e.logger.Debug("model disabled", "model", name)
			continue
		}
		models[name] = model
		configs[name] = cfg
	}

	graph := dag.New()
	for name, model := range models {
		for _, ref := range model.Refs {
			if _, ok := models[ref]; ok {
				continue
			}
			if _, parsed := result.Models[ref]; parsed {
				return &tserrors.DependencyError{
					Message: fmt.Sprintf("model %q references disabled model %q", name, ref),
				}
			}
			return &tserrors.DependencyError{
				Message: fmt.Sprintf("model %q references unknown model %q", name, ref),
			}
		}
		graph.Add(name, knownDependencies(model, configs[name], models), model.Lineage)
	}
	if _, err := graph.TopologicalOrder(); err != nil {
		return err
	}

	e.mu.Lock()
	e.models = models
	e.configs = configs
	e.graph = graph
	e.failures = result.Failures
	e.mu.Unlock()

	e.logger.Info("discovered models",
		"environment", e.env, "models", len(models), "failures", len(result.Failures))
	return nil
}

// knownDependencies merges template refs with static depends_on entries
// from both the pragma and the schema file. Entries naming something
// that is not a project model are external references and carry no
// graph edge.
func knownDependencies(model *parser.ParsedModel, cfg *registry.ModelConfig, models map[string]*parser.ParsedModel) []string {
	seen := make(map[string]struct{})
	var deps []string
	for _, dep := range append(model.Dependencies(), cfg.DependsOn...) {
		if dep == model.Name {
			continue
		}
		if _, ok := models[dep]; !ok {
			continue
		}
		if _, dup := seen[dep]; dup {
			continue
		}
		seen[dep] = struct{}{}
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps
}

// Plan classifies every model (or subset plus its upstream closure)
// against the stored state without touching the warehouse.
func (e *Engine) Plan(subset []string, fullRefresh bool) (*plan.ExecutionPlan, error) {
	models, configs, graph := e.snapshot()

	for _, name := range subset {
		if _, ok := models[name]; !ok {
			return nil, &tserrors.ModelNotFoundError{Model: name}
		}
	}

	inputs := make(map[string]*plan.ModelInput, len(models))
	for name, model := range models {
		inputs[name] = &plan.ModelInput{
			FileHash:     model.ContentHash,
			ConfigHash:   configs[name].Hash(),
			Dependencies: graph.Dependencies(name),
		}
	}
	return plan.New(e.store, graph, e.logger).Plan(inputs, subset, fullRefresh)
}

func (e *Engine) snapshot() (map[string]*parser.ParsedModel, map[string]*registry.ModelConfig, *dag.Graph) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.models, e.configs, e.graph
}

// ModelInfo is the listing view of one discovered model.
type ModelInfo struct {
	Name         string   `json:"name"`
	Materialized string   `json:"materialized"`
	Tags         []string `json:"tags,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Description  string   `json:"description,omitempty"`
	FilePath     string   `json:"file_path,omitempty"`
}

// Models returns the discovered models sorted by name.
func (e *Engine) Models() []ModelInfo {
	models, configs, graph := e.snapshot()

	out := make([]ModelInfo, 0, len(models))
	for name, model := range models {
		cfg := configs[name]
		materialized := cfg.Materialized
		if materialized == "" {
			materialized = registry.MaterializedView
		}
		out = append(out, ModelInfo{
			Name:         name,
			Materialized: materialized,
			Tags:         cfg.Tags,
			Dependencies: graph.Dependencies(name),
			Description:  cfg.Description,
			FilePath:     model.FilePath,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Model returns one parsed model and its effective configuration.
func (e *Engine) Model(name string) (*parser.ParsedModel, *registry.ModelConfig, error) {
	models, configs, _ := e.snapshot()
	model, ok := models[name]
	if !ok {
		return nil, nil, &tserrors.ModelNotFoundError{Model: name}
	}
	return model, configs[name], nil
}

// Lineage returns the column lineage for name; nil lineage means the
// model's SQL did not parse as an AST.
func (e *Engine) Lineage(name string) (*lineage.ModelLineage, error) {
	models, _, _ := e.snapshot()
	model, ok := models[name]
	if !ok {
		return nil, &tserrors.ModelNotFoundError{Model: name}
	}
	return model.Lineage, nil
}

// Graph returns the current dependency graph. Callers must treat it as
// read-only.
func (e *Engine) Graph() *dag.Graph {
	_, _, graph := e.snapshot()
	return graph
}

// ParseFailures returns the per-file errors the last Discover continued
// past.
func (e *Engine) ParseFailures() map[string]error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]error, len(e.failures))
	for path, err := range e.failures {
		out[path] = err
	}
	return out
}

// Environment returns the active target environment.
func (e *Engine) Environment() string { return e.env }

// History returns the run ledger, or nil when recording is disabled.
func (e *Engine) History() *history.Store { return e.history }

// State returns the per-environment state store.
func (e *Engine) State() *state.Store { return e.store }

// Health probes the warehouse connection.
func (e *Engine) Health(ctx context.Context) bool {
	return e.client.HealthCheck(ctx)
}

// Test runs the declared data-quality tests for the named models, or
// for every model when names is empty. Failing tests land in the
// results, not the error.
func (e *Engine) Test(ctx context.Context, names []string) ([]quality.Result, error) {
	models, configs, _ := e.snapshot()

	selected := names
	if len(selected) == 0 {
		for name := range models {
			selected = append(selected, name)
		}
	}
	sort.Strings(selected)

	var tests []quality.Test
	for _, name := range selected {
		cfg, ok := configs[name]
		if !ok {
			return nil, &tserrors.ModelNotFoundError{Model: name}
		}
		modelTests, err := quality.TestsFor(cfg)
		if err != nil {
			return nil, err
		}
		tests = append(tests, modelTests...)
	}
	return quality.NewRunner(e.client, e.logger).Run(ctx, tests, e.mat.QualifiedName)
}

func (e *Engine) maxParallelism() int {
	if e.project.MaxParallelism > 0 {
		return e.project.MaxParallelism
	}
	return config.DefaultMaxParallelism
}
