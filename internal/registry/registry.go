// Package registry loads model metadata from schema YAML files and
// external source definitions from sources.yml.
package registry

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
)

// Materialization strategies.
const (
	MaterializedView        = "view"
	MaterializedTable       = "table"
	MaterializedTempTable   = "temp_table"
	MaterializedIncremental = "incremental"
	MaterializedCDC         = "cdc"
)

// Incremental strategies.
const (
	StrategyTime      = "time"
	StrategyUniqueKey = "unique_key"
	StrategyAppend    = "append"
)

// DefaultChangeTypeColumn is the CDC operation column when meta does not
// override it.
const DefaultChangeTypeColumn = "__CDC_OPERATION"

var validMaterializations = map[string]struct{}{
	MaterializedView:        {},
	MaterializedTable:       {},
	MaterializedTempTable:   {},
	MaterializedIncremental: {},
	MaterializedCDC:         {},
}

var validStrategies = map[string]struct{}{
	StrategyTime:      {},
	StrategyUniqueKey: {},
	StrategyAppend:    {},
}

// ColumnConfig documents one column and its tests.
type ColumnConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Tests       []any  `mapstructure:"tests"`
}

// ModelConfig is the declared configuration of one model.
type ModelConfig struct {
	Name                string         `mapstructure:"name"`
	Description         string         `mapstructure:"description"`
	Materialized        string         `mapstructure:"materialized"`
	IncrementalStrategy string         `mapstructure:"incremental_strategy"`
	TimeColumn          string         `mapstructure:"time_column"`
	UniqueKey           string         `mapstructure:"unique_key"`
	Tags                []string       `mapstructure:"tags"`
	DependsOn           []string       `mapstructure:"depends_on"`
	Enabled             *bool          `mapstructure:"enabled"`
	Meta                map[string]any `mapstructure:"meta"`
	Columns             []ColumnConfig `mapstructure:"columns"`
	Tests               []any          `mapstructure:"tests"`
}

// IsEnabled reports whether the model should be built; default true.
func (c *ModelConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ChangeTypeColumn returns the CDC operation column from
// meta.cdc.change_type_column, defaulting to __CDC_OPERATION.
func (c *ModelConfig) ChangeTypeColumn() string {
	if cdc, ok := c.Meta["cdc"].(map[string]any); ok {
		if col, ok := cdc["change_type_column"].(string); ok && col != "" {
			return col
		}
	}
	return DefaultChangeTypeColumn
}

// HasTag reports whether the model carries the tag.
func (c *ModelConfig) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Validate checks the materialization invariants.
func (c *ModelConfig) Validate() error {
	mat := c.Materialized
	if mat == "" {
		mat = MaterializedView
	}
	if _, ok := validMaterializations[mat]; !ok {
		return &tserrors.ConfigurationError{
			Message: fmt.Sprintf("model %q: unknown materialization %q", c.Name, mat),
		}
	}

	if mat == MaterializedIncremental {
		strategy := c.IncrementalStrategy
		if strategy == "" {
			strategy = StrategyAppend
		}
		if _, ok := validStrategies[strategy]; !ok {
			return &tserrors.ConfigurationError{
				Message: fmt.Sprintf("model %q: unknown incremental strategy %q", c.Name, strategy),
			}
		}
		if strategy == StrategyTime && c.TimeColumn == "" {
			return &tserrors.ConfigurationError{
				Message: fmt.Sprintf("model %q: time strategy requires time_column", c.Name),
			}
		}
		if strategy == StrategyUniqueKey && c.UniqueKey == "" {
			return &tserrors.ConfigurationError{
				Message: fmt.Sprintf("model %q: unique_key strategy requires unique_key", c.Name),
			}
		}
	}

	if mat == MaterializedCDC && c.UniqueKey == "" {
		return &tserrors.ConfigurationError{
			Message: fmt.Sprintf("model %q: cdc materialization requires unique_key", c.Name),
		}
	}
	return nil
}

// ApplyOverrides layers inline -- config: pragma values over the declared
// configuration. Unknown keys land in Meta.
func (c *ModelConfig) ApplyOverrides(overrides map[string]string) {
	for key, value := range overrides {
		switch key {
		case "materialized":
			c.Materialized = value
		case "incremental_strategy":
			c.IncrementalStrategy = value
		case "time_column":
			c.TimeColumn = value
		case "unique_key":
			c.UniqueKey = value
		case "tags":
			for _, tag := range strings.Split(value, " ") {
				if tag = strings.TrimSpace(tag); tag != "" && !c.HasTag(tag) {
					c.Tags = append(c.Tags, tag)
				}
			}
		case "enabled":
			if enabled, err := strconv.ParseBool(value); err == nil {
				c.Enabled = &enabled
			}
		default:
			if c.Meta == nil {
				c.Meta = make(map[string]any)
			}
			c.Meta[key] = value
		}
	}
}

// clone returns a copy that shares no mutable backing storage with c,
// so callers can layer overrides without touching the registry's copy.
func (c *ModelConfig) clone() *ModelConfig {
	copied := *c
	copied.Tags = slices.Clone(c.Tags)
	copied.DependsOn = slices.Clone(c.DependsOn)
	copied.Columns = slices.Clone(c.Columns)
	copied.Tests = slices.Clone(c.Tests)
	copied.Meta = maps.Clone(c.Meta)
	return &copied
}

// Hash returns the MD5 hex digest of the config's canonical JSON form,
// used for change detection.
func (c *ModelConfig) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Registry holds model configurations keyed by name.
type Registry struct {
	mu      sync.RWMutex
	models  map[string]*ModelConfig
	sources *SourceConfig
	logger  *slog.Logger
}

// New returns an empty registry. A nil logger discards output.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		models: make(map[string]*ModelConfig),
		logger: logger,
	}
}

// LoadSchemas scans dir for schema*.yml files and registers every model
// entry. Validation failures abort the load.
func (r *Registry) LoadSchemas(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		base := d.Name()
		ext := filepath.Ext(base)
		if !strings.HasPrefix(base, "schema") || (ext != ".yml" && ext != ".yaml") {
			return nil
		}
		return r.loadSchemaFile(path)
	})
}

type schemaDoc struct {
	Models []map[string]any `yaml:"models"`
}

func (r *Registry) loadSchemaFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &tserrors.ConfigurationError{
			Message: fmt.Sprintf("reading schema file %s", path),
			Err:     err,
		}
	}

	var doc schemaDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return &tserrors.ParseError{File: path, Message: "invalid schema YAML", Err: err}
	}

	for _, raw := range doc.Models {
		flattenConfigBlock(raw)
		var cfg ModelConfig
		if err := mapstructure.Decode(raw, &cfg); err != nil {
			return &tserrors.ParseError{File: path, Message: "invalid model entry", Err: err}
		}
		if cfg.Name == "" {
			return &tserrors.ConfigurationError{
				Message: fmt.Sprintf("schema file %s: model entry without a name", path),
			}
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		r.mu.Lock()
		r.models[cfg.Name] = &cfg
		r.mu.Unlock()
		r.logger.Debug("registered model config", "model", cfg.Name, "file", path)
	}
	return nil
}

// flattenConfigBlock merges a nested config: block into the top-level
// entry, so both flat and nested schema layouts decode the same way.
// Top-level keys win on conflict.
func flattenConfigBlock(entry map[string]any) {
	nested, ok := entry["config"].(map[string]any)
	if !ok {
		return
	}
	for key, value := range nested {
		if _, exists := entry[key]; !exists {
			entry[key] = value
		}
	}
	delete(entry, "config")
}

// Get returns the configuration for name. Models without a schema entry
// get the default view configuration.
func (r *Registry) Get(name string) *ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.models[name]; ok {
		return cfg.clone()
	}
	return &ModelConfig{Name: name, Materialized: MaterializedView}
}

// Has reports whether a schema entry exists for name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.models[name]
	return ok
}

// Names returns all registered model names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByTag returns configs carrying the tag, sorted by name.
func (r *Registry) ByTag(tag string) []*ModelConfig {
	return r.filter(func(c *ModelConfig) bool { return c.HasTag(tag) })
}

// ByMaterialized returns configs with the given materialization, sorted
// by name.
func (r *Registry) ByMaterialized(materialized string) []*ModelConfig {
	return r.filter(func(c *ModelConfig) bool {
		mat := c.Materialized
		if mat == "" {
			mat = MaterializedView
		}
		return mat == materialized
	})
}

func (r *Registry) filter(keep func(*ModelConfig) bool) []*ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ModelConfig
	for _, cfg := range r.models {
		if keep(cfg) {
			out = append(out, cfg.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
