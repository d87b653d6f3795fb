package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
)

// SourceTable is one table inside a source. Identifier overrides the
// physical name; it defaults to the upper-cased table name.
type SourceTable struct {
	Name       string `yaml:"name"`
	Identifier string `yaml:"identifier"`
}

// Source is a named group of external tables in one database.schema.
type Source struct {
	Name     string        `yaml:"name"`
	Database string        `yaml:"database"`
	Schema   string        `yaml:"schema"`
	Tables   []SourceTable `yaml:"tables"`
}

// SourceConfig is the parsed sources.yml document.
type SourceConfig struct {
	Sources []Source `yaml:"sources"`
}

// LoadSources reads sources.yml. A missing file leaves the registry
// without sources; every source() call then falls back to the bare table
// name.
func (r *Registry) LoadSources(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Debug("no sources file", "path", path)
			return nil
		}
		return &tserrors.ConfigurationError{
			Message: fmt.Sprintf("reading sources file %s", path),
			Err:     err,
		}
	}

	var cfg SourceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return &tserrors.ParseError{File: path, Message: "invalid sources YAML", Err: err}
	}

	r.mu.Lock()
	r.sources = &cfg
	r.mu.Unlock()
	r.logger.Debug("loaded sources", "path", path, "sources", len(cfg.Sources))
	return nil
}

// ResolveSource maps a (source, table) pair to its fully qualified
// DATABASE.SCHEMA.IDENTIFIER name. When the pair is unknown it returns
// the bare table name and false; callers log the fallback.
func (r *Registry) ResolveSource(source, table string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.sources != nil {
		for _, src := range r.sources.Sources {
			if src.Name != source {
				continue
			}
			for _, tbl := range src.Tables {
				if tbl.Name != table {
					continue
				}
				identifier := tbl.Identifier
				if identifier == "" {
					identifier = strings.ToUpper(tbl.Name)
				}
				return fmt.Sprintf("%s.%s.%s", src.Database, src.Schema, identifier), true
			}
		}
	}
	return table, false
}
