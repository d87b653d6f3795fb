// Package config loads the project file (tidesql.yaml) and the profiles
// file holding warehouse targets.
package config

import "path/filepath"

// Project file names, in lookup order.
const (
	FileName    = "tidesql.yaml"
	FileNameAlt = "tidesql.yml"
)

// Default values for the project file.
const (
	DefaultModelsDir      = "models"
	DefaultStateDir       = ".state"
	DefaultProfilesFile   = "profiles.yml"
	DefaultSourcesFile    = "sources.yml"
	DefaultTargetName     = "dev"
	DefaultMaxParallelism = 4
	DefaultChunkSize      = 10_000_000
)

// Project is the parsed tidesql.yaml plus resolved paths.
type Project struct {
	ModelsDir      string         `koanf:"models_dir"`
	StateDir       string         `koanf:"state_dir"`
	Profiles       string         `koanf:"profiles"`
	Sources        string         `koanf:"sources"`
	DefaultTarget  string         `koanf:"default_target"`
	Vars           map[string]any `koanf:"vars"`
	MaxParallelism int            `koanf:"max_parallelism"`
	FailFast       bool           `koanf:"fail_fast"`
	ChunkSize      int            `koanf:"chunk_size"`
	HistoryPath    string         `koanf:"history_path"`

	// Root is the directory the relative paths above resolve against:
	// the config file's directory, or the working directory without one.
	Root string `koanf:"-"`
}

// resolvePaths anchors relative paths at the project root and fills the
// derived defaults.
func (p *Project) resolvePaths() {
	p.ModelsDir = resolveAgainst(p.ModelsDir, p.Root)
	p.StateDir = resolveAgainst(p.StateDir, p.Root)
	p.Profiles = resolveAgainst(p.Profiles, p.Root)
	p.Sources = resolveAgainst(p.Sources, p.Root)
	if p.HistoryPath == "" {
		p.HistoryPath = filepath.Join(p.StateDir, "history.db")
	} else {
		p.HistoryPath = resolveAgainst(p.HistoryPath, p.Root)
	}
}

func resolveAgainst(path, base string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
