package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
)

const envPrefix = "TIDESQL_"

// Load layers the project configuration: defaults, then the config file,
// then TIDESQL_* environment variables, then explicitly set CLI flags.
// An empty cfgFile looks for tidesql.yaml beside the working directory;
// flags may be nil.
func Load(cfgFile string, flags *pflag.FlagSet) (*Project, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]any{
		"models_dir":      DefaultModelsDir,
		"state_dir":       DefaultStateDir,
		"profiles":        DefaultProfilesFile,
		"sources":         DefaultSourcesFile,
		"default_target":  DefaultTargetName,
		"max_parallelism": DefaultMaxParallelism,
		"fail_fast":       false,
		"chunk_size":      DefaultChunkSize,
	}, "."), nil); err != nil {
		return nil, &tserrors.ConfigurationError{Message: "loading defaults", Err: err}
	}

	root, cfgPath, err := locate(cfgFile)
	if err != nil {
		return nil, err
	}
	if cfgPath != "" {
		if err := k.Load(file.Provider(cfgPath), yaml.Parser()); err != nil {
			return nil, &tserrors.ConfigurationError{
				Message: fmt.Sprintf("reading %s", cfgPath),
				Err:     err,
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, &tserrors.ConfigurationError{Message: "loading environment", Err: err}
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, &tserrors.ConfigurationError{Message: "loading flags", Err: err}
		}
	}

	var project Project
	if err := k.Unmarshal("", &project); err != nil {
		return nil, &tserrors.ConfigurationError{Message: "decoding project config", Err: err}
	}

	project.Root = root
	project.resolvePaths()
	return &project, nil
}

// locate finds the config file and the project root. An explicit path
// must exist; otherwise the working directory is scanned and a missing
// file is fine.
func locate(cfgFile string) (root, path string, err error) {
	if cfgFile != "" {
		abs, absErr := filepath.Abs(cfgFile)
		if absErr != nil {
			abs = cfgFile
		}
		if _, statErr := os.Stat(abs); statErr != nil {
			return "", "", &tserrors.ConfigurationError{
				Message: fmt.Sprintf("config file %s", cfgFile),
				Err:     statErr,
			}
		}
		return filepath.Dir(abs), abs, nil
	}

	cwd, _ := os.Getwd()
	if cwd == "" {
		cwd = "."
	}
	for _, name := range []string{FileName, FileNameAlt} {
		candidate := filepath.Join(cwd, name)
		if _, statErr := os.Stat(candidate); statErr == nil {
			return cwd, candidate, nil
		}
	}
	return cwd, "", nil
}
