package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
	"github.com/tidemark-labs/tidesql/internal/warehouse"
)

// Profiles holds the warehouse targets from profiles.yml.
type Profiles struct {
	targets map[string]map[string]any
}

type profilesDoc struct {
	Targets map[string]map[string]any `yaml:"targets"`
}

// ${VAR} or ${VAR:-default}
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// LoadProfiles reads and parses the profiles file. Environment variables
// are expanded before parsing; an unset variable without a default keeps
// the original text.
func LoadProfiles(path string) (*Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &tserrors.ConfigurationError{
			Message: fmt.Sprintf("reading profiles file %s", path),
			Err:     err,
		}
	}

	var doc profilesDoc
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &doc); err != nil {
		return nil, &tserrors.ParseError{File: path, Message: "invalid profiles YAML", Err: err}
	}
	return &Profiles{targets: doc.Targets}, nil
}

// ExpandEnv substitutes ${VAR} and ${VAR:-default} references with
// process environment values.
func ExpandEnv(text string) string {
	return envVarPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(groups[1]); ok {
			return value
		}
		if groups[2] != "" || len(match) > len(groups[1])+3 {
			return groups[2]
		}
		return match
	})
}

// Names returns the declared target names, sorted.
func (p *Profiles) Names() []string {
	names := make([]string, 0, len(p.targets))
	for name := range p.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Target decodes one named target into a warehouse configuration. The
// profile key threads maps onto pool_size.
func (p *Profiles) Target(name string) (warehouse.Config, error) {
	raw, ok := p.targets[name]
	if !ok {
		return warehouse.Config{}, &tserrors.ConfigurationError{
			Message: fmt.Sprintf("unknown target %q (have %v)", name, p.Names()),
		}
	}

	entry := make(map[string]any, len(raw))
	for key, value := range raw {
		entry[key] = value
	}
	if threads, ok := entry["threads"]; ok {
		if _, explicit := entry["pool_size"]; !explicit {
			entry["pool_size"] = threads
		}
		delete(entry, "threads")
	}

	var cfg warehouse.Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &cfg,
	})
	if err != nil {
		return warehouse.Config{}, &tserrors.ConfigurationError{
			Message: fmt.Sprintf("decoding target %q", name),
			Err:     err,
		}
	}
	if err := decoder.Decode(entry); err != nil {
		return warehouse.Config{}, &tserrors.ConfigurationError{
			Message: fmt.Sprintf("decoding target %q", name),
			Err:     err,
		}
	}
	return cfg, nil
}
