// Package parser reads templated SQL model files: header pragmas, template
// callables, substitution variables, and column lineage.
package parser

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
	"github.com/tidemark-labs/tidesql/pkg/lineage"
)

// Header pragma and template patterns.
var (
	configPragma    = regexp.MustCompile(`^--\s*config:\s*(.+)$`)
	dependsOnPragma = regexp.MustCompile(`^--\s*depends_on:\s*(.+)$`)

	// {{ ... }} wrappers are unwrapped first, then bare callables resolved.
	templateBlock   = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)
	refCall         = regexp.MustCompile(`\bref\(\s*['"]([^'"]+)['"]\s*\)`)
	sourceCall      = regexp.MustCompile(`\bsource\(\s*['"]([^'"]+)['"]\s*,\s*['"]([^'"]+)['"]\s*\)`)
	thisCall        = regexp.MustCompile(`\bthis\(\s*\)`)
	incrementalCall = regexp.MustCompile(`\bis_incremental\(\s*\)`)

	variablePattern = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)
)

// SourceRef is a (source, table) pair referenced via source().
type SourceRef struct {
	Source string
	Table  string
}

// ParsedModel is the result of parsing one model file.
type ParsedModel struct {
	Name           string
	FilePath       string
	RawSource      string
	RenderedSource string

	// Variables is the set of $name substitution variables in the
	// rendered text, sorted.
	Variables []string

	// Refs are model names pulled in via ref(); never contains Name.
	Refs []string

	// Sources are (source, table) pairs pulled in via source().
	Sources []SourceRef

	// Config holds inline overrides from -- config: pragmas.
	Config map[string]string

	// DependsOn are static dependencies from -- depends_on: pragmas.
	DependsOn []string

	// Lineage is nil when the rendered SQL failed AST parsing; the model
	// is still usable, it just carries no column lineage.
	Lineage *lineage.ModelLineage

	// ContentHash is the MD5 hex digest of the raw source.
	ContentHash string
}

// Dependencies returns Refs and DependsOn merged, deduplicated, sorted.
func (m *ParsedModel) Dependencies() []string {
	seen := make(map[string]struct{}, len(m.Refs)+len(m.DependsOn))
	var deps []string
	for _, d := range append(append([]string{}, m.Refs...), m.DependsOn...) {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		deps = append(deps, d)
	}
	sort.Strings(deps)
	return deps
}

// Parser parses model files with a content-hash validated cache.
type Parser struct {
	mu     sync.Mutex
	cache  map[string]*cacheEntry
	logger *slog.Logger
}

type cacheEntry struct {
	hash  string
	model *ParsedModel
}

// New returns a Parser. A nil logger discards output.
func New(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Parser{
		cache:  make(map[string]*cacheEntry),
		logger: logger,
	}
}

// ParseFile parses one model file. A repeated call with an unchanged file
// returns the cached model.
func (p *Parser) ParseFile(path string) (*ParsedModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &tserrors.ModelNotFoundError{Model: path}
		}
		return nil, &tserrors.ParseError{File: path, Err: err}
	}

	raw := string(data)
	hash := contentHash(raw)

	p.mu.Lock()
	if entry, ok := p.cache[path]; ok && entry.hash == hash {
		p.mu.Unlock()
		return entry.model, nil
	}
	p.mu.Unlock()

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	model, err := p.ParseContent(name, path, raw)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[path] = &cacheEntry{hash: hash, model: model}
	p.mu.Unlock()
	return model, nil
}

// ParseContent parses model source without touching the filesystem.
func (p *Parser) ParseContent(name, path, raw string) (*ParsedModel, error) {
	model := &ParsedModel{
		Name:        name,
		FilePath:    path,
		RawSource:   raw,
		Config:      make(map[string]string),
		ContentHash: contentHash(raw),
	}

	parseHeaderPragmas(raw, model)
	renderTemplate(raw, model)
	model.Variables = extractVariables(model.RenderedSource)

	ml, err := lineage.Extract(model.RenderedSource, name)
	if err != nil {
		// AST failure degrades gracefully: the model still runs, it
		// just carries no column lineage.
		p.logger.Warn("lineage extraction failed",
			"model", name, "file", path, "error", err)
	} else {
		model.Lineage = ml
	}

	return model, nil
}

// DirectoryResult is what ParseDirectory returns: parsed models plus the
// per-file failures it continued past.
type DirectoryResult struct {
	Models   map[string]*ParsedModel
	Failures map[string]error
}

// ParseDirectory parses every .sql file under dir, skipping hidden files
// and directories. Per-file failures do not stop the walk.
func (p *Parser) ParseDirectory(dir string) (*DirectoryResult, error) {
	result := &DirectoryResult{
		Models:   make(map[string]*ParsedModel),
		Failures: make(map[string]error),
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".sql") {
			return nil
		}

		model, perr := p.ParseFile(path)
		if perr != nil {
			p.logger.Warn("skipping model file", "file", path, "error", perr)
			result.Failures[path] = perr
			return nil
		}
		result.Models[model.Name] = model
		return nil
	})
	if err != nil {
		return nil, &tserrors.ParseError{
			File:    dir,
			Message: "walking models directory",
			Err:     err,
		}
	}
	return result, nil
}

// InvalidateCache drops any cached entry for path.
func (p *Parser) InvalidateCache(path string) {
	p.mu.Lock()
	delete(p.cache, path)
	p.mu.Unlock()
}

// parseHeaderPragmas scans the leading comment block for config and
// depends_on pragmas. The scan stops at the first non-comment line.
func parseHeaderPragmas(raw string, model *ParsedModel) {
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "--") {
			return
		}

		if m := configPragma.FindStringSubmatch(trimmed); m != nil {
			for _, pair := range strings.Split(m[1], ",") {
				kv := strings.SplitN(pair, "=", 2)
				if len(kv) != 2 {
					continue
				}
				key := strings.TrimSpace(kv[0])
				value := strings.TrimSpace(kv[1])
				if key != "" {
					model.Config[key] = value
				}
			}
			continue
		}
		if m := dependsOnPragma.FindStringSubmatch(trimmed); m != nil {
			for _, dep := range strings.Split(m[1], ",") {
				if dep = strings.TrimSpace(dep); dep != "" {
					model.DependsOn = append(model.DependsOn, dep)
				}
			}
		}
	}
}

// renderTemplate resolves template callables into placeholder identifiers
// the materializer later swaps for qualified names:
//
//	ref('x')          -> __REF_x__
//	source('s', 't')  -> __SOURCE_s_t__
//	this()            -> __THIS__
//	is_incremental()  -> false (at parse time)
func renderTemplate(raw string, model *ParsedModel) {
	text := templateBlock.ReplaceAllString(raw, "$1")

	refSeen := make(map[string]struct{})
	text = refCall.ReplaceAllStringFunc(text, func(call string) string {
		name := refCall.FindStringSubmatch(call)[1]
		if name != model.Name {
			if _, ok := refSeen[name]; !ok {
				refSeen[name] = struct{}{}
				model.Refs = append(model.Refs, name)
			}
		}
		return "__REF_" + name + "__"
	})

	sourceSeen := make(map[SourceRef]struct{})
	text = sourceCall.ReplaceAllStringFunc(text, func(call string) string {
		m := sourceCall.FindStringSubmatch(call)
		ref := SourceRef{Source: m[1], Table: m[2]}
		if _, ok := sourceSeen[ref]; !ok {
			sourceSeen[ref] = struct{}{}
			model.Sources = append(model.Sources, ref)
		}
		return "__SOURCE_" + ref.Source + "_" + ref.Table + "__"
	})

	text = thisCall.ReplaceAllString(text, "__THIS__")
	text = incrementalCall.ReplaceAllString(text, "false")

	model.RenderedSource = text
	sort.Strings(model.Refs)
}

// extractVariables returns the sorted set of $name variables in text.
func extractVariables(text string) []string {
	seen := make(map[string]struct{})
	var vars []string
	for _, m := range variablePattern.FindAllStringSubmatch(text, -1) {
		if _, ok := seen[m[1]]; !ok {
			seen[m[1]] = struct{}{}
			vars = append(vars, m[1])
		}
	}
	sort.Strings(vars)
	return vars
}

func contentHash(raw string) string {
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// FormatPlaceholder returns the placeholder a ref renders to; shared with
// the materializer so both sides agree on the format.
func FormatPlaceholder(kind string, parts ...string) string {
	switch kind {
	case "ref":
		return fmt.Sprintf("__REF_%s__", parts[0])
	case "source":
		return fmt.Sprintf("__SOURCE_%s_%s__", parts[0], parts[1])
	default:
		return "__THIS__"
	}
}
