// Package state persists per-model execution state, one JSON file per
// environment. Writes are atomic: temp file in the same directory, then
// rename.
package state

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
)

// ModelState is everything remembered about one model between runs.
type ModelState struct {
	FileHash     string   `json:"file_hash"`
	ConfigHash   string   `json:"config_hash"`
	Dependencies []string `json:"dependencies,omitempty"`

	ExecutionCount int `json:"execution_count"`
	SuccessCount   int `json:"success_count"`
	FailureCount   int `json:"failure_count"`

	LastExecuted string `json:"last_executed,omitempty"`
	LastSuccess  string `json:"last_success,omitempty"`
	LastFailure  string `json:"last_failure,omitempty"`

	// IncrementalState is a free-form bag for strategy bookkeeping, e.g.
	// last_processed_time for time-based incrementals.
	IncrementalState map[string]string `json:"incremental_state,omitempty"`
}

type stateFile struct {
	Environment string                 `json:"environment"`
	UpdatedAt   string                 `json:"updated_at"`
	Models      map[string]*ModelState `json:"models"`
}

// Store is the state store for one environment. All mutations are
// serialized by a mutex and flushed to disk before returning.
type Store struct {
	mu     sync.Mutex
	dir    string
	env    string
	models map[string]*ModelState
	logger *slog.Logger
}

// Open loads (or initializes) the state for env under stateDir. The file
// lives at <stateDir>/<env>/state_<env>.json.
func Open(stateDir, env string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{
		dir:    filepath.Join(stateDir, env),
		env:    env,
		models: make(map[string]*ModelState),
		logger: logger,
	}

	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, &tserrors.StateError{Path: s.path(), Err: err}
	}

	var file stateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, &tserrors.StateError{Path: s.path(), Err: err}
	}
	if file.Models != nil {
		s.models = file.Models
	}
	logger.Debug("loaded state", "environment", env, "models", len(s.models))
	return s, nil
}

func (s *Store) path() string {
	return filepath.Join(s.dir, fmt.Sprintf("state_%s.json", s.env))
}

// Path returns the on-disk location of the state file.
func (s *Store) Path() string { return s.path() }

// Get returns a copy of the state for name, or nil if never observed.
func (s *Store) Get(name string) *ModelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.models[name])
}

// All returns a copy of every model state.
func (s *Store) All() map[string]*ModelState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*ModelState, len(s.models))
	for name, st := range s.models {
		out[name] = copyState(st)
	}
	return out
}

// UpdateFingerprint records the current file hash, config hash, and
// dependency set for name, creating the state on first observation.
func (s *Store) UpdateFingerprint(name, fileHash, configHash string, deps []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensure(name)
	st.FileHash = fileHash
	st.ConfigHash = configHash
	st.Dependencies = append([]string{}, deps...)
	sort.Strings(st.Dependencies)
	return s.flush()
}

// MarkExecution bumps the execution counters and timestamps for name.
func (s *Store) MarkExecution(name string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	st := s.ensure(name)
	st.ExecutionCount++
	st.LastExecuted = now
	if success {
		st.SuccessCount++
		st.LastSuccess = now
	} else {
		st.FailureCount++
		st.LastFailure = now
	}
	return s.flush()
}

// ChangedSince reports whether name differs from its recorded
// fingerprint. Absent state always counts as changed.
func (s *Store) ChangedSince(name, fileHash, configHash string, deps []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.models[name]
	if !ok {
		return true
	}
	if st.FileHash != fileHash || st.ConfigHash != configHash {
		return true
	}
	return !equalSets(st.Dependencies, deps)
}

// ChangedModels returns the names in current whose fingerprint differs
// from the stored one, sorted.
func (s *Store) ChangedModels(current map[string]Fingerprint) []string {
	var changed []string
	for name, fp := range current {
		if s.ChangedSince(name, fp.FileHash, fp.ConfigHash, fp.Dependencies) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// Fingerprint is the change-detection triple for one model.
type Fingerprint struct {
	FileHash     string
	ConfigHash   string
	Dependencies []string
}

// GetIncremental returns the incremental-state value for key, if set.
func (s *Store) GetIncremental(name, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.models[name]
	if !ok || st.IncrementalState == nil {
		return "", false
	}
	value, ok := st.IncrementalState[key]
	return value, ok
}

// SetIncremental stores an incremental-state value for name.
func (s *Store) SetIncremental(name, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensure(name)
	if st.IncrementalState == nil {
		st.IncrementalState = make(map[string]string)
	}
	st.IncrementalState[key] = value
	return s.flush()
}

// Clear removes the state for name, or all state when name is empty.
func (s *Store) Clear(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		s.models = make(map[string]*ModelState)
	} else {
		delete(s.models, name)
	}
	return s.flush()
}

// Export writes the state file JSON to w.
func (s *Store) Export(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.file()); err != nil {
		return &tserrors.StateError{Path: s.path(), Err: err}
	}
	return nil
}

// Import replaces the current state with the JSON document read from r.
func (s *Store) Import(r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var file stateFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return &tserrors.StateError{Path: s.path(), Err: err}
	}
	if file.Models == nil {
		file.Models = make(map[string]*ModelState)
	}
	s.models = file.Models
	return s.flush()
}

// Statistics summarizes the stored state.
type Statistics struct {
	Models          int `json:"models"`
	TotalExecutions int `json:"total_executions"`
	TotalSuccesses  int `json:"total_successes"`
	TotalFailures   int `json:"total_failures"`
}

// Stats aggregates counters across all models.
func (s *Store) Stats() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Statistics{Models: len(s.models)}
	for _, st := range s.models {
		stats.TotalExecutions += st.ExecutionCount
		stats.TotalSuccesses += st.SuccessCount
		stats.TotalFailures += st.FailureCount
	}
	return stats
}

// ensure returns the mutable state for name, creating it if needed.
// Callers hold the mutex.
func (s *Store) ensure(name string) *ModelState {
	st, ok := s.models[name]
	if !ok {
		st = &ModelState{}
		s.models[name] = st
	}
	return st
}

func (s *Store) file() *stateFile {
	return &stateFile{
		Environment: s.env,
		UpdatedAt:   time.Now().UTC().Format(time.RFC3339),
		Models:      s.models,
	}
}

// flush writes the state atomically: temp file in the target directory,
// fsync, then rename. Callers hold the mutex.
func (s *Store) flush() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &tserrors.StateError{Path: s.dir, Err: err}
	}

	data, err := json.MarshalIndent(s.file(), "", "  ")
	if err != nil {
		return &tserrors.StateError{Path: s.path(), Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, "state_*.tmp")
	if err != nil {
		return &tserrors.StateError{Path: s.dir, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &tserrors.StateError{Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &tserrors.StateError{Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &tserrors.StateError{Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, s.path()); err != nil {
		os.Remove(tmpName)
		return &tserrors.StateError{Path: s.path(), Err: err}
	}
	return nil
}

func copyState(st *ModelState) *ModelState {
	if st == nil {
		return nil
	}
	copied := *st
	copied.Dependencies = append([]string{}, st.Dependencies...)
	if st.IncrementalState != nil {
		copied.IncrementalState = make(map[string]string, len(st.IncrementalState))
		for k, v := range st.IncrementalState {
			copied.IncrementalState[k] = v
		}
	}
	return &copied
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string{}, a...)
	bs := append([]string{}, b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
