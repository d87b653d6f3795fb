// Package plan classifies models into create/update/no-change before any
// warehouse mutation happens. The plan is pure data; the engine decides
// what to do with it.
package plan

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/tidemark-labs/tidesql/internal/dag"
	"github.com/tidemark-labs/tidesql/internal/state"
)

// ChangeType classifies what a run would do to a model.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeNone   ChangeType = "no_change"
	ChangeDelete ChangeType = "delete"
)

// Change reasons, surfaced verbatim in plan output.
const (
	ReasonNew           = "New model"
	ReasonFullRefresh   = "Full refresh requested"
	ReasonFileChanged   = "Model file changed"
	ReasonConfigChanged = "Model configuration changed"
	ReasonDepsChanged   = "Dependencies changed"
	ReasonNoChange      = "No changes detected"
	ReasonRemoved       = "Model removed"
)

// ModelChange is the planned action for one model.
type ModelChange struct {
	Name     string     `json:"name"`
	Type     ChangeType `json:"type"`
	Reason   string     `json:"reason"`
	Affected []string   `json:"affected,omitempty"`
}

// ExecutionPlan is an ordered set of changes plus the level-parallel
// execution order over the create|update subset.
type ExecutionPlan struct {
	Changes        []ModelChange `json:"changes"`
	ExecutionOrder [][]string    `json:"execution_order"`
}

// Summary counts changes by type.
func (p *ExecutionPlan) Summary() map[ChangeType]int {
	summary := make(map[ChangeType]int)
	for _, c := range p.Changes {
		summary[c.Type]++
	}
	return summary
}

// HasWork reports whether any model needs creating or updating.
func (p *ExecutionPlan) HasWork() bool {
	for _, c := range p.Changes {
		if c.Type == ChangeCreate || c.Type == ChangeUpdate {
			return true
		}
	}
	return false
}

// String renders a one-line summary.
func (p *ExecutionPlan) String() string {
	s := p.Summary()
	return fmt.Sprintf("%d to create, %d to update, %d unchanged",
		s[ChangeCreate], s[ChangeUpdate], s[ChangeNone])
}

// ModelInput is the change-detection view of one model.
type ModelInput struct {
	FileHash     string
	ConfigHash   string
	Dependencies []string
}

// Planner builds execution plans from the current model set, the stored
// state, and the dependency graph.
type Planner struct {
	store  *state.Store
	graph  *dag.Graph
	logger *slog.Logger
}

// New returns a Planner. A nil logger discards output.
func New(store *state.Store, graph *dag.Graph, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Planner{store: store, graph: graph, logger: logger}
}

// Plan classifies every model in models (or just subset, when non-nil)
// and computes the execution order over the create|update names.
func (p *Planner) Plan(models map[string]*ModelInput, subset []string, fullRefresh bool) (*ExecutionPlan, error) {
	selected := p.selectNames(models, subset)

	execPlan := &ExecutionPlan{}
	changedSet := make(map[string]struct{})

	for _, name := range selected {
		change := p.classify(name, models[name], fullRefresh)
		if change.Type == ChangeCreate || change.Type == ChangeUpdate {
			change.Affected = p.graph.AllDependents(name)
			changedSet[name] = struct{}{}
		}
		execPlan.Changes = append(execPlan.Changes, change)
	}

	// models present in state but gone from the project
	if subset == nil {
		for name := range p.store.All() {
			if _, ok := models[name]; !ok {
				execPlan.Changes = append(execPlan.Changes, ModelChange{
					Name:   name,
					Type:   ChangeDelete,
					Reason: ReasonRemoved,
				})
			}
		}
		sort.Slice(execPlan.Changes, func(i, j int) bool {
			return execPlan.Changes[i].Name < execPlan.Changes[j].Name
		})
	}

	order, err := p.executionOrder(changedSet)
	if err != nil {
		return nil, err
	}
	execPlan.ExecutionOrder = order

	p.logger.Debug("plan built",
		"models", len(selected), "changed", len(changedSet), "full_refresh", fullRefresh)
	return execPlan, nil
}

// selectNames expands subset with its transitive dependencies, or takes
// every model when subset is nil. Result is sorted.
func (p *Planner) selectNames(models map[string]*ModelInput, subset []string) []string {
	include := make(map[string]struct{})
	if subset == nil {
		for name := range models {
			include[name] = struct{}{}
		}
	} else {
		for _, name := range subset {
			include[name] = struct{}{}
			for _, dep := range p.graph.AllDependencies(name) {
				if _, ok := models[dep]; ok {
					include[dep] = struct{}{}
				}
			}
		}
	}

	names := make([]string, 0, len(include))
	for name := range include {
		if _, ok := models[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// classify applies the change-detection rules in their fixed order.
func (p *Planner) classify(name string, input *ModelInput, fullRefresh bool) ModelChange {
	st := p.store.Get(name)
	if st == nil {
		return ModelChange{Name: name, Type: ChangeCreate, Reason: ReasonNew}
	}
	if fullRefresh {
		return ModelChange{Name: name, Type: ChangeUpdate, Reason: ReasonFullRefresh}
	}
	if st.FileHash != input.FileHash {
		return ModelChange{Name: name, Type: ChangeUpdate, Reason: ReasonFileChanged}
	}
	if st.ConfigHash != input.ConfigHash {
		return ModelChange{Name: name, Type: ChangeUpdate, Reason: ReasonConfigChanged}
	}
	if !sameSet(st.Dependencies, input.Dependencies) {
		return ModelChange{Name: name, Type: ChangeUpdate, Reason: ReasonDepsChanged}
	}
	return ModelChange{Name: name, Type: ChangeNone, Reason: ReasonNoChange}
}

// executionOrder filters the full topological order down to exactly the
// changed names; unchanged dependencies are not re-run.
func (p *Planner) executionOrder(changed map[string]struct{}) ([][]string, error) {
	if len(changed) == 0 {
		return nil, nil
	}
	levels, err := p.graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	var filtered [][]string
	for _, level := range levels {
		var keep []string
		for _, name := range level {
			if _, ok := changed[name]; ok {
				keep = append(keep, name)
			}
		}
		if len(keep) > 0 {
			filtered = append(filtered, keep)
		}
	}
	return filtered, nil
}

func sameSet(a, b []string) bool {
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
