package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-labs/tidesql/internal/dag"
	"github.com/tidemark-labs/tidesql/internal/state"
	"github.com/tidemark-labs/tidesql/internal/testutil"
)

type fixture struct {
	store  *state.Store
	graph  *dag.Graph
	models map[string]*ModelInput
}

// newFixture builds a -> b -> c with all three recorded in state.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := state.Open(t.TempDir(), "dev", testutil.NewTestLogger(t))
	require.NoError(t, err)

	graph := dag.New()
	graph.Add("a", nil, nil)
	graph.Add("b", []string{"a"}, nil)
	graph.Add("c", []string{"b"}, nil)

	models := map[string]*ModelInput{
		"a": {FileHash: "fa", ConfigHash: "ca"},
		"b": {FileHash: "fb", ConfigHash: "cb", Dependencies: []string{"a"}},
		"c": {FileHash: "fc", ConfigHash: "cc", Dependencies: []string{"b"}},
	}
	for name, m := range models {
		require.NoError(t, store.UpdateFingerprint(name, m.FileHash, m.ConfigHash, m.Dependencies))
	}

	return &fixture{store: store, graph: graph, models: models}
}

func changeFor(t *testing.T, p *ExecutionPlan, name string) ModelChange {
	t.Helper()
	for _, c := range p.Changes {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no change for %s", name)
	return ModelChange{}
}

func TestPlanNoChanges(t *testing.T) {
	f := newFixture(t)
	planner := New(f.store, f.graph, nil)

	p, err := planner.Plan(f.models, nil, false)
	require.NoError(t, err)

	assert.Len(t, p.Changes, 3)
	for _, c := range p.Changes {
		assert.Equal(t, ChangeNone, c.Type)
		assert.Equal(t, ReasonNoChange, c.Reason)
	}
	assert.Empty(t, p.ExecutionOrder)
	assert.False(t, p.HasWork())
}

func TestPlanNewModel(t *testing.T) {
	f := newFixture(t)
	f.models["d"] = &ModelInput{FileHash: "fd", ConfigHash: "cd", Dependencies: []string{"c"}}
	f.graph.Add("d", []string{"c"}, nil)

	p, err := New(f.store, f.graph, nil).Plan(f.models, nil, false)
	require.NoError(t, err)

	d := changeFor(t, p, "d")
	assert.Equal(t, ChangeCreate, d.Type)
	assert.Equal(t, ReasonNew, d.Reason)
	assert.Equal(t, [][]string{{"d"}}, p.ExecutionOrder)
}

func TestPlanReasonPriority(t *testing.T) {
	f := newFixture(t)

	// file change wins over config change
	f.models["b"].FileHash = "changed"
	f.models["b"].ConfigHash = "changed"

	p, err := New(f.store, f.graph, nil).Plan(f.models, nil, false)
	require.NoError(t, err)

	b := changeFor(t, p, "b")
	assert.Equal(t, ChangeUpdate, b.Type)
	assert.Equal(t, ReasonFileChanged, b.Reason)
}

func TestPlanConfigChanged(t *testing.T) {
	f := newFixture(t)
	f.models["b"].ConfigHash = "changed"

	p, err := New(f.store, f.graph, nil).Plan(f.models, nil, false)
	require.NoError(t, err)

	assert.Equal(t, ReasonConfigChanged, changeFor(t, p, "b").Reason)
}

func TestPlanDependenciesChanged(t *testing.T) {
	f := newFixture(t)
	f.models["c"].Dependencies = []string{"a"}

	p, err := New(f.store, f.graph, nil).Plan(f.models, nil, false)
	require.NoError(t, err)

	assert.Equal(t, ReasonDepsChanged, changeFor(t, p, "c").Reason)
}

func TestPlanFullRefresh(t *testing.T) {
	f := newFixture(t)

	p, err := New(f.store, f.graph, nil).Plan(f.models, nil, true)
	require.NoError(t, err)

	for _, c := range p.Changes {
		assert.Equal(t, ChangeUpdate, c.Type)
		assert.Equal(t, ReasonFullRefresh, c.Reason)
	}
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}}, p.ExecutionOrder)
}

func TestPlanAffectedDownstream(t *testing.T) {
	f := newFixture(t)
	f.models["a"].FileHash = "changed"

	p, err := New(f.store, f.graph, nil).Plan(f.models, nil, false)
	require.NoError(t, err)

	a := changeFor(t, p, "a")
	assert.Equal(t, []string{"b", "c"}, a.Affected)

	// only the changed model runs; unchanged dependents stay out
	assert.Equal(t, [][]string{{"a"}}, p.ExecutionOrder)
}

func TestPlanSubsetExpandsDependencies(t *testing.T) {
	f := newFixture(t)
	f.models["a"].FileHash = "changed"

	p, err := New(f.store, f.graph, nil).Plan(f.models, []string{"c"}, false)
	require.NoError(t, err)

	// subset c pulls in a and b for classification
	assert.Len(t, p.Changes, 3)
	assert.Equal(t, ReasonFileChanged, changeFor(t, p, "a").Reason)
	assert.Equal(t, ReasonNoChange, changeFor(t, p, "c").Reason)
}

func TestPlanRemovedModel(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.MarkExecution("legacy", true))

	p, err := New(f.store, f.graph, nil).Plan(f.models, nil, false)
	require.NoError(t, err)

	legacy := changeFor(t, p, "legacy")
	assert.Equal(t, ChangeDelete, legacy.Type)
	assert.Equal(t, ReasonRemoved, legacy.Reason)
}

func TestPlanSummaryAndString(t *testing.T) {
	f := newFixture(t)
	f.models["new"] = &ModelInput{FileHash: "x", ConfigHash: "y"}
	f.graph.Add("new", nil, nil)
	f.models["b"].FileHash = "changed"

	p, err := New(f.store, f.graph, nil).Plan(f.models, nil, false)
	require.NoError(t, err)

	summary := p.Summary()
	assert.Equal(t, 1, summary[ChangeCreate])
	assert.Equal(t, 1, summary[ChangeUpdate])
	assert.Equal(t, 2, summary[ChangeNone])
	assert.Equal(t, "1 to create, 1 to update, 2 unchanged", p.String())
	assert.True(t, p.HasWork())
}
