package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-labs/tidesql/internal/config"
	"github.com/tidemark-labs/tidesql/internal/engine"
	"github.com/tidemark-labs/tidesql/internal/testutil"
	"github.com/tidemark-labs/tidesql/internal/warehouse"
)

type stubClient struct {
	healthy bool
}

func (c *stubClient) Execute(context.Context, string, map[string]any, bool) (*warehouse.Rows, error) {
	return &warehouse.Rows{}, nil
}

func (c *stubClient) ExecuteTx(context.Context, []string, map[string]any) error { return nil }
func (c *stubClient) HealthCheck(context.Context) bool                          { return c.healthy }
func (c *stubClient) Close() error                                              { return nil }

func newTestServer(t *testing.T, healthy bool) (*Server, *engine.Engine, string) {
	t.Helper()
	dir := t.TempDir()
	modelsDir := filepath.Join(dir, "models")
	require.NoError(t, os.MkdirAll(modelsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modelsDir, "stg_orders.sql"),
		[]byte("SELECT id, amount FROM raw_orders"), 0o644))

	eng, err := engine.New(engine.Options{
		Project: &config.Project{
			ModelsDir:      modelsDir,
			StateDir:       filepath.Join(dir, ".state"),
			Sources:        filepath.Join(dir, "sources.yml"),
			DefaultTarget:  "dev",
			MaxParallelism: 2,
		},
		Client:    &stubClient{healthy: healthy},
		Warehouse: warehouse.Config{Database: "ANALYTICS", Schema: "MART"},
		Logger:    testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Discover())

	srv := New(Config{
		Engine:    eng,
		Watch:     true,
		ModelsDir: modelsDir,
		Logger:    testutil.NewTestLogger(t),
	})
	return srv, eng, modelsDir
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	rec := get(t, srv.Handler(), "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["warehouse"])
	assert.Equal(t, "dev", body["environment"])
}

func TestHealthEndpointDegraded(t *testing.T) {
	srv, _, _ := newTestServer(t, false)

	rec := get(t, srv.Handler(), "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestModelsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	rec := get(t, srv.Handler(), "/api/models")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var models []engine.ModelInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &models))
	require.Len(t, models, 1)
	assert.Equal(t, "stg_orders", models[0].Name)
	assert.Equal(t, "view", models[0].Materialized)
}

func TestPlanEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	rec := get(t, srv.Handler(), "/api/plan")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Changes []struct {
			Name   string `json:"name"`
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Changes, 1)
	assert.Equal(t, "stg_orders", body.Changes[0].Name)
	assert.Equal(t, "create", body.Changes[0].Type)
}

func TestRunsEndpointWithoutLedger(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	rec := get(t, srv.Handler(), "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestRunsEndpointRejectsBadLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	rec := get(t, srv.Handler(), "/api/runs?limit=banana")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLineageEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	rec := get(t, srv.Handler(), "/api/lineage/stg_orders")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "stg_orders", body["model"])
}

func TestLineageEndpointUnknownModel(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	rec := get(t, srv.Handler(), "/api/lineage/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWatcherRediscoversOnNewModel(t *testing.T) {
	srv, eng, modelsDir := newTestServer(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.watchFiles(ctx) }()

	// give the watcher a moment to register the directory
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(modelsDir, "fct_orders.sql"),
		[]byte("SELECT id FROM {{ ref('stg_orders') }}"), 0o644))

	assert.Eventually(t, func() bool {
		return len(eng.Models()) == 2
	}, 3*time.Second, 50*time.Millisecond)
}
