package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
	"github.com/tidemark-labs/tidesql/internal/history"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.engine.Health(r.Context())
	status := "ok"
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"warehouse":   healthy,
		"environment": s.engine.Environment(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Models())
}

func (s *Server) handlePlan(w http.ResponseWriter, _ *http.Request) {
	execPlan, err := s.engine.Plan(nil, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execPlan)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	ledger := s.engine.History()
	if ledger == nil {
		writeJSON(w, http.StatusOK, []*history.Run{})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	runs, err := ledger.ListRuns(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*history.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	ml, err := s.engine.Lineage(model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model":   model,
		"lineage": ml,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var nfErr *tserrors.ModelNotFoundError
	if errors.As(err, &nfErr) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
