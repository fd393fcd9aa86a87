package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cronflow/internal/domain"
)

const (
	defaultHistory = 50
	maxHistory     = 500
)

type executionsResp struct {
	Executions []domain.ExecutionRecord `json:"executions"`
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		fail(w, r, "Failed to list executions", err)
		return
	}
	limit := defaultHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			fail(w, r, "Failed to list executions", fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = min(n, maxHistory)
	}
	if _, err := s.registry.Get(r.Context(), id); err != nil {
		fail(w, r, "Failed to list executions", err)
		return
	}

	recs, err := s.ledger.History(r.Context(), id, limit)
	if err != nil {
		fail(w, r, "Failed to list executions", err)
		return
	}
	if recs == nil {
		recs = []domain.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, executionsResp{Executions: recs})
}

type rerunReq struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

type rerunResp struct {
	Message   string    `json:"message"`
	AttemptID uuid.UUID `json:"attempt_id"`
}

func (s *Server) rerun(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		fail(w, r, "Failed to rerun task", err)
		return
	}
	var req rerunReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, r, "Failed to rerun task", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if req.ScheduledFor.IsZero() {
		fail(w, r, "Failed to rerun task", fmt.Errorf("%w: scheduled_for is required", errBadRequest))
		return
	}

	rec, err := s.runs.Rerun(r.Context(), id, req.ScheduledFor)
	if err != nil {
		fail(w, r, "Failed to rerun task", err)
		return
	}
	writeJSON(w, http.StatusOK, rerunResp{Message: "Run dispatched", AttemptID: rec.AttemptID})
}

func attemptID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "attempt"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed attempt id", errBadRequest)
	}
	return id, nil
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	id, err := attemptID(r)
	if err != nil {
		fail(w, r, "Failed to get execution", err)
		return
	}
	rec, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		fail(w, r, "Failed to get execution", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	id, err := attemptID(r)
	if err != nil {
		fail(w, r, "Failed to get artifact", err)
		return
	}
	rec, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		fail(w, r, "Failed to get artifact", err)
		return
	}
	if rec.ArtifactRef == "" {
		fail(w, r, "Failed to get artifact", fmt.Errorf("%w: attempt %s has no artifact", domain.ErrNotFound, id))
		return
	}
	data, err := s.artifacts.Get(r.Context(), rec.ArtifactRef)
	if err != nil {
		fail(w, r, "Failed to get artifact", err)
		return
	}
	w.Header().Set("content-type", "application/octet-stream")
	w.Header().Set("X-Artifact-Key", rec.ArtifactRef)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
