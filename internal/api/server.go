// Package api exposes the task registry and execution ledger over HTTP.
// task_name and cron_expression travel base64 encoded in both directions;
// everything behind this package sees the decoded text.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"cronflow/internal/artifact"
	"cronflow/internal/domain"
	"cronflow/internal/ledger"
	"cronflow/internal/registry"
)

// Rerunner dispatches a manual run of one occurrence.
type Rerunner interface {
	Rerun(ctx context.Context, taskID uuid.UUID, scheduledFor time.Time) (domain.ExecutionRecord, error)
}

type Deps struct {
	Registry  *registry.Registry
	Ledger    *ledger.Ledger
	Runs      Rerunner
	Artifacts artifact.Store
	Logger    zerolog.Logger
	// Debug mounts the pprof handlers.
	Debug bool
}

type Server struct {
	r         *chi.Mux
	registry  *registry.Registry
	ledger    *ledger.Ledger
	runs      Rerunner
	artifacts artifact.Store
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		hlog.NewHandler(d.Logger),
		hlog.RequestIDHandler("req_id", "X-Request-Id"),
		hlog.AccessHandler(accessLog),
		middleware.Recoverer,
	)

	s := &Server{
		r:         r,
		registry:  d.Registry,
		ledger:    d.Ledger,
		runs:      d.Runs,
		artifacts: d.Artifacts,
	}

	r.Get("/health", s.health)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/", s.listTasks)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getTask)
			r.Put("/", s.updateTask)
			r.Delete("/", s.deleteTask)
			r.Post("/pause", s.pauseTask)
			r.Post("/resume", s.resumeTask)
			r.Get("/executions", s.listExecutions)
			r.Post("/runs", s.rerun)
		})
	})
	r.Get("/api/executions/{attempt}", s.getExecution)
	r.Get("/api/executions/{attempt}/artifact", s.getArtifact)

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func accessLog(r *http.Request, status, size int, d time.Duration) {
	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Stringer("url", r.URL).
		Int("status", status).
		Int("size", size).
		Dur("duration", d).
		Msg("request")
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type errorResp struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// fail writes err with the status its kind maps to. Infrastructure failures
// are logged and reported without detail.
func fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	code := statusFor(err)
	resp := errorResp{Message: message, Error: err.Error()}
	if code == http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg(message)
		resp.Error = "internal error"
	}
	writeJSON(w, code, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrClaimConflict), errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
