package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cronflow/internal/cronexpr"
	"cronflow/internal/domain"
	"cronflow/internal/registry"
)

// previewRuns is how many upcoming occurrences a single-task read includes.
const previewRuns = 5

type taskResp struct {
	ID             uuid.UUID         `json:"task_id"`
	Name           string            `json:"task_name"`
	CronExpression string            `json:"cron_expression"`
	Slug           string            `json:"slug"`
	Action         string            `json:"action"`
	Status         domain.TaskStatus `json:"status"`
	NextRunAt      time.Time         `json:"next_run_at"`
	Version        int64             `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	NextRuns       []time.Time       `json:"next_runs,omitempty"`
}

func encodeTask(t domain.Task) taskResp {
	return taskResp{
		ID:             t.ID,
		Name:           encode(t.Name),
		CronExpression: encode(t.CronExpression),
		Slug:           t.Slug,
		Action:         t.Action,
		Status:         t.Status,
		NextRunAt:      t.NextRunAt,
		Version:        t.Version,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func encode(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func decode(field, s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: %s is not valid base64", errBadRequest, field)
	}
	return string(b), nil
}

func decodePtr(field string, s *string) (*string, error) {
	if s == nil {
		return nil, nil
	}
	v, err := decode(field, *s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func taskID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed task id", errBadRequest)
	}
	return id, nil
}

type createTaskReq struct {
	Name           string `json:"task_name"`
	CronExpression string `json:"cron_expression"`
	Action         string `json:"action"`
}

type createTaskResp struct {
	Message string    `json:"message"`
	ID      uuid.UUID `json:"task_id"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, r, "Failed to create task", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	name, err := decode("task_name", req.Name)
	if err != nil {
		fail(w, r, "Failed to create task", err)
		return
	}
	expr, err := decode("cron_expression", req.CronExpression)
	if err != nil {
		fail(w, r, "Failed to create task", err)
		return
	}

	t, err := s.registry.Create(r.Context(), registry.CreateParams{Name: name, CronExpression: expr, Action: req.Action})
	if err != nil {
		fail(w, r, "Failed to create task", err)
		return
	}
	writeJSON(w, http.StatusOK, createTaskResp{Message: "Task created successfully", ID: t.ID})
}

type listTasksResp struct {
	Tasks []taskResp `json:"tasks"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var f registry.Filter
	if st := r.URL.Query().Get("status"); st != "" {
		f.Status = domain.TaskStatus(st)
		if !f.Status.Valid() {
			fail(w, r, "Failed to list tasks", fmt.Errorf("%w: unknown status %q", errBadRequest, st))
			return
		}
	}

	resp := listTasksResp{Tasks: []taskResp{}}
	for t, err := range s.registry.List(r.Context(), f) {
		if err != nil {
			fail(w, r, "Failed to list tasks", err)
			return
		}
		resp.Tasks = append(resp.Tasks, encodeTask(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		fail(w, r, "Failed to get task", err)
		return
	}
	t, err := s.registry.Get(r.Context(), id)
	if err != nil {
		fail(w, r, "Failed to get task", err)
		return
	}
	resp := encodeTask(t)
	if t.Status == domain.TaskActive {
		resp.NextRuns, _ = cronexpr.Preview(t.CronExpression, t.NextRunAt.Add(-time.Nanosecond), previewRuns)
	}
	writeJSON(w, http.StatusOK, resp)
}

type updateTaskReq struct {
	Name           *string `json:"task_name"`
	CronExpression *string `json:"cron_expression"`
	Action         *string `json:"action"`
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		fail(w, r, "Failed to update task", err)
		return
	}
	var req updateTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, r, "Failed to update task", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	var p registry.UpdateParams
	if p.Name, err = decodePtr("task_name", req.Name); err != nil {
		fail(w, r, "Failed to update task", err)
		return
	}
	if p.CronExpression, err = decodePtr("cron_expression", req.CronExpression); err != nil {
		fail(w, r, "Failed to update task", err)
		return
	}
	p.Action = req.Action

	t, err := s.registry.Update(r.Context(), id, p)
	if err != nil {
		fail(w, r, "Failed to update task", err)
		return
	}
	writeJSON(w, http.StatusOK, encodeTask(t))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		fail(w, r, "Failed to delete task", err)
		return
	}
	if err := s.registry.Delete(r.Context(), id); err != nil {
		fail(w, r, "Failed to delete task", err)
		return
	}
	writeJSON(w, http.StatusOK, createTaskResp{Message: "Task deleted successfully", ID: id})
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "pause", s.registry.Pause)
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "resume", s.registry.Resume)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, verb string, fn func(context.Context, uuid.UUID) (domain.Task, error)) {
	message := "Failed to " + verb + " task"
	id, err := taskID(r)
	if err != nil {
		fail(w, r, message, err)
		return
	}
	t, err := fn(r.Context(), id)
	if err != nil {
		fail(w, r, message, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeTask(t))
}
