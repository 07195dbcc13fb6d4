package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tidyd/internal/scheduler"
	"tidyd/internal/task"
)

type taskPayload struct {
	Name          string     `json:"name"`
	TargetPath    string     `json:"target_path"`
	Instruction   string     `json:"instruction"`
	Policy        string     `json:"recurrence_policy"`
	AnchorTime    *time.Time `json:"anchor_time,omitempty"`
	DaysOfWeek    []int      `json:"days_of_week,omitempty"`
	DayOfMonth    int        `json:"day_of_month,omitempty"`
	ResourceLimit int        `json:"resource_limit,omitempty"`
	Priority      int        `json:"priority,omitempty"`
	Enabled       *bool      `json:"enabled,omitempty"`
}

func (p taskPayload) toTask(id string) task.Task {
	t := task.Task{
		ID:            id,
		Name:          p.Name,
		TargetPath:    p.TargetPath,
		Instruction:   p.Instruction,
		Policy:        task.Policy(p.Policy),
		DaysOfWeek:    p.DaysOfWeek,
		DayOfMonth:    p.DayOfMonth,
		ResourceLimit: p.ResourceLimit,
		Priority:      p.Priority,
		Enabled:       true,
	}
	if p.AnchorTime != nil {
		t.AnchorTime = *p.AnchorTime
	}
	if p.Enabled != nil {
		t.Enabled = *p.Enabled
	}
	return t
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.List())
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var p taskPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	added, err := s.sched.Add(r.Context(), p.toTask(""))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_task", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.sched.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var p taskPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	updated, err := s.sched.Update(p.toTask(chi.URLParam(r, "id")))
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case err != nil:
		writeError(w, http.StatusBadRequest, "invalid_task", err.Error())
	default:
		writeJSON(w, http.StatusOK, updated)
	}
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	err := s.sched.Remove(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	err := s.sched.RunNow(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case err != nil:
		writeError(w, http.StatusBadGateway, "run_failed", err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
	}
}

type upcomingEntry struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	NextRun time.Time `json:"next_run"`
}

func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	ups := s.sched.Upcoming(limit)
	out := make([]upcomingEntry, 0, len(ups))
	for _, u := range ups {
		out = append(out, upcomingEntry{ID: u.Task.ID, Name: u.Task.Name, NextRun: u.NextRun})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUsageReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.rep.Report(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleWatchdogStatus(w http.ResponseWriter, r *http.Request) {
	if s.wd == nil {
		writeError(w, http.StatusNotFound, "disabled", "watchdog is not enabled")
		return
	}
	st, ok := s.wd.LastStatus()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "pending", "no health check has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
