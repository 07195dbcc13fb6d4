package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"tidyd/internal/engine"
	"tidyd/internal/scheduler"
	"tidyd/internal/task"
	"tidyd/internal/watchdog"
	"tidyd/pkg/logx"
)

type stubEngine struct{}

func (stubEngine) Organize(ctx context.Context, r engine.Request) (engine.Result, error) {
	return engine.Result{OK: true, FilesMoved: 1}, nil
}

type stubReporter struct{}

func (stubReporter) Report(ctx context.Context) (map[string]map[int]float64, error) {
	return map[string]map[int]float64{"Monday": {9: 42}}, nil
}

type stubWatchdog struct {
	st watchdog.HealthStatus
	ok bool
}

func (s stubWatchdog) LastStatus() (watchdog.HealthStatus, bool) { return s.st, s.ok }

func newTestServer(t *testing.T, wd WatchdogStatus) *Server {
	t.Helper()
	store := task.NewStore(filepath.Join(t.TempDir(), "tasks.json"), logx.Nop())
	sched := scheduler.New(scheduler.Config{}, store, nil, stubEngine{}, logx.Nop())
	return NewServer("127.0.0.1:0", sched, stubReporter{}, wd, logx.Nop())
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	h := s.Handler()

	anchor := time.Date(2025, time.June, 1, 3, 0, 0, 0, time.UTC)
	rec := doJSON(t, h, http.MethodPost, "/tasks", map[string]any{
		"name":              "nightly",
		"target_path":       "/home/demo/Downloads",
		"instruction":       "sort by type",
		"recurrence_policy": "daily",
		"anchor_time":       anchor,
		"resource_limit":    30,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body)
	}
	var created task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Policy != task.PolicyDaily || !created.Enabled {
		t.Fatalf("unexpected created task: %+v", created)
	}

	rec = doJSON(t, h, http.MethodGet, "/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	var listed []task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Fatalf("unexpected list: %+v", listed)
	}

	rec = doJSON(t, h, http.MethodGet, "/tasks/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPut, "/tasks/"+created.ID, map[string]any{
		"name":              "nightly-renamed",
		"target_path":       "/home/demo/Downloads",
		"recurrence_policy": "daily",
		"anchor_time":       anchor,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodPost, "/tasks/"+created.ID+"/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodDelete, "/tasks/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/tasks/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", rec.Code)
	}
}

func TestUpdateKeepsRunHistory(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, nil).Handler()

	anchor := time.Date(2025, time.June, 1, 3, 0, 0, 0, time.UTC)
	body := map[string]any{
		"name":              "nightly",
		"target_path":       "/home/demo/Downloads",
		"recurrence_policy": "daily",
		"anchor_time":       anchor,
	}
	rec := doJSON(t, h, http.MethodPost, "/tasks", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body)
	}
	var created task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	if rec = doJSON(t, h, http.MethodPost, "/tasks/"+created.ID+"/run", nil); rec.Code != http.StatusOK {
		t.Fatalf("run = %d: %s", rec.Code, rec.Body)
	}

	// Re-PUT the same fields; the payload carries no last_run.
	if rec = doJSON(t, h, http.MethodPut, "/tasks/"+created.ID, body); rec.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodGet, "/tasks/"+created.ID, nil)
	var after task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &after); err != nil {
		t.Fatal(err)
	}
	if after.LastRun == nil {
		t.Fatal("PUT erased last_run")
	}
}

func TestCreateTaskRejectsBadPayload(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, nil).Handler()

	rec := doJSON(t, h, http.MethodPost, "/tasks", map[string]any{
		"recurrence_policy": "hourly",
		"target_path":       "/x",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad policy = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewBufferString("{nope"))
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Fatalf("bad json = %d", rec2.Code)
	}
}

func TestUpcomingRoute(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	h := s.Handler()

	future := time.Now().Add(time.Hour)
	rec := doJSON(t, h, http.MethodPost, "/tasks", map[string]any{
		"name":              "soon",
		"target_path":       "/x",
		"recurrence_policy": "once",
		"anchor_time":       future,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodGet, "/tasks/upcoming?limit=3", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("upcoming = %d", rec.Code)
	}
	var ups []upcomingEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &ups); err != nil {
		t.Fatal(err)
	}
	if len(ups) != 1 || ups[0].Name != "soon" {
		t.Fatalf("unexpected upcoming: %+v", ups)
	}

	rec = doJSON(t, h, http.MethodGet, "/tasks/upcoming?limit=x", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}
}

func TestUsageReportRoute(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, nil).Handler()

	rec := doJSON(t, h, http.MethodGet, "/usage/report", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report = %d", rec.Code)
	}
	var report map[string]map[string]float64
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report["Monday"]["9"] != 42 {
		t.Fatalf("unexpected report: %v", report)
	}
}

func TestWatchdogStatusRoute(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, nil).Handler()
	rec := doJSON(t, h, http.MethodGet, "/watchdog/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("disabled watchdog = %d", rec.Code)
	}

	h = newTestServer(t, stubWatchdog{}).Handler()
	rec = doJSON(t, h, http.MethodGet, "/watchdog/status", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("pending watchdog = %d", rec.Code)
	}

	st := watchdog.HealthStatus{Timestamp: time.Now(), SystemHealthy: true, APIServer: true}
	h = newTestServer(t, stubWatchdog{st: st, ok: true}).Handler()
	rec = doJSON(t, h, http.MethodGet, "/watchdog/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got watchdog.HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if !got.SystemHealthy {
		t.Fatalf("unexpected status: %+v", got)
	}

	rec = doJSON(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}
