package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"courier/internal/model"
	"courier/internal/serviceapi"
)

type stubCore struct {
	status     serviceapi.Status
	namespaces []model.Namespace
	tasks      []model.ScheduledTask
	runs       []model.TaskRun

	lastOwner  string
	lastTaskID string
	lastLimit  int
}

func (s *stubCore) Shutdown(ctx context.Context) {}

func (s *stubCore) Status(ctx context.Context) (serviceapi.Status, error) {
	return s.status, nil
}

func (s *stubCore) ListNamespaces(ctx context.Context) ([]model.Namespace, error) {
	return s.namespaces, nil
}

func (s *stubCore) ListTasks(ctx context.Context, owner string) ([]model.ScheduledTask, error) {
	s.lastOwner = owner
	return s.tasks, nil
}

func (s *stubCore) ListTaskRuns(ctx context.Context, taskID string, limit int) ([]model.TaskRun, error) {
	s.lastTaskID = taskID
	s.lastLimit = limit
	return s.runs, nil
}

func newTestServer(t *testing.T, core *stubCore) *httptest.Server {
	t.Helper()
	runtime := NewRuntime(core, Options{}, nil)
	ts := httptest.NewServer(runtime.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, &stubCore{})

	var health HealthResponse
	if code := getJSON(t, ts.URL+"/healthz", &health); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if health.Status != "ok" {
		t.Fatalf("expected ok, got %q", health.Status)
	}
	if health.StartedAt.IsZero() || health.Now.IsZero() {
		t.Fatalf("expected timestamps, got %+v", health)
	}
}

func TestStatusEndpoint(t *testing.T) {
	core := &stubCore{}
	core.status.Worker.State = model.WorkerStateRunning
	core.status.Worker.PID = 4242
	ts := newTestServer(t, core)

	var payload struct {
		Status serviceapi.Status `json:"status"`
	}
	if code := getJSON(t, ts.URL+"/api/status", &payload); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if payload.Status.Worker.State != model.WorkerStateRunning || payload.Status.Worker.PID != 4242 {
		t.Fatalf("unexpected status payload: %+v", payload.Status)
	}
}

func TestTasksEndpointPassesOwnerFilter(t *testing.T) {
	core := &stubCore{tasks: []model.ScheduledTask{{ID: "t1", OwnerNamespace: "billing"}}}
	ts := newTestServer(t, core)

	var payload struct {
		Tasks []model.ScheduledTask `json:"tasks"`
	}
	if code := getJSON(t, ts.URL+"/api/tasks?owner=billing", &payload); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if core.lastOwner != "billing" {
		t.Fatalf("owner filter not forwarded, got %q", core.lastOwner)
	}
	if len(payload.Tasks) != 1 || payload.Tasks[0].ID != "t1" {
		t.Fatalf("unexpected tasks payload: %+v", payload.Tasks)
	}
}

func TestTaskRunsEndpoint(t *testing.T) {
	core := &stubCore{runs: []model.TaskRun{{TaskID: "t1", Status: model.RunStatusSuccess}}}
	ts := newTestServer(t, core)

	var payload struct {
		Runs []model.TaskRun `json:"runs"`
	}
	if code := getJSON(t, ts.URL+"/api/tasks/t1/runs?limit=5", &payload); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if core.lastTaskID != "t1" || core.lastLimit != 5 {
		t.Fatalf("path/query not forwarded: task=%q limit=%d", core.lastTaskID, core.lastLimit)
	}
	if len(payload.Runs) != 1 {
		t.Fatalf("unexpected runs payload: %+v", payload.Runs)
	}

	if code := getJSON(t, ts.URL+"/api/tasks/t1/runs?limit=zero", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", code)
	}
	if code := getJSON(t, ts.URL+"/api/tasks/t1", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing suffix, got %d", code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, &stubCore{})

	resp, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestRemoteCoreAgainstRuntime(t *testing.T) {
	core := &stubCore{
		namespaces: []model.Namespace{{Key: "operator", Privileged: true}},
		tasks:      []model.ScheduledTask{{ID: "t1"}},
		runs:       []model.TaskRun{{TaskID: "t1"}},
	}
	ts := newTestServer(t, core)

	remote := serviceapi.NewRemoteCore(ts.URL, 5*time.Second)
	namespaces, err := remote.ListNamespaces(t.Context())
	if err != nil || len(namespaces) != 1 || !namespaces[0].Privileged {
		t.Fatalf("remote namespaces: %v %+v", err, namespaces)
	}
	tasks, err := remote.ListTasks(t.Context(), "")
	if err != nil || len(tasks) != 1 {
		t.Fatalf("remote tasks: %v %+v", err, tasks)
	}
	runs, err := remote.ListTaskRuns(t.Context(), "t1", 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("remote runs: %v %+v", err, runs)
	}
	if _, err := remote.ListTaskRuns(t.Context(), "", 10); err == nil {
		t.Fatalf("remote runs must require a task id")
	}
	if _, err := remote.Status(t.Context()); err != nil {
		t.Fatalf("remote status: %v", err)
	}
}
