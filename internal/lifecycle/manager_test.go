package lifecycle

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"courier/internal/model"
	"courier/internal/worker"
)

// TestHelperProcess acts as a scripted agent when the tests re-exec the
// test binary with GO_WANT_HELPER_PROCESS set.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	mode := ""
	for i, arg := range os.Args {
		if arg == "--" && i+1 < len(os.Args) {
			mode = os.Args[i+1]
			break
		}
	}
	if mode == "exit" {
		os.Exit(2)
	}

	scanner := bufio.NewScanner(os.Stdin)
	out := json.NewEncoder(os.Stdout)
	roguesSent := false
	for scanner.Scan() {
		var req model.WireRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		switch mode {
		case "crash":
			if req.Command == model.WireCommandQuery {
				os.Exit(3)
			}
		case "silent":
		case "rogue":
			if req.Command != model.WireCommandQuery {
				continue
			}
			if !roguesSent {
				roguesSent = true
				bogus := "noise"
				_ = out.Encode(model.WireResponse{RequestID: "no-such-request", Status: model.WireStatusSuccess, Result: &bogus})
			}
			result := "echo: " + req.Prompt
			_ = out.Encode(model.WireResponse{RequestID: req.RequestID, Status: model.WireStatusSuccess, Result: &result})
		default: // echo
			if req.Command == model.WireCommandShutdown {
				return
			}
			if req.Command != model.WireCommandQuery {
				continue
			}
			result := "echo: " + req.Prompt
			_ = out.Encode(model.WireResponse{
				RequestID:    req.RequestID,
				Status:       model.WireStatusSuccess,
				Result:       &result,
				NewSessionID: "sess-2",
			})
		}
	}
}

func newTestManager(t *testing.T, mode string, opts Options) *Manager {
	t.Helper()
	root := t.TempDir()
	spec := worker.BuildSpec(
		[]string{os.Args[0], "-test.run=TestHelperProcess", "--", mode},
		"operator", root+"/work", root+"/session", root+"/mailbox")
	spec.Env = map[string]string{"GO_WANT_HELPER_PROCESS": "1"}
	m := NewManager(worker.NewAdapter(zap.NewNop()), spec, opts, nil, zap.NewNop())
	// Collapse the restart backoff so crash tests finish quickly.
	m.delay = func(attempt uint) time.Duration { return time.Millisecond }
	t.Cleanup(func() { m.Shutdown(t.Context()) })
	return m
}

func defaultOpts() Options {
	return Options{
		RequestTimeout:     5 * time.Second,
		HealthInterval:     0,
		MaxRestartAttempts: 3,
		ShutdownGrace:      time.Second,
	}
}

func waitForState(t *testing.T, m *Manager, want model.WorkerState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Snapshot().State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("manager never reached state %s (now %s)", want, m.Snapshot().State)
}

func TestQueryRequiresRunningWorker(t *testing.T) {
	m := newTestManager(t, "echo", defaultOpts())
	if _, err := m.Query(t.Context(), "hi", "", "room-1", false); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before start, got %v", err)
	}
}

func TestQueryCorrelation(t *testing.T) {
	m := newTestManager(t, "echo", defaultOpts())
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}

	type reply struct {
		res QueryResult
		err error
	}
	first := make(chan reply, 1)
	second := make(chan reply, 1)
	go func() {
		res, err := m.Query(t.Context(), "alpha", "", "room-1", false)
		first <- reply{res, err}
	}()
	go func() {
		res, err := m.Query(t.Context(), "beta", "", "room-2", false)
		second <- reply{res, err}
	}()

	r1 := <-first
	r2 := <-second
	if r1.err != nil || r2.err != nil {
		t.Fatalf("queries failed: %v / %v", r1.err, r2.err)
	}
	if r1.res.Result != "echo: alpha" {
		t.Fatalf("first query got wrong result: %q", r1.res.Result)
	}
	if r2.res.Result != "echo: beta" {
		t.Fatalf("second query got wrong result: %q", r2.res.Result)
	}
	if r1.res.NewSessionID != "sess-2" {
		t.Fatalf("expected new session id, got %q", r1.res.NewSessionID)
	}
	if n := m.Snapshot().PendingRequests; n != 0 {
		t.Fatalf("expected empty correlation table, got %d entries", n)
	}
}

func TestUnknownResponseIDDropped(t *testing.T) {
	m := newTestManager(t, "rogue", defaultOpts())
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := m.Query(t.Context(), "hello", "", "room-1", false)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Result != "echo: hello" {
		t.Fatalf("expected real response despite rogue line, got %q", res.Result)
	}
	if m.Snapshot().State != model.WorkerStateRunning {
		t.Fatalf("rogue line must not disturb the worker, state %s", m.Snapshot().State)
	}
}

func TestQueryTimeoutLeavesWorkerRunning(t *testing.T) {
	opts := defaultOpts()
	opts.RequestTimeout = 100 * time.Millisecond
	m := newTestManager(t, "silent", opts)
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Query(t.Context(), "slow", "", "room-1", false); !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	snap := m.Snapshot()
	if snap.State != model.WorkerStateRunning {
		t.Fatalf("timeout must leave worker running, state %s", snap.State)
	}
	if snap.PendingRequests != 0 {
		t.Fatalf("timed-out correlation not removed: %d pending", snap.PendingRequests)
	}
}

func TestCrashRejectsPendingAndRestarts(t *testing.T) {
	m := newTestManager(t, "crash", defaultOpts())
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Query(t.Context(), "boom", "", "room-1", false); !errors.Is(err, ErrWorkerCrashed) {
		t.Fatalf("expected ErrWorkerCrashed, got %v", err)
	}
	// The backoff timer is collapsed to 1ms in tests; the worker should
	// come back on its own.
	waitForState(t, m, model.WorkerStateRunning)
	if m.Snapshot().RestartAttempts != 1 {
		t.Fatalf("expected one restart attempt, got %d", m.Snapshot().RestartAttempts)
	}
}

func TestRestartBudgetExhaustionEntersFallback(t *testing.T) {
	opts := defaultOpts()
	opts.MaxRestartAttempts = 2
	m := newTestManager(t, "exit", opts)
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, m, model.WorkerStateFatal)
	if !m.FallbackOnly() {
		t.Fatalf("expected fallback-only after exhausting restart budget")
	}
	if got := m.Snapshot().RestartAttempts; got != 2 {
		t.Fatalf("expected 2 restart attempts, got %d", got)
	}
	// The budget never self-resets: a fresh start must be refused.
	if err := m.Start(t.Context()); err == nil {
		t.Fatalf("expected start to be refused in permanent fallback")
	}
}

func TestBackoffDoubles(t *testing.T) {
	m := NewManager(nil, worker.Spec{}, defaultOpts(), nil, zap.NewNop())
	for k, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		if got := m.delay(uint(k)); got != want {
			t.Fatalf("backoff(%d) = %s, want %s", k, got, want)
		}
	}
}

func TestShutdownIdempotent(t *testing.T) {
	m := newTestManager(t, "echo", defaultOpts())
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.Shutdown(t.Context())
	m.Shutdown(t.Context())
	if m.Snapshot().State != model.WorkerStateStopped {
		t.Fatalf("expected stopped after shutdown, got %s", m.Snapshot().State)
	}
	if _, err := m.Query(t.Context(), "late", "", "room-1", false); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after shutdown, got %v", err)
	}
}
