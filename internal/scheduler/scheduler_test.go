package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"courier/internal/model"
)

func TestCronFirstRunFindsNextMonday(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	// Wednesday noon.
	ref := time.Date(2021, 6, 16, 12, 0, 0, 0, loc)
	next, err := FirstRun(model.ScheduleTypeCron, "0 9 * * 1", ref, loc)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	want := time.Date(2021, 6, 21, 9, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("expected next Monday 09:00 (%s), got %s", want, next)
	}
}

func TestIntervalFirstRun(t *testing.T) {
	now := time.Now()
	next, err := FirstRun(model.ScheduleTypeInterval, "90m", now, time.UTC)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if got := next.Sub(now); got != 90*time.Minute {
		t.Fatalf("expected 90m offset, got %s", got)
	}
}

func TestOnceFirstRunUsesTimestamp(t *testing.T) {
	next, err := FirstRun(model.ScheduleTypeOnce, "2026-09-01T09:00:00Z", time.Now(), time.UTC)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if !next.Equal(time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected one-shot time %s", next)
	}
}

func TestFirstRunRejectsMalformedSchedules(t *testing.T) {
	cases := []struct {
		scheduleType model.ScheduleType
		value        string
	}{
		{model.ScheduleTypeCron, "99 99 * *"},
		{model.ScheduleTypeInterval, "-5s"},
		{model.ScheduleTypeInterval, "soon"},
		{model.ScheduleTypeOnce, "tomorrow"},
		{model.ScheduleType("weekly"), "1"},
	}
	for _, tc := range cases {
		if _, err := FirstRun(tc.scheduleType, tc.value, time.Now(), time.UTC); err == nil {
			t.Fatalf("expected rejection for %s %q", tc.scheduleType, tc.value)
		}
	}
}

func TestRecomputeOnceCompletes(t *testing.T) {
	_, completed, err := Recompute(model.ScheduleTypeOnce, "2026-09-01T09:00:00Z", time.Now(), time.UTC)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if !completed {
		t.Fatalf("expected one-shot task to complete after its run")
	}
}

type fakeStore struct {
	tasks    map[string]model.ScheduledTask
	runs     []model.TaskRun
	staleDue []model.ScheduledTask
}

func newFakeStore(tasks ...model.ScheduledTask) *fakeStore {
	s := &fakeStore{tasks: map[string]model.ScheduledTask{}}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *fakeStore) DueTasks(now time.Time) ([]model.ScheduledTask, error) {
	if s.staleDue != nil {
		return s.staleDue, nil
	}
	var out []model.ScheduledTask
	for _, t := range s.tasks {
		if t.Status == model.TaskStatusActive && !t.NextRun.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) GetTask(id string) (model.ScheduledTask, error) {
	t, ok := s.tasks[id]
	if !ok {
		return model.ScheduledTask{}, errors.New("not found")
	}
	return t, nil
}

func (s *fakeStore) UpdateTaskAfterRun(id string, nextRun time.Time, status model.TaskStatus, summary string) error {
	t := s.tasks[id]
	t.NextRun = nextRun
	t.Status = status
	t.LastRunSummary = summary
	s.tasks[id] = t
	return nil
}

func (s *fakeStore) AddTaskRun(run model.TaskRun) error {
	s.runs = append(s.runs, run)
	return nil
}

type fakeDispatcher struct {
	calls  []model.ScheduledTask
	result string
	err    error
}

func (d *fakeDispatcher) DispatchScheduled(_ context.Context, task model.ScheduledTask) (string, error) {
	d.calls = append(d.calls, task)
	return d.result, d.err
}

func dueTask(id string, scheduleType model.ScheduleType, value string) model.ScheduledTask {
	return model.ScheduledTask{
		ID:             id,
		OwnerNamespace: "operator",
		Prompt:         "do the thing",
		ScheduleType:   scheduleType,
		ScheduleValue:  value,
		ContextMode:    model.ContextModeIsolated,
		NextRun:        time.Now().Add(-time.Minute),
		Status:         model.TaskStatusActive,
	}
}

func TestRunIterationDispatchesAndReschedules(t *testing.T) {
	store := newFakeStore(dueTask("task-1", model.ScheduleTypeInterval, "1h"))
	dispatcher := &fakeDispatcher{result: "all quiet"}
	s := New(store, dispatcher, time.Second, time.UTC, zap.NewNop())

	s.RunIteration(t.Context())

	if len(dispatcher.calls) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(dispatcher.calls))
	}
	if len(store.runs) != 1 || store.runs[0].Status != model.RunStatusSuccess {
		t.Fatalf("expected a success run log, got %+v", store.runs)
	}
	got := store.tasks["task-1"]
	if got.Status != model.TaskStatusActive {
		t.Fatalf("interval task should stay active, got %s", got.Status)
	}
	if !got.NextRun.After(time.Now().Add(50 * time.Minute)) {
		t.Fatalf("next run not pushed out: %s", got.NextRun)
	}
	if got.LastRunSummary != "all quiet" {
		t.Fatalf("unexpected summary %q", got.LastRunSummary)
	}
}

func TestRunIterationCompletesOneShot(t *testing.T) {
	store := newFakeStore(dueTask("task-1", model.ScheduleTypeOnce, "2026-01-01T00:00:00Z"))
	dispatcher := &fakeDispatcher{result: "done"}
	s := New(store, dispatcher, time.Second, time.UTC, zap.NewNop())

	s.RunIteration(t.Context())

	got := store.tasks["task-1"]
	if got.Status != model.TaskStatusCompleted {
		t.Fatalf("one-shot task should complete, got %s", got.Status)
	}
}

func TestRunIterationRecordsFailures(t *testing.T) {
	store := newFakeStore(dueTask("task-1", model.ScheduleTypeInterval, "1h"))
	dispatcher := &fakeDispatcher{err: errors.New("worker unavailable")}
	s := New(store, dispatcher, time.Second, time.UTC, zap.NewNop())

	s.RunIteration(t.Context())

	if len(store.runs) != 1 || store.runs[0].Status != model.RunStatusError {
		t.Fatalf("expected an error run log, got %+v", store.runs)
	}
	if store.runs[0].ErrorText != "worker unavailable" {
		t.Fatalf("unexpected error text %q", store.runs[0].ErrorText)
	}
	// Failures still reschedule.
	if store.tasks["task-1"].Status != model.TaskStatusActive {
		t.Fatalf("failed interval task should stay active")
	}
}

func TestRunIterationSkipsConcurrentlyPausedTask(t *testing.T) {
	task := dueTask("task-1", model.ScheduleTypeInterval, "1h")
	store := newFakeStore(task)
	dispatcher := &fakeDispatcher{result: "nope"}
	s := New(store, dispatcher, time.Second, time.UTC, zap.NewNop())

	// The due fetch serves a stale active copy while the stored task has
	// already been paused; the fresh re-fetch must notice.
	store.staleDue = []model.ScheduledTask{task}
	paused := task
	paused.Status = model.TaskStatusPaused
	store.tasks["task-1"] = paused

	s.RunIteration(t.Context())
	if len(dispatcher.calls) != 0 {
		t.Fatalf("paused task must not dispatch")
	}
}
