package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"courier/internal/model"
)

// Dispatcher executes a due task through the router's scheduled path and
// returns the worker's result text.
type Dispatcher interface {
	DispatchScheduled(ctx context.Context, task model.ScheduledTask) (string, error)
}

// Store is the slice of task persistence the scheduler needs.
type Store interface {
	DueTasks(now time.Time) ([]model.ScheduledTask, error)
	GetTask(id string) (model.ScheduledTask, error)
	UpdateTaskAfterRun(id string, nextRun time.Time, status model.TaskStatus, summary string) error
	AddTaskRun(run model.TaskRun) error
}

type Snapshot struct {
	Running     bool       `json:"running"`
	LastTickAt  *time.Time `json:"last_tick_at,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	TotalTicks  int64      `json:"total_ticks"`
	TotalRuns   int64      `json:"total_runs"`
	TotalErrors int64      `json:"total_errors"`
}

// Scheduler polls the task store for due work and dispatches each hit.
type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	interval   time.Duration
	location   *time.Location
	logger     *zap.Logger

	mu       sync.RWMutex
	running  bool
	doneChan chan struct{}
	snapshot Snapshot
}

func New(store Store, dispatcher Dispatcher, interval time.Duration, location *time.Location, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if location == nil {
		location = time.UTC
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		interval:   interval,
		location:   location,
		logger:     logger,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.snapshot.Running = true
	s.doneChan = make(chan struct{})
	done := s.doneChan
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.loop(ctx)
		s.mu.Lock()
		s.running = false
		s.snapshot.Running = false
		s.mu.Unlock()
	}()
}

func (s *Scheduler) Wait(timeout time.Duration) bool {
	s.mu.RLock()
	done := s.doneChan
	s.mu.RUnlock()
	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.RunIteration(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunIteration(ctx)
		}
	}
}

// RunIteration executes one poll tick: fetch due tasks, re-fetch each one
// fresh to defend against a concurrent pause or cancel, run it, and record
// the outcome unconditionally.
func (s *Scheduler) RunIteration(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueTasks(now)

	s.mu.Lock()
	tick := now.UTC()
	s.snapshot.LastTickAt = &tick
	s.snapshot.TotalTicks++
	if err != nil {
		s.snapshot.TotalErrors++
		s.snapshot.LastError = strings.TrimSpace(err.Error())
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("due-task fetch failed", zap.Error(err))
		return
	}

	for _, stale := range due {
		if ctx.Err() != nil {
			return
		}
		fresh, err := s.store.GetTask(stale.ID)
		if err != nil {
			// Deleted between fetch and run.
			continue
		}
		if fresh.Status != model.TaskStatusActive || fresh.NextRun.After(now) {
			continue
		}
		s.runTask(ctx, fresh)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task model.ScheduledTask) {
	started := time.Now()
	result, err := s.dispatcher.DispatchScheduled(ctx, task)

	run := model.TaskRun{
		TaskID:     task.ID,
		StartedAt:  started,
		DurationMs: time.Since(started).Milliseconds(),
	}
	summary := result
	if err != nil {
		run.Status = model.RunStatusError
		run.ErrorText = err.Error()
		summary = "error: " + err.Error()
		if ctx.Err() != nil {
			run.Status = model.RunStatusCancelled
		}
	} else {
		run.Status = model.RunStatusSuccess
		run.Result = result
	}
	if recordErr := s.store.AddTaskRun(run); recordErr != nil {
		s.logger.Warn("run log write failed", zap.String("task_id", task.ID), zap.Error(recordErr))
	}

	next, completed, schedErr := Recompute(task.ScheduleType, task.ScheduleValue, time.Now(), s.location)
	status := model.TaskStatusActive
	if completed {
		status = model.TaskStatusCompleted
	}
	if schedErr != nil {
		// Schedules are validated at creation; a recompute failure means
		// the stored value was corrupted. Park the task instead of
		// hot-looping it.
		s.logger.Error("stored schedule no longer parses; pausing task",
			zap.String("task_id", task.ID), zap.Error(schedErr))
		status = model.TaskStatusPaused
		next = task.NextRun
	}
	if err := s.store.UpdateTaskAfterRun(task.ID, next, status, truncateSummary(summary)); err != nil {
		s.logger.Warn("task update after run failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	s.mu.Lock()
	ranAt := started.UTC()
	s.snapshot.LastRunAt = &ranAt
	s.snapshot.TotalRuns++
	if run.Status == model.RunStatusError {
		s.snapshot.TotalErrors++
		s.snapshot.LastError = strings.TrimSpace(run.ErrorText)
	}
	s.mu.Unlock()
}

func truncateSummary(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		return s[:500] + "…"
	}
	return s
}
