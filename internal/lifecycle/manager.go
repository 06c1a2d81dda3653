package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Rican7/retry/backoff"
	"github.com/oklog/ulid"
	"go.uber.org/zap"

	"courier/internal/hsm"
	"courier/internal/model"
	"courier/internal/worker"
)

var (
	// ErrNotRunning rejects queries while no worker is up or shutdown is
	// in progress.
	ErrNotRunning = errors.New("persistent worker not running")
	// ErrWorkerCrashed rejects every pending correlation when the worker
	// process exits.
	ErrWorkerCrashed = errors.New("worker crashed")
	// ErrRequestTimeout rejects a single slow correlation; the worker is
	// left running.
	ErrRequestTimeout = errors.New("request timed out")
)

// QueryResult is the resolved payload of one correlated query.
type QueryResult struct {
	Result       string
	NewSessionID string
}

type pendingCall struct {
	done chan callOutcome
}

type callOutcome struct {
	result QueryResult
	err    error
}

// EventSink records lifecycle transitions for the audit trail.
type EventSink interface {
	AddEvent(entityType, entityID, eventType, fromState, toState, message string) error
}

// Options carries the tunables the manager needs from policy.
type Options struct {
	RequestTimeout     time.Duration
	HealthInterval     time.Duration
	MaxRestartAttempts int
	ShutdownGrace      time.Duration
}

// Manager owns the single long-lived worker for the privileged namespace.
// Many logical queries are multiplexed over its stdin/stdout through a
// request-correlation table; crashes trigger exponential-backoff restarts
// until the budget is spent, after which the manager stays in ephemeral-only
// fallback for the rest of the process lifetime.
type Manager struct {
	adapter *worker.Adapter
	spec    worker.Spec
	opts    Options
	delay   backoff.Algorithm
	events  EventSink
	logger  *zap.Logger

	mu              sync.Mutex
	state           model.WorkerState
	handle          *worker.Handle
	generation      int
	pending         map[string]*pendingCall
	restartAttempts int
	fallbackOnly    bool
	restartTimer    *time.Timer
	healthStop      chan struct{}
	lastHealthID    string
	lastProbeAt     time.Time
	lastPongAt      time.Time
	entropy         *rand.Rand
}

func NewManager(adapter *worker.Adapter, spec worker.Spec, opts Options, events EventSink, logger *zap.Logger) *Manager {
	return &Manager{
		adapter: adapter,
		spec:    spec,
		opts:    opts,
		delay:   backoff.BinaryExponential(time.Second),
		events:  events,
		logger:  logger,
		state:   model.WorkerStateStopped,
		pending: map[string]*pendingCall{},
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Snapshot is a point-in-time view for status surfaces.
type Snapshot struct {
	State           model.WorkerState `json:"state"`
	PID             int               `json:"pid,omitempty"`
	PendingRequests int               `json:"pending_requests"`
	RestartAttempts int               `json:"restart_attempts"`
	FallbackOnly    bool              `json:"fallback_only"`
	LastProbeAt     time.Time         `json:"last_probe_at,omitempty"`
	LastPongAt      time.Time         `json:"last_pong_at,omitempty"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		State:           m.state,
		PendingRequests: len(m.pending),
		RestartAttempts: m.restartAttempts,
		FallbackOnly:    m.fallbackOnly,
		LastProbeAt:     m.lastProbeAt,
		LastPongAt:      m.lastPongAt,
	}
	if m.handle != nil {
		snap.PID = m.handle.PID()
	}
	return snap
}

// FallbackOnly reports whether the restart budget is spent and privileged
// traffic must go through the ephemeral pool.
func (m *Manager) FallbackOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbackOnly
}

func (m *Manager) setStateLocked(to model.WorkerState, message string) {
	from := m.state
	if from == to {
		return
	}
	if !hsm.CanTransitionWorker(from, to) {
		m.logger.Error("disallowed worker transition",
			zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	m.state = to
	if m.events != nil {
		if err := m.events.AddEvent("worker", m.spec.Namespace, "transition", string(from), string(to), message); err != nil {
			m.logger.Warn("record transition event", zap.Error(err))
		}
	}
}

// Start spawns the persistent worker. It is a no-op while a worker is
// already up, and it refuses once the restart budget is spent: fallback
// mode is permanent for the life of the orchestrator.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == model.WorkerStateRunning || m.state == model.WorkerStateStarting {
		return nil
	}
	if m.state == model.WorkerStateShuttingDown {
		return ErrNotRunning
	}
	if m.fallbackOnly {
		// The restart budget never resets within a process lifetime.
		return fmt.Errorf("persistent worker permanently degraded; restart the orchestrator to recover")
	}
	m.restartAttempts = 0
	m.setStateLocked(model.WorkerStateStarting, "external start")
	if err := m.spawnLocked(ctx); err != nil {
		m.setStateLocked(model.WorkerStateFatal, err.Error())
		return err
	}
	return nil
}

// spawnLocked launches the process and wires the read, exit, and health
// loops. Caller holds m.mu with state starting or restarting.
func (m *Manager) spawnLocked(ctx context.Context) error {
	h, err := m.adapter.Spawn(ctx, m.spec)
	if err != nil {
		return fmt.Errorf("start persistent worker: %w", err)
	}
	m.generation++
	gen := m.generation
	m.handle = h
	m.setStateLocked(model.WorkerStateRunning, "worker up")

	go m.readLoop(h)
	go func() {
		<-h.Done()
		m.onExit(gen, h.ExitErr())
	}()

	if m.healthStop == nil && m.opts.HealthInterval > 0 {
		m.healthStop = make(chan struct{})
		go m.healthLoop(m.healthStop)
	}
	return nil
}

// Query sends one correlated request down the worker's stdin and waits for
// the matching response line. A timeout removes the correlation and rejects
// the caller but leaves the worker running: a slow request does not imply a
// dead worker. Cancelling ctx likewise only suppresses delivery.
func (m *Manager) Query(ctx context.Context, prompt, sessionID, conversationKey string, scheduled bool) (QueryResult, error) {
	m.mu.Lock()
	if m.state != model.WorkerStateRunning || m.handle == nil {
		m.mu.Unlock()
		return QueryResult{}, ErrNotRunning
	}
	h := m.handle
	id := m.newRequestIDLocked()
	call := &pendingCall{done: make(chan callOutcome, 1)}
	m.pending[id] = call
	m.mu.Unlock()

	req := model.WireRequest{
		RequestID:       id,
		Command:         model.WireCommandQuery,
		Prompt:          prompt,
		SessionID:       sessionID,
		ConversationKey: conversationKey,
		Privileged:      true,
		IsScheduledTask: scheduled,
	}
	if err := h.SendLine(req); err != nil {
		m.removePending(id)
		return QueryResult{}, err
	}

	timer := time.NewTimer(m.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case out := <-call.done:
		return out.result, out.err
	case <-timer.C:
		if m.removePending(id) {
			m.logger.Warn("query timed out; worker left running",
				zap.String("request_id", id), zap.String("conversation_key", conversationKey))
			return QueryResult{}, ErrRequestTimeout
		}
		out := <-call.done
		return out.result, out.err
	case <-ctx.Done():
		if m.removePending(id) {
			return QueryResult{}, ctx.Err()
		}
		out := <-call.done
		return out.result, out.err
	}
}

// newRequestIDLocked builds a sortable timestamp+entropy id.
func (m *Manager) newRequestIDLocked() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
}

// removePending deletes a correlation if still present. Reports whether
// this call removed it; false means a response already claimed it.
func (m *Manager) removePending(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; !ok {
		return false
	}
	delete(m.pending, id)
	return true
}

func (m *Manager) readLoop(h *worker.Handle) {
	for line := range h.Lines() {
		resp, err := model.ParseWireResponse(line)
		if err != nil {
			m.logger.Warn("unparseable worker line dropped", zap.Error(err))
			continue
		}
		m.mu.Lock()
		if resp.RequestID == m.lastHealthID && m.lastHealthID != "" {
			m.lastPongAt = time.Now()
			m.mu.Unlock()
			continue
		}
		call, ok := m.pending[resp.RequestID]
		if ok {
			delete(m.pending, resp.RequestID)
		}
		m.mu.Unlock()
		if !ok {
			m.logger.Warn("response for unknown request dropped", zap.String("request_id", resp.RequestID))
			continue
		}
		out := callOutcome{}
		if resp.Status == model.WireStatusError {
			out.err = fmt.Errorf("worker error: %s", resp.Error)
		} else {
			if resp.Result != nil {
				out.result.Result = *resp.Result
			}
			out.result.NewSessionID = resp.NewSessionID
		}
		call.done <- out
	}
}

// healthLoop probes the worker on a fixed interval. A missed pong is
// logged, never fatal: liveness comes from process exit.
func (m *Manager) healthLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.state != model.WorkerStateRunning || m.handle == nil {
				m.mu.Unlock()
				continue
			}
			h := m.handle
			id := m.newRequestIDLocked()
			if !m.lastPongAt.IsZero() && m.lastPongAt.Before(m.lastProbeAt) {
				m.logger.Warn("health pong missed", zap.Time("last_probe", m.lastProbeAt))
			}
			m.lastHealthID = id
			m.lastProbeAt = time.Now()
			m.mu.Unlock()
			if err := h.SendLine(model.WireRequest{RequestID: id, Command: model.WireCommandHealth}); err != nil {
				m.logger.Warn("health probe write failed", zap.Error(err))
			}
		}
	}
}

// onExit handles a worker process exit: every pending correlation is
// rejected, then either a backoff restart is scheduled or the manager
// degrades permanently to ephemeral-only fallback. The restart budget never
// resets within the orchestrator's lifetime.
func (m *Manager) onExit(gen int, exitErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	m.handle = nil
	m.rejectAllLocked(ErrWorkerCrashed)

	if m.state == model.WorkerStateShuttingDown || m.state == model.WorkerStateStopped {
		return
	}
	m.logger.Warn("persistent worker exited", zap.Error(exitErr), zap.Int("restart_attempts", m.restartAttempts))
	m.scheduleRestartLocked()
}

func (m *Manager) rejectAllLocked(err error) {
	for id, call := range m.pending {
		delete(m.pending, id)
		call.done <- callOutcome{err: err}
	}
}

// scheduleRestartLocked either arms a 2^attempts restart timer or, with the
// budget spent, parks the manager in fatal/fallback-only.
func (m *Manager) scheduleRestartLocked() {
	if m.restartAttempts >= m.opts.MaxRestartAttempts {
		m.setStateLocked(model.WorkerStateFatal, "restart budget exhausted")
		m.fallbackOnly = true
		m.logger.Error("restart budget exhausted; privileged traffic degraded to ephemeral-only",
			zap.Int("attempts", m.restartAttempts))
		return
	}
	delay := m.delay(uint(m.restartAttempts))
	m.restartAttempts++
	m.setStateLocked(model.WorkerStateRestarting, fmt.Sprintf("restart in %s", delay))
	m.restartTimer = time.AfterFunc(delay, m.restart)
}

func (m *Manager) restart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != model.WorkerStateRestarting {
		return
	}
	if err := m.spawnLocked(context.Background()); err != nil {
		m.logger.Warn("restart attempt failed", zap.Error(err))
		m.scheduleRestartLocked()
	}
}

// Shutdown is idempotent: it rejects all pending work, best-effort sends a
// shutdown line, waits briefly, then force-terminates the process.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.state == model.WorkerStateStopped || m.state == model.WorkerStateShuttingDown {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(model.WorkerStateShuttingDown, "shutdown requested")
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
	if m.healthStop != nil {
		close(m.healthStop)
		m.healthStop = nil
	}
	m.rejectAllLocked(ErrNotRunning)
	h := m.handle
	m.handle = nil
	m.generation++
	id := m.newRequestIDLocked()
	m.mu.Unlock()

	if h != nil {
		if err := h.SendLine(model.WireRequest{RequestID: id, Command: model.WireCommandShutdown}); err == nil {
			select {
			case <-h.Done():
			case <-time.After(m.opts.ShutdownGrace):
			case <-ctx.Done():
			}
		}
		h.Terminate(m.opts.ShutdownGrace)
	}

	m.mu.Lock()
	m.setStateLocked(model.WorkerStateStopped, "shutdown complete")
	m.mu.Unlock()
}
