package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"courier/internal/actionbus"
	"courier/internal/lifecycle"
	"courier/internal/mailbox"
	"courier/internal/model"
	"courier/internal/policy"
	"courier/internal/router"
	"courier/internal/scheduler"
	"courier/internal/store"
	"courier/internal/worker"
)

// Options carries everything the service needs. There are no globals:
// callers construct a Service explicitly and own its lifetime.
type Options struct {
	DBPath     string
	PolicyPath string
	Logger     *zap.Logger
}

// Service wires the control plane together: store, action bus, persistent
// worker lifecycle, ephemeral pool, router, mailbox poller, and scheduler.
type Service struct {
	cfg        policy.Config
	policyPath string
	logger     *zap.Logger

	store     *store.SQLiteStore
	bus       *actionbus.Bus
	pool      *worker.Pool
	manager   *lifecycle.Manager
	router    *router.Router
	poller    *mailbox.Poller
	scheduler *scheduler.Scheduler

	startedAt time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	stopped bool
}

func NewService(opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, policyPath, err := policy.Load(opts.PolicyPath)
	if err != nil {
		return nil, err
	}

	sqliteStore, err := store.NewSQLiteStore(opts.DBPath)
	if err != nil {
		return nil, err
	}

	// The privileged namespace always exists; platform adapters re-register
	// it with a real conversation key once they connect.
	privileged := cfg.Namespaces.Privileged
	if _, err := sqliteStore.GetNamespace(privileged); err != nil {
		ns := model.Namespace{
			Key:             privileged,
			ConversationKey: privileged,
			Privileged:      true,
			RegisteredAt:    time.Now(),
		}
		if err := sqliteStore.UpsertNamespace(ns); err != nil {
			sqliteStore.Close()
			return nil, fmt.Errorf("bootstrap privileged namespace: %w", err)
		}
	}

	trigger, err := regexp.Compile(cfg.Router.TriggerPattern)
	if err != nil {
		sqliteStore.Close()
		return nil, fmt.Errorf("compile trigger pattern: %w", err)
	}

	bus := actionbus.New(logger)
	adapter := worker.NewAdapter(logger)
	pool := worker.NewPool(adapter, cfg.ShutdownGrace(), logger)

	specFor := func(namespace string) worker.Spec {
		return worker.BuildSpec(cfg.Worker.Command, namespace,
			cfg.Worker.WorkspaceRoot, cfg.Worker.SessionRoot, cfg.Mailbox.Root)
	}

	manager := lifecycle.NewManager(adapter, specFor(privileged), lifecycle.Options{
		RequestTimeout:     cfg.RequestTimeout(),
		HealthInterval:     cfg.HealthInterval(),
		MaxRestartAttempts: cfg.Worker.MaxRestartAttempts,
		ShutdownGrace:      cfg.ShutdownGrace(),
	}, sqliteStore, logger)

	eventRouter := router.New(router.Options{
		MergeWindow:     cfg.MergeWindow(),
		TriggerPattern:  trigger,
		HistoryMessages: cfg.Router.HistoryMessages,
		HistoryWindow:   time.Duration(cfg.Router.HistoryWindowMin) * time.Minute,
		SubagentLimit:   cfg.Subagents.ConcurrencyLimit,
		Location:        cfg.Location(),
	}, manager, pool, sqliteStore, bus, specFor, logger)

	poller := mailbox.NewPoller(cfg.Mailbox.Root, cfg.Mailbox.QuarantineDir,
		cfg.MailboxPollInterval(), eventRouter, logger)

	taskScheduler := scheduler.New(sqliteStore, eventRouter,
		cfg.SchedulerPollInterval(), cfg.Location(), logger)

	return &Service{
		cfg:        cfg,
		policyPath: policyPath,
		logger:     logger,
		store:      sqliteStore,
		bus:        bus,
		pool:       pool,
		manager:    manager,
		router:     eventRouter,
		poller:     poller,
		scheduler:  taskScheduler,
		startedAt:  time.Now(),
	}, nil
}

// Start brings up the persistent worker and the background loops. A failed
// worker spawn is not fatal to the service: the router falls back to the
// ephemeral pool until a later Start or restart succeeds.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("service already shut down")
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	// The worker is spawned on a background context: its lifetime is ended
	// by Shutdown's graceful sequence, not by the caller's signal context.
	if err := s.manager.Start(context.Background()); err != nil {
		s.logger.Warn("persistent worker failed to start; ephemeral fallback active",
			zap.Error(err))
	}
	s.poller.Start(loopCtx)
	s.scheduler.Start(loopCtx)
	s.logger.Info("courier started",
		zap.String("policy", s.policyPath),
		zap.String("privileged_namespace", s.cfg.Namespaces.Privileged))
	return nil
}

// HandleInboundEvent is the single entry point for platform adapters.
func (s *Service) HandleInboundEvent(ctx context.Context, ev model.InboundEvent) error {
	return s.router.HandleInboundEvent(ctx, ev)
}

// SubscribeActions hands out the outbound action stream for a platform
// adapter to deliver.
func (s *Service) SubscribeActions(ctx context.Context) (<-chan actionbus.Action, error) {
	return s.bus.Subscribe(ctx)
}

// Status is a point-in-time view across all components.
type Status struct {
	StartedAt time.Time              `json:"started_at"`
	Policy    string                 `json:"policy"`
	Worker    lifecycle.Snapshot     `json:"worker"`
	Router    router.Snapshot        `json:"router"`
	Ephemeral int                    `json:"ephemeral_active"`
	Mailbox   mailbox.PollerSnapshot `json:"mailbox"`
	Scheduler scheduler.Snapshot     `json:"scheduler"`
}

func (s *Service) Status() Status {
	return Status{
		StartedAt: s.startedAt,
		Policy:    s.policyPath,
		Worker:    s.manager.Snapshot(),
		Router:    s.router.Snapshot(),
		Ephemeral: s.pool.Active(),
		Mailbox:   s.poller.Snapshot(),
		Scheduler: s.scheduler.Snapshot(),
	}
}

func (s *Service) Store() *store.SQLiteStore { return s.store }

func (s *Service) Policy() policy.Config { return s.cfg }

// Shutdown stops intake first, then in-flight work, then the worker, then
// the bus and store. Idempotent.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()

	if started {
		cancel()
		if !s.poller.Wait(5 * time.Second) {
			s.logger.Warn("mailbox poller did not stop in time")
		}
		if !s.scheduler.Wait(5 * time.Second) {
			s.logger.Warn("scheduler did not stop in time")
		}
	}
	s.router.Close()
	s.manager.Shutdown(ctx)
	if err := s.bus.Close(); err != nil {
		s.logger.Warn("action bus close failed", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", zap.Error(err))
	}
	s.logger.Info("courier stopped")
}
