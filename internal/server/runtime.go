package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"courier/internal/serviceapi"
)

type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Runtime serves the status API for a courier daemon. It does not own the
// service lifecycle: the caller starts and shuts the service down.
type Runtime struct {
	opts      Options
	service   serviceapi.Core
	logger    *zap.Logger
	startedAt time.Time
	server    *http.Server
}

func NewRuntime(service serviceapi.Core, options Options, logger *zap.Logger) *Runtime {
	options = normalizeOptions(options)
	if logger == nil {
		logger = zap.NewNop()
	}
	runtime := &Runtime{
		opts:      options,
		service:   service,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)
	runtime.server = &http.Server{
		Addr:    options.Addr,
		Handler: mux,
	}
	return runtime
}

func normalizeOptions(options Options) Options {
	if options.Addr == "" {
		options.Addr = "127.0.0.1:7019"
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 10 * time.Second
	}
	return options
}

// Handler exposes the mux for tests.
func (r *Runtime) Handler() http.Handler {
	return r.server.Handler
}

// Run serves until the context is cancelled or the listener fails.
func (r *Runtime) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.logger.Info("status api listening", zap.String("addr", r.opts.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
	defer cancel()
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil {
		return err
	}
	return nil
}
