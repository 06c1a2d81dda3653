package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"courier/internal/model"
)

// Pool runs one-shot worker processes: one spawn per request, torn down
// after the matching response line (or cancellation) arrives.
type Pool struct {
	adapter *Adapter
	grace   time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	active int
}

func NewPool(adapter *Adapter, shutdownGrace time.Duration, logger *zap.Logger) *Pool {
	return &Pool{adapter: adapter, grace: shutdownGrace, logger: logger}
}

// Active reports how many ephemeral processes are currently live.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Run spawns a worker for a single request and blocks until the matching
// response arrives, the context is cancelled, or the process exits. The
// process is always terminated before Run returns.
func (p *Pool) Run(ctx context.Context, spec Spec, req model.WireRequest) (model.WireResponse, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := p.adapter.Spawn(runCtx, spec)
	if err != nil {
		return model.WireResponse{}, err
	}
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	defer func() {
		h.Terminate(p.grace)
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if err := h.SendLine(req); err != nil {
		return model.WireResponse{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return model.WireResponse{}, ctx.Err()
		case line, ok := <-h.Lines():
			if !ok {
				<-h.Done()
				return model.WireResponse{}, fmt.Errorf("worker %s exited before responding: %v", spec.Namespace, h.ExitErr())
			}
			resp, err := model.ParseWireResponse(line)
			if err != nil {
				p.logger.Warn("unparseable worker line dropped",
					zap.String("namespace", spec.Namespace), zap.Error(err))
				continue
			}
			if resp.RequestID != req.RequestID {
				p.logger.Warn("response for unknown request dropped",
					zap.String("namespace", spec.Namespace), zap.String("request_id", resp.RequestID))
				continue
			}
			return resp, nil
		}
	}
}
