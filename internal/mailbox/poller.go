package mailbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// queue subdirectories under each namespace directory.
var queueDirs = []string{"messages", "tasks"}

// Handler consumes decoded mailbox commands. Implemented by the router.
type Handler interface {
	HandleMailboxCommand(ctx context.Context, cmd Command) error
}

type PollerSnapshot struct {
	Running         bool       `json:"running"`
	LastScanAt      *time.Time `json:"last_scan_at,omitempty"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
	TotalScans      int64      `json:"total_scans"`
	TotalProcessed  int64      `json:"total_processed"`
	TotalQuarantine int64      `json:"total_quarantined"`
}

// Poller scans every namespace's messages/ and tasks/ queues on a fixed
// interval: parse, dispatch, delete. Files that fail to parse or to handle
// are moved to a quarantine directory tagged with source and original name
// so one poison file never wedges the loop.
type Poller struct {
	root          string
	quarantineDir string
	interval      time.Duration
	handler       Handler
	logger        *zap.Logger

	mu       sync.RWMutex
	running  bool
	doneChan chan struct{}
	snapshot PollerSnapshot
}

func NewPoller(root, quarantineDir string, interval time.Duration, handler Handler, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Poller{
		root:          root,
		quarantineDir: quarantineDir,
		interval:      interval,
		handler:       handler,
		logger:        logger,
	}
}

func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.snapshot.Running = true
	p.doneChan = make(chan struct{})
	done := p.doneChan
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.loop(ctx)
		p.mu.Lock()
		p.running = false
		p.snapshot.Running = false
		p.mu.Unlock()
	}()
}

func (p *Poller) Wait(timeout time.Duration) bool {
	p.mu.RLock()
	done := p.doneChan
	p.mu.RUnlock()
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

func (p *Poller) Snapshot() PollerSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.ScanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ScanOnce(ctx)
		}
	}
}

// ScanOnce performs one full pass over every namespace queue.
func (p *Poller) ScanOnce(ctx context.Context) {
	now := time.Now().UTC()
	processed, quarantined := 0, 0

	entries, err := os.ReadDir(p.root)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("mailbox root unreadable", zap.String("root", p.root), zap.Error(err))
		}
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !entry.IsDir() {
			continue
		}
		namespace := entry.Name()
		if filepath.Join(p.root, namespace) == p.quarantineDir {
			continue
		}
		for _, queue := range queueDirs {
			pr, q := p.scanQueue(ctx, namespace, filepath.Join(p.root, namespace, queue))
			processed += pr
			quarantined += q
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot.LastScanAt = &now
	p.snapshot.TotalScans++
	p.snapshot.TotalProcessed += int64(processed)
	p.snapshot.TotalQuarantine += int64(quarantined)
	if processed > 0 {
		p.snapshot.LastProcessedAt = &now
	}
}

func (p *Poller) scanQueue(ctx context.Context, namespace, dir string) (processed, quarantined int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return processed, quarantined
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			p.logger.Warn("mailbox file unreadable", zap.String("path", path), zap.Error(err))
			continue
		}
		// The directory name is the authoritative source identity.
		cmd, err := ParseCommand(data, namespace)
		if err != nil {
			p.logger.Warn("mailbox envelope quarantined",
				zap.String("namespace", namespace), zap.String("file", name), zap.Error(err))
			p.quarantine(path, namespace, name)
			quarantined++
			continue
		}
		if err := p.handler.HandleMailboxCommand(ctx, cmd); err != nil {
			p.logger.Warn("mailbox command failed",
				zap.String("namespace", namespace), zap.String("type", string(cmd.Type)), zap.Error(err))
			p.quarantine(path, namespace, name)
			quarantined++
			continue
		}
		if err := os.Remove(path); err != nil {
			p.logger.Warn("mailbox file cleanup failed", zap.String("path", path), zap.Error(err))
		}
		processed++
	}
	return processed, quarantined
}

func (p *Poller) quarantine(path, namespace, name string) {
	if err := os.MkdirAll(p.quarantineDir, 0o755); err != nil {
		p.logger.Warn("quarantine dir unavailable", zap.Error(err))
		return
	}
	dest := filepath.Join(p.quarantineDir, fmt.Sprintf("%s-%s-%s", namespace, name, uuid.NewString()))
	if err := os.Rename(path, dest); err != nil {
		p.logger.Warn("quarantine move failed", zap.String("path", path), zap.Error(err))
	}
}
