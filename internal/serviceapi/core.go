package serviceapi

import (
	"context"

	"courier/internal/model"
	"courier/internal/orchestrator"
)

type Status = orchestrator.Status

// Core is the surface the HTTP runtime and the CLI share. A LocalCore
// wraps an in-process service; a RemoteCore talks to a running daemon.
type Core interface {
	Shutdown(ctx context.Context)

	Status(ctx context.Context) (Status, error)
	ListNamespaces(ctx context.Context) ([]model.Namespace, error)
	ListTasks(ctx context.Context, owner string) ([]model.ScheduledTask, error)
	ListTaskRuns(ctx context.Context, taskID string, limit int) ([]model.TaskRun, error)
}

type LocalCore struct {
	service *orchestrator.Service
}

var _ Core = (*LocalCore)(nil)
var _ Core = (*RemoteCore)(nil)

func NewLocalCore(service *orchestrator.Service) *LocalCore {
	return &LocalCore{service: service}
}

func (l *LocalCore) Shutdown(ctx context.Context) {
	if l == nil || l.service == nil {
		return
	}
	l.service.Shutdown(ctx)
}

func (l *LocalCore) Status(ctx context.Context) (Status, error) {
	return l.service.Status(), nil
}

func (l *LocalCore) ListNamespaces(ctx context.Context) ([]model.Namespace, error) {
	return l.service.Store().ListNamespaces()
}

func (l *LocalCore) ListTasks(ctx context.Context, owner string) ([]model.ScheduledTask, error) {
	return l.service.Store().ListTasks(owner)
}

func (l *LocalCore) ListTaskRuns(ctx context.Context, taskID string, limit int) ([]model.TaskRun, error) {
	return l.service.Store().ListTaskRuns(taskID, limit)
}
