package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"go.uber.org/zap"

	"courier/internal/actionbus"
	"courier/internal/hsm"
	"courier/internal/mailbox"
	"courier/internal/model"
	"courier/internal/scheduler"
)

// HandleMailboxCommand executes one control command from a namespace's
// mailbox. Authorization violations are logged and dropped without
// surfacing anything to the caller; a nil return lets the poller delete the
// file.
func (r *Router) HandleMailboxCommand(ctx context.Context, cmd mailbox.Command) error {
	source, err := r.store.GetNamespace(cmd.SourceNamespace)
	if err != nil {
		r.logger.Warn("mailbox command from unregistered namespace dropped",
			zap.String("source", cmd.SourceNamespace), zap.String("type", string(cmd.Type)))
		return nil
	}

	switch cmd.Type {
	case mailbox.TypeMessage:
		return r.handleMessage(source, cmd.Message)
	case mailbox.TypeScheduleTask:
		return r.handleScheduleTask(source, cmd.ScheduleTask)
	case mailbox.TypePauseTask:
		return r.handleTaskMutation(source, cmd.TaskRef, model.TaskStatusPaused, false)
	case mailbox.TypeResumeTask:
		return r.handleTaskMutation(source, cmd.TaskRef, model.TaskStatusActive, false)
	case mailbox.TypeCancelTask:
		return r.handleTaskMutation(source, cmd.TaskRef, "", true)
	case mailbox.TypeRegisterNamespace:
		return r.handleRegisterNamespace(source, cmd.RegisterNamespace)
	case mailbox.TypeSpawnSubagent:
		return r.handleSpawnSubagent(source, cmd.SpawnSubagent)
	case mailbox.TypeRefreshSnapshot:
		// Ask the platform adapter to refresh its view of the source's
		// conversation.
		r.publish(actionbus.Action{
			Type:            actionbus.ActionRegisterNamespace,
			Namespace:       source.Key,
			ConversationKey: source.ConversationKey,
		})
		return nil
	default:
		return fmt.Errorf("unhandled mailbox command %q", cmd.Type)
	}
}

// authorized implements the namespace authorization invariant: a namespace
// may only address itself unless privileged. An empty target means self.
func (r *Router) authorized(source model.Namespace, target string) bool {
	if target == "" || target == source.Key || source.Privileged {
		return true
	}
	r.logger.Warn("unauthorized mailbox command dropped",
		zap.String("source", source.Key), zap.String("target", target),
		zap.Error(ErrUnauthorized))
	return false
}

// resolveTarget re-derives the target namespace from the trusted registry;
// identifiers inside payloads are never used for delivery directly.
func (r *Router) resolveTarget(source model.Namespace, target string) (model.Namespace, bool) {
	if target == "" || target == source.Key {
		return source, true
	}
	ns, err := r.store.GetNamespace(target)
	if err != nil {
		r.logger.Warn("mailbox command for unknown target dropped",
			zap.String("source", source.Key), zap.String("target", target))
		return model.Namespace{}, false
	}
	return ns, true
}

func (r *Router) handleMessage(source model.Namespace, p *mailbox.MessagePayload) error {
	if !r.authorized(source, p.TargetNamespace) {
		return nil
	}
	target, ok := r.resolveTarget(source, p.TargetNamespace)
	if !ok {
		return nil
	}
	r.publish(actionbus.Action{
		Type:            actionbus.ActionSendMessage,
		ConversationKey: target.ConversationKey,
		Text:            p.Text,
	})
	if _, err := r.store.AppendMessage(model.Message{
		ID:              r.newRequestID(),
		ConversationKey: target.ConversationKey,
		Sender:          source.Key,
		Content:         p.Text,
		Timestamp:       time.Now(),
		Origin:          model.MessageOriginAssistant,
	}); err != nil {
		r.logger.Warn("mailbox message history write failed", zap.Error(err))
	}
	return nil
}

func (r *Router) handleScheduleTask(source model.Namespace, p *mailbox.ScheduleTaskPayload) error {
	if !r.authorized(source, p.TargetNamespace) {
		return nil
	}
	target, ok := r.resolveTarget(source, p.TargetNamespace)
	if !ok {
		return nil
	}

	scheduleType := model.ScheduleType(p.ScheduleType)
	contextMode := model.ContextMode(p.ContextMode)
	if contextMode == "" {
		contextMode = model.ContextModeIsolated
	}
	if contextMode != model.ContextModeIsolated && contextMode != model.ContextModeShared {
		r.rejectTaskCreation(source, fmt.Sprintf("unknown context mode %q", p.ContextMode))
		return nil
	}
	now := time.Now()
	// Malformed schedules are rejected here, synchronously; the task is
	// never persisted.
	nextRun, err := scheduler.FirstRun(scheduleType, p.ScheduleValue, now, r.opts.Location)
	if err != nil {
		r.rejectTaskCreation(source, err.Error())
		return nil
	}

	task := model.ScheduledTask{
		ID:              shortuuid.New(),
		OwnerNamespace:  target.Key,
		ConversationKey: target.ConversationKey,
		Prompt:          strings.TrimSpace(p.Prompt),
		ScheduleType:    scheduleType,
		ScheduleValue:   strings.TrimSpace(p.ScheduleValue),
		ContextMode:     contextMode,
		NextRun:         nextRun,
		Status:          model.TaskStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.CreateTask(task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	r.publish(actionbus.Action{
		Type:            actionbus.ActionSendMessage,
		ConversationKey: source.ConversationKey,
		Text:            fmt.Sprintf("scheduled task %s, next run %s", task.ID, nextRun.In(r.opts.Location).Format(time.RFC3339)),
	})
	return nil
}

func (r *Router) rejectTaskCreation(source model.Namespace, reason string) {
	r.publish(actionbus.Action{
		Type:            actionbus.ActionSendMessage,
		ConversationKey: source.ConversationKey,
		Text:            "could not schedule task: " + reason,
	})
}

func (r *Router) handleTaskMutation(source model.Namespace, p *mailbox.TaskRefPayload, to model.TaskStatus, remove bool) error {
	task, err := r.store.GetTask(p.TaskID)
	if err != nil {
		// Benign race with a concurrent cancel.
		r.logger.Debug("task mutation for missing task dropped", zap.String("task_id", p.TaskID))
		return nil
	}
	// Ownership is verified against the registry-backed task row, not the
	// payload's own target claim.
	if !source.Privileged && task.OwnerNamespace != source.Key {
		r.logger.Warn("unauthorized task mutation dropped",
			zap.String("source", source.Key), zap.String("task_id", task.ID),
			zap.String("owner", task.OwnerNamespace), zap.Error(ErrUnauthorized))
		return nil
	}
	if remove {
		if err := r.store.DeleteTask(task.ID); err != nil {
			return fmt.Errorf("cancel task %s: %w", task.ID, err)
		}
		return nil
	}
	if !hsm.CanTransitionTask(task.Status, to) {
		r.logger.Warn("disallowed task transition dropped",
			zap.String("task_id", task.ID), zap.String("from", string(task.Status)), zap.String("to", string(to)))
		return nil
	}
	if err := r.store.UpdateTaskStatus(task.ID, to); err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	return nil
}

func (r *Router) handleRegisterNamespace(source model.Namespace, p *mailbox.RegisterNamespacePayload) error {
	if !r.authorized(source, p.Key) {
		return nil
	}
	ns := model.Namespace{
		Key:             p.Key,
		ConversationKey: p.ConversationKey,
		RegisteredAt:    time.Now(),
	}
	// Re-registration never grants or revokes privilege.
	if existing, err := r.store.GetNamespace(p.Key); err == nil {
		ns.Privileged = existing.Privileged
	}
	if err := r.store.UpsertNamespace(ns); err != nil {
		return fmt.Errorf("register namespace %s: %w", p.Key, err)
	}
	r.publish(actionbus.Action{
		Type:            actionbus.ActionRegisterNamespace,
		Namespace:       ns.Key,
		ConversationKey: ns.ConversationKey,
	})
	return nil
}

// handleSpawnSubagent admits, then spawns, an isolated one-shot worker on
// behalf of the privileged namespace. The concurrency check happens before
// any handle exists; a rejected spawn allocates nothing.
// Subagents outlive the mailbox scan that spawned them, so they run on
// their own cancellable context rather than the scan's.
func (r *Router) handleSpawnSubagent(source model.Namespace, p *mailbox.SpawnSubagentPayload) error {
	if !source.Privileged {
		r.logger.Warn("spawn_subagent from non-privileged namespace dropped",
			zap.String("source", source.Key), zap.Error(ErrUnauthorized))
		return nil
	}
	target, ok := r.resolveTarget(source, p.TargetNamespace)
	if !ok {
		return nil
	}

	r.mu.Lock()
	if len(r.subagents) >= r.opts.SubagentLimit {
		r.mu.Unlock()
		r.publish(actionbus.Action{
			Type:            actionbus.ActionSendMessage,
			ConversationKey: source.ConversationKey,
			Text:            "too many concurrent subagents, try again once one finishes",
		})
		return nil
	}
	subCtx, cancel := context.WithCancel(context.Background())
	handle := &subagentHandle{
		id:                   uuid.NewString(),
		ownerConversationKey: target.ConversationKey,
		ctx:                  subCtx,
		cancel:               cancel,
	}
	r.subagents[handle.id] = handle
	r.wg.Add(1)
	r.mu.Unlock()

	go r.runSubagent(handle, target, p.Task, p.IncludeContext)
	return nil
}

func (r *Router) runSubagent(handle *subagentHandle, target model.Namespace, task string, includeContext bool) {
	defer r.wg.Done()
	key := target.ConversationKey
	r.publish(actionbus.Action{Type: actionbus.ActionTypingStart, ConversationKey: key, SubagentID: handle.id})
	defer r.publish(actionbus.Action{Type: actionbus.ActionTypingStop, ConversationKey: key, SubagentID: handle.id})

	prompt := task
	if includeContext {
		cutoff := time.Now().Add(-r.opts.HistoryWindow)
		if recent, err := r.store.RecentMessages(key, cutoff, r.opts.HistoryMessages); err == nil && len(recent) > 0 {
			var b strings.Builder
			b.WriteString("Recent conversation for context:\n")
			for _, m := range recent {
				fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Content)
			}
			b.WriteString("\nTask:\n")
			b.WriteString(task)
			prompt = b.String()
		}
	}

	result, err := r.runEphemeral(handle.ctx, target, target.SessionID, prompt, false)

	state := model.SubagentStateCompleted
	switch {
	case handle.ctx.Err() != nil:
		state = model.SubagentStateCancelled
	case err != nil:
		state = model.SubagentStateFailed
	}
	r.removeSubagent(handle, state)

	if handle.ctx.Err() != nil {
		// Cancelled mid-flight: suppress the result entirely.
		return
	}
	if err != nil {
		r.logger.Warn("subagent failed", zap.String("subagent_id", handle.id),
			zap.String("namespace", target.Key), zap.Error(err))
		return
	}

	if strings.TrimSpace(result.Result) != "" {
		// Stored with provenance before the announcement: visible to
		// future prompts, never re-triggers routing as fresh input.
		if _, err := r.store.AppendMessage(model.Message{
			ID:              r.newRequestID(),
			ConversationKey: key,
			Sender:          target.Key,
			Content:         result.Result,
			Timestamp:       time.Now(),
			Origin:          model.MessageOriginSubagent,
		}); err != nil {
			r.logger.Warn("subagent history write failed", zap.Error(err))
		}
		r.publish(actionbus.Action{
			Type:            actionbus.ActionSubagentResult,
			ConversationKey: key,
			SubagentID:      handle.id,
			Text:            result.Result,
		})
	}
	if result.NewSessionID != "" {
		if err := r.store.SetNamespaceSession(target.Key, result.NewSessionID); err != nil {
			r.logger.Warn("subagent session persist failed", zap.Error(err))
		}
		r.publish(actionbus.Action{
			Type:      actionbus.ActionUpdateSession,
			Namespace: target.Key,
			SessionID: result.NewSessionID,
		})
	}
}

func (r *Router) removeSubagent(handle *subagentHandle, state model.SubagentState) {
	r.mu.Lock()
	delete(r.subagents, handle.id)
	r.mu.Unlock()
	if !hsm.CanTransitionSubagent(model.SubagentStateRunning, state) {
		r.logger.Error("disallowed subagent transition", zap.String("to", string(state)))
	}
}

// cancelSubagentsLocked cancels every subagent owned by the conversation.
// Caller holds r.mu; removal happens in each runSubagent goroutine.
func (r *Router) cancelSubagentsLocked(conversationKey string) {
	for _, h := range r.subagents {
		if h.ownerConversationKey == conversationKey {
			h.cancel()
		}
	}
}
