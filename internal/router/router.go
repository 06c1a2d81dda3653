package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
	"go.uber.org/zap"

	"courier/internal/actionbus"
	"courier/internal/lifecycle"
	"courier/internal/model"
	"courier/internal/worker"
)

// ErrUnauthorized marks a mailbox command rejected by the namespace
// authorization check. It is logged and dropped, never surfaced to the
// offending namespace.
var ErrUnauthorized = errors.New("namespace not authorized for target")

// PersistentDispatcher is the lifecycle manager's query surface.
type PersistentDispatcher interface {
	Query(ctx context.Context, prompt, sessionID, conversationKey string, scheduled bool) (lifecycle.QueryResult, error)
	FallbackOnly() bool
}

// EphemeralDispatcher runs one-shot workers.
type EphemeralDispatcher interface {
	Run(ctx context.Context, spec worker.Spec, req model.WireRequest) (model.WireResponse, error)
}

// Publisher emits outbound actions; the platform adapter consumes them.
type Publisher interface {
	Publish(action actionbus.Action) error
}

// Store is the slice of persistence the router needs.
type Store interface {
	GetNamespace(key string) (model.Namespace, error)
	NamespaceByConversation(conversationKey string) (model.Namespace, error)
	UpsertNamespace(ns model.Namespace) error
	SetNamespaceSession(key, sessionID string) error
	AppendMessage(msg model.Message) (int64, error)
	MessagesAfter(conversationKey string, afterSeq int64) ([]model.Message, int64, error)
	RecentMessages(conversationKey string, cutoff time.Time, limit int) ([]model.Message, error)
	GetWatermark(conversationKey string) (int64, error)
	SetWatermark(conversationKey string, seq int64) error
	CreateTask(task model.ScheduledTask) error
	GetTask(id string) (model.ScheduledTask, error)
	UpdateTaskStatus(id string, status model.TaskStatus) error
	DeleteTask(id string) error
}

// Options carries the router's policy knobs.
type Options struct {
	MergeWindow     time.Duration
	TriggerPattern  *regexp.Regexp
	HistoryMessages int
	HistoryWindow   time.Duration
	SubagentLimit   int
	Location        *time.Location
}

type activeRequest struct {
	batch     []model.InboundEvent
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
}

type subagentHandle struct {
	id                   string
	ownerConversationKey string
	cancel               context.CancelFunc
	ctx                  context.Context
}

// Router is the single entry point for inbound conversational events and
// mailbox control commands. Per conversation key it keeps at most one batch
// in flight toward delivery; events landing inside the merge window cancel
// and supersede the running batch.
type Router struct {
	opts       Options
	persistent PersistentDispatcher
	pool       EphemeralDispatcher
	store      Store
	bus        Publisher
	specFor    func(namespace string) worker.Spec
	logger     *zap.Logger

	mu        sync.Mutex
	active    map[string]*activeRequest
	subagents map[string]*subagentHandle
	wg        sync.WaitGroup

	idMu    sync.Mutex
	entropy *rand.Rand
}

func New(opts Options, persistent PersistentDispatcher, pool EphemeralDispatcher, store Store, bus Publisher, specFor func(string) worker.Spec, logger *zap.Logger) *Router {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Router{
		opts:       opts,
		persistent: persistent,
		pool:       pool,
		store:      store,
		bus:        bus,
		specFor:    specFor,
		logger:     logger,
		active:     map[string]*activeRequest{},
		subagents:  map[string]*subagentHandle{},
		entropy:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *Router) newRequestID() string {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), r.entropy).String()
}

type Snapshot struct {
	ActiveConversations int `json:"active_conversations"`
	ActiveSubagents     int `json:"active_subagents"`
}

func (r *Router) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ActiveConversations: len(r.active),
		ActiveSubagents:     len(r.subagents),
	}
}

// HandleInboundEvent persists the event, applies the trigger gate, and
// starts or merges a batch for the event's conversation key.
func (r *Router) HandleInboundEvent(ctx context.Context, ev model.InboundEvent) error {
	ns, err := r.store.NamespaceByConversation(ev.ConversationKey)
	if err != nil {
		r.logger.Debug("event for unregistered conversation ignored",
			zap.String("conversation_key", ev.ConversationKey))
		return nil
	}

	if ev.ID == "" {
		ev.ID = r.newRequestID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	content := ev.Content
	if len(ev.Attachments) > 0 {
		content = fmt.Sprintf("%s\n[attachments: %s]", content, strings.Join(ev.Attachments, ", "))
	}
	if _, err := r.store.AppendMessage(model.Message{
		ID:              ev.ID,
		ConversationKey: ev.ConversationKey,
		Sender:          ev.Sender,
		Content:         content,
		Timestamp:       ev.Timestamp,
		Origin:          model.MessageOriginUser,
	}); err != nil {
		// At-least-once delivery upstream: a duplicate id means this event
		// was already recorded and is in flight or consumed.
		r.logger.Debug("duplicate event dropped", zap.String("id", ev.ID), zap.Error(err))
		return nil
	}

	if !ns.Privileged && !r.opts.TriggerPattern.MatchString(ev.Content) {
		return nil
	}

	now := time.Now()
	r.mu.Lock()
	key := ev.ConversationKey
	if entry, ok := r.active[key]; ok && now.Sub(entry.startedAt) < r.opts.MergeWindow {
		// Supersede: cancel the in-flight work and this key's subagents,
		// then restart with the full buffered batch.
		entry.cancel()
		r.cancelSubagentsLocked(key)
		merged := append(append([]model.InboundEvent{}, entry.batch...), ev)
		next := r.newActiveLocked(key, merged, now)
		r.mu.Unlock()
		r.wg.Add(1)
		go r.processBatch(ns, next)
		return nil
	}
	next := r.newActiveLocked(key, []model.InboundEvent{ev}, now)
	r.mu.Unlock()
	r.wg.Add(1)
	go r.processBatch(ns, next)
	return nil
}

func (r *Router) newActiveLocked(key string, batch []model.InboundEvent, now time.Time) *activeRequest {
	ctx, cancel := context.WithCancel(context.Background())
	entry := &activeRequest{batch: batch, ctx: ctx, cancel: cancel, startedAt: now}
	r.active[key] = entry
	return entry
}

// processBatch rebuilds the full unconsumed event set from durable history,
// renders one prompt, dispatches it, and on success delivers the response
// and advances the watermark. A cancelled batch drops its result silently
// and leaves the watermark alone so the superseding batch re-covers it.
func (r *Router) processBatch(ns model.Namespace, entry *activeRequest) {
	defer r.wg.Done()
	key := ns.ConversationKey
	r.publish(actionbus.Action{Type: actionbus.ActionTypingStart, ConversationKey: key})

	watermark, err := r.store.GetWatermark(key)
	if err != nil {
		r.logger.Warn("watermark read failed", zap.String("conversation_key", key), zap.Error(err))
	}
	msgs, maxSeq, err := r.store.MessagesAfter(key, watermark)
	if err != nil {
		r.logger.Warn("history reconciliation failed; using in-memory batch",
			zap.String("conversation_key", key), zap.Error(err))
	}
	if len(msgs) == 0 {
		for _, ev := range entry.batch {
			msgs = append(msgs, model.Message{
				ID: ev.ID, ConversationKey: ev.ConversationKey,
				Sender: ev.Sender, Content: ev.Content, Timestamp: ev.Timestamp,
			})
		}
	}

	prompt := renderPrompt(msgs)
	result, dispatchErr := r.dispatch(entry.ctx, ns, ns.SessionID, prompt, false)

	// Commit point: the response may only be delivered while this batch
	// still owns the key. A superseding merge cancels and replaces the
	// entry under the same lock, so claiming the key here is atomic with
	// that decision; a stale response can never slip through between the
	// cancellation and the delivery.
	r.mu.Lock()
	if entry.ctx.Err() != nil || r.active[key] != entry {
		r.mu.Unlock()
		return
	}
	delete(r.active, key)
	if dispatchErr == nil && maxSeq > watermark {
		// Advanced before the lock drops so a batch started right after
		// cannot re-cover what this one delivered.
		if err := r.store.SetWatermark(key, maxSeq); err != nil {
			r.logger.Warn("watermark advance failed", zap.String("conversation_key", key), zap.Error(err))
		}
	}
	r.mu.Unlock()

	defer r.publish(actionbus.Action{Type: actionbus.ActionTypingStop, ConversationKey: key})

	if dispatchErr != nil {
		r.logger.Warn("batch dispatch failed",
			zap.String("conversation_key", key), zap.Error(dispatchErr))
		r.publish(actionbus.Action{
			Type:            actionbus.ActionSendMessage,
			ConversationKey: key,
			Text:            "could not process that, please try again",
		})
		return
	}

	r.deliverResult(ns, key, result, model.MessageOriginAssistant, true)
}

// dispatch routes a prompt to the persistent worker when the namespace is
// privileged and the manager is healthy, falling back to the ephemeral pool
// exactly once on any failure. Non-privileged traffic is always ephemeral.
func (r *Router) dispatch(ctx context.Context, ns model.Namespace, sessionID, prompt string, scheduled bool) (lifecycle.QueryResult, error) {
	if ns.Privileged && !r.persistent.FallbackOnly() {
		result, err := r.persistent.Query(ctx, prompt, sessionID, ns.ConversationKey, scheduled)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return lifecycle.QueryResult{}, err
		}
		r.logger.Warn("persistent dispatch failed, trying ephemeral once",
			zap.String("namespace", ns.Key), zap.Error(err))
	}
	return r.runEphemeral(ctx, ns, sessionID, prompt, scheduled)
}

func (r *Router) runEphemeral(ctx context.Context, ns model.Namespace, sessionID, prompt string, scheduled bool) (lifecycle.QueryResult, error) {
	req := model.WireRequest{
		RequestID:       r.newRequestID(),
		Command:         model.WireCommandQuery,
		Prompt:          prompt,
		SessionID:       sessionID,
		ConversationKey: ns.ConversationKey,
		Privileged:      ns.Privileged,
		IsScheduledTask: scheduled,
	}
	resp, err := r.pool.Run(ctx, r.specFor(ns.Key), req)
	if err != nil {
		return lifecycle.QueryResult{}, err
	}
	if resp.Status == model.WireStatusError {
		return lifecycle.QueryResult{}, fmt.Errorf("worker error: %s", resp.Error)
	}
	result := lifecycle.QueryResult{NewSessionID: resp.NewSessionID}
	if resp.Result != nil {
		result.Result = *resp.Result
	}
	return result, nil
}

// deliverResult sends the response to the conversation, records it in
// durable history with provenance so it never re-triggers routing, and
// persists a new session id when the worker rotated one.
func (r *Router) deliverResult(ns model.Namespace, key string, result lifecycle.QueryResult, origin string, persistSession bool) {
	if strings.TrimSpace(result.Result) != "" {
		r.publish(actionbus.Action{
			Type:            actionbus.ActionSendMessage,
			ConversationKey: key,
			Text:            result.Result,
		})
		if _, err := r.store.AppendMessage(model.Message{
			ID:              r.newRequestID(),
			ConversationKey: key,
			Sender:          ns.Key,
			Content:         result.Result,
			Timestamp:       time.Now(),
			Origin:          origin,
		}); err != nil {
			r.logger.Warn("result history write failed", zap.String("conversation_key", key), zap.Error(err))
		}
	}
	if persistSession && result.NewSessionID != "" {
		if err := r.store.SetNamespaceSession(ns.Key, result.NewSessionID); err != nil {
			r.logger.Warn("session persist failed", zap.String("namespace", ns.Key), zap.Error(err))
		}
		r.publish(actionbus.Action{
			Type:      actionbus.ActionUpdateSession,
			Namespace: ns.Key,
			SessionID: result.NewSessionID,
		})
	}
}

// DispatchScheduled runs one due task. Scheduled runs always use one-shot
// workers: an isolated fresh session unless the task opted into the owning
// namespace's shared session.
func (r *Router) DispatchScheduled(ctx context.Context, task model.ScheduledTask) (string, error) {
	ns, err := r.store.GetNamespace(task.OwnerNamespace)
	if err != nil {
		return "", fmt.Errorf("scheduled task %s: %w", task.ID, err)
	}
	sessionID := ""
	if task.ContextMode == model.ContextModeShared {
		sessionID = ns.SessionID
	}
	prompt := fmt.Sprintf("[scheduled task, not a live user turn]\n%s", task.Prompt)

	result, err := r.runEphemeral(ctx, ns, sessionID, prompt, true)
	if err != nil {
		return "", err
	}
	r.deliverResult(ns, ns.ConversationKey, result, model.MessageOriginScheduled,
		task.ContextMode == model.ContextModeShared)
	return result.Result, nil
}

func (r *Router) publish(action actionbus.Action) {
	if err := r.bus.Publish(action); err != nil {
		r.logger.Warn("action publish failed", zap.String("type", string(action.Type)), zap.Error(err))
	}
}

// Close cancels all in-flight batches and subagents and waits for their
// goroutines to finish.
func (r *Router) Close() {
	r.mu.Lock()
	for _, entry := range r.active {
		entry.cancel()
	}
	for _, h := range r.subagents {
		h.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func renderPrompt(msgs []model.Message) string {
	if len(msgs) == 1 && msgs[0].Origin == model.MessageOriginUser {
		return fmt.Sprintf("%s: %s", msgs[0].Sender, msgs[0].Content)
	}
	var b strings.Builder
	b.WriteString("Unread conversation messages, oldest first:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
