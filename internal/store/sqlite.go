package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	_ "modernc.org/sqlite"

	"courier/internal/model"
)

// SQLiteStore persists namespaces, conversation history, watermarks,
// scheduled tasks, run logs, and the lifecycle event trail.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Another process may hold the file lock briefly (a status command
	// against a live daemon); give it a few tries before giving up.
	err = retry.Retry(func(attempt uint) error {
		return db.Ping()
	}, strategy.Limit(4), strategy.Backoff(backoff.BinaryExponential(50*time.Millisecond)))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS namespaces (
		key TEXT PRIMARY KEY,
		conversation_key TEXT NOT NULL,
		privileged INTEGER NOT NULL DEFAULT 0,
		session_id TEXT NOT NULL DEFAULT '',
		registered_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_key TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		origin TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_key, seq);
	CREATE TABLE IF NOT EXISTS watermarks (
		conversation_key TEXT PRIMARY KEY,
		seq INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		owner_namespace TEXT NOT NULL,
		conversation_key TEXT NOT NULL,
		prompt TEXT NOT NULL,
		schedule_type TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		context_mode TEXT NOT NULL,
		next_run TEXT NOT NULL,
		status TEXT NOT NULL,
		last_run_summary TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, next_run);
	CREATE TABLE IF NOT EXISTS task_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		status TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		error_text TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id, started_at);
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_type, entity_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// formatTime emits a fixed-width UTC timestamp so string comparison in
// SQL matches chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpsertNamespace registers a namespace or refreshes its conversation
// binding. The stored session id survives re-registration.
func (s *SQLiteStore) UpsertNamespace(ns model.Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO namespaces (key, conversation_key, privileged, session_id, registered_at)
		VALUES (?, ?, ?, '', ?)
		ON CONFLICT(key) DO UPDATE SET
			conversation_key = excluded.conversation_key,
			privileged = excluded.privileged`,
		ns.Key, ns.ConversationKey, boolToInt(ns.Privileged), formatTime(ns.RegisteredAt))
	if err != nil {
		return fmt.Errorf("upsert namespace %s: %w", ns.Key, err)
	}
	return nil
}

func (s *SQLiteStore) GetNamespace(key string) (model.Namespace, error) {
	row := s.db.QueryRow(`
		SELECT key, conversation_key, privileged, session_id, registered_at
		FROM namespaces WHERE key = ?`, key)
	var ns model.Namespace
	var privileged int
	var registeredAt string
	if err := row.Scan(&ns.Key, &ns.ConversationKey, &privileged, &ns.SessionID, &registeredAt); err != nil {
		if err == sql.ErrNoRows {
			return model.Namespace{}, fmt.Errorf("namespace %s not found", key)
		}
		return model.Namespace{}, fmt.Errorf("get namespace %s: %w", key, err)
	}
	ns.Privileged = privileged != 0
	ns.RegisteredAt = parseTime(registeredAt)
	return ns, nil
}

// NamespaceByConversation resolves the namespace owning a conversation key.
func (s *SQLiteStore) NamespaceByConversation(conversationKey string) (model.Namespace, error) {
	row := s.db.QueryRow(`
		SELECT key, conversation_key, privileged, session_id, registered_at
		FROM namespaces WHERE conversation_key = ?`, conversationKey)
	var ns model.Namespace
	var privileged int
	var registeredAt string
	if err := row.Scan(&ns.Key, &ns.ConversationKey, &privileged, &ns.SessionID, &registeredAt); err != nil {
		if err == sql.ErrNoRows {
			return model.Namespace{}, fmt.Errorf("no namespace for conversation %s", conversationKey)
		}
		return model.Namespace{}, fmt.Errorf("namespace by conversation %s: %w", conversationKey, err)
	}
	ns.Privileged = privileged != 0
	ns.RegisteredAt = parseTime(registeredAt)
	return ns, nil
}

func (s *SQLiteStore) ListNamespaces() ([]model.Namespace, error) {
	rows, err := s.db.Query(`
		SELECT key, conversation_key, privileged, session_id, registered_at
		FROM namespaces ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()
	var out []model.Namespace
	for rows.Next() {
		var ns model.Namespace
		var privileged int
		var registeredAt string
		if err := rows.Scan(&ns.Key, &ns.ConversationKey, &privileged, &ns.SessionID, &registeredAt); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		ns.Privileged = privileged != 0
		ns.RegisteredAt = parseTime(registeredAt)
		out = append(out, ns)
	}
	return out, rows.Err()
}

// SetNamespaceSession records the runtime session id handed back by the
// worker so conversation context resumes across restarts.
func (s *SQLiteStore) SetNamespaceSession(key string, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE namespaces SET session_id = ? WHERE key = ?`, sessionID, key)
	if err != nil {
		return fmt.Errorf("set session for namespace %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("namespace %s not found", key)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// AppendMessage stores a message and returns its durable sequence number.
func (s *SQLiteStore) AppendMessage(msg model.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_key, sender, content, origin, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationKey, msg.Sender, msg.Content, msg.Origin, formatTime(msg.Timestamp))
	if err != nil {
		return 0, fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return seq, nil
}

// MessagesAfter returns a conversation's messages with a sequence strictly
// greater than the given watermark, oldest first. Provenance-tagged rows
// (assistant replies, subagent results, scheduled output) are included so
// later prompts can see them; they never start a batch because routing only
// begins on inbound events.
func (s *SQLiteStore) MessagesAfter(conversationKey string, afterSeq int64) ([]model.Message, int64, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, conversation_key, sender, content, origin, created_at
		FROM messages
		WHERE conversation_key = ? AND seq > ?
		ORDER BY seq`, conversationKey, afterSeq)
	if err != nil {
		return nil, afterSeq, fmt.Errorf("query messages after %d: %w", afterSeq, err)
	}
	defer rows.Close()
	var out []model.Message
	maxSeq := afterSeq
	for rows.Next() {
		var seq int64
		var msg model.Message
		var createdAt string
		if err := rows.Scan(&seq, &msg.ID, &msg.ConversationKey, &msg.Sender, &msg.Content, &msg.Origin, &createdAt); err != nil {
			return nil, afterSeq, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp = parseTime(createdAt)
		if seq > maxSeq {
			maxSeq = seq
		}
		out = append(out, msg)
	}
	return out, maxSeq, rows.Err()
}

// RecentMessages returns up to limit messages for a conversation that are
// newer than the cutoff, oldest first. All origins are included so history
// snippets show assistant and scheduled traffic too.
func (s *SQLiteStore) RecentMessages(conversationKey string, cutoff time.Time, limit int) ([]model.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_key, sender, content, origin, created_at
		FROM (
			SELECT seq, id, conversation_key, sender, content, origin, created_at
			FROM messages
			WHERE conversation_key = ? AND created_at >= ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`, conversationKey, formatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		var msg model.Message
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.ConversationKey, &msg.Sender, &msg.Content, &msg.Origin, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp = parseTime(createdAt)
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetWatermark(conversationKey string) (int64, error) {
	row := s.db.QueryRow(`SELECT seq FROM watermarks WHERE conversation_key = ?`, conversationKey)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("get watermark for %s: %w", conversationKey, err)
	}
	return seq, nil
}

// SetWatermark advances the delivered-through marker. It never moves the
// watermark backwards.
func (s *SQLiteStore) SetWatermark(conversationKey string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO watermarks (conversation_key, seq) VALUES (?, ?)
		ON CONFLICT(conversation_key) DO UPDATE SET seq = MAX(seq, excluded.seq)`,
		conversationKey, seq)
	if err != nil {
		return fmt.Errorf("set watermark for %s: %w", conversationKey, err)
	}
	return nil
}

func (s *SQLiteStore) CreateTask(task model.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks
			(id, owner_namespace, conversation_key, prompt, schedule_type, schedule_value,
			 context_mode, next_run, status, last_run_summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.OwnerNamespace, task.ConversationKey, task.Prompt,
		string(task.ScheduleType), task.ScheduleValue, string(task.ContextMode),
		formatTime(task.NextRun), string(task.Status), task.LastRunSummary,
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(id string) (model.ScheduledTask, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.ScheduledTask{}, fmt.Errorf("task %s not found", id)
		}
		return model.ScheduledTask{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns tasks, optionally filtered to a single owner namespace.
func (s *SQLiteStore) ListTasks(ownerNamespace string) ([]model.ScheduledTask, error) {
	query := taskSelect + ` ORDER BY created_at`
	args := []any{}
	if ownerNamespace != "" {
		query = taskSelect + ` WHERE owner_namespace = ? ORDER BY created_at`
		args = append(args, ownerNamespace)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []model.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// DueTasks returns active tasks whose next run is at or before now.
func (s *SQLiteStore) DueTasks(now time.Time) ([]model.ScheduledTask, error) {
	rows, err := s.db.Query(taskSelect+` WHERE status = ? AND next_run <= ? ORDER BY next_run`,
		string(model.TaskStatusActive), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	defer rows.Close()
	var out []model.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateTaskStatus(id string, status model.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update task %s status: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

// UpdateTaskAfterRun records the outcome of a run: the recomputed next
// firing time, a short result summary, and a possible terminal status.
func (s *SQLiteStore) UpdateTaskAfterRun(id string, nextRun time.Time, status model.TaskStatus, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE scheduled_tasks
		SET next_run = ?, status = ?, last_run_summary = ?, updated_at = ?
		WHERE id = ?`,
		formatTime(nextRun), string(status), summary, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update task %s after run: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) AddTaskRun(run model.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO task_runs (task_id, started_at, duration_ms, status, result, error_text)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.TaskID, formatTime(run.StartedAt), run.DurationMs, string(run.Status), run.Result, run.ErrorText)
	if err != nil {
		return fmt.Errorf("add run for task %s: %w", run.TaskID, err)
	}
	return nil
}

func (s *SQLiteStore) ListTaskRuns(taskID string, limit int) ([]model.TaskRun, error) {
	rows, err := s.db.Query(`
		SELECT task_id, started_at, duration_ms, status, result, error_text
		FROM task_runs WHERE task_id = ?
		ORDER BY started_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs for task %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []model.TaskRun
	for rows.Next() {
		var run model.TaskRun
		var startedAt, status string
		if err := rows.Scan(&run.TaskID, &startedAt, &run.DurationMs, &status, &run.Result, &run.ErrorText); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		run.StartedAt = parseTime(startedAt)
		run.Status = model.RunStatus(status)
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddEvent(entityType, entityID, eventType, fromState, toState, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO events (entity_type, entity_id, event_type, from_state, to_state, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entityType, entityID, eventType, fromState, toState, message, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("add event %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(entityType, entityID string, limit int) ([]model.EventRecord, error) {
	rows, err := s.db.Query(`
		SELECT entity_type, entity_id, event_type, from_state, to_state, message, created_at
		FROM events WHERE entity_type = ? AND entity_id = ?
		ORDER BY id DESC LIMIT ?`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events %s/%s: %w", entityType, entityID, err)
	}
	defer rows.Close()
	var out []model.EventRecord
	for rows.Next() {
		var ev model.EventRecord
		var createdAt string
		if err := rows.Scan(&ev.EntityType, &ev.EntityID, &ev.EventType, &ev.FromState, &ev.ToState, &ev.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.CreatedAt = parseTime(createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

const taskSelect = `
	SELECT id, owner_namespace, conversation_key, prompt, schedule_type, schedule_value,
	       context_mode, next_run, status, last_run_summary, created_at, updated_at
	FROM scheduled_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (model.ScheduledTask, error) {
	var task model.ScheduledTask
	var scheduleType, contextMode, status, nextRun, createdAt, updatedAt string
	err := row.Scan(&task.ID, &task.OwnerNamespace, &task.ConversationKey, &task.Prompt,
		&scheduleType, &task.ScheduleValue, &contextMode, &nextRun, &status,
		&task.LastRunSummary, &createdAt, &updatedAt)
	if err != nil {
		return model.ScheduledTask{}, err
	}
	task.ScheduleType = model.ScheduleType(scheduleType)
	task.ContextMode = model.ContextMode(contextMode)
	task.Status = model.TaskStatus(status)
	task.NextRun = parseTime(nextRun)
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
	return task, nil
}
