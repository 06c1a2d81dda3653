package model

import "time"

type WorkerState string

const (
	WorkerStateStopped      WorkerState = "stopped"
	WorkerStateStarting     WorkerState = "starting"
	WorkerStateRunning      WorkerState = "running"
	WorkerStateRestarting   WorkerState = "restarting"
	WorkerStateShuttingDown WorkerState = "shutting_down"
	WorkerStateFatal        WorkerState = "fatal"
)

type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
)

type ScheduleType string

const (
	ScheduleTypeCron     ScheduleType = "cron"
	ScheduleTypeInterval ScheduleType = "interval"
	ScheduleTypeOnce     ScheduleType = "once"
)

type ContextMode string

const (
	ContextModeIsolated ContextMode = "isolated"
	ContextModeShared   ContextMode = "shared"
)

type SubagentState string

const (
	SubagentStateRunning   SubagentState = "running"
	SubagentStateCompleted SubagentState = "completed"
	SubagentStateCancelled SubagentState = "cancelled"
	SubagentStateFailed    SubagentState = "failed"
)

type RunStatus string

const (
	RunStatusSuccess   RunStatus = "success"
	RunStatusError     RunStatus = "error"
	RunStatusCancelled RunStatus = "cancelled"
)

type Namespace struct {
	Key             string    `json:"key"`
	ConversationKey string    `json:"conversation_key"`
	Privileged      bool      `json:"privileged"`
	SessionID       string    `json:"session_id,omitempty"`
	RegisteredAt    time.Time `json:"registered_at"`
}

type InboundEvent struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversation_key"`
	Sender          string    `json:"sender"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
	Attachments     []string  `json:"attachments,omitempty"`
	Scheduled       bool      `json:"scheduled,omitempty"`
}

// Message is the durable form of an inbound event plus provenance: rows
// written back by the assistant, a subagent, or a scheduled run carry a
// non-empty Origin so they stay visible to later prompts without ever
// re-triggering routing as fresh input.
type Message struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversation_key"`
	Sender          string    `json:"sender"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
	Origin          string    `json:"origin,omitempty"`
}

const (
	MessageOriginUser      = ""
	MessageOriginAssistant = "assistant"
	MessageOriginSubagent  = "subagent"
	MessageOriginScheduled = "scheduled"
)

type ScheduledTask struct {
	ID              string       `json:"id"`
	OwnerNamespace  string       `json:"owner_namespace"`
	ConversationKey string       `json:"conversation_key"`
	Prompt          string       `json:"prompt"`
	ScheduleType    ScheduleType `json:"schedule_type"`
	ScheduleValue   string       `json:"schedule_value"`
	ContextMode     ContextMode  `json:"context_mode"`
	NextRun         time.Time    `json:"next_run"`
	Status          TaskStatus   `json:"status"`
	LastRunSummary  string       `json:"last_run_summary,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

type TaskRun struct {
	TaskID     string    `json:"task_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Status     RunStatus `json:"status"`
	Result     string    `json:"result,omitempty"`
	ErrorText  string    `json:"error_text,omitempty"`
}

type EventRecord struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	EventType  string    `json:"event_type"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state,omitempty"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
