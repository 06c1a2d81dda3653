package mailbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrParse marks a malformed or out-of-union envelope; the poller
// quarantines the offending file instead of retrying it.
var ErrParse = errors.New("malformed mailbox envelope")

type CommandType string

const (
	TypeMessage           CommandType = "message"
	TypeScheduleTask      CommandType = "schedule_task"
	TypePauseTask         CommandType = "pause_task"
	TypeResumeTask        CommandType = "resume_task"
	TypeCancelTask        CommandType = "cancel_task"
	TypeRegisterNamespace CommandType = "register_namespace"
	TypeSpawnSubagent     CommandType = "spawn_subagent"
	TypeRefreshSnapshot   CommandType = "refresh_snapshot"
)

type MessagePayload struct {
	TargetNamespace string `json:"targetNamespace"`
	Text            string `json:"text"`
}

type ScheduleTaskPayload struct {
	TargetNamespace string `json:"targetNamespace"`
	Prompt          string `json:"prompt"`
	ScheduleType    string `json:"scheduleType"`
	ScheduleValue   string `json:"scheduleValue"`
	ContextMode     string `json:"contextMode,omitempty"`
}

// TaskRefPayload addresses an existing task for pause/resume/cancel.
type TaskRefPayload struct {
	TargetNamespace string `json:"targetNamespace"`
	TaskID          string `json:"taskId"`
}

type RegisterNamespacePayload struct {
	Key             string `json:"key"`
	ConversationKey string `json:"conversationKey"`
}

type SpawnSubagentPayload struct {
	Task            string `json:"task"`
	TargetNamespace string `json:"targetNamespace"`
	IncludeContext  bool   `json:"includeContext,omitempty"`
}

// Command is a fully decoded mailbox envelope. SourceNamespace is always
// the directory the file came from; identity claims inside the payload are
// never trusted. Exactly one payload pointer is set, matching Type
// (refresh_snapshot carries none).
type Command struct {
	Type            CommandType
	SourceNamespace string

	Message           *MessagePayload
	ScheduleTask      *ScheduleTaskPayload
	TaskRef           *TaskRefPayload
	RegisterNamespace *RegisterNamespacePayload
	SpawnSubagent     *SpawnSubagentPayload
}

type rawEnvelope struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ParseCommand decodes one mailbox file against the closed command union.
// Unknown types and undecodable payloads are ErrParse, never coerced.
func ParseCommand(data []byte, sourceNamespace string) (Command, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	cmd := Command{
		Type:            raw.Type,
		SourceNamespace: sourceNamespace,
	}

	decode := func(v any) error {
		if len(raw.Payload) == 0 {
			return fmt.Errorf("%w: %s envelope missing payload", ErrParse, raw.Type)
		}
		dec := json.NewDecoder(bytes.NewReader(raw.Payload))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrParse, raw.Type, err)
		}
		return nil
	}

	switch raw.Type {
	case TypeMessage:
		p := &MessagePayload{}
		if err := decode(p); err != nil {
			return Command{}, err
		}
		if strings.TrimSpace(p.Text) == "" {
			return Command{}, fmt.Errorf("%w: message envelope missing text", ErrParse)
		}
		cmd.Message = p
	case TypeScheduleTask:
		p := &ScheduleTaskPayload{}
		if err := decode(p); err != nil {
			return Command{}, err
		}
		if strings.TrimSpace(p.Prompt) == "" || strings.TrimSpace(p.ScheduleValue) == "" {
			return Command{}, fmt.Errorf("%w: schedule_task envelope missing prompt or schedule", ErrParse)
		}
		cmd.ScheduleTask = p
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		p := &TaskRefPayload{}
		if err := decode(p); err != nil {
			return Command{}, err
		}
		if strings.TrimSpace(p.TaskID) == "" {
			return Command{}, fmt.Errorf("%w: %s envelope missing taskId", ErrParse, raw.Type)
		}
		cmd.TaskRef = p
	case TypeRegisterNamespace:
		p := &RegisterNamespacePayload{}
		if err := decode(p); err != nil {
			return Command{}, err
		}
		if strings.TrimSpace(p.Key) == "" || strings.TrimSpace(p.ConversationKey) == "" {
			return Command{}, fmt.Errorf("%w: register_namespace envelope missing key or conversationKey", ErrParse)
		}
		cmd.RegisterNamespace = p
	case TypeSpawnSubagent:
		p := &SpawnSubagentPayload{}
		if err := decode(p); err != nil {
			return Command{}, err
		}
		if strings.TrimSpace(p.Task) == "" {
			return Command{}, fmt.Errorf("%w: spawn_subagent envelope missing task", ErrParse)
		}
		cmd.SpawnSubagent = p
	case TypeRefreshSnapshot:
		// no payload
	default:
		return Command{}, fmt.Errorf("%w: unknown type %q", ErrParse, raw.Type)
	}
	return cmd, nil
}
