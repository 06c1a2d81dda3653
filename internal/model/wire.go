package model

import (
	"encoding/json"
	"fmt"
)

// Wire protocol spoken with worker processes: one JSON object per line over
// the process's standard input/output.

type WireCommand string

const (
	WireCommandQuery    WireCommand = "query"
	WireCommandHealth   WireCommand = "health"
	WireCommandShutdown WireCommand = "shutdown"
)

type WireRequest struct {
	RequestID       string      `json:"requestId"`
	Command         WireCommand `json:"command"`
	Prompt          string      `json:"prompt,omitempty"`
	SessionID       string      `json:"sessionId,omitempty"`
	ConversationKey string      `json:"conversationKey,omitempty"`
	Privileged      bool        `json:"privileged,omitempty"`
	IsScheduledTask bool        `json:"isScheduledTask,omitempty"`
}

type WireStatus string

const (
	WireStatusSuccess WireStatus = "success"
	WireStatusError   WireStatus = "error"
)

type WireResponse struct {
	RequestID    string     `json:"requestId"`
	Status       WireStatus `json:"status"`
	Result       *string    `json:"result"`
	NewSessionID string     `json:"newSessionId,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// ParseWireResponse decodes one stdout line from a worker. A line that is
// not a well-formed response is a protocol error for the caller to drop.
func ParseWireResponse(line string) (WireResponse, error) {
	var resp WireResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return WireResponse{}, fmt.Errorf("parse worker line: %w", err)
	}
	if resp.RequestID == "" {
		return WireResponse{}, fmt.Errorf("parse worker line: missing requestId")
	}
	if resp.Status != WireStatusSuccess && resp.Status != WireStatusError {
		return WireResponse{}, fmt.Errorf("parse worker line: unknown status %q", resp.Status)
	}
	return resp, nil
}
