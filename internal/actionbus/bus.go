package actionbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

// Topic carries every outbound side effect the core produces. Platform
// adapters subscribe here; the core never performs platform I/O itself.
const Topic = "courier.actions"

type ActionType string

const (
	ActionSendMessage       ActionType = "send_message"
	ActionTypingStart       ActionType = "typing_start"
	ActionTypingStop        ActionType = "typing_stop"
	ActionUpdateSession     ActionType = "update_session"
	ActionSubagentResult    ActionType = "subagent_result"
	ActionRegisterNamespace ActionType = "register_namespace"
)

// Action is the closed set of outbound effects. Exactly one variant's
// fields are meaningful per Type.
type Action struct {
	Type            ActionType `json:"type"`
	ConversationKey string     `json:"conversation_key,omitempty"`
	Namespace       string     `json:"namespace,omitempty"`
	Text            string     `json:"text,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`
	SubagentID      string     `json:"subagent_id,omitempty"`
}

// Bus is an in-process pub/sub channel for Actions.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			newLoggerAdapter(logger),
		),
		logger: logger,
	}
}

func (b *Bus) Publish(action Action) error {
	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode action %s: %w", action.Type, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("publish action %s: %w", action.Type, err)
	}
	return nil
}

// Subscribe returns a channel of decoded actions. Undecodable messages are
// acked and dropped with a warning so one bad payload cannot wedge the
// subscriber.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Action, error) {
	msgs, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe actions: %w", err)
	}
	out := make(chan Action, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			var action Action
			if err := json.Unmarshal(msg.Payload, &action); err != nil {
				b.logger.Warn("undecodable action dropped", zap.Error(err))
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- action:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// loggerAdapter bridges watermill's logging interface onto zap.
type loggerAdapter struct {
	logger *zap.Logger
}

func newLoggerAdapter(logger *zap.Logger) watermill.LoggerAdapter {
	return loggerAdapter{logger: logger}
}

func (a loggerAdapter) fields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (a loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error(msg, append(a.fields(fields), zap.Error(err))...)
}

func (a loggerAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info(msg, a.fields(fields)...)
}

func (a loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, a.fields(fields)...)
}

func (a loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, a.fields(fields)...)
}

func (a loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return loggerAdapter{logger: a.logger.With(a.fields(fields)...)}
}
