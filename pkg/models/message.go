// Package models defines the wire message catalogue and the domain types
// shared by the control plane components.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the wire envelope version accepted by the server.
const ProtocolVersion = "1.0.0"

// MessageType discriminates wire messages.
type MessageType string

// Agent → Server message types.
const (
	TypeAgentConnect    MessageType = "agent:connect"
	TypeAgentHeartbeat  MessageType = "agent:heartbeat"
	TypeCommandAck      MessageType = "command:ack"
	TypeTerminalOutput  MessageType = "terminal:output"
	TypeTraceEvent      MessageType = "trace:event"
	TypeCommandComplete MessageType = "command:complete"
	TypeAgentError      MessageType = "agent:error"
)

// Server → Agent message types.
const (
	TypeCommandRequest MessageType = "command:request"
	TypeCommandCancel  MessageType = "command:cancel"
	TypeAgentControl   MessageType = "agent:control"
	TypeTokenRefresh   MessageType = "auth:new-token"
)

// Server → Dashboard message types.
const (
	TypeAgentStatus    MessageType = "agent:status"
	TypeCommandStatus  MessageType = "command:status"
	TypeTerminalStream MessageType = "terminal:stream"
	TypeTraceStream    MessageType = "trace:stream"
	TypeTraceComplete  MessageType = "trace:complete"
	TypeQueueUpdate    MessageType = "queue:update"
	TypeEmergencyStop  MessageType = "emergency:stop"
)

// Dashboard → Server message types.
const (
	TypeDashboardInit        MessageType = "dashboard:init"
	TypeDashboardConnect     MessageType = "dashboard:connect"
	TypeDashboardSubscribe   MessageType = "dashboard:subscribe"
	TypeDashboardUnsubscribe MessageType = "dashboard:unsubscribe"
	TypeCommandSubmit        MessageType = "command:submit"
	TypeCommandInterrupt     MessageType = "command:interrupt"
	TypeEmergencyStopRequest MessageType = "emergency:stop-request"
)

// Bidirectional control message types.
const (
	TypePing            MessageType = "ping"
	TypePong            MessageType = "pong"
	TypeAck             MessageType = "ack"
	TypeError           MessageType = "error"
	TypeBatch           MessageType = "batch"
	TypeServerHeartbeat MessageType = "server:heartbeat"
	TypeRefreshNeeded   MessageType = "auth:refresh-needed"
	TypeRefreshReply    MessageType = "auth:refresh-reply"
	TypeRefreshSuccess  MessageType = "auth:refresh-success"
)

// Message is the JSON wire envelope shared by all directions.
type Message struct {
	Version   string          `json:"version"`
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a wire message with a fresh id and the current timestamp.
// The payload must marshal cleanly; callers pass structs from this package.
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Version:   ProtocolVersion,
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// MustMessage is NewMessage for payloads that cannot fail to marshal
// (all catalogue payload structs). Panics otherwise.
func MustMessage(msgType MessageType, payload any) *Message {
	m, err := NewMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// Batch is the envelope used when multiple batchable messages are coalesced
// into a single WebSocket frame.
type Batch struct {
	Type      MessageType `json:"type"` // always TypeBatch
	Messages  []*Message  `json:"messages"`
	Count     int         `json:"count"`
	Timestamp int64       `json:"timestamp"`
}

// NewBatch wraps messages in a batch envelope.
func NewBatch(messages []*Message) *Batch {
	return &Batch{
		Type:      TypeBatch,
		Messages:  messages,
		Count:     len(messages),
		Timestamp: time.Now().UnixMilli(),
	}
}
