package models

import "time"

// TraceType classifies trace entries in a command's execution tree.
type TraceType string

// Trace entry types.
const (
	TraceLLMPrompt TraceType = "llm_prompt"
	TraceToolCall  TraceType = "tool_call"
	TraceResponse  TraceType = "response"
)

// TraceEntry is one node in the execution forest of a command.
// ParentID, when set, must reference an entry of the same command.
type TraceEntry struct {
	ID          string         `json:"id"`
	CommandID   string         `json:"command_id"`
	AgentID     string         `json:"agent_id"`
	ParentID    string         `json:"parent_id,omitempty"`
	Type        TraceType      `json:"type"`
	Name        string         `json:"name"`
	Content     map[string]any `json:"content,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
	TokensUsed  int            `json:"tokens_used,omitempty"`
}

// Duration returns the observed duration, preferring the explicit field.
func (e *TraceEntry) Duration() time.Duration {
	if e.DurationMs > 0 {
		return time.Duration(e.DurationMs) * time.Millisecond
	}
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(e.StartedAt)
	}
	return 0
}

// Completed reports whether the entry has reached its terminal state.
func (e *TraceEntry) Completed() bool {
	return e.CompletedAt != nil
}
