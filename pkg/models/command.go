package models

import "time"

// CommandStatus is the lifecycle state of a command.
type CommandStatus string

// Command statuses. Transitions form a DAG:
// pending → queued → executing → {completed | failed | cancelled}.
// A queued command may also go straight to cancelled. Terminal states are
// immutable.
const (
	CommandPending   CommandStatus = "pending"
	CommandQueued    CommandStatus = "queued"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandCancelled CommandStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s CommandStatus) IsTerminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether s → next is a legal lifecycle edge.
func (s CommandStatus) CanTransitionTo(next CommandStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case CommandPending:
		return next == CommandQueued || next == CommandCancelled || next == CommandFailed
	case CommandQueued:
		return next == CommandExecuting || next == CommandCancelled || next == CommandFailed
	case CommandExecuting:
		return next == CommandCompleted || next == CommandFailed || next == CommandCancelled ||
			next == CommandQueued // retry re-enqueue
	}
	return false
}

// CommandConstraints bound a command's execution.
type CommandConstraints struct {
	TimeLimitMs int64 `json:"time_limit_ms,omitempty"`
	TokenBudget int   `json:"token_budget,omitempty"`
	MaxRetries  int   `json:"max_retries,omitempty"`
}

// Command is a unit of work submitted to one agent.
type Command struct {
	ID            string              `json:"id"`
	UserID        string              `json:"user_id"`
	AgentID       string              `json:"agent_id"`
	Content       string              `json:"content"`
	CommandType   string              `json:"command_type,omitempty"`
	Priority      int                 `json:"priority"` // clamped to [0,100]
	Status        CommandStatus       `json:"status"`
	QueuePosition int                 `json:"queue_position,omitempty"` // 1-based, only while queued
	AttemptCount  int                 `json:"attempt_count"`
	MaxAttempts   int                 `json:"max_attempts"`
	Constraints   *CommandConstraints `json:"constraints,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	QueuedAt      *time.Time          `json:"queued_at,omitempty"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
}

// Priority bounds for commands and router envelopes.
const (
	MinCommandPriority  = 0
	MaxCommandPriority  = 100
	MinEnvelopePriority = 0
	MaxEnvelopePriority = 10
)

// ClampCommandPriority forces p into [0,100].
func ClampCommandPriority(p int) int {
	if p < MinCommandPriority {
		return MinCommandPriority
	}
	if p > MaxCommandPriority {
		return MaxCommandPriority
	}
	return p
}
