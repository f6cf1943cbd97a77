// Package store defines the persistence contract of the control plane and
// provides Postgres and in-memory implementations. The contract is the five
// tables in the persisted-state layout: agents, commands, terminal_outputs,
// trace_entries and audit_logs, plus a change feed over command rows.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentdeck/agentdeck/pkg/models"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound marks a lookup for a row that does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict marks an insert that collides with an existing id.
	ErrConflict = errors.New("store: conflict")
)

// AgentRecord is the persisted shape of an agent.
type AgentRecord struct {
	ID       string             `json:"id"`
	UserID   string             `json:"user_id,omitempty"`
	Name     string             `json:"name"`
	Type     models.AgentType   `json:"type"`
	Status   models.AgentStatus `json:"status"`
	LastPing *time.Time         `json:"last_ping,omitempty"`
	Metadata map[string]any     `json:"metadata,omitempty"`
}

// TerminalOutput is one persisted chunk of agent terminal output.
type TerminalOutput struct {
	ID        string            `json:"id"`
	CommandID string            `json:"command_id"`
	AgentID   string            `json:"agent_id"`
	Stream    models.StreamType `json:"type"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
}

// AuditEntry is one persisted audit log row.
type AuditEntry struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id,omitempty"`
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CommandFilters narrows ListCommands.
type CommandFilters struct {
	AgentID string
	UserID  string
	Status  models.CommandStatus
	Limit   int
	Offset  int
}

// Change is one entry on the command change feed.
type Change struct {
	CommandID string               `json:"command_id"`
	AgentID   string               `json:"agent_id"`
	Status    models.CommandStatus `json:"status"`
}

// Store is the persistence contract. Implementations are safe for
// concurrent use; every method honours its context.
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, agent *AgentRecord) error
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]*AgentRecord, error)
	SetAgentStatus(ctx context.Context, id string, status models.AgentStatus, lastPing time.Time) error

	// Commands. CreateCommand returns ErrConflict for a duplicate id;
	// callers rely on that for merge-by-commandId idempotency.
	CreateCommand(ctx context.Context, cmd *models.Command) error
	GetCommand(ctx context.Context, id string) (*models.Command, error)
	UpdateCommand(ctx context.Context, cmd *models.Command) error
	ListCommands(ctx context.Context, filters CommandFilters) ([]*models.Command, error)

	// Terminal output
	AppendTerminalOutput(ctx context.Context, out *TerminalOutput) error
	ListTerminalOutputs(ctx context.Context, commandID string, limit int) ([]*TerminalOutput, error)

	// Trace entries
	InsertTraceEntry(ctx context.Context, entry *models.TraceEntry) error
	GetTraceEntry(ctx context.Context, id string) (*models.TraceEntry, error)
	UpdateTraceEntry(ctx context.Context, entry *models.TraceEntry) error
	ListTraceEntries(ctx context.Context, commandID string) ([]*models.TraceEntry, error)
	DeleteTraceEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Audit
	AppendAudit(ctx context.Context, entry *AuditEntry) error

	// Retention
	DeleteTerminalDataBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// SubscribeChanges registers a change-feed consumer. The returned stop
	// function must be called to release the subscription; the channel is
	// closed when the subscription ends. Delivery is best-effort; slow
	// consumers may miss changes.
	SubscribeChanges(ctx context.Context) (<-chan Change, func())

	Close() error
}
