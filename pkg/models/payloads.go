package models

// Payload structs for the wire message catalogue. Field names follow the
// JSON contract in the protocol document; optional fields use omitempty.

// --- Agent → Server ---

// AgentConnectPayload identifies an agent during the handshake.
type AgentConnectPayload struct {
	Token        string    `json:"token,omitempty"` // handshake auth when not in query
	AgentID      string    `json:"agent_id"`
	AgentType    AgentType `json:"agent_type"`
	Version      string    `json:"version,omitempty"`
	Host         string    `json:"host,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// AgentHeartbeatPayload carries the agent's health snapshot.
type AgentHeartbeatPayload struct {
	Health AgentHealth `json:"health"`
}

// CommandAckStatus is the agent-side acknowledgement state.
type CommandAckStatus string

// Ack statuses reported by agents.
const (
	AckReceived  CommandAckStatus = "received"
	AckQueued    CommandAckStatus = "queued"
	AckExecuting CommandAckStatus = "executing"
)

// CommandAckPayload acknowledges receipt of a command request.
type CommandAckPayload struct {
	CommandID     string           `json:"command_id"`
	Status        CommandAckStatus `json:"status"`
	QueuePosition int              `json:"queue_position,omitempty"`
}

// StreamType distinguishes stdout from stderr in terminal output.
type StreamType string

// Terminal stream types.
const (
	StreamStdout StreamType = "stdout"
	StreamStderr StreamType = "stderr"
)

// TerminalOutputPayload carries a chunk of agent terminal output.
type TerminalOutputPayload struct {
	CommandID string     `json:"command_id"`
	Stream    StreamType `json:"stream"`
	Content   string     `json:"content"`
	AnsiCodes bool       `json:"ansi_codes,omitempty"`
	Sequence  int64      `json:"sequence"`
}

// TraceEventPayload carries one streamed trace entry.
type TraceEventPayload struct {
	TraceID     string         `json:"trace_id"`
	ParentID    string         `json:"parent_id,omitempty"`
	Type        TraceType      `json:"trace_type"`
	Name        string         `json:"name"`
	Content     map[string]any `json:"content,omitempty"`
	StartedAt   int64          `json:"started_at"`
	CompletedAt int64          `json:"completed_at,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
	TokensUsed  int            `json:"tokens_used,omitempty"`
}

// CommandCompletePayload reports the terminal result of a command.
type CommandCompletePayload struct {
	CommandID       string `json:"command_id"`
	Status          string `json:"status"` // "completed" or "failed"
	ExitCode        int    `json:"exit_code"`
	ExecutionTimeMs int64  `json:"execution_time_ms,omitempty"`
	TokensUsed      int    `json:"tokens_used,omitempty"`
	Error           string `json:"error,omitempty"`
}

// AgentErrorPayload reports an agent-side error outside a command lifecycle.
type AgentErrorPayload struct {
	ErrorType   string `json:"error_type"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// --- Server → Agent ---

// CommandRequestPayload dispatches a command to an agent.
type CommandRequestPayload struct {
	CommandID   string              `json:"command_id"`
	Content     string              `json:"content"`
	CommandType string              `json:"command_type,omitempty"`
	Priority    int                 `json:"priority"`
	Constraints *CommandConstraints `json:"constraints,omitempty"`
	Context     map[string]any      `json:"context,omitempty"`
}

// CommandCancelPayload asks an agent to abandon a command.
type CommandCancelPayload struct {
	CommandID string `json:"command_id"`
	Reason    string `json:"reason"`
	Force     bool   `json:"force,omitempty"`
}

// ControlAction is a lifecycle action requested of an agent.
type ControlAction string

// Agent control actions.
const (
	ControlStop    ControlAction = "stop"
	ControlRestart ControlAction = "restart"
	ControlPause   ControlAction = "pause"
	ControlResume  ControlAction = "resume"
)

// AgentControlPayload drives an agent lifecycle action.
type AgentControlPayload struct {
	Action    ControlAction `json:"action"`
	Reason    string        `json:"reason,omitempty"`
	Graceful  bool          `json:"graceful,omitempty"`
	TimeoutMs int64         `json:"timeout_ms,omitempty"`
}

// TokenRefreshPayload delivers a freshly minted access token.
type TokenRefreshPayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
}

// --- Server → Dashboard ---

// AgentStatusPayload is the dashboard view of one agent.
type AgentStatusPayload struct {
	AgentID        string        `json:"agent_id"`
	AgentType      AgentType     `json:"agent_type,omitempty"`
	Status         AgentStatus   `json:"status"`
	Activity       AgentActivity `json:"activity"`
	Health         *AgentHealth  `json:"health,omitempty"`
	CurrentCommand string        `json:"current_command,omitempty"`
	QueuedCommands int           `json:"queued_commands,omitempty"`
}

// CommandStatusPayload reports a command lifecycle transition.
type CommandStatusPayload struct {
	CommandID     string        `json:"command_id"`
	AgentID       string        `json:"agent_id"`
	Status        CommandStatus `json:"status"`
	QueuePosition int           `json:"queue_position,omitempty"`
	ExitCode      *int          `json:"exit_code,omitempty"`
	Progress      string        `json:"progress,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// TerminalStreamPayload relays terminal output to dashboards.
type TerminalStreamPayload struct {
	CommandID string     `json:"command_id"`
	AgentID   string     `json:"agent_id"`
	Stream    StreamType `json:"stream"`
	Content   string     `json:"content"`
	AnsiCodes bool       `json:"ansi_codes,omitempty"`
	Sequence  int64      `json:"sequence"`
}

// QueueUpdatePayload reports the state of one agent's command queue.
type QueueUpdatePayload struct {
	AgentID   string   `json:"agent_id"`
	QueueSize int      `json:"queue_size"`
	Executing string   `json:"executing,omitempty"`
	Queued    []string `json:"queued,omitempty"`
}

// EmergencyStopPayload is broadcast once per emergency stop.
type EmergencyStopPayload struct {
	TriggeredBy       string `json:"triggered_by"`
	Reason            string `json:"reason,omitempty"`
	AgentsStopped     int    `json:"agents_stopped"`
	CommandsCancelled int    `json:"commands_cancelled"`
}

// --- Dashboard → Server ---

// DashboardConnectPayload carries handshake auth for dashboards.
type DashboardConnectPayload struct {
	Token string `json:"token"`
}

// DashboardInitPayload establishes the initial subscription set.
// A dashboard receives nothing until it sends this (or a subscribe).
type DashboardInitPayload struct {
	UserID        string         `json:"user_id,omitempty"`
	Subscriptions []Subscription `json:"subscriptions,omitempty"`
}

// Subscription selects a slice of the event stream.
// All=true subscribes to every agent; otherwise AgentID scopes delivery.
type Subscription struct {
	All     bool   `json:"all,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// CommandSubmitPayload submits a new command for an agent.
type CommandSubmitPayload struct {
	CommandID   string              `json:"command_id,omitempty"` // client-supplied for idempotency
	AgentID     string              `json:"agent_id"`
	Content     string              `json:"content"`
	CommandType string              `json:"command_type,omitempty"`
	Priority    int                 `json:"priority"`
	Constraints *CommandConstraints `json:"constraints,omitempty"`
}

// CommandInterruptPayload interrupts a queued or executing command.
type CommandInterruptPayload struct {
	CommandID string `json:"command_id"`
	Reason    string `json:"reason,omitempty"`
	Force     bool   `json:"force,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// EmergencyStopRequestPayload triggers a global stop.
type EmergencyStopRequestPayload struct {
	Reason string `json:"reason,omitempty"`
}

// --- Bidirectional control ---

// ServerHeartbeatPayload is the periodic server-side keepalive.
type ServerHeartbeatPayload struct {
	ServerTime       int64 `json:"server_time"`
	NextPingExpected int64 `json:"next_ping_expected"`
}

// ErrorPayload is the standard error reply.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message,omitempty"`
	Recoverable  bool   `json:"recoverable"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// RefreshNeededPayload asks the client to rotate its token.
type RefreshNeededPayload struct {
	ExpiresInMs int64 `json:"expires_in_ms"`
}

// RefreshReplyPayload is the client's answer to auth:refresh-needed.
// Exactly one of AccessToken or RefreshToken is expected.
type RefreshReplyPayload struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Stable error codes returned to clients; part of the wire contract.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeAgentNotFound  = "AGENT_NOT_FOUND"
	CodeAgentOffline   = "AGENT_OFFLINE"
	CodeQueueFull      = "QUEUE_FULL"
	CodeNotActive      = "NOT_ACTIVE"
	CodeInternal       = "INTERNAL"
)
