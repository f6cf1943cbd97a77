package models

// Population classifies the two client populations multiplexed by the server.
type Population string

// Client populations.
const (
	PopulationAgent     Population = "agent"
	PopulationDashboard Population = "dashboard"
)

// AgentType identifies the CLI wrapped by an agent process.
type AgentType string

// Known agent types.
const (
	AgentClaude AgentType = "claude"
	AgentGemini AgentType = "gemini"
	AgentCodex  AgentType = "codex"
	AgentMock   AgentType = "mock"
)

// AgentStatus is the connection-level state of an agent.
type AgentStatus string

// Agent statuses.
const (
	AgentOnline     AgentStatus = "online"
	AgentConnecting AgentStatus = "connecting"
	AgentOffline    AgentStatus = "offline"
	AgentErrored    AgentStatus = "error"
)

// AgentActivity is the work-level state of an agent.
type AgentActivity string

// Agent activities.
const (
	ActivityIdle       AgentActivity = "idle"
	ActivityProcessing AgentActivity = "processing"
	ActivityQueued     AgentActivity = "queued"
)

// AgentHealth is the metrics snapshot agents report in heartbeats.
type AgentHealth struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryMB          float64 `json:"memory_mb"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
	CommandsProcessed int64   `json:"commands_processed"`
	AvgResponseMs     float64 `json:"avg_response_ms"`
}

// WebSocket close codes. 4xxx codes are application-defined.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTokenExpired    = 4001
	CloseSuperseded      = 4002
)
