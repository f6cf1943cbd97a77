// Package config provides typed configuration for every control-plane
// component, with built-in defaults and environment overrides.
package config

import "time"

// Config is the umbrella configuration object returned by Load and passed
// to component constructors. No component reads the environment directly.
type Config struct {
	HTTPPort string

	Auth      *AuthConfig
	Session   *SessionConfig
	RateLimit *RateLimitConfig
	Router    *RouterConfig
	Queue     *QueueConfig
	Trace     *TraceConfig
	Store     *StoreConfig
	Cleanup   *CleanupConfig
}

// AuthConfig controls JWT validation and refresh.
type AuthConfig struct {
	// Issuer is the expected `iss` claim on access tokens.
	Issuer string

	// PrivateKeyPath / PublicKeyPath point at PEM-encoded RSA keys.
	// When empty an ephemeral key pair is generated at startup (dev mode);
	// all tokens are invalidated on restart.
	PrivateKeyPath string
	PublicKeyPath  string

	// AccessTokenTTL is the lifetime of minted access tokens.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the lifetime of refresh tokens.
	RefreshTokenTTL time.Duration
}

// SessionConfig controls the WebSocket session layer.
type SessionConfig struct {
	// HandshakeWindow is how long an unauthenticated socket may live.
	HandshakeWindow time.Duration

	// HeartbeatInterval is H: SERVER_HEARTBEAT cadence. A connection silent
	// for 2H is unhealthy; at 3H it is closed with GoingAway.
	HeartbeatInterval time.Duration

	// WriteTimeout bounds each WebSocket write.
	WriteTimeout time.Duration

	// Batcher caps.
	BatchInterval time.Duration
	MaxBatchSize  int
	MaxBatchBytes int

	// Token refresh discipline.
	RefreshInterval    time.Duration
	RefreshThreshold   time.Duration
	RefreshReplyWindow time.Duration
	MaxRefreshAttempts int
}

// RateLimitConfig controls per-connection and global ingress limits.
type RateLimitConfig struct {
	MessagesPerMinute int
	MessagesPerHour   int
	BurstSize         int
	BurstWindow       time.Duration

	// PerType overrides the per-minute budget for specific message types.
	PerType map[string]int

	// Global ceilings across all connections.
	GlobalPerSecond int

	PenaltyWindow   time.Duration
	MaxViolations   int
	ViolationWindow time.Duration

	// CleanupInterval sweeps expired per-type counters.
	CleanupInterval time.Duration
}

// RouterConfig controls the outbound message router.
type RouterConfig struct {
	QueueCapacity  int
	TickInterval   time.Duration
	DrainPerTick   int
	RetryAttempts  int
	MessageTimeout time.Duration
	MaxBackoff     time.Duration
}

// QueueConfig controls the per-agent command queues and the dispatcher.
type QueueConfig struct {
	MaxQueueSize     int
	MaxAttempts      int
	InterruptTimeout time.Duration
	RetryBackoffBase time.Duration

	// History kept for metrics and audit.
	CompletedHistory int
	FailedHistory    int

	// DispatchInterval is the dispatcher poll cadence when idle.
	DispatchInterval time.Duration

	GracefulShutdownTimeout time.Duration
}

// TraceConfig controls the trace tree collector.
type TraceConfig struct {
	MaxTraceDepth       int
	MaxTracesPerCommand int

	// IdleCompletion closes out a command when no trace events arrive for
	// this long and every stored event is completed.
	IdleCompletion time.Duration

	SlowTraceMs     int64
	VerySlowTraceMs int64
	HighTokenUsage  int

	MaxExportSize  int
	MaxExportDepth int
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string

	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// CleanupConfig controls retention of terminal commands, outputs and traces.
type CleanupConfig struct {
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPPort:  "8080",
		Auth:      DefaultAuthConfig(),
		Session:   DefaultSessionConfig(),
		RateLimit: DefaultRateLimitConfig(),
		Router:    DefaultRouterConfig(),
		Queue:     DefaultQueueConfig(),
		Trace:     DefaultTraceConfig(),
		Store:     DefaultStoreConfig(),
		Cleanup:   DefaultCleanupConfig(),
	}
}

// DefaultAuthConfig returns the built-in auth defaults.
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Issuer:          "agentdeck",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
	}
}

// DefaultSessionConfig returns the built-in session defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		HandshakeWindow:    5 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		WriteTimeout:       10 * time.Second,
		BatchInterval:      50 * time.Millisecond,
		MaxBatchSize:       25,
		MaxBatchBytes:      64 * 1024,
		RefreshInterval:    time.Minute,
		RefreshThreshold:   5 * time.Minute,
		RefreshReplyWindow: 30 * time.Second,
		MaxRefreshAttempts: 3,
	}
}

// DefaultRateLimitConfig returns the built-in rate limit defaults.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerMinute: 120,
		MessagesPerHour:   3600,
		BurstSize:         20,
		BurstWindow:       time.Second,
		PerType: map[string]int{
			"terminal:output": 1200,
			"trace:event":     1200,
			"command:submit":  30,
		},
		GlobalPerSecond: 5000,
		PenaltyWindow:   10 * time.Second,
		MaxViolations:   5,
		ViolationWindow: 5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// DefaultRouterConfig returns the built-in router defaults.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		QueueCapacity:  10000,
		TickInterval:   100 * time.Millisecond,
		DrainPerTick:   200,
		RetryAttempts:  3,
		MessageTimeout: time.Minute,
		MaxBackoff:     30 * time.Second,
	}
}

// DefaultQueueConfig returns the built-in command queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxQueueSize:            100,
		MaxAttempts:             3,
		InterruptTimeout:        5 * time.Second,
		RetryBackoffBase:        time.Second,
		CompletedHistory:        50,
		FailedHistory:           25,
		DispatchInterval:        250 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// DefaultTraceConfig returns the built-in trace collector defaults.
func DefaultTraceConfig() *TraceConfig {
	return &TraceConfig{
		MaxTraceDepth:       25,
		MaxTracesPerCommand: 1000,
		IdleCompletion:      30 * time.Second,
		SlowTraceMs:         5000,
		VerySlowTraceMs:     30000,
		HighTokenUsage:      10000,
		MaxExportSize:       10000,
		MaxExportDepth:      50,
	}
}

// DefaultStoreConfig returns the built-in store defaults.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "agentdeck",
		Password:        "agentdeck",
		Database:        "agentdeck",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// DefaultCleanupConfig returns the built-in retention defaults.
func DefaultCleanupConfig() *CleanupConfig {
	return &CleanupConfig{
		Interval:  time.Hour,
		MaxAge:    7 * 24 * time.Hour,
		BatchSize: 1000,
	}
}
