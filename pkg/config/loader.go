package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load builds the configuration from defaults plus environment overrides.
// If envFile is non-empty it is loaded first (missing file is not an error;
// production supplies real environment variables instead).
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			slog.Warn("Could not load env file, continuing with existing environment",
				"path", envFile, "error", err)
		}
	}

	cfg := Default()

	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)

	cfg.Auth.Issuer = getEnv("AUTH_ISSUER", cfg.Auth.Issuer)
	cfg.Auth.PrivateKeyPath = getEnv("AUTH_PRIVATE_KEY", cfg.Auth.PrivateKeyPath)
	cfg.Auth.PublicKeyPath = getEnv("AUTH_PUBLIC_KEY", cfg.Auth.PublicKeyPath)
	cfg.Auth.AccessTokenTTL = getDuration("AUTH_ACCESS_TTL", cfg.Auth.AccessTokenTTL)
	cfg.Auth.RefreshTokenTTL = getDuration("AUTH_REFRESH_TTL", cfg.Auth.RefreshTokenTTL)

	cfg.Session.HeartbeatInterval = getDuration("SESSION_HEARTBEAT_INTERVAL", cfg.Session.HeartbeatInterval)
	cfg.Session.HandshakeWindow = getDuration("SESSION_HANDSHAKE_WINDOW", cfg.Session.HandshakeWindow)
	cfg.Session.RefreshThreshold = getDuration("SESSION_REFRESH_THRESHOLD", cfg.Session.RefreshThreshold)

	cfg.RateLimit.MessagesPerMinute = getInt("RATE_MESSAGES_PER_MINUTE", cfg.RateLimit.MessagesPerMinute)
	cfg.RateLimit.MessagesPerHour = getInt("RATE_MESSAGES_PER_HOUR", cfg.RateLimit.MessagesPerHour)
	cfg.RateLimit.BurstSize = getInt("RATE_BURST_SIZE", cfg.RateLimit.BurstSize)

	cfg.Router.QueueCapacity = getInt("ROUTER_QUEUE_CAPACITY", cfg.Router.QueueCapacity)
	cfg.Router.TickInterval = getDuration("ROUTER_TICK_INTERVAL", cfg.Router.TickInterval)
	cfg.Router.RetryAttempts = getInt("ROUTER_RETRY_ATTEMPTS", cfg.Router.RetryAttempts)
	cfg.Router.MessageTimeout = getDuration("ROUTER_MESSAGE_TIMEOUT", cfg.Router.MessageTimeout)

	cfg.Queue.MaxQueueSize = getInt("QUEUE_MAX_SIZE", cfg.Queue.MaxQueueSize)
	cfg.Queue.MaxAttempts = getInt("QUEUE_MAX_ATTEMPTS", cfg.Queue.MaxAttempts)
	cfg.Queue.GracefulShutdownTimeout = getDuration("QUEUE_SHUTDOWN_TIMEOUT", cfg.Queue.GracefulShutdownTimeout)

	cfg.Trace.MaxTraceDepth = getInt("TRACE_MAX_DEPTH", cfg.Trace.MaxTraceDepth)
	cfg.Trace.MaxTracesPerCommand = getInt("TRACE_MAX_PER_COMMAND", cfg.Trace.MaxTracesPerCommand)

	cfg.Store.Driver = getEnv("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.Host = getEnv("DB_HOST", cfg.Store.Host)
	cfg.Store.Port = getInt("DB_PORT", cfg.Store.Port)
	cfg.Store.User = getEnv("DB_USER", cfg.Store.User)
	cfg.Store.Password = getEnv("DB_PASSWORD", cfg.Store.Password)
	cfg.Store.Database = getEnv("DB_NAME", cfg.Store.Database)
	cfg.Store.SSLMode = getEnv("DB_SSLMODE", cfg.Store.SSLMode)

	cfg.Cleanup.Interval = getDuration("CLEANUP_INTERVAL", cfg.Cleanup.Interval)
	cfg.Cleanup.MaxAge = getDuration("CLEANUP_MAX_AGE", cfg.Cleanup.MaxAge)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that components cannot operate under.
func (c *Config) Validate() error {
	if c.Router.QueueCapacity <= 0 {
		return fmt.Errorf("router queue capacity must be positive, got %d", c.Router.QueueCapacity)
	}
	if c.Router.DrainPerTick <= 0 {
		return fmt.Errorf("router drain per tick must be positive, got %d", c.Router.DrainPerTick)
	}
	if c.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("command queue size must be positive, got %d", c.Queue.MaxQueueSize)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("command max attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Session.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", c.Session.HeartbeatInterval)
	}
	if c.Trace.MaxTraceDepth <= 0 {
		return fmt.Errorf("max trace depth must be positive, got %d", c.Trace.MaxTraceDepth)
	}
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", v)
		return fallback
	}
	return d
}
