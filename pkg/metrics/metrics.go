// Package metrics defines the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks live WebSocket connections per population.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentdeck_connections_active",
		Help: "Current number of live WebSocket connections",
	}, []string{"population"})

	// MessagesReceived counts inbound messages per population and type.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdeck_messages_received_total",
		Help: "Total inbound WebSocket messages",
	}, []string{"population", "type"})

	// RouterQueueDepth tracks envelopes waiting in the router queue.
	RouterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentdeck_router_queue_depth",
		Help: "Current number of envelopes in the router queue",
	})

	// RouterDelivered counts envelopes delivered to at least one target.
	RouterDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentdeck_router_delivered_total",
		Help: "Total envelopes delivered to at least one connection",
	})

	// RouterDropped counts envelopes dropped, by reason.
	RouterDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdeck_router_dropped_total",
		Help: "Total envelopes dropped by the router",
	}, []string{"reason"}) // timeout, delivery-failed, evicted

	// RouterRetries counts envelope delivery retries.
	RouterRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentdeck_router_retries_total",
		Help: "Total envelope delivery retries",
	})

	// CommandQueueSize tracks queued commands per agent.
	CommandQueueSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentdeck_command_queue_size",
		Help: "Current number of queued commands per agent",
	}, []string{"agent_id"})

	// CommandsCompleted counts terminal command outcomes.
	CommandsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdeck_commands_completed_total",
		Help: "Total commands reaching a terminal state",
	}, []string{"status"})

	// RateLimitViolations counts rate-limit rejections per population.
	RateLimitViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdeck_rate_limit_violations_total",
		Help: "Total rate limit violations",
	}, []string{"population"})

	// TraceEventsIngested counts trace events accepted by the collector.
	TraceEventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentdeck_trace_events_ingested_total",
		Help: "Total trace events accepted by the collector",
	})

	// EmergencyStops counts emergency-stop triggers (after coalescing).
	EmergencyStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentdeck_emergency_stops_total",
		Help: "Total emergency stops executed",
	})
)
