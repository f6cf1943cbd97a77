// Package router fans typed messages out to the two client populations. It
// owns a bounded priority queue of outbound envelopes, drained on a fixed
// tick; delivery is at-least-once per eligible live connection with
// exponential-backoff retries and drop-lowest-priority under pressure.
package router

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/metrics"
	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/agentdeck/agentdeck/pkg/registry"
)

// TargetClass selects who an envelope is addressed to.
type TargetClass int

// Target classes.
const (
	TargetAgent TargetClass = iota // single agent by agent id
	TargetAllAgents
	TargetDashboards
	TargetConnection // single connection by connection id
	TargetEveryone   // both populations (emergency broadcast)
)

// Filter narrows a fan-out to connections the predicate accepts.
// A nil filter accepts every connection in the target class.
type Filter func(conn registry.Conn) bool

// Directory is the subset of the connection registry the router reads.
// Implemented by *registry.Registry; fakes implement it in tests.
type Directory interface {
	ByPopulation(pop models.Population) []registry.Conn
	ByAgentID(agentID string) (registry.Conn, bool)
	ByID(connID string) (registry.Conn, bool)
	IsHealthy(connID string) bool
	RecordActivity(connID string, bytes int)
}

// Envelope is the router's internal wrapper around one outbound message.
type Envelope struct {
	ID          string
	Message     *models.Message
	Target      TargetClass
	TargetID    string // agent id or connection id, per Target
	Filter      Filter
	Priority    int // clamped to [0,10]
	Attempts    int
	CreatedAt   time.Time
	ScheduledAt time.Time // zero until a retry schedules it

	seq uint64 // FIFO tiebreak within a priority
}

// envelopeHeap orders by descending priority, then ascending seq (FIFO).
type envelopeHeap []*Envelope

func (h envelopeHeap) Len() int { return len(h) }
func (h envelopeHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h envelopeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *envelopeHeap) Push(x any)        { *h = append(*h, x.(*Envelope)) }
func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Router is the outbound message router. Producers call the To* methods from
// any goroutine; a single Run loop drains the queue so envelope ordering has
// one authority.
type Router struct {
	cfg *config.RouterConfig
	dir Directory
	log *slog.Logger

	mu      sync.Mutex
	queue   envelopeHeap
	nextSeq uint64

	// wake lets enqueues cut the tick latency when the queue was empty.
	wake chan struct{}
}

// New creates a router over the given connection directory.
func New(cfg *config.RouterConfig, dir Directory) *Router {
	return &Router{
		cfg:  cfg,
		dir:  dir,
		log:  slog.With("component", "router"),
		wake: make(chan struct{}, 1),
	}
}

// To queues a message for a single agent.
func (r *Router) To(agentID string, msgType models.MessageType, payload any, priority int) {
	r.enqueue(&Envelope{
		Message:  models.MustMessage(msgType, payload),
		Target:   TargetAgent,
		TargetID: agentID,
		Priority: priority,
	})
}

// ToAllAgents queues a message for every live agent.
func (r *Router) ToAllAgents(msgType models.MessageType, payload any, priority int) {
	r.enqueue(&Envelope{
		Message:  models.MustMessage(msgType, payload),
		Target:   TargetAllAgents,
		Priority: priority,
	})
}

// ToDashboards queues a message for every dashboard the filter accepts.
func (r *Router) ToDashboards(msgType models.MessageType, payload any, priority int, filter Filter) {
	r.enqueue(&Envelope{
		Message:  models.MustMessage(msgType, payload),
		Target:   TargetDashboards,
		Filter:   filter,
		Priority: priority,
	})
}

// ToConnection queues a message for one specific connection.
func (r *Router) ToConnection(connID string, msgType models.MessageType, payload any, priority int) {
	r.enqueue(&Envelope{
		Message:  models.MustMessage(msgType, payload),
		Target:   TargetConnection,
		TargetID: connID,
		Priority: priority,
	})
}

// EmergencyBroadcast fans a message to both populations at top priority.
func (r *Router) EmergencyBroadcast(msgType models.MessageType, payload any) {
	r.enqueue(&Envelope{
		Message:  models.MustMessage(msgType, payload),
		Target:   TargetEveryone,
		Priority: models.MaxEnvelopePriority,
	})
}

// enqueue inserts an envelope, evicting the lowest-priority oldest envelope
// when the queue is at capacity.
func (r *Router) enqueue(e *Envelope) {
	if e.Priority < models.MinEnvelopePriority {
		e.Priority = models.MinEnvelopePriority
	}
	if e.Priority > models.MaxEnvelopePriority {
		e.Priority = models.MaxEnvelopePriority
	}
	e.ID = uuid.NewString()
	e.CreatedAt = time.Now()

	r.mu.Lock()
	if len(r.queue) >= r.cfg.QueueCapacity {
		r.evictLocked()
	}
	e.seq = r.nextSeq
	r.nextSeq++
	heap.Push(&r.queue, e)
	depth := len(r.queue)
	r.mu.Unlock()

	metrics.RouterQueueDepth.Set(float64(depth))
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// evictLocked removes the lowest-priority oldest envelope. Caller holds r.mu.
func (r *Router) evictLocked() {
	victim := 0
	for i := 1; i < len(r.queue); i++ {
		v, c := r.queue[victim], r.queue[i]
		if c.Priority < v.Priority || (c.Priority == v.Priority && c.seq < v.seq) {
			victim = i
		}
	}
	e := heap.Remove(&r.queue, victim).(*Envelope)
	metrics.RouterDropped.WithLabelValues("evicted").Inc()
	r.log.Warn("Router queue full, evicted envelope",
		"envelope_id", e.ID, "type", e.Message.Type, "priority", e.Priority)
}

// Depth returns the current queue depth.
func (r *Router) Depth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Run drains the queue until ctx is cancelled. One processing tick drains at
// most DrainPerTick envelopes in priority order.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	r.log.Info("Router started",
		"tick", r.cfg.TickInterval, "capacity", r.cfg.QueueCapacity)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Router stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		case <-r.wake:
			r.Tick(ctx)
		}
	}
}

// Tick drains up to DrainPerTick due envelopes. Exported so tests can drive
// the router without real time.
func (r *Router) Tick(ctx context.Context) {
	now := time.Now()
	var deferred []*Envelope

	for drained := 0; drained < r.cfg.DrainPerTick; {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			break
		}
		e := heap.Pop(&r.queue).(*Envelope)
		r.mu.Unlock()

		// Not due yet (retry backoff): set aside, re-queue after the drain.
		if !e.ScheduledAt.IsZero() && e.ScheduledAt.After(now) {
			deferred = append(deferred, e)
			continue
		}

		drained++
		if now.Sub(e.CreatedAt) > r.cfg.MessageTimeout {
			metrics.RouterDropped.WithLabelValues("timeout").Inc()
			r.log.Warn("Dropped envelope past message timeout",
				"envelope_id", e.ID, "type", e.Message.Type, "age", now.Sub(e.CreatedAt))
			continue
		}

		r.deliver(ctx, e, now)
	}

	r.mu.Lock()
	for _, e := range deferred {
		heap.Push(&r.queue, e) // seq preserved, FIFO position retained
	}
	depth := len(r.queue)
	r.mu.Unlock()
	metrics.RouterQueueDepth.Set(float64(depth))
}

// deliver resolves the target set and sends. Zero successful sends counts as
// a failed attempt and reschedules with exponential backoff.
func (r *Router) deliver(ctx context.Context, e *Envelope, now time.Time) {
	targets := r.resolve(e)

	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(ctx, e.Message); err != nil {
			r.log.Debug("Send failed", "conn_id", conn.ID(), "type", e.Message.Type, "error", err)
			continue
		}
		delivered++
	}

	if delivered > 0 {
		metrics.RouterDelivered.Inc()
		return
	}

	e.Attempts++
	if e.Attempts > r.cfg.RetryAttempts {
		metrics.RouterDropped.WithLabelValues("delivery-failed").Inc()
		r.log.Warn("Envelope delivery failed after retries",
			"envelope_id", e.ID, "type", e.Message.Type, "attempts", e.Attempts)
		return
	}

	e.ScheduledAt = now.Add(backoff(e.Attempts, r.cfg.MaxBackoff))
	metrics.RouterRetries.Inc()

	r.mu.Lock()
	// Retries keep their original seq so equal-priority FIFO holds once due.
	heap.Push(&r.queue, e)
	r.mu.Unlock()
}

// resolve returns the live, healthy, authenticated connections addressed by
// the envelope, after applying its filter.
func (r *Router) resolve(e *Envelope) []registry.Conn {
	var candidates []registry.Conn

	switch e.Target {
	case TargetAgent:
		if c, ok := r.dir.ByAgentID(e.TargetID); ok {
			candidates = []registry.Conn{c}
		}
	case TargetAllAgents:
		candidates = r.dir.ByPopulation(models.PopulationAgent)
	case TargetDashboards:
		candidates = r.dir.ByPopulation(models.PopulationDashboard)
	case TargetConnection:
		if c, ok := r.dir.ByID(e.TargetID); ok {
			candidates = []registry.Conn{c}
		}
	case TargetEveryone:
		candidates = append(
			r.dir.ByPopulation(models.PopulationAgent),
			r.dir.ByPopulation(models.PopulationDashboard)...)
	}

	out := candidates[:0]
	for _, c := range candidates {
		if !c.Authenticated() || c.Closed() || !r.dir.IsHealthy(c.ID()) {
			continue
		}
		if e.Filter != nil && !e.Filter(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// backoff returns min(2^(attempt-1) seconds, max).
func backoff(attempt int, max time.Duration) time.Duration {
	d := time.Second << (attempt - 1)
	if d > max || d <= 0 {
		return max
	}
	return d
}
