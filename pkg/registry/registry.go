// Package registry maintains the typed index of live WebSocket sessions:
// by connection id, by population, and by agent id. It owns activity
// accounting and the server-side heartbeat discipline.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/metrics"
	"github.com/agentdeck/agentdeck/pkg/models"
)

// Conn is the registry's view of a live session. Implemented by
// session.Session; kept as an interface so the router and registry can be
// tested without sockets.
type Conn interface {
	ID() string
	Population() models.Population
	AgentID() string
	AgentType() models.AgentType
	Authenticated() bool
	Closed() bool

	// Send queues a message on the connection's single-writer outbound
	// path. Batchable types may be coalesced; priority types flush the
	// pending batch first and are sent singly.
	Send(ctx context.Context, msg *models.Message) error

	// Close closes the underlying socket with the given close code.
	Close(code int, reason string)
}

// DisconnectHook is invoked after a connection is removed from all indices.
type DisconnectHook func(connID string, population models.Population, agentID string)

type entry struct {
	conn         Conn
	lastActivity time.Time
	bytesIn      int64
	messagesIn   int64
}

// Registry is the connection index. Many readers, few writers: reads take
// snapshots under RLock so sends never happen while holding the lock.
type Registry struct {
	cfg *config.SessionConfig

	mu      sync.RWMutex
	byID    map[string]*entry
	byPop   map[models.Population]map[string]Conn
	byAgent map[string]Conn

	hookMu sync.RWMutex
	hooks  []DisconnectHook
}

// New creates an empty registry.
func New(cfg *config.SessionConfig) *Registry {
	return &Registry{
		cfg:  cfg,
		byID: make(map[string]*entry),
		byPop: map[models.Population]map[string]Conn{
			models.PopulationAgent:     make(map[string]Conn),
			models.PopulationDashboard: make(map[string]Conn),
		},
		byAgent: make(map[string]Conn),
	}
}

// OnDisconnect registers a hook fired after Unregister removes a connection.
func (r *Registry) OnDisconnect(hook DisconnectHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Register adds an authenticated connection to all indices.
// For the agent population a duplicate agentId preempts the older session:
// the prior connection is closed with CloseSuperseded before the new one is
// indexed, so exactly one live connection holds a given agentId.
func (r *Registry) Register(conn Conn) {
	var superseded Conn

	r.mu.Lock()
	if conn.Population() == models.PopulationAgent {
		if prior, ok := r.byAgent[conn.AgentID()]; ok && prior.ID() != conn.ID() {
			superseded = prior
			delete(r.byID, prior.ID())
			delete(r.byPop[models.PopulationAgent], prior.ID())
		}
		r.byAgent[conn.AgentID()] = conn
	}
	r.byID[conn.ID()] = &entry{conn: conn, lastActivity: time.Now()}
	r.byPop[conn.Population()][conn.ID()] = conn
	total := len(r.byPop[conn.Population()])
	r.mu.Unlock()

	if superseded != nil {
		slog.Info("Agent session superseded by newer connection",
			"agent_id", conn.AgentID(), "old_conn", superseded.ID(), "new_conn", conn.ID())
		superseded.Close(models.CloseSuperseded, "superseded by newer agent session")
	}

	metrics.ConnectionsActive.WithLabelValues(string(conn.Population())).Set(float64(total))
	slog.Info("Connection registered",
		"conn_id", conn.ID(), "population", conn.Population(), "agent_id", conn.AgentID())
}

// Unregister removes a connection from all indices and fires the
// disconnect hooks. Safe to call for ids that are already gone.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	e, ok := r.byID[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	conn := e.conn
	delete(r.byID, connID)
	delete(r.byPop[conn.Population()], connID)
	if conn.Population() == models.PopulationAgent {
		// Only drop the agent index if this connection still owns it;
		// a preempting session may have replaced it already.
		if cur, exists := r.byAgent[conn.AgentID()]; exists && cur.ID() == connID {
			delete(r.byAgent, conn.AgentID())
		}
	}
	total := len(r.byPop[conn.Population()])
	r.mu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(string(conn.Population())).Set(float64(total))
	slog.Info("Connection unregistered", "conn_id", connID, "population", conn.Population())

	r.hookMu.RLock()
	hooks := make([]DisconnectHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(connID, conn.Population(), conn.AgentID())
	}
}

// ByID returns the connection with the given id, if live.
func (r *Registry) ByID(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[connID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// ByPopulation returns a snapshot of all live connections in a population.
func (r *Registry) ByPopulation(pop models.Population) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.byPop[pop]))
	for _, c := range r.byPop[pop] {
		out = append(out, c)
	}
	return out
}

// ByAgentID returns the live connection holding the given agent id.
func (r *Registry) ByAgentID(agentID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byAgent[agentID]
	return c, ok
}

// RecordActivity updates the activity clock and byte counters for a
// connection. Called by the session read loop on every inbound frame.
func (r *Registry) RecordActivity(connID string, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[connID]; ok {
		e.lastActivity = time.Now()
		e.bytesIn += int64(bytes)
		e.messagesIn++
	}
}

// IsHealthy reports whether the connection is open and has been active
// within the 2H heartbeat window.
func (r *Registry) IsHealthy(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[connID]
	if !ok {
		return false
	}
	return !e.conn.Closed() &&
		time.Since(e.lastActivity) <= 2*r.cfg.HeartbeatInterval
}

// Stats is an activity snapshot for one connection.
type Stats struct {
	LastActivity time.Time
	BytesIn      int64
	MessagesIn   int64
}

// StatsFor returns the activity snapshot for a connection.
func (r *Registry) StatsFor(connID string) (Stats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[connID]
	if !ok {
		return Stats{}, false
	}
	return Stats{LastActivity: e.lastActivity, BytesIn: e.bytesIn, MessagesIn: e.messagesIn}, true
}

// Count returns the number of live connections in a population.
func (r *Registry) Count(pop models.Population) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPop[pop])
}

// RunHeartbeat emits SERVER_HEARTBEAT every H to every live connection and
// enforces the silence discipline: silent for 3H closes the socket with
// GoingAway semantics. Blocks until ctx is cancelled.
func (r *Registry) RunHeartbeat(ctx context.Context) {
	h := r.cfg.HeartbeatInterval
	ticker := time.NewTicker(h)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx, h)
		}
	}
}

func (r *Registry) sweep(ctx context.Context, h time.Duration) {
	type target struct {
		conn   Conn
		silent time.Duration
	}

	r.mu.RLock()
	targets := make([]target, 0, len(r.byID))
	for _, e := range r.byID {
		targets = append(targets, target{conn: e.conn, silent: time.Since(e.lastActivity)})
	}
	r.mu.RUnlock()

	now := time.Now()
	hb := models.MustMessage(models.TypeServerHeartbeat, models.ServerHeartbeatPayload{
		ServerTime:       now.UnixMilli(),
		NextPingExpected: now.Add(h).UnixMilli(),
	})

	for _, t := range targets {
		if t.silent > 3*h {
			slog.Warn("Closing silent connection",
				"conn_id", t.conn.ID(), "silent", t.silent)
			t.conn.Close(models.CloseGoingAway, "heartbeat timeout")
			r.Unregister(t.conn.ID())
			continue
		}
		if err := t.conn.Send(ctx, hb); err != nil {
			slog.Debug("Heartbeat send failed", "conn_id", t.conn.ID(), "error", err)
		}
	}
}
