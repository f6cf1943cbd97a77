package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/pkg/cmdqueue"
	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/agentdeck/agentdeck/pkg/registry"
	"github.com/agentdeck/agentdeck/pkg/router"
	"github.com/agentdeck/agentdeck/pkg/store"
	"github.com/agentdeck/agentdeck/pkg/trace"
)

// stubConn stands in for a live session in orchestrator tests.
type stubConn struct {
	id      string
	pop     models.Population
	agentID string

	mu     sync.Mutex
	sent   []*models.Message
	closed bool
}

func stubAgent(id, agentID string) *stubConn {
	return &stubConn{id: id, pop: models.PopulationAgent, agentID: agentID}
}

func stubDashboard(id string) *stubConn {
	return &stubConn{id: id, pop: models.PopulationDashboard}
}

func (s *stubConn) ID() string                    { return s.id }
func (s *stubConn) Population() models.Population { return s.pop }
func (s *stubConn) AgentID() string               { return s.agentID }
func (s *stubConn) AgentType() models.AgentType   { return models.AgentClaude }
func (s *stubConn) Authenticated() bool           { return true }
func (s *stubConn) SubscribedTo(string) bool      { return true }

func (s *stubConn) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubConn) Send(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stubConn) Close(int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *stubConn) received(msgType models.MessageType) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for _, m := range s.sent {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// harness wires an orchestrator over a memory store and stub connections.
type harness struct {
	cfg    *config.Config
	store  *store.Memory
	reg    *registry.Registry
	router *router.Router
	queues *cmdqueue.Manager
	orch   *Orchestrator
}

func newHarness(mutate func(*config.Config)) *harness {
	cfg := config.Default()
	cfg.Queue.RetryBackoffBase = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	st := store.NewMemory()
	reg := registry.New(cfg.Session)
	rt := router.New(cfg.Router, reg)
	queues := cmdqueue.NewManager(cfg.Queue)
	collector := trace.NewCollector(cfg.Trace, st)

	return &harness{
		cfg:    cfg,
		store:  st,
		reg:    reg,
		router: rt,
		queues: queues,
		orch:   New(cfg, st, reg, rt, queues, collector),
	}
}

// connectAgent registers a live stub agent and seeds its store record.
func (h *harness) connectAgent(t *testing.T, agentID string) *stubConn {
	t.Helper()
	conn := stubAgent("conn-"+agentID, agentID)
	h.reg.Register(conn)
	now := time.Now()
	require.NoError(t, h.store.UpsertAgent(context.Background(), &store.AgentRecord{
		ID:       agentID,
		Name:     agentID,
		Type:     models.AgentClaude,
		Status:   models.AgentOnline,
		LastPing: &now,
	}))
	return conn
}

func submission(commandID, agentID string) *models.CommandSubmitPayload {
	return &models.CommandSubmitPayload{
		CommandID: commandID,
		AgentID:   agentID,
		Content:   "run the test suite",
		Priority:  50,
	}
}

func TestSubmitUnknownAgent(t *testing.T) {
	h := newHarness(nil)

	_, err := h.orch.Submit(context.Background(), "user-1", submission("c1", "ghost"))
	assert.ErrorIs(t, err, ErrAgentNotFound)

	// Nothing was written: the rejection happens before any state change.
	_, err = h.store.GetCommand(context.Background(), "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitOfflineAgent(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()

	// Known to the store but not connected.
	require.NoError(t, h.store.UpsertAgent(ctx, &store.AgentRecord{
		ID: "agent-1", Name: "agent-1", Type: models.AgentClaude, Status: models.AgentOffline,
	}))

	_, err := h.orch.Submit(ctx, "user-1", submission("c1", "agent-1"))
	assert.ErrorIs(t, err, ErrAgentOffline)

	_, err = h.store.GetCommand(ctx, "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitEmptyContent(t *testing.T) {
	h := newHarness(nil)

	p := submission("c1", "agent-1")
	p.Content = ""
	_, err := h.orch.Submit(context.Background(), "user-1", p)
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestSubmitQueuesCommand(t *testing.T) {
	h := newHarness(nil)
	h.connectAgent(t, "agent-1")
	ctx := context.Background()

	result, err := h.orch.Submit(ctx, "user-1", submission("c1", "agent-1"))
	require.NoError(t, err)
	assert.Equal(t, "c1", result.Command.ID)
	assert.Equal(t, models.CommandQueued, result.Command.Status)
	assert.Equal(t, 1, result.Position)
	assert.False(t, result.Duplicate)

	stored, err := h.store.GetCommand(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CommandQueued, stored.Status)
	assert.Equal(t, "user-1", stored.UserID)
}

func TestSubmitDuplicateCommandID(t *testing.T) {
	h := newHarness(nil)
	h.connectAgent(t, "agent-1")
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, "user-1", submission("c1", "agent-1"))
	require.NoError(t, err)

	result, err := h.orch.Submit(ctx, "user-1", submission("c1", "agent-1"))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, "c1", result.Command.ID)
	assert.Equal(t, 1, h.queues.ForAgent("agent-1").Size(), "no second copy enqueued")
}

func TestSubmitQueueFull(t *testing.T) {
	h := newHarness(func(cfg *config.Config) {
		cfg.Queue.MaxQueueSize = 1
	})
	h.connectAgent(t, "agent-1")
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, "user-1", submission("c1", "agent-1"))
	require.NoError(t, err)

	_, err = h.orch.Submit(ctx, "user-1", submission("c2", "agent-1"))
	assert.ErrorIs(t, err, cmdqueue.ErrQueueFull)

	stored, err := h.store.GetCommand(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, models.CommandFailed, stored.Status)
	assert.Equal(t, "queue full", stored.FailureReason)
}

func TestDispatchDeliversCommandRequest(t *testing.T) {
	h := newHarness(nil)
	agent := h.connectAgent(t, "agent-1")
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, "user-1", submission("c1", "agent-1"))
	require.NoError(t, err)

	h.orch.dispatchReady(ctx)
	h.router.Tick(ctx)

	requests := agent.received(models.TypeCommandRequest)
	require.Len(t, requests, 1)
	var p models.CommandRequestPayload
	require.NoError(t, json.Unmarshal(requests[0].Payload, &p))
	assert.Equal(t, "c1", p.CommandID)
	assert.Equal(t, "run the test suite", p.Content)

	stored, err := h.store.GetCommand(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CommandExecuting, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
}

func TestDispatchSkipsOfflineAgent(t *testing.T) {
	h := newHarness(nil)
	agent := h.connectAgent(t, "agent-1")
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, "user-1", submission("c1", "agent-1"))
	require.NoError(t, err)

	h.reg.Unregister(agent.ID())
	h.orch.dispatchReady(ctx)
	h.router.Tick(ctx)

	assert.Empty(t, agent.received(models.TypeCommandRequest))
}

func TestCommandAckPersistsAndRelaysStatus(t *testing.T) {
	h := newHarness(nil)
	h.connectAgent(t, "agent-1")
	dash := stubDashboard("dash-1")
	h.reg.Register(dash)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, "user-1", submission("c1", "agent-1"))
	require.NoError(t, err)
	h.orch.dispatchReady(ctx)

	h.orch.applyCommandAck(ctx, "agent-1", &models.CommandAckPayload{
		CommandID: "c1", Status: models.AckQueued, QueuePosition: 2,
	})
	stored, err := h.store.GetCommand(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CommandQueued, stored.Status)
	assert.Equal(t, 2, stored.QueuePosition)

	h.orch.applyCommandAck(ctx, "agent-1", &models.CommandAckPayload{
		CommandID: "c1", Status: models.AckExecuting,
	})
	stored, err = h.store.GetCommand(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CommandExecuting, stored.Status)

	h.router.Tick(ctx)
	var queuedSeen, executingSeen bool
	for _, m := range dash.received(models.TypeCommandStatus) {
		var p models.CommandStatusPayload
		require.NoError(t, json.Unmarshal(m.Payload, &p))
		switch p.Progress {
		case string(models.AckQueued):
			queuedSeen = true
			assert.Equal(t, models.CommandQueued, p.Status)
			assert.Equal(t, 2, p.QueuePosition)
		case string(models.AckExecuting):
			executingSeen = true
			assert.Equal(t, models.CommandExecuting, p.Status)
		}
	}
	assert.True(t, queuedSeen, "queued ack relayed to dashboards")
	assert.True(t, executingSeen, "executing ack relayed to dashboards")
}

func TestCommandAckIgnoredAfterSettle(t *testing.T) {
	h := newHarness(nil)
	h.connectAgent(t, "agent-1")
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, "user-1", submission("c1", "agent-1"))
	require.NoError(t, err)

	stored, err := h.store.GetCommand(ctx, "c1")
	require.NoError(t, err)
	stored.Status = models.CommandCompleted
	require.NoError(t, h.store.UpdateCommand(ctx, stored))

	// A straggler ack after completion must not resurrect the command.
	h.orch.applyCommandAck(ctx, "agent-1", &models.CommandAckPayload{
		CommandID: "c1", Status: models.AckExecuting,
	})
	stored, err = h.store.GetCommand(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CommandCompleted, stored.Status)
}

func TestInterruptQueuedCommand(t *testing.T) {
	h := newHarness(nil)
	agent := h.connectAgent(t, "agent-1")
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, "user-1", submission("c1", "agent-1"))
	require.NoError(t, err)

	result, err := h.orch.Interrupt(ctx, "user-1", &models.CommandInterruptPayload{
		CommandID: "c1",
		Reason:    "changed my mind",
	})
	require.NoError(t, err)
	assert.False(t, result.WasExecuting)

	stored, err := h.store.GetCommand(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CommandCancelled, stored.Status)
	assert.Equal(t, "changed my mind", stored.FailureReason)

	// The agent is told to cancel regardless of queue state.
	h.router.Tick(ctx)
	assert.Len(t, agent.received(models.TypeCommandCancel), 1)
}

func TestInterruptUnknownCommand(t *testing.T) {
	h := newHarness(nil)

	_, err := h.orch.Interrupt(context.Background(), "user-1", &models.CommandInterruptPayload{
		CommandID: "ghost",
	})
	assert.ErrorIs(t, err, cmdqueue.ErrNotActive)
}

func TestEmergencyStopCancelsEverything(t *testing.T) {
	h := newHarness(nil)
	agent := h.connectAgent(t, "agent-1")
	dash := stubDashboard("dash-1")
	h.reg.Register(dash)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, "user-1", submission("c1", "agent-1"))
	require.NoError(t, err)
	_, err = h.orch.Submit(ctx, "user-1", submission("c2", "agent-1"))
	require.NoError(t, err)
	h.orch.dispatchReady(ctx) // c1 executing, c2 queued

	h.orch.EmergencyStop(ctx, "user-1", "runaway agent")
	h.router.Tick(ctx)

	assert.True(t, h.orch.Stopped())
	for _, id := range []string{"c1", "c2"} {
		stored, err := h.store.GetCommand(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.CommandCancelled, stored.Status, "command %s", id)
	}

	// Both populations hear about it; the payload carries the counts.
	stops := dash.received(models.TypeEmergencyStop)
	require.Len(t, stops, 1)
	var p models.EmergencyStopPayload
	require.NoError(t, json.Unmarshal(stops[0].Payload, &p))
	assert.Equal(t, "user-1", p.TriggeredBy)
	assert.Equal(t, 1, p.AgentsStopped)
	assert.Equal(t, 2, p.CommandsCancelled)
	assert.Len(t, agent.received(models.TypeEmergencyStop), 1)
	assert.Len(t, agent.received(models.TypeAgentControl), 1)

	// Dispatch is disabled until the stop is cleared.
	_, err = h.orch.Submit(ctx, "user-1", submission("c3", "agent-1"))
	require.NoError(t, err)
	h.orch.dispatchReady(ctx)
	assert.Empty(t, h.queues.ForAgent("agent-1").Executing())

	h.orch.ClearEmergencyStop(ctx, "user-1")
	assert.False(t, h.orch.Stopped())
	h.orch.dispatchReady(ctx)
	assert.Equal(t, "c3", h.queues.ForAgent("agent-1").Executing())
}

func TestEmergencyStopCoalesced(t *testing.T) {
	h := newHarness(nil)
	h.connectAgent(t, "agent-1")
	ctx := context.Background()

	h.orch.EmergencyStop(ctx, "user-1", "first")
	h.orch.EmergencyStop(ctx, "user-1", "second")

	var stops int
	for _, e := range h.store.AuditEntries() {
		if e.EventType == "emergency.stop" {
			stops++
		}
	}
	assert.Equal(t, 1, stops, "repeat triggers inside the window are merged")
}

func TestAgentDisconnectRetriesExecutingCommand(t *testing.T) {
	h := newHarness(nil)
	agent := h.connectAgent(t, "agent-1")
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, "user-1", submission("c1", "agent-1"))
	require.NoError(t, err)
	h.orch.dispatchReady(ctx)
	require.Equal(t, "c1", h.queues.ForAgent("agent-1").Executing())

	h.reg.Unregister(agent.ID())

	stored, err := h.store.GetCommand(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CommandQueued, stored.Status, "first attempt failed, command re-queued")

	rec, err := h.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentOffline, rec.Status)
}

func TestSubmitAudited(t *testing.T) {
	h := newHarness(nil)
	h.connectAgent(t, "agent-1")

	_, err := h.orch.Submit(context.Background(), "user-1", submission("c1", "agent-1"))
	require.NoError(t, err)

	var found bool
	for _, e := range h.store.AuditEntries() {
		if e.EventType == "command.submitted" && e.UserID == "user-1" {
			found = true
		}
	}
	assert.True(t, found)
}
