// Package orchestrator glues the control plane together: it accepts
// dashboard command traffic, drives the per-command lifecycle through the
// store, the queues and the router, translates agent acks and outputs into
// dashboard broadcasts, and owns the emergency stop.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/pkg/cmdqueue"
	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/metrics"
	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/agentdeck/agentdeck/pkg/registry"
	"github.com/agentdeck/agentdeck/pkg/router"
	"github.com/agentdeck/agentdeck/pkg/session"
	"github.com/agentdeck/agentdeck/pkg/store"
	"github.com/agentdeck/agentdeck/pkg/trace"
)

// Envelope priorities used by the orchestrator, highest wins.
const (
	prioStream   = 3 // terminal + trace streams (batchable)
	prioStatus   = 5
	prioError    = 6
	prioDispatch = 7 // COMMAND_REQUEST / COMMAND_CANCEL to agents
)

// stopCoalesceWindow merges repeated emergency-stop triggers.
const stopCoalesceWindow = time.Second

// Orchestrator is the command lifecycle state machine. It implements
// session.Handler: the session layer hands it every authenticated
// non-control message.
type Orchestrator struct {
	cfg       *config.Config
	store     store.Store
	reg       *registry.Registry
	router    *router.Router
	queues    *cmdqueue.Manager
	collector *trace.Collector
	log       *slog.Logger

	stopMu   sync.Mutex
	stopped  bool
	lastStop time.Time
}

// New wires an orchestrator. The registry disconnect hook is installed here.
func New(
	cfg *config.Config,
	st store.Store,
	reg *registry.Registry,
	rt *router.Router,
	queues *cmdqueue.Manager,
	collector *trace.Collector,
) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		store:     st,
		reg:       reg,
		router:    rt,
		queues:    queues,
		collector: collector,
		log:       slog.With("component", "orchestrator"),
	}
	reg.OnDisconnect(o.onDisconnect)
	return o
}

// Run drives the dispatcher and consumes the queue and trace event streams.
// Blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Queue.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			o.dispatchReady(ctx)

		case ev := <-o.queues.Events():
			o.onQueueEvent(ev)

		case ev := <-o.collector.Events():
			o.onTraceEvent(ev)
		}
	}
}

// --- session.Handler ---

// HandleConnected runs once per authenticated session.
func (o *Orchestrator) HandleConnected(ctx context.Context, s *session.Session) {
	switch s.Population() {
	case models.PopulationAgent:
		rec := &store.AgentRecord{
			ID:     s.AgentID(),
			UserID: s.Principal().UserID,
			Name:   s.AgentID(),
			Type:   s.AgentType(),
			Status: models.AgentOnline,
		}
		now := time.Now()
		rec.LastPing = &now
		if err := o.store.UpsertAgent(ctx, rec); err != nil {
			o.log.Warn("Failed to persist agent record", "agent_id", s.AgentID(), "error", err)
		}
		o.broadcastAgentStatus(s.AgentID(), s.AgentType(), models.AgentOnline, nil)

	case models.PopulationDashboard:
		// Seed the dashboard with the current agent fleet.
		agents, err := o.store.ListAgents(ctx)
		if err != nil {
			o.log.Warn("Failed to list agents for dashboard seed", "error", err)
			return
		}
		for _, a := range agents {
			payload := models.AgentStatusPayload{
				AgentID:   a.ID,
				AgentType: a.Type,
				Status:    a.Status,
				Activity:  o.activityFor(a.ID),
			}
			o.router.ToConnection(s.ID(), models.TypeAgentStatus, payload, prioStatus)
		}
	}
}

// HandleMessage routes one authenticated inbound message.
func (o *Orchestrator) HandleMessage(ctx context.Context, s *session.Session, msg *models.Message) {
	switch msg.Type {
	// Agent → Server
	case models.TypeAgentHeartbeat:
		o.onAgentHeartbeat(ctx, s, msg)
	case models.TypeCommandAck:
		o.onCommandAck(ctx, s, msg)
	case models.TypeTerminalOutput:
		o.onTerminalOutput(ctx, s, msg)
	case models.TypeTraceEvent:
		o.onTraceIngest(ctx, s, msg)
	case models.TypeCommandComplete:
		o.onCommandComplete(ctx, s, msg)
	case models.TypeAgentError:
		o.onAgentError(s, msg)

	// Dashboard → Server
	case models.TypeCommandSubmit:
		o.onCommandSubmit(ctx, s, msg)
	case models.TypeCommandRequest:
		// Dashboards may label a submission command:request, the same type
		// the server uses when dispatching to agents. Population tells the
		// two apart; from an agent the type carries no meaning.
		if s.Population() != models.PopulationDashboard {
			o.sendError(s, models.CodeInvalidMessage, "unsupported message type", true)
			return
		}
		o.onCommandSubmit(ctx, s, msg)
	case models.TypeCommandInterrupt:
		o.onCommandInterrupt(ctx, s, msg)
	case models.TypeEmergencyStopRequest:
		var p models.EmergencyStopRequestPayload
		_ = json.Unmarshal(msg.Payload, &p)
		o.EmergencyStop(ctx, s.Principal().UserID, p.Reason)
	case models.TypeDashboardInit:
		// Subscription state already applied by the session layer.

	default:
		o.sendError(s, models.CodeInvalidMessage, "unsupported message type", true)
	}
}

// --- command submission (dashboard or REST) ---

// SubmitResult reports the outcome of a submission.
type SubmitResult struct {
	Command  *models.Command
	Position int
	// Duplicate is true when the command id was already known; the
	// existing command is returned untouched.
	Duplicate bool
}

// Sentinel errors surfaced to the API layer.
var (
	ErrAgentNotFound = errors.New("orchestrator: agent not found")
	ErrAgentOffline  = errors.New("orchestrator: agent offline")
	ErrEmptyCommand  = errors.New("orchestrator: command content required")
)

// Submit validates, persists and enqueues one command. Idempotent on
// command id: resubmission returns the existing command and never enqueues
// a second copy.
func (o *Orchestrator) Submit(ctx context.Context, userID string, p *models.CommandSubmitPayload) (*SubmitResult, error) {
	if p.Content == "" || p.AgentID == "" {
		return nil, ErrEmptyCommand
	}

	// Reject before any state is written when the agent cannot take work.
	conn, live := o.reg.ByAgentID(p.AgentID)
	if !live || !o.reg.IsHealthy(conn.ID()) {
		if _, err := o.store.GetAgent(ctx, p.AgentID); errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, ErrAgentOffline
	}

	commandID := p.CommandID
	if commandID == "" {
		commandID = uuid.NewString()
	}

	cmd := &models.Command{
		ID:          commandID,
		UserID:      userID,
		AgentID:     p.AgentID,
		Content:     p.Content,
		CommandType: p.CommandType,
		Priority:    models.ClampCommandPriority(p.Priority),
		Status:      models.CommandPending,
		Constraints: p.Constraints,
		CreatedAt:   time.Now(),
	}

	if err := o.store.CreateCommand(ctx, cmd); err != nil {
		if errors.Is(err, store.ErrConflict) {
			existing, gerr := o.store.GetCommand(ctx, commandID)
			if gerr != nil {
				return nil, gerr
			}
			return &SubmitResult{Command: existing, Duplicate: true}, nil
		}
		return nil, err
	}
	o.broadcastCommandStatus(cmd, 0)

	q := o.queues.ForAgent(p.AgentID)
	if _, err := q.Enqueue(cmd, cmdqueue.EnqueueOptions{
		Priority:    cmd.Priority,
		Constraints: p.Constraints,
	}); err != nil {
		if errors.Is(err, cmdqueue.ErrQueueFull) {
			cmd.Status = models.CommandFailed
			cmd.FailureReason = "queue full"
			o.persistCommand(ctx, cmd)
			o.broadcastCommandStatus(cmd, 0)
			return nil, err
		}
		return nil, err
	}

	o.persistCommand(ctx, cmd)
	position := q.Position(commandID)
	o.broadcastCommandStatus(cmd, position)
	o.audit(ctx, userID, "command.submitted", map[string]any{
		"command_id": commandID, "agent_id": p.AgentID, "priority": cmd.Priority,
	})
	return &SubmitResult{Command: cmd, Position: position}, nil
}

func (o *Orchestrator) onCommandSubmit(ctx context.Context, s *session.Session, msg *models.Message) {
	var p models.CommandSubmitPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		o.sendError(s, models.CodeInvalidMessage, "malformed command submit", true)
		return
	}

	_, err := o.Submit(ctx, s.Principal().UserID, &p)
	switch {
	case err == nil:
	case errors.Is(err, ErrAgentNotFound):
		o.sendError(s, models.CodeAgentNotFound, "no such agent", true)
	case errors.Is(err, ErrAgentOffline):
		o.sendError(s, models.CodeAgentOffline, "agent is offline", true)
	case errors.Is(err, cmdqueue.ErrQueueFull):
		o.sendError(s, models.CodeQueueFull, "agent queue is full", true)
	case errors.Is(err, ErrEmptyCommand):
		o.sendError(s, models.CodeInvalidMessage, "agent_id and content are required", true)
	default:
		o.log.Error("Command submit failed", "error", err)
		o.sendError(s, models.CodeInternal, "internal error", false)
	}
}

// --- interrupt ---

// Interrupt stops a queued or executing command. The graceful path blocks
// up to the grace timeout, so WebSocket callers run it off the read loop.
func (o *Orchestrator) Interrupt(ctx context.Context, userID string, p *models.CommandInterruptPayload) (*cmdqueue.InterruptResult, error) {
	q, ok := o.queues.Lookup(p.CommandID)
	if !ok {
		return nil, cmdqueue.ErrNotActive
	}

	reason := p.Reason
	if reason == "" {
		reason = "interrupted by user"
	}

	// Tell the agent first so a graceful stop can land inside the grace
	// period; the queue-side wait runs regardless.
	cmd, err := o.store.GetCommand(ctx, p.CommandID)
	if err == nil {
		o.router.To(cmd.AgentID, models.TypeCommandCancel, models.CommandCancelPayload{
			CommandID: p.CommandID,
			Reason:    reason,
			Force:     p.Force,
		}, prioDispatch)
	}

	result, err := q.Interrupt(cmdqueue.InterruptRequest{
		CommandID: p.CommandID,
		Reason:    reason,
		Force:     p.Force,
		Timeout:   time.Duration(p.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}

	if result.Command.Status == models.CommandCancelled {
		o.persistCommand(ctx, result.Command)
		o.broadcastCommandStatus(result.Command, 0)
	}
	o.audit(ctx, userID, "command.interrupted", map[string]any{
		"command_id": p.CommandID, "forced": result.Forced, "reason": result.Reason,
	})
	return result, nil
}

func (o *Orchestrator) onCommandInterrupt(ctx context.Context, s *session.Session, msg *models.Message) {
	var p models.CommandInterruptPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.CommandID == "" {
		o.sendError(s, models.CodeInvalidMessage, "malformed interrupt", true)
		return
	}

	userID := s.Principal().UserID
	// The graceful wait must not stall this dashboard's read loop.
	go func() {
		if _, err := o.Interrupt(context.WithoutCancel(ctx), userID, &p); err != nil {
			if errors.Is(err, cmdqueue.ErrNotActive) {
				o.sendError(s, models.CodeNotActive, "command is not active", true)
				return
			}
			o.log.Error("Interrupt failed", "command_id", p.CommandID, "error", err)
			o.sendError(s, models.CodeInternal, "internal error", false)
		}
	}()
}

// --- emergency stop ---

// EmergencyStop force-cancels every live command, tells every agent to stop
// and broadcasts EMERGENCY_STOP to both populations. Repeated triggers
// within the coalesce window are merged into one.
func (o *Orchestrator) EmergencyStop(ctx context.Context, userID, reason string) {
	o.stopMu.Lock()
	if time.Since(o.lastStop) < stopCoalesceWindow {
		o.stopMu.Unlock()
		return
	}
	o.lastStop = time.Now()
	o.stopped = true
	o.stopMu.Unlock()

	if reason == "" {
		reason = "emergency stop"
	}

	o.queues.PauseAll()
	cancelled := o.queues.CancelAll(reason)

	var commandsCancelled int
	for _, ids := range cancelled {
		commandsCancelled += len(ids)
		for _, id := range ids {
			if cmd, err := o.store.GetCommand(ctx, id); err == nil {
				cmd.Status = models.CommandCancelled
				cmd.FailureReason = reason
				now := time.Now()
				cmd.CompletedAt = &now
				o.persistCommand(ctx, cmd)
				o.broadcastCommandStatus(cmd, 0)
			}
		}
	}

	agentsStopped := o.reg.Count(models.PopulationAgent)
	o.router.ToAllAgents(models.TypeAgentControl, models.AgentControlPayload{
		Action: models.ControlStop,
		Reason: reason,
	}, models.MaxEnvelopePriority)

	o.router.EmergencyBroadcast(models.TypeEmergencyStop, models.EmergencyStopPayload{
		TriggeredBy:       userID,
		Reason:            reason,
		AgentsStopped:     agentsStopped,
		CommandsCancelled: commandsCancelled,
	})

	metrics.EmergencyStops.Inc()
	o.audit(ctx, userID, "emergency.stop", map[string]any{
		"reason": reason, "agents_stopped": agentsStopped, "commands_cancelled": commandsCancelled,
	})
	o.log.Warn("Emergency stop executed",
		"triggered_by", userID, "agents", agentsStopped, "commands", commandsCancelled)
}

// ClearEmergencyStop re-enables dispatch after an emergency stop.
func (o *Orchestrator) ClearEmergencyStop(ctx context.Context, userID string) {
	o.stopMu.Lock()
	o.stopped = false
	o.stopMu.Unlock()

	o.queues.ResumeAll()
	o.audit(ctx, userID, "emergency.cleared", nil)
	o.log.Info("Emergency stop cleared", "by", userID)
}

// Stopped reports whether dispatch is disabled by an emergency stop.
func (o *Orchestrator) Stopped() bool {
	o.stopMu.Lock()
	defer o.stopMu.Unlock()
	return o.stopped
}

// --- dispatcher ---

// dispatchReady hands the highest-priority ready command to each idle,
// healthy agent.
func (o *Orchestrator) dispatchReady(ctx context.Context) {
	if o.Stopped() {
		return
	}

	for _, agentID := range o.queues.AgentIDs() {
		conn, ok := o.reg.ByAgentID(agentID)
		if !ok || !o.reg.IsHealthy(conn.ID()) {
			continue
		}

		q := o.queues.ForAgent(agentID)
		job := q.Dispatch()
		if job == nil {
			continue
		}
		cmd := job.Command

		o.persistCommand(ctx, cmd)
		o.router.To(agentID, models.TypeCommandRequest, models.CommandRequestPayload{
			CommandID:   cmd.ID,
			Content:     cmd.Content,
			CommandType: cmd.CommandType,
			Priority:    cmd.Priority,
			Constraints: cmd.Constraints,
		}, prioDispatch)
		o.broadcastCommandStatus(cmd, 0)
		o.broadcastAgentStatus(agentID, conn.AgentType(), models.AgentOnline, nil)

		if cmd.Constraints != nil && cmd.Constraints.TimeLimitMs > 0 {
			o.armTimeLimit(cmd.ID, agentID, time.Duration(cmd.Constraints.TimeLimitMs)*time.Millisecond)
		}
	}
}

// armTimeLimit force-interrupts a command that outlives its wall-clock
// budget.
func (o *Orchestrator) armTimeLimit(commandID, agentID string, limit time.Duration) {
	time.AfterFunc(limit, func() {
		q := o.queues.ForAgent(agentID)
		if q.Executing() != commandID {
			return
		}
		ctx := context.Background()
		if _, err := o.Interrupt(ctx, "system", &models.CommandInterruptPayload{
			CommandID: commandID,
			Reason:    "time limit exceeded",
			Force:     true,
		}); err != nil && !errors.Is(err, cmdqueue.ErrNotActive) {
			o.log.Warn("Time limit interrupt failed", "command_id", commandID, "error", err)
		}
	})
}

// --- agent traffic ---

func (o *Orchestrator) onAgentHeartbeat(ctx context.Context, s *session.Session, msg *models.Message) {
	var p models.AgentHeartbeatPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		o.sendError(s, models.CodeInvalidMessage, "malformed heartbeat", true)
		return
	}
	if err := o.store.SetAgentStatus(ctx, s.AgentID(), models.AgentOnline, time.Now()); err != nil {
		o.log.Debug("Heartbeat status update failed", "agent_id", s.AgentID(), "error", err)
	}
	o.broadcastAgentStatus(s.AgentID(), s.AgentType(), models.AgentOnline, &p.Health)
}

func (o *Orchestrator) onCommandAck(ctx context.Context, s *session.Session, msg *models.Message) {
	var p models.CommandAckPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		o.sendError(s, models.CodeInvalidMessage, "malformed ack", true)
		return
	}
	o.applyCommandAck(ctx, s.AgentID(), &p)
}

// applyCommandAck records the agent-side acknowledgement state and relays it
// to subscribed dashboards. A "queued" or "executing" ack moves the stored
// command to the matching lifecycle state; "received" only reports progress.
// Acks arriving after the command settled are dropped.
func (o *Orchestrator) applyCommandAck(ctx context.Context, agentID string, p *models.CommandAckPayload) {
	cmd, err := o.store.GetCommand(ctx, p.CommandID)
	if err != nil {
		o.log.Debug("Ack for unknown command", "command_id", p.CommandID, "agent_id", agentID)
		return
	}
	if cmd.Status.IsTerminal() {
		return
	}

	status := cmd.Status
	switch p.Status {
	case models.AckQueued:
		status = models.CommandQueued
	case models.AckExecuting:
		status = models.CommandExecuting
	}
	cmd.Status = status
	if p.QueuePosition > 0 {
		cmd.QueuePosition = p.QueuePosition
	}
	o.persistCommand(ctx, cmd)

	o.router.ToDashboards(models.TypeCommandStatus, models.CommandStatusPayload{
		CommandID:     p.CommandID,
		AgentID:       agentID,
		Status:        status,
		QueuePosition: p.QueuePosition,
		Progress:      string(p.Status),
	}, prioStatus, o.subscribedTo(agentID))
}

func (o *Orchestrator) onTerminalOutput(ctx context.Context, s *session.Session, msg *models.Message) {
	var p models.TerminalOutputPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		o.sendError(s, models.CodeInvalidMessage, "malformed terminal output", true)
		return
	}

	if err := o.store.AppendTerminalOutput(ctx, &store.TerminalOutput{
		CommandID: p.CommandID,
		AgentID:   s.AgentID(),
		Stream:    p.Stream,
		Content:   p.Content,
		Timestamp: time.Now(),
	}); err != nil {
		o.log.Warn("Failed to persist terminal output", "command_id", p.CommandID, "error", err)
	}

	o.router.ToDashboards(models.TypeTerminalStream, models.TerminalStreamPayload{
		CommandID: p.CommandID,
		AgentID:   s.AgentID(),
		Stream:    p.Stream,
		Content:   p.Content,
		AnsiCodes: p.AnsiCodes,
		Sequence:  p.Sequence,
	}, prioStream, o.subscribedTo(s.AgentID()))
}

func (o *Orchestrator) onTraceIngest(ctx context.Context, s *session.Session, msg *models.Message) {
	var p models.TraceEventPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.TraceID == "" {
		o.sendError(s, models.CodeInvalidMessage, "malformed trace event", true)
		return
	}

	commandID := o.queues.ForAgent(s.AgentID()).Executing()
	if commandID == "" {
		o.log.Debug("Trace event with no executing command", "agent_id", s.AgentID())
		return
	}
	if err := o.collector.Ingest(ctx, s.AgentID(), commandID, &p); err != nil {
		o.log.Warn("Trace ingest rejected",
			"agent_id", s.AgentID(), "trace_id", p.TraceID, "error", err)
	}
}

func (o *Orchestrator) onCommandComplete(ctx context.Context, s *session.Session, msg *models.Message) {
	var p models.CommandCompletePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		o.sendError(s, models.CodeInvalidMessage, "malformed completion", true)
		return
	}

	q := o.queues.ForAgent(s.AgentID())
	success := p.Status == string(models.CommandCompleted) && p.Error == ""
	outcome, err := q.Complete(p.CommandID, success, p.Error)
	if err != nil {
		// Late completion for an already-settled command; dropped.
		o.log.Debug("Ignoring completion for inactive command",
			"command_id", p.CommandID, "agent_id", s.AgentID())
		return
	}
	if outcome.Status == models.CommandCancelled {
		// A pending graceful interrupt consumed the failed attempt; the
		// interrupt path persists and broadcasts the cancellation.
		return
	}

	cmd, gerr := o.store.GetCommand(ctx, p.CommandID)
	if gerr != nil {
		o.log.Warn("Completed command missing from store", "command_id", p.CommandID)
		return
	}

	cmd.Status = outcome.Status
	switch outcome.Status {
	case models.CommandCompleted:
		now := time.Now()
		cmd.CompletedAt = &now
		o.persistCommand(ctx, cmd)
		exitCode := p.ExitCode
		o.router.ToDashboards(models.TypeCommandStatus, models.CommandStatusPayload{
			CommandID: cmd.ID,
			AgentID:   cmd.AgentID,
			Status:    models.CommandCompleted,
			ExitCode:  &exitCode,
		}, prioStatus, o.subscribedTo(cmd.AgentID))

	case models.CommandQueued: // retried
		cmd.AttemptCount++
		cmd.StartedAt = nil
		o.persistCommand(ctx, cmd)
		o.broadcastCommandStatus(cmd, 0)

	case models.CommandFailed:
		now := time.Now()
		cmd.CompletedAt = &now
		cmd.FailureReason = p.Error
		o.persistCommand(ctx, cmd)
		o.broadcastCommandStatus(cmd, 0)
	}
}

func (o *Orchestrator) onAgentError(s *session.Session, msg *models.Message) {
	var p models.AgentErrorPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	o.log.Warn("Agent reported error",
		"agent_id", s.AgentID(), "error_type", p.ErrorType, "recoverable", p.Recoverable)
	status := models.AgentOnline
	if !p.Recoverable {
		status = models.AgentErrored
	}
	o.broadcastAgentStatus(s.AgentID(), s.AgentType(), status, nil)
}

// --- event streams ---

func (o *Orchestrator) onQueueEvent(ev cmdqueue.Event) {
	switch ev.Kind {
	case cmdqueue.EventPositions:
		snap := ev.Snapshot
		queued := make([]string, len(snap.Queued))
		for i, qc := range snap.Queued {
			queued[i] = qc.CommandID
		}
		o.router.ToDashboards(models.TypeQueueUpdate, models.QueueUpdatePayload{
			AgentID:   snap.AgentID,
			QueueSize: snap.QueueSize,
			Executing: snap.Executing,
			Queued:    queued,
		}, prioStatus, o.subscribedTo(snap.AgentID))

	case cmdqueue.EventQueueFull:
		o.log.Warn("Queue full rejection",
			"agent_id", ev.AgentID, "command_id", ev.CommandID)
	}
}

func (o *Orchestrator) onTraceEvent(ev trace.Event) {
	switch ev.Kind {
	case trace.EventAdded:
		o.router.ToDashboards(models.TypeTraceStream, ev.Entry, prioStream,
			o.subscribedTo(ev.AgentID))
	case trace.EventCommandCompleted:
		o.router.ToDashboards(models.TypeTraceComplete, ev.Aggregation, prioStatus,
			o.subscribedTo(ev.AgentID))
	}
}

// --- disconnect handling ---

// onDisconnect marks departing agents offline and retries their in-flight
// command.
func (o *Orchestrator) onDisconnect(_ string, pop models.Population, agentID string) {
	if pop != models.PopulationAgent || agentID == "" {
		return
	}
	// A preempting session may have re-registered the id already.
	if _, stillLive := o.reg.ByAgentID(agentID); stillLive {
		return
	}

	ctx := context.Background()
	if err := o.store.SetAgentStatus(ctx, agentID, models.AgentOffline, time.Now()); err != nil {
		o.log.Debug("Offline status update failed", "agent_id", agentID, "error", err)
	}
	o.broadcastAgentStatus(agentID, "", models.AgentOffline, nil)

	q := o.queues.ForAgent(agentID)
	if executing := q.Executing(); executing != "" {
		outcome, err := q.Complete(executing, false, "agent disconnected")
		if err != nil {
			return
		}
		if cmd, gerr := o.store.GetCommand(ctx, executing); gerr == nil {
			cmd.Status = outcome.Status
			if outcome.Status == models.CommandFailed {
				cmd.FailureReason = "agent disconnected"
				now := time.Now()
				cmd.CompletedAt = &now
			}
			o.persistCommand(ctx, cmd)
			o.broadcastCommandStatus(cmd, 0)
		}
	}
}

// --- helpers ---

// subscribedTo builds the router filter implementing dashboard
// subscriptions: only connections that opted into this agent's events
// receive the fan-out.
func (o *Orchestrator) subscribedTo(agentID string) router.Filter {
	return func(c registry.Conn) bool {
		type subscriber interface{ SubscribedTo(string) bool }
		if s, ok := c.(subscriber); ok {
			return s.SubscribedTo(agentID)
		}
		return true
	}
}

func (o *Orchestrator) activityFor(agentID string) models.AgentActivity {
	q := o.queues.ForAgent(agentID)
	switch {
	case q.Executing() != "":
		return models.ActivityProcessing
	case q.Size() > 0:
		return models.ActivityQueued
	}
	return models.ActivityIdle
}

func (o *Orchestrator) broadcastAgentStatus(agentID string, agentType models.AgentType, status models.AgentStatus, health *models.AgentHealth) {
	q := o.queues.ForAgent(agentID)
	o.router.ToDashboards(models.TypeAgentStatus, models.AgentStatusPayload{
		AgentID:        agentID,
		AgentType:      agentType,
		Status:         status,
		Activity:       o.activityFor(agentID),
		Health:         health,
		CurrentCommand: q.Executing(),
		QueuedCommands: q.Size(),
	}, prioStatus, o.subscribedTo(agentID))
}

func (o *Orchestrator) broadcastCommandStatus(cmd *models.Command, position int) {
	o.router.ToDashboards(models.TypeCommandStatus, models.CommandStatusPayload{
		CommandID:     cmd.ID,
		AgentID:       cmd.AgentID,
		Status:        cmd.Status,
		QueuePosition: position,
		FailureReason: cmd.FailureReason,
	}, prioStatus, o.subscribedTo(cmd.AgentID))
}

func (o *Orchestrator) persistCommand(ctx context.Context, cmd *models.Command) {
	if err := o.store.UpdateCommand(ctx, cmd); err != nil {
		o.log.Warn("Failed to persist command", "command_id", cmd.ID, "error", err)
	}
}

func (o *Orchestrator) audit(ctx context.Context, userID, eventType string, data map[string]any) {
	if err := o.store.AppendAudit(ctx, &store.AuditEntry{
		UserID:    userID,
		EventType: eventType,
		EventData: data,
		CreatedAt: time.Now(),
	}); err != nil {
		o.log.Warn("Audit write failed", "event_type", eventType, "error", err)
	}
}

func (o *Orchestrator) sendError(s *session.Session, code, message string, recoverable bool) {
	o.router.ToConnection(s.ID(), models.TypeError, models.ErrorPayload{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
	}, prioError)
}
