// Package cmdqueue holds the per-agent priority command queues. Each queue
// enforces the max-size cap, 1-based position tracking among ready commands,
// interrupt-with-timeout semantics and the retry/backoff failure model; a
// Manager owns one queue per agent and the event channel to the orchestrator.
package cmdqueue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/metrics"
	"github.com/agentdeck/agentdeck/pkg/models"
)

// Sentinel errors.
var (
	// ErrQueueFull marks an enqueue rejected by the max-size cap.
	ErrQueueFull = errors.New("cmdqueue: queue full")

	// ErrNotActive marks an operation on a command that is neither queued
	// nor executing.
	ErrNotActive = errors.New("cmdqueue: command not active")
)

// EventKind discriminates queue events.
type EventKind int

// Queue event kinds.
const (
	// EventPositions fires whenever the ready set changes.
	EventPositions EventKind = iota

	// EventQueueFull fires when an enqueue is rejected by the cap.
	EventQueueFull
)

// Event is one entry on the Manager's event channel (consumed by the
// orchestrator, which translates snapshots into QUEUE_UPDATE broadcasts).
type Event struct {
	Kind      EventKind
	AgentID   string
	CommandID string // rejected command for EventQueueFull
	Snapshot  *Snapshot
}

// QueuedCommand is one waiting command in a snapshot.
type QueuedCommand struct {
	CommandID string `json:"command_id"`
	Position  int    `json:"position"`
	Priority  int    `json:"priority"`
}

// Snapshot is the externally visible state of one agent's queue.
type Snapshot struct {
	AgentID   string          `json:"agent_id"`
	QueueSize int             `json:"queue_size"`
	Executing string          `json:"executing,omitempty"`
	Queued    []QueuedCommand `json:"queued,omitempty"`
}

// EnqueueOptions tune one enqueue.
type EnqueueOptions struct {
	Priority    int
	Delay       time.Duration
	Constraints *models.CommandConstraints
}

// Job is a command while it is owned by a queue.
type Job struct {
	Command     *models.Command
	EnqueuedAt  time.Time
	ScheduledAt time.Time // ready when <= now
	StartedAt   time.Time // set on dispatch

	// interruptReason marks a graceful interrupt in flight. Guarded by the
	// owning queue's lock.
	interruptReason string

	// done closes when the job leaves the queue (any terminal outcome).
	// Graceful interrupts wait on it.
	done chan struct{}
}

// InterruptRequest asks for a command to be stopped.
type InterruptRequest struct {
	CommandID string
	Reason    string
	Force     bool
	Timeout   time.Duration // graceful grace period; default from config
}

// InterruptResult reports how an interrupt resolved.
type InterruptResult struct {
	Command      *models.Command
	WasExecuting bool
	Forced       bool
	Reason       string
}

// Outcome reports how a completion was applied.
type Outcome struct {
	// Status is the command's state after the completion: completed,
	// failed, queued when the failure was retried, or cancelled when a
	// pending graceful interrupt consumed the failed attempt.
	Status models.CommandStatus

	// Retried is true when a failed attempt was re-enqueued.
	Retried bool

	// NextAttemptAt is when the retried command becomes ready.
	NextAttemptAt time.Time
}

// Metrics is the queue's metrics snapshot.
type Metrics struct {
	Queued            int     `json:"queued"`
	Executing         int     `json:"executing"`
	Completed         int     `json:"completed"`
	Failed            int     `json:"failed"`
	Cancelled         int     `json:"cancelled"`
	AvgWaitMs         float64 `json:"avg_wait_ms"`
	AvgProcessingMs   float64 `json:"avg_processing_ms"`
	ThroughputPerHour float64 `json:"throughput_per_hour"`
}

// throughputWindow is how many recent completions feed the throughput figure.
const throughputWindow = 100

// record is one finished job kept for metrics and audit.
type record struct {
	command      *models.Command
	waitTime     time.Duration
	processTime  time.Duration
	finishedAt   time.Time
}

// Queue is the priority command queue for one agent. All state is guarded by
// mu; the graceful-interrupt wait is the only operation that blocks, and it
// waits outside the lock.
type Queue struct {
	agentID string
	cfg     *config.QueueConfig
	emit    func(Event)
	log     *slog.Logger

	mu        sync.Mutex
	jobs      map[string]*Job // queued jobs by command id
	executing *Job
	paused    bool

	completed []*record // ring, newest last, cap CompletedHistory
	failed    []*record // ring, newest last, cap FailedHistory
	cancelled int

	finishTimes []time.Time // last throughputWindow terminal outcomes
}

func newQueue(agentID string, cfg *config.QueueConfig, emit func(Event)) *Queue {
	return &Queue{
		agentID: agentID,
		cfg:     cfg,
		emit:    emit,
		log:     slog.With("component", "cmdqueue", "agent_id", agentID),
		jobs:    make(map[string]*Job),
	}
}

// Enqueue adds a command to the queue. Idempotent on command id: re-enqueue
// of a known id returns the existing job so client retries never duplicate.
// Rejections by the cap return ErrQueueFull and emit EventQueueFull.
func (q *Queue) Enqueue(cmd *models.Command, opts EnqueueOptions) (*Job, error) {
	now := time.Now()

	q.mu.Lock()
	if existing, ok := q.jobs[cmd.ID]; ok {
		q.mu.Unlock()
		return existing, nil
	}
	if q.executing != nil && q.executing.Command.ID == cmd.ID {
		j := q.executing
		q.mu.Unlock()
		return j, nil
	}
	if len(q.jobs) >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		q.emit(Event{Kind: EventQueueFull, AgentID: q.agentID, CommandID: cmd.ID})
		return nil, ErrQueueFull
	}

	cmd.Priority = models.ClampCommandPriority(opts.Priority)
	if opts.Constraints != nil {
		cmd.Constraints = opts.Constraints
	}
	if cmd.MaxAttempts <= 0 {
		cmd.MaxAttempts = q.cfg.MaxAttempts
	}
	if cmd.Constraints != nil && cmd.Constraints.MaxRetries > 0 {
		cmd.MaxAttempts = cmd.Constraints.MaxRetries + 1
	}
	cmd.Status = models.CommandQueued
	queuedAt := now
	cmd.QueuedAt = &queuedAt

	job := &Job{
		Command:     cmd,
		EnqueuedAt:  now,
		ScheduledAt: now.Add(opts.Delay),
		done:        make(chan struct{}),
	}
	q.jobs[cmd.ID] = job
	size := len(q.jobs)
	q.mu.Unlock()

	metrics.CommandQueueSize.WithLabelValues(q.agentID).Set(float64(size))
	q.emitPositions()
	return job, nil
}

// Position returns the 1-based position of a command among ready commands,
// or 0 when the command is not waiting.
func (q *Queue) Position(commandID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, qc := range q.readyLocked(time.Now()) {
		if qc.CommandID == commandID {
			return qc.Position
		}
	}
	return 0
}

// Remove takes a queued command out of the queue. Returns false when the
// command is not queued. Positions of waiting siblings are recomputed.
func (q *Queue) Remove(commandID string) bool {
	q.mu.Lock()
	job, ok := q.jobs[commandID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.jobs, commandID)
	size := len(q.jobs)
	close(job.done)
	q.mu.Unlock()

	metrics.CommandQueueSize.WithLabelValues(q.agentID).Set(float64(size))
	q.emitPositions()
	return true
}

// Dispatch pops the highest-priority ready command and marks it executing.
// Returns nil when the queue is paused, an execution is in flight, or
// nothing is ready. Ties break by earliest creation time.
func (q *Queue) Dispatch() *Job {
	now := time.Now()

	q.mu.Lock()
	if q.paused || q.executing != nil {
		q.mu.Unlock()
		return nil
	}

	var best *Job
	for _, job := range q.jobs {
		if job.ScheduledAt.After(now) {
			continue
		}
		if best == nil ||
			job.Command.Priority > best.Command.Priority ||
			(job.Command.Priority == best.Command.Priority &&
				job.Command.CreatedAt.Before(best.Command.CreatedAt)) {
			best = job
		}
	}
	if best == nil {
		q.mu.Unlock()
		return nil
	}

	delete(q.jobs, best.Command.ID)
	q.executing = best
	best.StartedAt = now
	startedAt := now
	best.Command.Status = models.CommandExecuting
	best.Command.StartedAt = &startedAt
	best.Command.AttemptCount++
	best.Command.QueuePosition = 0
	size := len(q.jobs)
	q.mu.Unlock()

	metrics.CommandQueueSize.WithLabelValues(q.agentID).Set(float64(size))
	q.emitPositions()
	return best
}

// Complete applies the terminal report for the executing command. A failed
// attempt with retries left is re-enqueued with exponential backoff; the
// command goes back to Queued and Outcome.Retried is set. A failed attempt
// with a graceful interrupt pending is never retried: the command settles as
// Cancelled and the waiting Interrupt call is released. Reports for
// commands no longer executing return ErrNotActive (late completions after
// a forced interrupt land here and are ignored by the caller).
func (q *Queue) Complete(commandID string, success bool, failureReason string) (Outcome, error) {
	now := time.Now()

	q.mu.Lock()
	if q.executing == nil || q.executing.Command.ID != commandID {
		q.mu.Unlock()
		return Outcome{}, ErrNotActive
	}
	job := q.executing
	q.executing = nil
	cmd := job.Command

	if success {
		cmd.Status = models.CommandCompleted
		completedAt := now
		cmd.CompletedAt = &completedAt
		q.recordLocked(job, now, &q.completed, q.cfg.CompletedHistory)
		close(job.done)
		q.mu.Unlock()

		metrics.CommandsCompleted.WithLabelValues(string(models.CommandCompleted)).Inc()
		q.emitPositions()
		return Outcome{Status: models.CommandCompleted}, nil
	}

	if job.interruptReason != "" {
		// The interrupt wins over the retry: re-enqueueing here would strand
		// the waiting Interrupt call and re-dispatch a command the user
		// already asked to stop.
		q.cancelLocked(job, job.interruptReason, now)
		q.mu.Unlock()

		q.emitPositions()
		return Outcome{Status: models.CommandCancelled}, nil
	}

	if cmd.AttemptCount < cmd.MaxAttempts {
		// Back off exponentially on the attempt count: base * 2^(n-1).
		delay := q.cfg.RetryBackoffBase << (cmd.AttemptCount - 1)
		cmd.Status = models.CommandQueued
		cmd.StartedAt = nil
		job.ScheduledAt = now.Add(delay)
		job.StartedAt = time.Time{}
		q.jobs[cmd.ID] = job
		size := len(q.jobs)
		q.mu.Unlock()

		metrics.CommandQueueSize.WithLabelValues(q.agentID).Set(float64(size))
		q.log.Info("Command attempt failed, re-enqueued",
			"command_id", cmd.ID, "attempt", cmd.AttemptCount, "backoff", delay)
		q.emitPositions()
		return Outcome{Status: models.CommandQueued, Retried: true, NextAttemptAt: now.Add(delay)}, nil
	}

	cmd.Status = models.CommandFailed
	cmd.FailureReason = failureReason
	completedAt := now
	cmd.CompletedAt = &completedAt
	q.recordLocked(job, now, &q.failed, q.cfg.FailedHistory)
	close(job.done)
	q.mu.Unlock()

	metrics.CommandsCompleted.WithLabelValues(string(models.CommandFailed)).Inc()
	q.emitPositions()
	return Outcome{Status: models.CommandFailed}, nil
}

// Interrupt stops a command. Queued commands are removed immediately.
// Executing commands get a grace period unless Force is set: the interrupt
// marker is placed and the call waits for completion up to Timeout, after
// which the job is force-removed and the reason suffixed.
func (q *Queue) Interrupt(req InterruptRequest) (*InterruptResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = q.cfg.InterruptTimeout
	}

	q.mu.Lock()
	if job, ok := q.jobs[req.CommandID]; ok {
		delete(q.jobs, req.CommandID)
		q.cancelLocked(job, req.Reason, time.Now())
		size := len(q.jobs)
		q.mu.Unlock()

		metrics.CommandQueueSize.WithLabelValues(q.agentID).Set(float64(size))
		q.emitPositions()
		return &InterruptResult{Command: job.Command, Reason: req.Reason}, nil
	}

	if q.executing == nil || q.executing.Command.ID != req.CommandID {
		q.mu.Unlock()
		return nil, ErrNotActive
	}
	job := q.executing

	if req.Force {
		q.executing = nil
		q.cancelLocked(job, req.Reason, time.Now())
		q.mu.Unlock()

		q.emitPositions()
		return &InterruptResult{Command: job.Command, WasExecuting: true, Forced: true, Reason: req.Reason}, nil
	}

	job.interruptReason = req.Reason
	done := job.done
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		// Completed within the grace period; Complete already settled it.
		return &InterruptResult{Command: job.Command, WasExecuting: true, Reason: req.Reason}, nil
	case <-timer.C:
	}

	reason := req.Reason + " (forced after timeout)"
	q.mu.Lock()
	if q.executing != job {
		// Completed between the timeout and reacquiring the lock.
		q.mu.Unlock()
		return &InterruptResult{Command: job.Command, WasExecuting: true, Reason: req.Reason}, nil
	}
	q.executing = nil
	q.cancelLocked(job, reason, time.Now())
	q.mu.Unlock()

	q.emitPositions()
	return &InterruptResult{Command: job.Command, WasExecuting: true, Forced: true, Reason: reason}, nil
}

// cancelLocked settles a job as Cancelled. Caller holds q.mu.
func (q *Queue) cancelLocked(job *Job, reason string, now time.Time) {
	job.Command.Status = models.CommandCancelled
	job.Command.FailureReason = reason
	completedAt := now
	job.Command.CompletedAt = &completedAt
	q.cancelled++
	q.finishTimes = appendBounded(q.finishTimes, now, throughputWindow)
	close(job.done)
	metrics.CommandsCompleted.WithLabelValues(string(models.CommandCancelled)).Inc()
}

// recordLocked files a finished job in a history ring. Caller holds q.mu.
func (q *Queue) recordLocked(job *Job, now time.Time, ring *[]*record, limit int) {
	rec := &record{
		command:     job.Command,
		waitTime:    job.StartedAt.Sub(job.EnqueuedAt),
		processTime: now.Sub(job.StartedAt),
		finishedAt:  now,
	}
	*ring = append(*ring, rec)
	if len(*ring) > limit {
		*ring = (*ring)[len(*ring)-limit:]
	}
	q.finishTimes = appendBounded(q.finishTimes, now, throughputWindow)
}

// Pause stops dispatch; queued commands stay put.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables dispatch.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

// Executing returns the command id currently executing, if any.
func (q *Queue) Executing() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.executing == nil {
		return ""
	}
	return q.executing.Command.ID
}

// InterruptMarker returns the pending graceful-interrupt reason for the
// executing command, if one was placed.
func (q *Queue) InterruptMarker(commandID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.executing == nil || q.executing.Command.ID != commandID {
		return "", false
	}
	return q.executing.interruptReason, q.executing.interruptReason != ""
}

// Size returns the number of queued (not executing) commands.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Snapshot returns the externally visible queue state.
func (q *Queue) Snapshot() *Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked(time.Now())
}

func (q *Queue) snapshotLocked(now time.Time) *Snapshot {
	s := &Snapshot{
		AgentID:   q.agentID,
		QueueSize: len(q.jobs),
		Queued:    q.readyLocked(now),
	}
	if q.executing != nil {
		s.Executing = q.executing.Command.ID
	}
	return s
}

// readyLocked returns the ready set ordered by priority desc, createdAt asc,
// with 1-based positions assigned. Caller holds q.mu.
func (q *Queue) readyLocked(now time.Time) []QueuedCommand {
	ready := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if !job.ScheduledAt.After(now) {
			ready = append(ready, job)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i].Command, ready[j].Command
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	out := make([]QueuedCommand, len(ready))
	for i, job := range ready {
		job.Command.QueuePosition = i + 1
		out[i] = QueuedCommand{
			CommandID: job.Command.ID,
			Position:  i + 1,
			Priority:  job.Command.Priority,
		}
	}
	return out
}

// Metrics computes the queue's metrics snapshot. Averages come from the
// retained history; throughput from the last hundred terminal outcomes.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := Metrics{
		Queued:    len(q.jobs),
		Completed: len(q.completed),
		Failed:    len(q.failed),
		Cancelled: q.cancelled,
	}
	if q.executing != nil {
		m.Executing = 1
	}

	var wait, proc time.Duration
	n := 0
	for _, ring := range [][]*record{q.completed, q.failed} {
		for _, rec := range ring {
			wait += rec.waitTime
			proc += rec.processTime
			n++
		}
	}
	if n > 0 {
		m.AvgWaitMs = float64(wait.Milliseconds()) / float64(n)
		m.AvgProcessingMs = float64(proc.Milliseconds()) / float64(n)
	}

	if len(q.finishTimes) >= 2 {
		span := q.finishTimes[len(q.finishTimes)-1].Sub(q.finishTimes[0])
		if span > 0 {
			m.ThroughputPerHour = float64(len(q.finishTimes)-1) / span.Hours()
		}
	}
	return m
}

// emitPositions publishes a fresh snapshot on the manager event channel.
func (q *Queue) emitPositions() {
	q.mu.Lock()
	snap := q.snapshotLocked(time.Now())
	q.mu.Unlock()
	q.emit(Event{Kind: EventPositions, AgentID: q.agentID, Snapshot: snap})
}

// drainForShutdown cancels everything still queued or executing.
// Returns the cancelled command ids.
func (q *Queue) drainForShutdown(reason string) []string {
	now := time.Now()

	q.mu.Lock()
	var ids []string
	for id, job := range q.jobs {
		delete(q.jobs, id)
		q.cancelLocked(job, reason, now)
		ids = append(ids, id)
	}
	if q.executing != nil {
		job := q.executing
		q.executing = nil
		q.cancelLocked(job, reason, now)
		ids = append(ids, job.Command.ID)
	}
	q.mu.Unlock()

	metrics.CommandQueueSize.WithLabelValues(q.agentID).Set(0)
	return ids
}

func appendBounded(times []time.Time, t time.Time, limit int) []time.Time {
	times = append(times, t)
	if len(times) > limit {
		times = times[len(times)-limit:]
	}
	return times
}

// Manager owns one queue per agent and the event channel consumed by the
// orchestrator. The channel is bounded; snapshots for slow consumers are
// dropped (the next change re-publishes fresh state).
type Manager struct {
	cfg *config.QueueConfig
	log *slog.Logger

	mu     sync.RWMutex
	queues map[string]*Queue

	events chan Event
}

// eventBuffer bounds the manager event channel.
const eventBuffer = 256

// NewManager creates an empty queue manager.
func NewManager(cfg *config.QueueConfig) *Manager {
	return &Manager{
		cfg:    cfg,
		log:    slog.With("component", "cmdqueue"),
		queues: make(map[string]*Queue),
		events: make(chan Event, eventBuffer),
	}
}

// Events is the queue event stream: position snapshots and queue-full
// rejections. Single consumer (the orchestrator).
func (m *Manager) Events() <-chan Event {
	return m.events
}

// ForAgent returns the queue for an agent, creating it on first use.
func (m *Manager) ForAgent(agentID string) *Queue {
	m.mu.RLock()
	q, ok := m.queues[agentID]
	m.mu.RUnlock()
	if ok {
		return q
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok = m.queues[agentID]; ok {
		return q
	}
	q = newQueue(agentID, m.cfg, m.emit)
	m.queues[agentID] = q
	return q
}

// Lookup returns the queue holding the given command, if any.
func (m *Manager) Lookup(commandID string) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.queues {
		q.mu.Lock()
		_, queued := q.jobs[commandID]
		executing := q.executing != nil && q.executing.Command.ID == commandID
		q.mu.Unlock()
		if queued || executing {
			return q, true
		}
	}
	return nil, false
}

// AgentIDs returns the agents with a queue.
func (m *Manager) AgentIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	return ids
}

// PauseAll stops dispatch on every queue (emergency stop).
func (m *Manager) PauseAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.queues {
		q.Pause()
	}
}

// ResumeAll re-enables dispatch on every queue.
func (m *Manager) ResumeAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.queues {
		q.Resume()
	}
}

// CancelAll force-cancels every live command on every queue and returns the
// cancelled commands grouped by agent. Used by emergency stop and shutdown.
func (m *Manager) CancelAll(reason string) map[string][]string {
	m.mu.RLock()
	queues := make(map[string]*Queue, len(m.queues))
	for id, q := range m.queues {
		queues[id] = q
	}
	m.mu.RUnlock()

	out := make(map[string][]string)
	for agentID, q := range queues {
		if ids := q.drainForShutdown(reason); len(ids) > 0 {
			out[agentID] = ids
		}
	}
	return out
}

// Shutdown pauses all queues, waits for executing commands to finish up to
// the graceful timeout, then force-cancels whatever is left.
func (m *Manager) Shutdown(ctx context.Context) {
	m.PauseAll()

	deadline := time.Now().Add(m.cfg.GracefulShutdownTimeout)
	for time.Now().Before(deadline) {
		if !m.anyExecuting() {
			break
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(100 * time.Millisecond):
		}
	}

	cancelled := m.CancelAll("server shutting down")
	if len(cancelled) > 0 {
		m.log.Warn("Force-cancelled commands during shutdown", "agents", len(cancelled))
	}
	m.log.Info("Command queues shut down")
}

func (m *Manager) anyExecuting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.queues {
		if q.Executing() != "" {
			return true
		}
	}
	return false
}

// emit publishes a queue event without blocking.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Debug("Queue event dropped, consumer behind",
			"agent_id", ev.AgentID, "kind", ev.Kind)
	}
}
