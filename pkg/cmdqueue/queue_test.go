package cmdqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/models"
)

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		MaxQueueSize:            100,
		MaxAttempts:             3,
		InterruptTimeout:        time.Second,
		RetryBackoffBase:        10 * time.Millisecond,
		CompletedHistory:        50,
		FailedHistory:           25,
		DispatchInterval:        10 * time.Millisecond,
		GracefulShutdownTimeout: 200 * time.Millisecond,
	}
}

func newTestManager(cfg *config.QueueConfig) *Manager {
	if cfg == nil {
		cfg = testQueueConfig()
	}
	return NewManager(cfg)
}

func makeCommand(id string, offset time.Duration) *models.Command {
	return &models.Command{
		ID:        id,
		AgentID:   "agent-1",
		UserID:    "user-1",
		Content:   "run tests",
		Status:    models.CommandPending,
		CreatedAt: time.Now().Add(offset),
	}
}

func TestDispatchOrderByPriority(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	_, err := q.Enqueue(makeCommand("c-50", 0), EnqueueOptions{Priority: 50})
	require.NoError(t, err)
	_, err = q.Enqueue(makeCommand("c-90", time.Millisecond), EnqueueOptions{Priority: 90})
	require.NoError(t, err)
	_, err = q.Enqueue(makeCommand("c-20", 2*time.Millisecond), EnqueueOptions{Priority: 20})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		job := q.Dispatch()
		require.NotNil(t, job)
		order = append(order, job.Command.ID)
		_, err := q.Complete(job.Command.ID, true, "")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"c-90", "c-50", "c-20"}, order)
}

func TestDispatchTiesBreakByCreationTime(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	_, err := q.Enqueue(makeCommand("second", time.Second), EnqueueOptions{Priority: 50})
	require.NoError(t, err)
	_, err = q.Enqueue(makeCommand("first", 0), EnqueueOptions{Priority: 50})
	require.NoError(t, err)

	job := q.Dispatch()
	require.NotNil(t, job)
	assert.Equal(t, "first", job.Command.ID)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxQueueSize = 2
	m := newTestManager(cfg)
	q := m.ForAgent("agent-1")

	_, err := q.Enqueue(makeCommand("c1", 0), EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(makeCommand("c2", 0), EnqueueOptions{})
	require.NoError(t, err)

	_, err = q.Enqueue(makeCommand("c3", 0), EnqueueOptions{})
	assert.ErrorIs(t, err, ErrQueueFull)

	// The rejection is announced on the event channel.
	found := false
	for !found {
		select {
		case ev := <-m.Events():
			if ev.Kind == EventQueueFull {
				assert.Equal(t, "c3", ev.CommandID)
				found = true
			}
		case <-time.After(time.Second):
			t.Fatal("expected a queue-full event")
		}
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	first, err := q.Enqueue(makeCommand("c1", 0), EnqueueOptions{Priority: 10})
	require.NoError(t, err)

	again, err := q.Enqueue(makeCommand("c1", 0), EnqueueOptions{Priority: 99})
	require.NoError(t, err)
	assert.Same(t, first, again, "re-enqueue of a known id returns the existing job")
	assert.Equal(t, 1, q.Size())
	assert.Equal(t, 10, first.Command.Priority, "re-enqueue must not change priority")
}

func TestPositionsAreOneBased(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	_, err := q.Enqueue(makeCommand("low", 0), EnqueueOptions{Priority: 10})
	require.NoError(t, err)
	_, err = q.Enqueue(makeCommand("high", time.Millisecond), EnqueueOptions{Priority: 90})
	require.NoError(t, err)

	assert.Equal(t, 1, q.Position("high"))
	assert.Equal(t, 2, q.Position("low"))
	assert.Equal(t, 0, q.Position("missing"))

	snap := q.Snapshot()
	require.Len(t, snap.Queued, 2)
	assert.Equal(t, "high", snap.Queued[0].CommandID)
	assert.Equal(t, 1, snap.Queued[0].Position)
}

func TestPriorityClamped(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	job, err := q.Enqueue(makeCommand("c1", 0), EnqueueOptions{Priority: 250})
	require.NoError(t, err)
	assert.Equal(t, models.MaxCommandPriority, job.Command.Priority)

	job, err = q.Enqueue(makeCommand("c2", 0), EnqueueOptions{Priority: -5})
	require.NoError(t, err)
	assert.Equal(t, models.MinCommandPriority, job.Command.Priority)
}

func TestCompleteSuccess(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	_, err := q.Enqueue(makeCommand("c1", 0), EnqueueOptions{})
	require.NoError(t, err)
	job := q.Dispatch()
	require.NotNil(t, job)
	assert.Equal(t, models.CommandExecuting, job.Command.Status)
	assert.Equal(t, 1, job.Command.AttemptCount)

	outcome, err := q.Complete("c1", true, "")
	require.NoError(t, err)
	assert.Equal(t, models.CommandCompleted, outcome.Status)
	assert.False(t, outcome.Retried)
	assert.NotNil(t, job.Command.CompletedAt)
	assert.Empty(t, q.Executing())
}

func TestCompleteFailureRetriesWithBackoff(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	cmd := makeCommand("c1", 0)
	cmd.MaxAttempts = 2
	_, err := q.Enqueue(cmd, EnqueueOptions{})
	require.NoError(t, err)

	job := q.Dispatch()
	require.NotNil(t, job)

	outcome, err := q.Complete("c1", false, "agent crashed")
	require.NoError(t, err)
	assert.Equal(t, models.CommandQueued, outcome.Status)
	assert.True(t, outcome.Retried)
	assert.True(t, outcome.NextAttemptAt.After(time.Now().Add(-time.Millisecond)))

	// Not ready until the backoff elapses.
	assert.Nil(t, q.Dispatch())
	time.Sleep(20 * time.Millisecond)

	job = q.Dispatch()
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Command.AttemptCount)

	// Out of attempts: the failure sticks.
	outcome, err = q.Complete("c1", false, "agent crashed")
	require.NoError(t, err)
	assert.Equal(t, models.CommandFailed, outcome.Status)
	assert.False(t, outcome.Retried)
	assert.Equal(t, "agent crashed", job.Command.FailureReason)
}

func TestCompleteNotActive(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	_, err := q.Complete("ghost", true, "")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestInterruptQueuedCommand(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	_, err := q.Enqueue(makeCommand("c1", 0), EnqueueOptions{})
	require.NoError(t, err)

	result, err := q.Interrupt(InterruptRequest{CommandID: "c1", Reason: "user cancelled"})
	require.NoError(t, err)
	assert.False(t, result.WasExecuting)
	assert.False(t, result.Forced)
	assert.Equal(t, models.CommandCancelled, result.Command.Status)
	assert.Equal(t, "user cancelled", result.Command.FailureReason)
	assert.Equal(t, 0, q.Size())
}

func TestInterruptForcesAfterTimeout(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	_, err := q.Enqueue(makeCommand("c1", 0), EnqueueOptions{})
	require.NoError(t, err)
	job := q.Dispatch()
	require.NotNil(t, job)

	start := time.Now()
	result, err := q.Interrupt(InterruptRequest{
		CommandID: "c1",
		Reason:    "taking too long",
		Timeout:   50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, result.WasExecuting)
	assert.True(t, result.Forced)
	assert.Equal(t, "taking too long (forced after timeout)", result.Reason)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, models.CommandCancelled, result.Command.Status)

	// A late completion from the agent is rejected, not applied.
	_, err = q.Complete("c1", true, "")
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, models.CommandCancelled, result.Command.Status)
}

func TestInterruptGracefulCompletesInTime(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	_, err := q.Enqueue(makeCommand("c1", 0), EnqueueOptions{})
	require.NoError(t, err)
	job := q.Dispatch()
	require.NotNil(t, job)

	resultCh := make(chan *InterruptResult, 1)
	go func() {
		r, err := q.Interrupt(InterruptRequest{
			CommandID: "c1",
			Reason:    "user cancelled",
			Timeout:   time.Second,
		})
		assert.NoError(t, err)
		resultCh <- r
	}()

	// Wait for the marker, then finish the command inside the grace period.
	require.Eventually(t, func() bool {
		_, ok := q.InterruptMarker("c1")
		return ok
	}, time.Second, 5*time.Millisecond)

	_, err = q.Complete("c1", true, "")
	require.NoError(t, err)

	select {
	case result := <-resultCh:
		assert.True(t, result.WasExecuting)
		assert.False(t, result.Forced)
		assert.Equal(t, models.CommandCompleted, result.Command.Status)
	case <-time.After(time.Second):
		t.Fatal("interrupt did not return after completion")
	}
}

func TestInterruptGracefulCancelsFailedAttempt(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	_, err := q.Enqueue(makeCommand("c1", 0), EnqueueOptions{})
	require.NoError(t, err)
	require.NotNil(t, q.Dispatch())

	resultCh := make(chan *InterruptResult, 1)
	go func() {
		r, err := q.Interrupt(InterruptRequest{
			CommandID: "c1",
			Reason:    "user cancelled",
			Timeout:   time.Second,
		})
		assert.NoError(t, err)
		resultCh <- r
	}()

	require.Eventually(t, func() bool {
		_, ok := q.InterruptMarker("c1")
		return ok
	}, time.Second, 5*time.Millisecond)

	// The attempt fails with retries left; the pending interrupt wins over
	// the retry and the command settles as cancelled.
	outcome, err := q.Complete("c1", false, "boom")
	require.NoError(t, err)
	assert.Equal(t, models.CommandCancelled, outcome.Status)
	assert.False(t, outcome.Retried)

	select {
	case result := <-resultCh:
		assert.True(t, result.WasExecuting)
		assert.False(t, result.Forced)
		assert.Equal(t, models.CommandCancelled, result.Command.Status)
		assert.Equal(t, "user cancelled", result.Command.FailureReason)
	case <-time.After(time.Second):
		t.Fatal("interrupt did not return after the failed attempt")
	}

	assert.Equal(t, 0, q.Size(), "cancelled command must not be re-enqueued")
	assert.Nil(t, q.Dispatch())
}

func TestInterruptForceImmediate(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	_, err := q.Enqueue(makeCommand("c1", 0), EnqueueOptions{})
	require.NoError(t, err)
	require.NotNil(t, q.Dispatch())

	result, err := q.Interrupt(InterruptRequest{CommandID: "c1", Reason: "stop", Force: true})
	require.NoError(t, err)
	assert.True(t, result.Forced)
	assert.Equal(t, "stop", result.Reason)
	assert.Empty(t, q.Executing())
}

func TestInterruptUnknownCommand(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	_, err := q.Interrupt(InterruptRequest{CommandID: "ghost", Reason: "stop"})
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestPauseBlocksDispatch(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	_, err := q.Enqueue(makeCommand("c1", 0), EnqueueOptions{})
	require.NoError(t, err)

	q.Pause()
	assert.Nil(t, q.Dispatch())
	q.Resume()
	assert.NotNil(t, q.Dispatch())
}

func TestDelayedCommandNotReady(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	_, err := q.Enqueue(makeCommand("c1", 0), EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	assert.Nil(t, q.Dispatch())
	assert.Equal(t, 0, q.Position("c1"), "delayed commands hold no position")
	assert.Equal(t, 1, q.Size())
}

func TestMetricsSnapshot(t *testing.T) {
	q := newTestManager(nil).ForAgent("agent-1")

	_, err := q.Enqueue(makeCommand("c1", 0), EnqueueOptions{})
	require.NoError(t, err)
	require.NotNil(t, q.Dispatch())
	_, err = q.Complete("c1", true, "")
	require.NoError(t, err)

	_, err = q.Enqueue(makeCommand("c2", 0), EnqueueOptions{})
	require.NoError(t, err)

	m := q.Metrics()
	assert.Equal(t, 1, m.Queued)
	assert.Equal(t, 0, m.Executing)
	assert.Equal(t, 1, m.Completed)
	assert.Equal(t, 0, m.Failed)
	assert.GreaterOrEqual(t, m.AvgProcessingMs, float64(0))
}

func TestManagerLookup(t *testing.T) {
	m := newTestManager(nil)
	q := m.ForAgent("agent-1")
	_, err := q.Enqueue(makeCommand("c1", 0), EnqueueOptions{})
	require.NoError(t, err)

	found, ok := m.Lookup("c1")
	require.True(t, ok)
	assert.Same(t, q, found)

	_, ok = m.Lookup("ghost")
	assert.False(t, ok)
}

func TestManagerCancelAll(t *testing.T) {
	m := newTestManager(nil)
	q1 := m.ForAgent("agent-1")
	q2 := m.ForAgent("agent-2")

	_, err := q1.Enqueue(makeCommand("c1", 0), EnqueueOptions{})
	require.NoError(t, err)
	_, err = q1.Enqueue(makeCommand("c2", 0), EnqueueOptions{})
	require.NoError(t, err)
	require.NotNil(t, q1.Dispatch())

	cmd := makeCommand("c3", 0)
	cmd.AgentID = "agent-2"
	_, err = q2.Enqueue(cmd, EnqueueOptions{})
	require.NoError(t, err)

	cancelled := m.CancelAll("emergency stop")
	assert.Len(t, cancelled["agent-1"], 2)
	assert.Len(t, cancelled["agent-2"], 1)
	assert.Equal(t, 0, q1.Size())
	assert.Empty(t, q1.Executing())
}

func TestManagerShutdownForceCancels(t *testing.T) {
	cfg := testQueueConfig()
	cfg.GracefulShutdownTimeout = 50 * time.Millisecond
	m := newTestManager(cfg)
	q := m.ForAgent("agent-1")

	_, err := q.Enqueue(makeCommand("c1", 0), EnqueueOptions{})
	require.NoError(t, err)
	job := q.Dispatch()
	require.NotNil(t, job)

	done := make(chan struct{})
	go func() {
		m.Shutdown(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.Equal(t, models.CommandCancelled, job.Command.Status)
}
