package trace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/agentdeck/agentdeck/pkg/store"
)

func testTraceConfig() *config.TraceConfig {
	return &config.TraceConfig{
		MaxTraceDepth:       5,
		MaxTracesPerCommand: 100,
		IdleCompletion:      10 * time.Millisecond,
		SlowTraceMs:         5000,
		VerySlowTraceMs:     30000,
		HighTokenUsage:      10000,
		MaxExportSize:       1000,
		MaxExportDepth:      50,
	}
}

func newTestCollector(cfg *config.TraceConfig) (*Collector, *store.Memory) {
	if cfg == nil {
		cfg = testTraceConfig()
	}
	st := store.NewMemory()
	return NewCollector(cfg, st), st
}

func openEvent(traceID, parentID string) *models.TraceEventPayload {
	return &models.TraceEventPayload{
		TraceID:   traceID,
		ParentID:  parentID,
		Type:      models.TraceToolCall,
		Name:      traceID,
		StartedAt: time.Now().UnixMilli(),
	}
}

func closedEvent(traceID, parentID string, durationMs int64) *models.TraceEventPayload {
	p := openEvent(traceID, parentID)
	p.CompletedAt = p.StartedAt + durationMs
	p.DurationMs = durationMs
	return p
}

func drainEvents(c *Collector) []Event {
	var out []Event
	for {
		select {
		case ev := <-c.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestIngestStoresEntry(t *testing.T) {
	c, st := newTestCollector(nil)
	ctx := context.Background()

	require.NoError(t, c.Ingest(ctx, "agent-1", "cmd-1", closedEvent("t1", "", 100)))

	stored, err := st.GetTraceEntry(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", stored.CommandID)
	assert.Equal(t, "agent-1", stored.AgentID)
	assert.True(t, stored.Completed())
}

func TestIngestEmitsAddedEvent(t *testing.T) {
	c, _ := newTestCollector(nil)

	require.NoError(t, c.Ingest(context.Background(), "agent-1", "cmd-1", openEvent("t1", "")))

	events := drainEvents(c)
	require.NotEmpty(t, events)
	assert.Equal(t, EventAdded, events[0].Kind)
	assert.Equal(t, "t1", events[0].Entry.ID)
}

func TestIngestMergesCompletion(t *testing.T) {
	c, st := newTestCollector(nil)
	ctx := context.Background()

	require.NoError(t, c.Ingest(ctx, "agent-1", "cmd-1", openEvent("t1", "")))

	closing := closedEvent("t1", "", 250)
	closing.TokensUsed = 42
	require.NoError(t, c.Ingest(ctx, "agent-1", "cmd-1", closing))

	stored, err := st.GetTraceEntry(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, stored.Completed())
	assert.Equal(t, int64(250), stored.DurationMs)
	assert.Equal(t, 42, stored.TokensUsed)
}

func TestIngestRejectsCrossCommandParent(t *testing.T) {
	c, _ := newTestCollector(nil)
	ctx := context.Background()

	require.NoError(t, c.Ingest(ctx, "agent-1", "cmd-1", openEvent("parent", "")))

	err := c.Ingest(ctx, "agent-1", "cmd-2", openEvent("child", "parent"))
	assert.ErrorIs(t, err, ErrParentMismatch)
}

func TestIngestRejectsExcessiveDepth(t *testing.T) {
	cfg := testTraceConfig()
	cfg.MaxTraceDepth = 3
	c, _ := newTestCollector(cfg)
	ctx := context.Background()

	parent := ""
	for i, id := range []string{"t1", "t2", "t3"} {
		err := c.Ingest(ctx, "agent-1", "cmd-1", openEvent(id, parent))
		require.NoError(t, err, "entry %d within the bound", i)
		parent = id
	}

	err := c.Ingest(ctx, "agent-1", "cmd-1", openEvent("t4", "t3"))
	assert.ErrorIs(t, err, ErrDepthExceeded)
}

func TestIngestToleratesUnknownParent(t *testing.T) {
	c, _ := newTestCollector(nil)

	// Out-of-order arrival: the child lands before its parent. Accepted;
	// the build flags it as an orphan until the parent shows up.
	err := c.Ingest(context.Background(), "agent-1", "cmd-1", openEvent("child", "not-yet"))
	assert.NoError(t, err)
}

func TestCommandCompletionEmitsAggregation(t *testing.T) {
	c, _ := newTestCollector(nil)
	ctx := context.Background()

	require.NoError(t, c.Ingest(ctx, "agent-1", "cmd-1", closedEvent("t1", "", 100)))
	require.NoError(t, c.Ingest(ctx, "agent-1", "cmd-1", closedEvent("t2", "t1", 50)))

	var completed *Event
	for _, ev := range drainEvents(c) {
		if ev.Kind == EventCommandCompleted {
			completed = &ev
			break
		}
	}
	require.NotNil(t, completed, "expected a command-completed event")
	assert.Equal(t, "cmd-1", completed.CommandID)
	assert.Equal(t, "agent-1", completed.AgentID)
	require.NotNil(t, completed.Aggregation)
	assert.Equal(t, 2, completed.Aggregation.EntryCount)
	assert.Equal(t, int64(150), completed.Aggregation.TotalDuration)
}

func TestCompletionWaitsForOpenEntries(t *testing.T) {
	c, _ := newTestCollector(nil)
	ctx := context.Background()

	require.NoError(t, c.Ingest(ctx, "agent-1", "cmd-1", openEvent("t1", "")))
	require.NoError(t, c.Ingest(ctx, "agent-1", "cmd-1", closedEvent("t2", "", 50)))

	for _, ev := range drainEvents(c) {
		assert.NotEqual(t, EventCommandCompleted, ev.Kind,
			"must not complete while t1 is still open")
	}
}

func TestIdleSweepSkipsOpenAndEvictedCommands(t *testing.T) {
	c, _ := newTestCollector(nil)
	ctx := context.Background()

	// cmd-1 completed and was evicted on ingest; cmd-2 still has an open
	// entry. Neither may complete on the idle sweep.
	require.NoError(t, c.Ingest(ctx, "agent-1", "cmd-1", closedEvent("t1", "", 100)))
	require.NoError(t, c.Ingest(ctx, "agent-1", "cmd-2", openEvent("t2", "")))
	drainEvents(c)

	time.Sleep(15 * time.Millisecond)
	c.sweepIdle()

	for _, ev := range drainEvents(c) {
		assert.NotEqual(t, EventCommandCompleted, ev.Kind)
	}

	c.mu.Lock()
	_, stillLive := c.live["cmd-2"]
	c.mu.Unlock()
	assert.True(t, stillLive, "open commands stay live through the sweep")
}

func TestInMemoryCapDropsOldest(t *testing.T) {
	cfg := testTraceConfig()
	cfg.MaxTracesPerCommand = 2
	c, _ := newTestCollector(cfg)
	ctx := context.Background()

	require.NoError(t, c.Ingest(ctx, "agent-1", "cmd-1", openEvent("t1", "")))
	require.NoError(t, c.Ingest(ctx, "agent-1", "cmd-1", openEvent("t2", "")))
	require.NoError(t, c.Ingest(ctx, "agent-1", "cmd-1", openEvent("t3", "")))

	c.mu.Lock()
	lc := c.live["cmd-1"]
	require.NotNil(t, lc)
	assert.Len(t, lc.entries, 2)
	_, hasOldest := lc.byID["t1"]
	c.mu.Unlock()
	assert.False(t, hasOldest, "oldest in-memory entry dropped at the cap")
}

func TestTreeForReadsFromStore(t *testing.T) {
	c, _ := newTestCollector(nil)
	ctx := context.Background()

	require.NoError(t, c.Ingest(ctx, "agent-1", "cmd-1", closedEvent("root", "", 100)))
	require.NoError(t, c.Ingest(ctx, "agent-1", "cmd-1", closedEvent("child", "root", 40)))

	tree, err := c.TreeFor(ctx, "cmd-1")
	require.NoError(t, err)
	require.Len(t, tree.Roots, 1)
	assert.Equal(t, "root", tree.Roots[0].Entry.ID)
	require.Len(t, tree.Roots[0].Children, 1)

	agg, err := c.AggregationFor(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, 2, agg.EntryCount)
}
