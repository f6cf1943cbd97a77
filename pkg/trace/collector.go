package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/metrics"
	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/agentdeck/agentdeck/pkg/store"
)

// Sentinel errors for trace ingest.
var (
	// ErrDepthExceeded marks an event whose parent chain is too deep.
	ErrDepthExceeded = errors.New("trace: max depth exceeded")

	// ErrParentMismatch marks an event whose parent belongs to a different
	// command.
	ErrParentMismatch = errors.New("trace: parent belongs to a different command")
)

// EventKind discriminates collector events.
type EventKind int

// Collector event kinds.
const (
	// EventAdded fires after an entry is stored.
	EventAdded EventKind = iota

	// EventCommandCompleted fires when every entry of a command has
	// completed and the aggregation is built.
	EventCommandCompleted
)

// Event is one entry on the collector's event channel. The orchestrator
// translates Added into TRACE_STREAM broadcasts and Completed into
// command-level summaries.
type Event struct {
	Kind        EventKind
	CommandID   string
	AgentID     string
	Entry       *models.TraceEntry
	Aggregation *Aggregation
}

// liveCommand is the in-memory entry list for a command still streaming.
type liveCommand struct {
	agentID   string
	entries   []*models.TraceEntry // arrival order, capped
	byID      map[string]*models.TraceEntry
	lastEvent time.Time
}

// sweepInterval is the idle-completion poll cadence.
const sweepInterval = 5 * time.Second

// Collector ingests streamed trace events, maintains per-command in-memory
// lists and drives command completion.
type Collector struct {
	cfg   *config.TraceConfig
	store store.Store
	log   *slog.Logger

	mu   sync.Mutex
	live map[string]*liveCommand

	events chan Event
}

// eventBuffer bounds the collector event channel.
const eventBuffer = 512

// NewCollector creates a collector over the given store.
func NewCollector(cfg *config.TraceConfig, st store.Store) *Collector {
	return &Collector{
		cfg:    cfg,
		store:  st,
		log:    slog.With("component", "trace"),
		live:   make(map[string]*liveCommand),
		events: make(chan Event, eventBuffer),
	}
}

// Events is the collector event stream. Single consumer (the orchestrator).
func (c *Collector) Events() <-chan Event {
	return c.events
}

// Ingest processes one streamed trace event: depth and parent validation,
// storage, in-memory append and (when the event carries a completion)
// a command-completion attempt.
func (c *Collector) Ingest(ctx context.Context, agentID, commandID string, p *models.TraceEventPayload) error {
	entry := entryFromPayload(agentID, commandID, p)

	c.mu.Lock()
	lc, ok := c.live[commandID]
	if !ok {
		lc = &liveCommand{
			agentID: agentID,
			byID:    make(map[string]*models.TraceEntry),
		}
		c.live[commandID] = lc
	}

	if entry.ParentID != "" {
		if err := c.validateParentLocked(ctx, lc, entry); err != nil {
			c.mu.Unlock()
			return err
		}
	}

	prior, update := lc.byID[entry.ID]
	if update {
		// Second event for the same trace id closes it out.
		mergeCompletion(prior, entry)
		entry = prior
	}
	c.mu.Unlock()

	if update {
		if err := c.store.UpdateTraceEntry(ctx, entry); err != nil {
			return fmt.Errorf("trace: updating entry %s: %w", entry.ID, err)
		}
	} else {
		if err := c.store.InsertTraceEntry(ctx, entry); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("trace: storing entry %s: %w", entry.ID, err)
		}
	}

	c.mu.Lock()
	if !update {
		lc.byID[entry.ID] = entry
		lc.entries = append(lc.entries, entry)
		if len(lc.entries) > c.cfg.MaxTracesPerCommand {
			dropped := lc.entries[0]
			lc.entries = lc.entries[1:]
			delete(lc.byID, dropped.ID)
			c.log.Warn("Trace cap reached, dropped oldest in-memory entry",
				"command_id", commandID, "trace_id", dropped.ID)
		}
	}
	lc.lastEvent = time.Now()
	c.mu.Unlock()

	metrics.TraceEventsIngested.Inc()
	c.emit(Event{Kind: EventAdded, CommandID: commandID, AgentID: agentID, Entry: entry})

	if entry.Completed() {
		c.tryComplete(commandID)
	}
	return nil
}

// validateParentLocked enforces the same-command invariant and the depth
// bound by walking the parent chain. In-memory entries answer first; the
// store covers entries already evicted. Caller holds c.mu.
func (c *Collector) validateParentLocked(ctx context.Context, lc *liveCommand, entry *models.TraceEntry) error {
	depth := 1
	parentID := entry.ParentID
	for parentID != "" {
		if depth >= c.cfg.MaxTraceDepth {
			return ErrDepthExceeded
		}

		parent, ok := lc.byID[parentID]
		if !ok {
			stored, err := c.store.GetTraceEntry(ctx, parentID)
			if errors.Is(err, store.ErrNotFound) {
				// Parent not seen yet: tolerated, the build flags orphans.
				return nil
			}
			if err != nil {
				return fmt.Errorf("trace: resolving parent %s: %w", parentID, err)
			}
			parent = stored
		}
		if parent.CommandID != entry.CommandID {
			return ErrParentMismatch
		}
		parentID = parent.ParentID
		depth++
	}
	return nil
}

// tryComplete builds the aggregation and emits command:completed when every
// stored entry for the command has completed, then evicts the in-memory list.
func (c *Collector) tryComplete(commandID string) {
	c.mu.Lock()
	lc, ok := c.live[commandID]
	if !ok {
		c.mu.Unlock()
		return
	}
	for _, e := range lc.entries {
		if !e.Completed() {
			c.mu.Unlock()
			return
		}
	}
	entries := make([]*models.TraceEntry, len(lc.entries))
	copy(entries, lc.entries)
	agentID := lc.agentID
	delete(c.live, commandID)
	c.mu.Unlock()

	tree := Build(commandID, entries, c.thresholds())
	agg := Aggregate(tree)
	agg.AgentID = agentID
	c.emit(Event{Kind: EventCommandCompleted, CommandID: commandID, AgentID: agentID, Aggregation: agg})
	c.log.Info("Command trace completed",
		"command_id", commandID, "entries", agg.EntryCount, "duration_ms", agg.TotalDuration)
}

// Run drives idle completion: a command with no events for IdleCompletion is
// closed out if everything it holds has completed. Blocks until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepIdle()
		}
	}
}

func (c *Collector) sweepIdle() {
	now := time.Now()

	c.mu.Lock()
	var idle []string
	for id, lc := range c.live {
		if now.Sub(lc.lastEvent) >= c.cfg.IdleCompletion {
			idle = append(idle, id)
		}
	}
	c.mu.Unlock()

	for _, id := range idle {
		c.tryComplete(id)
	}
}

// TreeFor builds the current tree for a command from storage.
func (c *Collector) TreeFor(ctx context.Context, commandID string) (*Tree, error) {
	entries, err := c.store.ListTraceEntries(ctx, commandID)
	if err != nil {
		return nil, err
	}
	return Build(commandID, entries, c.thresholds()), nil
}

// AggregationFor builds the current aggregation for a command from storage.
func (c *Collector) AggregationFor(ctx context.Context, commandID string) (*Aggregation, error) {
	tree, err := c.TreeFor(ctx, commandID)
	if err != nil {
		return nil, err
	}
	return Aggregate(tree), nil
}

// Cleanup deletes stored entries older than the cutoff. Returns the count.
func (c *Collector) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return c.store.DeleteTraceEntriesBefore(ctx, time.Now().Add(-olderThan))
}

func (c *Collector) thresholds() Thresholds {
	return Thresholds{
		SlowMs:     c.cfg.SlowTraceMs,
		VerySlowMs: c.cfg.VerySlowTraceMs,
		HighTokens: c.cfg.HighTokenUsage,
		MaxDepth:   c.cfg.MaxTraceDepth,
	}
}

func (c *Collector) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Debug("Trace event dropped, consumer behind", "command_id", ev.CommandID)
	}
}

func entryFromPayload(agentID, commandID string, p *models.TraceEventPayload) *models.TraceEntry {
	entry := &models.TraceEntry{
		ID:         p.TraceID,
		CommandID:  commandID,
		AgentID:    agentID,
		ParentID:   p.ParentID,
		Type:       p.Type,
		Name:       p.Name,
		Content:    p.Content,
		StartedAt:  time.UnixMilli(p.StartedAt),
		DurationMs: p.DurationMs,
		TokensUsed: p.TokensUsed,
	}
	if p.CompletedAt > 0 {
		completed := time.UnixMilli(p.CompletedAt)
		entry.CompletedAt = &completed
		if entry.DurationMs == 0 {
			entry.DurationMs = completed.Sub(entry.StartedAt).Milliseconds()
		}
	}
	return entry
}

// mergeCompletion folds a closing event into the stored entry.
func mergeCompletion(dst, src *models.TraceEntry) {
	if src.CompletedAt != nil {
		dst.CompletedAt = src.CompletedAt
	}
	if src.DurationMs > 0 {
		dst.DurationMs = src.DurationMs
	}
	if src.TokensUsed > 0 {
		dst.TokensUsed = src.TokensUsed
	}
	if src.Content != nil {
		dst.Content = src.Content
	}
}
