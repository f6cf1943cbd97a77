package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/pkg/models"
)

// Memory is an in-process Store used by tests and dev mode
// (STORE_DRIVER=memory). Rows are deep-copied on the way in and out so
// callers can't mutate stored state.
type Memory struct {
	mu       sync.RWMutex
	agents   map[string]*AgentRecord
	commands map[string]*models.Command
	outputs  map[string][]*TerminalOutput // keyed by command id
	traces   map[string]*models.TraceEntry
	byCmd    map[string][]string // command id → trace ids in arrival order
	audit    []*AuditEntry

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:   make(map[string]*AgentRecord),
		commands: make(map[string]*models.Command),
		outputs:  make(map[string][]*TerminalOutput),
		traces:   make(map[string]*models.TraceEntry),
		byCmd:    make(map[string][]string),
		subs:     make(map[int]chan Change),
	}
}

// --- Agents ---

func (m *Memory) UpsertAgent(_ context.Context, agent *AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *agent
	m.agents[agent.ID] = &cp
	return nil
}

func (m *Memory) GetAgent(_ context.Context, id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListAgents(_ context.Context) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AgentRecord, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetAgentStatus(_ context.Context, id string, status models.AgentStatus, lastPing time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	ping := lastPing
	a.LastPing = &ping
	return nil
}

// --- Commands ---

func (m *Memory) CreateCommand(_ context.Context, cmd *models.Command) error {
	m.mu.Lock()
	if _, exists := m.commands[cmd.ID]; exists {
		m.mu.Unlock()
		return ErrConflict
	}
	cp := cloneCommand(cmd)
	m.commands[cmd.ID] = cp
	m.mu.Unlock()

	m.publish(Change{CommandID: cmd.ID, AgentID: cmd.AgentID, Status: cmd.Status})
	return nil
}

func (m *Memory) GetCommand(_ context.Context, id string) (*models.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCommand(c), nil
}

func (m *Memory) UpdateCommand(_ context.Context, cmd *models.Command) error {
	m.mu.Lock()
	if _, ok := m.commands[cmd.ID]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.commands[cmd.ID] = cloneCommand(cmd)
	m.mu.Unlock()

	m.publish(Change{CommandID: cmd.ID, AgentID: cmd.AgentID, Status: cmd.Status})
	return nil
}

func (m *Memory) ListCommands(_ context.Context, filters CommandFilters) ([]*models.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Command, 0)
	for _, c := range m.commands {
		if filters.AgentID != "" && c.AgentID != filters.AgentID {
			continue
		}
		if filters.UserID != "" && c.UserID != filters.UserID {
			continue
		}
		if filters.Status != "" && c.Status != filters.Status {
			continue
		}
		out = append(out, cloneCommand(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return nil, nil
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

// --- Terminal output ---

func (m *Memory) AppendTerminalOutput(_ context.Context, out *TerminalOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *out
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	m.outputs[out.CommandID] = append(m.outputs[out.CommandID], &cp)
	return nil
}

func (m *Memory) ListTerminalOutputs(_ context.Context, commandID string, limit int) ([]*TerminalOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.outputs[commandID]
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]*TerminalOutput, len(rows))
	for i, r := range rows {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// --- Trace entries ---

func (m *Memory) InsertTraceEntry(_ context.Context, entry *models.TraceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.traces[entry.ID]; exists {
		return ErrConflict
	}
	m.traces[entry.ID] = cloneTrace(entry)
	m.byCmd[entry.CommandID] = append(m.byCmd[entry.CommandID], entry.ID)
	return nil
}

func (m *Memory) GetTraceEntry(_ context.Context, id string) (*models.TraceEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.traces[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTrace(e), nil
}

func (m *Memory) UpdateTraceEntry(_ context.Context, entry *models.TraceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.traces[entry.ID]; !ok {
		return ErrNotFound
	}
	m.traces[entry.ID] = cloneTrace(entry)
	return nil
}

func (m *Memory) ListTraceEntries(_ context.Context, commandID string) ([]*models.TraceEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byCmd[commandID]
	out := make([]*models.TraceEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := m.traces[id]; ok {
			out = append(out, cloneTrace(e))
		}
	}
	return out, nil
}

func (m *Memory) DeleteTraceEntriesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, e := range m.traces {
		if e.StartedAt.Before(cutoff) {
			delete(m.traces, id)
			deleted++
		}
	}
	for cmdID, ids := range m.byCmd {
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := m.traces[id]; ok {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(m.byCmd, cmdID)
		} else {
			m.byCmd[cmdID] = kept
		}
	}
	return deleted, nil
}

// --- Audit ---

func (m *Memory) AppendAudit(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.audit = append(m.audit, &cp)
	return nil
}

// AuditEntries returns a snapshot of the audit log. Test helper.
func (m *Memory) AuditEntries() []*AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AuditEntry, len(m.audit))
	for i, e := range m.audit {
		cp := *e
		out[i] = &cp
	}
	return out
}

// --- Retention ---

func (m *Memory) DeleteTerminalDataBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for cmdID, rows := range m.outputs {
		kept := rows[:0]
		for _, r := range rows {
			if r.Timestamp.Before(cutoff) {
				deleted++
			} else {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(m.outputs, cmdID)
		} else {
			m.outputs[cmdID] = kept
		}
	}
	return deleted, nil
}

// --- Change feed ---

func (m *Memory) SubscribeChanges(ctx context.Context) (<-chan Change, func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Change, 64)
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(ch)
		})
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			stop()
		}()
	}
	return ch, stop
}

// publish delivers a change to all subscribers without blocking.
func (m *Memory) publish(change Change) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- change:
		default: // slow consumer, drop
		}
	}
}

func (m *Memory) Close() error { return nil }

// --- helpers ---

func cloneCommand(c *models.Command) *models.Command {
	cp := *c
	if c.Constraints != nil {
		con := *c.Constraints
		cp.Constraints = &con
	}
	return &cp
}

func cloneTrace(e *models.TraceEntry) *models.TraceEntry {
	cp := *e
	if e.Content != nil {
		content := make(map[string]any, len(e.Content))
		for k, v := range e.Content {
			content[k] = v
		}
		cp.Content = content
	}
	return &cp
}
