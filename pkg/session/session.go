// Package session owns one WebSocket connection end to end: handshake
// authentication, the single-writer outbound pump with batching, inbound
// parsing with rate limiting, dashboard subscription state and in-band token
// refresh. A Session implements registry.Conn.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/pkg/auth"
	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/metrics"
	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/agentdeck/agentdeck/pkg/ratelimit"
	"github.com/agentdeck/agentdeck/pkg/registry"
)

// ErrOutboundFull marks a send rejected because the outbound buffer is full.
var ErrOutboundFull = errors.New("session: outbound buffer full")

// ErrClosed marks a send on a closed session.
var ErrClosed = errors.New("session: closed")

// outboundBuffer bounds the per-connection outbound channel.
const outboundBuffer = 256

// Handler receives authenticated traffic the session does not consume
// itself. Implemented by the orchestrator.
type Handler interface {
	// HandleConnected fires once after the handshake succeeds and the
	// session is registered.
	HandleConnected(ctx context.Context, s *Session)

	// HandleMessage receives every non-control inbound message.
	HandleMessage(ctx context.Context, s *Session, msg *models.Message)
}

// Session is one live WebSocket connection.
type Session struct {
	id         string
	population models.Population
	sock       *websocket.Conn
	cfg        *config.SessionConfig
	verifier   *auth.Verifier
	limiter    *ratelimit.Limiter
	reg        *registry.Registry
	handler    Handler
	log        *slog.Logger

	mu           sync.RWMutex
	principal    *auth.Principal
	agentID      string
	agentType    models.AgentType
	capabilities []string

	subMu     sync.RWMutex
	subAll    bool
	subAgents map[string]bool

	outbound  chan *models.Message
	refreshCh chan *models.RefreshReplyPayload

	closed    atomic.Bool
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// New wraps an accepted WebSocket in a session. Run must be called next.
func New(
	sock *websocket.Conn,
	population models.Population,
	cfg *config.SessionConfig,
	verifier *auth.Verifier,
	limiter *ratelimit.Limiter,
	reg *registry.Registry,
	handler Handler,
) *Session {
	id := uuid.NewString()
	return &Session{
		id:         id,
		population: population,
		sock:       sock,
		cfg:        cfg,
		verifier:   verifier,
		limiter:    limiter,
		reg:        reg,
		handler:    handler,
		log:        slog.With("component", "session", "conn_id", id, "population", population),
		subAgents:  make(map[string]bool),
		outbound:   make(chan *models.Message, outboundBuffer),
		refreshCh:  make(chan *models.RefreshReplyPayload, 1),
	}
}

// --- registry.Conn ---

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// Population returns the client population.
func (s *Session) Population() models.Population { return s.population }

// AgentID returns the agent id for agent sessions, empty otherwise.
func (s *Session) AgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentID
}

// AgentType returns the advertised agent type.
func (s *Session) AgentType() models.AgentType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentType
}

// Capabilities returns the capabilities advertised at connect.
func (s *Session) Capabilities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities
}

// Authenticated reports whether the handshake completed.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal != nil
}

// Principal returns the authenticated identity, nil before the handshake.
func (s *Session) Principal() *auth.Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool { return s.closed.Load() }

// Send queues a message on the outbound path. Never blocks: a full buffer
// rejects with ErrOutboundFull and the router treats it as a failed attempt.
func (s *Session) Send(_ context.Context, msg *models.Message) error {
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.outbound <- msg:
		return nil
	default:
		return ErrOutboundFull
	}
}

// Close tears the session down with the given close code. Idempotent.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		// Best effort: the peer may already be gone.
		_ = s.sock.Close(websocket.StatusCode(code), reason)
		s.log.Info("Session closed", "code", code, "reason", reason)
	})
}

// --- subscriptions (dashboards) ---

// SubscribedTo reports whether a dashboard wants events for the agent.
// Dashboards are subscribed to nothing until DASHBOARD_INIT or a subscribe
// message arrives; agents are never filtered.
func (s *Session) SubscribedTo(agentID string) bool {
	if s.population == models.PopulationAgent {
		return true
	}
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return s.subAll || s.subAgents[agentID]
}

func (s *Session) applySubscriptions(subs []models.Subscription) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range subs {
		if sub.All {
			s.subAll = true
			continue
		}
		if sub.AgentID != "" {
			s.subAgents[sub.AgentID] = true
		}
	}
}

func (s *Session) unsubscribe(sub models.Subscription) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if sub.All {
		s.subAll = false
		s.subAgents = make(map[string]bool)
		return
	}
	delete(s.subAgents, sub.AgentID)
}

// --- lifecycle ---

// Run drives the session: handshake, registration, write pump, refresh
// manager and the read loop. Blocks until the connection closes.
// queryToken, when non-empty, came from the upgrade request's ?token=.
func (s *Session) Run(parentCtx context.Context, queryToken string) {
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancel = cancel
	defer cancel()

	go s.writePump(ctx)

	if err := s.handshake(ctx, queryToken); err != nil {
		s.log.Warn("Handshake failed", "error", err)
		s.sendError(models.CodeUnauthorized, "authentication required", false, 0)
		s.Close(models.CloseTokenExpired, "authentication failed")
		return
	}

	s.reg.Register(s)
	defer func() {
		s.reg.Unregister(s.id)
		s.limiter.Remove(s.id)
		s.Close(models.CloseNormal, "connection closed")
	}()

	go s.runRefresh(ctx)
	s.handler.HandleConnected(ctx, s)
	s.readLoop(ctx)
}

// handshake authenticates the session. A query token authenticates outright;
// otherwise the first message must be the population's connect message within
// the handshake window. Agent sessions must send AGENT_CONNECT either way,
// because it carries the agent identity.
func (s *Session) handshake(ctx context.Context, queryToken string) error {
	deadline := time.Now().Add(s.cfg.HandshakeWindow)

	if queryToken != "" {
		principal, err := s.verifier.Validate(queryToken)
		if err != nil {
			return fmt.Errorf("query token: %w", err)
		}
		s.setPrincipal(principal)
		if s.population == models.PopulationDashboard {
			return nil
		}
	}

	hsCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	msg, _, err := s.readMessage(hsCtx)
	if err != nil {
		return fmt.Errorf("reading connect message: %w", err)
	}

	switch {
	case s.population == models.PopulationAgent && msg.Type == models.TypeAgentConnect:
		var p models.AgentConnectPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("malformed agent connect: %w", err)
		}
		if !s.Authenticated() {
			principal, err := s.verifier.Validate(p.Token)
			if err != nil {
				return fmt.Errorf("connect token: %w", err)
			}
			s.setPrincipal(principal)
		}
		if p.AgentID == "" {
			return errors.New("agent connect without agent_id")
		}
		s.mu.Lock()
		s.agentID = p.AgentID
		s.agentType = p.AgentType
		s.capabilities = p.Capabilities
		s.mu.Unlock()
		return nil

	case s.population == models.PopulationDashboard && msg.Type == models.TypeDashboardConnect:
		var p models.DashboardConnectPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("malformed dashboard connect: %w", err)
		}
		principal, err := s.verifier.Validate(p.Token)
		if err != nil {
			return fmt.Errorf("connect token: %w", err)
		}
		s.setPrincipal(principal)
		return nil
	}

	return fmt.Errorf("unexpected first message %q", msg.Type)
}

func (s *Session) setPrincipal(p *auth.Principal) {
	s.mu.Lock()
	s.principal = p
	s.mu.Unlock()
}

// readLoop processes inbound frames until the socket closes or ctx ends.
func (s *Session) readLoop(ctx context.Context) {
	for {
		msg, size, err := s.readMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				s.log.Debug("Read loop ended", "error", err)
			}
			return
		}

		s.reg.RecordActivity(s.id, size)

		if msg == nil {
			// Malformed JSON: recoverable protocol error, session survives.
			s.sendError(models.CodeInvalidMessage, "malformed message", true, 0)
			continue
		}
		metrics.MessagesReceived.WithLabelValues(string(s.population), string(msg.Type)).Inc()

		d := s.limiter.Allow(s.id, s.population, msg.Type)
		if d.CloseConnection {
			s.log.Warn("Rate limit violations exceeded, closing connection")
			s.Close(models.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if !d.Allowed {
			s.sendError(models.CodeRateLimited, "rate limited", true, d.RetryAfter.Milliseconds())
			continue
		}

		// An omitted version is tolerated; a mismatched one is rejected.
		if msg.Version != "" && msg.Version != models.ProtocolVersion {
			s.sendError(models.CodeInvalidMessage, "unsupported protocol version", true, 0)
			continue
		}

		s.dispatch(ctx, msg)
	}
}

// dispatch consumes control messages in-session and forwards the rest.
func (s *Session) dispatch(ctx context.Context, msg *models.Message) {
	switch msg.Type {
	case models.TypePing:
		_ = s.Send(ctx, models.MustMessage(models.TypePong, struct{}{}))

	case models.TypePong, models.TypeAck:
		// Activity already recorded; nothing else to do.

	case models.TypeRefreshReply:
		var p models.RefreshReplyPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			s.sendError(models.CodeInvalidMessage, "malformed refresh reply", true, 0)
			return
		}
		select {
		case s.refreshCh <- &p:
		default: // no refresh pending
		}

	case models.TypeDashboardInit:
		var p models.DashboardInitPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			s.sendError(models.CodeInvalidMessage, "malformed dashboard init", true, 0)
			return
		}
		s.applySubscriptions(p.Subscriptions)
		s.handler.HandleMessage(ctx, s, msg)

	case models.TypeDashboardSubscribe:
		var p models.Subscription
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			s.sendError(models.CodeInvalidMessage, "malformed subscription", true, 0)
			return
		}
		s.applySubscriptions([]models.Subscription{p})

	case models.TypeDashboardUnsubscribe:
		var p models.Subscription
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			s.sendError(models.CodeInvalidMessage, "malformed subscription", true, 0)
			return
		}
		s.unsubscribe(p)

	default:
		s.handler.HandleMessage(ctx, s, msg)
	}
}

// readMessage reads and decodes one frame. A nil message with nil error
// means the frame was unparseable (protocol error, connection survives).
func (s *Session) readMessage(ctx context.Context) (*models.Message, int, error) {
	_, data, err := s.sock.Read(ctx)
	if err != nil {
		return nil, 0, err
	}

	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		return nil, len(data), nil
	}
	return &msg, len(data), nil
}

// writePump is the session's single writer. Batchable messages coalesce
// under the size/byte caps with a timer flush; priority messages flush the
// pending batch first and go out singly.
func (s *Session) writePump(ctx context.Context) {
	batcher := NewBatcher(s.cfg.MaxBatchSize, s.cfg.MaxBatchBytes)
	timer := time.NewTimer(s.cfg.BatchInterval)
	defer timer.Stop()

	flush := func() {
		if msgs := batcher.Flush(); msgs != nil {
			s.writeJSON(ctx, models.NewBatch(msgs))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-s.outbound:
			if batchable[msg.Type] {
				raw, err := json.Marshal(msg)
				if err != nil {
					s.log.Warn("Dropping unmarshalable message", "type", msg.Type, "error", err)
					continue
				}
				if batcher.Add(msg, len(raw)) {
					flush()
					resetTimer(timer, s.cfg.BatchInterval)
				}
				continue
			}
			flush()
			s.writeJSON(ctx, msg)

		case <-timer.C:
			flush()
			timer.Reset(s.cfg.BatchInterval)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// writeJSON writes one value to the socket under the write timeout.
// Errors are swallowed: a dead socket surfaces through the read loop.
func (s *Session) writeJSON(ctx context.Context, v any) {
	if s.closed.Load() {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("Marshal failed on outbound message", "error", err)
		return
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.sock.Write(wctx, websocket.MessageText, raw); err != nil {
		s.log.Debug("Write failed", "error", err)
	}
}

// sendError emits the standard error reply.
func (s *Session) sendError(code, message string, recoverable bool, retryAfterMs int64) {
	msg := models.MustMessage(models.TypeError, models.ErrorPayload{
		Code:         code,
		Message:      message,
		Recoverable:  recoverable,
		RetryAfterMs: retryAfterMs,
	})
	_ = s.Send(context.Background(), msg)
}
