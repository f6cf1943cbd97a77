package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/pkg/auth"
	"github.com/agentdeck/agentdeck/pkg/cmdqueue"
	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/agentdeck/agentdeck/pkg/orchestrator"
	"github.com/agentdeck/agentdeck/pkg/ratelimit"
	"github.com/agentdeck/agentdeck/pkg/registry"
	"github.com/agentdeck/agentdeck/pkg/router"
	"github.com/agentdeck/agentdeck/pkg/session"
	"github.com/agentdeck/agentdeck/pkg/store"
	"github.com/agentdeck/agentdeck/pkg/trace"
)

// sink discards forwarded traffic; most tests here exercise the session
// layer itself.
type sink struct{}

func (sink) HandleConnected(context.Context, *session.Session)                {}
func (sink) HandleMessage(context.Context, *session.Session, *models.Message) {}

// wireHarness runs real sessions behind an httptest server so tests speak
// the actual WebSocket protocol.
type wireHarness struct {
	cfg      *config.Config
	verifier *auth.Verifier
	reg      *registry.Registry
	limiter  *ratelimit.Limiter
	srv      *httptest.Server
	ctx      context.Context
}

func newWireHarness(t *testing.T, mutate func(*config.Config)) *wireHarness {
	t.Helper()
	cfg := config.Default()
	cfg.Session.BatchInterval = 5 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	verifier, err := auth.NewVerifier(cfg.Auth)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &wireHarness{
		cfg:      cfg,
		verifier: verifier,
		reg:      registry.New(cfg.Session),
		limiter:  ratelimit.New(cfg.RateLimit),
		ctx:      ctx,
	}
}

func (h *wireHarness) serve(t *testing.T, pop models.Population, handler session.Handler) {
	t.Helper()
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		s := session.New(sock, pop, h.cfg.Session, h.verifier, h.limiter, h.reg, handler)
		s.Run(h.ctx, r.URL.Query().Get("token"))
	}))
	t.Cleanup(h.srv.Close)
}

func (h *wireHarness) token(t *testing.T, ttl time.Duration) string {
	t.Helper()
	tok, err := h.verifier.MintAccessToken("user-1", "user@example.com", "operator", ttl)
	require.NoError(t, err)
	return tok
}

func (h *wireHarness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg *models.Message) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, raw))
}

// readUntil reads frames, unpacking batch envelopes, until a message of the
// wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want models.MessageType) *models.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err, "waiting for %s", want)

		var msg models.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == models.TypeBatch {
			var batch models.Batch
			require.NoError(t, json.Unmarshal(data, &batch))
			for _, m := range batch.Messages {
				if m.Type == want {
					return m
				}
			}
			continue
		}
		if msg.Type == want {
			return &msg
		}
	}
}

// readUntilClosed drains the connection and returns the close status.
func readUntilClosed(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			require.NoError(t, ctx.Err(), "connection was not closed")
			return websocket.CloseStatus(err)
		}
	}
}

func TestMalformedFrameKeepsSessionAlive(t *testing.T) {
	h := newWireHarness(t, nil)
	h.serve(t, models.PopulationDashboard, sink{})
	conn := h.dial(t, h.token(t, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))

	errMsg := readUntil(t, conn, models.TypeError)
	var p models.ErrorPayload
	require.NoError(t, json.Unmarshal(errMsg.Payload, &p))
	assert.Equal(t, models.CodeInvalidMessage, p.Code)
	assert.True(t, p.Recoverable)

	// The session survives and keeps serving.
	writeMsg(t, conn, models.MustMessage(models.TypePing, struct{}{}))
	readUntil(t, conn, models.TypePong)
}

func TestEnvelopeVersionMismatchRejected(t *testing.T) {
	h := newWireHarness(t, nil)
	h.serve(t, models.PopulationDashboard, sink{})
	conn := h.dial(t, h.token(t, time.Hour))

	bad := models.MustMessage(models.TypePing, struct{}{})
	bad.Version = "9.9.9"
	writeMsg(t, conn, bad)

	errMsg := readUntil(t, conn, models.TypeError)
	var p models.ErrorPayload
	require.NoError(t, json.Unmarshal(errMsg.Payload, &p))
	assert.Equal(t, models.CodeInvalidMessage, p.Code)
	assert.True(t, p.Recoverable)
	assert.Equal(t, "unsupported protocol version", p.Message)

	writeMsg(t, conn, models.MustMessage(models.TypePing, struct{}{}))
	readUntil(t, conn, models.TypePong)
}

func TestHandshakeWindowExpires(t *testing.T) {
	h := newWireHarness(t, func(c *config.Config) {
		c.Session.HandshakeWindow = 50 * time.Millisecond
	})
	h.serve(t, models.PopulationDashboard, sink{})
	conn := h.dial(t, "")

	// No connect message: the server must drop the socket once the window
	// lapses instead of keeping an unauthenticated connection open.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var err error
	for err == nil {
		_, _, err = conn.Read(ctx)
	}
	require.NoError(t, ctx.Err(), "socket still open after the handshake window")
	assert.Equal(t, 0, h.reg.Count(models.PopulationDashboard))
}

func TestRefreshRotatesAccessToken(t *testing.T) {
	h := newWireHarness(t, func(c *config.Config) {
		c.Session.RefreshInterval = 20 * time.Millisecond
		c.Session.RefreshThreshold = time.Hour
	})
	h.serve(t, models.PopulationDashboard, sink{})
	conn := h.dial(t, h.token(t, time.Minute))

	needed := readUntil(t, conn, models.TypeRefreshNeeded)
	var np models.RefreshNeededPayload
	require.NoError(t, json.Unmarshal(needed.Payload, &np))
	assert.Positive(t, np.ExpiresInMs)

	writeMsg(t, conn, models.MustMessage(models.TypeRefreshReply, models.RefreshReplyPayload{
		AccessToken: h.token(t, 2*time.Hour),
	}))
	readUntil(t, conn, models.TypeRefreshSuccess)
}

func TestRefreshAcceptsRefreshToken(t *testing.T) {
	h := newWireHarness(t, func(c *config.Config) {
		c.Session.RefreshInterval = 20 * time.Millisecond
		c.Session.RefreshThreshold = time.Hour
	})
	h.serve(t, models.PopulationDashboard, sink{})
	conn := h.dial(t, h.token(t, time.Minute))

	readUntil(t, conn, models.TypeRefreshNeeded)
	refresh, err := h.verifier.MintRefreshToken("user-1", "user@example.com", "operator", time.Hour)
	require.NoError(t, err)
	writeMsg(t, conn, models.MustMessage(models.TypeRefreshReply, models.RefreshReplyPayload{
		RefreshToken: refresh,
	}))

	renewed := readUntil(t, conn, models.TypeTokenRefresh)
	var p models.TokenRefreshPayload
	require.NoError(t, json.Unmarshal(renewed.Payload, &p))
	assert.Positive(t, p.ExpiresIn)
	_, err = h.verifier.Validate(p.AccessToken)
	assert.NoError(t, err)
}

func TestRefreshExhaustionClosesSession(t *testing.T) {
	h := newWireHarness(t, func(c *config.Config) {
		c.Session.RefreshInterval = 10 * time.Millisecond
		c.Session.RefreshThreshold = time.Hour
		c.Session.RefreshReplyWindow = 10 * time.Millisecond
		c.Session.MaxRefreshAttempts = 2
	})
	h.serve(t, models.PopulationDashboard, sink{})
	conn := h.dial(t, h.token(t, time.Minute))

	// Never reply: two failed exchanges must close the session with the
	// token-expired code.
	code := readUntilClosed(t, conn)
	assert.Equal(t, websocket.StatusCode(models.CloseTokenExpired), code)
}

// liveAgent stands in for a connected agent so submissions pass the
// online check.
type liveAgent struct {
	id      string
	agentID string

	mu   sync.Mutex
	sent []*models.Message
}

func (a *liveAgent) ID() string                    { return a.id }
func (a *liveAgent) Population() models.Population { return models.PopulationAgent }
func (a *liveAgent) AgentID() string               { return a.agentID }
func (a *liveAgent) AgentType() models.AgentType   { return models.AgentClaude }
func (a *liveAgent) Authenticated() bool           { return true }
func (a *liveAgent) Closed() bool                  { return false }
func (a *liveAgent) Close(int, string)             {}

func (a *liveAgent) Send(_ context.Context, msg *models.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	return nil
}

func TestDashboardSubmitsWithCommandRequestType(t *testing.T) {
	h := newWireHarness(t, nil)
	st := store.NewMemory()
	queues := cmdqueue.NewManager(h.cfg.Queue)
	rt := router.New(h.cfg.Router, h.reg)
	orch := orchestrator.New(h.cfg, st, h.reg, rt, queues, trace.NewCollector(h.cfg.Trace, st))
	h.serve(t, models.PopulationDashboard, orch)

	agent := &liveAgent{id: "conn-a1", agentID: "A1"}
	h.reg.Register(agent)
	now := time.Now()
	require.NoError(t, st.UpsertAgent(context.Background(), &store.AgentRecord{
		ID: "A1", Name: "A1", Type: models.AgentClaude, Status: models.AgentOnline, LastPing: &now,
	}))

	conn := h.dial(t, h.token(t, time.Hour))
	writeMsg(t, conn, models.MustMessage(models.TypeCommandRequest, models.CommandSubmitPayload{
		CommandID: "cmd-1",
		AgentID:   "A1",
		Content:   "echo hi",
		Priority:  50,
	}))

	require.Eventually(t, func() bool {
		cmd, err := st.GetCommand(context.Background(), "cmd-1")
		return err == nil && cmd.Status == models.CommandQueued
	}, 2*time.Second, 10*time.Millisecond, "submission labelled command:request must enqueue")
	assert.Equal(t, 1, queues.ForAgent("A1").Size())
}
