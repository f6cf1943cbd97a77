package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/agentdeck/agentdeck/pkg/session"
)

// agentWSHandler upgrades /ws/agent connections.
func (s *Server) agentWSHandler(c *echo.Context) error {
	return s.acceptWS(c, models.PopulationAgent)
}

// dashboardWSHandler upgrades /ws/dashboard connections.
func (s *Server) dashboardWSHandler(c *echo.Context) error {
	return s.acceptWS(c, models.PopulationDashboard)
}

// acceptWS upgrades the connection and runs the session until it closes.
// Authentication happens inside the session handshake: either the ?token=
// query parameter or the first connect message within the handshake window.
func (s *Server) acceptWS(c *echo.Context, pop models.Population) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// TODO: replace with an OriginPatterns allowlist from config once
		// dashboard deployment hosts are settled.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	sess := session.New(conn, pop, s.cfg.Session, s.verifier, s.limiter, s.reg, s.orch)

	// The session outlives the HTTP request context: it is parented on the
	// server's base context so server shutdown closes it.
	sess.Run(s.baseCtx, c.QueryParam("token"))
	return nil
}
