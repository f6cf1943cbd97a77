package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listAgentsHandler handles GET /api/v1/agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	agents, err := s.store.ListAgents(c.Request().Context())
	if err != nil {
		return mapDomainError(err)
	}

	type agentView struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Type   string `json:"type"`
		Status string `json:"status"`
		Live   bool   `json:"live"`
	}
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		_, live := s.reg.ByAgentID(a.ID)
		out = append(out, agentView{
			ID:     a.ID,
			Name:   a.Name,
			Type:   string(a.Type),
			Status: string(a.Status),
			Live:   live,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// agentQueueHandler handles GET /api/v1/agents/:id/queue, the queue
// snapshot plus metrics for one agent.
func (s *Server) agentQueueHandler(c *echo.Context) error {
	agentID := c.Param("id")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}

	q := s.queues.ForAgent(agentID)
	return c.JSON(http.StatusOK, map[string]any{
		"snapshot": q.Snapshot(),
		"metrics":  q.Metrics(),
	})
}
