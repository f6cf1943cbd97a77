package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/agentdeck/agentdeck/pkg/store"
)

// listCommandsHandler handles GET /api/v1/commands with optional agent_id,
// status, limit and offset filters.
func (s *Server) listCommandsHandler(c *echo.Context) error {
	filters := store.CommandFilters{
		AgentID: c.QueryParam("agent_id"),
		Status:  models.CommandStatus(c.QueryParam("status")),
		Limit:   50,
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filters.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filters.Offset = n
		}
	}

	commands, err := s.store.ListCommands(c.Request().Context(), filters)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, commands)
}

// getCommandHandler handles GET /api/v1/commands/:id.
func (s *Server) getCommandHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "command id is required")
	}

	cmd, err := s.store.GetCommand(c.Request().Context(), id)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, cmd)
}

// submitCommandHandler handles POST /api/v1/commands, the REST path into
// the same submission flow the WebSocket uses.
func (s *Server) submitCommandHandler(c *echo.Context) error {
	var p models.CommandSubmitPayload
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	principal := principalFrom(c)
	result, err := s.orch.Submit(c.Request().Context(), principal.UserID, &p)
	if err != nil {
		return mapDomainError(err)
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	return c.JSON(status, map[string]any{
		"command":   result.Command,
		"position":  result.Position,
		"duplicate": result.Duplicate,
	})
}

// interruptCommandHandler handles POST /api/v1/commands/:id/interrupt.
type interruptRequest struct {
	Reason    string `json:"reason"`
	Force     bool   `json:"force"`
	TimeoutMs int64  `json:"timeout_ms"`
}

func (s *Server) interruptCommandHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "command id is required")
	}

	var req interruptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	principal := principalFrom(c)
	result, err := s.orch.Interrupt(c.Request().Context(), principal.UserID, &models.CommandInterruptPayload{
		CommandID: id,
		Reason:    req.Reason,
		Force:     req.Force,
		TimeoutMs: req.TimeoutMs,
	})
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"command_id": id,
		"forced":     result.Forced,
		"reason":     result.Reason,
	})
}

// listOutputsHandler handles GET /api/v1/commands/:id/outputs.
func (s *Server) listOutputsHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "command id is required")
	}

	limit := 500
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 5000 {
			limit = n
		}
	}

	outputs, err := s.store.ListTerminalOutputs(c.Request().Context(), id, limit)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, outputs)
}

// emergencyStopHandler handles POST /api/v1/emergency-stop.
type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) emergencyStopHandler(c *echo.Context) error {
	var req emergencyStopRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	principal := principalFrom(c)
	s.orch.EmergencyStop(c.Request().Context(), principal.UserID, req.Reason)
	return c.JSON(http.StatusAccepted, map[string]any{
		"stopped_at": time.Now().UnixMilli(),
	})
}

// emergencyClearHandler handles POST /api/v1/emergency-stop/clear.
func (s *Server) emergencyClearHandler(c *echo.Context) error {
	principal := principalFrom(c)
	s.orch.ClearEmergencyStop(c.Request().Context(), principal.UserID)
	return c.JSON(http.StatusOK, map[string]any{"cleared": true})
}
