package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentdeck/agentdeck/pkg/cmdqueue"
	"github.com/agentdeck/agentdeck/pkg/orchestrator"
	"github.com/agentdeck/agentdeck/pkg/store"
)

// mapDomainError converts domain errors to HTTP errors with stable messages.
// Unknown errors surface as an opaque 500.
func mapDomainError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	case errors.Is(err, orchestrator.ErrAgentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "agent not found")
	case errors.Is(err, orchestrator.ErrAgentOffline):
		return echo.NewHTTPError(http.StatusConflict, "agent is offline")
	case errors.Is(err, orchestrator.ErrEmptyCommand):
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id and content are required")
	case errors.Is(err, cmdqueue.ErrQueueFull):
		return echo.NewHTTPError(http.StatusTooManyRequests, "agent queue is full")
	case errors.Is(err, cmdqueue.ErrNotActive):
		return echo.NewHTTPError(http.StatusConflict, "command is not active")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
