package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentdeck/agentdeck/pkg/trace"
)

// listTracesHandler handles GET /api/v1/commands/:id/traces, the flat
// stored entry list.
func (s *Server) listTracesHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "command id is required")
	}

	entries, err := s.store.ListTraceEntries(c.Request().Context(), id)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

// traceTreeHandler handles GET /api/v1/commands/:id/trace-tree, the built
// tree plus its aggregation.
func (s *Server) traceTreeHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "command id is required")
	}

	tree, err := s.collector.TreeFor(c.Request().Context(), id)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tree":        tree,
		"aggregation": trace.Aggregate(tree),
	})
}

// flamegraphHandler handles GET /api/v1/commands/:id/flamegraph.
func (s *Server) flamegraphHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "command id is required")
	}

	tree, err := s.collector.TreeFor(c.Request().Context(), id)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, trace.Flamegraph(tree, s.exportLimits()))
}

// timelineHandler handles GET /api/v1/commands/:id/timeline.
func (s *Server) timelineHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "command id is required")
	}

	tree, err := s.collector.TreeFor(c.Request().Context(), id)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, trace.Timeline(tree, s.exportLimits()))
}

func (s *Server) exportLimits() trace.ExportLimits {
	return trace.ExportLimits{
		MaxNodes: s.cfg.Trace.MaxExportSize,
		MaxDepth: s.cfg.Trace.MaxExportDepth,
	}
}
