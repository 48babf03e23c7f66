package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(c echo.Context) error {
	components := s.checker.Snapshot()
	if !s.checker.Healthy() {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":     "unhealthy",
			"components": components,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ready",
		"components": components,
	})
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.reporter.Snapshot())
}
