package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/stats", s.handleStats)

	// Client websocket accept
	s.echo.GET("/ws", s.handleWebSocket)

	// Publish API for backend producers
	s.echo.POST("/v1/publish", s.handlePublish)
	s.echo.GET("/v1/connections/:id", s.handleConnectionHealth)

	// Operator migration API
	s.echo.POST("/admin/migrations", s.handleStartMigration)
	s.echo.GET("/admin/migrations", s.handleListMigrations)
	s.echo.GET("/admin/migrations/:id", s.handleMigrationStatus)
	s.echo.DELETE("/admin/migrations/:id", s.handleRollbackMigration)
}
