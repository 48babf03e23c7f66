// Package server exposes the broker over HTTP: the websocket accept
// endpoint, health and stats probes, prometheus metrics, and the operator
// migration API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/civictrack/relay/internal/broker"
	"github.com/civictrack/relay/internal/conn"
	"github.com/civictrack/relay/internal/migration"
	"github.com/civictrack/relay/internal/monitor"
	"github.com/civictrack/relay/internal/platform/config"
	"github.com/civictrack/relay/internal/relayerr"
)

type Server struct {
	echo     *echo.Echo
	config   *config.Config
	broker   *broker.Broker
	manager  *conn.Manager
	limits   *ConnectionLimits
	reporter *monitor.Reporter
	checker  *monitor.Checker
	migrator *migration.Controller
	ipTable  *connIPs
}

func NewServer(cfg *config.Config, b *broker.Broker, manager *conn.Manager, reporter *monitor.Reporter, checker *monitor.Checker, migrator *migration.Controller) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:     e,
		config:   cfg,
		broker:   b,
		manager:  manager,
		limits:   NewConnectionLimits(cfg.MaxConnections, cfg.MaxConnectionsPerIP, cfg.ConnectionRatePerSec, cfg.ConnectionRateBurst),
		reporter: reporter,
		checker:  checker,
		migrator: migrator,
		ipTable:  newConnIPs(),
	}

	b.AddCloseListener(srv.releaseSlot)
	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Mount exposes an extra transport endpoint (the centrifuge websocket
// handler) on the shared listener.
func (s *Server) Mount(path string, h http.Handler) {
	s.echo.GET(path, echo.WrapHandler(h))
}

// writeError maps structured broker errors onto HTTP responses.
func writeError(c echo.Context, err error) error {
	e := relayerr.AsStructured(err)
	return c.JSON(e.HTTPStatus(), e.ToResponse())
}
