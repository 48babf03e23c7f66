package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/civictrack/relay/internal/envelope"
	"github.com/civictrack/relay/internal/migration"
	"github.com/civictrack/relay/internal/relayerr"
)

type publishRequest struct {
	Topic    string          `json:"topic"`
	Payload  json.RawMessage `json:"payload"`
	Priority string          `json:"priority,omitempty"`
}

func (s *Server) handlePublish(c echo.Context) error {
	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, relayerr.Validation("malformed publish request"))
	}

	pri, err := envelope.ParsePriority(req.Priority)
	if err != nil {
		return writeError(c, relayerr.Validation(err.Error()))
	}

	if err := s.broker.Publish(c.Request().Context(), req.Topic, req.Payload, pri); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "published"})
}

func (s *Server) handleConnectionHealth(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return writeError(c, relayerr.Validation("invalid connection id"))
	}

	health, err := s.broker.GetConnectionHealth(id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, health)
}

type startMigrationRequest struct {
	Source  string  `json:"source"`
	Target  string  `json:"target"`
	StepPct float64 `json:"step_pct,omitempty"`
	// Hold is a Go duration string, e.g. "30s".
	Hold string `json:"hold,omitempty"`
}

func (s *Server) handleStartMigration(c echo.Context) error {
	var req startMigrationRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, relayerr.Validation("malformed migration request"))
	}

	var hold time.Duration
	if req.Hold != "" {
		parsed, err := time.ParseDuration(req.Hold)
		if err != nil {
			return writeError(c, relayerr.Validation("invalid hold duration"))
		}
		hold = parsed
	}

	id, err := s.migrator.Start(req.Source, req.Target, migration.RampPlan{
		StepPct: req.StepPct,
		Hold:    hold,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"migration_id": id.String()})
}

func (s *Server) handleListMigrations(c echo.Context) error {
	return c.JSON(http.StatusOK, s.migrator.List())
}

func (s *Server) handleMigrationStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return writeError(c, relayerr.Validation("invalid migration id"))
	}
	rec, err := s.migrator.Status(id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleRollbackMigration(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return writeError(c, relayerr.Validation("invalid migration id"))
	}
	if err := s.migrator.Rollback(id); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "rollback requested"})
}
