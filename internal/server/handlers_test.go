package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civictrack/relay/internal/conn"
	"github.com/civictrack/relay/internal/migration"
	"github.com/civictrack/relay/internal/monitor"
	"github.com/civictrack/relay/internal/transport"
)

// --- Mocks ---

type stubAdapter struct{ name string }

func (a *stubAdapter) Name() string                                  { return a.name }
func (a *stubAdapter) Capabilities() transport.Capability            { return transport.CapSend }
func (a *stubAdapter) Send(context.Context, uuid.UUID, []byte) error { return nil }
func (a *stubAdapter) Broadcast(context.Context, string, []byte) error {
	return transport.ErrNotSupported
}
func (a *stubAdapter) Subscribe(uuid.UUID, string) error                { return transport.ErrNotSupported }
func (a *stubAdapter) Unsubscribe(uuid.UUID, string) error              { return transport.ErrNotSupported }
func (a *stubAdapter) CloseConn(uuid.UUID, transport.CloseReason) error { return nil }
func (a *stubAdapter) SetReceiveHandler(transport.ReceiveHandler)       {}
func (a *stubAdapter) SetCloseHandler(transport.CloseHandler)           {}
func (a *stubAdapter) SetHeartbeatHandler(transport.HeartbeatHandler)   {}
func (a *stubAdapter) Ping(context.Context) error                       { return nil }
func (a *stubAdapter) Shutdown(context.Context) error                   { return nil }

type noTopics struct{}

func (noTopics) TopicsOf(uuid.UUID) []string { return nil }

type noFlush struct{}

func (noFlush) FlushAll(context.Context, uuid.UUID) error { return nil }

type alwaysHealthy struct{}

func (alwaysHealthy) AdapterHealth(string) (monitor.ComponentHealth, bool) {
	return monitor.ComponentHealth{Healthy: true}, true
}

func testConnManager(clock clockwork.Clock) *conn.Manager {
	m := conn.NewManager(clock, conn.Config{
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    30 * time.Second,
		QueueMaxBytes:    1 << 20,
	}, conn.StaticRouter("src"))
	m.RegisterAdapter(&stubAdapter{name: "src"})
	m.RegisterAdapter(&stubAdapter{name: "tgt"})
	return m
}

// --- Tests ---

func TestStartMigrationOutlivesRequestContext(t *testing.T) {
	clock := clockwork.NewFakeClock()
	manager := testConnManager(clock)
	migrator := migration.NewController(clock, migration.Config{
		HealthWindow:   time.Hour,
		ErrorRateLimit: 1,
		LatencyLimit:   time.Hour,
	}, manager, noTopics{}, noFlush{}, alwaysHealthy{})
	t.Cleanup(migrator.Stop)

	srv := &Server{migrator: migrator}

	reqCtx, cancel := context.WithCancel(context.Background())
	body := `{"source":"src","target":"tgt","step_pct":10,"hold":"1h"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/migrations", strings.NewReader(body)).WithContext(reqCtx)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	w := httptest.NewRecorder()

	require.NoError(t, srv.handleStartMigration(echo.New().NewContext(req, w)))
	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	id, err := uuid.Parse(resp["migration_id"])
	require.NoError(t, err)

	// The request context ends when the handler returns; the migration must
	// keep running on its own lifecycle.
	cancel()

	require.Eventually(t, func() bool {
		rec, err := migrator.Status(id)
		return err == nil && rec.Status == migration.StatusShadowed
	}, 3*time.Second, 5*time.Millisecond)

	require.Never(t, func() bool {
		clock.Advance(5 * time.Second)
		rec, err := migrator.Status(id)
		return err == nil && rec.Status == migration.StatusRolledBack
	}, 250*time.Millisecond, 20*time.Millisecond)
}

func TestOpenFailureReleasesAdmissionSlot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv := &Server{
		manager: testConnManager(clock),
		limits:  NewConnectionLimits(10, 5, 1000, 100),
		ipTable: newConnIPs(),
	}

	ok, _ := srv.limits.Acquire("10.0.0.1")
	require.True(t, ok)
	id, err := srv.manager.Accept("10.0.0.1", "")
	require.NoError(t, err)
	srv.ipTable.put(id, "10.0.0.1")

	// The connection never reached OPEN, so the close hook will not fire.
	srv.abortBeforeOpen(id)

	assert.Zero(t, srv.limits.Current())
	_, held := srv.ipTable.take(id)
	assert.False(t, held)

	// A late close hook for the same id must not double-release.
	srv.releaseSlot(id, "", transport.CloseReasonShutdown)
	assert.Zero(t, srv.limits.Current())
}
