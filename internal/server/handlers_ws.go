package server

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/civictrack/relay/internal/metrics"
	"github.com/civictrack/relay/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // browsers embed the live feed cross-origin
	},
}

// socketAttacher is implemented by adapters that take ownership of raw
// websockets accepted on /ws.
type socketAttacher interface {
	Attach(connID uuid.UUID, ws *websocket.Conn) error
}

// connIPs remembers which IP holds each admission slot so the slot can be
// released when the connection closes, however it closes.
type connIPs struct {
	mu  sync.Mutex
	ips map[uuid.UUID]string
}

func newConnIPs() *connIPs {
	return &connIPs{ips: make(map[uuid.UUID]string)}
}

func (t *connIPs) put(id uuid.UUID, ip string) {
	t.mu.Lock()
	t.ips[id] = ip
	t.mu.Unlock()
}

func (t *connIPs) take(id uuid.UUID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ip, ok := t.ips[id]
	if ok {
		delete(t.ips, id)
	}
	return ip, ok
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.ConnectionsRejectedTotal.WithLabelValues(string(reason)).Inc()
		status := http.StatusServiceUnavailable
		if reason == LimitReasonRate {
			status = http.StatusTooManyRequests
		}
		return c.JSON(status, map[string]string{"error": "connection limit reached", "reason": string(reason)})
	}

	id, err := s.manager.Accept(ip, "")
	if err != nil {
		s.limits.Release(ip)
		return writeError(c, err)
	}

	// Identity is issued by the application layer's auth flow and passed
	// through opaque; the broker never validates it.
	if identity := c.QueryParam("identity"); identity != "" {
		_ = s.manager.BindIdentity(id, identity)
	}

	cn, err := s.manager.Get(id)
	if err != nil {
		s.limits.Release(ip)
		return writeError(c, err)
	}
	adapter, found := s.manager.AdapterByName(cn.Adapter())
	attacher, attachable := adapter.(socketAttacher)
	if !found || !attachable {
		_ = s.manager.Close(id, transport.CloseReasonShutdown)
		s.limits.Release(ip)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "adapter does not accept direct websockets"})
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		_ = s.manager.Close(id, transport.CloseReasonClientRequest)
		s.limits.Release(ip)
		return nil // Upgrade already wrote the HTTP error
	}

	if err := attacher.Attach(id, ws); err != nil {
		_ = ws.Close()
		_ = s.manager.Close(id, transport.CloseReasonShutdown)
		s.limits.Release(ip)
		return nil
	}

	s.ipTable.put(id, ip)
	if err := s.manager.Open(id); err != nil {
		s.abortBeforeOpen(id)
		return nil
	}
	return nil
}

// abortBeforeOpen tears down a connection that failed before reaching OPEN.
// Closing a never-opened connection skips the close hook, so the admission
// slot has to be released here. take makes the release single-shot even if
// the hook fires anyway.
func (s *Server) abortBeforeOpen(id uuid.UUID) {
	_ = s.manager.Close(id, transport.CloseReasonShutdown)
	s.releaseSlot(id, "", transport.CloseReasonShutdown)
}

// releaseSlot is the broker close listener that frees the admission slot.
func (s *Server) releaseSlot(id uuid.UUID, _ string, _ transport.CloseReason) {
	if ip, ok := s.ipTable.take(id); ok {
		s.limits.Release(ip)
	}
}
