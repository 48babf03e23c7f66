package native

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	sendBufferSize    = 64
	closeWriteTimeout = time.Second
)

// clientWriter owns all writes to one websocket connection. A dedicated
// goroutine drains sendChannel so a slow socket never blocks the caller.
type clientWriter struct {
	connection  *websocket.Conn
	clock       clockwork.Clock
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	onPong      func()
	onWriteErr  func()
}

func newClientWriter(connection *websocket.Conn, clock clockwork.Clock, onPong, onWriteErr func()) *clientWriter {
	cw := &clientWriter{
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan []byte, sendBufferSize),
		doneChannel: make(chan struct{}),
		onPong:      onPong,
		onWriteErr:  onWriteErr,
	}
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg, ok := <-cw.sendChannel:
			if !ok {
				return
			}
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				cw.reportWriteErr()
				return
			}
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				cw.reportWriteErr()
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// reportWriteErr notifies the adapter off the writer goroutine, since the
// adapter's detach path waits for this goroutine to exit.
func (cw *clientWriter) reportWriteErr() {
	if cw.onWriteErr != nil {
		go cw.onWriteErr()
	}
}

// enqueue hands a frame to the write goroutine without blocking.
// Returns false when the buffer is full (backpressure).
func (cw *clientWriter) enqueue(frame []byte) bool {
	select {
	case cw.sendChannel <- frame:
		return true
	case <-cw.doneChannel:
		return false
	default:
		return false
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame carrying code and reason before closing.
func (cw *clientWriter) stopGraceful(code int, reason string) {
	cw.stopOnce.Do(func() {
		// Stop the write goroutine first so the close frame is not raced
		// by a concurrent WriteMessage.
		close(cw.doneChannel)
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(code, reason)
		_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(closeWriteTimeout))
		_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

func (cw *clientWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		if cw.onPong != nil {
			cw.onPong()
		}
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) updateReadDeadline() {
	_ = cw.connection.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}
