package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 16
)

// clientWriter owns all writes to one connection. Messages are queued on a
// buffered channel and written by a single goroutine, so the coordinator
// never blocks on a slow client and no two goroutines write concurrently.
type clientWriter struct {
	connection  *websocket.Conn
	clock       clockwork.Clock
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newClientWriter(connection *websocket.Conn, clock clockwork.Clock) *clientWriter {
	cw := &clientWriter{
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan []byte, messageBufferSize),
		doneChannel: make(chan struct{}),
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
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// send queues msg without blocking. Returns false when the client's buffer
// is full or the writer has stopped.
func (cw *clientWriter) send(msg []byte) bool {
	select {
	case cw.sendChannel <- msg:
		return true
	default:
		return false
	}
}

// stop tears the connection down immediately.
func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopWithClose sends a close frame with the given code and reason before
// closing. Write failures are swallowed: the peer may already be gone, and
// the connection is removed either way.
func (cw *clientWriter) stopWithClose(code int, reason string) {
	cw.stopWithPayload(nil, code, reason)
}

// stopWithPayload optionally sends a final text message before the close
// frame. Used by the failure path to put an error payload on the wire before
// disconnecting.
func (cw *clientWriter) stopWithPayload(payload []byte, code int, reason string) {
	cw.stopOnce.Do(func() {
		// Stop the run goroutine first so this is the only writer left.
		close(cw.doneChannel)
		cw.wg.Wait()

		if payload != nil {
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Debug("Failed to write final payload", "error", err)
			}
		}

		closeMsg := websocket.FormatCloseMessage(code, reason)
		cw.updateWriteDeadline()
		if err := cw.connection.WriteMessage(websocket.CloseMessage, closeMsg); err != nil {
			slog.Debug("Failed to write close frame", "error", err)
		}
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

func (cw *clientWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) updateReadDeadline() {
	_ = cw.connection.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}
