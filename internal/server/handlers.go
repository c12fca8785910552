package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	relayerrors "github.com/mbetamony/manuscript-relay/internal/errors"
	"github.com/mbetamony/manuscript-relay/internal/metrics"
	"github.com/mbetamony/manuscript-relay/internal/relay"
)

const stepsSuffix = "/steps"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // editors connect from arbitrary origins; auth lives upstream
	},
}

// handleDocument routes all traffic for one document. Paths ending in /steps
// relay to the upstream service and broadcast the result; every other path
// is treated as a WebSocket upgrade request.
func (s *Server) handleDocument(c echo.Context) error {
	coordinator, err := s.directory.Get(c.Param("key"))
	if err != nil {
		return err
	}

	if strings.HasSuffix(c.Request().URL.Path, stepsSuffix) {
		return s.handleSteps(c, coordinator)
	}
	return s.handleWebSocket(c, coordinator)
}

// handleSteps forwards the request to the upstream data service and relays
// its response back. On a 200 the coordinator has already fanned the parsed
// body out to every connected client; the caller still gets its own copy.
func (s *Server) handleSteps(c echo.Context, coordinator *relay.Coordinator) error {
	resp, err := coordinator.Steps(c.Request().Context(), c.Request())
	if err != nil {
		return relayerrors.External("steps relay failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, values := range resp.Header {
		if key == echo.HeaderContentType {
			continue
		}
		for _, value := range values {
			header.Add(key, value)
		}
	}
	return c.Stream(resp.StatusCode, resp.Header.Get(echo.HeaderContentType), resp.Body)
}

// handleWebSocket accepts a connection into the coordinator and returns
// immediately; subsequent messages arrive on the read pump. A missing
// Upgrade header is rejected by the upgrader with a 400 before any state
// changes.
func (s *Server) handleWebSocket(c echo.Context, coordinator *relay.Coordinator) error {
	ip := c.RealIP()
	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
		return relayerrors.Limited(fmt.Sprintf("connection rejected: %s", reason))
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the client-error response.
		s.limits.Release(ip)
		return nil
	}

	if err := coordinator.Attach(conn); err != nil {
		s.limits.Release(ip)
		writeSocketError(conn, err.Error())
		return nil
	}

	go s.readPump(coordinator, conn, ip)
	return nil
}

// readPump drives one accepted connection: each message goes to the
// coordinator in arrival order; a read error removes the connection.
func (s *Server) readPump(coordinator *relay.Coordinator, conn *websocket.Conn, ip string) {
	defer s.limits.Release(ip)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			coordinator.HandleConnectionError(conn, err)
			return
		}
		if err := coordinator.HandleMessage(context.Background(), conn, msg); err != nil {
			slog.Error("Message handling failed",
				"document_key", coordinator.Key(),
				"error", err,
			)
			coordinator.Fail(conn, "subscription failed")
			return
		}
	}
}

// writeSocketError reports a failure on a socket the coordinator never
// registered: JSON error payload, then an abnormal close.
func writeSocketError(conn *websocket.Conn, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal error"}`)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		slog.Debug("Failed to write socket error payload", "error", err)
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error")
	_ = conn.WriteMessage(websocket.CloseMessage, closeMsg)
	_ = conn.Close()
}
