package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/mbetamony/manuscript-relay/internal/metrics"
	"github.com/mbetamony/manuscript-relay/internal/upstream"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
)

// Bridge is the upstream surface a coordinator depends on.
type Bridge interface {
	ForwardSteps(ctx context.Context, req *http.Request) (*upstream.StepsResult, error)
	Listen(ctx context.Context, projectID, manuscriptID, token string) (any, error)
}

// subscribeRequest is the message a connection sends to start listening.
// All three fields must be non-empty for the request to be honored.
type subscribeRequest struct {
	ProjectID    string `json:"projectID"`
	ManuscriptID string `json:"manuscriptID"`
	AuthToken    string `json:"authToken"`
}

func (s subscribeRequest) complete() bool {
	return s.ProjectID != "" && s.ManuscriptID != "" && s.AuthToken != ""
}

// --- Command types ---

type coordinatorCmd interface{ isCoordinatorCmd() }

type baseCoordinatorCmd struct{}

func (baseCoordinatorCmd) isCoordinatorCmd() {}

type attachCmd struct {
	baseCoordinatorCmd
	connection   *websocket.Conn
	errorChannel chan error
}

type detachCmd struct {
	baseCoordinatorCmd
	connection   *websocket.Conn
	closeCode    int
	reason       string
	errorPayload []byte
}

type broadcastCmd struct {
	baseCoordinatorCmd
	data []byte
}

type sendToCmd struct {
	baseCoordinatorCmd
	connection *websocket.Conn
	data       []byte
}

type clientCountCmd struct {
	baseCoordinatorCmd
	replyChannel chan int
}

type stopCmd struct {
	baseCoordinatorCmd
}

// Coordinator is the per-document actor. It owns the connection registry for
// one document key and serializes all registry mutations through a single
// command loop, so attaches, detaches and fan-outs for the same key never
// race. Different keys run independent coordinators.
type Coordinator struct {
	key        string
	cmdCh      chan coordinatorCmd
	registry   *registry
	bridge     Bridge
	clock      clockwork.Clock
	maxClients int
	logger     *slog.Logger
	done       chan struct{}
}

// NewCoordinator creates and starts the coordinator for one document key.
func NewCoordinator(key string, bridge Bridge, clock clockwork.Clock, maxClients int) *Coordinator {
	c := &Coordinator{
		key:        key,
		cmdCh:      make(chan coordinatorCmd, 256),
		registry:   newRegistry(),
		bridge:     bridge,
		clock:      clock,
		maxClients: maxClients,
		logger:     slog.Default().With("document_key", key),
		done:       make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Coordinator) Key() string { return c.key }

func (c *Coordinator) run() {
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Coordinator panic recovered", "panic", r)
			c.closeAll(websocket.CloseInternalServerErr, "coordinator failure")
		}
	}()

	for cmd := range c.cmdCh {
		switch cmd := cmd.(type) {
		case attachCmd:
			c.handleAttach(cmd)
		case detachCmd:
			c.handleDetach(cmd)
		case broadcastCmd:
			c.handleBroadcast(cmd.data)
		case sendToCmd:
			c.handleSendTo(cmd)
		case clientCountCmd:
			cmd.replyChannel <- c.registry.len()
		case stopCmd:
			c.closeAll(websocket.CloseGoingAway, "server shutting down")
			return
		default:
			c.logger.Warn("Coordinator received unknown command", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

// --- Public API ---

// Attach registers an accepted connection. The upgrade response has already
// been written by the transport; this call only makes the connection visible
// to broadcasts. Returns an error when the document is at capacity; the
// caller is responsible for closing a rejected connection.
func (c *Coordinator) Attach(conn *websocket.Conn) error {
	errCh := make(chan error, 1)
	c.cmdCh <- attachCmd{connection: conn, errorChannel: errCh}

	timer := c.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.Chan():
		return fmt.Errorf("attach command timed out after %v", commandTimeout)
	}
}

// Detach removes a connection. Idempotent.
func (c *Coordinator) Detach(conn *websocket.Conn) {
	c.cmdCh <- detachCmd{connection: conn}
}

// HandleConnectionError closes conn gracefully and removes it. Close
// failures are swallowed; the connection always leaves the registry.
func (c *Coordinator) HandleConnectionError(conn *websocket.Conn, err error) {
	c.logger.Debug("Connection error", "error", err)
	c.cmdCh <- detachCmd{connection: conn, closeCode: websocket.CloseNormalClosure, reason: "connection error"}
}

// Fail reports an unrecoverable handling failure on an accepted connection:
// the client receives a JSON error payload, then the socket closes with an
// abnormal-closure code and leaves the registry. Live connections get an
// error message before disconnection, never a silent hang.
func (c *Coordinator) Fail(conn *websocket.Conn, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal error"}`)
	}
	c.cmdCh <- detachCmd{
		connection:   conn,
		closeCode:    websocket.CloseInternalServerErr,
		reason:       "internal error",
		errorPayload: payload,
	}
}

// Broadcast pushes payload to every registered connection. Non-textual
// payloads are JSON-marshaled once and every connection receives the same
// bytes. Delivery failure on one connection evicts it without disturbing the
// rest.
func (c *Coordinator) Broadcast(payload any) {
	data, err := encodePayload(payload)
	if err != nil {
		c.logger.Error("Failed to encode broadcast payload", "error", err)
		return
	}
	c.cmdCh <- broadcastCmd{data: data}
}

// HandleMessage processes one inbound message from conn. Messages carrying a
// complete subscribe request trigger a listen fetch whose result is sent back
// to that connection only; anything else is ignored without a reply.
// Runs on the connection's read goroutine, so messages from one connection
// are handled in arrival order.
func (c *Coordinator) HandleMessage(ctx context.Context, conn *websocket.Conn, raw []byte) error {
	var sub subscribeRequest
	if err := json.Unmarshal(raw, &sub); err != nil || !sub.complete() {
		metrics.IgnoredMessagesTotal.Inc()
		c.logger.Debug("Ignoring message without complete subscribe fields")
		return nil
	}

	payload, err := c.bridge.Listen(ctx, sub.ProjectID, sub.ManuscriptID, sub.AuthToken)
	if err != nil {
		return fmt.Errorf("listen fetch for project %s failed: %w", sub.ProjectID, err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode listen reply: %w", err)
	}

	c.cmdCh <- sendToCmd{connection: conn, data: data}
	return nil
}

// Steps relays a steps request upstream and, on a 200 response, broadcasts
// the parsed body to every registered connection. The upstream response is
// returned to the caller in all cases; the broadcast is a side effect for
// listeners who are not the caller.
func (c *Coordinator) Steps(ctx context.Context, req *http.Request) (*http.Response, error) {
	result, err := c.bridge.ForwardSteps(ctx, req)
	if err != nil {
		return nil, err
	}
	if result.Payload != nil {
		c.Broadcast(result.Payload)
	}
	return result.Response, nil
}

// ClientCount returns the number of registered connections, or -1 on timeout.
func (c *Coordinator) ClientCount() int {
	replyCh := make(chan int, 1)
	c.cmdCh <- clientCountCmd{replyChannel: replyCh}

	timer := c.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-timer.Chan():
		c.logger.Warn("ClientCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes every connection and shuts the command loop down. Blocks until
// the loop exits or the stop timeout elapses.
func (c *Coordinator) Stop() {
	c.cmdCh <- stopCmd{}

	timer := c.clock.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-c.done:
	case <-timer.Chan():
		c.logger.Warn("Coordinator stop timeout exceeded", "timeout", stopTimeout)
	}
}

// --- Command handlers (command-loop goroutine only) ---

func (c *Coordinator) handleAttach(cmd attachCmd) {
	if c.registry.len() >= c.maxClients {
		c.logger.Warn("Rejecting client: max clients reached", "max_clients", c.maxClients)
		cmd.errorChannel <- fmt.Errorf("max clients per document (%d) reached", c.maxClients)
		return
	}

	c.registry.add(cmd.connection, newClientWriter(cmd.connection, c.clock))
	metrics.ConnectedClients.Inc()
	c.logger.Debug("Client attached", "total_clients", c.registry.len())
	cmd.errorChannel <- nil
}

func (c *Coordinator) handleDetach(cmd detachCmd) {
	cw := c.registry.remove(cmd.connection)
	if cw == nil {
		return
	}

	switch {
	case cmd.errorPayload != nil:
		cw.stopWithPayload(cmd.errorPayload, cmd.closeCode, cmd.reason)
	case cmd.closeCode != 0:
		cw.stopWithClose(cmd.closeCode, cmd.reason)
	default:
		cw.stop()
	}

	metrics.ConnectedClients.Dec()
	c.logger.Debug("Client detached", "remaining_clients", c.registry.len())
}

func (c *Coordinator) handleBroadcast(data []byte) {
	var failed []*websocket.Conn
	for conn, cw := range c.registry.all() {
		if !cw.send(data) {
			failed = append(failed, conn)
		}
	}

	for _, conn := range failed {
		c.logger.Warn("Evicting client after failed delivery")
		metrics.SlowClientsEvicted.Inc()
		c.handleDetach(detachCmd{connection: conn})
	}

	metrics.BroadcastsTotal.Inc()
	c.logger.Debug("Broadcast delivered", "recipients", c.registry.len(), "bytes", len(data))
}

func (c *Coordinator) handleSendTo(cmd sendToCmd) {
	cw := c.registry.get(cmd.connection)
	if cw == nil {
		return
	}
	if !cw.send(cmd.data) {
		c.logger.Warn("Evicting client after failed listen reply")
		metrics.SlowClientsEvicted.Inc()
		c.handleDetach(detachCmd{connection: cmd.connection})
		return
	}
	metrics.ListenRepliesTotal.Inc()
}

func (c *Coordinator) closeAll(closeCode int, reason string) {
	for conn, cw := range c.registry.all() {
		cw.stopWithClose(closeCode, reason)
		c.registry.remove(conn)
		metrics.ConnectedClients.Dec()
	}
}

// encodePayload produces the textual wire form of a broadcast payload.
// Strings and raw bytes pass through; everything else is marshaled to JSON.
func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return data, nil
	}
}
