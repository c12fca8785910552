package relay

import "github.com/gorilla/websocket"

// registry is the set of live connections for one coordinator. It is owned
// exclusively by the coordinator's command loop, which is the only goroutine
// that touches it, so no locking is needed.
type registry struct {
	conns map[*websocket.Conn]*clientWriter
}

func newRegistry() *registry {
	return &registry{conns: make(map[*websocket.Conn]*clientWriter)}
}

func (r *registry) add(conn *websocket.Conn, cw *clientWriter) {
	r.conns[conn] = cw
}

// remove drops conn and returns its writer. Idempotent: removing an absent
// connection returns nil.
func (r *registry) remove(conn *websocket.Conn) *clientWriter {
	cw, ok := r.conns[conn]
	if !ok {
		return nil
	}
	delete(r.conns, conn)
	return cw
}

func (r *registry) get(conn *websocket.Conn) *clientWriter {
	return r.conns[conn]
}

func (r *registry) len() int {
	return len(r.conns)
}

// all returns a snapshot for iteration passes that mutate the registry.
func (r *registry) all() map[*websocket.Conn]*clientWriter {
	snapshot := make(map[*websocket.Conn]*clientWriter, len(r.conns))
	for conn, cw := range r.conns {
		snapshot[conn] = cw
	}
	return snapshot
}
