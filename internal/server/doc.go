// Package server implements the HTTP front door using the Echo framework.
//
// It extracts the document key from the /doc/:key path, resolves the
// coordinator for that key, and hands the request off: /steps paths relay to
// the upstream service, everything else upgrades to a WebSocket. Connection
// limiting guards the accept path; observability endpoints live under
// /health and /metrics.
package server
