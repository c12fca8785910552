// Package relay implements the per-document coordinator using the actor pattern.
//
// One Coordinator per document key owns that document's connection registry
// and serializes all mutations through a single goroutine + command channel
// (no mutexes). Per-connection write goroutines isolate slow clients. The
// Directory maps document keys to coordinators, creating them on demand.
package relay
