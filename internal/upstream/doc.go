// Package upstream bridges the relay to the upstream data service.
//
// Two operations: ForwardSteps re-targets an inbound steps request at the
// upstream host and extracts the broadcast payload from 200 responses;
// Listen performs a credentialed subscription fetch on behalf of one
// connection. Both run behind a shared circuit breaker.
package upstream
