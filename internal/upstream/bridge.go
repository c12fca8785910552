package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/mbetamony/manuscript-relay/internal/metrics"
)

const listenPathTemplate = "/api/v2/doc/%s/manuscript/%s/listen"

// StepsResult carries the upstream response for a steps request.
// Payload is the parsed response body and is non-nil only for 200 responses;
// the Response body remains readable by the caller in every case.
type StepsResult struct {
	Response *http.Response
	Payload  any
}

// Bridge issues outbound calls to the upstream data service that owns
// manuscript content and authentication.
type Bridge struct {
	addr    string
	client  *http.Client
	breaker circuitbreaker.CircuitBreaker[any]
}

// NewBridge creates a bridge to the upstream data service at addr (host:port).
// All calls pass through a shared circuit breaker so a dead upstream stops
// burning connections:
// 60% failure rate over min 5 requests in 10s opens the circuit, 30s delay
// before half-open, 1 success closes it again.
func NewBridge(addr string) *Bridge {
	breaker := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Upstream circuit breaker state changed",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.UpstreamCircuitState.Set(stateToFloat(e.NewState))
		}).
		Build()

	return &Bridge{
		addr:    addr,
		client:  &http.Client{},
		breaker: breaker,
	}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// ForwardSteps relays an inbound steps request to the upstream service,
// preserving method, path, query, headers and body. On a 200 response the
// body is parsed as JSON into Payload for broadcasting and restored on the
// response so the original caller still reads it. Non-200 responses pass
// through untouched with a nil Payload. A 200 body that fails to parse is an
// error for the boundary handler.
func (b *Bridge) ForwardSteps(ctx context.Context, inbound *http.Request) (*StepsResult, error) {
	outbound := inbound.Clone(ctx)
	outbound.URL.Scheme = "http"
	outbound.URL.Host = b.addr
	outbound.Host = ""
	outbound.RequestURI = ""

	resp, err := b.do("steps", outbound)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return &StepsResult{Response: resp}, nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read steps response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse steps response body: %w", err)
	}
	if payload == nil {
		// A JSON null body is still a valid 200 payload; keep it non-nil so
		// listeners receive the literal null.
		payload = json.RawMessage("null")
	}

	return &StepsResult{Response: resp, Payload: payload}, nil
}

// Listen performs the connection-scoped subscription fetch using the
// caller-supplied credentials. A malformed or empty body decodes to the
// empty string rather than an error; network failures propagate.
func (b *Bridge) Listen(ctx context.Context, projectID, manuscriptID, token string) (any, error) {
	path := fmt.Sprintf(listenPathTemplate, url.PathEscape(projectID), url.PathEscape(manuscriptID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+b.addr+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build listen request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.do("listen", req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		slog.Debug("Listen response body not parsable, falling back to empty result", "error", err)
		return "", nil
	}
	return payload, nil
}

// do executes req behind the circuit breaker and records metrics for it.
func (b *Bridge) do(operation string, req *http.Request) (*http.Response, error) {
	if !b.breaker.TryAcquirePermit() {
		metrics.UpstreamRequestsTotal.WithLabelValues(operation, "circuit_open").Inc()
		return nil, fmt.Errorf("upstream %s call rejected: %w", operation, circuitbreaker.ErrOpen)
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	metrics.UpstreamRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if err != nil {
		b.breaker.RecordError(err)
		metrics.UpstreamRequestsTotal.WithLabelValues(operation, "error").Inc()
		return nil, fmt.Errorf("upstream %s call failed: %w", operation, err)
	}

	b.breaker.RecordSuccess()
	metrics.UpstreamRequestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}
