package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbetamony/manuscript-relay/internal/config"
	"github.com/mbetamony/manuscript-relay/internal/relay"
	"github.com/mbetamony/manuscript-relay/internal/upstream"
)

// testRelay stands up the full front door against a fake upstream service.
func testRelay(t *testing.T, upstreamHandler http.HandlerFunc, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()

	fakeUpstream := httptest.NewServer(upstreamHandler)
	t.Cleanup(fakeUpstream.Close)
	u, err := url.Parse(fakeUpstream.URL)
	require.NoError(t, err)

	cfg := &config.Config{
		AppEnv:              "test",
		Port:                "0",
		UpstreamAddr:        u.Host,
		MaxClientsPerDoc:    50,
		MaxConnections:      1000,
		MaxConnectionsPerIP: 100,
		ConnectionRate:      1000,
		ConnectionBurst:     1000,
	}
	if mutate != nil {
		mutate(cfg)
	}

	bridge := upstream.NewBridge(cfg.UpstreamAddr)
	directory := relay.NewDirectory(bridge, clockwork.NewRealClock(), cfg.MaxClientsPerDoc, cfg.AllowKeylessFallback)
	t.Cleanup(directory.Stop)

	srv := NewServer(cfg, directory, nil, nil)
	front := httptest.NewServer(srv.echo)
	t.Cleanup(front.Close)

	return srv, front
}

func dialDoc(t *testing.T, front *httptest.Server, key string) *ws.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/doc/" + key
	conn, _, err := ws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitForClients polls until the coordinator for key reports n connections.
func waitForClients(t *testing.T, srv *Server, key string, n int) {
	t.Helper()
	coordinator, err := srv.directory.Get(key)
	require.NoError(t, err)
	for range 200 {
		if coordinator.ClientCount() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("coordinator %q never reached %d clients", key, n)
}

func readText(t *testing.T, conn *ws.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func assertNoMessage(t *testing.T, conn *ws.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHandleWebSocket_SubscribeRoundTrip(t *testing.T) {
	var gotPath, gotAuth string
	srv, front := testRelay(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"doc":"hello","version":12}`))
	}, nil)

	conn := dialDoc(t, front, "doc-A")
	waitForClients(t, srv, "doc-A", 1)

	sub := `{"projectID":"p1","manuscriptID":"m1","authToken":"t1"}`
	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(sub)))

	var reply map[string]any
	require.NoError(t, json.Unmarshal([]byte(readText(t, conn)), &reply))
	assert.Equal(t, "hello", reply["doc"])

	assert.Equal(t, "/api/v2/doc/p1/manuscript/m1/listen", gotPath)
	assert.Equal(t, "Bearer t1", gotAuth)
}

func TestHandleWebSocket_IncompleteSubscribeGetsNoReply(t *testing.T) {
	var upstreamCalled atomic.Bool
	srv, front := testRelay(t, func(w http.ResponseWriter, r *http.Request) {
		upstreamCalled.Store(true)
	}, nil)

	conn := dialDoc(t, front, "doc-A")
	waitForClients(t, srv, "doc-A", 1)

	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(`{"projectID":"p1"}`)))

	assertNoMessage(t, conn)
	assert.False(t, upstreamCalled.Load())
}

func TestHandleWebSocket_ListenFailureGetsErrorThenClose(t *testing.T) {
	srv, front := testRelay(t, func(w http.ResponseWriter, r *http.Request) {}, func(cfg *config.Config) {
		cfg.UpstreamAddr = "127.0.0.1:1" // nothing listens here
	})

	conn := dialDoc(t, front, "doc-A")
	waitForClients(t, srv, "doc-A", 1)

	sub := `{"projectID":"p1","manuscriptID":"m1","authToken":"t1"}`
	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(sub)))

	// The client gets a JSON error payload, then a 1011 close, never a hang.
	assert.JSONEq(t, `{"error":"subscription failed"}`, readText(t, conn))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, ws.IsCloseError(err, ws.CloseInternalServerErr), "expected 1011 close, got %v", err)
}

func TestHandleWebSocket_AttachRejectionGetsErrorThenClose(t *testing.T) {
	srv, front := testRelay(t, func(w http.ResponseWriter, r *http.Request) {}, func(cfg *config.Config) {
		cfg.MaxClientsPerDoc = 1
	})

	_ = dialDoc(t, front, "doc-A")
	waitForClients(t, srv, "doc-A", 1)

	second := dialDoc(t, front, "doc-A")
	assert.Contains(t, readText(t, second), "max clients")

	require.NoError(t, second.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := second.ReadMessage()
	assert.True(t, ws.IsCloseError(err, ws.CloseInternalServerErr), "expected 1011 close, got %v", err)
}

func TestHandleWebSocket_MissingUpgradeHeaderRejected(t *testing.T) {
	_, front := testRelay(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	resp, err := http.Get(front.URL + "/doc/doc-A")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleSteps_200BroadcastsAndPassesThrough(t *testing.T) {
	srv, front := testRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"steps":[{"pos":4}],"version":8}`))
	}, nil)

	sameDoc := dialDoc(t, front, "doc-A")
	otherDoc := dialDoc(t, front, "doc-B")
	waitForClients(t, srv, "doc-A", 1)
	waitForClients(t, srv, "doc-B", 1)

	resp, err := http.Post(front.URL+"/doc/doc-A/steps", "application/json", strings.NewReader(`{"step":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	// Caller receives the upstream response unchanged.
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"steps":[{"pos":4}],"version":8}`, string(body))

	// Clients on the same document receive the parsed body as a broadcast.
	assert.JSONEq(t, `{"steps":[{"pos":4}],"version":8}`, readText(t, sameDoc))

	// Clients on other documents receive nothing.
	assertNoMessage(t, otherDoc)
}

func TestHandleSteps_Non200PassesThroughWithoutBroadcast(t *testing.T) {
	srv, front := testRelay(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "document gone", http.StatusNotFound)
	}, nil)

	conn := dialDoc(t, front, "doc-A")
	waitForClients(t, srv, "doc-A", 1)

	resp, err := http.Post(front.URL+"/doc/doc-A/steps", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "document gone")

	assertNoMessage(t, conn)
}

func TestHandleDocument_KeylessRejectedByDefault(t *testing.T) {
	_, front := testRelay(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	resp, err := http.Get(front.URL + "/doc")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "missing document key")
}

func TestHandleDocument_KeylessFallbackShared(t *testing.T) {
	srv, front := testRelay(t, func(w http.ResponseWriter, r *http.Request) {}, func(cfg *config.Config) {
		cfg.AllowKeylessFallback = true
	})

	// Both keyless paths collapse onto one shared fallback coordinator.
	for _, path := range []string{"/doc", "/doc/"} {
		wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + path
		conn, _, err := ws.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
	}
	waitForClients(t, srv, "", 2)

	coordinator, err := srv.directory.Get("")
	require.NoError(t, err)
	assert.Equal(t, 2, coordinator.ClientCount())
}

func TestHandleWebSocket_PerIPLimitRejects(t *testing.T) {
	srv, front := testRelay(t, func(w http.ResponseWriter, r *http.Request) {}, func(cfg *config.Config) {
		cfg.MaxConnectionsPerIP = 1
	})

	_ = dialDoc(t, front, "doc-A")
	waitForClients(t, srv, "doc-A", 1)

	resp, err := http.Get(front.URL + "/doc/doc-A")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHandleLiveness(t *testing.T) {
	_, front := testRelay(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	resp, err := http.Get(front.URL + "/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleReadiness_ReportsDocumentCount(t *testing.T) {
	srv, front := testRelay(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	_ = dialDoc(t, front, "doc-A")
	waitForClients(t, srv, "doc-A", 1)

	resp, err := http.Get(front.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["documents"])
}

func TestHandleSteps_UpstreamDownReturnsBadGateway(t *testing.T) {
	srv, front := testRelay(t, func(w http.ResponseWriter, r *http.Request) {}, func(cfg *config.Config) {
		cfg.UpstreamAddr = "127.0.0.1:1"
	})
	_ = srv

	resp, err := http.Post(front.URL+"/doc/doc-A/steps", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
