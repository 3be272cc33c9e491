package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmforge/orchestrator/internal/api/middleware"
	"github.com/wasmforge/orchestrator/internal/domain"
	"github.com/wasmforge/orchestrator/internal/streaming"
)

// fakeSnapshotReader is a minimal streaming.JobSnapshotReader stub. Every
// lookup fails with assert.AnError, which is enough to exercise error paths
// that never need to reach the (nil, in these tests) broker.
type fakeSnapshotReader struct{}

func (fakeSnapshotReader) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return nil, assert.AnError
}

func withTestIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), middleware.UserIDKey, "test-user")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ---------------------------------------------------------------------------
// newUpgrader unit tests (origin validation)
// ---------------------------------------------------------------------------

func TestNewUpgrader_WildcardAllowsAnyOrigin(t *testing.T) {
	u := newUpgrader([]string{"*"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://unknown-origin.example.com")
	assert.True(t, u.CheckOrigin(req))
}

func TestNewUpgrader_AllowedOriginsExactMatch(t *testing.T) {
	u := newUpgrader([]string{"https://app.example.com", "https://admin.example.com"})

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{"allowed_origin_1", "https://app.example.com", true},
		{"allowed_origin_2", "https://admin.example.com", true},
		{"disallowed_origin", "https://evil.example.com", false},
		{"empty_origin", "", false},
		{"subdomain_mismatch", "https://sub.app.example.com", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.allowed, u.CheckOrigin(req))
		})
	}
}

func TestNewUpgrader_EmptyAllowedOrigins(t *testing.T) {
	u := newUpgrader([]string{})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://any.example.com")
	assert.False(t, u.CheckOrigin(req))
}

// ---------------------------------------------------------------------------
// StreamHandler.ServeHTTP tests
// ---------------------------------------------------------------------------

func TestStreamHandler_MissingUserContext(t *testing.T) {
	hub := streaming.NewHub(nil, fakeSnapshotReader{})
	go hub.Run()

	handler := NewStreamHandler(hub, []string{"*"})

	// No user context injected.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/ws", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")
}

func TestStreamHandler_SuccessfulWebSocketUpgrade(t *testing.T) {
	hub := streaming.NewHub(nil, fakeSnapshotReader{})
	go hub.Run()

	handler := NewStreamHandler(hub, []string{"*"})
	srv := httptest.NewServer(withTestIdentity(handler))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"

	dialer := websocket.Dialer{}
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// Send a ping message and expect a pong back.
	err = conn.WriteJSON(streaming.ClientMessage{Type: streaming.MsgTypePing})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var serverMsg streaming.ServerMessage
	err = conn.ReadJSON(&serverMsg)
	require.NoError(t, err)
	assert.Equal(t, streaming.MsgTypePong, serverMsg.Type)
}

func TestStreamHandler_WebSocketMessageHandling(t *testing.T) {
	hub := streaming.NewHub(nil, fakeSnapshotReader{})
	go hub.Run()

	handler := NewStreamHandler(hub, []string{"*"})
	srv := httptest.NewServer(withTestIdentity(handler))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Test unknown message type.
	err = conn.WriteJSON(streaming.ClientMessage{Type: "unknown_type"})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var serverMsg streaming.ServerMessage
	err = conn.ReadJSON(&serverMsg)
	require.NoError(t, err)
	assert.Equal(t, streaming.MsgTypeError, serverMsg.Type)
}

func TestStreamHandler_SubscribeUnknownJob(t *testing.T) {
	hub := streaming.NewHub(nil, fakeSnapshotReader{})
	go hub.Run()

	handler := NewStreamHandler(hub, []string{"*"})
	srv := httptest.NewServer(withTestIdentity(handler))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The fake store fails every lookup, so any subscribe attempt errors
	// out before ever touching the (nil) broker.
	err = conn.WriteJSON(map[string]interface{}{
		"type":    streaming.MsgTypeSubscribeJob,
		"payload": map[string]string{"job_id": "does-not-exist"},
	})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var serverMsg streaming.ServerMessage
	err = conn.ReadJSON(&serverMsg)
	require.NoError(t, err)
	assert.Equal(t, streaming.MsgTypeError, serverMsg.Type)
}

func TestStreamHandler_InvalidJSON(t *testing.T) {
	hub := streaming.NewHub(nil, fakeSnapshotReader{})
	go hub.Run()

	handler := NewStreamHandler(hub, []string{"*"})
	srv := httptest.NewServer(withTestIdentity(handler))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Send invalid JSON.
	err = conn.WriteMessage(websocket.TextMessage, []byte("{broken"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var serverMsg streaming.ServerMessage
	err = conn.ReadJSON(&serverMsg)
	require.NoError(t, err)
	assert.Equal(t, streaming.MsgTypeError, serverMsg.Type)
}

func TestStreamHandler_OriginRejection(t *testing.T) {
	hub := streaming.NewHub(nil, fakeSnapshotReader{})
	go hub.Run()

	handler := NewStreamHandler(hub, []string{"https://allowed.example.com"})
	srv := httptest.NewServer(withTestIdentity(handler))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"

	// Set a disallowed origin.
	dialer := websocket.Dialer{}
	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")

	_, resp, err := dialer.Dial(wsURL, header)
	assert.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}

func TestNewStreamHandler_Constructor(t *testing.T) {
	hub := streaming.NewHub(nil, fakeSnapshotReader{})
	handler := NewStreamHandler(hub, []string{"https://example.com"})

	assert.NotNil(t, handler)
	assert.NotNil(t, handler.hub)
}
