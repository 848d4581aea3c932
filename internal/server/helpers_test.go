package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-gateway/internal/auth"
	"github.com/Tyrowin/gochat-gateway/internal/logger"
	"github.com/Tyrowin/gochat-gateway/internal/presence"
	"github.com/Tyrowin/gochat-gateway/internal/store"
)

const (
	testSecret  = "gateway-test-secret"
	readTimeout = 3 * time.Second
)

// testGateway is a hub served by an httptest server with in-memory stores.
type testGateway struct {
	hub      *Hub
	server   *httptest.Server
	wsURL    string
	messages *store.Memory
	presence *presence.MemoryStore
}

type gatewayOption func(*Config, *Dependencies)

func withConfig(mutate func(*Config)) gatewayOption {
	return func(cfg *Config, _ *Dependencies) { mutate(cfg) }
}

func withPersistence(p ChatPersistence) gatewayOption {
	return func(_ *Config, deps *Dependencies) { deps.Persistence = p }
}

// newTestGateway starts a hub and HTTP server that are torn down with t.
func newTestGateway(t *testing.T, opts ...gatewayOption) *testGateway {
	t.Helper()

	cfg := NewConfig()
	cfg.AllowedOrigins = []string{"http://localhost:8080"}
	cfg.RateLimit.Burst = 1000
	cfg.ServerID = "test"

	messages := store.NewMemory()
	presenceStore := presence.NewMemoryStore(time.Hour)
	deps := Dependencies{
		Validator:   testValidator(t),
		Persistence: messages,
		Presence:    presenceStore,
		Logger:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}

	hub := newTestHub(t, cfg, deps)
	hub.Start()
	waitFor(t, "hub running", func() bool { return hub.StatusSnapshot().Running })

	srv := httptest.NewServer(SetupRoutes(hub))
	t.Cleanup(func() {
		if err := hub.Shutdown(5 * time.Second); err != nil {
			t.Errorf("Hub shutdown failed: %v", err)
		}
		srv.Close()
	})

	return &testGateway{
		hub:      hub,
		server:   srv,
		wsURL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		messages: messages,
		presence: presenceStore,
	}
}

func testValidator(t *testing.T) TokenValidator {
	t.Helper()
	validator, err := auth.NewJWTValidator(testSecret)
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}
	return validator
}

// newTestHub builds a hub without starting it.
func newTestHub(t *testing.T, cfg *Config, deps Dependencies) *Hub {
	t.Helper()
	if deps.Validator == nil {
		deps.Validator = testValidator(t)
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	hub, err := NewHub(cfg, deps)
	if err != nil {
		t.Fatalf("Failed to create hub: %v", err)
	}
	return hub
}

func issueToken(t *testing.T, userID int64) string {
	t.Helper()
	token, err := auth.Issue(testSecret, userID, time.Hour)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return token
}

// dial opens a WebSocket without authenticating.
func (g *testGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", "http://localhost:8080")

	conn, resp, err := dialer.Dial(g.wsURL, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect opens and authenticates a connection for userID.
func (g *testGateway) connect(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()

	conn := g.dial(t)
	sendJSON(t, conn, map[string]any{"type": "authenticate", "token": issueToken(t, userID)})
	ev := expectEvent(t, conn, TypeAuthenticated)
	if got := ev["user_id"]; got != float64(userID) {
		t.Fatalf("Expected authenticated user_id %d, got %v", userID, got)
	}
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}
}

func readRaw(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return raw
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	raw := readRaw(t, conn)
	var ev map[string]any
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("Failed to decode frame %q: %v", raw, err)
	}
	return ev
}

// expectEvent reads the next frame and requires it to have type want.
func expectEvent(t *testing.T, conn *websocket.Conn, want EventType) map[string]any {
	t.Helper()
	ev := readEvent(t, conn)
	if ev["type"] != string(want) {
		t.Fatalf("Expected %q event, got %v", want, ev)
	}
	return ev
}

func expectEventFromRaw(t *testing.T, raw []byte, want EventType) map[string]any {
	t.Helper()
	var ev map[string]any
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("Failed to decode frame %q: %v", raw, err)
	}
	if ev["type"] != string(want) {
		t.Fatalf("Expected %q event, got %v", want, ev)
	}
	return ev
}

func expectError(t *testing.T, conn *websocket.Conn, message string) {
	t.Helper()
	ev := expectEvent(t, conn, TypeError)
	if ev["message"] != message {
		t.Fatalf("Expected error %q, got %q", message, ev["message"])
	}
}

// sentinel sends a frame with a known reply and requires that reply to be
// the next frame, proving nothing else was queued for conn in between.
func sentinel(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	id := "sentinel-" + uuid.NewString()[:8]
	sendJSON(t, conn, map[string]any{"type": "leave_private_room", "room_id": id})
	ev := expectEvent(t, conn, TypeLeftRoom)
	if ev["room_id"] != id {
		t.Fatalf("Expected sentinel reply for %s, got %v", id, ev)
	}
}

// expectClosed reads until the server closes conn. Events still queued
// before the close frame are returned.
func expectClosed(t *testing.T, conn *websocket.Conn) []map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var events []map[string]any
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("Connection was not closed by the server")
			}
			return events
		}
		var ev map[string]any
		if err := json.Unmarshal(raw, &ev); err == nil {
			events = append(events, ev)
		}
	}
}

// expectCloseCode requires the server to close conn with code.
func expectCloseCode(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("Expected close code %d, got %v", code, err)
		}
		return
	}
}

// waitFor polls cond until it holds or a deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func isOnline(t *testing.T, p presence.Store, userID int64) bool {
	t.Helper()
	online, err := p.IsOnline(context.Background(), userID)
	if err != nil {
		t.Fatalf("Presence lookup failed: %v", err)
	}
	return online
}

// newTestClient builds a client with no socket for exercising hub-owned
// state directly.
func newTestClient(userID int64, buffer int) *Client {
	return &Client{
		id:     uuid.NewString(),
		send:   make(chan []byte, buffer),
		userID: userID,
		rooms:  make(map[string]*room),
		log:    logger.Nop(),
	}
}

// drain returns every event queued on c without blocking.
func drain(t *testing.T, c *Client) []map[string]any {
	t.Helper()
	var events []map[string]any
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return events
			}
			var ev map[string]any
			if err := json.Unmarshal(raw, &ev); err != nil {
				t.Fatalf("Failed to decode queued event %q: %v", raw, err)
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func eventTypes(events []map[string]any) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i], _ = ev["type"].(string)
	}
	return types
}

type failingPersistence struct{}

func (failingPersistence) SendMessage(context.Context, int64, int64, string, string) (*store.Message, error) {
	return nil, store.ErrStoreUnavailable
}

func (failingPersistence) SenderAvatar(context.Context, int64) (string, error) {
	return "", nil
}
