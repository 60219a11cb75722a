package main

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalecode-solutions/storelink/config"
)

type liveServer struct {
	hub *Hub
	ts  *httptest.Server
}

func startServer(t *testing.T, cfg *config.Config) *liveServer {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	hub := NewHub(cfg, zerolog.Nop())
	api := NewAPI(hub, cfg, zerolog.Nop())
	srv := NewServer(hub, api, cfg, nil, zerolog.Nop())

	go hub.Run()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Shutdown()
		ts.Close()
	})
	return &liveServer{hub: hub, ts: ts}
}

func (s *liveServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *liveServer) post(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Post(s.ts.URL+path, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ClientMessage{Event: event, Data: raw}))
}

// readUntil reads frames until match accepts one or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(*ServerMessage) bool) *ServerMessage {
	t.Helper()
	return readUntilWithin(t, conn, 3*time.Second, match)
}

func readUntilWithin(t *testing.T, conn *websocket.Conn, wait time.Duration, match func(*ServerMessage) bool) *ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(wait))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("no matching message: %v", err)
		}
		if match(&msg) {
			return &msg
		}
	}
}

func isEvent(event string) func(*ServerMessage) bool {
	return func(m *ServerMessage) bool { return m.Event == event }
}

func TestEndToEnd_StoreLifecycle(t *testing.T) {
	s := startServer(t, nil)

	dash := s.dial(t, "/ws/dashboard")
	first := readUntil(t, dash, isEvent(EventUpdateConnections))
	assert.Empty(t, snapshotStores(t, first))

	storeConn := s.dial(t, "/ws/store")
	sendEvent(t, storeConn, EventRegister, MsgRegister{StoreID: "STORE01", ClientVersion: "1.2.0"})
	ack := readUntil(t, storeConn, isEvent(EventRegistered))
	var registered MsgRegistered
	decodeData(t, ack, &registered)
	assert.Equal(t, "STORE01", registered.StoreID)

	readUntil(t, dash, func(m *ServerMessage) bool {
		if m.Event != EventUpdateConnections {
			return false
		}
		view, ok := snapshotStores(t, m)["STORE01"]
		return ok && view.SocketID == registered.SocketID
	})

	sendEvent(t, storeConn, EventStatusUpdate, map[string]any{
		"status": map[string]any{"message": "Imprimindo", "type": "info"},
	})
	readUntil(t, dash, func(m *ServerMessage) bool {
		if m.Event != EventUpdateConnections {
			return false
		}
		view := snapshotStores(t, m)["STORE01"]
		return view.Status != nil && view.Status.Message == "Imprimindo"
	})

	resp := s.post(t, "/api/stores/STORE01/update-app/versionX")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cmd := readUntil(t, storeConn, isEvent(EventUpdateApp))
	assert.JSONEq(t, `{"versionId":"versionX"}`, string(cmd.Data))

	// Dashboards push update-client by socket id.
	sendEvent(t, dash, EventUpdateClient, registered.SocketID)
	readUntil(t, storeConn, isEvent(EventUpdateClient))

	storeConn.Close()
	readUntil(t, dash, func(m *ServerMessage) bool {
		if m.Event != EventUpdateConnections {
			return false
		}
		_, ok := snapshotStores(t, m)["STORE01"]
		return !ok
	})

	resp = s.post(t, "/api/stores/STORE01/notify")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEndToEnd_SupersedeKeepsNewConnection(t *testing.T) {
	s := startServer(t, nil)

	old := s.dial(t, "/ws/store")
	sendEvent(t, old, EventRegister, MsgRegister{StoreID: "STORE01"})
	readUntil(t, old, isEvent(EventRegistered))

	fresh := s.dial(t, "/ws/store")
	sendEvent(t, fresh, EventRegister, MsgRegister{StoreID: "STORE01"})
	ack := readUntil(t, fresh, isEvent(EventRegistered))
	var registered MsgRegistered
	decodeData(t, ack, &registered)

	// The stale connection is closed by the server.
	old.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := old.ReadMessage(); err != nil {
			break
		}
	}

	// Its teardown must not remove the new session.
	assert.Never(t, func() bool {
		got, ok := s.hub.Registry().Get("STORE01")
		return !ok || got.Handle.ID() != registered.SocketID
	}, 300*time.Millisecond, 20*time.Millisecond)

	resp := s.post(t, "/api/stores/STORE01/update-client")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readUntil(t, fresh, isEvent(EventUpdateClient))
}

func TestEndToEnd_QueryRegistration(t *testing.T) {
	s := startServer(t, nil)

	conn := s.dial(t, "/ws/store?storeId=STORE42&clientVersion=2.1.0")
	readUntil(t, conn, isEvent(EventRegistered))

	got, ok := s.hub.Registry().Get("STORE42")
	require.True(t, ok)
	assert.Equal(t, "2.1.0", got.ClientVersion)
}

func TestEndToEnd_RegisterTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.WebSocket.RegisterTimeout = 1
	s := startServer(t, cfg)

	conn := s.dial(t, "/ws/store")
	msg := readUntil(t, conn, isEvent(EventError))
	var e MsgError
	decodeData(t, msg, &e)
	assert.Equal(t, CodeRequestTimeout, e.Code)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection closed after the timeout")
	assert.Equal(t, 0, s.hub.Registry().Len())
}

func TestEndToEnd_UnknownEvent(t *testing.T) {
	s := startServer(t, nil)

	conn := s.dial(t, "/ws/store")
	sendEvent(t, conn, "get-connections", nil)
	msg := readUntil(t, conn, isEvent(EventError))
	var e MsgError
	decodeData(t, msg, &e)
	assert.Equal(t, CodeBadRequest, e.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg = readUntil(t, conn, isEvent(EventError))
	decodeData(t, msg, &e)
	assert.Equal(t, "malformed message", e.Message)
}

func TestEndToEnd_SSEFeed(t *testing.T) {
	s := startServer(t, nil)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(s.ts.URL + "/api/sse")
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	// nextData returns the data line of the next update-connections event.
	nextData := func() string {
		t.Helper()
		event := ""
		for lines.Scan() {
			line := lines.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: ") && event == EventUpdateConnections:
				return strings.TrimPrefix(line, "data: ")
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return ""
	}

	assert.JSONEq(t, `{"stores":{}}`, nextData())

	conn := s.dial(t, "/ws/store")
	sendEvent(t, conn, EventRegister, MsgRegister{StoreID: "STORE01"})
	readUntil(t, conn, isEvent(EventRegistered))

	for {
		if strings.Contains(nextData(), `"STORE01"`) {
			break
		}
	}
	assert.Equal(t, 1, s.hub.Broadcaster().Count())
}

func TestEndToEnd_SilentStoreEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.WebSocket.PingInterval = 1
	s := startServer(t, cfg)

	// The dashboard keeps reading, so its pongs go out.
	dash := s.dial(t, "/ws/dashboard")
	readUntil(t, dash, isEvent(EventUpdateConnections))

	// The store never reads again after its ack, so pings go unanswered.
	storeConn := s.dial(t, "/ws/store")
	sendEvent(t, storeConn, EventRegister, MsgRegister{StoreID: "STORE01"})
	readUntil(t, storeConn, isEvent(EventRegistered))
	started := time.Now()

	readUntil(t, dash, func(m *ServerMessage) bool {
		if m.Event != EventUpdateConnections {
			return false
		}
		_, ok := snapshotStores(t, m)["STORE01"]
		return ok
	})

	readUntilWithin(t, dash, 8*time.Second, func(m *ServerMessage) bool {
		if m.Event != EventUpdateConnections {
			return false
		}
		_, ok := snapshotStores(t, m)["STORE01"]
		return !ok
	})
	assert.GreaterOrEqual(t, time.Since(started), 2*time.Second, "evicted only after the pong wait")
	assert.Eventually(t, func() bool { return s.hub.StoreCount() == 0 }, time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, s.hub.Broadcaster().Count(), "the live dashboard stays subscribed")
}
