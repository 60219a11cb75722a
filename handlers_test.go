package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalecode-solutions/storelink/auth"
	"github.com/scalecode-solutions/storelink/ratelimit"
)

func registerMsg(t *testing.T, reg MsgRegister) *ClientMessage {
	t.Helper()
	data, err := json.Marshal(reg)
	require.NoError(t, err)
	return &ClientMessage{Event: EventRegister, Data: data}
}

func lastError(t *testing.T, s *testSession) MsgError {
	t.Helper()
	msg := s.LastMessage()
	require.NotNil(t, msg)
	require.Equal(t, EventError, msg.Event)
	var e MsgError
	decodeData(t, msg, &e)
	return e
}

func TestHandleRegister_Success(t *testing.T) {
	hub := testHub(nil)
	sess := newTestSession()

	hub.handlers.HandleRegister(sess, registerMsg(t, MsgRegister{StoreID: "STORE01", ClientVersion: "1.4.0"}))

	msg := sess.LastMessage()
	if msg == nil || msg.Event != EventRegistered {
		t.Fatalf("expected registered event, got %+v", msg)
	}
	var ack MsgRegistered
	decodeData(t, msg, &ack)
	if ack.StoreID != "STORE01" || ack.SocketID != sess.ID() {
		t.Errorf("unexpected ack %+v", ack)
	}
	if sess.State() != StateActive {
		t.Errorf("expected active session, got %s", sess.State())
	}

	got, ok := hub.registry.Get("STORE01")
	if !ok {
		t.Fatal("store not registered")
	}
	if got.ClientVersion != "1.4.0" {
		t.Errorf("expected client version 1.4.0, got %q", got.ClientVersion)
	}
}

func TestHandleRegister_InvalidPayload(t *testing.T) {
	tests := []struct {
		name string
		msg  *ClientMessage
	}{
		{"missing data", &ClientMessage{Event: EventRegister}},
		{"not an object", &ClientMessage{Event: EventRegister, Data: json.RawMessage(`"STORE01"`)}},
		{"empty store id", registerMsg(t, MsgRegister{StoreID: "  "})},
		{"bad characters", registerMsg(t, MsgRegister{StoreID: "store 01/x"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := testHub(nil)
			sess := newTestSession()
			hub.handlers.HandleRegister(sess, tt.msg)

			assert.Equal(t, CodeBadRequest, lastError(t, sess).Code)
			assert.Equal(t, StateConnecting, sess.State(), "connection stays open and may retry")
			assert.Equal(t, 0, hub.registry.Len())
		})
	}
}

func TestHandleRegister_Supersedes(t *testing.T) {
	hub := testHub(nil)
	first := newTestSession()
	second := newTestSession()

	hub.handlers.HandleRegister(first, registerMsg(t, MsgRegister{StoreID: "STORE01"}))
	hub.handlers.HandleRegister(second, registerMsg(t, MsgRegister{StoreID: "STORE01"}))

	assert.True(t, first.IsClosed())
	assert.Equal(t, EventRegistered, second.LastMessage().Event)

	got, ok := hub.registry.Get("STORE01")
	require.True(t, ok)
	assert.Equal(t, second.ID(), got.Handle.ID())
}

func TestHandleRegister_StoreSecret(t *testing.T) {
	hash, err := auth.HashSecret("s3cret-for-stores")
	require.NoError(t, err)

	hub := testHub(nil)
	hub.SetValidator(auth.NewValidator(nil, hash))

	bad := newTestSession()
	hub.handlers.HandleRegister(bad, registerMsg(t, MsgRegister{StoreID: "STORE01", Key: "wrong"}))
	assert.Equal(t, CodeUnauthorized, lastError(t, bad).Code)
	assert.True(t, bad.IsClosed())
	assert.Equal(t, 0, hub.registry.Len())

	good := newTestSession()
	hub.handlers.HandleRegister(good, registerMsg(t, MsgRegister{StoreID: "STORE01", Key: "s3cret-for-stores"}))
	assert.Equal(t, EventRegistered, good.LastMessage().Event)
}

func TestHandleRegister_RateLimited(t *testing.T) {
	hub := testHub(nil)
	hub.handlers.registerLimiter = ratelimit.New(0.001, 1)

	first := newTestSession()
	hub.handlers.HandleRegister(first, registerMsg(t, MsgRegister{StoreID: "STORE01"}))
	require.Equal(t, EventRegistered, first.LastMessage().Event)

	storm := newTestSession()
	hub.handlers.HandleRegister(storm, registerMsg(t, MsgRegister{StoreID: "STORE01"}))
	assert.Equal(t, CodeTooManyRequests, lastError(t, storm).Code)
	assert.True(t, storm.IsClosed())

	// The established session is untouched.
	assert.False(t, first.IsClosed())
	got, _ := hub.registry.Get("STORE01")
	assert.Equal(t, first.ID(), got.Handle.ID())
}

func TestHandleRegister_RegistryFull(t *testing.T) {
	cfg := testConfig()
	cfg.Registry.MaxSessions = 1
	hub := testHub(cfg)

	hub.handlers.HandleRegister(newTestSession(), registerMsg(t, MsgRegister{StoreID: "STORE01"}))

	sess := newTestSession()
	hub.handlers.HandleRegister(sess, registerMsg(t, MsgRegister{StoreID: "STORE02"}))
	assert.Equal(t, CodeUnavailable, lastError(t, sess).Code)
	assert.True(t, sess.IsClosed())
}

func TestHandleRegister_ClosedSession(t *testing.T) {
	hub := testHub(nil)
	sess := newTestSession()
	sess.Close()

	hub.handlers.HandleRegister(sess, registerMsg(t, MsgRegister{StoreID: "STORE01"}))
	assert.Equal(t, 0, hub.registry.Len())
}

func TestHandleRegister_RepeatOnActiveSession(t *testing.T) {
	hub := testHub(nil)
	sess := newTestSession()
	hub.handlers.HandleRegister(sess, registerMsg(t, MsgRegister{StoreID: "STORE01"}))

	hub.handlers.HandleRegister(sess, registerMsg(t, MsgRegister{StoreID: "STORE01", ClientVersion: "2.0.0"}))
	assert.Equal(t, EventRegistered, sess.LastMessage().Event)
	got, _ := hub.registry.Get("STORE01")
	assert.Equal(t, "2.0.0", got.ClientVersion)

	hub.handlers.HandleRegister(sess, registerMsg(t, MsgRegister{StoreID: "STORE02"}))
	assert.Equal(t, CodeConflict, lastError(t, sess).Code)
	assert.Equal(t, 1, hub.registry.Len())
}

func TestHandleStatusUpdate_BeforeRegister(t *testing.T) {
	hub := testHub(nil)
	sess := newTestSession()

	hub.handlers.HandleStatusUpdate(sess, &ClientMessage{Event: EventStatusUpdate, Data: json.RawMessage(`{"clientVersion":"1.0.0"}`)})
	assert.Equal(t, CodeConflict, lastError(t, sess).Code)
	assert.False(t, sess.IsClosed())
}

func TestHandleStatusUpdate_Applied(t *testing.T) {
	hub := testHub(nil)
	sess := newTestSession()
	hub.handlers.HandleRegister(sess, registerMsg(t, MsgRegister{StoreID: "STORE01"}))
	count := sess.MessageCount()

	hub.handlers.HandleStatusUpdate(sess, &ClientMessage{
		Event: EventStatusUpdate,
		Data:  json.RawMessage(`{"tpiInfo":{"acquirer":"cielo"},"status":{"message":"Ready","type":"info"}}`),
	})

	assert.Equal(t, count, sess.MessageCount(), "status updates are not acknowledged")
	got, _ := hub.registry.Get("STORE01")
	assert.JSONEq(t, `{"acquirer":"cielo"}`, string(got.Info))
	require.NotNil(t, got.Status)
	assert.Equal(t, "Ready", got.Status.Message)
}

func TestHandleStatusUpdate_Malformed(t *testing.T) {
	hub := testHub(nil)
	sess := newTestSession()
	hub.handlers.HandleRegister(sess, registerMsg(t, MsgRegister{StoreID: "STORE01"}))

	hub.handlers.HandleStatusUpdate(sess, &ClientMessage{Event: EventStatusUpdate, Data: json.RawMessage(`[1]`)})
	assert.Equal(t, CodeBadRequest, lastError(t, sess).Code)
	assert.False(t, sess.IsClosed())
	_, ok := hub.registry.Get("STORE01")
	assert.True(t, ok)
}

func TestHandlePing(t *testing.T) {
	hub := testHub(nil)
	sess := newTestSession()
	hub.handlers.HandlePing(sess, &ClientMessage{Event: EventPing})

	msg := sess.LastMessage()
	require.NotNil(t, msg)
	assert.Equal(t, EventPong, msg.Event)
}

func TestHandleGetConnections(t *testing.T) {
	hub := testHub(nil)
	hub.handlers.HandleRegister(newTestSession(), registerMsg(t, MsgRegister{StoreID: "STORE01"}))

	dash := newActiveSession("")
	hub.handlers.HandleGetConnections(dash, &ClientMessage{Event: EventGetConnections})

	msg := dash.LastMessage()
	require.NotNil(t, msg)
	assert.Equal(t, EventUpdateConnections, msg.Event)
	assert.Contains(t, snapshotStores(t, msg), "STORE01")
}

func TestHandleUpdateClient(t *testing.T) {
	hub := testHub(nil)
	store := newTestSession()
	hub.handlers.HandleRegister(store, registerMsg(t, MsgRegister{StoreID: "STORE01"}))

	tests := []struct {
		name string
		data string
	}{
		{"bare socket id", `"` + store.ID() + `"`},
		{"socket id object", `{"socketId":"` + store.ID() + `"}`},
		{"store id object", `{"storeId":"STORE01"}`},
		{"bare store id", `"STORE01"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dash := newActiveSession("")
			before := store.MessageCount()

			hub.handlers.HandleUpdateClient(dash, &ClientMessage{Event: EventUpdateClient, Data: json.RawMessage(tt.data)})

			assert.Equal(t, before+1, store.MessageCount())
			assert.Equal(t, EventUpdateClient, store.LastMessage().Event)
			assert.JSONEq(t, `{}`, string(store.LastMessage().Data))
			assert.Equal(t, 0, dash.MessageCount())
		})
	}
}

func TestHandleUpdateClient_OfflineReportsCommandError(t *testing.T) {
	hub := testHub(nil)
	dash := newActiveSession("")

	hub.handlers.HandleUpdateClient(dash, &ClientMessage{Event: EventUpdateClient, Data: json.RawMessage(`{"storeId":"STORE77"}`)})

	msg := dash.LastMessage()
	require.NotNil(t, msg)
	assert.Equal(t, EventCommandError, msg.Event)
	var ce MsgCommandError
	decodeData(t, msg, &ce)
	assert.Equal(t, "STORE77", ce.StoreID)
	assert.Equal(t, EventUpdateClient, ce.Command)
	assert.Equal(t, "store STORE77 is not connected", ce.Message)
}

func TestHandleUpdateClient_MissingTarget(t *testing.T) {
	hub := testHub(nil)
	dash := newActiveSession("")

	hub.handlers.HandleUpdateClient(dash, &ClientMessage{Event: EventUpdateClient, Data: json.RawMessage(`{}`)})
	assert.Equal(t, CodeBadRequest, lastError(t, dash).Code)
}

func TestHandleUpdateClient_UnknownSocket(t *testing.T) {
	hub := testHub(nil)
	store := newTestSession()
	hub.handlers.HandleRegister(store, registerMsg(t, MsgRegister{StoreID: "STORE01"}))
	before := store.MessageCount()

	missing := "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
	for _, data := range []string{`"` + missing + `"`, `{"socketId":"` + missing + `"}`} {
		dash := newActiveSession("")
		hub.handlers.HandleUpdateClient(dash, &ClientMessage{Event: EventUpdateClient, Data: json.RawMessage(data)})

		msg := dash.LastMessage()
		require.NotNil(t, msg, data)
		assert.Equal(t, EventCommandError, msg.Event)
		var ce MsgCommandError
		decodeData(t, msg, &ce)
		assert.Empty(t, ce.StoreID, "a socket id is never reported as a store id")
		assert.Equal(t, missing, ce.SocketID)
		assert.Equal(t, "socket "+missing+" is not connected", ce.Message)
	}
	assert.Equal(t, before, store.MessageCount())
}

func TestHandleUpdateClient_SocketOnOtherNode(t *testing.T) {
	hub := testHub(nil)
	remoteSocket := "6f1c2a9e-8d7b-4c3a-9e21-5b0f4d2c1a77"
	hub.cluster.ApplyRemote("node-b", NodeUpdate{Boot: "b1", Version: 1, Stores: []StoreView{
		{StoreID: "STORE09", SocketID: remoteSocket, ConnectedAt: time.Now()},
	}})

	dash := newActiveSession("")
	hub.handlers.HandleUpdateClient(dash, &ClientMessage{Event: EventUpdateClient, Data: json.RawMessage(`"` + remoteSocket + `"`)})

	// Resolved to the remote store; without Redis it cannot be reached.
	msg := dash.LastMessage()
	require.NotNil(t, msg)
	var ce MsgCommandError
	decodeData(t, msg, &ce)
	assert.Equal(t, "STORE09", ce.StoreID)
	assert.Equal(t, "store STORE09 is not connected", ce.Message)
}
