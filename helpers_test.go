package main

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scalecode-solutions/storelink/config"
)

// testSession is a mock session that records sent messages.
type testSession struct {
	id string

	mu       sync.Mutex
	state    SessionState
	storeID  string
	messages []*ServerMessage
	sendErr  error
	closes   int
}

func newTestSession() *testSession {
	return &testSession{
		id:       uuid.New().String(),
		messages: make([]*ServerMessage, 0),
	}
}

// newActiveSession returns a session already registered as storeID.
func newActiveSession(storeID string) *testSession {
	s := newTestSession()
	s.Activate(storeID)
	return s
}

func (s *testSession) ID() string { return s.id }

func (s *testSession) RemoteAddr() string { return "127.0.0.1:50000" }

func (s *testSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *testSession) StoreID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeID
}

func (s *testSession) Activate(storeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.state = StateActive
	s.storeID = storeID
	return true
}

func (s *testSession) Send(msg *ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrHandleClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *testSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	s.closes++
}

func (s *testSession) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *testSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed
}

func (s *testSession) LastMessage() *ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return nil
	}
	return s.messages[len(s.messages)-1]
}

func (s *testSession) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// testConfig returns a config with every default applied.
func testConfig() *config.Config {
	return config.Default()
}

// testHub creates a hub that is not running its main loop.
func testHub(cfg *config.Config) *Hub {
	if cfg == nil {
		cfg = testConfig()
	}
	return NewHub(cfg, zerolog.Nop())
}

// decodeData unmarshals a message payload, failing the test on error.
func decodeData(t *testing.T, msg *ServerMessage, v any) {
	t.Helper()
	if msg == nil {
		t.Fatal("expected a message")
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		t.Fatalf("decode %s payload: %v", msg.Event, err)
	}
}

// snapshotStores decodes an update-connections payload.
func snapshotStores(t *testing.T, msg *ServerMessage) map[string]StoreView {
	t.Helper()
	var payload struct {
		Stores map[string]StoreView `json:"stores"`
	}
	decodeData(t, msg, &payload)
	return payload.Stores
}
