package main

import "errors"

var (
	// ErrHandleClosed is returned when sending on a connection that has closed.
	ErrHandleClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when a peer is too slow to drain its queue.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Handle is the server's grip on one live connection: a store socket, a
// dashboard socket or an SSE stream. Send must not block; it queues the
// message or fails.
type Handle interface {
	ID() string
	Send(msg *ServerMessage) error
	Close()
}

// SessionState is a connection's position in its lifecycle.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SessionInterface defines the methods handlers need from a session.
// This interface enables mocking sessions in tests.
type SessionInterface interface {
	Handle
	RemoteAddr() string
	State() SessionState
	StoreID() string
	// Activate moves a connecting session to active for storeID. It fails
	// if the session already left the connecting state.
	Activate(storeID string) bool
}

// Compile-time check that Session implements SessionInterface.
var _ SessionInterface = (*Session)(nil)
