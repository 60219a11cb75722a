package main

import (
	"encoding/json"
	"fmt"
)

// Event names carried in the "event" field of every WebSocket frame.
const (
	// Store -> server
	EventRegister     = "register"
	EventStatusUpdate = "status-update"
	EventPing         = "ping"

	// Server -> store
	EventRegistered = "registered"
	EventPong       = "pong"
	EventError      = "error"

	// Commands (server -> store)
	EventUpdateApp    = "update-app"
	EventUpdateClient = "update-client"
	EventNotify       = "notify"

	// Dashboard <-> server
	EventUpdateConnections = "update-connections"
	EventGetConnections    = "get-connections"
	EventCommandError      = "command-error"
)

// Response codes used in error events, mirroring HTTP semantics.
const (
	CodeOK              = 200
	CodeBadRequest      = 400
	CodeUnauthorized    = 401
	CodeNotFound        = 404
	CodeRequestTimeout  = 408
	CodeConflict        = 409
	CodeTooManyRequests = 429
	CodeInternalError   = 500
	CodeUnavailable     = 503
)

// ClientMessage is a frame received from a store or dashboard.
type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is a frame sent to a store or dashboard. Data is encoded
// once when the message is built so a broadcast to many observers does not
// re-marshal per recipient.
type ServerMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewServerMessage builds a frame, encoding data. A nil data omits the field.
func NewServerMessage(event string, data any) (*ServerMessage, error) {
	msg := &ServerMessage{Event: event}
	if data == nil {
		return msg, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		msg.Data = raw
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	msg.Data = raw
	return msg, nil
}

// mustMessage builds a frame from a payload type owned by this package,
// whose encoding cannot fail.
func mustMessage(event string, data any) *ServerMessage {
	msg, err := NewServerMessage(event, data)
	if err != nil {
		panic(err)
	}
	return msg
}

// ============================================================================
// Store messages
// ============================================================================

// MsgRegister identifies a store connection.
type MsgRegister struct {
	StoreID       string `json:"storeId" validate:"required,storeid"`
	ClientVersion string `json:"clientVersion,omitempty" validate:"omitempty,max=64"`
	Key           string `json:"key,omitempty"`
}

// MsgRegistered acknowledges a registration.
type MsgRegistered struct {
	StoreID  string `json:"storeId"`
	SocketID string `json:"socketId"`
}

// MsgError reports a rejected frame.
type MsgError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ErrorMessage builds an error event.
func ErrorMessage(code int, message string) *ServerMessage {
	return mustMessage(EventError, MsgError{Code: code, Message: message})
}

// ============================================================================
// Command payloads
// ============================================================================

// MsgUpdateApp asks a store to install an application version. Only
// VersionID is always present; the rest comes from the version catalog.
type MsgUpdateApp struct {
	VersionID string `json:"versionId"`
	App       string `json:"app,omitempty"`
	Version   string `json:"version,omitempty"`
	Name      string `json:"name,omitempty"`
	URL       string `json:"url,omitempty"`
}

// MsgNotify shows a message on the store's screen.
type MsgNotify struct {
	Message string `json:"message"`
}

// ============================================================================
// Dashboard messages
// ============================================================================

// MsgCommandError tells a dashboard its command did not reach the store.
type MsgCommandError struct {
	StoreID  string `json:"storeId"`
	SocketID string `json:"socketId,omitempty"` // set when the target socket is unknown
	Command  string `json:"command"`
	Message  string `json:"message"`
}

// MsgTarget names the store a dashboard command is aimed at. Dashboards
// send either a bare socket ID string or an object.
type MsgTarget struct {
	StoreID  string `json:"storeId,omitempty"`
	SocketID string `json:"socketId,omitempty"`
}

// UnmarshalJSON accepts "socketId" or {"storeId": ...}/{"socketId": ...}.
func (t *MsgTarget) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t.SocketID = s
		return nil
	}
	type target MsgTarget
	var v target
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*t = MsgTarget(v)
	return nil
}
