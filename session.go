package main

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/scalecode-solutions/storelink/config"
)

// SessionKind tells store connections from dashboard connections.
type SessionKind int

const (
	KindStore SessionKind = iota
	KindDashboard
)

func (k SessionKind) String() string {
	if k == KindDashboard {
		return "dashboard"
	}
	return "store"
}

// sessionOptions are the per-connection transport limits.
type sessionOptions struct {
	writeWait       time.Duration
	pongWait        time.Duration
	pingPeriod      time.Duration
	registerTimeout time.Duration
	maxMessageSize  int64
	sendBuffer      int
}

func newSessionOptions(cfg *config.WebSocketConfig) sessionOptions {
	return sessionOptions{
		writeWait:       time.Duration(cfg.WriteWait) * time.Second,
		pongWait:        cfg.PongWait(),
		pingPeriod:      cfg.PingPeriod(),
		registerTimeout: time.Duration(cfg.RegisterTimeout) * time.Second,
		maxMessageSize:  cfg.MaxMessageSize,
		sendBuffer:      cfg.SendBuffer,
	}
}

// Session represents a WebSocket connection.
type Session struct {
	id         string
	kind       SessionKind
	hub        *Hub
	conn       *websocket.Conn
	send       chan *ServerMessage
	handlers   *Handlers
	remoteAddr string
	opts       sessionOptions
	log        zerolog.Logger

	state atomic.Int32

	// Protected by mu - accessed from multiple goroutines
	mu            sync.RWMutex
	storeID       string
	registerTimer *time.Timer

	once sync.Once
}

// NewSession creates a new session. Dashboards start active; stores stay
// connecting until they identify.
func NewSession(hub *Hub, conn *websocket.Conn, kind SessionKind, remoteAddr string, opts sessionOptions) *Session {
	s := &Session{
		id:         uuid.New().String(),
		kind:       kind,
		hub:        hub,
		conn:       conn,
		send:       make(chan *ServerMessage, opts.sendBuffer),
		handlers:   hub.handlers,
		remoteAddr: remoteAddr,
		opts:       opts,
	}
	s.log = hub.log.With().Str("socket", shortID(s.id)).Str("kind", kind.String()).Logger()
	if kind == KindDashboard {
		s.state.Store(int32(StateActive))
	}
	return s
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// Kind returns whether this is a store or a dashboard connection.
func (s *Session) Kind() SessionKind {
	return s.kind
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// StoreID returns the store this session registered as, or "".
func (s *Session) StoreID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storeID
}

// Activate moves the session from connecting to active for storeID.
func (s *Session) Activate(storeID string) bool {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return false
	}
	s.mu.Lock()
	s.storeID = storeID
	if s.registerTimer != nil {
		s.registerTimer.Stop()
	}
	s.mu.Unlock()
	return true
}

// Send queues a message to be sent to the peer.
// Safe to call from multiple goroutines.
func (s *Session) Send(msg *ServerMessage) (err error) {
	// Close may close the channel between the state check and the send.
	defer func() {
		if recover() != nil {
			err = ErrHandleClosed
		}
	}()

	if s.State() == StateClosed {
		return ErrHandleClosed
	}
	select {
	case s.send <- msg:
		return nil
	default:
		// Buffer full, close the session
		go s.Close() // Close in goroutine to avoid deadlock
		return ErrSendBufferFull
	}
}

// Close closes the session. Queued messages are flushed before the close
// frame. Safe to call multiple times - only first call takes effect.
func (s *Session) Close() {
	s.once.Do(func() {
		s.state.Store(int32(StateClosed))
		s.mu.Lock()
		if s.registerTimer != nil {
			s.registerTimer.Stop()
		}
		s.mu.Unlock()
		close(s.send)
	})
}

// Run starts the session's read and write pumps. It blocks until the
// connection ends.
func (s *Session) Run() {
	if s.kind == KindStore && s.opts.registerTimeout > 0 {
		s.mu.Lock()
		s.registerTimer = time.AfterFunc(s.opts.registerTimeout, s.expireRegistration)
		s.mu.Unlock()
	}
	go s.writePump()
	s.readPump()
}

func (s *Session) expireRegistration() {
	if s.State() != StateConnecting {
		return
	}
	s.log.Info().Str("remote", s.remoteAddr).Msg("store did not register in time")
	s.Send(ErrorMessage(CodeRequestTimeout, "registration timeout"))
	s.Close()
}

// readPump pumps messages from the WebSocket connection to the handlers.
func (s *Session) readPump() {
	defer func() {
		s.hub.Unregister(s)
		s.Close()
	}()

	s.conn.SetReadLimit(s.opts.maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.opts.pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.opts.pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Msg("unexpected close")
			}
			break
		}

		// Any frame proves the peer is alive.
		s.conn.SetReadDeadline(time.Now().Add(s.opts.pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Event == "" {
			s.Send(ErrorMessage(CodeBadRequest, "malformed message"))
			continue
		}

		s.dispatch(&msg)
	}
}

// writePump pumps queued messages to the WebSocket connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.opts.pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeWait))
			if !ok {
				// Channel closed
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.conn.WriteJSON(msg); err != nil {
				s.Close()
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

// dispatch routes a peer message to the appropriate handler.
func (s *Session) dispatch(msg *ClientMessage) {
	if s.kind == KindDashboard {
		switch msg.Event {
		case EventGetConnections:
			s.handlers.HandleGetConnections(s, msg)
		case EventUpdateClient:
			s.handlers.HandleUpdateClient(s, msg)
		case EventPing:
			s.handlers.HandlePing(s, msg)
		default:
			s.Send(ErrorMessage(CodeBadRequest, "unknown event"))
		}
		return
	}

	switch msg.Event {
	case EventRegister:
		s.handlers.HandleRegister(s, msg)
	case EventStatusUpdate:
		s.handlers.HandleStatusUpdate(s, msg)
	case EventPing:
		s.handlers.HandlePing(s, msg)
	default:
		s.Send(ErrorMessage(CodeBadRequest, "unknown event"))
	}
}
