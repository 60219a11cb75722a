package main

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/scalecode-solutions/storelink/auth"
	"github.com/scalecode-solutions/storelink/config"
	"github.com/scalecode-solutions/storelink/metrics"
	"github.com/scalecode-solutions/storelink/middleware"
)

// sseWriteTimeout bounds a single SSE write to a slow dashboard.
const sseWriteTimeout = 10 * time.Second

// Server handles HTTP and WebSocket connections.
type Server struct {
	hub       *Hub
	api       *API
	config    *config.Config
	validator *auth.Validator
	upgrader  websocket.Upgrader
	opts      sessionOptions
	log       zerolog.Logger
}

// NewServer creates a new server. A nil validator disables admin auth.
func NewServer(hub *Hub, api *API, cfg *config.Config, validator *auth.Validator, logger zerolog.Logger) *Server {
	return &Server{
		hub:       hub,
		api:       api,
		config:    cfg,
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     middleware.CheckOrigin(cfg.Server.AllowedOrigins),
		},
		opts: newSessionOptions(&cfg.WebSocket),
		log:  logger.With().Str("component", "server").Logger(),
	}
}

// Handler returns the fully wired HTTP handler. CORS wraps the router so
// preflight requests are answered before route matching.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	apiPath := s.config.Server.APIPath
	if s.config.Metrics.Enabled {
		r.Use(middleware.Metrics(s.config.Metrics.Path, "/health", "/ws/store", "/ws/dashboard", apiPath+"/sse"))
	}
	r.Use(middleware.Logging(s.log))

	r.HandleFunc("/ws/store", s.handleStoreSocket).Methods(http.MethodGet)
	r.Handle("/ws/dashboard", s.validator.Middleware(http.HandlerFunc(s.handleDashboardSocket))).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.config.Metrics.Enabled {
		r.Handle(s.config.Metrics.Path, metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix(apiPath).Subrouter()
	api.Use(s.validator.Middleware)
	api.HandleFunc("/sse", s.handleSSE).Methods(http.MethodGet)
	s.api.Routes(api)

	return middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: s.config.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Requested-With"},
		MaxAge:         86400, // 24 hours
	})(r)
}

func (s *Server) remoteAddr(r *http.Request) string {
	if s.config.Server.UseXForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			return strings.TrimSpace(strings.Split(xff, ",")[0])
		}
	}
	return r.RemoteAddr
}

// handleStoreSocket upgrades a store connection. A storeId query parameter
// registers the store right away; otherwise it must send a register event.
func (s *Server) handleStoreSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sess := NewSession(s.hub, conn, KindStore, s.remoteAddr(r), s.opts)
	s.hub.Register(sess)

	q := r.URL.Query()
	if storeID := q.Get("storeId"); storeID != "" {
		data, err := NewServerMessage(EventRegister, MsgRegister{
			StoreID:       storeID,
			ClientVersion: q.Get("clientVersion"),
			Key:           q.Get("key"),
		})
		if err == nil {
			s.hub.handlers.HandleRegister(sess, &ClientMessage{Event: EventRegister, Data: data.Data})
		}
	}

	// Run the session (blocks until session closes)
	sess.Run()
}

// handleDashboardSocket upgrades an authenticated dashboard connection.
func (s *Server) handleDashboardSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sess := NewSession(s.hub, conn, KindDashboard, s.remoteAddr(r), s.opts)
	s.hub.Register(sess)
	sess.Run()
}

// handleHealth is a simple health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":     "ok",
		"sessions":   s.hub.SessionCount(),
		"stores":     s.hub.StoreCount(),
		"dashboards": s.hub.Broadcaster().Count(),
	}
	if s.hub.redis != nil {
		health["node"] = s.hub.redis.NodeID()
	}
	writeJSON(w, http.StatusOK, health)
}

// sseObserver is a dashboard following the store list over Server-Sent
// Events. The handler goroutine drains its queue.
type sseObserver struct {
	id   string
	send chan *ServerMessage
	done chan struct{}
	once sync.Once
}

func newSSEObserver(buffer int) *sseObserver {
	return &sseObserver{
		id:   uuid.New().String(),
		send: make(chan *ServerMessage, buffer),
		done: make(chan struct{}),
	}
}

func (o *sseObserver) ID() string { return o.id }

func (o *sseObserver) Send(msg *ServerMessage) error {
	select {
	case <-o.done:
		return ErrHandleClosed
	default:
	}
	select {
	case o.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (o *sseObserver) Close() {
	o.once.Do(func() { close(o.done) })
}

// handleSSE streams update-connections events to a dashboard.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// ResponseController gives deadline-aware writes and flushes.
	rc := http.NewResponseController(w)
	deadlinesSupported := true

	writeAndFlush := func(format string, args ...any) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				deadlinesSupported = false
			}
		}
		if _, err := fmt.Fprintf(w, format, args...); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	obs := newSSEObserver(s.config.WebSocket.SendBuffer)
	defer obs.Close()
	if err := s.hub.Broadcaster().Subscribe(obs, TransportSSE); err != nil {
		return
	}
	defer s.hub.Broadcaster().Unsubscribe(obs)

	keepalive := time.NewTicker(s.opts.pingPeriod)
	defer keepalive.Stop()

	for {
		select {
		case msg := <-obs.send:
			if err := writeAndFlush("event: %s\ndata: %s\n\n", msg.Event, msg.Data); err != nil {
				return
			}

		case <-keepalive.C:
			if err := writeAndFlush(": keepalive\n\n"); err != nil {
				return
			}

		case <-obs.done:
			// Evicted by the broadcaster
			return

		case <-r.Context().Done():
			return
		}
	}
}
