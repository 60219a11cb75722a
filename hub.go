package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/scalecode-solutions/storelink/auth"
	"github.com/scalecode-solutions/storelink/config"
	"github.com/scalecode-solutions/storelink/ratelimit"
	"github.com/scalecode-solutions/storelink/redis"
	"github.com/scalecode-solutions/storelink/store"
)

// Hub owns the live WebSocket sessions and the components they feed: the
// connection registry and its cluster-wide view, the presence synchronizer,
// the broadcaster and the command dispatcher.
type Hub struct {
	// Sessions indexed by session ID
	sessions map[string]*Session
	mu       sync.RWMutex

	// Channels for session management
	register   chan *Session
	unregister chan *Session
	shutdown   chan struct{}
	stopOnce   sync.Once

	registry    *Registry
	cluster     *ClusterView
	presence    *PresenceManager
	broadcaster *Broadcaster
	dispatcher  *Dispatcher
	handlers    *Handlers

	// Redis client for the presence mirror (optional, nil if not enabled)
	redis *redis.Client

	log zerolog.Logger
}

// NewHub creates a Hub and wires its components from cfg.
func NewHub(cfg *config.Config, logger zerolog.Logger) *Hub {
	h := &Hub{
		sessions:   make(map[string]*Session),
		register:   make(chan *Session, 256),
		unregister: make(chan *Session, 256),
		shutdown:   make(chan struct{}),
		log:        logger.With().Str("component", "hub").Logger(),
	}

	h.registry = NewRegistry(
		WithMaxSessions(cfg.Registry.MaxSessions),
		WithLatestClientVersion(cfg.Client.LatestVersion),
		WithRegistryLogger(logger),
	)
	h.cluster = NewClusterView(h.registry, logger)
	h.broadcaster = NewBroadcaster(h.cluster.Snapshot, cfg.Registry.ObserverMaxFailures, logger)
	h.presence = NewPresenceManager(h.registry, h.cluster, h.broadcaster, cfg.Client.MaxStatusLength, logger)
	h.dispatcher = NewDispatcher(h.registry, ratelimit.New(cfg.Registry.CommandRate, cfg.Registry.CommandBurst), logger)
	h.handlers = NewHandlers(h, cfg, logger)
	return h
}

// Run starts the hub's main loop. It returns after Shutdown.
func (h *Hub) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.presence.Run(ctx)

	for {
		select {
		case sess := <-h.register:
			h.addSession(sess)

		case sess := <-h.unregister:
			h.removeSession(sess)

		case <-h.shutdown:
			h.closeAllSessions()
			return
		}
	}
}

// Shutdown closes every session and stops the main loop.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.shutdown) })
}

// SetRedis enables the Redis presence mirror and cross-node commands.
func (h *Hub) SetRedis(r *redis.Client) {
	if r == nil {
		return
	}
	h.redis = r
	h.presence.SetRedis(r)
	h.dispatcher.SetRemote(r)
}

// SetStore enables the persisted client directory.
func (h *Hub) SetStore(db store.Store) {
	h.presence.SetStore(db)
}

// SetValidator enables the store secret check.
func (h *Hub) SetValidator(v *auth.Validator) {
	h.handlers.validator = v
}

// Registry returns the connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Cluster returns the cluster-wide store view.
func (h *Hub) Cluster() *ClusterView { return h.cluster }

// Broadcaster returns the dashboard broadcaster.
func (h *Hub) Broadcaster() *Broadcaster { return h.broadcaster }

// Dispatcher returns the command dispatcher.
func (h *Hub) Dispatcher() *Dispatcher { return h.dispatcher }

// Presence returns the presence synchronizer.
func (h *Hub) Presence() *PresenceManager { return h.presence }

// HandleRemote processes a message from another node: forwarded commands go
// to the dispatcher, store lists to the cluster view. A node seen for the
// first time is answered with this node's own list.
func (h *Hub) HandleRemote(msg *redis.Message) {
	if msg.Type != presenceMessageType {
		h.dispatcher.HandleRemote(msg)
		return
	}
	var u NodeUpdate
	if err := json.Unmarshal(msg.Payload, &u); err != nil {
		h.log.Warn().Err(err).Str("node", msg.FromNode).Msg("invalid presence message")
		return
	}
	if h.cluster.ApplyRemote(msg.FromNode, u) && h.redis != nil {
		go h.presence.PublishLocal(context.Background())
	}
}

// Register adds a session to the hub.
// Non-blocking: if buffer is full, spawns goroutine to retry.
func (h *Hub) Register(sess *Session) {
	select {
	case h.register <- sess:
	default:
		// Buffer full - spawn goroutine to avoid blocking caller
		go func() { h.register <- sess }()
	}
}

// Unregister removes a session from the hub.
// Non-blocking: if buffer is full, spawns goroutine to retry.
// This prevents connection leaks when sessions can't unregister.
func (h *Hub) Unregister(sess *Session) {
	select {
	case h.unregister <- sess:
	default:
		go func() { h.unregister <- sess }()
	}
}

func (h *Hub) addSession(sess *Session) {
	// The session may have ended before its registration was processed.
	if sess.State() == StateClosed {
		return
	}

	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()

	if sess.Kind() == KindDashboard {
		if err := h.broadcaster.Subscribe(sess, TransportWebSocket); err != nil {
			h.log.Warn().Err(err).Str("socket", shortID(sess.id)).Msg("dashboard subscribe failed")
			sess.Close()
		}
	}
}

func (h *Hub) removeSession(sess *Session) {
	h.mu.Lock()
	delete(h.sessions, sess.id)
	h.mu.Unlock()

	switch sess.Kind() {
	case KindStore:
		storeID := sess.StoreID()
		if storeID == "" {
			return
		}
		if h.registry.Unregister(storeID, sess) {
			h.presence.StoreOffline(storeID, sess.id)
			h.log.Info().Str("store", storeID).Str("socket", shortID(sess.id)).Msg("store disconnected")
		}
	case KindDashboard:
		h.broadcaster.Unsubscribe(sess)
	}
}

func (h *Hub) closeAllSessions() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

// SessionCount returns the total number of open WebSocket sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// StoreCount returns the number of registered stores.
func (h *Hub) StoreCount() int {
	return h.registry.Len()
}
