package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scalecode-solutions/storelink/auth"
	"github.com/scalecode-solutions/storelink/config"
	"github.com/scalecode-solutions/storelink/metrics"
	"github.com/scalecode-solutions/storelink/ratelimit"
)

// dashboardCommandTimeout bounds a command a dashboard sends over its socket.
const dashboardCommandTimeout = 5 * time.Second

// Handlers holds dependencies for WebSocket event handlers.
type Handlers struct {
	registry    *Registry
	cluster     *ClusterView
	presence    *PresenceManager
	broadcaster *Broadcaster
	dispatcher  *Dispatcher

	// Per-store registration limit against reconnect storms
	registerLimiter *ratelimit.Limiter
	// Store secret check (nil when stores are not authenticated)
	validator *auth.Validator

	cfg *config.Config
	log zerolog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(hub *Hub, cfg *config.Config, logger zerolog.Logger) *Handlers {
	return &Handlers{
		registry:        hub.registry,
		cluster:         hub.cluster,
		presence:        hub.presence,
		broadcaster:     hub.broadcaster,
		dispatcher:      hub.dispatcher,
		registerLimiter: ratelimit.New(cfg.Registry.RegisterRate, cfg.Registry.RegisterBurst),
		cfg:             cfg,
		log:             logger.With().Str("component", "handlers").Logger(),
	}
}

// ============================================================================
// Store events
// ============================================================================

// HandleRegister identifies a store connection and makes it the store's
// session, superseding any previous one.
func (h *Handlers) HandleRegister(s SessionInterface, msg *ClientMessage) {
	var reg MsgRegister
	if err := json.Unmarshal(msg.Data, &reg); err != nil {
		metrics.RecordRegistration("invalid")
		s.Send(ErrorMessage(CodeBadRequest, "invalid register payload"))
		return
	}
	reg.StoreID = strings.TrimSpace(reg.StoreID)
	if err := validate.Struct(&reg); err != nil {
		metrics.RecordRegistration("invalid")
		s.Send(ErrorMessage(CodeBadRequest, validationMessage(err)))
		return
	}

	initial := StatusUpdate{}
	if reg.ClientVersion != "" {
		cv := reg.ClientVersion
		initial.ClientVersion = &cv
	}

	if s.State() != StateConnecting {
		h.reregister(s, reg, initial)
		return
	}

	log := h.log.With().Str("store", reg.StoreID).Str("socket", shortID(s.ID())).Logger()

	if err := h.validator.CheckStoreSecret(reg.Key); err != nil {
		metrics.RecordRegistration("unauthorized")
		log.Warn().Str("remote", s.RemoteAddr()).Msg("store secret rejected")
		s.Send(ErrorMessage(CodeUnauthorized, "invalid store key"))
		s.Close()
		return
	}

	if h.registerLimiter != nil && !h.registerLimiter.Allow(reg.StoreID) {
		metrics.RecordRegistration("rate_limited")
		log.Warn().Str("remote", s.RemoteAddr()).Msg("registration rate limited")
		s.Send(ErrorMessage(CodeTooManyRequests, "too many registrations, retry later"))
		s.Close()
		return
	}

	if !s.Activate(reg.StoreID) {
		// Closed while we were validating.
		return
	}

	_, superseded, err := h.registry.Register(reg.StoreID, s, initial)
	if err != nil {
		metrics.RecordRegistration("rejected")
		log.Warn().Err(err).Msg("registration rejected")
		code := CodeInternalError
		if errors.Is(err, ErrRegistryFull) {
			code = CodeUnavailable
		}
		s.Send(ErrorMessage(code, err.Error()))
		s.Close()
		return
	}

	// The connection may have dropped between Activate and Register, after
	// the hub already ran its cleanup.
	if s.State() == StateClosed {
		h.registry.Unregister(reg.StoreID, s)
		return
	}

	h.presence.StoreOnline(reg.StoreID, s.ID())

	result := "new"
	if superseded {
		result = "superseded"
	}
	metrics.RecordRegistration(result)
	log.Info().Str("remote", s.RemoteAddr()).Str("clientVersion", reg.ClientVersion).Bool("superseded", superseded).Msg("store registered")

	s.Send(mustMessage(EventRegistered, MsgRegistered{StoreID: reg.StoreID, SocketID: s.ID()}))
}

// reregister handles a repeated register from an active connection. The
// same store ID refreshes the metadata; another ID is refused.
func (h *Handlers) reregister(s SessionInterface, reg MsgRegister, initial StatusUpdate) {
	if s.State() != StateActive {
		return
	}
	if current := s.StoreID(); current != reg.StoreID {
		s.Send(ErrorMessage(CodeConflict, "connection already registered as "+current))
		return
	}
	if _, _, err := h.registry.Register(reg.StoreID, s, initial); err != nil {
		s.Send(ErrorMessage(CodeInternalError, err.Error()))
		return
	}
	s.Send(mustMessage(EventRegistered, MsgRegistered{StoreID: reg.StoreID, SocketID: s.ID()}))
}

// HandleStatusUpdate applies a store's status report.
func (h *Handlers) HandleStatusUpdate(s SessionInterface, msg *ClientMessage) {
	if s.State() != StateActive {
		s.Send(ErrorMessage(CodeConflict, "register before sending status updates"))
		return
	}
	if _, err := h.presence.ApplyStatus(s.StoreID(), s, msg.Data); err != nil {
		s.Send(ErrorMessage(CodeBadRequest, err.Error()))
	}
}

// HandlePing answers an application-level ping.
func (h *Handlers) HandlePing(s SessionInterface, msg *ClientMessage) {
	s.Send(mustMessage(EventPong, nil))
}

// ============================================================================
// Dashboard events
// ============================================================================

// HandleGetConnections re-sends the current snapshot to a dashboard.
func (h *Handlers) HandleGetConnections(s SessionInterface, msg *ClientMessage) {
	if err := h.broadcaster.Subscribe(s, TransportWebSocket); err != nil {
		h.log.Debug().Err(err).Str("socket", shortID(s.ID())).Msg("snapshot resend failed")
	}
}

// HandleUpdateClient asks a store to update its desktop client. The target
// is a socket ID or a store ID.
func (h *Handlers) HandleUpdateClient(s SessionInterface, msg *ClientMessage) {
	var target MsgTarget
	if err := json.Unmarshal(msg.Data, &target); err != nil || (target.StoreID == "" && target.SocketID == "") {
		s.Send(ErrorMessage(CodeBadRequest, "update-client needs a socketId or storeId"))
		return
	}

	storeID, err := h.resolveTarget(target)
	if err != nil {
		s.Send(mustMessage(EventCommandError, MsgCommandError{
			SocketID: target.SocketID,
			Command:  EventUpdateClient,
			Message:  err.Error(),
		}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dashboardCommandTimeout)
	defer cancel()
	if err := h.dispatcher.Dispatch(ctx, storeID, EventUpdateClient, struct{}{}); err != nil {
		s.Send(mustMessage(EventCommandError, MsgCommandError{
			StoreID: storeID,
			Command: EventUpdateClient,
			Message: err.Error(),
		}))
	}
}

// resolveTarget maps a dashboard target to a store ID. Socket IDs are looked
// up on this node first, then among the stores other nodes report. Socket
// IDs are UUIDs; a bare value that is not one names a store.
func (h *Handlers) resolveTarget(t MsgTarget) (string, error) {
	if t.SocketID != "" {
		if sess, ok := h.registry.FindBySocket(t.SocketID); ok {
			return sess.StoreID, nil
		}
		if view, ok := h.cluster.FindBySocket(t.SocketID); ok {
			return view.StoreID, nil
		}
		if t.StoreID == "" {
			if _, err := uuid.Parse(t.SocketID); err == nil {
				return "", fmt.Errorf("socket %s is not connected", t.SocketID)
			}
			return t.SocketID, nil
		}
	}
	return t.StoreID, nil
}
