package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/scalecode-solutions/storelink/metrics"
	"github.com/scalecode-solutions/storelink/ratelimit"
	"github.com/scalecode-solutions/storelink/redis"
)

var (
	// ErrCommandRejected is returned when the store's connection would not
	// accept the command.
	ErrCommandRejected = errors.New("command rejected by transport")
	// ErrRateLimited is returned when a store receives commands too quickly.
	ErrRateLimited = errors.New("too many commands for store")
)

// OfflineError is returned when a command targets a store with no session.
type OfflineError struct {
	StoreID string
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("store %s is not connected", e.StoreID)
}

// IsOffline reports whether err is an *OfflineError.
func IsOffline(err error) bool {
	var oe *OfflineError
	return errors.As(err, &oe)
}

// RemoteRouter finds and reaches stores connected to other nodes.
// *redis.Client implements it.
type RemoteRouter interface {
	NodeID() string
	GetOnlineNode(ctx context.Context, storeID string) (string, error)
	PublishToNode(ctx context.Context, nodeID, msgType string, payload any) (int64, error)
}

var _ RemoteRouter = (*redis.Client)(nil)

// remoteCommandType is the pub/sub message type for forwarded commands.
const remoteCommandType = "command"

// RemoteCommand is a command forwarded to the node holding the store.
type RemoteCommand struct {
	StoreID string          `json:"storeId"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Dispatcher sends named commands to connected stores. It does not interpret
// commands; success means the store's transport accepted the frame.
type Dispatcher struct {
	registry *Registry
	limiter  *ratelimit.Limiter
	remote   RemoteRouter
	log      zerolog.Logger
}

// NewDispatcher creates a dispatcher. limiter may be nil.
func NewDispatcher(registry *Registry, limiter *ratelimit.Limiter, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		limiter:  limiter,
		log:      logger.With().Str("component", "dispatch").Logger(),
	}
}

// SetRemote enables forwarding to other nodes.
func (d *Dispatcher) SetRemote(r RemoteRouter) {
	d.remote = r
}

// Dispatch sends command with payload to storeID. It returns an
// *OfflineError when no node holds the store, ErrRateLimited when the store
// is receiving commands too quickly and ErrCommandRejected when the
// connection refused the frame.
func (d *Dispatcher) Dispatch(ctx context.Context, storeID, command string, payload any) error {
	if command == "" {
		return errors.New("command name is required")
	}
	if d.limiter != nil && !d.limiter.Allow(storeID) {
		metrics.RecordCommand(command, "rate_limited")
		return ErrRateLimited
	}

	msg, err := NewServerMessage(command, payload)
	if err != nil {
		return err
	}

	if _, ok := d.registry.Get(storeID); ok || d.remote == nil {
		return d.deliver(storeID, msg)
	}
	return d.forward(ctx, storeID, msg)
}

// DispatchLocal delivers a command to a store connected to this node only.
func (d *Dispatcher) DispatchLocal(storeID, command string, payload json.RawMessage) error {
	msg, err := NewServerMessage(command, payload)
	if err != nil {
		return err
	}
	return d.deliver(storeID, msg)
}

func (d *Dispatcher) deliver(storeID string, msg *ServerMessage) error {
	sess, ok := d.registry.Get(storeID)
	if !ok {
		metrics.RecordCommand(msg.Event, "offline")
		return &OfflineError{StoreID: storeID}
	}

	if err := sess.Handle.Send(msg); err != nil {
		if errors.Is(err, ErrHandleClosed) {
			// Lost a race with the disconnect.
			metrics.RecordCommand(msg.Event, "offline")
			return &OfflineError{StoreID: storeID}
		}
		metrics.RecordCommand(msg.Event, "rejected")
		d.log.Warn().Err(err).Str("store", storeID).Str("command", msg.Event).Msg("command rejected")
		return fmt.Errorf("%w: %v", ErrCommandRejected, err)
	}

	metrics.RecordCommand(msg.Event, "sent")
	d.log.Info().Str("store", storeID).Str("command", msg.Event).Str("socket", shortID(sess.Handle.ID())).Msg("command sent")
	return nil
}

func (d *Dispatcher) forward(ctx context.Context, storeID string, msg *ServerMessage) error {
	node, err := d.remote.GetOnlineNode(ctx, storeID)
	if err != nil {
		return fmt.Errorf("look up store node: %w", err)
	}
	if node == "" || node == d.remote.NodeID() {
		metrics.RecordCommand(msg.Event, "offline")
		return &OfflineError{StoreID: storeID}
	}

	receivers, err := d.remote.PublishToNode(ctx, node, remoteCommandType, RemoteCommand{
		StoreID: storeID,
		Command: msg.Event,
		Payload: msg.Data,
	})
	if err != nil {
		return fmt.Errorf("forward command to node %s: %w", node, err)
	}
	if receivers == 0 {
		// The node owning the key is gone; its key has not expired yet.
		metrics.RecordCommand(msg.Event, "offline")
		return &OfflineError{StoreID: storeID}
	}

	metrics.RecordCommand(msg.Event, "forwarded")
	d.log.Info().Str("store", storeID).Str("command", msg.Event).Str("node", node).Msg("command forwarded")
	return nil
}

// HandleRemote delivers a command forwarded by another node.
func (d *Dispatcher) HandleRemote(msg *redis.Message) {
	if msg.Type != remoteCommandType {
		return
	}
	var cmd RemoteCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		d.log.Warn().Err(err).Str("from", msg.FromNode).Msg("invalid forwarded command")
		return
	}
	if err := d.DispatchLocal(cmd.StoreID, cmd.Command, cmd.Payload); err != nil {
		d.log.Warn().Err(err).Str("store", cmd.StoreID).Str("from", msg.FromNode).Msg("forwarded command not delivered")
	}
}
