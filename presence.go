package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/scalecode-solutions/storelink/graphemes"
	"github.com/scalecode-solutions/storelink/metrics"
	"github.com/scalecode-solutions/storelink/redis"
	"github.com/scalecode-solutions/storelink/store"
)

// maxClientVersionLength bounds the version string a store may report.
const maxClientVersionLength = 64

// directoryTimeout bounds each write to the persisted client directory.
const directoryTimeout = 5 * time.Second

// mirrorQueueSize bounds the writes waiting for the Redis mirror and the
// client directory.
const mirrorQueueSize = 1024

var errNotAnObject = errors.New("status update must be a JSON object")

type mirrorKind int

const (
	mirrorOnline mirrorKind = iota
	mirrorOffline
	mirrorVersion
	mirrorRefresh
)

func (k mirrorKind) String() string {
	switch k {
	case mirrorOnline:
		return "online"
	case mirrorOffline:
		return "offline"
	case mirrorVersion:
		return "version"
	default:
		return "refresh"
	}
}

type mirrorOp struct {
	kind     mirrorKind
	storeID  string
	socketID string
}

// PresenceManager turns store reports into registry updates and keeps
// observers, the Redis mirror, the client directory and other nodes in step
// with the registry.
type PresenceManager struct {
	registry    *Registry
	cluster     *ClusterView
	broadcaster *Broadcaster

	// Optional mirrors, nil when disabled
	redis *redis.Client
	db    store.Store

	maxStatusLength int
	signal          chan struct{}
	// mirror serializes writes to Redis and the directory in the order the
	// registry changed.
	mirror chan mirrorOp
	log    zerolog.Logger
}

// NewPresenceManager creates a presence manager and subscribes it to
// registry and cluster changes.
func NewPresenceManager(registry *Registry, cluster *ClusterView, broadcaster *Broadcaster, maxStatusLength int, logger zerolog.Logger) *PresenceManager {
	p := &PresenceManager{
		registry:        registry,
		cluster:         cluster,
		broadcaster:     broadcaster,
		maxStatusLength: maxStatusLength,
		signal:          make(chan struct{}, 1),
		mirror:          make(chan mirrorOp, mirrorQueueSize),
		log:             logger.With().Str("component", "presence").Logger(),
	}
	registry.OnChange(p.Notify)
	cluster.OnChange(p.Notify)
	return p
}

// SetRedis sets the Redis presence mirror and names the local node in the
// cluster view.
func (p *PresenceManager) SetRedis(r *redis.Client) {
	p.redis = r
	p.cluster.SetNodeID(r.NodeID())
}

// SetStore sets the persisted client directory.
func (p *PresenceManager) SetStore(db store.Store) {
	p.db = db
}

// Notify marks the registry as changed. Bursts of changes collapse into one
// pending signal.
func (p *PresenceManager) Notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Run publishes a fresh snapshot after each change until ctx is done, and
// drives the mirror writes. A snapshot is taken after the signal is
// consumed, so the last change of a burst is always included in some
// publish. Local changes are also announced to the other nodes.
func (p *PresenceManager) Run(ctx context.Context) {
	go p.runMirror(ctx)

	var announced uint64
	if p.redis != nil {
		announced = p.PublishLocal(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.signal:
			snap := p.cluster.Snapshot()
			metrics.SetStoresConnected(p.registry.Len())
			p.broadcaster.Publish(snap)

			if p.redis != nil && p.registry.Version() != announced {
				announced = p.PublishLocal(ctx)
			}
		}
	}
}

// PublishLocal announces this node's stores to the other nodes and returns
// the registry version it announced.
func (p *PresenceManager) PublishLocal(ctx context.Context) uint64 {
	local := p.cluster.Local()
	if p.redis == nil {
		return local.Version
	}
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	if err := p.redis.PublishPresence(ctx, local); err != nil {
		p.log.Warn().Err(err).Msg("presence announce failed")
	}
	return local.Version
}

// ParseStatusUpdate decodes an untrusted status-update payload. Unknown
// fields are ignored, null fields are treated as absent and each known field
// that fails validation is dropped on its own. The names of dropped fields
// are returned for logging.
func (p *PresenceManager) ParseStatusUpdate(raw json.RawMessage) (StatusUpdate, []string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return StatusUpdate{}, nil, errNotAnObject
	}

	var u StatusUpdate
	var dropped []string

	if v, ok := present(fields, "clientVersion"); ok {
		var version string
		if err := json.Unmarshal(v, &version); err != nil || version == "" || len(version) > maxClientVersionLength {
			dropped = append(dropped, "clientVersion")
		} else {
			u.ClientVersion = &version
		}
	}

	if v, ok := present(fields, "tpiInfo"); ok {
		if trimmed := bytes.TrimSpace(v); len(trimmed) > 0 && trimmed[0] == '{' {
			u.Info = append(json.RawMessage(nil), trimmed...)
		} else {
			dropped = append(dropped, "tpiInfo")
		}
	}

	if v, ok := present(fields, "status"); ok {
		if status, ok := p.parseStatus(v); ok {
			u.Status = status
		} else {
			dropped = append(dropped, "status")
		}
	}

	return u, dropped, nil
}

// present returns a field unless it is missing or JSON null.
func present(fields map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	v, ok := fields[name]
	if !ok || string(bytes.TrimSpace(v)) == "null" {
		return nil, false
	}
	return v, true
}

func (p *PresenceManager) parseStatus(raw json.RawMessage) (*StoreStatus, bool) {
	var in struct {
		Message   *string         `json:"message"`
		Type      string          `json:"type"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &in); err != nil || in.Message == nil {
		return nil, false
	}

	switch in.Type {
	case "":
		in.Type = StatusInfo
	case StatusInfo, StatusError:
	default:
		return nil, false
	}

	message := graphemes.Sanitize(*in.Message)
	if p.maxStatusLength > 0 {
		message = graphemes.Shorten(message, p.maxStatusLength)
	}

	return &StoreStatus{
		Message:   message,
		Type:      in.Type,
		Timestamp: parseTimestamp(in.Timestamp),
	}, true
}

// parseTimestamp accepts Unix milliseconds or an RFC 3339 string and falls
// back to the receive time, also for values that do not fit an int64.
func parseTimestamp(raw json.RawMessage) int64 {
	if len(raw) > 0 {
		var ms float64
		if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 && ms < math.MaxInt64 {
			return int64(ms)
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t.UnixMilli()
			}
		}
	}
	return time.Now().UnixMilli()
}

// ApplyStatus parses raw and applies it to storeID's session if h still owns
// it. Returns whether the registry changed.
func (p *PresenceManager) ApplyStatus(storeID string, h Handle, raw json.RawMessage) (bool, error) {
	u, dropped, err := p.ParseStatusUpdate(raw)
	if err != nil {
		metrics.RecordStatusUpdate("malformed")
		return false, err
	}
	if len(dropped) > 0 {
		p.log.Debug().Str("store", storeID).Strs("fields", dropped).Msg("dropped invalid status fields")
	}
	if u.Empty() {
		metrics.RecordStatusUpdate("malformed")
		return false, nil
	}

	if !p.registry.UpdateStatus(storeID, h, u) {
		metrics.RecordStatusUpdate("stale")
		return false, nil
	}
	metrics.RecordStatusUpdate("applied")

	if u.ClientVersion != nil {
		p.enqueue(mirrorOp{kind: mirrorVersion, storeID: storeID, socketID: h.ID()})
	}
	return true, nil
}

// StoreOnline records a registration in the mirrors. It does not block.
func (p *PresenceManager) StoreOnline(storeID, socketID string) {
	p.enqueue(mirrorOp{kind: mirrorOnline, storeID: storeID, socketID: socketID})
}

// StoreOffline records that socketID no longer serves storeID. Both mirrors
// guard against erasing a newer connection.
func (p *PresenceManager) StoreOffline(storeID, socketID string) {
	p.enqueue(mirrorOp{kind: mirrorOffline, storeID: storeID, socketID: socketID})
}

func (p *PresenceManager) nodeID() string {
	if p.redis != nil {
		return p.redis.NodeID()
	}
	return ""
}

func (p *PresenceManager) enqueue(op mirrorOp) {
	if p.redis == nil && p.db == nil {
		return
	}
	select {
	case p.mirror <- op:
	default:
		p.log.Warn().Stringer("op", op.kind).Str("store", op.storeID).Msg("mirror queue full, update dropped")
	}
}

func (p *PresenceManager) runMirror(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-p.mirror:
			p.applyMirror(op)
		}
	}
}

// applyMirror performs one mirror write. Online and version writes are
// checked against the registry when they run: a connection that has since
// been superseded or closed is skipped, since the write for its successor or
// its own offline write is queued behind it.
func (p *PresenceManager) applyMirror(op mirrorOp) {
	if op.kind == mirrorRefresh {
		p.refreshOnline()
		return
	}

	if op.kind == mirrorOffline {
		if p.redis != nil {
			p.writeRedis(op, func(ctx context.Context) error {
				return p.redis.SetOffline(ctx, op.storeID, op.socketID)
			})
		}
		if p.db != nil {
			p.writeDirectory(op, func(ctx context.Context) error {
				return p.db.MarkClientDisconnected(ctx, op.storeID, op.socketID)
			})
		}
		return
	}

	sess, ok := p.registry.Get(op.storeID)
	if !ok || sess.Handle.ID() != op.socketID {
		p.log.Debug().Stringer("op", op.kind).Str("store", op.storeID).Str("socket", shortID(op.socketID)).Msg("mirror write for stale session skipped")
		return
	}
	if op.kind == mirrorOnline && p.redis != nil {
		p.writeRedis(op, func(ctx context.Context) error {
			return p.redis.SetOnline(ctx, op.storeID, op.socketID)
		})
	}
	if p.db != nil {
		conn := store.ClientConnection{StoreID: op.storeID, SocketID: op.socketID, ClientVersion: sess.ClientVersion, NodeID: p.nodeID()}
		p.writeDirectory(op, func(ctx context.Context) error {
			return p.db.MarkClientConnected(ctx, conn)
		})
	}
}

// refreshOnline extends the Redis keys of every local store.
func (p *PresenceManager) refreshOnline() {
	if p.redis == nil {
		return
	}
	stores := p.registry.Snapshot().Stores
	sockets := make(map[string]string, len(stores))
	for _, v := range stores {
		sockets[v.StoreID] = v.SocketID
	}
	p.writeRedis(mirrorOp{kind: mirrorRefresh}, func(ctx context.Context) error {
		return p.redis.RefreshOnline(ctx, sockets)
	})
}

func (p *PresenceManager) writeRedis(op mirrorOp, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		p.log.Warn().Err(err).Stringer("op", op.kind).Str("store", op.storeID).Msg("redis presence update failed")
	}
}

func (p *PresenceManager) writeDirectory(op mirrorOp, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		p.log.Warn().Err(err).Stringer("op", op.kind).Str("store", op.storeID).Msg("client directory update failed")
	}
}

// StartHeartbeat keeps this node's presence alive until ctx is done: it
// refreshes the Redis online keys of every local store, so keys of a crashed
// node expire on their own, re-announces the local stores and forgets nodes
// that stopped announcing for three intervals.
func (p *PresenceManager) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if p.redis == nil || interval <= 0 {
		return
	}
	p.cluster.SetStaleAfter(3 * interval)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.enqueue(mirrorOp{kind: mirrorRefresh})
				p.PublishLocal(ctx)
				p.cluster.Prune()
			}
		}
	}()
}
