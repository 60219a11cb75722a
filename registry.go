package main

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"

	"github.com/scalecode-solutions/storelink/config"
)

// ErrRegistryFull is returned when a new store would exceed the session cap.
var ErrRegistryFull = errors.New("registry is full")

// Status types reported by stores.
const (
	StatusInfo  = "info"
	StatusError = "error"
)

// StoreStatus is the last operator-facing message a store reported.
type StoreStatus struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// StoreSession is one store's live connection and the metadata it reported.
// Info and Status are replaced wholesale on update and never mutated in
// place, so copies handed out by the registry may share them.
type StoreSession struct {
	StoreID       string
	Handle        Handle
	ClientVersion string
	Info          json.RawMessage
	Status        *StoreStatus
	ConnectedAt   time.Time
}

// StatusUpdate is a partial update. Nil fields leave the stored value alone.
type StatusUpdate struct {
	ClientVersion *string
	Info          json.RawMessage
	Status        *StoreStatus
}

// Empty reports whether the update would change nothing.
func (u StatusUpdate) Empty() bool {
	return u.ClientVersion == nil && u.Info == nil && u.Status == nil
}

func (s *StoreSession) apply(u StatusUpdate) {
	if u.ClientVersion != nil {
		s.ClientVersion = *u.ClientVersion
	}
	if u.Info != nil {
		s.Info = u.Info
	}
	if u.Status != nil {
		s.Status = u.Status
	}
}

// StoreView is the public projection of a session shown to dashboards.
type StoreView struct {
	StoreID        string          `json:"storeId"`
	SocketID       string          `json:"socketId"`
	ClientVersion  string          `json:"clientVersion,omitempty"`
	TPIInfo        json.RawMessage `json:"tpiInfo,omitempty"`
	Status         *StoreStatus    `json:"status,omitempty"`
	ConnectedAt    time.Time       `json:"connectedAt"`
	ClientOutdated bool            `json:"clientOutdated,omitempty"`
	Node           string          `json:"node,omitempty"` // node holding the socket, set in cluster mode
}

// Snapshot is a point-in-time copy of the registry, ordered by store ID.
// Version increases with every registry mutation.
type Snapshot struct {
	Version uint64
	Stores  []StoreView
}

// Len returns the number of stores in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Stores)
}

// Get returns the view for storeID.
func (s Snapshot) Get(storeID string) (StoreView, bool) {
	i := sort.Search(len(s.Stores), func(i int) bool { return s.Stores[i].StoreID >= storeID })
	if i < len(s.Stores) && s.Stores[i].StoreID == storeID {
		return s.Stores[i], true
	}
	return StoreView{}, false
}

// MarshalJSON encodes the snapshot as {"stores": {storeId: view}}, the shape
// dashboards key their store cards by.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	stores := make(map[string]StoreView, len(s.Stores))
	for _, v := range s.Stores {
		stores[v.StoreID] = v
	}
	return json.Marshal(struct {
		Stores map[string]StoreView `json:"stores"`
	}{stores})
}

// Registry is the authoritative set of connected stores, at most one session
// per store ID. All mutations are serialized; stale handles are closed and
// change listeners run after the lock is released.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*StoreSession
	version  uint64

	maxSessions  int
	latestClient string
	onChange     func()
	log          zerolog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxSessions caps the number of distinct stores. Zero means no cap.
func WithMaxSessions(n int) RegistryOption {
	return func(r *Registry) { r.maxSessions = n }
}

// WithLatestClientVersion enables the clientOutdated flag in snapshots.
func WithLatestClientVersion(v string) RegistryOption {
	return func(r *Registry) { r.latestClient = config.Canonical(v) }
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l.With().Str("component", "registry").Logger() }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*StoreSession),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange sets the function called after every mutation. It runs outside
// the registry lock and must not block.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Register makes h the session for storeID, applying initial metadata. An
// existing session for the same store is superseded: its handle is closed
// and the returned bool is true. Re-registering the same handle only applies
// the metadata.
func (r *Registry) Register(storeID string, h Handle, initial StatusUpdate) (StoreSession, bool, error) {
	r.mu.Lock()
	prev, exists := r.sessions[storeID]
	if !exists && r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return StoreSession{}, false, ErrRegistryFull
	}

	var stale Handle
	sess := prev
	if !exists || prev.Handle != h {
		if exists {
			stale = prev.Handle
		}
		sess = &StoreSession{
			StoreID:     storeID,
			Handle:      h,
			ConnectedAt: time.Now().UTC(),
		}
		r.sessions[storeID] = sess
	}
	sess.apply(initial)
	r.version++
	out := *sess
	notify := r.onChange
	r.mu.Unlock()

	if stale != nil {
		r.log.Info().Str("store", storeID).
			Str("old", shortID(stale.ID())).
			Str("new", shortID(h.ID())).
			Msg("session superseded")
		stale.Close()
	}
	if notify != nil {
		notify()
	}
	return out, stale != nil, nil
}

// UpdateStatus applies a partial update to storeID's session. It is a no-op
// when the store has no session or h is not its current handle, which
// happens when a message from a superseded or closing connection races the
// registry. Returns whether the update was applied.
func (r *Registry) UpdateStatus(storeID string, h Handle, u StatusUpdate) bool {
	r.mu.Lock()
	sess, ok := r.sessions[storeID]
	if !ok || sess.Handle != h {
		r.mu.Unlock()
		r.log.Debug().Str("store", storeID).Str("socket", shortID(h.ID())).Msg("status update for stale session ignored")
		return false
	}
	if u.Empty() {
		r.mu.Unlock()
		return true
	}
	sess.apply(u)
	r.version++
	notify := r.onChange
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
	return true
}

// Unregister removes storeID's session only if h is still its handle.
// Returns whether an entry was removed.
func (r *Registry) Unregister(storeID string, h Handle) bool {
	r.mu.Lock()
	sess, ok := r.sessions[storeID]
	if !ok || sess.Handle != h {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, storeID)
	r.version++
	notify := r.onChange
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
	return true
}

// Get returns a copy of storeID's session.
func (r *Registry) Get(storeID string) (StoreSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[storeID]
	if !ok {
		return StoreSession{}, false
	}
	return *sess, true
}

// FindBySocket returns the session whose handle has the given ID.
func (r *Registry) FindBySocket(socketID string) (StoreSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		if sess.Handle.ID() == socketID {
			return *sess, true
		}
	}
	return StoreSession{}, false
}

// Len returns the number of registered stores.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Version returns the number of mutations applied so far.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Snapshot returns a consistent copy of the registry. Later mutations do not
// affect it.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	snap := Snapshot{
		Version: r.version,
		Stores:  make([]StoreView, 0, len(r.sessions)),
	}
	for _, sess := range r.sessions {
		snap.Stores = append(snap.Stores, StoreView{
			StoreID:        sess.StoreID,
			SocketID:       sess.Handle.ID(),
			ClientVersion:  sess.ClientVersion,
			TPIInfo:        sess.Info,
			Status:         sess.Status,
			ConnectedAt:    sess.ConnectedAt,
			ClientOutdated: r.outdated(sess.ClientVersion),
		})
	}
	r.mu.RUnlock()

	sort.Slice(snap.Stores, func(i, j int) bool { return snap.Stores[i].StoreID < snap.Stores[j].StoreID })
	return snap
}

func (r *Registry) outdated(clientVersion string) bool {
	if r.latestClient == "" || clientVersion == "" {
		return false
	}
	v := config.Canonical(clientVersion)
	return semver.IsValid(v) && semver.Compare(v, r.latestClient) < 0
}
