package main

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// presenceMessageType is the pub/sub type of a NodeUpdate.
const presenceMessageType = "presence"

// NodeUpdate is the store list one node publishes about itself. Boot changes
// on every process start, so a restarted node's versions are not compared
// with the ones it published before.
type NodeUpdate struct {
	Boot    string      `json:"boot"`
	Version uint64      `json:"version"`
	Stores  []StoreView `json:"stores"`
}

type nodeState struct {
	boot    string
	version uint64
	stores  []StoreView
	seen    time.Time
}

// ClusterView merges the local registry with the store lists published by
// other nodes. On a single node it is the registry's snapshot.
type ClusterView struct {
	registry *Registry
	boot     string
	now      func() time.Time

	mu         sync.Mutex
	nodeID     string
	nodes      map[string]*nodeState
	epoch      uint64
	staleAfter time.Duration
	onChange   func()

	log zerolog.Logger
}

// NewClusterView creates a view over registry with no remote nodes.
func NewClusterView(registry *Registry, logger zerolog.Logger) *ClusterView {
	return &ClusterView{
		registry: registry,
		boot:     uuid.NewString(),
		now:      time.Now,
		nodes:    make(map[string]*nodeState),
		log:      logger.With().Str("component", "cluster").Logger(),
	}
}

// SetNodeID names the local node. Local stores carry it in snapshots.
func (c *ClusterView) SetNodeID(id string) {
	c.mu.Lock()
	c.nodeID = id
	c.mu.Unlock()
}

// SetStaleAfter sets how long a silent node's stores are kept. Zero keeps
// them until the node publishes again.
func (c *ClusterView) SetStaleAfter(d time.Duration) {
	c.mu.Lock()
	c.staleAfter = d
	c.mu.Unlock()
}

// OnChange sets the function called after remote state changes. It must not
// block.
func (c *ClusterView) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Local returns the update this node publishes about itself.
func (c *ClusterView) Local() NodeUpdate {
	snap := c.registry.Snapshot()
	return NodeUpdate{Boot: c.boot, Version: snap.Version, Stores: snap.Stores}
}

// Snapshot returns every store connected to any known node, ordered by
// store ID. A store reported by more than one node (while it moves between
// them) is shown once, from the most recent connection. Version grows with
// every local or remote change.
func (c *ClusterView) Snapshot() Snapshot {
	local := c.registry.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{Version: local.Version + c.epoch}
	if len(c.nodes) == 0 {
		snap.Stores = local.Stores
		for i := range snap.Stores {
			snap.Stores[i].Node = c.nodeID
		}
		return snap
	}

	merged := make(map[string]StoreView, len(local.Stores))
	for _, v := range local.Stores {
		v.Node = c.nodeID
		merged[v.StoreID] = v
	}
	for node, st := range c.nodes {
		for _, v := range st.stores {
			v.Node = node
			if prev, ok := merged[v.StoreID]; ok && !v.ConnectedAt.After(prev.ConnectedAt) {
				continue
			}
			merged[v.StoreID] = v
		}
	}

	snap.Stores = make([]StoreView, 0, len(merged))
	for _, v := range merged {
		snap.Stores = append(snap.Stores, v)
	}
	sort.Slice(snap.Stores, func(i, j int) bool { return snap.Stores[i].StoreID < snap.Stores[j].StoreID })
	return snap
}

// ApplyRemote records node's published update. Updates older than the one
// already held are ignored apart from marking the node alive. Returns true
// when the node was not known before (or restarted), so the caller can
// introduce this node to it.
func (c *ClusterView) ApplyRemote(node string, u NodeUpdate) bool {
	c.mu.Lock()
	if node == "" || node == c.nodeID {
		c.mu.Unlock()
		return false
	}
	st, known := c.nodes[node]
	fresh := !known || st.boot != u.Boot
	if !fresh && u.Version <= st.version {
		st.seen = c.now()
		c.mu.Unlock()
		return false
	}
	c.nodes[node] = &nodeState{boot: u.Boot, version: u.Version, stores: u.Stores, seen: c.now()}
	c.epoch++
	notify := c.onChange
	c.mu.Unlock()

	if fresh {
		c.log.Info().Str("node", node).Int("stores", len(u.Stores)).Msg("node joined")
	}
	if notify != nil {
		notify()
	}
	return fresh
}

// Prune forgets nodes that have not published within the stale window.
// Returns how many were removed.
func (c *ClusterView) Prune() int {
	c.mu.Lock()
	if c.staleAfter <= 0 {
		c.mu.Unlock()
		return 0
	}
	cutoff := c.now().Add(-c.staleAfter)
	var gone []string
	for node, st := range c.nodes {
		if st.seen.Before(cutoff) {
			delete(c.nodes, node)
			gone = append(gone, node)
		}
	}
	if len(gone) > 0 {
		c.epoch++
	}
	notify := c.onChange
	c.mu.Unlock()

	if len(gone) == 0 {
		return 0
	}
	c.log.Warn().Strs("nodes", gone).Msg("nodes went silent")
	if notify != nil {
		notify()
	}
	return len(gone)
}

// FindBySocket returns the store served by socketID on any known node.
func (c *ClusterView) FindBySocket(socketID string) (StoreView, bool) {
	for _, v := range c.Snapshot().Stores {
		if v.SocketID == socketID {
			return v, true
		}
	}
	return StoreView{}, false
}

// Nodes returns the number of remote nodes currently known.
func (c *ClusterView) Nodes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}
