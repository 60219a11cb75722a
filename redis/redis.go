// Package redis mirrors store presence into Redis and carries commands
// between storelink nodes, so an admin request landing on any node reaches
// the node that holds the store's socket.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis client with storelink-specific operations.
type Client struct {
	rdb    *redis.Client
	nodeID string // Unique identifier for this server instance
	prefix string // Key prefix for namespacing
	ttl    time.Duration
}

// Config holds Redis connection settings.
type Config struct {
	Addr        string // host:port
	Password    string
	DB          int
	NodeID      string        // Unique ID for this instance (hostname, UUID, etc.)
	Prefix      string        // Key prefix (default: "storelink:")
	PresenceTTL time.Duration // Lifetime of an online key between refreshes (default: 5m)
}

// New creates a new Redis client.
func New(cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewWithClient(rdb, cfg), nil
}

// NewWithClient wraps an existing go-redis client.
func NewWithClient(rdb *redis.Client, cfg Config) *Client {
	if cfg.Prefix == "" {
		cfg.Prefix = "storelink:"
	}
	if cfg.PresenceTTL == 0 {
		cfg.PresenceTTL = 5 * time.Minute
	}
	return &Client{
		rdb:    rdb,
		nodeID: cfg.NodeID,
		prefix: cfg.Prefix,
		ttl:    cfg.PresenceTTL,
	}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// NodeID returns this instance's node ID.
func (c *Client) NodeID() string {
	return c.nodeID
}

// key prefixes a key with the namespace.
func (c *Client) key(k string) string {
	return c.prefix + k
}

func (c *Client) onlineKey(storeID string) string {
	return c.key("store:" + storeID)
}

func (c *Client) nodeChannel(nodeID string) string {
	return c.key("node:" + nodeID)
}

func (c *Client) presenceChannel() string {
	return c.key("presence")
}

// ============================================================================
// Presence mirror
// ============================================================================

// An online key holds "nodeID|socketID", naming both the node and the
// connection that serves the store.
const memberSep = "|"

// releaseScript deletes the online key only while it still names the given
// connection, so neither a newer connection on this node nor the node that
// took the store over is erased.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the online key while it names this connection and
// claims it when absent. A key held by any other connection is left alone.
var refreshScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if not v then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

// member is the online key value for a connection of this node.
func (c *Client) member(socketID string) string {
	return c.nodeID + memberSep + socketID
}

// SetOnline records that storeID is served by socketID on this node. A
// fresh registration always takes the key over.
func (c *Client) SetOnline(ctx context.Context, storeID, socketID string) error {
	return c.rdb.Set(ctx, c.onlineKey(storeID), c.member(socketID), c.ttl).Err()
}

// SetOffline removes storeID's online key if it still names socketID on
// this node.
func (c *Client) SetOffline(ctx context.Context, storeID, socketID string) error {
	return releaseScript.Run(ctx, c.rdb, []string{c.onlineKey(storeID)}, c.member(socketID)).Err()
}

// GetOnlineNode returns which node a store is connected to (empty if offline).
func (c *Client) GetOnlineNode(ctx context.Context, storeID string) (string, error) {
	value, err := c.rdb.Get(ctx, c.onlineKey(storeID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	node, _, _ := strings.Cut(value, memberSep)
	return node, nil
}

// RefreshOnline extends the online keys of the given stores (storeID to
// socketID) in one round trip. Keys held by another connection, on this
// node or another, are not touched.
func (c *Client) RefreshOnline(ctx context.Context, sockets map[string]string) error {
	if len(sockets) == 0 {
		return nil
	}
	ttl := c.ttl.Milliseconds()
	pipe := c.rdb.Pipeline()
	for storeID, socketID := range sockets {
		refreshScript.Eval(ctx, pipe, []string{c.onlineKey(storeID)}, c.member(socketID), ttl)
	}
	_, err := pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// ============================================================================
// Pub/Sub
// ============================================================================

// Message represents a pub/sub message between nodes.
type Message struct {
	Type     string          `json:"type"`    // "command" or "presence"
	FromNode string          `json:"from"`    // Originating node ID
	Payload  json.RawMessage `json:"payload"` // The actual message
}

// PubSub handles pub/sub operations.
type PubSub struct {
	client  *Client
	pubsub  *redis.PubSub
	handler func(msg *Message)
}

// NewPubSub creates a new pub/sub handler.
func (c *Client) NewPubSub(handler func(msg *Message)) *PubSub {
	return &PubSub{
		client:  c,
		handler: handler,
	}
}

// SubscribeToNode subscribes to this node's direct channel and the shared
// presence channel, and waits for both subscriptions to be confirmed.
func (ps *PubSub) SubscribeToNode(ctx context.Context) error {
	ps.pubsub = ps.client.rdb.Subscribe(ctx,
		ps.client.nodeChannel(ps.client.nodeID),
		ps.client.presenceChannel(),
	)
	for range 2 {
		if _, err := ps.pubsub.Receive(ctx); err != nil {
			return fmt.Errorf("subscribe to node channels: %w", err)
		}
	}
	return nil
}

// Listen delivers messages to the handler until ctx is done (blocking).
func (ps *PubSub) Listen(ctx context.Context) {
	if ps.pubsub == nil {
		return
	}

	ch := ps.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case redisMsg, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
				continue
			}
			// Skip messages from self
			if msg.FromNode == ps.client.nodeID {
				continue
			}
			if ps.handler != nil {
				ps.handler(&msg)
			}
		}
	}
}

// Close closes the pub/sub connection.
func (ps *PubSub) Close() error {
	if ps.pubsub != nil {
		return ps.pubsub.Close()
	}
	return nil
}

func (c *Client) encode(msgType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{
		Type:     msgType,
		FromNode: c.nodeID,
		Payload:  data,
	})
}

// PublishPresence broadcasts this node's store list to every node.
func (c *Client) PublishPresence(ctx context.Context, payload any) error {
	msgData, err := c.encode("presence", payload)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, c.presenceChannel(), msgData).Err()
}

// PublishToNode publishes a message directly to a specific node. It returns
// the number of subscribers that received it.
func (c *Client) PublishToNode(ctx context.Context, nodeID string, msgType string, payload any) (int64, error) {
	msgData, err := c.encode(msgType, payload)
	if err != nil {
		return 0, err
	}
	return c.rdb.Publish(ctx, c.nodeChannel(nodeID), msgData).Result()
}
