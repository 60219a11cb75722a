package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Client is a store's entry in the persisted directory.
type Client struct {
	StoreID       string     `json:"storeId"`
	Type          string     `json:"type"`
	LastSocketID  string     `json:"lastSocketId,omitempty"`
	ClientVersion string     `json:"clientVersion,omitempty"`
	Connected     bool       `json:"connected"`
	LastSeen      *time.Time `json:"lastSeen,omitempty"`
}

// ClientConnection describes a store that just registered on a node.
type ClientConnection struct {
	StoreID       string
	SocketID      string
	ClientVersion string
	NodeID        string
}

// MarkClientConnected upserts the store's directory entry as connected.
func (db *DB) MarkClientConnected(ctx context.Context, c ClientConnection) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO clients (store_id, last_socket_id, client_version, node_id, connected, last_seen)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), TRUE, now())
		ON CONFLICT (store_id) DO UPDATE SET
			last_socket_id = EXCLUDED.last_socket_id,
			client_version = COALESCE(EXCLUDED.client_version, clients.client_version),
			node_id        = EXCLUDED.node_id,
			connected      = TRUE,
			last_seen      = now()
	`, c.StoreID, c.SocketID, c.ClientVersion, c.NodeID)
	return err
}

// MarkClientDisconnected flips the entry to disconnected, but only while it
// still refers to socketID. A late disconnect from a superseded socket must
// not hide the connection that replaced it.
func (db *DB) MarkClientDisconnected(ctx context.Context, storeID, socketID string) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE clients SET connected = FALSE, last_seen = now()
		WHERE store_id = $1 AND last_socket_id = $2
	`, storeID, socketID)
	return err
}

// ResetNodeConnections marks every store last seen on nodeID as
// disconnected. Called at startup, when this node cannot hold any sockets.
func (db *DB) ResetNodeConnections(ctx context.Context, nodeID string) (int64, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE clients SET connected = FALSE
		WHERE connected AND (node_id = $1 OR node_id IS NULL)
	`, nodeID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListClients returns the directory ordered by store ID.
func (db *DB) ListClients(ctx context.Context) ([]Client, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT store_id, type, COALESCE(last_socket_id, ''), COALESCE(client_version, ''), connected, last_seen
		FROM clients
		ORDER BY store_id
	`)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Client, error) {
		var c Client
		err := row.Scan(&c.StoreID, &c.Type, &c.LastSocketID, &c.ClientVersion, &c.Connected, &c.LastSeen)
		return c, err
	})
}
