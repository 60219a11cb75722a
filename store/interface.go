package store

import "context"

// Store defines the persistence operations storelink needs.
// This interface enables mocking for unit tests.
type Store interface {
	// Close closes the database connection.
	Close()

	// Client directory
	MarkClientConnected(ctx context.Context, c ClientConnection) error
	MarkClientDisconnected(ctx context.Context, storeID, socketID string) error
	ResetNodeConnections(ctx context.Context, nodeID string) (int64, error)
	ListClients(ctx context.Context) ([]Client, error)

	// App version catalog
	GetAppVersion(ctx context.Context, id string) (*AppVersion, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
}

// Compile-time check that DB implements Store.
var _ Store = (*DB)(nil)
