package store

import "context"

// MockStore is a mock implementation of Store for testing.
// Each method field can be set to a custom function to control behavior.
type MockStore struct {
	// Client directory
	MarkClientConnectedFn    func(ctx context.Context, c ClientConnection) error
	MarkClientDisconnectedFn func(ctx context.Context, storeID, socketID string) error
	ResetNodeConnectionsFn   func(ctx context.Context, nodeID string) (int64, error)
	ListClientsFn            func(ctx context.Context) ([]Client, error)

	// App version catalog
	GetAppVersionFn func(ctx context.Context, id string) (*AppVersion, error)

	// Settings
	GetSettingFn func(ctx context.Context, key string) (string, error)
}

// Compile-time check that MockStore implements Store.
var _ Store = (*MockStore)(nil)

func (m *MockStore) Close() {}

func (m *MockStore) MarkClientConnected(ctx context.Context, c ClientConnection) error {
	if m.MarkClientConnectedFn != nil {
		return m.MarkClientConnectedFn(ctx, c)
	}
	return nil
}

func (m *MockStore) MarkClientDisconnected(ctx context.Context, storeID, socketID string) error {
	if m.MarkClientDisconnectedFn != nil {
		return m.MarkClientDisconnectedFn(ctx, storeID, socketID)
	}
	return nil
}

func (m *MockStore) ResetNodeConnections(ctx context.Context, nodeID string) (int64, error) {
	if m.ResetNodeConnectionsFn != nil {
		return m.ResetNodeConnectionsFn(ctx, nodeID)
	}
	return 0, nil
}

func (m *MockStore) ListClients(ctx context.Context) ([]Client, error) {
	if m.ListClientsFn != nil {
		return m.ListClientsFn(ctx)
	}
	return nil, nil
}

func (m *MockStore) GetAppVersion(ctx context.Context, id string) (*AppVersion, error) {
	if m.GetAppVersionFn != nil {
		return m.GetAppVersionFn(ctx, id)
	}
	return nil, ErrNotFound
}

func (m *MockStore) GetSetting(ctx context.Context, key string) (string, error) {
	if m.GetSettingFn != nil {
		return m.GetSettingFn(ctx, key)
	}
	return "", nil
}
