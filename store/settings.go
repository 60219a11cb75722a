package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// Setting keys.
const (
	SettingClientDownloadURL = "client_download_url"
)

// GetSetting returns a console setting, or "" when it was never set.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := db.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return value, err
}
