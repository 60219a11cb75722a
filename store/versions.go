package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// AppVersion statuses.
const (
	VersionActive   = "active"
	VersionInactive = "inactive"
)

// AppVersion is a release that can be installed on stores.
type AppVersion struct {
	ID          string    `json:"id"`
	App         string    `json:"app"`
	Version     string    `json:"version"`
	Name        string    `json:"name"`
	ReleaseDate time.Time `json:"releaseDate"`
	Notes       string    `json:"notes,omitempty"`
	FileURL     string    `json:"fileUrl,omitempty"`
	FileName    string    `json:"fileName,omitempty"`
	FileSize    string    `json:"fileSize,omitempty"`
	Status      string    `json:"status"`
}

// Active reports whether the version may be pushed to stores.
func (v *AppVersion) Active() bool {
	return v.Status == VersionActive
}

// GetAppVersion looks up a release by ID.
func (db *DB) GetAppVersion(ctx context.Context, id string) (*AppVersion, error) {
	var v AppVersion
	err := db.pool.QueryRow(ctx, `
		SELECT id, app, version, name, release_date,
		       COALESCE(notes, ''), COALESCE(file_url, ''), COALESCE(file_name, ''), COALESCE(file_size, ''),
		       status
		FROM app_versions
		WHERE id = $1
	`, id).Scan(&v.ID, &v.App, &v.Version, &v.Name, &v.ReleaseDate,
		&v.Notes, &v.FileURL, &v.FileName, &v.FileSize, &v.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
