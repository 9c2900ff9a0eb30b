package repository

import (
	"context"
	"errors"
	"fmt"

	"board-collab/internal/models"

	"gorm.io/gorm"
)

/*
VERSION HISTORY PERSISTENCE

Accepted commits are appended as immutable rows:

  (room_id, record_id, version) -> updated_by, change_set, created_at

Query patterns:
- LatestVersion: seed a record's counter after a restart or room close
- ListVersions:  history older than what the tracker keeps in memory
- SaveVersion:   audit trail of every accepted commit
*/

// VersionRepository stores record versions with gorm.
type VersionRepository struct {
	db *gorm.DB
}

// NewVersionRepository creates a new version repository
func NewVersionRepository(db *gorm.DB) *VersionRepository {
	return &VersionRepository{db: db}
}

// SaveVersion appends an accepted version.
func (r *VersionRepository) SaveVersion(ctx context.Context, v *models.Version) error {
	row := &models.VersionRecord{
		RoomID:    v.RoomID,
		RecordID:  v.RecordID,
		Version:   v.Version,
		UpdatedBy: v.UpdatedBy,
		ChangeSet: v.ChangeSet,
		CreatedAt: v.UpdatedAt,
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to save version: %w", err)
	}

	return nil
}

// LatestVersion returns the highest persisted version of a record, or nil
// when the record has never been committed.
func (r *VersionRepository) LatestVersion(ctx context.Context, roomID, recordID string) (*models.Version, error) {
	var row models.VersionRecord

	err := r.db.WithContext(ctx).
		Where("room_id = ? AND record_id = ?", roomID, recordID).
		Order("version DESC").
		First(&row).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // Never committed
		}
		return nil, fmt.Errorf("failed to get latest version: %w", err)
	}

	return row.ToVersion(), nil
}

// ListVersions returns versions newer than since, oldest first.
// limit <= 0 returns everything.
func (r *VersionRepository) ListVersions(ctx context.Context, roomID, recordID string, since int64, limit int) ([]*models.Version, error) {
	var rows []*models.VersionRecord

	query := r.db.WithContext(ctx).
		Where("room_id = ? AND record_id = ? AND version > ?", roomID, recordID, since).
		Order("version ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	versions := make([]*models.Version, 0, len(rows))
	for _, row := range rows {
		versions = append(versions, row.ToVersion())
	}
	return versions, nil
}
