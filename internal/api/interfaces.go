package api

import (
	"context"

	"board-collab/internal/models"
)

// The handlers consume these; the concrete relay, coordinator and version
// tracker satisfy them.

// RoomDirectory lists open rooms and their members.
type RoomDirectory interface {
	Rooms() map[string]int
	Members(roomID string) []models.Actor
}

// SnapshotSource returns the collaborative state of a room.
type SnapshotSource interface {
	Snapshot(roomID string) models.RoomSnapshot
}

// VersionService is what the CRUD write path needs from the version tracker.
type VersionService interface {
	Current(roomID, recordID string) (int64, bool)
	History(ctx context.Context, roomID, recordID string, since int64) ([]*models.Version, error)
	CommitExternal(ctx context.Context, actorID, roomID string, req models.CommitRequest) (*models.Version, *models.Conflict, error)
}
