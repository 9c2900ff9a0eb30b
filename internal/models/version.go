package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
VERSION TRACKING

Each logical record (a row of the scheduling board, an order, ...) carries a
monotonic version counter used as an optimistic-concurrency token:

  client reads record (v3) → edits → commit(base=3)
    base == current → accepted, current becomes 4, broadcast version.committed
    base != current → Conflict returned to the committer only

The business data itself lives behind the CRUD API; only the counter and the
change sets pass through here.
*/

// Change is one field-level modification inside a commit.
type Change struct {
	Field    string `json:"field" validate:"required"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
}

// Version is an accepted commit of a record.
type Version struct {
	RecordID  string    `json:"record_id"`
	RoomID    string    `json:"room_id"`
	Version   int64     `json:"version"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
	ChangeSet []Change  `json:"change_set"`
}

// Conflict describes a rejected commit. IncomingVersion is the version the
// record actually holds at detection time; BaseVersion is what the client sent.
type Conflict struct {
	ID                 string    `json:"id"`
	RecordID           string    `json:"record_id"`
	RoomID             string    `json:"room_id"`
	DetectedAt         time.Time `json:"detected_at"`
	BaseVersion        int64     `json:"base_version"`
	IncomingVersion    int64     `json:"incoming_version"`
	ConflictingActorID string    `json:"conflicting_actor_id"`
	Current            *Version  `json:"current,omitempty"`
}

// NewConflict stamps a conflict with a KSUID.
func NewConflict(roomID, recordID, actorID string, base, current int64, at time.Time) *Conflict {
	return &Conflict{
		ID:                 ksuid.New().String(),
		RecordID:           recordID,
		RoomID:             roomID,
		DetectedAt:         at,
		BaseVersion:        base,
		IncomingVersion:    current,
		ConflictingActorID: actorID,
	}
}

// CommitRequest is the payload of version.commit frames and of the HTTP commit endpoint.
type CommitRequest struct {
	RecordID    string   `json:"record_id" validate:"required"`
	BaseVersion int64    `json:"base_version" validate:"gte=0"`
	ChangeSet   []Change `json:"change_set" validate:"dive"`
}

// CommitResult carries exactly one of Version or Conflict.
type CommitResult struct {
	Version  *Version  `json:"version,omitempty"`
	Conflict *Conflict `json:"conflict,omitempty"`
}

// VersionRecord is the persisted audit row of an accepted commit.
type VersionRecord struct {
	ID        string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	RoomID    string    `gorm:"type:varchar(255);not null;index:idx_room_record_version,priority:1" json:"room_id"`
	RecordID  string    `gorm:"type:varchar(255);not null;index:idx_room_record_version,priority:2" json:"record_id"`
	Version   int64     `gorm:"not null;index:idx_room_record_version,priority:3" json:"version"`
	UpdatedBy string    `gorm:"type:varchar(255);not null" json:"updated_by"`
	ChangeSet []Change  `gorm:"type:jsonb;serializer:json" json:"change_set"`
	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate generates KSUID
func (v *VersionRecord) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (VersionRecord) TableName() string {
	return "record_versions"
}

// ToVersion converts the persisted row back into the wire shape.
func (v *VersionRecord) ToVersion() *Version {
	return &Version{
		RecordID:  v.RecordID,
		RoomID:    v.RoomID,
		Version:   v.Version,
		UpdatedBy: v.UpdatedBy,
		UpdatedAt: v.CreatedAt,
		ChangeSet: v.ChangeSet,
	}
}
