package models

import "time"

// EditSession is a soft, TTL-based single-holder lock on one field of a room.
// At most one live EditSession exists per (room, field).
type EditSession struct {
	FieldID       string    `json:"field_id"`
	RoomID        string    `json:"room_id"`
	HolderActorID string    `json:"holder_actor_id"`
	HolderName    string    `json:"holder_name,omitempty"`
	Coordinates   *Position `json:"coordinates,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Renewed       bool      `json:"renewed"`
	// Seq orders lock events; a client keeps the highest seen per field.
	Seq uint64 `json:"seq"`
}

// Live reports whether the session has not yet expired at now.
func (s *EditSession) Live(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// LockRequest is the payload of lock.acquire, lock.renew and lock.release frames.
type LockRequest struct {
	FieldID     string    `json:"field_id" validate:"required"`
	Coordinates *Position `json:"coordinates,omitempty"`
}

// LockGrant is sent to the requester and to the room on a successful acquire or renew.
type LockGrant struct {
	Session      *EditSession `json:"session"`
	TTLMillis    int64        `json:"ttl_ms"`
	RenewEveryMs int64        `json:"renew_every_ms"`
}

// LockDenied tells the requester who currently holds the field.
type LockDenied struct {
	FieldID string       `json:"field_id"`
	Holder  *EditSession `json:"holder,omitempty"`
	Reason  string       `json:"reason"`
}

// LockReleased is broadcast when a field becomes free again.
type LockReleased struct {
	FieldID       string `json:"field_id"`
	HolderActorID string `json:"holder_actor_id"`
	Reason        string `json:"reason"`
	Seq           uint64 `json:"seq"`
}
