package models

import "time"

// Presence is the advisory "who is looking at what" state of one actor in one room.
// Overwritten on every heartbeat; removed on leave or liveness timeout.
type Presence struct {
	ActorID  string    `json:"actor_id"`
	RoomID   string    `json:"room_id"`
	Actor    *Actor    `json:"actor,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Position *Position `json:"position,omitempty"`
	Editing  bool      `json:"editing"`
	Hidden   bool      `json:"hidden"`
}

// PresenceUpdate is the payload of a presence.update frame.
type PresenceUpdate struct {
	Position *Position `json:"position,omitempty"`
	Editing  bool      `json:"editing"`
	Hidden   bool      `json:"hidden"`
}

// PresenceRemoved is broadcast when an actor's presence is evicted or left.
type PresenceRemoved struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}
