package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents one live websocket connection of an actor.
// A session may be a member of several rooms at once.
type Session struct {
	ID           string    `json:"id"`
	Actor        Actor     `json:"actor"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// NewSession creates a session with a time-ordered KSUID.
func NewSession(actor Actor) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		Actor:        actor,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
