package models

import (
	"encoding/json"
	"time"
)

// ClearReason says why a selection was cleared.
type ClearReason string

const (
	ClearExplicit   ClearReason = "explicit"
	ClearLeave      ClearReason = "leave"
	ClearHidden     ClearReason = "hidden"
	ClearInactivity ClearReason = "inactivity"
)

// Valid reports whether r is one of the known reasons.
func (r ClearReason) Valid() bool {
	switch r {
	case ClearExplicit, ClearLeave, ClearHidden, ClearInactivity:
		return true
	}
	return false
}

// SelectionState is the opaque highlighted-cells description of one actor in one room.
type SelectionState struct {
	ActorID   string          `json:"actor_id"`
	RoomID    string          `json:"room_id"`
	Blob      json.RawMessage `json:"blob"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SelectionUpdate is the payload of a selection.update frame.
type SelectionUpdate struct {
	Blob json.RawMessage `json:"blob" validate:"required"`
}

// SelectionClear is the payload of a selection.clear frame.
type SelectionClear struct {
	Reason ClearReason `json:"reason" validate:"omitempty,oneof=explicit leave hidden inactivity"`
}

// SelectionCleared is broadcast when an actor's selection disappears.
type SelectionCleared struct {
	ActorID string      `json:"actor_id"`
	Reason  ClearReason `json:"reason"`
}
