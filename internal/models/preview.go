package models

import "time"

// SelectionRange marks the caret/selection inside a previewed field.
type SelectionRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// PreviewPatch is an advisory snapshot of uncommitted field content.
// Last write wins per field; never persisted or versioned.
// Timestamp is when the server received the patch.
type PreviewPatch struct {
	FieldID   string          `json:"field_id"`
	RoomID    string          `json:"room_id"`
	ActorID   string          `json:"actor_id"`
	Content   string          `json:"content"`
	Selection *SelectionRange `json:"selection,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PreviewRequest is the payload of a preview.patch frame.
// SentAt is the client clock in unix milliseconds. It only orders patches of
// one actor on one field; the server orders patches across actors.
type PreviewRequest struct {
	FieldID   string          `json:"field_id" validate:"required"`
	Content   string          `json:"content"`
	Selection *SelectionRange `json:"selection,omitempty"`
	SentAt    int64           `json:"sent_at,omitempty" validate:"gte=0"`
}
