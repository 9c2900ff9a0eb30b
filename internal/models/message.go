package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topic names one kind of frame in the collaboration protocol.
type Topic string

const (
	// Room membership
	TopicRoomJoin         Topic = "room.join"
	TopicRoomLeave        Topic = "room.leave"
	TopicRoomSnapshot     Topic = "room.snapshot"
	TopicRoomMemberJoined Topic = "room.member_joined"
	TopicRoomMemberLeft   Topic = "room.member_left"
	TopicRoomClosed       Topic = "room.closed" // server-local only

	// Presence
	TopicPresenceUpdate   Topic = "presence.update"
	TopicPresenceRemoved  Topic = "presence.removed"
	TopicPresenceGet      Topic = "presence.get"
	TopicPresenceSnapshot Topic = "presence.snapshot"

	// Edit locks
	TopicLockAcquire  Topic = "lock.acquire"
	TopicLockGranted  Topic = "lock.granted"
	TopicLockDenied   Topic = "lock.denied"
	TopicLockRenew    Topic = "lock.renew"
	TopicLockRenewed  Topic = "lock.renewed"
	TopicLockRejected Topic = "lock.rejected"
	TopicLockRelease  Topic = "lock.release"
	TopicLockReleased Topic = "lock.released"
	TopicLockExpired  Topic = "lock.expired"

	// Previews
	TopicPreviewPatch Topic = "preview.patch"

	// Versions
	TopicVersionCommit    Topic = "version.commit"
	TopicVersionCommitted Topic = "version.committed"
	TopicVersionConflict  Topic = "version.conflict"

	// Selections
	TopicSelectionJoin     Topic = "selection.join"
	TopicSelectionUpdate   Topic = "selection.update"
	TopicSelectionClear    Topic = "selection.clear"
	TopicSelectionCleared  Topic = "selection.cleared"
	TopicSelectionGet      Topic = "selection.get"
	TopicSelectionSnapshot Topic = "selection.snapshot"

	TopicError Topic = "error"
)

// inboundTopics are the topics a client may send.
var inboundTopics = map[Topic]bool{
	TopicRoomJoin:        true,
	TopicRoomLeave:       true,
	TopicPresenceUpdate:  true,
	TopicPresenceGet:     true,
	TopicLockAcquire:     true,
	TopicLockRenew:       true,
	TopicLockRelease:     true,
	TopicPreviewPatch:    true,
	TopicVersionCommit:   true,
	TopicSelectionJoin:   true,
	TopicSelectionUpdate: true,
	TopicSelectionClear:  true,
	TopicSelectionGet:    true,
}

// IsInbound reports whether clients are allowed to send t.
func (t Topic) IsInbound() bool {
	return inboundTopics[t]
}

// Envelope is the wire frame shared by every topic.
type Envelope struct {
	Type    Topic           `json:"type" validate:"required"`
	RoomID  string          `json:"room_id" validate:"required"`
	ActorID string          `json:"actor_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      int64           `json:"ts"`
}

// NewEnvelope marshals payload into a frame stamped with the current time.
func NewEnvelope(topic Topic, roomID, actorID string, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:    topic,
		RoomID:  roomID,
		ActorID: actorID,
		TS:      time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", topic, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", e.Type, err)
	}
	return nil
}

// ErrorPayload is sent back to a client whose frame was dropped.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Topic   Topic  `json:"topic,omitempty"`
}

// RoomSnapshot is sent to a client right after it joins a room.
type RoomSnapshot struct {
	Members    []Actor                    `json:"members"`
	Presence   []*Presence                `json:"presence"`
	Locks      []*EditSession             `json:"locks"`
	Previews   []*PreviewPatch            `json:"previews"`
	Selections map[string]json.RawMessage `json:"selections"`
}
