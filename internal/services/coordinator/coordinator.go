// Package coordinator binds the relay's topics to the five room components.
package coordinator

import (
	"context"
	"errors"

	"board-collab/internal/models"
	"board-collab/internal/services/collaboration"
	"board-collab/internal/services/locks"
	"board-collab/internal/services/presence"
	"board-collab/internal/services/preview"
	"board-collab/internal/services/selection"
	"board-collab/internal/services/versions"

	"go.uber.org/zap"
)

/*
Topic wiring

  client commands (Session != nil)         server events (Session == nil)
  room.join / room.leave                   room.member_left  -> locks, presence, selection, previews
  presence.update / presence.get           room.closed       -> DropRoom except versions
  lock.acquire / lock.renew / lock.release lock.released     -> previews.DropField
  preview.patch                            lock.expired      -> previews.DropField
  version.commit                           presence.removed  -> selection clear on timeout
  selection.join / update / clear / get

Components publish their own events through the relay, which hands them to
local subscribers too. Command handlers therefore ignore inbounds without a
session, otherwise a component's broadcast would be fed back into it.
*/

// Coordinator routes relay traffic to the components. It holds no state of its own.
type Coordinator struct {
	relay      *collaboration.Relay
	presence   *presence.Tracker
	locks      *locks.Manager
	previews   *preview.Broadcaster
	versions   *versions.Tracker
	selections *selection.Registry
	logger     *zap.Logger
}

// New creates a coordinator. Call Register before serving connections.
func New(
	relay *collaboration.Relay,
	pres *presence.Tracker,
	lockManager *locks.Manager,
	previews *preview.Broadcaster,
	vers *versions.Tracker,
	selections *selection.Registry,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		relay:      relay,
		presence:   pres,
		locks:      lockManager,
		previews:   previews,
		versions:   vers,
		selections: selections,
		logger:     logger.Named("coordinator"),
	}
}

// Register subscribes every handler on the relay.
func (c *Coordinator) Register() {
	commands := map[models.Topic]collaboration.Handler{
		models.TopicRoomJoin:        c.handleJoin,
		models.TopicRoomLeave:       c.handleLeave,
		models.TopicPresenceUpdate:  c.handlePresenceUpdate,
		models.TopicPresenceGet:     c.handlePresenceGet,
		models.TopicLockAcquire:     c.handleLockAcquire,
		models.TopicLockRenew:       c.handleLockRenew,
		models.TopicLockRelease:     c.handleLockRelease,
		models.TopicPreviewPatch:    c.handlePreview,
		models.TopicVersionCommit:   c.handleCommit,
		models.TopicSelectionJoin:   c.handleSelectionJoin,
		models.TopicSelectionUpdate: c.handleSelectionUpdate,
		models.TopicSelectionClear:  c.handleSelectionClear,
		models.TopicSelectionGet:    c.handleSelectionGet,
	}
	for topic, h := range commands {
		c.relay.Subscribe(topic, fromClient(h))
	}

	events := map[models.Topic]collaboration.Handler{
		models.TopicRoomMemberLeft:  c.onMemberLeft,
		models.TopicRoomClosed:      c.onRoomClosed,
		models.TopicLockReleased:    c.onLockFreed,
		models.TopicLockExpired:     c.onLockFreed,
		models.TopicPresenceRemoved: c.onPresenceRemoved,
	}
	for topic, h := range events {
		c.relay.Subscribe(topic, h)
	}
}

func fromClient(h collaboration.Handler) collaboration.Handler {
	return func(ctx context.Context, in *collaboration.Inbound) {
		if in.Session == nil {
			return
		}
		h(ctx, in)
	}
}

// decode unmarshals and validates a command payload, answering the sender
// with an error frame when either fails.
func (c *Coordinator) decode(in *collaboration.Inbound, v any) bool {
	err := in.Envelope.Decode(v)
	if err == nil {
		err = c.relay.Validate(v)
	}
	if err != nil {
		c.logger.Debug("Rejected payload",
			zap.String("topic", string(in.Envelope.Type)),
			zap.String("actorID", in.Actor.ID),
			zap.Error(err),
		)
		c.relay.Reply(in, models.TopicError, models.ErrorPayload{
			Code:    "invalid_payload",
			Message: err.Error(),
			Topic:   in.Envelope.Type,
		})
		return false
	}
	return true
}

// Snapshot collects the full collaborative state of a room.
func (c *Coordinator) Snapshot(roomID string) models.RoomSnapshot {
	return models.RoomSnapshot{
		Members:    c.relay.Members(roomID),
		Presence:   c.presence.Get(roomID),
		Locks:      c.locks.List(roomID),
		Previews:   c.previews.Current(roomID),
		Selections: c.selections.GetAll(roomID),
	}
}

func (c *Coordinator) handleJoin(ctx context.Context, in *collaboration.Inbound) {
	roomID := in.Envelope.RoomID
	// A repeated join from the current session keeps its live selection.
	if c.relay.Join(ctx, in.Session, roomID) {
		c.selections.Join(ctx, in.Actor.ID, roomID)
	}
	c.presence.Update(ctx, in.Actor, roomID, models.PresenceUpdate{})
	c.relay.Reply(in, models.TopicRoomSnapshot, c.Snapshot(roomID))
}

func (c *Coordinator) handleLeave(ctx context.Context, in *collaboration.Inbound) {
	c.relay.Leave(ctx, in.Session, in.Envelope.RoomID)
}

func (c *Coordinator) onMemberLeft(ctx context.Context, in *collaboration.Inbound) {
	roomID := in.Envelope.RoomID
	actorID := in.Actor.ID

	freed := c.locks.ReleaseAll(ctx, actorID, roomID)
	c.presence.Remove(ctx, actorID, roomID, presence.ReasonLeft)
	c.selections.Clear(ctx, actorID, roomID, models.ClearLeave)
	c.previews.DropActor(roomID, actorID)

	c.logger.Debug("Cleaned up after member",
		zap.String("room", roomID),
		zap.String("actorID", actorID),
		zap.Int("locksFreed", len(freed)),
	)
}

func (c *Coordinator) onRoomClosed(_ context.Context, in *collaboration.Inbound) {
	roomID := in.Envelope.RoomID
	c.presence.DropRoom(roomID)
	c.locks.DropRoom(roomID)
	c.previews.DropRoom(roomID)
	c.selections.DropRoom(roomID)
	c.logger.Info("Room closed", zap.String("room", roomID))
}

func (c *Coordinator) handlePresenceUpdate(ctx context.Context, in *collaboration.Inbound) {
	var upd models.PresenceUpdate
	if len(in.Envelope.Payload) > 0 && !c.decode(in, &upd) {
		return
	}
	c.presence.Update(ctx, in.Actor, in.Envelope.RoomID, upd)
	if upd.Hidden {
		c.selections.Clear(ctx, in.Actor.ID, in.Envelope.RoomID, models.ClearHidden)
	}
}

func (c *Coordinator) handlePresenceGet(_ context.Context, in *collaboration.Inbound) {
	c.relay.Reply(in, models.TopicPresenceSnapshot, c.presence.Get(in.Envelope.RoomID))
}

func (c *Coordinator) onPresenceRemoved(ctx context.Context, in *collaboration.Inbound) {
	var removed models.PresenceRemoved
	if err := in.Envelope.Decode(&removed); err != nil {
		return
	}
	if removed.Reason == presence.ReasonTimeout {
		c.selections.Clear(ctx, removed.ActorID, in.Envelope.RoomID, models.ClearInactivity)
	}
}

func (c *Coordinator) handleLockAcquire(ctx context.Context, in *collaboration.Inbound) {
	var req models.LockRequest
	if !c.decode(in, &req) {
		return
	}
	session, err := c.locks.Acquire(ctx, in.Actor, in.Envelope.RoomID, req.FieldID, req.Coordinates)
	if err != nil {
		c.relay.Reply(in, models.TopicLockDenied, models.LockDenied{
			FieldID: req.FieldID,
			Holder:  session,
			Reason:  "held",
		})
		return
	}
	c.relay.Reply(in, models.TopicLockGranted, c.locks.Grant(session))
}

func (c *Coordinator) handleLockRenew(ctx context.Context, in *collaboration.Inbound) {
	var req models.LockRequest
	if !c.decode(in, &req) {
		return
	}
	session, err := c.locks.Renew(ctx, in.Actor.ID, in.Envelope.RoomID, req.FieldID)
	if err != nil {
		c.relay.Reply(in, models.TopicLockRejected, lockRejection(req.FieldID, c.holderOf(in.Envelope.RoomID, req.FieldID), err))
		return
	}
	c.relay.Reply(in, models.TopicLockRenewed, c.locks.Grant(session))
}

func (c *Coordinator) handleLockRelease(ctx context.Context, in *collaboration.Inbound) {
	var req models.LockRequest
	if !c.decode(in, &req) {
		return
	}
	if err := c.locks.Release(ctx, in.Actor.ID, in.Envelope.RoomID, req.FieldID); err != nil {
		c.relay.Reply(in, models.TopicLockRejected, lockRejection(req.FieldID, c.holderOf(in.Envelope.RoomID, req.FieldID), err))
	}
}

func (c *Coordinator) holderOf(roomID, fieldID string) *models.EditSession {
	s, _ := c.locks.Holder(roomID, fieldID)
	return s
}

func lockRejection(fieldID string, holder *models.EditSession, err error) models.LockDenied {
	reason := "not_held"
	if errors.Is(err, locks.ErrNotHolder) {
		reason = "not_holder"
	}
	return models.LockDenied{FieldID: fieldID, Holder: holder, Reason: reason}
}

func (c *Coordinator) onLockFreed(_ context.Context, in *collaboration.Inbound) {
	var freed models.LockReleased
	if err := in.Envelope.Decode(&freed); err != nil {
		return
	}
	c.previews.DropField(in.Envelope.RoomID, freed.FieldID)
}

func (c *Coordinator) handlePreview(_ context.Context, in *collaboration.Inbound) {
	var req models.PreviewRequest
	if !c.decode(in, &req) {
		return
	}
	c.previews.Send(in.Actor.ID, in.Envelope.RoomID, req)
}

func (c *Coordinator) handleCommit(ctx context.Context, in *collaboration.Inbound) {
	var req models.CommitRequest
	if !c.decode(in, &req) {
		return
	}
	v, conflict, err := c.versions.Commit(ctx, in.Actor.ID, in.Envelope.RoomID, req)
	switch {
	case conflict != nil:
		c.relay.Reply(in, models.TopicVersionConflict, conflict)
	case err != nil:
		c.relay.Reply(in, models.TopicError, models.ErrorPayload{
			Code:    "commit_failed",
			Message: err.Error(),
			Topic:   models.TopicVersionCommit,
		})
	default:
		c.relay.Reply(in, models.TopicVersionCommitted, v)
	}
}

func (c *Coordinator) handleSelectionJoin(ctx context.Context, in *collaboration.Inbound) {
	c.relay.Reply(in, models.TopicSelectionSnapshot, c.selections.Join(ctx, in.Actor.ID, in.Envelope.RoomID))
}

func (c *Coordinator) handleSelectionUpdate(ctx context.Context, in *collaboration.Inbound) {
	var upd models.SelectionUpdate
	if !c.decode(in, &upd) {
		return
	}
	c.selections.Update(ctx, in.Actor.ID, in.Envelope.RoomID, upd.Blob)
}

func (c *Coordinator) handleSelectionClear(ctx context.Context, in *collaboration.Inbound) {
	var req models.SelectionClear
	if len(in.Envelope.Payload) > 0 && !c.decode(in, &req) {
		return
	}
	c.selections.Clear(ctx, in.Actor.ID, in.Envelope.RoomID, req.Reason)
}

func (c *Coordinator) handleSelectionGet(_ context.Context, in *collaboration.Inbound) {
	c.relay.Reply(in, models.TopicSelectionSnapshot, c.selections.GetAll(in.Envelope.RoomID))
}
