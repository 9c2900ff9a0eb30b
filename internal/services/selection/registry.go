package selection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"board-collab/internal/metrics"
	"board-collab/internal/models"

	"go.uber.org/zap"
)

// Publisher fans a selection event out to a room.
type Publisher interface {
	Broadcast(ctx context.Context, roomID string, topic models.Topic, actorID string, payload any)
}

// Registry maps roomID -> actorID -> current selection blob.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*models.SelectionState

	clearOnHidden bool
	out           Publisher
	now           func() time.Time
	logger        *zap.Logger
	metrics       *metrics.Collector
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClearOnHidden makes a "hidden" clear actually remove the selection.
// Off by default: tab switches should not flicker other users' highlights.
func WithClearOnHidden(enabled bool) Option {
	return func(r *Registry) { r.clearOnHidden = enabled }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(out Publisher, logger *zap.Logger, m *metrics.Collector, opts ...Option) *Registry {
	r := &Registry{
		rooms:   make(map[string]map[string]*models.SelectionState),
		out:     out,
		now:     time.Now,
		logger:  logger.Named("selection"),
		metrics: m,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join clears any orphaned selection the actor left behind (e.g. before a
// page reload) and returns the selections of everyone else in the room.
func (r *Registry) Join(ctx context.Context, actorID, roomID string) map[string]json.RawMessage {
	r.Clear(ctx, actorID, roomID, models.ClearLeave)
	return r.GetAll(roomID)
}

// Update replaces the actor's selection wholesale and broadcasts it.
func (r *Registry) Update(ctx context.Context, actorID, roomID string, blob json.RawMessage) *models.SelectionState {
	state := &models.SelectionState{
		ActorID:   actorID,
		RoomID:    roomID,
		Blob:      append(json.RawMessage(nil), blob...),
		UpdatedAt: r.now(),
	}

	r.mu.Lock()
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]*models.SelectionState)
	}
	r.rooms[roomID][actorID] = state
	r.mu.Unlock()

	cp := *state
	r.out.Broadcast(ctx, roomID, models.TopicSelectionUpdate, actorID, &cp)
	return &cp
}

// GetAll returns every selection in a room keyed by actor id.
func (r *Registry) GetAll(roomID string) map[string]json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(r.rooms[roomID]))
	for actorID, s := range r.rooms[roomID] {
		out[actorID] = append(json.RawMessage(nil), s.Blob...)
	}
	return out
}

// Clear removes the actor's selection and broadcasts selection.cleared.
// Idempotent: returns false, without broadcasting, if nothing was removed.
// A hidden clear is ignored unless the registry was built WithClearOnHidden.
func (r *Registry) Clear(ctx context.Context, actorID, roomID string, reason models.ClearReason) bool {
	if reason == "" {
		reason = models.ClearExplicit
	}
	if !reason.Valid() {
		return false
	}
	if reason == models.ClearHidden && !r.clearOnHidden {
		r.logger.Debug("Ignoring hidden clear",
			zap.String("room", roomID),
			zap.String("actorID", actorID),
		)
		return false
	}

	r.mu.Lock()
	members, ok := r.rooms[roomID]
	if ok {
		_, ok = members[actorID]
		delete(members, actorID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.metrics.SelectionCleared(string(reason))
	r.out.Broadcast(ctx, roomID, models.TopicSelectionCleared, "", models.SelectionCleared{
		ActorID: actorID,
		Reason:  reason,
	})
	return true
}

// DropRoom forgets a closed room without broadcasting.
func (r *Registry) DropRoom(roomID string) {
	r.mu.Lock()
	delete(r.rooms, roomID)
	r.mu.Unlock()
}
