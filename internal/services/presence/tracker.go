package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"board-collab/internal/metrics"
	"board-collab/internal/models"

	"go.uber.org/zap"
)

// Removal reasons carried by presence.removed.
const (
	ReasonLeft    = "left"
	ReasonTimeout = "timeout"
)

// Publisher fans a presence event out to a room.
type Publisher interface {
	Broadcast(ctx context.Context, roomID string, topic models.Topic, actorID string, payload any)
}

// Config holds the liveness timing.
type Config struct {
	SweepInterval time.Duration
	StaleAfter    time.Duration
}

// DefaultConfig sweeps every 10s and evicts after three missed heartbeats.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 10 * time.Second,
		StaleAfter:    30 * time.Second,
	}
}

// Tracker maps roomID -> actorID -> last known presence.
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*models.Presence

	cfg     Config
	out     Publisher
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates an empty tracker.
func NewTracker(out Publisher, cfg Config, logger *zap.Logger, m *metrics.Collector, opts ...Option) *Tracker {
	t := &Tracker{
		rooms:   make(map[string]map[string]*models.Presence),
		cfg:     cfg,
		out:     out,
		now:     time.Now,
		logger:  logger.Named("presence"),
		metrics: m,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Update upserts the actor's presence and broadcasts it to the room.
func (t *Tracker) Update(ctx context.Context, actor models.Actor, roomID string, upd models.PresenceUpdate) *models.Presence {
	a := actor
	p := &models.Presence{
		ActorID:  actor.ID,
		RoomID:   roomID,
		Actor:    &a,
		LastSeen: t.now(),
		Position: upd.Position,
		Editing:  upd.Editing,
		Hidden:   upd.Hidden,
	}

	t.mu.Lock()
	if t.rooms[roomID] == nil {
		t.rooms[roomID] = make(map[string]*models.Presence)
	}
	t.rooms[roomID][actor.ID] = p
	t.mu.Unlock()

	snapshot := *p
	t.out.Broadcast(ctx, roomID, models.TopicPresenceUpdate, actor.ID, &snapshot)
	return &snapshot
}

// Get returns the live presences of a room sorted by actor id. Entries past
// the staleness window are left out even if the sweep has not run yet.
func (t *Tracker) Get(roomID string) []*models.Presence {
	cutoff := t.now().Add(-t.cfg.StaleAfter)

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*models.Presence, 0, len(t.rooms[roomID]))
	for _, p := range t.rooms[roomID] {
		if p.LastSeen.Before(cutoff) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}

// Remove deletes the actor's presence and broadcasts the removal.
// Returns false, without broadcasting, when there was nothing to remove.
func (t *Tracker) Remove(ctx context.Context, actorID, roomID, reason string) bool {
	t.mu.Lock()
	members, ok := t.rooms[roomID]
	if ok {
		_, ok = members[actorID]
		delete(members, actorID)
		if len(members) == 0 {
			delete(t.rooms, roomID)
		}
	}
	t.mu.Unlock()

	if ok {
		t.out.Broadcast(ctx, roomID, models.TopicPresenceRemoved, "", models.PresenceRemoved{
			ActorID: actorID,
			Reason:  reason,
		})
	}
	return ok
}

// DropRoom forgets every presence of a closed room without broadcasting.
func (t *Tracker) DropRoom(roomID string) {
	t.mu.Lock()
	delete(t.rooms, roomID)
	t.mu.Unlock()
}

// Sweep evicts presences whose last heartbeat is older than the staleness
// window and broadcasts one presence.removed per eviction.
func (t *Tracker) Sweep(ctx context.Context) []models.Presence {
	cutoff := t.now().Add(-t.cfg.StaleAfter)

	var evicted []models.Presence
	t.mu.Lock()
	for roomID, members := range t.rooms {
		for actorID, p := range members {
			if p.LastSeen.Before(cutoff) {
				evicted = append(evicted, *p)
				delete(members, actorID)
			}
		}
		if len(members) == 0 {
			delete(t.rooms, roomID)
		}
	}
	t.mu.Unlock()

	sort.Slice(evicted, func(i, j int) bool {
		if evicted[i].RoomID != evicted[j].RoomID {
			return evicted[i].RoomID < evicted[j].RoomID
		}
		return evicted[i].ActorID < evicted[j].ActorID
	})
	for _, p := range evicted {
		t.logger.Info("Evicted stale presence",
			zap.String("room", p.RoomID),
			zap.String("actorID", p.ActorID),
			zap.Time("lastSeen", p.LastSeen),
		)
		t.out.Broadcast(ctx, p.RoomID, models.TopicPresenceRemoved, "", models.PresenceRemoved{
			ActorID: p.ActorID,
			Reason:  ReasonTimeout,
		})
	}
	t.metrics.PresenceEvicted(len(evicted))
	return evicted
}

// Run sweeps on the configured period until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}
