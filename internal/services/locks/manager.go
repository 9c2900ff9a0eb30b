package locks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"board-collab/internal/metrics"
	"board-collab/internal/models"

	"go.uber.org/zap"
)

/*
EDIT LOCK MANAGER

Per field the state machine is

  FREE --acquire--> HELD --renew--> HELD --release|expire--> FREE

A HELD field rejects acquire from anyone but its holder. Only the holder's
release or the expiry sweep frees it. Locks are advisory: nothing here stops
a client from writing a field it does not hold; version checks catch that.

Events are broadcast after the mutex is released, so a release and the next
grant of a field can reach clients in either order. Every transition takes a
sequence number under the mutex and carries it in its event; clients drop
events older than the last one they applied for that field.
*/

var (
	// ErrHeld is returned when another actor holds a live session on the field.
	ErrHeld = errors.New("field is locked by another actor")
	// ErrNotHolder is returned when renew/release comes from someone other than the holder.
	ErrNotHolder = errors.New("caller does not hold the field")
	// ErrNotHeld is returned when there is no live session on the field.
	ErrNotHeld = errors.New("field is not locked")
)

// Release reasons carried by lock.released / lock.expired.
const (
	ReasonReleased = "released"
	ReasonLeft     = "left"
	ReasonExpired  = "expired"
)

// Publisher fans a lock event out to a room.
type Publisher interface {
	Broadcast(ctx context.Context, roomID string, topic models.Topic, actorID string, payload any)
}

// Config holds the lock timing.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	RenewInterval time.Duration // advertised to holders, must be < TTL
}

// DefaultConfig uses a 30s TTL, a 5s sweep and a 25s client renew period.
func DefaultConfig() Config {
	return Config{
		TTL:           30 * time.Second,
		SweepInterval: 5 * time.Second,
		RenewInterval: 25 * time.Second,
	}
}

type fieldKey struct {
	roomID  string
	fieldID string
}

// Manager owns every edit session, keyed by (room, field).
// All transitions run under one mutex so two acquires of the same field
// always resolve to exactly one winner.
type Manager struct {
	mu       sync.Mutex
	sessions map[fieldKey]*models.EditSession
	seq      uint64

	cfg     Config
	out     Publisher
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager with no sessions.
func NewManager(out Publisher, cfg Config, logger *zap.Logger, mc *metrics.Collector, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[fieldKey]*models.EditSession),
		cfg:      cfg,
		out:      out,
		now:      time.Now,
		logger:   logger.Named("locks"),
		metrics:  mc,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the timing the manager was built with.
func (m *Manager) Config() Config {
	return m.cfg
}

// Acquire grants the field to actor if no live session exists, or if actor
// already holds it (the expiry is refreshed then). On denial the current
// holder is returned with ErrHeld.
func (m *Manager) Acquire(ctx context.Context, actor models.Actor, roomID, fieldID string, coords *models.Position) (*models.EditSession, error) {
	now := m.now()
	key := fieldKey{roomID, fieldID}

	m.mu.Lock()
	var lapsed *models.EditSession
	if cur, ok := m.sessions[key]; ok {
		switch {
		case !cur.Live(now):
			cp := *cur
			cp.Seq = m.nextSeq()
			lapsed = &cp
		case cur.HolderActorID == actor.ID:
			// Holder re-acquiring (e.g. after a reload) keeps the session.
		default:
			holder := *cur
			m.mu.Unlock()
			m.metrics.LockOutcome("denied")
			return &holder, fmt.Errorf("%w: %s holds %s", ErrHeld, holder.HolderActorID, fieldID)
		}
	}

	session := &models.EditSession{
		FieldID:       fieldID,
		RoomID:        roomID,
		HolderActorID: actor.ID,
		HolderName:    actor.DisplayName,
		Coordinates:   coords,
		StartedAt:     now,
		ExpiresAt:     now.Add(m.cfg.TTL),
	}
	if cur, ok := m.sessions[key]; ok && lapsed == nil {
		session.StartedAt = cur.StartedAt
		session.Renewed = true
		if !session.ExpiresAt.After(cur.ExpiresAt) {
			session.ExpiresAt = cur.ExpiresAt
		}
		if coords == nil {
			session.Coordinates = cur.Coordinates
		}
	}
	session.Seq = m.nextSeq()
	m.sessions[key] = session
	granted := *session
	m.mu.Unlock()

	if lapsed != nil {
		m.publishFreed(ctx, models.TopicLockExpired, lapsed, ReasonExpired)
	}
	m.metrics.LockOutcome("granted")
	m.logger.Debug("Lock granted",
		zap.String("room", roomID),
		zap.String("field", fieldID),
		zap.String("actorID", actor.ID),
		zap.Time("expiresAt", granted.ExpiresAt),
	)
	m.out.Broadcast(ctx, roomID, models.TopicLockGranted, actor.ID, m.Grant(&granted))
	return &granted, nil
}

// Renew extends the holder's session to now+TTL. The new expiry is always
// strictly later than the previous one.
func (m *Manager) Renew(ctx context.Context, actorID, roomID, fieldID string) (*models.EditSession, error) {
	now := m.now()
	key := fieldKey{roomID, fieldID}

	m.mu.Lock()
	cur, ok := m.sessions[key]
	if !ok || !cur.Live(now) {
		m.mu.Unlock()
		m.metrics.LockOutcome("rejected")
		return nil, fmt.Errorf("%w: %s", ErrNotHeld, fieldID)
	}
	if cur.HolderActorID != actorID {
		m.mu.Unlock()
		m.metrics.LockOutcome("rejected")
		return nil, fmt.Errorf("%w: %s holds %s", ErrNotHolder, cur.HolderActorID, fieldID)
	}

	expires := now.Add(m.cfg.TTL)
	if !expires.After(cur.ExpiresAt) {
		expires = cur.ExpiresAt.Add(time.Millisecond)
	}
	cur.ExpiresAt = expires
	cur.Renewed = true
	cur.Seq = m.nextSeq()
	renewed := *cur
	m.mu.Unlock()

	m.metrics.LockOutcome("renewed")
	m.out.Broadcast(ctx, roomID, models.TopicLockRenewed, actorID, m.Grant(&renewed))
	return &renewed, nil
}

// Release frees the field if actorID holds it.
func (m *Manager) Release(ctx context.Context, actorID, roomID, fieldID string) error {
	key := fieldKey{roomID, fieldID}

	m.mu.Lock()
	cur, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHeld, fieldID)
	}
	if cur.HolderActorID != actorID {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s holds %s", ErrNotHolder, cur.HolderActorID, fieldID)
	}
	delete(m.sessions, key)
	released := *cur
	released.Seq = m.nextSeq()
	m.mu.Unlock()

	m.metrics.LockOutcome("released")
	m.publishFreed(ctx, models.TopicLockReleased, &released, ReasonReleased)
	return nil
}

// ReleaseAll frees every field actorID holds in roomID, e.g. on disconnect.
// Returns the freed sessions; a second call returns nothing.
func (m *Manager) ReleaseAll(ctx context.Context, actorID, roomID string) []*models.EditSession {
	m.mu.Lock()
	var freed []*models.EditSession
	for key, s := range m.sessions {
		if key.roomID == roomID && s.HolderActorID == actorID {
			cp := *s
			cp.Seq = m.nextSeq()
			freed = append(freed, &cp)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	sortSessions(freed)
	for _, s := range freed {
		m.metrics.LockOutcome("released")
		m.publishFreed(ctx, models.TopicLockReleased, s, ReasonLeft)
	}
	return freed
}

// Holder returns the live session of a field, if any.
func (m *Manager) Holder(roomID, fieldID string) (*models.EditSession, bool) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[fieldKey{roomID, fieldID}]
	if !ok || !s.Live(now) {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// List returns the live sessions of a room sorted by field id.
func (m *Manager) List(roomID string) []*models.EditSession {
	now := m.now()

	m.mu.Lock()
	out := make([]*models.EditSession, 0)
	for key, s := range m.sessions {
		if key.roomID == roomID && s.Live(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	m.mu.Unlock()

	sortSessions(out)
	return out
}

// Sweep removes every session whose expiry has passed and broadcasts lock.expired.
func (m *Manager) Sweep(ctx context.Context) []*models.EditSession {
	now := m.now()

	m.mu.Lock()
	var expired []*models.EditSession
	for key, s := range m.sessions {
		if !s.Live(now) {
			cp := *s
			cp.Seq = m.nextSeq()
			expired = append(expired, &cp)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	sortSessions(expired)
	for _, s := range expired {
		m.metrics.LockOutcome("expired")
		m.logger.Info("Lock expired",
			zap.String("room", s.RoomID),
			zap.String("field", s.FieldID),
			zap.String("holder", s.HolderActorID),
		)
		m.publishFreed(ctx, models.TopicLockExpired, s, ReasonExpired)
	}
	return expired
}

// DropRoom forgets every session of a closed room without broadcasting.
func (m *Manager) DropRoom(roomID string) {
	m.mu.Lock()
	for key := range m.sessions {
		if key.roomID == roomID {
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()
}

// Run sweeps on the configured period until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Grant wraps a session with the timing a client needs to schedule renewals.
func (m *Manager) Grant(s *models.EditSession) models.LockGrant {
	return models.LockGrant{
		Session:      s,
		TTLMillis:    m.cfg.TTL.Milliseconds(),
		RenewEveryMs: m.cfg.RenewInterval.Milliseconds(),
	}
}

func (m *Manager) publishFreed(ctx context.Context, topic models.Topic, s *models.EditSession, reason string) {
	m.out.Broadcast(ctx, s.RoomID, topic, "", models.LockReleased{
		FieldID:       s.FieldID,
		HolderActorID: s.HolderActorID,
		Reason:        reason,
		Seq:           s.Seq,
	})
}

// nextSeq must be called with mu held.
func (m *Manager) nextSeq() uint64 {
	m.seq++
	return m.seq
}

func sortSessions(ss []*models.EditSession) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].RoomID != ss[j].RoomID {
			return ss[i].RoomID < ss[j].RoomID
		}
		return ss[i].FieldID < ss[j].FieldID
	})
}
