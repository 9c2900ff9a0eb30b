package versions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"board-collab/internal/metrics"
	"board-collab/internal/middleware"
	"board-collab/internal/models"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ErrConflict is returned alongside a *models.Conflict when a commit's base
// version is stale.
var ErrConflict = errors.New("version conflict")

// Publisher fans a committed version out to a room.
type Publisher interface {
	Broadcast(ctx context.Context, roomID string, topic models.Topic, actorID string, payload any)
}

// Store persists accepted versions. Implemented by the gorm repository.
type Store interface {
	LatestVersion(ctx context.Context, roomID, recordID string) (*models.Version, error)
	SaveVersion(ctx context.Context, v *models.Version) error
	ListVersions(ctx context.Context, roomID, recordID string, since int64, limit int) ([]*models.Version, error)
}

type recordKey struct {
	roomID   string
	recordID string
}

type record struct {
	current   int64
	history   []*models.Version // oldest first, capped at historyLimit
	touched   time.Time
	persisted bool // current is in the store and can be re-seeded from it
}

// Tracker keeps the live version counter of every record seen in a room.
// It is the only writer of those counters. Counters outlive the rooms they
// were committed in; a record is forgotten only after it sat idle for the
// eviction TTL and its current version is known to be in the store.
type Tracker struct {
	mu      sync.Mutex
	records map[recordKey]*record

	store        Store
	breaker      *gobreaker.CircuitBreaker
	historyLimit int
	idleTTL      time.Duration
	out          Publisher
	now          func() time.Time
	logger       *zap.Logger
	metrics      *metrics.Collector
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithStore persists accepted versions and seeds unknown records from it.
// Store calls go through a circuit breaker so a database outage degrades to
// in-memory tracking instead of stalling commits.
func WithStore(store Store) Option {
	return func(t *Tracker) { t.store = store }
}

// WithIdleEviction forgets persisted records untouched for ttl. It has no
// effect without a store, since nothing could re-seed an evicted counter.
func WithIdleEviction(ttl time.Duration) Option {
	return func(t *Tracker) { t.idleTTL = ttl }
}

// NewTracker creates an empty tracker.
func NewTracker(out Publisher, historyLimit int, logger *zap.Logger, m *metrics.Collector, opts ...Option) *Tracker {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	t := &Tracker{
		records:      make(map[recordKey]*record),
		historyLimit: historyLimit,
		out:          out,
		now:          time.Now,
		logger:       logger.Named("versions"),
		metrics:      m,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "version-store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return t
}

// Commit applies an optimistic-concurrency check and, on success, advances
// the record by exactly one version and broadcasts version.committed to every
// other member of the room. A stale base version yields a Conflict for the
// caller only.
func (t *Tracker) Commit(ctx context.Context, actorID, roomID string, req models.CommitRequest) (*models.Version, *models.Conflict, error) {
	return t.commit(ctx, actorID, roomID, req, actorID)
}

// CommitExternal is Commit for writes stamped by the CRUD API on behalf of
// actorID; the committed event reaches the actor's own connection too.
func (t *Tracker) CommitExternal(ctx context.Context, actorID, roomID string, req models.CommitRequest) (*models.Version, *models.Conflict, error) {
	return t.commit(ctx, actorID, roomID, req, "")
}

func (t *Tracker) commit(ctx context.Context, actorID, roomID string, req models.CommitRequest, except string) (*models.Version, *models.Conflict, error) {
	ctx, span := middleware.StartSpan(ctx, "Versions.Commit",
		attribute.String("room.id", roomID),
		attribute.String("record.id", req.RecordID),
		attribute.Int64("base_version", req.BaseVersion),
	)
	defer span.End()

	key := recordKey{roomID, req.RecordID}
	seed, stored := t.seed(ctx, key, req.BaseVersion)
	now := t.now()

	t.mu.Lock()
	rec, ok := t.records[key]
	if !ok {
		rec = &record{current: seed, touched: now, persisted: stored}
		t.records[key] = rec
	}
	if req.BaseVersion != rec.current {
		conflict := models.NewConflict(roomID, req.RecordID, actorID, req.BaseVersion, rec.current, now)
		if n := len(rec.history); n > 0 && rec.history[n-1].Version == rec.current {
			cur := *rec.history[n-1]
			conflict.Current = &cur
		}
		t.mu.Unlock()

		t.metrics.Commit("conflict")
		middleware.AddSpanEvent(ctx, "version_conflict",
			attribute.Int64("current_version", conflict.IncomingVersion),
		)
		t.logger.Info("Commit conflict",
			zap.String("room", roomID),
			zap.String("record", req.RecordID),
			zap.String("actorID", actorID),
			zap.Int64("base", req.BaseVersion),
			zap.Int64("current", conflict.IncomingVersion),
		)
		return nil, conflict, fmt.Errorf("%w: %s base %d, current %d", ErrConflict, req.RecordID, req.BaseVersion, conflict.IncomingVersion)
	}

	rec.current++
	rec.touched = now
	rec.persisted = false
	v := &models.Version{
		RecordID:  req.RecordID,
		RoomID:    roomID,
		Version:   rec.current,
		UpdatedBy: actorID,
		UpdatedAt: now,
		ChangeSet: req.ChangeSet,
	}
	rec.history = append(rec.history, v)
	if len(rec.history) > t.historyLimit {
		rec.history = rec.history[len(rec.history)-t.historyLimit:]
	}
	committed := *v
	t.mu.Unlock()

	t.metrics.Commit("accepted")
	if t.persist(ctx, &committed) {
		t.mu.Lock()
		if rec, ok := t.records[key]; ok && rec.current == committed.Version {
			rec.persisted = true
		}
		t.mu.Unlock()
	}
	t.out.Broadcast(ctx, roomID, models.TopicVersionCommitted, except, &committed)
	return &committed, nil, nil
}

// seed returns the version an unknown record starts at: the latest persisted
// version when a store is configured, otherwise the caller's base version,
// which it read from the CRUD API. stored reports the former.
func (t *Tracker) seed(ctx context.Context, key recordKey, base int64) (seed int64, stored bool) {
	t.mu.Lock()
	_, known := t.records[key]
	t.mu.Unlock()
	if known || t.store == nil {
		return base, false
	}

	out, err := t.breaker.Execute(func() (interface{}, error) {
		return t.store.LatestVersion(ctx, key.roomID, key.recordID)
	})
	if err != nil {
		t.metrics.PersistFailed()
		middleware.AddSpanError(ctx, err)
		t.logger.Warn("Failed to load latest version, seeding from base",
			zap.String("room", key.roomID),
			zap.String("record", key.recordID),
			zap.Error(err),
		)
		return base, false
	}
	if v, _ := out.(*models.Version); v != nil {
		return v.Version, true
	}
	return base, false
}

func (t *Tracker) persist(ctx context.Context, v *models.Version) bool {
	if t.store == nil {
		return false
	}
	_, err := t.breaker.Execute(func() (interface{}, error) {
		return nil, t.store.SaveVersion(ctx, v)
	})
	if err != nil {
		t.metrics.PersistFailed()
		middleware.AddSpanError(ctx, err)
		t.logger.Warn("Failed to persist version",
			zap.String("room", v.RoomID),
			zap.String("record", v.RecordID),
			zap.Int64("version", v.Version),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Current returns the tracked version of a record.
func (t *Tracker) Current(roomID, recordID string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[recordKey{roomID, recordID}]
	if !ok {
		return 0, false
	}
	return rec.current, true
}

// History returns retained versions newer than since, oldest first. It falls
// back to the store when memory no longer holds the requested range.
func (t *Tracker) History(ctx context.Context, roomID, recordID string, since int64) ([]*models.Version, error) {
	t.mu.Lock()
	rec, ok := t.records[recordKey{roomID, recordID}]
	var out []*models.Version
	covered := false
	if ok {
		for _, v := range rec.history {
			if v.Version > since {
				cp := *v
				out = append(out, &cp)
			}
		}
		covered = len(rec.history) > 0 && rec.history[0].Version <= since+1
	}
	t.mu.Unlock()

	if covered || t.store == nil {
		return out, nil
	}
	res, err := t.breaker.Execute(func() (interface{}, error) {
		return t.store.ListVersions(ctx, roomID, recordID, since, t.historyLimit)
	})
	if err != nil {
		t.metrics.PersistFailed()
		return out, fmt.Errorf("failed to list versions: %w", err)
	}
	stored, _ := res.([]*models.Version)
	return stored, nil
}

// EvictIdle forgets records untouched since before now-ttl whose current
// version made it to the store. Nothing is evicted without a store or while
// the store's breaker is not closed. Returns the number of records evicted.
func (t *Tracker) EvictIdle(ttl time.Duration) int {
	if t.store == nil || ttl <= 0 || t.breaker.State() != gobreaker.StateClosed {
		return 0
	}
	cutoff := t.now().Add(-ttl)

	t.mu.Lock()
	evicted := 0
	for key, rec := range t.records {
		if rec.persisted && rec.touched.Before(cutoff) {
			delete(t.records, key)
			evicted++
		}
	}
	t.mu.Unlock()

	if evicted > 0 {
		t.logger.Debug("Evicted idle version counters", zap.Int("evicted", evicted))
	}
	return evicted
}

// Run evicts idle records every half TTL until ctx is done. It returns at once
// when idle eviction is not configured.
func (t *Tracker) Run(ctx context.Context) {
	if t.store == nil || t.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(t.idleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.EvictIdle(t.idleTTL)
		}
	}
}
