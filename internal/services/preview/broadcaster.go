package preview

import (
	"context"
	"sort"
	"sync"
	"time"

	"board-collab/internal/metrics"
	"board-collab/internal/models"

	"go.uber.org/zap"
)

// Publisher fans a preview patch out to a room.
type Publisher interface {
	Broadcast(ctx context.Context, roomID string, topic models.Topic, actorID string, payload any)
}

type pendingKey struct {
	roomID  string
	actorID string
	fieldID string
}

type fieldKey struct {
	roomID  string
	fieldID string
}

type pending struct {
	patch *models.PreviewPatch
	timer *time.Timer
	gen   uint64
}

type relayed struct {
	patch *models.PreviewPatch
	gen   uint64
}

// Broadcaster debounces keystroke-rate preview patches per (actor, field)
// and relays only the newest one once the window passes quietly.
// The last relayed patch per field is kept until a newer one replaces it or
// the field's edit session ends.
//
// A client's sent_at only orders that client's own patches. Patches of
// different actors on one field are ordered by the sequence number assigned
// on receipt, so a skewed clock never hides another actor's edits.
type Broadcaster struct {
	mu      sync.Mutex
	pending map[pendingKey]*pending
	latest  map[fieldKey]relayed
	sentAt  map[pendingKey]int64 // newest client sent_at accepted per (actor, field)
	gen     uint64
	closed  bool

	window  time.Duration
	out     Publisher
	ctx     context.Context
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewBroadcaster creates a debouncer with the given window (100ms by default).
func NewBroadcaster(ctx context.Context, out Publisher, window time.Duration, logger *zap.Logger, m *metrics.Collector) *Broadcaster {
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	return &Broadcaster{
		pending: make(map[pendingKey]*pending),
		latest:  make(map[fieldKey]relayed),
		sentAt:  make(map[pendingKey]int64),
		window:  window,
		out:     out,
		ctx:     ctx,
		now:     time.Now,
		logger:  logger.Named("preview"),
		metrics: m,
	}
}

// Send queues a patch. A pending patch for the same (actor, field) is
// replaced and its timer restarted. A patch whose sent_at is older than one
// the same actor already sent for the field is discarded. Returns false when
// the patch was discarded.
func (b *Broadcaster) Send(actorID, roomID string, req models.PreviewRequest) bool {
	patch := &models.PreviewPatch{
		FieldID:   req.FieldID,
		RoomID:    roomID,
		ActorID:   actorID,
		Content:   req.Content,
		Selection: req.Selection,
		Timestamp: b.now(),
	}
	pk := pendingKey{roomID, actorID, req.FieldID}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if req.SentAt > 0 {
		if req.SentAt < b.sentAt[pk] {
			b.metrics.Preview("stale")
			return false
		}
		b.sentAt[pk] = req.SentAt
	}
	if p, ok := b.pending[pk]; ok {
		p.timer.Stop()
		b.metrics.Preview("coalesced")
	}

	b.gen++
	gen := b.gen
	b.pending[pk] = &pending{
		patch: patch,
		gen:   gen,
		timer: time.AfterFunc(b.window, func() { b.flush(pk, gen) }),
	}
	return true
}

func (b *Broadcaster) flush(pk pendingKey, gen uint64) {
	fk := fieldKey{pk.roomID, pk.fieldID}

	b.mu.Lock()
	p, ok := b.pending[pk]
	if !ok || p.gen != gen {
		b.mu.Unlock()
		return
	}
	delete(b.pending, pk)
	// Another actor's patch received later already went out.
	if last, ok := b.latest[fk]; ok && last.gen > gen {
		b.mu.Unlock()
		b.metrics.Preview("stale")
		return
	}
	b.latest[fk] = relayed{patch: p.patch, gen: gen}
	patch := *p.patch
	b.mu.Unlock()

	b.metrics.Preview("relayed")
	b.out.Broadcast(b.ctx, patch.RoomID, models.TopicPreviewPatch, patch.ActorID, &patch)
}

// Current returns the last relayed patch of every field in a room.
func (b *Broadcaster) Current(roomID string) []*models.PreviewPatch {
	b.mu.Lock()
	out := make([]*models.PreviewPatch, 0)
	for fk, r := range b.latest {
		if fk.roomID == roomID {
			cp := *r.patch
			out = append(out, &cp)
		}
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FieldID < out[j].FieldID })
	return out
}

// DropField discards pending and relayed patches of a field whose edit
// session ended.
func (b *Broadcaster) DropField(roomID, fieldID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for pk, p := range b.pending {
		if pk.roomID == roomID && pk.fieldID == fieldID {
			p.timer.Stop()
			delete(b.pending, pk)
		}
	}
	for pk := range b.sentAt {
		if pk.roomID == roomID && pk.fieldID == fieldID {
			delete(b.sentAt, pk)
		}
	}
	delete(b.latest, fieldKey{roomID, fieldID})
}

// DropActor discards everything an actor has in flight in a room.
func (b *Broadcaster) DropActor(roomID, actorID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for pk, p := range b.pending {
		if pk.roomID == roomID && pk.actorID == actorID {
			p.timer.Stop()
			delete(b.pending, pk)
		}
	}
	for pk := range b.sentAt {
		if pk.roomID == roomID && pk.actorID == actorID {
			delete(b.sentAt, pk)
		}
	}
	for fk, r := range b.latest {
		if fk.roomID == roomID && r.patch.ActorID == actorID {
			delete(b.latest, fk)
		}
	}
}

// DropRoom discards all state of a closed room.
func (b *Broadcaster) DropRoom(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for pk, p := range b.pending {
		if pk.roomID == roomID {
			p.timer.Stop()
			delete(b.pending, pk)
		}
	}
	for pk := range b.sentAt {
		if pk.roomID == roomID {
			delete(b.sentAt, pk)
		}
	}
	for fk := range b.latest {
		if fk.roomID == roomID {
			delete(b.latest, fk)
		}
	}
}

// Close stops every pending timer; later Sends are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for pk, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, pk)
	}
	b.closed = true
	b.logger.Debug("Preview broadcaster closed")
}
