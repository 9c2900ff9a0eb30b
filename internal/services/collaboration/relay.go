package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"board-collab/internal/metrics"
	"board-collab/internal/middleware"
	"board-collab/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

/*
CONNECTION RELAY

The relay owns routing only:

  rooms:    roomID -> actorID -> *Session   (one live session per actor per room)
  handlers: topic  -> []Handler             (local subscribers)

Inbound frames are validated here and handed to the subscribers of their
topic. Outbound frames go to every member of a room except the sender.
A transport failure becomes a Leave for every room the session was in,
which is the only way a silent network drop turns into a semantic event.
*/

var (
	// ErrMalformed marks a frame that failed decoding or validation.
	ErrMalformed = errors.New("malformed frame")
	// ErrNotMember marks a room-scoped frame from a session outside that room.
	ErrNotMember = errors.New("not a member of room")
)

// Handler consumes one frame of a subscribed topic.
type Handler func(ctx context.Context, in *Inbound)

// Inbound is a frame delivered to local subscribers.
// Session is nil for frames originated by the server itself.
type Inbound struct {
	Session  *Session
	Actor    models.Actor
	Envelope *models.Envelope
}

// Bridge forwards room frames to other server instances.
type Bridge interface {
	Publish(ctx context.Context, roomID string, frame []byte, exceptActorID string) error
}

// Relay fans frames in and out of rooms.
type Relay struct {
	rooms    map[string]map[string]*Session // roomID -> actorID -> session
	sessions map[*Session]struct{}
	mu       sync.RWMutex

	handlers map[models.Topic][]Handler
	hmu      sync.RWMutex

	validate   *validator.Validate
	bridge     Bridge
	sendBuffer int
	pongWait   time.Duration
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// Option customizes a Relay.
type Option func(*Relay)

// WithPongWait sets how long a connection may stay silent, pongs included,
// before it is treated as dropped. Pings go out at 9/10 of it.
func WithPongWait(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.pongWait = d
		}
	}
}

// NewRelay creates an empty relay.
func NewRelay(logger *zap.Logger, m *metrics.Collector, sendBuffer int, opts ...Option) *Relay {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	r := &Relay{
		rooms:      make(map[string]map[string]*Session),
		sessions:   make(map[*Session]struct{}),
		handlers:   make(map[models.Topic][]Handler),
		validate:   validator.New(),
		sendBuffer: sendBuffer,
		pongWait:   defaultPongWait,
		logger:     logger.Named("relay"),
		metrics:    m,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetBridge attaches a cross-instance fan-out bridge.
func (r *Relay) SetBridge(b Bridge) {
	r.bridge = b
}

// Validate runs struct-tag validation on a decoded payload.
func (r *Relay) Validate(v any) error {
	if err := r.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Subscribe registers handler for topic. Handlers run on the goroutine that
// publishes or dispatches the frame, in registration order.
func (r *Relay) Subscribe(topic models.Topic, handler Handler) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.handlers[topic] = append(r.handlers[topic], handler)
}

func (r *Relay) notify(ctx context.Context, in *Inbound) {
	r.hmu.RLock()
	subs := make([]Handler, len(r.handlers[in.Envelope.Type]))
	copy(subs, r.handlers[in.Envelope.Type])
	r.hmu.RUnlock()

	for _, h := range subs {
		r.safeCall(ctx, h, in)
	}
}

func (r *Relay) safeCall(ctx context.Context, h Handler, in *Inbound) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Topic handler panicked",
				zap.String("topic", string(in.Envelope.Type)),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	h(ctx, in)
}

// Dispatch decodes one raw inbound frame from s and routes it by topic.
// Malformed or unscoped frames are dropped and answered with an error frame.
func (r *Relay) Dispatch(ctx context.Context, s *Session, raw []byte) error {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return r.reject(s, "", "decode", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if err := r.validate.Struct(&env); err != nil {
		return r.reject(s, env.Type, "invalid", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if !env.Type.IsInbound() {
		return r.reject(s, env.Type, "unknown_topic", fmt.Errorf("%w: topic %q", ErrMalformed, env.Type))
	}
	if env.Type != models.TopicRoomJoin && !r.IsMember(env.RoomID, s) {
		return r.reject(s, env.Type, "not_member", fmt.Errorf("%w %s", ErrNotMember, env.RoomID))
	}

	// The connection's identity is authoritative, whatever the client wrote.
	env.ActorID = s.Actor.ID
	if env.TS == 0 {
		env.TS = time.Now().UnixMilli()
	}

	ctx, span := middleware.StartSpan(ctx, "Relay.Dispatch",
		attribute.String("session.id", s.ID),
		attribute.String("room.id", env.RoomID),
		attribute.String("topic", string(env.Type)),
	)
	defer span.End()

	r.metrics.FrameReceived(string(env.Type))
	r.notify(ctx, &Inbound{Session: s, Actor: s.Actor, Envelope: &env})
	return nil
}

func (r *Relay) reject(s *Session, topic models.Topic, reason string, err error) error {
	r.metrics.FrameDropped(reason)
	r.logger.Debug("Dropped inbound frame",
		zap.String("sessionID", s.ID),
		zap.String("reason", reason),
		zap.Error(err),
	)
	env, mErr := models.NewEnvelope(models.TopicError, "", "", models.ErrorPayload{
		Code:    reason,
		Message: err.Error(),
		Topic:   topic,
	})
	if mErr == nil {
		r.SendTo(s, env)
	}
	return err
}

// NewSession creates a session for actor bound to conn and registers it.
// conn may be nil for sessions that are only fed through Dispatch.
func (r *Relay) NewSession(actor models.Actor, conn *websocket.Conn) *Session {
	s := newSession(actor, conn, r.sendBuffer)

	r.mu.Lock()
	r.sessions[s] = struct{}{}
	total := len(r.sessions)
	r.mu.Unlock()

	r.metrics.ConnectionOpened()
	r.logger.Info("Session connected",
		zap.String("sessionID", s.ID),
		zap.String("actorID", actor.ID),
		zap.Int("connections", total),
	)
	return s
}

// Join adds s to roomID. A previous session of the same actor in that room
// is replaced. Returns false if s was already the member.
func (r *Relay) Join(ctx context.Context, s *Session, roomID string) bool {
	actorID := s.Actor.ID

	r.mu.Lock()
	members := r.rooms[roomID]
	if members == nil {
		members = make(map[string]*Session)
		r.rooms[roomID] = members
	}
	prev, existed := members[actorID]
	if existed && prev == s {
		r.mu.Unlock()
		return false
	}
	members[actorID] = s
	s.rooms[roomID] = struct{}{}
	if existed {
		delete(prev.rooms, roomID)
	}
	total := len(members)
	r.mu.Unlock()

	if !existed {
		r.metrics.MemberJoined()
	}
	r.logger.Info("Actor joined room",
		zap.String("room", roomID),
		zap.String("actorID", actorID),
		zap.String("sessionID", s.ID),
		zap.Bool("replacedSession", existed),
		zap.Int("members", total),
	)

	r.Emit(ctx, s, models.TopicRoomMemberJoined, roomID, s.Actor)
	return true
}

// Leave removes s from roomID. Only the session currently registered for the
// actor can leave on its behalf, so a stale connection closing after a reload
// does not tear down the new one. Calling Leave twice is a no-op the second time.
func (r *Relay) Leave(ctx context.Context, s *Session, roomID string) bool {
	actorID := s.Actor.ID

	r.mu.Lock()
	members, ok := r.rooms[roomID]
	if !ok || members[actorID] != s {
		r.mu.Unlock()
		return false
	}
	delete(members, actorID)
	delete(s.rooms, roomID)
	closed := len(members) == 0
	if closed {
		delete(r.rooms, roomID)
	}
	remaining := len(members)
	r.mu.Unlock()

	r.metrics.MemberLeft()
	r.logger.Info("Actor left room",
		zap.String("room", roomID),
		zap.String("actorID", actorID),
		zap.String("sessionID", s.ID),
		zap.Int("remaining", remaining),
	)

	r.Emit(ctx, s, models.TopicRoomMemberLeft, roomID, s.Actor)
	if closed {
		r.Emit(ctx, nil, models.TopicRoomClosed, roomID, nil)
	}
	return true
}

// Disconnect synthesizes a Leave for every room s belongs to and stops its
// outbound queue. Safe to call more than once.
func (r *Relay) Disconnect(ctx context.Context, s *Session) {
	r.mu.Lock()
	rooms := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
	}
	_, registered := r.sessions[s]
	delete(r.sessions, s)
	r.mu.Unlock()
	sort.Strings(rooms)

	for _, roomID := range rooms {
		r.Leave(ctx, s, roomID)
	}
	if s.close() && registered {
		r.metrics.ConnectionClosed()
		r.logger.Info("Session disconnected",
			zap.String("sessionID", s.ID),
			zap.String("actorID", s.Actor.ID),
			zap.Int("roomsLeft", len(rooms)),
			zap.Duration("idle", time.Since(s.LastActive())),
		)
	}
}

// Emit builds a frame, fans it out to the room (except the originating
// session's actor) and notifies local subscribers of the topic.
// A nil origin means a server-originated event delivered to every member.
func (r *Relay) Emit(ctx context.Context, origin *Session, topic models.Topic, roomID string, payload any) {
	actorID := ""
	actor := models.Actor{}
	if origin != nil {
		actorID = origin.Actor.ID
		actor = origin.Actor
	}
	env, err := models.NewEnvelope(topic, roomID, actorID, payload)
	if err != nil {
		r.logger.Error("Failed to build frame", zap.String("topic", string(topic)), zap.Error(err))
		return
	}
	if topic != models.TopicRoomClosed {
		r.Publish(ctx, env, actorID)
	}
	r.notify(ctx, &Inbound{Session: origin, Actor: actor, Envelope: env})
}

// Broadcast is the component-facing publish: the frame is attributed to
// actorID, delivered to every other member of roomID and handed to local
// subscribers of topic. An empty actorID reaches every member.
func (r *Relay) Broadcast(ctx context.Context, roomID string, topic models.Topic, actorID string, payload any) {
	env, err := models.NewEnvelope(topic, roomID, actorID, payload)
	if err != nil {
		r.logger.Error("Failed to build frame", zap.String("topic", string(topic)), zap.Error(err))
		return
	}
	r.Publish(ctx, env, actorID)
	r.notify(ctx, &Inbound{Actor: models.Actor{ID: actorID}, Envelope: env})
}

// Publish delivers env to every member of env.RoomID except exceptActorID.
func (r *Relay) Publish(ctx context.Context, env *models.Envelope, exceptActorID string) {
	frame, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("Failed to marshal frame", zap.String("topic", string(env.Type)), zap.Error(err))
		return
	}
	r.DeliverLocal(env.RoomID, frame, exceptActorID)

	if r.bridge != nil {
		if err := r.bridge.Publish(ctx, env.RoomID, frame, exceptActorID); err != nil {
			r.logger.Warn("Bridge publish failed",
				zap.String("room", env.RoomID),
				zap.String("topic", string(env.Type)),
				zap.Error(err),
			)
		}
	}
}

// DeliverLocal queues an encoded frame on this instance's members of roomID.
func (r *Relay) DeliverLocal(roomID string, frame []byte, exceptActorID string) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.rooms[roomID]))
	for actorID, s := range r.rooms[roomID] {
		if actorID == exceptActorID {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		r.enqueue(s, frame)
	}
}

// SendTo queues env on one session only.
func (r *Relay) SendTo(s *Session, env *models.Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("Failed to marshal reply", zap.String("topic", string(env.Type)), zap.Error(err))
		return
	}
	r.enqueue(s, frame)
}

// Reply builds a frame for topic and sends it back to the session of in.
// Server-originated inbounds have no session and are ignored.
func (r *Relay) Reply(in *Inbound, topic models.Topic, payload any) {
	if in.Session == nil {
		return
	}
	env, err := models.NewEnvelope(topic, in.Envelope.RoomID, in.Actor.ID, payload)
	if err != nil {
		r.logger.Error("Failed to build reply", zap.String("topic", string(topic)), zap.Error(err))
		return
	}
	r.SendTo(in.Session, env)
}

func (r *Relay) enqueue(s *Session, frame []byte) {
	switch s.enqueue(frame) {
	case enqueueOK:
		r.metrics.FrameSent()
	case enqueueFull:
		// Slow or dead client: drop the connection, the read pump will
		// synthesize the leaves.
		r.metrics.SlowClient()
		r.logger.Warn("Session buffer full, closing connection",
			zap.String("sessionID", s.ID),
			zap.String("actorID", s.Actor.ID),
		)
		go s.closeConn()
	}
}

// IsMember reports whether s is the registered session of its actor in roomID.
func (r *Relay) IsMember(roomID string, s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID][s.Actor.ID] == s
}

// Members returns the actors in roomID sorted by id.
func (r *Relay) Members(roomID string) []models.Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]models.Actor, 0, len(r.rooms[roomID]))
	for _, s := range r.rooms[roomID] {
		members = append(members, s.Actor)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

// Rooms returns the member count of every open room.
func (r *Relay) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.rooms))
	for roomID, members := range r.rooms {
		out[roomID] = len(members)
	}
	return out
}

// Shutdown disconnects every session.
func (r *Relay) Shutdown(ctx context.Context) {
	r.logger.Info("Shutting down relay")

	r.mu.RLock()
	seen := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		seen = append(seen, s)
	}
	r.mu.RUnlock()

	for _, s := range seen {
		r.Disconnect(ctx, s)
		s.closeConn()
	}
	r.logger.Info("Relay shutdown complete", zap.Int("sessions", len(seen)))
}
