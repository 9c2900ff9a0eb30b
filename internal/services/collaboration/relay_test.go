package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"board-collab/internal/metrics"
	"board-collab/internal/models"
	"board-collab/internal/testutil"

	"github.com/gorilla/websocket"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func frame(t *testing.T, topic models.Topic, roomID string, payload any) []byte {
	t.Helper()
	env, err := models.NewEnvelope(topic, roomID, "", payload)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func received(s *Session) []models.Envelope {
	var out []models.Envelope
	for {
		select {
		case raw := <-s.Send:
			var env models.Envelope
			if err := json.Unmarshal(raw, &env); err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func topics(frames []models.Envelope) []models.Topic {
	out := make([]models.Topic, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Type)
	}
	return out
}

type fakeBridge struct {
	published []string
	err       error
}

func (b *fakeBridge) Publish(_ context.Context, roomID string, _ []byte, except string) error {
	b.published = append(b.published, roomID+"/"+except)
	return b.err
}

func TestDispatchStampsActor(t *testing.T) {
	r := NewRelay(zap.NewNop(), nil, 8)
	a := r.NewSession(testutil.Actor("A"), nil)
	r.Join(context.Background(), a, "R1")

	var got *Inbound
	r.Subscribe(models.TopicPresenceUpdate, func(_ context.Context, in *Inbound) { got = in })

	raw := []byte(`{"type":"presence.update","room_id":"R1","actor_id":"mallory","payload":{"editing":true}}`)
	require.NoError(t, r.Dispatch(context.Background(), a, raw))

	require.NotNil(t, got)
	assert.Equal(t, "A", got.Envelope.ActorID)
	assert.Equal(t, "A", got.Actor.ID)
	assert.NotZero(t, got.Envelope.TS)
	assert.Same(t, a, got.Session)
}

func TestDispatchRejects(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		wantErr error
		reason  string
	}{
		{name: "not json", raw: []byte(`{nope`), wantErr: ErrMalformed, reason: "decode"},
		{name: "missing room", raw: []byte(`{"type":"presence.get"}`), wantErr: ErrMalformed, reason: "invalid"},
		{name: "outbound topic", raw: []byte(`{"type":"lock.granted","room_id":"R1"}`), wantErr: ErrMalformed, reason: "unknown_topic"},
		{name: "other room", raw: []byte(`{"type":"presence.get","room_id":"R2"}`), wantErr: ErrNotMember, reason: "not_member"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.NewCollector("test")
			r := NewRelay(zap.NewNop(), m, 8)
			a := r.NewSession(testutil.Actor("A"), nil)
			r.Join(context.Background(), a, "R1")
			received(a)

			err := r.Dispatch(context.Background(), a, tt.raw)

			require.ErrorIs(t, err, tt.wantErr)
			frames := received(a)
			require.Len(t, frames, 1)
			assert.Equal(t, models.TopicError, frames[0].Type)
			var payload models.ErrorPayload
			require.NoError(t, frames[0].Decode(&payload))
			assert.Equal(t, tt.reason, payload.Code)
			assert.Equal(t, 1.0, promtest.ToFloat64(m.FramesDropped.WithLabelValues(tt.reason)))
		})
	}
}

func TestJoinAndLeaveEmitMembership(t *testing.T) {
	r := NewRelay(zap.NewNop(), nil, 8)
	ctx := context.Background()
	a := r.NewSession(testutil.Actor("A"), nil)
	b := r.NewSession(testutil.Actor("B"), nil)

	var closed []string
	r.Subscribe(models.TopicRoomClosed, func(_ context.Context, in *Inbound) {
		closed = append(closed, in.Envelope.RoomID)
	})

	assert.True(t, r.Join(ctx, a, "R1"))
	assert.False(t, r.Join(ctx, a, "R1"), "second join of the same session")
	assert.True(t, r.Join(ctx, b, "R1"))

	assert.Equal(t, []models.Topic{models.TopicRoomMemberJoined}, topics(received(a)))
	assert.Empty(t, received(b))

	assert.True(t, r.Leave(ctx, b, "R1"))
	assert.False(t, r.Leave(ctx, b, "R1"))
	assert.Equal(t, []models.Topic{models.TopicRoomMemberLeft}, topics(received(a)))
	assert.Empty(t, closed)

	assert.True(t, r.Leave(ctx, a, "R1"))
	assert.Equal(t, []string{"R1"}, closed)
	assert.Empty(t, r.Rooms())
}

func TestStaleSessionCannotLeave(t *testing.T) {
	r := NewRelay(zap.NewNop(), nil, 8)
	ctx := context.Background()
	old := r.NewSession(testutil.Actor("A"), nil)
	fresh := r.NewSession(testutil.Actor("A"), nil)

	var left int
	r.Subscribe(models.TopicRoomMemberLeft, func(context.Context, *Inbound) { left++ })

	r.Join(ctx, old, "R1")
	r.Join(ctx, fresh, "R1")
	assert.False(t, r.IsMember("R1", old))
	assert.True(t, r.IsMember("R1", fresh))

	assert.False(t, r.Leave(ctx, old, "R1"))
	r.Disconnect(ctx, old)

	assert.Zero(t, left)
	assert.True(t, r.IsMember("R1", fresh))
	assert.Len(t, r.Members("R1"), 1)
}

func TestDisconnectLeavesEveryRoomOnce(t *testing.T) {
	m := metrics.NewCollector("test")
	r := NewRelay(zap.NewNop(), m, 8)
	ctx := context.Background()
	a := r.NewSession(testutil.Actor("A"), nil)

	var left []string
	r.Subscribe(models.TopicRoomMemberLeft, func(_ context.Context, in *Inbound) {
		left = append(left, in.Envelope.RoomID)
	})

	r.Join(ctx, a, "R2")
	r.Join(ctx, a, "R1")

	r.Disconnect(ctx, a)
	r.Disconnect(ctx, a)

	assert.Equal(t, []string{"R1", "R2"}, left)
	assert.Equal(t, 0.0, promtest.ToFloat64(m.ActiveConnections))
	select {
	case <-a.Done():
	default:
		t.Fatal("session not marked done")
	}
}

func TestBroadcastExcludesActor(t *testing.T) {
	r := NewRelay(zap.NewNop(), nil, 8)
	ctx := context.Background()
	a := r.NewSession(testutil.Actor("A"), nil)
	b := r.NewSession(testutil.Actor("B"), nil)
	r.Join(ctx, a, "R1")
	r.Join(ctx, b, "R1")
	received(a)

	var notified atomic.Int32
	r.Subscribe(models.TopicLockGranted, func(_ context.Context, in *Inbound) {
		assert.Nil(t, in.Session)
		notified.Add(1)
	})

	r.Broadcast(ctx, "R1", models.TopicLockGranted, "A", map[string]string{"field_id": "F1"})
	assert.Empty(t, received(a))
	assert.Equal(t, []models.Topic{models.TopicLockGranted}, topics(received(b)))

	r.Broadcast(ctx, "R1", models.TopicLockReleased, "", nil)
	assert.Len(t, received(a), 1)
	assert.Len(t, received(b), 1)
	assert.Equal(t, int32(1), notified.Load())
}

func TestPanickingHandlerIsContained(t *testing.T) {
	r := NewRelay(zap.NewNop(), nil, 8)
	a := r.NewSession(testutil.Actor("A"), nil)
	r.Join(context.Background(), a, "R1")

	var reached bool
	r.Subscribe(models.TopicPresenceGet, func(context.Context, *Inbound) { panic("boom") })
	r.Subscribe(models.TopicPresenceGet, func(context.Context, *Inbound) { reached = true })

	assert.NotPanics(t, func() {
		require.NoError(t, r.Dispatch(context.Background(), a, frame(t, models.TopicPresenceGet, "R1", nil)))
	})
	assert.True(t, reached)
}

func TestFullBufferCountsSlowClient(t *testing.T) {
	m := metrics.NewCollector("test")
	r := NewRelay(zap.NewNop(), m, 1)
	ctx := context.Background()
	a := r.NewSession(testutil.Actor("A"), nil)
	b := r.NewSession(testutil.Actor("B"), nil)
	r.Join(ctx, b, "R1")
	r.Join(ctx, a, "R1")
	received(b)

	r.Broadcast(ctx, "R1", models.TopicPresenceUpdate, "A", nil)
	r.Broadcast(ctx, "R1", models.TopicPresenceUpdate, "A", nil)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.SlowClients))
}

func TestPublishForwardsToBridge(t *testing.T) {
	r := NewRelay(zap.NewNop(), nil, 8)
	bridge := &fakeBridge{err: errors.New("redis down")}
	r.SetBridge(bridge)
	a := r.NewSession(testutil.Actor("A"), nil)

	r.Join(context.Background(), a, "R1")
	r.Broadcast(context.Background(), "R1", models.TopicLockGranted, "A", nil)

	assert.Equal(t, []string{"R1/A", "R1/A"}, bridge.published)
}

func TestRoomClosedStaysLocal(t *testing.T) {
	r := NewRelay(zap.NewNop(), nil, 8)
	bridge := &fakeBridge{}
	r.SetBridge(bridge)
	a := r.NewSession(testutil.Actor("A"), nil)

	r.Join(context.Background(), a, "R1")
	r.Leave(context.Background(), a, "R1")

	// member_joined and member_left only.
	assert.Len(t, bridge.published, 2)
}

func TestActorFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  models.Actor
		ok    bool
	}{
		{name: "missing user", query: "room_id=R1", ok: false},
		{name: "display name defaults to id", query: "user_id=u1", want: models.Actor{ID: "u1", DisplayName: "u1"}, ok: true},
		{
			name:  "full identity",
			query: "user_id=u1&user_name=Ada&department_id=d7&avatar=a.png",
			want:  models.Actor{ID: "u1", DisplayName: "Ada", DepartmentID: "d7", AvatarRef: "a.png"},
			ok:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws?"+tt.query, nil)
			actor, ok := ActorFromRequest(req)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, actor)
			}
		})
	}
}

func dialRoom(t *testing.T, r *Relay, actorID, roomID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(NewWebSocketHandler(r, zap.NewNop()).HandleConnection))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=" + actorID + "&room_id=" + roomID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func memberLeft(r *Relay) <-chan string {
	left := make(chan string, 4)
	r.Subscribe(models.TopicRoomMemberLeft, func(_ context.Context, in *Inbound) {
		left <- in.Actor.ID
	})
	return left
}

func TestSilentConnectionLeavesAfterPongWait(t *testing.T) {
	r := NewRelay(zap.NewNop(), nil, 8, WithPongWait(150*time.Millisecond))
	left := memberLeft(r)

	// Never reading means the client never answers pings.
	dialRoom(t, r, "A", "R1")

	select {
	case actorID := <-left:
		assert.Equal(t, "A", actorID)
	case <-time.After(2 * time.Second):
		t.Fatal("silent connection was not dropped")
	}
	assert.Empty(t, r.Rooms())
}

func TestRespondingConnectionStaysPastPongWait(t *testing.T) {
	const wait = 400 * time.Millisecond
	r := NewRelay(zap.NewNop(), nil, 8, WithPongWait(wait))
	left := memberLeft(r)

	conn := dialRoom(t, r, "A", "R1")
	go func() {
		// Reading lets the default ping handler answer with pongs.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return len(r.Rooms()) == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-left:
		t.Fatal("responsive connection was dropped")
	case <-time.After(3 * wait):
	}
	assert.Equal(t, map[string]int{"R1": 1}, r.Rooms())
}
