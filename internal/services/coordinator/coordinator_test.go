package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"board-collab/internal/models"
	"board-collab/internal/services/collaboration"
	"board-collab/internal/services/locks"
	"board-collab/internal/services/presence"
	"board-collab/internal/services/preview"
	"board-collab/internal/services/selection"
	"board-collab/internal/services/versions"
	"board-collab/internal/testutil"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	relay      *collaboration.Relay
	coord      *Coordinator
	locks      *locks.Manager
	presence   *presence.Tracker
	previews   *preview.Broadcaster
	versions   *versions.Tracker
	selections *selection.Registry
	clock      *testutil.Clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()
	clock := testutil.NewClock()

	relay := collaboration.NewRelay(logger, nil, 64)
	h := &harness{
		relay:      relay,
		clock:      clock,
		locks:      locks.NewManager(relay, locks.DefaultConfig(), logger, nil, locks.WithClock(clock.Now)),
		presence:   presence.NewTracker(relay, presence.DefaultConfig(), logger, nil, presence.WithClock(clock.Now)),
		previews:   preview.NewBroadcaster(context.Background(), relay, 10*time.Millisecond, logger, nil),
		versions:   versions.NewTracker(relay, 10, logger, nil, versions.WithClock(clock.Now)),
		selections: selection.NewRegistry(relay, logger, nil, selection.WithClock(clock.Now)),
	}
	h.coord = New(relay, h.presence, h.locks, h.previews, h.versions, h.selections, logger)
	h.coord.Register()
	t.Cleanup(h.previews.Close)
	return h
}

func (h *harness) connect(id string) *collaboration.Session {
	return h.relay.NewSession(testutil.Actor(id), nil)
}

func (h *harness) send(t *testing.T, s *collaboration.Session, topic models.Topic, roomID string, payload any) error {
	t.Helper()
	env, err := models.NewEnvelope(topic, roomID, "", payload)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return h.relay.Dispatch(context.Background(), s, raw)
}

func (h *harness) join(t *testing.T, s *collaboration.Session, roomID string) {
	t.Helper()
	require.NoError(t, h.send(t, s, models.TopicRoomJoin, roomID, nil))
}

// drain returns every frame queued on the session so far.
func drain(s *collaboration.Session) []models.Envelope {
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

func ofTopic(frames []models.Envelope, topic models.Topic) []models.Envelope {
	var out []models.Envelope
	for _, f := range frames {
		if f.Type == topic {
			out = append(out, f)
		}
	}
	return out
}

func decode[T any](t *testing.T, env models.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, env.Decode(&v))
	return v
}

func TestJoinRepliesWithSnapshot(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("A"), h.connect("B")

	h.join(t, a, "R1")
	require.NoError(t, h.send(t, a, models.TopicLockAcquire, "R1", models.LockRequest{FieldID: "F1"}))
	drain(a)

	h.join(t, b, "R1")

	snaps := ofTopic(drain(b), models.TopicRoomSnapshot)
	require.Len(t, snaps, 1)
	snap := decode[models.RoomSnapshot](t, snaps[0])
	require.Len(t, snap.Members, 2)
	assert.Equal(t, "A", snap.Members[0].ID)
	assert.Equal(t, "B", snap.Members[1].ID)
	require.Len(t, snap.Locks, 1)
	assert.Equal(t, "A", snap.Locks[0].HolderActorID)
	assert.Len(t, snap.Presence, 2)

	joined := ofTopic(drain(a), models.TopicRoomMemberJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "B", joined[0].ActorID)
}

func TestLockContention(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("A"), h.connect("B")
	h.join(t, a, "R1")
	h.join(t, b, "R1")
	drain(a)
	drain(b)

	require.NoError(t, h.send(t, a, models.TopicLockAcquire, "R1", models.LockRequest{FieldID: "F1"}))
	granted := ofTopic(drain(a), models.TopicLockGranted)
	require.Len(t, granted, 1)
	grant := decode[models.LockGrant](t, granted[0])
	assert.Equal(t, "A", grant.Session.HolderActorID)
	assert.Equal(t, int64(30000), grant.TTLMillis)

	bFrames := drain(b)
	assert.Len(t, ofTopic(bFrames, models.TopicLockGranted), 1, "room sees the grant")

	require.NoError(t, h.send(t, b, models.TopicLockAcquire, "R1", models.LockRequest{FieldID: "F1"}))
	denied := ofTopic(drain(b), models.TopicLockDenied)
	require.Len(t, denied, 1)
	d := decode[models.LockDenied](t, denied[0])
	require.NotNil(t, d.Holder)
	assert.Equal(t, "A", d.Holder.HolderActorID)

	require.NoError(t, h.send(t, b, models.TopicLockRelease, "R1", models.LockRequest{FieldID: "F1"}))
	rejected := ofTopic(drain(b), models.TopicLockRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "not_holder", decode[models.LockDenied](t, rejected[0]).Reason)

	require.NoError(t, h.send(t, a, models.TopicLockRelease, "R1", models.LockRequest{FieldID: "F1"}))
	assert.Len(t, ofTopic(drain(b), models.TopicLockReleased), 1)

	require.NoError(t, h.send(t, b, models.TopicLockAcquire, "R1", models.LockRequest{FieldID: "F1"}))
	assert.Len(t, ofTopic(drain(b), models.TopicLockGranted), 1)
}

func TestRenewReply(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A")
	h.join(t, a, "R1")

	require.NoError(t, h.send(t, a, models.TopicLockRenew, "R1", models.LockRequest{FieldID: "F1"}))
	rejected := ofTopic(drain(a), models.TopicLockRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "not_held", decode[models.LockDenied](t, rejected[0]).Reason)

	require.NoError(t, h.send(t, a, models.TopicLockAcquire, "R1", models.LockRequest{FieldID: "F1"}))
	h.clock.Advance(20 * time.Second)
	require.NoError(t, h.send(t, a, models.TopicLockRenew, "R1", models.LockRequest{FieldID: "F1"}))

	renewed := ofTopic(drain(a), models.TopicLockRenewed)
	require.Len(t, renewed, 1)
	grant := decode[models.LockGrant](t, renewed[0])
	assert.True(t, grant.Session.Renewed)
	assert.True(t, h.clock.Now().Add(30*time.Second).Equal(grant.Session.ExpiresAt))
}

func TestDisconnectCleansUp(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("A"), h.connect("B")
	h.join(t, a, "R1")
	h.join(t, b, "R1")
	require.NoError(t, h.send(t, a, models.TopicLockAcquire, "R1", models.LockRequest{FieldID: "F1"}))
	require.NoError(t, h.send(t, a, models.TopicSelectionUpdate, "R1", models.SelectionUpdate{
		Blob: testutil.RawJSON(map[string]any{"cells": []string{"c1"}}),
	}))
	drain(b)

	h.relay.Disconnect(context.Background(), a)

	frames := drain(b)
	released := ofTopic(frames, models.TopicLockReleased)
	require.Len(t, released, 1)
	assert.Equal(t, models.LockReleased{FieldID: "F1", HolderActorID: "A", Reason: locks.ReasonLeft, Seq: 2},
		decode[models.LockReleased](t, released[0]))

	removed := ofTopic(frames, models.TopicPresenceRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, "A", decode[models.PresenceRemoved](t, removed[0]).ActorID)

	cleared := ofTopic(frames, models.TopicSelectionCleared)
	require.Len(t, cleared, 1)
	assert.Equal(t, models.ClearLeave, decode[models.SelectionCleared](t, cleared[0]).Reason)

	assert.Len(t, ofTopic(frames, models.TopicRoomMemberLeft), 1)
	assert.Empty(t, h.locks.List("R1"))
	assert.NotContains(t, h.selections.GetAll("R1"), "A")

	// A second disconnect emits nothing.
	h.relay.Disconnect(context.Background(), a)
	assert.Empty(t, drain(b))
}

func TestReconnectKeepsNewSession(t *testing.T) {
	h := newHarness(t)
	old := h.connect("A")
	h.join(t, old, "R1")
	require.NoError(t, h.send(t, old, models.TopicLockAcquire, "R1", models.LockRequest{FieldID: "F1"}))

	fresh := h.connect("A")
	h.join(t, fresh, "R1")

	h.relay.Disconnect(context.Background(), old)

	assert.True(t, h.relay.IsMember("R1", fresh))
	holder, ok := h.locks.Holder("R1", "F1")
	require.True(t, ok)
	assert.Equal(t, "A", holder.HolderActorID)
}

func TestCommitConflictGoesToCommitterOnly(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("A"), h.connect("B")
	h.join(t, a, "R1")
	h.join(t, b, "R1")
	drain(a)
	drain(b)

	require.NoError(t, h.send(t, a, models.TopicVersionCommit, "R1", models.CommitRequest{
		RecordID:    "rec-7",
		BaseVersion: 0,
		ChangeSet:   []models.Change{{Field: "start", OldValue: "09:00", NewValue: "10:00"}},
	}))
	committed := ofTopic(drain(a), models.TopicVersionCommitted)
	require.Len(t, committed, 1)
	assert.Equal(t, int64(1), decode[models.Version](t, committed[0]).Version)

	seen := ofTopic(drain(b), models.TopicVersionCommitted)
	require.Len(t, seen, 1)
	assert.Equal(t, "A", seen[0].ActorID)

	require.NoError(t, h.send(t, b, models.TopicVersionCommit, "R1", models.CommitRequest{RecordID: "rec-7", BaseVersion: 0}))
	conflicts := ofTopic(drain(b), models.TopicVersionConflict)
	require.Len(t, conflicts, 1)
	c := decode[models.Conflict](t, conflicts[0])
	assert.Equal(t, int64(0), c.BaseVersion)
	assert.Equal(t, int64(1), c.IncomingVersion)
	assert.Equal(t, "B", c.ConflictingActorID)

	assert.Empty(t, ofTopic(drain(a), models.TopicVersionConflict))
}

func TestRejectedFrames(t *testing.T) {
	tests := []struct {
		name     string
		joined   bool
		topic    models.Topic
		payload  any
		wantCode string
	}{
		{name: "not a member", topic: models.TopicLockAcquire, payload: models.LockRequest{FieldID: "F1"}, wantCode: "not_member"},
		{name: "server-only topic", joined: true, topic: models.TopicLockGranted, payload: map[string]string{}, wantCode: "unknown_topic"},
		{name: "missing field id", joined: true, topic: models.TopicLockAcquire, payload: map[string]string{}, wantCode: "invalid_payload"},
		{name: "bad clear reason", joined: true, topic: models.TopicSelectionClear, payload: map[string]string{"reason": "bored"}, wantCode: "invalid_payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			a := h.connect("A")
			if tt.joined {
				h.join(t, a, "R1")
				drain(a)
			}

			_ = h.send(t, a, tt.topic, "R1", tt.payload)

			errs := ofTopic(drain(a), models.TopicError)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.wantCode, decode[models.ErrorPayload](t, errs[0]).Code)
		})
	}
}

func TestHiddenPresenceKeepsSelection(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A")
	h.join(t, a, "R1")
	require.NoError(t, h.send(t, a, models.TopicSelectionUpdate, "R1", models.SelectionUpdate{Blob: json.RawMessage(`{"cells":["c1"]}`)}))

	require.NoError(t, h.send(t, a, models.TopicPresenceUpdate, "R1", models.PresenceUpdate{Hidden: true}))

	assert.Contains(t, h.selections.GetAll("R1"), "A")
	pres := h.presence.Get("R1")
	require.Len(t, pres, 1)
	assert.True(t, pres[0].Hidden)
}

func TestPresenceTimeoutClearsSelection(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("A"), h.connect("B")
	h.join(t, a, "R1")
	require.NoError(t, h.send(t, a, models.TopicSelectionUpdate, "R1", models.SelectionUpdate{Blob: json.RawMessage(`{"cells":["c1"]}`)}))

	h.clock.Advance(20 * time.Second)
	h.join(t, b, "R1")
	h.clock.Advance(15 * time.Second)
	drain(b)

	h.presence.Sweep(context.Background())

	cleared := ofTopic(drain(b), models.TopicSelectionCleared)
	require.Len(t, cleared, 1)
	assert.Equal(t, models.SelectionCleared{ActorID: "A", Reason: models.ClearInactivity},
		decode[models.SelectionCleared](t, cleared[0]))
}

func TestSnapshotsOnRequest(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("A"), h.connect("B")
	h.join(t, a, "R1")
	h.join(t, b, "R1")
	require.NoError(t, h.send(t, b, models.TopicSelectionUpdate, "R1", models.SelectionUpdate{Blob: json.RawMessage(`{"cells":["c2"]}`)}))
	drain(a)

	require.NoError(t, h.send(t, a, models.TopicPresenceGet, "R1", nil))
	require.NoError(t, h.send(t, a, models.TopicSelectionGet, "R1", nil))

	frames := drain(a)
	pres := ofTopic(frames, models.TopicPresenceSnapshot)
	require.Len(t, pres, 1)
	assert.Len(t, decode[[]models.Presence](t, pres[0]), 2)

	sels := ofTopic(frames, models.TopicSelectionSnapshot)
	require.Len(t, sels, 1)
	got := decode[map[string]json.RawMessage](t, sels[0])
	assert.JSONEq(t, `{"cells":["c2"]}`, string(got["B"]))
}

func TestPreviewDroppedWhenLockReleased(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("A"), h.connect("B")
	h.join(t, a, "R1")
	h.join(t, b, "R1")
	require.NoError(t, h.send(t, a, models.TopicLockAcquire, "R1", models.LockRequest{FieldID: "F1"}))
	drain(b)

	for _, content := range []string{"M", "Me", "Mee", "Meet"} {
		require.NoError(t, h.send(t, a, models.TopicPreviewPatch, "R1", models.PreviewRequest{FieldID: "F1", Content: content}))
	}

	var patches []models.Envelope
	require.Eventually(t, func() bool {
		patches = append(patches, ofTopic(drain(b), models.TopicPreviewPatch)...)
		return len(patches) > 0
	}, time.Second, 5*time.Millisecond)
	require.Len(t, patches, 1)
	assert.Equal(t, "Meet", decode[models.PreviewPatch](t, patches[0]).Content)
	assert.Len(t, h.previews.Current("R1"), 1)

	require.NoError(t, h.send(t, a, models.TopicLockRelease, "R1", models.LockRequest{FieldID: "F1"}))
	assert.Empty(t, h.previews.Current("R1"))
}

func TestRoomClosedDropsEphemeralState(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A")
	h.join(t, a, "R1")
	require.NoError(t, h.send(t, a, models.TopicVersionCommit, "R1", models.CommitRequest{RecordID: "rec-1"}))

	require.NoError(t, h.send(t, a, models.TopicRoomLeave, "R1", nil))

	current, ok := h.versions.Current("R1", "rec-1")
	require.True(t, ok, "version counters outlive the room")
	assert.Equal(t, int64(1), current)
	assert.Empty(t, h.presence.Get("R1"))
	assert.Empty(t, h.relay.Rooms())
}

func TestStaleCommitAfterRoomReopens(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("A"), h.connect("B")

	h.join(t, a, "R1")
	require.NoError(t, h.send(t, a, models.TopicVersionCommit, "R1", models.CommitRequest{RecordID: "rec-7", BaseVersion: 3}))
	committed := ofTopic(drain(a), models.TopicVersionCommitted)
	require.Len(t, committed, 1)
	require.Equal(t, int64(4), decode[models.Version](t, committed[0]).Version)

	require.NoError(t, h.send(t, a, models.TopicRoomLeave, "R1", nil))
	require.Empty(t, h.relay.Rooms())

	h.join(t, b, "R1")
	drain(b)
	require.NoError(t, h.send(t, b, models.TopicVersionCommit, "R1", models.CommitRequest{RecordID: "rec-7", BaseVersion: 3}))

	frames := drain(b)
	assert.Empty(t, ofTopic(frames, models.TopicVersionCommitted))
	conflicts := ofTopic(frames, models.TopicVersionConflict)
	require.Len(t, conflicts, 1)
	assert.Equal(t, int64(4), decode[models.Conflict](t, conflicts[0]).IncomingVersion)
}

func TestRepeatedJoinKeepsSelection(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("A"), h.connect("B")
	h.join(t, a, "R1")
	h.join(t, b, "R1")
	require.NoError(t, h.send(t, a, models.TopicSelectionUpdate, "R1", models.SelectionUpdate{Blob: json.RawMessage(`{"cells":["c1"]}`)}))
	drain(a)
	drain(b)

	h.join(t, a, "R1")

	assert.Empty(t, ofTopic(drain(b), models.TopicSelectionCleared))
	sels := h.selections.GetAll("R1")
	require.Contains(t, sels, "A")
	assert.JSONEq(t, `{"cells":["c1"]}`, string(sels["A"]))
	assert.Len(t, ofTopic(drain(a), models.TopicRoomSnapshot), 1)
}

func readUntil(t *testing.T, conn *websocket.Conn, topic models.Topic) models.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var env models.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == topic {
			return env
		}
	}
}

func TestWebSocketDisconnectReleasesLocks(t *testing.T) {
	h := newHarness(t)
	ws := collaboration.NewWebSocketHandler(h.relay, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(ws.HandleConnection))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	connA, _, err := websocket.DefaultDialer.Dial(base+"?user_id=A&room_id=R1", nil)
	require.NoError(t, err)
	readUntil(t, connA, models.TopicRoomSnapshot)

	connB, _, err := websocket.DefaultDialer.Dial(base+"?user_id=B&room_id=R1", nil)
	require.NoError(t, err)
	defer connB.Close()
	readUntil(t, connB, models.TopicRoomSnapshot)

	env, err := models.NewEnvelope(models.TopicLockAcquire, "R1", "", models.LockRequest{FieldID: "F1"})
	require.NoError(t, err)
	require.NoError(t, connA.WriteJSON(env))
	readUntil(t, connA, models.TopicLockGranted)

	granted := readUntil(t, connB, models.TopicLockGranted)
	assert.Equal(t, "A", granted.ActorID)

	connA.Close()

	left := readUntil(t, connB, models.TopicRoomMemberLeft)
	assert.Equal(t, "A", left.ActorID)
	released := readUntil(t, connB, models.TopicLockReleased)
	assert.Equal(t, locks.ReasonLeft, decode[models.LockReleased](t, released).Reason)
}

func TestWebSocketRequiresUser(t *testing.T) {
	h := newHarness(t)
	ws := collaboration.NewWebSocketHandler(h.relay, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(ws.HandleConnection))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
