// Package testutil provides fakes shared by the component tests.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"board-collab/internal/models"
)

// Event is one recorded broadcast.
type Event struct {
	RoomID  string
	Topic   models.Topic
	ActorID string
	Payload any
}

// Recorder implements the components' Publisher interfaces and keeps every call.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Broadcast records the call.
func (r *Recorder) Broadcast(_ context.Context, roomID string, topic models.Topic, actorID string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{RoomID: roomID, Topic: topic, ActorID: actorID, Payload: payload})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Topic returns the recorded events of one topic.
func (r *Recorder) Topic(topic models.Topic) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Actor builds a test actor.
func Actor(id string) models.Actor {
	return models.Actor{ID: id, DisplayName: "User " + id, DepartmentID: "dept-1"}
}

// RawJSON marshals v or panics.
func RawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
