// Package bridge relays room frames between coordinator instances over
// Redis pub/sub.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "collab:room:"

// DeliverFunc hands a frame received from another instance to local members.
type DeliverFunc func(roomID string, frame []byte, exceptActorID string)

// message is what travels on a room channel.
type message struct {
	Instance string          `json:"instance"`
	Except   string          `json:"except,omitempty"`
	Frame    json.RawMessage `json:"frame"`
}

// RedisBridge publishes every local room frame and delivers frames published
// by other instances. Lock and version authority stays with the instance a
// room is pinned to; the bridge only widens fan-out.
type RedisBridge struct {
	client   *redis.Client
	instance string
	logger   *zap.Logger
}

// NewRedisBridge connects to addr and verifies the connection.
func NewRedisBridge(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*RedisBridge, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}

	b := &RedisBridge{
		client:   client,
		instance: uuid.NewString(),
		logger:   logger.Named("bridge"),
	}
	b.logger.Info("Connected to Redis", zap.String("addr", addr), zap.String("instance", b.instance))
	return b, nil
}

// Instance is this process's id on the bus.
func (b *RedisBridge) Instance() string {
	return b.instance
}

// Channel returns the pub/sub channel of a room.
func Channel(roomID string) string {
	return channelPrefix + roomID
}

// Publish sends frame to the room channel tagged with this instance's id.
func (b *RedisBridge) Publish(ctx context.Context, roomID string, frame []byte, exceptActorID string) error {
	payload, err := encode(b.instance, frame, exceptActorID)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, Channel(roomID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", Channel(roomID), err)
	}
	return nil
}

// Run consumes every room channel until ctx is done.
func (b *RedisBridge) Run(ctx context.Context, deliver DeliverFunc) {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handle(msg.Channel, msg.Payload, deliver)
		}
	}
}

func (b *RedisBridge) handle(channel, payload string, deliver DeliverFunc) {
	roomID, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok || roomID == "" {
		return
	}
	m, err := decode(payload)
	if err != nil {
		b.logger.Warn("Dropping malformed bridge message", zap.String("channel", channel), zap.Error(err))
		return
	}
	if m.Instance == b.instance {
		return // already delivered locally
	}
	deliver(roomID, m.Frame, m.Except)
}

// Close releases the Redis connection.
func (b *RedisBridge) Close() error {
	return b.client.Close()
}

func encode(instance string, frame []byte, except string) ([]byte, error) {
	out, err := json.Marshal(message{Instance: instance, Except: except, Frame: frame})
	if err != nil {
		return nil, fmt.Errorf("failed to encode bridge message: %w", err)
	}
	return out, nil
}

func decode(payload string) (*message, error) {
	var m message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("failed to decode bridge message: %w", err)
	}
	if m.Instance == "" || len(m.Frame) == 0 {
		return nil, fmt.Errorf("bridge message missing instance or frame")
	}
	return &m, nil
}
