// Package bus provides optional cross-instance fan-out of room frames over
// redis pub/sub. It relays already-encoded frames only; each instance's room
// store remains its own source of truth.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Message struct {
	Origin string `json:"origin"`
	RoomID string `json:"roomId"`
	Event  string `json:"event"`
	Frame  []byte `json:"frame"`
}

type RedisBus struct {
	rdb    *redis.Client
	log    *slog.Logger
	origin string
}

// NewRedisBus connects to redis and verifies connectivity.
func NewRedisBus(ctx context.Context, addr string, db int, logger *slog.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisBus{rdb: rdb, log: logger, origin: uuid.NewString()}, nil
}

// Publish sends a frame to the redis channel for a room.
func (b *RedisBus) Publish(ctx context.Context, roomID, event string, frame []byte) error {
	raw, _ := json.Marshal(Message{
		Origin: b.origin,
		RoomID: roomID,
		Event:  event,
		Frame:  frame,
	})
	return b.rdb.Publish(ctx, channel(roomID), raw).Err()
}

// Subscribe listens on all room channels and invokes fn for every frame
// published by another instance. Frames this instance published are skipped.
func (b *RedisBus) Subscribe(ctx context.Context, fn func(Message)) {
	pubsub := b.rdb.PSubscribe(ctx, channel("*"))
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			_ = pubsub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.log.Debug("bus: drop unreadable message", "err", err)
				continue
			}
			if m.Origin == b.origin || m.RoomID == "" {
				continue
			}
			fn(m)
		}
	}
}

// Close shuts down the redis connection.
func (b *RedisBus) Close() { _ = b.rdb.Close() }

// channel namespacing for room pub/sub
func channel(roomID string) string { return "room:" + roomID }
