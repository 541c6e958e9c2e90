// Package relay shares room traffic between server instances over Redis
// pub/sub. Every instance publishes the frames its own clients send and
// delivers frames published by other instances to its local clients.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"paircode/internal/observability"
)

const channelPrefix = "paircode:room:"

// Handler receives a frame published for room by another instance.
type Handler func(room string, data []byte)

type envelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Data   json.RawMessage `json:"data"`
}

// Redis is a Publisher backed by a Redis client.
type Redis struct {
	rdb    *redis.Client
	origin string
	logger *slog.Logger
}

// Dial connects to addr, retrying the initial ping a few times.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	ping := func() error { return rdb.Ping(ctx).Err() }
	if err := backoff.Retry(ping, backoff.WithContext(backoff.WithMaxRetries(policy, 3), ctx)); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return New(rdb, logger), nil
}

// New wraps an existing client. Each Redis value has its own origin id.
func New(rdb *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{
		rdb:    rdb,
		origin: uuid.NewString(),
		logger: observability.WithComponent(logger, "relay"),
	}
}

func (r *Redis) Origin() string { return r.origin }

// Publish sends data to every instance subscribed to room.
func (r *Redis) Publish(ctx context.Context, room string, data []byte) error {
	payload, err := encodeEnvelope(r.origin, room, data)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, channelPrefix+room, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", room, err)
	}
	return nil
}

// Run subscribes to all room channels and calls h for frames published by
// other instances until ctx is cancelled.
func (r *Redis) Run(ctx context.Context, h Handler) error {
	pubsub := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	r.logger.Info("relay subscribed", "origin", r.origin)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			room, data, ok := r.accept(msg.Channel, msg.Payload)
			if ok {
				h(room, data)
			}
		}
	}
}

// accept decodes a payload and filters out frames this instance sent.
func (r *Redis) accept(channel, payload string) (string, []byte, bool) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		r.logger.Warn("dropping relay payload", "channel", channel, "error", err)
		return "", nil, false
	}
	if env.Origin == r.origin {
		return "", nil, false
	}
	room := env.Room
	if room == "" {
		room = strings.TrimPrefix(channel, channelPrefix)
	}
	return room, env.Data, true
}

func (r *Redis) Close() error { return r.rdb.Close() }

func encodeEnvelope(origin, room string, data []byte) ([]byte, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("publish %s: frame is not JSON", room)
	}
	return json.Marshal(envelope{Origin: origin, Room: room, Data: data})
}

func decodeEnvelope(payload string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Origin == "" {
		return envelope{}, fmt.Errorf("decode envelope: missing origin")
	}
	return env, nil
}
