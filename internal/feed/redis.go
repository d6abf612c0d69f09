package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRelay publishes changes to a Redis Pub/Sub channel and replays
// changes from other instances into the local Hub.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	hub     *Hub
	origin  string
	log     *slog.Logger
}

type envelope struct {
	Origin string `json:"origin"`
	Change Change `json:"change"`
}

// NewRedisRelay constructs a relay. Each relay tags its messages with a
// random origin so it can skip its own echoes.
func NewRedisRelay(rdb *redis.Client, channel string, hub *Hub, log *slog.Logger) *RedisRelay {
	return &RedisRelay{
		rdb:     rdb,
		channel: channel,
		hub:     hub,
		origin:  uuid.NewString(),
		log:     log,
	}
}

// Publish delivers c locally, then to the other instances. Local delivery
// happens even when Redis is unreachable.
func (r *RedisRelay) Publish(ctx context.Context, c Change) error {
	_ = r.hub.Publish(ctx, c)

	b, err := json.Marshal(envelope{Origin: r.origin, Change: c})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run consumes the channel until ctx is done. Subscribing is retried with
// backoff, and a dropped subscription is re-established.
func (r *RedisRelay) Run(ctx context.Context) error {
	for {
		ps, err := backoff.Retry(ctx, func() (*redis.PubSub, error) {
			return r.subscribe(ctx)
		}, backoff.WithBackOff(newRelayBackOff()), backoff.WithMaxElapsedTime(0))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = r.consume(ctx, ps)
		_ = ps.Close()
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn("sync relay subscription lost; resubscribing", "channel", r.channel, "error", err)
	}
}

func (r *RedisRelay) subscribe(ctx context.Context) (*redis.PubSub, error) {
	ps := r.rdb.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		r.log.Warn("sync relay subscribe failed", "channel", r.channel, "error", err)
		return nil, fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}
	r.log.Info("sync relay subscribed", "channel", r.channel)
	return ps, nil
}

func (r *RedisRelay) consume(ctx context.Context, ps *redis.PubSub) error {
	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("redis subscription closed")
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

func newRelayBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return b
}

func (r *RedisRelay) handle(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("dropping malformed sync message", "channel", r.channel, "error", err)
		return
	}
	if env.Origin == r.origin {
		return
	}
	_ = r.hub.Publish(ctx, env.Change)
}
