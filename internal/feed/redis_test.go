//go:build integration

package feed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run with: REDIS_URL=redis://localhost:6379/0 go test -tags integration ./internal/feed/
func TestRedisRelayAcrossInstances(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	channel := "campus-sync-test-" + time.Now().Format("150405.000000")
	newInstance := func() (*RedisRelay, *Hub) {
		rdb := redis.NewClient(opts)
		t.Cleanup(func() { _ = rdb.Close() })
		hub := NewHub()
		return NewRedisRelay(rdb, channel, hub, quietLogger()), hub
	}
	a, hubA := newInstance()
	b, hubB := newInstance()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()

	seenA, stopA := hubA.Listen()
	defer stopA()
	seenB, stopB := hubB.Listen()
	defer stopB()

	// wait for both subscriptions to be live
	require.Eventually(t, func() bool {
		n, err := a.rdb.PubSubNumSub(ctx, channel).Result()
		return err == nil && n[channel] == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, a.Publish(ctx, Change{Kind: KindRegistered, EventID: "e1"}))

	select {
	case c := <-seenB:
		assert.Equal(t, "e1", c.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("change did not reach the other instance")
	}

	// local delivery once, no echo from Redis
	assert.Equal(t, "e1", (<-seenA).EventID)
	select {
	case c := <-seenA:
		t.Fatalf("echoed change: %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}
