package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/campus-event-pass/internal/model"
)

type fakeSource struct {
	mu     sync.Mutex
	events []model.Event
	regs   map[string][]model.Registration
	err    error
}

func (s *fakeSource) ListEvents(context.Context) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]model.Event(nil), s.events...), nil
}

func (s *fakeSource) ListConfirmedByUser(_ context.Context, userID string) ([]model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Registration(nil), s.regs[userID]...), nil
}

func (s *fakeSource) setEvents(events ...model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = events
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func next(t *testing.T, sub *Subscription) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Updates():
		require.True(t, ok, "subscription closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub()
	a, stopA := hub.Listen()
	b, stopB := hub.Listen()
	defer stopB()

	c := Change{Kind: KindRegistered, EventID: "e1"}
	require.NoError(t, hub.Publish(context.Background(), c))

	assert.Equal(t, c, <-a)
	assert.Equal(t, c, <-b)

	stopA()
	stopA()
	assert.Equal(t, 1, hub.Listeners())
	_, open := <-a
	assert.False(t, open)
}

func TestHubPublishNeverBlocks(t *testing.T) {
	hub := NewHub()
	ch, stop := hub.Listen()
	defer stop()

	for i := range listenerBuffer * 3 {
		require.NoError(t, hub.Publish(context.Background(), Change{EventID: string(rune('a' + i%26))}))
	}
	assert.Len(t, ch, listenerBuffer)
}

func TestSubscriptionDeliversInitialAndUpdatedSnapshots(t *testing.T) {
	src := &fakeSource{
		events: []model.Event{{ID: "e1", Title: "Hackathon"}},
		regs:   map[string][]model.Registration{"u1": {{ID: "r1", UserID: "u1", EventID: "e1"}}},
	}
	hub := NewHub()
	f := New(src, hub, WithLogger(quietLogger()))

	sub := f.Subscribe(context.Background(), "u1")
	defer sub.Close()

	first := next(t, sub)
	assert.Equal(t, uint64(1), first.Version)
	assert.Nil(t, first.Trigger)
	require.Len(t, first.Events, 1)
	require.Len(t, first.Registrations, 1)

	src.setEvents(model.Event{ID: "e2"}, model.Event{ID: "e1"})
	change := Change{Kind: KindEventCreated, EventID: "e2"}
	require.NoError(t, hub.Publish(context.Background(), change))

	second := next(t, sub)
	assert.Equal(t, uint64(2), second.Version)
	require.NotNil(t, second.Trigger)
	assert.Equal(t, change, *second.Trigger)
	assert.Len(t, second.Events, 2)
}

func TestSubscriptionOnlyShowsOwnRegistrations(t *testing.T) {
	src := &fakeSource{
		regs: map[string][]model.Registration{"u1": {{ID: "r1"}}, "u2": {{ID: "r2"}}},
	}
	f := New(src, NewHub(), WithLogger(quietLogger()))

	sub := f.Subscribe(context.Background(), "u2")
	defer sub.Close()

	snap := next(t, sub)
	require.Len(t, snap.Registrations, 1)
	assert.Equal(t, "r2", snap.Registrations[0].ID)
	assert.NotNil(t, snap.Events)
}

func TestSubscriptionResync(t *testing.T) {
	src := &fakeSource{}
	f := New(src, NewHub(), WithResync(10*time.Millisecond), WithLogger(quietLogger()))

	sub := f.Subscribe(context.Background(), "u1")
	defer sub.Close()

	next(t, sub)
	src.setEvents(model.Event{ID: "late"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := next(t, sub); len(snap.Events) == 1 {
			assert.Nil(t, snap.Trigger)
			return
		}
	}
	t.Fatal("resync never picked up the new event")
}

func TestSubscriptionCloseAndRestart(t *testing.T) {
	hub := NewHub()
	f := New(&fakeSource{}, hub, WithLogger(quietLogger()))

	sub := f.Subscribe(context.Background(), "u1")
	next(t, sub)
	sub.Close()

	for range sub.Updates() {
	}
	assert.Equal(t, 0, hub.Listeners())

	again := f.Subscribe(context.Background(), "u1")
	defer again.Close()
	assert.Equal(t, uint64(1), next(t, again).Version)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := New(&fakeSource{}, NewHub(), WithLogger(quietLogger())).Subscribe(ctx, "u1")
	next(t, sub)

	cancel()
	select {
	case <-sub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop")
	}
}

func TestSubscriptionSkipsFailedLoads(t *testing.T) {
	src := &fakeSource{err: errors.New("store down")}
	hub := NewHub()
	sub := New(src, hub, WithLogger(quietLogger())).Subscribe(context.Background(), "u1")
	defer sub.Close()

	select {
	case <-sub.Updates():
		t.Fatal("no snapshot expected while the source fails")
	case <-time.After(50 * time.Millisecond):
	}

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	require.NoError(t, hub.Publish(context.Background(), Change{Kind: KindEventUpdated}))

	assert.Equal(t, uint64(1), next(t, sub).Version)
}

func TestRedisRelayHandleSkipsOwnOrigin(t *testing.T) {
	hub := NewHub()
	relay := NewRedisRelay(nil, "changes", hub, quietLogger())
	ch, stop := hub.Listen()
	defer stop()

	own, err := json.Marshal(envelope{Origin: relay.origin, Change: Change{EventID: "mine"}})
	require.NoError(t, err)
	remote, err := json.Marshal(envelope{Origin: "other-instance", Change: Change{EventID: "theirs"}})
	require.NoError(t, err)

	relay.handle(context.Background(), string(own))
	relay.handle(context.Background(), "not json")
	relay.handle(context.Background(), string(remote))

	require.Len(t, ch, 1)
	assert.Equal(t, "theirs", (<-ch).EventID)
}

func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisRelayPublishDeliversLocallyWithoutRedis(t *testing.T) {
	hub := NewHub()
	relay := NewRedisRelay(unreachableRedis(t), "changes", hub, quietLogger())
	ch, stop := hub.Listen()
	defer stop()

	err := relay.Publish(context.Background(), Change{Kind: KindRegistered, EventID: "e1"})
	assert.ErrorContains(t, err, "redis publish")

	require.Len(t, ch, 1)
	assert.Equal(t, "e1", (<-ch).EventID)
}

func TestRedisRelayRunKeepsRetryingUntilContextEnds(t *testing.T) {
	relay := NewRedisRelay(unreachableRedis(t), "changes", NewHub(), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("run gave up while redis was unreachable: %v", err)
	case <-time.After(500 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
