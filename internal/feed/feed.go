package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Shivanand-hulikatti/campus-event-pass/internal/metrics"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/model"
)

// Source is the read side of the store a Feed projects from.
type Source interface {
	ListEvents(ctx context.Context) ([]model.Event, error)
	ListConfirmedByUser(ctx context.Context, userID string) ([]model.Registration, error)
}

// Snapshot is the full state visible to one identity. Version increases by
// one per frame of a subscription; clients keep the highest they have seen.
type Snapshot struct {
	Version       uint64               `json:"version"`
	Events        []model.Event        `json:"events"`
	Registrations []model.Registration `json:"registrations"`
	Trigger       *Change              `json:"trigger,omitempty"`
	At            time.Time            `json:"at"`
}

// Feed produces live snapshots for subscribers.
type Feed struct {
	src     Source
	hub     *Hub
	resync  time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Feed.
type Option func(*Feed)

// WithResync reloads snapshots on a timer even without change signals,
// covering relay messages lost between instances. Zero disables it.
func WithResync(d time.Duration) Option {
	return func(f *Feed) { f.resync = d }
}

// WithLogger sets the logger used for failed snapshot loads.
func WithLogger(log *slog.Logger) Option {
	return func(f *Feed) { f.log = log }
}

// WithMetrics counts open subscriptions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Feed) { f.metrics = m }
}

// New constructs a Feed reading from src and woken by hub.
func New(src Source, hub *Hub, opts ...Option) *Feed {
	f := &Feed{src: src, hub: hub, log: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Load builds a snapshot for identity without subscribing.
func (f *Feed) Load(ctx context.Context, identity string) (Snapshot, error) {
	events, err := f.src.ListEvents(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load events: %w", err)
	}
	regs, err := f.src.ListConfirmedByUser(ctx, identity)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load registrations: %w", err)
	}
	if events == nil {
		events = []model.Event{}
	}
	if regs == nil {
		regs = []model.Registration{}
	}
	return Snapshot{Events: events, Registrations: regs, At: time.Now().UTC()}, nil
}

// Subscription is a cancellable stream of snapshots for one identity. The
// first snapshot is produced immediately. Subscribing again after Close
// starts a fresh stream.
type Subscription struct {
	updates chan Snapshot
	cancel  context.CancelFunc
	done    chan struct{}
}

// Subscribe starts a subscription that lives until ctx is done or Close is called.
func (f *Feed) Subscribe(ctx context.Context, identity string) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		updates: make(chan Snapshot, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	changes, stop := f.hub.Listen()

	f.metrics.IncrementSubscriptions()
	go func() {
		defer close(sub.done)
		defer close(sub.updates)
		defer f.metrics.DecrementSubscriptions()
		defer stop()
		f.run(ctx, identity, changes, sub)
	}()
	return sub
}

// Updates yields snapshots. Only the latest unread snapshot is kept. The
// channel is closed when the subscription ends.
func (s *Subscription) Updates() <-chan Snapshot { return s.updates }

// Close ends the subscription and waits for its goroutine to exit.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

func (f *Feed) run(ctx context.Context, identity string, changes <-chan Change, sub *Subscription) {
	var tick <-chan time.Time
	if f.resync > 0 {
		t := time.NewTicker(f.resync)
		defer t.Stop()
		tick = t.C
	}

	var version uint64
	reload := func(trigger *Change) {
		snap, err := f.Load(ctx, identity)
		if err != nil {
			if ctx.Err() == nil {
				f.log.Error("sync reload failed", "user_id", identity, "error", err)
			}
			return
		}
		version++
		snap.Version = version
		snap.Trigger = trigger
		select {
		case sub.updates <- snap:
		default:
			select {
			case <-sub.updates:
			default:
			}
			sub.updates <- snap
		}
	}

	reload(nil)
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			reload(&c)
		case <-tick:
			reload(nil)
		}
	}
}
