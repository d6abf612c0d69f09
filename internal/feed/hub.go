// Package feed keeps observers' view of the catalog and of their own
// registrations in step with the store.
//
// Writers publish a Change after every commit. The Hub fans changes out to
// in-process listeners, RedisRelay extends that to other instances, and each
// Subscription answers a change by reloading a full Snapshot, so frames can
// be dropped, duplicated or reordered without clients diverging.
package feed

import (
	"context"
	"sync"
	"time"
)

// Kind names what happened to the store.
type Kind string

const (
	KindRegistered   Kind = "registration.confirmed"
	KindCancelled    Kind = "registration.cancelled"
	KindCheckedIn    Kind = "registration.checked_in"
	KindEventCreated Kind = "event.created"
	KindEventUpdated Kind = "event.updated"
)

// Change is a notification that committed state moved.
type Change struct {
	Kind           Kind      `json:"kind"`
	EventID        string    `json:"eventId"`
	UserID         string    `json:"userId,omitempty"`
	RegistrationID string    `json:"registrationId,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher accepts changes after they are committed.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
}

const listenerBuffer = 16

// Hub fans changes out to in-process listeners. Publish never blocks: a
// listener that falls behind loses its oldest pending change, which is safe
// because listeners reload full state on any change.
type Hub struct {
	mu        sync.Mutex
	listeners map[chan Change]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[chan Change]struct{})}
}

func (h *Hub) Publish(_ context.Context, c Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.listeners {
		select {
		case ch <- c:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- c
		}
	}
	return nil
}

// Listen registers a listener. The returned stop function unregisters it
// and closes the channel.
func (h *Hub) Listen() (<-chan Change, func()) {
	ch := make(chan Change, listenerBuffer)

	h.mu.Lock()
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, stop
}

// Listeners returns the number of registered listeners.
func (h *Hub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}
