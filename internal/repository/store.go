package repository

import (
	"context"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/campus-event-pass/internal/capacity"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/model"
)

// Store persists the event catalog, event occupancy and registrations.
//
// Occupancy is only reachable through WithEventLock, which is the single
// serialization point for everything that changes who holds a place.
type Store interface {
	CreateEvent(ctx context.Context, event *model.Event) error
	// UpdateEvent applies edit to the event under the event lock. The edit
	// cannot change the id, creation time or occupancy.
	UpdateEvent(ctx context.Context, id string, edit func(*model.Event) error) (*model.Event, error)
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	// ListEvents returns all events, newest first.
	ListEvents(ctx context.Context) ([]model.Event, error)

	GetRegistration(ctx context.Context, id string) (*model.Registration, error)
	FindConfirmed(ctx context.Context, userID, eventID string) (*model.Registration, error)
	// ListConfirmedByUser returns the user's confirmed registrations, newest first.
	ListConfirmedByUser(ctx context.Context, userID string) ([]model.Registration, error)
	// ListByEvent returns every registration for an event, oldest first.
	ListByEvent(ctx context.Context, eventID string) ([]model.Registration, error)
	MarkCheckedIn(ctx context.Context, registrationID string, at time.Time) (*model.Registration, error)

	// WithEventLock runs fn with exclusive access to the event's occupancy and
	// registrations. Changes staged through the EventTx are committed together
	// when fn returns nil, and discarded otherwise.
	WithEventLock(ctx context.Context, eventID string, fn func(ctx context.Context, tx EventTx) error) error
}

// EventTx is the view of a single locked event.
type EventTx interface {
	// Event returns the event as it was when the lock was taken.
	Event() model.Event
	Occupancy() capacity.Ledger
	FindConfirmed(ctx context.Context, userID string) (*model.Registration, error)
	InsertRegistration(ctx context.Context, reg *model.Registration) error
	CancelRegistration(ctx context.Context, registrationID string, at time.Time) error
	// Now returns the store clock reading for timestamps written in this tx.
	Now() time.Time
}

// Clock hands out strictly increasing timestamps at microsecond precision,
// the resolution Postgres keeps for timestamptz. It orders stamps within one
// process only, which is all MemoryStore needs.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a Clock reading wall time in UTC.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns a timestamp later than every previous one.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
