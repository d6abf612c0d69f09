package repository

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Shivanand-hulikatti/campus-event-pass/internal/capacity"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/model"
)

// runStoreContract exercises the behaviour every Store must share.
// newStore must return an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	tests := []struct {
		name string
		run  func(t *testing.T, s Store)
	}{
		{"create and get event", testCreateAndGetEvent},
		{"list events newest first", testListEventsNewestFirst},
		{"admit commits occupancy and registration together", testAdmitCommits},
		{"failed transaction leaves no trace", testRollback},
		{"cancel keeps audit record", testCancel},
		{"one confirmed registration per identity", testOneConfirmed},
		{"duplicate registration id", testDuplicateID},
		{"check in", testCheckIn},
		{"registration listings", testListings},
		{"update event keeps occupancy", testUpdateEvent},
		{"concurrent admissions never overbook", testConcurrentAdmissions},
		{"timestamps follow lock order", testTimestampsFollowLockOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t, newStore(t))
		})
	}
}

func newTestEvent(t *testing.T, s Store, capacity *int) *model.Event {
	t.Helper()
	ev := &model.Event{
		ID:              uuid.NewString(),
		Title:           "Robotics Expo",
		Date:            "2026-11-14",
		StartTime:       "10:00",
		Venue:           "Main Auditorium",
		MaxParticipants: capacity,
		CreatedAt:       time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, s.CreateEvent(context.Background(), ev))
	return ev
}

func newTestRegistration(ev model.Event, userID string, at time.Time) *model.Registration {
	suffix := uuid.NewString()
	return &model.Registration{
		ID:                  "REG_" + suffix,
		UniqueToken:         "TOKEN_" + suffix,
		UserID:              userID,
		UserEmail:           userID + "@campus.edu",
		EventID:             ev.ID,
		EventTitle:          ev.Title,
		EventDate:           ev.Date,
		EventTime:           ev.StartTime,
		EventVenue:          ev.Venue,
		FullName:            "Asha Rao",
		StudentID:           "CS21B042",
		Phone:               "9876543210",
		Department:          "Computer Science",
		VerificationCode:    "AB12CD34",
		RegisteredAt:        at,
		RegisteredAtEpochMs: at.UnixMilli(),
		Status:              model.StatusConfirmed,
	}
}

// admit runs the admission sequence the engine uses, without its retries.
func admit(ctx context.Context, s Store, eventID, userID string) (*model.Registration, error) {
	var reg *model.Registration
	err := s.WithEventLock(ctx, eventID, func(ctx context.Context, tx EventTx) error {
		if _, err := tx.FindConfirmed(ctx, userID); err == nil {
			return ErrAlreadyRegistered
		}
		res, err := capacity.TryAdmit(ctx, tx.Occupancy(), userID)
		if err != nil {
			return err
		}
		if res == capacity.Full {
			return ErrEventFull
		}
		reg = newTestRegistration(tx.Event(), userID, tx.Now())
		return tx.InsertRegistration(ctx, reg)
	})
	return reg, err
}

func release(ctx context.Context, s Store, eventID, userID string) error {
	return s.WithEventLock(ctx, eventID, func(ctx context.Context, tx EventTx) error {
		reg, err := tx.FindConfirmed(ctx, userID)
		if err != nil {
			return err
		}
		if err := tx.CancelRegistration(ctx, reg.ID, tx.Now()); err != nil {
			return err
		}
		_, err = capacity.Release(ctx, tx.Occupancy(), userID)
		return err
	})
}

func testCreateAndGetEvent(t *testing.T, s Store) {
	ctx := context.Background()
	ev := newTestEvent(t, s, intPtr(5))

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.Title, got.Title)
	assert.Equal(t, 5, *got.MaxParticipants)
	assert.True(t, ev.CreatedAt.Equal(got.CreatedAt))
	assert.Empty(t, got.RegisteredUsers)

	_, err = s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.WithEventLock(ctx, "missing", func(context.Context, EventTx) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.CreateEvent(ctx, ev), ErrDuplicateID)
}

func testListEventsNewestFirst(t *testing.T, s Store) {
	ctx := context.Background()
	older := newTestEvent(t, s, nil)
	time.Sleep(2 * time.Millisecond)
	newer := newTestEvent(t, s, nil)

	events, err := s.ListEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, newer.ID, events[0].ID)
	assert.Equal(t, older.ID, events[1].ID)
}

func testAdmitCommits(t *testing.T, s Store) {
	ctx := context.Background()
	ev := newTestEvent(t, s, intPtr(2))

	reg, err := admit(ctx, s, ev.ID, "user-b")
	require.NoError(t, err)
	_, err = admit(ctx, s, ev.ID, "user-a")
	require.NoError(t, err)

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-a", "user-b"}, got.RegisteredUsers)
	assert.True(t, got.IsFull())

	found, err := s.FindConfirmed(ctx, "user-b", ev.ID)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, found.ID)
	assert.Equal(t, reg.UniqueToken, found.UniqueToken)
	assert.True(t, reg.RegisteredAt.Equal(found.RegisteredAt))

	_, err = admit(ctx, s, ev.ID, "user-c")
	assert.ErrorIs(t, err, ErrEventFull)
}

func testRollback(t *testing.T, s Store) {
	ctx := context.Background()
	ev := newTestEvent(t, s, intPtr(2))
	boom := errors.New("boom")

	err := s.WithEventLock(ctx, ev.ID, func(ctx context.Context, tx EventTx) error {
		if _, err := capacity.TryAdmit(ctx, tx.Occupancy(), "user-a"); err != nil {
			return err
		}
		if err := tx.InsertRegistration(ctx, newTestRegistration(tx.Event(), "user-a", tx.Now())); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, got.RegisteredUsers)
	_, err = s.FindConfirmed(ctx, "user-a", ev.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	regs, err := s.ListByEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func testCancel(t *testing.T, s Store) {
	ctx := context.Background()
	ev := newTestEvent(t, s, intPtr(1))

	first, err := admit(ctx, s, ev.ID, "user-a")
	require.NoError(t, err)
	require.NoError(t, release(ctx, s, ev.ID, "user-a"))

	old, err := s.GetRegistration(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, old.Status)
	require.NotNil(t, old.CancelledAt)

	_, err = s.FindConfirmed(ctx, "user-a", ev.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.WithEventLock(ctx, ev.ID, func(ctx context.Context, tx EventTx) error {
		return tx.CancelRegistration(ctx, first.ID, tx.Now())
	})
	assert.ErrorIs(t, err, ErrNotRegistered)

	second, err := admit(ctx, s, ev.ID, "user-a")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	again, err := s.GetRegistration(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, old.CancelledAt.Equal(*again.CancelledAt))

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-a"}, got.RegisteredUsers)
}

func testOneConfirmed(t *testing.T, s Store) {
	ctx := context.Background()
	ev := newTestEvent(t, s, nil)
	_, err := admit(ctx, s, ev.ID, "user-a")
	require.NoError(t, err)

	// bypass the duplicate check and capacity guard
	err = s.WithEventLock(ctx, ev.ID, func(ctx context.Context, tx EventTx) error {
		return tx.InsertRegistration(ctx, newTestRegistration(tx.Event(), "user-a", tx.Now()))
	})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	regs, err := s.ListByEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, regs, 1)
}

func testDuplicateID(t *testing.T, s Store) {
	ctx := context.Background()
	ev := newTestEvent(t, s, nil)
	reg, err := admit(ctx, s, ev.ID, "user-a")
	require.NoError(t, err)

	err = s.WithEventLock(ctx, ev.ID, func(ctx context.Context, tx EventTx) error {
		dup := newTestRegistration(tx.Event(), "user-b", tx.Now())
		dup.ID = reg.ID
		return tx.InsertRegistration(ctx, dup)
	})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func testCheckIn(t *testing.T, s Store) {
	ctx := context.Background()
	ev := newTestEvent(t, s, nil)
	reg, err := admit(ctx, s, ev.ID, "user-a")
	require.NoError(t, err)

	at := time.Now().UTC().Truncate(time.Microsecond)
	checked, err := s.MarkCheckedIn(ctx, reg.ID, at)
	require.NoError(t, err)
	assert.True(t, checked.CheckedIn)
	require.NotNil(t, checked.CheckedInAt)
	assert.True(t, at.Equal(*checked.CheckedInAt))

	_, err = s.MarkCheckedIn(ctx, reg.ID, at)
	assert.ErrorIs(t, err, ErrAlreadyCheckedIn)

	_, err = s.MarkCheckedIn(ctx, "REG_missing", at)
	assert.ErrorIs(t, err, ErrNotFound)

	other, err := admit(ctx, s, ev.ID, "user-b")
	require.NoError(t, err)
	require.NoError(t, release(ctx, s, ev.ID, "user-b"))
	_, err = s.MarkCheckedIn(ctx, other.ID, at)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func testListings(t *testing.T, s Store) {
	ctx := context.Background()
	a := newTestEvent(t, s, nil)
	b := newTestEvent(t, s, nil)

	first, err := admit(ctx, s, a.ID, "user-a")
	require.NoError(t, err)
	second, err := admit(ctx, s, b.ID, "user-a")
	require.NoError(t, err)
	_, err = admit(ctx, s, a.ID, "user-b")
	require.NoError(t, err)
	require.NoError(t, release(ctx, s, a.ID, "user-b"))

	mine, err := s.ListConfirmedByUser(ctx, "user-a")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID)
	assert.Equal(t, first.ID, mine[1].ID)

	theirs, err := s.ListConfirmedByUser(ctx, "user-b")
	require.NoError(t, err)
	assert.Empty(t, theirs)

	audit, err := s.ListByEvent(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, first.ID, audit[0].ID)
	assert.Equal(t, model.StatusCancelled, audit[1].Status)

	_, err = s.ListByEvent(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testUpdateEvent(t *testing.T, s Store) {
	ctx := context.Background()
	ev := newTestEvent(t, s, intPtr(3))
	_, err := admit(ctx, s, ev.ID, "user-a")
	require.NoError(t, err)

	updated, err := s.UpdateEvent(ctx, ev.ID, func(e *model.Event) error {
		e.Venue = "Open Air Theatre"
		e.MaxParticipants = nil
		e.RegisteredUsers = nil
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Open Air Theatre", updated.Venue)
	assert.False(t, updated.Bounded())
	assert.Equal(t, []string{"user-a"}, updated.RegisteredUsers)

	rejected := errors.New("rejected")
	_, err = s.UpdateEvent(ctx, ev.ID, func(e *model.Event) error {
		e.Title = "changed"
		return rejected
	})
	assert.ErrorIs(t, err, rejected)

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "Robotics Expo", got.Title)
	assert.Equal(t, []string{"user-a"}, got.RegisteredUsers)

	_, err = s.UpdateEvent(ctx, "missing", func(*model.Event) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func testConcurrentAdmissions(t *testing.T, s Store) {
	ctx := context.Background()
	ev := newTestEvent(t, s, intPtr(3))

	var admitted, full atomic.Int32
	var g errgroup.Group
	for i := range 12 {
		g.Go(func() error {
			_, err := admit(ctx, s, ev.ID, fmt.Sprintf("user-%02d", i))
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrEventFull):
				full.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(3), admitted.Load())
	assert.Equal(t, int32(9), full.Load())
	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, got.RegisteredUsers, 3)
}

func intPtr(n int) *int { return &n }

func testTimestampsFollowLockOrder(t *testing.T, s Store) {
	ctx := context.Background()
	ev := newTestEvent(t, s, nil)

	first, err := admit(ctx, s, ev.ID, "user-a")
	require.NoError(t, err)
	require.NoError(t, release(ctx, s, ev.ID, "user-a"))
	second, err := admit(ctx, s, ev.ID, "user-b")
	require.NoError(t, err)
	third, err := admit(ctx, s, ev.ID, "user-c")
	require.NoError(t, err)

	cancelled, err := s.GetRegistration(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, cancelled.CancelledAt)

	stamps := []time.Time{first.RegisteredAt, *cancelled.CancelledAt, second.RegisteredAt, third.RegisteredAt}
	for i := 1; i < len(stamps); i++ {
		assert.True(t, stamps[i].After(stamps[i-1]), "stamp %d (%s) not after %s", i, stamps[i], stamps[i-1])
	}
}
