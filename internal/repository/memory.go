package repository

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/campus-event-pass/internal/capacity"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/model"
)

// MemoryStore is an in-process Store. Each event carries a one-slot
// semaphore that plays the role of the row lock taken by PostgresStore.
type MemoryStore struct {
	mu            sync.RWMutex
	events        map[string]*memEvent
	registrations map[string]*model.Registration
	tokens        map[string]string
	clock         *Clock
}

type memEvent struct {
	sem       chan struct{}
	event     model.Event
	occupancy map[string]struct{}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:        make(map[string]*memEvent),
		registrations: make(map[string]*model.Registration),
		tokens:        make(map[string]string),
		clock:         NewClock(),
	}
}

func (s *MemoryStore) CreateEvent(_ context.Context, event *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[event.ID]; ok {
		return fmt.Errorf("insert event %s: %w", event.ID, ErrDuplicateID)
	}
	ev := *event
	ev.RegisteredUsers = nil
	s.events[event.ID] = &memEvent{
		sem:       make(chan struct{}, 1),
		event:     ev,
		occupancy: make(map[string]struct{}),
	}
	return nil
}

func (s *MemoryStore) UpdateEvent(ctx context.Context, id string, edit func(*model.Event) error) (*model.Event, error) {
	ev, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer ev.release()

	s.mu.RLock()
	current := s.snapshot(ev)
	s.mu.RUnlock()

	edited := current
	if err := edit(&edited); err != nil {
		return nil, err
	}
	edited.ID = current.ID
	edited.CreatedAt = current.CreatedAt
	edited.RegisteredUsers = nil

	s.mu.Lock()
	ev.event = edited
	out := s.snapshot(ev)
	s.mu.Unlock()
	return &out, nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := s.snapshot(ev)
	return &out, nil
}

func (s *MemoryStore) ListEvents(_ context.Context) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]model.Event, 0, len(s.events))
	for _, ev := range s.events {
		events = append(events, s.snapshot(ev))
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	return events, nil
}

func (s *MemoryStore) GetRegistration(_ context.Context, id string) (*model.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.registrations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRegistration(reg), nil
}

func (s *MemoryStore) FindConfirmed(_ context.Context, userID, eventID string) (*model.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findConfirmedLocked(userID, eventID)
}

func (s *MemoryStore) findConfirmedLocked(userID, eventID string) (*model.Registration, error) {
	for _, reg := range s.registrations {
		if reg.UserID == userID && reg.EventID == eventID && reg.Confirmed() {
			return cloneRegistration(reg), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListConfirmedByUser(_ context.Context, userID string) ([]model.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var regs []model.Registration
	for _, reg := range s.registrations {
		if reg.UserID == userID && reg.Confirmed() {
			regs = append(regs, *cloneRegistration(reg))
		}
	}
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].RegisteredAt.After(regs[j].RegisteredAt)
	})
	return regs, nil
}

func (s *MemoryStore) ListByEvent(_ context.Context, eventID string) ([]model.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.events[eventID]; !ok {
		return nil, ErrNotFound
	}
	var regs []model.Registration
	for _, reg := range s.registrations {
		if reg.EventID == eventID {
			regs = append(regs, *cloneRegistration(reg))
		}
	}
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].RegisteredAt.Before(regs[j].RegisteredAt)
	})
	return regs, nil
}

func (s *MemoryStore) MarkCheckedIn(ctx context.Context, registrationID string, at time.Time) (*model.Registration, error) {
	s.mu.RLock()
	found, ok := s.registrations[registrationID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	// cancellation stages a copy under the event lock, so take it here too
	ev, err := s.acquire(ctx, found.EventID)
	if err != nil {
		return nil, err
	}
	defer ev.release()

	s.mu.Lock()
	defer s.mu.Unlock()

	reg := s.registrations[registrationID]
	switch {
	case !reg.Confirmed():
		return nil, ErrNotRegistered
	case reg.CheckedIn:
		return nil, ErrAlreadyCheckedIn
	}
	at = at.UTC()
	reg.CheckedIn = true
	reg.CheckedInAt = &at
	return cloneRegistration(reg), nil
}

func (s *MemoryStore) WithEventLock(ctx context.Context, eventID string, fn func(ctx context.Context, tx EventTx) error) error {
	ev, err := s.acquire(ctx, eventID)
	if err != nil {
		return err
	}
	defer ev.release()

	s.mu.RLock()
	tx := &memTx{
		store:     s,
		event:     s.snapshot(ev),
		occupancy: maps.Clone(ev.occupancy),
		limit:     ev.event.MaxParticipants,
		staged:    make(map[string]*model.Registration),
	}
	s.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, reg := range tx.staged {
		if prev, ok := s.registrations[id]; ok {
			delete(s.tokens, prev.UniqueToken)
		}
		s.registrations[id] = reg
		s.tokens[reg.UniqueToken] = id
	}
	ev.occupancy = tx.occupancy
	return nil
}

// acquire takes the event's semaphore, giving up when ctx is done.
func (s *MemoryStore) acquire(ctx context.Context, eventID string) (*memEvent, error) {
	s.mu.RLock()
	ev, ok := s.events[eventID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	select {
	case ev.sem <- struct{}{}:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ev *memEvent) release() { <-ev.sem }

// snapshot must be called with s.mu held.
func (s *MemoryStore) snapshot(ev *memEvent) model.Event {
	out := ev.event
	if ev.event.MaxParticipants != nil {
		n := *ev.event.MaxParticipants
		out.MaxParticipants = &n
	}
	out.RegisteredUsers = slices.Sorted(maps.Keys(ev.occupancy))
	if out.RegisteredUsers == nil {
		out.RegisteredUsers = []string{}
	}
	return out
}

type memTx struct {
	store     *MemoryStore
	event     model.Event
	occupancy map[string]struct{}
	limit     *int
	staged    map[string]*model.Registration
}

func (t *memTx) Event() model.Event { return t.event }

func (t *memTx) Occupancy() capacity.Ledger { return (*memLedger)(t) }

func (t *memTx) Now() time.Time { return t.store.clock.Now() }

func (t *memTx) FindConfirmed(_ context.Context, userID string) (*model.Registration, error) {
	for _, reg := range t.staged {
		if reg.UserID == userID && reg.Confirmed() {
			return cloneRegistration(reg), nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	reg, err := t.store.findConfirmedLocked(userID, t.event.ID)
	if err != nil {
		return nil, err
	}
	if staged, ok := t.staged[reg.ID]; ok && !staged.Confirmed() {
		return nil, ErrNotFound
	}
	return reg, nil
}

func (t *memTx) InsertRegistration(ctx context.Context, reg *model.Registration) error {
	if reg.EventID != t.event.ID {
		return fmt.Errorf("insert registration: event %s is not locked", reg.EventID)
	}
	t.store.mu.RLock()
	_, idTaken := t.store.registrations[reg.ID]
	_, tokenTaken := t.store.tokens[reg.UniqueToken]
	t.store.mu.RUnlock()
	if _, ok := t.staged[reg.ID]; ok || idTaken || tokenTaken {
		return fmt.Errorf("insert registration %s: %w", reg.ID, ErrDuplicateID)
	}
	if reg.Confirmed() {
		if _, err := t.FindConfirmed(ctx, reg.UserID); err == nil {
			return ErrAlreadyRegistered
		}
	}
	t.staged[reg.ID] = cloneRegistration(reg)
	return nil
}

func (t *memTx) CancelRegistration(_ context.Context, registrationID string, at time.Time) error {
	reg, ok := t.staged[registrationID]
	if !ok {
		t.store.mu.RLock()
		stored, found := t.store.registrations[registrationID]
		if found {
			reg = cloneRegistration(stored)
		}
		t.store.mu.RUnlock()
		if !found {
			return ErrNotFound
		}
	}
	if reg.EventID != t.event.ID {
		return fmt.Errorf("cancel registration: event %s is not locked", reg.EventID)
	}
	if !reg.Confirmed() {
		return ErrNotRegistered
	}
	at = at.UTC()
	reg.Status = model.StatusCancelled
	reg.CancelledAt = &at
	t.staged[registrationID] = reg
	return nil
}

type memLedger memTx

func (l *memLedger) Limit() *int { return l.limit }

func (l *memLedger) Contains(_ context.Context, identity string) (bool, error) {
	_, ok := l.occupancy[identity]
	return ok, nil
}

func (l *memLedger) Count(context.Context) (int, error) { return len(l.occupancy), nil }

func (l *memLedger) Add(_ context.Context, identity string) error {
	l.occupancy[identity] = struct{}{}
	return nil
}

func (l *memLedger) Remove(_ context.Context, identity string) error {
	delete(l.occupancy, identity)
	return nil
}

func cloneRegistration(r *model.Registration) *model.Registration {
	out := *r
	if r.CheckedInAt != nil {
		t := *r.CheckedInAt
		out.CheckedInAt = &t
	}
	if r.CancelledAt != nil {
		t := *r.CancelledAt
		out.CancelledAt = &t
	}
	return &out
}
