// Package service implements business logic, validation, and orchestration
// between HTTP handlers and the repository layer.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/campus-event-pass/internal/feed"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/model"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/repository"
)

// MaxCapacity is the largest capacity an event may declare.
const MaxCapacity = 100_000

// EventService orchestrates event catalog operations. It never touches
// occupancy: that is owned by the capacity guard inside RegistrationService.
type EventService struct {
	store repository.Store
	options
}

// NewEventService constructs an EventService with its dependencies.
func NewEventService(store repository.Store, opts ...Option) *EventService {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &EventService{store: store, options: o}
}

// CreateEvent validates the request and delegates to the repository.
func (s *EventService) CreateEvent(ctx context.Context, req model.CreateEventRequest) (*model.Event, error) {
	event := &model.Event{
		ID:              uuid.NewString(),
		Title:           strings.TrimSpace(req.Title),
		Date:            strings.TrimSpace(req.Date),
		StartTime:       strings.TrimSpace(req.StartTime),
		EndTime:         strings.TrimSpace(req.EndTime),
		Venue:           strings.TrimSpace(req.Venue),
		Category:        strings.TrimSpace(req.Category),
		Description:     strings.TrimSpace(req.Description),
		MaxParticipants: req.MaxParticipants,
		RegisteredUsers: []string{},
		CreatedAt:       s.now().UTC(),
	}
	if err := validateEvent(event); err != nil {
		return nil, err
	}

	err := runWithRetry(ctx, s.options, "create event", func() error {
		return s.store.CreateEvent(ctx, event)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("event created", "event_id", event.ID, "title", event.Title)
	s.announce(ctx, feed.KindEventCreated, event.ID)
	return event, nil
}

// UpdateEvent applies a partial edit. Lowering the capacity below the
// current occupancy is allowed; existing registrants keep their places.
func (s *EventService) UpdateEvent(ctx context.Context, id string, req model.UpdateEventRequest) (*model.Event, error) {
	if id == "" {
		return nil, &ValidationError{Field: "id", Message: "event id is required"}
	}
	if req.ClearCapacity && req.MaxParticipants != nil {
		return nil, &ValidationError{Field: "maxParticipants", Message: "cannot both set and clear the capacity"}
	}

	var updated *model.Event
	err := runWithRetry(ctx, s.options, "update event", func() error {
		var err error
		updated, err = s.store.UpdateEvent(ctx, id, func(ev *model.Event) error {
			applyEdit(ev, req)
			return validateEvent(ev)
		})
		if errors.Is(err, repository.ErrNotFound) {
			return ErrEventNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if updated.Bounded() && len(updated.RegisteredUsers) > *updated.MaxParticipants {
		s.log.Warn("event capacity below occupancy",
			"event_id", id, "capacity", *updated.MaxParticipants, "occupancy", len(updated.RegisteredUsers))
	}
	s.log.Info("event updated", "event_id", id)
	s.announce(ctx, feed.KindEventUpdated, id)
	return updated, nil
}

// ListEvents returns all events, newest first.
func (s *EventService) ListEvents(ctx context.Context) ([]model.Event, error) {
	var events []model.Event
	err := runWithRetry(ctx, s.options, "list events", func() error {
		var err error
		events, err = s.store.ListEvents(ctx)
		return err
	})
	return events, err
}

// GetEvent returns a single event by ID.
func (s *EventService) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	if id == "" {
		return nil, &ValidationError{Field: "id", Message: "event id is required"}
	}
	var event *model.Event
	err := runWithRetry(ctx, s.options, "get event", func() error {
		var err error
		event, err = s.store.GetEvent(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrEventNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// ListRegistrations returns all registrations for an event, cancelled ones
// included, oldest first.
func (s *EventService) ListRegistrations(ctx context.Context, eventID string) ([]model.Registration, error) {
	var regs []model.Registration
	err := runWithRetry(ctx, s.options, "list event registrations", func() error {
		var err error
		regs, err = s.store.ListByEvent(ctx, eventID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrEventNotFound
		}
		return err
	})
	return regs, err
}

func (s *EventService) announce(ctx context.Context, kind feed.Kind, eventID string) {
	ctx = context.WithoutCancel(ctx)
	change := feed.Change{Kind: kind, EventID: eventID, At: s.now().UTC()}
	if err := s.publisher.Publish(ctx, change); err != nil {
		s.log.Warn("sync publish failed", "kind", kind, "event_id", eventID, "error", err)
	}
}

func applyEdit(ev *model.Event, req model.UpdateEventRequest) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&ev.Title, req.Title)
	set(&ev.Date, req.Date)
	set(&ev.StartTime, req.StartTime)
	set(&ev.EndTime, req.EndTime)
	set(&ev.Venue, req.Venue)
	set(&ev.Category, req.Category)
	set(&ev.Description, req.Description)

	switch {
	case req.ClearCapacity:
		ev.MaxParticipants = nil
	case req.MaxParticipants != nil:
		n := *req.MaxParticipants
		ev.MaxParticipants = &n
	}
}

func validateEvent(ev *model.Event) error {
	if ev.Title == "" {
		return &ValidationError{Field: "title", Message: "is required"}
	}
	if ev.Date == "" {
		return &ValidationError{Field: "date", Message: "is required"}
	}
	if ev.MaxParticipants != nil {
		n := *ev.MaxParticipants
		if n <= 0 {
			return &ValidationError{Field: "maxParticipants", Message: "must be a positive integer"}
		}
		if n > MaxCapacity {
			return &ValidationError{Field: "maxParticipants", Message: fmt.Sprintf("cannot exceed %d", MaxCapacity)}
		}
	}
	return nil
}
