package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v5"

	"github.com/Shivanand-hulikatti/campus-event-pass/internal/capacity"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/feed"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/model"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/notify"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/repository"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/token"
)

// MinPhoneDigits is the shortest accepted phone number.
const MinPhoneDigits = 10

// RegistrationService owns the registration lifecycle of an (identity,
// event) pair: Unregistered → Confirmed → Cancelled, where every new cycle
// creates a new Registration. It is the only writer of registrations and,
// through the capacity guard, of event occupancy.
type RegistrationService struct {
	store  repository.Store
	issuer *token.Issuer
	options
}

// NewRegistrationService constructs a RegistrationService.
func NewRegistrationService(store repository.Store, issuer *token.Issuer, opts ...Option) *RegistrationService {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RegistrationService{store: store, issuer: issuer, options: o}
}

// Submit registers who for the event. Duplicate check, admission and
// persistence commit together under the event lock: of two concurrent
// submissions by the same identity exactly one is confirmed and the other
// gets an *AlreadyRegisteredError.
func (s *RegistrationService) Submit(ctx context.Context, who model.Identity, eventID string, profile model.Profile) (*model.Registration, error) {
	start := time.Now()
	reg, err := s.submit(ctx, who, eventID, profile)
	s.metrics.ObserveRegistration(outcome(err), time.Since(start).Seconds())
	return reg, err
}

func (s *RegistrationService) submit(ctx context.Context, who model.Identity, eventID string, profile model.Profile) (*model.Registration, error) {
	if err := validateIdentity(who); err != nil {
		return nil, err
	}
	profile, err := NormalizeProfile(profile)
	if err != nil {
		return nil, err
	}

	var reg *model.Registration
	err = s.retry(ctx, "submit registration", func() error {
		var err error
		reg, err = s.attemptSubmit(ctx, who, eventID, profile)
		return err
	})
	if err != nil {
		s.log.Info("registration rejected",
			"event_id", eventID, "user_id", who.UserID, "outcome", outcome(err), "error", err)
		return nil, err
	}

	s.log.Info("registration confirmed",
		"event_id", eventID, "user_id", who.UserID, "registration_id", reg.ID)
	s.announce(ctx, feed.KindRegistered, notify.TypeConfirmed, reg, reg.RegisteredAt)
	return reg, nil
}

func (s *RegistrationService) attemptSubmit(ctx context.Context, who model.Identity, eventID string, profile model.Profile) (*model.Registration, error) {
	var reg *model.Registration
	err := s.store.WithEventLock(ctx, eventID, func(ctx context.Context, tx repository.EventTx) error {
		existing, err := tx.FindConfirmed(ctx, who.UserID)
		switch {
		case err == nil:
			return &AlreadyRegisteredError{Existing: existing}
		case !errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("check existing registration: %w", err)
		}

		admission, err := capacity.TryAdmit(ctx, tx.Occupancy(), who.UserID)
		if err != nil {
			return err
		}
		switch admission {
		case capacity.Full:
			return ErrEventFull
		case capacity.AlreadyAdmitted:
			// occupancy without a confirmed registration; refuse rather than double-book
			return ErrAlreadyRegistered
		}

		reg, err = s.newRegistration(who, tx.Event(), profile, tx.Now())
		if err != nil {
			return err
		}
		return tx.InsertRegistration(ctx, reg)
	})

	switch {
	case err == nil:
		return reg, nil
	case errors.Is(err, repository.ErrNotFound):
		return nil, ErrEventNotFound
	case errors.Is(err, ErrAlreadyRegistered):
		var already *AlreadyRegisteredError
		if errors.As(err, &already) {
			return nil, err
		}
		// the schema-level uniqueness check fired; report the winner
		existing, findErr := s.store.FindConfirmed(ctx, who.UserID, eventID)
		if findErr != nil {
			return nil, &AlreadyRegisteredError{}
		}
		return nil, &AlreadyRegisteredError{Existing: existing}
	}
	return nil, err
}

func (s *RegistrationService) newRegistration(who model.Identity, ev model.Event, p model.Profile, now time.Time) (*model.Registration, error) {
	tok, err := s.issuer.IssueToken()
	if err != nil {
		return nil, err
	}
	code, err := s.issuer.IssueVerificationCode()
	if err != nil {
		return nil, err
	}
	return &model.Registration{
		ID:                  s.issuer.RegistrationID(who.UserID, ev.ID, now),
		UniqueToken:         tok,
		UserID:              who.UserID,
		UserEmail:           who.Email,
		EventID:             ev.ID,
		EventTitle:          ev.Title,
		EventDate:           ev.Date,
		EventTime:           ev.StartTime,
		EventVenue:          ev.Venue,
		FullName:            p.FullName,
		StudentID:           p.StudentID,
		Phone:               p.Phone,
		Department:          p.Department,
		Year:                p.Year,
		VerificationCode:    code,
		RegisteredAt:        now,
		RegisteredAtEpochMs: now.UnixMilli(),
		Status:              model.StatusConfirmed,
	}, nil
}

// Cancel cancels who's confirmed registration and releases the place. The
// registration is kept as an audit record. Cancelling twice reports
// ErrNotRegistered the second time and releases nothing.
func (s *RegistrationService) Cancel(ctx context.Context, who model.Identity, eventID string) (*model.Registration, error) {
	if err := validateIdentity(who); err != nil {
		return nil, err
	}

	var cancelled *model.Registration
	err := s.retry(ctx, "cancel registration", func() error {
		var err error
		cancelled, err = s.attemptCancel(ctx, who, eventID)
		return err
	})
	s.metrics.ObserveCancellation(outcome(err))
	if err != nil {
		return nil, err
	}

	s.log.Info("registration cancelled",
		"event_id", eventID, "user_id", who.UserID, "registration_id", cancelled.ID)
	s.announce(ctx, feed.KindCancelled, notify.TypeCancelled, cancelled, *cancelled.CancelledAt)
	return cancelled, nil
}

func (s *RegistrationService) attemptCancel(ctx context.Context, who model.Identity, eventID string) (*model.Registration, error) {
	var reg *model.Registration
	err := s.store.WithEventLock(ctx, eventID, func(ctx context.Context, tx repository.EventTx) error {
		existing, err := tx.FindConfirmed(ctx, who.UserID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotRegistered
			}
			return fmt.Errorf("find registration: %w", err)
		}

		at := tx.Now()
		if err := tx.CancelRegistration(ctx, existing.ID, at); err != nil {
			return err
		}
		released, err := capacity.Release(ctx, tx.Occupancy(), who.UserID)
		if err != nil {
			return err
		}
		if released == capacity.NotAdmitted {
			s.log.Warn("cancelled registration held no place",
				"event_id", eventID, "user_id", who.UserID, "registration_id", existing.ID)
		}

		existing.Status = model.StatusCancelled
		existing.CancelledAt = &at
		reg = existing
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	return reg, err
}

// Retrieve returns who's confirmed registration for the event without
// touching capacity, e.g. to show its QR code again.
func (s *RegistrationService) Retrieve(ctx context.Context, who model.Identity, eventID string) (*model.Registration, error) {
	if err := validateIdentity(who); err != nil {
		return nil, err
	}
	var reg *model.Registration
	err := s.retry(ctx, "retrieve registration", func() error {
		var err error
		reg, err = s.store.FindConfirmed(ctx, who.UserID, eventID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrRegistrationNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// ListMine returns who's confirmed registrations, newest first.
func (s *RegistrationService) ListMine(ctx context.Context, who model.Identity) ([]model.Registration, error) {
	if err := validateIdentity(who); err != nil {
		return nil, err
	}
	var regs []model.Registration
	err := s.retry(ctx, "list registrations", func() error {
		var err error
		regs, err = s.store.ListConfirmedByUser(ctx, who.UserID)
		return err
	})
	return regs, err
}

// Verify checks a scanned payload against the store: the registration must
// exist, carry the same token, owner and event, and still be confirmed.
func (s *RegistrationService) Verify(ctx context.Context, p model.TokenPayload) (*model.Registration, error) {
	reg, err := s.verify(ctx, p)
	s.metrics.ObserveVerification(outcome(err))
	return reg, err
}

func (s *RegistrationService) verify(ctx context.Context, p model.TokenPayload) (*model.Registration, error) {
	if p.RegistrationID == "" || p.UniqueToken == "" {
		return nil, ErrInvalidToken
	}
	var reg *model.Registration
	err := s.retry(ctx, "verify registration", func() error {
		var err error
		reg, err = s.store.GetRegistration(ctx, p.RegistrationID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	tokenOK := subtle.ConstantTimeCompare([]byte(reg.UniqueToken), []byte(p.UniqueToken)) == 1
	if !tokenOK || reg.UserID != p.UserID || reg.EventID != p.EventID {
		return nil, ErrInvalidToken
	}
	if !reg.Confirmed() {
		return nil, ErrNotRegistered
	}
	return reg, nil
}

// CheckIn verifies the payload and marks the registration as attended.
func (s *RegistrationService) CheckIn(ctx context.Context, p model.TokenPayload) (*model.Registration, error) {
	reg, err := s.verify(ctx, p)
	if err == nil {
		err = s.retry(ctx, "check in", func() error {
			var err error
			reg, err = s.store.MarkCheckedIn(ctx, p.RegistrationID, s.now())
			if errors.Is(err, repository.ErrNotFound) {
				return ErrInvalidToken
			}
			return err
		})
	}
	s.metrics.ObserveVerification(outcome(err))
	if err != nil {
		return nil, err
	}

	s.log.Info("registration checked in", "event_id", reg.EventID, "registration_id", reg.ID)
	s.announce(ctx, feed.KindCheckedIn, notify.TypeCheckedIn, reg, *reg.CheckedInAt)
	return reg, nil
}

// announce tells observers about a committed change. Failures are logged:
// the change is already durable and the sync feed resyncs periodically.
// A caller that goes away after the commit does not cancel the announcement.
func (s *RegistrationService) announce(ctx context.Context, kind feed.Kind, msgType string, reg *model.Registration, at time.Time) {
	ctx = context.WithoutCancel(ctx)
	change := feed.Change{
		Kind:           kind,
		EventID:        reg.EventID,
		UserID:         reg.UserID,
		RegistrationID: reg.ID,
		At:             at,
	}
	if err := s.publisher.Publish(ctx, change); err != nil {
		s.log.Warn("sync publish failed", "kind", kind, "registration_id", reg.ID, "error", err)
	}
	if err := s.notifier.Notify(ctx, notify.NewMessage(msgType, reg, at)); err != nil {
		s.log.Warn("notification failed", "type", msgType, "registration_id", reg.ID, "error", err)
	}
}

// retry runs fn until it succeeds, returns a business outcome, or the retry
// budget runs out. Retrying from the top is safe: a submission that did
// commit is seen by the duplicate check on the next attempt.
func (s *RegistrationService) retry(ctx context.Context, op string, fn func() error) error {
	return runWithRetry(ctx, s.options, op, fn)
}

func runWithRetry(ctx context.Context, o options, op string, fn func() error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			o.metrics.IncrementStoreRetries()
		}
		err := fn()
		switch {
		case err == nil:
			return struct{}{}, nil
		case isFinal(err):
			return struct{}{}, backoff.Permanent(err)
		}
		o.log.Warn("store operation failed", "op", op, "attempt", attempt, "error", err)
		return struct{}{}, err
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(o.retry.MaxTries),
		backoff.WithMaxElapsedTime(o.retry.MaxElapsed),
	)
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if isFinal(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}

func validateIdentity(who model.Identity) error {
	if strings.TrimSpace(who.UserID) == "" {
		return &ValidationError{Field: "userId", Message: "an authenticated identity is required"}
	}
	return nil
}

// NormalizeProfile trims the form fields and checks the required ones.
// Phone numbers may contain spaces, dashes, parentheses and a leading plus,
// and need at least MinPhoneDigits digits.
func NormalizeProfile(p model.Profile) (model.Profile, error) {
	p = model.Profile{
		FullName:   strings.TrimSpace(p.FullName),
		StudentID:  strings.TrimSpace(p.StudentID),
		Phone:      strings.TrimSpace(p.Phone),
		Department: strings.TrimSpace(p.Department),
		Year:       strings.TrimSpace(p.Year),
	}

	required := []struct{ field, value string }{
		{"fullName", p.FullName},
		{"studentId", p.StudentID},
		{"phone", p.Phone},
		{"department", p.Department},
	}
	for _, r := range required {
		if r.value == "" {
			return model.Profile{}, &ValidationError{Field: r.field, Message: "is required"}
		}
	}

	digits := 0
	for i, c := range p.Phone {
		switch {
		case unicode.IsDigit(c):
			digits++
		case c == '+' && i == 0, c == ' ', c == '-', c == '(', c == ')':
		default:
			return model.Profile{}, &ValidationError{Field: "phone", Message: "contains invalid characters"}
		}
	}
	if digits < MinPhoneDigits {
		return model.Profile{}, &ValidationError{
			Field:   "phone",
			Message: fmt.Sprintf("must contain at least %d digits", MinPhoneDigits),
		}
	}
	return p, nil
}
