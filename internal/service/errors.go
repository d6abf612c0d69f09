package service

import (
	"errors"
	"fmt"

	"github.com/Shivanand-hulikatti/campus-event-pass/internal/model"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/repository"
)

// Business-rule outcomes. They are expected results, surfaced verbatim and
// never retried.
var (
	ErrEventNotFound        = errors.New("event not found")
	ErrRegistrationNotFound = errors.New("registration not found")
	ErrEventFull            = repository.ErrEventFull
	ErrAlreadyRegistered    = repository.ErrAlreadyRegistered
	ErrNotRegistered        = repository.ErrNotRegistered
	ErrAlreadyCheckedIn     = repository.ErrAlreadyCheckedIn
	ErrInvalidToken         = errors.New("invalid registration token")
)

// ErrStorageUnavailable is returned once retries against the store are
// exhausted. The outcome of the attempted operation is unknown; callers
// should list their registrations before trying again.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ValidationError rejects caller input before the store is contacted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// AlreadyRegisteredError carries the registration that already holds the
// caller's place, so its token can be shown again.
type AlreadyRegisteredError struct {
	Existing *model.Registration
}

func (e *AlreadyRegisteredError) Error() string {
	if e.Existing == nil {
		return ErrAlreadyRegistered.Error()
	}
	return fmt.Sprintf("%s (registration %s)", ErrAlreadyRegistered, e.Existing.ID)
}

func (e *AlreadyRegisteredError) Unwrap() error { return ErrAlreadyRegistered }

// isFinal reports errors that retrying cannot change.
func isFinal(err error) bool {
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr),
		errors.Is(err, ErrEventNotFound),
		errors.Is(err, ErrRegistrationNotFound),
		errors.Is(err, ErrEventFull),
		errors.Is(err, ErrAlreadyRegistered),
		errors.Is(err, ErrNotRegistered),
		errors.Is(err, ErrAlreadyCheckedIn),
		errors.Is(err, ErrInvalidToken):
		return true
	}
	return false
}

// outcome labels an engine result for metrics and logs.
func outcome(err error) string {
	var vErr *ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &vErr):
		return "invalid"
	case errors.Is(err, ErrAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, ErrEventFull):
		return "full"
	case errors.Is(err, ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, ErrEventNotFound), errors.Is(err, ErrRegistrationNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrAlreadyCheckedIn):
		return "already_checked_in"
	default:
		return "unavailable"
	}
}
