package repository

import "errors"

// ErrNotFound is returned when a requested event or registration does not exist.
var ErrNotFound = errors.New("not found")

// ErrEventFull is returned when an event has no remaining capacity.
var ErrEventFull = errors.New("event is fully booked")

// ErrAlreadyRegistered is returned when an identity already holds a
// confirmed registration for the event.
var ErrAlreadyRegistered = errors.New("already registered for this event")

// ErrNotRegistered is returned when no confirmed registration exists for
// an identity and event.
var ErrNotRegistered = errors.New("not registered for this event")

// ErrAlreadyCheckedIn is returned when a registration was already checked in.
var ErrAlreadyCheckedIn = errors.New("registration already checked in")

// ErrDuplicateID is returned when a registration id or token collides with
// an existing record.
var ErrDuplicateID = errors.New("duplicate registration identifier")
