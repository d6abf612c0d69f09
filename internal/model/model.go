// Package model defines the core domain types for campus event registration.
package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Event represents a capacity-limited activity open for registration.
// RegisteredUsers is the occupancy set: identities currently holding a
// confirmed registration, kept sorted.
type Event struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Date            string    `json:"date"`
	StartTime       string    `json:"startTime"`
	EndTime         string    `json:"endTime,omitempty"`
	Venue           string    `json:"venue"`
	Category        string    `json:"category,omitempty"`
	Description     string    `json:"description,omitempty"`
	MaxParticipants *int      `json:"maxParticipants,omitempty"`
	RegisteredUsers []string  `json:"registeredUsers"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Bounded reports whether the event declares a capacity.
func (e *Event) Bounded() bool {
	return e.MaxParticipants != nil
}

// Remaining returns the number of open places. The second return value is
// false for unbounded events.
func (e *Event) Remaining() (int, bool) {
	if e.MaxParticipants == nil {
		return 0, false
	}
	return max(*e.MaxParticipants-len(e.RegisteredUsers), 0), true
}

// IsFull returns true when a bounded event has no remaining places.
func (e *Event) IsFull() bool {
	n, bounded := e.Remaining()
	return bounded && n == 0
}

// HasRegistered reports whether identity is part of the occupancy set.
func (e *Event) HasRegistered(identity string) bool {
	_, found := slices.BinarySearch(e.RegisteredUsers, identity)
	return found
}

// Status is the lifecycle state of a persisted registration.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Identity is the authenticated caller, supplied by the identity provider.
type Identity struct {
	UserID string
	Email  string
}

// Profile holds the applicant-supplied registration form fields.
type Profile struct {
	FullName   string `json:"fullName"`
	StudentID  string `json:"studentId"`
	Phone      string `json:"phone"`
	Department string `json:"department"`
	Year       string `json:"year,omitempty"`
}

// Registration is one applicant's confirmed or cancelled claim on an event.
// Cancelled registrations are retained as audit records.
type Registration struct {
	ID                  string     `json:"id"`
	UniqueToken         string     `json:"uniqueToken"`
	UserID              string     `json:"userId"`
	UserEmail           string     `json:"userEmail"`
	EventID             string     `json:"eventId"`
	EventTitle          string     `json:"eventTitle"`
	EventDate           string     `json:"eventDate"`
	EventTime           string     `json:"eventTime"`
	EventVenue          string     `json:"eventVenue"`
	FullName            string     `json:"fullName"`
	StudentID           string     `json:"studentId"`
	Phone               string     `json:"phone"`
	Department          string     `json:"department"`
	Year                string     `json:"year,omitempty"`
	VerificationCode    string     `json:"verificationCode"`
	RegisteredAt        time.Time  `json:"registeredAt"`
	RegisteredAtEpochMs int64      `json:"registeredAtEpochMs"`
	CheckedIn           bool       `json:"checkedIn"`
	CheckedInAt         *time.Time `json:"checkedInAt"`
	Status              Status     `json:"status"`
	CancelledAt         *time.Time `json:"cancelledAt,omitempty"`
}

// Confirmed reports whether the registration currently holds a place.
func (r *Registration) Confirmed() bool {
	return r.Status == StatusConfirmed
}

// Payload builds the scannable token payload for the registration.
func (r *Registration) Payload() TokenPayload {
	return TokenPayload{
		RegistrationID:   r.ID,
		UniqueToken:      r.UniqueToken,
		UserID:           r.UserID,
		EventID:          r.EventID,
		EventTitle:       r.EventTitle,
		UserName:         r.FullName,
		StudentID:        r.StudentID,
		VerificationCode: r.VerificationCode,
		Timestamp:        r.RegisteredAtEpochMs,
	}
}

// TokenPayload is the self-contained snapshot encoded into a registration's
// QR code. Field names are consumed by external verifiers and must not change.
type TokenPayload struct {
	RegistrationID   string `json:"registrationId"`
	UniqueToken      string `json:"uniqueToken"`
	UserID           string `json:"userId"`
	EventID          string `json:"eventId"`
	EventTitle       string `json:"eventTitle"`
	UserName         string `json:"userName"`
	StudentID        string `json:"studentId"`
	VerificationCode string `json:"verificationCode"`
	Timestamp        int64  `json:"timestamp"`
}

// Encode serializes the payload to the JSON string that is rendered as a QR code.
func (p TokenPayload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode token payload: %w", err)
	}
	return string(b), nil
}

// ParseTokenPayload decodes a scanned payload string.
func ParseTokenPayload(s string) (TokenPayload, error) {
	var p TokenPayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return TokenPayload{}, fmt.Errorf("parse token payload: %w", err)
	}
	if p.RegistrationID == "" || p.UniqueToken == "" {
		return TokenPayload{}, fmt.Errorf("parse token payload: missing registrationId or uniqueToken")
	}
	return p, nil
}

// CreateEventRequest is the payload for creating a new event.
type CreateEventRequest struct {
	Title           string `json:"title"`
	Date            string `json:"date"`
	StartTime       string `json:"startTime"`
	EndTime         string `json:"endTime"`
	Venue           string `json:"venue"`
	Category        string `json:"category"`
	Description     string `json:"description"`
	MaxParticipants *int   `json:"maxParticipants"`
}

// UpdateEventRequest is a partial edit of an event. Nil fields are left
// unchanged. ClearCapacity removes the capacity limit.
type UpdateEventRequest struct {
	Title           *string `json:"title"`
	Date            *string `json:"date"`
	StartTime       *string `json:"startTime"`
	EndTime         *string `json:"endTime"`
	Venue           *string `json:"venue"`
	Category        *string `json:"category"`
	Description     *string `json:"description"`
	MaxParticipants *int    `json:"maxParticipants"`
	ClearCapacity   bool    `json:"clearCapacity"`
}

// RegistrationResponse is returned to the caller after a successful
// submission or retrieval. QRValue is the encoded TokenPayload.
type RegistrationResponse struct {
	Registration *Registration `json:"registration"`
	Payload      TokenPayload  `json:"payload"`
	QRValue      string        `json:"qrValue"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	// ExistingRegistrationID is set when the caller is already registered.
	ExistingRegistrationID string `json:"existingRegistrationId,omitempty"`
}
