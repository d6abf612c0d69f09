// Package capacity implements admission control for events.
//
// The guard never locks anything itself. It operates on a Ledger handed out
// by a store inside an event-scoped transaction, so the membership check and
// the membership write are applied as one unit relative to any other
// admission against the same event.
package capacity

import (
	"context"
	"fmt"
)

// Admission is the outcome of TryAdmit.
type Admission int

const (
	Admitted Admission = iota + 1
	AlreadyAdmitted
	Full
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case AlreadyAdmitted:
		return "already_admitted"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

// ReleaseOutcome is the outcome of Release.
type ReleaseOutcome int

const (
	Released ReleaseOutcome = iota + 1
	NotAdmitted
)

func (r ReleaseOutcome) String() string {
	switch r {
	case Released:
		return "released"
	case NotAdmitted:
		return "not_admitted"
	default:
		return "unknown"
	}
}

// Ledger is the occupancy of a single event, locked for the duration of the
// enclosing store transaction.
type Ledger interface {
	// Limit returns the declared capacity, or nil when unbounded.
	Limit() *int
	Contains(ctx context.Context, identity string) (bool, error)
	Count(ctx context.Context) (int, error)
	Add(ctx context.Context, identity string) error
	Remove(ctx context.Context, identity string) error
}

// TryAdmit adds identity to the ledger if there is room. Admitting an
// identity twice is a no-op reporting AlreadyAdmitted.
//
// Capacity is compared against the current occupancy, so an event whose
// capacity was lowered below its occupancy keeps existing members and
// rejects newcomers until enough places are released.
func TryAdmit(ctx context.Context, l Ledger, identity string) (Admission, error) {
	in, err := l.Contains(ctx, identity)
	if err != nil {
		return 0, fmt.Errorf("check occupancy: %w", err)
	}
	if in {
		return AlreadyAdmitted, nil
	}

	if limit := l.Limit(); limit != nil {
		n, err := l.Count(ctx)
		if err != nil {
			return 0, fmt.Errorf("count occupancy: %w", err)
		}
		if n >= *limit {
			return Full, nil
		}
	}

	if err := l.Add(ctx, identity); err != nil {
		return 0, fmt.Errorf("add to occupancy: %w", err)
	}
	return Admitted, nil
}

// Release removes identity from the ledger. Releasing an identity that is
// not present is a no-op reporting NotAdmitted.
func Release(ctx context.Context, l Ledger, identity string) (ReleaseOutcome, error) {
	in, err := l.Contains(ctx, identity)
	if err != nil {
		return 0, fmt.Errorf("check occupancy: %w", err)
	}
	if !in {
		return NotAdmitted, nil
	}
	if err := l.Remove(ctx, identity); err != nil {
		return 0, fmt.Errorf("remove from occupancy: %w", err)
	}
	return Released, nil
}
