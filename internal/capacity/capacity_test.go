package capacity

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type setLedger struct {
	limit   *int
	members map[string]bool
	failAdd error
}

func newSetLedger(limit *int, members ...string) *setLedger {
	l := &setLedger{limit: limit, members: map[string]bool{}}
	for _, m := range members {
		l.members[m] = true
	}
	return l
}

func (l *setLedger) Limit() *int { return l.limit }

func (l *setLedger) Contains(_ context.Context, id string) (bool, error) {
	return l.members[id], nil
}

func (l *setLedger) Count(context.Context) (int, error) { return len(l.members), nil }

func (l *setLedger) Add(_ context.Context, id string) error {
	if l.failAdd != nil {
		return l.failAdd
	}
	l.members[id] = true
	return nil
}

func (l *setLedger) Remove(_ context.Context, id string) error {
	delete(l.members, id)
	return nil
}

func intPtr(n int) *int { return &n }

func TestTryAdmit(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		ledger   *setLedger
		identity string
		want     Admission
		size     int
	}{
		{"room left", newSetLedger(intPtr(2), "a"), "b", Admitted, 2},
		{"full", newSetLedger(intPtr(2), "a", "b"), "c", Full, 2},
		{"already admitted when full", newSetLedger(intPtr(2), "a", "b"), "a", AlreadyAdmitted, 2},
		{"unbounded", newSetLedger(nil, "a", "b", "c"), "d", Admitted, 4},
		{"unbounded repeat", newSetLedger(nil, "a"), "a", AlreadyAdmitted, 1},
		{"capacity lowered below occupancy", newSetLedger(intPtr(1), "a", "b"), "c", Full, 2},
		{"zero capacity", newSetLedger(intPtr(0)), "a", Full, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TryAdmit(ctx, tt.ledger, tt.identity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Len(t, tt.ledger.members, tt.size)
		})
	}
}

func TestTryAdmitPropagatesLedgerError(t *testing.T) {
	l := newSetLedger(nil)
	l.failAdd = errors.New("boom")

	_, err := TryAdmit(context.Background(), l, "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, l.failAdd)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	l := newSetLedger(intPtr(1), "a")

	got, err := Release(ctx, l, "a")
	require.NoError(t, err)
	assert.Equal(t, Released, got)

	got, err = Release(ctx, l, "a")
	require.NoError(t, err)
	assert.Equal(t, NotAdmitted, got)
	assert.Empty(t, l.members)
}

func TestOutcomeStrings(t *testing.T) {
	tests := []struct {
		outcome fmt.Stringer
		want    string
	}{
		{Admitted, "admitted"},
		{AlreadyAdmitted, "already_admitted"},
		{Full, "full"},
		{Admission(0), "unknown"},
		{Released, "released"},
		{NotAdmitted, "not_admitted"},
		{ReleaseOutcome(0), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.outcome.String())
	}
}
