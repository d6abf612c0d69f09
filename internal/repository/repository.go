// Package repository implements persistence for events, occupancy and
// registrations. PostgresStore uses pgx directly (no ORM); MemoryStore
// backs tests and single-process deployments.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/campus-event-pass/internal/capacity"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/model"
)

const (
	pgUniqueViolation = "23505"

	oneConfirmedIndex = "registrations_one_confirmed"
)

const eventColumns = `e.id, e.title, e.date, e.start_time, e.end_time, e.venue, e.category,
	e.description, e.max_participants, e.created_at,
	COALESCE(array_agg(o.user_id ORDER BY o.user_id) FILTER (WHERE o.user_id IS NOT NULL), '{}')`

const registrationColumns = `id, unique_token, user_id, user_email, event_id, event_title, event_date,
	event_time, event_venue, full_name, student_id, phone, department, year, verification_code,
	registered_at, registered_at_epoch_ms, checked_in, checked_in_at, status, cancelled_at`

// PostgresStore is the Store backed by PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateEvent inserts a new event with an empty occupancy.
func (r *PostgresStore) CreateEvent(ctx context.Context, event *model.Event) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO events (id, title, date, start_time, end_time, venue, category, description, max_participants, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.Title, event.Date, event.StartTime, event.EndTime, event.Venue,
		event.Category, event.Description, event.MaxParticipants, event.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("insert event %s: %w", event.ID, ErrDuplicateID)
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// UpdateEvent edits catalog fields while holding the event row lock, so an
// edit never interleaves with an admission decision.
func (r *PostgresStore) UpdateEvent(ctx context.Context, id string, edit func(*model.Event) error) (*model.Event, error) {
	var out *model.Event
	err := r.WithEventLock(ctx, id, func(ctx context.Context, etx EventTx) error {
		tx := etx.(*pgEventTx)
		edited := tx.event
		if err := edit(&edited); err != nil {
			return err
		}
		_, err := tx.tx.Exec(ctx,
			`UPDATE events
			 SET title = $2, date = $3, start_time = $4, end_time = $5, venue = $6,
			     category = $7, description = $8, max_participants = $9
			 WHERE id = $1`,
			id, edited.Title, edited.Date, edited.StartTime, edited.EndTime, edited.Venue,
			edited.Category, edited.Description, edited.MaxParticipants,
		)
		if err != nil {
			return fmt.Errorf("update event: %w", err)
		}
		edited.ID = tx.event.ID
		edited.CreatedAt = tx.event.CreatedAt
		edited.RegisteredUsers = tx.event.RegisteredUsers
		out = &edited
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListEvents returns all events ordered by creation time descending.
func (r *PostgresStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM events e
		 LEFT JOIN event_occupancy o ON o.event_id = e.id
		 GROUP BY e.id
		 ORDER BY e.created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// GetEvent returns a single event or ErrNotFound.
func (r *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(r.db.QueryRow(ctx,
		`SELECT `+eventColumns+`
		 FROM events e
		 LEFT JOIN event_occupancy o ON o.event_id = e.id
		 WHERE e.id = $1
		 GROUP BY e.id`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

func (r *PostgresStore) GetRegistration(ctx context.Context, id string) (*model.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get registration: %w", err)
	}
	return reg, nil
}

func (r *PostgresStore) FindConfirmed(ctx context.Context, userID, eventID string) (*model.Registration, error) {
	return findConfirmed(ctx, r.db, userID, eventID)
}

func (r *PostgresStore) ListConfirmedByUser(ctx context.Context, userID string) ([]model.Registration, error) {
	return queryRegistrations(ctx, r.db,
		`SELECT `+registrationColumns+`
		 FROM registrations
		 WHERE user_id = $1 AND status = 'confirmed'
		 ORDER BY registered_at DESC`,
		userID,
	)
}

// ListByEvent returns all registrations for a given event, cancelled ones included.
func (r *PostgresStore) ListByEvent(ctx context.Context, eventID string) ([]model.Registration, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, eventID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check event: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return queryRegistrations(ctx, r.db,
		`SELECT `+registrationColumns+`
		 FROM registrations
		 WHERE event_id = $1
		 ORDER BY registered_at ASC`,
		eventID,
	)
}

// MarkCheckedIn flips checked_in for a confirmed registration in a single
// conditional update; the follow-up read only explains a miss.
func (r *PostgresStore) MarkCheckedIn(ctx context.Context, registrationID string, at time.Time) (*model.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRow(ctx,
		`UPDATE registrations
		 SET checked_in = TRUE, checked_in_at = $2
		 WHERE id = $1 AND status = 'confirmed' AND NOT checked_in
		 RETURNING `+registrationColumns,
		registrationID, at.UTC(),
	))
	if err == nil {
		return reg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check in registration: %w", err)
	}

	current, err := r.GetRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if !current.Confirmed() {
		return nil, ErrNotRegistered
	}
	return nil, ErrAlreadyCheckedIn
}

// WithEventLock runs fn inside a transaction that holds the event row lock.
//
// ─────────────────────────────────────────────────────────────────────────────
// RACE CONDITION EXPLAINED
// ─────────────────────────────────────────────────────────────────────────────
//
// Naive read-then-write approach (BROKEN):
//
//	caller A: SELECT count(*) FROM event_occupancy WHERE event_id = X  → 1
//	caller B: SELECT count(*) FROM event_occupancy WHERE event_id = X  → 1
//	caller A: capacity=2, 1 < 2, OK → INSERT occupancy, INSERT registration
//	caller B: capacity=2, 1 < 2, OK → INSERT occupancy, INSERT registration
//	Result: 3 holders of a 2-place event.
//
// The same race lets one user's doubled submit produce two confirmed
// registrations: both attempts see "no confirmed registration" before
// either writes.
//
// SOLUTION: SELECT … FOR UPDATE on the event row
//
//	Every occupancy change for an event starts by locking its row. A second
//	transaction blocks on the same SELECT until the first COMMITs or
//	ROLLBACKs, so the duplicate check, the capacity check and both inserts
//	are decided against committed state. The partial unique index
//	registrations_one_confirmed backs the duplicate rule at the schema level.
//
// ─────────────────────────────────────────────────────────────────────────────
func (r *PostgresStore) WithEventLock(ctx context.Context, eventID string, fn func(ctx context.Context, tx EventTx) error) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var e model.Event
	err = tx.QueryRow(ctx,
		`SELECT id, title, date, start_time, end_time, venue, category, description, max_participants, created_at
		 FROM events
		 WHERE id = $1
		 FOR UPDATE`,
		eventID,
	).Scan(&e.ID, &e.Title, &e.Date, &e.StartTime, &e.EndTime, &e.Venue, &e.Category,
		&e.Description, &e.MaxParticipants, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock event row: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT user_id FROM event_occupancy WHERE event_id = $1 ORDER BY user_id`, eventID)
	if err != nil {
		return fmt.Errorf("load occupancy: %w", err)
	}
	e.RegisteredUsers, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("scan occupancy: %w", err)
	}

	// Timestamps come from the database clock, read under the row lock, so
	// every instance stamps an event's registrations in lock order.
	var now time.Time
	err = tx.QueryRow(ctx,
		`SELECT GREATEST(
		     clock_timestamp(),
		     (SELECT max(t) + interval '1 microsecond'
		      FROM (SELECT registered_at AS t FROM registrations WHERE event_id = $1
		            UNION ALL
		            SELECT cancelled_at FROM registrations WHERE event_id = $1) AS stamps))`,
		eventID,
	).Scan(&now)
	if err != nil {
		return fmt.Errorf("read store clock: %w", err)
	}

	if err = fn(ctx, &pgEventTx{tx: tx, event: e, now: now.UTC().Truncate(time.Microsecond)}); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgEventTx struct {
	tx    pgx.Tx
	event model.Event
	now   time.Time
	ticks int
}

func (t *pgEventTx) Event() model.Event { return t.event }

func (t *pgEventTx) Occupancy() capacity.Ledger { return (*pgLedger)(t) }

func (t *pgEventTx) Now() time.Time {
	at := t.now.Add(time.Duration(t.ticks) * time.Microsecond)
	t.ticks++
	return at
}

func (t *pgEventTx) FindConfirmed(ctx context.Context, userID string) (*model.Registration, error) {
	return findConfirmed(ctx, t.tx, userID, t.event.ID)
}

func (t *pgEventTx) InsertRegistration(ctx context.Context, reg *model.Registration) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO registrations (`+registrationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		reg.ID, reg.UniqueToken, reg.UserID, reg.UserEmail, reg.EventID, reg.EventTitle, reg.EventDate,
		reg.EventTime, reg.EventVenue, reg.FullName, reg.StudentID, reg.Phone, reg.Department, reg.Year,
		reg.VerificationCode, reg.RegisteredAt, reg.RegisteredAtEpochMs, reg.CheckedIn, reg.CheckedInAt,
		string(reg.Status), reg.CancelledAt,
	)
	if err != nil {
		switch {
		case isUniqueViolation(err, oneConfirmedIndex):
			return ErrAlreadyRegistered
		case isUniqueViolation(err, ""):
			return fmt.Errorf("insert registration %s: %w", reg.ID, ErrDuplicateID)
		}
		return fmt.Errorf("insert registration: %w", err)
	}
	return nil
}

func (t *pgEventTx) CancelRegistration(ctx context.Context, registrationID string, at time.Time) error {
	var status string
	err := t.tx.QueryRow(ctx,
		`SELECT status FROM registrations WHERE id = $1 AND event_id = $2 FOR UPDATE`,
		registrationID, t.event.ID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock registration: %w", err)
	}
	if model.Status(status) != model.StatusConfirmed {
		return ErrNotRegistered
	}
	_, err = t.tx.Exec(ctx,
		`UPDATE registrations SET status = 'cancelled', cancelled_at = $2 WHERE id = $1`,
		registrationID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("cancel registration: %w", err)
	}
	return nil
}

// pgLedger reads and writes event_occupancy rows; the event row lock held
// by the enclosing transaction makes count-then-insert safe.
type pgLedger pgEventTx

func (l *pgLedger) Limit() *int { return l.event.MaxParticipants }

func (l *pgLedger) Contains(ctx context.Context, identity string) (bool, error) {
	var in bool
	err := l.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM event_occupancy WHERE event_id = $1 AND user_id = $2)`,
		l.event.ID, identity,
	).Scan(&in)
	return in, err
}

func (l *pgLedger) Count(ctx context.Context) (int, error) {
	var n int
	err := l.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM event_occupancy WHERE event_id = $1`, l.event.ID,
	).Scan(&n)
	return n, err
}

func (l *pgLedger) Add(ctx context.Context, identity string) error {
	_, err := l.tx.Exec(ctx,
		`INSERT INTO event_occupancy (event_id, user_id) VALUES ($1, $2)`, l.event.ID, identity)
	return err
}

func (l *pgLedger) Remove(ctx context.Context, identity string) error {
	_, err := l.tx.Exec(ctx,
		`DELETE FROM event_occupancy WHERE event_id = $1 AND user_id = $2`, l.event.ID, identity)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findConfirmed(ctx context.Context, q querier, userID, eventID string) (*model.Registration, error) {
	reg, err := scanRegistration(q.QueryRow(ctx,
		`SELECT `+registrationColumns+`
		 FROM registrations
		 WHERE user_id = $1 AND event_id = $2 AND status = 'confirmed'`,
		userID, eventID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find confirmed registration: %w", err)
	}
	return reg, nil
}

func queryRegistrations(ctx context.Context, q querier, sql string, args ...any) ([]model.Registration, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	var regs []model.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		regs = append(regs, *reg)
	}
	return regs, rows.Err()
}

func scanEvent(row pgx.Row) (*model.Event, error) {
	var e model.Event
	err := row.Scan(&e.ID, &e.Title, &e.Date, &e.StartTime, &e.EndTime, &e.Venue, &e.Category,
		&e.Description, &e.MaxParticipants, &e.CreatedAt, &e.RegisteredUsers)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanRegistration(row pgx.Row) (*model.Registration, error) {
	var (
		reg    model.Registration
		status string
	)
	err := row.Scan(&reg.ID, &reg.UniqueToken, &reg.UserID, &reg.UserEmail, &reg.EventID, &reg.EventTitle,
		&reg.EventDate, &reg.EventTime, &reg.EventVenue, &reg.FullName, &reg.StudentID, &reg.Phone,
		&reg.Department, &reg.Year, &reg.VerificationCode, &reg.RegisteredAt, &reg.RegisteredAtEpochMs,
		&reg.CheckedIn, &reg.CheckedInAt, &status, &reg.CancelledAt)
	if err != nil {
		return nil, err
	}
	reg.Status = model.Status(status)
	return &reg, nil
}

// isUniqueViolation reports a unique_violation, optionally restricted to
// one constraint name.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
