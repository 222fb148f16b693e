package activity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateActivity means the session was already logged.
var ErrDuplicateActivity = errors.New("duplicate activity")

// execer is the part of a pgx pool the store needs.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const createActivities = `CREATE TABLE IF NOT EXISTS call_activities (
	session_id       TEXT PRIMARY KEY,
	phone_number     TEXT NOT NULL,
	direction        TEXT NOT NULL,
	duration_seconds BIGINT NOT NULL,
	start_time       TIMESTAMPTZ NOT NULL,
	end_time         TIMESTAMPTZ NOT NULL,
	status           TEXT NOT NULL,
	failure_reason   TEXT NOT NULL DEFAULT '',
	logged_at        TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const insertActivity = `INSERT INTO call_activities
	(session_id, phone_number, direction, duration_seconds, start_time, end_time, status, failure_reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id) DO NOTHING`

// PostgresStore persists activities in the call_activities table.
type PostgresStore struct {
	db execer
}

// NewPostgresStore wraps a pgx pool (or anything with its Exec).
func NewPostgresStore(db execer) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects a pool and checks it with a ping.
func OpenPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return pool, nil
}

// Migrate creates the table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createActivities); err != nil {
		return fmt.Errorf("create call_activities: %w", err)
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, a Activity) error {
	tag, err := s.db.Exec(ctx, insertActivity,
		a.SessionID,
		a.PhoneNumber,
		string(a.Direction),
		a.Duration,
		a.StartTime,
		a.EndTime,
		string(a.Status),
		a.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("insert activity %s: %w", a.SessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateActivity, a.SessionID)
	}
	return nil
}
