package guest

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the tables [PostgresLookup] reads. The web
// application owns these tables in production; the DDL ships here so that
// integration environments can be stood up without it.
const Schema = `
CREATE TABLE IF NOT EXISTS properties (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    prompt_notes  TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS reservations (
    id            TEXT PRIMARY KEY,
    property_id   TEXT NOT NULL REFERENCES properties(id),
    guest_name    TEXT NOT NULL,
    guest_phone   TEXT NOT NULL,
    check_in      DATE NOT NULL,
    check_out     DATE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_guest_phone ON reservations(guest_phone);
`

// DB is the database interface used by [PostgresLookup]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresLookup resolves caller context from the reservations database.
type PostgresLookup struct {
	db DB
}

var _ ContextLookup = (*PostgresLookup)(nil)

// NewPostgresLookup creates a lookup backed by the given connection or pool.
func NewPostgresLookup(db DB) *PostgresLookup {
	return &PostgresLookup{db: db}
}

// Migrate executes [Schema] against the database.
func (l *PostgresLookup) Migrate(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("guest: migrate: %w", err)
	}
	return nil
}

// ContextForCaller implements [ContextLookup]. It matches the caller's number
// against a reservation whose stay covers today, preferring the most recent
// check-in when several match.
func (l *PostgresLookup) ContextForCaller(ctx context.Context, phoneNumber string) (PropertyContext, error) {
	const q = `
SELECT p.id, p.name, p.prompt_notes, r.guest_name
FROM reservations r
JOIN properties p ON p.id = r.property_id
WHERE r.guest_phone = $1
  AND r.check_in <= CURRENT_DATE
  AND r.check_out >= CURRENT_DATE
ORDER BY r.check_in DESC
LIMIT 1`

	var pc PropertyContext
	err := l.db.QueryRow(ctx, q, phoneNumber).Scan(
		&pc.PropertyID, &pc.PropertyName, &pc.Prompt, &pc.GuestName,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return PropertyContext{}, nil
	}
	if err != nil {
		return PropertyContext{}, fmt.Errorf("guest: lookup caller %s: %w", phoneNumber, err)
	}
	return pc, nil
}
