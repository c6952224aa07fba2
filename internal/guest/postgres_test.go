package guest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeDB struct {
	row     fakeRow
	execErr error

	queries []string
	args    [][]any
	execs   []string
}

func (db *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.queries = append(db.queries, sql)
	db.args = append(db.args, args)
	return db.row
}

func (db *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	db.execs = append(db.execs, sql)
	return pgconn.CommandTag{}, db.execErr
}

func TestPostgresLookup_ContextForCaller(t *testing.T) {
	t.Parallel()

	db := &fakeDB{row: fakeRow{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "prop-1"
		*(dest[1].(*string)) = "Seaside Cottage"
		*(dest[2].(*string)) = "Gate code is 4321."
		*(dest[3].(*string)) = "Alex"
		return nil
	}}}
	lookup := NewPostgresLookup(db)

	pc, err := lookup.ContextForCaller(context.Background(), "+15550100")
	if err != nil {
		t.Fatalf("ContextForCaller: %v", err)
	}
	if pc.PropertyID != "prop-1" || pc.PropertyName != "Seaside Cottage" ||
		pc.GuestName != "Alex" || pc.Prompt != "Gate code is 4321." {
		t.Errorf("context = %+v", pc)
	}

	if len(db.args) != 1 || len(db.args[0]) != 1 || db.args[0][0] != "+15550100" {
		t.Errorf("query args = %v; want the caller number", db.args)
	}
	if !strings.Contains(db.queries[0], "CURRENT_DATE") {
		t.Error("query does not restrict reservations to the current stay")
	}
}

func TestPostgresLookup_NoReservationIsNotAnError(t *testing.T) {
	t.Parallel()

	db := &fakeDB{row: fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}}
	lookup := NewPostgresLookup(db)

	pc, err := lookup.ContextForCaller(context.Background(), "+15550199")
	if err != nil {
		t.Fatalf("unknown caller should yield nil error, got: %v", err)
	}
	if !pc.Empty() {
		t.Errorf("context = %+v; want empty", pc)
	}
}

func TestPostgresLookup_StoreFailureSurfaces(t *testing.T) {
	t.Parallel()

	db := &fakeDB{row: fakeRow{scan: func(...any) error { return errors.New("connection reset") }}}
	lookup := NewPostgresLookup(db)

	_, err := lookup.ContextForCaller(context.Background(), "+15550100")
	if err == nil {
		t.Fatal("expected error when the store is unreachable, got nil")
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("error should wrap the cause, got: %v", err)
	}
}

func TestPostgresLookup_Migrate(t *testing.T) {
	t.Parallel()

	db := &fakeDB{}
	if err := NewPostgresLookup(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0], "CREATE TABLE") {
		t.Errorf("execs = %v; want the schema DDL", db.execs)
	}

	db.execErr = errors.New("permission denied")
	if err := NewPostgresLookup(db).Migrate(context.Background()); err == nil {
		t.Fatal("expected migrate error, got nil")
	}
}
