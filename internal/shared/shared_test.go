package shared

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	execErr error
	execSQL []string
	row     fakeRow
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return f.row }

type fakeRow struct {
	ref *string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(**string)) = r.ref
	return nil
}

func TestIdempotencyConflict(t *testing.T) {
	db := &fakeDB{execErr: &pgconn.PgError{Code: PgUniqueViolation}}
	store := NewIdempotencyStore(db)

	err := store.CheckAndInsert(context.Background(), "k", "ledger.documents")
	require.ErrorIs(t, err, ErrIdempotencyConflict)

	db.execErr = errors.New("boom")
	err = store.CheckAndInsert(context.Background(), "k", "ledger.documents")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIdempotencyConflict)

	require.Error(t, store.CheckAndInsert(context.Background(), "", "ledger.documents"))
}

func TestIdempotencyLookup(t *testing.T) {
	ref := "42"
	store := NewIdempotencyStore(&fakeDB{row: fakeRow{ref: &ref}})
	got, err := store.Lookup(context.Background(), "k", "m")
	require.NoError(t, err)
	assert.Equal(t, "42", got)

	store = NewIdempotencyStore(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}})
	_, err = store.Lookup(context.Background(), "k", "m")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAuditRequiresFields(t *testing.T) {
	db := &fakeDB{}
	logger := NewAuditLogger(db)
	require.Error(t, logger.Record(context.Background(), AuditLog{Action: "create"}))
	require.NoError(t, logger.Record(context.Background(), AuditLog{Action: "create", Entity: "document", EntityID: "1"}))
	assert.Len(t, db.execSQL, 1)
}

func TestPagination(t *testing.T) {
	p := NewPagination(0, 0, 45)
	assert.Equal(t, Pagination{Page: 1, PerPage: 20, Total: 45, TotalPages: 3}, p)
	assert.Equal(t, 0, p.Offset())

	p = NewPagination(3, 1000, 450)
	assert.Equal(t, MaxPerPage, p.PerPage)
	assert.Equal(t, 400, p.Offset())
}

func TestPgErrorCode(t *testing.T) {
	wrapped := errors.Join(errors.New("ctx"), &pgconn.PgError{Code: PgForeignKeyViolation})
	assert.True(t, IsForeignKeyViolation(wrapped))
	assert.False(t, IsUniqueViolation(wrapped))
	assert.Equal(t, "", PgErrorCode(errors.New("plain")))
	assert.Equal(t, "ledger:document:7:lock", DocumentLockKey(7))
}
