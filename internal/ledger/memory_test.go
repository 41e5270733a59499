package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySavepointUndoesOnlyItsWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	boom := errors.New("boom")

	var docID int64
	err := store.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		typ, err := tx.InsertType(ctx, DocumentType{Alias: "receipt", Name: "Receipt", Income: true, AutoRegister: true})
		require.NoError(t, err)
		doc, err := tx.InsertDocument(ctx, Document{TypeID: typ.ID, RegisteredAt: time.Now().UTC()})
		require.NoError(t, err)
		docID = doc.ID
		rec, err := tx.InsertRecord(ctx, Record{DocumentID: doc.ID, ProductID: 7, Count: dec("2")})
		require.NoError(t, err)

		err = tx.Savepoint(ctx, func(ctx context.Context, tx TxRepository) error {
			_, err := tx.InsertRegister(ctx, rec.ID)
			require.NoError(t, err)
			require.NoError(t, tx.UpdateDocumentSum(ctx, doc.ID, dec("9"), true))
			require.NoError(t, tx.Savepoint(ctx, func(ctx context.Context, tx TxRepository) error {
				_, err := tx.InsertRecord(ctx, Record{DocumentID: doc.ID, ProductID: 8, Count: dec("1")})
				return err
			}))
			return boom
		})
		require.ErrorIs(t, err, boom)

		posted, err := tx.RegisteredRecordIDs(ctx, doc.ID)
		require.NoError(t, err)
		assert.Empty(t, posted)
		got, err := tx.GetDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.True(t, got.SumFinal.IsZero())
		assert.False(t, got.SumExplicit)
		recs, err := tx.RecordsByDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.Len(t, recs, 1)

		return tx.Savepoint(ctx, func(ctx context.Context, tx TxRepository) error {
			_, err := tx.InsertRegister(ctx, rec.ID)
			return err
		})
	})
	require.NoError(t, err)

	posted, err := store.RegisteredRecordIDs(ctx, docID)
	require.NoError(t, err)
	assert.Len(t, posted, 1)

	err = store.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		products, err := tx.DeleteDocument(ctx, docID)
		require.NoError(t, err)
		assert.Equal(t, []int64{7}, products)
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = store.GetDocument(ctx, docID)
	require.NoError(t, err, "failed transaction leaves committed state untouched")
}
