package ledger

import (
	"context"
	"errors"
)

// ensureRegistered posts rec unless it is already posted. The automatic path only
// posts for auto-register types; the explicit path always does. A concurrent
// duplicate is treated as already posted.
func ensureRegistered(ctx context.Context, tx TxRepository, rec Record, typ DocumentType, explicit bool) (bool, error) {
	if !explicit && !typ.AutoRegister {
		return false, nil
	}
	_, err := tx.InsertRegister(ctx, rec.ID)
	if errors.Is(err, ErrAlreadyRegistered) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// postingOutcome reports the effect of a batch step on one document.
type postingOutcome struct {
	changed []Record
	// complete is true when every record ended in the requested state.
	complete bool
	skipped  bool
}

// registerDocument posts every unposted record of an auto-register document.
// Per-record failures are rolled back individually and reported through onError.
func registerDocument(ctx context.Context, tx TxRepository, documentID int64, onError func(Record, error)) (postingOutcome, error) {
	doc, err := tx.GetDocumentForUpdate(ctx, documentID)
	if err != nil {
		return postingOutcome{}, err
	}
	typ, err := tx.GetType(ctx, doc.TypeID)
	if err != nil {
		return postingOutcome{}, err
	}
	if !typ.AutoRegister {
		return postingOutcome{skipped: true}, nil
	}
	records, err := tx.RecordsByDocument(ctx, doc.ID)
	if err != nil {
		return postingOutcome{}, err
	}
	posted, err := tx.RegisteredRecordIDs(ctx, doc.ID)
	if err != nil {
		return postingOutcome{}, err
	}

	out := postingOutcome{}
	registered := len(posted)
	for _, rec := range records {
		if posted[rec.ID] {
			continue
		}
		var created bool
		err := tx.Savepoint(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			created, err = ensureRegistered(ctx, tx, rec, typ, false)
			return err
		})
		if err != nil {
			onError(rec, err)
			continue
		}
		registered++
		if created {
			out.changed = append(out.changed, rec)
		}
	}
	out.complete = registered == len(records)
	return out, nil
}

// unregisterDocument removes every Register of an auto-register document.
func unregisterDocument(ctx context.Context, tx TxRepository, documentID int64) (postingOutcome, error) {
	doc, err := tx.GetDocumentForUpdate(ctx, documentID)
	if err != nil {
		return postingOutcome{}, err
	}
	typ, err := tx.GetType(ctx, doc.TypeID)
	if err != nil {
		return postingOutcome{}, err
	}
	if !typ.AutoRegister {
		return postingOutcome{skipped: true}, nil
	}
	records, err := tx.RecordsByDocument(ctx, doc.ID)
	if err != nil {
		return postingOutcome{}, err
	}
	removed, err := tx.DeleteRegistersByDocument(ctx, doc.ID)
	if err != nil {
		return postingOutcome{}, err
	}
	return postingOutcome{changed: removed, complete: len(removed) == len(records)}, nil
}

func productIDs(records []Record) []int64 {
	seen := make(map[int64]bool, len(records))
	out := make([]int64, 0, len(records))
	for _, r := range records {
		if !seen[r.ProductID] {
			seen[r.ProductID] = true
			out = append(out, r.ProductID)
		}
	}
	return out
}
