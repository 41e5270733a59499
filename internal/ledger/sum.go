package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// sumScale matches the NUMERIC(15,3) sum_final column; sums are rounded before they
// are stored or reported.
const sumScale = 3

// applyRecordToSum updates doc.SumFinal for a newly inserted record and returns the
// new value. A zero sum triggers a full recompute; otherwise the record contribution
// is added when both its basis and count are non-zero. Explicit sums are left alone.
func applyRecordToSum(ctx context.Context, tx TxRepository, doc Document, typ DocumentType, rec Record) (decimal.Decimal, error) {
	if doc.SumExplicit {
		return doc.SumFinal, nil
	}
	if doc.SumFinal.IsZero() {
		return recomputeSum(ctx, tx, doc, typ)
	}
	basis := rec.Basis(typ.Income)
	if basis.IsZero() || rec.Count.IsZero() {
		return doc.SumFinal, nil
	}
	sum := doc.SumFinal.Add(basis.Mul(rec.Count)).Round(sumScale)
	if err := tx.UpdateDocumentSum(ctx, doc.ID, sum, false); err != nil {
		return doc.SumFinal, err
	}
	return sum, nil
}

// recomputeSum sets sum_final to the aggregate over all records and clears the
// explicit flag.
func recomputeSum(ctx context.Context, tx TxRepository, doc Document, typ DocumentType) (decimal.Decimal, error) {
	totals, err := tx.DocumentTotals(ctx, doc.ID)
	if err != nil {
		return doc.SumFinal, err
	}
	sum := totals.For(typ.Income).Round(sumScale)
	if sum.Equal(doc.SumFinal) && !doc.SumExplicit {
		return sum, nil
	}
	if err := tx.UpdateDocumentSum(ctx, doc.ID, sum, false); err != nil {
		return doc.SumFinal, err
	}
	return sum, nil
}
