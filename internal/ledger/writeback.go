package ledger

import (
	"context"
	"log/slog"

	"github.com/usermicrodevices/prod/internal/catalog"
)

// CatalogPort is the slice of the catalog the ledger reads and writes.
type CatalogPort interface {
	GetProduct(ctx context.Context, id int64) (catalog.Product, error)
	GetCompany(ctx context.Context, id int64) (catalog.Company, error)
	UpdateReference(ctx context.Context, productID int64, upd catalog.ReferenceUpdate) error
}

type postingHistory interface {
	LatestPosting(ctx context.Context, productID int64) (PostingMark, bool, error)
}

// WriteBack copies a newly posted record's cost and price onto the product reference
// when the record's document is the latest posting for that product.
type WriteBack struct {
	enabled bool
	catalog CatalogPort
	history postingHistory
	logger  *slog.Logger
	metrics Metrics
}

// NewWriteBack builds the policy. When enabled is false Apply is a no-op.
func NewWriteBack(enabled bool, catalog CatalogPort, history postingHistory, logger *slog.Logger, metrics Metrics) *WriteBack {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &WriteBack{enabled: enabled, catalog: catalog, history: history, logger: logger, metrics: metrics}
}

// Apply runs the policy for rec and reports whether the product changed. Zero record
// values never overwrite the reference.
func (w *WriteBack) Apply(ctx context.Context, doc Document, rec Record) (bool, error) {
	if w == nil || !w.enabled {
		return false, nil
	}
	product, err := w.catalog.GetProduct(ctx, rec.ProductID)
	if err != nil {
		w.metrics.WriteBack("error")
		return false, err
	}
	upd := catalog.ReferenceUpdate{}
	if !rec.Cost.IsZero() && !rec.Cost.Equal(product.Cost) {
		cost := rec.Cost
		upd.Cost = &cost
	}
	if !rec.Price.IsZero() && !rec.Price.Equal(product.Price) {
		price := rec.Price
		upd.Price = &price
	}
	if upd.Empty() {
		w.metrics.WriteBack("unchanged")
		return false, nil
	}

	latest, ok, err := w.history.LatestPosting(ctx, rec.ProductID)
	if err != nil {
		w.metrics.WriteBack("error")
		return false, err
	}
	if ok && latest.DocumentID != doc.ID {
		w.metrics.WriteBack("stale")
		return false, nil
	}

	if err := w.catalog.UpdateReference(ctx, rec.ProductID, upd); err != nil {
		w.metrics.WriteBack("error")
		return false, err
	}
	w.metrics.WriteBack("updated")
	w.logger.Info("product reference updated",
		slog.Int64("product_id", rec.ProductID),
		slog.Int64("document_id", doc.ID),
		slog.Int64("record_id", rec.ID))
	return true, nil
}
