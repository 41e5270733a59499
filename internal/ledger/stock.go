package ledger

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

type quantitySource interface {
	PostedQuantity(ctx context.Context, productID int64) (Movement, error)
}

// StockEngine answers on-hand quantities from the ledger through an advisory cache.
type StockEngine struct {
	source  quantitySource
	cache   StockCache
	logger  *slog.Logger
	metrics Metrics
	group   singleflight.Group
}

// NewStockEngine builds the engine. A nil cache disables memoisation.
func NewStockEngine(source quantitySource, cache StockCache, logger *slog.Logger, metrics Metrics) *StockEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &StockEngine{source: source, cache: cache, logger: logger, metrics: metrics}
}

// OnHand returns posted income counts minus posted expense counts for the product.
func (e *StockEngine) OnHand(ctx context.Context, productID int64) (decimal.Decimal, error) {
	if e.cache == nil {
		return e.compute(ctx, productID)
	}
	token, err := e.cache.Token(ctx, productID)
	if err != nil {
		e.logger.Warn("stock cache unavailable", slog.Int64("product_id", productID), slog.Any("error", err))
		e.metrics.StockCache("error")
		return e.compute(ctx, productID)
	}
	if v, ok, err := e.cache.Get(ctx, token); err != nil {
		e.logger.Warn("stock cache read failed", slog.Int64("product_id", productID), slog.Any("error", err))
		e.metrics.StockCache("error")
	} else if ok {
		e.metrics.StockCache("hit")
		return v, nil
	}
	e.metrics.StockCache("miss")

	v, err, _ := e.group.Do(token, func() (any, error) {
		onHand, err := e.compute(ctx, productID)
		if err != nil {
			return nil, err
		}
		if err := e.cache.Set(ctx, token, onHand); err != nil {
			e.logger.Warn("stock cache write failed", slog.Int64("product_id", productID), slog.Any("error", err))
		}
		return onHand, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

func (e *StockEngine) compute(ctx context.Context, productID int64) (decimal.Decimal, error) {
	mv, err := e.source.PostedQuantity(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return mv.OnHand(), nil
}

// Invalidate drops cached quantities for the products. When per-product invalidation
// fails the whole cache is reset so no stale entry survives.
func (e *StockEngine) Invalidate(ctx context.Context, productIDs ...int64) error {
	if e.cache == nil || len(productIDs) == 0 {
		return nil
	}
	err := e.cache.Invalidate(ctx, productIDs...)
	if err == nil {
		return nil
	}
	e.logger.Error("stock cache invalidate failed, resetting", slog.Any("product_ids", productIDs), slog.Any("error", err))
	if rerr := e.cache.Reset(ctx); rerr != nil {
		return rerr
	}
	return nil
}

// Reset clears every cached quantity.
func (e *StockEngine) Reset(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Reset(ctx)
}
