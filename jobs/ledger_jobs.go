package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/usermicrodevices/prod/internal/jobs"
)

// LedgerRunner is the part of the ledger service driven by background jobs.
type LedgerRunner interface {
	RegisterDocuments(ctx context.Context, ids []int64) (int, error)
	UnregisterDocuments(ctx context.Context, ids []int64) (int, error)
	ResetCache(ctx context.Context) error
}

// LedgerJobs handles batch posting and cache maintenance tasks.
type LedgerJobs struct {
	Ledger  LedgerRunner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerJobs initialises the ledger task handlers.
func NewLedgerJobs(ledger LedgerRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerJobs {
	return &LedgerJobs{Ledger: ledger, Logger: logger, Metrics: metrics}
}

// Handlers returns the task handlers to install on the worker mux.
func (j *LedgerJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskLedgerRegister, Handler: j.HandleRegister},
		{Type: TaskLedgerUnregister, Handler: j.HandleUnregister},
		{Type: TaskStockReset, Handler: j.HandleStockReset},
	}
}

// HandleRegister posts the documents listed in the payload.
func (j *LedgerJobs) HandleRegister(ctx context.Context, t *asynq.Task) error {
	return j.posting(ctx, t, TaskLedgerRegister, j.Ledger.RegisterDocuments)
}

// HandleUnregister removes the postings of the documents listed in the payload.
func (j *LedgerJobs) HandleUnregister(ctx context.Context, t *asynq.Task) error {
	return j.posting(ctx, t, TaskLedgerUnregister, j.Ledger.UnregisterDocuments)
}

func (j *LedgerJobs) posting(ctx context.Context, t *asynq.Task, job string, run func(context.Context, []int64) (int, error)) (resultErr error) {
	if j == nil || j.Ledger == nil {
		return errors.New("ledger jobs: handler not configured")
	}
	var payload PostingPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if len(payload.DocumentIDs) == 0 {
		return nil
	}

	tracker := j.Metrics.Track(job)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	logger := j.logger().With(slog.String("task", job), slog.Int("documents", len(payload.DocumentIDs)))
	updated, err := run(ctx, payload.DocumentIDs)
	if err != nil {
		logger.Error("batch failed", slog.Int("updated", updated), slog.Any("error", err))
		return err
	}
	j.Metrics.AddDocuments(job, len(payload.DocumentIDs), updated)
	logger.Info("batch completed", slog.Int("updated", updated), slog.Duration("duration", time.Since(start)))
	return nil
}

// HandleStockReset flushes the on-hand cache.
func (j *LedgerJobs) HandleStockReset(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Ledger == nil {
		return errors.New("ledger jobs: handler not configured")
	}
	var payload StockResetPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.Metrics.Track(TaskStockReset)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	if err := j.Ledger.ResetCache(ctx); err != nil {
		j.logger().Error("stock reset failed", slog.Any("error", err))
		return err
	}
	return nil
}

func (j *LedgerJobs) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
