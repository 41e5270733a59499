package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/usermicrodevices/prod/internal/jobs"
)

type fakeLedger struct {
	registered   [][]int64
	unregistered [][]int64
	resets       int
	err          error
}

func (f *fakeLedger) RegisterDocuments(_ context.Context, ids []int64) (int, error) {
	f.registered = append(f.registered, ids)
	return len(ids), f.err
}

func (f *fakeLedger) UnregisterDocuments(_ context.Context, ids []int64) (int, error) {
	f.unregistered = append(f.unregistered, ids)
	return len(ids) - 1, f.err
}

func (f *fakeLedger) ResetCache(context.Context) error {
	f.resets++
	return f.err
}

func newLedgerJobs(ledger LedgerRunner) *LedgerJobs {
	return NewLedgerJobs(ledger, slog.New(slog.NewTextHandler(io.Discard, nil)), jobmetrics.NewMetrics(prometheus.NewRegistry()))
}

func TestPostingTaskPayload(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	task, err := NewPostingTask("unregister", []int64{4, 5}, at)
	require.NoError(t, err)
	assert.Equal(t, TaskLedgerUnregister, task.Type())

	var payload PostingPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, []int64{4, 5}, payload.DocumentIDs)
	assert.True(t, payload.RequestedAt.Equal(at))

	_, err = NewPostingTask("archive", []int64{1}, at)
	require.Error(t, err)
	_, err = NewPostingTask("register", nil, at)
	require.Error(t, err)
}

func TestLedgerJobsDispatch(t *testing.T) {
	ledger := &fakeLedger{}
	j := newLedgerJobs(ledger)
	ctx := context.Background()

	task, err := NewPostingTask("register", []int64{1, 2}, time.Now())
	require.NoError(t, err)
	require.NoError(t, j.HandleRegister(ctx, task))
	assert.Equal(t, [][]int64{{1, 2}}, ledger.registered)

	task, err = NewPostingTask("unregister", []int64{3}, time.Now())
	require.NoError(t, err)
	require.NoError(t, j.HandleUnregister(ctx, task))
	assert.Equal(t, [][]int64{{3}}, ledger.unregistered)

	reset, err := NewStockResetTask(time.Now())
	require.NoError(t, err)
	require.NoError(t, j.HandleStockReset(ctx, reset))
	assert.Equal(t, 1, ledger.resets)
}

func TestLedgerJobsErrors(t *testing.T) {
	ledger := &fakeLedger{}
	j := newLedgerJobs(ledger)
	ctx := context.Background()

	err := j.HandleRegister(ctx, asynq.NewTask(TaskLedgerRegister, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, ledger.registered)

	require.NoError(t, j.HandleRegister(ctx, asynq.NewTask(TaskLedgerRegister, []byte(`{"document_ids":[]}`))))
	assert.Empty(t, ledger.registered)

	ledger.err = errors.New("database down")
	task, err := NewPostingTask("register", []int64{9}, time.Now())
	require.NoError(t, err)
	require.ErrorIs(t, j.HandleRegister(ctx, task), ledger.err)
	require.ErrorIs(t, j.HandleStockReset(ctx, asynq.NewTask(TaskStockReset, nil)), ledger.err)

	var unset *LedgerJobs
	require.Error(t, unset.HandleStockReset(ctx, asynq.NewTask(TaskStockReset, nil)))
}

func TestHandlersCoverTaskTypes(t *testing.T) {
	types := map[string]bool{}
	for _, h := range newLedgerJobs(&fakeLedger{}).Handlers() {
		require.NotNil(t, h.Handler)
		types[h.Type] = true
	}
	assert.Equal(t, map[string]bool{TaskLedgerRegister: true, TaskLedgerUnregister: true, TaskStockReset: true}, types)
}

func TestJobsHTTPWithoutQueue(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, slog.New(slog.NewTextHandler(io.Discard, nil))).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue":"default","pending":0,"active":0,"failed":0}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/abc", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewWorkerRequiresRedis(t *testing.T) {
	_, err := NewWorker(WorkerConfig{})
	require.Error(t, err)
}
