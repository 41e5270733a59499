package cli

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usermicrodevices/prod/internal/catalog"
	"github.com/usermicrodevices/prod/internal/ledger"
	"github.com/usermicrodevices/prod/jobs"
)

func TestSeedIsRepeatable(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	svc := ledger.NewService(ledger.Dependencies{
		Repo:    ledger.NewMemoryStore(),
		Catalog: store,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, ledger.ServiceConfig{})

	first, err := Seed(ctx, store, svc)
	require.NoError(t, err)
	assert.Equal(t, SeedSummary{Companies: 2, Products: 3, Types: 6}, first)

	second, err := Seed(ctx, store, svc)
	require.NoError(t, err)
	assert.Equal(t, SeedSummary{Types: 6}, second)
}

func TestBuildTask(t *testing.T) {
	task, err := BuildTask(jobs.TaskLedgerRegister, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, jobs.TaskLedgerRegister, task.Type())

	task, err = BuildTask(jobs.TaskStockReset, nil)
	require.NoError(t, err)
	assert.Equal(t, jobs.TaskStockReset, task.Type())

	_, err = BuildTask(jobs.TaskLedgerUnregister, nil)
	require.Error(t, err)
	_, err = BuildTask("mail:send", nil)
	require.Error(t, err)
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"3", "9"})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 9}, ids)
	_, err = parseIDs([]string{"0"})
	require.Error(t, err)
}
