package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStockCacheVersioning(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	cache := NewRedisStockCache(client, time.Hour)

	token, err := cache.Token(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "ledger:stock:val:42:0:0", token)

	_, ok, err := cache.Get(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, token, dec("12.5")))
	v, ok, err := cache.Get(ctx, token)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, v.Equal(dec("12.5")))
	assert.Equal(t, time.Hour, mr.TTL(token))

	require.NoError(t, cache.Invalidate(ctx, 42, 7))
	fresh, err := cache.Token(ctx, 42)
	require.NoError(t, err)
	assert.NotEqual(t, token, fresh)
	_, ok, err = cache.Get(ctx, fresh)
	require.NoError(t, err)
	assert.False(t, ok, "value computed before invalidation is unreachable")

	other, err := cache.Token(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "ledger:stock:val:7:0:1", other)
}

func TestRedisStockCacheReset(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	cache := NewRedisStockCache(client, time.Hour)

	for _, id := range []int64{1, 2, 3} {
		token, err := cache.Token(ctx, id)
		require.NoError(t, err)
		require.NoError(t, cache.Set(ctx, token, dec("1")))
	}
	stale, err := cache.Token(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, cache.Reset(ctx))
	assert.Equal(t, []string{stockEpochKey}, mr.Keys())

	// a writer holding a pre-reset token cannot repopulate the current view
	require.NoError(t, cache.Set(ctx, stale, dec("99")))
	current, err := cache.Token(ctx, 1)
	require.NoError(t, err)
	assert.NotEqual(t, stale, current)
	_, ok, err := cache.Get(ctx, current)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStockCacheCorruptEntry(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	cache := NewRedisStockCache(client, time.Hour)

	token, err := cache.Token(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, mr.Set(token, "not-a-number"))
	_, _, err = cache.Get(ctx, token)
	require.Error(t, err)
}

func TestStockEngineFallsBackWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{})
	p := f.product(t, "A", "1", "2")
	_, err := f.svc.CreateDocument(ctx, f.input("receipt", day("2024-01-01T00:00:00Z"), RecordInput{ProductID: p.ID, Count: dec("3")}))
	require.NoError(t, err)

	mr, client := newRedis(t)
	engine := NewStockEngine(f.store, NewRedisStockCache(client, time.Minute), discardLogger(), nil)

	v, err := engine.OnHand(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, v.Equal(dec("3")))

	mr.Close()
	v, err = engine.OnHand(ctx, p.ID)
	require.NoError(t, err, "cache errors never fail a read")
	assert.True(t, v.Equal(dec("3")))
}

func TestStockEngineServesFromCache(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{mv: Movement{Income: dec("10"), Expense: dec("4")}}
	cache := NewMemoryStockCache()
	engine := NewStockEngine(src, cache, discardLogger(), nil)

	for range 3 {
		v, err := engine.OnHand(ctx, 1)
		require.NoError(t, err)
		assert.True(t, v.Equal(dec("6")))
	}
	assert.Equal(t, 1, src.calls)

	require.NoError(t, engine.Invalidate(ctx, 1))
	src.mv.Expense = dec("5")
	v, err := engine.OnHand(ctx, 1)
	require.NoError(t, err)
	assert.True(t, v.Equal(dec("5")))
	assert.Equal(t, 2, src.calls)
}

type countingSource struct {
	mv    Movement
	calls int
}

func (s *countingSource) PostedQuantity(context.Context, int64) (Movement, error) {
	s.calls++
	return s.mv, nil
}

// cancelOnCommitRepo cancels the caller's context as soon as a transaction commits,
// the way a client hanging up mid-request would.
type cancelOnCommitRepo struct {
	*MemoryStore
	cancel context.CancelFunc
}

func (r *cancelOnCommitRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := r.MemoryStore.WithTx(ctx, fn)
	if err == nil && r.cancel != nil {
		r.cancel()
	}
	return err
}

func TestPostCommitEffectsOutliveCancelledRequest(t *testing.T) {
	var repo *cancelOnCommitRepo
	f := newFixtureWithRepo(t, ServiceConfig{}, func(m *MemoryStore) RepositoryPort {
		repo = &cancelOnCommitRepo{MemoryStore: m}
		return repo
	})
	_, client := newRedis(t)
	svc := NewService(Dependencies{
		Repo:    repo,
		Catalog: f.catalog,
		Cache:   NewRedisStockCache(client, time.Hour),
		Logger:  discardLogger(),
	}, ServiceConfig{RegisterChangeReference: true})
	p := f.product(t, "Tea", "1.00", "2.00")

	onHand, err := svc.OnHand(f.ctx, p.ID)
	require.NoError(t, err)
	require.True(t, onHand.IsZero())

	ctx, cancel := context.WithCancel(f.ctx)
	repo.cancel = cancel
	res, err := svc.CreateDocument(ctx, f.input("receipt", day("2024-03-01T10:00:00Z"),
		RecordInput{ProductID: p.ID, Count: dec("5"), Cost: decp("1.50"), Price: decp("2.50")},
	))
	repo.cancel = nil
	require.NoError(t, err)
	require.ErrorIs(t, ctx.Err(), context.Canceled)
	require.Equal(t, 1, res.RecordsPosted)

	onHand, err = svc.OnHand(f.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, dec("5").Equal(onHand), "cached on-hand invalidated, got %s", onHand)

	product, err := f.catalog.GetProduct(f.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, dec("1.50").Equal(product.Cost))
	assert.True(t, dec("2.50").Equal(product.Price))

	ctx, cancel = context.WithCancel(f.ctx)
	repo.cancel = cancel
	require.NoError(t, svc.DeleteDocument(ctx, res.DocumentID, 0))
	repo.cancel = nil

	onHand, err = svc.OnHand(f.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, onHand.IsZero(), "cached on-hand invalidated after delete, got %s", onHand)
}
