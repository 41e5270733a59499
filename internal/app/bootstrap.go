package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/usermicrodevices/prod/internal/catalog"
	"github.com/usermicrodevices/prod/internal/ledger"
	"github.com/usermicrodevices/prod/internal/platform/cache"
	"github.com/usermicrodevices/prod/internal/platform/db"
	"github.com/usermicrodevices/prod/internal/shared"
)

// Runtime holds the wired services and the connections backing them.
type Runtime struct {
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Catalog     catalog.Store
	Ledger      *ledger.Service
	Idempotency ledger.IdempotencyPort
	Checks      map[string]HealthCheck
}

// Bootstrap connects the configured backends and builds the ledger service. When
// REDIS_ADDR is set Redis is required: every process must invalidate the same stock
// cache. The in-process cache is used only when no Redis is configured.
func Bootstrap(ctx context.Context, cfg *Config, logger *slog.Logger, metrics ledger.Metrics) (*Runtime, error) {
	rt := &Runtime{Checks: map[string]HealthCheck{}}
	deps := ledger.Dependencies{Logger: logger, Metrics: metrics}

	switch cfg.LedgerStore {
	case StoreMemory:
		rt.Catalog = catalog.NewMemoryStore()
		deps.Repo = ledger.NewMemoryStore()
		logger.Warn("using in-memory ledger store; data is lost on exit")
	default:
		pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			return nil, err
		}
		rt.Pool = pool
		rt.Checks["postgres"] = pool.Ping
		if cfg.PGMigrate {
			applied, err := db.Migrate(ctx, pool, catalog.Migrations, ledger.Migrations)
			if err != nil {
				pool.Close()
				return nil, err
			}
			logger.Info("migrations applied", slog.Int("count", applied))
		}
		rt.Catalog = catalog.NewRepository(pool)
		deps.Repo = ledger.NewRepository(pool)
		deps.Audit = shared.NewAuditLogger(pool)
		rt.Idempotency = shared.NewIdempotencyStore(pool)
	}
	deps.Catalog = rt.Catalog

	if cfg.RedisAddr != "" {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		rt.Redis = client
		rt.Checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		deps.Cache = ledger.NewRedisStockCache(client, cfg.StockCacheTTL)
		deps.Locker = ledger.NewRedisLocker(client, cfg.LockTTL)
	} else {
		deps.Cache = ledger.NewMemoryStockCache()
		logger.Warn("REDIS_ADDR not set, using in-process stock cache without document locks")
	}

	rt.Ledger = ledger.NewService(deps, ledger.ServiceConfig{
		RegisterChangeReference: cfg.RegisterChangeReference,
		DefaultOwnerID:          cfg.DefaultOwnerID,
		DefaultCashContractorID: cfg.DefaultCashContractorID,
	})
	if err := rt.Ledger.SeedDefaultTypes(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close releases the connections.
func (rt *Runtime) Close() {
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}

// AsynqRedisOpt converts REDIS_ADDR into asynq connection options.
func AsynqRedisOpt(addr string) (asynq.RedisConnOpt, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := asynq.ParseRedisURI(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis uri: %w", err)
		}
		return opt, nil
	}
	return asynq.RedisClientOpt{Addr: addr}, nil
}
