package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usermicrodevices/prod/internal/catalog"
	"github.com/usermicrodevices/prod/internal/ledger"
	"github.com/usermicrodevices/prod/internal/observability"
)

func TestLoadConfigDefaultsAndDotenv(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("LEDGER_STORE=memory\nSTOCK_CACHE_TTL=5m\nAPP_ADDR=:9999\n"), 0o600))
	t.Setenv("APP_ADDR", ":7000")
	t.Cleanup(func() {
		_ = os.Unsetenv("LEDGER_STORE")
		_ = os.Unsetenv("STOCK_CACHE_TTL")
	})
	t.Setenv("REGISTER_CHANGE_REFERENCE", "true")

	cfg, err := LoadConfig(env)
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.LedgerStore)
	assert.Equal(t, 5*time.Minute, cfg.StockCacheTTL)
	assert.Equal(t, ":7000", cfg.AppAddr, "environment wins over .env")
	assert.True(t, cfg.RegisterChangeReference)
	assert.Equal(t, int64(1), cfg.DefaultOwnerID)
	assert.False(t, cfg.IsProduction())

	_, err = LoadConfig(filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
}

func TestLoadConfigRejectsUnknownStore(t *testing.T) {
	t.Setenv("LEDGER_STORE", "sqlite")
	_, err := LoadConfig(filepath.Join(t.TempDir(), "none"))
	require.Error(t, err)
}

func TestLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{LogFormat: "json", AppEnv: "production"}, &buf).Info("hello", slog.Int("n", 1))
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.EqualValues(t, 1, line["n"])
}

func newTestRouter(t *testing.T, checks map[string]HealthCheck) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	products := catalog.NewMemoryStore()
	_, err := products.CreateProduct(context.Background(), catalog.Product{Name: "Tea"})
	require.NoError(t, err)
	svc := ledger.NewService(ledger.Dependencies{Repo: ledger.NewMemoryStore(), Catalog: products, Cache: ledger.NewMemoryStockCache(), Logger: logger}, ledger.ServiceConfig{})
	return NewRouter(RouterParams{
		Logger:         logger,
		Config:         &Config{AppRequestTimeout: time.Second, RateLimitPerMinute: 100},
		Metrics:        observability.NewMetrics(),
		CatalogHandler: catalog.NewHandler(logger, catalog.NewService(products)),
		LedgerHandler:  ledger.NewHandler(logger, svc, nil, nil),
		Checks:         checks,
	})
}

func TestRouterServesAPI(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stock/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"on_hand":"0"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/products/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `route="/api/stock/{product_id}"`))
}

func TestHealthzReportsFailingDependency(t *testing.T) {
	router := newTestRouter(t, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","postgres":"ok","redis":"connection refused"}`, rec.Body.String())
}

func bootstrapConfig(redisAddr string) *Config {
	return &Config{
		LedgerStore:   StoreMemory,
		RedisAddr:     redisAddr,
		StockCacheTTL: time.Hour,
		LockTTL:       time.Second,
	}
}

func TestBootstrapFailsWhenRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	rt, err := Bootstrap(context.Background(), bootstrapConfig(addr), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.Error(t, err)
	assert.Nil(t, rt)
}

func TestBootstrapSharesRedisStockCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	rt, err := Bootstrap(ctx, bootstrapConfig(mr.Addr()), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	require.NotNil(t, rt.Redis)
	assert.Contains(t, rt.Checks, "redis")

	p, err := rt.Catalog.CreateProduct(ctx, catalog.Product{Name: "Tea", Unit: "pcs"})
	require.NoError(t, err)
	onHand, err := rt.Ledger.OnHand(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, onHand.IsZero())
	assert.True(t, mr.Exists(fmt.Sprintf("ledger:stock:val:%d:0:0", p.ID)), "on-hand value cached in redis")
}

func TestBootstrapWithoutRedisUsesProcessCache(t *testing.T) {
	rt, err := Bootstrap(context.Background(), bootstrapConfig(""), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	assert.Nil(t, rt.Redis)
	assert.NotContains(t, rt.Checks, "redis")
}
