package catalog

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usermicrodevices/prod/internal/platform/httpx"
)

func TestMemoryStoreReferenceUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p, err := store.CreateProduct(ctx, Product{Article: "A-1", Name: "Tea", Cost: decimal.RequireFromString("1.50"), Price: decimal.RequireFromString("2.00")})
	require.NoError(t, err)

	price := decimal.RequireFromString("2.50")
	require.NoError(t, store.UpdateReference(ctx, p.ID, ReferenceUpdate{Price: &price}))

	got, err := store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(price))
	assert.True(t, got.Cost.Equal(decimal.RequireFromString("1.50")), "cost untouched")

	_, err = store.CreateProduct(ctx, Product{Article: "A-1", Name: "Dup"})
	require.ErrorIs(t, err, ErrDuplicate)

	err = store.UpdateReference(ctx, 999, ReferenceUpdate{Price: &price})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListPaginates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, name := range []string{"b-coffee", "a-tea", "c-sugar"} {
		_, err := store.CreateProduct(ctx, Product{Name: name})
		require.NoError(t, err)
	}
	items, total, err := store.ListProducts(ctx, ListFilter{Page: 2, PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 1)
	assert.Equal(t, "c-sugar", items[0].Name)

	items, total, err = store.ListProducts(ctx, ListFilter{Search: "TEA"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "a-tea", items[0].Name)
}

func TestServiceValidatesProduct(t *testing.T) {
	svc := NewService(NewMemoryStore())
	_, err := svc.CreateProduct(context.Background(), ProductInput{Name: "  "})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.CreateProduct(context.Background(), ProductInput{Name: "Milk", Price: decimal.NewFromInt(-1)})
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestHandlerCreateAndShow(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, NewService(NewMemoryStore()))
	r := chi.NewRouter()
	h.MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/products", strings.NewReader(`{"name":"Bread","price":"3.25"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created Product
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.True(t, created.Price.Equal(decimal.RequireFromString("3.25")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products/999", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products?search=bread", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)
}
