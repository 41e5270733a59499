package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usermicrodevices/prod/internal/platform/httpx"
	"github.com/usermicrodevices/prod/internal/shared"
)

type memIdempotency struct {
	mu   sync.Mutex
	refs map[string]string
}

func (m *memIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refs[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.refs[key] = ""
	return nil
}

func (m *memIdempotency) Complete(_ context.Context, key, _, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[key] = ref
	return nil
}

func (m *memIdempotency) Lookup(_ context.Context, key, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.refs[key]
	if !ok {
		return "", shared.ErrNotFound
	}
	return ref, nil
}

func (m *memIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refs, key)
	return nil
}

type fakeEnqueuer struct {
	op     string
	ids    []int64
	resets int
}

func (f *fakeEnqueuer) EnqueuePosting(_ context.Context, op string, ids []int64) (string, error) {
	f.op, f.ids = op, ids
	return "task-1", nil
}

func (f *fakeEnqueuer) EnqueueStockReset(context.Context) (string, error) {
	f.resets++
	return "task-2", nil
}

type handlerEnv struct {
	*fixture
	router   chi.Router
	idem     *memIdempotency
	enqueuer *fakeEnqueuer
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	env := &handlerEnv{
		fixture:  newFixture(t, ServiceConfig{}),
		idem:     &memIdempotency{refs: map[string]string{}},
		enqueuer: &fakeEnqueuer{},
	}
	h := NewHandler(discardLogger(), env.svc, env.idem, env.enqueuer)
	r := chi.NewRouter()
	h.MountRoutes(r)
	env.router = r
	return env
}

func (e *handlerEnv) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *handlerEnv) saleBody(productID int64) string {
	return fmt.Sprintf(`{"type":"sale","registered_at":"2024-01-01T10:00:00Z","owner_id":%d,"contractor_id":%d,"records":[{"product_id":%d,"count":"2","price":"100.00"}]}`,
		e.owner, e.contractor, productID)
}

func TestHandlerCreateDocument(t *testing.T) {
	env := newHandlerEnv(t)
	p := env.product(t, "P1", "0", "100")

	rec := env.do(http.MethodPost, "/docs", env.saleBody(p.ID), UserHeader, "7")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res CreateResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, 1, res.RecordsCreated)
	assert.Equal(t, 1, res.RecordsPosted)
	assert.True(t, res.SumFinal.Equal(dec("200")))

	doc, err := env.store.GetDocument(env.ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), doc.AuthorID)

	rec = env.do(http.MethodGet, fmt.Sprintf("/stock/%d", p.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stock stockResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stock))
	assert.True(t, stock.OnHand.Equal(dec("-2")))

	rec = env.do(http.MethodGet, fmt.Sprintf("/docs/%d", res.DocumentID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view DocumentView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, "sale", view.Type.Alias)
	require.Len(t, view.Records, 1)
	assert.True(t, view.Records[0].Posted)
}

func TestHandlerValidationProblem(t *testing.T) {
	env := newHandlerEnv(t)
	p := env.product(t, "P1", "0", "100")

	body := fmt.Sprintf(`{"type":"sale","owner_id":%d,"contractor_id":%d,"records":[{"product_id":%d,"count":"2"},{"product_id":999,"count":"1"}]}`, env.owner, env.contractor, p.ID)
	rec := env.do(http.MethodPost, "/docs", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	assert.Contains(t, problem.Errors, "registered_at")

	body = strings.Replace(body, `"type":"sale"`, `"type":"sale","registered_at":"2024-01-01T00:00:00Z"`, 1)
	rec = env.do(http.MethodPost, "/docs", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	problem = httpx.ProblemDetail{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	assert.Contains(t, problem.Errors, "records[1].product_id")

	rec = env.do(http.MethodPost, "/docs", `{"type":"sale","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, total, err := env.svc.ListDocuments(env.ctx, Filter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestHandlerIdempotentCreate(t *testing.T) {
	env := newHandlerEnv(t)
	p := env.product(t, "P1", "0", "100")
	key := "4b1c8a0e-5f0e-4a7d-9a55-0a5d6f3b7c11"

	first := env.do(http.MethodPost, "/docs", env.saleBody(p.ID), IdempotencyHeader, key)
	require.Equal(t, http.StatusCreated, first.Code)
	var created CreateResult
	require.NoError(t, json.NewDecoder(first.Body).Decode(&created))

	second := env.do(http.MethodPost, "/docs", env.saleBody(p.ID), IdempotencyHeader, key)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	var replayed CreateResult
	require.NoError(t, json.NewDecoder(second.Body).Decode(&replayed))
	assert.Equal(t, created.DocumentID, replayed.DocumentID)

	_, total, err := env.svc.ListDocuments(env.ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	bad := env.do(http.MethodPost, "/docs", env.saleBody(p.ID), IdempotencyHeader, "nope")
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestHandlerCashDocument(t *testing.T) {
	env := newHandlerEnv(t)
	p := env.product(t, "P1", "1", "3")

	rec := env.do(http.MethodPost, "/docs/cash", fmt.Sprintf(`{"registered_at":"2024-01-01T10:00:00Z","records":[{"product_id":%d,"count":"1"}]}`, p.ID))
	require.Equal(t, http.StatusBadRequest, rec.Code, "sum_final is mandatory")

	rec = env.do(http.MethodPost, "/docs/cash", fmt.Sprintf(`{"registered_at":"2024-01-01T10:00:00Z","sum_final":"3","records":[{"product_id":%d,"count":"1"}]}`, p.ID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHandlerBatchPosting(t *testing.T) {
	env := newHandlerEnv(t)
	p := env.product(t, "P1", "0", "100")
	res, err := env.svc.CreateDocument(env.ctx, env.input("receipt", day("2024-01-01T00:00:00Z"), RecordInput{ProductID: p.ID, Count: dec("5")}))
	require.NoError(t, err)

	rec := env.do(http.MethodPost, "/docs/unregister", fmt.Sprintf(`{"ids":[%d,%d]}`, res.DocumentID, res.DocumentID))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":1}`, rec.Body.String())
	assert.True(t, env.onHand(t, p.ID).IsZero())

	rec = env.do(http.MethodPost, "/docs/register", fmt.Sprintf(`{"ids":[%d]}`, res.DocumentID))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":1}`, rec.Body.String())
	assert.True(t, env.onHand(t, p.ID).Equal(dec("5")))

	rec = env.do(http.MethodPost, "/docs/register", `{"ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/docs/unregister?async=1", `{"ids":[3,4]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "unregister", env.enqueuer.op)
	assert.Equal(t, []int64{3, 4}, env.enqueuer.ids)

	rec = env.do(http.MethodPost, "/stock/reset?async=1", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, env.enqueuer.resets)

	rec = env.do(http.MethodPost, "/stock/reset", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlerRecordsAndTypes(t *testing.T) {
	env := newHandlerEnv(t)
	p := env.product(t, "P1", "2", "3")

	res, err := env.svc.CreateDocument(env.ctx, env.input("order", day("2024-01-01T00:00:00Z"), RecordInput{ProductID: p.ID, Count: dec("1")}))
	require.NoError(t, err)

	rec := env.do(http.MethodPost, fmt.Sprintf("/docs/%d/records", res.DocumentID), fmt.Sprintf(`{"product_id":%d,"count":"4"}`, p.ID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var added AddRecordResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&added))
	assert.False(t, added.Posted)
	assert.True(t, added.SumFinal.Equal(dec("10")))

	rec = env.do(http.MethodGet, fmt.Sprintf("/records?document_id=%d&per_page=1", res.DocumentID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page listResponse[Record]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Equal(t, 2, page.Pagination.Total)
	require.Len(t, page.Items, 1)

	rec = env.do(http.MethodPost, fmt.Sprintf("/records/%d/register", added.Record.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"created":true}`, rec.Body.String())
	rec = env.do(http.MethodPost, fmt.Sprintf("/records/%d/register", added.Record.ID), "")
	assert.JSONEq(t, `{"created":false}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/records?sum_final=1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/doctypes", `{"alias":"writeoff","income":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var typ DocumentType
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&typ))
	assert.False(t, typ.Income)
	assert.True(t, typ.AutoRegister)

	rec = env.do(http.MethodGet, "/doctypes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var types []DocumentType
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&types))
	assert.Len(t, types, len(defaultTypes)+1)

	rec = env.do(http.MethodDelete, fmt.Sprintf("/docs/%d", res.DocumentID), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(http.MethodGet, fmt.Sprintf("/docs/%d", res.DocumentID), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(http.MethodGet, "/docs/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(http.MethodGet, "/stock/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
