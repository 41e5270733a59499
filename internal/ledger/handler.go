package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/usermicrodevices/prod/internal/platform/httpx"
	"github.com/usermicrodevices/prod/internal/shared"
)

const (
	// UserHeader carries the acting user id set by the upstream auth proxy.
	UserHeader = "X-User-ID"
	// IdempotencyHeader deduplicates document creation.
	IdempotencyHeader = "Idempotency-Key"

	idempotencyModule = "ledger.documents"
)

// BatchEnqueuer schedules register/unregister batches for background processing.
type BatchEnqueuer interface {
	EnqueuePosting(ctx context.Context, op string, documentIDs []int64) (string, error)
	EnqueueStockReset(ctx context.Context) (string, error)
}

// IdempotencyPort deduplicates create requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Complete(ctx context.Context, key, module, ref string) error
	Lookup(ctx context.Context, key, module string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Handler wires HTTP endpoints for the ledger.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	idempotency IdempotencyPort
	enqueuer    BatchEnqueuer
}

// NewHandler constructs the ledger handler. idempotency and enqueuer may be nil.
func NewHandler(logger *slog.Logger, service *Service, idempotency IdempotencyPort, enqueuer BatchEnqueuer) *Handler {
	return &Handler{logger: logger, service: service, idempotency: idempotency, enqueuer: enqueuer}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/docs", func(r chi.Router) {
		r.Get("/", h.listDocuments)
		r.Post("/", h.createDocument)
		r.Post("/cash", h.createCashDocument)
		r.Post("/register", h.postingBatch("register"))
		r.Post("/unregister", h.postingBatch("unregister"))
		r.Get("/{id}", h.showDocument)
		r.Delete("/{id}", h.deleteDocument)
		r.Post("/{id}/records", h.addRecord)
		r.Post("/{id}/recompute", h.recompute)
	})
	r.Get("/records", h.listRecords)
	r.Post("/records/{id}/register", h.registerRecord)
	r.Get("/stock/{product_id}", h.onHand)
	r.Post("/stock/reset", h.resetStock)
	r.Get("/doctypes", h.listTypes)
	r.Post("/doctypes", h.ensureType)
}

func actorID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.Header.Get(UserHeader), 10, 64)
	return id
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, invalid(name, "must be a positive integer")
	}
	return id, nil
}

func (h *Handler) createDocument(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, h.service.CreateDocument)
}

func (h *Handler) createCashDocument(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, h.service.CreateCashDocument)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, fn func(context.Context, DocumentInput) (CreateResult, error)) {
	var in DocumentInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.AuthorID = actorID(r)

	key := r.Header.Get(IdempotencyHeader)
	if key != "" && h.idempotency != nil {
		if _, err := uuid.Parse(key); err != nil {
			httpx.RespondError(w, invalid(IdempotencyHeader, "must be a UUID"))
			return
		}
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				h.replay(w, r, key)
				return
			}
			h.logger.Error("idempotency check failed", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
	}

	res, err := fn(r.Context(), in)
	if err != nil {
		if key != "" && h.idempotency != nil {
			if derr := h.idempotency.Delete(r.Context(), key); derr != nil {
				h.logger.Warn("idempotency rollback failed", slog.Any("error", derr))
			}
		}
		h.respondServiceError(w, "create document", err)
		return
	}
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.Complete(r.Context(), key, idempotencyModule, strconv.FormatInt(res.DocumentID, 10)); err != nil {
			h.logger.Warn("idempotency complete failed", slog.Any("error", err))
		}
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request, key string) {
	ref, err := h.idempotency.Lookup(r.Context(), key, idempotencyModule)
	if err != nil || ref == "" {
		httpx.Problem(w, http.StatusConflict, "Duplicate", "request with this Idempotency-Key is in progress")
		return
	}
	id, _ := strconv.ParseInt(ref, 10, 64)
	view, err := h.service.GetDocument(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, "replay document", err)
		return
	}
	w.Header().Set("Idempotent-Replayed", "true")
	httpx.JSON(w, http.StatusOK, CreateResult{DocumentID: view.ID, RecordsCreated: len(view.Records), RecordsPosted: countPosted(view.Records), SumFinal: view.SumFinal})
}

func countPosted(records []RecordView) int {
	n := 0
	for _, r := range records {
		if r.Posted {
			n++
		}
	}
	return n
}

func (h *Handler) showDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := h.service.GetDocument(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, "get document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteDocument(r.Context(), id, actorID(r)); err != nil {
		h.respondServiceError(w, "delete document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in RecordInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.AddRecord(r.Context(), id, in)
	if err != nil {
		h.respondServiceError(w, "add record", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) recompute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sum, err := h.service.RecomputeSum(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, "recompute sum", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "sum_final": sum})
}

type batchRequest struct {
	IDs []int64 `json:"ids" validate:"required,min=1,dive,gt=0"`
}

func (h *Handler) postingBatch(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		if err := httpx.Validate(h.service.validate, req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		if r.URL.Query().Get("async") == "1" && h.enqueuer != nil {
			taskID, err := h.enqueuer.EnqueuePosting(r.Context(), op, req.IDs)
			if err != nil {
				h.respondServiceError(w, "enqueue "+op, err)
				return
			}
			httpx.JSON(w, http.StatusAccepted, map[string]any{"task_id": taskID})
			return
		}
		var (
			updated int
			err     error
		)
		if op == "register" {
			updated, err = h.service.RegisterDocuments(r.Context(), req.IDs)
		} else {
			updated, err = h.service.UnregisterDocuments(r.Context(), req.IDs)
		}
		if err != nil {
			h.respondServiceError(w, op+" documents", err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]int{"updated": updated})
	}
}

func (h *Handler) registerRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	created, err := h.service.RegisterRecord(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, "register record", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"created": created})
}

type listResponse[T any] struct {
	Items      []T               `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

func filterFromQuery(r *http.Request) Filter {
	q := r.URL.Query()
	f := Filter{Equals: map[string]string{}}
	for k, v := range q {
		switch k {
		case "page":
			f.Page, _ = strconv.Atoi(v[0])
		case "per_page":
			f.PerPage, _ = strconv.Atoi(v[0])
		default:
			f.Equals[k] = v[0]
		}
	}
	return f
}

func (h *Handler) listDocuments(w http.ResponseWriter, r *http.Request) {
	f := filterFromQuery(r)
	docs, total, err := h.service.ListDocuments(r.Context(), f)
	if err != nil {
		h.respondServiceError(w, "list documents", err)
		return
	}
	httpx.JSON(w, http.StatusOK, listResponse[Document]{Items: docs, Pagination: shared.NewPagination(f.Page, f.PerPage, total)})
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	f := filterFromQuery(r)
	recs, total, err := h.service.ListRecords(r.Context(), f)
	if err != nil {
		h.respondServiceError(w, "list records", err)
		return
	}
	httpx.JSON(w, http.StatusOK, listResponse[Record]{Items: recs, Pagination: shared.NewPagination(f.Page, f.PerPage, total)})
}

type stockResponse struct {
	ProductID int64           `json:"product_id"`
	OnHand    decimal.Decimal `json:"on_hand"`
}

func (h *Handler) onHand(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "product_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	qty, err := h.service.OnHand(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, "on hand", err)
		return
	}
	httpx.JSON(w, http.StatusOK, stockResponse{ProductID: id, OnHand: qty})
}

func (h *Handler) resetStock(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("async") == "1" && h.enqueuer != nil {
		taskID, err := h.enqueuer.EnqueueStockReset(r.Context())
		if err != nil {
			h.respondServiceError(w, "enqueue stock reset", err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"task_id": taskID})
		return
	}
	if err := h.service.ResetCache(r.Context()); err != nil {
		h.respondServiceError(w, "reset stock cache", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.service.ListTypes(r.Context())
	if err != nil {
		h.respondServiceError(w, "list document types", err)
		return
	}
	httpx.JSON(w, http.StatusOK, types)
}

func (h *Handler) ensureType(w http.ResponseWriter, r *http.Request) {
	var in TypeInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	typ, err := h.service.EnsureType(r.Context(), in)
	if err != nil {
		h.respondServiceError(w, "ensure document type", err)
		return
	}
	httpx.JSON(w, http.StatusOK, typ)
}

func (h *Handler) respondServiceError(w http.ResponseWriter, op string, err error) {
	if !errors.Is(err, httpx.ErrValidation) && !errors.Is(err, httpx.ErrNotFound) && !errors.Is(err, httpx.ErrDuplicate) {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
