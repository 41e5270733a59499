package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/usermicrodevices/prod/internal/catalog"
	"github.com/usermicrodevices/prod/internal/platform/httpx"
	"github.com/usermicrodevices/prod/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// postCommitTimeout bounds the side effects run once a transaction has committed.
const postCommitTimeout = 5 * time.Second

// detach returns a context for post-commit work. It keeps the values of ctx but not
// its cancellation, so a dropped request cannot skip cache invalidation.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), postCommitTimeout)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// RegisterChangeReference enables product reference write-back on posting.
	RegisterChangeReference bool
	DefaultOwnerID          int64
	DefaultCashContractorID int64
}

// Dependencies are the collaborators of Service. Audit, Locker, Cache and Metrics are optional.
type Dependencies struct {
	Repo    RepositoryPort
	Catalog CatalogPort
	Cache   StockCache
	Audit   AuditPort
	Locker  DocumentLocker
	Metrics Metrics
	Logger  *slog.Logger
}

// Service coordinates ledger writes: record insert, sum maintenance, posting, cache
// invalidation and write-back, in that order.
type Service struct {
	repo      RepositoryPort
	catalog   CatalogPort
	stock     *StockEngine
	writeBack *WriteBack
	audit     AuditPort
	locker    DocumentLocker
	metrics   Metrics
	logger    *slog.Logger
	validate  *validator.Validate
	cfg       ServiceConfig
}

// NewService builds Service.
func NewService(deps Dependencies, cfg ServiceConfig) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Service{
		repo:      deps.Repo,
		catalog:   deps.Catalog,
		stock:     NewStockEngine(deps.Repo, deps.Cache, logger, metrics),
		writeBack: NewWriteBack(cfg.RegisterChangeReference, deps.Catalog, deps.Repo, logger, metrics),
		audit:     deps.Audit,
		locker:    deps.Locker,
		metrics:   metrics,
		logger:    logger,
		validate:  httpx.NewValidator(),
		cfg:       cfg,
	}
}

// Config returns the service configuration.
func (s *Service) Config() ServiceConfig { return s.cfg }

// SeedDefaultTypes ensures the standard document types exist.
func (s *Service) SeedDefaultTypes(ctx context.Context) error {
	for _, t := range defaultTypes {
		income, auto := t.Income, t.AutoRegister
		if _, err := s.EnsureType(ctx, TypeInput{Alias: t.Alias, Name: t.Name, Income: &income, AutoRegister: &auto}); err != nil {
			return fmt.Errorf("ledger: seed type %s: %w", t.Alias, err)
		}
	}
	return nil
}

// EnsureType returns the type with the given alias, creating it on first use. A
// concurrent creator winning the insert is treated as already existing.
func (s *Service) EnsureType(ctx context.Context, in TypeInput) (DocumentType, error) {
	in.Alias = strings.TrimSpace(in.Alias)
	if err := httpx.Validate(s.validate, in); err != nil {
		return DocumentType{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	typ, err := s.repo.GetTypeByAlias(ctx, in.Alias)
	if err == nil {
		return typ, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return DocumentType{}, err
	}

	def := typeDefaults(in.Alias)
	if in.Name != "" {
		def.Name = in.Name
	}
	if in.Income != nil {
		def.Income = *in.Income
	}
	if in.AutoRegister != nil {
		def.AutoRegister = *in.AutoRegister
	}
	def.Description = in.Description

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		created, err := tx.InsertType(ctx, def)
		typ = created
		return err
	})
	if errors.Is(err, ErrDuplicate) {
		return s.repo.GetTypeByAlias(ctx, in.Alias)
	}
	if err != nil {
		return DocumentType{}, err
	}
	s.logger.Info("document type created", slog.String("alias", typ.Alias), slog.Bool("income", typ.Income), slog.Bool("auto_register", typ.AutoRegister))
	return typ, nil
}

// ListTypes returns all document types.
func (s *Service) ListTypes(ctx context.Context) ([]DocumentType, error) {
	return s.repo.ListTypes(ctx)
}

// CreateDocument validates the payload and writes the document with all of its
// records in one transaction. Any missing reference rejects the whole document.
func (s *Service) CreateDocument(ctx context.Context, in DocumentInput) (CreateResult, error) {
	if len(in.Records) == 0 {
		return CreateResult{}, invalid("records", "is required")
	}
	return s.createDocument(ctx, in)
}

// OpenDocument creates a document header, optionally with records. Records may be
// appended later with AddRecord.
func (s *Service) OpenDocument(ctx context.Context, in DocumentInput) (CreateResult, error) {
	return s.createDocument(ctx, in)
}

// CreateCashDocument records a till sale: type sale, default owner and cash contractor,
// and a mandatory sum.
func (s *Service) CreateCashDocument(ctx context.Context, in DocumentInput) (CreateResult, error) {
	in.Type = "sale"
	if in.OwnerID == 0 {
		in.OwnerID = s.cfg.DefaultOwnerID
	}
	if in.ContractorID == 0 {
		in.ContractorID = s.cfg.DefaultCashContractorID
	}
	in.RequireSum = true
	return s.CreateDocument(ctx, in)
}

func (s *Service) createDocument(ctx context.Context, in DocumentInput) (CreateResult, error) {
	if err := s.validateDocument(in); err != nil {
		return CreateResult{}, err
	}
	typ, err := s.EnsureType(ctx, TypeInput{Alias: in.Type})
	if err != nil {
		return CreateResult{}, err
	}
	if err := s.checkCompanies(ctx, in); err != nil {
		return CreateResult{}, err
	}
	records := make([]Record, 0, len(in.Records))
	for i, line := range in.Records {
		rec, err := s.buildRecord(ctx, fmt.Sprintf("records[%d]", i), line)
		if err != nil {
			return CreateResult{}, err
		}
		records = append(records, rec)
	}

	explicit := in.SumFinal.Round(sumScale)
	doc := Document{
		RegisteredAt: in.RegisteredAt.UTC(),
		OwnerID:      in.OwnerID,
		ContractorID: in.ContractorID,
		CustomerID:   in.CustomerID,
		TypeID:       typ.ID,
		AuthorID:     in.AuthorID,
		SumFinal:     explicit,
		SumExplicit:  !explicit.IsZero(),
		ExtInfo:      in.ExtInfo,
	}
	var posted []Record
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		posted = posted[:0]
		created, err := tx.InsertDocument(ctx, doc)
		if err != nil {
			return err
		}
		doc = created
		for _, rec := range records {
			stored, ok, err := s.appendRecord(ctx, tx, &doc, typ, rec)
			if err != nil {
				return err
			}
			if ok {
				posted = append(posted, stored)
			}
		}
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}

	s.afterPosting(ctx, doc, "register", posted)
	s.recordAudit(ctx, in.AuthorID, "ledger.document.create", doc.ID, map[string]any{
		"type":      typ.Alias,
		"records":   len(records),
		"sum_final": doc.SumFinal.String(),
	})
	s.logger.Info("document created",
		slog.Int64("document_id", doc.ID),
		slog.String("type", typ.Alias),
		slog.Int("records", len(records)),
		slog.Int("posted", len(posted)),
		slog.String("sum_final", doc.SumFinal.String()))
	return CreateResult{DocumentID: doc.ID, RecordsCreated: len(records), RecordsPosted: len(posted), SumFinal: doc.SumFinal}, nil
}

// AddRecord appends a record to an existing document, running the sum and posting
// steps in the same transaction.
func (s *Service) AddRecord(ctx context.Context, documentID int64, in RecordInput) (AddRecordResult, error) {
	if err := httpx.Validate(s.validate, in); err != nil {
		return AddRecordResult{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := checkLine("", in); err != nil {
		return AddRecordResult{}, err
	}
	rec, err := s.buildRecord(ctx, "", in)
	if err != nil {
		return AddRecordResult{}, err
	}

	var (
		doc    Document
		stored Record
		posted bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		typ, err := tx.GetType(ctx, doc.TypeID)
		if err != nil {
			return err
		}
		stored, posted, err = s.appendRecord(ctx, tx, &doc, typ, rec)
		return err
	})
	if err != nil {
		return AddRecordResult{}, err
	}
	if posted {
		s.afterPosting(ctx, doc, "register", []Record{stored})
	}
	return AddRecordResult{Record: stored, Posted: posted, SumFinal: doc.SumFinal}, nil
}

// appendRecord inserts rec and runs the sum and auto-posting steps. The insert is the
// primary write and fails the transaction; the secondary steps run in savepoints and
// are logged on failure.
func (s *Service) appendRecord(ctx context.Context, tx TxRepository, doc *Document, typ DocumentType, rec Record) (Record, bool, error) {
	rec.DocumentID = doc.ID
	stored, err := tx.InsertRecord(ctx, rec)
	if err != nil {
		return Record{}, false, err
	}

	err = tx.Savepoint(ctx, func(ctx context.Context, tx TxRepository) error {
		sum, err := applyRecordToSum(ctx, tx, *doc, typ, stored)
		if err != nil {
			return err
		}
		doc.SumFinal = sum
		return nil
	})
	if err != nil {
		s.logger.Error("sum update failed", slog.Int64("document_id", doc.ID), slog.Int64("record_id", stored.ID), slog.Any("error", err))
	}

	var posted bool
	err = tx.Savepoint(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		posted, err = ensureRegistered(ctx, tx, stored, typ, false)
		return err
	})
	if err != nil {
		s.logger.Error("auto register failed", slog.Int64("document_id", doc.ID), slog.Int64("record_id", stored.ID), slog.Any("error", err))
		posted = false
	}
	return stored, posted, nil
}

// RegisterRecord posts a single record regardless of its type's auto-register flag.
func (s *Service) RegisterRecord(ctx context.Context, recordID int64) (bool, error) {
	var (
		doc     Document
		rec     Record
		created bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		rec, err = tx.GetRecord(ctx, recordID)
		if err != nil {
			return err
		}
		doc, err = tx.GetDocument(ctx, rec.DocumentID)
		if err != nil {
			return err
		}
		typ, err := tx.GetType(ctx, doc.TypeID)
		if err != nil {
			return err
		}
		created, err = ensureRegistered(ctx, tx, rec, typ, true)
		return err
	})
	if err != nil {
		return false, err
	}
	if created {
		s.afterPosting(ctx, doc, "register", []Record{rec})
	}
	return created, nil
}

// RegisterDocuments posts every unposted record of the auto-register documents in ids
// and returns how many documents ended up fully posted. Each document is processed in
// its own transaction; failures are logged and skipped.
func (s *Service) RegisterDocuments(ctx context.Context, ids []int64) (int, error) {
	return s.batch(ctx, "register", ids, func(ctx context.Context, tx TxRepository, id int64) (postingOutcome, error) {
		return registerDocument(ctx, tx, id, func(rec Record, err error) {
			s.logger.Error("register record failed", slog.Int64("document_id", id), slog.Int64("record_id", rec.ID), slog.Any("error", err))
		})
	})
}

// UnregisterDocuments removes all Registers of the auto-register documents in ids and
// returns how many documents had every record unposted. sum_final is not touched; use
// RecomputeSum to realign it.
func (s *Service) UnregisterDocuments(ctx context.Context, ids []int64) (int, error) {
	return s.batch(ctx, "unregister", ids, unregisterDocument)
}

type batchStep func(ctx context.Context, tx TxRepository, documentID int64) (postingOutcome, error)

func (s *Service) batch(ctx context.Context, op string, ids []int64, step batchStep) (int, error) {
	updated := 0
	for _, id := range dedupe(ids) {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		ok, err := s.batchOne(ctx, op, id, step)
		if err != nil {
			s.logger.Error("batch "+op+" skipped document", slog.Int64("document_id", id), slog.Any("error", err))
			continue
		}
		if ok {
			updated++
		}
	}
	s.logger.Info("batch "+op+" finished", slog.Int("documents", len(ids)), slog.Int("updated", updated))
	return updated, nil
}

func (s *Service) batchOne(ctx context.Context, op string, id int64, step batchStep) (bool, error) {
	if s.locker != nil {
		release, err := s.locker.Lock(ctx, id)
		if err != nil {
			return false, err
		}
		defer release()
	}
	var (
		doc Document
		out postingOutcome
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = step(ctx, tx, id)
		if err != nil {
			return err
		}
		doc, err = tx.GetDocument(ctx, id)
		return err
	})
	if err != nil {
		return false, err
	}
	if out.skipped {
		return false, nil
	}
	s.afterPosting(ctx, doc, op, out.changed)
	return out.complete, nil
}

// afterPosting runs the post-commit side effects of Register changes: cache
// invalidation for every touched product, then write-back for new postings.
func (s *Service) afterPosting(ctx context.Context, doc Document, op string, changed []Record) {
	if len(changed) == 0 {
		return
	}
	ctx, cancel := detach(ctx)
	defer cancel()
	s.metrics.Registers(op, len(changed))
	if err := s.stock.Invalidate(ctx, productIDs(changed)...); err != nil {
		s.logger.Error("stock cache invalidation failed", slog.Int64("document_id", doc.ID), slog.Any("error", err))
	}
	if op != "register" {
		return
	}
	for _, rec := range changed {
		if _, err := s.writeBack.Apply(ctx, doc, rec); err != nil {
			s.logger.Error("write-back failed", slog.Int64("document_id", doc.ID), slog.Int64("record_id", rec.ID), slog.Any("error", err))
		}
	}
}

// RecomputeSum recalculates sum_final from the records, discarding any explicit value.
func (s *Service) RecomputeSum(ctx context.Context, documentID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		typ, err := tx.GetType(ctx, doc.TypeID)
		if err != nil {
			return err
		}
		sum, err = recomputeSum(ctx, tx, doc, typ)
		return err
	})
	return sum, err
}

// DeleteDocument removes a document with its records and registers.
func (s *Service) DeleteDocument(ctx context.Context, documentID, actorID int64) error {
	var products []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		products, err = tx.DeleteDocument(ctx, documentID)
		return err
	})
	if err != nil {
		return err
	}
	ctx, cancel := detach(ctx)
	defer cancel()
	if err := s.stock.Invalidate(ctx, products...); err != nil {
		s.logger.Error("stock cache invalidation failed", slog.Int64("document_id", documentID), slog.Any("error", err))
	}
	s.recordAudit(ctx, actorID, "ledger.document.delete", documentID, map[string]any{"products": products})
	return nil
}

// OnHand returns the current on-hand quantity of a product.
func (s *Service) OnHand(ctx context.Context, productID int64) (decimal.Decimal, error) {
	if _, err := s.catalog.GetProduct(ctx, productID); err != nil {
		return decimal.Zero, err
	}
	return s.stock.OnHand(ctx, productID)
}

// ResetCache flushes every cached on-hand quantity.
func (s *Service) ResetCache(ctx context.Context) error {
	if err := s.stock.Reset(ctx); err != nil {
		return fmt.Errorf("ledger: reset stock cache: %w", err)
	}
	s.logger.Info("stock cache reset")
	return nil
}

// GetDocument returns a document with its type and records.
func (s *Service) GetDocument(ctx context.Context, id int64) (DocumentView, error) {
	doc, err := s.repo.GetDocument(ctx, id)
	if err != nil {
		return DocumentView{}, err
	}
	typ, err := s.repo.GetType(ctx, doc.TypeID)
	if err != nil {
		return DocumentView{}, err
	}
	records, err := s.repo.RecordsByDocument(ctx, id)
	if err != nil {
		return DocumentView{}, err
	}
	posted, err := s.repo.RegisteredRecordIDs(ctx, id)
	if err != nil {
		return DocumentView{}, err
	}
	view := DocumentView{Document: doc, Type: typ, Records: make([]RecordView, 0, len(records))}
	for _, r := range records {
		view.Records = append(view.Records, RecordView{Record: r, Posted: posted[r.ID]})
	}
	return view, nil
}

// ListDocuments returns a filtered page of documents.
func (s *Service) ListDocuments(ctx context.Context, filter Filter) ([]Document, int, error) {
	return s.repo.ListDocuments(ctx, filter)
}

// ListRecords returns a filtered page of records.
func (s *Service) ListRecords(ctx context.Context, filter Filter) ([]Record, int, error) {
	return s.repo.ListRecords(ctx, filter)
}

func (s *Service) validateDocument(in DocumentInput) error {
	if err := httpx.Validate(s.validate, in); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if in.RegisteredAt.IsZero() {
		return invalid("registered_at", "is required")
	}
	if in.RequireSum && in.SumFinal.IsZero() {
		return invalid("sum_final", "is required")
	}
	if in.SumFinal.IsNegative() {
		return invalid("sum_final", "must not be negative")
	}
	for i, line := range in.Records {
		if err := checkLine(fmt.Sprintf("records[%d].", i), line); err != nil {
			return err
		}
	}
	return nil
}

func checkLine(prefix string, line RecordInput) error {
	if !line.Count.IsPositive() {
		return invalid(prefix+"count", "must be greater than 0")
	}
	if line.Cost != nil && line.Cost.IsNegative() {
		return invalid(prefix+"cost", "must not be negative")
	}
	if line.Price != nil && line.Price.IsNegative() {
		return invalid(prefix+"price", "must not be negative")
	}
	return nil
}

func (s *Service) checkCompanies(ctx context.Context, in DocumentInput) error {
	refs := []struct {
		field string
		id    int64
	}{{"owner_id", in.OwnerID}, {"contractor_id", in.ContractorID}}
	if in.CustomerID != nil {
		refs = append(refs, struct {
			field string
			id    int64
		}{"customer_id", *in.CustomerID})
	}
	for _, ref := range refs {
		if _, err := s.catalog.GetCompany(ctx, ref.id); err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return missingRef(ref.field, err)
			}
			return err
		}
	}
	return nil
}

// buildRecord resolves the product and fills omitted cost/price from its reference.
func (s *Service) buildRecord(ctx context.Context, field string, in RecordInput) (Record, error) {
	product, err := s.catalog.GetProduct(ctx, in.ProductID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			if field != "" {
				field += "."
			}
			return Record{}, missingRef(field+"product_id", err)
		}
		return Record{}, err
	}
	rec := Record{
		ProductID: in.ProductID,
		Count:     in.Count,
		Cost:      product.Cost,
		Price:     product.Price,
		Currency:  in.Currency,
		ExtInfo:   in.ExtInfo,
	}
	if in.Cost != nil {
		rec.Cost = *in.Cost
	}
	if in.Price != nil {
		rec.Price = *in.Price
	}
	if rec.Currency == "" {
		rec.Currency = product.Currency
	}
	return rec, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, documentID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	ctx, cancel := detach(ctx)
	defer cancel()
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "ledger_document",
		EntityID: strconv.FormatInt(documentID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Int64("document_id", documentID), slog.Any("error", err))
	}
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
