package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/usermicrodevices/prod/internal/platform/db"
	"github.com/usermicrodevices/prod/internal/shared"
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries implements the statements shared by pool and transaction scope.
type queries struct {
	db dbtx
}

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	queries
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{queries: queries{db: pool}, pool: pool}
}

type txRepository struct {
	queries
	tx pgx.Tx
}

// WithTx executes the callback inside a read-committed transaction. Sum mutations
// lock the document row first.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{queries: queries{db: tx}, tx: tx})
	})
}

func (t *txRepository) Savepoint(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.Savepoint(ctx, t.tx, func(nested pgx.Tx) error {
		return fn(ctx, &txRepository{queries: queries{db: nested}, tx: nested})
	})
}

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case shared.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: %s: %v", ErrReferenceNotFound, what, err)
	case shared.IsUniqueViolation(err):
		return fmt.Errorf("%w: %s", ErrDuplicate, what)
	default:
		return fmt.Errorf("ledger: %s: %w", what, err)
	}
}

const (
	typeColumns     = `id, alias, name, income, auto_register, description`
	documentSelect  = `SELECT id, created_at, registered_at, owner_id, contractor_id, customer_id, type_id, author_id, sum_final, sum_explicit, extinfo FROM ledger_documents`
	recordColumnSet = `id, document_id, product_id, count, cost, price, currency, extinfo`
)

func scanType(row pgx.Row) (DocumentType, error) {
	var t DocumentType
	err := row.Scan(&t.ID, &t.Alias, &t.Name, &t.Income, &t.AutoRegister, &t.Description)
	return t, err
}

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.CreatedAt, &d.RegisteredAt, &d.OwnerID, &d.ContractorID, &d.CustomerID, &d.TypeID, &d.AuthorID, &d.SumFinal, &d.SumExplicit, &d.ExtInfo)
	return d, err
}

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.DocumentID, &r.ProductID, &r.Count, &r.Cost, &r.Price, &r.Currency, &r.ExtInfo)
	return r, err
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	items := []T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (q *queries) GetType(ctx context.Context, id int64) (DocumentType, error) {
	t, err := scanType(q.db.QueryRow(ctx, `SELECT `+typeColumns+` FROM ledger_doc_types WHERE id=$1`, id))
	return t, translate(err, "document type "+strconv.FormatInt(id, 10))
}

func (q *queries) GetTypeByAlias(ctx context.Context, alias string) (DocumentType, error) {
	t, err := scanType(q.db.QueryRow(ctx, `SELECT `+typeColumns+` FROM ledger_doc_types WHERE alias=$1`, alias))
	return t, translate(err, "document type "+alias)
}

func (q *queries) InsertType(ctx context.Context, t DocumentType) (DocumentType, error) {
	err := q.db.QueryRow(ctx, `INSERT INTO ledger_doc_types (alias, name, income, auto_register, description)
VALUES ($1, $2, $3, $4, $5) ON CONFLICT (alias) DO NOTHING RETURNING id`,
		t.Alias, t.Name, t.Income, t.AutoRegister, t.Description).Scan(&t.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return DocumentType{}, fmt.Errorf("%w: document type %s", ErrDuplicate, t.Alias)
	}
	if err != nil {
		return DocumentType{}, translate(err, "insert document type")
	}
	return t, nil
}

func (q *queries) GetDocument(ctx context.Context, id int64) (Document, error) {
	d, err := scanDocument(q.db.QueryRow(ctx, documentSelect+` WHERE id=$1`, id))
	return d, translate(err, "document "+strconv.FormatInt(id, 10))
}

func (q *queries) GetDocumentForUpdate(ctx context.Context, id int64) (Document, error) {
	d, err := scanDocument(q.db.QueryRow(ctx, documentSelect+` WHERE id=$1 FOR UPDATE`, id))
	return d, translate(err, "document "+strconv.FormatInt(id, 10))
}

func (q *queries) InsertDocument(ctx context.Context, d Document) (Document, error) {
	err := q.db.QueryRow(ctx, `INSERT INTO ledger_documents (registered_at, owner_id, contractor_id, customer_id, type_id, author_id, sum_final, sum_explicit, extinfo)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id, created_at`,
		d.RegisteredAt, d.OwnerID, d.ContractorID, d.CustomerID, d.TypeID, d.AuthorID, d.SumFinal, d.SumExplicit, d.ExtInfo).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return Document{}, translate(err, "insert document")
	}
	return d, nil
}

func (q *queries) UpdateDocumentSum(ctx context.Context, id int64, sum decimal.Decimal, explicit bool) error {
	tag, err := q.db.Exec(ctx, `UPDATE ledger_documents SET sum_final=$2, sum_explicit=$3 WHERE id=$1`, id, sum, explicit)
	if err != nil {
		return translate(err, "update document sum")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %d", ErrNotFound, id)
	}
	return nil
}

func (q *queries) DeleteDocument(ctx context.Context, id int64) ([]int64, error) {
	rows, err := q.db.Query(ctx, `SELECT DISTINCT r.product_id FROM ledger_records r
JOIN ledger_registers g ON g.record_id = r.id WHERE r.document_id=$1`, id)
	if err != nil {
		return nil, translate(err, "posted products")
	}
	products, err := collect(rows, func(row pgx.Row) (int64, error) {
		var pid int64
		return pid, row.Scan(&pid)
	})
	if err != nil {
		return nil, translate(err, "posted products")
	}
	tag, err := q.db.Exec(ctx, `DELETE FROM ledger_documents WHERE id=$1`, id)
	if err != nil {
		return nil, translate(err, "delete document")
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: document %d", ErrNotFound, id)
	}
	return products, nil
}

func (q *queries) GetRecord(ctx context.Context, id int64) (Record, error) {
	r, err := scanRecord(q.db.QueryRow(ctx, `SELECT `+recordColumnSet+` FROM ledger_records WHERE id=$1`, id))
	return r, translate(err, "record "+strconv.FormatInt(id, 10))
}

func (q *queries) InsertRecord(ctx context.Context, r Record) (Record, error) {
	err := q.db.QueryRow(ctx, `INSERT INTO ledger_records (document_id, product_id, count, cost, price, currency, extinfo)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		r.DocumentID, r.ProductID, r.Count, r.Cost, r.Price, r.Currency, r.ExtInfo).Scan(&r.ID)
	if err != nil {
		return Record{}, translate(err, "insert record")
	}
	return r, nil
}

func (q *queries) RecordsByDocument(ctx context.Context, documentID int64) ([]Record, error) {
	rows, err := q.db.Query(ctx, `SELECT `+recordColumnSet+` FROM ledger_records WHERE document_id=$1 ORDER BY id`, documentID)
	if err != nil {
		return nil, translate(err, "list document records")
	}
	recs, err := collect(rows, scanRecord)
	return recs, translate(err, "scan document records")
}

func (q *queries) InsertRegister(ctx context.Context, recordID int64) (Register, error) {
	reg := Register{RecordID: recordID}
	err := q.db.QueryRow(ctx, `INSERT INTO ledger_registers (record_id) VALUES ($1)
ON CONFLICT (record_id) DO NOTHING RETURNING id, created_at`, recordID).Scan(&reg.ID, &reg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Register{}, ErrAlreadyRegistered
	}
	if err != nil {
		return Register{}, translate(err, "insert register")
	}
	return reg, nil
}

func (q *queries) DeleteRegistersByDocument(ctx context.Context, documentID int64) ([]Record, error) {
	rows, err := q.db.Query(ctx, `DELETE FROM ledger_registers g USING ledger_records r
WHERE g.record_id = r.id AND r.document_id=$1
RETURNING r.id, r.document_id, r.product_id, r.count, r.cost, r.price, r.currency, r.extinfo`, documentID)
	if err != nil {
		return nil, translate(err, "delete registers")
	}
	recs, err := collect(rows, scanRecord)
	return recs, translate(err, "delete registers")
}

func (q *queries) RegisteredRecordIDs(ctx context.Context, documentID int64) (map[int64]bool, error) {
	rows, err := q.db.Query(ctx, `SELECT g.record_id FROM ledger_registers g
JOIN ledger_records r ON r.id = g.record_id WHERE r.document_id=$1`, documentID)
	if err != nil {
		return nil, translate(err, "registered records")
	}
	ids, err := collect(rows, func(row pgx.Row) (int64, error) {
		var id int64
		return id, row.Scan(&id)
	})
	if err != nil {
		return nil, translate(err, "registered records")
	}
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (q *queries) DocumentTotals(ctx context.Context, documentID int64) (Totals, error) {
	var t Totals
	err := q.db.QueryRow(ctx, `SELECT COALESCE(SUM(count * cost), 0), COALESCE(SUM(count * price), 0)
FROM ledger_records WHERE document_id=$1`, documentID).Scan(&t.Cost, &t.Price)
	return t, translate(err, "document totals")
}

// ListTypes returns every document type ordered by alias.
func (r *Repository) ListTypes(ctx context.Context) ([]DocumentType, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+typeColumns+` FROM ledger_doc_types ORDER BY alias`)
	if err != nil {
		return nil, translate(err, "list document types")
	}
	types, err := collect(rows, scanType)
	return types, translate(err, "list document types")
}

func whereClause(conds []condition) (string, []any) {
	if len(conds) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(conds))
	args := make([]any, 0, len(conds))
	for i, c := range conds {
		parts = append(parts, c.Column+"=$"+strconv.Itoa(i+1))
		args = append(args, c.Value)
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func (r *Repository) list(ctx context.Context, table, selectSQL, order string, conds []condition, filter Filter) (pgx.Rows, int, error) {
	where, args := whereClause(conds)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+table+where, args...).Scan(&total); err != nil {
		return nil, 0, translate(err, "count "+table)
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	args = append(args, page.PerPage, page.Offset())
	n := len(args)
	rows, err := r.pool.Query(ctx, selectSQL+where+` ORDER BY `+order+` LIMIT $`+strconv.Itoa(n-1)+` OFFSET $`+strconv.Itoa(n), args...)
	if err != nil {
		return nil, 0, translate(err, "list "+table)
	}
	return rows, total, nil
}

// ListDocuments returns a page of documents, newest business date first.
func (r *Repository) ListDocuments(ctx context.Context, filter Filter) ([]Document, int, error) {
	conds, err := filter.compile(documentColumns)
	if err != nil {
		return nil, 0, err
	}
	rows, total, err := r.list(ctx, "ledger_documents", documentSelect, "registered_at DESC, id DESC", conds, filter)
	if err != nil {
		return nil, 0, err
	}
	docs, err := collect(rows, scanDocument)
	return docs, total, translate(err, "scan documents")
}

// ListRecords returns a page of records in insertion order.
func (r *Repository) ListRecords(ctx context.Context, filter Filter) ([]Record, int, error) {
	conds, err := filter.compile(recordColumns)
	if err != nil {
		return nil, 0, err
	}
	rows, total, err := r.list(ctx, "ledger_records", `SELECT `+recordColumnSet+` FROM ledger_records`, "id ASC", conds, filter)
	if err != nil {
		return nil, 0, err
	}
	recs, err := collect(rows, scanRecord)
	return recs, total, translate(err, "scan records")
}

// PostedQuantity sums posted counts of a product split by document direction.
func (r *Repository) PostedQuantity(ctx context.Context, productID int64) (Movement, error) {
	var m Movement
	err := r.pool.QueryRow(ctx, `SELECT
    COALESCE(SUM(r.count) FILTER (WHERE t.income), 0),
    COALESCE(SUM(r.count) FILTER (WHERE NOT t.income), 0)
FROM ledger_records r
JOIN ledger_registers g ON g.record_id = r.id
JOIN ledger_documents d ON d.id = r.document_id
JOIN ledger_doc_types t ON t.id = d.type_id
WHERE r.product_id=$1`, productID).Scan(&m.Income, &m.Expense)
	return m, translate(err, "posted quantity")
}

// LatestPosting finds the newest posted document for a product.
func (r *Repository) LatestPosting(ctx context.Context, productID int64) (PostingMark, bool, error) {
	var m PostingMark
	err := r.pool.QueryRow(ctx, `SELECT d.registered_at, d.id
FROM ledger_documents d
JOIN ledger_records r ON r.document_id = d.id
JOIN ledger_registers g ON g.record_id = r.id
WHERE r.product_id=$1
ORDER BY d.registered_at DESC, d.id DESC
LIMIT 1`, productID).Scan(&m.RegisteredAt, &m.DocumentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return PostingMark{}, false, nil
	}
	if err != nil {
		return PostingMark{}, false, translate(err, "latest posting")
	}
	return m, true, nil
}
