package ledger

import (
	"context"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
)

// Reader exposes the ledger queries available both inside and outside a transaction.
type Reader interface {
	GetType(ctx context.Context, id int64) (DocumentType, error)
	GetTypeByAlias(ctx context.Context, alias string) (DocumentType, error)
	GetDocument(ctx context.Context, id int64) (Document, error)
	GetRecord(ctx context.Context, id int64) (Record, error)
	RecordsByDocument(ctx context.Context, documentID int64) ([]Record, error)
	RegisteredRecordIDs(ctx context.Context, documentID int64) (map[int64]bool, error)
	DocumentTotals(ctx context.Context, documentID int64) (Totals, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	Reader
	InsertType(ctx context.Context, t DocumentType) (DocumentType, error)
	InsertDocument(ctx context.Context, doc Document) (Document, error)
	GetDocumentForUpdate(ctx context.Context, id int64) (Document, error)
	UpdateDocumentSum(ctx context.Context, id int64, sum decimal.Decimal, explicit bool) error
	// DeleteDocument removes the document with its records and registers and returns
	// the products whose posted quantity changed.
	DeleteDocument(ctx context.Context, id int64) ([]int64, error)
	InsertRecord(ctx context.Context, rec Record) (Record, error)
	// InsertRegister returns ErrAlreadyRegistered when the record is already posted.
	InsertRegister(ctx context.Context, recordID int64) (Register, error)
	// DeleteRegistersByDocument returns the records that lost their Register.
	DeleteRegistersByDocument(ctx context.Context, documentID int64) ([]Record, error)
	// Savepoint runs fn so that its failure undoes only fn's writes.
	Savepoint(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	Reader
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListTypes(ctx context.Context) ([]DocumentType, error)
	ListDocuments(ctx context.Context, filter Filter) ([]Document, int, error)
	ListRecords(ctx context.Context, filter Filter) ([]Record, int, error)
	PostedQuantity(ctx context.Context, productID int64) (Movement, error)
	// LatestPosting returns the newest posted document touching the product.
	LatestPosting(ctx context.Context, productID int64) (PostingMark, bool, error)
}

// Filter is a field-equality filter with pagination.
type Filter struct {
	Equals  map[string]string
	Page    int
	PerPage int
}

type condition struct {
	Column string
	Value  any
}

var (
	documentColumns = map[string]bool{"id": true, "type_id": true, "owner_id": true, "contractor_id": true, "customer_id": true, "author_id": true}
	recordColumns   = map[string]bool{"id": true, "document_id": true, "product_id": true, "currency": false}
)

// compile validates filter fields against the entity whitelist. The map value says
// whether the column holds an integer id.
func (f Filter) compile(columns map[string]bool) ([]condition, error) {
	conds := make([]condition, 0, len(f.Equals))
	for field, raw := range f.Equals {
		numeric, ok := columns[field]
		if !ok {
			return nil, invalid(field, "is not a filterable field")
		}
		if !numeric {
			conds = append(conds, condition{Column: field, Value: raw})
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, invalid(field, "must be an integer")
		}
		conds = append(conds, condition{Column: field, Value: v})
	}
	sort.Slice(conds, func(i, j int) bool { return conds[i].Column < conds[j].Column })
	return conds, nil
}
