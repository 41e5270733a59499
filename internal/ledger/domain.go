package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/usermicrodevices/prod/internal/platform/httpx"
)

// DocumentType classifies documents. Income decides the stock direction and the
// valuation basis; AutoRegister decides whether records post on creation.
type DocumentType struct {
	ID           int64  `json:"id"`
	Alias        string `json:"alias"`
	Name         string `json:"name"`
	Income       bool   `json:"income"`
	AutoRegister bool   `json:"auto_register"`
	Description  string `json:"description,omitempty"`
}

// Document is one business transaction.
type Document struct {
	ID           int64           `json:"id"`
	CreatedAt    time.Time       `json:"created_at"`
	RegisteredAt time.Time       `json:"registered_at"`
	OwnerID      int64           `json:"owner_id"`
	ContractorID int64           `json:"contractor_id"`
	CustomerID   *int64          `json:"customer_id,omitempty"`
	TypeID       int64           `json:"type_id"`
	AuthorID     int64           `json:"author_id"`
	SumFinal     decimal.Decimal `json:"sum_final"`
	// SumExplicit marks a caller supplied sum_final. Record inserts leave it alone
	// until RecomputeSum clears the flag.
	SumExplicit bool           `json:"sum_explicit"`
	ExtInfo     map[string]any `json:"extinfo,omitempty"`
}

// Record is one line item of a Document.
type Record struct {
	ID         int64           `json:"id"`
	DocumentID int64           `json:"document_id"`
	ProductID  int64           `json:"product_id"`
	Count      decimal.Decimal `json:"count"`
	Cost       decimal.Decimal `json:"cost"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency,omitempty"`
	ExtInfo    map[string]any  `json:"extinfo,omitempty"`
}

// Basis returns the valuation of one unit for the given direction.
func (r Record) Basis(income bool) decimal.Decimal {
	if income {
		return r.Cost
	}
	return r.Price
}

// Register marks a Record as posted. At most one exists per Record.
type Register struct {
	ID        int64     `json:"id"`
	RecordID  int64     `json:"record_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Totals aggregates a document's records.
type Totals struct {
	Cost  decimal.Decimal
	Price decimal.Decimal
}

// For picks the total matching the document direction.
func (t Totals) For(income bool) decimal.Decimal {
	if income {
		return t.Cost
	}
	return t.Price
}

// Movement is the posted quantity of one product split by direction.
type Movement struct {
	Income  decimal.Decimal
	Expense decimal.Decimal
}

// OnHand is income minus expense.
func (m Movement) OnHand() decimal.Decimal { return m.Income.Sub(m.Expense) }

// PostingMark identifies the chronological position of a posted document.
type PostingMark struct {
	RegisteredAt time.Time
	DocumentID   int64
}

// After orders marks by registered_at, then by document id.
func (m PostingMark) After(o PostingMark) bool {
	if !m.RegisteredAt.Equal(o.RegisteredAt) {
		return m.RegisteredAt.After(o.RegisteredAt)
	}
	return m.DocumentID > o.DocumentID
}

// RecordView is a record with its posting status.
type RecordView struct {
	Record
	Posted bool `json:"posted"`
}

// DocumentView is a document with its type and records, used by read endpoints and print/export.
type DocumentView struct {
	Document
	Type    DocumentType `json:"type"`
	Records []RecordView `json:"records"`
}

// TypeInput describes a DocumentType for get-or-create. Nil flags fall back to the
// defaults for the alias.
type TypeInput struct {
	Alias        string `json:"alias" validate:"required,max=64"`
	Name         string `json:"name"`
	Income       *bool  `json:"income"`
	AutoRegister *bool  `json:"auto_register"`
	Description  string `json:"description"`
}

// RecordInput is one line item supplied by an entry point. Cost and Price default to
// the product reference when omitted.
type RecordInput struct {
	ProductID int64            `json:"product_id" validate:"required,gt=0"`
	Count     decimal.Decimal  `json:"count"`
	Price     *decimal.Decimal `json:"price"`
	Cost      *decimal.Decimal `json:"cost"`
	Currency  string           `json:"currency"`
	ExtInfo   map[string]any   `json:"extinfo"`
}

// DocumentInput creates a Document together with its records.
type DocumentInput struct {
	Type         string          `json:"type" validate:"required"`
	RegisteredAt *time.Time      `json:"registered_at" validate:"required"`
	OwnerID      int64           `json:"owner_id" validate:"required,gt=0"`
	ContractorID int64           `json:"contractor_id" validate:"required,gt=0"`
	CustomerID   *int64          `json:"customer_id" validate:"omitempty,gt=0"`
	SumFinal     decimal.Decimal `json:"sum_final"`
	ExtInfo      map[string]any  `json:"extinfo"`
	Records      []RecordInput   `json:"records" validate:"dive"`

	AuthorID int64 `json:"-"`
	// RequireSum rejects payloads without a non-zero sum_final.
	RequireSum bool `json:"-"`
}

// CreateResult is returned by document creation.
type CreateResult struct {
	DocumentID     int64           `json:"id"`
	RecordsCreated int             `json:"records_created"`
	RecordsPosted  int             `json:"records_posted"`
	SumFinal       decimal.Decimal `json:"sum_final"`
}

// AddRecordResult is returned when a record is appended to an existing document.
type AddRecordResult struct {
	Record   Record          `json:"record"`
	Posted   bool            `json:"posted"`
	SumFinal decimal.Decimal `json:"sum_final"`
}

var (
	// ErrValidation marks malformed or incomplete input.
	ErrValidation = fmt.Errorf("ledger: %w", httpx.ErrValidation)
	// ErrReferenceNotFound marks a reference to a missing product, company or document type.
	ErrReferenceNotFound = fmt.Errorf("ledger: reference not found: %w", httpx.ErrValidation)
	// ErrNotFound marks a missing ledger entity.
	ErrNotFound = fmt.Errorf("ledger: %w", httpx.ErrNotFound)
	// ErrDuplicate marks a unique key conflict.
	ErrDuplicate = fmt.Errorf("ledger: %w", httpx.ErrDuplicate)
	// ErrAlreadyRegistered is returned by stores when a Register already exists for a Record.
	ErrAlreadyRegistered = errors.New("ledger: record already registered")
	// ErrLocked is returned when another worker holds the document lock.
	ErrLocked = fmt.Errorf("ledger: document locked: %w", httpx.ErrConflict)
)

func invalid(field, msg string) error {
	return fmt.Errorf("%w: %w", ErrValidation, httpx.FieldError(field, msg))
}

func missingRef(field string, err error) error {
	return fmt.Errorf("%w: %w: %v", ErrReferenceNotFound, httpx.FieldError(field, "does not exist"), err)
}

// defaultTypes are the document types every installation starts with.
var defaultTypes = []DocumentType{
	{Alias: "receipt", Name: "Receipt", Income: true, AutoRegister: true},
	{Alias: "balance", Name: "Balance", Income: true, AutoRegister: true},
	{Alias: "sale", Name: "Sale", Income: false, AutoRegister: true},
	{Alias: "expense", Name: "Expense", Income: false, AutoRegister: true},
	{Alias: "order", Name: "Order", Income: true, AutoRegister: false},
	{Alias: "order_customer", Name: "Order Customer", Income: true, AutoRegister: false},
}

// typeDefaults returns the seed definition for alias, or an income auto-register type.
func typeDefaults(alias string) DocumentType {
	for _, t := range defaultTypes {
		if t.Alias == alias {
			return t
		}
	}
	return DocumentType{Alias: alias, Name: alias, Income: true, AutoRegister: true}
}
