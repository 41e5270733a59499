package catalog

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/usermicrodevices/prod/internal/platform/httpx"
)

// Product is the catalog reference a ledger Record points at. Cost and Price are the
// reference values used as record defaults and updated by ledger write-back.
type Product struct {
	ID        int64           `json:"id"`
	Article   string          `json:"article"`
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	Cost      decimal.Decimal `json:"cost"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency"`
	Barcodes  []string        `json:"barcodes,omitempty"`
	ExtInfo   map[string]any  `json:"extinfo,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Company is an owner, contractor or customer of a ledger document.
type Company struct {
	ID      int64          `json:"id"`
	Name    string         `json:"name"`
	ExtInfo map[string]any `json:"extinfo,omitempty"`
}

// ListFilter narrows product listings.
type ListFilter struct {
	Search  string
	Page    int
	PerPage int
}

// ReferenceUpdate carries write-back values. A nil field is left untouched.
type ReferenceUpdate struct {
	Cost  *decimal.Decimal
	Price *decimal.Decimal
}

// Empty reports whether the update would change nothing.
func (u ReferenceUpdate) Empty() bool { return u.Cost == nil && u.Price == nil }

var (
	// ErrNotFound is returned for unknown product or company ids.
	ErrNotFound = fmt.Errorf("catalog: %w", httpx.ErrNotFound)
	// ErrDuplicate is returned when a product article is already taken.
	ErrDuplicate = fmt.Errorf("catalog: article %w", httpx.ErrDuplicate)
)
