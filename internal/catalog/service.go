package catalog

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/usermicrodevices/prod/internal/platform/httpx"
)

// Service exposes catalog reads and the small write surface used by seeding and the API.
type Service struct {
	store    Store
	validate *validator.Validate
}

// NewService builds Service.
func NewService(store Store) *Service {
	return &Service{store: store, validate: httpx.NewValidator()}
}

// ProductInput is the payload for creating a product.
type ProductInput struct {
	Article  string          `json:"article"`
	Name     string          `json:"name" validate:"required"`
	Unit     string          `json:"unit"`
	Cost     decimal.Decimal `json:"cost"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	Barcodes []string        `json:"barcodes"`
}

// CreateProduct validates and stores a product.
func (s *Service) CreateProduct(ctx context.Context, in ProductInput) (Product, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := httpx.Validate(s.validate, in); err != nil {
		return Product{}, err
	}
	if in.Cost.IsNegative() {
		return Product{}, httpx.FieldError("cost", "must not be negative")
	}
	if in.Price.IsNegative() {
		return Product{}, httpx.FieldError("price", "must not be negative")
	}
	return s.store.CreateProduct(ctx, Product{
		Article:  strings.TrimSpace(in.Article),
		Name:     in.Name,
		Unit:     in.Unit,
		Cost:     in.Cost,
		Price:    in.Price,
		Currency: in.Currency,
		Barcodes: in.Barcodes,
	})
}

// CreateCompany stores a company.
func (s *Service) CreateCompany(ctx context.Context, name string) (Company, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Company{}, httpx.FieldError("name", "is required")
	}
	return s.store.CreateCompany(ctx, Company{Name: name})
}

// GetProduct returns one product.
func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	return s.store.GetProduct(ctx, id)
}

// ListProducts returns a filtered page.
func (s *Service) ListProducts(ctx context.Context, filter ListFilter) ([]Product, int, error) {
	return s.store.ListProducts(ctx, filter)
}
