package catalog

import "context"

// Store persists catalog data.
type Store interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	ListProducts(ctx context.Context, filter ListFilter) ([]Product, int, error)
	CreateProduct(ctx context.Context, p Product) (Product, error)
	UpdateReference(ctx context.Context, productID int64, upd ReferenceUpdate) error
	GetCompany(ctx context.Context, id int64) (Company, error)
	CreateCompany(ctx context.Context, c Company) (Company, error)
}
