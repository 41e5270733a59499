package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/usermicrodevices/prod/internal/shared"
)

// Repository is the PostgreSQL Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const productColumns = `id, article, name, unit, cost, price, currency, barcodes, extinfo, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Article, &p.Name, &p.Unit, &p.Cost, &p.Price, &p.Currency, &p.Barcodes, &p.ExtInfo, &p.UpdatedAt)
	return p, err
}

// GetProduct loads a product by id.
func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	p, err := scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("%w: product %d", ErrNotFound, id)
	}
	if err != nil {
		return Product{}, fmt.Errorf("catalog: get product: %w", err)
	}
	return p, nil
}

// ListProducts returns a page of products ordered by name and the total match count.
func (r *Repository) ListProducts(ctx context.Context, filter ListFilter) ([]Product, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		n := strconv.Itoa(len(args))
		where += ` AND (name ILIKE $` + n + ` OR article ILIKE $` + n + `)`
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("catalog: count products: %w", err)
	}

	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	args = append(args, page.PerPage, page.Offset())
	query := `SELECT ` + productColumns + ` FROM products` + where +
		` ORDER BY name ASC, id ASC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("catalog: list products: %w", err)
	}
	defer rows.Close()

	products := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	return products, total, rows.Err()
}

// CreateProduct inserts a product.
func (r *Repository) CreateProduct(ctx context.Context, p Product) (Product, error) {
	p.UpdatedAt = time.Now().UTC()
	err := r.pool.QueryRow(ctx, `INSERT INTO products (article, name, unit, cost, price, currency, barcodes, extinfo, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		p.Article, p.Name, p.Unit, p.Cost, p.Price, p.Currency, p.Barcodes, p.ExtInfo, p.UpdatedAt).Scan(&p.ID)
	if shared.IsUniqueViolation(err) {
		return Product{}, fmt.Errorf("%w: %s", ErrDuplicate, p.Article)
	}
	if err != nil {
		return Product{}, fmt.Errorf("catalog: insert product: %w", err)
	}
	return p, nil
}

// UpdateReference overwrites the reference cost and/or price.
func (r *Repository) UpdateReference(ctx context.Context, productID int64, upd ReferenceUpdate) error {
	if upd.Empty() {
		return nil
	}
	tag, err := r.pool.Exec(ctx, `UPDATE products SET cost=COALESCE($2, cost), price=COALESCE($3, price), updated_at=NOW() WHERE id=$1`,
		productID, upd.Cost, upd.Price)
	if err != nil {
		return fmt.Errorf("catalog: update reference: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: product %d", ErrNotFound, productID)
	}
	return nil
}

// GetCompany loads a company by id.
func (r *Repository) GetCompany(ctx context.Context, id int64) (Company, error) {
	var c Company
	err := r.pool.QueryRow(ctx, `SELECT id, name, extinfo FROM companies WHERE id=$1`, id).Scan(&c.ID, &c.Name, &c.ExtInfo)
	if errors.Is(err, pgx.ErrNoRows) {
		return Company{}, fmt.Errorf("%w: company %d", ErrNotFound, id)
	}
	if err != nil {
		return Company{}, fmt.Errorf("catalog: get company: %w", err)
	}
	return c, nil
}

// CreateCompany inserts a company.
func (r *Repository) CreateCompany(ctx context.Context, c Company) (Company, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO companies (name, extinfo) VALUES ($1, $2) RETURNING id`, c.Name, c.ExtInfo).Scan(&c.ID)
	if err != nil {
		return Company{}, fmt.Errorf("catalog: insert company: %w", err)
	}
	return c, nil
}
