package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/usermicrodevices/prod/internal/catalog"
	"github.com/usermicrodevices/prod/internal/ledger"
)

// TypeSeeder is the ledger slice used by Seed.
type TypeSeeder interface {
	SeedDefaultTypes(ctx context.Context) error
	ListTypes(ctx context.Context) ([]ledger.DocumentType, error)
}

// SeedSummary reports what Seed created.
type SeedSummary struct {
	Companies int
	Products  int
	Types     int
}

func (s SeedSummary) String() string {
	return fmt.Sprintf("seeded companies=%d products=%d document_types=%d", s.Companies, s.Products, s.Types)
}

var (
	seedCompanies = []string{"Own Company", "Cash Customer"}
	seedProducts  = []catalog.Product{
		{Article: "TEA-001", Name: "Black tea 100g", Unit: "pcs", Cost: decimal.RequireFromString("1.20"), Price: decimal.RequireFromString("2.50")},
		{Article: "COF-001", Name: "Ground coffee 250g", Unit: "pcs", Cost: decimal.RequireFromString("3.40"), Price: decimal.RequireFromString("6.90")},
		{Article: "SUG-001", Name: "Sugar", Unit: "kg", Cost: decimal.RequireFromString("0.80"), Price: decimal.RequireFromString("1.35")},
	}
)

// Seed creates the default companies, demo products and document types. Running it
// twice leaves existing rows in place.
func Seed(ctx context.Context, store catalog.Store, types TypeSeeder) (SeedSummary, error) {
	summary := SeedSummary{}
	for i, name := range seedCompanies {
		_, err := store.GetCompany(ctx, int64(i+1))
		if err == nil {
			continue
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			return summary, err
		}
		if _, err := store.CreateCompany(ctx, catalog.Company{Name: name}); err != nil {
			return summary, fmt.Errorf("seed company %s: %w", name, err)
		}
		summary.Companies++
	}
	for _, p := range seedProducts {
		_, err := store.CreateProduct(ctx, p)
		if errors.Is(err, catalog.ErrDuplicate) {
			continue
		}
		if err != nil {
			return summary, fmt.Errorf("seed product %s: %w", p.Article, err)
		}
		summary.Products++
	}
	if err := types.SeedDefaultTypes(ctx); err != nil {
		return summary, err
	}
	all, err := types.ListTypes(ctx)
	if err != nil {
		return summary, err
	}
	summary.Types = len(all)
	return summary, nil
}
