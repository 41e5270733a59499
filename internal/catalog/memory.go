package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/usermicrodevices/prod/internal/shared"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	products  map[int64]Product
	companies map[int64]Company
	nextID    int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{products: map[int64]Product{}, companies: map[int64]Company{}}
}

func (m *MemoryStore) GetProduct(_ context.Context, id int64) (Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return Product{}, fmt.Errorf("%w: product %d", ErrNotFound, id)
	}
	return p, nil
}

func (m *MemoryStore) ListProducts(_ context.Context, filter ListFilter) ([]Product, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	needle := strings.ToLower(filter.Search)
	matched := make([]Product, 0, len(m.products))
	for _, p := range m.products {
		if needle != "" && !strings.Contains(strings.ToLower(p.Name), needle) && !strings.Contains(strings.ToLower(p.Article), needle) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Name != matched[j].Name {
			return matched[i].Name < matched[j].Name
		}
		return matched[i].ID < matched[j].ID
	})
	page := shared.NewPagination(filter.Page, filter.PerPage, len(matched))
	start := min(page.Offset(), len(matched))
	end := min(start+page.PerPage, len(matched))
	return matched[start:end], len(matched), nil
}

func (m *MemoryStore) CreateProduct(_ context.Context, p Product) (Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.products {
		if p.Article != "" && existing.Article == p.Article {
			return Product{}, fmt.Errorf("%w: %s", ErrDuplicate, p.Article)
		}
	}
	m.nextID++
	p.ID = m.nextID
	p.UpdatedAt = time.Now().UTC()
	m.products[p.ID] = p
	return p, nil
}

func (m *MemoryStore) UpdateReference(_ context.Context, productID int64, upd ReferenceUpdate) error {
	if upd.Empty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return fmt.Errorf("%w: product %d", ErrNotFound, productID)
	}
	if upd.Cost != nil {
		p.Cost = *upd.Cost
	}
	if upd.Price != nil {
		p.Price = *upd.Price
	}
	p.UpdatedAt = time.Now().UTC()
	m.products[productID] = p
	return nil
}

func (m *MemoryStore) GetCompany(_ context.Context, id int64) (Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.companies[id]
	if !ok {
		return Company{}, fmt.Errorf("%w: company %d", ErrNotFound, id)
	}
	return c, nil
}

func (m *MemoryStore) CreateCompany(_ context.Context, c Company) (Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	m.companies[c.ID] = c
	return c, nil
}
