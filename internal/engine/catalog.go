package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"storeline/internal/domain"
)

// ProductLookup resolves a product identifier.
type ProductLookup interface {
	Lookup(id string) (domain.Product, bool)
}

// CatalogSnapshot is an immutable view of one catalog refresh.
type CatalogSnapshot map[string]domain.Product

func (s CatalogSnapshot) Lookup(id string) (domain.Product, bool) {
	p, ok := s[id]
	return p, ok
}

// ProductCatalog holds the products of the last successful refresh.
type ProductCatalog struct {
	service CatalogService

	mu          sync.RWMutex
	products    CatalogSnapshot
	refreshedAt time.Time
}

func NewProductCatalog(service CatalogService) *ProductCatalog {
	return &ProductCatalog{service: service, products: CatalogSnapshot{}}
}

// Refresh asks the catalog service for exactly ids and replaces the held
// products with the response. On failure the previous products are kept.
func (c *ProductCatalog) Refresh(ctx context.Context, ids []string) error {
	requested := dedupe(ids)
	products, err := c.service.FetchProducts(ctx, requested)
	if err != nil {
		return &CatalogError{IDs: requested, Err: err}
	}
	next := make(CatalogSnapshot, len(products))
	for _, p := range products {
		if p.ID == "" {
			continue
		}
		next[p.ID] = p
	}
	c.mu.Lock()
	c.products = next
	c.refreshedAt = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

func (c *ProductCatalog) Lookup(id string) (domain.Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[id]
	return p, ok
}

// Snapshot returns the current products. The map must not be modified.
func (c *ProductCatalog) Snapshot() CatalogSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.products
}

// Products lists the catalog ordered by price, then id.
func (c *ProductCatalog) Products() []domain.Product {
	snap := c.Snapshot()
	out := make([]domain.Product, 0, len(snap))
	for _, p := range snap {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if cmp := out[i].Price.Cmp(out[j].Price); cmp != 0 {
			return cmp < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *ProductCatalog) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
