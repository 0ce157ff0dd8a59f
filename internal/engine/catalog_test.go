package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storeline/internal/domain"
	"storeline/internal/engine"
)

func TestCatalogRefreshReplacesProducts(t *testing.T) {
	svc := &fakeCatalog{products: []domain.Product{product("A", "1"), product("B", "2"), product("C", "3")}}
	cat := engine.NewProductCatalog(svc)
	ctx := context.Background()

	require.NoError(t, cat.Refresh(ctx, []string{"A", "B", "A"}))
	assert.Equal(t, []string{"A", "B"}, svc.calls[0], "duplicate ids are requested once")
	assert.Len(t, cat.Products(), 2)

	require.NoError(t, cat.Refresh(ctx, []string{"C", "missing"}))
	_, ok := cat.Lookup("A")
	assert.False(t, ok, "refresh replaces the whole catalog")
	p, ok := cat.Lookup("C")
	require.True(t, ok)
	assert.Equal(t, "C", p.ID)
	_, ok = cat.Lookup("missing")
	assert.False(t, ok)
	assert.False(t, cat.RefreshedAt().IsZero())
}

func TestCatalogRefreshFailureKeepsStaleCatalog(t *testing.T) {
	svc := &fakeCatalog{products: []domain.Product{product("A", "1")}}
	cat := engine.NewProductCatalog(svc)
	ctx := context.Background()
	require.NoError(t, cat.Refresh(ctx, []string{"A"}))

	svc.err = errBoom
	err := cat.Refresh(ctx, []string{"A"})
	var ce *engine.CatalogError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"A"}, ce.IDs)
	assert.ErrorIs(t, err, errBoom)

	_, ok := cat.Lookup("A")
	assert.True(t, ok, "stale catalog preferred over empty")
}

func TestCatalogProductsOrderedByPrice(t *testing.T) {
	svc := &fakeCatalog{products: []domain.Product{product("lifetime", "49.99"), product("monthly", "4.99"), product("annual", "39.99")}}
	cat := engine.NewProductCatalog(svc)
	require.NoError(t, cat.Refresh(context.Background(), []string{"lifetime", "monthly", "annual"}))

	var ids []string
	for _, p := range cat.Products() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"monthly", "annual", "lifetime"}, ids)
}
