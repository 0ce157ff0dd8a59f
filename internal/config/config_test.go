package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("demo")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "demo", cfg.Store.ID)
	assert.Equal(t, []string{"demo.monthly", "demo.lifetime"}, cfg.Store.ProductIDs)
	assert.Equal(t, "HS256", cfg.Verification.Algorithm)
	assert.Len(t, cfg.Sandbox.Products, 2)
	assert.Equal(t, 10*time.Second, cfg.CatalogTimeout())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing store id", func(c *Config) { c.Store.ID = "" }, "store.id"},
		{"no products", func(c *Config) { c.Store.ProductIDs = nil }, "product_ids is required"},
		{"duplicate product", func(c *Config) { c.Store.ProductIDs = []string{"a", "a"} }, "twice"},
		{"empty product", func(c *Config) { c.Store.ProductIDs = []string{" "} }, "empty id"},
		{"hs256 without secret", func(c *Config) { c.Verification.Secret = "" }, "secret"},
		{"es256 without key", func(c *Config) { c.Verification.Algorithm = "ES256" }, "public_key_file"},
		{"unknown algorithm", func(c *Config) { c.Verification.Algorithm = "none" }, "HS256 or ES256"},
		{"bad period", func(c *Config) { c.Sandbox.Products[0].Period = "monthly" }, "invalid period"},
		{"bad kind", func(c *Config) { c.Sandbox.Products[0].Kind = "consumable" }, "unknown kind"},
		{"bad price", func(c *Config) { c.Sandbox.Products[1].Price = "free" }, "invalid price"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"redis without target", func(c *Config) { c.Publish.Redis.Addr = "localhost:6379" }, "key or a channel"},
		{"webhook without url", func(c *Config) { c.Webhooks = []WebhookConfig{{}} }, "empty url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("demo")
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	assert.ErrorContains(t, err, "sl config init")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("shop", "k3y")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "k3y", cfg.Verification.Secret)
	assert.Equal(t, filepath.Join(dir, "storeline.yml"), Path(dir))

	cfg, err = FromFile(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, "shop", cfg.Store.ID)
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	_, err := FromYAML([]byte("store: ["))
	assert.ErrorContains(t, err, "invalid config yaml")
}

func TestCatalogTimeout(t *testing.T) {
	cfg := Default("demo")
	cfg.Catalog.TimeoutSeconds = 3
	assert.Equal(t, 3*time.Second, cfg.CatalogTimeout())
}
