package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storeline/internal/config"
	"storeline/internal/engine"
)

func TestOpenWiresSandbox(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, t.TempDir(), config.Default("demo"), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Remote)
	assert.Nil(t, a.Publisher)
	products, err := a.Engine.RefreshCatalog(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, products, 2)

	p, err := a.Engine.ProductByID("demo.lifetime")
	require.NoError(t, err)
	res, err := a.Engine.Purchase(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, engine.PurchaseStatusSuccess, res.Status)
	assert.True(t, a.Engine.HasEntitlement("demo.lifetime"))
}

func TestOpenIsRepeatable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		a, err := Open(ctx, dir, config.Default("demo"), zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, a.Close())
	}
}

func TestStartPublisherMirrorsToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default("demo")
	cfg.Publish.Redis = config.RedisPublish{Addr: mr.Addr(), Key: "demo:entitlements"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Open(ctx, t.TempDir(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Publisher)
	a.StartPublisher(ctx)

	_, err = a.Engine.RefreshCatalog(ctx, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, err := mr.Get("demo:entitlements")
		return err == nil && v != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResolveConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := ResolveConfig(dir, "")
	assert.Error(t, err)

	path := config.Path(dir)
	require.NoError(t, os.WriteFile(path, []byte(config.GenerateDefault("demo", "x")), 0o644))
	cfg, err := ResolveConfig(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Store.ID)

	cfg, err = ResolveConfig(t.TempDir(), path)
	require.NoError(t, err)
	assert.Equal(t, "x", cfg.Verification.Secret)
}
