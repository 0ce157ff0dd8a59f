package sandbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storeline/internal/config"
	"storeline/internal/db"
	"storeline/internal/engine"
	"storeline/internal/engine/auth"
	"storeline/internal/events"
	"storeline/internal/migrate"
	"storeline/internal/repo"
	"storeline/internal/sandbox"
)

func newEngine(t *testing.T) (*engine.Engine, *sandbox.Platform, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default("demo")
	signer, err := auth.NewSigner(cfg.Verification)
	require.NoError(t, err)
	oracle, err := auth.NewOracle(cfg.Verification)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	plat := sandbox.New(r, signer, oracle, "sandbox", nil)
	require.NoError(t, plat.Seed(context.Background(), cfg.Sandbox.Products))

	e := engine.New(engine.Deps{
		Platform:   plat,
		Catalog:    plat,
		Events:     events.Writer{DB: conn},
		ProductIDs: cfg.Store.ProductIDs,
	})
	return e, plat, r
}

func TestEngineOverSandbox(t *testing.T) {
	e, plat, r := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := e.Start(ctx)
	require.NoError(t, err)
	defer func() { l.Cancel(); <-l.Done() }()
	assert.Len(t, e.Catalog.Products(), 2)
	assert.Empty(t, e.Entitlements().Products)

	monthly, err := e.ProductByID("demo.monthly")
	require.NoError(t, err)
	res, err := e.Purchase(ctx, monthly)
	require.NoError(t, err)
	require.Equal(t, engine.PurchaseStatusSuccess, res.Status)
	assert.True(t, e.HasEntitlement("demo.monthly"))

	txs, err := plat.Transactions(ctx, repo.SandboxTransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.NotNil(t, txs[0].FinishedAt, "purchase is acknowledged")

	_, err = plat.Revoke(ctx, txs[0].ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !e.HasEntitlement("demo.monthly") }, 2*time.Second, 10*time.Millisecond)

	evts, err := r.LatestEvents(ctx, 50, repo.EventFilter{Type: events.EntitlementsReconcile})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(evts), 3)
}

func TestPendingPurchaseGrantsAfterApproval(t *testing.T) {
	e, plat, _ := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l, err := e.Start(ctx)
	require.NoError(t, err)
	defer func() { l.Cancel(); <-l.Done() }()

	plat.QueueOutcome(sandbox.OutcomePending)
	lifetime, err := e.ProductByID("demo.lifetime")
	require.NoError(t, err)
	res, err := e.Purchase(ctx, lifetime)
	require.NoError(t, err)
	assert.Equal(t, engine.PurchaseStatusPending, res.Status)
	assert.False(t, e.HasEntitlement("demo.lifetime"))

	_, err = plat.ApprovePending(ctx, 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.HasEntitlement("demo.lifetime") }, 2*time.Second, 10*time.Millisecond)
}

func TestUnverifiedPurchaseIsRejected(t *testing.T) {
	e, plat, _ := newEngine(t)
	ctx := context.Background()
	_, err := e.RefreshCatalog(ctx, nil)
	require.NoError(t, err)

	plat.QueueOutcome(sandbox.OutcomeUnverified)
	lifetime, err := e.ProductByID("demo.lifetime")
	require.NoError(t, err)
	_, err = e.Purchase(ctx, lifetime)
	assert.True(t, engine.IsUntrusted(err))
	assert.False(t, e.HasEntitlement("demo.lifetime"))
}

func TestRestoreOverSandbox(t *testing.T) {
	e, plat, _ := newEngine(t)
	ctx := context.Background()
	_, err := e.RefreshCatalog(ctx, nil)
	require.NoError(t, err)

	lifetime, err := e.ProductByID("demo.lifetime")
	require.NoError(t, err)
	_, err = plat.Purchase(ctx, lifetime)
	require.NoError(t, err)
	assert.False(t, e.HasEntitlement("demo.lifetime"), "not reconciled yet")

	plat.FailNextSync()
	err = e.Restore(ctx)
	var rerr *engine.RestoreError
	require.ErrorAs(t, err, &rerr)
	assert.False(t, e.HasEntitlement("demo.lifetime"))

	require.NoError(t, e.Restore(ctx))
	assert.True(t, e.HasEntitlement("demo.lifetime"))
}
