package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storeline/internal/engine"
	"storeline/internal/events"
)

func TestRestoreReconcilesResyncedHistory(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.onSync = func(p *fakePlatform) {
		p.history = append(p.history, verified("1", "A"), verified("2", "B"))
	}

	require.NoError(t, env.Engine.Restore(env.Ctx))
	assert.Equal(t, []string{"A", "B"}, env.Engine.Entitlements().IDs())
	assert.Contains(t, env.Events.types(), events.RestoreCompleted)
}

func TestRestoreSyncFailureLeavesSetUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.setHistory(verified("1", "A"))
	_, err := env.Engine.Reconcile(env.Ctx, "test")
	require.NoError(t, err)
	before := env.Engine.Entitlements()
	calls := env.Platform.calls()
	env.Platform.syncErr = errBoom

	err = env.Engine.Restore(env.Ctx)
	var rerr *engine.RestoreError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "sync", rerr.Stage)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, before, env.Engine.Entitlements())
	assert.Equal(t, calls, env.Platform.calls(), "no reconciliation after a failed sync")
	assert.Contains(t, env.Events.types(), events.RestoreFailed)
}

func TestRestoreHistoryFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.historyErr = errBoom

	err := env.Engine.Restore(env.Ctx)
	var rerr *engine.RestoreError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "reconcile", rerr.Stage)
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, env.Engine.Entitlements().Products)
}
