package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storeline/internal/domain"
)

func TestReconcilePublishesToSubscribers(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var seen []domain.EntitlementSet
	unsubscribe := env.Engine.State.Subscribe(func(set domain.EntitlementSet) {
		mu.Lock()
		seen = append(seen, set)
		mu.Unlock()
	})

	env.Platform.setHistory(verified("1", "A"))
	_, err := env.Engine.Reconcile(env.Ctx, "test")
	require.NoError(t, err)
	env.Platform.addHistory(verified("2", "B"))
	_, err = env.Engine.Reconcile(env.Ctx, "test")
	require.NoError(t, err)

	unsubscribe()
	_, err = env.Engine.Reconcile(env.Ctx, "test")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, []string{"A"}, seen[0].IDs())
	assert.Equal(t, []string{"A", "B"}, seen[1].IDs())
	assert.Less(t, seen[0].Generation, seen[1].Generation)
	assert.Equal(t, uint64(3), env.Engine.Entitlements().Generation)
}

func TestWatchDeliversLatestSet(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	ch := env.Engine.State.Watch(ctx)

	env.Platform.setHistory(verified("1", "A"))
	_, err := env.Engine.Reconcile(env.Ctx, "test")
	require.NoError(t, err)
	env.Platform.addHistory(verified("2", "B"))
	_, err = env.Engine.Reconcile(env.Ctx, "test")
	require.NoError(t, err)

	select {
	case set := <-ch:
		assert.Equal(t, []string{"A", "B"}, set.IDs(), "slow readers only see the newest set")
	case <-time.After(time.Second):
		t.Fatal("no set delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestReadsDoNotWaitForReconciliation(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.setHistory(verified("1", "A"))
	_, err := env.Engine.Reconcile(env.Ctx, "test")
	require.NoError(t, err)

	// hold the platform lock so the next reconciliation blocks on history
	env.Platform.mu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = env.Engine.Reconcile(env.Ctx, "test")
	}()

	read := make(chan domain.EntitlementSet)
	go func() { read <- env.Engine.Entitlements() }()
	select {
	case set := <-read:
		assert.Equal(t, []string{"A"}, set.IDs())
	case <-time.After(time.Second):
		t.Fatal("read blocked by in-flight reconciliation")
	}
	assert.True(t, env.Engine.HasEntitlement("A"))

	env.Platform.mu.Unlock()
	<-done
}

func TestConcurrentReconcilesAreSerialized(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.setHistory(verified("1", "A"), verified("2", "B"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.Engine.Reconcile(env.Ctx, "test")
		}()
	}
	wg.Wait()

	set := env.Engine.Entitlements()
	assert.Equal(t, uint64(20), set.Generation)
	assert.Equal(t, []string{"A", "B"}, set.IDs())
}

func TestReconcileHistoryFailureKeepsSet(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.setHistory(verified("1", "A"))
	_, err := env.Engine.Reconcile(env.Ctx, "test")
	require.NoError(t, err)
	before := env.Engine.Entitlements()

	env.Platform.historyErr = errBoom
	_, err = env.Engine.Reconcile(env.Ctx, "test")
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, before, env.Engine.Entitlements())
}

func TestReconcileSkipsUnverifiedHistory(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.setHistory(verified("1", "A"), domain.Unverified{Reason: "tampered"})
	set, err := env.Engine.Reconcile(env.Ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, set.IDs())
}
