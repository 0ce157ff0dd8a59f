package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storeline/internal/domain"
	"storeline/internal/engine"
	"storeline/internal/events"
)

func send(t *testing.T, ch chan<- domain.Envelope, env domain.Envelope) {
	t.Helper()
	select {
	case ch <- env:
	case <-time.After(time.Second):
		t.Fatal("listener did not accept event")
	}
}

func startListener(t *testing.T, env testEnv) *engine.Listener {
	t.Helper()
	l, err := env.Engine.Listen(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.ListenerListening, l.State())
	t.Cleanup(func() {
		l.Cancel()
		<-l.Done()
	})
	return l
}

func TestListenerFinishesAndReconcilesVerifiedEvents(t *testing.T) {
	env := newTestEnv(t)
	l := startListener(t, env)

	env.Platform.setHistory(verified("1", "A"))
	send(t, env.Platform.updates, verified("1", "A"))

	require.Eventually(t, func() bool { return env.Engine.HasEntitlement("A") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1"}, env.Platform.finishedIDs())
	assert.Equal(t, int64(1), l.Stats().Processed)
	assert.Contains(t, env.Events.types(), events.TransactionFinished)
}

func TestListenerDropsUntrustedEvents(t *testing.T) {
	env := newTestEnv(t)
	l := startListener(t, env)
	before := env.Engine.Entitlements()

	send(t, env.Platform.updates, domain.Unverified{Reason: "signature mismatch"})
	// the listener is still alive and handles the next event
	env.Platform.setHistory(verified("2", "B"))
	send(t, env.Platform.updates, verified("2", "B"))

	require.Eventually(t, func() bool { return env.Engine.HasEntitlement("B") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"2"}, env.Platform.finishedIDs(), "unverified event must not be finished")
	assert.Equal(t, int64(1), l.Stats().Rejected)
	assert.Equal(t, uint64(0), before.Generation)
	assert.Contains(t, env.Events.types(), events.TransactionRejected)
}

func TestListenerUntrustedEventLeavesSetUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.setHistory(verified("1", "A"))
	_, err := env.Engine.Reconcile(env.Ctx, "test")
	require.NoError(t, err)
	l := startListener(t, env)
	before := env.Engine.Entitlements()
	calls := env.Platform.calls()

	send(t, env.Platform.updates, domain.Unverified{Reason: "forged"})
	require.Eventually(t, func() bool { return l.Stats().Rejected == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, before, env.Engine.Entitlements())
	assert.Equal(t, calls, env.Platform.calls(), "no reconciliation for a dropped event")
	assert.Empty(t, env.Platform.finishedIDs())
}

func TestListenerRevocationRemovesEntitlement(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.setHistory(verified("1", "A"), verified("2", "B"))
	_, err := env.Engine.Reconcile(env.Ctx, "test")
	require.NoError(t, err)
	require.True(t, env.Engine.HasEntitlement("B"))
	startListener(t, env)

	env.Platform.setHistory(verified("1", "A"), revoked("2", "B"))
	send(t, env.Platform.updates, revoked("2", "B"))

	require.Eventually(t, func() bool { return !env.Engine.HasEntitlement("B") }, time.Second, 5*time.Millisecond)
	assert.True(t, env.Engine.HasEntitlement("A"))
}

func TestListenerCancelCompletesInFlightEvent(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.finishGate = make(chan struct{})
	env.Platform.finishStarted = make(chan string, 1)
	l := startListener(t, env)

	env.Platform.setHistory(verified("1", "A"))
	send(t, env.Platform.updates, verified("1", "A"))
	select {
	case id := <-env.Platform.finishStarted:
		assert.Equal(t, "1", id)
	case <-time.After(time.Second):
		t.Fatal("finish not called")
	}

	l.Cancel()
	close(env.Platform.finishGate)

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
	assert.Equal(t, engine.ListenerCancelled, l.State())
	assert.Equal(t, []string{"1"}, env.Platform.finishedIDs(), "in-flight acknowledgment completes")
	assert.True(t, env.Engine.HasEntitlement("A"))

	// nothing is consumed after cancellation
	select {
	case env.Platform.updates <- verified("2", "B"):
		t.Fatal("cancelled listener consumed an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListenerIsNotRestartable(t *testing.T) {
	env := newTestEnv(t)
	l := engine.NewListener(env.Engine, env.Platform)
	require.NoError(t, l.Start(env.Ctx))
	assert.ErrorIs(t, l.Start(env.Ctx), engine.ErrListenerState)

	l.Cancel()
	<-l.Done()
	assert.ErrorIs(t, l.Start(env.Ctx), engine.ErrListenerState)

	idle := engine.NewListener(env.Engine, env.Platform)
	idle.Cancel()
	<-idle.Done()
	assert.Equal(t, engine.ListenerCancelled, idle.State())
	assert.ErrorIs(t, idle.Start(env.Ctx), engine.ErrListenerState)
}

func TestEngineListenRequiresCancelledListener(t *testing.T) {
	env := newTestEnv(t)
	l := startListener(t, env)
	_, err := env.Engine.Listen(env.Ctx)
	assert.ErrorIs(t, err, engine.ErrListenerState)

	l.Cancel()
	<-l.Done()
	next, err := env.Engine.Listen(env.Ctx)
	require.NoError(t, err)
	assert.NotSame(t, l, next)
	assert.Same(t, next, env.Engine.Listener())
	next.Cancel()
	<-next.Done()
}

func TestListenerStopsWhenFeedCloses(t *testing.T) {
	env := newTestEnv(t)
	l := startListener(t, env)
	close(env.Platform.updates)
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("listener did not stop after feed closed")
	}
	assert.Equal(t, engine.ListenerCancelled, l.State())
}

func TestListenerStopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	l := engine.NewListener(env.Engine, env.Platform)
	require.NoError(t, l.Start(ctx))
	cancel()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("listener did not stop after context cancel")
	}
}

func TestListenerProcessesEventsInOrder(t *testing.T) {
	env := newTestEnv(t)
	startListener(t, env)
	for _, id := range []string{"1", "2", "3", "4"} {
		send(t, env.Platform.updates, verified(id, "A"))
	}
	require.Eventually(t, func() bool { return len(env.Platform.finishedIDs()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3", "4"}, env.Platform.finishedIDs())
}
