package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storeline/internal/domain"
	"storeline/internal/engine"
	"storeline/internal/events"
)

func TestPurchaseSuccessFinishesAndReconciles(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.outcome = domain.PurchaseSuccess{Envelope: verified("10", "B")}
	b, err := env.Engine.ProductByID("B")
	require.NoError(t, err)

	res, err := env.Engine.Purchase(env.Ctx, b)
	require.NoError(t, err)
	assert.Equal(t, engine.PurchaseStatusSuccess, res.Status)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, "10", res.Transaction.ID)
	assert.Equal(t, "B", res.Transaction.ProductID)

	assert.Equal(t, []string{"10"}, env.Platform.finishedIDs())
	assert.True(t, env.Engine.HasEntitlement("B"))
	assert.Contains(t, env.Events.types(), events.PurchaseCompleted)
}

func TestPurchaseNonSuccessOutcomesLeaveSetUnchanged(t *testing.T) {
	cases := []struct {
		name    string
		outcome domain.PurchaseOutcome
		status  engine.PurchaseStatus
		event   string
	}{
		{"cancelled", domain.PurchaseUserCancelled{}, engine.PurchaseStatusUserCancelled, events.PurchaseCancelled},
		{"pending", domain.PurchasePending{}, engine.PurchaseStatusPending, events.PurchasePending},
		{"unknown", domain.PurchaseUnknown{Detail: "store said maybe"}, engine.PurchaseStatusUnknown, events.PurchaseUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.Platform.setHistory(verified("1", "A"))
			_, err := env.Engine.Reconcile(env.Ctx, "test")
			require.NoError(t, err)
			before := env.Engine.Entitlements()
			env.Platform.outcome = tc.outcome

			res, err := env.Engine.Purchase(env.Ctx, product("B", "4.99"))
			require.NoError(t, err)
			assert.Equal(t, tc.status, res.Status)
			assert.Nil(t, res.Transaction)
			assert.Empty(t, env.Platform.finishedIDs())
			assert.Equal(t, before, env.Engine.Entitlements())
			assert.Contains(t, env.Events.types(), tc.event)
		})
	}
}

func TestPurchaseUnverifiedIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.outcome = domain.PurchaseSuccess{Envelope: domain.Unverified{Reason: "bad signature", JWS: "x.y.z"}}

	res, err := env.Engine.Purchase(env.Ctx, product("B", "4.99"))
	require.Error(t, err)
	assert.Equal(t, engine.PurchaseResult{}, res)
	assert.ErrorIs(t, err, engine.ErrUntrusted)
	assert.True(t, engine.IsUntrusted(err))

	var perr *engine.PurchaseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, engine.PurchaseErrUntrusted, perr.Kind)
	assert.Equal(t, "B", perr.ProductID)
	assert.Empty(t, env.Platform.finishedIDs(), "unverified purchase must not be finished")
	assert.False(t, env.Engine.HasEntitlement("B"))
}

func TestPurchaseCheckoutFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.checkoutErr = errBoom

	_, err := env.Engine.Purchase(env.Ctx, product("A", "1.99"))
	var perr *engine.PurchaseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, engine.PurchaseErrCheckout, perr.Kind)
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, engine.IsUntrusted(err))
	assert.Equal(t, 0, env.Platform.calls())
}

func TestPurchaseFinishFailureStillReconciles(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.finishErr = errBoom
	env.Platform.outcome = domain.PurchaseSuccess{Envelope: verified("11", "A")}

	res, err := env.Engine.Purchase(env.Ctx, product("A", "1.99"))
	require.NoError(t, err)
	assert.Equal(t, engine.PurchaseStatusSuccess, res.Status)
	assert.True(t, env.Engine.HasEntitlement("A"))
	assert.NotContains(t, env.Events.types(), events.TransactionFinished)
}

func TestPurchaseSurvivesCallerCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.outcome = domain.PurchaseSuccess{Envelope: verified("12", "A")}
	ctx, cancel := contextWithCancel(env)
	cancel()

	res, err := env.Engine.Purchase(ctx, product("A", "1.99"))
	require.NoError(t, err)
	assert.Equal(t, engine.PurchaseStatusSuccess, res.Status)
	assert.Equal(t, []string{"12"}, env.Platform.finishedIDs())
}

func TestProductByIDUnknown(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ProductByID("Z")
	assert.ErrorIs(t, err, engine.ErrUnknownProduct)
}
