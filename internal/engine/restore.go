package engine

import (
	"context"

	"go.uber.org/zap"

	"storeline/internal/events"
)

// Restore asks the platform to resynchronize the full purchase history and
// then reconciles. On failure the entitlement set is not touched.
func (e *Engine) Restore(ctx context.Context) error {
	if err := e.Platform.Resync(ctx); err != nil {
		e.log().Warn("restore sync failed", zap.Error(err))
		e.record(ctx, events.RestoreFailed, "entitlements", "", "restore", map[string]any{"stage": "sync", "error": err.Error()})
		return &RestoreError{Stage: "sync", Err: err}
	}
	set, err := e.Reconcile(ctx, "restore")
	if err != nil {
		e.record(ctx, events.RestoreFailed, "entitlements", "", "restore", map[string]any{"stage": "reconcile", "error": err.Error()})
		return &RestoreError{Stage: "reconcile", Err: err}
	}
	e.record(ctx, events.RestoreCompleted, "entitlements", "", "restore", map[string]any{"products": set.IDs()})
	return nil
}
