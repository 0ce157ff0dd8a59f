package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	TransactionVerified   = "transaction.verified"
	TransactionRejected   = "transaction.rejected"
	TransactionFinished   = "transaction.finished"
	PurchaseCompleted     = "purchase.completed"
	PurchaseCancelled     = "purchase.cancelled"
	PurchasePending       = "purchase.pending"
	PurchaseUnknown       = "purchase.unknown"
	PurchaseFailed        = "purchase.failed"
	RestoreCompleted      = "restore.completed"
	RestoreFailed         = "restore.failed"
	CatalogRefreshed      = "catalog.refreshed"
	CatalogFailed         = "catalog.failed"
	EntitlementsReconcile = "entitlements.reconciled"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Record inserts one event. It satisfies engine.EventRecorder. A nil payload
// is stored as an empty object and an empty entityID as NULL.
func (w Writer) Record(ctx context.Context, evtType, entityKind, entityID, source string, payload map[string]any) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx,
		`INSERT INTO events(ts,type,entity_kind,entity_id,source,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, entityKind, nullable(entityID), source, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
