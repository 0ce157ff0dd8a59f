package engine

import (
	"context"

	"storeline/internal/domain"
)

// CatalogService returns product metadata for the requested identifiers.
// Identifiers it does not know are simply absent from the result.
type CatalogService interface {
	FetchProducts(ctx context.Context, ids []string) ([]domain.Product, error)
}

type Checkout interface {
	Purchase(ctx context.Context, product domain.Product) (domain.PurchaseOutcome, error)
}

// Feed is the platform's push-style transaction stream. The returned channel
// is closed when ctx is done or the platform stops delivering.
type Feed interface {
	Updates(ctx context.Context) <-chan domain.Envelope
}

// Finisher acknowledges a processed transaction. It must tolerate repeated
// calls for the same id.
type Finisher interface {
	Finish(ctx context.Context, transactionID string) error
}

type Syncer interface {
	Resync(ctx context.Context) error
}

// EntitlementSource returns the platform's current transaction history.
type EntitlementSource interface {
	CurrentEntitlements(ctx context.Context) ([]domain.Envelope, error)
}

// Platform is everything the engine needs from the commerce platform
// besides the catalog.
type Platform interface {
	Checkout
	Feed
	Finisher
	Syncer
	EntitlementSource
}

// EventRecorder receives audit events. Failures are logged, never fatal.
type EventRecorder interface {
	Record(ctx context.Context, evtType, entityKind, entityID, source string, payload map[string]any) error
}
