package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"storeline/internal/domain"
	"storeline/internal/events"
)

type PurchaseStatus string

const (
	PurchaseStatusSuccess       PurchaseStatus = "success"
	PurchaseStatusUserCancelled PurchaseStatus = "user_cancelled"
	PurchaseStatusPending       PurchaseStatus = "pending"
	PurchaseStatusUnknown       PurchaseStatus = "unknown"
)

// PurchaseResult carries the checkout outcome. Transaction is set only for
// PurchaseStatusSuccess; the other outcomes mean "no entitlement yet" and are
// not errors.
type PurchaseResult struct {
	Status      PurchaseStatus            `json:"status"`
	Transaction *domain.TransactionRecord `json:"transaction,omitempty"`
}

// Purchase runs one checkout for product. A successful, verified purchase is
// finished and reconciled before returning.
func (e *Engine) Purchase(ctx context.Context, product domain.Product) (PurchaseResult, error) {
	log := e.log().With(zap.String("product_id", product.ID))
	outcome, err := e.Platform.Purchase(ctx, product)
	if err != nil {
		e.record(ctx, events.PurchaseFailed, "product", product.ID, "purchase", map[string]any{"kind": string(PurchaseErrCheckout), "error": err.Error()})
		return PurchaseResult{}, &PurchaseError{ProductID: product.ID, Kind: PurchaseErrCheckout, Err: err}
	}

	switch o := outcome.(type) {
	case domain.PurchaseSuccess:
		return e.completePurchase(ctx, log, product, o.Envelope)
	case *domain.PurchaseSuccess:
		if o == nil {
			break
		}
		return e.completePurchase(ctx, log, product, o.Envelope)
	case domain.PurchaseUserCancelled, *domain.PurchaseUserCancelled:
		log.Info("purchase cancelled by user")
		e.record(ctx, events.PurchaseCancelled, "product", product.ID, "purchase", nil)
		return PurchaseResult{Status: PurchaseStatusUserCancelled}, nil
	case domain.PurchasePending, *domain.PurchasePending:
		log.Info("purchase pending approval")
		e.record(ctx, events.PurchasePending, "product", product.ID, "purchase", nil)
		return PurchaseResult{Status: PurchaseStatusPending}, nil
	}
	log.Warn("unexpected purchase outcome", zap.String("outcome", fmt.Sprintf("%#v", outcome)))
	e.record(ctx, events.PurchaseUnknown, "product", product.ID, "purchase", map[string]any{"outcome": fmt.Sprintf("%T", outcome)})
	return PurchaseResult{Status: PurchaseStatusUnknown}, nil
}

func (e *Engine) completePurchase(ctx context.Context, log *zap.Logger, product domain.Product, env domain.Envelope) (PurchaseResult, error) {
	rec, err := CheckVerified(env)
	if err != nil {
		log.Warn("purchase returned an unverified transaction", zap.Error(err))
		e.record(ctx, events.PurchaseFailed, "product", product.ID, "purchase", map[string]any{"kind": string(PurchaseErrUntrusted), "error": err.Error()})
		return PurchaseResult{}, &PurchaseError{ProductID: product.ID, Kind: PurchaseErrUntrusted, Err: err}
	}
	// The payment went through; finishing and reconciling must not be cut
	// short by the caller going away.
	ctx = context.WithoutCancel(ctx)
	if err := e.Platform.Finish(ctx, rec.ID); err != nil {
		log.Error("finish transaction", zap.String("transaction_id", rec.ID), zap.Error(err))
	} else {
		e.record(ctx, events.TransactionFinished, "transaction", rec.ID, "purchase", nil)
	}
	if _, err := e.Reconcile(ctx, "purchase"); err != nil {
		log.Error("reconcile after purchase", zap.String("transaction_id", rec.ID), zap.Error(err))
	}
	e.record(ctx, events.PurchaseCompleted, "transaction", rec.ID, "purchase", map[string]any{"product_id": rec.ProductID})
	return PurchaseResult{Status: PurchaseStatusSuccess, Transaction: &rec}, nil
}
