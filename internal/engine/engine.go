package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"storeline/internal/domain"
	"storeline/internal/events"
)

// Engine verifies transactions and keeps the entitlement set reconciled.
type Engine struct {
	Platform   Platform
	Catalog    *ProductCatalog
	State      *State
	Events     EventRecorder
	Log        *zap.Logger
	ProductIDs []string
	Now        func() time.Time

	reconcileMu sync.Mutex

	listenerMu sync.Mutex
	listener   *Listener
}

type Deps struct {
	Platform Platform
	Catalog  CatalogService
	Events   EventRecorder
	Log      *zap.Logger
	// ProductIDs are requested from the catalog on Start and on refreshes
	// without explicit ids.
	ProductIDs []string
}

func New(d Deps) *Engine {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		Platform:   d.Platform,
		Catalog:    NewProductCatalog(d.Catalog),
		State:      NewState(),
		Events:     d.Events,
		Log:        log,
		ProductIDs: append([]string{}, d.ProductIDs...),
		Now:        time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e *Engine) record(ctx context.Context, evtType, entityKind, entityID, source string, payload map[string]any) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Record(ctx, evtType, entityKind, entityID, source, payload); err != nil {
		e.log().Warn("record event", zap.String("type", evtType), zap.Error(err))
	}
}

// Start mirrors application launch: it begins listening for transaction
// updates, loads the configured products and reconciles. A catalog failure
// is logged and leaves the previous catalog in place.
func (e *Engine) Start(ctx context.Context) (*Listener, error) {
	l, err := e.Listen(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := e.RefreshCatalog(ctx, nil); err != nil {
		e.log().Error("failed to load products", zap.Strings("product_ids", e.ProductIDs), zap.Error(err))
	}
	return l, nil
}

// Listen starts a new listener on the platform feed. An existing listener
// must be cancelled first.
func (e *Engine) Listen(ctx context.Context) (*Listener, error) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	if e.listener != nil && e.listener.State() != ListenerCancelled {
		return nil, fmt.Errorf("%w: a listener is already running", ErrListenerState)
	}
	l := NewListener(e, e.Platform)
	if err := l.Start(ctx); err != nil {
		return nil, err
	}
	e.listener = l
	return l, nil
}

// Listener returns the most recently started listener, or nil.
func (e *Engine) Listener() *Listener {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	return e.listener
}

// RefreshCatalog refreshes the catalog with ids (the configured ids when
// empty) and reconciles against the new products.
func (e *Engine) RefreshCatalog(ctx context.Context, ids []string) ([]domain.Product, error) {
	if len(ids) == 0 {
		ids = e.ProductIDs
	}
	e.log().Debug("requesting products", zap.Strings("product_ids", ids))
	if err := e.Catalog.Refresh(ctx, ids); err != nil {
		e.record(ctx, events.CatalogFailed, "catalog", "", "catalog", map[string]any{"product_ids": ids, "error": err.Error()})
		return nil, err
	}
	products := e.Catalog.Products()
	e.log().Info("received products", zap.Int("count", len(products)))
	e.record(ctx, events.CatalogRefreshed, "catalog", "", "catalog", map[string]any{"product_ids": ids, "count": len(products)})
	if _, err := e.Reconcile(ctx, "catalog"); err != nil {
		return products, err
	}
	return products, nil
}

// Entitlements returns the last reconciled set without waiting for a
// reconciliation in progress.
func (e *Engine) Entitlements() domain.EntitlementSet {
	return e.State.Entitlements()
}

func (e *Engine) HasEntitlement(productID string) bool {
	return e.State.Has(productID)
}

// Reconcile recomputes the entitlement set from the platform's current
// history. Calls are serialized so two triggers never mix their reads of
// history and catalog. If the history cannot be read the published set is
// left as it was.
func (e *Engine) Reconcile(ctx context.Context, source string) (domain.EntitlementSet, error) {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	envs, err := e.Platform.CurrentEntitlements(ctx)
	if err != nil {
		return e.State.Entitlements(), fmt.Errorf("load current entitlements: %w", err)
	}
	records := make([]domain.TransactionRecord, 0, len(envs))
	for _, env := range envs {
		rec, err := CheckVerified(env)
		if err != nil {
			e.log().Warn("skipping unverified entitlement", zap.String("source", source), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	set := Reconcile(records, e.Catalog.Snapshot(), e.now())
	prev, next := e.State.publish(set)
	added, removed := diffIDs(prev, next)
	e.log().Info("entitlements reconciled",
		zap.String("source", source),
		zap.Uint64("generation", next.Generation),
		zap.Strings("products", next.IDs()),
		zap.Int("transactions", len(records)),
	)
	e.record(ctx, events.EntitlementsReconcile, "entitlements", "", source, map[string]any{
		"generation": next.Generation,
		"products":   next.IDs(),
		"added":      added,
		"removed":    removed,
	})
	return next, nil
}

// ProductByID looks id up in the catalog.
func (e *Engine) ProductByID(id string) (domain.Product, error) {
	p, ok := e.Catalog.Lookup(id)
	if !ok {
		return domain.Product{}, fmt.Errorf("%w: %s", ErrUnknownProduct, id)
	}
	return p, nil
}

// IsUntrusted reports whether err stems from a failed verification.
func IsUntrusted(err error) bool {
	return errors.Is(err, ErrUntrusted)
}
