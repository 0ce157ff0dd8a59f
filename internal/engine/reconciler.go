package engine

import (
	"time"

	"storeline/internal/domain"
)

// Reconcile derives the owned products from verified transactions. Records
// that are revoked, outside their window, or that name a product missing
// from catalog are skipped; several records for one product count once.
// It has no side effects.
func Reconcile(txs []domain.TransactionRecord, catalog ProductLookup, now time.Time) domain.EntitlementSet {
	owned := map[string]domain.Product{}
	for _, tx := range txs {
		if tx.ProductID == "" || !tx.ActiveAt(now) {
			continue
		}
		if _, ok := owned[tx.ProductID]; ok {
			continue
		}
		if p, ok := catalog.Lookup(tx.ProductID); ok {
			owned[tx.ProductID] = p
		}
	}
	return domain.NewEntitlementSet(owned, now)
}

// diffIDs returns ids present only in next and ids present only in prev.
func diffIDs(prev, next domain.EntitlementSet) (added, removed []string) {
	before := map[string]struct{}{}
	for _, id := range prev.IDs() {
		before[id] = struct{}{}
	}
	after := map[string]struct{}{}
	for _, id := range next.IDs() {
		after[id] = struct{}{}
		if _, ok := before[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range prev.IDs() {
		if _, ok := after[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}
