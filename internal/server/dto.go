package server

import (
	"encoding/json"
	"time"

	"storeline/internal/domain"
	"storeline/internal/engine"
)

type RefreshProductsRequest struct {
	ProductIDs []string `json:"product_ids,omitempty" doc:"Defaults to the configured store.product_ids"`
}

type ProductsResponse struct {
	Products    []domain.Product `json:"products"`
	RefreshedAt *time.Time       `json:"refreshed_at,omitempty"`
}

type EntitlementsResponse struct {
	Generation   uint64           `json:"generation"`
	ReconciledAt *time.Time       `json:"reconciled_at,omitempty"`
	ProductIDs   []string         `json:"product_ids"`
	Products     []domain.Product `json:"products"`
}

type EntitlementCheckResponse struct {
	ProductID  string          `json:"product_id"`
	Entitled   bool            `json:"entitled"`
	Generation uint64          `json:"generation"`
	Product    *domain.Product `json:"product,omitempty"`
}

type PurchaseRequest struct {
	ProductID string `json:"product_id" minLength:"1"`
	Simulate  string `json:"simulate,omitempty" enum:"success,user_cancelled,pending,unknown,unverified,failed" doc:"Sandbox only: queue this outcome before checkout"`
}

type PurchaseResponse struct {
	Status       engine.PurchaseStatus     `json:"status" enum:"success,user_cancelled,pending,unknown"`
	Transaction  *domain.TransactionRecord `json:"transaction,omitempty"`
	Entitlements EntitlementsResponse      `json:"entitlements"`
}

type ListenerResponse struct {
	State     string `json:"state" enum:"idle,listening,cancelled,absent"`
	Processed int64  `json:"processed"`
	Rejected  int64  `json:"rejected"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Source     string         `json:"source"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoamiResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source" enum:"jwt,api_key,disabled"`
}

type OutcomeRequest struct {
	Outcome string `json:"outcome" enum:"success,user_cancelled,pending,unknown,unverified,failed"`
}

type OutcomesResponse struct {
	Queued []string `json:"queued"`
}

type RenewRequest struct {
	ProductID string `json:"product_id" minLength:"1"`
}

func entitlementsResponse(set domain.EntitlementSet) EntitlementsResponse {
	resp := EntitlementsResponse{
		Generation: set.Generation,
		ProductIDs: set.IDs(),
		Products:   set.Products,
	}
	if resp.ProductIDs == nil {
		resp.ProductIDs = []string{}
	}
	if resp.Products == nil {
		resp.Products = []domain.Product{}
	}
	if !set.ReconciledAt.IsZero() {
		at := set.ReconciledAt
		resp.ReconciledAt = &at
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Source:     e.Source,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
