package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Product kinds as reported by the commerce platform.
const (
	KindAutoRenewable = "auto_renewable"
	KindNonConsumable = "non_consumable"
	KindNonRenewing   = "non_renewing"
)

type Product struct {
	ID                 string          `json:"id"`
	Kind               string          `json:"kind" enum:"auto_renewable,non_consumable,non_renewing"`
	DisplayName        string          `json:"display_name"`
	Description        string          `json:"description,omitempty"`
	Price              decimal.Decimal `json:"price"`
	DisplayPrice       string          `json:"display_price,omitempty"`
	SubscriptionPeriod string          `json:"subscription_period,omitempty"`
}

// Window is the validity window of a transaction. A nil End means the
// entitlement never expires.
type Window struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// Contains reports whether t falls inside [Start, End).
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if w.End != nil && !t.Before(*w.End) {
		return false
	}
	return true
}

type TransactionRecord struct {
	ID           string     `json:"id"`
	OriginalID   string     `json:"original_id,omitempty"`
	ProductID    string     `json:"product_id"`
	PurchaseDate time.Time  `json:"purchase_date"`
	Window       Window     `json:"window"`
	Revoked      bool       `json:"revoked"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	Environment  string     `json:"environment,omitempty"`
}

// ActiveAt reports whether the record grants access at t.
func (r TransactionRecord) ActiveAt(t time.Time) bool {
	return !r.Revoked && r.Window.Contains(t)
}

// Envelope is the result of authenticating a signed transaction. It is
// either Verified or Unverified; callers must switch on the concrete type.
type Envelope interface {
	envelope()
	Signed() string
}

type Verified struct {
	Record TransactionRecord
	JWS    string
}

type Unverified struct {
	Reason string
	JWS    string
}

func (Verified) envelope()   {}
func (Unverified) envelope() {}

func (v Verified) Signed() string   { return v.JWS }
func (u Unverified) Signed() string { return u.JWS }

// PurchaseOutcome is what the platform checkout reports for one attempt.
type PurchaseOutcome interface {
	outcome()
}

type PurchaseSuccess struct {
	Envelope Envelope
}

type PurchaseUserCancelled struct{}

type PurchasePending struct{}

// PurchaseUnknown covers any result the checkout may add in the future.
type PurchaseUnknown struct {
	Detail string
}

func (PurchaseSuccess) outcome()       {}
func (PurchaseUserCancelled) outcome() {}
func (PurchasePending) outcome()       {}
func (PurchaseUnknown) outcome()       {}

// EntitlementSet is the derived set of owned products.
type EntitlementSet struct {
	Products     []Product `json:"products"`
	Generation   uint64    `json:"generation"`
	ReconciledAt time.Time `json:"reconciled_at" format:"date-time"`
}

// NewEntitlementSet builds a set from products, dropping duplicate ids and
// ordering by id.
func NewEntitlementSet(products map[string]Product, at time.Time) EntitlementSet {
	out := make([]Product, 0, len(products))
	for _, p := range products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return EntitlementSet{Products: out, ReconciledAt: at}
}

func (s EntitlementSet) Has(productID string) bool {
	for _, p := range s.Products {
		if p.ID == productID {
			return true
		}
	}
	return false
}

func (s EntitlementSet) IDs() []string {
	ids := make([]string, 0, len(s.Products))
	for _, p := range s.Products {
		ids = append(ids, p.ID)
	}
	return ids
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Source     string `json:"source"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// SandboxTransaction is a row of the sandbox platform ledger.
type SandboxTransaction struct {
	ID              int64      `json:"id"`
	OriginalID      int64      `json:"original_id"`
	ProductID       string     `json:"product_id"`
	AppAccountToken string     `json:"app_account_token"`
	Status          string     `json:"status" enum:"purchased,pending"`
	PurchaseDate    time.Time  `json:"purchase_date"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}
