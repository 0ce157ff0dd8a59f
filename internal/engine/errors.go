package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUntrusted is matched by every VerificationError.
	ErrUntrusted = errors.New("untrusted transaction")
	// ErrListenerState is returned when starting a listener that is not idle.
	ErrListenerState = errors.New("listener is not idle")
	// ErrUnknownProduct is returned when purchasing an id the catalog does not hold.
	ErrUnknownProduct = errors.New("product not in catalog")
)

// VerificationError reports a transaction the oracle could not authenticate.
// The record it came with must be discarded.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	if e.Reason == "" {
		return "transaction failed verification"
	}
	return "transaction failed verification: " + e.Reason
}

func (e *VerificationError) Unwrap() error { return ErrUntrusted }

// CatalogError reports a failed catalog refresh; the previous catalog stays in place.
type CatalogError struct {
	IDs []string
	Err error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("fetch products [%s]: %v", strings.Join(e.IDs, ","), e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

type PurchaseErrorKind string

const (
	PurchaseErrCheckout  PurchaseErrorKind = "checkout"
	PurchaseErrUntrusted PurchaseErrorKind = "untrusted"
)

type PurchaseError struct {
	ProductID string
	Kind      PurchaseErrorKind
	Err       error
}

func (e *PurchaseError) Error() string {
	return fmt.Sprintf("purchase %s: %s: %v", e.ProductID, e.Kind, e.Err)
}

func (e *PurchaseError) Unwrap() error { return e.Err }

// RestoreError reports a failed restore. Stage is "sync" when the platform
// refused to resynchronize and "reconcile" when the history could not be read
// afterwards; in both cases the entitlement set is untouched.
type RestoreError struct {
	Stage string
	Err   error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore failed during %s: %v", e.Stage, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }
