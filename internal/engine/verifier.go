package engine

import (
	"fmt"

	"storeline/internal/domain"
)

// CheckVerified unwraps an envelope. Unverified envelopes yield a
// *VerificationError and no record; verified payloads are returned as is.
func CheckVerified(env domain.Envelope) (domain.TransactionRecord, error) {
	switch v := env.(type) {
	case domain.Verified:
		return v.Record, nil
	case *domain.Verified:
		if v == nil {
			return domain.TransactionRecord{}, &VerificationError{Reason: "empty envelope"}
		}
		return v.Record, nil
	case domain.Unverified:
		return domain.TransactionRecord{}, &VerificationError{Reason: v.Reason}
	case *domain.Unverified:
		if v == nil {
			return domain.TransactionRecord{}, &VerificationError{Reason: "empty envelope"}
		}
		return domain.TransactionRecord{}, &VerificationError{Reason: v.Reason}
	case nil:
		return domain.TransactionRecord{}, &VerificationError{Reason: "empty envelope"}
	default:
		return domain.TransactionRecord{}, &VerificationError{Reason: fmt.Sprintf("unsupported envelope %T", env)}
	}
}
