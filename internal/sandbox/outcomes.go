package sandbox

import (
	"context"
	"fmt"
	"strings"
)

// Outcome is a simulated checkout result queued ahead of a purchase.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeUserCancelled Outcome = "user_cancelled"
	OutcomePending       Outcome = "pending"
	OutcomeUnknown       Outcome = "unknown"
	// OutcomeUnverified returns a success whose signature does not check out.
	OutcomeUnverified Outcome = "unverified"
	// OutcomeFailed makes the checkout call itself fail.
	OutcomeFailed Outcome = "failed"
)

var outcomes = []Outcome{OutcomeSuccess, OutcomeUserCancelled, OutcomePending, OutcomeUnknown, OutcomeUnverified, OutcomeFailed}

func ParseOutcome(v string) (Outcome, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, o := range outcomes {
		if string(o) == v {
			return o, nil
		}
	}
	return "", fmt.Errorf("unknown outcome %q", v)
}

// Outcomes lists every simulated outcome.
func Outcomes() []Outcome {
	return append([]Outcome{}, outcomes...)
}

type outcomeKey struct{}

// WithOutcome pins the outcome of the purchase made with ctx. It takes
// precedence over the queue and leaves it untouched.
func WithOutcome(ctx context.Context, o Outcome) context.Context {
	return context.WithValue(ctx, outcomeKey{}, o)
}

func outcomeFrom(ctx context.Context) (Outcome, bool) {
	o, ok := ctx.Value(outcomeKey{}).(Outcome)
	return o, ok
}
