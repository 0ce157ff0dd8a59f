package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storeline/internal/domain"
)

func TestNextNeverDeliversAfterCancel(t *testing.T) {
	l := NewListener(nil, nil)
	l.Cancel()

	updates := make(chan domain.Envelope, 1)
	ctx := context.Background()
	for i := 0; i < 500; i++ {
		select {
		case updates <- domain.Unverified{Reason: "queued"}:
		default:
		}
		_, ok := l.next(ctx, updates, zap.NewNop())
		require.False(t, ok, "iteration %d", i)
	}
}

func TestNextDeliversUntilFeedCloses(t *testing.T) {
	l := NewListener(nil, nil)
	updates := make(chan domain.Envelope, 1)
	ctx := context.Background()

	updates <- domain.Unverified{Reason: "first"}
	env, ok := l.next(ctx, updates, zap.NewNop())
	require.True(t, ok)
	assert.Equal(t, domain.Unverified{Reason: "first"}, env)

	close(updates)
	_, ok = l.next(ctx, updates, zap.NewNop())
	assert.False(t, ok)
}

func TestNextStopsOnContext(t *testing.T) {
	l := NewListener(nil, nil)
	updates := make(chan domain.Envelope, 1)
	updates <- domain.Unverified{Reason: "late"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := l.next(ctx, updates, zap.NewNop())
	assert.False(t, ok)
}
