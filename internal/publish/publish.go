package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"storeline/internal/config"
	"storeline/internal/domain"
)

// Snapshot is the JSON document written to Redis after each reconciliation.
type Snapshot struct {
	StoreID      string           `json:"store_id"`
	Generation   uint64           `json:"generation"`
	ReconciledAt time.Time        `json:"reconciled_at"`
	ProductIDs   []string         `json:"product_ids"`
	Products     []domain.Product `json:"products"`
}

// Publisher mirrors the entitlement set into Redis: the latest snapshot
// under Key and every snapshot on Channel. Either may be empty.
type Publisher struct {
	Client  *redis.Client
	StoreID string
	Key     string
	Channel string
	Timeout time.Duration
	Log     *zap.Logger
}

func New(cfg config.RedisPublish, storeID string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		Client:  redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB}),
		StoreID: storeID,
		Key:     cfg.Key,
		Channel: cfg.Channel,
		Timeout: 5 * time.Second,
		Log:     log,
	}
}

func (p *Publisher) Ping(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}

func (p *Publisher) Publish(ctx context.Context, set domain.EntitlementSet) error {
	ids := set.IDs()
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(Snapshot{
		StoreID:      p.StoreID,
		Generation:   set.Generation,
		ReconciledAt: set.ReconciledAt,
		ProductIDs:   ids,
		Products:     set.Products,
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	_, err = p.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if p.Key != "" {
			pipe.Set(ctx, p.Key, data, 0)
		}
		if p.Channel != "" {
			pipe.Publish(ctx, p.Channel, data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish snapshot generation %d: %w", set.Generation, err)
	}
	return nil
}

// Run publishes every set received until ctx is done or sets is closed.
// Failures are logged and the next set is still published.
func (p *Publisher) Run(ctx context.Context, sets <-chan domain.EntitlementSet) {
	for {
		select {
		case <-ctx.Done():
			return
		case set, ok := <-sets:
			if !ok {
				return
			}
			if err := p.Publish(ctx, set); err != nil {
				p.Log.Warn("redis publish failed", zap.Uint64("generation", set.Generation), zap.Error(err))
				continue
			}
			p.Log.Debug("published entitlements", zap.Uint64("generation", set.Generation), zap.String("key", p.Key), zap.String("channel", p.Channel))
		}
	}
}

func (p *Publisher) Close() error {
	return p.Client.Close()
}
