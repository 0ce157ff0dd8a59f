package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"storeline/internal/config"
	"storeline/internal/domain"
	"storeline/internal/engine"
	"storeline/internal/engine/auth"
	"storeline/internal/repo"
)

var (
	ErrCheckoutFailed = errors.New("sandbox checkout failed")
	ErrSyncFailed     = errors.New("sandbox sync failed")
	ErrNothingToRenew = errors.New("no subscription to renew")
)

var (
	_ engine.Platform       = (*Platform)(nil)
	_ engine.CatalogService = (*Platform)(nil)
)

// Platform is a local commerce platform backed by the workspace database.
// Transactions are signed with the configured key and read back through
// the oracle, the same path a remote platform's payloads take.
type Platform struct {
	Repo        repo.Repo
	Signer      *auth.Signer
	Oracle      *auth.Oracle
	Environment string
	Log         *zap.Logger
	Now         func() time.Time

	mu           sync.Mutex
	queued       []Outcome
	failNextSync bool

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

func New(r repo.Repo, signer *auth.Signer, oracle *auth.Oracle, environment string, log *zap.Logger) *Platform {
	if log == nil {
		log = zap.NewNop()
	}
	if environment == "" {
		environment = "sandbox"
	}
	return &Platform{
		Repo:        r,
		Signer:      signer,
		Oracle:      oracle,
		Environment: environment,
		Log:         log,
		Now:         time.Now,
		subs:        map[int]*subscriber{},
	}
}

func (p *Platform) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Seed stores the configured product definitions.
func (p *Platform) Seed(ctx context.Context, products []config.SandboxProduct) error {
	for _, sp := range products {
		price := decimal.Zero
		if sp.Price != "" {
			var err error
			if price, err = decimal.NewFromString(sp.Price); err != nil {
				return fmt.Errorf("sandbox product %s price: %w", sp.ID, err)
			}
		}
		name := sp.DisplayName
		if name == "" {
			name = sp.ID
		}
		err := p.Repo.UpsertSandboxProduct(ctx, domain.Product{
			ID:                 sp.ID,
			Kind:               sp.Kind,
			DisplayName:        name,
			Description:        sp.Description,
			Price:              price,
			SubscriptionPeriod: sp.Period,
		})
		if err != nil {
			return fmt.Errorf("seed sandbox product %s: %w", sp.ID, err)
		}
	}
	return nil
}

func (p *Platform) FetchProducts(ctx context.Context, ids []string) ([]domain.Product, error) {
	if len(ids) == 0 {
		return []domain.Product{}, nil
	}
	return p.Repo.SandboxProducts(ctx, ids)
}

// QueueOutcome makes the next purchase resolve to o. Outcomes are consumed
// in the order queued.
func (p *Platform) QueueOutcome(o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued = append(p.queued, o)
}

func (p *Platform) QueuedOutcomes() []Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Outcome{}, p.queued...)
}

func (p *Platform) nextOutcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queued) == 0 {
		return OutcomeSuccess
	}
	o := p.queued[0]
	p.queued = p.queued[1:]
	return o
}

// FailNextSync makes the next Resync fail.
func (p *Platform) FailNextSync() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNextSync = true
}

func (p *Platform) Purchase(ctx context.Context, product domain.Product) (domain.PurchaseOutcome, error) {
	stored, err := p.Repo.GetSandboxProduct(ctx, product.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown product %s", ErrCheckoutFailed, product.ID)
		}
		return nil, err
	}
	outcome, pinned := outcomeFrom(ctx)
	if !pinned {
		outcome = p.nextOutcome()
	}
	log := p.Log.With(zap.String("product_id", product.ID), zap.String("outcome", string(outcome)))
	now := p.now()
	switch outcome {
	case OutcomeFailed:
		log.Info("simulated checkout failure")
		return nil, ErrCheckoutFailed
	case OutcomeUserCancelled:
		return domain.PurchaseUserCancelled{}, nil
	case OutcomeUnknown:
		return domain.PurchaseUnknown{Detail: "simulated unknown outcome"}, nil
	case OutcomePending:
		id, err := p.Repo.InsertSandboxTransaction(ctx, domain.SandboxTransaction{
			ProductID:       stored.ID,
			AppAccountToken: uuid.NewString(),
			Status:          repo.SandboxStatusPending,
			PurchaseDate:    now,
		})
		if err != nil {
			return nil, err
		}
		log.Info("purchase awaiting approval", zap.Int64("transaction_id", id))
		return domain.PurchasePending{}, nil
	case OutcomeUnverified:
		rec := domain.TransactionRecord{
			ID:           "unverified-" + uuid.NewString(),
			ProductID:    stored.ID,
			PurchaseDate: now,
			Window:       domain.Window{Start: now},
			Environment:  p.Environment,
		}
		signed, err := p.Signer.Sign(rec)
		if err != nil {
			return nil, err
		}
		return domain.PurchaseSuccess{Envelope: p.Oracle.Verify(tamper(signed))}, nil
	}

	t := domain.SandboxTransaction{
		ProductID:       stored.ID,
		AppAccountToken: uuid.NewString(),
		Status:          repo.SandboxStatusPurchased,
		PurchaseDate:    now,
		ExpiresAt:       expiry(stored, now),
	}
	id, err := p.Repo.InsertSandboxTransaction(ctx, t)
	if err != nil {
		return nil, err
	}
	t, err = p.Repo.GetSandboxTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	env, err := p.envelope(t)
	if err != nil {
		return nil, err
	}
	log.Info("purchase completed", zap.Int64("transaction_id", id))
	return domain.PurchaseSuccess{Envelope: env}, nil
}

// Finish is idempotent; the first acknowledgment time is kept.
func (p *Platform) Finish(ctx context.Context, transactionID string) error {
	id, err := parseID(transactionID)
	if err != nil {
		return err
	}
	if err := p.Repo.MarkSandboxFinished(ctx, id, p.now()); err != nil {
		return fmt.Errorf("finish transaction %s: %w", transactionID, err)
	}
	return nil
}

// Resync re-delivers every completed transaction on the feed.
func (p *Platform) Resync(ctx context.Context) error {
	p.mu.Lock()
	fail := p.failNextSync
	p.failNextSync = false
	p.mu.Unlock()
	if fail {
		return ErrSyncFailed
	}
	envs, err := p.CurrentEntitlements(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	for _, env := range envs {
		p.emit(env)
	}
	p.Log.Info("resynced transactions", zap.Int("count", len(envs)))
	return nil
}

// CurrentEntitlements returns every completed transaction, revoked and
// expired ones included; deciding what they grant is left to the caller.
func (p *Platform) CurrentEntitlements(ctx context.Context) ([]domain.Envelope, error) {
	txs, err := p.Repo.ListSandboxTransactions(ctx, repo.SandboxTransactionFilter{Status: repo.SandboxStatusPurchased})
	if err != nil {
		return nil, err
	}
	envs := make([]domain.Envelope, 0, len(txs))
	for _, t := range txs {
		env, err := p.envelope(t)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (p *Platform) Transactions(ctx context.Context, f repo.SandboxTransactionFilter) ([]domain.SandboxTransaction, error) {
	return p.Repo.ListSandboxTransactions(ctx, f)
}

// Revoke marks a transaction revoked and pushes the update to the feed.
func (p *Platform) Revoke(ctx context.Context, id int64) (domain.SandboxTransaction, error) {
	if err := p.Repo.RevokeSandboxTransaction(ctx, id, p.now()); err != nil {
		return domain.SandboxTransaction{}, fmt.Errorf("revoke transaction %d: %w", id, err)
	}
	return p.publish(ctx, id)
}

// Renew extends the newest subscription for productID by one period and
// pushes the renewal transaction to the feed.
func (p *Platform) Renew(ctx context.Context, productID string) (domain.SandboxTransaction, error) {
	product, err := p.Repo.GetSandboxProduct(ctx, productID)
	if err != nil {
		return domain.SandboxTransaction{}, fmt.Errorf("renew %s: %w", productID, err)
	}
	if product.Kind != domain.KindAutoRenewable {
		return domain.SandboxTransaction{}, fmt.Errorf("%w: %s is not auto-renewable", ErrNothingToRenew, productID)
	}
	txs, err := p.Repo.ListSandboxTransactions(ctx, repo.SandboxTransactionFilter{Status: repo.SandboxStatusPurchased, ProductID: productID})
	if err != nil {
		return domain.SandboxTransaction{}, err
	}
	var last *domain.SandboxTransaction
	for i := range txs {
		if txs[i].RevokedAt == nil {
			last = &txs[i]
		}
	}
	if last == nil {
		return domain.SandboxTransaction{}, fmt.Errorf("%w: %s", ErrNothingToRenew, productID)
	}
	start := p.now()
	if last.ExpiresAt != nil && last.ExpiresAt.After(start) {
		start = *last.ExpiresAt
	}
	id, err := p.Repo.InsertSandboxTransaction(ctx, domain.SandboxTransaction{
		OriginalID:      last.OriginalID,
		ProductID:       productID,
		AppAccountToken: last.AppAccountToken,
		Status:          repo.SandboxStatusPurchased,
		PurchaseDate:    start,
		ExpiresAt:       expiry(product, start),
	})
	if err != nil {
		return domain.SandboxTransaction{}, err
	}
	return p.publish(ctx, id)
}

// ApprovePending completes an ask-to-buy purchase and pushes it to the feed.
func (p *Platform) ApprovePending(ctx context.Context, id int64) (domain.SandboxTransaction, error) {
	t, err := p.Repo.GetSandboxTransaction(ctx, id)
	if err != nil {
		return domain.SandboxTransaction{}, fmt.Errorf("approve transaction %d: %w", id, err)
	}
	product, err := p.Repo.GetSandboxProduct(ctx, t.ProductID)
	if err != nil {
		return domain.SandboxTransaction{}, err
	}
	now := p.now()
	if err := p.Repo.ApproveSandboxTransaction(ctx, id, now, expiry(product, now)); err != nil {
		return domain.SandboxTransaction{}, fmt.Errorf("approve transaction %d: %w", id, err)
	}
	return p.publish(ctx, id)
}

func (p *Platform) publish(ctx context.Context, id int64) (domain.SandboxTransaction, error) {
	t, err := p.Repo.GetSandboxTransaction(ctx, id)
	if err != nil {
		return domain.SandboxTransaction{}, err
	}
	env, err := p.envelope(t)
	if err != nil {
		return domain.SandboxTransaction{}, err
	}
	p.emit(env)
	return t, nil
}

func (p *Platform) envelope(t domain.SandboxTransaction) (domain.Envelope, error) {
	signed, err := p.Signer.Sign(p.record(t))
	if err != nil {
		return nil, err
	}
	return p.Oracle.Verify(signed), nil
}

func (p *Platform) record(t domain.SandboxTransaction) domain.TransactionRecord {
	return domain.TransactionRecord{
		ID:           strconv.FormatInt(t.ID, 10),
		OriginalID:   strconv.FormatInt(t.OriginalID, 10),
		ProductID:    t.ProductID,
		PurchaseDate: t.PurchaseDate,
		Window:       domain.Window{Start: t.PurchaseDate, End: t.ExpiresAt},
		Revoked:      t.RevokedAt != nil,
		RevokedAt:    t.RevokedAt,
		Environment:  p.Environment,
	}
}

func expiry(product domain.Product, from time.Time) *time.Time {
	if product.Kind == domain.KindNonConsumable || product.SubscriptionPeriod == "" {
		return nil
	}
	d, err := time.ParseDuration(product.SubscriptionPeriod)
	if err != nil || d <= 0 {
		return nil
	}
	end := from.Add(d)
	return &end
}

func parseID(v string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sandbox transaction id %q", v)
	}
	return id, nil
}

// tamper corrupts the signature segment of a compact JWS.
func tamper(signed string) string {
	i := strings.LastIndexByte(signed, '.')
	if i < 0 || i == len(signed)-1 {
		return signed + "x"
	}
	b := []byte(signed)
	if b[i+1] == 'A' {
		b[i+1] = 'B'
	} else {
		b[i+1] = 'A'
	}
	return string(b)
}
