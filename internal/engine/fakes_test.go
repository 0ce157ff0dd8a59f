package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"storeline/internal/domain"
	"storeline/internal/engine"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeCatalog struct {
	mu       sync.Mutex
	products []domain.Product
	err      error
	calls    [][]string
}

func (c *fakeCatalog) FetchProducts(_ context.Context, ids []string) ([]domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, append([]string{}, ids...))
	if c.err != nil {
		return nil, c.err
	}
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []domain.Product
	for _, p := range c.products {
		if want[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakePlatform struct {
	mu          sync.Mutex
	history     []domain.Envelope
	historyErr  error
	outcome     domain.PurchaseOutcome
	checkoutErr error
	syncErr     error
	onSync      func(p *fakePlatform)
	finishErr   error
	finished    []string
	// finishGate, when set, blocks Finish until it is closed.
	finishGate    chan struct{}
	finishStarted chan string
	historyCalls  int
	updates       chan domain.Envelope
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{updates: make(chan domain.Envelope)}
}

func (p *fakePlatform) Purchase(context.Context, domain.Product) (domain.PurchaseOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkoutErr != nil {
		return nil, p.checkoutErr
	}
	if s, ok := p.outcome.(domain.PurchaseSuccess); ok {
		if v, ok := s.Envelope.(domain.Verified); ok {
			p.history = append(p.history, v)
		}
	}
	return p.outcome, nil
}

func (p *fakePlatform) Updates(context.Context) <-chan domain.Envelope {
	return p.updates
}

func (p *fakePlatform) Finish(_ context.Context, id string) error {
	if p.finishStarted != nil {
		p.finishStarted <- id
	}
	if p.finishGate != nil {
		<-p.finishGate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finishErr != nil {
		return p.finishErr
	}
	p.finished = append(p.finished, id)
	return nil
}

func (p *fakePlatform) Resync(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.syncErr != nil {
		return p.syncErr
	}
	if p.onSync != nil {
		p.onSync(p)
	}
	return nil
}

func (p *fakePlatform) CurrentEntitlements(context.Context) ([]domain.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.historyCalls++
	if p.historyErr != nil {
		return nil, p.historyErr
	}
	return append([]domain.Envelope{}, p.history...), nil
}

func (p *fakePlatform) setHistory(envs ...domain.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = envs
}

func (p *fakePlatform) addHistory(envs ...domain.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, envs...)
}

func (p *fakePlatform) finishedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.finished...)
}

func (p *fakePlatform) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.historyCalls
}

type recordedEvent struct {
	Type     string
	EntityID string
	Source   string
}

type memEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (m *memEvents) Record(_ context.Context, evtType, _, entityID, source string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, recordedEvent{Type: evtType, EntityID: entityID, Source: source})
	return nil
}

func (m *memEvents) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func product(id string, price string) domain.Product {
	return domain.Product{ID: id, Kind: domain.KindNonConsumable, DisplayName: id, Price: decimal.RequireFromString(price)}
}

func record(id, productID string) domain.TransactionRecord {
	return domain.TransactionRecord{
		ID:           id,
		ProductID:    productID,
		PurchaseDate: testNow.Add(-time.Hour),
		Window:       domain.Window{Start: testNow.Add(-time.Hour)},
	}
}

func verified(id, productID string) domain.Verified {
	return domain.Verified{Record: record(id, productID), JWS: "jws-" + id}
}

func revoked(id, productID string) domain.Verified {
	v := verified(id, productID)
	at := testNow.Add(-time.Minute)
	v.Record.Revoked = true
	v.Record.RevokedAt = &at
	return v
}

type testEnv struct {
	Engine   *engine.Engine
	Platform *fakePlatform
	Catalog  *fakeCatalog
	Events   *memEvents
	Ctx      context.Context
}

func newTestEnv(t *testing.T, products ...domain.Product) testEnv {
	t.Helper()
	if len(products) == 0 {
		products = []domain.Product{product("A", "1.99"), product("B", "4.99")}
	}
	plat := newFakePlatform()
	cat := &fakeCatalog{products: products}
	evts := &memEvents{}
	var ids []string
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	e := engine.New(engine.Deps{Platform: plat, Catalog: cat, Events: evts, ProductIDs: ids})
	e.Now = func() time.Time { return testNow }
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := e.Catalog.Refresh(ctx, ids); err != nil {
		t.Fatalf("refresh catalog: %v", err)
	}
	return testEnv{Engine: e, Platform: plat, Catalog: cat, Events: evts, Ctx: ctx}
}

var errBoom = errors.New("boom")
