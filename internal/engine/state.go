package engine

import (
	"context"
	"sync"

	"storeline/internal/domain"
)

// State holds the last published entitlement set. Reads never wait for a
// reconciliation in progress; only the engine publishes.
type State struct {
	mu      sync.RWMutex
	current domain.EntitlementSet

	subMu   sync.Mutex
	subs    map[int]func(domain.EntitlementSet)
	nextSub int
}

func NewState() *State {
	return &State{
		current: domain.EntitlementSet{Products: []domain.Product{}},
		subs:    map[int]func(domain.EntitlementSet){},
	}
}

// Entitlements returns a copy of the current set.
func (s *State) Entitlements() domain.EntitlementSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSet(s.current)
}

func (s *State) Has(productID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Has(productID)
}

// Subscribe registers fn to receive every published set, in publish order.
// fn runs on the reconciling goroutine and should return quickly.
func (s *State) Subscribe(fn func(domain.EntitlementSet)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// Watch delivers published sets on a channel until ctx is done. A slow
// reader only ever sees the newest set.
func (s *State) Watch(ctx context.Context) <-chan domain.EntitlementSet {
	ch := make(chan domain.EntitlementSet, 1)
	var mu sync.Mutex
	closed := false
	unsubscribe := s.Subscribe(func(set domain.EntitlementSet) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- set:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- set
		}
	})
	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

// publish stamps the next generation on set, makes it current and notifies
// subscribers. Callers serialize publish.
func (s *State) publish(set domain.EntitlementSet) (prev, next domain.EntitlementSet) {
	s.mu.Lock()
	prev = s.current
	set.Generation = prev.Generation + 1
	s.current = set
	s.mu.Unlock()

	s.subMu.Lock()
	fns := make([]func(domain.EntitlementSet), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(cloneSet(set))
	}
	return prev, set
}

func cloneSet(set domain.EntitlementSet) domain.EntitlementSet {
	out := set
	out.Products = append([]domain.Product{}, set.Products...)
	return out
}
