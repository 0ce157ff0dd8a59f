package sandbox

import (
	"context"
	"sync"

	"storeline/internal/domain"
)

// subscriber buffers envelopes without bound so emitters never block on a
// slow consumer; delivery order is emit order.
type subscriber struct {
	mu     sync.Mutex
	queue  []domain.Envelope
	signal chan struct{}
	out    chan domain.Envelope
}

func newSubscriber() *subscriber {
	return &subscriber{
		signal: make(chan struct{}, 1),
		out:    make(chan domain.Envelope),
	}
}

func (s *subscriber) push(env domain.Envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (domain.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	env := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return env, true
}

func (s *subscriber) pump(ctx context.Context, done func()) {
	defer func() {
		done()
		close(s.out)
	}()
	for {
		env, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.signal:
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case s.out <- env:
		}
	}
}

// Updates returns a feed of transaction updates emitted after the call. The
// channel closes when ctx is done.
func (p *Platform) Updates(ctx context.Context) <-chan domain.Envelope {
	sub := newSubscriber()
	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = sub
	p.subMu.Unlock()
	go sub.pump(ctx, func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	})
	return sub.out
}

func (p *Platform) emit(env domain.Envelope) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, sub := range p.subs {
		sub.push(env)
	}
}

// Subscribers reports how many feeds are open.
func (p *Platform) Subscribers() int {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	return len(p.subs)
}
