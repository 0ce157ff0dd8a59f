package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"storeline/internal/domain"
	"storeline/internal/events"
)

type ListenerState int32

const (
	ListenerIdle ListenerState = iota
	ListenerListening
	ListenerCancelled
)

func (s ListenerState) String() string {
	switch s {
	case ListenerIdle:
		return "idle"
	case ListenerListening:
		return "listening"
	case ListenerCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type ListenerStats struct {
	Processed int64 `json:"processed"`
	Rejected  int64 `json:"rejected"`
}

// Listener consumes the transaction feed one event at a time: verify,
// finish, reconcile. Cancel takes effect between events; an event already
// being handled is finished before the listener stops. A cancelled listener
// cannot be restarted.
type Listener struct {
	engine *Engine
	feed   Feed

	mu    sync.Mutex
	state ListenerState

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	processed atomic.Int64
	rejected  atomic.Int64
}

func NewListener(e *Engine, feed Feed) *Listener {
	return &Listener{
		engine: e,
		feed:   feed,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start moves the listener from idle to listening. Cancelling ctx has the
// same effect as Cancel.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != ListenerIdle {
		return ErrListenerState
	}
	l.state = ListenerListening
	feedCtx, cancelFeed := context.WithCancel(ctx)
	updates := l.feed.Updates(feedCtx)
	go l.run(ctx, updates, cancelFeed)
	return nil
}

// Cancel requests the listener to stop. It does not wait; use Done.
func (l *Listener) Cancel() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == ListenerIdle {
		l.state = ListenerCancelled
		close(l.done)
	}
}

// Done is closed once the listener has reached the cancelled state.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) Stats() ListenerStats {
	return ListenerStats{Processed: l.processed.Load(), Rejected: l.rejected.Load()}
}

func (l *Listener) run(ctx context.Context, updates <-chan domain.Envelope, cancelFeed context.CancelFunc) {
	log := l.engine.log().With(zap.String("component", "listener"))
	log.Info("listening for transaction updates")
	defer func() {
		cancelFeed()
		l.mu.Lock()
		l.state = ListenerCancelled
		l.mu.Unlock()
		close(l.done)
		log.Info("listener stopped", zap.Int64("processed", l.processed.Load()), zap.Int64("rejected", l.rejected.Load()))
	}()
	for {
		env, ok := l.next(ctx, updates, log)
		if !ok {
			return
		}
		l.handle(context.WithoutCancel(ctx), log, env)
	}
}

// next waits for the next update. It reports false once the listener is
// stopped, even if an update was received in the same step.
func (l *Listener) next(ctx context.Context, updates <-chan domain.Envelope, log *zap.Logger) (domain.Envelope, bool) {
	if l.stopped(ctx) {
		return nil, false
	}
	select {
	case <-l.stop:
		return nil, false
	case <-ctx.Done():
		return nil, false
	case env, ok := <-updates:
		if !ok {
			log.Info("transaction feed closed")
			return nil, false
		}
		if l.stopped(ctx) {
			return nil, false
		}
		return env, true
	}
}

func (l *Listener) stopped(ctx context.Context) bool {
	select {
	case <-l.stop:
		return true
	default:
		return ctx.Err() != nil
	}
}

func (l *Listener) handle(ctx context.Context, log *zap.Logger, env domain.Envelope) {
	e := l.engine
	rec, err := CheckVerified(env)
	if err != nil {
		l.rejected.Add(1)
		log.Warn("dropping unverified transaction update", zap.Error(err))
		e.record(ctx, events.TransactionRejected, "transaction", "", "listener", map[string]any{"reason": err.Error()})
		return
	}
	l.processed.Add(1)
	e.record(ctx, events.TransactionVerified, "transaction", rec.ID, "listener", map[string]any{
		"product_id": rec.ProductID,
		"revoked":    rec.Revoked,
	})
	if err := e.Platform.Finish(ctx, rec.ID); err != nil {
		log.Error("finish transaction", zap.String("transaction_id", rec.ID), zap.Error(err))
	} else {
		e.record(ctx, events.TransactionFinished, "transaction", rec.ID, "listener", nil)
	}
	if _, err := e.Reconcile(ctx, "listener"); err != nil {
		log.Error("reconcile after transaction update", zap.String("transaction_id", rec.ID), zap.Error(err))
	}
}
