package conn

import (
	"log/slog"
	"sync"
)

// pubsub is a typed listener set for one event kind. Listeners are notified
// synchronously in registration order; a panicking listener is logged and the
// remaining listeners still run.
type pubsub[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// add registers fn and returns its disposer. The disposer is idempotent.
func (p *pubsub[T]) add(fn func(T)) (dispose func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.subs = append(p.subs, subscriber[T]{id: id, fn: fn})

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, s := range p.subs {
			if s.id == id {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				return
			}
		}
	}
}

// notify delivers v to every listener in registration order.
func (p *pubsub[T]) notify(v T) {
	p.mu.Lock()
	snapshot := make([]subscriber[T], len(p.subs))
	copy(snapshot, p.subs)
	p.mu.Unlock()

	for _, s := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("conn: listener panicked", "panic", r)
				}
			}()
			s.fn(v)
		}()
	}
}
