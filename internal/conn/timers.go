package conn

import (
	"sync"
	"time"
)

// timerRegistry tracks every timer a Manager schedules so that one teardown
// path can cancel all of them. After Stop, no new timers can be scheduled and
// no pending callback fires.
type timerRegistry struct {
	mu      sync.Mutex
	timers  map[uint64]*time.Timer
	nextID  uint64
	stopped bool
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{timers: make(map[uint64]*time.Timer)}
}

// After schedules fn to run once after d. The returned cancel func stops the
// timer if it has not fired yet; it is safe to call more than once.
func (r *timerRegistry) After(d time.Duration, fn func()) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return func() {}
	}

	id := r.nextID
	r.nextID++

	t := time.AfterFunc(d, func() {
		r.mu.Lock()
		_, live := r.timers[id]
		delete(r.timers, id)
		stopped := r.stopped
		r.mu.Unlock()
		if !live || stopped {
			return
		}
		fn()
	})
	r.timers[id] = t

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if t, ok := r.timers[id]; ok {
			t.Stop()
			delete(r.timers, id)
		}
	}
}

// Stop cancels every pending timer and prevents new ones from being scheduled.
func (r *timerRegistry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

// Reset re-arms a stopped registry so a manual reconnect can schedule timers
// again.
func (r *timerRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = false
}
