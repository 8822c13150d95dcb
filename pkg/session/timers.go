package session

import (
	"sync"
	"time"
)

// timerRegistry tracks every timer a session generation sets, so all of them
// can be stopped atomically on disconnect or when a fresh initialize
// supersedes the generation. A timer firing against a torn-down session was
// a recurring bug class in earlier clients.
type timerRegistry struct {
	mu     sync.Mutex
	nextID uint64
	timers map[uint64]*time.Timer
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{timers: make(map[uint64]*time.Timer)}
}

// After schedules fn on its own goroutine after d and registers the timer.
// The registration is removed when the timer fires or is cleared.
func (r *timerRegistry) After(d time.Duration, fn func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID

	t := time.AfterFunc(d, func() {
		r.mu.Lock()
		_, live := r.timers[id]
		delete(r.timers, id)
		r.mu.Unlock()

		// Cleared between firing and running: drop.
		if !live {
			return
		}
		fn()
	})
	r.timers[id] = t
	r.mu.Unlock()
}

// Clear stops every registered timer. Timers already running their callback
// see themselves deregistered and bail out.
func (r *timerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

// Len reports the number of live timers. Used by tests.
func (r *timerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
