package engine

import "sync"

// tradeLocks hands out per-trade exclusive sections. The section is held for
// the full duration of a money-moving call, which can be minutes, so a
// second caller fails fast instead of queueing behind a confirmation wait.
// Different trades never contend with each other.
type tradeLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newTradeLocks() *tradeLocks {
	return &tradeLocks{held: make(map[string]struct{})}
}

// tryAcquire claims the exclusive section for a trade id. It returns a
// release func on success and false when another call on the same trade is
// in flight.
func (l *tradeLocks) tryAcquire(id string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, inFlight := l.held[id]; inFlight {
		return nil, false
	}
	l.held[id] = struct{}{}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, id)
	}, true
}
