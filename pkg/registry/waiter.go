package registry

import (
	"sync"
	"time"
)

// WaitResult is delivered to a create_session caller blocked on its fresh
// creation id.
type WaitResult struct {
	SessionID string
	Status    string
	Reason    string
}

type waiter struct {
	ch      chan WaitResult
	created time.Time
}

// WaiterRegistry parks create_session callers until the session's first
// decisive lifecycle event (started or cancelled) arrives. Keys are creation
// ids, which are unique per request even when sessions are reused.
type WaiterRegistry struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	ttl     time.Duration
}

// NewWaiterRegistry creates the registry. ttl bounds how long an abandoned
// waiter entry survives; Sweep removes expired ones.
func NewWaiterRegistry(ttl time.Duration) *WaiterRegistry {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &WaiterRegistry{
		waiters: make(map[string]*waiter),
		ttl:     ttl,
	}
}

// Register parks a waiter for the creation id. The cancel function must be
// called when the caller stops waiting.
func (r *WaiterRegistry) Register(creationID string) (<-chan WaitResult, func()) {
	w := &waiter{ch: make(chan WaitResult, 1), created: time.Now()}
	r.mu.Lock()
	r.waiters[creationID] = w
	r.mu.Unlock()
	return w.ch, func() {
		r.mu.Lock()
		delete(r.waiters, creationID)
		r.mu.Unlock()
	}
}

// Signal delivers the result to the parked waiter, if any. Duplicate
// signals after the first are dropped.
func (r *WaiterRegistry) Signal(creationID string, result WaitResult) {
	if creationID == "" {
		return
	}
	r.mu.Lock()
	w, ok := r.waiters[creationID]
	if ok {
		delete(r.waiters, creationID)
	}
	r.mu.Unlock()
	if ok {
		w.ch <- result
	}
}

// Sweep drops waiters older than the TTL. Run from the cron tick.
func (r *WaiterRegistry) Sweep() int {
	cutoff := time.Now().Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, w := range r.waiters {
		if w.created.Before(cutoff) {
			delete(r.waiters, id)
			n++
		}
	}
	return n
}
