// ABOUTME: In-process per-thread leases enforcing one active turn per thread
// ABOUTME: A second turn on a leased thread fails fast instead of interleaving writes

package conversation

import "sync"

// Leases tracks which threads have an active turn.
type Leases struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLeases creates an empty lease table.
func NewLeases() *Leases {
	return &Leases{held: make(map[string]struct{})}
}

// TryAcquire takes the lease for threadID. The returned release func is
// idempotent. ok is false when the lease is already held.
func (l *Leases) TryAcquire(threadID string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[threadID]; busy {
		return nil, false
	}
	l.held[threadID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, threadID)
			l.mu.Unlock()
		})
	}, true
}

// Held reports whether threadID is leased.
func (l *Leases) Held(threadID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[threadID]
	return ok
}
