// ABOUTME: TTL- and size-bounded index of request IDs to the turn each one started
// ABOUTME: Used by the chat endpoint to reject replays of the same X-Request-ID

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	turnID  string
	claimed time.Time
	element *list.Element
}

// Index maps request IDs to turn IDs for a bounded window. Insertion order is
// kept in a linked list so eviction of the oldest entry is O(1).
type Index struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // request IDs, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates an index with the given TTL and capacity. A background goroutine
// sweeps expired entries until Close is called.
func New(ttl time.Duration, maxSize int) *Index {
	if maxSize <= 0 {
		maxSize = 1
	}
	idx := &Index{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go idx.sweepLoop()
	return idx
}

// Claim records requestID as owned by turnID. If the request ID is already
// held by a live entry, the existing turn ID is returned with dup=true and the
// index is left unchanged. An empty request ID is never deduplicated.
func (i *Index) Claim(requestID, turnID string) (existing string, dup bool) {
	if requestID == "" {
		return "", false
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	if e, ok := i.seen[requestID]; ok {
		if now.Sub(e.claimed) < i.ttl {
			return e.turnID, true
		}
		i.removeLocked(requestID, e)
	}

	if len(i.seen) >= i.maxSize {
		i.evictOldestLocked()
	}
	e := &entry{turnID: turnID, claimed: now}
	e.element = i.order.PushBack(requestID)
	i.seen[requestID] = e
	return "", false
}

// Release forgets a request ID so it may be claimed again. The chat endpoint
// does this when a turn is rejected before any event reaches the client.
func (i *Index) Release(requestID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if e, ok := i.seen[requestID]; ok {
		i.removeLocked(requestID, e)
	}
}

// Lookup returns the turn ID for a live request ID.
func (i *Index) Lookup(requestID string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.seen[requestID]
	if !ok || i.now().Sub(e.claimed) >= i.ttl {
		return "", false
	}
	return e.turnID, true
}

// Len reports the number of entries, expired or not, currently held.
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.seen)
}

// Must be called with mu held.
func (i *Index) removeLocked(requestID string, e *entry) {
	i.order.Remove(e.element)
	delete(i.seen, requestID)
}

// Must be called with mu held.
func (i *Index) evictOldestLocked() {
	front := i.order.Front()
	if front == nil {
		return
	}
	requestID, _ := front.Value.(string)
	i.order.Remove(front)
	delete(i.seen, requestID)
}

func (i *Index) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			i.sweep()
		case <-i.done:
			return
		}
	}
}

// sweep drops expired entries. Entries are ordered by claim time, so the walk
// stops at the first live one.
func (i *Index) sweep() {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.now()
	for front := i.order.Front(); front != nil; front = i.order.Front() {
		requestID, _ := front.Value.(string)
		e := i.seen[requestID]
		if e == nil || now.Sub(e.claimed) < i.ttl {
			return
		}
		i.removeLocked(requestID, e)
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (i *Index) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.closed {
		close(i.done)
		i.closed = true
	}
}
