// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject write failures

package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	threads  map[string]*Thread    // keyed by thread ID
	messages map[string][]*Message // keyed by thread ID

	// AppendErr, when set, is returned by AppendMessages.
	AppendErr error
	// UpsertErrs are returned by successive UpsertThread calls, one per call.
	UpsertErrs []error
	// UpsertCalls counts UpsertThread invocations, including failed ones.
	UpsertCalls int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		threads:  make(map[string]*Thread),
		messages: make(map[string][]*Message),
	}
}

func copyThread(t *Thread) *Thread {
	c := *t
	if t.Title != nil {
		v := *t.Title
		c.Title = &v
	}
	if t.Preview != nil {
		v := *t.Preview
		c.Preview = &v
	}
	if t.EncodedState != nil {
		v := *t.EncodedState
		c.EncodedState = &v
	}
	return &c
}

func copyMessage(m *Message) *Message {
	c := *m
	c.Content = bytes.Clone(m.Content)
	return &c
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// AppendMessage stores a single message.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	return m.AppendMessages(ctx, msg.ThreadID, []*Message{msg})
}

// AppendMessages stores messages for a thread.
func (m *MockStore) AppendMessages(ctx context.Context, threadID string, msgs []*Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}

	var latest time.Time
	if existing := m.messages[threadID]; len(existing) > 0 {
		latest = existing[len(existing)-1].Timestamp
	}
	for _, msg := range msgs {
		prepareMessage(msg, threadID, latest)
		latest = msg.Timestamp
		m.messages[threadID] = append(m.messages[threadID], copyMessage(msg))
	}
	return nil
}

// ListMessages returns all messages of a thread, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, threadID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages[threadID] {
		out = append(out, copyMessage(msg))
	}
	return out, nil
}

// ListHistory returns a page of user and assistant rows of an active thread.
func (m *MockStore) ListHistory(ctx context.Context, threadID string, page, pageSize int) (*MessagePage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[threadID]
	if !ok || !t.IsActive {
		return nil, ErrNotFound
	}
	page, pageSize = normalizePage(page, pageSize)

	var visible []*Message
	for _, msg := range m.messages[threadID] {
		if msg.Role.Conversational() {
			visible = append(visible, msg)
		}
	}

	result := &MessagePage{TotalCount: len(visible), Page: page, PageSize: pageSize}
	for _, msg := range paginate(visible, page, pageSize) {
		result.Items = append(result.Items, copyMessage(msg))
	}
	return result, nil
}

func paginate[T any](items []T, page, pageSize int) []T {
	start := (page - 1) * pageSize
	if start >= len(items) {
		return nil
	}
	end := min(start+pageSize, len(items))
	return items[start:end]
}

// UpsertThread creates or updates a thread row.
func (m *MockStore) UpsertThread(ctx context.Context, upd ThreadUpdate) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpsertCalls++
	if len(m.UpsertErrs) > 0 {
		err := m.UpsertErrs[0]
		m.UpsertErrs = m.UpsertErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	if upd.At.IsZero() {
		upd.At = time.Now()
	}

	t, ok := m.threads[upd.ThreadID]
	switch {
	case !ok:
		t = newThread(upd)
		m.threads[t.ID] = t
	case !t.IsActive:
		return nil, ErrNotFound
	default:
		applyUpdate(t, upd)
		healCount(t, len(m.messages[upd.ThreadID]))
	}
	return copyThread(t), nil
}

// GetThread retrieves an active thread by ID.
func (m *MockStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[id]
	if !ok || !t.IsActive {
		return nil, ErrNotFound
	}
	return copyThread(t), nil
}

// RawThread returns a thread regardless of its active flag.
func (m *MockStore) RawThread(id string) (*Thread, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[id]
	if !ok {
		return nil, false
	}
	return copyThread(t), true
}

// ListThreads returns a page of active threads.
func (m *MockStore) ListThreads(ctx context.Context, opts ListOptions) (*ThreadPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts = opts.Normalize()

	var active []*Thread
	for _, t := range m.threads {
		if t.IsActive {
			active = append(active, t)
		}
	}

	key := func(t *Thread) time.Time {
		if opts.SortBy == SortCreatedAt {
			return t.CreatedAt
		}
		return t.UpdatedAt
	}
	sort.Slice(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if opts.Order == OrderAsc {
			a, b = b, a
		}
		ka, kb := key(a), key(b)
		if !ka.Equal(kb) {
			return ka.After(kb)
		}
		return a.ID > b.ID
	})

	result := &ThreadPage{TotalCount: len(active), Page: opts.Page, PageSize: opts.PageSize}
	for _, t := range paginate(active, opts.Page, opts.PageSize) {
		result.Items = append(result.Items, copyThread(t))
	}
	return result, nil
}

// DeleteThread soft-deletes a thread and removes its messages.
func (m *MockStore) DeleteThread(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[id]
	if !ok || !t.IsActive {
		return ErrNotFound
	}
	t.IsActive = false
	t.MessageCount = 0
	t.EncodedState = nil
	t.UpdatedAt = time.Now().UTC()
	delete(m.messages, id)
	return nil
}
