// ABOUTME: Behavioral tests run against every Store implementation
// ABOUTME: Covers upsert rules, listing order and paging, history filtering, and delete

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s := newTestStore(t)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("mock", func(t *testing.T) {
		fn(t, NewMockStore())
	})
}

func strPtr(s string) *string { return &s }

func text(s string) []byte {
	return []byte(fmt.Sprintf(`{"$type":"text","text":%q}`, s))
}

func TestUpsertThread_CreateAndRules(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

		// First upsert creates the row with counters from the delta
		th, err := s.UpsertThread(ctx, ThreadUpdate{ThreadID: "a", DeltaCount: 2, At: t0, EncodedState: strPtr("s1")})
		require.NoError(t, err)
		assert.Nil(t, th.Title)
		assert.Equal(t, 2, th.MessageCount)
		assert.True(t, th.IsActive)
		assert.Equal(t, t0, th.CreatedAt)

		// Title set once
		th, err = s.UpsertThread(ctx, ThreadUpdate{ThreadID: "a", Title: strPtr("first"), Preview: strPtr("p1"), DeltaCount: 2, At: t0.Add(time.Minute)})
		require.NoError(t, err)
		require.NotNil(t, th.Title)
		assert.Equal(t, "first", *th.Title)
		assert.Equal(t, 4, th.MessageCount)
		require.NotNil(t, th.EncodedState)
		assert.Equal(t, "s1", *th.EncodedState, "nil state keeps previous")

		th, err = s.UpsertThread(ctx, ThreadUpdate{ThreadID: "a", Title: strPtr("second"), Preview: strPtr("p2"), DeltaCount: 3, At: t0.Add(2 * time.Minute), EncodedState: strPtr("s2")})
		require.NoError(t, err)
		assert.Equal(t, "first", *th.Title)
		assert.Equal(t, "p2", *th.Preview)
		assert.Equal(t, 7, th.MessageCount)
		assert.Equal(t, "s2", *th.EncodedState)
		assert.Equal(t, t0.Add(2*time.Minute), th.UpdatedAt)
		assert.False(t, th.UpdatedAt.Before(th.CreatedAt))

		got, err := s.GetThread(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, th.MessageCount, got.MessageCount)
		assert.Equal(t, "p2", *got.Preview)
	})
}

func TestUpsertThread_UpdatedAtNeverMovesBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

		_, err := s.UpsertThread(ctx, ThreadUpdate{ThreadID: "a", DeltaCount: 1, At: t0})
		require.NoError(t, err)
		th, err := s.UpsertThread(ctx, ThreadUpdate{ThreadID: "a", DeltaCount: 1, At: t0.Add(-time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, t0, th.UpdatedAt)
	})
}

func TestListThreads_SortingAndPaging(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

		// Created in order a, b, c; updated in reverse so the two sorts disagree
		for i, id := range []string{"a", "b", "c"} {
			_, err := s.UpsertThread(ctx, ThreadUpdate{ThreadID: id, DeltaCount: 1, At: t0.Add(time.Duration(i) * time.Minute)})
			require.NoError(t, err)
		}
		for i, id := range []string{"c", "b", "a"} {
			_, err := s.UpsertThread(ctx, ThreadUpdate{ThreadID: id, DeltaCount: 1, At: t0.Add(time.Hour + time.Duration(i)*time.Minute)})
			require.NoError(t, err)
		}

		ids := func(p *ThreadPage) []string {
			var out []string
			for _, th := range p.Items {
				out = append(out, th.ID)
			}
			return out
		}

		page, err := s.ListThreads(ctx, ListOptions{SortBy: SortCreatedAt, Order: OrderAsc})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(page))
		assert.Equal(t, 3, page.TotalCount)

		page, err = s.ListThreads(ctx, ListOptions{SortBy: SortCreatedAt, Order: OrderDesc})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b", "a"}, ids(page))

		page, err = s.ListThreads(ctx, ListOptions{SortBy: SortUpdatedAt, Order: OrderDesc})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(page))

		page, err = s.ListThreads(ctx, ListOptions{Page: 2, PageSize: 2, SortBy: SortCreatedAt, Order: OrderAsc})
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids(page))
		assert.Equal(t, 3, page.TotalCount)
		assert.Equal(t, 2, page.Page)
		assert.Equal(t, 2, page.PageSize)

		// Defaults: page 1, default size, updatedAt desc
		page, err = s.ListThreads(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, page.Page)
		assert.Equal(t, DefaultPageSize, page.PageSize)
		assert.Equal(t, []string{"a", "b", "c"}, ids(page))
	})
}

func TestListHistory_FiltersToolRows(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		msgs := []*Message{
			{Role: RoleUser, Content: text("make a task")},
			{Role: RoleToolCall, Content: []byte(`{"$type":"functionCall","callId":"c","name":"create_task","arguments":{}}`)},
			{Role: RoleToolResult, Content: []byte(`{"$type":"functionResult","callId":"c","result":"ok"}`)},
			{Role: RoleAssistant, Content: text("done")},
			{Role: RoleUser, Content: text("thanks")},
		}
		require.NoError(t, s.AppendMessages(ctx, "h", msgs))
		_, err := s.UpsertThread(ctx, ThreadUpdate{ThreadID: "h", DeltaCount: len(msgs)})
		require.NoError(t, err)

		page, err := s.ListHistory(ctx, "h", 1, 10)
		require.NoError(t, err)
		assert.Equal(t, 3, page.TotalCount)
		require.Len(t, page.Items, 3)
		assert.Equal(t, RoleUser, page.Items[0].Role)
		assert.Equal(t, RoleAssistant, page.Items[1].Role)
		assert.Equal(t, RoleUser, page.Items[2].Role)

		page, err = s.ListHistory(ctx, "h", 2, 2)
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, string(text("thanks")), string(page.Items[0].Content))

		all, err := s.ListMessages(ctx, "h")
		require.NoError(t, err)
		assert.Len(t, all, 5)

		_, err = s.ListHistory(ctx, "missing", 1, 10)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeleteThread(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.AppendMessages(ctx, "x", []*Message{{Role: RoleUser, Content: text("hi")}, {Role: RoleAssistant, Content: text("hello")}}))
		_, err := s.UpsertThread(ctx, ThreadUpdate{ThreadID: "x", DeltaCount: 2, Title: strPtr("hi")})
		require.NoError(t, err)
		_, err = s.UpsertThread(ctx, ThreadUpdate{ThreadID: "y", DeltaCount: 0})
		require.NoError(t, err)

		require.NoError(t, s.DeleteThread(ctx, "x"))

		// Listing excludes it
		page, err := s.ListThreads(ctx, ListOptions{})
		require.NoError(t, err)
		for _, th := range page.Items {
			assert.NotEqual(t, "x", th.ID)
		}
		assert.Equal(t, 1, page.TotalCount)

		// History and get report not found
		_, err = s.GetThread(ctx, "x")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.ListHistory(ctx, "x", 1, 10)
		assert.ErrorIs(t, err, ErrNotFound)

		// Message rows are gone
		msgs, err := s.ListMessages(ctx, "x")
		require.NoError(t, err)
		assert.Empty(t, msgs)

		// Second delete and unknown ids are not found
		assert.ErrorIs(t, s.DeleteThread(ctx, "x"), ErrNotFound)
		assert.ErrorIs(t, s.DeleteThread(ctx, "nope"), ErrNotFound)

		// A deleted thread cannot be revived by an upsert
		_, err = s.UpsertThread(ctx, ThreadUpdate{ThreadID: "x", DeltaCount: 1})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeleteThread_RetainsRow(t *testing.T) {
	// SQLite keeps the metadata row for audit
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	_, err := s.UpsertThread(ctx, ThreadUpdate{ThreadID: "keep", DeltaCount: 1, EncodedState: strPtr("state")})
	require.NoError(t, err)
	require.NoError(t, s.DeleteThread(ctx, "keep"))

	th, err := scanThread(s.db.QueryRowContext(ctx, threadSelect+` WHERE id = ?`, "keep"))
	require.NoError(t, err)
	assert.False(t, th.IsActive)
	assert.Nil(t, th.EncodedState)
	assert.Equal(t, 0, th.MessageCount)

	// Mock does the same
	m := NewMockStore()
	_, err = m.UpsertThread(ctx, ThreadUpdate{ThreadID: "keep", DeltaCount: 1})
	require.NoError(t, err)
	require.NoError(t, m.DeleteThread(ctx, "keep"))
	raw, ok := m.RawThread("keep")
	require.True(t, ok)
	assert.False(t, raw.IsActive)
}

func TestMockStore_InjectedErrors(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()
	boom := fmt.Errorf("boom")

	m.UpsertErrs = []error{boom, nil}
	_, err := m.UpsertThread(ctx, ThreadUpdate{ThreadID: "a", DeltaCount: 1})
	assert.ErrorIs(t, err, boom)
	_, err = m.UpsertThread(ctx, ThreadUpdate{ThreadID: "a", DeltaCount: 1})
	assert.NoError(t, err)
	assert.Equal(t, 2, m.UpsertCalls)

	m.AppendErr = boom
	assert.ErrorIs(t, m.AppendMessage(ctx, &Message{ThreadID: "a", Role: RoleUser, Content: text("x")}), boom)
}

func TestUpsertThread_HealsUndercount(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.AppendMessages(ctx, "u", []*Message{{Role: RoleUser, Content: text("a")}, {Role: RoleAssistant, Content: text("b")}}))
		_, err := s.UpsertThread(ctx, ThreadUpdate{ThreadID: "u", DeltaCount: 2})
		require.NoError(t, err)

		// Rows written but the metadata upsert never happened
		require.NoError(t, s.AppendMessages(ctx, "u", []*Message{{Role: RoleUser, Content: text("c")}, {Role: RoleAssistant, Content: text("d")}}))

		require.NoError(t, s.AppendMessages(ctx, "u", []*Message{{Role: RoleUser, Content: text("e")}, {Role: RoleAssistant, Content: text("f")}}))
		th, err := s.UpsertThread(ctx, ThreadUpdate{ThreadID: "u", DeltaCount: 2})
		require.NoError(t, err)
		assert.Equal(t, 6, th.MessageCount)
	})
}
