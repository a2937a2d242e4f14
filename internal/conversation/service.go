// ABOUTME: ConversationService is the read side: thread listing, history, and soft delete
// ABOUTME: Tool rows stay in the message log but are never shown as history

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/taskagent-gateway/internal/store"
	"github.com/2389/taskagent-gateway/internal/threadstate"
)

// Service answers list, history, and delete requests.
type Service struct {
	store  store.Store
	leases *Leases
	logger *slog.Logger
}

// NewService creates a new ConversationService. leases is the orchestrator's
// lease table; Delete refuses threads with an active turn. nil disables that
// check.
func NewService(s store.Store, leases *Leases, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		leases: leases,
		logger: logger.With("component", "conversation"),
	}
}

// ListRequest holds raw listing parameters. Zero values select defaults.
type ListRequest struct {
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// ThreadSummary is one thread in a listing.
type ThreadSummary struct {
	ID           string    `json:"id"`
	Title        *string   `json:"title"`
	Preview      *string   `json:"preview"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	IsActive     bool      `json:"isActive"`
	EncodedState *string   `json:"encodedState"`
}

// ThreadList is one page of threads.
type ThreadList struct {
	Items      []ThreadSummary `json:"items"`
	TotalCount int             `json:"totalCount"`
	Page       int             `json:"page"`
	PageSize   int             `json:"pageSize"`
	TotalPages int             `json:"totalPages"`
}

// HistoryMessage is one conversational message with its display text.
type HistoryMessage struct {
	MessageID string    `json:"messageId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryPage is one page of a thread's history.
type HistoryPage struct {
	ThreadID     string           `json:"threadId"`
	EncodedState *string          `json:"encodedState"`
	Messages     []HistoryMessage `json:"messages"`
	TotalCount   int              `json:"totalCount"`
	Page         int              `json:"page"`
	PageSize     int              `json:"pageSize"`
}

func validatePage(page, pageSize int) (int, int, error) {
	if page < 0 {
		return 0, 0, &ValidationError{Field: "page", Message: "must be at least 1"}
	}
	if pageSize < 0 || pageSize > store.MaxPageSize {
		return 0, 0, &ValidationError{Field: "pageSize", Message: fmt.Sprintf("must be between 1 and %d", store.MaxPageSize)}
	}
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = store.DefaultPageSize
	}
	return page, pageSize, nil
}

func (r ListRequest) options() (store.ListOptions, error) {
	page, pageSize, err := validatePage(r.Page, r.PageSize)
	if err != nil {
		return store.ListOptions{}, err
	}
	opts := store.ListOptions{Page: page, PageSize: pageSize, SortBy: store.SortUpdatedAt, Order: store.OrderDesc}

	switch store.SortField(r.SortBy) {
	case "":
	case store.SortCreatedAt, store.SortUpdatedAt:
		opts.SortBy = store.SortField(r.SortBy)
	default:
		return store.ListOptions{}, &ValidationError{Field: "sortBy", Message: "must be createdAt or updatedAt"}
	}

	switch store.SortOrder(r.SortOrder) {
	case "":
	case store.OrderAsc, store.OrderDesc:
		opts.Order = store.SortOrder(r.SortOrder)
	default:
		return store.ListOptions{}, &ValidationError{Field: "sortOrder", Message: "must be asc or desc"}
	}
	return opts, nil
}

// ListThreads returns a page of active threads.
func (s *Service) ListThreads(ctx context.Context, req ListRequest) (*ThreadList, error) {
	opts, err := req.options()
	if err != nil {
		return nil, err
	}

	page, err := s.store.ListThreads(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}

	out := &ThreadList{
		Items:      make([]ThreadSummary, 0, len(page.Items)),
		TotalCount: page.TotalCount,
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalPages: (page.TotalCount + page.PageSize - 1) / page.PageSize,
	}
	for _, t := range page.Items {
		out.Items = append(out.Items, ThreadSummary{
			ID:           t.ID,
			Title:        t.Title,
			Preview:      t.Preview,
			MessageCount: t.MessageCount,
			CreatedAt:    t.CreatedAt,
			UpdatedAt:    t.UpdatedAt,
			IsActive:     t.IsActive,
			EncodedState: t.EncodedState,
		})
	}
	return out, nil
}

// History returns a page of user and assistant messages for an active thread.
func (s *Service) History(ctx context.Context, threadID string, page, pageSize int) (*HistoryPage, error) {
	page, pageSize, err := validatePage(page, pageSize)
	if err != nil {
		return nil, err
	}

	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListHistory(ctx, threadID, page, pageSize)
	if err != nil {
		return nil, err
	}

	out := &HistoryPage{
		ThreadID:     thread.ID,
		EncodedState: thread.EncodedState,
		Messages:     make([]HistoryMessage, 0, len(msgs.Items)),
		TotalCount:   msgs.TotalCount,
		Page:         msgs.Page,
		PageSize:     msgs.PageSize,
	}
	for _, m := range msgs.Items {
		text, _ := threadstate.FirstText(m.Content)
		out.Messages = append(out.Messages, HistoryMessage{
			MessageID: m.ID,
			Role:      string(m.Role),
			Content:   text,
			Timestamp: m.Timestamp,
		})
	}
	return out, nil
}

// Delete soft-deletes a thread and removes its messages. It returns
// ErrThreadBusy while a turn is running on the thread.
func (s *Service) Delete(ctx context.Context, threadID string) error {
	if s.leases != nil {
		release, ok := s.leases.TryAcquire(threadID)
		if !ok {
			return ErrThreadBusy
		}
		defer release()
	}
	if err := s.store.DeleteThread(ctx, threadID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("failed to delete thread", "thread_id", threadID, "error", err)
		}
		return err
	}
	s.logger.Info("thread deleted", "thread_id", threadID)
	return nil
}
