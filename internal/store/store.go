// ABOUTME: Store interfaces and data types for conversation persistence
// ABOUTME: Defines Thread metadata rows, append-only Messages, and paging options

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors
var (
	// ErrNotFound is returned for unknown or soft-deleted threads.
	ErrNotFound = errors.New("not found")
)

// Role identifies who authored a message row.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
)

// Conversational reports whether the role is shown in history.
// Tool rows are internal plumbing.
func (r Role) Conversational() bool {
	return r == RoleUser || r == RoleAssistant
}

// Thread is the summary row for one conversation.
type Thread struct {
	ID           string
	Title        *string
	Preview      *string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	IsActive     bool
	EncodedState *string
}

// Message is one append-only row of a thread's message log.
// Content is stored byte for byte; its leading "$type" field is never reordered.
type Message struct {
	ID        string
	ThreadID  string
	Role      Role
	Content   json.RawMessage
	Timestamp time.Time
}

// ThreadUpdate describes one turn's change to a thread row.
// Nil Title leaves the title alone; a title is only ever set once.
// Nil Preview leaves the preview alone. Nil EncodedState keeps the old state.
type ThreadUpdate struct {
	ThreadID     string
	Title        *string
	Preview      *string
	DeltaCount   int
	EncodedState *string
	At           time.Time
}

// SortField selects the thread listing order.
type SortField string

const (
	SortCreatedAt SortField = "createdAt"
	SortUpdatedAt SortField = "updatedAt"
)

// SortOrder is the listing direction.
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// Paging defaults and limits.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListOptions controls ListThreads.
type ListOptions struct {
	Page     int
	PageSize int
	SortBy   SortField
	Order    SortOrder
}

// Normalize fills zero or out-of-range values with defaults.
func (o ListOptions) Normalize() ListOptions {
	o.Page, o.PageSize = normalizePage(o.Page, o.PageSize)
	if o.SortBy != SortCreatedAt {
		o.SortBy = SortUpdatedAt
	}
	if o.Order != OrderAsc {
		o.Order = OrderDesc
	}
	return o
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// ThreadPage is one page of active threads.
type ThreadPage struct {
	Items      []*Thread
	TotalCount int
	Page       int
	PageSize   int
}

// MessagePage is one page of conversational history.
type MessagePage struct {
	Items      []*Message
	TotalCount int
	Page       int
	PageSize   int
}

// MessageStore is the append-only message log.
type MessageStore interface {
	// AppendMessage inserts a single row.
	AppendMessage(ctx context.Context, msg *Message) error
	// AppendMessages inserts rows for one thread atomically, in order.
	AppendMessages(ctx context.Context, threadID string, msgs []*Message) error
	// ListMessages returns every row of a thread, oldest first.
	ListMessages(ctx context.Context, threadID string) ([]*Message, error)
	// ListHistory returns user and assistant rows only, oldest first.
	ListHistory(ctx context.Context, threadID string, page, pageSize int) (*MessagePage, error)
}

// ThreadMetadataStore holds one summary row per thread.
type ThreadMetadataStore interface {
	// UpsertThread creates or updates a thread row and returns the result.
	UpsertThread(ctx context.Context, upd ThreadUpdate) (*Thread, error)
	// GetThread returns an active thread or ErrNotFound.
	GetThread(ctx context.Context, id string) (*Thread, error)
	// ListThreads returns a page of active threads.
	ListThreads(ctx context.Context, opts ListOptions) (*ThreadPage, error)
}

// Store combines the message log and the metadata rows.
type Store interface {
	MessageStore
	ThreadMetadataStore

	// DeleteThread soft-deletes the metadata row and hard-deletes its messages.
	DeleteThread(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}
