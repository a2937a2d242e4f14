// ABOUTME: StreamingOrchestrator drives one turn: resolve reference, run model and tools, persist
// ABOUTME: Events flow on a bounded channel; persistence happens only after the stream ends

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/taskagent-gateway/internal/model"
	"github.com/2389/taskagent-gateway/internal/store"
	"github.com/2389/taskagent-gateway/internal/threadstate"
)

// ToolExecutor runs tool calls requested by the model. Execute never fails the
// turn; failures come back as textual results.
type ToolExecutor interface {
	Definitions() []model.ToolDefinition
	Execute(ctx context.Context, call model.ToolCall) model.ToolResult
}

// TurnState is a step of the per-turn state machine.
type TurnState int

const (
	StateIdle TurnState = iota
	StateReferenceResolved
	StateToolCalling
	StateToolResult
	StateTextStreaming
	StateTextComplete
	StateContentFiltered
	StateTransportError
	StatePersisted
	StateDone
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReferenceResolved:
		return "reference_resolved"
	case StateToolCalling:
		return "tool_calling"
	case StateToolResult:
		return "tool_result"
	case StateTextStreaming:
		return "text_streaming"
	case StateTextComplete:
		return "text_complete"
	case StateContentFiltered:
		return "content_filtered"
	case StateTransportError:
		return "transport_error"
	case StatePersisted:
		return "persisted"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Result is how a turn ended.
type Result string

const (
	ResultCompleted       Result = "completed"
	ResultContentFiltered Result = "content_filtered"
	ResultFailed          Result = "failed"
	ResultDisconnected    Result = "disconnected"
)

// Options tunes the orchestrator. Zero values select defaults. A negative
// MetadataRetries disables metadata retries.
type Options struct {
	SystemPrompt    string
	Timeout         time.Duration
	MaxToolRounds   int
	EventBuffer     int
	MetadataRetries int
	RetryBackoff    time.Duration
	PersistTimeout  time.Duration
	RefusalMessage  string
	ErrorMessage    string
}

// Defaults for Options.
const (
	DefaultTimeout         = 2 * time.Minute
	DefaultMaxToolRounds   = 8
	DefaultEventBuffer     = 32
	DefaultMetadataRetries = 3
	DefaultRetryBackoff    = 100 * time.Millisecond
	DefaultPersistTimeout  = 10 * time.Second
	DefaultRefusalMessage  = "I can't help with that request."
	DefaultErrorMessage    = "Something went wrong while generating a response. Please try again."
)

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxToolRounds <= 0 {
		o.MaxToolRounds = DefaultMaxToolRounds
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	switch {
	case o.MetadataRetries == 0:
		o.MetadataRetries = DefaultMetadataRetries
	case o.MetadataRetries < 0:
		o.MetadataRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = DefaultPersistTimeout
	}
	if strings.TrimSpace(o.RefusalMessage) == "" {
		o.RefusalMessage = DefaultRefusalMessage
	}
	if strings.TrimSpace(o.ErrorMessage) == "" {
		o.ErrorMessage = DefaultErrorMessage
	}
	return o
}

// Orchestrator runs turns.
type Orchestrator struct {
	messages store.MessageStore
	threads  store.ThreadMetadataStore
	codec    *threadstate.Codec
	provider model.Provider
	tools    ToolExecutor
	leases   *Leases
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator. tools may be nil.
func NewOrchestrator(messages store.MessageStore, threads store.ThreadMetadataStore, codec *threadstate.Codec, provider model.Provider, tools ToolExecutor, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		messages: messages,
		threads:  threads,
		codec:    codec,
		provider: provider,
		tools:    tools,
		leases:   NewLeases(),
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "orchestrator"),
		now:      time.Now,
	}
}

// TurnRequest is one user message and an optional thread reference. TurnID
// is generated when empty.
type TurnRequest struct {
	Message         string
	ThreadReference string
	RequestID       string
	TurnID          string
}

// Outcome summarizes a finished turn.
type Outcome struct {
	TurnID       string
	ThreadID     string
	Result       Result
	Persisted    int
	EncodedState string
}

// Turn is a running turn. Consumers read Events until it is closed and then
// call Wait. A consumer that stops reading must cancel the request context.
type Turn struct {
	ID       string
	ThreadID string
	IsNew    bool

	events  chan Event
	done    chan struct{}
	outcome Outcome
	err     error
}

// Events returns the ordered event stream.
func (t *Turn) Events() <-chan Event {
	return t.events
}

// Wait blocks until the turn has persisted and returns its outcome. The error
// is a *model.TransportError or *PersistenceError when the turn failed.
func (t *Turn) Wait() (Outcome, error) {
	<-t.done
	return t.outcome, t.err
}

// Stream validates req, resolves its reference and starts the turn. Errors
// returned here happen before any event or write.
func (o *Orchestrator) Stream(ctx context.Context, req TurnRequest) (*Turn, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, &ValidationError{Field: "message", Message: "must not be empty"}
	}

	resolved, err := o.codec.Decode(req.ThreadReference)
	if err != nil {
		return nil, err
	}

	threadID := resolved.ThreadID
	isNew := threadID == ""
	if isNew {
		threadID = uuid.New().String()
	}

	release, ok := o.leases.TryAcquire(threadID)
	if !ok {
		return nil, ErrThreadBusy
	}

	prior, err := o.resolveHistory(ctx, resolved, isNew, threadID)
	if err != nil {
		release()
		return nil, err
	}

	turnID := req.TurnID
	if turnID == "" {
		turnID = uuid.New().String()
	}
	turn := &Turn{
		ID:       turnID,
		ThreadID: threadID,
		IsNew:    isNew,
		events:   make(chan Event, o.opts.EventBuffer),
		done:     make(chan struct{}),
	}
	r := &turnRun{
		o:        o,
		turn:     turn,
		message:  message,
		prior:    prior,
		imported: isNew && resolved.Kind == threadstate.KindSnapshot,
		logger:   o.logger.With("thread_id", threadID, "turn_id", turn.ID, "request_id", req.RequestID),
		released: release,
	}
	r.setState(StateReferenceResolved)

	go r.run(ctx)
	return turn, nil
}

// resolveHistory returns the prior entries of the thread. Pointers are
// backfilled from the message log; snapshots carry their own history. A
// snapshot without a thread id is imported into the new thread's log when the
// turn persists.
func (o *Orchestrator) resolveHistory(ctx context.Context, resolved threadstate.Resolved, isNew bool, threadID string) ([]threadstate.Entry, error) {
	if !isNew {
		if _, err := o.threads.GetThread(ctx, threadID); err != nil {
			return nil, err
		}
	}

	switch resolved.Kind {
	case threadstate.KindPointer:
		rows, err := o.messages.ListMessages(ctx, threadID)
		if err != nil {
			return nil, err
		}
		entries := make([]threadstate.Entry, 0, len(rows))
		for _, m := range rows {
			entries = append(entries, threadstate.Entry{Role: string(m.Role), Content: m.Content})
		}
		return entries, nil
	case threadstate.KindSnapshot:
		return resolved.Snapshot.Messages, nil
	default:
		return nil, nil
	}
}

// Leases exposes the lease table.
func (o *Orchestrator) Leases() *Leases {
	return o.leases
}

type textBlock struct {
	id  string
	buf strings.Builder
}

// turnRun is the mutable state of one running turn.
type turnRun struct {
	o        *Orchestrator
	turn     *Turn
	message  string
	prior    []threadstate.Entry
	imported bool
	logger   *slog.Logger
	released func()

	reqCtx context.Context
	genCtx context.Context

	state    TurnState
	open     *textBlock
	units    [][]*store.Message
	lastText string
}

func (r *turnRun) setState(s TurnState) {
	if r.state == s {
		return
	}
	r.logger.Debug("turn state", "from", r.state, "state", s)
	r.state = s
}

func (r *turnRun) run(ctx context.Context) {
	genCtx, cancel := context.WithTimeout(ctx, r.o.opts.Timeout)
	defer cancel()
	r.reqCtx = ctx
	r.genCtx = genCtx

	defer func() {
		r.released()
		close(r.turn.events)
		r.setState(StateDone)
		close(r.turn.done)
	}()

	r.logger.Info("turn started", "is_new", r.turn.IsNew, "history", len(r.prior))

	if err := r.generate(); err != nil {
		r.fail(err)
		return
	}
	r.complete()
}

// emit sends ev, blocking while the consumer is behind.
func (r *turnRun) emit(ev Event) error {
	return r.send(r.genCtx, ev)
}

// emitFinal sends a terminal event. It ignores the generation deadline so the
// client still learns how the turn ended.
func (r *turnRun) emitFinal(ev Event) {
	if err := r.send(r.reqCtx, ev); err != nil {
		r.logger.Debug("final event not delivered", "event", ev.Type, "error", err)
	}
}

func (r *turnRun) send(ctx context.Context, ev Event) error {
	select {
	case r.turn.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *turnRun) generate() error {
	messages := toModelMessages(r.prior)
	messages = append(messages, model.Message{Role: model.RoleUser, Text: r.message})

	for round := 0; ; round++ {
		req := model.Request{System: r.o.opts.SystemPrompt, Messages: messages}
		offerTools := r.o.tools != nil && round < r.o.opts.MaxToolRounds
		if offerTools {
			req.Tools = r.o.tools.Definitions()
		}

		res, err := r.o.provider.Stream(r.genCtx, req, r.onEvent)
		if err != nil {
			return err
		}
		if err := r.endText(); err != nil {
			return err
		}
		if !offerTools || len(res.ToolCalls) == 0 {
			return nil
		}

		calls := make([]model.ToolCall, 0, len(res.ToolCalls))
		for _, call := range res.ToolCalls {
			if call.ID == "" {
				call.ID = uuid.New().String()
			}
			calls = append(calls, call)
		}
		messages = append(messages, model.Message{Role: model.RoleAssistant, Text: res.Text, ToolCalls: calls})

		for _, call := range calls {
			result, err := r.runTool(call)
			if err != nil {
				return err
			}
			messages = append(messages, model.Message{Role: model.RoleTool, ToolResult: &result})
		}
	}
}

func (r *turnRun) onEvent(ev model.Event) error {
	if ev.Kind != model.EventTextDelta || ev.Text == "" {
		return nil
	}
	if r.open == nil {
		r.open = &textBlock{id: uuid.New().String()}
		r.setState(StateTextStreaming)
		if err := r.emit(Event{Type: EventTextMessageStart, MessageID: r.open.id}); err != nil {
			return err
		}
	}
	r.open.buf.WriteString(ev.Text)
	return r.emit(Event{Type: EventTextMessageContent, MessageID: r.open.id, Delta: ev.Text})
}

// endText closes the open text block. The block counts as a completed unit
// before the end event is sent.
func (r *turnRun) endText() error {
	if r.open == nil {
		return nil
	}
	block := r.open
	r.open = nil

	text := block.buf.String()
	r.units = append(r.units, []*store.Message{{
		ID:      block.id,
		Role:    store.RoleAssistant,
		Content: threadstate.TextContent(text),
	}})
	r.lastText = text
	r.setState(StateTextComplete)
	return r.emit(Event{Type: EventTextMessageEnd, MessageID: block.id})
}

func (r *turnRun) runTool(call model.ToolCall) (model.ToolResult, error) {
	r.setState(StateToolCalling)
	if err := r.emit(Event{Type: EventToolCallStart, Name: call.Name, CallID: call.ID}); err != nil {
		return model.ToolResult{}, err
	}

	result := r.o.tools.Execute(r.genCtx, call)
	result.CallID = call.ID
	if result.Name == "" {
		result.Name = call.Name
	}
	r.setState(StateToolResult)
	r.logger.Debug("tool call finished", "tool", call.Name, "call_id", call.ID, "is_error", result.IsError)

	r.units = append(r.units, []*store.Message{
		{Role: store.RoleToolCall, Content: threadstate.ToolCallContent(call.ID, call.Name, call.Arguments)},
		{Role: store.RoleToolResult, Content: threadstate.ToolResultContent(call.ID, result.Output)},
	})

	if err := r.emit(Event{Type: EventToolCallResult, CallID: call.ID, Result: result.Output}); err != nil {
		return model.ToolResult{}, err
	}
	return result, nil
}

func (r *turnRun) userRow() *store.Message {
	return &store.Message{Role: store.RoleUser, Content: threadstate.TextContent(r.message)}
}

func (r *turnRun) completedRows() []*store.Message {
	rows := []*store.Message{r.userRow()}
	for _, unit := range r.units {
		rows = append(rows, unit...)
	}
	return rows
}

func (r *turnRun) complete() {
	rows := r.completedRows()
	var preview *string
	if r.lastText != "" {
		preview = derivePreview(r.lastText)
	}

	state, written, err := r.persist(rows, deriveTitle(r.message), preview)
	if err != nil {
		r.persistFailed(err)
		return
	}
	r.emitFinal(Event{Type: EventThreadState, ThreadID: r.turn.ThreadID, EncodedState: state})
	r.finish(ResultCompleted, written, state, nil)
}

// fail classifies a generation error: content policy first, then client
// disconnect, then transport failure (including the turn timeout).
func (r *turnRun) fail(err error) {
	switch {
	case model.IsContentPolicy(err):
		r.contentFiltered(err)
	case r.reqCtx.Err() != nil:
		r.disconnected()
	default:
		r.transportFailed(err)
	}
}

// contentFiltered saves the user message, the tool rounds that already ran,
// and a generic refusal. Assistant text from the turn is dropped.
func (r *turnRun) contentFiltered(err error) {
	var policy *model.ContentPolicyError
	errors.As(err, &policy)
	r.setState(StateContentFiltered)
	r.logger.Warn("content policy refusal", "provider", policy.Provider, "detail", policy.Detail)

	r.closeOpenText()
	r.emitFinal(Event{Type: EventContentFilter, Message: r.o.opts.RefusalMessage})

	rows := []*store.Message{r.userRow()}
	for _, unit := range r.units {
		if unit[0].Role == store.RoleToolCall {
			rows = append(rows, unit...)
		}
	}
	rows = append(rows, &store.Message{Role: store.RoleAssistant, Content: threadstate.RefusalContent(r.o.opts.RefusalMessage)})

	state, written, err := r.persist(rows, nil, nil)
	if err != nil {
		r.persistFailed(err)
		return
	}
	r.emitFinal(Event{Type: EventThreadState, ThreadID: r.turn.ThreadID, EncodedState: state})
	r.finish(ResultContentFiltered, written, state, nil)
}

// closeOpenText ends a text block cut short by a terminal condition. The
// partial text is not a completed unit.
func (r *turnRun) closeOpenText() {
	if r.open == nil {
		return
	}
	r.emitFinal(Event{Type: EventTextMessageEnd, MessageID: r.open.id})
	r.open = nil
}

func (r *turnRun) disconnected() {
	rows := r.completedRows()
	r.logger.Info("client disconnected, saving completed units", "units", len(r.units))

	var preview *string
	if r.lastText != "" {
		preview = derivePreview(r.lastText)
	}
	state, written, err := r.persist(rows, deriveTitle(r.message), preview)
	if err != nil {
		r.logger.Error("failed to save disconnected turn", "error", err)
		r.finish(ResultDisconnected, 0, "", err)
		return
	}
	r.finish(ResultDisconnected, written, state, nil)
}

func (r *turnRun) transportFailed(err error) {
	r.setState(StateTransportError)
	if errors.Is(err, context.DeadlineExceeded) && r.genCtx.Err() != nil {
		r.logger.Warn("turn timed out", "timeout", r.o.opts.Timeout)
	} else {
		r.logger.Error("model transport failure", "error", err)
	}

	var transport *model.TransportError
	if !errors.As(err, &transport) {
		transport = &model.TransportError{Provider: r.o.provider.Name(), Err: err}
	}
	r.closeOpenText()
	r.emitFinal(Event{Type: EventRunError, Message: r.o.opts.ErrorMessage})
	r.finish(ResultFailed, 0, "", transport)
}

func (r *turnRun) persistFailed(err error) {
	r.logger.Error("failed to persist turn", "error", err)
	r.emitFinal(Event{Type: EventRunError, Message: r.o.opts.ErrorMessage})
	r.finish(ResultFailed, 0, "", err)
}

func (r *turnRun) finish(result Result, persisted int, state string, err error) {
	r.turn.outcome = Outcome{
		TurnID:       r.turn.ID,
		ThreadID:     r.turn.ThreadID,
		Result:       result,
		Persisted:    persisted,
		EncodedState: state,
	}
	r.turn.err = err
	r.logger.Info("turn finished", "result", result, "persisted", persisted)
}

// persist writes message rows, then the metadata row, and returns the encoded
// state and the number of rows written. Imported snapshot history is written
// ahead of the turn's rows. Metadata writes are retried; message rows already
// written are never removed. The write uses a context detached from the
// request so a disconnect cannot cut it short.
func (r *turnRun) persist(rows []*store.Message, title, preview *string) (string, int, error) {
	threadID := r.turn.ThreadID
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.reqCtx), r.o.opts.PersistTimeout)
	defer cancel()

	entries := make([]threadstate.Entry, 0, len(r.prior)+len(rows))
	entries = append(entries, r.prior...)
	for _, m := range rows {
		entries = append(entries, threadstate.Entry{Role: string(m.Role), Content: m.Content})
	}

	if r.imported {
		all := make([]*store.Message, 0, len(r.prior)+len(rows))
		for _, e := range r.prior {
			all = append(all, &store.Message{Role: store.Role(e.Role), Content: e.Content})
		}
		rows = append(all, rows...)
	}

	now := r.o.now()
	for _, m := range rows {
		m.ThreadID = threadID
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		m.Timestamp = now
	}

	state, err := r.o.codec.EncodeString(threadstate.Snapshot{ThreadID: threadID, Messages: entries})
	if err != nil {
		return "", 0, &PersistenceError{ThreadID: threadID, Stage: "encode", Err: err}
	}

	if err := r.o.messages.AppendMessages(ctx, threadID, rows); err != nil {
		return "", 0, &PersistenceError{ThreadID: threadID, Stage: "messages", Err: err}
	}

	upd := store.ThreadUpdate{
		ThreadID:     threadID,
		Title:        title,
		Preview:      preview,
		DeltaCount:   len(rows),
		EncodedState: &state,
		At:           now,
	}
	for attempt := 0; ; attempt++ {
		_, err = r.o.threads.UpsertThread(ctx, upd)
		if err == nil {
			r.setState(StatePersisted)
			return state, len(rows), nil
		}
		if errors.Is(err, store.ErrNotFound) || attempt >= r.o.opts.MetadataRetries {
			break
		}
		r.logger.Warn("thread metadata write failed, retrying", "attempt", attempt+1, "error", err)

		select {
		case <-time.After(r.o.opts.RetryBackoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return "", 0, &PersistenceError{ThreadID: threadID, Stage: "metadata", Err: ctx.Err()}
		}
	}
	return "", 0, &PersistenceError{ThreadID: threadID, Stage: "metadata", Err: err}
}

// toModelMessages rebuilds provider history from stored entries. Tool calls
// attach to the assistant message before them.
func toModelMessages(entries []threadstate.Entry) []model.Message {
	var out []model.Message
	for _, e := range entries {
		c, err := threadstate.ParseContent(e.Content)
		if err != nil {
			continue
		}
		switch e.Role {
		case threadstate.RoleUser:
			out = append(out, model.Message{Role: model.RoleUser, Text: c.Text})
		case threadstate.RoleAssistant:
			out = append(out, model.Message{Role: model.RoleAssistant, Text: c.Text})
		case threadstate.RoleToolCall:
			call := model.ToolCall{ID: c.CallID, Name: c.Name, Arguments: c.Arguments}
			if n := len(out); n > 0 && out[n-1].Role == model.RoleAssistant {
				out[n-1].ToolCalls = append(out[n-1].ToolCalls, call)
				continue
			}
			out = append(out, model.Message{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{call}})
		case threadstate.RoleToolResult:
			out = append(out, model.Message{Role: model.RoleTool, ToolResult: &model.ToolResult{CallID: c.CallID, Output: c.Result}})
		}
	}
	return out
}
