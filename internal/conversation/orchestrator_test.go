// ABOUTME: Tests for the streaming orchestrator state machine
// ABOUTME: Covers event order, content filtering, failures, disconnects, resumes, and persistence

package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/taskagent-gateway/internal/model"
	"github.com/2389/taskagent-gateway/internal/store"
	"github.com/2389/taskagent-gateway/internal/threadstate"
)

func TestStream_NewThread(t *testing.T) {
	p := model.NewScripted(textStep("Sure, ", "I'll track that."))
	o, s := newTestOrchestrator(t, p, Options{})

	events, out, err := runTurn(t, o, TurnRequest{Message: "Create a task to review X"})
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventTextMessageStart,
		EventTextMessageContent,
		EventTextMessageContent,
		EventTextMessageEnd,
		EventThreadState,
	}, eventTypes(events))
	assert.Equal(t, "Sure, ", events[1].Delta)
	assert.Equal(t, events[0].MessageID, events[3].MessageID)

	final := lastEvent(events)
	assert.Equal(t, out.ThreadID, final.ThreadID)
	assert.NotEmpty(t, final.EncodedState)
	assert.Equal(t, ResultCompleted, out.Result)

	th, err := s.GetThread(context.Background(), out.ThreadID)
	require.NoError(t, err)
	require.NotNil(t, th.Title)
	assert.Equal(t, "Create a task to review X", *th.Title)
	require.NotNil(t, th.Preview)
	assert.Equal(t, "Sure, I'll track that.", *th.Preview)
	assert.Equal(t, 2, th.MessageCount)
	require.NotNil(t, th.EncodedState)
	assert.Equal(t, final.EncodedState, *th.EncodedState)
	assert.False(t, o.Leases().Held(out.ThreadID))
}

func TestStream_ToolRound(t *testing.T) {
	p := model.NewScripted(
		toolStep("Creating it.", createCall("call-1")),
		textStep("Done, it's on your list."),
	)
	o, s := newTestOrchestrator(t, p, Options{})
	tools := o.tools.(*fakeTools)

	events, out, err := runTurn(t, o, TurnRequest{Message: "Create a task to review X"})
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventTextMessageStart, EventTextMessageContent, EventTextMessageEnd,
		EventToolCallStart, EventToolCallResult,
		EventTextMessageStart, EventTextMessageContent, EventTextMessageEnd,
		EventThreadState,
	}, eventTypes(events))
	assert.Equal(t, "create_task", events[3].Name)
	assert.Equal(t, "call-1", events[3].CallID)
	assert.Equal(t, `{"status":"created"}`, events[4].Result)
	require.Len(t, tools.calls, 1)

	// The second step sees the call and its result
	reqs := p.Requests()
	require.Len(t, reqs, 2)
	second := reqs[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, model.RoleAssistant, second[1].Role)
	assert.Len(t, second[1].ToolCalls, 1)
	assert.Equal(t, model.RoleTool, second[2].Role)

	ctx := context.Background()
	rows, err := s.ListMessages(ctx, out.ThreadID)
	require.NoError(t, err)
	roles := make([]store.Role, 0, len(rows))
	for _, r := range rows {
		roles = append(roles, r.Role)
	}
	assert.Equal(t, []store.Role{store.RoleUser, store.RoleAssistant, store.RoleToolCall, store.RoleToolResult, store.RoleAssistant}, roles)

	th, err := s.GetThread(ctx, out.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 5, th.MessageCount)
	assert.Equal(t, "Done, it's on your list.", *th.Preview)

	// History hides tool rows and matches the persisted user/assistant rows
	hist, err := NewService(s, nil, nil).History(ctx, out.ThreadID, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 3, hist.TotalCount)
	require.Len(t, hist.Messages, 3)
	assert.Equal(t, "Creating it.", hist.Messages[1].Content)
}

func TestStream_ContentFilter(t *testing.T) {
	const raw = "flagged: category=violence severity=high"
	p := model.NewScripted(
		model.ScriptStep{Deltas: []string{"Here is"}, Err: &model.ContentPolicyError{Provider: "scripted", Detail: raw}},
		textStep("Happy to help with that."),
	)
	o, s := newTestOrchestrator(t, p, Options{RefusalMessage: "That request was blocked."})
	ctx := context.Background()

	events, out, err := runTurn(t, o, TurnRequest{Message: "something disallowed"})
	require.NoError(t, err, "a refusal completes the turn normally")
	assert.Equal(t, ResultContentFiltered, out.Result)

	assert.Equal(t, []EventType{
		EventTextMessageStart, EventTextMessageContent, EventTextMessageEnd,
		EventContentFilter, EventThreadState,
	}, eventTypes(events))
	assert.Equal(t, "That request was blocked.", events[3].Message)
	for _, ev := range events {
		assert.NotContains(t, ev.Message, "violence")
		assert.NotContains(t, ev.EncodedState, "violence")
	}

	th, err := s.GetThread(ctx, out.ThreadID)
	require.NoError(t, err)
	assert.Nil(t, th.Title)
	assert.Nil(t, th.Preview)
	assert.Equal(t, 2, th.MessageCount)

	rows, err := s.ListMessages(ctx, out.ThreadID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	refusal, err := threadstate.ParseContent(rows[1].Content)
	require.NoError(t, err)
	assert.True(t, refusal.Refusal)
	assert.Equal(t, "That request was blocked.", refusal.Text)

	// The next successful turn titles the thread from its own message
	_, out2, err := runTurn(t, o, TurnRequest{Message: "Plan my week", ThreadReference: lastEvent(events).EncodedState})
	require.NoError(t, err)
	assert.Equal(t, out.ThreadID, out2.ThreadID)

	th, err = s.GetThread(ctx, out.ThreadID)
	require.NoError(t, err)
	require.NotNil(t, th.Title)
	assert.Equal(t, "Plan my week", *th.Title)
	assert.Equal(t, 4, th.MessageCount)
}

func TestStream_ContentFilterAfterToolRound(t *testing.T) {
	p := model.NewScripted(
		toolStep("Creating.", createCall("call-1")),
		model.ScriptStep{Deltas: []string{"Here is"}, Err: &model.ContentPolicyError{Provider: "scripted", Detail: "flagged"}},
	)
	o, s := newTestOrchestrator(t, p, Options{})
	ctx := context.Background()

	events, out, err := runTurn(t, o, TurnRequest{Message: "Create a task to review X"})
	require.NoError(t, err)
	assert.Equal(t, ResultContentFiltered, out.Result)
	assert.Equal(t, EventThreadState, lastEvent(events).Type)

	// The task the tool created stays on record for the next turn
	rows, err := s.ListMessages(ctx, out.ThreadID)
	require.NoError(t, err)
	roles := make([]store.Role, 0, len(rows))
	for _, r := range rows {
		roles = append(roles, r.Role)
	}
	assert.Equal(t, []store.Role{store.RoleUser, store.RoleToolCall, store.RoleToolResult, store.RoleAssistant}, roles)
	refusal, err := threadstate.ParseContent(rows[3].Content)
	require.NoError(t, err)
	assert.True(t, refusal.Refusal)
	assert.Equal(t, 4, out.Persisted)

	th, err := s.GetThread(ctx, out.ThreadID)
	require.NoError(t, err)
	assert.Nil(t, th.Title)
	assert.Nil(t, th.Preview)
	assert.Equal(t, 4, th.MessageCount)
}

func TestStream_ContentFilterOnRequest(t *testing.T) {
	p := model.NewScripted(model.ScriptStep{Err: &model.ContentPolicyError{Provider: "scripted", Detail: "prompt filtered"}})
	o, _ := newTestOrchestrator(t, p, Options{})

	events, out, err := runTurn(t, o, TurnRequest{Message: "bad prompt"})
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventContentFilter, EventThreadState}, eventTypes(events))
	assert.Equal(t, DefaultRefusalMessage, events[0].Message)
	assert.Equal(t, 2, out.Persisted)
}

func TestStream_TransportErrorPersistsNothing(t *testing.T) {
	p := model.NewScripted(
		textStep("first answer"),
		model.ScriptStep{Deltas: []string{"half an ans"}, Err: &model.TransportError{Provider: "scripted", Err: errors.New("connection reset")}},
	)
	o, s := newTestOrchestrator(t, p, Options{})
	ctx := context.Background()

	_, first, err := runTurn(t, o, TurnRequest{Message: "hello"})
	require.NoError(t, err)

	events, out, err := runTurn(t, o, TurnRequest{Message: "and then?", ThreadReference: first.ThreadID})
	var te *model.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ResultFailed, out.Result)

	final := lastEvent(events)
	assert.Equal(t, EventRunError, final.Type)
	assert.Equal(t, DefaultErrorMessage, final.Message)
	assert.NotContains(t, final.Message, "connection reset")
	assert.NotContains(t, eventTypes(events), EventThreadState)

	// Prior turn untouched, nothing from the failed one
	rows, err := s.ListMessages(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	th, err := s.GetThread(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 2, th.MessageCount)
	assert.Equal(t, "first answer", *th.Preview)
}

func TestStream_TransportErrorOnNewThread(t *testing.T) {
	p := model.NewScripted(model.ScriptStep{Err: &model.TransportError{Provider: "scripted", Err: errors.New("503")}})
	o, s := newTestOrchestrator(t, p, Options{})

	_, out, err := runTurn(t, o, TurnRequest{Message: "hello"})
	require.Error(t, err)

	_, err = s.GetThread(context.Background(), out.ThreadID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStream_Timeout(t *testing.T) {
	p := model.NewScripted(model.ScriptStep{Deltas: []string{"thinking"}, Hang: true})
	o, s := newTestOrchestrator(t, p, Options{Timeout: 50 * time.Millisecond})

	events, out, err := runTurn(t, o, TurnRequest{Message: "slow one"})
	var te *model.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []EventType{
		EventTextMessageStart, EventTextMessageContent, EventTextMessageEnd, EventRunError,
	}, eventTypes(events), "the open text block is closed before the error")
	assert.Equal(t, events[0].MessageID, events[2].MessageID)

	rows, err := s.ListMessages(context.Background(), out.ThreadID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStream_DisconnectKeepsCompletedUnits(t *testing.T) {
	p := model.NewScripted(
		toolStep("Checking.", createCall("call-1")),
		model.ScriptStep{Deltas: []string{"partial"}, Hang: true},
	)
	o, s := newTestOrchestrator(t, p, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	turn, err := o.Stream(ctx, TurnRequest{Message: "Create a task to review X"})
	require.NoError(t, err)

	var events []Event
	for ev := range turn.Events() {
		events = append(events, ev)
		if ev.Delta == "partial" {
			cancel()
		}
	}
	out, err := turn.Wait()
	require.NoError(t, err)
	assert.Equal(t, ResultDisconnected, out.Result)
	for _, ev := range events {
		assert.False(t, ev.Terminal(), "no terminal event after disconnect")
	}

	rows, err := s.ListMessages(context.Background(), out.ThreadID)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for _, r := range rows {
		txt, _ := threadstate.FirstText(r.Content)
		assert.NotEqual(t, "partial", txt)
	}

	th, err := s.GetThread(context.Background(), out.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 4, th.MessageCount)
	assert.Equal(t, "Checking.", *th.Preview)
}

func TestStream_PointerAndSnapshotResumeAlike(t *testing.T) {
	p := model.NewScripted(
		toolStep("Creating.", createCall("call-1")),
		textStep("Created **Review X**."),
		textStep("via pointer"),
		textStep("via snapshot"),
	)
	o, s := newTestOrchestrator(t, p, Options{})
	ctx := context.Background()

	events, first, err := runTurn(t, o, TurnRequest{Message: "Create a task to review X"})
	require.NoError(t, err)
	snapshot := lastEvent(events).EncodedState

	// Pointer deliberately quoted, as some clients send it
	_, _, err = runTurn(t, o, TurnRequest{Message: "next", ThreadReference: `"` + first.ThreadID + `"`})
	require.NoError(t, err)
	_, _, err = runTurn(t, o, TurnRequest{Message: "next", ThreadReference: snapshot})
	require.NoError(t, err)

	reqs := p.Requests()
	require.Len(t, reqs, 4)
	viaPointer := reqs[2].Messages
	viaSnapshot := reqs[3].Messages

	// The pointer turn ran first, so its history is the first turn only
	assert.Equal(t, viaSnapshot, viaPointer)
	require.Len(t, viaPointer, 5)

	// Pointer backfill matches the history endpoint for conversational rows
	hist, err := NewService(s, nil, nil).History(ctx, first.ThreadID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "Create a task to review X", hist.Messages[0].Content)
	assert.Equal(t, viaPointer[0].Text, hist.Messages[0].Content)
	assert.Equal(t, viaPointer[1].Text, hist.Messages[1].Content)
}

func TestStream_SnapshotWithoutThreadIDIsImported(t *testing.T) {
	p := model.NewScripted(
		textStep("picked up where we left off"),
		textStep("via pointer"),
		textStep("via snapshot"),
	)
	o, s := newTestOrchestrator(t, p, Options{})
	ctx := context.Background()

	imported, err := o.codec.EncodeString(threadstate.Snapshot{Messages: []threadstate.Entry{
		{Role: threadstate.RoleUser, Content: threadstate.TextContent("earlier question")},
		{Role: threadstate.RoleAssistant, Content: threadstate.TextContent("earlier answer")},
	}})
	require.NoError(t, err)

	events, first, err := runTurn(t, o, TurnRequest{Message: "continue", ThreadReference: imported})
	require.NoError(t, err)
	assert.Equal(t, 4, first.Persisted)

	rows, err := s.ListMessages(ctx, first.ThreadID)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	text, _ := threadstate.FirstText(rows[0].Content)
	assert.Equal(t, "earlier question", text)
	th, err := s.GetThread(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 4, th.MessageCount)

	_, _, err = runTurn(t, o, TurnRequest{Message: "next", ThreadReference: first.ThreadID})
	require.NoError(t, err)
	_, _, err = runTurn(t, o, TurnRequest{Message: "next", ThreadReference: lastEvent(events).EncodedState})
	require.NoError(t, err)

	reqs := p.Requests()
	require.Len(t, reqs, 3)
	assert.Len(t, reqs[1].Messages, 5)
	assert.Equal(t, reqs[2].Messages, reqs[1].Messages)
}

func TestStream_PreviewIgnoresToolRows(t *testing.T) {
	p := model.NewScripted(
		textStep("first answer"),
		toolStep("", createCall("call-1")),
		textStep(""),
	)
	o, s := newTestOrchestrator(t, p, Options{})

	_, first, err := runTurn(t, o, TurnRequest{Message: "hi"})
	require.NoError(t, err)
	_, _, err = runTurn(t, o, TurnRequest{Message: "add one", ThreadReference: first.ThreadID})
	require.NoError(t, err)

	th, err := s.GetThread(context.Background(), first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "first answer", *th.Preview)
	assert.Equal(t, 5, th.MessageCount)
}

func TestStream_RequestErrors(t *testing.T) {
	o, s := newTestOrchestrator(t, model.NewScripted(), Options{})
	ctx := context.Background()

	_, err := o.Stream(ctx, TurnRequest{Message: "   "})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = o.Stream(ctx, TurnRequest{Message: "hi", ThreadReference: `{"$type":"ThreadSnapshot","messages":`})
	var de *threadstate.DecodeError
	assert.ErrorAs(t, err, &de)

	_, err = o.Stream(ctx, TurnRequest{Message: "hi", ThreadReference: "not-a-pointer"})
	assert.ErrorAs(t, err, &de)

	_, err = o.Stream(ctx, TurnRequest{Message: "hi", ThreadReference: "8f14e45f-ceea-467f-a0d6-5a1f1e3b0c2d"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	page, err := s.ListThreads(ctx, store.ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, page.TotalCount, "declined requests have no side effects")
}

func TestStream_DeletedThreadCannotResume(t *testing.T) {
	p := model.NewScripted(textStep("hello"))
	o, s := newTestOrchestrator(t, p, Options{})
	ctx := context.Background()

	events, first, err := runTurn(t, o, TurnRequest{Message: "hi"})
	require.NoError(t, err)
	require.NoError(t, s.DeleteThread(ctx, first.ThreadID))

	_, err = o.Stream(ctx, TurnRequest{Message: "again", ThreadReference: first.ThreadID})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = o.Stream(ctx, TurnRequest{Message: "again", ThreadReference: lastEvent(events).EncodedState})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStream_ThreadLease(t *testing.T) {
	p := model.NewScripted(
		textStep("hello"),
		model.ScriptStep{Hang: true},
		textStep("after"),
	)
	o, _ := newTestOrchestrator(t, p, Options{})

	_, first, err := runTurn(t, o, TurnRequest{Message: "hi"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	busy, err := o.Stream(ctx, TurnRequest{Message: "long", ThreadReference: first.ThreadID})
	require.NoError(t, err)

	_, err = o.Stream(context.Background(), TurnRequest{Message: "concurrent", ThreadReference: first.ThreadID})
	assert.ErrorIs(t, err, ErrThreadBusy)

	cancel()
	drain(busy)
	_, _ = busy.Wait()

	_, out, err := runTurn(t, o, TurnRequest{Message: "later", ThreadReference: first.ThreadID})
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, out.Result)
}

func TestStream_MetadataRetried(t *testing.T) {
	boom := errors.New("database is locked")
	p := model.NewScripted(textStep("ok"))
	o, s := newTestOrchestrator(t, p, Options{MetadataRetries: 3})
	s.UpsertErrs = []error{boom, boom}

	events, out, err := runTurn(t, o, TurnRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, EventThreadState, lastEvent(events).Type)
	assert.Equal(t, 3, s.UpsertCalls)

	th, err := s.GetThread(context.Background(), out.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 2, th.MessageCount)
}

func TestStream_MetadataRetriesDisabled(t *testing.T) {
	p := model.NewScripted(textStep("ok"))
	o, s := newTestOrchestrator(t, p, Options{MetadataRetries: -1})
	s.UpsertErrs = []error{errors.New("database is locked")}

	_, _, err := runTurn(t, o, TurnRequest{Message: "hi"})
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, s.UpsertCalls)
}

func TestOptions_WithDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, DefaultMetadataRetries, opts.MetadataRetries)
	assert.Equal(t, DefaultTimeout, opts.Timeout)
	assert.Equal(t, DefaultEventBuffer, opts.EventBuffer)
	assert.Equal(t, DefaultRefusalMessage, opts.RefusalMessage)

	assert.Zero(t, Options{MetadataRetries: -1}.withDefaults().MetadataRetries)
	assert.Equal(t, 5, Options{MetadataRetries: 5}.withDefaults().MetadataRetries)
}

func TestStream_DeleteWaitsForActiveTurn(t *testing.T) {
	p := model.NewScripted(
		textStep("hello"),
		model.ScriptStep{Hang: true},
	)
	o, s := newTestOrchestrator(t, p, Options{})
	svc := NewService(s, o.Leases(), nil)
	ctx := context.Background()

	_, first, err := runTurn(t, o, TurnRequest{Message: "hi"})
	require.NoError(t, err)

	turnCtx, cancel := context.WithCancel(ctx)
	turn, err := o.Stream(turnCtx, TurnRequest{Message: "long", ThreadReference: first.ThreadID})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Delete(ctx, first.ThreadID), ErrThreadBusy)

	cancel()
	drain(turn)
	_, err = turn.Wait()
	require.NoError(t, err, "the disconnected turn saves against a live thread")

	require.NoError(t, svc.Delete(ctx, first.ThreadID))
	rows, err := s.ListMessages(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Empty(t, rows, "no rows survive the delete")
	_, err = s.GetThread(ctx, first.ThreadID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStream_MetadataRetriesExhausted(t *testing.T) {
	boom := errors.New("disk full")
	p := model.NewScripted(textStep("shown to the user"))
	o, s := newTestOrchestrator(t, p, Options{MetadataRetries: 2})
	s.UpsertErrs = []error{boom, boom, boom}

	events, out, err := runTurn(t, o, TurnRequest{Message: "hi"})
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "metadata", pe.Stage)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, s.UpsertCalls)

	assert.Equal(t, EventRunError, lastEvent(events).Type)
	assert.NotContains(t, eventTypes(events), EventThreadState)

	// Rows stay: visible but undercounted
	rows, err := s.ListMessages(context.Background(), out.ThreadID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestStream_MessageAppendFailure(t *testing.T) {
	p := model.NewScripted(textStep("ok"))
	o, s := newTestOrchestrator(t, p, Options{})
	s.AppendErr = errors.New("readonly database")

	events, _, err := runTurn(t, o, TurnRequest{Message: "hi"})
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "messages", pe.Stage)
	assert.Zero(t, s.UpsertCalls, "metadata is never written without its rows")
	assert.Equal(t, EventRunError, lastEvent(events).Type)
}

func TestStream_Backpressure(t *testing.T) {
	deltas := make([]string, 200)
	for i := range deltas {
		deltas[i] = "x"
	}
	p := model.NewScripted(textStep(deltas...))
	o, _ := newTestOrchestrator(t, p, Options{EventBuffer: 1})

	turn, err := o.Stream(context.Background(), TurnRequest{Message: "long answer"})
	require.NoError(t, err)

	var b strings.Builder
	for ev := range turn.Events() {
		if ev.Type == EventTextMessageContent {
			b.WriteString(ev.Delta)
			time.Sleep(time.Microsecond)
		}
	}
	_, err = turn.Wait()
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 200), b.String(), "no delta dropped or reordered")
}

func TestStream_ToolRoundLimit(t *testing.T) {
	p := model.NewScripted(
		toolStep("", createCall("call-1")),
		toolStep("final words", createCall("call-2")),
	)
	o, _ := newTestOrchestrator(t, p, Options{MaxToolRounds: 1})

	_, _, err := runTurn(t, o, TurnRequest{Message: "loop"})
	require.NoError(t, err)

	reqs := p.Requests()
	require.Len(t, reqs, 2)
	assert.NotEmpty(t, reqs[0].Tools)
	assert.Empty(t, reqs[1].Tools, "the last round is text only")
	assert.Len(t, o.tools.(*fakeTools).calls, 1)
}

func TestToModelMessages(t *testing.T) {
	entries := []threadstate.Entry{
		{Role: threadstate.RoleUser, Content: threadstate.TextContent("hi")},
		{Role: threadstate.RoleAssistant, Content: threadstate.TextContent("checking")},
		{Role: threadstate.RoleToolCall, Content: threadstate.ToolCallContent("c1", "list_tasks", []byte(`{}`))},
		{Role: threadstate.RoleToolCall, Content: threadstate.ToolCallContent("c2", "task_summary", nil)},
		{Role: threadstate.RoleToolResult, Content: threadstate.ToolResultContent("c1", "[]")},
		{Role: threadstate.RoleToolResult, Content: threadstate.ToolResultContent("c2", "{}")},
	}
	msgs := toModelMessages(entries)
	require.Len(t, msgs, 4)
	assert.Equal(t, "checking", msgs[1].Text)
	assert.Len(t, msgs[1].ToolCalls, 2)
	assert.Equal(t, "c2", msgs[3].ToolResult.CallID)
}
