// ABOUTME: Shared helpers for conversation tests
// ABOUTME: Builds orchestrators over MockStore with scripted providers and fake tools

package conversation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/taskagent-gateway/internal/model"
	"github.com/2389/taskagent-gateway/internal/store"
	"github.com/2389/taskagent-gateway/internal/threadstate"
)

type fakeTools struct {
	mu    sync.Mutex
	calls []model.ToolCall
}

func (f *fakeTools) Definitions() []model.ToolDefinition {
	return []model.ToolDefinition{{Name: "create_task", Description: "Create a task", InputSchema: json.RawMessage(`{"type":"object"}`)}}
}

func (f *fakeTools) Execute(ctx context.Context, call model.ToolCall) model.ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return model.ToolResult{CallID: call.ID, Name: call.Name, Output: `{"status":"created"}`}
}

func newTestOrchestrator(t *testing.T, p model.Provider, opts Options) (*Orchestrator, *store.MockStore) {
	t.Helper()
	codec, err := threadstate.NewCodec("")
	require.NoError(t, err)
	s := store.NewMockStore()
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	return NewOrchestrator(s, s, codec, p, &fakeTools{}, opts, nil), s
}

// runTurn starts a turn and drains it.
func runTurn(t *testing.T, o *Orchestrator, req TurnRequest) ([]Event, Outcome, error) {
	t.Helper()
	turn, err := o.Stream(context.Background(), req)
	require.NoError(t, err)
	events := drain(turn)
	out, werr := turn.Wait()
	return events, out, werr
}

func drain(turn *Turn) []Event {
	var events []Event
	for ev := range turn.Events() {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func lastEvent(events []Event) Event {
	if len(events) == 0 {
		return Event{}
	}
	return events[len(events)-1]
}

func textStep(deltas ...string) model.ScriptStep {
	return model.ScriptStep{Deltas: deltas}
}

func toolStep(text string, calls ...model.ToolCall) model.ScriptStep {
	step := model.ScriptStep{ToolCalls: calls}
	if text != "" {
		step.Deltas = []string{text}
	}
	return step
}

func createCall(id string) model.ToolCall {
	return model.ToolCall{ID: id, Name: "create_task", Arguments: json.RawMessage(`{"title":"Review X"}`)}
}
