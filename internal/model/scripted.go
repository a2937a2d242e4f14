// ABOUTME: Deterministic providers: Scripted replays canned steps, Echo repeats the user
// ABOUTME: Used for offline runs and for exercising the orchestrator in tests

package model

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ScriptStep is one canned model step.
type ScriptStep struct {
	// Deltas are emitted in order as text fragments.
	Deltas []string
	// ToolCalls are returned after the deltas.
	ToolCalls []ToolCall
	// Err is returned after the deltas are emitted.
	Err error
	// Hang blocks after the deltas until the context ends.
	Hang bool
}

// Scripted replays ScriptSteps, one per Stream call.
type Scripted struct {
	mu       sync.Mutex
	steps    []ScriptStep
	requests []Request
}

// NewScripted creates a provider that replays steps in order.
func NewScripted(steps ...ScriptStep) *Scripted {
	return &Scripted{steps: steps}
}

// Name returns the provider name.
func (s *Scripted) Name() string { return "scripted" }

// Requests returns every request received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Stream replays the next step.
func (s *Scripted) Stream(ctx context.Context, req Request, emit EmitFunc) (*StepResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return nil, &TransportError{Provider: s.Name(), Err: errors.New("script exhausted")}
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()

	var text strings.Builder
	for _, d := range step.Deltas {
		if err := ctx.Err(); err != nil {
			return nil, transportErr(s.Name(), err)
		}
		text.WriteString(d)
		if err := emit(Event{Kind: EventTextDelta, Text: d}); err != nil {
			return nil, transportErr(s.Name(), err)
		}
	}
	if step.Hang {
		<-ctx.Done()
		return nil, transportErr(s.Name(), ctx.Err())
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &StepResult{Text: text.String(), ToolCalls: step.ToolCalls, FinishReason: "stop"}, nil
}

// Echo answers every step by repeating the latest user message word by word.
type Echo struct{}

// NewEcho creates an echo provider.
func NewEcho() *Echo { return &Echo{} }

// Name returns the provider name.
func (e *Echo) Name() string { return ProviderEcho }

// Stream emits "You said: <message>" one word at a time.
func (e *Echo) Stream(ctx context.Context, req Request, emit EmitFunc) (*StepResult, error) {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = req.Messages[i].Text
			break
		}
	}

	words := strings.Fields("You said: " + last)
	var text strings.Builder
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		if err := ctx.Err(); err != nil {
			return nil, transportErr(e.Name(), err)
		}
		text.WriteString(w)
		if err := emit(Event{Kind: EventTextDelta, Text: w}); err != nil {
			return nil, transportErr(e.Name(), err)
		}
	}
	return &StepResult{Text: text.String(), FinishReason: "stop"}, nil
}
