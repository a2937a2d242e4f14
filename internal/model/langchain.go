// ABOUTME: langchaingo adapter for OpenAI-compatible chat endpoints such as a local Ollama
// ABOUTME: Text is delivered as one chunk once the step completes

package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
)

// LangChainProvider runs steps through a langchaingo chat model.
type LangChainProvider struct {
	llm       llms.Model
	maxTokens int
}

// NewLangChain creates a provider backed by langchaingo's OpenAI client.
func NewLangChain(opts Options) (*LangChainProvider, error) {
	lcOpts := []lcopenai.Option{
		lcopenai.WithToken(opts.APIKey),
		lcopenai.WithModel(opts.Model),
	}
	if u := strings.TrimSpace(opts.BaseURL); u != "" {
		lcOpts = append(lcOpts, lcopenai.WithBaseURL(u))
	}
	llm, err := lcopenai.New(lcOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating langchain client: %w", err)
	}
	return NewLangChainWithModel(llm, opts.maxOutputTokens()), nil
}

// NewLangChainWithModel wraps an existing langchaingo model.
func NewLangChainWithModel(llm llms.Model, maxTokens int) *LangChainProvider {
	return &LangChainProvider{llm: llm, maxTokens: maxTokens}
}

// Name returns the provider name.
func (p *LangChainProvider) Name() string { return ProviderLangChain }

// Stream generates the step without incremental streaming. Streaming chunks
// from langchaingo interleave tool call fragments with text, so the final
// content is emitted once.
func (p *LangChainProvider) Stream(ctx context.Context, req Request, emit EmitFunc) (*StepResult, error) {
	callOpts := []llms.CallOption{llms.WithMaxTokens(p.maxTokens)}
	if len(req.Tools) > 0 {
		callOpts = append(callOpts, llms.WithTools(langChainTools(req.Tools)))
	}

	resp, err := p.llm.GenerateContent(ctx, langChainMessages(req), callOpts...)
	if err != nil {
		if strings.Contains(err.Error(), "content_filter") {
			return nil, &ContentPolicyError{Provider: p.Name(), Detail: err.Error()}
		}
		return nil, transportErr(p.Name(), err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, &TransportError{Provider: p.Name(), Err: fmt.Errorf("empty response")}
	}

	choice := resp.Choices[0]
	if choice.StopReason == "content_filter" {
		return nil, &ContentPolicyError{Provider: p.Name(), Detail: choice.StopReason}
	}

	result := &StepResult{Text: choice.Content, FinishReason: choice.StopReason}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: argumentsOrEmpty([]byte(tc.FunctionCall.Arguments)),
		})
	}

	if result.Text != "" {
		if err := emit(Event{Kind: EventTextDelta, Text: result.Text}); err != nil {
			return nil, transportErr(p.Name(), err)
		}
	}
	return result, nil
}

func langChainTools(defs []ToolDefinition) []llms.Tool {
	tools := make([]llms.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schemaMap(def.InputSchema),
			},
		})
	}
	return tools
}

func langChainMessages(req Request) []llms.MessageContent {
	msgs := make([]llms.MessageContent, 0, len(req.Messages)+1)
	if s := strings.TrimSpace(req.System); s != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, s))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, msg.Text))
		case RoleAssistant:
			var parts []llms.ContentPart
			if msg.Text != "" {
				parts = append(parts, llms.TextContent{Text: msg.Text})
			}
			for _, call := range msg.ToolCalls {
				parts = append(parts, llms.ToolCall{
					ID:   call.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      call.Name,
						Arguments: string(argumentsOrEmpty(call.Arguments)),
					},
				})
			}
			if len(parts) > 0 {
				msgs = append(msgs, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts})
			}
		case RoleTool:
			if r := msg.ToolResult; r != nil {
				msgs = append(msgs, llms.MessageContent{
					Role: llms.ChatMessageTypeTool,
					Parts: []llms.ContentPart{llms.ToolCallResponse{
						ToolCallID: r.CallID,
						Name:       r.Name,
						Content:    r.Output,
					}},
				})
			}
		}
	}
	return msgs
}
