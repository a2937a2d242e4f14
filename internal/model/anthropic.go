// ABOUTME: Anthropic Messages API adapter with streaming text and tool_use blocks
// ABOUTME: A "refusal" stop reason is reported as ContentPolicyError

package model

import (
	"context"
	"encoding/json"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider streams steps through the Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(opts Options) *AnthropicProvider {
	reqOpts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(opts.APIKey))}
	if u := strings.TrimSpace(opts.BaseURL); u != "" {
		reqOpts = append(reqOpts, aoption.WithBaseURL(u))
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(reqOpts...),
		model:     opts.Model,
		maxTokens: int64(opts.maxOutputTokens()),
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

// Stream runs one Messages call and forwards text deltas as they arrive.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request, emit EmitFunc) (*StepResult, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  anthropicMessages(req.Messages),
	}
	if s := strings.TrimSpace(req.System); s != "" {
		params.System = []anthropic.TextBlockParam{{Text: s}}
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropicTools(req.Tools)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	var text strings.Builder

	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, transportErr(p.Name(), err)
		}
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if td, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && td.Text != "" {
			text.WriteString(td.Text)
			if err := emit(Event{Kind: EventTextDelta, Text: td.Text}); err != nil {
				return nil, transportErr(p.Name(), err)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, transportErr(p.Name(), err)
	}

	if msg.StopReason == "refusal" {
		return nil, &ContentPolicyError{Provider: p.Name(), Detail: "stop_reason=refusal"}
	}

	result := &StepResult{Text: text.String(), FinishReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: argumentsOrEmpty(tu.Input),
			})
		}
	}
	return result, nil
}

func anthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := schemaMap(def.InputSchema)
		var required []string
		if list, ok := schema["required"].([]any); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					required = append(required, s)
				}
			}
		}
		param := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: schema["properties"], Required: required},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

// anthropicMessages converts history, merging consecutive messages of the same
// role since tool results travel as user content.
func anthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	push := func(assistant bool, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		role := anthropic.MessageParamRoleUser
		if assistant {
			role = anthropic.MessageParamRoleAssistant
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		if assistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			if msg.Text != "" {
				push(false, anthropic.NewTextBlock(msg.Text))
			}
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Text))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, json.RawMessage(argumentsOrEmpty(call.Arguments)), call.Name))
			}
			push(true, blocks...)
		case RoleTool:
			if r := msg.ToolResult; r != nil {
				push(false, anthropic.NewToolResultBlock(r.CallID, r.Output, r.IsError))
			}
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}
