// ABOUTME: OpenAI Responses API adapter with streaming text and function calls
// ABOUTME: Maps content_filter signals and refusals to ContentPolicyError

package model

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

// Azure OpenAI reports prompt and completion filtering with these codes.
var openAIPolicyCodes = map[string]bool{
	"content_filter":               true,
	"content_policy_violation":     true,
	"ResponsibleAIPolicyViolation": true,
}

// OpenAIProvider streams steps through the Responses API.
type OpenAIProvider struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// NewOpenAI creates an OpenAI provider. BaseURL may point at any
// Responses-compatible endpoint.
func NewOpenAI(opts Options) *OpenAIProvider {
	reqOpts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(opts.APIKey))}
	if u := strings.TrimSpace(opts.BaseURL); u != "" {
		reqOpts = append(reqOpts, ooption.WithBaseURL(u))
	}
	return &OpenAIProvider{
		client:    openai.NewClient(reqOpts...),
		model:     opts.Model,
		maxTokens: int64(opts.maxOutputTokens()),
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

// Stream runs one Responses call and forwards text deltas as they arrive.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request, emit EmitFunc) (*StepResult, error) {
	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(p.model),
		MaxOutputTokens:   openai.Int(p.maxTokens),
		ParallelToolCalls: openai.Bool(false),
	}

	items := openAIInput(req.Messages)
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}
	if s := strings.TrimSpace(req.System); s != "" {
		params.Instructions = openai.String(s)
	}
	if len(req.Tools) > 0 {
		tools := make([]oresponses.ToolUnionParam, 0, len(req.Tools))
		for _, def := range req.Tools {
			tools = append(tools, oresponses.ToolParamOfFunction(def.Name, schemaMap(def.InputSchema), false))
		}
		params.Tools = tools
	}

	stream := p.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	result := &StepResult{}
	completed := false

	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			text.WriteString(delta)
			if err := emit(Event{Kind: EventTextDelta, Text: delta}); err != nil {
				return nil, transportErr(p.Name(), err)
			}

		case "response.refusal.delta", "response.refusal.done":
			return nil, &ContentPolicyError{Provider: p.Name(), Detail: "model refusal"}

		case "response.output_item.done":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				continue
			}
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = strings.TrimSpace(item.ID)
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        callID,
				Name:      strings.TrimSpace(item.Name),
				Arguments: argumentsOrEmpty([]byte(strings.TrimSpace(item.Arguments))),
			})

		case "response.incomplete":
			reason := string(event.Response.IncompleteDetails.Reason)
			if reason == "content_filter" {
				return nil, &ContentPolicyError{Provider: p.Name(), Detail: reason}
			}
			result.FinishReason = reason
			completed = true

		case "response.failed":
			code := string(event.Response.Error.Code)
			if openAIPolicyCodes[code] {
				return nil, &ContentPolicyError{Provider: p.Name(), Detail: event.Response.Error.Message}
			}
			return nil, &TransportError{Provider: p.Name(), Err: errors.New("response failed: " + code)}

		case "response.completed":
			result.FinishReason = string(event.Response.Status)
			completed = true
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classifyOpenAIError(p.Name(), err)
	}
	if !completed {
		return nil, &TransportError{Provider: p.Name(), Err: errors.New("stream ended without response.completed")}
	}

	result.Text = text.String()
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	return result, nil
}

func classifyOpenAIError(provider string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && openAIPolicyCodes[apiErr.Code] {
		return &ContentPolicyError{Provider: provider, Detail: apiErr.Message}
	}
	return transportErr(provider, err)
}

func openAIInput(messages []Message) oresponses.ResponseInputParam {
	items := make(oresponses.ResponseInputParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			if msg.Text != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(msg.Text, oresponses.EasyInputMessageRoleUser))
			}
		case RoleAssistant:
			if msg.Text != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(msg.Text, oresponses.EasyInputMessageRoleAssistant))
			}
			for _, call := range msg.ToolCalls {
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(string(argumentsOrEmpty(call.Arguments)), call.ID, call.Name))
			}
		case RoleTool:
			if msg.ToolResult != nil {
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(msg.ToolResult.CallID, msg.ToolResult.Output))
			}
		}
	}
	return items
}
