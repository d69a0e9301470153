package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/SynidSweet/the-system/pkg/models"
)

const defaultAnthropicMaxTokens = 4096

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter. Satisfied by *sdk.MessageService; tests substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicProvider implements ModelProvider via the Anthropic Messages API.
type AnthropicProvider struct {
	msg   MessagesClient
	model string
}

// NewAnthropic builds a provider on an existing messages client.
func NewAnthropic(msg MessagesClient, defaultModel string) (*AnthropicProvider, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &AnthropicProvider{msg: msg, model: defaultModel}, nil
}

// NewAnthropicFromAPIKey constructs a provider using the default SDK HTTP
// client.
func NewAnthropicFromAPIKey(apiKey, defaultModel string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&client.Messages, defaultModel)
}

// Generate issues one Messages.New call and translates the response.
func (p *AnthropicProvider) Generate(ctx context.Context, in *GenerateInput) (*GenerateOutput, error) {
	if len(in.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := in.Model
	if modelID == "" {
		modelID = p.model
	}
	maxTokens := in.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	conversation, err := encodeAnthropicMessages(in.Messages)
	if err != nil {
		return nil, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if in.System != "" {
		params.System = []sdk.TextBlockParam{{Text: in.System}}
	}
	if tools, err := encodeAnthropicTools(in.Tools); err != nil {
		return nil, err
	} else if len(tools) > 0 {
		params.Tools = tools
	}
	if in.Params.Temperature > 0 {
		params.Temperature = sdk.Float(float64(in.Params.Temperature))
	}

	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateAnthropicResponse(msg)
}

func encodeAnthropicMessages(msgs []*models.Message) ([]sdk.MessageParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			// System content travels in MessageNewParams.System; stray system
			// messages in the conversation are folded into user turns.
			if m.Content != "" {
				conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
			}
		case models.RoleUser:
			if m.Content != "" {
				conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
			}
		case models.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(call.CallID, call.Arguments, call.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		case models.RoleToolResult:
			conversation = append(conversation,
				sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("at least one user/assistant message is required")
	}
	return conversation, nil
}

func encodeAnthropicTools(specs []*models.ToolSpec) ([]sdk.ToolUnionParam, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		if spec == nil || spec.Name == "" {
			continue
		}
		schema, err := anthropicInputSchema(spec.ParametersSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", spec.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, spec.Name)
		if u.OfTool != nil && spec.Description != "" {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func anthropicInputSchema(raw string) (sdk.ToolInputSchemaParam, error) {
	if raw == "" {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateAnthropicResponse(msg *sdk.Message) (*GenerateOutput, error) {
	if msg == nil {
		return nil, errors.New("anthropic response message is nil")
	}
	out := &GenerateOutput{
		Usage: TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		StopReason: string(msg.StopReason),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			var args map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					args = map[string]any{"raw": string(block.Input)}
				}
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				CallID:    block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	return out, nil
}
