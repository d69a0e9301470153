package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/SynidSweet/the-system/pkg/models"
)

// ChatClient captures the subset of the go-openai client the adapter uses.
// Satisfied by *openai.Client; tests substitute a fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// OpenAIProvider implements ModelProvider via the OpenAI Chat Completions
// API.
type OpenAIProvider struct {
	chat  ChatClient
	model string
}

// NewOpenAI builds a provider on an existing chat client.
func NewOpenAI(chat ChatClient, defaultModel string) (*OpenAIProvider, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &OpenAIProvider{chat: chat, model: defaultModel}, nil
}

// NewOpenAIFromAPIKey constructs a provider using the default go-openai HTTP
// client.
func NewOpenAIFromAPIKey(apiKey, defaultModel string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return NewOpenAI(openai.NewClient(apiKey), defaultModel)
}

// Generate issues one chat completion and translates the response.
func (p *OpenAIProvider) Generate(ctx context.Context, in *GenerateInput) (*GenerateOutput, error) {
	if len(in.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := in.Model
	if modelID == "" {
		modelID = p.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(in.Messages)+1)
	if in.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: in.System,
		})
	}
	for _, m := range in.Messages {
		encoded, err := encodeOpenAIMessage(m)
		if err != nil {
			return nil, err
		}
		messages = append(messages, encoded)
	}

	tools, err := encodeOpenAITools(in.Tools)
	if err != nil {
		return nil, err
	}

	resp, err := p.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: in.Params.Temperature,
		MaxTokens:   in.Params.MaxTokens,
		Tools:       tools,
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateOpenAIResponse(resp), nil
}

func encodeOpenAIMessage(m *models.Message) (openai.ChatCompletionMessage, error) {
	switch m.Role {
	case models.RoleSystem:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content}, nil
	case models.RoleUser:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content}, nil
	case models.RoleAssistant:
		encoded := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
		for _, call := range m.ToolCalls {
			args, err := json.Marshal(call.Arguments)
			if err != nil {
				return openai.ChatCompletionMessage{}, fmt.Errorf("marshal tool call %s arguments: %w", call.Name, err)
			}
			encoded.ToolCalls = append(encoded.ToolCalls, openai.ToolCall{
				ID:   call.CallID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}
		return encoded, nil
	case models.RoleToolResult:
		return openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}, nil
	default:
		return openai.ChatCompletionMessage{}, fmt.Errorf("unsupported message role %q", m.Role)
	}
}

func encodeOpenAITools(specs []*models.ToolSpec) ([]openai.Tool, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		if spec == nil {
			continue
		}
		params := json.RawMessage(spec.ParametersSchema)
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return tools, nil
}

func translateOpenAIResponse(resp openai.ChatCompletionResponse) *GenerateOutput {
	out := &GenerateOutput{
		Usage: TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	for _, choice := range resp.Choices {
		msg := choice.Message
		if msg.Content != "" {
			out.Content += msg.Content
		}
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				CallID:    call.ID,
				Name:      call.Function.Name,
				Arguments: parseToolArguments(call.Function.Arguments),
			})
		}
	}
	if len(resp.Choices) > 0 {
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out
}

// parseToolArguments decodes a JSON arguments payload. Malformed payloads are
// preserved under a "raw" key so the agent sees what the model produced.
func parseToolArguments(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return map[string]any{"raw": raw}
	}
	return payload
}
