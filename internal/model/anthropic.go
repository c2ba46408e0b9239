package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

// AnthropicModel adapts the Anthropic Messages API to the Model interface.
type AnthropicModel struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropic builds an adapter for the given model id. An empty apiKey
// falls back to the SDK's environment-based default.
func NewAnthropic(apiKey string, modelID string) *AnthropicModel {
	var opts []option.RequestOption
	if strings.TrimSpace(apiKey) != "" {
		opts = append(opts, option.WithAPIKey(strings.TrimSpace(apiKey)))
	}
	m := anthropic.Model(strings.TrimSpace(modelID))
	if m == "" {
		m = anthropic.ModelClaudeSonnet4_0
	}
	return &AnthropicModel{client: anthropic.NewClient(opts...), model: m}
}

func (m *AnthropicModel) Name() string {
	if m == nil {
		return ""
	}
	return string(m.model)
}

func (m *AnthropicModel) Complete(ctx context.Context, req Request) (Response, error) {
	if m == nil {
		return Response{}, errors.New("model not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     m.model,
		Messages:  buildAnthropicMessages(req.Messages),
		MaxTokens: maxTokens,
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if strings.TrimSpace(req.System) != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic api error: %w", err)
	}

	out := Response{FinishReason: string(resp.StopReason)}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			args := ""
			if tu.Input != nil {
				if raw, err := json.Marshal(tu.Input); err == nil {
					args = string(raw)
				}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tu.ID, Name: tu.Name, Arguments: args})
		}
	}
	out.Text = text.String()
	return out, nil
}

func buildAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case "system":
			// System prompts are carried at the request level.
			continue
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if strings.TrimSpace(msg.Text) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Text))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
						input = tc.Arguments
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case "tool":
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Text, false)))
		default:
			if strings.TrimSpace(msg.Text) != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Text)))
			}
		}
	}
	return out
}

func buildAnthropicTools(tools []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, td := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if td.Parameters != nil {
			if props, ok := td.Parameters["properties"]; ok {
				schema.Properties = props
			}
			switch required := td.Parameters["required"].(type) {
			case []string:
				schema.Required = required
			case []any:
				for _, r := range required {
					if s, ok := r.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		out[i] = anthropic.ToolUnionParamOfTool(schema, td.Name)
	}
	return out
}
