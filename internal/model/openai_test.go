package model

import "testing"

func TestOpenAIMessagesKeepToolCallText(t *testing.T) {
	t.Parallel()

	msgs := openAIMessages(Request{
		System: "sys",
		Messages: []Message{
			{Role: "user", Text: "run it"},
			{
				Role:      "assistant",
				Text:      "on it, kicking off the job",
				ToolCalls: []ToolCall{{ID: "call_1", Name: "lookup", Arguments: `{"q":"x"}`}},
			},
			{Role: "tool", ToolCallID: "call_1", Text: "42"},
		},
	})
	if len(msgs) != 4 {
		t.Fatalf("messages=%d, want 4", len(msgs))
	}

	assistant := msgs[2].OfAssistant
	if assistant == nil {
		t.Fatalf("third item must be the assistant turn")
	}
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call_1" {
		t.Fatalf("tool calls lost: %+v", assistant.ToolCalls)
	}
	if assistant.Content.OfString.Value != "on it, kicking off the job" {
		t.Fatalf("assistant text dropped: %q", assistant.Content.OfString.Value)
	}
}

func TestOpenAIMessagesOmitEmptyToolCallText(t *testing.T) {
	t.Parallel()

	msgs := openAIMessages(Request{
		Messages: []Message{{
			Role:      "assistant",
			ToolCalls: []ToolCall{{ID: "call_1", Name: "lookup", Arguments: "{}"}},
		}},
	})
	if len(msgs) != 1 || msgs[0].OfAssistant == nil {
		t.Fatalf("unexpected mapping: %+v", msgs)
	}
	if msgs[0].OfAssistant.Content.OfString.Valid() {
		t.Fatalf("empty text must not produce a content block")
	}
}
