package anyllm

import (
	"testing"

	"github.com/parlance-dev/parlance/pkg/provider/llm"
)

// TestNew_Validation checks constructor argument validation.
func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("not-a-provider", "some-model"); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

// TestBuildParams checks message conversion and the tool envelope.
func TestBuildParams(t *testing.T) {
	c := &Client{model: "gpt-4o-mini"}

	params := c.buildParams(llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "Be brief."},
			{Role: "user", Content: ""},
			{Role: "assistant", ToolCalls: []llm.ToolCall{
				{ID: "c1", Name: "get_weather", Arguments: `{"city":"Paris"}`},
			}},
			{Role: "tool", Content: "20C sunny", ToolCallID: "c1"},
		},
		Tools: []llm.ToolSchema{{
			Name:        "get_weather",
			Description: "Look up current weather",
			Parameters:  map[string]any{"type": "object"},
		}},
	})

	if params.Model != "gpt-4o-mini" {
		t.Errorf("model = %s", params.Model)
	}
	if len(params.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(params.Messages))
	}
	if params.Messages[1].Content != llm.PlaceholderContent {
		t.Errorf("empty user content = %q, want %q", params.Messages[1].Content, llm.PlaceholderContent)
	}
	if len(params.Messages[2].ToolCalls) != 1 || params.Messages[2].ToolCalls[0].Function.Name != "get_weather" {
		t.Errorf("assistant tool calls not converted: %+v", params.Messages[2].ToolCalls)
	}
	if params.Messages[3].ToolCallID != "c1" {
		t.Errorf("tool message ToolCallID = %q", params.Messages[3].ToolCallID)
	}
	if len(params.Tools) != 1 || params.Tools[0].Type != "function" {
		t.Errorf("tool envelope missing: %+v", params.Tools)
	}
}
