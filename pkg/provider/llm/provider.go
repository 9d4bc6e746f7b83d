// Package llm defines the Client interface for chat-completion backends.
//
// A client wraps an OpenAI-compatible gateway (or, via the anyllm package,
// any provider supported by any-llm-go) and exposes a single non-streaming
// Complete call. The orchestrator drives the whole tool loop itself, so the
// client's only job is faithful request construction and response decoding:
// extracting tool calls and deciding what to do with them is the caller's
// responsibility.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import (
	"context"
	"fmt"
)

// Message is a single entry in a conversation history. Role is one of
// "system", "user", "assistant", or "tool".
//
// An assistant message carries either text Content or a non-empty ToolCalls
// list, never both. A tool message carries the ToolCallID it answers and its
// string result in Content.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a tool invocation requested by the model. ID is unique within
// the turn that produced it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON-encoded argument object
}

// ToolSchema describes one tool offered to the model. Parameters is a JSON
// Schema object; it is computed once at configure time and reused verbatim
// for every call in the session.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request carries everything a Complete call needs.
type Request struct {
	// Messages is the ordered conversation history. Must be non-empty.
	Messages []Message

	// Tools is the set of tool schemas offered to the model. When empty, no
	// tool envelope is sent at all.
	Tools []ToolSchema
}

// Response is the decoded assistant reply. Content is empty when the model
// responded exclusively with tool calls.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Client is the abstraction over any chat-completion backend.
type Client interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an *HTTPError when the gateway answers with a non-2xx status.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// HTTPError is returned when the upstream gateway rejects a request at the
// HTTP level. Status and Body carry the raw upstream detail for logging; the
// orchestrator maps any HTTPError to a user-facing CHAT_FAILED.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("llm: upstream status %d: %s", e.Status, e.Body)
}

// PlaceholderContent is substituted for empty or whitespace-only message
// content before a request is sent; the gateway rejects empty text parts.
const PlaceholderContent = "..."
