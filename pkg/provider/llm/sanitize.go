package llm

import "strings"

// SanitizeMessages returns a copy of msgs in which every message whose
// Content is empty or whitespace-only — and which does not carry tool calls
// instead — has its Content replaced with [PlaceholderContent]. The input
// slice is never mutated.
//
// Gateways reject requests containing empty text content, but an assistant
// message whose payload is its ToolCalls list legitimately has no text; those
// are left untouched.
func SanitizeMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if len(out[i].ToolCalls) > 0 {
			continue
		}
		if strings.TrimSpace(out[i].Content) == "" {
			out[i].Content = PlaceholderContent
		}
	}
	return out
}
