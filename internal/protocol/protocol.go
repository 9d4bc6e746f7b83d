// Package protocol defines the JSON messages exchanged with the browser over
// the /session WebSocket.
//
// Text frames carry the messages below; binary frames carry raw PCM16 mono
// audio in both directions (mic audio inbound, synthesized speech outbound).
package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientType tags a browser → server message.
type ClientType string

const (
	// ClientAuthenticate must be the first frame on a new connection.
	ClientAuthenticate ClientType = "authenticate"

	// ClientConfigure must be the second frame; it defines the agent.
	ClientConfigure ClientType = "configure"

	// ClientCancel aborts the in-flight turn (barge-in).
	ClientCancel ClientType = "cancel"

	// ClientReset cancels and clears the conversation history.
	ClientReset ClientType = "reset"

	// ClientPing requests a pong.
	ClientPing ClientType = "ping"
)

// ToolDef is a customer tool declaration carried by the configure message.
type ToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Parameters is one of three accepted forms, normalized downstream:
	// simple ({field: "string?"}), extended ({field: {type, description,
	// enum}}), or raw JSON Schema (root object has a "type" key).
	Parameters map[string]any `json:"parameters,omitempty"`

	// Handler is the customer-supplied function source executed in the
	// sandbox. Empty for built-in tools.
	Handler string `json:"handler,omitempty"`
}

// ClientMessage is the union of all browser → server JSON frames.
type ClientMessage struct {
	Type ClientType `json:"type"`

	// APIKey is set on authenticate.
	APIKey string `json:"apiKey,omitempty"`

	// The remaining fields are set on configure.
	Instructions string    `json:"instructions,omitempty"`
	Greeting     string    `json:"greeting,omitempty"`
	Voice        string    `json:"voice,omitempty"`
	Prompt       string    `json:"prompt,omitempty"`
	Tools        []ToolDef `json:"tools,omitempty"`
}

// ParseClientMessage decodes one inbound text frame. Malformed JSON and
// frames without a type are errors; unknown types parse fine and are ignored
// by the caller's dispatch.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("protocol: malformed client message: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("protocol: client message without type")
	}
	return &m, nil
}

// EventType tags a server → browser message.
type EventType string

const (
	EventReady      EventType = "ready"
	EventGreeting   EventType = "greeting"
	EventTranscript EventType = "transcript"
	EventTurn       EventType = "turn"
	EventThinking   EventType = "thinking"
	EventChat       EventType = "chat"
	EventTTSDone    EventType = "tts_done"
	EventCancelled  EventType = "cancelled"
	EventReset      EventType = "reset"
	EventError      EventType = "error"
	EventPong       EventType = "pong"
)

// User-facing error families sent in EventError messages. Details stay in
// the server log.
const (
	ErrSTTConnectFailed = "STT_CONNECT_FAILED"
	ErrTTSFailed        = "TTS_FAILED"
	ErrChatFailed       = "CHAT_FAILED"
	ErrBadConfigure     = "BAD_CONFIGURE"
	ErrUnauthorized     = "UNAUTHORIZED"
)

// ServerEvent is the union of all server → browser JSON frames.
type ServerEvent struct {
	Type EventType `json:"type"`

	// Text carries greeting/transcript/turn/chat payloads.
	Text string `json:"text,omitempty"`

	// Steps summarizes the tool calls behind a chat event.
	Steps []string `json:"steps,omitempty"`

	// Message carries the user-facing error family for EventError.
	Message string `json:"message,omitempty"`

	// Sample rates negotiated in the ready event.
	SampleRate    int `json:"sampleRate,omitempty"`
	TTSSampleRate int `json:"ttsSampleRate,omitempty"`
}

// Encode serializes the event for the wire.
func (e ServerEvent) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s event: %w", e.Type, err)
	}
	return data, nil
}

// Ready announces the negotiated sample rates.
func Ready(sampleRate, ttsSampleRate int) ServerEvent {
	return ServerEvent{Type: EventReady, SampleRate: sampleRate, TTSSampleRate: ttsSampleRate}
}

// Greeting carries the greeting text about to be spoken.
func Greeting(text string) ServerEvent {
	return ServerEvent{Type: EventGreeting, Text: text}
}

// Transcript carries an interim STT hypothesis for UI echo.
func Transcript(text string) ServerEvent {
	return ServerEvent{Type: EventTranscript, Text: text}
}

// Turn carries a committed user utterance.
func Turn(text string) ServerEvent {
	return ServerEvent{Type: EventTurn, Text: text}
}

// Thinking marks the start of LLM work.
func Thinking() ServerEvent {
	return ServerEvent{Type: EventThinking}
}

// Chat carries the assistant's final text and a summary of tool steps.
func Chat(text string, steps []string) ServerEvent {
	return ServerEvent{Type: EventChat, Text: text, Steps: steps}
}

// TTSDone marks the end of a completed (not cancelled) synthesis.
func TTSDone() ServerEvent {
	return ServerEvent{Type: EventTTSDone}
}

// Cancelled acknowledges a turn cancellation.
func Cancelled() ServerEvent {
	return ServerEvent{Type: EventCancelled}
}

// Reset acknowledges a history reset.
func Reset() ServerEvent {
	return ServerEvent{Type: EventReset}
}

// Error carries a user-facing error family.
func Error(message string) ServerEvent {
	return ServerEvent{Type: EventError, Message: message}
}

// Pong answers a ping.
func Pong() ServerEvent {
	return ServerEvent{Type: EventPong}
}
