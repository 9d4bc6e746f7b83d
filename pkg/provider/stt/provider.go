// Package stt defines the Link interface for streaming speech-to-text
// backends.
//
// A link is one live transcription stream belonging to one session: it
// accepts raw PCM audio chunks and emits a single ordered stream of tagged
// events — interim transcripts for UI echo and committed turns that drive
// the conversation. The single-channel shape matters: the session goroutine
// is the only consumer, so event ordering is preserved without shared state.
//
// Implementations must be safe for concurrent use and must keep the events
// channel open until Close (or a fatal upstream error) terminates the link.
package stt

import "time"

// EventType tags a Link event.
type EventType string

const (
	// EventPartial is an interim (or echoed unformatted) transcript. Suitable
	// for UI display, never for driving a conversation turn.
	EventPartial EventType = "partial"

	// EventTurn is a committed, formatted turn: the text the orchestrator
	// feeds to the LLM.
	EventTurn EventType = "turn"

	// EventError signals a fatal upstream failure. The link is unusable
	// afterwards.
	EventError EventType = "error"

	// EventClosed signals that the upstream stream ended. Emitted at most
	// once, after which the events channel is closed.
	EventClosed EventType = "closed"
)

// Event is a single tagged value emitted by a Link.
type Event struct {
	Type EventType

	// Text carries the transcript for EventPartial and EventTurn.
	Text string

	// IsFinal marks an EventPartial as the provider's final hypothesis for
	// the current utterance fragment.
	IsFinal bool

	// Err is set for EventError.
	Err error
}

// Link is one open streaming transcription session.
//
// Callers must call Close when the link is no longer needed and must drain
// Events until it is closed.
type Link interface {
	// Send delivers a chunk of raw PCM16 mono audio to the provider. Sending
	// on a link whose socket is not (yet, or any longer) open is a no-op.
	// Send never blocks on network I/O; chunks are queued internally.
	Send(chunk []byte) error

	// Clear asks the provider to finalize any partially accumulated turn
	// immediately (force-endpoint). Used when a turn is cancelled so stale
	// audio does not bleed into the next utterance.
	Clear() error

	// Events returns the link's ordered event stream. The channel is closed
	// after the link terminates.
	Events() <-chan Event

	// Close terminates the link and releases its resources. Safe to call
	// more than once.
	Close() error
}

// Config describes one transcription stream.
type Config struct {
	// APIKey authenticates the ephemeral-token request.
	APIKey string

	// SampleRate is the PCM sample rate in Hz. Default 16000.
	SampleRate int

	// Model selects the provider speech model.
	Model string

	// TokenLifetime bounds the ephemeral token validity; the link refreshes
	// its upstream socket at 80% of this. Default 480s.
	TokenLifetime time.Duration

	// EndOfTurnConfidence is the provider's end-of-turn confidence threshold.
	EndOfTurnConfidence float64

	// MinEndOfTurnSilence is the silence needed to end a turn when the model
	// is confident the utterance is complete.
	MinEndOfTurnSilence time.Duration

	// MaxTurnSilence is the hard silence cutoff that ends a turn regardless
	// of confidence.
	MaxTurnSilence time.Duration
}
