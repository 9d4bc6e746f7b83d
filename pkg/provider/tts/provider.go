// Package tts defines the Link interface for streaming text-to-speech
// backends.
//
// A link is one session's synthesis pipe. It keeps at most one warm upstream
// socket at rest so the first audio chunk of a reply arrives with minimal
// latency, and re-warms itself after each synthesis.
package tts

import "context"

// Link is one session's speech-synthesis channel.
//
// Implementations hold at most one idle upstream connection. Synthesize is
// not safe for concurrent use: the session goroutine is the only caller.
type Link interface {
	// Synthesize streams text upstream and invokes onChunk for every raw PCM
	// chunk received, in order, until the utterance completes.
	//
	// Cancellation is not an error: when ctx is cancelled the upstream socket
	// is torn down without draining and Synthesize returns nil. An already
	// cancelled ctx returns nil immediately without upstream contact.
	Synthesize(ctx context.Context, text string, onChunk func(pcm []byte)) error

	// Close releases the warm socket and marks the link unusable. Safe to
	// call more than once.
	Close() error
}

// Config describes one synthesis link.
type Config struct {
	// APIKey authenticates against the synthesis provider.
	APIKey string

	// WSURL overrides the provider WebSocket endpoint. Empty means the
	// provider default.
	WSURL string

	// Voice selects the speaker. Default "jess".
	Voice string

	// SampleRate is the output PCM sample rate in Hz. Default 24000.
	SampleRate int

	// Model selects the synthesis model.
	Model string
}
