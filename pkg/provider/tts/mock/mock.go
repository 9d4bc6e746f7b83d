// Package mock provides a test double for the tts.Link interface.
//
// By default every Synthesize call delivers the configured Chunks and
// resolves. Set SynthesizeFunc to model long-running synthesis, e.g. for
// barge-in tests:
//
//	lk := &mock.Link{SynthesizeFunc: func(ctx context.Context, text string, onChunk func([]byte)) error {
//	    <-ctx.Done()
//	    return nil
//	}}
package mock

import (
	"context"
	"sync"

	"github.com/parlance-dev/parlance/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the utterance passed to Synthesize.
	Text string
}

// Link is a mock implementation of tts.Link.
type Link struct {
	mu sync.Mutex

	// --- Configurable behaviour ---

	// Chunks are delivered to onChunk, in order, on every Synthesize call.
	Chunks [][]byte

	// Err, if non-nil, is returned from every Synthesize call.
	Err error

	// SynthesizeFunc, if non-nil, overrides all other behaviour.
	SynthesizeFunc func(ctx context.Context, text string, onChunk func(pcm []byte)) error

	// --- Call records (read after test) ---

	// Calls records every invocation of Synthesize in order.
	Calls []SynthesizeCall

	closed bool
}

var _ tts.Link = (*Link)(nil)

// Synthesize implements tts.Link.
func (l *Link) Synthesize(ctx context.Context, text string, onChunk func(pcm []byte)) error {
	l.mu.Lock()
	l.Calls = append(l.Calls, SynthesizeCall{Text: text})
	fn := l.SynthesizeFunc
	err := l.Err
	chunks := l.Chunks
	l.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, onChunk)
	}
	if ctx.Err() != nil {
		// Cancellation resolves clean, mirroring the real link.
		return nil
	}
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if ctx.Err() != nil {
			return nil
		}
		onChunk(c)
	}
	return nil
}

// Close implements tts.Link. Safe to call more than once.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// CallCount returns the number of Synthesize invocations so far.
func (l *Link) CallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Calls)
}

// LastText returns the text of the most recent Synthesize call, or "".
func (l *Link) LastText() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Calls) == 0 {
		return ""
	}
	return l.Calls[len(l.Calls)-1].Text
}
