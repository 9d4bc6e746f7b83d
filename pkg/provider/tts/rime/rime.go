// Package rime provides a Rime-backed TTS link using the word-streaming
// WebSocket API. It implements the tts.Link interface.
//
// The link keeps one warm upstream socket at rest. Each synthesis consumes
// the warm socket (or dials a fresh one if it is missing), streams the text
// word by word followed by the end sentinel, forwards every binary PCM frame
// to the caller, and then opens the next warm socket in the background.
package rime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parlance-dev/parlance/pkg/provider/tts"
)

const (
	defaultWSEndpoint = "wss://users.rime.ai/ws2"
	defaultVoice      = "jess"
	defaultSampleRate = 24000
	defaultModel      = "mistv2"

	connectTimeout = 10 * time.Second

	// endSentinel tells the provider the utterance text is complete.
	endSentinel = "__END__"
)

// Compile-time assertion that Link satisfies tts.Link.
var _ tts.Link = (*Link)(nil)

// Option is a functional option for configuring a Link.
type Option func(*Link)

// WithLogger sets the logger used for warm-socket failures. Defaults to
// slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(lk *Link) { lk.logger = l }
}

// streamHeader is the JSON frame that opens each synthesis.
type streamHeader struct {
	Voice      string `json:"voice"`
	Model      string `json:"model,omitempty"`
	SampleRate int    `json:"sample_rate"`
	BufferSize int    `json:"buffer_size,omitempty"`
}

// statusMessage is a text frame received mid-stream. Only error statuses are
// acted upon.
type statusMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Link is a Rime synthesis link with a single warm-socket slot.
type Link struct {
	cfg    tts.Config
	logger *slog.Logger

	mu     sync.Mutex
	warm   *websocket.Conn // idle slot; nil while busy or after Close
	closed bool
}

// Dial creates a Link and opens the first warm socket. A warm-dial failure is
// not fatal: the next Synthesize call dials fresh.
func Dial(ctx context.Context, cfg tts.Config, opts ...Option) (*Link, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("rime: APIKey must not be empty")
	}
	if cfg.WSURL == "" {
		cfg.WSURL = defaultWSEndpoint
	}
	if cfg.Voice == "" {
		cfg.Voice = defaultVoice
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}

	lk := &Link{cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(lk)
	}

	conn, err := lk.dial(ctx)
	if err != nil {
		lk.logger.Warn("rime: warm dial failed, will retry on first synthesis", "err", err)
	} else {
		lk.warm = conn
	}
	return lk, nil
}

// dial opens one upstream socket, bounded by connectTimeout.
func (lk *Link) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, lk.cfg.WSURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + lk.cfg.APIKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("rime: dial: %w", err)
	}
	return conn, nil
}

// Synthesize implements tts.Link.
func (lk *Link) Synthesize(ctx context.Context, text string, onChunk func(pcm []byte)) error {
	if ctx.Err() != nil {
		// Already cancelled: resolve without touching the upstream.
		return nil
	}

	lk.mu.Lock()
	if lk.closed {
		lk.mu.Unlock()
		return errors.New("rime: link is closed")
	}
	conn := lk.warm
	lk.warm = nil
	lk.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = lk.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	defer lk.rewarm()

	err := lk.stream(ctx, conn, text, onChunk)
	if ctx.Err() != nil {
		// Cancellation tears the socket down without draining; not an error.
		conn.Close(websocket.StatusNormalClosure, "cancelled")
		return nil
	}
	conn.Close(websocket.StatusNormalClosure, "done")
	return err
}

// stream performs one full synthesis exchange on conn.
func (lk *Link) stream(ctx context.Context, conn *websocket.Conn, text string, onChunk func(pcm []byte)) error {
	header, err := json.Marshal(streamHeader{
		Voice:      lk.cfg.Voice,
		Model:      lk.cfg.Model,
		SampleRate: lk.cfg.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("rime: marshal header: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, header); err != nil {
		return fmt.Errorf("rime: send header: %w", err)
	}

	for _, word := range strings.Fields(text) {
		if err := conn.Write(ctx, websocket.MessageText, []byte(word)); err != nil {
			return fmt.Errorf("rime: send word: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(endSentinel)); err != nil {
		return fmt.Errorf("rime: send end sentinel: %w", err)
	}

	// Tear the socket down when ctx fires so the blocked Read returns.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "cancelled")
		case <-watchDone:
		}
	}()

	for {
		typ, msg, err := conn.Read(context.Background())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || errors.Is(err, io.EOF) {
				// Upstream close means the utterance is fully delivered.
				return nil
			}
			return fmt.Errorf("rime: stream: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			onChunk(msg)
		case websocket.MessageText:
			var sm statusMessage
			if json.Unmarshal(msg, &sm) == nil && sm.Type == "error" {
				return fmt.Errorf("rime: upstream error: %s", sm.Message)
			}
		}
	}
}

// rewarm opens the next warm socket in the background unless the link is
// closing.
func (lk *Link) rewarm() {
	lk.mu.Lock()
	if lk.closed {
		lk.mu.Unlock()
		return
	}
	lk.mu.Unlock()

	go func() {
		conn, err := lk.dial(context.Background())
		if err != nil {
			lk.logger.Warn("rime: re-warm failed, next synthesis dials fresh", "err", err)
			return
		}

		lk.mu.Lock()
		if lk.closed || lk.warm != nil {
			lk.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "surplus warm socket")
			return
		}
		lk.warm = conn
		lk.mu.Unlock()
	}()
}

// Close implements tts.Link. Safe to call more than once.
func (lk *Link) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	if lk.closed {
		return nil
	}
	lk.closed = true
	if lk.warm != nil {
		lk.warm.Close(websocket.StatusNormalClosure, "link closed")
		lk.warm = nil
	}
	return nil
}
