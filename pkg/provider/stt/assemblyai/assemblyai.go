// Package assemblyai provides an AssemblyAI-backed STT link using the
// streaming WebSocket API. It implements the stt.Link interface.
//
// The link authenticates with an ephemeral token fetched over HTTPS, then
// keeps exactly one upstream socket open. Because tokens expire, the link
// refreshes itself at 80% of the token lifetime: it fetches a fresh token,
// opens a second socket, and only then closes the first. Both sockets feed
// the same events channel, so consumers never notice the handoff.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parlance-dev/parlance/pkg/provider/stt"
)

const (
	defaultTokenEndpoint = "https://streaming.assemblyai.com/v3/token"
	defaultWSEndpoint    = "wss://streaming.assemblyai.com/v3/ws"
	defaultModel         = "universal-streaming"
	defaultSampleRate    = 16000
	defaultTokenLifetime = 480 * time.Second

	// connectTimeout bounds both the token fetch and the WebSocket dial.
	connectTimeout = 10 * time.Second

	// refreshFraction of the token lifetime after which the upstream socket
	// is re-established with a fresh token.
	refreshFraction = 0.8

	defaultEndOfTurnConfidence = 0.7
	defaultMinEndOfTurnSilence = 160 * time.Millisecond
	defaultMaxTurnSilence      = 2400 * time.Millisecond
)

// forceEndpointMsg asks the provider to finalize the current turn now.
var forceEndpointMsg = []byte(`{"type":"ForceEndpoint"}`)

// Compile-time assertion that Link satisfies stt.Link.
var _ stt.Link = (*Link)(nil)

// Option is a functional option for configuring a Link.
type Option func(*Link)

// WithLogger sets the logger used for protocol warnings. Defaults to
// slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(lk *Link) { lk.logger = l }
}

// WithEndpoints overrides the token and WebSocket endpoints. Used by tests
// and by deployments routed through a regional gateway.
func WithEndpoints(tokenURL, wsURL string) Option {
	return func(lk *Link) {
		lk.tokenURL = tokenURL
		lk.wsURL = wsURL
	}
}

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(lk *Link) { lk.httpClient = c }
}

// Link is a live AssemblyAI streaming session.
type Link struct {
	cfg        stt.Config
	logger     *slog.Logger
	httpClient *http.Client
	tokenURL   string
	wsURL      string

	events chan stt.Event
	audio  chan []byte

	mu           sync.RWMutex
	conn         *websocket.Conn // current upstream socket
	refreshTimer *time.Timer

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Dial fetches an ephemeral token, opens the streaming socket, and returns a
// ready Link. The configured APIKey must be non-empty.
func Dial(ctx context.Context, cfg stt.Config, opts ...Option) (*Link, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("assemblyai: APIKey must not be empty")
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.TokenLifetime == 0 {
		cfg.TokenLifetime = defaultTokenLifetime
	}
	if cfg.EndOfTurnConfidence == 0 {
		cfg.EndOfTurnConfidence = defaultEndOfTurnConfidence
	}
	if cfg.MinEndOfTurnSilence == 0 {
		cfg.MinEndOfTurnSilence = defaultMinEndOfTurnSilence
	}
	if cfg.MaxTurnSilence == 0 {
		cfg.MaxTurnSilence = defaultMaxTurnSilence
	}

	lk := &Link{
		cfg:        cfg,
		logger:     slog.Default(),
		httpClient: &http.Client{},
		tokenURL:   defaultTokenEndpoint,
		wsURL:      defaultWSEndpoint,
		events:     make(chan stt.Event, 64),
		audio:      make(chan []byte, 256),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(lk)
	}

	conn, err := lk.connect(ctx)
	if err != nil {
		return nil, err
	}
	lk.conn = conn

	lk.wg.Add(2)
	go lk.readLoop(conn)
	go lk.writeLoop()

	lk.scheduleRefresh()
	return lk, nil
}

// connect fetches a token and dials the streaming socket, both bounded by
// connectTimeout.
func (lk *Link) connect(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	token, err := lk.fetchToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: fetch token: %w", err)
	}

	wsURL, err := lk.buildWSURL(token)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: build URL: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: dial: %w", err)
	}
	return conn, nil
}

// tokenResponse is the JSON body returned by the token endpoint.
type tokenResponse struct {
	Token string `json:"token"`
}

// fetchToken requests an ephemeral streaming token using the customer key.
func (lk *Link) fetchToken(ctx context.Context) (string, error) {
	u := fmt.Sprintf("%s?expires_in_seconds=%d", lk.tokenURL, int(lk.cfg.TokenLifetime.Seconds()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", lk.cfg.APIKey)

	resp, err := lk.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", err
	}
	if tr.Token == "" {
		return "", errors.New("token endpoint returned empty token")
	}
	return tr.Token, nil
}

// buildWSURL constructs the streaming endpoint URL for the given token.
func (lk *Link) buildWSURL(token string) (string, error) {
	u, err := url.Parse(lk.wsURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(lk.cfg.SampleRate))
	q.Set("speech_model", lk.cfg.Model)
	q.Set("token", token)
	q.Set("format_turns", "true")
	q.Set("end_of_turn_confidence_threshold", strconv.FormatFloat(lk.cfg.EndOfTurnConfidence, 'g', -1, 64))
	q.Set("min_end_of_turn_silence_when_confident", strconv.Itoa(int(lk.cfg.MinEndOfTurnSilence.Milliseconds())))
	q.Set("max_turn_silence", strconv.Itoa(int(lk.cfg.MaxTurnSilence.Milliseconds())))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send queues a PCM chunk for upstream delivery. Chunks are dropped when the
// internal queue is full — stale microphone audio is worthless.
func (lk *Link) Send(chunk []byte) error {
	select {
	case <-lk.done:
		return nil
	default:
	}
	select {
	case lk.audio <- chunk:
	default:
		lk.logger.Debug("assemblyai: audio queue full, dropping chunk", "bytes", len(chunk))
	}
	return nil
}

// Clear sends the force-endpoint signal so any partially accumulated turn is
// finalized immediately.
func (lk *Link) Clear() error {
	lk.mu.RLock()
	conn := lk.conn
	lk.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return conn.Write(context.Background(), websocket.MessageText, forceEndpointMsg)
}

// Events implements stt.Link.
func (lk *Link) Events() <-chan stt.Event { return lk.events }

// Close terminates the link cleanly. Safe to call more than once.
func (lk *Link) Close() error {
	lk.once.Do(func() {
		close(lk.done)
		lk.mu.Lock()
		if lk.refreshTimer != nil {
			lk.refreshTimer.Stop()
		}
		conn := lk.conn
		lk.conn = nil
		lk.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "session closed")
		}
		lk.wg.Wait()
		close(lk.events)
	})
	return nil
}

// writeLoop drains the audio queue onto the current upstream socket.
func (lk *Link) writeLoop() {
	defer lk.wg.Done()
	for {
		select {
		case <-lk.done:
			return
		case chunk := <-lk.audio:
			lk.mu.RLock()
			conn := lk.conn
			lk.mu.RUnlock()
			if conn == nil {
				continue
			}
			if err := conn.Write(context.Background(), websocket.MessageBinary, chunk); err != nil {
				// The read loop notices the broken socket; keep draining so
				// Send never backs up into the caller.
				continue
			}
		}
	}
}

// readLoop receives JSON messages from one upstream socket and dispatches
// them to the shared events channel. It exits silently when its socket has
// been replaced by a token refresh.
func (lk *Link) readLoop(conn *websocket.Conn) {
	defer lk.wg.Done()
	for {
		_, msg, err := conn.Read(context.Background())
		if err != nil {
			select {
			case <-lk.done:
				return
			default:
			}
			lk.mu.RLock()
			current := lk.conn == conn
			lk.mu.RUnlock()
			if !current {
				// Superseded by a refresh handoff.
				return
			}
			lk.emit(stt.Event{Type: stt.EventClosed})
			return
		}

		ev, ok := lk.parseMessage(msg)
		if !ok {
			continue
		}
		lk.emit(ev)
	}
}

// serverMessage is the union of upstream message shapes the link understands.
type serverMessage struct {
	Type            string `json:"type"`
	Text            string `json:"text"`
	IsFinal         bool   `json:"is_final"`
	Transcript      string `json:"transcript"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
}

// parseMessage maps one upstream JSON message to an stt.Event. Returns
// ok=false for messages that should be skipped: malformed JSON, unknown
// types, and empty turns. None of these are fatal.
func (lk *Link) parseMessage(data []byte) (stt.Event, bool) {
	var m serverMessage
	if err := json.Unmarshal(data, &m); err != nil {
		lk.logger.Warn("assemblyai: malformed message", "err", err)
		return stt.Event{}, false
	}

	switch m.Type {
	case "Transcript":
		return stt.Event{Type: stt.EventPartial, Text: m.Text, IsFinal: m.IsFinal}, true

	case "Turn":
		text := strings.TrimSpace(m.Transcript)
		if text == "" {
			return stt.Event{}, false
		}
		if !m.TurnIsFormatted {
			// Unformatted turns are echoed as partials; only formatted turns
			// commit a conversation round.
			return stt.Event{Type: stt.EventPartial, Text: text}, true
		}
		return stt.Event{Type: stt.EventTurn, Text: text}, true

	default:
		lk.logger.Debug("assemblyai: ignoring message", "type", m.Type)
		return stt.Event{}, false
	}
}

// emit delivers ev unless the link is closing.
func (lk *Link) emit(ev stt.Event) {
	select {
	case lk.events <- ev:
	case <-lk.done:
	}
}

// scheduleRefresh arms the token-refresh timer at 80% of the token lifetime.
func (lk *Link) scheduleRefresh() {
	d := time.Duration(float64(lk.cfg.TokenLifetime) * refreshFraction)
	lk.mu.Lock()
	lk.refreshTimer = time.AfterFunc(d, lk.refresh)
	lk.mu.Unlock()
}

// refresh performs the seamless socket handoff: fetch a new token, open the
// replacement socket, swap it in, then close the old one. On any failure the
// current socket is kept — when it eventually closes, the read loop
// propagates the closure.
func (lk *Link) refresh() {
	select {
	case <-lk.done:
		return
	default:
	}

	conn, err := lk.connect(context.Background())
	if err != nil {
		lk.logger.Warn("assemblyai: token refresh failed, keeping current socket", "err", err)
		return
	}

	lk.mu.Lock()
	select {
	case <-lk.done:
		lk.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "link closed during refresh")
		return
	default:
	}
	old := lk.conn
	lk.conn = conn
	lk.mu.Unlock()

	lk.wg.Add(1)
	go lk.readLoop(conn)

	if old != nil {
		old.Close(websocket.StatusNormalClosure, "token refreshed")
	}

	lk.logger.Debug("assemblyai: upstream socket refreshed")
	lk.scheduleRefresh()
}
