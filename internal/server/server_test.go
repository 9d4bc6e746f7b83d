package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/parlance-dev/parlance/internal/config"
	"github.com/parlance-dev/parlance/internal/observe"
	"github.com/parlance-dev/parlance/internal/protocol"
	"github.com/parlance-dev/parlance/internal/secrets"
	"github.com/parlance-dev/parlance/pkg/provider/llm"
	llmmock "github.com/parlance-dev/parlance/pkg/provider/llm/mock"
	"github.com/parlance-dev/parlance/pkg/provider/stt"
	sttmock "github.com/parlance-dev/parlance/pkg/provider/stt/mock"
	"github.com/parlance-dev/parlance/pkg/provider/tts"
	ttsmock "github.com/parlance-dev/parlance/pkg/provider/tts/mock"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":0"},
		Providers: config.ProvidersConfig{
			STT: config.STTConfig{APIKey: "stt-key", Model: "universal-streaming", SampleRate: 16000},
			TTS: config.TTSConfig{APIKey: "tts-key", Voice: "jess", SampleRate: 24000},
			LLM: config.LLMConfig{Provider: "openai", APIKey: "llm-key", Model: "gpt-4o-mini"},
		},
		Session: config.SessionConfig{MaxToolIterations: 3},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// testHarness bundles a running server with its mock upstreams.
type testHarness struct {
	ts     *httptest.Server
	sttLk  *sttmock.Link
	ttsLk  *ttsmock.Link
	llm    *llmmock.Client
	sttErr error
}

func newHarness(t *testing.T, llmClient *llmmock.Client) *testHarness {
	t.Helper()

	h := &testHarness{
		sttLk: sttmock.NewLink(),
		ttsLk: &ttsmock.Link{Chunks: [][]byte{{1, 1}, {2, 2}}},
		llm:   llmClient,
	}

	store, err := secrets.LoadFromReader(strings.NewReader(`{"cust-key": {"API_TOKEN": "s3cret"}}`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(testConfig(), h.llm, store,
		func(ctx context.Context, cfg stt.Config) (stt.Link, error) {
			if h.sttErr != nil {
				return nil, h.sttErr
			}
			return h.sttLk, nil
		},
		func(ctx context.Context, cfg tts.Config) (tts.Link, error) {
			return h.ttsLk, nil
		},
		WithLogger(logger),
		WithMetrics(testMetrics(t)),
	)

	h.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(h.ts.Close)
	return h
}

// dial opens a WebSocket to the harness's /session endpoint.
func (h *testHarness) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/session"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readEvent reads text frames until one decodes as a server event, counting
// any interleaved binary audio frames into audio.
func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn, audio *int) protocol.ServerEvent {
	t.Helper()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ == websocket.MessageBinary {
			if audio != nil {
				*audio++
			}
			continue
		}
		var ev protocol.ServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	}
}

func expectEvent(t *testing.T, ctx context.Context, conn *websocket.Conn, audio *int, want protocol.EventType) protocol.ServerEvent {
	t.Helper()
	ev := readEvent(t, ctx, conn, audio)
	if ev.Type != want {
		t.Fatalf("event = %s, want %s", ev.Type, want)
	}
	return ev
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &llmmock.Client{Responses: []*llm.Response{{Content: "hi"}}})

	resp, err := http.Get(h.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.UptimeSeconds < 0 {
		t.Errorf("uptime = %f, want >= 0", body.UptimeSeconds)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &llmmock.Client{Responses: []*llm.Response{{Content: "hi"}}})

	resp, err := http.Get(h.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandshakeRejection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		frames []map[string]any
		want   string
	}{
		{
			name:   "configure before authenticate",
			frames: []map[string]any{{"type": "configure"}},
			want:   protocol.ErrUnauthorized,
		},
		{
			name:   "empty api key",
			frames: []map[string]any{{"type": "authenticate", "apiKey": ""}},
			want:   protocol.ErrUnauthorized,
		},
		{
			name: "second frame not configure",
			frames: []map[string]any{
				{"type": "authenticate", "apiKey": "cust-key"},
				{"type": "ping"},
			},
			want: protocol.ErrBadConfigure,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			h := newHarness(t, &llmmock.Client{Responses: []*llm.Response{{Content: "hi"}}})
			conn := h.dial(t, ctx)

			for _, f := range tc.frames {
				sendJSON(t, ctx, conn, f)
			}

			ev := expectEvent(t, ctx, conn, nil, protocol.EventError)
			if ev.Message != tc.want {
				t.Errorf("error message = %q, want %q", ev.Message, tc.want)
			}
		})
	}
}

func TestSTTDialFailure(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	h := newHarness(t, &llmmock.Client{Responses: []*llm.Response{{Content: "hi"}}})
	h.sttErr = errors.New("upstream down")
	conn := h.dial(t, ctx)

	sendJSON(t, ctx, conn, map[string]any{"type": "authenticate", "apiKey": "cust-key"})
	sendJSON(t, ctx, conn, map[string]any{"type": "configure", "instructions": "You are a clock."})

	ev := expectEvent(t, ctx, conn, nil, protocol.EventError)
	if ev.Message != protocol.ErrSTTConnectFailed {
		t.Errorf("error message = %q, want %q", ev.Message, protocol.ErrSTTConnectFailed)
	}
}

func TestSessionConversation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	h := newHarness(t, &llmmock.Client{Responses: []*llm.Response{{Content: "It is noon."}}})
	conn := h.dial(t, ctx)

	sendJSON(t, ctx, conn, map[string]any{"type": "authenticate", "apiKey": "cust-key"})
	sendJSON(t, ctx, conn, map[string]any{
		"type":         "configure",
		"instructions": "You are a clock.",
		"greeting":     "Hello there.",
	})

	var audio int
	ready := expectEvent(t, ctx, conn, &audio, protocol.EventReady)
	if ready.SampleRate != 16000 || ready.TTSSampleRate != 24000 {
		t.Errorf("ready rates = %d/%d, want 16000/24000", ready.SampleRate, ready.TTSSampleRate)
	}
	greeting := expectEvent(t, ctx, conn, &audio, protocol.EventGreeting)
	if greeting.Text != "Hello there." {
		t.Errorf("greeting = %q", greeting.Text)
	}
	expectEvent(t, ctx, conn, &audio, protocol.EventTTSDone)
	if audio == 0 {
		t.Error("no audio frames during greeting")
	}

	// Mic audio is forwarded to the STT link.
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{9, 9, 9}); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	// A committed transcript drives a full turn.
	h.sttLk.EmitTurn("what time is it")
	turn := expectEvent(t, ctx, conn, &audio, protocol.EventTurn)
	if turn.Text != "what time is it" {
		t.Errorf("turn = %q", turn.Text)
	}
	expectEvent(t, ctx, conn, &audio, protocol.EventThinking)
	chat := expectEvent(t, ctx, conn, &audio, protocol.EventChat)
	if chat.Text != "It is noon." {
		t.Errorf("chat = %q", chat.Text)
	}
	expectEvent(t, ctx, conn, &audio, protocol.EventTTSDone)

	// Control frames round-trip through the session.
	sendJSON(t, ctx, conn, map[string]any{"type": "ping"})
	expectEvent(t, ctx, conn, &audio, protocol.EventPong)

	if h.sttLk.SendCount() == 0 {
		t.Error("mic audio never reached the stt link")
	}
	if got := h.llm.CallCount(); got != 1 {
		t.Errorf("llm calls = %d, want 1", got)
	}
	req := h.llm.Calls[0].Req
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
		t.Errorf("unexpected request messages: %+v", req.Messages)
	}
}

func TestSessionCancelAndReset(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	h := newHarness(t, &llmmock.Client{Responses: []*llm.Response{{Content: "ok"}}})
	conn := h.dial(t, ctx)

	sendJSON(t, ctx, conn, map[string]any{"type": "authenticate", "apiKey": "cust-key"})
	sendJSON(t, ctx, conn, map[string]any{"type": "configure", "instructions": "You are terse."})

	expectEvent(t, ctx, conn, nil, protocol.EventReady)

	sendJSON(t, ctx, conn, map[string]any{"type": "cancel"})
	expectEvent(t, ctx, conn, nil, protocol.EventCancelled)

	sendJSON(t, ctx, conn, map[string]any{"type": "reset"})
	expectEvent(t, ctx, conn, nil, protocol.EventReset)
}

func TestFatalSTTErrorClosesConnection(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	h := newHarness(t, &llmmock.Client{Responses: []*llm.Response{{Content: "hi"}}})
	conn := h.dial(t, ctx)

	sendJSON(t, ctx, conn, map[string]any{"type": "authenticate", "apiKey": "cust-key"})
	sendJSON(t, ctx, conn, map[string]any{"type": "configure", "instructions": "You are terse."})
	expectEvent(t, ctx, conn, nil, protocol.EventReady)

	h.sttLk.Emit(stt.Event{Type: stt.EventError, Err: errors.New("stream torn down")})

	ev := expectEvent(t, ctx, conn, nil, protocol.EventError)
	if ev.Message != protocol.ErrSTTConnectFailed {
		t.Errorf("error message = %q, want %q", ev.Message, protocol.ErrSTTConnectFailed)
	}

	// The server closes the socket after the error event; it must not wait
	// for the client to disconnect.
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("connection still open after fatal error")
	}

	// The session's resources are released as a consequence.
	deadline := time.Now().Add(2 * time.Second)
	for !h.ttsLk.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("tts link not released after fatal error")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCustomerToolShadowsBuiltin(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	client := &llmmock.Client{Responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "web_search", Arguments: `{"query":"weather"}`}}},
		{Content: "Sunny."},
	}}
	h := newHarness(t, client)
	conn := h.dial(t, ctx)

	sendJSON(t, ctx, conn, map[string]any{"type": "authenticate", "apiKey": "cust-key"})
	sendJSON(t, ctx, conn, map[string]any{
		"type":         "configure",
		"instructions": "You are terse.",
		"tools": []map[string]any{{
			"name":        "web_search",
			"description": "Customer search override.",
			"parameters":  map[string]any{"query": "string"},
			"handler":     `async (args) => "from handler"`,
		}},
	})
	expectEvent(t, ctx, conn, nil, protocol.EventReady)

	h.sttLk.EmitTurn("search the weather")
	expectEvent(t, ctx, conn, nil, protocol.EventTurn)
	expectEvent(t, ctx, conn, nil, protocol.EventThinking)
	chat := expectEvent(t, ctx, conn, nil, protocol.EventChat)
	if chat.Text != "Sunny." {
		t.Errorf("chat = %q", chat.Text)
	}

	// The gateway sees exactly one schema for the shadowed name, the
	// customer's.
	var matches []llm.ToolSchema
	for _, ts := range client.Calls[0].Req.Tools {
		if ts.Name == "web_search" {
			matches = append(matches, ts)
		}
	}
	if len(matches) != 1 {
		t.Fatalf("web_search schemas = %d, want 1", len(matches))
	}
	if matches[0].Description != "Customer search override." {
		t.Errorf("schema description = %q, want the customer's", matches[0].Description)
	}

	// Execution went to the sandboxed handler, not the host built-in.
	second := client.Calls[1].Req.Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.Content != "from handler" {
		t.Errorf("tool result = %s %q, want the handler's output", last.Role, last.Content)
	}
}

func TestConfigureRejectsBadToolSchema(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	h := newHarness(t, &llmmock.Client{Responses: []*llm.Response{{Content: "hi"}}})
	conn := h.dial(t, ctx)

	sendJSON(t, ctx, conn, map[string]any{"type": "authenticate", "apiKey": "cust-key"})
	sendJSON(t, ctx, conn, map[string]any{
		"type": "configure",
		"tools": []map[string]any{{
			"name":       "lookup",
			"parameters": map[string]any{"city": "nonsense-type"},
			"handler":    "async (args) => args.city",
		}},
	})

	ev := expectEvent(t, ctx, conn, nil, protocol.EventError)
	if ev.Message != protocol.ErrBadConfigure {
		t.Errorf("error message = %q, want %q", ev.Message, protocol.ErrBadConfigure)
	}
}
