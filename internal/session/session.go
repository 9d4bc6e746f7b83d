// Package session implements the per-connection conversation orchestrator:
// the state machine that ties streaming transcription, the chat model, the
// tool runtime, and speech synthesis into one voice conversation.
//
// Concurrency model: the connection layer calls the On* methods from its
// read loop; committed transcripts arrive on a goroutine draining the STT
// link; each turn runs on its own goroutine under a per-turn context. All
// browser emissions that belong to a turn pass through an emission guard — a
// sequence number checked under the same mutex the cancel path takes — so a
// cancelled turn can never emit after the cancelled event went out.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parlance-dev/parlance/internal/observe"
	"github.com/parlance-dev/parlance/internal/protocol"
	"github.com/parlance-dev/parlance/internal/sandbox"
	"github.com/parlance-dev/parlance/pkg/provider/llm"
	"github.com/parlance-dev/parlance/pkg/provider/stt"
	"github.com/parlance-dev/parlance/pkg/provider/tts"
)

// Emitter is the connection layer's outbound half. Implementations must
// preserve call order on the wire; the session relies on it for the event
// ordering guarantee.
type Emitter interface {
	// SendEvent queues one JSON event for the browser.
	SendEvent(ev protocol.ServerEvent)

	// SendAudio queues one binary PCM frame for the browser.
	SendAudio(chunk []byte)
}

// Agent is the configuration the browser supplied at configure time, already
// validated and normalized by the connection layer.
type Agent struct {
	// Instructions is the system prompt. Empty means no system message.
	Instructions string

	// Greeting is spoken immediately after ready. Empty skips the greeting.
	Greeting string

	// Voice is the TTS speaker id.
	Voice string

	// Prompt is an optional wake prompt appended to the instructions.
	Prompt string

	// Schemas are the JSON Schema forms of all declared tools, computed once
	// and reused for every completion in the session.
	Schemas []llm.ToolSchema
}

// Deps bundles the upstream links a session drives.
type Deps struct {
	Emitter Emitter
	STT     stt.Link
	TTS     tts.Link
	LLM     llm.Client
	Box     *sandbox.Sandbox

	Logger  *slog.Logger
	Metrics *observe.Metrics

	// OnFatal is invoked once when the session dies on a fatal upstream
	// error, after the error event went out. The connection layer closes
	// the socket in response.
	OnFatal func()
}

// Params are per-deployment tunables.
type Params struct {
	STTSampleRate     int
	TTSSampleRate     int
	MaxToolIterations int
}

// Session is one live voice conversation.
type Session struct {
	id      string
	logger  *slog.Logger
	metrics *observe.Metrics

	emitter Emitter
	sttLink stt.Link
	ttsLink tts.Link
	llm     llm.Client
	box     *sandbox.Sandbox
	onFatal func()

	agent    Agent
	params   Params
	builtins map[string]builtinFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// emitMu guards state, history, the turn sequence, and every turn-bound
	// emission. The cancel path bumps turnSeq and emits cancelled under this
	// mutex; turn goroutines check their sequence under the same mutex before
	// emitting, which makes post-cancel leakage impossible.
	emitMu     sync.Mutex
	state      State
	history    []llm.Message
	turnSeq    uint64
	turnCancel context.CancelFunc
	inFlight   bool

	closeOnce sync.Once
	fatalOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a configured session. Call Start to begin the conversation.
func New(deps Deps, agent Agent, params Params) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if params.MaxToolIterations < 1 {
		params.MaxToolIterations = 3
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:         id,
		logger:     deps.Logger.With("session", id),
		metrics:    deps.Metrics,
		emitter:    deps.Emitter,
		sttLink:    deps.STT,
		ttsLink:    deps.TTS,
		llm:        deps.LLM,
		box:        deps.Box,
		onFatal:    deps.OnFatal,
		agent:      agent,
		params:     params,
		baseCtx:    ctx,
		baseCancel: cancel,
		state:      StateConfigured,
		builtins: map[string]builtinFunc{
			"web_search": webSearch(&http.Client{Timeout: 10 * time.Second}),
		},
	}

	if sys := s.systemPrompt(); sys != "" {
		s.history = append(s.history, llm.Message{Role: "system", Content: sys})
	}
	return s
}

// systemPrompt renders the system message from instructions and wake prompt.
func (s *Session) systemPrompt() string {
	parts := make([]string, 0, 2)
	if t := strings.TrimSpace(s.agent.Instructions); t != "" {
		parts = append(parts, t)
	}
	if t := strings.TrimSpace(s.agent.Prompt); t != "" {
		parts = append(parts, t)
	}
	return strings.Join(parts, "\n\n")
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return s.state
}

// Start sends ready, speaks the greeting if one is configured, and begins
// draining STT events. It returns immediately; the conversation runs on the
// session's goroutines.
func (s *Session) Start() {
	s.metrics.ActiveSessions.Add(s.baseCtx, 1)
	s.emitter.SendEvent(protocol.Ready(s.params.STTSampleRate, s.params.TTSSampleRate))

	s.wg.Add(1)
	go s.sttLoop()

	if s.agent.Greeting != "" {
		ctx, seq := s.beginTurn()
		s.emitGuarded(seq, protocol.Greeting(s.agent.Greeting))
		s.setState(seq, StateSpeaking)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.speak(ctx, seq, s.agent.Greeting)
			s.endTurn(seq)
		}()
	} else {
		s.emitMu.Lock()
		s.transitionLocked(StateListening)
		s.emitMu.Unlock()
	}
}

// OnAudio forwards one mic frame to STT. Never blocks the read loop.
func (s *Session) OnAudio(frame []byte) {
	if err := s.sttLink.Send(frame); err != nil {
		s.logger.Warn("stt send failed", "err", err)
	}
}

// OnCancel aborts any in-flight turn, emits cancelled, clears the STT
// buffer, and returns to listening. Idempotent: a second call emits a second
// cancelled event.
func (s *Session) OnCancel() {
	s.cancelTurn(true)
}

// OnReset cancels like OnCancel, clears the conversation history, and emits
// reset. The system message survives.
func (s *Session) OnReset() {
	s.cancelTurn(false)

	s.emitMu.Lock()
	kept := s.history[:0]
	for _, m := range s.history {
		if m.Role == "system" {
			kept = append(kept, m)
			break
		}
	}
	s.history = kept
	s.emitter.SendEvent(protocol.Reset())
	s.emitMu.Unlock()
}

// OnPing answers with pong through the ordered emitter.
func (s *Session) OnPing() {
	s.emitter.SendEvent(protocol.Pong())
}

// Stop tears the session down: cancels work, closes both links, disposes the
// sandbox. Safe to call more than once.
func (s *Session) Stop() {
	s.closeOnce.Do(func() {
		s.emitMu.Lock()
		s.turnSeq++
		if s.turnCancel != nil {
			s.turnCancel()
			s.turnCancel = nil
		}
		s.state = StateClosed
		s.emitMu.Unlock()

		s.baseCancel()
		s.sttLink.Close()
		s.ttsLink.Close()
		if s.box != nil {
			s.box.Dispose()
		}
		s.wg.Wait()
		s.metrics.ActiveSessions.Add(context.Background(), -1)
		s.logger.Info("session stopped")
	})
}

// sttLoop drains the STT link until it closes.
func (s *Session) sttLoop() {
	defer s.wg.Done()
	for ev := range s.sttLink.Events() {
		switch ev.Type {
		case stt.EventPartial:
			// Interim transcripts go straight out; they belong to no turn.
			s.emitter.SendEvent(protocol.Transcript(ev.Text))

		case stt.EventTurn:
			s.handleCommittedTurn(ev.Text)

		case stt.EventError, stt.EventClosed:
			select {
			case <-s.baseCtx.Done():
				return // session is stopping; expected closure
			default:
			}
			s.metrics.RecordProviderError(s.baseCtx, "stt")
			s.fatal(protocol.ErrSTTConnectFailed, "stt stream ended", ev.Err)
			return
		}
	}
}

// handleCommittedTurn starts a new turn, cancelling any in-flight one
// (barge-in).
func (s *Session) handleCommittedTurn(text string) {
	ctx, seq := s.beginTurn()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTurn(ctx, seq, text)
		s.endTurn(seq)
	}()
}

// beginTurn cancels the previous turn (emitting cancelled if it was still in
// flight) and allocates the next turn's context and sequence number.
func (s *Session) beginTurn() (context.Context, uint64) {
	s.emitMu.Lock()
	s.turnSeq++
	seq := s.turnSeq
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	if s.inFlight {
		// Barge-in: tell the browser to flush its audio queue.
		s.emitter.SendEvent(protocol.Cancelled())
		s.inFlight = false
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.turnCancel = cancel
	s.inFlight = true
	s.emitMu.Unlock()

	if err := s.sttLink.Clear(); err != nil {
		s.logger.Warn("stt clear failed", "err", err)
	}
	return ctx, seq
}

// endTurn marks the turn finished if it is still the current one.
func (s *Session) endTurn(seq uint64) {
	s.emitMu.Lock()
	if seq == s.turnSeq {
		s.inFlight = false
	}
	s.emitMu.Unlock()
}

// cancelTurn is the shared cancel path for OnCancel and OnReset. force emits
// the cancelled event even when nothing is in flight.
func (s *Session) cancelTurn(force bool) {
	s.emitMu.Lock()
	s.turnSeq++
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	if force || s.inFlight {
		s.emitter.SendEvent(protocol.Cancelled())
	}
	s.inFlight = false
	s.transitionLocked(StateListening)
	s.emitMu.Unlock()

	if err := s.sttLink.Clear(); err != nil {
		s.logger.Warn("stt clear failed", "err", err)
	}
}

// emitGuarded sends ev only if seq is still the current turn. Reports
// whether the event went out.
func (s *Session) emitGuarded(seq uint64, ev protocol.ServerEvent) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if seq != s.turnSeq {
		return false
	}
	s.emitter.SendEvent(ev)
	return true
}

// emitAudioGuarded sends one PCM frame only if seq is still the current turn.
func (s *Session) emitAudioGuarded(seq uint64, chunk []byte) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if seq != s.turnSeq {
		return false
	}
	s.emitter.SendAudio(chunk)
	return true
}

// setState transitions the state machine on behalf of turn seq. Stale turns
// cannot move the state.
func (s *Session) setState(seq uint64, to State) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if seq != s.turnSeq {
		return
	}
	s.transitionLocked(to)
}

// transitionLocked coerces the state machine to the requested state, logging
// unexpected edges. Terminal states are sticky.
func (s *Session) transitionLocked(to State) {
	if s.state == StateClosed || s.state == StateError {
		return
	}
	if !canTransition(s.state, to) {
		s.logger.Warn("unexpected state transition", "from", s.state, "to", to)
	}
	s.state = to
}

// fatal emits the error event once and hands control to the connection layer.
func (s *Session) fatal(family, msg string, err error) {
	s.fatalOnce.Do(func() {
		s.logger.Error(msg, "err", err)
		s.emitMu.Lock()
		s.emitter.SendEvent(protocol.Error(family))
		s.state = StateError
		s.emitMu.Unlock()
		if s.onFatal != nil {
			s.onFatal()
		}
	})
}
