package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/parlance-dev/parlance/internal/normalize"
	"github.com/parlance-dev/parlance/internal/protocol"
	"github.com/parlance-dev/parlance/internal/sandbox"
	"github.com/parlance-dev/parlance/pkg/provider/llm"
)

// fallbackReply is spoken when the tool loop exhausts its budget without the
// model ever producing text.
const fallbackReply = "I'm sorry, I wasn't able to finish that request."

// runTurn executes one conversation turn: user message, tool loop, final
// reply, synthesis. Every emission and history commit is guarded by seq.
func (s *Session) runTurn(ctx context.Context, seq uint64, text string) {
	started := time.Now()

	// Commit the user message and snapshot history under the guard so a
	// racing cancel either sees the whole commit or none of it.
	s.emitMu.Lock()
	if seq != s.turnSeq {
		s.emitMu.Unlock()
		return
	}
	s.emitter.SendEvent(protocol.Turn(text))
	baseLen := len(s.history)
	s.history = append(s.history, llm.Message{Role: "user", Content: text})
	msgs := append([]llm.Message(nil), s.history...)
	s.transitionLocked(StateThinking)
	s.emitter.SendEvent(protocol.Thinking())
	s.emitMu.Unlock()

	var (
		finalText string
		steps     []string
	)

	for i := 0; i < s.params.MaxToolIterations; i++ {
		resp, err := s.complete(ctx, msgs)
		if err != nil {
			if ctx.Err() != nil {
				s.metrics.RecordTurn(ctx, "cancelled")
				return
			}
			s.failTurn(seq, baseLen, err)
			return
		}

		if len(resp.ToolCalls) == 0 {
			finalText = resp.Content
			break
		}

		assistant := llm.Message{Role: "assistant", ToolCalls: resp.ToolCalls}
		round := []llm.Message{assistant}
		for _, call := range resp.ToolCalls {
			steps = append(steps, "Using "+call.Name)
			result := s.executeTool(ctx, call)
			if ctx.Err() != nil {
				s.metrics.RecordTurn(ctx, "cancelled")
				return
			}
			round = append(round, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
		msgs = append(msgs, round...)

		// Commit the complete round so an assistant message with tool calls
		// is always followed by its matching tool results.
		s.emitMu.Lock()
		if seq != s.turnSeq {
			s.emitMu.Unlock()
			return
		}
		s.history = append(s.history, round...)
		s.emitMu.Unlock()
	}

	if finalText == "" {
		finalText = lastAssistantText(msgs)
	}
	if finalText == "" {
		finalText = fallbackReply
	}

	s.emitMu.Lock()
	if seq != s.turnSeq {
		s.emitMu.Unlock()
		return
	}
	s.history = append(s.history, llm.Message{Role: "assistant", Content: finalText})
	s.emitter.SendEvent(protocol.Chat(finalText, steps))
	s.transitionLocked(StateSpeaking)
	s.emitMu.Unlock()

	s.speak(ctx, seq, finalText)

	if ctx.Err() == nil {
		s.metrics.RecordTurn(ctx, "completed")
		s.metrics.TurnDuration.Record(s.baseCtx, time.Since(started).Seconds())
	}
}

// complete performs one LLM call with the session's tool schemas.
func (s *Session) complete(ctx context.Context, msgs []llm.Message) (*llm.Response, error) {
	started := time.Now()
	resp, err := s.llm.Complete(ctx, llm.Request{
		Messages: msgs,
		Tools:    s.agent.Schemas,
	})
	s.metrics.LLMDuration.Record(s.baseCtx, time.Since(started).Seconds())
	return resp, err
}

// failTurn rolls the history back to its pre-turn length and returns the
// session to listening with a user-facing error. The failed turn leaves no
// trace in history.
func (s *Session) failTurn(seq uint64, baseLen int, err error) {
	var httpErr *llm.HTTPError
	if errors.As(err, &httpErr) {
		s.logger.Error("chat completion rejected", "status", httpErr.Status, "body", httpErr.Body)
	} else {
		s.logger.Error("chat completion failed", "err", err)
	}
	s.metrics.RecordProviderError(s.baseCtx, "llm")
	s.metrics.RecordTurn(s.baseCtx, "failed")

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if seq != s.turnSeq {
		return
	}
	if baseLen <= len(s.history) {
		s.history = s.history[:baseLen]
	}
	s.emitter.SendEvent(protocol.Error(protocol.ErrChatFailed))
	s.transitionLocked(StateListening)
}

// executeTool resolves one tool call: built-ins run on the host, everything
// else goes to the sandbox. Failures come back as strings, never as errors,
// so the model can observe them and recover.
func (s *Session) executeTool(ctx context.Context, call llm.ToolCall) string {
	started := time.Now()

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			s.metrics.RecordToolCall(s.baseCtx, call.Name, "error")
			return "Error: invalid tool arguments: " + err.Error()
		}
	}

	var result string
	if fn, ok := s.builtins[call.Name]; ok && !s.box.Has(call.Name) {
		callCtx, cancel := context.WithTimeout(ctx, sandbox.DefaultTimeout)
		result = fn(callCtx, args)
		cancel()
	} else {
		result = s.box.Execute(ctx, call.Name, args)
	}

	status := "ok"
	if len(result) >= 6 && result[:6] == "Error:" {
		status = "error"
	}
	s.metrics.RecordToolCall(s.baseCtx, call.Name, status)
	s.metrics.ToolDuration.Record(s.baseCtx, time.Since(started).Seconds())
	s.logger.Debug("tool executed", "tool", call.Name, "status", status)
	return result
}

// speak synthesizes text and streams the audio to the browser. A cancelled
// synthesis emits nothing further; a completed one emits tts_done and
// returns the session to listening.
func (s *Session) speak(ctx context.Context, seq uint64, text string) {
	started := time.Now()
	spoken := normalize.Voice(text)
	if spoken == "" {
		s.emitGuarded(seq, protocol.TTSDone())
		s.setState(seq, StateListening)
		return
	}

	err := s.ttsLink.Synthesize(ctx, spoken, func(pcm []byte) {
		s.emitAudioGuarded(seq, pcm)
	})
	s.metrics.TTSDuration.Record(s.baseCtx, time.Since(started).Seconds())

	if ctx.Err() != nil {
		// Cancelled mid-synthesis: no tts_done, cancel path owns the state.
		return
	}
	if err != nil {
		s.logger.Error("synthesis failed", "err", err)
		s.metrics.RecordProviderError(s.baseCtx, "tts")
		s.emitGuarded(seq, protocol.Error(protocol.ErrTTSFailed))
		s.setState(seq, StateListening)
		return
	}

	s.emitGuarded(seq, protocol.TTSDone())
	s.setState(seq, StateListening)
}

// lastAssistantText returns the most recent assistant text content in msgs.
func lastAssistantText(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}
