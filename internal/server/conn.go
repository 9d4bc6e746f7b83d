package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parlance-dev/parlance/internal/protocol"
	"github.com/parlance-dev/parlance/internal/sandbox"
	"github.com/parlance-dev/parlance/internal/session"
	"github.com/parlance-dev/parlance/internal/toolschema"
	"github.com/parlance-dev/parlance/pkg/provider/llm"
	"github.com/parlance-dev/parlance/pkg/provider/stt"
	"github.com/parlance-dev/parlance/pkg/provider/tts"
)

const (
	// handshakeTimeout bounds the authenticate + configure exchange.
	handshakeTimeout = 30 * time.Second

	// maxInboundFrame bounds browser frames (mic audio chunks are small).
	maxInboundFrame = 1 << 20

	// outboundQueue is the write-pump buffer. Events and audio share one
	// queue so wire order matches emission order.
	outboundQueue = 256
)

// outFrame is one queued outbound WebSocket frame.
type outFrame struct {
	typ  websocket.MessageType
	data []byte
}

// wsEmitter is the session.Emitter backed by a single write-pump goroutine
// that owns the socket's write side.
type wsEmitter struct {
	logger  *slog.Logger
	frames  chan outFrame
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newWSEmitter(logger *slog.Logger) *wsEmitter {
	return &wsEmitter{
		logger:  logger,
		frames:  make(chan outFrame, outboundQueue),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// SendEvent implements session.Emitter.
func (e *wsEmitter) SendEvent(ev protocol.ServerEvent) {
	data, err := ev.Encode()
	if err != nil {
		e.logger.Error("encode event failed", "type", ev.Type, "err", err)
		return
	}
	e.enqueue(outFrame{typ: websocket.MessageText, data: data})
}

// SendAudio implements session.Emitter.
func (e *wsEmitter) SendAudio(chunk []byte) {
	e.enqueue(outFrame{typ: websocket.MessageBinary, data: chunk})
}

// enqueue queues a frame, dropping it when the client cannot keep up. A
// stalled browser must not stall the session.
func (e *wsEmitter) enqueue(f outFrame) {
	select {
	case <-e.done:
		return
	default:
	}
	select {
	case e.frames <- f:
	default:
		e.logger.Warn("outbound queue full, dropping frame")
	}
}

// run drains the queue onto conn. It returns when the connection dies or
// close is called; on close it first flushes frames already queued, so a
// final error event reaches the browser before the socket goes away.
func (e *wsEmitter) run(ctx context.Context, conn *websocket.Conn) {
	defer close(e.stopped)
	for {
		select {
		case <-e.done:
			for {
				select {
				case f := <-e.frames:
					if err := conn.Write(ctx, f.typ, f.data); err != nil {
						return
					}
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		case f := <-e.frames:
			if err := conn.Write(ctx, f.typ, f.data); err != nil {
				return
			}
		}
	}
}

// close stops the write pump. Safe to call more than once.
func (e *wsEmitter) close() {
	e.once.Do(func() { close(e.done) })
}

// shutdown stops the pump, waits for the flush to land, and closes the
// socket. Closing the socket unblocks the connection's read loop.
func (e *wsEmitter) shutdown(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	e.close()
	select {
	case <-e.stopped:
	case <-time.After(time.Second):
	}
	conn.Close(code, reason)
}

// handleSession hosts one voice conversation over a WebSocket.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(maxInboundFrame)

	ctx := r.Context()
	logger := s.logger.With("remote", r.RemoteAddr)

	em := newWSEmitter(logger)
	go em.run(ctx, conn)
	defer em.close()

	sess, err := s.handshake(ctx, conn, em, logger)
	if err != nil {
		logger.Warn("handshake failed", "err", err)
		em.shutdown(conn, websocket.StatusPolicyViolation, "handshake failed")
		return
	}
	defer sess.Stop()

	sess.Start()
	s.readLoop(ctx, conn, sess, logger)
	conn.Close(websocket.StatusNormalClosure, "session ended")
}

// handshake performs the authenticate + configure exchange and builds the
// session. The error event (if any) is emitted before returning.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn, em *wsEmitter, logger *slog.Logger) (*session.Session, error) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	auth, err := readClientMessage(hsCtx, conn)
	if err != nil {
		em.SendEvent(protocol.Error(protocol.ErrUnauthorized))
		return nil, err
	}
	if auth.Type != protocol.ClientAuthenticate || auth.APIKey == "" {
		em.SendEvent(protocol.Error(protocol.ErrUnauthorized))
		return nil, errors.New("first frame must be authenticate with an apiKey")
	}

	cfgMsg, err := readClientMessage(hsCtx, conn)
	if err != nil {
		em.SendEvent(protocol.Error(protocol.ErrBadConfigure))
		return nil, err
	}
	if cfgMsg.Type != protocol.ClientConfigure {
		em.SendEvent(protocol.Error(protocol.ErrBadConfigure))
		return nil, errors.New("second frame must be configure")
	}

	return s.buildSession(ctx, conn, em, auth.APIKey, cfgMsg, logger)
}

// buildSession converts a configure message into a running session: tool
// schemas, sandbox, and both streaming links.
func (s *Server) buildSession(ctx context.Context, conn *websocket.Conn, em *wsEmitter, apiKey string, cfgMsg *protocol.ClientMessage, logger *slog.Logger) (*session.Session, error) {
	declared := make(map[string]bool, len(cfgMsg.Tools))
	for _, td := range cfgMsg.Tools {
		declared[td.Name] = true
	}
	var schemas []llm.ToolSchema
	for _, bs := range session.BuiltinSchemas() {
		// A customer tool shadows the built-in of the same name; the gateway
		// must see one schema per name.
		if !declared[bs.Name] {
			schemas = append(schemas, bs)
		}
	}
	handlers := make(map[string]string, len(cfgMsg.Tools))
	for _, td := range cfgMsg.Tools {
		params, err := toolschema.Convert(td.Parameters)
		if err != nil {
			em.SendEvent(protocol.Error(protocol.ErrBadConfigure))
			return nil, err
		}
		schemas = append(schemas, llm.ToolSchema{
			Name:        td.Name,
			Description: td.Description,
			Parameters:  params,
		})
		if td.Handler != "" {
			handlers[td.Name] = td.Handler
		}
	}

	box, err := sandbox.New(handlers, s.secrets.ForKey(apiKey), sandbox.WithLogger(logger))
	if err != nil {
		em.SendEvent(protocol.Error(protocol.ErrBadConfigure))
		return nil, err
	}

	sttLink, err := s.dialSTT(ctx, stt.Config{
		APIKey:     s.cfg.Providers.STT.APIKey,
		SampleRate: s.cfg.Providers.STT.SampleRate,
		Model:      s.cfg.Providers.STT.Model,
	})
	if err != nil {
		box.Dispose()
		em.SendEvent(protocol.Error(protocol.ErrSTTConnectFailed))
		return nil, err
	}

	voice := cfgMsg.Voice
	if voice == "" {
		voice = s.cfg.Providers.TTS.Voice
	}
	ttsLink, err := s.dialTTS(ctx, tts.Config{
		APIKey:     s.cfg.Providers.TTS.APIKey,
		WSURL:      s.cfg.Providers.TTS.WSURL,
		Voice:      voice,
		SampleRate: s.cfg.Providers.TTS.SampleRate,
	})
	if err != nil {
		sttLink.Close()
		box.Dispose()
		em.SendEvent(protocol.Error(protocol.ErrTTSFailed))
		return nil, err
	}

	sess := session.New(session.Deps{
		Emitter: em,
		STT:     sttLink,
		TTS:     ttsLink,
		LLM:     s.llm,
		Box:     box,
		Logger:  logger,
		Metrics: s.metrics,
		OnFatal: func() {
			// A fatal session error must tear the connection down: flush the
			// error event, then close the socket so the read loop unblocks
			// and the deferred Stop releases the session's resources.
			em.shutdown(conn, websocket.StatusInternalError, "session failed")
		},
	}, session.Agent{
		Instructions: cfgMsg.Instructions,
		Greeting:     cfgMsg.Greeting,
		Voice:        voice,
		Prompt:       cfgMsg.Prompt,
		Schemas:      schemas,
	}, session.Params{
		STTSampleRate:     s.cfg.Providers.STT.SampleRate,
		TTSSampleRate:     s.cfg.Providers.TTS.SampleRate,
		MaxToolIterations: s.cfg.Session.MaxToolIterations,
	})
	return sess, nil
}

// readLoop dispatches inbound frames until the connection dies. Binary
// frames are mic audio; text frames are control messages. Unknown message
// types are dropped silently.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, logger *slog.Logger) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				logger.Debug("client disconnected")
			} else {
				logger.Debug("read loop ended", "err", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			sess.OnAudio(data)

		case websocket.MessageText:
			msg, err := protocol.ParseClientMessage(data)
			if err != nil {
				logger.Warn("dropping malformed frame", "err", err)
				continue
			}
			switch msg.Type {
			case protocol.ClientCancel:
				sess.OnCancel()
			case protocol.ClientReset:
				sess.OnReset()
			case protocol.ClientPing:
				sess.OnPing()
			default:
				logger.Debug("ignoring message", "type", msg.Type)
			}
		}
	}
}

// readClientMessage reads and parses one text frame.
func readClientMessage(ctx context.Context, conn *websocket.Conn) (*protocol.ClientMessage, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, errors.New("expected a text frame")
	}
	return protocol.ParseClientMessage(data)
}
