// Package server provides the HTTP surface of Parlance: the /session
// WebSocket endpoint that hosts voice conversations, the /healthz liveness
// probe, the Prometheus /metrics endpoint, and optional static client
// assets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/parlance-dev/parlance/internal/config"
	"github.com/parlance-dev/parlance/internal/observe"
	"github.com/parlance-dev/parlance/internal/secrets"
	"github.com/parlance-dev/parlance/pkg/provider/llm"
	"github.com/parlance-dev/parlance/pkg/provider/stt"
	"github.com/parlance-dev/parlance/pkg/provider/tts"
)

// STTDialer opens one streaming transcription link.
type STTDialer func(ctx context.Context, cfg stt.Config) (stt.Link, error)

// TTSDialer opens one synthesis link.
type TTSDialer func(ctx context.Context, cfg tts.Config) (tts.Link, error)

// Server hosts the voice-agent endpoints.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observe.Metrics

	llm     llm.Client
	secrets *secrets.Store

	// Dialers are swappable so tests can substitute mock links.
	dialSTT STTDialer
	dialTTS TTSDialer

	started time.Time
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithLogger sets the server logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSTTDialer overrides the STT link factory.
func WithSTTDialer(d STTDialer) Option {
	return func(s *Server) { s.dialSTT = d }
}

// WithTTSDialer overrides the TTS link factory.
func WithTTSDialer(d TTSDialer) Option {
	return func(s *Server) { s.dialTTS = d }
}

// New creates a Server. The LLM client is shared across sessions; STT and
// TTS links are dialed per session.
func New(cfg *config.Config, llmClient llm.Client, store *secrets.Store, dialSTT STTDialer, dialTTS TTSDialer, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  slog.Default(),
		llm:     llmClient,
		secrets: store,
		dialSTT: dialSTT,
		dialTTS: dialTTS,
		started: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the server's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/session", s.handleSession)

	if dir := s.cfg.Server.ClientDir; dir != "" {
		mux.Handle("/", http.FileServer(http.Dir(dir)))
	}
	return mux
}

// healthResponse is the JSON body served on /healthz.
type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// handleHealthz is a liveness probe: a process that can serve HTTP is alive.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.started).Seconds(),
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
