// Command parlance is the main entry point for the Parlance voice-agent
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/parlance-dev/parlance/internal/config"
	"github.com/parlance-dev/parlance/internal/observe"
	"github.com/parlance-dev/parlance/internal/secrets"
	"github.com/parlance-dev/parlance/internal/server"
	"github.com/parlance-dev/parlance/pkg/provider/llm"
	"github.com/parlance-dev/parlance/pkg/provider/llm/anyllm"
	llmopenai "github.com/parlance-dev/parlance/pkg/provider/llm/openai"
	"github.com/parlance-dev/parlance/pkg/provider/stt"
	"github.com/parlance-dev/parlance/pkg/provider/stt/assemblyai"
	"github.com/parlance-dev/parlance/pkg/provider/tts"
	"github.com/parlance-dev/parlance/pkg/provider/tts/rime"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parlance: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parlance starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "parlance",
	})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Customer secrets ──────────────────────────────────────────────────────
	store, err := secrets.Load(cfg.Server.SecretsFile)
	if err != nil {
		slog.Error("failed to load secrets", "file", cfg.Server.SecretsFile, "err", err)
		return 1
	}
	slog.Info("secrets loaded", "customers", store.Len())

	// ── LLM gateway ───────────────────────────────────────────────────────────
	llmClient, err := buildLLMClient(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to build llm client", "err", err)
		return 1
	}
	slog.Info("llm gateway ready", "provider", cfg.Providers.LLM.Provider, "model", cfg.Providers.LLM.Model)

	// ── Server ────────────────────────────────────────────────────────────────
	dialSTT := func(ctx context.Context, sc stt.Config) (stt.Link, error) {
		return assemblyai.Dial(ctx, sc, assemblyai.WithLogger(logger))
	}
	dialTTS := func(ctx context.Context, tc tts.Config) (tts.Link, error) {
		return rime.Dial(ctx, tc, rime.WithLogger(logger))
	}
	srv := server.New(cfg, llmClient, store, dialSTT, dialTTS,
		server.WithLogger(logger),
	)

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildLLMClient selects the chat gateway: "openai" talks to the OpenAI API
// directly, every other provider name goes through any-llm.
func buildLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	if cfg.Provider == "openai" {
		var opts []llmopenai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(cfg.BaseURL))
		}
		return llmopenai.New(cfg.APIKey, cfg.Model, opts...)
	}

	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}
	return anyllm.New(cfg.Provider, cfg.Model, opts...)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
