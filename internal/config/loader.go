package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Load] and [LoadFromReader] after decoding.
const (
	DefaultListenAddr        = ":8080"
	DefaultSTTModel          = "universal-streaming"
	DefaultSTTSampleRate     = 16000
	DefaultTTSVoice          = "jess"
	DefaultTTSSampleRate     = 24000
	DefaultLLMProvider       = "openai"
	DefaultLLMModel          = "gpt-4o-mini"
	DefaultMaxToolIterations = 3
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config]. A missing file
// is not an error: the configuration then comes entirely from environment
// variables and defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			ApplyEnv(cfg)
			applyDefaults(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Environment values win
// over file values so deployments can keep credentials out of the file.
func ApplyEnv(cfg *Config) {
	setIfEnv(&cfg.Providers.STT.APIKey, "ASSEMBLYAI_API_KEY")
	setIfEnv(&cfg.Providers.TTS.APIKey, "RIME_API_KEY")
	setIfEnv(&cfg.Providers.TTS.WSURL, "RIME_WS_URL")
	setIfEnv(&cfg.Providers.LLM.APIKey, "LLM_API_KEY")
	setIfEnv(&cfg.Providers.LLM.Model, "LLM_MODEL")
	setIfEnv(&cfg.Providers.LLM.BaseURL, "LLM_BASE_URL")
	setIfEnv(&cfg.Server.ClientDir, "CLIENT_DIR")
	setIfEnv(&cfg.Server.SecretsFile, "SECRETS_FILE")

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.ListenAddr = ":" + port
	}
}

func setIfEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyDefaults fills unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Providers.STT.Model == "" {
		cfg.Providers.STT.Model = DefaultSTTModel
	}
	if cfg.Providers.STT.SampleRate == 0 {
		cfg.Providers.STT.SampleRate = DefaultSTTSampleRate
	}
	if cfg.Providers.TTS.Voice == "" {
		cfg.Providers.TTS.Voice = DefaultTTSVoice
	}
	if cfg.Providers.TTS.SampleRate == 0 {
		cfg.Providers.TTS.SampleRate = DefaultTTSSampleRate
	}
	if cfg.Providers.LLM.Provider == "" {
		cfg.Providers.LLM.Provider = DefaultLLMProvider
	}
	if cfg.Providers.LLM.Model == "" {
		cfg.Providers.LLM.Model = DefaultLLMModel
	}
	if cfg.Session.MaxToolIterations == 0 {
		cfg.Session.MaxToolIterations = DefaultMaxToolIterations
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Providers.STT.APIKey == "" {
		errs = append(errs, errors.New("providers.stt.api_key is required (or set ASSEMBLYAI_API_KEY)"))
	}
	if cfg.Providers.TTS.APIKey == "" {
		errs = append(errs, errors.New("providers.tts.api_key is required (or set RIME_API_KEY)"))
	}
	if cfg.Providers.STT.SampleRate < 8000 {
		errs = append(errs, fmt.Errorf("providers.stt.sample_rate %d is below 8000 Hz", cfg.Providers.STT.SampleRate))
	}
	if cfg.Providers.TTS.SampleRate < 8000 {
		errs = append(errs, fmt.Errorf("providers.tts.sample_rate %d is below 8000 Hz", cfg.Providers.TTS.SampleRate))
	}
	if cfg.Session.MaxToolIterations < 1 {
		errs = append(errs, fmt.Errorf("session.max_tool_iterations %d must be at least 1", cfg.Session.MaxToolIterations))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
