// Package config provides the configuration schema and loader for the
// Parlance voice-agent server.
package config

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader], then overlaid with environment
// variables via [ApplyEnv].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
}

// ServerConfig holds network, logging, and asset settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ClientDir, when non-empty, is served as static client assets on /.
	ClientDir string `yaml:"client_dir"`

	// SecretsFile is the path to the per-customer secrets JSON file.
	SecretsFile string `yaml:"secrets_file"`
}

// ProvidersConfig declares credentials and endpoints for each pipeline stage.
type ProvidersConfig struct {
	STT STTConfig `yaml:"stt"`
	TTS TTSConfig `yaml:"tts"`
	LLM LLMConfig `yaml:"llm"`
}

// STTConfig configures the speech-to-text provider.
type STTConfig struct {
	// APIKey authenticates the ephemeral-token request. Required.
	APIKey string `yaml:"api_key"`

	// Model selects the provider speech model.
	Model string `yaml:"model"`

	// SampleRate is the mic PCM sample rate in Hz. Default 16000.
	SampleRate int `yaml:"sample_rate"`
}

// TTSConfig configures the text-to-speech provider.
type TTSConfig struct {
	// APIKey authenticates against the synthesis provider. Required.
	APIKey string `yaml:"api_key"`

	// WSURL overrides the provider WebSocket endpoint.
	WSURL string `yaml:"ws_url"`

	// Voice is the default speaker used when configure omits one.
	Voice string `yaml:"voice"`

	// SampleRate is the output PCM sample rate in Hz. Default 24000.
	SampleRate int `yaml:"sample_rate"`
}

// LLMConfig configures the chat-completion gateway.
type LLMConfig struct {
	// Provider selects the backend: "openai" (direct) or one of the any-llm
	// provider names ("anthropic", "gemini", "ollama", ...). Default "openai".
	Provider string `yaml:"provider"`

	// APIKey authenticates against the gateway. Falls back to the backend's
	// own environment variable when empty.
	APIKey string `yaml:"api_key"`

	// Model is the model identifier sent with every completion.
	Model string `yaml:"model"`

	// BaseURL overrides the gateway endpoint.
	BaseURL string `yaml:"base_url"`
}

// SessionConfig tunes per-session behaviour.
type SessionConfig struct {
	// MaxToolIterations caps the tool rounds within one turn. Default 3.
	MaxToolIterations int `yaml:"max_tool_iterations"`
}
