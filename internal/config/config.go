// Package config provides the configuration schema, loader and provider
// registry for the NovaFlow voice assistant.
package config

import "time"

// LogLevel controls log verbosity.
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

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// HistoryBackend selects where chat history is kept.
type HistoryBackend string

const (
	HistoryFile     HistoryBackend = "file"
	HistoryRedis    HistoryBackend = "redis"
	HistoryPostgres HistoryBackend = "postgres"
)

// IsValid reports whether b is a recognised backend.
func (b HistoryBackend) IsValid() bool {
	switch b {
	case HistoryFile, HistoryRedis, HistoryPostgres:
		return true
	}
	return false
}

// Config is the root configuration structure, loaded with [Load] or
// [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Turn      TurnConfig      `yaml:"turn"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// LogFile, when set, additionally writes logs to a rotated file.
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
	LogCompress   bool   `yaml:"log_compress"`

	// ShutdownTimeout bounds the graceful drain. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins are accepted on websocket upgrades in addition to
	// same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins"`

	MaxUploadSizeMB int `yaml:"max_upload_size_mb"`
}

// ProvidersConfig selects the implementation for each external service.
type ProvidersConfig struct {
	STT    ProviderEntry `yaml:"stt"`
	LLM    ProviderEntry `yaml:"llm"`
	TTS    ProviderEntry `yaml:"tts"`
	Search ProviderEntry `yaml:"search"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
// Name selects the factory in the [Registry].
type ProviderEntry struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Timeout bounds a single call to this provider. Zero uses the stage
	// timeout from [TurnConfig].
	Timeout time.Duration `yaml:"timeout"`

	// Options holds provider-specific values.
	Options map[string]any `yaml:"options"`
}

// WebhookConfig configures the outbound email webhook.
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// TurnConfig tunes the per-turn pipeline.
type TurnConfig struct {
	// MinCapture is the shortest voice capture that is transcribed.
	MinCapture time.Duration `yaml:"min_capture"`

	// SampleRate and Channels describe the 16-bit PCM the client streams.
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Language   string `yaml:"language"`

	FinalizeTimeout   time.Duration `yaml:"finalize_timeout"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
	SynthesisTimeout  time.Duration `yaml:"synthesis_timeout"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`

	// HistoryWindow is the number of past exchanges sent to the model.
	HistoryWindow int `yaml:"history_window"`

	MaxReplyTokens int     `yaml:"max_reply_tokens"`
	Temperature    float64 `yaml:"temperature"`
}

// StorageConfig locates persistent data.
type StorageConfig struct {
	// DataDir holds uploads, chats and the settings file.
	DataDir string `yaml:"data_dir"`

	History       HistoryBackend `yaml:"history"`
	RedisAddr     string         `yaml:"redis_addr"`
	RedisPassword string         `yaml:"redis_password"`
	RedisDB       int            `yaml:"redis_db"`
	PostgresDSN   string         `yaml:"postgres_dsn"`

	// SettingsFile defaults to <data_dir>/settings.json.
	SettingsFile         string        `yaml:"settings_file"`
	SettingsPollInterval time.Duration `yaml:"settings_poll_interval"`
}
