package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the built-in provider names per kind. Used by
// [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"stt":    {"assemblyai"},
	"llm":    {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":    {"murf"},
	"search": {"tavily"},
}

// Load reads the YAML file at path, expands ${VAR} references from the
// environment, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values. It is idempotent.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = ":8000"
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogFormatText
	}
	if s.LogMaxSizeMB == 0 {
		s.LogMaxSizeMB = 100
	}
	if s.LogMaxBackups == 0 {
		s.LogMaxBackups = 3
	}
	if s.LogMaxAgeDays == 0 {
		s.LogMaxAgeDays = 28
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 15 * time.Second
	}
	if s.MaxUploadSizeMB == 0 {
		s.MaxUploadSizeMB = 20
	}

	t := &cfg.Turn
	if t.MinCapture == 0 {
		t.MinCapture = time.Second
	}
	if t.SampleRate == 0 {
		t.SampleRate = 44100
	}
	if t.Channels == 0 {
		t.Channels = 1
	}
	if t.FinalizeTimeout == 0 {
		t.FinalizeTimeout = 5 * time.Second
	}
	if t.GenerationTimeout == 0 {
		t.GenerationTimeout = 20 * time.Second
	}
	if t.SynthesisTimeout == 0 {
		t.SynthesisTimeout = 30 * time.Second
	}
	if t.ToolTimeout == 0 {
		t.ToolTimeout = 10 * time.Second
	}
	if t.HistoryWindow == 0 {
		t.HistoryWindow = 4
	}

	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = t.ToolTimeout
	}

	st := &cfg.Storage
	if st.DataDir == "" {
		st.DataDir = "uploads"
	}
	if st.History == "" {
		st.History = HistoryFile
	}
	if st.SettingsFile == "" {
		st.SettingsFile = filepath.Join(st.DataDir, "settings.json")
	}
	if st.SettingsPollInterval == 0 {
		st.SettingsPollInterval = 5 * time.Second
	}
}

// Validate checks that cfg is coherent and returns every problem found,
// joined.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.MaxUploadSizeMB < 0 {
		errs = append(errs, errors.New("server.max_upload_size_mb must not be negative"))
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("search", cfg.Providers.Search.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; voice input will be rejected")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; replies will be text only")
	}
	if cfg.Providers.Search.Name == "" {
		slog.Warn("providers.search is not configured; web search requests will report the service as unavailable")
	}
	if cfg.Webhook.URL == "" {
		slog.Warn("webhook.url is empty; email requests will fail")
	}

	t := cfg.Turn
	if t.MinCapture < 0 {
		errs = append(errs, errors.New("turn.min_capture must not be negative"))
	}
	if t.SampleRate < 8000 || t.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("turn.sample_rate %d is out of range [8000, 48000]", t.SampleRate))
	}
	if t.Channels < 1 || t.Channels > 2 {
		errs = append(errs, fmt.Errorf("turn.channels %d must be 1 or 2", t.Channels))
	}
	if t.HistoryWindow < 0 {
		errs = append(errs, errors.New("turn.history_window must not be negative"))
	}
	if t.Temperature < 0 || t.Temperature > 2 {
		errs = append(errs, fmt.Errorf("turn.temperature %.2f is out of range [0, 2]", t.Temperature))
	}
	for name, d := range map[string]time.Duration{
		"turn.finalize_timeout":   t.FinalizeTimeout,
		"turn.generation_timeout": t.GenerationTimeout,
		"turn.synthesis_timeout":  t.SynthesisTimeout,
		"turn.tool_timeout":       t.ToolTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	st := cfg.Storage
	if !st.History.IsValid() {
		errs = append(errs, fmt.Errorf("storage.history %q is invalid; valid values: file, redis, postgres", st.History))
	}
	if st.History == HistoryRedis && st.RedisAddr == "" {
		errs = append(errs, errors.New("storage.redis_addr is required when storage.history is redis"))
	}
	if st.History == HistoryPostgres && st.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when storage.history is postgres"))
	}

	return errors.Join(errs...)
}

func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
