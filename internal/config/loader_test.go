package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/novaflow/internal/config"
)

func validConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Providers.LLM = config.ProviderEntry{Name: "gemini", APIKey: "k"}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	if err := config.Validate(validConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		mention string
	}{
		{"invalid log level", func(c *config.Config) { c.Server.LogLevel = "verbose" }, "log_level"},
		{"invalid log format", func(c *config.Config) { c.Server.LogFormat = "xml" }, "log_format"},
		{"missing llm", func(c *config.Config) { c.Providers.LLM.Name = "" }, "providers.llm"},
		{"sample rate", func(c *config.Config) { c.Turn.SampleRate = 4000 }, "sample_rate"},
		{"channels", func(c *config.Config) { c.Turn.Channels = 3 }, "channels"},
		{"temperature", func(c *config.Config) { c.Turn.Temperature = 3 }, "temperature"},
		{"negative timeout", func(c *config.Config) { c.Turn.ToolTimeout = -1 }, "tool_timeout"},
		{"history backend", func(c *config.Config) { c.Storage.History = "mongo" }, "storage.history"},
		{"redis without addr", func(c *config.Config) { c.Storage.History = config.HistoryRedis }, "redis_addr"},
		{"postgres without dsn", func(c *config.Config) { c.Storage.History = config.HistoryPostgres }, "postgres_dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error should mention %q, got: %v", tt.mention, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.LogLevel = "loud"
	cfg.Turn.Channels = 0
	cfg.Storage.History = "tape"

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log_level", "channels", "storage.history"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_UnknownProviderNameOnlyWarns(t *testing.T) {
	cfg := validConfig()
	cfg.Providers.LLM.Name = "my-custom-llm"
	if err := config.Validate(cfg); err != nil {
		t.Errorf("unknown provider name should not fail validation: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	for kind, want := range map[string]string{
		"stt":    "assemblyai",
		"llm":    "gemini",
		"tts":    "murf",
		"search": "tavily",
	} {
		if !slices.Contains(config.ValidProviderNames[kind], want) {
			t.Errorf("ValidProviderNames[%q] missing %q", kind, want)
		}
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("EMAIL_WEBHOOK_URL", "http://hooks.local/email")
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Providers.LLM.Name != "gemini" || cfg.Providers.LLM.APIKey != "g-key" {
		t.Errorf("llm = %+v", cfg.Providers.LLM)
	}
	if cfg.Webhook.URL != "http://hooks.local/email" {
		t.Errorf("webhook url = %q", cfg.Webhook.URL)
	}
	if cfg.Storage.History != config.HistoryFile {
		t.Errorf("history = %q", cfg.Storage.History)
	}
	if cfg.Storage.SettingsFile == "" {
		t.Error("settings file not defaulted")
	}
}
