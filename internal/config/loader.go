package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "whisperlive", "gemini"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.LLMFallback.Name)

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; live analysis will be unavailable")
		if cfg.Providers.LLMFallback.Name != "" {
			errs = append(errs, errors.New("providers.llm_fallback is set but providers.llm is empty"))
		}
	}

	// Session timing
	if cfg.Session.KeepAliveInterval < 0 {
		errs = append(errs, fmt.Errorf("session.keepalive_interval %s must not be negative", cfg.Session.KeepAliveInterval))
	}
	if cfg.Session.RenewInterval < 0 {
		errs = append(errs, fmt.Errorf("session.renew_interval %s must not be negative", cfg.Session.RenewInterval))
	}
	if cfg.Session.RenewOverlap < 0 {
		errs = append(errs, fmt.Errorf("session.renew_overlap %s must not be negative", cfg.Session.RenewOverlap))
	}
	if cfg.Session.RenewInterval > 0 && cfg.Session.RenewOverlap >= cfg.Session.RenewInterval {
		errs = append(errs, fmt.Errorf("session.renew_overlap %s must be shorter than session.renew_interval %s", cfg.Session.RenewOverlap, cfg.Session.RenewInterval))
	}
	if cfg.Session.FlushDelay < 0 {
		errs = append(errs, fmt.Errorf("session.flush_delay %s must not be negative", cfg.Session.FlushDelay))
	}
	if cfg.Session.VADThreshold < 0 || cfg.Session.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.vad_threshold %.4f is out of range [0, 1]", cfg.Session.VADThreshold))
	}
	if cfg.Session.VADGrace < 0 {
		errs = append(errs, fmt.Errorf("session.vad_grace %d must not be negative", cfg.Session.VADGrace))
	}

	// Capture
	if cfg.Capture.Command != "" && cfg.Capture.SampleRate <= 0 {
		errs = append(errs, errors.New("capture.sample_rate is required when capture.command is set"))
	}
	if cfg.Capture.Command == "" && len(cfg.Capture.Args) > 0 {
		errs = append(errs, errors.New("capture.args is set but capture.command is empty"))
	}

	// Analysis
	if cfg.Analysis.TurnInterval < 0 {
		errs = append(errs, fmt.Errorf("analysis.turn_interval %d must not be negative", cfg.Analysis.TurnInterval))
	}
	if cfg.Analysis.PromptWindow < 0 {
		errs = append(errs, fmt.Errorf("analysis.prompt_window %d must not be negative", cfg.Analysis.PromptWindow))
	}
	if cfg.Analysis.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("analysis.history_limit %d must not be negative", cfg.Analysis.HistoryLimit))
	}
	if cfg.Analysis.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("analysis.request_timeout %s must not be negative", cfg.Analysis.RequestTimeout))
	}

	// Storage availability
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; transcripts and summaries will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
