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

// ValidRealtimeProviders lists the known realtime backend names. Used by
// [Validate] to reject typos early instead of failing at the first call.
var ValidRealtimeProviders = []string{"gemini"}

// ValidSummaryProviders lists the known summary chat backends.
var ValidSummaryProviders = []string{"openai", "anthropic", "gemini", "ollama"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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
	if cfg.Server.PublicHost == "" {
		slog.Warn("server.public_host is empty; the voice webhook will derive the stream URL from request headers")
	}

	// Twilio
	if cfg.Twilio.AccountSID == "" || cfg.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("twilio.account_sid and twilio.auth_token are required"))
	}
	if !cfg.Twilio.ValidateSignatures {
		slog.Warn("twilio.validate_signatures is disabled; the voice webhook accepts unsigned requests")
	}

	// Realtime backend
	switch {
	case cfg.Realtime.Provider == "":
		errs = append(errs, errors.New("realtime.provider is required"))
	case !slices.Contains(ValidRealtimeProviders, cfg.Realtime.Provider):
		errs = append(errs, fmt.Errorf("realtime.provider %q is unknown; valid values: %v", cfg.Realtime.Provider, ValidRealtimeProviders))
	}
	if cfg.Realtime.APIKey == "" {
		errs = append(errs, errors.New("realtime.api_key is required"))
	}
	if cfg.Realtime.OpenTimeout < 0 {
		errs = append(errs, fmt.Errorf("realtime.open_timeout %v is negative", cfg.Realtime.OpenTimeout))
	}

	// Audio
	if cfg.Audio.GateThreshold < 0 {
		errs = append(errs, fmt.Errorf("audio.gate_threshold %.1f is negative", cfg.Audio.GateThreshold))
	}

	// Instructions
	if cfg.Instructions.TTL < 0 {
		errs = append(errs, fmt.Errorf("instructions.ttl %v is negative", cfg.Instructions.TTL))
	}
	if cfg.Instructions.DefaultContent == "" && cfg.Instructions.PostgresDSN == "" {
		slog.Warn("instructions has neither a default prompt nor a database; calls without a provisioned entry will use an empty prompt")
	}

	// Summary
	if cfg.Summary.Enabled {
		if cfg.Summary.Provider == "" || cfg.Summary.Model == "" {
			errs = append(errs, errors.New("summary.provider and summary.model are required when summary.enabled is true"))
		} else if !slices.Contains(ValidSummaryProviders, cfg.Summary.Provider) {
			errs = append(errs, fmt.Errorf("summary.provider %q is unknown; valid values: %v", cfg.Summary.Provider, ValidSummaryProviders))
		}
	}

	// Transfer directory
	labelsSeen := make(map[string]int, len(cfg.Transfer.Directory))
	for i, entry := range cfg.Transfer.Directory {
		prefix := fmt.Sprintf("transfer.directory[%d]", i)
		if entry.Label == "" {
			errs = append(errs, fmt.Errorf("%s.label is required", prefix))
		} else {
			if prev, ok := labelsSeen[entry.Label]; ok {
				errs = append(errs, fmt.Errorf("%s.label %q is a duplicate of transfer.directory[%d]", prefix, entry.Label, prev))
			}
			labelsSeen[entry.Label] = i
		}
		if entry.Number == "" {
			errs = append(errs, fmt.Errorf("%s.number is required", prefix))
		}
	}
	if len(cfg.Transfer.Directory) > 0 && cfg.Transfer.FallbackOperator == "" {
		slog.Warn("transfer.fallback_operator is empty; unmatched transfer requests will fail")
	}

	return errors.Join(errs...)
}
