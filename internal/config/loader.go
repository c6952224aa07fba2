package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

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
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Telephony
	if cfg.Telephony.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("telephony.sample_rate %d is negative", cfg.Telephony.SampleRate))
	}
	if cfg.Telephony.SampleRate != 0 && !validOpusRate(cfg.Telephony.SampleRate) {
		errs = append(errs, fmt.Errorf("telephony.sample_rate %d is not an opus rate; valid values: 8000, 12000, 16000, 24000, 48000", cfg.Telephony.SampleRate))
	}
	if cfg.Telephony.Channels != 0 && cfg.Telephony.Channels != 1 && cfg.Telephony.Channels != 2 {
		errs = append(errs, fmt.Errorf("telephony.channels %d is invalid; valid values: 1, 2", cfg.Telephony.Channels))
	}
	if cfg.Telephony.APIKey == "" {
		slog.Warn("telephony.api_key is empty; fallback speech and hangup actions will fail")
	}

	// AI
	if cfg.AI.APIKey == "" {
		errs = append(errs, errors.New("ai.api_key is required"))
	}
	if cfg.AI.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("ai.sample_rate %d is negative", cfg.AI.SampleRate))
	}
	if cfg.AI.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("ai.connect_timeout %s is negative", cfg.AI.ConnectTimeout))
	}

	// Relay
	errs = append(errs, validateDurations(map[string]time.Duration{
		"relay.poll_interval":         cfg.Relay.PollInterval,
		"relay.lookup_timeout":        cfg.Relay.LookupTimeout,
		"relay.sweep_interval":        cfg.Relay.SweepInterval,
		"relay.inactivity_timeout":    cfg.Relay.InactivityTimeout,
		"relay.reconnect_backoff":     cfg.Relay.ReconnectBackoff,
		"relay.max_reconnect_backoff": cfg.Relay.MaxReconnectBackoff,
	})...)
	if cfg.Relay.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("relay.max_reconnect_attempts %d is negative", cfg.Relay.MaxReconnectAttempts))
	}
	if cfg.Relay.ReconnectBackoff > 0 && cfg.Relay.MaxReconnectBackoff > 0 &&
		cfg.Relay.MaxReconnectBackoff < cfg.Relay.ReconnectBackoff {
		errs = append(errs, fmt.Errorf("relay.max_reconnect_backoff %s is below relay.reconnect_backoff %s",
			cfg.Relay.MaxReconnectBackoff, cfg.Relay.ReconnectBackoff))
	}

	// Database
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; callers will get no property context")
	}

	return errors.Join(errs...)
}

// validOpusRate reports whether rate is one of the sample rates the Opus
// codec accepts.
func validOpusRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}

func validateDurations(fields map[string]time.Duration) []error {
	var errs []error
	for name, d := range fields {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s %s is negative", name, d))
		}
	}
	return errs
}
