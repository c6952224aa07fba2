package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/veranda-ai/veranda/internal/config"
)

const minimalYAML = `
server:
  listen_addr: ":8080"
ai:
  api_key: sk-test
`

func TestLoadFromReader_Minimal(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.AI.APIKey != "sk-test" {
		t.Errorf("ai.api_key = %q", cfg.AI.APIKey)
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8443"
  log_level: debug
  tls:
    cert_file: /etc/veranda/tls.crt
    key_file: /etc/veranda/tls.key
telephony:
  api_key: tel-key
  voice: female
  sample_rate: 16000
  channels: 1
  min_frame_bytes: 10
ai:
  api_key: sk-test
  model: gpt-4o-realtime-preview
  voice: alloy
  sample_rate: 24000
  connect_timeout: 5s
relay:
  poll_interval: 20ms
  sweep_interval: 30s
  inactivity_timeout: 60s
  max_reconnect_attempts: 2
  reconnect_backoff: 1s
  max_reconnect_backoff: 8s
  fallback_message: "Please call back later."
database:
  postgres_dsn: postgres://veranda@localhost:5432/veranda
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.AI.ConnectTimeout != 5*time.Second {
		t.Errorf("ai.connect_timeout = %s", cfg.AI.ConnectTimeout)
	}
	if cfg.Relay.PollInterval != 20*time.Millisecond {
		t.Errorf("relay.poll_interval = %s", cfg.Relay.PollInterval)
	}
	if cfg.Relay.MaxReconnectAttempts != 2 {
		t.Errorf("relay.max_reconnect_attempts = %d", cfg.Relay.MaxReconnectAttempts)
	}
	if cfg.Server.TLS == nil || cfg.Server.TLS.CertFile != "/etc/veranda/tls.crt" {
		t.Errorf("server.tls = %+v", cfg.Server.TLS)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
banana: true
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

func TestValidate_MissingAIKey(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
server:
  listen_addr: ":8080"
`))
	if err == nil {
		t.Fatal("expected error for missing ai.api_key, got nil")
	}
	if !strings.Contains(err.Error(), "ai.api_key") {
		t.Errorf("error should mention ai.api_key, got: %v", err)
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
ai:
  api_key: sk-test
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_BadOpusRate(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
telephony:
  sample_rate: 44100
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for non-opus sample rate, got nil")
	}
	if !strings.Contains(err.Error(), "sample_rate") {
		t.Errorf("error should mention sample_rate, got: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
telephony:
  channels: 7
relay:
  max_reconnect_attempts: -1
  reconnect_backoff: 4s
  max_reconnect_backoff: 1s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected joined validation errors, got nil")
	}
	for _, want := range []string{"ai.api_key", "channels", "max_reconnect_attempts", "max_reconnect_backoff"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_TLSNeedsBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/veranda/tls.crt
ai:
  api_key: sk-test
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for TLS without key file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}
