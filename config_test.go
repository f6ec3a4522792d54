package lambdart

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewConfig_defaults(t *testing.T) {
	cfg := NewConfig()
	if !cfg.LocalModeEnabled() {
		t.Error("want local mode enabled when AWS_LAMBDA_RUNTIME_API is unset")
	}
	if cfg.LocalPortOrDefault() != defaultLocalPort {
		t.Errorf("want default port %s, got %s", defaultLocalPort, cfg.LocalPortOrDefault())
	}
	if cfg.Logger() == nil {
		t.Error("want a default logger")
	}
}

func TestNewConfig_withOptions(t *testing.T) {
	cfg := NewConfig(
		WithAPIAddress("127.0.0.1:9001"),
		WithLocalPort("7777"),
	)
	if cfg.LocalModeEnabled() {
		t.Error("want local mode disabled once an API address is set")
	}
	if cfg.LocalPortOrDefault() != "7777" {
		t.Errorf("want 7777, got %s", cfg.LocalPortOrDefault())
	}
}

func TestNewConfig_withClock(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := NewConfig(WithClock(func() time.Time { return fixed }))
	if got := cfg.clock(); !got.Equal(fixed) {
		t.Errorf("want %v, got %v", fixed, got)
	}
}

func TestWithLogger(t *testing.T) {
	l := zerolog.Nop()
	cfg := NewConfig(WithLogger(l))
	if cfg.Logger() == nil {
		t.Fatal("want a logger")
	}
}
