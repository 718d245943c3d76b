package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Fatalf("heartbeat = %v", cfg.HeartbeatInterval)
	}
	if cfg.ReconnectInitial != time.Second || cfg.ReconnectMultiplier != 1.5 ||
		cfg.ReconnectCap != 30*time.Second || cfg.ReconnectMaxAttempts != 10 {
		t.Fatalf("reconnect defaults = %+v", cfg)
	}
	if cfg.RatingWindow != 200 || cfg.QueueFallback != 5*time.Second {
		t.Fatalf("matchmaking defaults = window %d fallback %v", cfg.RatingWindow, cfg.QueueFallback)
	}
	if cfg.WideningPolicy != "fixed" {
		t.Fatalf("widening = %q", cfg.WideningPolicy)
	}
	if cfg.GracePeriod != 60*time.Second {
		t.Fatalf("grace = %v", cfg.GracePeriod)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ARENA_HEARTBEAT_SEC", "30")
	t.Setenv("ARENA_RECONNECT_INITIAL_MS", "500")
	t.Setenv("ARENA_RECONNECT_MULTIPLIER", "2.0")
	t.Setenv("ARENA_RATING_WINDOW", "150")
	t.Setenv("ARENA_WIDENING_POLICY", "LINEAR")
	t.Setenv("ARENA_GRACE_PERIOD_SEC", "90")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("heartbeat = %v", cfg.HeartbeatInterval)
	}
	if cfg.ReconnectInitial != 500*time.Millisecond || cfg.ReconnectMultiplier != 2.0 {
		t.Fatalf("reconnect = %v x%v", cfg.ReconnectInitial, cfg.ReconnectMultiplier)
	}
	if cfg.RatingWindow != 150 {
		t.Fatalf("window = %d", cfg.RatingWindow)
	}
	if cfg.WideningPolicy != "linear" {
		t.Fatalf("widening = %q", cfg.WideningPolicy)
	}
	if cfg.GracePeriod != 90*time.Second {
		t.Fatalf("grace = %v", cfg.GracePeriod)
	}
}

func TestLoadRequiresRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without REDIS_URL")
	}
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ARENA_WIDENING_POLICY", "exponential")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown widening policy")
	}
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ARENA_RECONNECT_MAX_ATTEMPTS", "zero")
	t.Setenv("ARENA_RECONNECT_MULTIPLIER", "0.5") // below 1.0, kept at default

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReconnectMaxAttempts != 10 || cfg.ReconnectMultiplier != 1.5 {
		t.Fatalf("invalid values leaked: attempts %d mult %v", cfg.ReconnectMaxAttempts, cfg.ReconnectMultiplier)
	}
}
