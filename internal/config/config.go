package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string
	AdminAddr  string

	RedisURL    string
	DatabaseURL string

	HeartbeatInterval  time.Duration
	HeartbeatTolerance time.Duration

	ReconnectInitial     time.Duration
	ReconnectMultiplier  float64
	ReconnectCap         time.Duration
	ReconnectMaxAttempts int

	MalformedThreshold int

	MatchmakingTick time.Duration
	RatingWindow    int
	WideningPolicy  string
	QueueFallback   time.Duration

	GracePeriod time.Duration

	MessageOverrideDir string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr: ":8080",
		AdminAddr:  ":8081",

		HeartbeatInterval:  15 * time.Second,
		HeartbeatTolerance: 5 * time.Second,

		ReconnectInitial:     time.Second,
		ReconnectMultiplier:  1.5,
		ReconnectCap:         30 * time.Second,
		ReconnectMaxAttempts: 10,

		MalformedThreshold: 5,

		MatchmakingTick: time.Second,
		RatingWindow:    200,
		WideningPolicy:  "fixed",
		QueueFallback:   5 * time.Second,

		// Default chosen, not inferred: the abandonment window before a
		// win is awarded to the remaining player.
		GracePeriod: 60 * time.Second,
	}

	if v := strings.TrimSpace(os.Getenv("ARENA_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("ARENA_ADMIN_ADDR")); v != "" {
		cfg.AdminAddr = v
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	loadDurationSec(&cfg.HeartbeatInterval, "ARENA_HEARTBEAT_SEC")
	loadDurationSec(&cfg.HeartbeatTolerance, "ARENA_HEARTBEAT_TOLERANCE_SEC")
	loadDurationMs(&cfg.ReconnectInitial, "ARENA_RECONNECT_INITIAL_MS")
	loadDurationMs(&cfg.ReconnectCap, "ARENA_RECONNECT_CAP_MS")
	loadInt(&cfg.ReconnectMaxAttempts, "ARENA_RECONNECT_MAX_ATTEMPTS")
	loadInt(&cfg.MalformedThreshold, "ARENA_MALFORMED_THRESHOLD")
	loadDurationMs(&cfg.MatchmakingTick, "ARENA_MATCH_TICK_MS")
	loadInt(&cfg.RatingWindow, "ARENA_RATING_WINDOW")
	loadDurationSec(&cfg.QueueFallback, "ARENA_QUEUE_FALLBACK_SEC")
	loadDurationSec(&cfg.GracePeriod, "ARENA_GRACE_PERIOD_SEC")

	if v := strings.TrimSpace(os.Getenv("ARENA_RECONNECT_MULTIPLIER")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 1.0 {
			cfg.ReconnectMultiplier = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("ARENA_WIDENING_POLICY")); v != "" {
		cfg.WideningPolicy = strings.ToLower(v)
	}
	cfg.MessageOverrideDir = strings.TrimSpace(os.Getenv("ARENA_MESSAGE_DIR"))

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.WideningPolicy != "fixed" && cfg.WideningPolicy != "linear" {
		return nil, errors.New("ARENA_WIDENING_POLICY must be fixed or linear")
	}

	return cfg, nil
}

func loadInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func loadDurationSec(dst *time.Duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func loadDurationMs(dst *time.Duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
