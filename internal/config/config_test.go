package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLUB_WS_URL", "ws://localhost:9000/session")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReconnectAttempts != 10 || cfg.ReconnectDelay != time.Second || cfg.ReconnectDelayMax != 5*time.Second {
		t.Fatalf("unexpected reconnect defaults: %+v", cfg)
	}
	if cfg.ReconnectJitter != 0.5 || cfg.ConnectTimeout != 20*time.Second {
		t.Fatalf("unexpected jitter/timeout defaults: %+v", cfg)
	}
	if cfg.BetStatusTimeout != 5*time.Second {
		t.Fatalf("unexpected status timeout: %v", cfg.BetStatusTimeout)
	}
	if cfg.BetResultRetention != 168*time.Hour {
		t.Fatalf("unexpected retention: %v", cfg.BetResultRetention)
	}
}

func TestLoadRequiresWSURL(t *testing.T) {
	t.Setenv("CLUB_WS_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without CLUB_WS_URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CLUB_WS_URL", "ws://x")
	t.Setenv("RECONNECT_ATTEMPTS", "3")
	t.Setenv("RECONNECT_DELAY_MS", "250")
	t.Setenv("RECONNECT_DELAY_MAX_MS", "100")
	t.Setenv("RECONNECT_JITTER", "1.5")
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("AUTO_REJOIN", "true")
	t.Setenv("PLAYER_ID", "p1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReconnectAttempts != 3 || cfg.ReconnectDelay != 250*time.Millisecond {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.ReconnectDelayMax != cfg.ReconnectDelay {
		t.Fatalf("max delay should be raised to base delay, got %v", cfg.ReconnectDelayMax)
	}
	if cfg.ReconnectJitter != 0.5 {
		t.Fatalf("out-of-range jitter should be ignored, got %v", cfg.ReconnectJitter)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("expected 2 brokers, got %v", cfg.KafkaBrokers)
	}
	if !cfg.AutoRejoin {
		t.Fatalf("expected auto rejoin")
	}
}

func TestAutoRejoinNeedsPlayer(t *testing.T) {
	t.Setenv("CLUB_WS_URL", "ws://x")
	t.Setenv("AUTO_REJOIN", "true")
	t.Setenv("PLAYER_ID", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error when AUTO_REJOIN lacks PLAYER_ID")
	}
}
