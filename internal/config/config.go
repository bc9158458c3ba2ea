package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ClubWSURL  string
	ClubAPIURL string
	ClubToken  string

	PlayerID   string
	PlayerName string

	RedisURL     string
	DatabaseURL  string
	KafkaBrokers []string
	KafkaTopic   string

	ControlAddr string
	MessagesDir string

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	ReconnectJitter   float64
	ConnectTimeout    time.Duration

	BetStatusTimeout   time.Duration
	BetResultRetention time.Duration

	AutoRejoin bool
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		KafkaTopic:         "club-session-events",
		ControlAddr:        "127.0.0.1:8787",
		ReconnectAttempts:  10,
		ReconnectDelay:     time.Second,
		ReconnectDelayMax:  5 * time.Second,
		ReconnectJitter:    0.5,
		ConnectTimeout:     20 * time.Second,
		BetStatusTimeout:   5 * time.Second,
		BetResultRetention: 7 * 24 * time.Hour,
	}

	cfg.ClubWSURL = strings.TrimSpace(os.Getenv("CLUB_WS_URL"))
	cfg.ClubAPIURL = strings.TrimSpace(os.Getenv("CLUB_API_URL"))
	cfg.ClubToken = strings.TrimSpace(os.Getenv("CLUB_TOKEN"))

	cfg.PlayerID = strings.TrimSpace(os.Getenv("PLAYER_ID"))
	cfg.PlayerName = strings.TrimSpace(os.Getenv("PLAYER_NAME"))

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	if v := strings.TrimSpace(os.Getenv("KAFKA_TOPIC")); v != "" {
		cfg.KafkaTopic = v
	}

	if v := strings.TrimSpace(os.Getenv("CONTROL_ADDR")); v != "" {
		cfg.ControlAddr = v
	}
	cfg.MessagesDir = strings.TrimSpace(os.Getenv("MESSAGES_DIR"))

	if n, ok := positiveInt("RECONNECT_ATTEMPTS"); ok {
		cfg.ReconnectAttempts = n
	}
	if n, ok := positiveInt("RECONNECT_DELAY_MS"); ok {
		cfg.ReconnectDelay = time.Duration(n) * time.Millisecond
	}
	if n, ok := positiveInt("RECONNECT_DELAY_MAX_MS"); ok {
		cfg.ReconnectDelayMax = time.Duration(n) * time.Millisecond
	}
	if v := strings.TrimSpace(os.Getenv("RECONNECT_JITTER")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.ReconnectJitter = f
		}
	}
	if n, ok := positiveInt("CONNECT_TIMEOUT_MS"); ok {
		cfg.ConnectTimeout = time.Duration(n) * time.Millisecond
	}
	if n, ok := positiveInt("BET_STATUS_TIMEOUT_MS"); ok {
		cfg.BetStatusTimeout = time.Duration(n) * time.Millisecond
	}
	if n, ok := positiveInt("BET_RESULT_RETENTION_HOURS"); ok {
		cfg.BetResultRetention = time.Duration(n) * time.Hour
	}
	if v := strings.TrimSpace(os.Getenv("AUTO_REJOIN")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoRejoin = b
		}
	}

	if cfg.ClubWSURL == "" {
		return nil, errors.New("CLUB_WS_URL is required")
	}
	if cfg.ReconnectDelayMax < cfg.ReconnectDelay {
		cfg.ReconnectDelayMax = cfg.ReconnectDelay
	}
	if cfg.AutoRejoin && cfg.PlayerID == "" {
		return nil, errors.New("PLAYER_ID is required when AUTO_REJOIN is enabled")
	}

	return cfg, nil
}

func positiveInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
