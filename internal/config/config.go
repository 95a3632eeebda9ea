package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string
	DevMode     bool

	RedisURL    string
	RabbitMQURL string
	WakeQueue   string

	MediaDir       string
	MediaURLPrefix string

	RingTimeout  time.Duration
	PeerTTL      time.Duration
	PingInterval time.Duration

	MessageRateWindow time.Duration
	MessageRateMax    int

	LogLevel     string
	LogFormat    string
	OTLPEndpoint string
	ServiceName  string
	Env          string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:           "8080", // default port
		WakeQueue:      "push.wake",
		MediaDir:       "./public",
		MediaURLPrefix: "/chats",
		LogLevel:       "info",
		LogFormat:      "text",
		ServiceName:    "signalix-realtime",
		Env:            "development",
	}

	// Load DATABASE_URL and log connection details (password masked)
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	if u, err := url.Parse(databaseURL); err == nil {
		host := u.Hostname()
		if host == "" {
			host = "localhost"
		}
		dbName := strings.TrimPrefix(u.Path, "/")
		log.Printf("DB target: host=%s db=%s", host, dbName)
	}

	// Load JWT_SECRET (required)
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.RabbitMQURL = os.Getenv("RABBITMQ_URL")
	cfg.WakeQueue = getenv("WAKE_QUEUE", cfg.WakeQueue)
	cfg.MediaDir = getenv("MEDIA_DIR", cfg.MediaDir)
	cfg.MediaURLPrefix = getenv("MEDIA_URL_PREFIX", cfg.MediaURLPrefix)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.ServiceName = getenv("SERVICE_NAME", cfg.ServiceName)
	cfg.Env = getenv("APP_ENV", cfg.Env)

	var err error
	if cfg.RingTimeout, err = envDur("RING_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.PeerTTL, err = envDur("PEER_TTL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.PingInterval, err = envDur("PING_INTERVAL", 25*time.Second); err != nil {
		return nil, err
	}
	if cfg.MessageRateWindow, err = envDur("MESSAGE_RATE_WINDOW", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.MessageRateMax, err = envInt("MESSAGE_RATE_MAX", 30); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
