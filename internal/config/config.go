package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config contains all runtime settings for the trip client core.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	APIBaseURL     string
	WSURL          string
	UserID         string
	RequestTimeout time.Duration

	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int

	STUNServers []string

	MinSendInterval    time.Duration
	MinDistanceMeters  float64
	ForegroundInterval time.Duration
	BackgroundInterval time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("TRIP_BIND_ADDR", ":8090"),
		MetricsNamespace: envOrDefault("TRIP_METRICS_NAMESPACE", "roadtrip"),
		APIBaseURL:       envOrDefault("TRIP_API_BASE_URL", "http://localhost:3000/api"),
		WSURL:            envOrDefault("TRIP_WS_URL", "ws://localhost:3000/ws"),
		UserID:           strings.TrimSpace(os.Getenv("TRIP_USER_ID")),
		STUNServers: splitList(envOrDefault("TRIP_STUN_SERVERS",
			"stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")),

		ShutdownTimeout:      15 * time.Second,
		RequestTimeout:       10 * time.Second,
		ReconnectBaseDelay:   time.Second,
		MaxReconnectAttempts: 5,

		MinSendInterval:    30 * time.Second,
		MinDistanceMeters:  100,
		ForegroundInterval: 30 * time.Second,
		BackgroundInterval: 60 * time.Second,
	}
	if cfg.UserID == "" {
		// Anonymous identity until the UI layer signs in.
		cfg.UserID = uuid.NewString()
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("TRIP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RequestTimeout, err = durationFromEnv("TRIP_REQUEST_TIMEOUT", cfg.RequestTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectBaseDelay, err = durationFromEnv("TRIP_RECONNECT_BASE_DELAY", cfg.ReconnectBaseDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxReconnectAttempts, err = intFromEnv("TRIP_MAX_RECONNECT_ATTEMPTS", cfg.MaxReconnectAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.MinSendInterval, err = durationFromEnv("TRIP_LOCATION_MIN_INTERVAL", cfg.MinSendInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MinDistanceMeters, err = floatFromEnv("TRIP_LOCATION_MIN_DISTANCE_M", cfg.MinDistanceMeters)
	if err != nil {
		return Config{}, err
	}
	cfg.ForegroundInterval, err = durationFromEnv("TRIP_LOCATION_FOREGROUND_INTERVAL", cfg.ForegroundInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.BackgroundInterval, err = durationFromEnv("TRIP_LOCATION_BACKGROUND_INTERVAL", cfg.BackgroundInterval)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxReconnectAttempts <= 0 {
		return Config{}, fmt.Errorf("TRIP_MAX_RECONNECT_ATTEMPTS must be positive")
	}
	if cfg.ReconnectBaseDelay <= 0 {
		return Config{}, fmt.Errorf("TRIP_RECONNECT_BASE_DELAY must be positive")
	}
	if cfg.MinDistanceMeters <= 0 {
		return Config{}, fmt.Errorf("TRIP_LOCATION_MIN_DISTANCE_M must be positive")
	}
	if cfg.MinSendInterval <= 0 {
		return Config{}, fmt.Errorf("TRIP_LOCATION_MIN_INTERVAL must be positive")
	}
	if cfg.BackgroundInterval < cfg.MinSendInterval {
		return Config{}, fmt.Errorf("TRIP_LOCATION_BACKGROUND_INTERVAL must be at least TRIP_LOCATION_MIN_INTERVAL")
	}
	if len(cfg.STUNServers) < 2 {
		return Config{}, fmt.Errorf("TRIP_STUN_SERVERS must list at least two servers")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
