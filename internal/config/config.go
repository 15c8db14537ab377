package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP
	HTTPPort string

	// Telemetry feed
	FeedURL           string
	FeedAPIKey        string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DialTimeout       time.Duration

	// Reconnect backoff
	BackoffBase   time.Duration
	BackoffFactor float64
	BackoffCap    time.Duration
	BackoffJitter float64

	// Fleet state
	StalenessThreshold time.Duration
	SweepInterval      time.Duration
	AnomalyCapacity    int

	// Bootstrap
	BootstrapSource   string
	BootstrapURL      string
	BootstrapTimeout  time.Duration
	BootstrapLookback time.Duration

	// TimescaleDB
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Subscribers
	SubscriberBuffer int

	// Auth
	AuthEnabled         bool
	AuthCacheTTLSeconds int
	ValidAPIKeys        []string

	LogLevel string
}

const (
	BootstrapHTTP     = "http"
	BootstrapRedis    = "redis"
	BootstrapPostgres = "postgres"
	BootstrapNone     = "none"
)

func Load() *Config {
	return &Config{
		HTTPPort:            getEnv("HTTP_PORT", "8002"),
		FeedURL:             getEnv("FEED_URL", "ws://localhost:8001/ws/telemetry"),
		FeedAPIKey:          getEnv("FEED_API_KEY", ""),
		HeartbeatInterval:   getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:    getEnvDuration("HEARTBEAT_TIMEOUT", 30*time.Second),
		DialTimeout:         getEnvDuration("DIAL_TIMEOUT", 10*time.Second),
		BackoffBase:         getEnvDuration("BACKOFF_BASE", time.Second),
		BackoffFactor:       getEnvFloat("BACKOFF_FACTOR", 2),
		BackoffCap:          getEnvDuration("BACKOFF_CAP", 30*time.Second),
		BackoffJitter:       getEnvFloat("BACKOFF_JITTER", 0.2),
		StalenessThreshold:  getEnvDuration("STALENESS_THRESHOLD", 5*time.Minute),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		AnomalyCapacity:     getEnvInt("ANOMALY_CAPACITY", 20),
		BootstrapSource:     strings.ToLower(getEnv("BOOTSTRAP_SOURCE", BootstrapHTTP)),
		BootstrapURL:        getEnv("BOOTSTRAP_URL", "http://localhost:8000/api"),
		BootstrapTimeout:    getEnvDuration("BOOTSTRAP_TIMEOUT", 10*time.Second),
		BootstrapLookback:   getEnvDuration("BOOTSTRAP_LOOKBACK", 24*time.Hour),
		DBHost:              getEnv("DB_HOST", "localhost"),
		DBPort:              getEnv("DB_PORT", "5432"),
		DBUser:              getEnv("DB_USER", "fleet_user"),
		DBPassword:          getEnv("DB_PASSWORD", "fleet_password"),
		DBName:              getEnv("DB_NAME", "fleet_monitor"),
		DBMaxConns:          int32(getEnvInt("DB_MAX_CONNS", 5)),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		SubscriberBuffer:    getEnvInt("SUBSCRIBER_BUFFER", 64),
		AuthEnabled:         getEnvBool("AUTH_ENABLED", false),
		AuthCacheTTLSeconds: getEnvInt("AUTH_CACHE_TTL_SECONDS", 300),
		ValidAPIKeys:        splitNonEmpty(getEnv("VALID_API_KEYS", "")),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}
}

// NeedsRedis reports whether any component is configured to use Redis.
func (c *Config) NeedsRedis() bool {
	return c.BootstrapSource == BootstrapRedis || c.AuthEnabled
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getEnvDuration accepts Go durations ("45s", "5m") or a bare number of
// seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
