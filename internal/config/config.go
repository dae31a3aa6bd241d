package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the foldqueue server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Compute  ComputeConfig
	Tracker  TrackerConfig
	Webhook  WebhookConfig
	Objects  ObjectStoreConfig
	Log      LogConfig
	Policy   PolicyConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	RequestsPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	CacheTTL time.Duration
}

type ComputeConfig struct {
	Backend        string
	BaseURL        string
	APIToken       string
	CallTimeout    time.Duration
	PushMode       bool
	CallbackSecret string
}

type TrackerConfig struct {
	ScanInterval   time.Duration
	PollTimeout    time.Duration
	StaleThreshold int
}

type WebhookConfig struct {
	Workers   int
	QueueSize int
}

type ObjectStoreConfig struct {
	Dir string
}

type LogConfig struct {
	Level slog.Level
	File  string
}

var validBackends = map[string]bool{
	"http": true,
	"mock": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// The optional policy file named by FOLDQUEUE_POLICY_FILE overrides the built-in policy.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("FOLDQUEUE_PORT", 8080),
			Env:               envString("FOLDQUEUE_ENV", "development"),
			RequestsPerMinute: envInt("FOLDQUEUE_REQUESTS_PER_MINUTE", 120),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      os.Getenv("REDIS_URL"),
			CacheTTL: envDuration("REDIS_CACHE_TTL", 30*time.Minute),
		},
		Compute: ComputeConfig{
			Backend:        envString("COMPUTE_BACKEND", "http"),
			BaseURL:        os.Getenv("COMPUTE_BASE_URL"),
			APIToken:       os.Getenv("COMPUTE_API_TOKEN"),
			CallTimeout:    envDurationSecs("COMPUTE_CALL_TIMEOUT_SECS", 30*time.Second),
			PushMode:       envBool("COMPUTE_PUSH_MODE", false),
			CallbackSecret: os.Getenv("COMPUTE_CALLBACK_SECRET"),
		},
		Tracker: TrackerConfig{
			ScanInterval:   envDuration("TRACKER_SCAN_INTERVAL", 15*time.Second),
			PollTimeout:    envDuration("TRACKER_POLL_TIMEOUT", 10*time.Second),
			StaleThreshold: envInt("TRACKER_STALE_THRESHOLD", 8),
		},
		Webhook: WebhookConfig{
			Workers:   envInt("WEBHOOK_WORKERS", 8),
			QueueSize: envInt("WEBHOOK_QUEUE_SIZE", 1024),
		},
		Objects: ObjectStoreConfig{
			Dir: envString("OBJECT_STORE_DIR", "./data/objects"),
		},
		Log: LogConfig{
			Level: parseLogLevel(envString("FOLDQUEUE_LOG_LEVEL", "INFO")),
			File:  os.Getenv("FOLDQUEUE_LOG_FILE"),
		},
		Policy: DefaultPolicy(),
	}

	if path := os.Getenv("FOLDQUEUE_POLICY_FILE"); path != "" {
		policy, err := LoadPolicy(path)
		if err != nil {
			return nil, err
		}
		cfg.Policy = *policy
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("FOLDQUEUE_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if !validBackends[c.Compute.Backend] {
		return fmt.Errorf("COMPUTE_BACKEND must be one of http, mock; got %q", c.Compute.Backend)
	}
	if c.Compute.Backend == "http" {
		if c.Compute.BaseURL == "" {
			return fmt.Errorf("COMPUTE_BASE_URL is required when COMPUTE_BACKEND is http")
		}
		if !strings.HasPrefix(c.Compute.BaseURL, "http://") && !strings.HasPrefix(c.Compute.BaseURL, "https://") {
			return fmt.Errorf("COMPUTE_BASE_URL must start with http:// or https://, got %q", c.Compute.BaseURL)
		}
	}
	if c.Compute.PushMode && c.Compute.CallbackSecret == "" {
		return fmt.Errorf("COMPUTE_CALLBACK_SECRET is required when COMPUTE_PUSH_MODE is enabled")
	}

	if c.Tracker.ScanInterval <= 0 {
		return fmt.Errorf("TRACKER_SCAN_INTERVAL must be positive")
	}
	if c.Tracker.StaleThreshold < 1 {
		return fmt.Errorf("TRACKER_STALE_THRESHOLD must be at least 1")
	}

	if c.Webhook.Workers < 1 {
		return fmt.Errorf("WEBHOOK_WORKERS must be at least 1")
	}
	if c.Webhook.QueueSize < 1 {
		return fmt.Errorf("WEBHOOK_QUEUE_SIZE must be at least 1")
	}

	return c.Policy.Validate()
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
