package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the screener processes.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Worker   WorkerConfig
	Strategy StrategyConfig
	Universe UniverseConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MigrationsDir   string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
}

type RedisConfig struct {
	URL             string
	ResultCacheTTL  time.Duration
	RateLimitPerMin int
}

// NATSConfig configures lifecycle event publishing. An empty URL disables it.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

type WorkerConfig struct {
	Enabled           bool
	Concurrency       int
	PollInterval      time.Duration
	MaxRunningPerUser int
	MaxRunning        int
	JobTimeout        time.Duration
	FailFast          bool
	ProgressEvery     int
}

type StrategyConfig struct {
	Provider      string
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

type UniverseConfig struct {
	File string
}

var validProviders = map[string]bool{
	"http":   true,
	"static": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("SCREENER_PORT", 8080),
			Env:  envString("SCREENER_ENV", "development"),
		},
		Database: databaseFromEnv(),
		Redis: RedisConfig{
			URL:             os.Getenv("REDIS_URL"),
			ResultCacheTTL:  envDuration("RESULT_CACHE_TTL", 10*time.Minute),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		NATS: NATSConfig{
			URL:           os.Getenv("NATS_URL"),
			SubjectPrefix: envString("NATS_SUBJECT_PREFIX", "screening.jobs"),
		},
		Worker: WorkerConfig{
			Enabled:           envBool("WORKER_ENABLED", true),
			Concurrency:       envInt("WORKER_CONCURRENCY", 4),
			PollInterval:      envDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			MaxRunningPerUser: envInt("WORKER_MAX_RUNNING_PER_USER", 2),
			MaxRunning:        envInt("WORKER_MAX_RUNNING", 0),
			JobTimeout:        envDuration("WORKER_JOB_TIMEOUT", 0),
			FailFast:          envBool("WORKER_FAIL_FAST", false),
			ProgressEvery:     envInt("WORKER_PROGRESS_EVERY", 1),
		},
		Strategy: StrategyConfig{
			Provider:      envString("STRATEGY_PROVIDER", "http"),
			BaseURL:       os.Getenv("STRATEGY_BASE_URL"),
			APIKey:        os.Getenv("STRATEGY_API_KEY"),
			Timeout:       envDuration("STRATEGY_TIMEOUT", 30*time.Second),
			RatePerSecond: envFloat("STRATEGY_RATE_PER_SECOND", 5),
			Burst:         envInt("STRATEGY_BURST", 5),
		},
		Universe: UniverseConfig{
			File: os.Getenv("UNIVERSE_FILE"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadServer is Load for the API server, which also needs Redis for result
// caching and rate limiting.
func LoadServer() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if cfg.Redis.URL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	return cfg, nil
}

// LoadDatabase reads only the database settings. It serves tools that
// need the job store and nothing else.
func LoadDatabase() (*DatabaseConfig, error) {
	cfg := databaseFromEnv()
	if cfg.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return &cfg, nil
}

func databaseFromEnv() DatabaseConfig {
	return DatabaseConfig{
		URL:             os.Getenv("DATABASE_URL"),
		MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		RetryInitial:    envDuration("STORE_RETRY_INITIAL", 100*time.Millisecond),
		RetryMaxElapsed: envDuration("STORE_RETRY_MAX_ELAPSED", 10*time.Second),
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.RateLimitPerMin <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.Redis.RateLimitPerMin)
	}

	if c.NATS.URL != "" && !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return fmt.Errorf("NATS_URL must start with nats:// or tls://, got %q", c.NATS.URL)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL must be positive, got %s", c.Worker.PollInterval)
	}
	if c.Worker.MaxRunningPerUser < 0 || c.Worker.MaxRunning < 0 {
		return fmt.Errorf("WORKER_MAX_RUNNING_PER_USER and WORKER_MAX_RUNNING must not be negative")
	}
	if c.Worker.JobTimeout < 0 {
		return fmt.Errorf("WORKER_JOB_TIMEOUT must not be negative, got %s", c.Worker.JobTimeout)
	}
	if c.Worker.ProgressEvery < 1 {
		return fmt.Errorf("WORKER_PROGRESS_EVERY must be at least 1, got %d", c.Worker.ProgressEvery)
	}

	if !validProviders[c.Strategy.Provider] {
		return fmt.Errorf("STRATEGY_PROVIDER must be one of http, static; got %q", c.Strategy.Provider)
	}
	if c.Strategy.Provider == "http" {
		if c.Strategy.BaseURL == "" {
			return fmt.Errorf("STRATEGY_BASE_URL is required when STRATEGY_PROVIDER is http")
		}
		if !strings.HasPrefix(c.Strategy.BaseURL, "http://") && !strings.HasPrefix(c.Strategy.BaseURL, "https://") {
			return fmt.Errorf("STRATEGY_BASE_URL must start with http:// or https://, got %q", c.Strategy.BaseURL)
		}
	}
	if c.Strategy.RatePerSecond <= 0 {
		return fmt.Errorf("STRATEGY_RATE_PER_SECOND must be positive")
	}

	if c.Universe.File == "" {
		return fmt.Errorf("UNIVERSE_FILE is required")
	}

	return nil
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

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
