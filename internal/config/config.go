package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the colorgate server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Transform TransformConfig
	Pool      PoolConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Monitor   MonitorConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	MaxPayloadBytes int64
	JobRetention    time.Duration
	RecorderBuffer  int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional. An empty URL keeps the result cache process-local.
type RedisConfig struct {
	URL string
}

type TransformConfig struct {
	Provider string
	BaseURL  string
	Timeout  time.Duration

	// MaxPixels bounds the declared dimensions a local transform will decode.
	MaxPixels int64
}

type PoolConfig struct {
	Workers       int
	QueueCapacity int
	MaxWait       time.Duration
}

type RateLimitConfig struct {
	Quota   int
	Window  time.Duration
	Backend string
}

type CacheConfig struct {
	TTL           time.Duration
	Capacity      int
	MaxBytes      int64
	Shards        int
	SweepInterval time.Duration
}

type MonitorConfig struct {
	Interval            time.Duration
	MemoryLimitMB       int
	SystemMemoryPercent float64
	ActiveJobsHighWater int
	PressureQueueFactor float64
}

type MetricsConfig struct {
	SampleSize int
}

var validProviders = map[string]bool{
	"http":      true,
	"grayscale": true,
}

var validLimiterBackends = map[string]bool{
	"memory": true,
	"redis":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("COLORGATE_PORT", 8080),
			Env:             envString("COLORGATE_ENV", "development"),
			MaxPayloadBytes: int64(envInt("MAX_PAYLOAD_BYTES", 20*1024*1024)),
			JobRetention:    envDuration("JOB_RETENTION", 10*time.Minute),
			RecorderBuffer:  envInt("RECORDER_BUFFER", 1024),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Transform: TransformConfig{
			Provider: envString("TRANSFORM_PROVIDER", "http"),
			BaseURL:  os.Getenv("TRANSFORM_BASE_URL"),
			Timeout:  envDurationSecs("TRANSFORM_TIMEOUT_SECS", 60*time.Second),

			MaxPixels: int64(envInt("TRANSFORM_MAX_PIXELS", 40_000_000)),
		},
		Pool: PoolConfig{
			Workers:       envInt("POOL_WORKERS", 20),
			QueueCapacity: envInt("POOL_QUEUE_CAPACITY", 100),
			MaxWait:       envDuration("POOL_MAX_WAIT", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			Quota:   envInt("RATE_LIMIT_QUOTA", 50),
			Window:  envDuration("RATE_LIMIT_WINDOW", time.Hour),
			Backend: envString("RATE_LIMIT_BACKEND", "memory"),
		},
		Cache: CacheConfig{
			TTL:           envDuration("CACHE_TTL", 24*time.Hour),
			Capacity:      envInt("CACHE_CAPACITY", 4096),
			MaxBytes:      int64(envInt("CACHE_MAX_BYTES", 512*1024*1024)),
			Shards:        envInt("CACHE_SHARDS", 32),
			SweepInterval: envDuration("CACHE_SWEEP_INTERVAL", time.Minute),
		},
		Monitor: MonitorConfig{
			Interval:            envDuration("MONITOR_INTERVAL", 30*time.Second),
			MemoryLimitMB:       envInt("MONITOR_MEMORY_LIMIT_MB", 2048),
			SystemMemoryPercent: envFloat("MONITOR_SYSTEM_MEMORY_PERCENT", 90),
			ActiveJobsHighWater: envInt("MONITOR_ACTIVE_JOBS_HIGH_WATER", 0),
			PressureQueueFactor: envFloat("PRESSURE_QUEUE_FACTOR", 0.5),
		},
		Metrics: MetricsConfig{
			SampleSize: envInt("METRICS_SAMPLE_SIZE", 1000),
		},
	}

	if cfg.Monitor.ActiveJobsHighWater <= 0 {
		cfg.Monitor.ActiveJobsHighWater = cfg.Pool.Workers + cfg.Pool.QueueCapacity
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if !validProviders[c.Transform.Provider] {
		return fmt.Errorf("TRANSFORM_PROVIDER must be one of http, grayscale; got %q", c.Transform.Provider)
	}
	if c.Transform.Provider == "http" {
		if c.Transform.BaseURL == "" {
			return fmt.Errorf("TRANSFORM_BASE_URL is required when TRANSFORM_PROVIDER is http")
		}
		if !strings.HasPrefix(c.Transform.BaseURL, "http://") && !strings.HasPrefix(c.Transform.BaseURL, "https://") {
			return fmt.Errorf("TRANSFORM_BASE_URL must start with http:// or https://, got %q", c.Transform.BaseURL)
		}
	}

	if c.Transform.MaxPixels <= 0 {
		return fmt.Errorf("TRANSFORM_MAX_PIXELS must be positive, got %d", c.Transform.MaxPixels)
	}

	if c.Pool.Workers <= 0 {
		return fmt.Errorf("POOL_WORKERS must be positive, got %d", c.Pool.Workers)
	}
	if c.Pool.QueueCapacity < 0 {
		return fmt.Errorf("POOL_QUEUE_CAPACITY must not be negative, got %d", c.Pool.QueueCapacity)
	}

	if c.RateLimit.Quota <= 0 {
		return fmt.Errorf("RATE_LIMIT_QUOTA must be positive, got %d", c.RateLimit.Quota)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimit.Window)
	}
	if !validLimiterBackends[c.RateLimit.Backend] {
		return fmt.Errorf("RATE_LIMIT_BACKEND must be one of memory, redis; got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND is redis")
	}

	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("CACHE_CAPACITY must be positive, got %d", c.Cache.Capacity)
	}
	if c.Cache.Shards <= 0 {
		return fmt.Errorf("CACHE_SHARDS must be positive, got %d", c.Cache.Shards)
	}

	if c.Monitor.PressureQueueFactor < 0 || c.Monitor.PressureQueueFactor > 1 {
		return fmt.Errorf("PRESSURE_QUEUE_FACTOR must be within [0, 1], got %v", c.Monitor.PressureQueueFactor)
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
	if err != nil || math.IsNaN(f) {
		return defaultVal
	}
	return f
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
