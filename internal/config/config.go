package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pressroom/pressroom/pkg/models"
)

// Clamp ranges for caller-supplied per-job bounds.
const (
	MinNavigationTimeoutSeconds = 5
	MaxNavigationTimeoutSeconds = 300
	MinJobTimeoutSeconds        = 10
	MaxJobTimeoutSeconds        = 600
	MinDomainWaitSeconds        = 10
	MaxDomainWaitSeconds        = 3600
	MinRetries                  = 0
	MaxRetries                  = 5
)

// Config holds all configuration for both the API server and the worker.
type Config struct {
	API      APIConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Jobs     JobDefaults
	Cleanup  CleanupConfig
	Worker   WorkerConfig
	Redis    RedisConfig
	Render   RenderConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

type APIConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	Path string
}

type StorageConfig struct {
	PDFDir string
}

// JobDefaults are the per-job bounds applied when the caller omits them.
type JobDefaults struct {
	RenderMode               string
	NavigationTimeoutSeconds int
	JobTimeoutSeconds        int
	MaxDomainWaitSeconds     int
	MaxRetries               int
}

type CleanupConfig struct {
	Interval time.Duration
	FileAge  time.Duration
}

type WorkerConfig struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ID                string
}

type RedisConfig struct {
	// URL is optional; when empty, rate limiting is disabled.
	URL               string
	RequestsPerMinute int
}

type RenderConfig struct {
	// ChromePath overrides browser discovery when set.
	ChromePath string
}

type LogConfig struct {
	Level string
	File  string
}

type MetricsConfig struct {
	// Addr is optional; when empty, the worker's metrics listener is disabled.
	Addr string
}

var validRenderModes = map[string]bool{
	models.RenderModePrintToPDF:      true,
	models.RenderModeScreenshotToPDF: true,
}

// Load reads configuration from environment variables and returns a validated
// Config. Every variable is optional and has a default.
func Load() (*Config, error) {
	cfg := &Config{
		API: APIConfig{
			Host: envString("API_HOST", "0.0.0.0"),
			Port: envInt("API_PORT", 8000),
		},
		Database: DatabaseConfig{
			Path: envString("DB_PATH", "./data/app.db"),
		},
		Storage: StorageConfig{
			PDFDir: envString("PDF_STORAGE_PATH", "./data/pdfs"),
		},
		Jobs: JobDefaults{
			RenderMode:               envString("DEFAULT_RENDER_MODE", models.RenderModePrintToPDF),
			NavigationTimeoutSeconds: envInt("NAVIGATION_TIMEOUT_SECONDS", 45),
			JobTimeoutSeconds:        envInt("JOB_TIMEOUT_SECONDS", 120),
			MaxDomainWaitSeconds:     envInt("MAX_DOMAIN_WAIT_SECONDS", 600),
			MaxRetries:               envInt("MAX_RETRIES", 2),
		},
		Cleanup: CleanupConfig{
			Interval: envDurationSecs("CLEANUP_INTERVAL_SECONDS", 1020*time.Second),
			FileAge:  envDurationSecs("CLEANUP_FILE_AGE_SECONDS", 1020*time.Second),
		},
		Worker: WorkerConfig{
			PollInterval:      envDurationSecs("WORKER_POLL_INTERVAL_SECONDS", 2*time.Second),
			HeartbeatInterval: envDurationSecs("WORKER_HEARTBEAT_INTERVAL_SECONDS", 10*time.Second),
			ID:                envString("WORKER_ID", "worker-1"),
		},
		Redis: RedisConfig{
			URL:               os.Getenv("REDIS_URL"),
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Render: RenderConfig{
			ChromePath: os.Getenv("CHROME_PATH"),
		},
		Log: LogConfig{
			Level: envString("LOG_LEVEL", "INFO"),
			File:  os.Getenv("LOG_FILE"),
		},
		Metrics: MetricsConfig{
			Addr: os.Getenv("METRICS_ADDR"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("API_PORT must be in [1, 65535], got %d", c.API.Port)
	}
	if !validRenderModes[c.Jobs.RenderMode] {
		return fmt.Errorf("DEFAULT_RENDER_MODE must be one of %s, %s; got %q",
			models.RenderModePrintToPDF, models.RenderModeScreenshotToPDF, c.Jobs.RenderMode)
	}
	if c.Cleanup.Interval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL_SECONDS must be positive")
	}
	if c.Cleanup.FileAge <= 0 {
		return fmt.Errorf("CLEANUP_FILE_AGE_SECONDS must be positive")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL_SECONDS must be positive")
	}

	// Defaults are clamped like caller-supplied values so a misconfigured
	// environment cannot put jobs outside the allowed ranges.
	c.Jobs.NavigationTimeoutSeconds = ClampNavigationTimeout(c.Jobs.NavigationTimeoutSeconds)
	c.Jobs.JobTimeoutSeconds = ClampJobTimeout(c.Jobs.JobTimeoutSeconds)
	c.Jobs.MaxDomainWaitSeconds = ClampDomainWait(c.Jobs.MaxDomainWaitSeconds)
	c.Jobs.MaxRetries = ClampRetries(c.Jobs.MaxRetries)

	return nil
}

// EnsureDirectories creates the database and PDF storage directories.
func (c *Config) EnsureDirectories() error {
	if dir := filepath.Dir(c.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	if err := os.MkdirAll(c.Storage.PDFDir, 0o755); err != nil {
		return fmt.Errorf("create PDF storage directory: %w", err)
	}
	return nil
}

func ClampNavigationTimeout(v int) int {
	return clamp(v, MinNavigationTimeoutSeconds, MaxNavigationTimeoutSeconds)
}

func ClampJobTimeout(v int) int {
	return clamp(v, MinJobTimeoutSeconds, MaxJobTimeoutSeconds)
}

func ClampDomainWait(v int) int {
	return clamp(v, MinDomainWaitSeconds, MaxDomainWaitSeconds)
}

func ClampRetries(v int) int {
	return clamp(v, MinRetries, MaxRetries)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
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
