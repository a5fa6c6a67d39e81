// Package config loads the orchestration engine's configuration: defaults,
// overlaid with an optional YAML file, overlaid with environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/grabowmar/analysis-orchestrator/pkg/logger"
)

// ServerConfig controls the daemon's ambient health/metrics HTTP listener
// (spec.md §1 explicitly excludes a task-submission API from this surface).
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST"`
	Port int    `yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the Postgres-backed Task Store.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifeSecs int    `yaml:"conn_max_lifetime_seconds" env:"DATABASE_CONN_MAX_LIFETIME_SECONDS"`
	MigrateOnStart  bool   `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// ResultsConfig controls the Persister's on-disk layout.
type ResultsConfig struct {
	RootDir       string `yaml:"root_dir" env:"RESULTS_ROOT_DIR"`
	RetentionDays int    `yaml:"retention_days" env:"RESULTS_RETENTION_DAYS"`
}

// LocatorConfig controls the App Locator's source tree root.
type LocatorConfig struct {
	SourceRootDir string `yaml:"source_root_dir" env:"LOCATOR_SOURCE_ROOT_DIR"`
}

// AnalyzerEndpoint is one analyzer service's connection parameters.
type AnalyzerEndpoint struct {
	Address     string `yaml:"address"`
	MaxPoolSize int    `yaml:"max_pool_size"`
	DeadlineSec int    `yaml:"deadline_seconds"`
}

// AnalyzerConfig holds per-service-kind endpoint configuration, keyed by
// "static", "dynamic", "performance", "ai".
type AnalyzerConfig struct {
	Static      AnalyzerEndpoint `yaml:"static"`
	Dynamic     AnalyzerEndpoint `yaml:"dynamic"`
	Performance AnalyzerEndpoint `yaml:"performance"`
	AI          AnalyzerEndpoint `yaml:"ai"`
}

// BreakerConfig overrides the circuit breaker's defaults.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" env:"BREAKER_FAILURE_THRESHOLD"`
	CooldownSeconds  int `yaml:"cooldown_seconds" env:"BREAKER_COOLDOWN_SECONDS"`
}

// DispatcherConfig overrides the dispatcher's poll/lease/deadline tunables.
type DispatcherConfig struct {
	WorkerParallelism   int    `yaml:"worker_parallelism" env:"DISPATCHER_WORKER_PARALLELISM"`
	LeaseTTLSeconds     int    `yaml:"lease_ttl_seconds" env:"DISPATCHER_LEASE_TTL_SECONDS"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds" env:"DISPATCHER_POLL_INTERVAL_SECONDS"`
	GraceDeadlineSec    int    `yaml:"grace_deadline_seconds" env:"DISPATCHER_GRACE_DEADLINE_SECONDS"`
	Broker              string `yaml:"broker" env:"DISPATCHER_BROKER"` // "" (in-process) or "redis"
}

// RedisConfig backs the optional distributed executor broker and the
// dedupe lock.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"REDIS_ADDR"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    logger.Config    `yaml:"logging"`
	Results    ResultsConfig    `yaml:"results"`
	Locator    LocatorConfig    `yaml:"locator"`
	Analyzer   AnalyzerConfig   `yaml:"analyzer"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Redis      RedisConfig      `yaml:"redis"`
}

// New returns a Config populated with steady-state defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifeSecs: 300,
			MigrateOnStart:  true,
		},
		Logging: logger.Config{Level: "info", Format: "text", Output: "stdout", FilePrefix: "orchestrator"},
		Results: ResultsConfig{RootDir: "results", RetentionDays: 30},
		Locator: LocatorConfig{SourceRootDir: "generated_apps"},
		Analyzer: AnalyzerConfig{
			Static:      AnalyzerEndpoint{Address: "ws://localhost:9101", MaxPoolSize: 4, DeadlineSec: 300},
			Dynamic:     AnalyzerEndpoint{Address: "ws://localhost:9102", MaxPoolSize: 4, DeadlineSec: 900},
			Performance: AnalyzerEndpoint{Address: "ws://localhost:9103", MaxPoolSize: 4, DeadlineSec: 900},
			AI:          AnalyzerEndpoint{Address: "ws://localhost:9104", MaxPoolSize: 4, DeadlineSec: 600},
		},
		Breaker: BreakerConfig{FailureThreshold: 5, CooldownSeconds: 30},
		Dispatcher: DispatcherConfig{
			WorkerParallelism:   4,
			LeaseTTLSeconds:     300,
			PollIntervalSeconds: 2,
			GraceDeadlineSec:    30,
		},
		Redis: RedisConfig{Addr: "localhost:6379", KeyPrefix: "orchestrator:"},
	}
}

// Load loads configuration from an optional .env file, an optional YAML
// file (path from CONFIG_FILE, falling back to configs/config.yaml), then
// applies environment variable overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged field has a matching env var set;
		// that just means "no overrides" for a local run.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ConnMaxLifetime renders ConnMaxLifeSecs as a time.Duration.
func (d DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifeSecs) * time.Second
}

// LeaseTTL renders LeaseTTLSeconds as a time.Duration.
func (d DispatcherConfig) LeaseTTL() time.Duration {
	return time.Duration(d.LeaseTTLSeconds) * time.Second
}

// PollInterval renders PollIntervalSeconds as a time.Duration.
func (d DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSeconds) * time.Second
}

// GraceDeadline renders GraceDeadlineSec as a time.Duration.
func (d DispatcherConfig) GraceDeadline() time.Duration {
	return time.Duration(d.GraceDeadlineSec) * time.Second
}

// Cooldown renders CooldownSeconds as a time.Duration.
func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// Deadline renders DeadlineSec as a time.Duration.
func (e AnalyzerEndpoint) Deadline() time.Duration {
	return time.Duration(e.DeadlineSec) * time.Second
}
