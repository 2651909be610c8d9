// Package config defines configuration parsing and helpers.
//
// Ambient settings (broker endpoints, observability) come from environment
// variables, optionally overlaid from a YAML file; replay options are bound
// to CLI flags by the command layer and land in the same struct so every
// component receives one Config through its constructor.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/lexelby/apiary/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev" yaml:"app_env"`

	// Broker selects the queue fabric: channel, redis, or kafka.
	Broker          string   `env:"APIARY_BROKER" envDefault:"channel" yaml:"broker"`
	RedisAddr       string   `env:"APIARY_REDIS_ADDR" envDefault:"localhost:6379" yaml:"redis_addr"`
	RedisPassword   string   `env:"APIARY_REDIS_PASSWORD" yaml:"redis_password"`
	RedisDB         int      `env:"APIARY_REDIS_DB" envDefault:"0" yaml:"redis_db"`
	KafkaBrokers    []string `env:"APIARY_KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092" yaml:"kafka_brokers"`
	QueueDepth      int      `env:"APIARY_QUEUE_DEPTH" envDefault:"1000" yaml:"queue_depth"`
	StatsQueueDepth int      `env:"APIARY_STATS_QUEUE_DEPTH" envDefault:"10000" yaml:"stats_queue_depth"`

	// Observability.
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"" yaml:"otlp_endpoint"`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"apiary" yaml:"otel_service_name"`
	// MetricsAddr exposes /metrics and /healthz when non-empty (e.g. ":9090").
	MetricsAddr string `env:"APIARY_METRICS_ADDR" envDefault:"" yaml:"metrics_addr"`

	// Replay options (CLI-bound).
	Protocol       string        `yaml:"protocol"`
	Workers        int           `yaml:"workers"`
	Threads        int           `yaml:"threads"`
	StaggerWorkers time.Duration `yaml:"stagger_workers"`
	StaggerThreads time.Duration `yaml:"stagger_threads"`
	StartupWait    time.Duration `yaml:"startup_wait"`
	Speedup        float64       `yaml:"speedup"`
	ASAP           bool          `yaml:"asap"`
	MaxAhead       time.Duration `yaml:"max_ahead"`
	Skip           int           `yaml:"skip"`
	Offset         int           `yaml:"offset"`
	MinSkip        int           `yaml:"min_skip"`
	RampTime       float64       `yaml:"ramp_time"`
	DryRun         bool          `yaml:"dry_run"`
	StatsInterval  time.Duration `yaml:"stats_interval"`
	Verbose        int           `yaml:"verbose"`
	Debug          bool          `yaml:"debug"`
	Profile        bool          `yaml:"profile"`

	// MySQL adapter options (--protocol mysql).
	MySQLHost     string `env:"APIARY_MYSQL_HOST" envDefault:"localhost" yaml:"mysql_host"`
	MySQLPort     int    `env:"APIARY_MYSQL_PORT" envDefault:"3306" yaml:"mysql_port"`
	MySQLUser     string `env:"APIARY_MYSQL_USER" envDefault:"guest" yaml:"mysql_user"`
	MySQLPassword string `env:"APIARY_MYSQL_PASSWORD" yaml:"mysql_password"`
	MySQLDB       string `env:"APIARY_MYSQL_DB" envDefault:"test" yaml:"mysql_db"`

	// HTTP adapter options (--protocol http). Host "dummy" short-circuits
	// with canned responses.
	HTTPHost    string        `env:"APIARY_HTTP_HOST" envDefault:"dummy" yaml:"http_host"`
	HTTPPort    int           `env:"APIARY_HTTP_PORT" envDefault:"80" yaml:"http_port"`
	HTTPTimeout time.Duration `env:"APIARY_HTTP_TIMEOUT" envDefault:"10s" yaml:"http_timeout"`

	// CountDB adapter options (--protocol countdb).
	CountDBHost     string        `env:"APIARY_COUNTDB_HOST" envDefault:"localhost" yaml:"countdb_host"`
	CountDBPort     int           `env:"APIARY_COUNTDB_PORT" envDefault:"3939" yaml:"countdb_port"`
	CountDBTimeout  time.Duration `env:"APIARY_COUNTDB_TIMEOUT" envDefault:"10s" yaml:"countdb_timeout"`
	CountDBRecvSize int           `env:"APIARY_COUNTDB_RECV_SIZE" envDefault:"1024" yaml:"countdb_recv_size"`

	// Test adapter options (--protocol test).
	TestMinDuration      time.Duration `env:"APIARY_TEST_MIN_DURATION" envDefault:"10ms" yaml:"test_min_duration"`
	TestMaxDuration      time.Duration `env:"APIARY_TEST_MAX_DURATION" envDefault:"1200ms" yaml:"test_max_duration"`
	TestErrorProbability float64       `env:"APIARY_TEST_ERROR_PROBABILITY" envDefault:"0.01" yaml:"test_error_probability"`
}

// Replay option defaults matching the CLI surface.
const (
	DefaultWorkers       = 100
	DefaultThreads       = 1
	DefaultSpeedup       = 1.0
	DefaultMaxAhead      = 300 * time.Second
	DefaultStatsInterval = 15 * time.Second
)

// Load parses environment variables into a Config and seeds replay defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	cfg.Workers = DefaultWorkers
	cfg.Threads = DefaultThreads
	cfg.Speedup = DefaultSpeedup
	cfg.MaxAhead = DefaultMaxAhead
	cfg.StatsInterval = DefaultStatsInterval
	return cfg, nil
}

// ApplyFile overlays settings from a YAML file onto cfg.
func (c *Config) ApplyFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("op=config.ApplyFile: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("op=config.ApplyFile: %s: %w", path, err)
	}
	return nil
}

// Validate checks replay option consistency before any work starts.
func (c Config) Validate() error {
	if c.Workers < 1 || c.Threads < 1 {
		return fmt.Errorf("workers and threads must be >= 1: %w", domain.ErrBadConfig)
	}
	if c.Speedup <= 0 {
		return fmt.Errorf("speedup must be > 0: %w", domain.ErrBadConfig)
	}
	if c.Skip < 0 || c.MinSkip < 0 || c.Offset < 0 {
		return fmt.Errorf("skip, min-skip, and offset must be >= 0: %w", domain.ErrBadConfig)
	}
	if c.Skip > 0 && c.Offset > c.Skip {
		return fmt.Errorf("offset %d exceeds skip %d: %w", c.Offset, c.Skip, domain.ErrBadConfig)
	}
	return nil
}

// TimeScale returns the factor applied to capture offsets: 1/speedup.
// An infinite speedup means pacing is disabled, like --asap.
func (c Config) TimeScale() float64 {
	if math.IsInf(c.Speedup, 1) {
		return 0
	}
	return 1.0 / c.Speedup
}

// Paced reports whether replay pacing is active.
func (c Config) Paced() bool {
	return !c.ASAP && !math.IsInf(c.Speedup, 1)
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
