// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Redis, Kafka, Ingest, Race, Retention, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Race      RaceConfig      `yaml:"race"`
	Retention RetentionConfig `yaml:"retention"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection parameters. Redis backs the
// race-detector's recent-item index and the analyzer's summary cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig holds Kafka broker and topic settings for the telemetry relay.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	TelemetryEvents string `yaml:"telemetryEvents"`
}

// IngestConfig controls the event buffer and its flush behaviour.
//
// Sink selects where flushed batches go: "postgres" writes directly to the
// event store, "kafka" publishes to the telemetry topic for the relay
// service to persist. The two sinks carry different default flush
// thresholds (50 and 25 respectively); an explicit FlushThreshold wins.
type IngestConfig struct {
	Sink            string        `yaml:"sink"`
	FlushThreshold  int           `yaml:"flushThreshold"`
	FlushInterval   time.Duration `yaml:"flushInterval"`
	MaxPayloadBytes int           `yaml:"maxPayloadBytes"`
}

// EffectiveFlushThreshold resolves the flush threshold, applying the
// per-sink default when none is configured.
func (c IngestConfig) EffectiveFlushThreshold() int {
	if c.FlushThreshold > 0 {
		return c.FlushThreshold
	}
	if c.Sink == "kafka" {
		return 25
	}
	return 50
}

// RaceConfig tunes the cross-session race detector.
//
// Window is the trailing interval within which two sessions touching the
// same item count as concurrent. Detection is a heuristic built on timestamp
// proximity: a short window misses slow races, a long one flags independent
// runs that legitimately revisit an item. There is no correct value, only a
// trade-off; 10s matches typical re-index cadence.
type RaceConfig struct {
	Window        time.Duration `yaml:"window"`
	MinConcurrent int           `yaml:"minConcurrent"`
	Index         string        `yaml:"index"` // "redis" or "memory"
}

// RetentionConfig controls how long events and correlation records are kept.
type RetentionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// AnalyzerConfig controls the read-side API.
//
// RaceLookback is how far back the race listing reaches when the caller does
// not pass a window. It is deliberately much wider than the detection window:
// detection asks "did these sessions overlap just now", the listing asks
// "what happened recently".
type AnalyzerConfig struct {
	SummaryCacheTTL  time.Duration `yaml:"summaryCacheTTL"`
	DefaultRaceLimit int           `yaml:"defaultRaceLimit"`
	RaceLookback     time.Duration `yaml:"raceLookback"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "indexwatch",
			User:            "indexwatch",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 30 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "indexwatch-relay",
			Topics: KafkaTopics{
				TelemetryEvents: "pipeline-telemetry",
			},
		},
		Ingest: IngestConfig{
			Sink:            "postgres",
			FlushInterval:   5 * time.Second,
			MaxPayloadBytes: 65536,
		},
		Race: RaceConfig{
			Window:        10 * time.Second,
			MinConcurrent: 2,
			Index:         "redis",
		},
		Retention: RetentionConfig{
			TTL:           7 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Analyzer: AnalyzerConfig{
			SummaryCacheTTL:  30 * time.Second,
			DefaultRaceLimit: 100,
			RaceLookback:     24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads IW_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("IW_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("IW_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("IW_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("IW_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("IW_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("IW_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("IW_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("IW_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("IW_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("IW_INGEST_SINK"); v != "" {
		cfg.Ingest.Sink = v
	}
	if v := os.Getenv("IW_INGEST_FLUSH_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.FlushThreshold = n
		}
	}
	if v := os.Getenv("IW_RACE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Race.Window = d
		}
	}
	if v := os.Getenv("IW_RETENTION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.TTL = d
		}
	}
	if v := os.Getenv("IW_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("IW_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
