package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rl1809/kitchen-stock/internal/extraction"
	"github.com/rl1809/kitchen-stock/internal/worker"
)

// Config holds server configuration.
type Config struct {
	HTTPAddr   string            `yaml:"http_addr"`
	GRPCAddr   string            `yaml:"grpc_addr"`
	LogLevel   string            `yaml:"log_level"`
	Database   DatabaseConfig    `yaml:"database"`
	Redis      RedisConfig       `yaml:"redis"`
	Queue      QueueConfig       `yaml:"queue"`
	Worker     worker.Config     `yaml:"worker"`
	Extraction extraction.Config `yaml:"extraction"`
	AlertTTL   time.Duration     `yaml:"alert_ttl"`
	UploadMax  int64             `yaml:"upload_max_bytes"`
}

type DatabaseConfig struct {
	// Driver is one of memory, sqlite, mysql or postgres.
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig enables the Redis alert cache and task queue when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type QueueConfig struct {
	// Size bounds the in-process queue used without Redis.
	Size int    `yaml:"size"`
	Name string `yaml:"name"`

	// Consumer names this process's Redis processing list. It must stay
	// the same across restarts for unacked tasks to be picked up again.
	// Defaults to the hostname.
	Consumer string `yaml:"consumer"`

	// StaleAfter is how old a PROCESSING receipt must be before the
	// startup sweep treats its task as lost. Only used with Redis, where
	// other workers may still hold younger tasks.
	StaleAfter time.Duration `yaml:"stale_after"`
}

var drivers = []string{"memory", "sqlite", "mysql", "postgres"}

func Default() *Config {
	return &Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":50051",
		LogLevel: "INFO",
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file:kitchen.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis:      RedisConfig{PoolSize: 100},
		Queue:      QueueConfig{Size: 10000, Name: "kitchen:receipts", StaleAfter: time.Hour},
		Worker:     worker.DefaultConfig(),
		Extraction: extraction.Config{Timeout: 60 * time.Second, RatePerSecond: 2, Burst: 1},
		AlertTTL:   24 * time.Hour,
		UploadMax:  10 << 20,
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Queue.Consumer == "" {
		cfg.Queue.Consumer = defaultConsumer()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("HTTP_ADDR", &c.HTTPAddr)
	str("GRPC_ADDR", &c.GRPCAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("DB_DRIVER", &c.Database.Driver)
	str("DB_DSN", &c.Database.DSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("EXTRACTION_ENDPOINT", &c.Extraction.Endpoint)
	str("EXTRACTION_API_KEY", &c.Extraction.APIKey)
	str("QUEUE_CONSUMER", &c.Queue.Consumer)

	var errs []error
	num := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	num("WORKER_COUNT", &c.Worker.Workers)
	num("WORKER_MAX_ATTEMPTS", &c.Worker.MaxAttempts)
	num("QUEUE_SIZE", &c.Queue.Size)

	dur := func(key string, dst *time.Duration) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	dur("WORKER_TASK_TIMEOUT", &c.Worker.TaskTimeout)
	dur("EXTRACTION_TIMEOUT", &c.Extraction.Timeout)
	dur("ALERT_TTL", &c.AlertTTL)
	dur("QUEUE_STALE_AFTER", &c.Queue.StaleAfter)

	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	var errs []error

	driver := strings.ToLower(c.Database.Driver)
	known := false
	for _, d := range drivers {
		if d == driver {
			known = true
		}
	}
	if !known {
		errs = append(errs, fmt.Errorf("unknown database driver %q (want one of %s)", c.Database.Driver, strings.Join(drivers, ", ")))
	}
	c.Database.Driver = driver
	if driver != "memory" && c.Database.DSN == "" {
		errs = append(errs, fmt.Errorf("database dsn is required for driver %q", driver))
	}

	if c.Worker.Workers <= 0 {
		errs = append(errs, fmt.Errorf("worker count must be positive, got %d", c.Worker.Workers))
	}
	if c.Worker.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("worker max attempts must be positive, got %d", c.Worker.MaxAttempts))
	}
	if c.Queue.Size <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be positive, got %d", c.Queue.Size))
	}
	if c.Queue.StaleAfter < 0 {
		errs = append(errs, fmt.Errorf("queue stale_after must not be negative, got %s", c.Queue.StaleAfter))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func defaultConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "default"
	}
	return host
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}
