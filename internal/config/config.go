package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/paveldudka/async-job-scheduler/internal/logger"
	"github.com/paveldudka/async-job-scheduler/internal/utils"
)

// Config aggregates every tunable of the process. Values come from
// environment variables; a YAML file named by CONFIG_FILE is applied first
// and individual environment variables override it.
type Config struct {
	Mode      string `yaml:"mode"`
	Addr      string `yaml:"addr"`
	QueueName string `yaml:"queue_name"`

	WorkerConcurrency int           `yaml:"worker_concurrency"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	StepDuration time.Duration `yaml:"step_duration"`
	FailureRate  float64       `yaml:"failure_rate"`

	StoreDriver string `yaml:"store_driver"` // memory | sqlite | postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`

	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
}

func defaults() Config {
	return Config{
		Mode:              "development",
		Addr:              ":8080",
		QueueName:         "jobs",
		WorkerConcurrency: 5,
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		StepDuration:      time.Second,
		FailureRate:       0.15,
		StoreDriver:       "memory",
		SQLitePath:        "jobs.db",
		RedisChannel:      "jobs-events",
	}
}

// Load builds the effective configuration. An unreadable or malformed
// CONFIG_FILE is an error; a missing one is not.
func Load(log *logger.Logger) (Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
		if log != nil {
			log.Info("Loaded config file", "path", path)
		}
	}

	cfg.Mode = utils.GetEnv("LOG_MODE", cfg.Mode, log)
	cfg.Addr = utils.GetEnv("HTTP_ADDR", cfg.Addr, log)
	cfg.QueueName = utils.GetEnv("QUEUE_NAME", cfg.QueueName, log)
	cfg.WorkerConcurrency = utils.GetEnvAsInt("MAX_CONCURRENCY", cfg.WorkerConcurrency, log)
	cfg.MaxAttempts = utils.GetEnvAsInt("MAX_ATTEMPTS", cfg.MaxAttempts, log)
	cfg.BackoffBase = utils.GetEnvAsDuration("BACKOFF_BASE", cfg.BackoffBase, log)
	cfg.HeartbeatInterval = utils.GetEnvAsDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval, log)
	cfg.StepDuration = utils.GetEnvAsDuration("STEP_DURATION", cfg.StepDuration, log)
	cfg.StoreDriver = utils.GetEnv("STORE_DRIVER", cfg.StoreDriver, log)
	cfg.SQLitePath = utils.GetEnv("SQLITE_PATH", cfg.SQLitePath, log)
	cfg.PostgresDSN = utils.GetEnv("POSTGRES_DSN", cfg.PostgresDSN, log)
	cfg.RedisAddr = utils.GetEnv("REDIS_ADDR", cfg.RedisAddr, log)
	cfg.RedisChannel = utils.GetEnv("REDIS_CHANNEL", cfg.RedisChannel, log)

	if raw, ok := os.LookupEnv("FAILURE_RATE"); ok {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 || f > 1 {
			if log != nil {
				log.Warn("Invalid FAILURE_RATE, keeping current value", "providedVal", raw)
			}
		} else {
			cfg.FailureRate = f
		}
	}

	if cfg.WorkerConcurrency < 1 {
		return cfg, fmt.Errorf("worker_concurrency must be at least 1, got %d", cfg.WorkerConcurrency)
	}
	if cfg.MaxAttempts < 1 {
		return cfg, fmt.Errorf("max_attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	return cfg, nil
}
