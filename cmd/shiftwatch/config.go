package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/shiftwatch/internal/domain"
)

// loadEnvFile reads KEY=value pairs into the process environment without
// overriding variables that are already set. A missing default .env is
// not an error.
func loadEnvFile(path string) error {
	if path == "" {
		err := godotenv.Load()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// loadConfig starts from the tier defaults and applies SHIFTWATCH_*
// overrides.
func loadConfig(getenv func(string) string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if getenv("SHIFTWATCH_TIER") == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	env := envReader{getenv: getenv}

	// Server
	env.stringVar("SHIFTWATCH_HOST", &cfg.Server.Host)
	env.intVar("SHIFTWATCH_PORT", &cfg.Server.Port)

	// Repository
	env.stringVar("SHIFTWATCH_DB_DRIVER", &cfg.Repository.Driver)
	env.stringVar("SHIFTWATCH_DB_PATH", &cfg.Repository.SQLitePath)
	env.stringVar("SHIFTWATCH_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	env.intVar("SHIFTWATCH_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	env.stringVar("SHIFTWATCH_POSTGRES_USER", &cfg.Repository.PostgresUser)
	env.stringVar("SHIFTWATCH_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	env.stringVar("SHIFTWATCH_POSTGRES_DB", &cfg.Repository.PostgresDB)
	env.stringVar("SHIFTWATCH_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	// Cache, bus and lock
	env.stringVar("SHIFTWATCH_CACHE", &cfg.Cache.Type)
	env.stringVar("SHIFTWATCH_REDIS_ADDR", &cfg.Cache.RedisAddr)
	env.stringVar("SHIFTWATCH_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	env.durationVar("SHIFTWATCH_BASELINE_TTL", &cfg.Cache.BaselineTTL)
	env.stringVar("SHIFTWATCH_EVENTBUS", &cfg.EventBus.Type)
	env.stringVar("SHIFTWATCH_NATS_URL", &cfg.EventBus.NATSUrl)
	env.stringVar("SHIFTWATCH_NATS_TOKEN", &cfg.EventBus.NATSToken)
	env.stringVar("SHIFTWATCH_NATS_QUEUE_GROUP", &cfg.EventBus.NATSQueueGroup)
	env.stringVar("SHIFTWATCH_LOCK", &cfg.Lock.Type)
	if cfg.Lock.Type == "redis" {
		cfg.Lock.RedisAddr = cfg.Cache.RedisAddr
		cfg.Lock.RedisPassword = cfg.Cache.RedisPassword
	}

	// Scheduler
	env.boolVar("SHIFTWATCH_SWEEP_ENABLED", &cfg.Scheduler.Enabled)
	env.durationVar("SHIFTWATCH_SWEEP_INTERVAL", &cfg.Scheduler.Interval)
	env.intVar("SHIFTWATCH_SWEEP_BATCH_SIZE", &cfg.Scheduler.BatchSize)
	env.durationVar("SHIFTWATCH_SHIFT_TIMEOUT", &cfg.Scheduler.ShiftTimeout)

	// Logging
	env.stringVar("SHIFTWATCH_LOG_LEVEL", &cfg.Logging.Level)
	env.stringVar("SHIFTWATCH_LOG_FORMAT", &cfg.Logging.Format)
	if getenv("SHIFTWATCH_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	// Fraud
	env.dateVar("SHIFTWATCH_SPLIT_CUTOFF", &cfg.Fraud.SplitCutoff)
	env.floatVar("SHIFTWATCH_COMPANY_RATE", &cfg.Fraud.CompanyRate)
	env.boolVar("SHIFTWATCH_REANALYZE_OPEN", &cfg.Fraud.ReanalyzeOpenShifts)

	if env.err != nil {
		return nil, env.err
	}
	if cfg.Fraud.CompanyRate < 0 || cfg.Fraud.CompanyRate > 1 {
		return nil, fmt.Errorf("SHIFTWATCH_COMPANY_RATE must be between 0 and 1, got %v", cfg.Fraud.CompanyRate)
	}
	if _, err := logLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return nil, fmt.Errorf("SHIFTWATCH_LOG_FORMAT must be json or text, got %q", cfg.Logging.Format)
	}
	if cfg.Scheduler.Interval <= 0 {
		return nil, fmt.Errorf("SHIFTWATCH_SWEEP_INTERVAL must be positive")
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging settings.
func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level, _ := logLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func logLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("SHIFTWATCH_LOG_LEVEL: %w", err)
	}
	return level, nil
}

// envReader applies overrides and keeps the first parse error.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := e.getenv(key)
	return v, v != "" && e.err == nil
}

func (e *envReader) fail(key, v string, err error) {
	e.err = fmt.Errorf("invalid %s=%q: %w", key, v, err)
}

func (e *envReader) stringVar(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) floatVar(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolVar(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) durationVar(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

// dateVar accepts YYYY-MM-DD, interpreted as midnight UTC.
func (e *envReader) dateVar(key string, dst *time.Time) {
	if v, ok := e.lookup(key); ok {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = t
	}
}
