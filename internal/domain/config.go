package domain

import "time"

// Config holds the complete shiftwatch configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are used
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Lock       LockConfig       `json:"lock"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Fraud      FraudConfig      `json:"fraud"`

	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// SchedulerConfig controls the periodic open-shift sweep.
type SchedulerConfig struct {
	Enabled      bool          `json:"enabled"`
	Interval     time.Duration `json:"interval"`
	BatchSize    int           `json:"batchSize"`
	BatchPause   time.Duration `json:"batchPause"`
	LockName     string        `json:"lockName"`
	LockTTL      time.Duration `json:"lockTtl"`
	ShiftTimeout time.Duration `json:"shiftTimeout"`
}

// FraudConfig holds engine-level settings.
type FraudConfig struct {
	// SplitCutoff is the date from which CompanyRate applies.
	// Shifts before it use the historical 60/40 split.
	SplitCutoff time.Time `json:"splitCutoff"`
	// CompanyRate is the company share of net revenue after the cutoff (0..1).
	CompanyRate float64 `json:"companyRate"`
	// ReanalyzeOpenShifts lets the worker re-analyze open shifts on mutation
	// instead of leaving them to the sweep.
	ReanalyzeOpenShifts bool `json:"reanalyzeOpenShifts"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process lock
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./shiftwatch.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			BaselineTTL:  5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Lock: LockConfig{
			Type: "memory",
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			Interval:     15 * time.Minute,
			BatchSize:    50,
			BatchPause:   100 * time.Millisecond,
			LockName:     "fraud-sweep",
			LockTTL:      10 * time.Minute,
			ShiftTimeout: 30 * time.Second,
		},
		Fraud: FraudConfig{
			SplitCutoff: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
			CompanyRate: 0.5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "shiftwatch",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		BaselineTTL:    5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "shiftwatch-workers",
	}
	cfg.Lock = LockConfig{
		Type:      "redis",
		RedisAddr: "localhost:6379",
	}
	return cfg
}
