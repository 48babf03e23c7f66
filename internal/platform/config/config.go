package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// InstanceID scopes per-topic sequence numbers. Defaults to a random
	// UUID chosen at startup when empty.
	InstanceID string `env:"INSTANCE_ID"`

	// RedisURL enables the redis relay adapter for cross-instance fan-out.
	// The broker runs single-instance without it.
	RedisURL string `env:"REDIS_URL"`

	// Connection admission limits.
	MaxConnections       int64   `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP  int     `env:"MAX_CONNECTIONS_PER_IP" default:"20"`
	ConnectionRatePerSec float64 `env:"CONNECTION_RATE_PER_SEC" default:"10"`
	ConnectionRateBurst  int     `env:"CONNECTION_RATE_BURST" default:"10"`

	// Connection lifecycle.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" default:"90s"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" default:"30s"`

	// Batching.
	BatchWindow   time.Duration `env:"BATCH_WINDOW" default:"10ms"`
	BatchMaxBytes int           `env:"BATCH_MAX_BYTES" default:"65536"`
	EnvelopeTTL   time.Duration `env:"ENVELOPE_TTL" default:"60s"`

	// Memory budget. Stage thresholds are percentages of the global budget;
	// enter/exit pairs differ to make transitions hysteretic.
	MemoryBudgetBytes    int64         `env:"MEMORY_BUDGET_BYTES" default:"268435456"`
	QueueMaxBytes        int           `env:"QUEUE_MAX_BYTES" default:"1048576"`
	MemorySampleInterval time.Duration `env:"MEMORY_SAMPLE_INTERVAL" default:"1s"`
	ThrottleEnterPct     float64       `env:"THROTTLE_ENTER_PCT" default:"70"`
	ThrottleExitPct      float64       `env:"THROTTLE_EXIT_PCT" default:"65"`
	ShedEnterPct         float64       `env:"SHED_ENTER_PCT" default:"85"`
	ShedExitPct          float64       `env:"SHED_EXIT_PCT" default:"80"`
	SuspendEnterPct      float64       `env:"SUSPEND_ENTER_PCT" default:"95"`
	SuspendExitPct       float64       `env:"SUSPEND_EXIT_PCT" default:"92"`
	LeakSampleCount      int           `env:"LEAK_SAMPLE_COUNT" default:"20"`

	// Transport.
	SendRetryAttempts int           `env:"SEND_RETRY_ATTEMPTS" default:"3"`
	SendRetryBackoff  time.Duration `env:"SEND_RETRY_BACKOFF" default:"50ms"`

	// Monitoring.
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" default:"10s"`

	// Migration.
	MigrationHealthWindow   time.Duration `env:"MIGRATION_HEALTH_WINDOW" default:"60s"`
	MigrationErrorRateLimit float64       `env:"MIGRATION_ERROR_RATE_LIMIT" default:"0.05"`
	MigrationLatencyLimit   time.Duration `env:"MIGRATION_LATENCY_LIMIT" default:"500ms"`
	MigrationRampStep       float64       `env:"MIGRATION_RAMP_STEP" default:"10"`
	MigrationRampHold       time.Duration `env:"MIGRATION_RAMP_HOLD" default:"30s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.MemoryBudgetBytes <= 0 {
		return errors.New("MEMORY_BUDGET_BYTES must be positive")
	}
	if cfg.QueueMaxBytes <= 0 || int64(cfg.QueueMaxBytes) > cfg.MemoryBudgetBytes {
		return errors.New("QUEUE_MAX_BYTES must be positive and below the global budget")
	}
	if cfg.BatchWindow <= 0 || cfg.BatchMaxBytes <= 0 {
		return errors.New("BATCH_WINDOW and BATCH_MAX_BYTES must be positive")
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		return errors.New("HEARTBEAT_TIMEOUT must exceed HEARTBEAT_INTERVAL")
	}
	if cfg.LeakSampleCount < 2 {
		return errors.New("LEAK_SAMPLE_COUNT must be at least 2")
	}
	if cfg.SendRetryAttempts < 1 {
		return errors.New("SEND_RETRY_ATTEMPTS must be at least 1")
	}

	stages := []struct {
		name         string
		enter, exit  float64
		enterCeiling float64
	}{
		{"THROTTLE", cfg.ThrottleEnterPct, cfg.ThrottleExitPct, cfg.ShedEnterPct},
		{"SHED", cfg.ShedEnterPct, cfg.ShedExitPct, cfg.SuspendEnterPct},
		{"SUSPEND", cfg.SuspendEnterPct, cfg.SuspendExitPct, 101},
	}
	for _, s := range stages {
		if s.enter <= 0 || s.enter > 100 {
			return fmt.Errorf("%s_ENTER_PCT must be in (0, 100]", s.name)
		}
		if s.exit >= s.enter {
			return fmt.Errorf("%s_EXIT_PCT must be below %s_ENTER_PCT (hysteresis)", s.name, s.name)
		}
		if s.enter >= s.enterCeiling {
			return fmt.Errorf("%s_ENTER_PCT must be below the next stage's enter threshold", s.name)
		}
	}

	if cfg.MigrationRampStep <= 0 || cfg.MigrationRampStep > 100 {
		return errors.New("MIGRATION_RAMP_STEP must be in (0, 100]")
	}
	if cfg.MigrationErrorRateLimit <= 0 || cfg.MigrationErrorRateLimit >= 1 {
		return errors.New("MIGRATION_ERROR_RATE_LIMIT must be in (0, 1)")
	}

	return nil
}
