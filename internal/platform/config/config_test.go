package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		MaxConnections:          10000,
		MaxConnectionsPerIP:     20,
		ConnectionRatePerSec:    10,
		ConnectionRateBurst:     10,
		HeartbeatInterval:       30 * time.Second,
		HeartbeatTimeout:        90 * time.Second,
		SweepInterval:           30 * time.Second,
		BatchWindow:             10 * time.Millisecond,
		BatchMaxBytes:           65536,
		EnvelopeTTL:             time.Minute,
		MemoryBudgetBytes:       256 << 20,
		QueueMaxBytes:           1 << 20,
		MemorySampleInterval:    time.Second,
		ThrottleEnterPct:        70,
		ThrottleExitPct:         65,
		ShedEnterPct:            85,
		ShedExitPct:             80,
		SuspendEnterPct:         95,
		SuspendExitPct:          92,
		LeakSampleCount:         20,
		SendRetryAttempts:       3,
		SendRetryBackoff:        50 * time.Millisecond,
		HealthCheckInterval:     10 * time.Second,
		MigrationHealthWindow:   time.Minute,
		MigrationErrorRateLimit: 0.05,
		MigrationLatencyLimit:   500 * time.Millisecond,
		MigrationRampStep:       10,
		MigrationRampHold:       30 * time.Second,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validate(validConfig()))
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero memory budget", func(c *Config) { c.MemoryBudgetBytes = 0 }},
		{"queue cap above budget", func(c *Config) {
			c.MemoryBudgetBytes = 1000
			c.QueueMaxBytes = 2000
		}},
		{"zero batch window", func(c *Config) { c.BatchWindow = 0 }},
		{"zero batch bytes", func(c *Config) { c.BatchMaxBytes = 0 }},
		{"heartbeat timeout below interval", func(c *Config) {
			c.HeartbeatTimeout = 10 * time.Second
		}},
		{"leak samples too small", func(c *Config) { c.LeakSampleCount = 1 }},
		{"zero retry attempts", func(c *Config) { c.SendRetryAttempts = 0 }},
		{"throttle exit above enter", func(c *Config) { c.ThrottleExitPct = 75 }},
		{"shed exit equals enter", func(c *Config) { c.ShedExitPct = 85 }},
		{"suspend exit above enter", func(c *Config) { c.SuspendExitPct = 99 }},
		{"throttle enter above shed enter", func(c *Config) { c.ThrottleEnterPct = 90 }},
		{"shed enter above suspend enter", func(c *Config) { c.ShedEnterPct = 96 }},
		{"enter pct above 100", func(c *Config) {
			c.SuspendEnterPct = 120
			c.SuspendExitPct = 110
		}},
		{"zero ramp step", func(c *Config) { c.MigrationRampStep = 0 }},
		{"ramp step above 100", func(c *Config) { c.MigrationRampStep = 150 }},
		{"error rate limit at 1", func(c *Config) { c.MigrationErrorRateLimit = 1 }},
		{"error rate limit at 0", func(c *Config) { c.MigrationErrorRateLimit = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, validate(cfg))
		})
	}
}
