// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Host:                  "127.0.0.1",
		Port:                  8000,
		RedisURL:              "redis://localhost:6379/0",
		ReplicaID:             "test-replica",
		MaxConcurrentJobs:     2,
		GPUCount:              2,
		OutputDir:             "/tmp/outputs",
		LeaseDuration:         60 * time.Second,
		ReconcileInterval:     30 * time.Second,
		ProgressWriteInterval: time.Second,
		JobMaxDuration:        time.Hour,
		JobMaxRetries:         2,
		RetentionPeriod:       7 * 24 * time.Hour,
		CancelGracePeriod:     30 * time.Second,
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, 2, cfg.MaxConcurrentJobs)
	assert.Equal(t, "/app/outputs", cfg.OutputDir)
	assert.Equal(t, "/app/model_cache", cfg.ModelCacheDir)
	assert.Equal(t, 60*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.RetentionPeriod)
	assert.NotEmpty(t, cfg.ReplicaID)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_JOBS", "4")
	t.Setenv("GPU_COUNT", "8")
	t.Setenv("LEASE_DURATION", "90s")
	t.Setenv("REPLICA_ID", "replica-a")

	cfg := FromEnv()
	assert.Equal(t, 4, cfg.MaxConcurrentJobs)
	assert.Equal(t, 8, cfg.GPUCount)
	assert.Equal(t, 90*time.Second, cfg.LeaseDuration)
	assert.Equal(t, "replica-a", cfg.ReplicaID)
}

func TestFromEnvInvalidValuesFallBack(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_JOBS", "not-a-number")
	t.Setenv("LEASE_DURATION", "soon")

	cfg := FromEnv()
	assert.Equal(t, 2, cfg.MaxConcurrentJobs)
	assert.Equal(t, 60*time.Second, cfg.LeaseDuration)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"empty redis url", func(c *Config) { c.RedisURL = "" }},
		{"empty replica id", func(c *Config) { c.ReplicaID = "" }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentJobs = 0 }},
		{"zero gpus", func(c *Config) { c.GPUCount = 0 }},
		{"concurrency above gpus", func(c *Config) { c.MaxConcurrentJobs = 3; c.GPUCount = 2 }},
		{"empty output dir", func(c *Config) { c.OutputDir = "" }},
		{"tiny lease", func(c *Config) { c.LeaseDuration = time.Second }},
		{"negative retries", func(c *Config) { c.JobMaxRetries = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAddr(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "127.0.0.1:8000", cfg.Addr())
}
