// SPDX-License-Identifier: MIT

// Package config loads and validates the orchestrator configuration from the
// environment. Precedence is ENV > defaults; there is no config file, the
// service is designed for container deployment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"
)

// Config holds every tunable of a single orchestrator replica.
type Config struct {
	// API bind address.
	Host string
	Port int

	// RedisURL is the shared store endpoint, e.g. redis://redis:6379/0.
	RedisURL string

	// ReplicaID identifies this replica in job leases. Defaults to
	// hostname plus a random suffix so restarted replicas never reuse a
	// dead replica's identity.
	ReplicaID string

	// MaxConcurrentJobs caps the number of executors on this replica.
	MaxConcurrentJobs int

	// GPUCount is the number of GPU devices this replica advertises.
	GPUCount int

	// OutputDir is the artifact root; completed videos land at
	// OutputDir/{job_id}.mp4.
	OutputDir string

	// ModelCacheDir is opaque to the orchestrator and passed to the
	// generator process.
	ModelCacheDir string

	// GeneratorCmd is the argv of the child-process generator. Empty
	// selects the in-process synthetic generator.
	GeneratorCmd string

	// LeaseDuration (L) bounds a replica's ownership of a processing job;
	// executors renew at LeaseDuration/3.
	LeaseDuration time.Duration

	// ReconcileInterval is the reconciler sweep period.
	ReconcileInterval time.Duration

	// ProgressWriteInterval coalesces progress writes to the store.
	ProgressWriteInterval time.Duration

	// JobMaxDuration is the implicit wall-time budget per run.
	JobMaxDuration time.Duration

	// JobMaxRetries bounds reconciler-driven re-queues before a job is
	// marked lost.
	JobMaxRetries int

	// RetentionPeriod keeps terminal records before the retention sweep
	// deletes them.
	RetentionPeriod time.Duration

	// CancelGracePeriod bounds how long an executor waits for the
	// generator to honor cancellation cooperatively.
	CancelGracePeriod time.Duration

	// LogLevel for the global logger.
	LogLevel string
}

// FromEnv builds a Config from the process environment.
func FromEnv() Config {
	return Config{
		Host:                  ParseString("HOST", "0.0.0.0"),
		Port:                  ParseInt("PORT", 8000),
		RedisURL:              ParseString("REDIS_URL", "redis://localhost:6379/0"),
		ReplicaID:             ParseString("REPLICA_ID", defaultReplicaID()),
		MaxConcurrentJobs:     ParseInt("MAX_CONCURRENT_JOBS", 2),
		GPUCount:              ParseInt("GPU_COUNT", 1),
		OutputDir:             ParseString("OUTPUT_DIR", "/app/outputs"),
		ModelCacheDir:         ParseString("MODEL_CACHE_DIR", "/app/model_cache"),
		GeneratorCmd:          ParseString("GENERATOR_CMD", ""),
		LeaseDuration:         ParseDuration("LEASE_DURATION", 60*time.Second),
		ReconcileInterval:     ParseDuration("RECONCILE_INTERVAL", 30*time.Second),
		ProgressWriteInterval: ParseDuration("PROGRESS_WRITE_INTERVAL", time.Second),
		JobMaxDuration:        ParseDuration("JOB_MAX_DURATION", 2*time.Hour),
		JobMaxRetries:         ParseInt("JOB_MAX_RETRIES", 2),
		RetentionPeriod:       ParseDuration("RETENTION_PERIOD", 7*24*time.Hour),
		CancelGracePeriod:     ParseDuration("CANCEL_GRACE_PERIOD", 30*time.Second),
		LogLevel:              ParseString("LOG_LEVEL", "info"),
	}
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d: must be in [1,65535]", c.Port)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must not be empty")
	}
	if c.ReplicaID == "" {
		return fmt.Errorf("REPLICA_ID must not be empty")
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be >= 1, got %d", c.MaxConcurrentJobs)
	}
	if c.GPUCount < 1 {
		return fmt.Errorf("GPU_COUNT must be >= 1, got %d", c.GPUCount)
	}
	if c.MaxConcurrentJobs > c.GPUCount {
		return fmt.Errorf("MAX_CONCURRENT_JOBS (%d) must not exceed GPU_COUNT (%d): one GPU per job",
			c.MaxConcurrentJobs, c.GPUCount)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("OUTPUT_DIR must not be empty")
	}
	if c.LeaseDuration < 3*time.Second {
		return fmt.Errorf("LEASE_DURATION must be >= 3s, got %s", c.LeaseDuration)
	}
	if c.ReconcileInterval < time.Second {
		return fmt.Errorf("RECONCILE_INTERVAL must be >= 1s, got %s", c.ReconcileInterval)
	}
	if c.JobMaxRetries < 0 {
		return fmt.Errorf("JOB_MAX_RETRIES must be >= 0, got %d", c.JobMaxRetries)
	}
	return nil
}

// Addr returns the host:port bind address for the API server.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func defaultReplicaID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "replica"
	}
	suffix := make([]byte, 3)
	if _, err := rand.Read(suffix); err != nil {
		return host
	}
	return host + "-" + hex.EncodeToString(suffix)
}
