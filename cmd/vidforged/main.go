// SPDX-License-Identifier: MIT

// vidforged is the orchestrator daemon: one replica of the text-to-video
// job service. It runs the API server, the worker pool and the reconciler
// against a shared Redis store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vidforge/vidforge/internal/api"
	"github.com/vidforge/vidforge/internal/artifact"
	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/generator"
	"github.com/vidforge/vidforge/internal/gpu"
	"github.com/vidforge/vidforge/internal/health"
	vflog "github.com/vidforge/vidforge/internal/log"
	"github.com/vidforge/vidforge/internal/queue"
	"github.com/vidforge/vidforge/internal/reconcile"
	"github.com/vidforge/vidforge/internal/store"
	"github.com/vidforge/vidforge/internal/worker"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

// maskURL removes user info from a URL string for safe logging.
func maskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsed.User = nil
	return parsed.String()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.FromEnv()

	vflog.Configure(vflog.Config{
		Level:   cfg.LogLevel,
		Service: "vidforge",
		Version: version,
	})
	logger := vflog.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.invalid").
			Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("event", "daemon.starting").
		Str("replica_id", cfg.ReplicaID).
		Str("redis_url", maskURL(cfg.RedisURL)).
		Int("max_concurrent_jobs", cfg.MaxConcurrentJobs).
		Int("gpu_count", cfg.GPUCount).
		Msg("starting orchestrator")

	client, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "store.connect_failed").
			Msg("cannot reach the job store")
	}
	defer func() { _ = client.Close() }()

	st := store.NewRedisStore(client, vflog.WithComponent("store"))
	q := queue.NewRedisQueue(client)
	gpus := gpu.NewRegistry(cfg.GPUCount, vflog.WithComponent("gpu"))

	artifacts, err := artifact.NewStore(cfg.OutputDir)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "artifacts.init_failed").
			Msg("cannot prepare the output directory")
	}

	gen, err := buildGenerator(cfg)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "generator.init_failed").
			Msg("cannot build the generator")
	}

	pool := worker.NewPool(cfg, st, q, gpus, artifacts, gen)
	reconciler := reconcile.New(cfg, client, st, q, gpus, artifacts)

	hm := health.NewManager(version)
	hm.RegisterChecker(health.StoreChecker{Store: st})

	server := api.New(cfg, st, q, gpus, artifacts, pool, hm, version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.ListenAndServe(gctx) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })

	logger.Info().
		Str("event", "daemon.started").
		Str("addr", cfg.Addr()).
		Msg("orchestrator running")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().
			Err(err).
			Str("event", "daemon.failed").
			Msg("orchestrator exited with error")
		os.Exit(1)
	}

	logger.Info().Str("event", "daemon.stopped").Msg("orchestrator stopped")
}

// buildGenerator selects the configured generator backend. An empty command
// yields the synthetic in-process generator, which is useful for integration
// environments without a GPU.
func buildGenerator(cfg config.Config) (generator.Generator, error) {
	if cfg.GeneratorCmd == "" {
		return generator.NewSynthetic(), nil
	}
	grace := cfg.CancelGracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return generator.NewSubprocess(cfg.GeneratorCmd, grace, vflog.WithComponent("generator"))
}
