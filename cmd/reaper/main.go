// Command reaper cleans up lab containers left behind by a crashed or
// stopped API process. It reads unfinished sessions from the journal,
// removes their containers, and optionally purges old journal rows.
// Run it only while the API is down: every container it finds is
// treated as an orphan.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/redmage123/course-creator-labs/internal/config"
	"github.com/redmage123/course-creator-labs/internal/container"
	"github.com/redmage123/course-creator-labs/internal/image"
	"github.com/redmage123/course-creator-labs/internal/lab"
	"github.com/redmage123/course-creator-labs/internal/labtype"
	"github.com/redmage123/course-creator-labs/internal/ports"
	"github.com/redmage123/course-creator-labs/internal/registry"
	"github.com/redmage123/course-creator-labs/internal/store"
)

type options struct {
	purgeOlderThan time.Duration
	timeout        time.Duration
}

func main() {
	if pending := run(parseFlags(os.Args[1:])); pending > 0 {
		os.Exit(1)
	}
}

// run returns the number of containers that could not be cleaned.
func run(opts options) int {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("LABS_DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}
	st := store.New(pool)

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Fatalf("docker client: %v", err)
	}
	defer cli.Close()

	// Recovery never reserves ports, so the allocator only backs the
	// orchestrator's bookkeeping.
	alloc, err := ports.NewAllocator(cfg.PortRangeStart, cfg.PortRangeEnd, nil)
	if err != nil {
		log.Fatalf("port allocator: %v", err)
	}
	catalog, err := labtype.Load(cfg.LabTypesFile)
	if err != nil {
		log.Fatalf("load lab types: %v", err)
	}
	engine := container.NewDockerOrchestrator(cli, alloc, container.DockerOrchestratorOptions{StopGrace: cfg.StopGrace()}, log)
	svc := lab.NewService(
		registry.New(cfg.MaxConcurrentLabs),
		image.NewDockerBuilder(cli, catalog, cfg.ImageNamespace, log),
		engine,
		catalog,
		st,
		lab.Options{StorageRoot: cfg.StorageRoot},
		log,
	)

	report, err := svc.RecoverFromJournal(ctx)
	if err != nil {
		log.Fatalf("recover: %v", err)
	}

	var purged int64
	if opts.purgeOlderThan > 0 {
		purged, err = st.PurgeStoppedBefore(ctx, time.Now().Add(-opts.purgeOlderThan))
		if err != nil {
			log.WithError(err).Error("journal purge failed")
		}
	}

	log.WithFields(logrus.Fields{
		"journaled": report.Journaled,
		"cleaned":   report.Cleaned,
		"adopted":   report.Adopted,
		"pending":   report.Pending,
		"purged":    purged,
	}).Info("reap finished")
	return report.Pending
}

func parseFlags(args []string) options {
	var opts options
	flags := pflag.NewFlagSet("labs-reaper", pflag.ExitOnError)
	flags.DurationVar(&opts.purgeOlderThan, "purge-older-than", 0, "also delete journal rows stopped longer ago than this (0 disables)")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "overall deadline for the reap")
	_ = flags.Parse(args)
	return opts
}
