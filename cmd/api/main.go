package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/redmage123/course-creator-labs/internal/api"
	"github.com/redmage123/course-creator-labs/internal/config"
	"github.com/redmage123/course-creator-labs/internal/container"
	"github.com/redmage123/course-creator-labs/internal/image"
	"github.com/redmage123/course-creator-labs/internal/lab"
	"github.com/redmage123/course-creator-labs/internal/labtype"
	"github.com/redmage123/course-creator-labs/internal/ports"
	"github.com/redmage123/course-creator-labs/internal/registry"
	"github.com/redmage123/course-creator-labs/internal/scheduler"
	"github.com/redmage123/course-creator-labs/internal/store"
)

func main() {
	flags := pflag.NewFlagSet("labs-api", pflag.ExitOnError)
	listenAddr := flags.String("listen", "", "HTTP listen address (overrides LABS_LISTEN_ADDR)")
	labTypesFile := flags.String("lab-types", "", "YAML lab type overrides (overrides LABS_LAB_TYPES_FILE)")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	applyFlags(&cfg, *listenAddr, *labTypesFile)
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := buildCatalog(cfg)
	if err != nil {
		log.Fatalf("load lab types: %v", err)
	}
	var probe ports.ProbeFunc
	if cfg.Engine == "docker" {
		probe = ports.TCPProbe
	}
	alloc, err := ports.NewAllocator(cfg.PortRangeStart, cfg.PortRangeEnd, probe)
	if err != nil {
		log.Fatalf("port allocator: %v", err)
	}

	var (
		engine  container.Orchestrator
		builder lab.ImageBuilder
	)
	switch cfg.Engine {
	case "docker":
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			log.Fatalf("docker client: %v", err)
		}
		defer cli.Close()
		engine = container.NewDockerOrchestrator(cli, alloc, container.DockerOrchestratorOptions{StopGrace: cfg.StopGrace()}, log)
		builder = image.NewDockerBuilder(cli, catalog, cfg.ImageNamespace, log)
	default:
		log.Warn("using in-memory fake engine; no containers will be started")
		engine = container.NewFakeOrchestrator(alloc)
		builder = image.NewFakeBuilder(cfg.ImageNamespace, 500*time.Millisecond)
	}
	if err := engine.Ping(ctx); err != nil {
		log.WithError(err).Warn("container engine not reachable at startup")
	}

	var (
		journal lab.Journal
		purger  scheduler.Purger
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect db: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("ping db: %v", err)
		}
		st := store.New(pool)
		if err := st.EnsureSchema(ctx); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
		journal, purger = st, st
	} else {
		log.Info("LABS_DATABASE_URL not set; session journal disabled")
	}

	reg := registry.New(cfg.MaxConcurrentLabs)
	svc := lab.NewService(reg, builder, engine, catalog, journal, serviceOptions(cfg), log)

	report, err := svc.RecoverFromJournal(ctx)
	if err != nil {
		log.WithError(err).Error("boot recovery failed")
	} else if report.Pending > 0 {
		log.WithField("pending", report.Pending).Warn("some leftover containers could not be cleaned; they remain queued for reaping")
	}

	scheduler.NewRunner(svc, purger, schedulerOptions(cfg), log).Start(ctx)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     api.NewRouter(cfg, svc, log),
		ReadTimeout: 30 * time.Second,
		// Deletes wait for the container stop grace period before responding.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithFields(logrus.Fields{
		"addr":     cfg.ListenAddr,
		"engine":   cfg.Engine,
		"max_labs": cfg.MaxConcurrentLabs,
		"ports":    []int{cfg.PortRangeStart, cfg.PortRangeEnd},
	}).Info("course-creator-labs listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}

	teardownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := svc.Shutdown(teardownCtx); err != nil {
		log.WithError(err).Warn("lab service shutdown incomplete")
	}
	log.Info("course-creator-labs stopped")
}

func applyFlags(cfg *config.Config, listenAddr, labTypesFile string) {
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if labTypesFile != "" {
		cfg.LabTypesFile = labTypesFile
	}
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func buildCatalog(cfg config.Config) (*labtype.Catalog, error) {
	catalog, err := labtype.Load(cfg.LabTypesFile)
	if err != nil {
		return nil, err
	}
	if len(cfg.DefaultPackages) > 0 {
		catalog = catalog.WithDefaultPackages(cfg.DefaultPackages)
	}
	return catalog, nil
}

func serviceOptions(cfg config.Config) lab.Options {
	return lab.Options{
		PublicHost:     cfg.PublicHost,
		StorageRoot:    cfg.StorageRoot,
		DefaultTimeout: cfg.DefaultTimeout(),
		BuildWorkers:   cfg.BuildWorkers,
		PruneImages:    cfg.PruneImages,
		// Cleanup stops with the grace period and may retry a few times.
		TeardownTimeout: cfg.StopGrace() + 30*time.Second,
	}
}

func schedulerOptions(cfg config.Config) scheduler.Options {
	return scheduler.Options{
		MaxIdleHours:     cfg.MaxIdleHours,
		IdleInterval:     cfg.IdleSweepInterval,
		ExpiryInterval:   cfg.ExpirySweepInterval,
		CrashInterval:    cfg.CrashCheckInterval,
		OrphanInterval:   cfg.OrphanReapInterval,
		PurgeInterval:    cfg.JournalPurgeInterval,
		JournalRetention: cfg.JournalRetention,
	}
}
