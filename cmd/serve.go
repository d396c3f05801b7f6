package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leadharvest/harvester/internal/api"
	gcsarchive "github.com/leadharvest/harvester/internal/archive/gcs"
	memarchive "github.com/leadharvest/harvester/internal/archive/memory"
	"github.com/leadharvest/harvester/internal/campaign"
	"github.com/leadharvest/harvester/internal/clock/system"
	"github.com/leadharvest/harvester/internal/config"
	"github.com/leadharvest/harvester/internal/discovery"
	"github.com/leadharvest/harvester/internal/engine"
	collyfetcher "github.com/leadharvest/harvester/internal/fetcher/colly"
	"github.com/leadharvest/harvester/internal/fetcher/headless"
	"github.com/leadharvest/harvester/internal/guard"
	"github.com/leadharvest/harvester/internal/hash/sha256"
	"github.com/leadharvest/harvester/internal/id/uuid"
	"github.com/leadharvest/harvester/internal/logging"
	"github.com/leadharvest/harvester/internal/metrics"
	"github.com/leadharvest/harvester/internal/progress"
	"github.com/leadharvest/harvester/internal/progress/sinks"
	mempub "github.com/leadharvest/harvester/internal/publisher/memory"
	pubsubpub "github.com/leadharvest/harvester/internal/publisher/pubsub"
	"github.com/leadharvest/harvester/internal/report"
	"github.com/leadharvest/harvester/internal/scheduler"
	"github.com/leadharvest/harvester/internal/scraper"
	memstore "github.com/leadharvest/harvester/internal/store/memory"
	pgstore "github.com/leadharvest/harvester/internal/store/postgres"
	"github.com/leadharvest/harvester/internal/vpn"
)

// taskStore is the persistence surface serve wires up; both backends
// implement it.
type taskStore interface {
	engine.TaskStore
	Close()
}

// newServeCmd creates the 'serve' subcommand, which runs the HTTP service
// until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the harvester HTTP service",
		Long: `Wires the scheduler, discovery pool, campaign controller, and rate
limit guard behind the HTTP API and serves until SIGINT/SIGTERM.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	metrics.Init()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	clock := system.New()
	ids := uuid.New()
	hasher := sha256.New()

	rotator := vpn.New(vpn.Config{
		ControlURL: cfg.VPN.ControlURL,
		Timeout:    time.Duration(cfg.VPN.TimeoutSeconds) * time.Second,
	})
	g := guard.New(guard.Config{
		RotationThreshold: cfg.Guard.RotationThreshold,
		DomainRPS:         cfg.Guard.DomainRPS,
		DomainBurst:       cfg.Guard.DomainBurst,
	}, rotator, logger)

	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Fetcher.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})
	var renderer engine.PageFetcher
	if cfg.Fetcher.HeadlessEnabled {
		hf, err := headless.New(headless.Config{
			MaxParallel:       cfg.Fetcher.MaxParallel,
			UserAgent:         cfg.Fetcher.UserAgent,
			NavigationTimeout: time.Duration(cfg.Discovery.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("init headless fetcher: %w", err)
		}
		defer hf.Close()
		renderer = hf
	}

	publisher, pubClose, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pubClose()

	archive, err := buildArchive(ctx, cfg, logger)
	if err != nil {
		return err
	}

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: logger}, sinks.NewLogSink(logger), promSink)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close", zap.Error(err))
		}
	}()

	skip := discovery.NewSkipMatcher(cfg.Discovery.SkipDomains)
	var searchFetcher engine.PageFetcher = probe
	if renderer != nil {
		searchFetcher = renderer
	}
	search, err := scraper.New(scraper.Config{}, scraper.Deps{
		Fetcher: searchFetcher,
		Guard:   g,
		Skip:    skip,
		IDs:     ids,
		Clock:   clock,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("init scraper: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		MaxConcurrentTasks: cfg.Scheduler.MaxConcurrentTasks,
		WaitPollInterval:   cfg.WaitPollInterval(),
		WaitMaxChecks:      cfg.Scheduler.WaitMaxChecks,
	}, scheduler.Deps{
		Store:     store,
		Scraper:   search,
		IDs:       ids,
		Clock:     clock,
		Emitter:   hub,
		Publisher: publisher,
		Topic:     cfg.PubSub.TopicName,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	pool, err := discovery.NewPool(discovery.Config{
		Workers:            cfg.Discovery.Workers,
		MaxRetries:         cfg.Discovery.MaxRetries,
		BackoffMin:         time.Duration(cfg.Discovery.BackoffMinMs) * time.Millisecond,
		BackoffMax:         time.Duration(cfg.Discovery.BackoffMaxMs) * time.Millisecond,
		ContactPaths:       cfg.Discovery.ContactPaths,
		DenyPatterns:       cfg.Discovery.DenyPatterns,
		SkipDomains:        cfg.Discovery.SkipDomains,
		NavTimeout:         time.Duration(cfg.Discovery.NavTimeoutSec) * time.Second,
		PromotionThreshold: cfg.Discovery.PromotionThresh,
	}, discovery.Deps{
		Store:    store,
		Probe:    probe,
		Headless: renderer,
		Guard:    g,
		Archive:  archive,
		Hasher:   hasher,
		Emitter:  hub,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("init discovery pool: %w", err)
	}

	campaigns, err := campaign.New(campaign.Config{}, campaign.Deps{
		Runner:    sched,
		Discovery: pool,
		Store:     store,
		IDs:       ids,
		Clock:     clock,
		Emitter:   hub,
		Publisher: publisher,
		Topic:     cfg.PubSub.TopicName,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init campaign controller: %w", err)
	}

	reporter := report.New(sched, pool, campaigns, g, clock)
	server := api.NewServer(sched, campaigns, pool, reporter, store, cfg, logger)

	sched.Start(ctx)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		pool.Stop()
	}

	stop()
	sched.Wait()
	logger.Info("serve command finished")
	return nil
}

func buildStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (taskStore, error) {
	if cfg.DB.DSN == "" {
		logger.Info("using in-memory task store")
		return memstore.New(), nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxOpenConns),
	})
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	logger.Info("using postgres task store")
	return store, nil
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (engine.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" {
		logger.Info("using in-memory publisher")
		return mempub.New(), func() {}, nil
	}
	client, err := gcpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("init pubsub client: %w", err)
	}
	pub, err := pubsubpub.New(client)
	if err != nil {
		return nil, nil, fmt.Errorf("init publisher: %w", err)
	}
	closeFn := func() {
		pub.Close()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub client close", zap.Error(err))
		}
	}
	logger.Info("using pubsub publisher", zap.String("project", cfg.PubSub.ProjectID))
	return pub, closeFn, nil
}

func buildArchive(ctx context.Context, cfg config.Config, logger *zap.Logger) (engine.SnapshotStore, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	if cfg.Archive.GCSBucket == "" {
		logger.Info("using in-memory snapshot archive")
		return memarchive.New(), nil
	}
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("init gcs client: %w", err)
	}
	store, err := gcsarchive.New(client, gcsarchive.Config{
		Bucket: cfg.Archive.GCSBucket,
		Prefix: cfg.Archive.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("init gcs archive: %w", err)
	}
	logger.Info("using gcs snapshot archive", zap.String("bucket", cfg.Archive.GCSBucket))
	return store, nil
}
