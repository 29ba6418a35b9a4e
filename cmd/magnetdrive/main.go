package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/magnetdrive/internal/cleanup"
	"github.com/italolelis/magnetdrive/internal/cloud/gdrive"
	"github.com/italolelis/magnetdrive/internal/cloud/linkgen"
	"github.com/italolelis/magnetdrive/internal/cloud/putio"
	s3cloud "github.com/italolelis/magnetdrive/internal/cloud/s3"
	"github.com/italolelis/magnetdrive/internal/config"
	"github.com/italolelis/magnetdrive/internal/dc"
	"github.com/italolelis/magnetdrive/internal/dc/deluge"
	"github.com/italolelis/magnetdrive/internal/dc/qbittorrent"
	"github.com/italolelis/magnetdrive/internal/http/rest"
	"github.com/italolelis/magnetdrive/internal/logctx"
	"github.com/italolelis/magnetdrive/internal/notifier"
	"github.com/italolelis/magnetdrive/internal/queue"
	"github.com/italolelis/magnetdrive/internal/scheduler"
	"github.com/italolelis/magnetdrive/internal/status"
	"github.com/italolelis/magnetdrive/internal/storage"
	"github.com/italolelis/magnetdrive/internal/storage/mongo"
	"github.com/italolelis/magnetdrive/internal/storage/sqlite"
	"github.com/italolelis/magnetdrive/internal/telemetry"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	}

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})

	handler, shutdownLogs, err := telemetry.LogHandler(ctx, telCfg, base)
	if err != nil {
		slog.Error("log exporter error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	logger.Info("magnetdrive starting...",
		"log_level", cfg.LogLevel,
		"torrent_client", cfg.TorrentClient,
		"cloud_provider", cfg.CloudProvider,
		"store", cfg.StoreDriver,
	)

	err = run(logctx.WithLogger(ctx, logger), cfg, telCfg)

	if shutdownErr := shutdownLogs(context.Background()); shutdownErr != nil {
		logger.Error("failed to flush logs", "err", shutdownErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, telCfg telemetry.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()

	jobs := storage.NewInstrumentedJobStore(store, tel)

	// =========================================================================
	// Start Torrent Daemon
	driver, err := buildTorrentDriver(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to torrent daemon: %w", err)
	}

	guarded := dc.NewBreakerDriver(driver, dc.BreakerSettings{
		Name:        cfg.TorrentClient,
		MaxFailures: cfg.Daemon.MaxFailures,
		OpenTimeout: cfg.Daemon.OpenTimeout,
	})
	instrumentedDriver := transfer.NewInstrumentedTorrentDriver(guarded, tel, cfg.TorrentClient)

	// =========================================================================
	// Start Cloud Uploader
	uploader, err := buildUploader(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build cloud uploader: %w", err)
	}

	instrumentedUploader := transfer.NewInstrumentedUploader(uploader, tel, cfg.CloudProvider)

	// =========================================================================
	// Start Scheduler
	reconcile, err := scheduler.ParseReconcilePolicy(cfg.ReconcilePolicy)
	if err != nil {
		return err
	}

	q := queue.New(jobs, tel, queue.Options{
		Quota:          cfg.UserQuota,
		MaxPayloadSize: cfg.MaxPayloadSize,
	})

	sched := scheduler.New(q, jobs, instrumentedDriver, instrumentedUploader, tel, scheduler.Options{
		Capacity:       cfg.MaxActive,
		DownloadDir:    cfg.DownloadDir,
		PollInterval:   cfg.PollInterval,
		StallTimeout:   cfg.StallTimeout,
		StallCeiling:   cfg.StallCeiling,
		MaxPayloadSize: cfg.MaxPayloadSize,
		Reconcile:      reconcile,
	})

	reporter := status.NewReporter(jobs, q)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, tel, rest.NewJobsHandler(
		cfg.API.Username,
		cfg.API.Password,
		q,
		sched,
		reporter,
		instrumentedUploader,
	))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(ctx)
	})

	// =========================================================================
	// Start Notification
	g.Go(func() error {
		watchEvents(ctx, cfg, sched.Events())

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		cleanup.Run(ctx, jobs, cfg.DownloadDir, cfg.CleanupInterval, cfg.KeepDownloadedFor)

		return nil
	})

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for jobs...",
		"download_dir", cfg.DownloadDir,
		"max_active", cfg.MaxActive,
		"user_quota", cfg.UserQuota,
		"retention", cfg.KeepDownloadedFor.String(),
	)

	return g.Wait()
}

// buildStore is an abstract factory for the job store.
func buildStore(ctx context.Context, cfg *config.Config) (storage.JobStore, error) {
	switch cfg.StoreDriver {
	case "mongo":
		return mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
	case "sqlite":
		db, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			return nil, err
		}

		return sqlite.NewJobRepository(db), nil
	}

	return nil, fmt.Errorf("invalid store driver: %s", cfg.StoreDriver)
}

// buildTorrentDriver is an abstract factory for the torrent daemon driver.
// The returned driver is already authenticated.
func buildTorrentDriver(ctx context.Context, cfg *config.Config) (transfer.TorrentDriver, error) {
	switch cfg.TorrentClient {
	case "qbittorrent":
		c := qbittorrent.NewClient(cfg.Qbittorrent.URL, cfg.Qbittorrent.Username, cfg.Qbittorrent.Password, cfg.Qbittorrent.Insecure)

		return c, dc.Connect(ctx, c, cfg.Daemon.ConnectTimeout)
	case "deluge":
		c := deluge.NewClient(cfg.Deluge.BaseURL, cfg.Deluge.APIURLPath, cfg.Deluge.Password, cfg.Deluge.Insecure)

		return c, dc.Connect(ctx, c, cfg.Daemon.ConnectTimeout)
	}

	return nil, fmt.Errorf("invalid torrent client: %s", cfg.TorrentClient)
}

// buildUploader is an abstract factory for the cloud uploader.
func buildUploader(ctx context.Context, cfg *config.Config) (transfer.CloudUploader, error) {
	var (
		uploader transfer.CloudUploader
		err      error
	)

	switch cfg.CloudProvider {
	case "gdrive":
		uploader, err = gdrive.NewUploader(ctx, gdrive.Config{
			CredentialsFile: cfg.Drive.CredentialsFile,
			ClientID:        cfg.Drive.ClientID,
			ClientSecret:    cfg.Drive.ClientSecret,
			RefreshToken:    cfg.Drive.RefreshToken,
			FolderID:        cfg.Drive.FolderID,
		})
	case "putio":
		p := putio.NewUploader(cfg.Putio.Token, cfg.Putio.Folder)
		if err := p.Authenticate(ctx); err != nil {
			return nil, err
		}

		uploader = p
	case "s3":
		uploader, err = s3cloud.NewUploader(ctx, s3cloud.Config{
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			LinkExpiry:     cfg.S3.LinkExpiry,
		})
	default:
		return nil, fmt.Errorf("invalid cloud provider: %s", cfg.CloudProvider)
	}

	if err != nil {
		return nil, err
	}

	if cfg.LinkServiceURL != "" {
		return linkgen.New(uploader, cfg.LinkServiceURL), nil
	}

	return uploader, nil
}

// watchEvents forwards terminal job events to Discord, or just drains them when no webhook is set.
func watchEvents(ctx context.Context, cfg *config.Config, events <-chan scheduler.Event) {
	if cfg.DiscordWebhookURL != "" {
		notifier.Watch(ctx, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL), events)

		return
	}

	logger := logctx.LoggerFromContext(ctx)

	for ev := range events {
		logger.Debug("job finished", "job_id", ev.Job.ID, "status", ev.Job.Status)
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, jobs *rest.JobsHandler) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/api", jobs.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, cfg.Telemetry.ServiceName),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
