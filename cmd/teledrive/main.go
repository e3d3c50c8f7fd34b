package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/teledrive/internal/config"
	"github.com/agentworkforce/teledrive/internal/events"
	"github.com/agentworkforce/teledrive/internal/httpapi"
	"github.com/agentworkforce/teledrive/internal/logging"
	"github.com/agentworkforce/teledrive/internal/metrics"
	"github.com/agentworkforce/teledrive/internal/objectstore"
	"github.com/agentworkforce/teledrive/internal/scheduler"
	"github.com/agentworkforce/teledrive/internal/teledrive"
	"github.com/agentworkforce/teledrive/internal/watcher"
)

func main() {
	once := flag.Bool("once", false, "run one reconcile pass, flush metadata and exit")
	issueToken := flag.Bool("issue-token", false, "print an API token signed with TELEDRIVE_JWT_SECRET and exit")
	tokenScopes := flag.String("token-scopes", "fs:read,fs:write,share:write,sync:run", "comma separated scopes for -issue-token")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the token printed by -issue-token")
	tokenSubject := flag.String("token-subject", "", "subject claim for -issue-token")
	addr := flag.String("addr", "", "API listen address (overrides TELEDRIVE_ADDR)")
	pendingDir := flag.String("pending-dir", "", "pending upload directory (overrides TELEDRIVE_PENDING_DIR)")
	logLevel := flag.String("log-level", "", "log level (overrides TELEDRIVE_LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "teledrive: %v\n", err)
		os.Exit(2)
	}
	applyFlagOverrides(cfg, *addr, *pendingDir, *logLevel)
	if err := logging.Init(cfg.LoggingConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "teledrive: init logging: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logging.Sync() }()
	logger := logging.Named("main")

	if *issueToken {
		token, err := httpapi.SignToken(cfg.JWTSecret, *tokenSubject, splitScopes(*tokenScopes), *tokenTTL, time.Now())
		if err != nil {
			logger.Fatal("issue token", logging.Err(err))
		}
		fmt.Println(token)
		return
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", logging.Err(err))
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBroadcaster()
	drive, err := buildDrive(rootCtx, cfg, bus)
	if err != nil {
		logger.Fatal("failed to open drive", logging.Err(err))
	}

	if *once {
		summary, err := runOnce(rootCtx, drive)
		closeErr := drive.Close()
		if err != nil {
			logger.Fatal("reconcile failed", logging.Err(err))
		}
		if closeErr != nil {
			logger.Fatal("flush metadata", logging.Err(closeErr))
		}
		if summary.Errored > 0 {
			logger.Warn("reconcile finished with failures", zap.Int("errored", summary.Errored))
			os.Exit(1)
		}
		return
	}

	if err := serve(rootCtx, cfg, drive, bus, logger); err != nil {
		logger.Error("server stopped", logging.Err(err))
	}
	if err := drive.Close(); err != nil {
		logger.Error("close drive", logging.Err(err))
	}
}

func applyFlagOverrides(cfg *config.Config, addr, pendingDir, logLevel string) {
	if addr = strings.TrimSpace(addr); addr != "" {
		cfg.ListenAddr = addr
	}
	if pendingDir = strings.TrimSpace(pendingDir); pendingDir != "" {
		cfg.PendingDir = pendingDir
	}
	if logLevel = strings.TrimSpace(logLevel); logLevel != "" {
		cfg.LogLevel = logLevel
	}
}

func splitScopes(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
}

// buildDrive opens the metadata store and the remote named by cfg. A drive
// without a remote still serves the hierarchy but never reconciles.
func buildDrive(ctx context.Context, cfg *config.Config, bus *events.Broadcaster) (*teledrive.Drive, error) {
	store, err := teledrive.BuildMetadataStoreFromDSN(cfg.MetadataDSN, logging.Named("metadata"))
	if err != nil {
		return nil, fmt.Errorf("metadata store: %w", err)
	}
	var remote objectstore.Store
	var fetcher objectstore.Fetcher
	if cfg.RemoteDSN != "" {
		remote, err = objectstore.Build(ctx, cfg.RemoteDSN, cfg.RemoteOptions())
		if err != nil {
			return nil, fmt.Errorf("remote store: %w", err)
		}
		if f, ok := remote.(objectstore.Fetcher); ok && cfg.CacheBytes > 0 {
			fetcher = objectstore.NewCachingFetcher(f, cfg.CacheBytes)
		}
	}
	opts := teledrive.DriveOptions{
		Store:   store,
		Remote:  remote,
		Fetcher: fetcher,
		Logger:  logging.Named("drive"),
		Persister: teledrive.PersisterOptions{
			Debounce:      cfg.Debounce,
			FlushInterval: cfg.FlushInterval,
		},
		Reconciler: teledrive.ReconcilerOptions{
			PendingDir:      cfg.PendingDir,
			CacheDir:        cfg.CacheDir,
			Concurrency:     cfg.Concurrency,
			TransferTimeout: cfg.TransferTimeout,
			ImportFolder:    cfg.ImportFolder,
			SystemOwner:     cfg.SystemOwner,
		},
		Share: teledrive.ShareOptions{TTL: cfg.ShareTTL},
	}
	if bus != nil {
		opts.Reconciler.OnComplete = bus.PublishRun
	}
	return teledrive.OpenDrive(opts)
}

func runOnce(ctx context.Context, drive *teledrive.Drive) (teledrive.RunSummary, error) {
	rec := drive.Reconciler()
	if rec == nil {
		return teledrive.RunSummary{}, errors.New("-once needs TELEDRIVE_REMOTE_DSN and a pending directory")
	}
	metrics.RecordTrigger(scheduler.SourceStartup)
	return rec.Run(ctx)
}

// serve runs the API, the metrics endpoint, the cron schedule and the
// pending-dir watcher until ctx is canceled.
func serve(ctx context.Context, cfg *config.Config, drive *teledrive.Drive, bus *events.Broadcaster, logger *zap.Logger) error {
	serverCfg := httpapi.ServerConfig{
		JWTSecret:    cfg.JWTSecret,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Events:       bus,
	}
	var sched *scheduler.Scheduler
	if rec := drive.Reconciler(); rec != nil {
		var err error
		sched, err = scheduler.New(rec, cfg.ReconcileSchedule, scheduler.Options{})
		if err != nil {
			return err
		}
		serverCfg.Runs = sched
		sched.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.TransferTimeout+5*time.Second)
			defer cancel()
			if err := sched.Stop(stopCtx); err != nil {
				logger.Warn("scheduler did not stop cleanly", logging.Err(err))
			}
		}()
		go func() { _, _ = sched.Trigger(ctx, scheduler.SourceStartup) }()

		if cfg.WatchPending {
			w, err := watcher.New(rec.PendingDir(), func(ctx context.Context) {
				_, _ = sched.Trigger(ctx, scheduler.SourceWatcher)
			}, watcher.Options{QuietPeriod: cfg.WatchQuietPeriod})
			if err != nil {
				return err
			}
			go func() {
				if err := w.Run(ctx); err != nil {
					logger.Warn("pending watcher stopped", logging.Err(err))
				}
			}()
		}
	} else {
		logger.Warn("no remote store configured; reconcile disabled")
	}

	api := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.NewServer(drive, serverCfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{api}
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.ListenAddr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			logger.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", srv.Addr, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down", zap.String("reason", context.Cause(ctx).Error()))
	case runErr = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.String("addr", srv.Addr), logging.Err(err))
		}
	}
	return runErr
}
