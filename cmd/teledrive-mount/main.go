package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/teledrive/internal/config"
	"github.com/agentworkforce/teledrive/internal/logging"
	"github.com/agentworkforce/teledrive/internal/mount"
	"github.com/agentworkforce/teledrive/internal/objectstore"
	"github.com/agentworkforce/teledrive/internal/teledrive"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "teledrive-mount: %v\n", err)
		os.Exit(2)
	}
	mountDir := flag.String("mount-dir", cfg.MountDir, "directory to mount the drive on")
	metadataDSN := flag.String("metadata-dsn", cfg.MetadataDSN, "metadata store DSN")
	remoteDSN := flag.String("remote-dsn", cfg.RemoteDSN, "remote store DSN used to fetch blobs")
	interval := flag.Duration("interval", cfg.MountRefresh, "metadata refresh interval")
	intervalJitter := flag.Float64("interval-jitter", cfg.MountRefreshJitter, "refresh interval jitter ratio (0.0-1.0)")
	allowOther := flag.Bool("allow-other", false, "let other users read the mount")
	debug := flag.Bool("debug", false, "log FUSE requests")
	once := flag.Bool("once", false, "load metadata once and serve it without refreshing")
	flag.Parse()

	if err := logging.Init(cfg.LoggingConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "teledrive-mount: init logging: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logging.Sync() }()
	logger := logging.Named("mount")

	if strings.TrimSpace(*mountDir) == "" {
		logger.Fatal("mount-dir is required (--mount-dir or TELEDRIVE_MOUNT_DIR)")
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var fetcher objectstore.Fetcher
	if *remoteDSN != "" {
		remote, err := objectstore.Build(rootCtx, *remoteDSN, cfg.RemoteOptions())
		if err != nil {
			logger.Fatal("remote store", logging.Err(err))
		}
		f, ok := remote.(objectstore.Fetcher)
		if !ok {
			logger.Fatal("remote store cannot download", zap.String("backend", remote.Name()))
		}
		fetcher = objectstore.NewCachingFetcher(f, cfg.CacheBytes)
	}

	load := func() (*teledrive.Drive, error) {
		return openReadOnly(*metadataDSN, fetcher, logger)
	}
	drive, err := load()
	if err != nil {
		logger.Fatal("load metadata", logging.Err(err))
	}
	view := mount.NewView(drive, logger)
	server, err := mount.Mount(*mountDir, view, mount.Options{
		EntryTimeout: *interval,
		AllowOther:   *allowOther,
		Debug:        *debug,
	})
	if err != nil {
		logger.Fatal("mount failed", logging.Err(err))
	}
	logger.Info("mounted", logging.Path(*mountDir))

	go func() {
		<-rootCtx.Done()
		logger.Info("unmounting", zap.String("reason", rootCtx.Err().Error()))
		if err := server.Unmount(); err != nil {
			logger.Warn("unmount failed", logging.Err(err))
		}
	}()

	if !*once {
		go refreshLoop(rootCtx, view, load, *interval, *intervalJitter, logger)
	}
	server.Wait()
	if current := view.Swap(nil); current != nil {
		_ = current.Close()
	}
}

func openReadOnly(dsn string, fetcher objectstore.Fetcher, logger *zap.Logger) (*teledrive.Drive, error) {
	store, err := teledrive.BuildMetadataStoreFromDSN(dsn, logger)
	if err != nil {
		return nil, err
	}
	return teledrive.OpenDrive(teledrive.DriveOptions{
		Store:    store,
		Fetcher:  fetcher,
		ReadOnly: true,
		Logger:   logger,
	})
}

// refreshLoop reloads metadata on a jittered interval so several mounts of
// the same store do not hit it in lockstep.
func refreshLoop(ctx context.Context, view *mount.View, load func() (*teledrive.Drive, error), interval time.Duration, jitter float64, logger *zap.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := refresh(view, load); err != nil {
				logger.Warn("metadata refresh failed", logging.Err(err))
			} else {
				logger.Debug("metadata refreshed")
			}
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

// refresh keeps serving the previous snapshot when the reload fails.
func refresh(view *mount.View, load func() (*teledrive.Drive, error)) error {
	next, err := load()
	if err != nil {
		return err
	}
	if prev := view.Swap(next); prev != nil {
		return prev.Close()
	}
	return nil
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
