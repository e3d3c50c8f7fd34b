// Package config reads teledrive settings from TELEDRIVE_* environment
// variables. Binaries apply flag overrides on top of the loaded values.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/teledrive/internal/logging"
	"github.com/agentworkforce/teledrive/internal/objectstore"
	"github.com/agentworkforce/teledrive/internal/teledrive"
)

const envPrefix = "TELEDRIVE_"

type Config struct {
	ListenAddr  string
	MetricsAddr string
	DataDir     string

	Profile     string
	MetadataDSN string
	PendingDir  string
	CacheDir    string
	MountDir    string

	MountRefresh       time.Duration
	MountRefreshJitter float64

	RemoteDSN       string
	TelegramToken   string
	TelegramAPIBase string
	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	GCSCredentials  string

	MaxPayload      int64
	Concurrency     int
	TransferTimeout time.Duration
	ImportFolder    string
	SystemOwner     string

	Debounce      time.Duration
	FlushInterval time.Duration
	ShareTTL      time.Duration

	ReconcileSchedule string
	WatchPending      bool
	WatchQuietPeriod  time.Duration
	CacheBytes        int64

	JWTSecret    string
	MaxBodyBytes int64

	LogLevel  string
	LogFormat string
}

// Load reads the environment. Values that fail to parse fall back to their
// defaults with a warning; Validate catches combinations that cannot work.
func Load() (*Config, error) {
	dataDir := envOr("DATA_DIR", ".teledrive")
	cfg := &Config{
		ListenAddr:  envOr("ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		DataDir:     dataDir,

		Profile:     strings.ToLower(envOr("PROFILE", "local")),
		MetadataDSN: envOr("METADATA_DSN", ""),
		PendingDir:  envOr("PENDING_DIR", filepath.Join(dataDir, "uploads")),
		CacheDir:    envOr("CACHE_DIR", filepath.Join(dataDir, "cache")),
		MountDir:    envOr("MOUNT_DIR", ""),

		MountRefresh:       envDuration("MOUNT_REFRESH", 30*time.Second),
		MountRefreshJitter: envFloat("MOUNT_REFRESH_JITTER", 0.2),

		RemoteDSN:       envOr("REMOTE_DSN", ""),
		TelegramToken:   envOr("TELEGRAM_TOKEN", ""),
		TelegramAPIBase: envOr("TELEGRAM_API_BASE", ""),
		S3Endpoint:      envOr("S3_ENDPOINT", ""),
		S3Region:        envOr("S3_REGION", ""),
		S3AccessKey:     envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:     envOr("S3_SECRET_KEY", ""),
		GCSCredentials:  envOr("GCS_CREDENTIALS_FILE", ""),

		MaxPayload:      envInt64("MAX_PAYLOAD_BYTES", objectstore.DefaultMaxPayload),
		Concurrency:     envInt("CONCURRENCY", 2),
		TransferTimeout: envDuration("TRANSFER_TIMEOUT", teledrive.DefaultTransferTimeout),
		ImportFolder:    envOr("IMPORT_FOLDER", teledrive.DefaultImportFolder),
		SystemOwner:     envOr("SYSTEM_OWNER", teledrive.DefaultSystemOwner),

		Debounce:      envDuration("PERSIST_DEBOUNCE", teledrive.DefaultDebounce),
		FlushInterval: envDuration("PERSIST_FLUSH_INTERVAL", teledrive.DefaultFlushInterval),
		ShareTTL:      envDuration("SHARE_TTL", teledrive.DefaultShareTTL),

		ReconcileSchedule: envOr("RECONCILE_SCHEDULE", "@every 1h"),
		WatchPending:      envBool("WATCH_PENDING", true),
		WatchQuietPeriod:  envDuration("WATCH_QUIET_PERIOD", 5*time.Second),
		CacheBytes:        envInt64("CACHE_BYTES", 4*objectstore.DefaultMaxPayload),

		JWTSecret:    envOr("JWT_SECRET", ""),
		MaxBodyBytes: envInt64("MAX_BODY_BYTES", 1<<20),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "json"),
	}
	if cfg.MetadataDSN == "" {
		dsn, err := profileMetadataDSN(cfg.Profile, dataDir)
		if err != nil {
			return nil, err
		}
		cfg.MetadataDSN = dsn
	}
	return cfg, nil
}

// profileMetadataDSN picks the metadata store when no DSN is given.
func profileMetadataDSN(profile, dataDir string) (string, error) {
	switch profile {
	case "", "local", "durable-local":
		return "file://" + filepath.Join(dataDir, "data"), nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := envOr("POSTGRES_DSN", "")
		if dsn == "" {
			return "", fmt.Errorf("%sPOSTGRES_DSN or %sMETADATA_DSN is required when %sPROFILE=%s", envPrefix, envPrefix, envPrefix, profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported %sPROFILE: %s", envPrefix, profile)
	}
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.PendingDir) == "" {
		errs = append(errs, fmt.Errorf("%sPENDING_DIR is required", envPrefix))
	}
	if strings.TrimSpace(c.MetadataDSN) == "" {
		errs = append(errs, fmt.Errorf("%sMETADATA_DSN is required", envPrefix))
	}
	if c.MaxPayload <= 0 {
		errs = append(errs, fmt.Errorf("%sMAX_PAYLOAD_BYTES must be positive", envPrefix))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("%sCONCURRENCY must be positive", envPrefix))
	}
	if c.RemoteDSN != "" {
		parsed, err := url.Parse(c.RemoteDSN)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sREMOTE_DSN: %w", envPrefix, err))
		} else if scheme := strings.ToLower(parsed.Scheme); (scheme == "telegram" || scheme == "tg") && c.TelegramToken == "" {
			errs = append(errs, fmt.Errorf("%sTELEGRAM_TOKEN is required for a telegram remote", envPrefix))
		}
	}
	return errors.Join(errs...)
}

// RemoteOptions carries the secrets objectstore.Build needs.
func (c *Config) RemoteOptions() objectstore.Options {
	return objectstore.Options{
		TelegramToken:   c.TelegramToken,
		TelegramAPIBase: c.TelegramAPIBase,
		HTTPTimeout:     c.TransferTimeout,
		MaxPayload:      c.MaxPayload,
		S3Endpoint:      c.S3Endpoint,
		S3Region:        c.S3Region,
		S3AccessKey:     c.S3AccessKey,
		S3SecretKey:     c.S3SecretKey,
		GCSCredentials:  c.GCSCredentials,
		Logger:          logging.Named("remote"),
	}
}

func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.LogLevel, Format: c.LogFormat}
}

func envOr(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(envPrefix + name))
	if value == "" {
		return fallback
	}
	return value
}

func envInt(name string, fallback int) int {
	raw := envOr(name, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logging.S().Warnf("invalid %s%s=%q, using fallback %d", envPrefix, name, raw, fallback)
		return fallback
	}
	return value
}

func envInt64(name string, fallback int64) int64 {
	raw := envOr(name, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logging.S().Warnf("invalid %s%s=%q, using fallback %d", envPrefix, name, raw, fallback)
		return fallback
	}
	return value
}

func envBool(name string, fallback bool) bool {
	raw := envOr(name, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logging.S().Warnf("invalid %s%s=%q, using fallback %t", envPrefix, name, raw, fallback)
		return fallback
	}
	return value
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := envOr(name, "")
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logging.S().Warnf("invalid %s%s=%q, using fallback %s", envPrefix, name, raw, fallback)
		return fallback
	}
	return value
}

func envFloat(name string, fallback float64) float64 {
	raw := envOr(name, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logging.S().Warnf("invalid %s%s=%q, using fallback %f", envPrefix, name, raw, fallback)
		return fallback
	}
	return value
}
