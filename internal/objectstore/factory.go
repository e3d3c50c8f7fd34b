package objectstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Options carries settings that do not belong in a DSN, mostly secrets.
type Options struct {
	TelegramToken   string
	TelegramAPIBase string
	HTTPTimeout     time.Duration
	MaxPayload      int64
	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	GCSCredentials  string
	Logger          *zap.Logger
}

// Build constructs a remote store from a DSN:
//
//	telegram://<chat-id>
//	s3://<bucket>/<prefix>?path_style=true
//	gs://<bucket>/<prefix>
//	memory://
func Build(ctx context.Context, dsn string, opts Options) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty remote DSN", ErrUnsupported)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "telegram", "tg":
		chatID := parsed.Host
		if chatID == "" {
			chatID = strings.Trim(parsed.Path, "/")
		}
		var httpClient *http.Client
		if opts.HTTPTimeout > 0 {
			httpClient = &http.Client{Timeout: opts.HTTPTimeout}
		}
		return NewTelegramStore(TelegramOptions{
			Token:      opts.TelegramToken,
			ChatID:     chatID,
			APIBase:    opts.TelegramAPIBase,
			HTTPClient: httpClient,
			MaxPayload: opts.MaxPayload,
			Logger:     opts.Logger,
		})
	case "s3":
		pathStyle, _ := strconv.ParseBool(parsed.Query().Get("path_style"))
		if opts.S3Endpoint != "" && parsed.Query().Get("path_style") == "" {
			pathStyle = true
		}
		return NewS3Store(ctx, S3Options{
			Endpoint:   opts.S3Endpoint,
			Bucket:     parsed.Host,
			Prefix:     parsed.Path,
			Region:     opts.S3Region,
			AccessKey:  opts.S3AccessKey,
			SecretKey:  opts.S3SecretKey,
			PathStyle:  pathStyle,
			MaxPayload: opts.MaxPayload,
		})
	case "gs", "gcs":
		return NewGCSStore(ctx, GCSOptions{
			Bucket:          parsed.Host,
			Prefix:          parsed.Path,
			CredentialsFile: opts.GCSCredentials,
			MaxPayload:      opts.MaxPayload,
		})
	case "memory", "mem":
		return NewMemoryStore(opts.MaxPayload), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, parsed.Scheme)
	}
}
