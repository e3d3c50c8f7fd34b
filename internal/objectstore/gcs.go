package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

type GCSOptions struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	MaxPayload      int64
}

// GCSStore writes blobs as objects in one Cloud Storage bucket.
type GCSStore struct {
	client     *storage.Client
	bucket     string
	prefix     string
	maxPayload int64
}

func NewGCSStore(ctx context.Context, opts GCSOptions) (*GCSStore, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	maxPayload := opts.MaxPayload
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &GCSStore{
		client:     client,
		bucket:     opts.Bucket,
		prefix:     strings.Trim(opts.Prefix, "/"),
		maxPayload: maxPayload,
	}, nil
}

func (s *GCSStore) Name() string { return "gcs" }

func (s *GCSStore) MaxPayload() int64 { return s.maxPayload }

func (s *GCSStore) Upload(ctx context.Context, blob Blob) (Receipt, error) {
	if err := checkSize(blob, s.maxPayload); err != nil {
		return Receipt{}, err
	}
	content, err := blob.Open()
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: open %s: %v", ErrTransfer, blob.Name, err)
	}
	defer content.Close()

	key := blob.Metadata["sha256"]
	if key == "" {
		key = uuid.NewString()
	}
	name := path.Join(s.prefix, key, path.Base("/"+blob.Name))

	start := time.Now()
	obj := s.client.Bucket(s.bucket).Object(name)
	w := obj.NewWriter(ctx)
	w.ContentType = blob.MimeType
	w.Metadata = blob.Metadata
	_, copyErr := io.Copy(w, content)
	closeErr := w.Close()
	err = errors.Join(copyErr, closeErr)
	if err != nil {
		recordTransfer(s.Name(), "upload", start, err)
		return Receipt{}, fmt.Errorf("%w: write %s: %v", ErrTransfer, name, err)
	}
	recordTransfer(s.Name(), "upload", start, nil)
	attrs := w.Attrs()
	receipt := Receipt{RemoteID: name}
	if attrs != nil {
		receipt.TransferID = strconv.FormatInt(attrs.Generation, 10)
	}
	return receipt, nil
}

func (s *GCSStore) Download(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	start := time.Now()
	r, err := s.client.Bucket(s.bucket).Object(remoteID).NewReader(ctx)
	recordTransfer(s.Name(), "download", start, err)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, remoteID)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrTransfer, remoteID, err)
	}
	return r, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
