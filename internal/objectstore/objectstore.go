// Package objectstore defines the remote blob store contract the reconciler
// drives, plus the backends that satisfy it. No backend offers deletion:
// remote blobs are kept forever once written.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/teledrive/internal/metrics"
)

// DefaultMaxPayload is the Bot API download ceiling; blobs above it could be
// stored but never fetched back.
const DefaultMaxPayload int64 = 20 << 20

var (
	ErrTransfer    = errors.New("remote transfer failed")
	ErrTooLarge    = errors.New("payload exceeds remote limit")
	ErrNotFound    = errors.New("remote object not found")
	ErrUnsupported = errors.New("unsupported remote store")
)

// Blob describes one upload. Open may be called more than once when a
// transfer is retried.
type Blob struct {
	Name     string
	MimeType string
	Size     int64
	Open     func() (io.ReadCloser, error)
	Metadata map[string]string
}

// Receipt identifies the stored copy. RemoteID is what Fetcher.Download
// accepts; TransferID is the backend's message or version identifier.
type Receipt struct {
	RemoteID   string `json:"remoteId"`
	TransferID string `json:"transferId,omitempty"`
}

type Store interface {
	Name() string
	MaxPayload() int64
	Upload(ctx context.Context, blob Blob) (Receipt, error)
}

type Fetcher interface {
	Download(ctx context.Context, remoteID string) (io.ReadCloser, error)
}

// TooLargeError reports a blob rejected before any bytes were sent.
type TooLargeError struct {
	Name  string
	Size  int64
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("%s: %d bytes exceeds limit of %d", e.Name, e.Size, e.Limit)
}

func (e *TooLargeError) Is(target error) bool {
	return target == ErrTooLarge
}

func checkSize(blob Blob, limit int64) error {
	if limit > 0 && blob.Size > limit {
		return &TooLargeError{Name: blob.Name, Size: blob.Size, Limit: limit}
	}
	if blob.Open == nil {
		return fmt.Errorf("%w: blob %s has no content", ErrTransfer, blob.Name)
	}
	return nil
}

// caption renders the name and metadata as the text stored next to the blob.
func caption(blob Blob, limit int) string {
	var b strings.Builder
	b.WriteString(blob.Name)
	keys := make([]string, 0, len(blob.Metadata))
	for k := range blob.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(blob.Metadata[k])
	}
	out := []rune(b.String())
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return string(out)
}

func recordTransfer(backend, operation string, start time.Time, err error) {
	metrics.RecordRemoteTransfer(backend, operation, time.Since(start), err == nil)
}
