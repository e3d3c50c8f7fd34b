package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"
)

// CachingFetcher keeps recently fetched blobs in memory and coalesces
// concurrent downloads of the same remote id into one transfer.
type CachingFetcher struct {
	inner    Fetcher
	maxBytes int64

	sf    singleflight.Group
	mu    sync.Mutex
	cache map[string][]byte
	order []string
	used  int64
}

func NewCachingFetcher(inner Fetcher, maxBytes int64) *CachingFetcher {
	if maxBytes <= 0 {
		maxBytes = 4 * DefaultMaxPayload
	}
	return &CachingFetcher{
		inner:    inner,
		maxBytes: maxBytes,
		cache:    map[string][]byte{},
	}
}

// Fetch returns the whole blob. Callers must not modify the returned slice.
func (c *CachingFetcher) Fetch(ctx context.Context, remoteID string) ([]byte, error) {
	c.mu.Lock()
	if data, ok := c.cache[remoteID]; ok {
		c.mu.Unlock()
		return data, nil
	}
	c.mu.Unlock()

	result, err, _ := c.sf.Do(remoteID, func() (interface{}, error) {
		body, err := c.inner.Download(ctx, remoteID)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		data, err := io.ReadAll(io.LimitReader(body, c.maxBytes+1))
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrTransfer, remoteID, err)
		}
		if int64(len(data)) > c.maxBytes {
			return nil, &TooLargeError{Name: remoteID, Size: int64(len(data)), Limit: c.maxBytes}
		}
		c.store(remoteID, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (c *CachingFetcher) Download(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	data, err := c.Fetch(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// store inserts data, evicting the oldest entries until it fits.
func (c *CachingFetcher) store(remoteID string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache[remoteID]; ok {
		return
	}
	size := int64(len(data))
	for c.used+size > c.maxBytes && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		c.used -= int64(len(c.cache[oldest]))
		delete(c.cache, oldest)
	}
	c.cache[remoteID] = data
	c.order = append(c.order, remoteID)
	c.used += size
}
