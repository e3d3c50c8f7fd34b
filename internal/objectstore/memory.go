package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// MemoryStore keeps blobs in process. It backs memory:// DSNs and tests,
// and can be told to fail uploads.
type MemoryStore struct {
	mu         sync.Mutex
	maxPayload int64
	blobs      map[string][]byte
	uploads    []Upload
	failNext   int
	failNames  map[string]error
	delay      time.Duration
	seq        int64
}

// Upload is one accepted transfer, kept for inspection.
type Upload struct {
	Name     string
	Size     int64
	Receipt  Receipt
	Metadata map[string]string
}

func NewMemoryStore(maxPayload int64) *MemoryStore {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &MemoryStore{
		maxPayload: maxPayload,
		blobs:      map[string][]byte{},
		failNames:  map[string]error{},
	}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) MaxPayload() int64 { return s.maxPayload }

// FailNext makes the next n uploads fail with ErrTransfer.
func (s *MemoryStore) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// FailName makes every upload of name fail with err until cleared with nil.
func (s *MemoryStore) FailName(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failNames, name)
		return
	}
	s.failNames[name] = err
}

// SetDelay slows each upload down, honoring context cancellation.
func (s *MemoryStore) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

func (s *MemoryStore) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

func (s *MemoryStore) Upload(ctx context.Context, blob Blob) (Receipt, error) {
	start := time.Now()
	receipt, err := s.upload(ctx, blob)
	recordTransfer(s.Name(), "upload", start, err)
	return receipt, err
}

func (s *MemoryStore) upload(ctx context.Context, blob Blob) (Receipt, error) {
	if err := checkSize(blob, s.maxPayload); err != nil {
		return Receipt{}, err
	}
	s.mu.Lock()
	delay := s.delay
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w: injected failure for %s", ErrTransfer, blob.Name)
	}
	if err, ok := s.failNames[blob.Name]; ok {
		s.mu.Unlock()
		return Receipt{}, err
	}
	s.mu.Unlock()

	if err := waitWithContext(ctx, delay); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	content, err := blob.Open()
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: open %s: %v", ErrTransfer, blob.Name, err)
	}
	defer content.Close()
	data, err := io.ReadAll(content)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: read %s: %v", ErrTransfer, blob.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	receipt := Receipt{
		RemoteID:   "mem-" + strconv.FormatInt(s.seq, 10),
		TransferID: strconv.FormatInt(s.seq, 10),
	}
	s.blobs[receipt.RemoteID] = data
	meta := make(map[string]string, len(blob.Metadata))
	for k, v := range blob.Metadata {
		meta[k] = v
	}
	s.uploads = append(s.uploads, Upload{Name: blob.Name, Size: int64(len(data)), Receipt: receipt, Metadata: meta})
	return receipt, nil
}

func (s *MemoryStore) Download(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[remoteID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, remoteID)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
