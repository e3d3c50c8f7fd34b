package teledrive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/teledrive/internal/logging"
	"github.com/agentworkforce/teledrive/internal/metrics"
	"github.com/agentworkforce/teledrive/internal/objectstore"
)

const DefaultTransferTimeout = 60 * time.Second

type ReconcilerOptions struct {
	PendingDir      string
	CacheDir        string
	Concurrency     int
	TransferTimeout time.Duration
	ImportFolder    string
	SystemOwner     string
	Placeholders    []string
	Logger          *zap.Logger
	Clock           func() time.Time
	OnComplete      func(RunSummary)
}

// runPersister is the slice of *Persister the reconciler needs.
type runPersister interface {
	Hold()
	Release()
	Flush() error
}

type Failure struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// SizeStats describes the blobs moved in a run, in either direction.
type SizeStats struct {
	Total   int64 `json:"total"`
	Min     int64 `json:"min"`
	Max     int64 `json:"max"`
	Average int64 `json:"average"`
}

type RunSummary struct {
	RunID         string        `json:"runId"`
	StartedAt     time.Time     `json:"startedAt"`
	FinishedAt    time.Time     `json:"finishedAt"`
	Elapsed       time.Duration `json:"elapsedNs"`
	Scanned       int           `json:"scanned"`
	Uploaded      int           `json:"uploaded"`
	Downloaded    int           `json:"downloaded"`
	Skipped       int           `json:"skipped"`
	Errored       int           `json:"errored"`
	Synthesized   int           `json:"synthesized"`
	Relinked      int           `json:"relinked"`
	Cleaned       int           `json:"cleaned"`
	BytesUploaded int64         `json:"bytesUploaded"`
	BytesFreed    int64         `json:"bytesFreed"`
	// FileTypes counts scanned blobs by lower-cased extension.
	FileTypes map[string]int `json:"fileTypes,omitempty"`
	Sizes     SizeStats      `json:"sizes"`
	Failures  []Failure      `json:"failures,omitempty"`
	Canceled  bool           `json:"canceled,omitempty"`
}

func (s RunSummary) changedRecords() bool {
	return s.Uploaded+s.Downloaded+s.Skipped+s.Synthesized+s.Relinked+s.Cleaned > 0
}

func (s *RunSummary) countType(name string) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return
	}
	if s.FileTypes == nil {
		s.FileTypes = map[string]int{}
	}
	s.FileTypes[ext]++
}

func (s *RunSummary) recordTransferSize(size int64) {
	if s.Uploaded+s.Downloaded == 1 || size < s.Sizes.Min {
		s.Sizes.Min = size
	}
	if size > s.Sizes.Max {
		s.Sizes.Max = size
	}
	s.Sizes.Total += size
	s.Sizes.Average = s.Sizes.Total / int64(s.Uploaded+s.Downloaded)
}

// Reconciler moves blobs from the pending directory into the remote store and
// keeps the hierarchy's references in step. The goroutine running Run is the
// only one that mutates records; transfer workers only move bytes.
type Reconciler struct {
	h          *Hierarchy
	persister  runPersister
	remote     objectstore.Store
	pendingDir string
	cacheDir   string
	workers    int
	timeout    time.Duration
	importDir  string
	owner      string
	skipNames  map[string]struct{}
	clock      func() time.Time
	logger     *zap.Logger
	onComplete func(RunSummary)

	running atomic.Bool
	mu      sync.Mutex
	last    *RunSummary
}

func NewReconciler(h *Hierarchy, persister runPersister, remote objectstore.Store, opts ReconcilerOptions) (*Reconciler, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: hierarchy is required", ErrInvalidInput)
	}
	if remote == nil {
		return nil, fmt.Errorf("%w: remote store is required", ErrInvalidInput)
	}
	pendingRaw := strings.TrimSpace(opts.PendingDir)
	if pendingRaw == "" {
		return nil, fmt.Errorf("%w: pending dir is required", ErrInvalidInput)
	}
	pendingDir, err := filepath.Abs(pendingRaw)
	if err != nil {
		return nil, err
	}
	cacheDir := strings.TrimSpace(opts.CacheDir)
	if cacheDir != "" {
		if cacheDir, err = filepath.Abs(cacheDir); err != nil {
			return nil, err
		}
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	timeout := opts.TransferTimeout
	if timeout <= 0 {
		timeout = DefaultTransferTimeout
	}
	importDir := normalizePath(opts.ImportFolder)
	owner := strings.TrimSpace(opts.SystemOwner)
	if owner == "" {
		owner = DefaultSystemOwner
	}
	placeholders := opts.Placeholders
	if placeholders == nil {
		placeholders = []string{".gitkeep"}
	}
	skip := make(map[string]struct{}, len(placeholders))
	for _, name := range placeholders {
		skip[name] = struct{}{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(pendingDir, 0o755); err != nil {
		return nil, err
	}
	if persister != nil {
		if p, ok := persister.(*Persister); ok && p == nil {
			persister = nil
		}
	}
	return &Reconciler{
		h:          h,
		persister:  persister,
		remote:     remote,
		pendingDir: pendingDir,
		cacheDir:   cacheDir,
		workers:    workers,
		timeout:    timeout,
		importDir:  importDir,
		owner:      owner,
		skipNames:  skip,
		clock:      clock,
		logger:     logging.OrDefault(opts.Logger, "reconciler"),
		onComplete: opts.OnComplete,
	}, nil
}

func (r *Reconciler) PendingDir() string { return r.pendingDir }

// LastSummary returns the most recent completed run, if any.
func (r *Reconciler) LastSummary() (RunSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return RunSummary{}, false
	}
	return *r.last, true
}

type pendingBlob struct {
	name string
	path string
	size int64
	hash string
}

type uploadJob struct {
	fileID string
	blob   pendingBlob
	mime   string
	vpath  string
}

type uploadResult struct {
	job     uploadJob
	receipt objectstore.Receipt
	err     error
	timeout bool
}

// Run performs one reconcile pass. Per-blob failures are counted in the
// summary; the returned error is reserved for failures that stop the whole
// pass, such as an unreadable pending directory.
func (r *Reconciler) Run(ctx context.Context) (RunSummary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return RunSummary{}, ErrRunInProgress
	}
	defer r.running.Store(false)

	started := r.clock()
	summary := RunSummary{RunID: uuid.NewString(), StartedAt: started.UTC()}
	logger := r.logger.With(logging.RunID(summary.RunID))

	if r.persister != nil {
		r.persister.Hold()
	}
	runErr := r.run(ctx, &summary, logger)
	if r.persister != nil {
		r.persister.Release()
		if err := r.persister.Flush(); err != nil {
			logger.Warn("metadata flush after reconcile failed", logging.Err(err))
		}
	}

	finished := r.clock()
	summary.FinishedAt = finished.UTC()
	summary.Elapsed = finished.Sub(started)
	if summary.changedRecords() {
		r.h.MarkSynced(finished)
	}

	result := "ok"
	switch {
	case runErr != nil:
		result = "error"
	case summary.Canceled:
		result = "canceled"
	}
	metrics.RecordReconcileRun(result, summary.Elapsed, summary.BytesUploaded, summary.BytesFreed)
	logger.Info("reconcile run finished",
		zap.String("result", result),
		zap.Int("scanned", summary.Scanned),
		zap.Int("uploaded", summary.Uploaded),
		zap.Int("downloaded", summary.Downloaded),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errored", summary.Errored),
		zap.Int("synthesized", summary.Synthesized),
		zap.Int("relinked", summary.Relinked),
		zap.Int("cleaned", summary.Cleaned),
		logging.Bytes("bytes_freed", summary.BytesFreed),
		zap.Duration("elapsed", summary.Elapsed),
	)

	if runErr == nil {
		r.mu.Lock()
		last := summary
		r.last = &last
		r.mu.Unlock()
		if r.onComplete != nil {
			r.onComplete(summary)
		}
	}
	return summary, runErr
}

func (r *Reconciler) run(ctx context.Context, summary *RunSummary, logger *zap.Logger) error {
	blobs, err := r.scanPending()
	if err != nil {
		return fmt.Errorf("scan pending dir: %w", err)
	}

	idx := r.indexRecords()

	var queue []uploadJob
	var zeroByte []pendingBlob
	limit := r.remote.MaxPayload()
	for _, blob := range blobs {
		if ctx.Err() != nil {
			summary.Canceled = true
			break
		}
		summary.Scanned++
		summary.countType(blob.name)

		rec, matched, relink := idx.match(blob)
		if relink {
			if _, err := r.h.SetLocal(rec.ID, blob.path); err != nil {
				r.fail(summary, logger, blob.name, "relink record", err)
				continue
			}
			logger.Info("relinked record to pending blob",
				logging.Path(rec.Path),
				zap.String("blob", blob.name),
				zap.String("previous_local_ref", rec.LocalRef),
			)
			rec.LocalRef = blob.path
			summary.Relinked++
		}
		if matched && rec.Synced() {
			r.dropSynced(summary, logger, rec, blob)
			continue
		}
		if blob.size == 0 {
			zeroByte = append(zeroByte, blob)
			continue
		}

		// Oversized blobs are never uploaded, so they are not read either.
		oversized := blob.size > limit
		if !oversized {
			hash, err := hashFile(blob.path)
			if err != nil {
				r.fail(summary, logger, blob.name, "unreadable", err)
				continue
			}
			blob.hash = hash
			if dup, ok := idx.byHash[hash]; ok {
				if matched {
					if _, err := r.h.AttachRemote(rec.ID, dup.RemoteRef, dup.TransferID, dup.RemoteStore); err != nil {
						r.fail(summary, logger, blob.name, "attach duplicate", err)
						continue
					}
					if _, err := r.h.SetContentHash(rec.ID, hash); err != nil {
						logger.Warn("record content hash not stored", logging.Path(rec.Path), logging.Err(err))
					}
					rec.RemoteRef = dup.RemoteRef
				}
				r.dropSynced(summary, logger, rec, blob)
				logger.Debug("pending blob duplicates a synced file", zap.String("blob", blob.name), logging.Path(dup.Path))
				continue
			}
		}

		if !matched {
			created, err := r.synthesize(blob)
			if err != nil {
				r.fail(summary, logger, blob.name, "register", err)
				continue
			}
			rec = created
			summary.Synthesized++
		} else if blob.hash != "" && rec.ContentHash != blob.hash {
			if _, err := r.h.SetContentHash(rec.ID, blob.hash); err != nil {
				logger.Warn("record content hash not stored", logging.Path(rec.Path), logging.Err(err))
			}
		}
		if oversized {
			r.fail(summary, logger, blob.name, "payload too large",
				&PayloadTooLargeError{Name: blob.name, Size: blob.size, Limit: limit})
			metrics.RecordBlobOutcome("too_large")
			continue
		}
		queue = append(queue, uploadJob{fileID: rec.ID, blob: blob, mime: rec.MimeType, vpath: rec.Path})
	}

	r.uploadAll(ctx, queue, summary, logger)
	if ctx.Err() != nil {
		summary.Canceled = true
	}
	if !summary.Canceled {
		r.downloadPinned(ctx, summary, logger)
	}
	r.cleanup(summary, logger, zeroByte)
	return nil
}

func (r *Reconciler) scanPending() ([]pendingBlob, error) {
	entries, err := os.ReadDir(r.pendingDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.MkdirAll(r.pendingDir, 0o755)
		}
		return nil, err
	}
	blobs := make([]pendingBlob, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if _, placeholder := r.skipNames[name]; placeholder {
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		blobs = append(blobs, pendingBlob{
			name: name,
			path: filepath.Join(r.pendingDir, name),
			size: info.Size(),
		})
	}
	return blobs, nil
}

// recordIndex maps pending blobs back to the records that describe them.
type recordIndex struct {
	pendingDir string
	byLocal    map[string]File
	byHash     map[string]File
	// Unsynced records whose LocalRef no longer resolves, keyed by the base
	// name of that LocalRef and by record name. They are matched only when
	// the key is unambiguous.
	byBase  map[string][]File
	byName  map[string][]File
	claimed map[string]bool
}

func (r *Reconciler) indexRecords() *recordIndex {
	idx := &recordIndex{
		pendingDir: canonicalPath(r.pendingDir),
		byLocal:    map[string]File{},
		byHash:     map[string]File{},
		byBase:     map[string][]File{},
		byName:     map[string][]File{},
		claimed:    map[string]bool{},
	}
	for _, f := range r.h.Files() {
		if f.Local() {
			idx.byLocal[canonicalPath(f.LocalRef)] = f
			if !f.Synced() && !fileExists(f.LocalRef) {
				base := filepath.Base(f.LocalRef)
				idx.byBase[base] = append(idx.byBase[base], f)
				idx.byName[f.Name] = append(idx.byName[f.Name], f)
			}
		}
		if f.ContentHash != "" && f.Synced() {
			if _, seen := idx.byHash[f.ContentHash]; !seen {
				idx.byHash[f.ContentHash] = f
			}
		}
	}
	return idx
}

// match finds the record for blob: first by exact location, then by a
// dangling LocalRef with the same base name, then by record name. relink
// reports a fallback match whose LocalRef must be pointed at the blob.
func (idx *recordIndex) match(blob pendingBlob) (rec File, matched, relink bool) {
	if f, ok := idx.byLocal[filepath.Join(idx.pendingDir, blob.name)]; ok {
		idx.claimed[f.ID] = true
		return f, true, false
	}
	for _, candidates := range [][]File{idx.byBase[blob.name], idx.byName[blob.name]} {
		var found []File
		for _, f := range candidates {
			if !idx.claimed[f.ID] {
				found = append(found, f)
			}
		}
		if len(found) == 1 {
			idx.claimed[found[0].ID] = true
			return found[0], true, true
		}
		if len(found) > 1 {
			return File{}, false, false
		}
	}
	return File{}, false, false
}

// dropSynced removes a pending blob whose content the remote already holds.
func (r *Reconciler) dropSynced(summary *RunSummary, logger *zap.Logger, rec File, blob pendingBlob) {
	owned := rec.ID != "" && rec.Local() && canonicalPath(rec.LocalRef) == canonicalPath(blob.path)
	if err := os.Remove(blob.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.fail(summary, logger, blob.name, "remove synced blob", err)
		return
	}
	if owned {
		if _, err := r.h.ClearLocal(rec.ID, rec.LocalRef); err != nil && !errors.Is(err, ErrNotFound) {
			logger.Warn("clearing local reference failed", logging.Path(rec.Path), logging.Err(err))
		}
	}
	summary.Skipped++
	summary.BytesFreed += blob.size
	metrics.RecordBlobOutcome("skipped")
}

func (r *Reconciler) synthesize(blob pendingBlob) (File, error) {
	if _, err := r.h.EnsureFolder(r.importDir, r.owner); err != nil {
		return File{}, err
	}
	name := blob.name
	for i := 1; ; i++ {
		created, err := r.h.CreateFile(FileSpec{
			ParentPath:  r.importDir,
			Name:        name,
			Size:        blob.size,
			LocalRef:    blob.path,
			ContentHash: blob.hash,
			OwnerID:     r.owner,
		})
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, ErrConflict) || i > 1000 {
			return File{}, err
		}
		name = numberedName(blob.name, i)
	}
}

func numberedName(name string, n int) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		return fmt.Sprintf("%s (%d)", name, n)
	}
	return fmt.Sprintf("%s (%d)%s", base, n, ext)
}

// uploadAll feeds jobs to a bounded worker pool and applies each result on
// the calling goroutine. Cancellation stops new transfers; in-flight ones run
// to completion under their own timeout.
func (r *Reconciler) uploadAll(ctx context.Context, queue []uploadJob, summary *RunSummary, logger *zap.Logger) {
	if len(queue) == 0 {
		return
	}
	jobs := make(chan uploadJob)
	results := make(chan uploadResult)
	var wg sync.WaitGroup
	workers := r.workers
	if workers > len(queue) {
		workers = len(queue)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				results <- r.transfer(ctx, job)
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, job := range queue {
			if ctx.Err() != nil {
				return
			}
			select {
			case jobs <- job:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		r.applyUpload(summary, logger, res)
	}
}

func (r *Reconciler) transfer(ctx context.Context, job uploadJob) uploadResult {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	blobPath := job.blob.path
	receipt, err := r.remote.Upload(tctx, objectstore.Blob{
		Name:     job.blob.name,
		MimeType: job.mime,
		Size:     job.blob.size,
		Open: func() (io.ReadCloser, error) {
			return os.Open(blobPath)
		},
		Metadata: map[string]string{
			"sha256": job.blob.hash,
			"path":   job.vpath,
		},
	})
	return uploadResult{
		job:     job,
		receipt: receipt,
		err:     err,
		timeout: err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded),
	}
}

func (r *Reconciler) applyUpload(summary *RunSummary, logger *zap.Logger, res uploadResult) {
	job := res.job
	if res.err != nil {
		switch {
		case errors.Is(res.err, objectstore.ErrTooLarge):
			r.fail(summary, logger, job.blob.name, "payload too large",
				&PayloadTooLargeError{Name: job.blob.name, Size: job.blob.size, Limit: r.remote.MaxPayload()})
		case res.timeout:
			r.fail(summary, logger, job.blob.name, "timeout", fmt.Errorf("%w: %v", ErrTransferFailure, res.err))
		default:
			r.fail(summary, logger, job.blob.name, "transfer failed", fmt.Errorf("%w: %v", ErrTransferFailure, res.err))
		}
		metrics.RecordBlobOutcome("errored")
		return
	}

	rec, ok := r.h.FileByID(job.fileID)
	if !ok {
		logger.Warn("record removed while its blob was in transfer",
			zap.String("blob", job.blob.name),
			zap.String("remote_id", res.receipt.RemoteID),
		)
		_ = os.Remove(job.blob.path)
		summary.Skipped++
		metrics.RecordBlobOutcome("skipped")
		return
	}
	if rec.Synced() {
		// Another path attached a remote copy first; keep that one.
		r.dropSynced(summary, logger, rec, job.blob)
		return
	}
	if _, err := r.h.AttachRemote(rec.ID, res.receipt.RemoteID, res.receipt.TransferID, r.remote.Name()); err != nil {
		r.fail(summary, logger, job.blob.name, "attach remote", err)
		return
	}
	summary.Uploaded++
	summary.BytesUploaded += job.blob.size
	summary.recordTransferSize(job.blob.size)
	metrics.RecordBlobOutcome("uploaded")

	if rec.Pinned && r.cacheDir != "" {
		if cached, err := r.moveToCache(rec, job.blob.path); err == nil {
			if _, err := r.h.SetLocal(rec.ID, cached); err != nil {
				logger.Warn("recording cached copy failed", logging.Path(rec.Path), logging.Err(err))
			}
			return
		} else {
			logger.Warn("keeping pinned blob in cache failed", logging.Path(rec.Path), logging.Err(err))
		}
	}
	if err := os.Remove(job.blob.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("uploaded blob left on disk", logging.Path(rec.Path), logging.Err(err))
		return
	}
	summary.BytesFreed += job.blob.size
	if _, err := r.h.ClearLocal(rec.ID, rec.LocalRef); err != nil && !errors.Is(err, ErrNotFound) {
		logger.Warn("clearing local reference failed", logging.Path(rec.Path), logging.Err(err))
	}
}

func (r *Reconciler) cachePath(rec File) string {
	return filepath.Join(r.cacheDir, rec.ID+"-"+filepath.Base(rec.Name))
}

func (r *Reconciler) moveToCache(rec File, from string) (string, error) {
	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return "", err
	}
	target := r.cachePath(rec)
	if err := os.Rename(from, target); err != nil {
		return "", err
	}
	return target, nil
}

// downloadPinned fetches remote-resident pinned files that have no usable
// local copy into the cache directory.
func (r *Reconciler) downloadPinned(ctx context.Context, summary *RunSummary, logger *zap.Logger) {
	fetcher, ok := r.remote.(objectstore.Fetcher)
	if !ok || r.cacheDir == "" {
		return
	}
	for _, f := range r.h.Files() {
		if ctx.Err() != nil {
			summary.Canceled = true
			return
		}
		if !f.Pinned || !f.Synced() {
			continue
		}
		if f.RemoteStore != "" && f.RemoteStore != r.remote.Name() {
			continue
		}
		if f.Local() && fileExists(f.LocalRef) {
			continue
		}
		target, size, err := r.fetchToCache(ctx, fetcher, f)
		if err != nil {
			r.fail(summary, logger, f.Name, "download failed", fmt.Errorf("%w: %v", ErrTransferFailure, err))
			continue
		}
		if _, err := r.h.SetLocal(f.ID, target); err != nil {
			_ = os.Remove(target)
			if !errors.Is(err, ErrNotFound) {
				r.fail(summary, logger, f.Name, "record cached copy", err)
			}
			continue
		}
		summary.Downloaded++
		summary.recordTransferSize(size)
		metrics.RecordBlobOutcome("downloaded")
	}
}

func (r *Reconciler) fetchToCache(ctx context.Context, fetcher objectstore.Fetcher, f File) (string, int64, error) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	body, err := fetcher.Download(tctx, f.RemoteRef)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()
	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return "", 0, err
	}
	target := r.cachePath(f)
	tmp, err := os.CreateTemp(r.cacheDir, ".download-*")
	if err != nil {
		return "", 0, err
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, body)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", 0, err
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return "", 0, err
	}
	return target, n, nil
}

// cleanup drops zero-byte pending blobs and records that can no longer be
// satisfied: no remote copy and no local copy. Removing a record that was not
// synthesized by the reconciler is also reported as a failure.
func (r *Reconciler) cleanup(summary *RunSummary, logger *zap.Logger, zeroByte []pendingBlob) {
	for _, blob := range zeroByte {
		if err := os.Remove(blob.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.fail(summary, logger, blob.name, "remove empty blob", err)
			continue
		}
		summary.Cleaned++
		metrics.RecordBlobOutcome("cleaned")
	}
	for _, f := range r.h.Files() {
		if f.Synced() {
			continue
		}
		if f.Local() && fileExists(f.LocalRef) {
			continue
		}
		if f.Local() && fileExists(filepath.Join(r.pendingDir, filepath.Base(f.LocalRef))) {
			// the next run relinks it
			continue
		}
		if err := r.h.RemoveByID(f.ID); err != nil {
			if !errors.Is(err, ErrNotFound) {
				logger.Warn("removing orphaned record failed", logging.Path(f.Path), logging.Err(err))
			}
			continue
		}
		summary.Cleaned++
		if f.OwnerID != r.owner {
			r.fail(summary, logger, f.Path, "local copy missing",
				fmt.Errorf("%w: %s", ErrNotFound, f.LocalRef))
			continue
		}
		logger.Info("removed record with no local or remote copy", logging.Path(f.Path))
	}
}

func (r *Reconciler) fail(summary *RunSummary, logger *zap.Logger, name, reason string, err error) {
	summary.Errored++
	failure := Failure{Name: name, Reason: reason}
	if err != nil {
		failure.Error = err.Error()
	}
	summary.Failures = append(summary.Failures, failure)
	logger.Warn("reconcile blob failed", zap.String("blob", name), zap.String("reason", reason), logging.Err(err))
}

func hashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalPath resolves symlinks when the target exists.
func canonicalPath(p string) string {
	abs := absPath(p)
	if abs == "" {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func absPath(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
