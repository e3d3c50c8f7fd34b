package teledrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/teledrive/internal/logging"
	"github.com/agentworkforce/teledrive/internal/objectstore"
)

type DriveOptions struct {
	Store  MetadataStore
	Remote objectstore.Store
	// Fetcher overrides how remote content is read back; it defaults to
	// Remote when Remote can download.
	Fetcher objectstore.Fetcher
	// ReadOnly loads the snapshot but never saves and never reconciles.
	ReadOnly bool

	Logger     *zap.Logger
	Clock      func() time.Time
	Persister  PersisterOptions
	Reconciler ReconcilerOptions
	Share      ShareOptions
}

// Drive wires the components together and owns their lifecycle. It is built
// once at startup and handed to the HTTP layer, the scheduler and the mount.
type Drive struct {
	store      MetadataStore
	hierarchy  *Hierarchy
	persister  *Persister
	reconciler *Reconciler
	shares     *ShareIssuer
	fetcher    objectstore.Fetcher
	readOnly   bool
	logger     *zap.Logger
}

func OpenDrive(opts DriveOptions) (*Drive, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: metadata store is required", ErrInvalidInput)
	}
	logger := logging.OrDefault(opts.Logger, "drive")
	snapshot, err := opts.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	h := NewHierarchy(snapshot, HierarchyOptions{Logger: logger.Named("hierarchy"), Clock: opts.Clock})
	d := &Drive{
		store:     opts.Store,
		hierarchy: h,
		readOnly:  opts.ReadOnly,
		logger:    logger,
	}
	d.fetcher = opts.Fetcher
	if d.fetcher == nil {
		if f, ok := opts.Remote.(objectstore.Fetcher); ok {
			d.fetcher = f
		}
	}

	shareOpts := opts.Share
	if shareOpts.Clock == nil {
		shareOpts.Clock = opts.Clock
	}
	d.shares = NewShareIssuer(h, shareOpts)

	if opts.ReadOnly {
		return d, nil
	}

	persistOpts := opts.Persister
	if persistOpts.Logger == nil {
		persistOpts.Logger = logger.Named("persister")
	}
	d.persister = NewPersister(opts.Store, h, persistOpts)
	h.SetChangeHook(d.persister.MarkDirty)
	if repaired := h.Repaired(); repaired > 0 {
		logger.Warn("metadata repaired on load", zap.Int("repaired", repaired))
		d.persister.MarkDirty()
	}

	if opts.Remote != nil && opts.Reconciler.PendingDir != "" {
		recOpts := opts.Reconciler
		if recOpts.Logger == nil {
			recOpts.Logger = logger.Named("reconciler")
		}
		if recOpts.Clock == nil {
			recOpts.Clock = opts.Clock
		}
		d.reconciler, err = NewReconciler(h, d.persister, opts.Remote, recOpts)
		if err != nil {
			_ = d.persister.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *Drive) Hierarchy() *Hierarchy { return d.hierarchy }

func (d *Drive) Shares() *ShareIssuer { return d.shares }

// Reconciler is nil when the drive has no remote store or is read-only.
func (d *Drive) Reconciler() *Reconciler { return d.reconciler }

// Persister is nil for read-only drives.
func (d *Drive) Persister() *Persister { return d.persister }

func (d *Drive) ReadOnly() bool { return d.readOnly }

// Open returns the content of f, preferring the local copy.
func (d *Drive) Open(ctx context.Context, f File) (io.ReadCloser, error) {
	if f.Local() {
		local, err := os.Open(f.LocalRef)
		if err == nil {
			return local, nil
		}
		if !errors.Is(err, os.ErrNotExist) || !f.Synced() {
			return nil, pathErr("open", f.Path, fmt.Errorf("%w: %v", ErrNotFound, err))
		}
	}
	if !f.Synced() {
		return nil, pathErr("open", f.Path, fmt.Errorf("%w: no local or remote copy", ErrNotFound))
	}
	if d.fetcher == nil {
		return nil, pathErr("open", f.Path, fmt.Errorf("%w: remote store cannot download", ErrNotImplemented))
	}
	body, err := d.fetcher.Download(ctx, f.RemoteRef)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, pathErr("open", f.Path, fmt.Errorf("%w: %v", ErrNotFound, err))
		}
		return nil, pathErr("open", f.Path, fmt.Errorf("%w: %v", ErrTransferFailure, err))
	}
	return body, nil
}

// Flush saves pending metadata changes now.
func (d *Drive) Flush() error {
	if d.persister == nil {
		return nil
	}
	return d.persister.Flush()
}

// Close flushes metadata and releases the store.
func (d *Drive) Close() error {
	var errs []error
	if d.persister != nil {
		errs = append(errs, d.persister.Close())
	}
	if closer, ok := d.store.(metadataStoreCloser); ok {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}
