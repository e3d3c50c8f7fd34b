// Package mount exposes the virtual hierarchy as a read-only FUSE
// filesystem. File content comes from the local copy when present,
// otherwise from the remote store through the drive's fetcher.
package mount

import (
	"context"
	"errors"
	"io"
	"path"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/teledrive/internal/logging"
	"github.com/agentworkforce/teledrive/internal/teledrive"
)

// View holds the drive currently being served. Swap replaces it after a
// metadata refresh without remounting.
type View struct {
	drive     atomic.Pointer[teledrive.Drive]
	startTime time.Time
	logger    *zap.Logger
}

func NewView(d *teledrive.Drive, logger *zap.Logger) *View {
	v := &View{startTime: time.Now(), logger: logging.OrDefault(logger, "mount")}
	v.drive.Store(d)
	return v
}

// Swap installs d and returns the previous drive so the caller can close it.
func (v *View) Swap(d *teledrive.Drive) *teledrive.Drive {
	return v.drive.Swap(d)
}

func (v *View) current() *teledrive.Drive {
	return v.drive.Load()
}

func (v *View) Root() fs.InodeEmbedder {
	return &dirNode{view: v, path: teledrive.RootPath}
}

type dirNode struct {
	fs.Inode
	view *View
	path string
}

var _ = (fs.NodeLookuper)((*dirNode)(nil))
var _ = (fs.NodeReaddirer)((*dirNode)(nil))
var _ = (fs.NodeGetattrer)((*dirNode)(nil))

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := path.Join(d.path, name)
	entry, err := d.view.current().Hierarchy().Lookup(child)
	if err != nil {
		return nil, toErrno(err)
	}
	switch e := entry.(type) {
	case teledrive.Folder:
		d.view.dirAttr(e, &out.Attr)
		return d.NewInode(ctx, &dirNode{view: d.view, path: e.Path}, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
	case teledrive.File:
		fileAttr(e, &out.Attr)
		return d.NewInode(ctx, &fileNode{view: d.view, path: e.Path}, fs.StableAttr{Mode: fuse.S_IFREG}), 0
	}
	return nil, unix.ENOENT
}

func (d *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := d.view.current().Hierarchy().List(d.path)
	if err != nil {
		return nil, toErrno(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		if e.Kind() == teledrive.KindFolder {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.EntryName(), Mode: mode})
	}
	return fs.NewListDirStream(out), 0
}

func (d *dirNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if d.path == teledrive.RootPath {
		out.Mode = fuse.S_IFDIR | 0o555
		setTimes(&out.Attr, d.view.startTime)
		return 0
	}
	entry, err := d.view.current().Hierarchy().Lookup(d.path)
	if err != nil {
		return toErrno(err)
	}
	folder, ok := entry.(teledrive.Folder)
	if !ok {
		return unix.ENOTDIR
	}
	d.view.dirAttr(folder, &out.Attr)
	return 0
}

type fileNode struct {
	fs.Inode
	view *View
	path string
}

var _ = (fs.NodeOpener)((*fileNode)(nil))
var _ = (fs.NodeGetattrer)((*fileNode)(nil))

func (n *fileNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	file, err := n.view.current().Hierarchy().LookupFile(n.path)
	if err != nil {
		return toErrno(err)
	}
	fileAttr(file, &out.Attr)
	return 0
}

// Open reads the whole blob into memory. Blobs are bounded by the remote
// store's payload limit so this stays small.
func (n *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(unix.O_WRONLY|unix.O_RDWR|unix.O_TRUNC|unix.O_APPEND) != 0 {
		return nil, 0, unix.EROFS
	}
	drive := n.view.current()
	file, err := drive.Hierarchy().LookupFile(n.path)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	body, err := drive.Open(ctx, file)
	if err != nil {
		n.view.logger.Warn("open failed", logging.Path(n.path), logging.Err(err))
		return nil, 0, toErrno(err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		n.view.logger.Warn("read failed", logging.Path(n.path), logging.Err(err))
		return nil, 0, unix.EIO
	}
	return &fileHandle{content: data}, fuse.FOPEN_KEEP_CACHE, 0
}

type fileHandle struct {
	content []byte
}

var _ = (fs.FileReader)((*fileHandle)(nil))

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(h.content)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(h.content)) {
		end = int64(len(h.content))
	}
	return fuse.ReadResultData(h.content[off:end]), 0
}

func (v *View) dirAttr(f teledrive.Folder, out *fuse.Attr) {
	out.Mode = fuse.S_IFDIR | 0o555
	t := f.CreatedAt
	if t.IsZero() {
		t = v.startTime
	}
	setTimes(out, t)
}

func fileAttr(f teledrive.File, out *fuse.Attr) {
	out.Mode = fuse.S_IFREG | 0o444
	out.Size = uint64(f.Size)
	mtime := f.UpdatedAt
	if mtime.IsZero() {
		mtime = f.CreatedAt
	}
	setTimes(out, mtime)
}

func setTimes(out *fuse.Attr, t time.Time) {
	out.SetTimes(&t, &t, &t)
}

func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, teledrive.ErrNotFound):
		return unix.ENOENT
	case errors.Is(err, teledrive.ErrInvalidInput):
		return unix.EINVAL
	case errors.Is(err, teledrive.ErrNotImplemented):
		return unix.ENOTSUP
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return unix.EINTR
	default:
		return unix.EIO
	}
}
