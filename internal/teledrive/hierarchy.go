package teledrive

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/agentworkforce/teledrive/internal/logging"
	"github.com/agentworkforce/teledrive/internal/metrics"
)

type HierarchyOptions struct {
	Logger *zap.Logger
	Clock  func() time.Time
	NewID  func() string
}

// node holds exactly one of file or folder. seq is the discovery order.
type node struct {
	seq    uint64
	file   *File
	folder *Folder
}

func (n *node) entry() Entry {
	if n.folder != nil {
		return *n.folder
	}
	return cloneFile(*n.file)
}

func (n *node) name() string {
	if n.folder != nil {
		return n.folder.Name
	}
	return n.file.Name
}

func (n *node) setPath(p string) {
	name := path.Base(p)
	if n.folder != nil {
		n.folder.Path = p
		n.folder.Name = name
		return
	}
	n.file.Path = p
	n.file.Name = name
}

// Hierarchy is the single in-process owner of File and Folder records. All
// reads return copies.
type Hierarchy struct {
	mu       sync.RWMutex
	nodes    map[string]*node
	ids      map[string]string
	nextSeq  uint64
	lastSync time.Time
	repaired int

	onChange func()
	clock    func() time.Time
	newID    func() string
	logger   *zap.Logger
}

type FileSpec struct {
	ParentPath    string
	Name          string
	Size          int64
	MimeType      string
	LocalRef      string
	RemoteRef     string
	TransferID    string
	RemoteStore   string
	ContentHash   string
	OwnerID       string
	CreateParents bool
}

type DeleteOptions struct {
	// Recursive removes every descendant of a folder. Without it a
	// non-empty folder is rejected with ErrFolderNotEmpty.
	Recursive bool
}

type SortKey string

const (
	SortNone   SortKey = ""
	SortByName SortKey = "name"
	SortBySize SortKey = "size"
	SortByDate SortKey = "date"
)

func ParseSortKey(raw string) (SortKey, error) {
	switch SortKey(strings.ToLower(strings.TrimSpace(raw))) {
	case SortNone:
		return SortNone, nil
	case SortByName:
		return SortByName, nil
	case SortBySize:
		return SortBySize, nil
	case SortByDate, "created", "createdat":
		return SortByDate, nil
	default:
		return SortNone, fmt.Errorf("%w: unknown sort key %q", ErrInvalidInput, raw)
	}
}

type SearchOptions struct {
	Sort       SortKey
	Descending bool
	// Kind restricts results to files or folders; empty means both.
	Kind EntryKind
}

type BucketStats struct {
	Count int   `json:"count"`
	Size  int64 `json:"size"`
}

type Stats struct {
	FileCount    int                        `json:"fileCount"`
	FolderCount  int                        `json:"folderCount"`
	TotalSize    int64                      `json:"totalSize"`
	SyncedFiles  int                        `json:"syncedFiles"`
	PendingFiles int                        `json:"pendingFiles"`
	ByType       map[TypeBucket]BucketStats `json:"byType"`
	LastSync     *time.Time                 `json:"lastSync,omitempty"`
}

// NewHierarchy builds the tree from a loaded snapshot. Duplicate paths are
// dropped and missing ancestor folders are recreated; Repaired reports how
// many such fixes were made.
func NewHierarchy(snapshot *Snapshot, opts HierarchyOptions) *Hierarchy {
	h := &Hierarchy{
		nodes:  map[string]*node{},
		ids:    map[string]string{},
		clock:  opts.Clock,
		newID:  opts.NewID,
		logger: logging.OrDefault(opts.Logger, "hierarchy"),
	}
	if h.clock == nil {
		h.clock = time.Now
	}
	if h.newID == nil {
		h.newID = uuid.NewString
	}
	if snapshot == nil {
		snapshot = &Snapshot{}
	}
	h.repaired = snapshot.Dropped
	folders := append([]Folder(nil), snapshot.Folders...)
	sort.SliceStable(folders, func(i, j int) bool {
		return strings.Count(folders[i].Path, "/") < strings.Count(folders[j].Path, "/")
	})
	for _, folder := range folders {
		h.loadFolder(folder)
	}
	for _, file := range snapshot.Files {
		h.loadFile(file)
	}
	h.publishGauge()
	return h
}

func (h *Hierarchy) loadFolder(folder Folder) {
	p := normalizePath(folder.Path)
	if p == RootPath {
		h.repaired++
		return
	}
	if _, exists := h.nodes[p]; exists {
		h.logger.Warn("dropping duplicate folder record", logging.Path(p))
		h.repaired++
		return
	}
	if err := h.ensureFolderLocked(parentOf(p), folder.OwnerID, true); err != nil {
		h.logger.Warn("dropping folder with unusable parent", logging.Path(p), logging.Err(err))
		h.repaired++
		return
	}
	folder.Path = p
	folder.Name = path.Base(p)
	folder.ID = h.uniqueID(folder.ID)
	h.insertLocked(&node{folder: &folder})
}

func (h *Hierarchy) loadFile(file File) {
	p := normalizePath(file.Path)
	if p == RootPath {
		h.repaired++
		return
	}
	if _, exists := h.nodes[p]; exists {
		h.logger.Warn("dropping duplicate file record", logging.Path(p))
		h.repaired++
		return
	}
	if err := h.ensureFolderLocked(parentOf(p), file.OwnerID, true); err != nil {
		h.logger.Warn("dropping file with unusable parent", logging.Path(p), logging.Err(err))
		h.repaired++
		return
	}
	file.Path = p
	file.Name = path.Base(p)
	file.ID = h.uniqueID(file.ID)
	if file.Size < 0 {
		file.Size = 0
		h.repaired++
	}
	if file.MimeType == "" {
		file.MimeType = DetectMimeType(file.Name)
	}
	h.insertLocked(&node{file: &file})
}

func (h *Hierarchy) uniqueID(id string) string {
	if id != "" {
		if _, taken := h.ids[id]; !taken {
			return id
		}
		h.repaired++
	}
	return h.newID()
}

func (h *Hierarchy) insertLocked(n *node) {
	h.nextSeq++
	n.seq = h.nextSeq
	var p, id string
	if n.folder != nil {
		p, id = n.folder.Path, n.folder.ID
	} else {
		p, id = n.file.Path, n.file.ID
	}
	h.nodes[p] = n
	h.ids[id] = p
}

func (h *Hierarchy) removeLocked(p string) {
	n, ok := h.nodes[p]
	if !ok {
		return
	}
	if n.folder != nil {
		delete(h.ids, n.folder.ID)
	} else {
		delete(h.ids, n.file.ID)
	}
	delete(h.nodes, p)
}

// Repaired reports how many records were fixed up while loading.
func (h *Hierarchy) Repaired() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.repaired
}

// SetChangeHook registers the function called after every successful mutation.
func (h *Hierarchy) SetChangeHook(fn func()) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

// mutate runs fn under the write lock and fires the change hook once the lock
// is released, if fn succeeded and reported a change.
func (h *Hierarchy) mutate(fn func() (bool, error)) error {
	h.mu.Lock()
	changed, err := fn()
	hook := h.onChange
	if changed {
		h.publishGaugeLocked()
	}
	h.mu.Unlock()
	if err == nil && changed && hook != nil {
		hook()
	}
	return err
}

func (h *Hierarchy) publishGauge() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.publishGaugeLocked()
}

func (h *Hierarchy) publishGaugeLocked() {
	files, folders := 0, 0
	for _, n := range h.nodes {
		if n.folder != nil {
			folders++
		} else {
			files++
		}
	}
	metrics.SetHierarchyEntries(files, folders)
}

func (h *Hierarchy) isFolderLocked(p string) bool {
	if p == RootPath {
		return true
	}
	n, ok := h.nodes[p]
	return ok && n.folder != nil
}

func (h *Hierarchy) List(folderPath string) ([]Entry, error) {
	folderPath = normalizePath(folderPath)
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.isFolderLocked(folderPath) {
		if _, ok := h.nodes[folderPath]; ok {
			return nil, pathErr("list", folderPath, fmt.Errorf("%w: not a folder", ErrInvalidInput))
		}
		return nil, pathErr("list", folderPath, ErrNotFound)
	}
	var folders, files []Entry
	for p, n := range h.nodes {
		if parentOf(p) != folderPath {
			continue
		}
		if n.folder != nil {
			folders = append(folders, n.entry())
		} else {
			files = append(files, n.entry())
		}
	}
	byName := func(list []Entry) {
		sort.Slice(list, func(i, j int) bool {
			if list[i].EntryName() == list[j].EntryName() {
				return list[i].EntryPath() < list[j].EntryPath()
			}
			return list[i].EntryName() < list[j].EntryName()
		})
	}
	byName(folders)
	byName(files)
	return append(folders, files...), nil
}

func (h *Hierarchy) Lookup(p string) (Entry, error) {
	p = normalizePath(p)
	if p == RootPath {
		return Folder{ID: "root", Path: RootPath}, nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[p]
	if !ok {
		return nil, pathErr("lookup", p, ErrNotFound)
	}
	return n.entry(), nil
}

// LookupFile is Lookup restricted to files.
func (h *Hierarchy) LookupFile(p string) (File, error) {
	entry, err := h.Lookup(p)
	if err != nil {
		return File{}, err
	}
	file, ok := entry.(File)
	if !ok {
		return File{}, pathErr("lookup", normalizePath(p), fmt.Errorf("%w: not a file", ErrInvalidInput))
	}
	return file, nil
}

func (h *Hierarchy) CreateFolder(parentPath, name, ownerID string) (Folder, error) {
	parentPath = normalizePath(parentPath)
	name = strings.TrimSpace(name)
	var created Folder
	err := h.mutate(func() (bool, error) {
		if !validName(name) {
			return false, pathErr("create folder", joinPath(parentPath, name), fmt.Errorf("%w: invalid name %q", ErrInvalidInput, name))
		}
		if !h.isFolderLocked(parentPath) {
			return false, pathErr("create folder", parentPath, ErrNotFound)
		}
		target := joinPath(parentPath, name)
		if _, exists := h.nodes[target]; exists {
			return false, pathErr("create folder", target, ErrConflict)
		}
		created = h.newFolderLocked(target, ownerID)
		return true, nil
	})
	return created, err
}

// EnsureFolder creates folderPath and any missing ancestors.
func (h *Hierarchy) EnsureFolder(folderPath, ownerID string) (Folder, error) {
	folderPath = normalizePath(folderPath)
	var result Folder
	err := h.mutate(func() (bool, error) {
		before := len(h.nodes)
		if err := h.ensureFolderLocked(folderPath, ownerID, false); err != nil {
			return false, err
		}
		if folderPath == RootPath {
			result = Folder{ID: "root", Path: RootPath}
		} else {
			result = *h.nodes[folderPath].folder
		}
		return len(h.nodes) != before, nil
	})
	return result, err
}

func (h *Hierarchy) ensureFolderLocked(folderPath, ownerID string, loading bool) error {
	if folderPath == RootPath {
		return nil
	}
	if n, ok := h.nodes[folderPath]; ok {
		if n.folder == nil {
			return pathErr("ensure folder", folderPath, fmt.Errorf("%w: a file occupies this path", ErrConflict))
		}
		return nil
	}
	if err := h.ensureFolderLocked(parentOf(folderPath), ownerID, loading); err != nil {
		return err
	}
	h.newFolderLocked(folderPath, ownerID)
	if loading {
		h.logger.Warn("recreated missing ancestor folder", logging.Path(folderPath))
		h.repaired++
	}
	return nil
}

func (h *Hierarchy) newFolderLocked(p, ownerID string) Folder {
	folder := &Folder{
		ID:        h.newID(),
		Name:      path.Base(p),
		Path:      p,
		CreatedAt: h.clock().UTC(),
		OwnerID:   ownerID,
	}
	h.insertLocked(&node{folder: folder})
	return *folder
}

func (h *Hierarchy) CreateFile(spec FileSpec) (File, error) {
	parentPath := normalizePath(spec.ParentPath)
	name := strings.TrimSpace(spec.Name)
	target := joinPath(parentPath, name)
	var created File
	err := h.mutate(func() (bool, error) {
		if !validName(name) {
			return false, pathErr("create file", target, fmt.Errorf("%w: invalid name %q", ErrInvalidInput, name))
		}
		if spec.Size < 0 {
			return false, pathErr("create file", target, fmt.Errorf("%w: negative size", ErrInvalidInput))
		}
		if spec.LocalRef == "" && spec.RemoteRef == "" {
			return false, pathErr("create file", target, fmt.Errorf("%w: file needs a local or remote reference", ErrInvalidInput))
		}
		if spec.CreateParents {
			if err := h.ensureFolderLocked(parentPath, spec.OwnerID, false); err != nil {
				return false, err
			}
		} else if !h.isFolderLocked(parentPath) {
			return false, pathErr("create file", parentPath, ErrNotFound)
		}
		if _, exists := h.nodes[target]; exists {
			return false, pathErr("create file", target, ErrConflict)
		}
		mimeType := strings.TrimSpace(spec.MimeType)
		if mimeType == "" {
			mimeType = DetectMimeType(name)
		}
		now := h.clock().UTC()
		file := &File{
			ID:          h.newID(),
			Name:        name,
			Path:        target,
			Size:        spec.Size,
			MimeType:    mimeType,
			CreatedAt:   now,
			UpdatedAt:   now,
			RemoteRef:   spec.RemoteRef,
			TransferID:  spec.TransferID,
			RemoteStore: spec.RemoteStore,
			LocalRef:    spec.LocalRef,
			ContentHash: spec.ContentHash,
			OwnerID:     spec.OwnerID,
		}
		h.insertLocked(&node{file: file})
		created = cloneFile(*file)
		return true, nil
	})
	return created, err
}

// Move relocates itemPath under newParentPath, optionally renaming it. Folder
// moves rewrite every descendant path in the same critical section.
func (h *Hierarchy) Move(itemPath, newParentPath, newName string) (Entry, error) {
	itemPath = normalizePath(itemPath)
	newParentPath = normalizePath(newParentPath)
	newName = strings.TrimSpace(newName)
	var moved Entry
	err := h.mutate(func() (bool, error) {
		if itemPath == RootPath {
			return false, pathErr("move", itemPath, fmt.Errorf("%w: cannot move root", ErrInvalidInput))
		}
		n, ok := h.nodes[itemPath]
		if !ok {
			return false, pathErr("move", itemPath, ErrNotFound)
		}
		if !h.isFolderLocked(newParentPath) {
			return false, pathErr("move", newParentPath, ErrNotFound)
		}
		if newName == "" {
			newName = n.name()
		}
		if !validName(newName) {
			return false, pathErr("move", itemPath, fmt.Errorf("%w: invalid name %q", ErrInvalidInput, newName))
		}
		target := joinPath(newParentPath, newName)
		if target == itemPath {
			moved = n.entry()
			return false, nil
		}
		if _, exists := h.nodes[target]; exists {
			return false, pathErr("move", target, ErrConflict)
		}
		if n.folder != nil && (newParentPath == itemPath || isDescendant(itemPath, newParentPath)) {
			return false, pathErr("move", itemPath, fmt.Errorf("%w: cannot move a folder into itself", ErrConflict))
		}

		now := h.clock().UTC()
		affected := []string{itemPath}
		if n.folder != nil {
			for p := range h.nodes {
				if isDescendant(itemPath, p) {
					affected = append(affected, p)
				}
			}
		}
		rewritten := make([]*node, 0, len(affected))
		for _, p := range affected {
			rewritten = append(rewritten, h.nodes[p])
			delete(h.nodes, p)
		}
		for i, p := range affected {
			m := rewritten[i]
			newPath := target + strings.TrimPrefix(p, itemPath)
			m.setPath(newPath)
			if m.file != nil {
				m.file.UpdatedAt = now
				h.ids[m.file.ID] = newPath
			} else {
				h.ids[m.folder.ID] = newPath
			}
			h.nodes[newPath] = m
		}
		moved = n.entry()
		return true, nil
	})
	return moved, err
}

func (h *Hierarchy) Rename(itemPath, newName string) (Entry, error) {
	if strings.TrimSpace(newName) == "" {
		return nil, pathErr("rename", normalizePath(itemPath), fmt.Errorf("%w: new name is required", ErrInvalidInput))
	}
	itemPath = normalizePath(itemPath)
	return h.Move(itemPath, parentOf(itemPath), newName)
}

// Delete removes a record. On-disk blobs referenced by LocalRef are removed
// first; remote blobs are left alone.
func (h *Hierarchy) Delete(itemPath string, opts DeleteOptions) error {
	itemPath = normalizePath(itemPath)
	return h.mutate(func() (bool, error) {
		if itemPath == RootPath {
			return false, pathErr("delete", itemPath, fmt.Errorf("%w: cannot delete root", ErrInvalidInput))
		}
		n, ok := h.nodes[itemPath]
		if !ok {
			return false, pathErr("delete", itemPath, ErrNotFound)
		}
		if n.file != nil {
			if err := removeBlob(n.file.LocalRef); err != nil {
				return false, pathErr("delete", itemPath, err)
			}
			h.removeLocked(itemPath)
			return true, nil
		}

		var descendants []string
		for p := range h.nodes {
			if isDescendant(itemPath, p) {
				descendants = append(descendants, p)
			}
		}
		if len(descendants) > 0 && !opts.Recursive {
			return false, pathErr("delete", itemPath, ErrFolderNotEmpty)
		}
		for _, p := range descendants {
			if m := h.nodes[p]; m.file != nil {
				if err := removeBlob(m.file.LocalRef); err != nil {
					return false, pathErr("delete", p, err)
				}
			}
		}
		for _, p := range descendants {
			h.removeLocked(p)
		}
		h.removeLocked(itemPath)
		return true, nil
	})
}

func removeBlob(localRef string) error {
	if localRef == "" {
		return nil
	}
	if err := os.Remove(localRef); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove local blob: %v", ErrPersistenceFailure, err)
	}
	return nil
}

// Search matches query case-insensitively against names. Results keep
// discovery order unless opts.Sort is set.
func (h *Hierarchy) Search(query string, opts SearchOptions) []Entry {
	fold := cases.Fold()
	needle := fold.String(strings.TrimSpace(query))

	h.mu.RLock()
	matched := make([]*node, 0)
	for _, n := range h.nodes {
		if opts.Kind == KindFile && n.file == nil {
			continue
		}
		if opts.Kind == KindFolder && n.folder == nil {
			continue
		}
		if needle != "" && !strings.Contains(fold.String(n.name()), needle) {
			continue
		}
		matched = append(matched, n)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	results := make([]Entry, 0, len(matched))
	for _, n := range matched {
		results = append(results, n.entry())
	}
	h.mu.RUnlock()

	if opts.Sort != SortNone {
		SortEntries(results, opts.Sort, opts.Descending)
	}
	return results
}

// SortEntries orders entries in place. Folders count as size zero; ties fall
// back to path so the order is total.
func SortEntries(entries []Entry, key SortKey, descending bool) {
	less := func(a, b Entry) bool {
		switch key {
		case SortBySize:
			sa, sb := entrySize(a), entrySize(b)
			if sa != sb {
				return sa < sb
			}
		case SortByDate:
			ca, cb := a.Created(), b.Created()
			if !ca.Equal(cb) {
				return ca.Before(cb)
			}
		default:
			na, nb := strings.ToLower(a.EntryName()), strings.ToLower(b.EntryName())
			if na != nb {
				return na < nb
			}
		}
		return a.EntryPath() < b.EntryPath()
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if descending {
			return less(entries[j], entries[i])
		}
		return less(entries[i], entries[j])
	})
}

func entrySize(e Entry) int64 {
	if f, ok := e.(File); ok {
		return f.Size
	}
	return 0
}

func (h *Hierarchy) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := Stats{
		ByType: map[TypeBucket]BucketStats{
			BucketPhoto:    {},
			BucketVideo:    {},
			BucketAudio:    {},
			BucketDocument: {},
		},
	}
	for _, n := range h.nodes {
		if n.folder != nil {
			stats.FolderCount++
			continue
		}
		stats.FileCount++
		stats.TotalSize += n.file.Size
		if n.file.Synced() {
			stats.SyncedFiles++
		} else {
			stats.PendingFiles++
		}
		bucket := BucketFor(n.file.MimeType)
		b := stats.ByType[bucket]
		b.Count++
		b.Size += n.file.Size
		stats.ByType[bucket] = b
	}
	if !h.lastSync.IsZero() {
		t := h.lastSync
		stats.LastSync = &t
	}
	return stats
}

// CleanupCandidates lists files still holding a local copy that were created
// before the cutoff, with the bytes that deleting them would free.
func (h *Hierarchy) CleanupCandidates(olderThan time.Duration) ([]File, int64) {
	cutoff := h.clock().Add(-olderThan)
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []File
	var freeable int64
	for _, n := range h.nodes {
		if n.file == nil || !n.file.Local() {
			continue
		}
		if !n.file.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneFile(*n.file))
		freeable += n.file.Size
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, freeable
}

// Pin marks a file to be kept in the local cache.
func (h *Hierarchy) Pin(p string) (File, error) {
	return h.updateFile("pin", p, func(f *File) (bool, error) {
		if f.Pinned {
			return false, nil
		}
		f.Pinned = true
		return true, nil
	})
}

// Unpin clears the pin and drops the cached copy once the remote holds the blob.
func (h *Hierarchy) Unpin(p string) (File, error) {
	return h.updateFile("unpin", p, func(f *File) (bool, error) {
		changed := f.Pinned
		f.Pinned = false
		if f.Synced() && f.Local() {
			if err := removeBlob(f.LocalRef); err != nil {
				return false, err
			}
			f.LocalRef = ""
			changed = true
		}
		return changed, nil
	})
}

// updateFile applies fn to the file at p under the write lock.
func (h *Hierarchy) updateFile(op, p string, fn func(*File) (bool, error)) (File, error) {
	p = normalizePath(p)
	var out File
	err := h.mutate(func() (bool, error) {
		n, ok := h.nodes[p]
		if !ok {
			return false, pathErr(op, p, ErrNotFound)
		}
		if n.file == nil {
			return false, pathErr(op, p, fmt.Errorf("%w: not a file", ErrInvalidInput))
		}
		changed, err := fn(n.file)
		if err != nil {
			return false, pathErr(op, p, err)
		}
		if changed {
			n.file.UpdatedAt = h.clock().UTC()
		}
		out = cloneFile(*n.file)
		return changed, nil
	})
	return out, err
}

func (h *Hierarchy) updateFileByID(op, id string, fn func(*File) (bool, error)) (File, error) {
	var out File
	err := h.mutate(func() (bool, error) {
		p, ok := h.ids[id]
		if !ok {
			return false, pathErr(op, id, ErrNotFound)
		}
		n := h.nodes[p]
		if n == nil || n.file == nil {
			return false, pathErr(op, id, ErrNotFound)
		}
		changed, err := fn(n.file)
		if err != nil {
			return false, pathErr(op, p, err)
		}
		if changed {
			n.file.UpdatedAt = h.clock().UTC()
		}
		out = cloneFile(*n.file)
		return changed, nil
	})
	return out, err
}

// Files returns every file record in discovery order.
func (h *Hierarchy) Files() []File {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ordered := h.orderedLocked()
	out := make([]File, 0, len(ordered))
	for _, n := range ordered {
		if n.file != nil {
			out = append(out, cloneFile(*n.file))
		}
	}
	return out
}

func (h *Hierarchy) FileByID(id string) (File, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.ids[id]
	if !ok {
		return File{}, false
	}
	n := h.nodes[p]
	if n == nil || n.file == nil {
		return File{}, false
	}
	return cloneFile(*n.file), true
}

// AttachRemote records a completed upload. It refuses to overwrite an
// existing remote reference so a record never points at two remote copies.
func (h *Hierarchy) AttachRemote(id, remoteRef, transferID, store string) (File, error) {
	return h.updateFileByID("attach remote", id, func(f *File) (bool, error) {
		if f.RemoteRef != "" {
			return false, fmt.Errorf("%w: already remote-resident as %s", ErrConflict, f.RemoteRef)
		}
		f.RemoteRef = remoteRef
		f.TransferID = transferID
		f.RemoteStore = store
		return true, nil
	})
}

// ClearLocal drops LocalRef when it still equals expect.
func (h *Hierarchy) ClearLocal(id, expect string) (File, error) {
	return h.updateFileByID("clear local", id, func(f *File) (bool, error) {
		if f.LocalRef == "" || f.LocalRef != expect {
			return false, nil
		}
		f.LocalRef = ""
		return true, nil
	})
}

func (h *Hierarchy) SetLocal(id, localRef string) (File, error) {
	return h.updateFileByID("set local", id, func(f *File) (bool, error) {
		if f.LocalRef == localRef {
			return false, nil
		}
		f.LocalRef = localRef
		return true, nil
	})
}

// SetContentHash fills in the content key for records that predate hashing.
func (h *Hierarchy) SetContentHash(id, hash string) (File, error) {
	return h.updateFileByID("set hash", id, func(f *File) (bool, error) {
		if f.ContentHash == hash {
			return false, nil
		}
		f.ContentHash = hash
		return true, nil
	})
}

// RemoveByID drops a file record without touching any blob.
func (h *Hierarchy) RemoveByID(id string) error {
	return h.mutate(func() (bool, error) {
		p, ok := h.ids[id]
		if !ok {
			return false, pathErr("remove", id, ErrNotFound)
		}
		if n := h.nodes[p]; n == nil || n.file == nil {
			return false, pathErr("remove", p, fmt.Errorf("%w: not a file", ErrInvalidInput))
		}
		h.removeLocked(p)
		return true, nil
	})
}

// MarkSynced stamps the time of the last reconcile that changed records.
func (h *Hierarchy) MarkSynced(at time.Time) {
	h.mu.Lock()
	h.lastSync = at.UTC()
	h.mu.Unlock()
}

func (h *Hierarchy) fileByShareToken(token string) (File, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, n := range h.nodes {
		if n.file != nil && n.file.ShareToken != "" && n.file.ShareToken == token {
			return cloneFile(*n.file), true
		}
	}
	return File{}, false
}

// Snapshot returns the persisted form in discovery order.
func (h *Hierarchy) Snapshot() *Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := &Snapshot{Files: []File{}, Folders: []Folder{}}
	for _, n := range h.orderedLocked() {
		if n.folder != nil {
			out.Folders = append(out.Folders, *n.folder)
		} else {
			out.Files = append(out.Files, cloneFile(*n.file))
		}
	}
	return out
}

func (h *Hierarchy) orderedLocked() []*node {
	ordered := make([]*node, 0, len(h.nodes))
	for _, n := range h.nodes {
		ordered = append(ordered, n)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
	return ordered
}

func cloneFile(f File) File {
	if f.ShareExpiresAt != nil {
		t := *f.ShareExpiresAt
		f.ShareExpiresAt = &t
	}
	return f
}
