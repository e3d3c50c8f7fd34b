package teledrive

import (
	"path"
	"strings"
	"time"
)

const (
	RootPath            = "/"
	DefaultMimeType     = "application/octet-stream"
	DefaultSystemOwner  = "system_sync"
	DefaultShareTTL     = 7 * 24 * time.Hour
	DefaultImportFolder = RootPath
)

type EntryKind string

const (
	KindFile   EntryKind = "file"
	KindFolder EntryKind = "folder"
)

// Entry is either a File or a Folder. The set is closed; use a type switch.
type Entry interface {
	Kind() EntryKind
	EntryPath() string
	EntryName() string
	Created() time.Time
	entry()
}

type File struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Path              string     `json:"path"`
	Size              int64      `json:"size"`
	MimeType          string     `json:"mimeType,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt,omitempty"`
	RemoteRef         string     `json:"remoteRef,omitempty"`
	TransferID        string     `json:"transferId,omitempty"`
	RemoteStore       string     `json:"remoteStore,omitempty"`
	LocalRef          string     `json:"localRef,omitempty"`
	ContentHash       string     `json:"contentHash,omitempty"`
	Pinned            bool       `json:"pinned,omitempty"`
	ShareToken        string     `json:"shareToken,omitempty"`
	ShareExpiresAt    *time.Time `json:"shareExpiresAt,omitempty"`
	SharePasswordHash string     `json:"sharePasswordHash,omitempty"`
	ShareMaxDownloads int        `json:"shareMaxDownloads,omitempty"`
	ShareDownloads    int        `json:"shareDownloads,omitempty"`
	OwnerID           string     `json:"ownerId,omitempty"`
}

func (f File) Kind() EntryKind    { return KindFile }
func (f File) EntryPath() string  { return f.Path }
func (f File) EntryName() string  { return f.Name }
func (f File) Created() time.Time { return f.CreatedAt }
func (File) entry()               {}

// Synced reports whether the blob is durably held by the remote store.
func (f File) Synced() bool { return f.RemoteRef != "" }

// Local reports whether the record claims an on-disk copy.
func (f File) Local() bool { return f.LocalRef != "" }

type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
	OwnerID   string    `json:"ownerId,omitempty"`
}

func (f Folder) Kind() EntryKind    { return KindFolder }
func (f Folder) EntryPath() string  { return f.Path }
func (f Folder) EntryName() string  { return f.Name }
func (f Folder) Created() time.Time { return f.CreatedAt }
func (Folder) entry()               {}

// Snapshot is the persisted form of the hierarchy: one collection per record kind.
type Snapshot struct {
	Files   []File   `json:"files"`
	Folders []Folder `json:"folders"`
	// Dropped counts records the store could not decode.
	Dropped int `json:"-"`
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return RootPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func parentOf(p string) string {
	if p == RootPath {
		return RootPath
	}
	return path.Dir(p)
}

func joinPath(parent, name string) string {
	if parent == RootPath {
		return "/" + name
	}
	return parent + "/" + name
}

// isDescendant reports whether p lies strictly below ancestor.
func isDescendant(ancestor, p string) bool {
	if ancestor == RootPath {
		return p != RootPath
	}
	return strings.HasPrefix(p, ancestor+"/")
}

func validName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}
