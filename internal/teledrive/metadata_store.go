package teledrive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/agentworkforce/teledrive/internal/logging"
	"github.com/agentworkforce/teledrive/internal/metrics"
)

const (
	filesCollection   = "files"
	foldersCollection = "folders"
)

// MetadataStore persists whole snapshots. It provides no locking; the
// Hierarchy is the only writer in a process.
type MetadataStore interface {
	Load() (*Snapshot, error)
	Save(snapshot *Snapshot) error
}

type metadataStoreCloser interface {
	Close() error
}

// Record schemas check shape only. Values the Hierarchy can repair on load
// (negative sizes, relative paths, duplicate ids) are left to it.
const fileSchema = `{
  "type": "object",
  "required": ["path"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string"},
    "path": {"type": "string"},
    "size": {"type": "integer"},
    "mimeType": {"type": "string"},
    "createdAt": {"type": "string"},
    "updatedAt": {"type": "string"},
    "remoteRef": {"type": "string"},
    "transferId": {"type": "string"},
    "remoteStore": {"type": "string"},
    "localRef": {"type": "string"},
    "contentHash": {"type": "string"},
    "pinned": {"type": "boolean"},
    "shareToken": {"type": "string"},
    "shareExpiresAt": {"type": ["string", "null"]},
    "sharePasswordHash": {"type": "string"},
    "shareMaxDownloads": {"type": "integer"},
    "shareDownloads": {"type": "integer"},
    "ownerId": {"type": "string"}
  }
}`

const folderSchema = `{
  "type": "object",
  "required": ["path"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string"},
    "path": {"type": "string"},
    "createdAt": {"type": "string"},
    "ownerId": {"type": "string"}
  }
}`

var (
	schemaOnce sync.Once
	schemaErr  error
	recordSch  = map[string]*jsonschema.Schema{}
)

func recordSchema(collection string) (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		sources := map[string]string{
			filesCollection:   fileSchema,
			foldersCollection: folderSchema,
		}
		for name, src := range sources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				schemaErr = err
				return
			}
			url := "https://teledrive.local/schemas/" + name + ".json"
			if err := compiler.AddResource(url, doc); err != nil {
				schemaErr = err
				return
			}
			compiled, err := compiler.Compile(url)
			if err != nil {
				schemaErr = err
				return
			}
			recordSch[name] = compiled
		}
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	sch, ok := recordSch[collection]
	if !ok {
		return nil, fmt.Errorf("%w: unknown collection %q", ErrInvalidInput, collection)
	}
	return sch, nil
}

// decodeCollection decodes one collection document record by record. A
// non-nil error means the document as a whole is unusable: malformed JSON or
// a top level that is not an array. Records that fail their schema are
// skipped and reported through onBad.
func decodeCollection[T any](collection string, data []byte, onBad func(index int, err error)) ([]T, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	sch, err := recordSchema(collection)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for i, item := range raw {
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(item))
		if err != nil {
			onBad(i, err)
			continue
		}
		if err := sch.Validate(inst); err != nil {
			onBad(i, err)
			continue
		}
		var rec T
		if err := json.Unmarshal(item, &rec); err != nil {
			onBad(i, err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func encodeCollection(snapshot *Snapshot, collection string) ([]byte, error) {
	switch collection {
	case filesCollection:
		files := snapshot.Files
		if files == nil {
			files = []File{}
		}
		return json.MarshalIndent(files, "", "  ")
	case foldersCollection:
		folders := snapshot.Folders
		if folders == nil {
			folders = []Folder{}
		}
		return json.MarshalIndent(folders, "", "  ")
	default:
		return nil, fmt.Errorf("%w: unknown collection %q", ErrInvalidInput, collection)
	}
}

// decodeSnapshotCollections fills a snapshot from raw collection documents.
// An unusable document loads as an empty collection; an unusable record is
// dropped on its own and counted in Snapshot.Dropped.
func decodeSnapshotCollections(raw map[string][]byte, source string, logger *zap.Logger) *Snapshot {
	snapshot := &Snapshot{Files: []File{}, Folders: []Folder{}}
	badRecord := func(collection string) func(int, error) {
		return func(index int, err error) {
			snapshot.Dropped++
			metrics.RecordMetadataCorrupt(collection)
			logger.Warn("dropping invalid metadata record",
				zap.String("source", source),
				zap.String("collection", collection),
				zap.Int("index", index),
				logging.Err(err),
			)
		}
	}
	if data, ok := raw[filesCollection]; ok {
		files, err := decodeCollection[File](filesCollection, data, badRecord(filesCollection))
		if err != nil {
			reportCorrupt(logger, source, filesCollection, err)
		} else if files != nil {
			snapshot.Files = files
		}
	}
	if data, ok := raw[foldersCollection]; ok {
		folders, err := decodeCollection[Folder](foldersCollection, data, badRecord(foldersCollection))
		if err != nil {
			reportCorrupt(logger, source, foldersCollection, err)
		} else if folders != nil {
			snapshot.Folders = folders
		}
	}
	return snapshot
}

func reportCorrupt(logger *zap.Logger, source, collection string, err error) {
	metrics.RecordMetadataCorrupt(collection)
	logger.Warn("discarding corrupt metadata collection",
		zap.String("source", source),
		zap.String("collection", collection),
		logging.Err(err),
	)
}

// JSONDirStore keeps files.json and folders.json side by side in Dir.
type JSONDirStore struct {
	Dir    string
	logger *zap.Logger
}

func NewJSONDirStore(dir string, logger *zap.Logger) *JSONDirStore {
	return &JSONDirStore{
		Dir:    strings.TrimSpace(dir),
		logger: logging.OrDefault(logger, "metadata"),
	}
}

func (s *JSONDirStore) collectionPath(collection string) string {
	return filepath.Join(s.Dir, collection+".json")
}

func (s *JSONDirStore) Load() (*Snapshot, error) {
	if s == nil || s.Dir == "" {
		return &Snapshot{}, nil
	}
	raw := map[string][]byte{}
	for _, collection := range []string{filesCollection, foldersCollection} {
		data, err := os.ReadFile(s.collectionPath(collection))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%w: read %s: %v", ErrPersistenceFailure, collection, err)
		}
		raw[collection] = data
	}
	return decodeSnapshotCollections(raw, s.Dir, s.logger), nil
}

// Save rewrites both collection files. Each file is replaced atomically; the
// pair is not.
func (s *JSONDirStore) Save(snapshot *Snapshot) error {
	if s == nil || s.Dir == "" || snapshot == nil {
		return nil
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	for _, collection := range []string{foldersCollection, filesCollection} {
		data, err := encodeCollection(snapshot, collection)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(s.collectionPath(collection), data, 0o644); err != nil {
			return fmt.Errorf("%w: write %s: %v", ErrPersistenceFailure, collection, err)
		}
	}
	return nil
}

// InMemoryStore keeps a private deep copy of the last saved snapshot.
type InMemoryStore struct {
	mu       sync.Mutex
	snapshot *Snapshot
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Load() (*Snapshot, error) {
	if s == nil {
		return &Snapshot{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return &Snapshot{}, nil
	}
	return cloneViaJSON(s.snapshot)
}

func (s *InMemoryStore) Save(snapshot *Snapshot) error {
	if s == nil || snapshot == nil {
		return nil
	}
	clone, err := cloneViaJSON(snapshot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	s.mu.Lock()
	s.snapshot = clone
	s.mu.Unlock()
	return nil
}

func cloneViaJSON(snapshot *Snapshot) (*Snapshot, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	var clone Snapshot
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
