package teledrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/teledrive/internal/objectstore"
)

type reconcileFixture struct {
	h         *Hierarchy
	clock     *fakeClock
	remote    *objectstore.MemoryStore
	store     *countingStore
	persister *Persister
	rec       *Reconciler
	pending   string
	cache     string
}

func newReconcileFixture(t *testing.T, maxPayload int64, mutate func(*ReconcilerOptions)) *reconcileFixture {
	t.Helper()
	base := t.TempDir()
	f := &reconcileFixture{
		remote:  objectstore.NewMemoryStore(maxPayload),
		store:   &countingStore{},
		pending: filepath.Join(base, "pending"),
		cache:   filepath.Join(base, "cache"),
	}
	f.h, f.clock = newTestHierarchy(t, nil)
	f.persister = NewPersister(f.store, f.h, PersisterOptions{Debounce: time.Millisecond, FlushInterval: time.Hour})
	t.Cleanup(func() { _ = f.persister.Close() })
	f.h.SetChangeHook(f.persister.MarkDirty)

	opts := ReconcilerOptions{
		PendingDir:  f.pending,
		CacheDir:    f.cache,
		Concurrency: 3,
		Clock:       f.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	rec, err := NewReconciler(f.h, f.persister, f.remote, opts)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	f.rec = rec
	return f
}

func (f *reconcileFixture) run(t *testing.T) RunSummary {
	t.Helper()
	summary, err := f.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return summary
}

func TestReconcileUploadsPendingBlobAndClearsLocal(t *testing.T) {
	f := newReconcileFixture(t, 0, nil)
	if _, err := f.h.CreateFolder("/", "Docs", "u1"); err != nil {
		t.Fatalf("create folder: %v", err)
	}
	blob := writeBlob(t, f.pending, "report.pdf", 1000)
	if _, err := f.h.CreateFile(FileSpec{ParentPath: "/Docs", Name: "report.pdf", Size: 1000, LocalRef: blob, OwnerID: "u1"}); err != nil {
		t.Fatalf("create file: %v", err)
	}

	summary := f.run(t)
	if summary.Uploaded != 1 || summary.Errored != 0 || summary.Synthesized != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.BytesUploaded != 1000 || summary.BytesFreed != 1000 {
		t.Fatalf("unexpected byte counters %+v", summary)
	}
	file, err := f.h.LookupFile("/Docs/report.pdf")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if file.RemoteRef == "" || file.TransferID == "" || file.RemoteStore != "memory" {
		t.Fatalf("expected remote reference, got %+v", file)
	}
	if file.LocalRef != "" {
		t.Fatalf("expected local reference cleared, got %q", file.LocalRef)
	}
	if _, err := os.Stat(blob); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected pending blob removed, stat err=%v", err)
	}
	uploads := f.remote.Uploads()
	if len(uploads) != 1 || uploads[0].Metadata["path"] != "/Docs/report.pdf" || uploads[0].Metadata["sha256"] == "" {
		t.Fatalf("unexpected uploads %+v", uploads)
	}
	if f.h.Stats().LastSync == nil {
		t.Fatalf("expected last sync timestamp after a changing run")
	}

	again := f.run(t)
	if again.Scanned != 0 || again.Uploaded != 0 || again.Skipped != 0 || again.Errored != 0 {
		t.Fatalf("expected an idle second run, got %+v", again)
	}
	if len(f.remote.Uploads()) != 1 {
		t.Fatalf("second run must not upload again")
	}
}

func TestReconcileSavesMetadataOncePerRun(t *testing.T) {
	f := newReconcileFixture(t, 0, nil)
	for i := 0; i < 5; i++ {
		writeBlob(t, f.pending, fmt.Sprintf("photo-%d.jpg", i), 10+i)
	}
	summary := f.run(t)
	if summary.Uploaded != 5 || summary.Synthesized != 5 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.FileTypes[".jpg"] != 5 {
		t.Fatalf("expected 5 .jpg blobs counted, got %v", summary.FileTypes)
	}
	want := SizeStats{Total: 60, Min: 10, Max: 14, Average: 12}
	if summary.Sizes != want {
		t.Fatalf("expected size stats %+v, got %+v", want, summary.Sizes)
	}
	time.Sleep(20 * time.Millisecond)
	if got := f.store.Saves(); got != 1 {
		t.Fatalf("expected exactly one metadata save for the run, got %d", got)
	}
}

func TestReconcileSkipsDuplicateContent(t *testing.T) {
	f := newReconcileFixture(t, 0, nil)
	writeBlob(t, f.pending, "song.mp3", 64)
	if s := f.run(t); s.Uploaded != 1 {
		t.Fatalf("first run: %+v", s)
	}

	redropped := writeBlob(t, f.pending, "song-copy.mp3", 64)
	summary := f.run(t)
	if summary.Skipped != 1 || summary.Uploaded != 0 || summary.Synthesized != 0 {
		t.Fatalf("expected duplicate skipped, got %+v", summary)
	}
	if _, err := os.Stat(redropped); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected duplicate blob removed")
	}
	if len(f.remote.Uploads()) != 1 {
		t.Fatalf("duplicate must not be uploaded twice")
	}
}

func TestReconcilePayloadSizeBoundary(t *testing.T) {
	f := newReconcileFixture(t, 100, nil)
	exact := writeBlob(t, f.pending, "exact.bin", 100)
	over := writeBlob(t, f.pending, "over.bin", 101)

	summary := f.run(t)
	if summary.Uploaded != 1 || summary.Errored != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.Failures) != 1 || summary.Failures[0].Name != "over.bin" || summary.Failures[0].Reason != "payload too large" {
		t.Fatalf("unexpected failures %+v", summary.Failures)
	}
	if _, err := os.Stat(exact); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected exact-size blob uploaded and removed")
	}
	if _, err := os.Stat(over); err != nil {
		t.Fatalf("oversized blob must stay on disk: %v", err)
	}
	file, err := f.h.LookupFile("/over.bin")
	if err != nil {
		t.Fatalf("expected synthesized record for oversized blob: %v", err)
	}
	if file.Synced() || file.LocalRef != over {
		t.Fatalf("unexpected oversized record %+v", file)
	}
	if file.ContentHash != "" {
		t.Fatalf("oversized blob must not be read for hashing, got hash %q", file.ContentHash)
	}

	again := f.run(t)
	if again.Errored != 1 || again.Synthesized != 0 {
		t.Fatalf("oversized blob must be reported again without a new record, got %+v", again)
	}
}

func TestReconcileTransferFailureKeepsBlobForRetry(t *testing.T) {
	f := newReconcileFixture(t, 0, nil)
	blob := writeBlob(t, f.pending, "notes.txt", 20)
	f.remote.FailName("notes.txt", fmt.Errorf("%w: boom", objectstore.ErrTransfer))

	summary := f.run(t)
	if summary.Errored != 1 || summary.Uploaded != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Failures[0].Reason != "transfer failed" {
		t.Fatalf("unexpected failure %+v", summary.Failures[0])
	}
	file, err := f.h.LookupFile("/notes.txt")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if file.Synced() || file.LocalRef != blob {
		t.Fatalf("failed transfer must keep the record pending, got %+v", file)
	}

	f.remote.FailName("notes.txt", nil)
	retry := f.run(t)
	if retry.Uploaded != 1 || retry.Errored != 0 || retry.Synthesized != 0 {
		t.Fatalf("unexpected retry summary %+v", retry)
	}
}

func TestReconcileSynthesizesUniqueNames(t *testing.T) {
	f := newReconcileFixture(t, 0, func(o *ReconcilerOptions) { o.ImportFolder = "/Inbox" })
	if _, err := f.h.EnsureFolder("/Inbox", ""); err != nil {
		t.Fatalf("ensure folder: %v", err)
	}
	if _, err := f.h.CreateFile(FileSpec{ParentPath: "/Inbox", Name: "scan.png", RemoteRef: "old"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	writeBlob(t, f.pending, "scan.png", 30)
	writeBlob(t, f.pending, ".hidden", 30)
	writeBlob(t, f.pending, ".gitkeep", 0)

	summary := f.run(t)
	if summary.Scanned != 1 || summary.Synthesized != 1 || summary.Uploaded != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	file, err := f.h.LookupFile("/Inbox/scan (1).png")
	if err != nil {
		t.Fatalf("expected numbered synthesized record: %v", err)
	}
	if file.OwnerID != DefaultSystemOwner || file.MimeType != "image/png" || file.ContentHash == "" {
		t.Fatalf("unexpected synthesized record %+v", file)
	}
	if _, err := os.Stat(filepath.Join(f.pending, ".hidden")); err != nil {
		t.Fatalf("dotfiles must be left alone: %v", err)
	}
}

func TestReconcileCleansEmptyBlobsAndOrphanRecords(t *testing.T) {
	f := newReconcileFixture(t, 0, nil)
	empty := writeBlob(t, f.pending, "empty.txt", 0)
	if _, err := f.h.CreateFile(FileSpec{ParentPath: "/", Name: "ghost.txt", Size: 5, LocalRef: filepath.Join(f.pending, "gone.txt"), OwnerID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.h.CreateFile(FileSpec{ParentPath: "/", Name: "import.txt", Size: 5, LocalRef: filepath.Join(f.pending, "import.txt"), OwnerID: DefaultSystemOwner}); err != nil {
		t.Fatalf("create: %v", err)
	}

	summary := f.run(t)
	if summary.Cleaned != 3 || summary.Uploaded != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Errored != 1 || summary.Failures[0].Name != "/ghost.txt" || summary.Failures[0].Reason != "local copy missing" {
		t.Fatalf("expected removal of the user record to be reported, got %+v", summary.Failures)
	}
	if _, err := os.Stat(empty); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected empty blob removed")
	}
	for _, p := range []string{"/ghost.txt", "/import.txt"} {
		if _, err := f.h.Lookup(p); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected orphan record %s removed, got %v", p, err)
		}
	}
}

func TestReconcileRelinksRecordWithStaleLocalRef(t *testing.T) {
	f := newReconcileFixture(t, 0, nil)
	if _, err := f.h.CreateFolder("/", "Docs", "u1"); err != nil {
		t.Fatalf("create folder: %v", err)
	}
	if _, err := f.h.CreateFile(FileSpec{ParentPath: "/Docs", Name: "report.pdf", Size: 1000, LocalRef: "report.pdf", OwnerID: "u1"}); err != nil {
		t.Fatalf("create file: %v", err)
	}
	// legacy record whose LocalRef lives under another directory
	if _, err := f.h.CreateFile(FileSpec{ParentPath: "/Docs", Name: "Minutes", Size: 10, LocalRef: "/srv/old-uploads/minutes.txt", OwnerID: "u1"}); err != nil {
		t.Fatalf("create file: %v", err)
	}
	writeBlob(t, f.pending, "report.pdf", 1000)
	writeBlob(t, f.pending, "minutes.txt", 10)

	summary := f.run(t)
	if summary.Synthesized != 0 || summary.Uploaded != 2 || summary.Relinked != 2 || summary.Cleaned != 0 || summary.Errored != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	for _, p := range []string{"/Docs/report.pdf", "/Docs/Minutes"} {
		file, err := f.h.LookupFile(p)
		if err != nil {
			t.Fatalf("expected %s to keep its placement: %v", p, err)
		}
		if !file.Synced() || file.Local() {
			t.Fatalf("expected %s uploaded with local ref cleared, got %+v", p, file)
		}
	}
	if _, err := f.h.Lookup("/report.pdf"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no duplicate record may be synthesized, got %v", err)
	}
}

func TestReconcileAmbiguousNameDoesNotRelink(t *testing.T) {
	f := newReconcileFixture(t, 0, nil)
	for _, dir := range []string{"/A", "/B"} {
		if _, err := f.h.EnsureFolder(dir, "u1"); err != nil {
			t.Fatalf("ensure folder: %v", err)
		}
		if _, err := f.h.CreateFile(FileSpec{ParentPath: dir, Name: "dup.txt", Size: 4, LocalRef: "/nowhere" + dir + "/dup.txt", OwnerID: "u1"}); err != nil {
			t.Fatalf("create file: %v", err)
		}
	}
	writeBlob(t, f.pending, "dup.txt", 4)

	summary := f.run(t)
	if summary.Relinked != 0 || summary.Synthesized != 1 {
		t.Fatalf("expected an ambiguous name to be imported, got %+v", summary)
	}
}

func TestReconcileMatchesThroughSymlinkedPendingDir(t *testing.T) {
	f := newReconcileFixture(t, 0, nil)
	link := filepath.Join(filepath.Dir(f.pending), "pending-link")
	if err := os.Symlink(f.pending, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	writeBlob(t, f.pending, "scan.png", 30)
	if _, err := f.h.CreateFile(FileSpec{ParentPath: "/", Name: "scan.png", Size: 30, LocalRef: filepath.Join(link, "scan.png"), OwnerID: "u1"}); err != nil {
		t.Fatalf("create file: %v", err)
	}

	summary := f.run(t)
	if summary.Synthesized != 0 || summary.Relinked != 0 || summary.Uploaded != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	file, err := f.h.LookupFile("/scan.png")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !file.Synced() || file.Local() {
		t.Fatalf("expected record uploaded with local ref cleared, got %+v", file)
	}
}

func TestReconcileDownloadsPinnedFiles(t *testing.T) {
	f := newReconcileFixture(t, 0, nil)
	receipt, err := f.remote.Upload(context.Background(), objectstore.Blob{
		Name: "movie.mp4",
		Size: 4,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader([]byte("film"))), nil },
	})
	if err != nil {
		t.Fatalf("seed upload: %v", err)
	}
	if _, err := f.h.CreateFile(FileSpec{ParentPath: "/", Name: "movie.mp4", Size: 4, RemoteRef: receipt.RemoteID, RemoteStore: "memory"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.h.Pin("/movie.mp4"); err != nil {
		t.Fatalf("pin: %v", err)
	}

	summary := f.run(t)
	if summary.Downloaded != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	file, _ := f.h.LookupFile("/movie.mp4")
	data, err := os.ReadFile(file.LocalRef)
	if err != nil || string(data) != "film" {
		t.Fatalf("expected cached copy, got %q err=%v", data, err)
	}
	if again := f.run(t); again.Downloaded != 0 {
		t.Fatalf("cached pinned file must not download again: %+v", again)
	}
}

func TestReconcileRejectsOverlappingRuns(t *testing.T) {
	f := newReconcileFixture(t, 0, nil)
	writeBlob(t, f.pending, "slow.bin", 10)
	f.remote.SetDelay(200 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := f.rec.Run(context.Background())
		done <- err
	}()
	waitFor(t, time.Second, func() bool { return f.rec.running.Load() })
	if _, err := f.rec.Run(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if last, ok := f.rec.LastSummary(); !ok || last.Uploaded != 1 {
		t.Fatalf("unexpected last summary %+v ok=%v", last, ok)
	}
}

func TestReconcileCanceledRunStartsNoTransfers(t *testing.T) {
	f := newReconcileFixture(t, 0, nil)
	blob := writeBlob(t, f.pending, "later.bin", 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.rec.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !summary.Canceled || summary.Uploaded != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if _, err := os.Stat(blob); err != nil {
		t.Fatalf("blob must survive a canceled run: %v", err)
	}
}

func TestReconcileTransferTimeout(t *testing.T) {
	f := newReconcileFixture(t, 0, func(o *ReconcilerOptions) { o.TransferTimeout = 20 * time.Millisecond })
	writeBlob(t, f.pending, "stuck.bin", 10)
	f.remote.SetDelay(time.Second)

	summary := f.run(t)
	if summary.Errored != 1 || summary.Failures[0].Reason != "timeout" {
		t.Fatalf("expected timeout failure, got %+v", summary)
	}
}
