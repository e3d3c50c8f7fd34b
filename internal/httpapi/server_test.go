package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/teledrive/internal/events"
	"github.com/agentworkforce/teledrive/internal/objectstore"
	"github.com/agentworkforce/teledrive/internal/teledrive"
)

const testSecret = "test-secret"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// reconcileTrigger runs the drive's reconciler directly.
type reconcileTrigger struct {
	rec *teledrive.Reconciler
}

func (t reconcileTrigger) Trigger(ctx context.Context, source string) (teledrive.RunSummary, error) {
	return t.rec.Run(ctx)
}

type fixture struct {
	drive  *teledrive.Drive
	server *Server
	events *events.Broadcaster
	clock  *testClock
	token  string
}

func newFixture(t *testing.T, readOnly bool) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	drive, err := teledrive.OpenDrive(teledrive.DriveOptions{
		Store:      teledrive.NewInMemoryStore(),
		Remote:     objectstore.NewMemoryStore(64),
		ReadOnly:   readOnly,
		Clock:      clock.Now,
		Persister:  teledrive.PersisterOptions{Debounce: time.Hour, FlushInterval: time.Hour},
		Reconciler: teledrive.ReconcilerOptions{PendingDir: filepath.Join(t.TempDir(), "pending")},
	})
	if err != nil {
		t.Fatalf("open drive: %v", err)
	}
	t.Cleanup(func() { _ = drive.Close() })

	bus := events.NewBroadcaster()
	cfg := ServerConfig{JWTSecret: testSecret, MaxBodyBytes: 512, Events: bus, Clock: clock.Now}
	if rec := drive.Reconciler(); rec != nil {
		cfg.Runs = reconcileTrigger{rec: rec}
	}
	return &fixture{
		drive:  drive,
		server: NewServer(drive, cfg),
		events: bus,
		clock:  clock,
		token:  mustToken(t, clock.Now(), ScopeRead, ScopeWrite, ScopeShare, ScopeSyncRun),
	}
}

func mustToken(t *testing.T, now time.Time, scopes ...string) string {
	t.Helper()
	token, err := SignToken(testSecret, "tester", scopes, time.Hour, now)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
	raw     []byte
}

func (f *fixture) do(t *testing.T, r request) *httptest.ResponseRecorder {
	t.Helper()
	body := r.raw
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		body = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(body))
	if _, ok := r.headers["Authorization"]; !ok {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d (%s)", want, rec.Code, rec.Body.String())
	}
}

func TestHealthAndAuthRequired(t *testing.T) {
	f := newFixture(t, false)
	expectStatus(t, f.do(t, request{method: http.MethodGet, path: "/health"}), http.StatusOK)

	rec := f.do(t, request{method: http.MethodGet, path: "/v1/fs/list", headers: map[string]string{"Authorization": ""}})
	expectStatus(t, rec, http.StatusUnauthorized)

	readOnly := mustToken(t, f.clock.Now(), ScopeRead)
	rec = f.do(t, request{
		method:  http.MethodPost,
		path:    "/v1/fs/folders",
		headers: map[string]string{"Authorization": "Bearer " + readOnly},
		body:    map[string]string{"parent": "/", "name": "Docs"},
	})
	expectStatus(t, rec, http.StatusForbidden)

	expired := mustToken(t, f.clock.Now().Add(-2*time.Hour), ScopeRead)
	rec = f.do(t, request{method: http.MethodGet, path: "/v1/fs/list", headers: map[string]string{"Authorization": "Bearer " + expired}})
	expectStatus(t, rec, http.StatusUnauthorized)

	expectStatus(t, f.do(t, request{method: http.MethodGet, path: "/v1/nope"}), http.StatusNotFound)
}

func TestFolderLifecycle(t *testing.T) {
	f := newFixture(t, false)
	for _, name := range []string{"Docs", "Archive"} {
		rec := f.do(t, request{method: http.MethodPost, path: "/v1/fs/folders", body: map[string]string{"parent": "/", "name": name}})
		expectStatus(t, rec, http.StatusCreated)
	}
	rec := f.do(t, request{method: http.MethodPost, path: "/v1/fs/folders", body: map[string]string{"parent": "/", "name": "Docs"}})
	expectStatus(t, rec, http.StatusConflict)

	if _, err := f.drive.Hierarchy().CreateFile(teledrive.FileSpec{ParentPath: "/Docs", Name: "a.txt", Size: 3}); err != nil {
		t.Fatalf("create file: %v", err)
	}

	rec = f.do(t, request{method: http.MethodPost, path: "/v1/fs/move", body: map[string]string{"path": "/Docs", "parent": "/Archive"}})
	expectStatus(t, rec, http.StatusOK)
	var moved map[string]any
	decode(t, rec, &moved)
	if moved["path"] != "/Archive/Docs" || moved["kind"] != "folder" {
		t.Fatalf("unexpected move response %v", moved)
	}

	rec = f.do(t, request{method: http.MethodGet, path: "/v1/fs/entry?path=/Archive/Docs/a.txt"})
	expectStatus(t, rec, http.StatusOK)

	rec = f.do(t, request{method: http.MethodPost, path: "/v1/fs/rename", body: map[string]string{"path": "/Archive/Docs/a.txt", "name": "b.txt"}})
	expectStatus(t, rec, http.StatusOK)

	rec = f.do(t, request{method: http.MethodGet, path: "/v1/fs/list?path=/Archive/Docs"})
	expectStatus(t, rec, http.StatusOK)
	var listing struct {
		Entries []map[string]any `json:"entries"`
	}
	decode(t, rec, &listing)
	if len(listing.Entries) != 1 || listing.Entries[0]["name"] != "b.txt" {
		t.Fatalf("unexpected listing %v", listing.Entries)
	}

	expectStatus(t, f.do(t, request{method: http.MethodDelete, path: "/v1/fs/entry?path=/Archive"}), http.StatusConflict)
	expectStatus(t, f.do(t, request{method: http.MethodDelete, path: "/v1/fs/entry?path=/Archive&recursive=true"}), http.StatusNoContent)
	expectStatus(t, f.do(t, request{method: http.MethodGet, path: "/v1/fs/entry?path=/Archive/Docs/b.txt"}), http.StatusNotFound)
}

func TestErrorBodyCarriesCorrelationID(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, request{
		method:  http.MethodGet,
		path:    "/v1/fs/entry?path=/missing",
		headers: map[string]string{"X-Correlation-Id": "corr_42"},
	})
	expectStatus(t, rec, http.StatusNotFound)
	var body map[string]string
	decode(t, rec, &body)
	if body["code"] != "not_found" || body["correlationId"] != "corr_42" || body["message"] == "" {
		t.Fatalf("unexpected error body %v", body)
	}

	rec = f.do(t, request{method: http.MethodGet, path: "/v1/fs/entry?path=/missing"})
	decode(t, rec, &body)
	if body["correlationId"] == "" || body["correlationId"] != rec.Header().Get("X-Request-ID") {
		t.Fatalf("expected request id fallback, got %v", body)
	}
}

func TestBodyLimit(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, request{
		method: http.MethodPost,
		path:   "/v1/fs/folders",
		raw:    []byte(`{"parent":"/","name":"` + strings.Repeat("x", 1024) + `"}`),
	})
	expectStatus(t, rec, http.StatusRequestEntityTooLarge)

	rec = f.do(t, request{method: http.MethodPost, path: "/v1/fs/folders", raw: []byte("{")})
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestSearchStatsAndPin(t *testing.T) {
	f := newFixture(t, false)
	h := f.drive.Hierarchy()
	for _, spec := range []teledrive.FileSpec{
		{ParentPath: "/", Name: "Report.pdf", Size: 10},
		{ParentPath: "/", Name: "report-draft.txt", Size: 30},
		{ParentPath: "/", Name: "photo.png", Size: 20},
	} {
		if _, err := h.CreateFile(spec); err != nil {
			t.Fatalf("create %s: %v", spec.Name, err)
		}
	}

	rec := f.do(t, request{method: http.MethodGet, path: "/v1/fs/search?q=REPORT&sort=size&order=desc"})
	expectStatus(t, rec, http.StatusOK)
	var found struct {
		Entries []map[string]any `json:"entries"`
	}
	decode(t, rec, &found)
	if len(found.Entries) != 2 || found.Entries[0]["name"] != "report-draft.txt" {
		t.Fatalf("unexpected search results %v", found.Entries)
	}
	expectStatus(t, f.do(t, request{method: http.MethodGet, path: "/v1/fs/search?q=x&sort=color"}), http.StatusBadRequest)

	rec = f.do(t, request{method: http.MethodGet, path: "/v1/fs/stats"})
	expectStatus(t, rec, http.StatusOK)
	var stats teledrive.Stats
	decode(t, rec, &stats)
	if stats.FileCount != 3 || stats.TotalSize != 60 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	rec = f.do(t, request{method: http.MethodPost, path: "/v1/fs/pin?path=/photo.png"})
	expectStatus(t, rec, http.StatusOK)
	pinned, _ := h.LookupFile("/photo.png")
	if !pinned.Pinned {
		t.Fatalf("expected file to be pinned")
	}
	expectStatus(t, f.do(t, request{method: http.MethodDelete, path: "/v1/fs/pin?path=/photo.png"}), http.StatusOK)

	expectStatus(t, f.do(t, request{method: http.MethodGet, path: "/v1/fs/cleanup?olderThan=1h"}), http.StatusOK)
	expectStatus(t, f.do(t, request{method: http.MethodGet, path: "/v1/fs/cleanup?olderThan=soon"}), http.StatusBadRequest)
}

func TestShareLinkDownloadFlow(t *testing.T) {
	f := newFixture(t, false)
	local := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(local, []byte("hello share"), 0o644); err != nil {
		t.Fatalf("write blob: %v", err)
	}
	if _, err := f.drive.Hierarchy().CreateFile(teledrive.FileSpec{ParentPath: "/", Name: "notes.txt", Size: 11, MimeType: "text/plain", LocalRef: local}); err != nil {
		t.Fatalf("create file: %v", err)
	}

	rec := f.do(t, request{method: http.MethodPost, path: "/v1/shares", body: map[string]any{"path": "/notes.txt", "password": "pw", "maxDownloads": 1}})
	expectStatus(t, rec, http.StatusCreated)
	var link teledrive.ShareLink
	decode(t, rec, &link)
	if link.Token == "" || !link.PasswordProtected {
		t.Fatalf("unexpected link %+v", link)
	}

	entry := f.do(t, request{method: http.MethodGet, path: "/v1/fs/entry?path=/notes.txt"})
	if strings.Contains(entry.Body.String(), "sharePasswordHash") {
		t.Fatalf("password hash leaked: %s", entry.Body.String())
	}

	public := map[string]string{"Authorization": ""}
	expectStatus(t, f.do(t, request{method: http.MethodGet, path: "/v1/shares/" + link.Token, headers: public}), http.StatusUnauthorized)
	public["X-Share-Password"] = "nope"
	expectStatus(t, f.do(t, request{method: http.MethodGet, path: "/v1/shares/" + link.Token, headers: public}), http.StatusForbidden)

	public["X-Share-Password"] = "pw"
	rec = f.do(t, request{method: http.MethodGet, path: "/v1/shares/" + link.Token, headers: public})
	expectStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "hello share" || rec.Header().Get("Content-Type") != "text/plain" {
		t.Fatalf("unexpected download %q %q", rec.Body.String(), rec.Header().Get("Content-Type"))
	}
	expectStatus(t, f.do(t, request{method: http.MethodGet, path: "/v1/shares/" + link.Token, headers: public}), http.StatusTooManyRequests)

	rec = f.do(t, request{method: http.MethodPost, path: "/v1/shares", body: map[string]any{"path": "/notes.txt"}})
	expectStatus(t, rec, http.StatusCreated)
	decode(t, rec, &link)
	f.clock.Advance(teledrive.DefaultShareTTL)
	f.token = mustToken(t, f.clock.Now(), ScopeRead, ScopeWrite, ScopeShare)
	expectStatus(t, f.do(t, request{method: http.MethodGet, path: "/v1/shares/" + link.Token, headers: map[string]string{"Authorization": ""}}), http.StatusGone)

	expectStatus(t, f.do(t, request{method: http.MethodDelete, path: "/v1/shares?path=/notes.txt"}), http.StatusNoContent)
	expectStatus(t, f.do(t, request{method: http.MethodGet, path: "/v1/shares/" + link.Token, headers: map[string]string{"Authorization": ""}}), http.StatusNotFound)
}

func TestSyncRunAndLatest(t *testing.T) {
	f := newFixture(t, false)
	expectStatus(t, f.do(t, request{method: http.MethodGet, path: "/v1/sync/runs/latest"}), http.StatusNotFound)

	pending := f.drive.Reconciler().PendingDir()
	if err := os.WriteFile(filepath.Join(pending, "scan.png"), []byte("png-bytes"), 0o644); err != nil {
		t.Fatalf("write pending blob: %v", err)
	}
	rec := f.do(t, request{method: http.MethodPost, path: "/v1/sync/runs"})
	expectStatus(t, rec, http.StatusOK)
	var summary teledrive.RunSummary
	decode(t, rec, &summary)
	if summary.Uploaded != 1 || summary.Synthesized != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	rec = f.do(t, request{method: http.MethodGet, path: "/v1/sync/runs/latest"})
	expectStatus(t, rec, http.StatusOK)
	var latest teledrive.RunSummary
	decode(t, rec, &latest)
	if latest.RunID != summary.RunID {
		t.Fatalf("expected latest run %s, got %s", summary.RunID, latest.RunID)
	}
}

func TestReadOnlyDriveRejectsMutations(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, request{method: http.MethodPost, path: "/v1/fs/folders", body: map[string]string{"parent": "/", "name": "Docs"}})
	expectStatus(t, rec, http.StatusForbidden)
	expectStatus(t, f.do(t, request{method: http.MethodPost, path: "/v1/sync/runs"}), http.StatusForbidden)
	expectStatus(t, f.do(t, request{method: http.MethodGet, path: "/v1/fs/list"}), http.StatusOK)
}

func TestSyncStreamDeliversEvents(t *testing.T) {
	f := newFixture(t, false)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sync/stream"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + f.token}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	for f.events.Count() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("stream never subscribed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	f.events.PublishRun(teledrive.RunSummary{RunID: "run-stream", Uploaded: 2})

	var ev events.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != events.EventRunCompleted || ev.Summary == nil || ev.Summary.RunID != "run-stream" {
		t.Fatalf("unexpected event %+v", ev)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
