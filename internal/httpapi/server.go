package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/teledrive/internal/events"
	"github.com/agentworkforce/teledrive/internal/logging"
	"github.com/agentworkforce/teledrive/internal/metrics"
	"github.com/agentworkforce/teledrive/internal/teledrive"
)

// RunTrigger starts a reconcile on demand. The scheduler implements it so
// API runs and scheduled runs share one guard.
type RunTrigger interface {
	Trigger(ctx context.Context, source string) (teledrive.RunSummary, error)
}

type ServerConfig struct {
	JWTSecret    string
	MaxBodyBytes int64
	Runs         RunTrigger
	Events       *events.Broadcaster
	Logger       *zap.Logger
	Clock        func() time.Time
	// StreamWriteTimeout bounds each websocket frame write.
	StreamWriteTimeout time.Duration
}

type Server struct {
	drive  *teledrive.Drive
	cfg    ServerConfig
	logger *zap.Logger
}

func NewServer(drive *teledrive.Drive, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.StreamWriteTimeout <= 0 {
		cfg.StreamWriteTimeout = 10 * time.Second
	}
	return &Server{drive: drive, cfg: cfg, logger: logging.OrDefault(cfg.Logger, "httpapi")}
}

// Handler wraps the router with request logging.
func (s *Server) Handler() http.Handler {
	return logging.Middleware(s)
}

type route struct {
	name    string
	scope   string
	mutates bool
	handle  func(w http.ResponseWriter, r *http.Request, claims *Claims)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	name := s.serve(rec, r)
	metrics.RecordHTTPRequest(r.Method, name, rec.status, time.Since(start))
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) string {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return "health"
	}
	if token, ok := strings.CutPrefix(r.URL.Path, "/v1/shares/"); ok && token != "" && r.Method == http.MethodGet {
		s.handleShareDownload(w, r, token)
		return "share_download"
	}

	rt, ok := s.match(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID(r))
		return "not_found"
	}
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, rt.scope, s.cfg.Clock().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID(r))
		return rt.name
	}
	if rt.mutates && s.drive.ReadOnly() {
		s.fail(w, r, teledrive.ErrReadOnly)
		return rt.name
	}
	rt.handle(w, r, claims)
	return rt.name
}

func (s *Server) match(r *http.Request) (route, bool) {
	get, post, del := r.Method == http.MethodGet, r.Method == http.MethodPost, r.Method == http.MethodDelete
	switch r.URL.Path {
	case "/v1/fs/list":
		if get {
			return route{"list", ScopeRead, false, s.handleList}, true
		}
	case "/v1/fs/entry":
		if get {
			return route{"entry", ScopeRead, false, s.handleEntry}, true
		}
		if del {
			return route{"delete", ScopeWrite, true, s.handleDelete}, true
		}
	case "/v1/fs/folders":
		if post {
			return route{"create_folder", ScopeWrite, true, s.handleCreateFolder}, true
		}
	case "/v1/fs/move":
		if post {
			return route{"move", ScopeWrite, true, s.handleMove}, true
		}
	case "/v1/fs/rename":
		if post {
			return route{"rename", ScopeWrite, true, s.handleRename}, true
		}
	case "/v1/fs/search":
		if get {
			return route{"search", ScopeRead, false, s.handleSearch}, true
		}
	case "/v1/fs/stats":
		if get {
			return route{"stats", ScopeRead, false, s.handleStats}, true
		}
	case "/v1/fs/cleanup":
		if get {
			return route{"cleanup", ScopeRead, false, s.handleCleanup}, true
		}
	case "/v1/fs/pin":
		if post || del {
			return route{"pin", ScopeWrite, true, s.handlePin}, true
		}
	case "/v1/shares":
		if post {
			return route{"share_issue", ScopeShare, true, s.handleShareIssue}, true
		}
		if del {
			return route{"share_revoke", ScopeShare, true, s.handleShareRevoke}, true
		}
	case "/v1/sync/runs":
		if post {
			return route{"sync_run", ScopeSyncRun, true, s.handleSyncRun}, true
		}
	case "/v1/sync/runs/latest":
		if get {
			return route{"sync_latest", ScopeRead, false, s.handleSyncLatest}, true
		}
	case "/v1/sync/stream":
		if get {
			return route{"sync_stream", ScopeRead, false, s.handleStream}, true
		}
	}
	return route{}, false
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, _ *Claims) {
	p := queryPath(r, "/")
	entries, err := s.drive.Hierarchy().List(p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": p, "entries": entryViews(entries)})
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request, _ *Claims) {
	p := queryPath(r, "")
	if p == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing path query", correlationID(r))
		return
	}
	entry, err := s.drive.Hierarchy().Lookup(p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entryView(entry))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, _ *Claims) {
	p := queryPath(r, "")
	if p == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing path query", correlationID(r))
		return
	}
	recursive, err := parseOptionalBool(r.URL.Query().Get("recursive"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid recursive query", correlationID(r))
		return
	}
	if err := s.drive.Hierarchy().Delete(p, teledrive.DeleteOptions{Recursive: recursive}); err != nil {
		s.fail(w, r, err)
		return
	}
	s.publish(events.Event{Type: events.EventEntryChanged, Op: "delete", Path: p})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request, claims *Claims) {
	var body struct {
		Parent string `json:"parent"`
		Name   string `json:"name"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if body.Parent == "" {
		body.Parent = teledrive.RootPath
	}
	folder, err := s.drive.Hierarchy().CreateFolder(body.Parent, body.Name, claims.Subject)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.publish(events.Event{Type: events.EventEntryChanged, Op: "create", Path: folder.Path})
	writeJSON(w, http.StatusCreated, entryView(folder))
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request, _ *Claims) {
	var body struct {
		Path   string `json:"path"`
		Parent string `json:"parent"`
		Name   string `json:"name"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if body.Path == "" || body.Parent == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "path and parent are required", correlationID(r))
		return
	}
	entry, err := s.drive.Hierarchy().Move(body.Path, body.Parent, body.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.publish(events.Event{Type: events.EventEntryChanged, Op: "move", Path: entry.EntryPath()})
	writeJSON(w, http.StatusOK, entryView(entry))
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, _ *Claims) {
	var body struct {
		Path string `json:"path"`
		Name string `json:"name"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if body.Path == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "path is required", correlationID(r))
		return
	}
	entry, err := s.drive.Hierarchy().Rename(body.Path, body.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.publish(events.Event{Type: events.EventEntryChanged, Op: "rename", Path: entry.EntryPath()})
	writeJSON(w, http.StatusOK, entryView(entry))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, _ *Claims) {
	q := r.URL.Query()
	key, err := teledrive.ParseSortKey(q.Get("sort"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	opts := teledrive.SearchOptions{Sort: key}
	switch strings.ToLower(strings.TrimSpace(q.Get("order"))) {
	case "", "asc":
	case "desc":
		opts.Descending = true
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "order must be asc or desc", correlationID(r))
		return
	}
	switch kind := teledrive.EntryKind(strings.ToLower(strings.TrimSpace(q.Get("kind")))); kind {
	case "", teledrive.KindFile, teledrive.KindFolder:
		opts.Kind = kind
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "kind must be file or folder", correlationID(r))
		return
	}
	limit := parseBoundedInt(q.Get("limit"), 200, 1, 1000)
	results := s.drive.Hierarchy().Search(q.Get("q"), opts)
	truncated := len(results) > limit
	if truncated {
		results = results[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entryViews(results), "truncated": truncated})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ *Claims) {
	writeJSON(w, http.StatusOK, s.drive.Hierarchy().Stats())
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request, _ *Claims) {
	olderThan := 30 * 24 * time.Hour
	if raw := strings.TrimSpace(r.URL.Query().Get("olderThan")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid olderThan duration", correlationID(r))
			return
		}
		olderThan = parsed
	}
	files, reclaim := s.drive.Hierarchy().CleanupCandidates(olderThan)
	views := make([]any, 0, len(files))
	for _, f := range files {
		views = append(views, entryView(f))
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": views, "reclaimableBytes": reclaim})
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request, _ *Claims) {
	p := queryPath(r, "")
	if p == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing path query", correlationID(r))
		return
	}
	var (
		f   teledrive.File
		err error
		op  = "pin"
	)
	if r.Method == http.MethodDelete {
		op = "unpin"
		f, err = s.drive.Hierarchy().Unpin(p)
	} else {
		f, err = s.drive.Hierarchy().Pin(p)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.publish(events.Event{Type: events.EventEntryChanged, Op: op, Path: f.Path})
	writeJSON(w, http.StatusOK, entryView(f))
}

func (s *Server) handleShareIssue(w http.ResponseWriter, r *http.Request, _ *Claims) {
	var body struct {
		Path         string `json:"path"`
		Password     string `json:"password"`
		MaxDownloads int    `json:"maxDownloads"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if body.Path == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "path is required", correlationID(r))
		return
	}
	link, err := s.drive.Shares().Issue(body.Path, teledrive.IssueOptions{Password: body.Password, MaxDownloads: body.MaxDownloads})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.publish(events.Event{Type: events.EventShareChanged, Op: "issue", Path: link.Path})
	writeJSON(w, http.StatusCreated, link)
}

func (s *Server) handleShareRevoke(w http.ResponseWriter, r *http.Request, _ *Claims) {
	p := queryPath(r, "")
	if p == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing path query", correlationID(r))
		return
	}
	if err := s.drive.Shares().Revoke(p); err != nil {
		s.fail(w, r, err)
		return
	}
	s.publish(events.Event{Type: events.EventShareChanged, Op: "revoke", Path: p})
	w.WriteHeader(http.StatusNoContent)
}

// handleShareDownload is public: the token plus an optional password is
// the credential.
func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request, token string) {
	shares := s.drive.Shares()
	f, err := shares.Authorize(token, r.Header.Get("X-Share-Password"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body, err := s.drive.Open(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer body.Close()
	if !s.drive.ReadOnly() {
		if err := shares.RecordDownload(token); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	mimeType := f.MimeType
	if mimeType == "" {
		mimeType = teledrive.DefaultMimeType
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}))
	if f.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		logging.WithContext(r.Context()).Warn("share download interrupted", logging.Path(f.Path), logging.Err(err))
	}
}

func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request, _ *Claims) {
	if s.cfg.Runs == nil {
		s.fail(w, r, fmt.Errorf("%w: no remote store configured", teledrive.ErrNotImplemented))
		return
	}
	summary, err := s.cfg.Runs.Trigger(r.Context(), "api")
	if err != nil && !errors.Is(err, context.Canceled) {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSyncLatest(w http.ResponseWriter, r *http.Request, _ *Claims) {
	rec := s.drive.Reconciler()
	if rec == nil {
		s.fail(w, r, fmt.Errorf("%w: no remote store configured", teledrive.ErrNotImplemented))
		return
	}
	summary, ok := rec.LastSummary()
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: no reconcile run yet", teledrive.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleStream pushes events to a websocket until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, _ *Claims) {
	if s.cfg.Events == nil {
		s.fail(w, r, fmt.Errorf("%w: event stream disabled", teledrive.ErrNotImplemented))
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logging.WithContext(r.Context()).Warn("websocket accept failed", logging.Err(err))
		return
	}
	defer conn.CloseNow()

	ch := s.cfg.Events.Subscribe()
	defer s.cfg.Events.Unsubscribe(ch)
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, s.cfg.StreamWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) publish(ev events.Event) {
	if s.cfg.Events != nil {
		s.cfg.Events.Publish(ev)
	}
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed", zap.String("path", r.URL.Path), logging.Err(err))
	}
	writeError(w, status, code, err.Error(), correlationID(r))
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, teledrive.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, teledrive.ErrRunInProgress):
		return http.StatusConflict, "run_in_progress"
	case errors.Is(err, teledrive.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, teledrive.ErrInvalidInput):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, teledrive.ErrExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, teledrive.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.Is(err, teledrive.ErrShareForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, teledrive.ErrSharePasswordRequired):
		return http.StatusUnauthorized, "password_required"
	case errors.Is(err, teledrive.ErrShareLimitReached):
		return http.StatusTooManyRequests, "limit_reached"
	case errors.Is(err, teledrive.ErrReadOnly):
		return http.StatusForbidden, "read_only"
	case errors.Is(err, teledrive.ErrNotImplemented):
		return http.StatusNotImplemented, "not_implemented"
	case errors.Is(err, teledrive.ErrTransferFailure):
		return http.StatusBadGateway, "transfer_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// entryView is the wire form of a File or Folder. Password hashes never
// leave the process.
func entryView(e teledrive.Entry) any {
	switch v := e.(type) {
	case teledrive.File:
		v.SharePasswordHash = ""
		return struct {
			Kind teledrive.EntryKind `json:"kind"`
			teledrive.File
		}{teledrive.KindFile, v}
	case teledrive.Folder:
		return struct {
			Kind teledrive.EntryKind `json:"kind"`
			teledrive.Folder
		}{teledrive.KindFolder, v}
	}
	return nil
}

func entryViews(entries []teledrive.Entry) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView(e))
	}
	return out
}

func queryPath(r *http.Request, fallback string) string {
	p := strings.TrimSpace(r.URL.Query().Get("path"))
	if p == "" {
		return fallback
	}
	return p
}

func correlationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return logging.RequestID(r.Context())
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID(r))
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID(r))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID(r))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	return strconv.ParseBool(trimmed)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw.status = http.StatusSwitchingProtocols
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}
