package objectstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"
)

const testToken = "123:secret"

func stringBlob(name, body string) Blob {
	return Blob{
		Name:     name,
		MimeType: "text/plain",
		Size:     int64(len(body)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(body)), nil
		},
		Metadata: map[string]string{"path": "/Docs/" + name},
	}
}

func newTestTelegram(t *testing.T, handler http.Handler) *TelegramStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	store, err := NewTelegramStore(TelegramOptions{
		Token:      testToken,
		ChatID:     "-100200",
		APIBase:    server.URL,
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new telegram store: %v", err)
	}
	return store
}

func TestTelegramUploadRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	var gotChat, gotCaption, gotBody, gotName string
	store := newTestTelegram(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bot"+testToken+"/sendDocument" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":429,"description":"Too Many Requests"}`)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotChat = r.FormValue("chat_id")
		gotCaption = r.FormValue("caption")
		file, header, err := r.FormFile("document")
		if err == nil {
			data, _ := io.ReadAll(file)
			gotBody = string(data)
			gotName = header.Filename
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":77,"document":{"file_id":"BQACAg","file_unique_id":"u","file_name":"a.txt","file_size":5}}}`)
	}))

	receipt, err := store.Upload(context.Background(), stringBlob("a.txt", "hello"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if receipt.RemoteID != "BQACAg" || receipt.TransferID != "77" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
	if gotChat != "-100200" || gotBody != "hello" || gotName != "a.txt" {
		t.Fatalf("unexpected form chat=%q body=%q name=%q", gotChat, gotBody, gotName)
	}
	if !strings.Contains(gotCaption, "/Docs/a.txt") {
		t.Fatalf("expected caption to carry the path, got %q", gotCaption)
	}
}

func TestTelegramUploadClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	store := newTestTelegram(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":413,"description":"Request Entity Too Large"}`)
	}))
	_, err := store.Upload(context.Background(), stringBlob("big.bin", "xx"))
	if !errors.Is(err, ErrTooLarge) || !errors.Is(err, ErrTransfer) {
		t.Fatalf("expected too-large transfer error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retry, got %d calls", calls.Load())
	}
}

func TestTelegramUploadRejectsOversizedBlobLocally(t *testing.T) {
	store := newTestTelegram(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	}))
	blob := stringBlob("huge.bin", "x")
	blob.Size = DefaultMaxPayload + 1
	var tooLarge *TooLargeError
	if _, err := store.Upload(context.Background(), blob); !errors.As(err, &tooLarge) {
		t.Fatalf("expected TooLargeError, got %v", err)
	}
}

func TestTelegramDownload(t *testing.T) {
	store := newTestTelegram(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bot" + testToken + "/getFile":
			if r.URL.Query().Get("file_id") == "missing" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: invalid file_id"}`)
				return
			}
			_, _ = io.WriteString(w, `{"ok":true,"result":{"file_id":"BQACAg","file_path":"documents/file_1.txt"}}`)
		case "/file/bot" + testToken + "/documents/file_1.txt":
			_, _ = io.WriteString(w, "stored bytes")
		default:
			http.NotFound(w, r)
		}
	}))

	body, err := store.Download(context.Background(), "BQACAg")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "stored bytes" {
		t.Fatalf("unexpected content %q", data)
	}

	if _, err := store.Download(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTelegramErrorsDoNotLeakToken(t *testing.T) {
	store, err := NewTelegramStore(TelegramOptions{
		Token:      testToken,
		ChatID:     "1",
		APIBase:    "http://127.0.0.1:1",
		MaxRetries: -1,
	})
	if err != nil {
		t.Fatalf("new telegram store: %v", err)
	}
	_, err = store.Upload(context.Background(), stringBlob("a.txt", "x"))
	if err == nil {
		t.Fatalf("expected connection error")
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("error leaks bot token: %v", err)
	}
}

func TestCaptionTruncatesOnRuneBoundary(t *testing.T) {
	blob := Blob{Name: strings.Repeat("é", 2000)}
	got := caption(blob, 1024)
	if n := utf8.RuneCountInString(got); n != 1024 {
		t.Fatalf("expected 1024 runes, got %d", n)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("caption is not valid utf-8")
	}
}
