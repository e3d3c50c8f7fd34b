package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/teledrive/internal/logging"
	"github.com/agentworkforce/teledrive/internal/metrics"
)

const (
	defaultTelegramAPIBase = "https://api.telegram.org"
	telegramCaptionLimit   = 1024
)

type TelegramOptions struct {
	Token      string
	ChatID     string
	APIBase    string
	HTTPClient *http.Client
	MaxPayload int64
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *zap.Logger
}

// TelegramStore stores each blob as a document message in one chat.
type TelegramStore struct {
	apiBase    string
	token      string
	chatID     string
	httpClient *http.Client
	maxPayload int64
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *zap.Logger
}

// APIError is a non-2xx Bot API answer. Every APIError is a transfer failure;
// 413 additionally matches ErrTooLarge and 400/404 on getFile match ErrNotFound.
type APIError struct {
	StatusCode  int
	Description string
	RetryAfter  time.Duration
	notFound    bool
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram %d: %s", e.StatusCode, e.Description)
	}
	return fmt.Sprintf("telegram %d", e.StatusCode)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrTransfer:
		return true
	case ErrTooLarge:
		return e.StatusCode == http.StatusRequestEntityTooLarge
	case ErrNotFound:
		return e.notFound
	}
	return false
}

type telegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type telegramMessage struct {
	MessageID int64 `json:"message_id"`
	Document  *struct {
		FileID       string `json:"file_id"`
		FileUniqueID string `json:"file_unique_id"`
		FileName     string `json:"file_name"`
		FileSize     int64  `json:"file_size"`
	} `json:"document"`
}

type telegramFile struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	FilePath string `json:"file_path"`
}

func NewTelegramStore(opts TelegramOptions) (*TelegramStore, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	chatID := strings.TrimSpace(opts.ChatID)
	if chatID == "" {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	apiBase := strings.TrimRight(strings.TrimSpace(opts.APIBase), "/")
	if apiBase == "" {
		apiBase = defaultTelegramAPIBase
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	maxPayload := opts.MaxPayload
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &TelegramStore{
		apiBase:    apiBase,
		token:      token,
		chatID:     chatID,
		httpClient: httpClient,
		maxPayload: maxPayload,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logging.OrDefault(opts.Logger, "telegram"),
	}, nil
}

func (s *TelegramStore) Name() string { return "telegram" }

func (s *TelegramStore) MaxPayload() int64 { return s.maxPayload }

func (s *TelegramStore) Upload(ctx context.Context, blob Blob) (Receipt, error) {
	if err := checkSize(blob, s.maxPayload); err != nil {
		return Receipt{}, err
	}
	start := time.Now()
	var msg telegramMessage
	err := s.call(ctx, "sendDocument", func() (*http.Request, error) {
		return s.newDocumentRequest(ctx, blob)
	}, &msg)
	if err == nil && (msg.Document == nil || msg.Document.FileID == "") {
		err = fmt.Errorf("%w: sendDocument returned no document", ErrTransfer)
	}
	metrics.RecordRemoteTransfer(s.Name(), "upload", time.Since(start), err == nil)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		RemoteID:   msg.Document.FileID,
		TransferID: strconv.FormatInt(msg.MessageID, 10),
	}, nil
}

// newDocumentRequest streams the multipart body from blob.Open through a pipe
// so the blob is never buffered whole.
func (s *TelegramStore) newDocumentRequest(ctx context.Context, blob Blob) (*http.Request, error) {
	content, err := blob.Open()
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		defer content.Close()
		err := writeDocumentForm(form, s.chatID, blob, content)
		if err == nil {
			err = form.Close()
		}
		_ = pw.CloseWithError(err)
	}()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.methodURL("sendDocument"), pr)
	if err != nil {
		_ = pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	return req, nil
}

func writeDocumentForm(form *multipart.Writer, chatID string, blob Blob, content io.Reader) error {
	if err := form.WriteField("chat_id", chatID); err != nil {
		return err
	}
	if err := form.WriteField("caption", caption(blob, telegramCaptionLimit)); err != nil {
		return err
	}
	if err := form.WriteField("disable_content_type_detection", "true"); err != nil {
		return err
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="document"; filename=%q`, blob.Name))
	mimeType := blob.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header.Set("Content-Type", mimeType)
	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, content)
	return err
}

func (s *TelegramStore) Download(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	start := time.Now()
	var file telegramFile
	query := url.Values{"file_id": {remoteID}}
	err := s.call(ctx, "getFile", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, s.methodURL("getFile")+"?"+query.Encode(), nil)
	}, &file)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusNotFound) {
			apiErr.notFound = true
		}
		metrics.RecordRemoteTransfer(s.Name(), "download", time.Since(start), false)
		return nil, err
	}
	if file.FilePath == "" {
		metrics.RecordRemoteTransfer(s.Name(), "download", time.Since(start), false)
		return nil, fmt.Errorf("%w: file %s has no download path", ErrNotFound, remoteID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/file/bot%s/%s", s.apiBase, s.token, file.FilePath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		metrics.RecordRemoteTransfer(s.Name(), "download", time.Since(start), false)
		return nil, fmt.Errorf("%w: %v", ErrTransfer, s.redact(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		metrics.RecordRemoteTransfer(s.Name(), "download", time.Since(start), false)
		return nil, &APIError{StatusCode: resp.StatusCode, notFound: resp.StatusCode == http.StatusNotFound}
	}
	metrics.RecordRemoteTransfer(s.Name(), "download", time.Since(start), true)
	return resp.Body, nil
}

// redact strips the bot token, which net/http embeds in url.Error messages.
func (s *TelegramStore) redact(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(strings.ReplaceAll(err.Error(), s.token, "<token>"))
}

func (s *TelegramStore) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", s.apiBase, s.token, method)
}

// call performs a Bot API method, retrying network errors, 429 and 5xx with
// exponential backoff. newRequest is invoked once per attempt.
func (s *TelegramStore) call(ctx context.Context, method string, newRequest func() (*http.Request, error), out any) error {
	for attempt := 0; ; attempt++ {
		req, err := newRequest()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrTransfer, method, err)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			err = s.redact(err)
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s: %v", ErrTransfer, method, ctx.Err())
			}
			if attempt < s.maxRetries {
				s.logger.Debug("retrying telegram call", zap.String("method", method), zap.Int("attempt", attempt+1), logging.Err(err))
				if waitErr := waitWithContext(ctx, s.retryDelay(attempt+1, 0)); waitErr != nil {
					return fmt.Errorf("%w: %s: %v", ErrTransfer, method, waitErr)
				}
				continue
			}
			return fmt.Errorf("%w: %s: %v", ErrTransfer, method, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %s: %v", ErrTransfer, method, readErr)
		}

		var envelope telegramResponse
		decodeErr := json.Unmarshal(payload, &envelope)
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 && decodeErr == nil && envelope.OK {
			if out == nil || len(envelope.Result) == 0 {
				return nil
			}
			if err := json.Unmarshal(envelope.Result, out); err != nil {
				return fmt.Errorf("%w: %s: decode result: %v", ErrTransfer, method, err)
			}
			return nil
		}

		apiErr := &APIError{StatusCode: resp.StatusCode, Description: envelope.Description}
		if envelope.ErrorCode != 0 {
			apiErr.StatusCode = envelope.ErrorCode
		}
		if envelope.Parameters != nil && envelope.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(envelope.Parameters.RetryAfter) * time.Second
		} else if header := parseRetryAfter(resp.Header.Get("Retry-After")); header > 0 {
			apiErr.RetryAfter = header
		}
		if retryable(apiErr.StatusCode) && attempt < s.maxRetries {
			s.logger.Debug("retrying telegram call",
				zap.String("method", method),
				zap.Int("status", apiErr.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			if waitErr := waitWithContext(ctx, s.retryDelay(attempt+1, apiErr.RetryAfter)); waitErr != nil {
				return fmt.Errorf("%w: %s: %v", ErrTransfer, method, waitErr)
			}
			continue
		}
		return apiErr
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func (s *TelegramStore) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > s.maxDelay {
			return s.maxDelay
		}
		return retryAfter
	}
	delay := s.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
