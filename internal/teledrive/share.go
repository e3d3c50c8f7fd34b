package teledrive

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentworkforce/teledrive/internal/metrics"
)

const shareTokenBytes = 32

type ShareOptions struct {
	TTL   time.Duration
	Clock func() time.Time
}

type IssueOptions struct {
	Password     string
	MaxDownloads int
}

type ShareLink struct {
	Token             string    `json:"token"`
	Path              string    `json:"path"`
	ExpiresAt         time.Time `json:"expiresAt"`
	PasswordProtected bool      `json:"passwordProtected"`
	MaxDownloads      int       `json:"maxDownloads,omitempty"`
}

// ShareIssuer hands out time-limited bearer tokens for single files. The
// token state lives on the File record so it persists with the hierarchy.
type ShareIssuer struct {
	h     *Hierarchy
	ttl   time.Duration
	clock func() time.Time
}

func NewShareIssuer(h *Hierarchy, opts ShareOptions) *ShareIssuer {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultShareTTL
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ShareIssuer{h: h, ttl: ttl, clock: clock}
}

// Issue creates a fresh token for the file at p, replacing any earlier one.
func (s *ShareIssuer) Issue(p string, opts IssueOptions) (ShareLink, error) {
	if opts.MaxDownloads < 0 {
		return ShareLink{}, pathErr("share", p, fmt.Errorf("%w: negative download limit", ErrInvalidInput))
	}
	token, err := newShareToken()
	if err != nil {
		return ShareLink{}, err
	}
	var hash string
	if opts.Password != "" {
		raw, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
		if err != nil {
			return ShareLink{}, fmt.Errorf("hash share password: %w", err)
		}
		hash = string(raw)
	}
	expiresAt := s.clock().Add(s.ttl).UTC()

	f, err := s.h.updateFile("share", p, func(f *File) (bool, error) {
		f.ShareToken = token
		f.ShareExpiresAt = &expiresAt
		f.SharePasswordHash = hash
		f.ShareMaxDownloads = opts.MaxDownloads
		f.ShareDownloads = 0
		return true, nil
	})
	if err != nil {
		return ShareLink{}, err
	}
	metrics.RecordShareEvent("issued")
	return ShareLink{
		Token:             token,
		Path:              f.Path,
		ExpiresAt:         expiresAt,
		PasswordProtected: hash != "",
		MaxDownloads:      opts.MaxDownloads,
	}, nil
}

func (s *ShareIssuer) Revoke(p string) error {
	_, err := s.h.updateFile("revoke share", p, func(f *File) (bool, error) {
		if f.ShareToken == "" {
			return false, nil
		}
		clearShare(f)
		return true, nil
	})
	if err == nil {
		metrics.RecordShareEvent("revoked")
	}
	return err
}

// IsValid resolves a token to its file. A link is expired from the instant
// now reaches its expiry.
func (s *ShareIssuer) IsValid(token string) (File, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return File{}, fmt.Errorf("%w: empty share token", ErrNotFound)
	}
	f, ok := s.h.fileByShareToken(token)
	if !ok {
		metrics.RecordShareEvent("not_found")
		return File{}, fmt.Errorf("%w: unknown share token", ErrNotFound)
	}
	if f.ShareExpiresAt == nil || !s.clock().Before(*f.ShareExpiresAt) {
		metrics.RecordShareEvent("expired")
		return File{}, fmt.Errorf("%w: share link for %s", ErrExpired, f.Path)
	}
	return f, nil
}

// Authorize checks validity, the optional password and the download limit.
func (s *ShareIssuer) Authorize(token, password string) (File, error) {
	f, err := s.IsValid(token)
	if err != nil {
		return File{}, err
	}
	if f.SharePasswordHash != "" {
		if password == "" {
			metrics.RecordShareEvent("password_required")
			return File{}, ErrSharePasswordRequired
		}
		if bcrypt.CompareHashAndPassword([]byte(f.SharePasswordHash), []byte(password)) != nil {
			metrics.RecordShareEvent("forbidden")
			return File{}, ErrShareForbidden
		}
	}
	if f.ShareMaxDownloads > 0 && f.ShareDownloads >= f.ShareMaxDownloads {
		metrics.RecordShareEvent("limit_reached")
		return File{}, ErrShareLimitReached
	}
	return f, nil
}

func (s *ShareIssuer) RecordDownload(token string) error {
	token = strings.TrimSpace(token)
	f, err := s.IsValid(token)
	if err != nil {
		return err
	}
	_, err = s.h.updateFileByID("share download", f.ID, func(rec *File) (bool, error) {
		if rec.ShareToken != token {
			return false, fmt.Errorf("%w: share link was replaced", ErrNotFound)
		}
		if rec.ShareMaxDownloads > 0 && rec.ShareDownloads >= rec.ShareMaxDownloads {
			return false, ErrShareLimitReached
		}
		rec.ShareDownloads++
		return true, nil
	})
	if err == nil {
		metrics.RecordShareEvent("downloaded")
	}
	return err
}

func clearShare(f *File) {
	f.ShareToken = ""
	f.ShareExpiresAt = nil
	f.SharePasswordHash = ""
	f.ShareMaxDownloads = 0
	f.ShareDownloads = 0
}

func newShareToken() (string, error) {
	buf := make([]byte, shareTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate share token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
