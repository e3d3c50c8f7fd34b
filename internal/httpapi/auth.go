package httpapi

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "teledrive"

const (
	ScopeRead      = "fs:read"
	ScopeWrite     = "fs:write"
	ScopeShare     = "share:write"
	ScopeSyncRun   = "sync:run"
	defaultSubject = "teledrive-cli"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// scopeList accepts scopes as a JSON array or a space separated string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = compactScopes(list)
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return errors.New("scopes must be a string or an array of strings")
	}
	*s = compactScopes(strings.Fields(joined))
	return nil
}

func compactScopes(in []string) scopeList {
	out := make(scopeList, 0, len(in))
	for _, scope := range in {
		if scope = strings.TrimSpace(scope); scope != "" {
			out = append(out, scope)
		}
	}
	return out
}

type Claims struct {
	Scopes scopeList `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *Claims) has(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func authorizeBearer(authHeader, secret, requiredScope string, now time.Time) (*Claims, *authError) {
	claims, err := parseBearer(authHeader, secret, now)
	if err != nil {
		return nil, err
	}
	if requiredScope != "" && !claims.has(requiredScope) {
		return nil, &authError{status: 403, code: "forbidden", message: "missing required scope: " + requiredScope}
	}
	return claims, nil
}

func parseBearer(authHeader, secret string, now time.Time) (*Claims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		message := "invalid token"
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			message = "token expired"
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			message = "jwt signature mismatch"
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			message = "invalid aud claim"
		case errors.Is(err, jwt.ErrTokenMalformed):
			message = "invalid jwt format"
		}
		return nil, &authError{status: 401, code: "unauthorized", message: message}
	}
	if len(claims.Scopes) == 0 {
		return nil, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}

// SignToken mints an HS256 API token. The daemon's -issue-token flag and
// tests use it.
func SignToken(secret, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	if subject == "" {
		subject = defaultSubject
	}
	claims := Claims{
		Scopes: compactScopes(scopes),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
