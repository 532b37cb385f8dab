package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTemporaryKeyURL issues short-lived realtime keys.
const DefaultTemporaryKeyURL = "https://mp.speechmatics.com/v1/api_keys?type=rt"

// ErrNoCredential means no usable provider credential is configured.
var ErrNoCredential = errors.New("no provider credential available")

// Credential authenticates one socket.
type Credential struct {
	Token     string
	ExpiresAt time.Time // Zero when the token does not expire
}

// Expired reports whether the credential is unusable at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// CredentialSource produces a credential for each connect attempt.
type CredentialSource interface {
	Credential(ctx context.Context) (Credential, error)
}

// StaticCredential is a fixed API key.
type StaticCredential string

// Credential implements CredentialSource.
func (s StaticCredential) Credential(ctx context.Context) (Credential, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return Credential{}, ErrNoCredential
	}
	cred := Credential{Token: token}
	if exp, ok := ExpiryFromToken(token); ok {
		cred.ExpiresAt = exp
		if cred.Expired(time.Now()) {
			return Credential{}, fmt.Errorf("%w: token expired at %s", ErrNoCredential, exp.Format(time.RFC3339))
		}
	}
	return cred, nil
}

// ExpiryFromToken reads the exp claim when token is a JWT. The signature is
// not verified; the provider does that.
func ExpiryFromToken(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// TemporaryKeySource exchanges a long-lived API key for short-lived realtime
// keys, caching each until shortly before it expires.
type TemporaryKeySource struct {
	URL        string        // Default: DefaultTemporaryKeyURL
	APIKey     string        // Long-lived key
	TTL        time.Duration // Requested lifetime. Default: 1h
	HTTPClient *http.Client
	Now        func() time.Time

	mu     sync.Mutex
	cached Credential
}

// refreshMargin keeps a cached key from expiring mid-handshake.
const refreshMargin = 30 * time.Second

type temporaryKeyRequest struct {
	TTL int `json:"ttl"`
}

type temporaryKeyResponse struct {
	KeyValue string `json:"key_value"`
}

// Credential implements CredentialSource.
func (s *TemporaryKeySource) Credential(ctx context.Context) (Credential, error) {
	if strings.TrimSpace(s.APIKey) == "" {
		return Credential{}, ErrNoCredential
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached.Token != "" && !s.cached.Expired(now().Add(refreshMargin)) {
		return s.cached, nil
	}

	ttl := s.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	body, err := json.Marshal(temporaryKeyRequest{TTL: int(ttl / time.Second)})
	if err != nil {
		return Credential{}, fmt.Errorf("marshal request: %w", err)
	}

	url := s.URL
	if url == "" {
		url = DefaultTemporaryKeyURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("temporary key request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Credential{}, fmt.Errorf("temporary key error %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	var out temporaryKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Credential{}, fmt.Errorf("parse response: %w", err)
	}
	if strings.TrimSpace(out.KeyValue) == "" {
		return Credential{}, fmt.Errorf("%w: empty key in response", ErrNoCredential)
	}

	cred := Credential{Token: out.KeyValue, ExpiresAt: now().Add(ttl)}
	if exp, ok := ExpiryFromToken(out.KeyValue); ok {
		cred.ExpiresAt = exp
	}
	s.cached = cred
	return cred, nil
}
