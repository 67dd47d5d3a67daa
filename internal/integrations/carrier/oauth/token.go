// Package oauth caches client-credentials bearer tokens per credential pair.
package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/PartSync/internal/integrations/carrier"
	"github.com/BearBump/PartSync/internal/syncerr"
	"github.com/pkg/errors"
)

const (
	// ExpiryMargin is subtracted from expires_in so a token is never used in its last minute.
	ExpiryMargin        = 60 * time.Second
	defaultExpiresInSec = 3600
)

// AuthStyle selects how the client credentials travel to the token endpoint.
type AuthStyle int

const (
	AuthStyleBasicHeader AuthStyle = iota // UPS
	AuthStyleForm                         // FedEx
)

type cachedToken struct {
	value     string
	expiresAt time.Time
}

type TokenSource struct {
	provider string
	tokenURL string
	style    AuthStyle
	httpc    *http.Client
	now      func() time.Time

	mu     sync.Mutex
	tokens map[string]cachedToken
}

func NewTokenSource(provider, tokenURL string, style AuthStyle, httpc *http.Client) *TokenSource {
	if httpc == nil {
		httpc = carrier.NewHTTPClient()
	}
	return &TokenSource{
		provider: provider,
		tokenURL: tokenURL,
		style:    style,
		httpc:    httpc,
		now:      time.Now,
		tokens:   make(map[string]cachedToken),
	}
}

func (s *TokenSource) WithClock(now func() time.Time) *TokenSource {
	if now != nil {
		s.now = now
	}
	return s
}

func cacheKey(clientID, clientSecret string) string {
	return clientID + "\x00" + clientSecret
}

// Token returns a cached bearer token or fetches a new one. The lock is held
// across the fetch so concurrent lookups for the same pair authenticate once.
func (s *TokenSource) Token(ctx context.Context, clientID, clientSecret string) (string, error) {
	if clientID == "" || clientSecret == "" {
		return "", syncerr.Missing(s.provider, strings.ToUpper(s.provider)+" API credentials")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := cacheKey(clientID, clientSecret)
	if tok, ok := s.tokens[key]; ok && tok.expiresAt.After(s.now()) {
		return tok.value, nil
	}
	delete(s.tokens, key)

	tok, err := s.fetch(ctx, clientID, clientSecret)
	if err != nil {
		return "", err
	}
	s.tokens[key] = tok
	return tok.value, nil
}

// Invalidate drops the cached token, e.g. after the provider answered 401.
func (s *TokenSource) Invalidate(clientID, clientSecret string) {
	s.mu.Lock()
	delete(s.tokens, cacheKey(clientID, clientSecret))
	s.mu.Unlock()
}

type tokenResp struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   json.RawMessage `json:"expires_in"`
}

func (s *TokenSource) fetch(ctx context.Context, clientID, clientSecret string) (cachedToken, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if s.style == AuthStyleForm {
		form.Set("client_id", clientID)
		form.Set("client_secret", clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return cachedToken{}, syncerr.Transient(s.provider, syncerr.OpToken, errors.Wrap(err, "new request"))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.style == AuthStyleBasicHeader {
		req.SetBasicAuth(clientID, clientSecret)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return cachedToken{}, syncerr.Transient(s.provider, syncerr.OpToken, errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		// Отказ на token endpoint с 4xx почти всегда означает неверные ключи.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
			return cachedToken{}, syncerr.Auth(s.provider, syncerr.OpToken, errors.Errorf("http %d: %s", resp.StatusCode, b))
		}
		return cachedToken{}, carrier.ReadError(resp, s.provider, syncerr.OpToken)
	}

	var tr tokenResp
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return cachedToken{}, syncerr.Transient(s.provider, syncerr.OpToken, errors.Wrap(err, "decode"))
	}
	if tr.AccessToken == "" {
		return cachedToken{}, syncerr.Auth(s.provider, syncerr.OpToken, errors.New("empty access_token"))
	}

	return cachedToken{
		value:     tr.AccessToken,
		expiresAt: s.now().Add(time.Duration(expiresIn(tr.ExpiresIn))*time.Second - ExpiryMargin),
	}, nil
}

// expires_in arrives as a number (FedEx) or a quoted number (UPS).
func expiresIn(raw json.RawMessage) int {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" {
		return defaultExpiresInSec
	}
	var n int
	if err := json.Unmarshal([]byte(s), &n); err != nil || n <= 0 {
		return defaultExpiresInSec
	}
	return n
}
