package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/possync/client/internal/config"
)

// Tokens are refreshed this long before they expire
const tokenExpiryLeeway = 30 * time.Second

// TokenRefresher obtains a fresh access token from the auth collaborator
type TokenRefresher interface {
	Refresh(ctx context.Context) (*oauth2.Token, error)
}

// OAuth2Refresher runs the OAuth2 refresh-token grant
type OAuth2Refresher struct {
	cfg          *oauth2.Config
	mu           sync.Mutex
	refreshToken string
}

// NewOAuth2Refresher creates a refresher from auth configuration
func NewOAuth2Refresher(auth config.Auth) *OAuth2Refresher {
	return &OAuth2Refresher{
		cfg: &oauth2.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: auth.TokenURL},
		},
		refreshToken: auth.RefreshToken,
	}
}

// Refresh exchanges the current refresh token. A rotated refresh token
// returned by the server replaces the stored one.
func (r *OAuth2Refresher) Refresh(ctx context.Context) (*oauth2.Token, error) {
	r.mu.Lock()
	current := r.refreshToken
	r.mu.Unlock()

	if current == "" {
		return nil, errors.New("no refresh token configured")
	}

	tok, err := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: current}).Token()
	if err != nil {
		return nil, err
	}

	if tok.RefreshToken != "" && tok.RefreshToken != current {
		r.mu.Lock()
		r.refreshToken = tok.RefreshToken
		r.mu.Unlock()
	}
	return tok, nil
}

// TokenManager caches the bearer token and collapses concurrent refreshes
// into a single call whose result every waiter shares.
type TokenManager struct {
	refresher TokenRefresher
	group     singleflight.Group
	timeout   time.Duration
	now       func() time.Time

	mu    sync.RWMutex
	token *oauth2.Token
}

// NewTokenManager creates a manager. A nil refresher disables authentication:
// Token returns "" and requests go out without an Authorization header.
func NewTokenManager(refresher TokenRefresher, now func() time.Time) *TokenManager {
	if now == nil {
		now = time.Now
	}
	return &TokenManager{
		refresher: refresher,
		timeout:   30 * time.Second,
		now:       now,
	}
}

// Enabled reports whether requests are authenticated
func (m *TokenManager) Enabled() bool {
	return m != nil && m.refresher != nil
}

// Token returns a valid access token, refreshing when none is cached or it is about to expire
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	if !m.Enabled() {
		return "", nil
	}

	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()
	if m.usable(tok) {
		return tok.AccessToken, nil
	}
	return m.Refresh(ctx)
}

// Refresh forces a refresh. Callers arriving while one is underway wait for it.
func (m *TokenManager) Refresh(ctx context.Context) (string, error) {
	if !m.Enabled() {
		return "", nil
	}

	v, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		// One waiter's cancellation must not fail the refresh for the others
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()

		tok, err := m.refresher.Refresh(refreshCtx)
		if err != nil {
			return nil, err
		}
		if tok == nil || tok.AccessToken == "" {
			return nil, errors.New("token endpoint returned no access token")
		}

		m.mu.Lock()
		m.token = tok
		m.mu.Unlock()
		return tok.AccessToken, nil
	})
	if err != nil {
		if netErr := refreshNetworkError(err); netErr != nil {
			return "", netErr
		}
		return "", fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	return v.(string), nil
}

// refreshNetworkError returns a *NetworkError when the token endpoint never
// answered. A rejected grant stays an authentication failure.
func refreshNetworkError(err error) *NetworkError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return nil
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &NetworkError{Method: http.MethodPost, URL: urlErr.URL, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &NetworkError{Method: http.MethodPost, Err: err}
	}
	return nil
}

// Invalidate drops the cached token so the next Token call refreshes
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
}

func (m *TokenManager) usable(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return m.now().Add(tokenExpiryLeeway).Before(tok.Expiry)
}
