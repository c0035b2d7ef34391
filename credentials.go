package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// CredentialSource supplies the bearer token attached to every gateway call.
// Implementations return ErrNoCredential when no token is available.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a CredentialSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoCredential
	}
	return string(t), nil
}

// RefreshFunc obtains a fresh token and its expiry from the auth provider.
type RefreshFunc func(ctx context.Context) (token string, expiresAt time.Time, err error)

// RefreshingToken caches a token and refreshes it shortly before it expires.
// Concurrent callers share a single refresh.
type RefreshingToken struct {
	refresh RefreshFunc
	clock   clock.Clock
	skew    time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewRefreshingToken creates a token source seeded with an initial token.
// A zero expiresAt forces a refresh on first use.
func NewRefreshingToken(token string, expiresAt time.Time, refresh RefreshFunc) *RefreshingToken {
	return &RefreshingToken{
		refresh:   refresh,
		clock:     clock.New(),
		skew:      30 * time.Second,
		token:     token,
		expiresAt: expiresAt,
	}
}

// WithClock replaces the clock used for expiry checks.
func (r *RefreshingToken) WithClock(c clock.Clock) *RefreshingToken {
	r.clock = c
	return r
}

func (r *RefreshingToken) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && r.clock.Now().Add(r.skew).Before(r.expiresAt) {
		return r.token, nil
	}
	if r.refresh == nil {
		if r.token != "" && r.clock.Now().Before(r.expiresAt) {
			return r.token, nil
		}
		return "", ErrNoCredential
	}

	token, expiresAt, err := r.refresh(ctx)
	if err != nil {
		jww.WARN.Printf("[chatsync auth] token refresh failed: %v", err)
		// A still-valid token inside the skew window is better than nothing.
		if r.token != "" && r.clock.Now().Before(r.expiresAt) {
			return r.token, nil
		}
		return "", errors.Wrap(ErrNoCredential, err.Error())
	}
	if token == "" {
		return "", ErrNoCredential
	}
	r.token, r.expiresAt = token, expiresAt
	jww.DEBUG.Printf("[chatsync auth] token refreshed, expires %s", expiresAt.Format(time.RFC3339))
	return token, nil
}
