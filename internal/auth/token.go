package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource holds the bearer token the agent was provisioned with. Token
// issuing and validation belong to the backend; the agent only carries the
// token and, when it happens to be a JWT, peeks at the expiry so it can
// warn before the backend starts answering 401.
type TokenSource struct {
	mu    sync.RWMutex
	token string
}

// NewTokenSource wraps a provisioned token. An empty token is allowed, the
// backend will reject submissions with 401 and the session surfaces that.
func NewTokenSource(token string) *TokenSource {
	return &TokenSource{token: token}
}

// Bearer returns the current token.
func (t *TokenSource) Bearer() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

// Set replaces the token, e.g. after an operator re-provisions the agent.
func (t *TokenSource) Set(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

// ExpiresAt returns the token's exp claim without verifying the signature.
// The second return is false when the token is not a JWT or carries no
// expiry; verification stays the backend's job.
func (t *TokenSource) ExpiresAt() (time.Time, bool) {
	tok := t.Bearer()
	if tok == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Expired reports whether the token's expiry is known and in the past.
func (t *TokenSource) Expired(now time.Time) bool {
	exp, ok := t.ExpiresAt()
	return ok && now.After(exp)
}
