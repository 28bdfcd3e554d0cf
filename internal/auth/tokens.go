package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = 24 * time.Hour

// Tokens issues and checks opaque bearer tokens.
type Tokens struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu     sync.Mutex
	expiry map[string]time.Time
}

// NewTokens creates a token store. A zero ttl uses DefaultTokenTTL.
func NewTokens(ttl time.Duration, clock clockwork.Clock) *Tokens {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tokens{ttl: ttl, clock: clock, expiry: make(map[string]time.Time)}
}

// Issue creates a token valid for the store's ttl.
func (t *Tokens) Issue() (string, time.Time, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(buf)
	expires := t.clock.Now().Add(t.ttl)

	t.mu.Lock()
	t.expiry[token] = expires
	t.mu.Unlock()
	return token, expires, nil
}

// Valid reports whether token was issued and has not expired.
func (t *Tokens) Valid(token string) bool {
	if token == "" {
		return false
	}
	t.mu.Lock()
	expires, ok := t.expiry[token]
	t.mu.Unlock()
	return ok && t.clock.Now().Before(expires)
}

// Revoke invalidates token.
func (t *Tokens) Revoke(token string) {
	t.mu.Lock()
	delete(t.expiry, token)
	t.mu.Unlock()
}

// Prune drops expired tokens and returns how many remain.
func (t *Tokens) Prune() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for token, expires := range t.expiry {
		if !now.Before(expires) {
			delete(t.expiry, token)
		}
	}
	return len(t.expiry)
}
