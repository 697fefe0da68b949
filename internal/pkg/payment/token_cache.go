package payment

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// tokenFetchFunc exchanges credentials for a bearer token and its expiry.
type tokenFetchFunc func(ctx context.Context) (token string, expiresAt time.Time, err error)

// tokenCache shares a short-lived bearer token across concurrent requests.
// A request arriving during a refresh joins the in-flight fetch instead of
// issuing a duplicate token request.
type tokenCache struct {
	fetch tokenFetchFunc
	// refresh this long before the provider-reported expiry
	earlyRefresh time.Duration

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

func newTokenCache(fetch tokenFetchFunc) *tokenCache {
	return &tokenCache{fetch: fetch, earlyRefresh: 30 * time.Second}
}

// Token returns a valid bearer token, refreshing it at most once no matter
// how many callers arrive while it is stale.
func (c *tokenCache) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	token, expiresAt := c.token, c.expiresAt
	c.mu.RUnlock()

	now := time.Now()
	if token != "" && now.Before(expiresAt.Add(-c.earlyRefresh)) {
		return token, nil
	}

	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		// Re-check under the group: a joiner may arrive after the winner
		// already stored a fresh token.
		c.mu.RLock()
		t, exp := c.token, c.expiresAt
		c.mu.RUnlock()
		if t != "" && time.Now().Before(exp.Add(-c.earlyRefresh)) {
			return t, nil
		}

		fresh, freshExp, err := c.fetch(ctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token, c.expiresAt = fresh, freshExp
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token, e.g. after a 401 from the provider.
func (c *tokenCache) Invalidate() {
	c.mu.Lock()
	c.token, c.expiresAt = "", time.Time{}
	c.mu.Unlock()
}
