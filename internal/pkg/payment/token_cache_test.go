package payment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCacheSharesOneFetch(t *testing.T) {
	var fetches int32
	c := newTokenCache(func(context.Context) (string, time.Time, error) {
		atomic.AddInt32(&fetches, 1)
		return "tok_1", time.Now().Add(time.Hour), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := c.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok_1", token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
}

func TestTokenCacheRefreshesExpired(t *testing.T) {
	fetches := 0
	c := newTokenCache(func(context.Context) (string, time.Time, error) {
		fetches++
		if fetches == 1 {
			// Already inside the early-refresh window.
			return "tok_old", time.Now().Add(time.Second), nil
		}
		return "tok_new", time.Now().Add(time.Hour), nil
	})

	token, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok_old", token)

	token, err = c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok_new", token)
	assert.Equal(t, 2, fetches)
}

func TestTokenCacheInvalidate(t *testing.T) {
	fetches := 0
	c := newTokenCache(func(context.Context) (string, time.Time, error) {
		fetches++
		return "tok", time.Now().Add(time.Hour), nil
	})

	_, err := c.Token(context.Background())
	require.NoError(t, err)
	_, err = c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fetches)

	c.Invalidate()
	_, err = c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
}

func TestTokenCacheFetchErrorIsNotCached(t *testing.T) {
	fetches := 0
	c := newTokenCache(func(context.Context) (string, time.Time, error) {
		fetches++
		if fetches == 1 {
			return "", time.Time{}, errors.New("auth service down")
		}
		return "tok", time.Now().Add(time.Hour), nil
	})

	_, err := c.Token(context.Background())
	require.Error(t, err)

	token, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
}
