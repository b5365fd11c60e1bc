// ABOUTME: Tests for the generic TTL cache backing business record lookups.
// ABOUTME: Validates TTL expiration, size limits, eviction, loading, and concurrency safety.

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_Get_Missing(t *testing.T) {
	c := New[string](5*time.Minute, 100)
	defer c.Close()

	_, ok := c.Get("never-set-key")
	assert.False(t, ok)
}

func TestCache_SetAndGet(t *testing.T) {
	c := New[string](5*time.Minute, 100)
	defer c.Close()

	c.Set("my-key", "my-value")

	v, ok := c.Get("my-key")
	assert.True(t, ok)
	assert.Equal(t, "my-value", v)
}

func TestCache_Get_Expired(t *testing.T) {
	// Use a very short TTL for testing
	c := New[string](10*time.Millisecond, 100)
	defer c.Close()

	c.Set("expiring-key", "value")

	_, ok := c.Get("expiring-key")
	assert.True(t, ok)

	// Wait for TTL to expire
	time.Sleep(20 * time.Millisecond)

	_, ok = c.Get("expiring-key")
	assert.False(t, ok)
}

func TestCache_Set_UpdatesExisting(t *testing.T) {
	c := New[int](5*time.Minute, 100)
	defer c.Close()

	c.Set("key", 1)
	c.Set("key", 2)

	v, ok := c.Get("key")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New[int](5*time.Minute, 3)
	defer c.Close()

	c.Set("key-1", 1)
	c.Set("key-2", 2)
	c.Set("key-3", 3)
	c.Set("key-4", 4)

	// Oldest entry evicted
	_, ok := c.Get("key-1")
	assert.False(t, ok)

	for _, key := range []string{"key-2", "key-3", "key-4"} {
		_, ok := c.Get(key)
		assert.True(t, ok, "expected %s to survive eviction", key)
	}
	assert.Equal(t, 3, c.Len())
}

func TestCache_UpdateMovesToBackOfEvictionOrder(t *testing.T) {
	c := New[int](5*time.Minute, 2)
	defer c.Close()

	c.Set("key-1", 1)
	c.Set("key-2", 2)

	// Refresh key-1 so key-2 becomes the oldest
	c.Set("key-1", 10)
	c.Set("key-3", 3)

	_, ok := c.Get("key-2")
	assert.False(t, ok)

	v, ok := c.Get("key-1")
	assert.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestCache_GetOrLoad_MissInvokesLoader(t *testing.T) {
	c := New[string](5*time.Minute, 100)
	defer c.Close()

	var calls atomic.Int32
	loader := func(ctx context.Context, key string) (string, error) {
		calls.Add(1)
		return "loaded:" + key, nil
	}

	v, err := c.GetOrLoad(context.Background(), "biz-1", loader)
	require.NoError(t, err)
	assert.Equal(t, "loaded:biz-1", v)

	// Second call served from cache
	v, err = c.GetOrLoad(context.Background(), "biz-1", loader)
	require.NoError(t, err)
	assert.Equal(t, "loaded:biz-1", v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_GetOrLoad_LoaderErrorNotCached(t *testing.T) {
	c := New[string](5*time.Minute, 100)
	defer c.Close()

	loadErr := errors.New("backend down")
	failing := func(ctx context.Context, key string) (string, error) {
		return "", loadErr
	}

	_, err := c.GetOrLoad(context.Background(), "biz-1", failing)
	assert.ErrorIs(t, err, loadErr)
	assert.Equal(t, 0, c.Len())

	// A later successful load still works
	v, err := c.GetOrLoad(context.Background(), "biz-1", func(ctx context.Context, key string) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestCache_Invalidate(t *testing.T) {
	c := New[string](5*time.Minute, 100)
	defer c.Close()

	c.Set("key", "value")
	c.Invalidate("key")

	_, ok := c.Get("key")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	// Invalidating an unknown key is a no-op
	c.Invalidate("missing")
}

func TestCache_RunCleanupRemovesExpired(t *testing.T) {
	c := New[int](10*time.Millisecond, 100)
	defer c.Close()

	c.Set("key-1", 1)
	c.Set("key-2", 2)

	time.Sleep(20 * time.Millisecond)
	c.runCleanup()

	assert.Equal(t, 0, c.Len())
}

func TestCache_Close_Idempotent(t *testing.T) {
	c := New[int](5*time.Minute, 100)
	c.Close()
	c.Close() // Should not panic
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[int](5*time.Minute, 1000)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key-%d-%d", i, j)
				c.Set(key, j)
				c.Get(key)
				if j%10 == 0 {
					c.Invalidate(key)
				}
			}
		}()
	}
	wg.Wait()
}
