package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newRedisStore(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "test:", ttl), mr
}

func TestStoresRoundTrip(t *testing.T) {
	redisStore, _ := newRedisStore(t, 0)
	stores := map[string]Store{
		"memory": NewMemory(),
		"lru":    NewLRU(8, 0),
		"redis":  redisStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Get(ctx, "absent")
			require.ErrorIs(t, err, ErrMiss)

			require.NoError(t, SetJSON(ctx, store, "k", entry{Name: "a", Count: 2}))
			got, err := GetJSON[entry](ctx, store, "k")
			require.NoError(t, err)
			assert.Equal(t, entry{Name: "a", Count: 2}, got)

			require.NoError(t, SetJSON(ctx, store, "k", entry{Name: "b"}))
			got, err = GetJSON[entry](ctx, store, "k")
			require.NoError(t, err)
			assert.Equal(t, "b", got.Name)
		})
	}
}

func TestGetJSONReportsMissAndCorruption(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	_, err := GetJSON[entry](ctx, store, "nope")
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, store.Set(ctx, "bad", []byte("{not json")))
	_, err = GetJSON[entry](ctx, store, "bad")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	value := []byte("abc")
	require.NoError(t, store.Set(ctx, "k", value))
	value[0] = 'z'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	got[1] = 'z'
	again, _ := store.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
	assert.Equal(t, 1, store.Len())
}

func TestMemoryConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Set(ctx, "shared", []byte("v"))
			_, _ = store.Get(ctx, "shared")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, store.Len())
}

func TestLRUEvictsOldest(t *testing.T) {
	ctx := context.Background()
	store := NewLRU(2, 0)
	require.NoError(t, store.Set(ctx, "a", []byte("1")))
	require.NoError(t, store.Set(ctx, "b", []byte("2")))
	require.NoError(t, store.Set(ctx, "c", []byte("3")))

	_, err := store.Get(ctx, "a")
	require.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, 2, store.Len())
}

func TestRedisHonoursTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t, time.Minute)
	require.NoError(t, store.Set(ctx, "k", []byte("v")))

	assert.True(t, mr.Exists("test:k"), "prefix should be applied")
	assert.Equal(t, time.Minute, mr.TTL("test:k"))

	mr.FastForward(2 * time.Minute)
	_, err := store.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = New(ctx, Config{Backend: "LRU", Size: 4})
	require.NoError(t, err)
	assert.IsType(t, &LRU{}, s)

	mr := miniredis.RunT(t)
	s, err = New(ctx, Config{Backend: BackendRedis, RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	require.IsType(t, &Redis{}, s)
	t.Cleanup(func() { _ = s.(*Redis).Close() })

	_, err = New(ctx, Config{Backend: "memcached"})
	require.Error(t, err)

	_, err = New(ctx, Config{Backend: BackendRedis, RedisURL: "::bad"})
	require.Error(t, err)
}
