package analysis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/lab-analysis/pkg/interfaces"
	"github.com/medrex/lab-analysis/pkg/types"
)

func newRedisProgressStore(t *testing.T) (*RedisProgressStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisProgressStore(client, "test"), srv
}

func TestProgressStores(t *testing.T) {
	stores := map[string]func(t *testing.T) interfaces.ProgressStore{
		"memory": func(t *testing.T) interfaces.ProgressStore { return NewMemoryProgressStore() },
		"redis": func(t *testing.T) interfaces.ProgressStore {
			store, _ := newRedisProgressStore(t)
			return store
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			start := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

			_, ok, err := store.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Put(ctx, &types.Progress{OrderServiceID: "os-b", AnalyzerID: 2, StartedAt: start.Add(time.Second), ExpectedSeconds: 10}))
			require.NoError(t, store.Put(ctx, &types.Progress{OrderServiceID: "os-a", AnalyzerID: 1, StartedAt: start, ExpectedSeconds: 20}))

			got, ok, err := store.Get(ctx, "os-a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 1, got.AnalyzerID)
			assert.Equal(t, 20.0, got.ExpectedSeconds)

			// returned entries are copies
			got.Percent = 55
			again, _, err := store.Get(ctx, "os-a")
			require.NoError(t, err)
			assert.Zero(t, again.Percent)

			got.Percent = 40
			require.NoError(t, store.Put(ctx, got))

			list, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "os-a", list[0].OrderServiceID)
			assert.Equal(t, 40.0, list[0].Percent)
			assert.Equal(t, "os-b", list[1].OrderServiceID)

			require.NoError(t, store.Delete(ctx, "os-a"))
			require.NoError(t, store.Delete(ctx, "os-a"))

			list, err = store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "os-b", list[0].OrderServiceID)
		})
	}
}

func TestRedisProgressStore_UsesPrefixedHash(t *testing.T) {
	store, srv := newRedisProgressStore(t)

	require.NoError(t, store.Put(context.Background(), &types.Progress{OrderServiceID: "os-1", Percent: 10}))
	assert.True(t, srv.Exists("test:progress"))
	assert.Contains(t, srv.HGet("test:progress", "os-1"), `"percent":10`)
}

func TestRedisProgressStore_ReportsBackendErrors(t *testing.T) {
	store, srv := newRedisProgressStore(t)
	srv.SetError("LOADING")

	_, _, err := store.Get(context.Background(), "os-1")
	assert.Error(t, err)

	err = store.Put(context.Background(), &types.Progress{OrderServiceID: "os-1"})
	assert.Error(t, err)

	_, err = store.List(context.Background())
	assert.Error(t, err)
}

func TestRedisProgressStore_RejectsCorruptEntries(t *testing.T) {
	store, srv := newRedisProgressStore(t)
	srv.HSet("test:progress", "os-1", "{not json")

	_, _, err := store.Get(context.Background(), "os-1")
	assert.Error(t, err)
}
