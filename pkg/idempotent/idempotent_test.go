package idempotent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mini.Close() })

	rdb := goredis.NewClient(&goredis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb, "test", 2*time.Second), mini
}

func TestRepositories_AddIsCheckAndInsert(t *testing.T) {
	redisRepo, _ := newTestRedis(t)
	repos := map[string]Repository{
		"memory": NewMemory(time.Minute, 10),
		"redis":  redisRepo,
	}

	for name, repo := range repos {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			added, err := repo.Add(ctx, "bucket/key.csv")
			require.NoError(t, err)
			assert.True(t, added)

			added, err = repo.Add(ctx, "bucket/key.csv")
			require.NoError(t, err)
			assert.False(t, added)

			ok, err := repo.Contains(ctx, "bucket/key.csv")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, repo.Remove(ctx, "bucket/key.csv"))
			added, err = repo.Add(ctx, "bucket/key.csv")
			require.NoError(t, err)
			assert.True(t, added)

			require.NoError(t, repo.Clear(ctx))
			ok, err = repo.Contains(ctx, "bucket/key.csv")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRepositories_ConcurrentAddAdmitsOnce(t *testing.T) {
	redisRepo, _ := newTestRedis(t)
	repos := map[string]Repository{
		"memory": NewMemory(time.Minute, 100),
		"redis":  redisRepo,
	}

	for name, repo := range repos {
		t.Run(name, func(t *testing.T) {
			var admitted int64
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if ok, err := repo.Add(context.Background(), "same"); err == nil && ok {
						atomic.AddInt64(&admitted, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int64(1), admitted)
		})
	}
}

func TestMemory_WindowAndCapacity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute, 2)
	now := time.Now()
	m.now = func() time.Time { return now }

	_, _ = m.Add(ctx, "a")
	_, _ = m.Add(ctx, "b")
	_, _ = m.Add(ctx, "c")
	assert.Equal(t, 2, m.Len())
	ok, _ := m.Contains(ctx, "a")
	assert.False(t, ok, "oldest key evicted at capacity")

	now = now.Add(2 * time.Minute)
	added, _ := m.Add(ctx, "b")
	assert.True(t, added, "key outside the window is admitted again")
}

func TestRedis_WindowExpires(t *testing.T) {
	repo, mini := newTestRedis(t)
	ctx := context.Background()

	added, err := repo.Add(ctx, "k")
	require.NoError(t, err)
	require.True(t, added)

	mini.FastForward(3 * time.Second)

	added, err = repo.Add(ctx, "k")
	require.NoError(t, err)
	assert.True(t, added)
}

func TestScoped_ClearOnlyTouchesPrefix(t *testing.T) {
	redisRepo, _ := newTestRedis(t)
	repos := map[string]Repository{
		"memory": NewMemory(0, 10),
		"redis":  redisRepo,
	}

	for name, repo := range repos {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			plan1 := Scoped(repo, "plan-1")
			plan2 := Scoped(repo, "plan-2")

			_, err := plan1.Add(ctx, "k")
			require.NoError(t, err)
			added, err := plan2.Add(ctx, "k")
			require.NoError(t, err)
			assert.True(t, added, "scopes do not share keys")

			require.NoError(t, plan1.Clear(ctx))
			ok, _ := plan1.Contains(ctx, "k")
			assert.False(t, ok)
			ok, _ = plan2.Contains(ctx, "k")
			assert.True(t, ok)
		})
	}
}
