package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/models"
)

func newRegistry(t *testing.T, opts Options) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, zap.NewNop(), opts), mr
}

func TestCreateAndGetThread(t *testing.T) {
	reg, _ := newRegistry(t, Options{})
	ctx := context.Background()

	md, err := reg.CreateThread(ctx, "t1", map[string]any{"source": "api"})
	require.NoError(t, err)
	assert.Equal(t, models.ThreadActive, md.Status)
	assert.Equal(t, 0, md.RunCount)

	got, err := reg.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ThreadID)
	assert.Equal(t, "api", got.Metadata["source"])

	// creating again returns the existing record
	again, err := reg.CreateThread(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, md.CreatedAt.Unix(), again.CreatedAt.Unix())
}

func TestGetThreadNotFound(t *testing.T) {
	reg, _ := newRegistry(t, Options{})
	_, err := reg.GetThread(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrThreadNotFound)
	assert.ErrorIs(t, reg.ValidateThread(context.Background(), "missing"), ErrThreadNotFound)
}

func TestGetThreadSurvivesCacheLoss(t *testing.T) {
	reg, _ := newRegistry(t, Options{})
	ctx := context.Background()

	_, err := reg.CreateThread(ctx, "t1", nil)
	require.NoError(t, err)

	// simulate another instance: empty local cache, same Redis
	reg.mu.Lock()
	reg.localCache = make(map[string]cacheEntry)
	reg.cacheAccess = make(map[string]time.Time)
	reg.mu.Unlock()

	got, err := reg.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ThreadID)
}

func TestRecordAndListRuns(t *testing.T) {
	reg, _ := newRegistry(t, Options{})
	ctx := context.Background()

	_, err := reg.CreateThread(ctx, "t1", nil)
	require.NoError(t, err)

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, reg.RecordRun(ctx, &models.ThreadRun{
			ThreadID: "t1",
			RunID:    id,
			Task:     "do something",
		}))
	}

	md, err := reg.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, md.RunCount)
	assert.Equal(t, "r3", md.LastRunID)

	runs, err := reg.ListRuns(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	// newest first
	assert.Equal(t, "r3", runs[0].RunID)
	assert.Equal(t, models.RunPending, runs[0].Status)
}

func TestRecordRunUnknownThread(t *testing.T) {
	reg, _ := newRegistry(t, Options{})
	err := reg.RecordRun(context.Background(), &models.ThreadRun{ThreadID: "nope", RunID: "r1"})
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestRunLifecycle(t *testing.T) {
	reg, _ := newRegistry(t, Options{})
	ctx := context.Background()

	_, err := reg.CreateThread(ctx, "t1", nil)
	require.NoError(t, err)
	require.NoError(t, reg.RecordRun(ctx, &models.ThreadRun{ThreadID: "t1", RunID: "r1", Task: "x"}))

	require.NoError(t, reg.StartRun(ctx, "t1", "r1"))
	run, err := reg.GetRun(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunProcessing, run.Status)
	require.NotNil(t, run.StartedAt)

	require.NoError(t, reg.CompleteRun(ctx, "t1", "r1", models.RunFailed, "boom"))
	run, err = reg.GetRun(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, "boom", run.Error)
	require.NotNil(t, run.CompletedAt)
}

func TestUpdateThreadStatus(t *testing.T) {
	reg, _ := newRegistry(t, Options{})
	ctx := context.Background()

	_, err := reg.CreateThread(ctx, "t1", nil)
	require.NoError(t, err)
	require.NoError(t, reg.UpdateThreadStatus(ctx, "t1", models.ThreadArchived))

	md, err := reg.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.ThreadArchived, md.Status)
}

func TestThreadContext(t *testing.T) {
	reg, _ := newRegistry(t, Options{})
	ctx := context.Background()

	_, err := reg.CreateThread(ctx, "t1", nil)
	require.NoError(t, err)

	empty, err := reg.GetContext(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	data := []map[string]any{{"role": "user", "content": "hello"}}
	require.NoError(t, reg.SetContext(ctx, "t1", data))

	got, err := reg.GetContext(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0]["content"])
}

func TestCacheEviction(t *testing.T) {
	reg, _ := newRegistry(t, Options{MaxCached: 2})
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := reg.CreateThread(ctx, id, nil)
		require.NoError(t, err)
	}

	reg.mu.RLock()
	size := len(reg.localCache)
	reg.mu.RUnlock()
	assert.LessOrEqual(t, size, 2)

	// evicted threads still load from Redis
	got, err := reg.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ThreadID)
}

func TestThreadExpiry(t *testing.T) {
	reg, mr := newRegistry(t, Options{ThreadTTL: time.Minute})
	ctx := context.Background()

	created := time.Now()
	_, err := reg.CreateThread(ctx, "t1", nil)
	require.NoError(t, err)

	// advance both clocks past the TTL; the cached entry must not outlive
	// the Redis record
	reg.now = func() time.Time { return created.Add(2 * time.Minute) }
	mr.FastForward(2 * time.Minute)

	_, err = reg.GetThread(ctx, "t1")
	assert.ErrorIs(t, err, ErrThreadNotFound)
	assert.ErrorIs(t, reg.ValidateThread(ctx, "t1"), ErrThreadNotFound)
}

func TestValidateArchivedThread(t *testing.T) {
	reg, _ := newRegistry(t, Options{})
	ctx := context.Background()

	_, err := reg.CreateThread(ctx, "t1", nil)
	require.NoError(t, err)
	require.NoError(t, reg.ValidateThread(ctx, "t1"))

	require.NoError(t, reg.UpdateThreadStatus(ctx, "t1", models.ThreadArchived))
	assert.ErrorIs(t, reg.ValidateThread(ctx, "t1"), ErrThreadInactive)

	// reads still work on an archived thread
	_, err = reg.GetThread(ctx, "t1")
	require.NoError(t, err)
	_, err = reg.ListRuns(ctx, "t1", 10)
	require.NoError(t, err)

	// reactivation clears the failure
	require.NoError(t, reg.UpdateThreadStatus(ctx, "t1", models.ThreadActive))
	require.NoError(t, reg.ValidateThread(ctx, "t1"))
}
