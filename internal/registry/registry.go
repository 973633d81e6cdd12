// Package registry tracks threads and their runs in Redis. A thread is a
// long-lived conversation scope; each task execution within it is a run.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/metrics"
	"github.com/flowgate/flowgate/internal/models"
)

var (
	// ErrThreadNotFound means the thread was never created or has expired.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrThreadInactive means the thread exists but is not accepting work.
	ErrThreadInactive = errors.New("thread not active")
	// ErrRunNotFound means the run record has expired or never existed.
	ErrRunNotFound = errors.New("run not found")
)

// maxRunHistory bounds the per-thread run index.
const maxRunHistory = 100

// Options tunes the registry.
type Options struct {
	ThreadTTL time.Duration
	RunTTL    time.Duration
	// MaxCached bounds the local metadata cache.
	MaxCached int
}

// Registry stores thread metadata and run records in Redis with a small
// local cache in front of the metadata reads, which dominate: every publish
// and every stream attach validates its thread first.
type Registry struct {
	rdb    *redis.Client
	logger *zap.Logger

	threadTTL time.Duration
	runTTL    time.Duration
	maxCached int

	mu          sync.RWMutex
	localCache  map[string]cacheEntry
	cacheAccess map[string]time.Time

	now func() time.Time
}

// cacheEntry remembers when the metadata was cached so a hit can be aged
// against the thread TTL; the Redis record is the source of truth for expiry.
type cacheEntry struct {
	md       *models.ThreadMetadata
	storedAt time.Time
}

// New creates a registry.
func New(rdb *redis.Client, logger *zap.Logger, opts Options) *Registry {
	if opts.ThreadTTL <= 0 {
		opts.ThreadTTL = 7 * 24 * time.Hour
	}
	if opts.RunTTL <= 0 {
		opts.RunTTL = 24 * time.Hour
	}
	if opts.MaxCached <= 0 {
		opts.MaxCached = 10000
	}
	return &Registry{
		rdb:         rdb,
		logger:      logger,
		threadTTL:   opts.ThreadTTL,
		runTTL:      opts.RunTTL,
		maxCached:   opts.MaxCached,
		localCache:  make(map[string]cacheEntry),
		cacheAccess: make(map[string]time.Time),
		now:         time.Now,
	}
}

func metadataKey(threadID string) string { return fmt.Sprintf("thread:%s:metadata", threadID) }
func runsKey(threadID string) string     { return fmt.Sprintf("thread:%s:runs", threadID) }
func runKey(threadID, runID string) string {
	return fmt.Sprintf("thread:%s:run:%s", threadID, runID)
}
func contextKey(threadID string) string { return fmt.Sprintf("thread:%s:context", threadID) }

// CreateThread registers a thread. Creating an existing thread returns the
// existing record unchanged.
func (r *Registry) CreateThread(ctx context.Context, threadID string, meta map[string]any) (*models.ThreadMetadata, error) {
	if existing, err := r.GetThread(ctx, threadID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrThreadNotFound) {
		return nil, err
	}

	now := r.now()
	md := &models.ThreadMetadata{
		ThreadID:  threadID,
		Status:    models.ThreadActive,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  meta,
	}
	if err := r.saveMetadata(ctx, md); err != nil {
		return nil, err
	}

	r.cachePut(md)
	r.logger.Info("created thread", zap.String("thread_id", threadID))
	metrics.ThreadsCreated.Inc()
	return md, nil
}

// GetThread loads thread metadata, preferring the local cache.
func (r *Registry) GetThread(ctx context.Context, threadID string) (*models.ThreadMetadata, error) {
	r.mu.RLock()
	entry, ok := r.localCache[threadID]
	r.mu.RUnlock()
	if ok && r.now().Sub(entry.storedAt) < r.threadTTL {
		metrics.ThreadCacheHits.Inc()
		r.mu.Lock()
		r.cacheAccess[threadID] = r.now()
		r.mu.Unlock()
		return entry.md, nil
	}
	if ok {
		// cached longer than the thread TTL; the Redis record may be gone
		r.mu.Lock()
		delete(r.localCache, threadID)
		delete(r.cacheAccess, threadID)
		r.mu.Unlock()
	}
	metrics.ThreadCacheMisses.Inc()

	data, err := r.rdb.Get(ctx, metadataKey(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	var loaded models.ThreadMetadata
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("decode thread: %w", err)
	}

	r.cachePut(&loaded)
	return &loaded, nil
}

// ValidateThread checks that the thread exists and is accepting work.
// Archived or completed threads fail validation.
func (r *Registry) ValidateThread(ctx context.Context, threadID string) error {
	md, err := r.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if md.Status != models.ThreadActive {
		return fmt.Errorf("%w: thread %s is %s", ErrThreadInactive, threadID, md.Status)
	}
	return nil
}

// UpdateThreadStatus transitions the thread lifecycle state.
func (r *Registry) UpdateThreadStatus(ctx context.Context, threadID string, status models.ThreadStatus) error {
	md, err := r.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	updated := *md
	updated.Status = status
	updated.UpdatedAt = r.now()
	if err := r.saveMetadata(ctx, &updated); err != nil {
		return err
	}
	r.cachePut(&updated)
	return nil
}

// RecordRun stores a new run record and indexes it on the thread. The run
// index keeps only the most recent entries.
func (r *Registry) RecordRun(ctx context.Context, run *models.ThreadRun) error {
	md, err := r.GetThread(ctx, run.ThreadID)
	if err != nil {
		return err
	}

	run.CreatedAt = r.now()
	if run.Status == "" {
		run.Status = models.RunPending
	}
	if err := r.saveRun(ctx, run); err != nil {
		return err
	}

	pipe := r.rdb.Pipeline()
	pipe.LPush(ctx, runsKey(run.ThreadID), run.RunID)
	pipe.LTrim(ctx, runsKey(run.ThreadID), 0, maxRunHistory-1)
	pipe.Expire(ctx, runsKey(run.ThreadID), r.threadTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index run: %w", err)
	}

	updated := *md
	updated.RunCount++
	updated.LastRunID = run.RunID
	updated.UpdatedAt = r.now()
	if err := r.saveMetadata(ctx, &updated); err != nil {
		return err
	}
	r.cachePut(&updated)

	r.logger.Info("recorded run",
		zap.String("thread_id", run.ThreadID),
		zap.String("run_id", run.RunID))
	metrics.RunsRecorded.Inc()
	return nil
}

// GetRun loads one run record.
func (r *Registry) GetRun(ctx context.Context, threadID, runID string) (*models.ThreadRun, error) {
	data, err := r.rdb.Get(ctx, runKey(threadID, runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	var run models.ThreadRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the most recent run records, newest first. Runs whose
// records have expired are skipped.
func (r *Registry) ListRuns(ctx context.Context, threadID string, limit int) ([]*models.ThreadRun, error) {
	// reads are allowed on archived threads
	if _, err := r.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxRunHistory {
		limit = maxRunHistory
	}
	ids, err := r.rdb.LRange(ctx, runsKey(threadID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]*models.ThreadRun, 0, len(ids))
	for _, id := range ids {
		run, err := r.GetRun(ctx, threadID, id)
		if errors.Is(err, ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// StartRun flips a pending run to processing and stamps its start time.
func (r *Registry) StartRun(ctx context.Context, threadID, runID string) error {
	run, err := r.GetRun(ctx, threadID, runID)
	if err != nil {
		return err
	}
	now := r.now()
	run.Status = models.RunProcessing
	run.StartedAt = &now
	return r.saveRun(ctx, run)
}

// CompleteRun records a run's terminal status. errMsg is kept only for
// failures.
func (r *Registry) CompleteRun(ctx context.Context, threadID, runID string, status models.RunStatus, errMsg string) error {
	run, err := r.GetRun(ctx, threadID, runID)
	if err != nil {
		return err
	}
	now := r.now()
	run.Status = status
	run.CompletedAt = &now
	run.Error = errMsg
	return r.saveRun(ctx, run)
}

// SetContext replaces the thread's shared context blob.
func (r *Registry) SetContext(ctx context.Context, threadID string, contextData []map[string]any) error {
	if err := r.ValidateThread(ctx, threadID); err != nil {
		return err
	}
	data, err := json.Marshal(contextData)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	if err := r.rdb.Set(ctx, contextKey(threadID), data, r.threadTTL).Err(); err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	return nil
}

// GetContext loads the thread's shared context blob. A thread without stored
// context yields an empty slice.
func (r *Registry) GetContext(ctx context.Context, threadID string) ([]map[string]any, error) {
	if _, err := r.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	data, err := r.rdb.Get(ctx, contextKey(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return out, nil
}

func (r *Registry) saveMetadata(ctx context.Context, md *models.ThreadMetadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode thread: %w", err)
	}
	if err := r.rdb.Set(ctx, metadataKey(md.ThreadID), data, r.threadTTL).Err(); err != nil {
		return fmt.Errorf("save thread: %w", err)
	}
	return nil
}

func (r *Registry) saveRun(ctx context.Context, run *models.ThreadRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	if err := r.rdb.Set(ctx, runKey(run.ThreadID, run.RunID), data, r.runTTL).Err(); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (r *Registry) cachePut(md *models.ThreadMetadata) {
	r.mu.Lock()
	r.localCache[md.ThreadID] = cacheEntry{md: md, storedAt: r.now()}
	r.cacheAccess[md.ThreadID] = r.now()
	r.evictLocked()
	metrics.ThreadCacheSize.Set(float64(len(r.localCache)))
	r.mu.Unlock()
}

// evictLocked drops the least recently used entries once the cache is full.
// Caller holds mu.
func (r *Registry) evictLocked() {
	for len(r.localCache) > r.maxCached {
		oldestID := ""
		var oldest time.Time
		for id, at := range r.cacheAccess {
			if oldestID == "" || at.Before(oldest) {
				oldestID = id
				oldest = at
			}
		}
		delete(r.localCache, oldestID)
		delete(r.cacheAccess, oldestID)
	}
}
