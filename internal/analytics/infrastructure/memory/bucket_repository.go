package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"stationsync/internal/analytics/domain/rollup"
)

// BucketRepository is an in-memory bucket store for tests and local runs.
// Rebuilds of the same key are serialized by a per-key mutex.
type BucketRepository struct {
	mu      sync.RWMutex
	data    map[string]rollup.Bucket
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewBucketRepository constructs a repository.
func NewBucketRepository() *BucketRepository {
	return &BucketRepository{
		data:  make(map[string]rollup.Bucket),
		locks: make(map[string]*sync.Mutex),
	}
}

// Rebuild runs fn under the lock of key and replaces or deletes the stored bucket.
func (r *BucketRepository) Rebuild(ctx context.Context, key rollup.Key, fn rollup.RebuildFunc) error {
	if key.StationID == "" {
		return rollup.ErrEmptyStationID
	}
	id := key.ID()
	if id == "" {
		return rollup.ErrInvalidGranularity
	}

	lock := r.keyLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	bucket, err := fn(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if bucket.Empty() {
		delete(r.data, id)
		return nil
	}
	if bucket.Key.ID() != id {
		return rollup.ErrKeyMismatch
	}
	r.data[id] = copyBucket(*bucket)
	return nil
}

// Get returns a bucket or ErrBucketNotFound.
func (r *BucketRepository) Get(ctx context.Context, key rollup.Key) (*rollup.Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket, ok := r.data[key.ID()]
	if !ok {
		return nil, rollup.ErrBucketNotFound
	}
	out := copyBucket(bucket)
	return &out, nil
}

// List returns buckets with period start in [from, to).
func (r *BucketRepository) List(ctx context.Context, stationID string, g rollup.Granularity, from, to time.Time) ([]rollup.Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !g.IsValid() {
		return nil, rollup.ErrInvalidGranularity
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]rollup.Bucket, 0)
	for _, bucket := range r.data {
		if bucket.Key.StationID != stationID || bucket.Key.Granularity != g {
			continue
		}
		if bucket.Key.PeriodStart.Before(from) || !bucket.Key.PeriodStart.Before(to) {
			continue
		}
		result = append(result, copyBucket(bucket))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key.PeriodStart.Before(result[j].Key.PeriodStart) })
	return result, nil
}

func (r *BucketRepository) keyLock(id string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}

func copyBucket(b rollup.Bucket) rollup.Bucket {
	out := b
	out.Metrics = make(map[string]rollup.MetricStats, len(b.Metrics))
	for k, v := range b.Metrics {
		out.Metrics[k] = v
	}
	return out
}
