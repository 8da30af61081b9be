package memory

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/events"
	"github.com/engram-ai/engram/internal/pool"
)

// WorkingStore is the size- and TTL-bounded cache of recent thoughts and
// short-lived context values. Writes are best effort: when the cache
// backend is unavailable they land in an in-process fallback that
// preserves the same eviction order.
type WorkingStore struct {
	pools  *pool.Manager
	bus    *events.Bus
	cfg    config.WorkingConfig
	logger *logrus.Logger

	fallback *workingFallback

	hits   int64
	misses int64
	stores int64
}

// NewWorkingStore creates a working-memory store backed by the pool
// manager's cache client.
func NewWorkingStore(pools *pool.Manager, bus *events.Bus, cfg config.WorkingConfig, logger *logrus.Logger) *WorkingStore {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxThoughts <= 0 {
		cfg.MaxThoughts = 100
	}
	return &WorkingStore{
		pools:    pools,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		fallback: newWorkingFallback(cfg.MaxThoughts),
	}
}

func (w *WorkingStore) thoughtsKey() string { return w.cfg.KeyPrefix + ":thoughts" }
func (w *WorkingStore) recentKey() string   { return w.cfg.KeyPrefix + ":recent" }
func (w *WorkingStore) contextKey(key string) string {
	return w.cfg.KeyPrefix + ":context:" + key
}

func (w *WorkingStore) client() *redis.Client {
	if w.pools == nil {
		return nil
	}
	client, err := w.pools.CacheClient()
	if err != nil {
		return nil
	}
	return client
}

// StoreThought writes a thought to the cache backend (hash field plus a
// trimmed recency list) and falls back to the in-process structure on
// backend failure.
func (w *WorkingStore) StoreThought(ctx context.Context, id string, data map[string]interface{}) error {
	atomic.AddInt64(&w.stores, 1)

	client := w.client()
	if client != nil {
		if err := w.storeThoughtRedis(ctx, client, id, data); err == nil {
			w.pools.RecordSuccess(pool.BackendCache)
			return nil
		} else {
			w.pools.RecordFailure(pool.BackendCache)
			w.logger.WithError(err).WithField("id", id).Debug("Cache write failed, using fallback")
		}
	}

	w.fallback.storeThought(id, data)
	return nil
}

func (w *WorkingStore) storeThoughtRedis(ctx context.Context, client *redis.Client, id string, data map[string]interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	pipe := client.TxPipeline()
	pipe.HSet(ctx, w.thoughtsKey(), id, payload)
	pipe.LRem(ctx, w.recentKey(), 0, id)
	pipe.LPush(ctx, w.recentKey(), id)
	pipe.LTrim(ctx, w.recentKey(), 0, int64(w.cfg.MaxThoughts-1))
	if w.cfg.ThoughtTTL > 0 {
		pipe.Expire(ctx, w.thoughtsKey(), w.cfg.ThoughtTTL)
		pipe.Expire(ctx, w.recentKey(), w.cfg.ThoughtTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetThought reads a thought by id, preferring the cache backend.
// Returns nil when not found.
func (w *WorkingStore) GetThought(ctx context.Context, id string) (map[string]interface{}, error) {
	client := w.client()
	if client != nil {
		raw, err := client.HGet(ctx, w.thoughtsKey(), id).Result()
		switch {
		case err == nil:
			w.pools.RecordSuccess(pool.BackendCache)
			var data map[string]interface{}
			if jsonErr := json.Unmarshal([]byte(raw), &data); jsonErr != nil {
				return nil, jsonErr
			}
			atomic.AddInt64(&w.hits, 1)
			return data, nil
		case err == redis.Nil:
			w.pools.RecordSuccess(pool.BackendCache)
			// Not in the live backend; a fallback copy may still exist.
		default:
			w.pools.RecordFailure(pool.BackendCache)
			w.logger.WithError(err).Debug("Cache read failed, using fallback")
		}
	}

	if data, ok := w.fallback.getThought(id); ok {
		atomic.AddInt64(&w.hits, 1)
		return data, nil
	}
	atomic.AddInt64(&w.misses, 1)
	return nil, nil
}

// GetRecent returns up to n most recently stored thoughts, newest first.
func (w *WorkingStore) GetRecent(ctx context.Context, n int) ([]map[string]interface{}, error) {
	if n <= 0 {
		return nil, nil
	}

	client := w.client()
	if client != nil {
		ids, err := client.LRange(ctx, w.recentKey(), 0, int64(n-1)).Result()
		if err == nil {
			w.pools.RecordSuccess(pool.BackendCache)
			results := make([]map[string]interface{}, 0, len(ids))
			for _, id := range ids {
				raw, err := client.HGet(ctx, w.thoughtsKey(), id).Result()
				if err != nil {
					continue
				}
				var data map[string]interface{}
				if json.Unmarshal([]byte(raw), &data) == nil {
					results = append(results, data)
				}
			}
			return results, nil
		}
		w.pools.RecordFailure(pool.BackendCache)
		w.logger.WithError(err).Debug("Cache recency read failed, using fallback")
	}

	return w.fallback.getRecent(n), nil
}

// ListThoughtIDs returns the ids currently held, newest first. Used by
// the consistency checker.
func (w *WorkingStore) ListThoughtIDs(ctx context.Context) ([]string, error) {
	client := w.client()
	if client != nil {
		ids, err := client.LRange(ctx, w.recentKey(), 0, -1).Result()
		if err == nil {
			w.pools.RecordSuccess(pool.BackendCache)
			return ids, nil
		}
		w.pools.RecordFailure(pool.BackendCache)
	}
	return w.fallback.listIDs(), nil
}

// RemoveThought deletes a thought from both the backend and the fallback.
func (w *WorkingStore) RemoveThought(ctx context.Context, id string) error {
	client := w.client()
	if client != nil {
		pipe := client.TxPipeline()
		pipe.HDel(ctx, w.thoughtsKey(), id)
		pipe.LRem(ctx, w.recentKey(), 0, id)
		if _, err := pipe.Exec(ctx); err != nil {
			w.pools.RecordFailure(pool.BackendCache)
		} else {
			w.pools.RecordSuccess(pool.BackendCache)
		}
	}
	w.fallback.remove(id)
	return nil
}

// UpdateContext writes a TTL'd context value.
func (w *WorkingStore) UpdateContext(ctx context.Context, key string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	stored := false
	client := w.client()
	if client != nil {
		if err := client.Set(ctx, w.contextKey(key), payload, w.cfg.ContextTTL).Err(); err == nil {
			w.pools.RecordSuccess(pool.BackendCache)
			stored = true
		} else {
			w.pools.RecordFailure(pool.BackendCache)
			w.logger.WithError(err).Debug("Context cache write failed, using fallback")
		}
	}
	if !stored {
		w.fallback.setContext(key, value, w.cfg.ContextTTL)
	}

	if w.bus != nil {
		w.bus.Publish(events.NewEvent(events.EventContextUpdated, "working_memory", map[string]interface{}{
			"key": key,
		}))
	}
	return nil
}

// GetContext reads a context value. Returns nil when absent or expired.
func (w *WorkingStore) GetContext(ctx context.Context, key string) (interface{}, error) {
	client := w.client()
	if client != nil {
		raw, err := client.Get(ctx, w.contextKey(key)).Result()
		switch {
		case err == nil:
			w.pools.RecordSuccess(pool.BackendCache)
			var value interface{}
			if json.Unmarshal([]byte(raw), &value) == nil {
				return value, nil
			}
			return nil, nil
		case err == redis.Nil:
			w.pools.RecordSuccess(pool.BackendCache)
		default:
			w.pools.RecordFailure(pool.BackendCache)
		}
	}

	if value, ok := w.fallback.getContext(key); ok {
		return value, nil
	}
	return nil, nil
}

// GetAllContext returns every live context entry.
func (w *WorkingStore) GetAllContext(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})

	client := w.client()
	if client != nil {
		prefix := w.contextKey("")
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		scanOK := true
		for iter.Next(ctx) {
			fullKey := iter.Val()
			raw, err := client.Get(ctx, fullKey).Result()
			if err != nil {
				continue
			}
			var value interface{}
			if json.Unmarshal([]byte(raw), &value) == nil {
				result[fullKey[len(prefix):]] = value
			}
		}
		if err := iter.Err(); err != nil {
			w.pools.RecordFailure(pool.BackendCache)
			scanOK = false
		} else {
			w.pools.RecordSuccess(pool.BackendCache)
		}
		if scanOK {
			// Merge fallback-only entries written while the backend was down.
			for k, v := range w.fallback.allContext() {
				if _, exists := result[k]; !exists {
					result[k] = v
				}
			}
			return result, nil
		}
	}

	return w.fallback.allContext(), nil
}

// ClearContext removes every context entry in both backends.
func (w *WorkingStore) ClearContext(ctx context.Context) error {
	client := w.client()
	if client != nil {
		prefix := w.contextKey("")
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if iter.Err() == nil && len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
	}
	w.fallback.clearContext()
	return nil
}

// ClearAll clears thoughts and context in both the live backend and the
// fallback.
func (w *WorkingStore) ClearAll(ctx context.Context) error {
	client := w.client()
	if client != nil {
		_ = client.Del(ctx, w.thoughtsKey(), w.recentKey()).Err()
	}
	if err := w.ClearContext(ctx); err != nil {
		return err
	}
	w.fallback.clearThoughts()
	return nil
}

// Stats returns store counters including the running cache hit rate.
func (w *WorkingStore) Stats() map[string]interface{} {
	hits := atomic.LoadInt64(&w.hits)
	misses := atomic.LoadInt64(&w.misses)
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}
	return map[string]interface{}{
		"stores":         atomic.LoadInt64(&w.stores),
		"hits":           hits,
		"misses":         misses,
		"cache_hit_rate": hitRate,
		"fallback_size":  w.fallback.size(),
	}
}

// workingFallback is the bounded in-process stand-in for the cache
// backend. Thought eviction follows the same order as the trimmed
// recency list.
type workingFallback struct {
	maxThoughts int
	thoughts    map[string]map[string]interface{}
	recency     []string // newest first
	context     map[string]fallbackContextEntry
	mu          sync.RWMutex
}

type fallbackContextEntry struct {
	value     interface{}
	expiresAt time.Time
}

func newWorkingFallback(maxThoughts int) *workingFallback {
	return &workingFallback{
		maxThoughts: maxThoughts,
		thoughts:    make(map[string]map[string]interface{}),
		context:     make(map[string]fallbackContextEntry),
	}
}

func (f *workingFallback) storeThought(id string, data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.thoughts[id]; exists {
		for i, existing := range f.recency {
			if existing == id {
				f.recency = append(f.recency[:i], f.recency[i+1:]...)
				break
			}
		}
	}
	f.thoughts[id] = data
	f.recency = append([]string{id}, f.recency...)

	for len(f.recency) > f.maxThoughts {
		evicted := f.recency[len(f.recency)-1]
		f.recency = f.recency[:len(f.recency)-1]
		delete(f.thoughts, evicted)
	}
}

func (f *workingFallback) getThought(id string) (map[string]interface{}, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, ok := f.thoughts[id]
	return data, ok
}

func (f *workingFallback) getRecent(n int) []map[string]interface{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if n > len(f.recency) {
		n = len(f.recency)
	}
	results := make([]map[string]interface{}, 0, n)
	for _, id := range f.recency[:n] {
		if data, ok := f.thoughts[id]; ok {
			results = append(results, data)
		}
	}
	return results
}

func (f *workingFallback) listIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.recency...)
}

func (f *workingFallback) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.thoughts, id)
	for i, existing := range f.recency {
		if existing == id {
			f.recency = append(f.recency[:i], f.recency[i+1:]...)
			break
		}
	}
}

func (f *workingFallback) setContext(key string, value interface{}, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := fallbackContextEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	f.context[key] = entry
}

func (f *workingFallback) getContext(key string) (interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.context[key]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(f.context, key)
		return nil, false
	}
	return entry.value, true
}

func (f *workingFallback) allContext() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	result := make(map[string]interface{}, len(f.context))
	for key, entry := range f.context {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(f.context, key)
			continue
		}
		result[key] = entry.value
	}
	return result
}

func (f *workingFallback) clearContext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.context = make(map[string]fallbackContextEntry)
}

func (f *workingFallback) clearThoughts() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thoughts = make(map[string]map[string]interface{})
	f.recency = nil
}

func (f *workingFallback) size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.thoughts)
}
