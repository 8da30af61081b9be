package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/events"
	"github.com/engram-ai/engram/internal/memory"
)

type fakeWorking struct {
	mu        stdsync.Mutex
	thoughts  map[string]map[string]interface{}
	failStore bool
}

func newFakeWorking() *fakeWorking {
	return &fakeWorking{thoughts: make(map[string]map[string]interface{})}
}

func (f *fakeWorking) StoreThought(ctx context.Context, id string, data map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStore {
		return fmt.Errorf("cache down")
	}
	f.thoughts[id] = data
	return nil
}

func (f *fakeWorking) GetThought(ctx context.Context, id string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.thoughts[id], nil
}

func (f *fakeWorking) RemoveThought(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.thoughts, id)
	return nil
}

func (f *fakeWorking) ListThoughtIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.thoughts))
	for id := range f.thoughts {
		ids = append(ids, id)
	}
	return ids, nil
}

type fakeDurable struct {
	mu        stdsync.Mutex
	records   map[string]*memory.Record
	threshold float64
	failStore bool
}

func newFakeDurable(threshold float64) *fakeDurable {
	return &fakeDurable{records: make(map[string]*memory.Record), threshold: threshold}
}

func (f *fakeDurable) StoreMemory(ctx context.Context, rec *memory.Record) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStore {
		return false, fmt.Errorf("durable down")
	}
	if rec.Importance < f.threshold {
		return false, nil
	}
	f.records[rec.ID] = rec.Clone()
	return true, nil
}

func (f *fakeDurable) GetMemory(ctx context.Context, id string) (*memory.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (f *fakeDurable) ListIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.records))
	for id := range f.records {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeDurable) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
}

type fakeIndex struct {
	mu      stdsync.Mutex
	vectors map[string][]float32
	failAdd bool
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{vectors: make(map[string][]float32)}
}

func (f *fakeIndex) AddVector(id string, vec []float32, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd {
		return fmt.Errorf("index down")
	}
	f.vectors[id] = vec
	return nil
}

func (f *fakeIndex) Has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.vectors[id]
	return ok
}

func (f *fakeIndex) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.vectors))
	for id := range f.vectors {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeIndex) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vectors, id)
}

func syncConfig() config.SyncConfig {
	return config.SyncConfig{
		BatchSize:     4,
		MaxConcurrent: 4,
		Strategy:      "latest_wins",
		LockShards:    8,
	}
}

func newTestSync() (*Synchronizer, *fakeWorking, *fakeDurable, *fakeIndex) {
	working := newFakeWorking()
	durable := newFakeDurable(0.7)
	index := newFakeIndex()
	s := New(working, durable, index, nil, nil, syncConfig(), 0.7, nil)
	return s, working, durable, index
}

func payload(content string, importance float64, withEmbedding bool) map[string]interface{} {
	data := map[string]interface{}{
		"content":    content,
		"type":       "episodic",
		"importance": importance,
	}
	if withEmbedding {
		data["embedding"] = []interface{}{0.1, 0.2, 0.3}
	}
	return data
}

func TestSyncMemoryFansOut(t *testing.T) {
	s, working, durable, index := newTestSync()
	ctx := context.Background()

	ok := s.SyncMemory(ctx, "m1", payload("blue sky", 0.9, true))
	require.True(t, ok)

	cached, _ := working.GetThought(ctx, "m1")
	assert.Equal(t, "blue sky", cached["content"])

	rec, err := durable.GetMemory(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "blue sky", rec.Content)

	assert.True(t, index.Has("m1"))

	v := s.Version("m1")
	require.NotNil(t, v)
	assert.Equal(t, int64(1), v.Version)
	assert.NotEmpty(t, v.Checksum)
	assert.Equal(t, int64(1), v.StoreVersions[StoreCache])
	assert.Equal(t, int64(1), v.StoreVersions[StoreDurable])
	assert.Equal(t, int64(1), v.StoreVersions[StoreIndex])
}

func TestVersionIncrementsByOnePerSync(t *testing.T) {
	s, _, _, _ := newTestSync()
	ctx := context.Background()
	data := payload("repeat", 0.9, false)

	for i := 1; i <= 3; i++ {
		require.True(t, s.SyncMemory(ctx, "m1", data))
		assert.Equal(t, int64(i), s.Version("m1").Version)
	}

	// Identical payloads never count as conflicts.
	assert.Equal(t, int64(0), s.Stats()["conflicts"])
}

func TestImportanceGateSkipsDurable(t *testing.T) {
	s, working, durable, _ := newTestSync()
	ctx := context.Background()

	require.True(t, s.SyncMemory(ctx, "tiny", payload("barely matters", 0.2, false)))

	cached, _ := working.GetThought(ctx, "tiny")
	assert.NotNil(t, cached)

	rec, _ := durable.GetMemory(ctx, "tiny")
	assert.Nil(t, rec)

	v := s.Version("tiny")
	require.NotNil(t, v)
	assert.Contains(t, v.StoreVersions, StoreCache)
	assert.NotContains(t, v.StoreVersions, StoreDurable)
}

func TestNoEmbeddingSkipsIndex(t *testing.T) {
	s, _, _, index := newTestSync()

	require.True(t, s.SyncMemory(context.Background(), "plain", payload("no vector", 0.9, false)))
	assert.False(t, index.Has("plain"))
	assert.NotContains(t, s.Version("plain").StoreVersions, StoreIndex)
}

func TestLatestWinsOverwritesEverywhere(t *testing.T) {
	s, working, durable, _ := newTestSync()
	ctx := context.Background()

	require.True(t, s.SyncMemory(ctx, "m1", payload("version A", 0.9, false)))
	require.True(t, s.SyncMemory(ctx, "m1", payload("version B", 0.9, false)))

	assert.Equal(t, int64(1), s.Stats()["conflicts"])

	cached, _ := working.GetThought(ctx, "m1")
	assert.Equal(t, "version B", cached["content"])

	rec, _ := durable.GetMemory(ctx, "m1")
	require.NotNil(t, rec)
	assert.Equal(t, "version B", rec.Content)
}

func TestRollbackRestoresPriorCacheValue(t *testing.T) {
	s, working, durable, _ := newTestSync()
	ctx := context.Background()

	require.True(t, s.SyncMemory(ctx, "m1", payload("original", 0.9, false)))
	before := s.Version("m1")

	durable.failStore = true
	ok := s.SyncMemory(ctx, "m1", payload("doomed", 0.9, false))
	assert.False(t, ok)

	cached, _ := working.GetThought(ctx, "m1")
	require.NotNil(t, cached)
	assert.Equal(t, "original", cached["content"])

	after := s.Version("m1")
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Checksum, after.Checksum)
	assert.Equal(t, int64(1), s.Stats()["rollbacks"])
}

func TestRollbackRemovesFreshCacheEntry(t *testing.T) {
	s, working, durable, _ := newTestSync()
	durable.failStore = true
	ctx := context.Background()

	ok := s.SyncMemory(ctx, "fresh", payload("never landed", 0.9, false))
	assert.False(t, ok)

	cached, _ := working.GetThought(ctx, "fresh")
	assert.Nil(t, cached)
	assert.Nil(t, s.Version("fresh"))
}

func TestSyncMemoryRejectsBadInput(t *testing.T) {
	s, _, _, _ := newTestSync()

	assert.False(t, s.SyncMemory(context.Background(), "", payload("x", 0.9, false)))
	assert.False(t, s.SyncMemory(context.Background(), "m1", nil))
}

func TestSyncBatch(t *testing.T) {
	s, working, _, _ := newTestSync()
	ctx := context.Background()

	entries := make(map[string]map[string]interface{})
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("m%d", i)
		entries[id] = payload("batch "+id, 0.9, false)
	}

	results := s.SyncBatch(ctx, entries)
	require.Len(t, results, 10)
	for id, ok := range results {
		assert.True(t, ok, id)
		assert.Equal(t, int64(1), s.Version(id).Version)
	}

	ids, _ := working.ListThoughtIDs(ctx)
	assert.Len(t, ids, 10)
}

func TestCheckConsistencyCleanState(t *testing.T) {
	s, _, _, _ := newTestSync()
	ctx := context.Background()

	require.True(t, s.SyncMemory(ctx, "m1", payload("fine", 0.9, true)))
	require.True(t, s.SyncMemory(ctx, "m2", payload("also fine", 0.2, false)))

	assert.Empty(t, s.CheckConsistency(ctx))
}

func TestCheckConsistencyExpectationCarveOuts(t *testing.T) {
	s, _, durable, index := newTestSync()
	ctx := context.Background()

	// Low importance, no embedding: legitimately cache-only.
	require.True(t, s.SyncMemory(ctx, "small", payload("cache only", 0.2, false)))
	assert.Empty(t, s.CheckConsistency(ctx))

	// An important record missing from the durable store is a defect.
	require.True(t, s.SyncMemory(ctx, "big", payload("must persist", 0.9, false)))
	durable.remove("big")
	issues := s.CheckConsistency(ctx)
	require.Contains(t, issues, "big")
	assert.Contains(t, issues["big"], "missing_durable")

	// An embedded record missing from the index is a defect.
	require.True(t, s.SyncMemory(ctx, "vec", payload("embedded", 0.9, true)))
	index.remove("vec")
	issues = s.CheckConsistency(ctx)
	require.Contains(t, issues, "vec")
	assert.Contains(t, issues["vec"], "missing_index")
}

func TestRepairInconsistencies(t *testing.T) {
	s, _, durable, _ := newTestSync()
	ctx := context.Background()

	require.True(t, s.SyncMemory(ctx, "m1", payload("restore me", 0.9, false)))
	durable.remove("m1")

	issues := s.CheckConsistency(ctx)
	require.Contains(t, issues, "m1")

	repaired, unrepairable := s.RepairInconsistencies(ctx, issues)
	assert.Equal(t, 1, repaired)
	assert.Empty(t, unrepairable)

	rec, _ := durable.GetMemory(ctx, "m1")
	require.NotNil(t, rec)
	assert.Equal(t, "restore me", rec.Content)

	assert.Empty(t, s.CheckConsistency(ctx))
}

func TestRepairReportsUnrepairable(t *testing.T) {
	s, _, _, _ := newTestSync()

	_, unrepairable := s.RepairInconsistencies(context.Background(),
		map[string][]string{"ghost": {"missing_cache"}})
	assert.Equal(t, []string{"ghost"}, unrepairable)
}

func TestEnqueueWithoutOutboxResolvesInline(t *testing.T) {
	s, working, _, _ := newTestSync()
	ctx := context.Background()

	pending, err := s.Enqueue(ctx, "m1", payload("inline", 0.9, false))
	require.NoError(t, err)

	ok, err := pending.Await(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	cached, _ := working.GetThought(ctx, "m1")
	assert.NotNil(t, cached)
}

func TestSynchronizedEventPublished(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	ch := bus.Subscribe(events.EventSynchronized)

	s := New(newFakeWorking(), newFakeDurable(0.7), newFakeIndex(), nil, bus, syncConfig(), 0.7, nil)
	require.True(t, s.SyncMemory(context.Background(), "m1", payload("announce", 0.9, false)))

	select {
	case event := <-ch:
		p, ok := event.Payload.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "m1", p["memory_id"])
		assert.Equal(t, int64(1), p["version"])
	case <-time.After(2 * time.Second):
		t.Fatal("no synchronized event")
	}
}

func TestSynchronizerStats(t *testing.T) {
	s, _, durable, _ := newTestSync()
	ctx := context.Background()

	require.True(t, s.SyncMemory(ctx, "ok", payload("fine", 0.9, false)))
	durable.failStore = true
	assert.False(t, s.SyncMemory(ctx, "bad", payload("broken", 0.9, false)))

	stats := s.Stats()
	assert.Equal(t, int64(1), stats["syncs"])
	assert.Equal(t, int64(1), stats["failures"])
	assert.Equal(t, 1, stats["tracked_versions"])
	assert.Equal(t, 0, stats["active_transactions"])
	assert.Equal(t, "latest_wins", stats["strategy"])
}

func TestErrorStrings(t *testing.T) {
	inner := fmt.Errorf("socket closed")
	writeErr := &BackendWriteError{Store: StoreDurable, Err: inner}
	assert.Equal(t, "backend write failed (durable): socket closed", writeErr.Error())
	assert.Equal(t, inner, writeErr.Unwrap())

	conflictErr := &ConflictError{MemoryID: "m1", Strategy: StrategyManual}
	assert.Contains(t, conflictErr.Error(), "m1")

	consErr := &ConsistencyError{MemoryID: "m1", Issues: []string{"missing_durable"}}
	assert.Contains(t, consErr.Error(), "missing_durable")
}
