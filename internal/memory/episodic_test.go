package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/internal/config"
)

// The query helpers must accept a pooled connection as-is.
var _ dbConn = (*pgxpool.Conn)(nil)

// Tests run against the in-process fallback, which mirrors the durable
// SQL semantics exactly. No pool manager means every durable call lands
// there.
func newFallbackEpisodic(cfg config.EpisodicConfig) *EpisodicStore {
	return NewEpisodicStore(nil, cfg, nil)
}

func episodicConfig() config.EpisodicConfig {
	return config.EpisodicConfig{
		ImportanceThreshold: 0.7,
		DecayRate:           0.05,
		ImportanceFloor:     0.1,
		MaxMemories:         1000,
		PruneMinImportance:  0.2,
	}
}

func record(id string, importance, valence float64, age time.Duration) *Record {
	now := time.Now()
	return &Record{
		ID:           id,
		Content:      "memory " + id,
		Type:         TypeEpisodic,
		Importance:   importance,
		Valence:      valence,
		CreatedAt:    now.Add(-age),
		UpdatedAt:    now.Add(-age),
		LastAccessed: now.Add(-age),
	}
}

func TestAdmissionGate(t *testing.T) {
	e := newFallbackEpisodic(episodicConfig())
	ctx := context.Background()

	stored, err := e.StoreMemory(ctx, record("low", 0.3, 0, 0))
	require.NoError(t, err)
	assert.False(t, stored)

	rec, err := e.GetMemory(ctx, "low")
	require.NoError(t, err)
	assert.Nil(t, rec)

	stored, err = e.StoreMemory(ctx, record("high", 0.8, 0, 0))
	require.NoError(t, err)
	assert.True(t, stored)

	stats := e.Stats(ctx)
	assert.Equal(t, int64(1), stats["stores"])
	assert.Equal(t, int64(1), stats["rejections"])
}

func TestStoreRequiresID(t *testing.T) {
	e := newFallbackEpisodic(episodicConfig())

	_, err := e.StoreMemory(context.Background(), &Record{Content: "no id", Importance: 0.9})
	assert.Error(t, err)

	_, err = e.StoreMemory(context.Background(), nil)
	assert.Error(t, err)
}

func TestGetMemoryBumpsAccess(t *testing.T) {
	e := newFallbackEpisodic(episodicConfig())
	ctx := context.Background()

	_, err := e.StoreMemory(ctx, record("m1", 0.9, 0, 0))
	require.NoError(t, err)

	first, err := e.GetMemory(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := e.GetMemory(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Greater(t, second.AccessCount, first.AccessCount)
}

func TestGetMemoryReturnsClone(t *testing.T) {
	e := newFallbackEpisodic(episodicConfig())
	ctx := context.Background()

	_, err := e.StoreMemory(ctx, record("m1", 0.9, 0, 0))
	require.NoError(t, err)

	got, err := e.GetMemory(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	got.Content = "scribbled on"

	again, err := e.GetMemory(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "memory m1", again.Content)
}

func TestConcurrentReadsAndDecay(t *testing.T) {
	e := newFallbackEpisodic(episodicConfig())
	ctx := context.Background()

	_, err := e.StoreMemory(ctx, record("hot", 0.9, 0, 48*time.Hour))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rec, err := e.GetMemory(ctx, "hot")
				assert.NoError(t, err)
				assert.NotNil(t, rec)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			_, err := e.ApplyDecay(ctx)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	rec, err := e.GetMemory(ctx, "hot")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 401, rec.AccessCount)
}

func TestUpsertReplacesContent(t *testing.T) {
	e := newFallbackEpisodic(episodicConfig())
	ctx := context.Background()

	rec := record("m1", 0.9, 0, 0)
	_, err := e.StoreMemory(ctx, rec)
	require.NoError(t, err)

	rec.Content = "revised"
	rec.Importance = 0.95
	_, err = e.StoreMemory(ctx, rec)
	require.NoError(t, err)

	got, err := e.GetMemory(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "revised", got.Content)
	assert.Equal(t, 0.95, got.Importance)
}

func TestGetRecentOrderAndTypeFilter(t *testing.T) {
	e := newFallbackEpisodic(episodicConfig())
	ctx := context.Background()

	old := record("old", 0.8, 0, 3*time.Hour)
	mid := record("mid", 0.8, 0, 2*time.Hour)
	mid.Type = TypeSemantic
	fresh := record("fresh", 0.8, 0, time.Hour)

	for _, rec := range []*Record{old, mid, fresh} {
		_, err := e.StoreMemory(ctx, rec)
		require.NoError(t, err)
	}

	recent, err := e.GetRecent(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "fresh", recent[0].ID)
	assert.Equal(t, "mid", recent[1].ID)

	semantic, err := e.GetRecent(ctx, 10, TypeSemantic)
	require.NoError(t, err)
	require.Len(t, semantic, 1)
	assert.Equal(t, "mid", semantic[0].ID)
}

func TestGetImportantOrdering(t *testing.T) {
	e := newFallbackEpisodic(episodicConfig())
	ctx := context.Background()

	for i, imp := range []float64{0.7, 0.95, 0.8} {
		_, err := e.StoreMemory(ctx, record(fmt.Sprintf("m%d", i), imp, 0, time.Hour))
		require.NoError(t, err)
	}

	got, err := e.GetImportant(ctx, 0.75, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0.95, got[0].Importance)
	assert.Equal(t, 0.8, got[1].Importance)
}

func TestGetEmotionalRange(t *testing.T) {
	e := newFallbackEpisodic(episodicConfig())
	ctx := context.Background()

	joy := record("joy", 0.8, 0.9, time.Hour)
	dread := record("dread", 0.8, -0.7, time.Hour)
	flat := record("flat", 0.8, 0.05, time.Hour)

	for _, rec := range []*Record{joy, dread, flat} {
		_, err := e.StoreMemory(ctx, rec)
		require.NoError(t, err)
	}

	negative, err := e.GetEmotional(ctx, -1, -0.5, 10)
	require.NoError(t, err)
	require.Len(t, negative, 1)
	assert.Equal(t, "dread", negative[0].ID)

	all, err := e.GetEmotional(ctx, -1, 1, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Strongest emotion first.
	assert.Equal(t, "joy", all[0].ID)
	assert.Equal(t, "dread", all[1].ID)
}

func TestAssociationSymmetry(t *testing.T) {
	e := newFallbackEpisodic(episodicConfig())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := e.StoreMemory(ctx, record(id, 0.8, 0, 0))
		require.NoError(t, err)
	}

	require.NoError(t, e.CreateAssociation(ctx, "a", "b", 0.6))
	require.NoError(t, e.CreateAssociation(ctx, "a", "c", 0.9))

	fromA, err := e.GetAssociated(ctx, "a")
	require.NoError(t, err)
	require.Len(t, fromA, 2)
	assert.Equal(t, "c", fromA[0].MemoryID2, "strongest first")

	fromB, err := e.GetAssociated(ctx, "b")
	require.NoError(t, err)
	require.Len(t, fromB, 1)
	assert.Equal(t, "a", fromB[0].MemoryID2)
}

func TestAssociationStrengthNeverWeakens(t *testing.T) {
	e := newFallbackEpisodic(episodicConfig())
	ctx := context.Background()

	require.NoError(t, e.CreateAssociation(ctx, "a", "b", 0.8))
	require.NoError(t, e.CreateAssociation(ctx, "a", "b", 0.3))

	assocs, err := e.GetAssociated(ctx, "a")
	require.NoError(t, err)
	require.Len(t, assocs, 1)
	assert.Equal(t, 0.8, assocs[0].Strength)

	require.NoError(t, e.CreateAssociation(ctx, "a", "b", 0.95))
	assocs, err = e.GetAssociated(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0.95, assocs[0].Strength)
}

func TestAssociationRejectsSelfAndEmpty(t *testing.T) {
	e := newFallbackEpisodic(episodicConfig())
	ctx := context.Background()

	assert.Error(t, e.CreateAssociation(ctx, "a", "a", 0.5))
	assert.Error(t, e.CreateAssociation(ctx, "", "b", 0.5))
}

func TestDecayMonotoneAndFloored(t *testing.T) {
	e := newFallbackEpisodic(episodicConfig())
	ctx := context.Background()

	_, err := e.StoreMemory(ctx, record("stale", 0.9, 0, 72*time.Hour))
	require.NoError(t, err)
	_, err = e.StoreMemory(ctx, record("active", 0.9, 0, time.Hour))
	require.NoError(t, err)

	affected, err := e.ApplyDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	stale, err := e.GetMemory(ctx, "stale")
	require.NoError(t, err)
	// Three days inactive at rate 0.05/day.
	assert.InDelta(t, 0.75, stale.Importance, 0.01)

	active, err := e.GetMemory(ctx, "active")
	require.NoError(t, err)
	assert.Equal(t, 0.9, active.Importance, "records accessed within a day do not decay")
}

func TestDecayStopsAtFloor(t *testing.T) {
	cfg := episodicConfig()
	cfg.DecayRate = 0.5
	e := newFallbackEpisodic(cfg)
	ctx := context.Background()

	_, err := e.StoreMemory(ctx, record("ancient", 0.9, 0, 10*24*time.Hour))
	require.NoError(t, err)

	_, err = e.ApplyDecay(ctx)
	require.NoError(t, err)

	rec, err := e.GetMemory(ctx, "ancient")
	require.NoError(t, err)
	assert.Equal(t, cfg.ImportanceFloor, rec.Importance)

	// A second pass must not push below the floor.
	_, err = e.ApplyDecay(ctx)
	require.NoError(t, err)
	rec, err = e.GetMemory(ctx, "ancient")
	require.NoError(t, err)
	assert.Equal(t, cfg.ImportanceFloor, rec.Importance)
}

func TestPruneBound(t *testing.T) {
	cfg := episodicConfig()
	cfg.ImportanceThreshold = 0.1
	e := newFallbackEpisodic(cfg)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		imp := 0.15 + float64(i)*0.08
		_, err := e.StoreMemory(ctx, record(fmt.Sprintf("m%d", i), imp, 0, time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	deleted, err := e.PruneMemories(ctx, 4, 0.3)
	require.NoError(t, err)
	assert.Greater(t, deleted, 0)

	ids, err := e.ListIDs(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(ids), 4)

	// The most important records survive.
	survivors, err := e.GetImportant(ctx, 0, 10)
	require.NoError(t, err)
	for _, rec := range survivors {
		assert.GreaterOrEqual(t, rec.Importance, 0.3)
	}
	assert.Contains(t, ids, "m9")
}

func TestDeleteRemovesAssociations(t *testing.T) {
	e := newFallbackEpisodic(episodicConfig())
	ctx := context.Background()

	_, err := e.StoreMemory(ctx, record("a", 0.8, 0, 0))
	require.NoError(t, err)
	_, err = e.StoreMemory(ctx, record("b", 0.8, 0, 0))
	require.NoError(t, err)
	require.NoError(t, e.CreateAssociation(ctx, "a", "b", 0.7))

	require.NoError(t, e.Delete(ctx, "a"))

	rec, err := e.GetMemory(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, rec)

	fromB, err := e.GetAssociated(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, fromB)
}

func TestEpisodicStatsAggregates(t *testing.T) {
	e := newFallbackEpisodic(episodicConfig())
	ctx := context.Background()

	_, err := e.StoreMemory(ctx, record("a", 0.8, 0.4, 0))
	require.NoError(t, err)
	_, err = e.StoreMemory(ctx, record("b", 0.9, -0.4, 0))
	require.NoError(t, err)
	require.NoError(t, e.CreateAssociation(ctx, "a", "b", 0.5))

	stats := e.Stats(ctx)
	assert.Equal(t, 2, stats["memory_count"])
	assert.InDelta(t, 0.85, stats["avg_importance"].(float64), 1e-9)
	assert.Equal(t, 1, stats["association_count"])
}
