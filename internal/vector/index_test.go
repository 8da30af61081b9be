package vector

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/internal/config"
)

func newTestIndex(t *testing.T, backend string) *SemanticIndex {
	t.Helper()
	idx, err := New(config.VectorConfig{
		Dimension: 3,
		Backend:   backend,
		NList:     2,
		NProbe:    2,
		IndexPath: filepath.Join(t.TempDir(), "index.json"),
	}, nil)
	require.NoError(t, err)
	return idx
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(config.VectorConfig{Dimension: 0}, nil)
	require.Error(t, err)
	_, ok := err.(*ValidationError)
	assert.True(t, ok)

	_, err = New(config.VectorConfig{Dimension: 3, Backend: "annoy"}, nil)
	assert.Error(t, err)
}

func TestAddVectorValidatesDimension(t *testing.T) {
	idx := newTestIndex(t, BackendExact)

	err := idx.AddVector("v1", []float32{1, 2}, nil)
	require.Error(t, err)

	valErr, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Equal(t, "vector", valErr.Field)

	assert.Error(t, idx.AddVector("", []float32{1, 2, 3}, nil))
}

func TestSearchValidatesDimension(t *testing.T) {
	idx := newTestIndex(t, BackendExact)

	_, err := idx.Search([]float32{1}, 5, 0)
	assert.Error(t, err)
	_, err = idx.SearchBySimilarity([]float32{1}, 5, 0)
	assert.Error(t, err)
}

func TestExactSearchRanking(t *testing.T) {
	idx := newTestIndex(t, BackendExact)

	require.NoError(t, idx.AddVector("near", []float32{1, 0, 0}, map[string]interface{}{"content": "near"}))
	require.NoError(t, idx.AddVector("mid", []float32{0, 1, 0}, nil))
	require.NoError(t, idx.AddVector("far", []float32{0, 0, 5}, nil))

	matches, err := idx.Search([]float32{0.9, 0.1, 0}, 3, 0)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "near", matches[0].ID)
	assert.Equal(t, "mid", matches[1].ID)
	assert.Equal(t, "far", matches[2].ID)
	assert.Equal(t, "near", matches[0].Metadata["content"])
}

func TestSearchThresholdFilters(t *testing.T) {
	idx := newTestIndex(t, BackendExact)

	require.NoError(t, idx.AddVector("near", []float32{1, 0, 0}, nil))
	require.NoError(t, idx.AddVector("far", []float32{10, 0, 0}, nil))

	matches, err := idx.Search([]float32{1, 0, 0}, 5, 1.0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "near", matches[0].ID)
}

func TestSimilaritySearchRanking(t *testing.T) {
	idx := newTestIndex(t, BackendExact)

	require.NoError(t, idx.AddVector("aligned", []float32{2, 0, 0}, nil))
	require.NoError(t, idx.AddVector("orthogonal", []float32{0, 3, 0}, nil))
	require.NoError(t, idx.AddVector("opposed", []float32{-1, 0, 0}, nil))

	matches, err := idx.SearchBySimilarity([]float32{1, 0, 0}, 3, -1)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "aligned", matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
	assert.InDelta(t, 0.0, matches[1].Similarity, 1e-6)
	assert.InDelta(t, -1.0, matches[2].Similarity, 1e-6)

	// Cosine magnitude invariance: scaling the query changes nothing.
	scaled, err := idx.SearchBySimilarity([]float32{10, 0, 0}, 3, -1)
	require.NoError(t, err)
	assert.Equal(t, matches[0].ID, scaled[0].ID)
	assert.InDelta(t, matches[0].Similarity, scaled[0].Similarity, 1e-6)
}

func TestSimilarityMinFilter(t *testing.T) {
	idx := newTestIndex(t, BackendExact)

	require.NoError(t, idx.AddVector("aligned", []float32{1, 0, 0}, nil))
	require.NoError(t, idx.AddVector("orthogonal", []float32{0, 1, 0}, nil))

	matches, err := idx.SearchBySimilarity([]float32{1, 0, 0}, 5, 0.5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "aligned", matches[0].ID)
}

func TestHNSWBackendSearch(t *testing.T) {
	idx := newTestIndex(t, BackendHNSW)

	for i := 0; i < 20; i++ {
		vec := []float32{float32(i), float32(i % 3), 0}
		require.NoError(t, idx.AddVector(fmt.Sprintf("v%d", i), vec, nil))
	}

	matches, err := idx.Search([]float32{5, 2, 0}, 3, 0)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "v5", matches[0].ID)
}

func TestHNSWReAddUpserts(t *testing.T) {
	idx := newTestIndex(t, BackendHNSW)

	require.NoError(t, idx.AddVector("v", []float32{1, 0, 0}, nil))
	require.NoError(t, idx.AddVector("other", []float32{0, 0, 1}, nil))

	// Writing the same id again replaces the graph node instead of
	// panicking inside coder/hnsw.
	require.NoError(t, idx.AddVector("v", []float32{0, 1, 0}, nil))

	matches, err := idx.Search([]float32{0, 1, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "v", matches[0].ID)
	assert.InDelta(t, 0, matches[0].Distance, 1e-6)
}

func TestIVFFallsBackUntilTrained(t *testing.T) {
	idx := newTestIndex(t, BackendIVF)

	// One vector is below the training threshold, so the exact path
	// serves and counts a failover.
	require.NoError(t, idx.AddVector("only", []float32{1, 0, 0}, nil))
	matches, err := idx.Search([]float32{1, 0, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "only", matches[0].ID)

	stats := idx.Stats()
	assert.Equal(t, int64(1), stats["failovers"])
	assert.False(t, stats["backend_ready"].(bool))

	for i := 0; i < 10; i++ {
		require.NoError(t, idx.AddVector(fmt.Sprintf("v%d", i), []float32{float32(i), 1, 0}, nil))
	}
	assert.True(t, idx.Stats()["backend_ready"].(bool))

	matches, err = idx.Search([]float32{3, 1, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "v3", matches[0].ID)
}

func TestIVFReAddDoesNotDuplicate(t *testing.T) {
	idx := newTestIndex(t, BackendIVF)

	for i := 0; i < 10; i++ {
		require.NoError(t, idx.AddVector(fmt.Sprintf("v%d", i), []float32{float32(i), 1, 0}, nil))
	}
	require.True(t, idx.Stats()["backend_ready"].(bool))

	// A post-training rewrite must relocate the id, not list it twice.
	require.NoError(t, idx.AddVector("v3", []float32{3, 2, 0}, nil))

	matches, err := idx.Search([]float32{3, 2, 0}, 10, 0)
	require.NoError(t, err)
	seen := 0
	for _, m := range matches {
		if m.ID == "v3" {
			seen++
			assert.InDelta(t, 0, m.Distance, 1e-6)
		}
	}
	assert.Equal(t, 1, seen)
}

func TestRemoveVectorTombstones(t *testing.T) {
	idx := newTestIndex(t, BackendHNSW)

	require.NoError(t, idx.AddVector("keep", []float32{1, 0, 0}, nil))
	require.NoError(t, idx.AddVector("drop", []float32{1.1, 0, 0}, nil))

	idx.RemoveVector("drop")
	assert.False(t, idx.Has("drop"))
	assert.True(t, idx.Has("keep"))

	matches, err := idx.Search([]float32{1, 0, 0}, 5, 0)
	require.NoError(t, err)
	for _, m := range matches {
		assert.NotEqual(t, "drop", m.ID)
	}

	// Re-adding under the same id clears the tombstone.
	require.NoError(t, idx.AddVector("drop", []float32{1.1, 0, 0}, nil))
	assert.True(t, idx.Has("drop"))
}

func TestUpdateVectorSupersedes(t *testing.T) {
	idx := newTestIndex(t, BackendExact)

	require.NoError(t, idx.AddVector("v", []float32{1, 0, 0}, nil))
	require.NoError(t, idx.UpdateVector("v", []float32{0, 1, 0}, nil))

	matches, err := idx.SearchBySimilarity([]float32{0, 1, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
}

func TestSaveAndLoadIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	cfg := config.VectorConfig{Dimension: 3, Backend: BackendHNSW, IndexPath: path}

	idx, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, idx.AddVector("a", []float32{1, 0, 0}, map[string]interface{}{"content": "alpha"}))
	require.NoError(t, idx.AddVector("b", []float32{0, 1, 0}, nil))
	idx.RemoveVector("b")
	require.NoError(t, idx.SaveIndex())

	restored, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, restored.LoadIndex())

	assert.True(t, restored.Has("a"))
	assert.False(t, restored.Has("b"))

	matches, err := restored.Search([]float32{1, 0, 0}, 5, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].ID)
	assert.Equal(t, "alpha", matches[0].Metadata["content"])

	// Rebuild on load discards tombstones.
	assert.Equal(t, 0, restored.Stats()["tombstones"])
}

func TestLoadIndexDimensionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")

	idx, err := New(config.VectorConfig{Dimension: 3, Backend: BackendExact, IndexPath: path}, nil)
	require.NoError(t, err)
	require.NoError(t, idx.AddVector("a", []float32{1, 0, 0}, nil))
	require.NoError(t, idx.SaveIndex())

	other, err := New(config.VectorConfig{Dimension: 4, Backend: BackendExact, IndexPath: path}, nil)
	require.NoError(t, err)
	err = other.LoadIndex()
	require.Error(t, err)
	_, ok := err.(*ValidationError)
	assert.True(t, ok)
}

func TestAddBatch(t *testing.T) {
	idx := newTestIndex(t, BackendExact)

	err := idx.AddBatch(
		[]string{"a", "b"},
		[][]float32{{1, 0, 0}, {0, 1, 0}},
		[]map[string]interface{}{{"content": "alpha"}, nil})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, idx.IDs())

	err = idx.AddBatch([]string{"c"}, nil, nil)
	assert.Error(t, err)
}
