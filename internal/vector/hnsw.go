package vector

import (
	"sync"

	"github.com/coder/hnsw"
)

// hnswBackend wraps the coder/hnsw generic graph.
type hnswBackend struct {
	graph   *hnsw.Graph[string]
	vectors map[string][]float32
	mu      sync.Mutex
}

func newHNSWBackend() *hnswBackend {
	return &hnswBackend{
		graph:   hnsw.NewGraph[string](),
		vectors: make(map[string][]float32),
	}
}

func (h *hnswBackend) Name() string { return BackendHNSW }

func (h *hnswBackend) Add(id string, vec []float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Graph.Add panics on a key that is already present; drop the old
	// node first so re-indexing an id stays an upsert.
	if _, ok := h.vectors[id]; ok {
		h.graph.Delete(id)
	}
	h.graph.Add(hnsw.MakeNode(id, vec))
	h.vectors[id] = vec
	return nil
}

func (h *hnswBackend) Search(query []float32, k int) ([]Match, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	neighbors := h.graph.Search(query, k)
	matches := make([]Match, 0, len(neighbors))
	for _, node := range neighbors {
		matches = append(matches, Match{ID: node.Key, Distance: l2Distance(query, node.Value)})
	}
	return matches, nil
}

func (h *hnswBackend) Ready() bool { return true }

func (h *hnswBackend) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.graph = hnsw.NewGraph[string]()
	h.vectors = make(map[string][]float32)
}

func (h *hnswBackend) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.vectors)
}
