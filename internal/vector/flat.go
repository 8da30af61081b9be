package vector

import (
	"sort"
	"sync"
)

// flatBackend is a brute-force L2 scan. Always ready; exact by
// construction, it exists so the backend choice is uniform across
// deployments that do not need an ANN structure.
type flatBackend struct {
	vectors map[string][]float32
	mu      sync.RWMutex
}

func newFlatBackend() *flatBackend {
	return &flatBackend{vectors: make(map[string][]float32)}
}

func (f *flatBackend) Name() string { return BackendFlat }

func (f *flatBackend) Add(id string, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[id] = vec
	return nil
}

func (f *flatBackend) Search(query []float32, k int) ([]Match, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	matches := make([]Match, 0, len(f.vectors))
	for id, vec := range f.vectors {
		matches = append(matches, Match{ID: id, Distance: l2Distance(query, vec)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (f *flatBackend) Ready() bool { return true }

func (f *flatBackend) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors = make(map[string][]float32)
}

func (f *flatBackend) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}
