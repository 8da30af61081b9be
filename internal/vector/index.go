package vector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/engram-ai/engram/internal/config"
)

// SemanticIndex is the vector similarity search structure. The
// approximate backend (flat, IVF or HNSW) is chosen once at
// construction; the exact fallback map is always written in parallel so
// searches keep working when the backend is untrained or unavailable.
type SemanticIndex struct {
	cfg     config.VectorConfig
	logger  *logrus.Logger
	backend Backend // nil when running exact-only

	mu         sync.RWMutex
	exact      map[string][]float32
	metadata   map[string]map[string]interface{}
	tombstones map[string]bool

	adds      int64
	searches  int64
	failovers int64
}

// New creates a semantic index with the configured approximate backend.
func New(cfg config.VectorConfig, logger *logrus.Logger) (*SemanticIndex, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Dimension <= 0 {
		return nil, &ValidationError{Field: "dimension", Reason: "must be positive"}
	}

	var backend Backend
	switch cfg.Backend {
	case BackendFlat:
		backend = newFlatBackend()
	case BackendIVF:
		backend = newIVFBackend(cfg.NList, cfg.NProbe)
	case BackendHNSW, "":
		backend = newHNSWBackend()
	case BackendExact:
		backend = nil
	default:
		return nil, fmt.Errorf("semantic index: unknown backend %q", cfg.Backend)
	}

	return &SemanticIndex{
		cfg:        cfg,
		logger:     logger,
		backend:    backend,
		exact:      make(map[string][]float32),
		metadata:   make(map[string]map[string]interface{}),
		tombstones: make(map[string]bool),
	}, nil
}

// Dimension returns the configured vector dimension.
func (s *SemanticIndex) Dimension() int { return s.cfg.Dimension }

func (s *SemanticIndex) validate(vec []float32) error {
	if len(vec) != s.cfg.Dimension {
		return &ValidationError{
			Field:  "vector",
			Reason: fmt.Sprintf("dimension %d does not match index dimension %d", len(vec), s.cfg.Dimension),
		}
	}
	return nil
}

// AddVector indexes a vector under an id, writing both the approximate
// backend and the exact fallback.
func (s *SemanticIndex) AddVector(id string, vec []float32, metadata map[string]interface{}) error {
	if id == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if err := s.validate(vec); err != nil {
		return err
	}
	atomic.AddInt64(&s.adds, 1)

	stored := append([]float32(nil), vec...)

	s.mu.Lock()
	s.exact[id] = stored
	if metadata != nil {
		s.metadata[id] = metadata
	}
	delete(s.tombstones, id)
	s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.Add(id, stored); err != nil {
			// Exact fallback already holds the vector; the backend can be
			// reconstructed from it via RebuildIndex.
			s.logger.WithError(err).WithField("id", id).Warn("Approximate backend add failed")
		}
	}
	return nil
}

// AddBatch indexes multiple vectors, stopping at the first validation
// failure.
func (s *SemanticIndex) AddBatch(ids []string, vecs [][]float32, metadata []map[string]interface{}) error {
	if len(ids) != len(vecs) {
		return &ValidationError{Field: "batch", Reason: "ids and vectors length mismatch"}
	}
	for i, id := range ids {
		var md map[string]interface{}
		if i < len(metadata) {
			md = metadata[i]
		}
		if err := s.AddVector(id, vecs[i], md); err != nil {
			return err
		}
	}
	return nil
}

// Search runs an L2-distance search. The approximate backend answers
// when it is ready; otherwise the exact fallback serves transparently.
// A positive threshold drops matches with a distance above it.
func (s *SemanticIndex) Search(query []float32, k int, threshold float64) ([]Match, error) {
	if err := s.validate(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	atomic.AddInt64(&s.searches, 1)

	var matches []Match
	if s.backend != nil && s.backend.Ready() {
		s.mu.RLock()
		dead := len(s.tombstones)
		s.mu.RUnlock()

		// Over-fetch so tombstoned entries can be dropped without
		// shrinking the result set.
		raw, err := s.backend.Search(query, k+dead)
		if err == nil {
			matches = s.filterLive(raw)
		} else {
			s.logger.WithError(err).Debug("Approximate search failed, serving exact")
		}
	}
	if matches == nil {
		atomic.AddInt64(&s.failovers, 1)
		matches = s.exactSearch(query)
	}

	if threshold > 0 {
		kept := matches[:0]
		for _, m := range matches {
			if m.Distance <= threshold {
				kept = append(kept, m)
			}
		}
		matches = kept
	}
	if len(matches) > k {
		matches = matches[:k]
	}
	return s.attachMetadata(matches), nil
}

// SearchBySimilarity runs a cosine-similarity search, always against the
// exact fallback. This is a distinct semantic from Search, not a
// degraded mode.
func (s *SemanticIndex) SearchBySimilarity(query []float32, k int, minSimilarity float64) ([]Match, error) {
	if err := s.validate(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	atomic.AddInt64(&s.searches, 1)

	s.mu.RLock()
	matches := make([]Match, 0, len(s.exact))
	for id, vec := range s.exact {
		sim := cosineSimilarity(query, vec)
		if sim >= minSimilarity {
			matches = append(matches, Match{ID: id, Similarity: sim})
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > k {
		matches = matches[:k]
	}
	return s.attachMetadata(matches), nil
}

func (s *SemanticIndex) exactSearch(query []float32) []Match {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]Match, 0, len(s.exact))
	for id, vec := range s.exact {
		matches = append(matches, Match{ID: id, Distance: l2Distance(query, vec)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	return matches
}

func (s *SemanticIndex) filterLive(matches []Match) []Match {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live := make([]Match, 0, len(matches))
	for _, m := range matches {
		if s.tombstones[m.ID] {
			continue
		}
		if _, exists := s.exact[m.ID]; !exists {
			continue
		}
		live = append(live, m)
	}
	return live
}

func (s *SemanticIndex) attachMetadata(matches []Match) []Match {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range matches {
		if md, ok := s.metadata[matches[i].ID]; ok {
			matches[i].Metadata = md
		}
	}
	return matches
}

// RemoveVector tombstones the approximate entry and removes the exact
// entry physically. ANN backends generally do not support physical
// removal, so the tombstone set filters search results until the next
// rebuild.
func (s *SemanticIndex) RemoveVector(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.exact[id]; !exists {
		return
	}
	delete(s.exact, id)
	delete(s.metadata, id)
	s.tombstones[id] = true
}

// UpdateVector replaces a vector in place: the stale approximate entry
// is superseded by re-adding under the same id.
func (s *SemanticIndex) UpdateVector(id string, vec []float32, metadata map[string]interface{}) error {
	if err := s.validate(vec); err != nil {
		return err
	}
	return s.AddVector(id, vec, metadata)
}

// Has reports whether a live vector exists for the id.
func (s *SemanticIndex) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.exact[id]
	return ok
}

// IDs returns every live vector id.
func (s *SemanticIndex) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.exact))
	for id := range s.exact {
		ids = append(ids, id)
	}
	return ids
}

// indexSnapshot is the persisted form of the index.
type indexSnapshot struct {
	Dimension  int                               `json:"dimension"`
	Backend    string                            `json:"backend"`
	Vectors    map[string][]float32              `json:"vectors"`
	Metadata   map[string]map[string]interface{} `json:"metadata,omitempty"`
	Tombstones []string                          `json:"tombstones,omitempty"`
}

// SaveIndex persists the exact fallback, metadata and tombstones to the
// configured path.
func (s *SemanticIndex) SaveIndex() error {
	s.mu.RLock()
	snapshot := indexSnapshot{
		Dimension: s.cfg.Dimension,
		Backend:   s.cfg.Backend,
		Vectors:   s.exact,
		Metadata:  s.metadata,
	}
	for id := range s.tombstones {
		snapshot.Tombstones = append(snapshot.Tombstones, id)
	}
	data, err := json.Marshal(snapshot)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal index snapshot: %w", err)
	}

	if dir := filepath.Dir(s.cfg.IndexPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create index dir: %w", err)
		}
	}
	if err := os.WriteFile(s.cfg.IndexPath, data, 0o644); err != nil {
		return fmt.Errorf("write index snapshot: %w", err)
	}
	return nil
}

// LoadIndex restores the exact fallback from disk and rebuilds the
// approximate backend from it, supporting crash recovery.
func (s *SemanticIndex) LoadIndex() error {
	data, err := os.ReadFile(s.cfg.IndexPath)
	if err != nil {
		return fmt.Errorf("read index snapshot: %w", err)
	}
	var snapshot indexSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode index snapshot: %w", err)
	}
	if snapshot.Dimension != s.cfg.Dimension {
		return &ValidationError{
			Field:  "dimension",
			Reason: fmt.Sprintf("snapshot dimension %d does not match index dimension %d", snapshot.Dimension, s.cfg.Dimension),
		}
	}

	s.mu.Lock()
	s.exact = snapshot.Vectors
	if s.exact == nil {
		s.exact = make(map[string][]float32)
	}
	s.metadata = snapshot.Metadata
	if s.metadata == nil {
		s.metadata = make(map[string]map[string]interface{})
	}
	s.tombstones = make(map[string]bool)
	for _, id := range snapshot.Tombstones {
		s.tombstones[id] = true
	}
	s.mu.Unlock()

	return s.RebuildIndex()
}

// RebuildIndex reconstructs the approximate backend entirely from the
// exact fallback, discarding tombstones.
func (s *SemanticIndex) RebuildIndex() error {
	if s.backend == nil {
		s.mu.Lock()
		s.tombstones = make(map[string]bool)
		s.mu.Unlock()
		return nil
	}

	s.backend.Reset()

	s.mu.Lock()
	entries := make(map[string][]float32, len(s.exact))
	for id, vec := range s.exact {
		entries[id] = vec
	}
	s.tombstones = make(map[string]bool)
	s.mu.Unlock()

	for id, vec := range entries {
		if err := s.backend.Add(id, vec); err != nil {
			return fmt.Errorf("rebuild %s backend: %w", s.backend.Name(), err)
		}
	}
	return nil
}

// Stats returns index counters.
func (s *SemanticIndex) Stats() map[string]interface{} {
	s.mu.RLock()
	size := len(s.exact)
	dead := len(s.tombstones)
	s.mu.RUnlock()

	backendName := BackendExact
	backendReady := false
	backendCount := 0
	if s.backend != nil {
		backendName = s.backend.Name()
		backendReady = s.backend.Ready()
		backendCount = s.backend.Count()
	}
	return map[string]interface{}{
		"backend":       backendName,
		"backend_ready": backendReady,
		"backend_count": backendCount,
		"exact_size":    size,
		"tombstones":    dead,
		"adds":          atomic.LoadInt64(&s.adds),
		"searches":      atomic.LoadInt64(&s.searches),
		"failovers":     atomic.LoadInt64(&s.failovers),
	}
}
