package vector

import (
	"math/rand"
	"sort"
	"sync"
)

const kmeansIterations = 10

// ivfBackend is an inverted-file index: vectors are bucketed under the
// nearest of nlist k-means centroids, and searches probe only the
// nprobe closest buckets. The backend is not ready until at least nlist
// vectors have accumulated and training has run; until then the index
// serves searches from the exact fallback.
type ivfBackend struct {
	nlist  int
	nprobe int

	trained   bool
	centroids [][]float32
	lists     map[int][]string // centroid index -> member ids
	vectors   map[string][]float32
	mu        sync.RWMutex
}

func newIVFBackend(nlist, nprobe int) *ivfBackend {
	if nlist <= 0 {
		nlist = 64
	}
	if nprobe <= 0 {
		nprobe = 8
	}
	if nprobe > nlist {
		nprobe = nlist
	}
	return &ivfBackend{
		nlist:   nlist,
		nprobe:  nprobe,
		lists:   make(map[int][]string),
		vectors: make(map[string][]float32),
	}
}

func (v *ivfBackend) Name() string { return BackendIVF }

func (v *ivfBackend) Add(id string, vec []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, existed := v.vectors[id]
	v.vectors[id] = vec
	if !v.trained {
		if len(v.vectors) >= v.nlist {
			v.train()
		}
		return nil
	}
	if existed {
		v.unlist(id)
	}
	c := v.nearestCentroid(vec)
	v.lists[c] = append(v.lists[c], id)
	return nil
}

// unlist removes the id from whichever centroid list holds it. Caller
// holds the write lock.
func (v *ivfBackend) unlist(id string) {
	for c, ids := range v.lists {
		for i, member := range ids {
			if member == id {
				v.lists[c] = append(ids[:i], ids[i+1:]...)
				return
			}
		}
	}
}

// train runs a bounded k-means over the accumulated vectors and assigns
// every vector to its list. Caller holds the write lock.
func (v *ivfBackend) train() {
	ids := make([]string, 0, len(v.vectors))
	for id := range v.vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic seeding order

	rng := rand.New(rand.NewSource(int64(len(ids))))
	v.centroids = make([][]float32, v.nlist)
	perm := rng.Perm(len(ids))
	for i := 0; i < v.nlist; i++ {
		seed := v.vectors[ids[perm[i%len(perm)]]]
		v.centroids[i] = append([]float32(nil), seed...)
	}

	for iter := 0; iter < kmeansIterations; iter++ {
		sums := make([][]float64, v.nlist)
		counts := make([]int, v.nlist)
		for i := range sums {
			sums[i] = make([]float64, len(v.centroids[0]))
		}
		for _, id := range ids {
			vec := v.vectors[id]
			c := v.nearestCentroid(vec)
			counts[c]++
			for d, val := range vec {
				sums[c][d] += float64(val)
			}
		}
		for c := range v.centroids {
			if counts[c] == 0 {
				continue
			}
			for d := range v.centroids[c] {
				v.centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
	}

	v.lists = make(map[int][]string)
	for _, id := range ids {
		c := v.nearestCentroid(v.vectors[id])
		v.lists[c] = append(v.lists[c], id)
	}
	v.trained = true
}

func (v *ivfBackend) nearestCentroid(vec []float32) int {
	best, bestDist := 0, -1.0
	for i, c := range v.centroids {
		d := l2Distance(vec, c)
		if bestDist < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func (v *ivfBackend) Search(query []float32, k int) ([]Match, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.trained {
		return nil, nil
	}

	type probed struct {
		idx  int
		dist float64
	}
	order := make([]probed, len(v.centroids))
	for i, c := range v.centroids {
		order[i] = probed{idx: i, dist: l2Distance(query, c)}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].dist < order[j].dist })

	var matches []Match
	for _, p := range order[:v.nprobe] {
		for _, id := range v.lists[p.idx] {
			matches = append(matches, Match{ID: id, Distance: l2Distance(query, v.vectors[id])})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (v *ivfBackend) Ready() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.trained
}

func (v *ivfBackend) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.trained = false
	v.centroids = nil
	v.lists = make(map[int][]string)
	v.vectors = make(map[string][]float32)
}

func (v *ivfBackend) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vectors)
}
