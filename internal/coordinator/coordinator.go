package coordinator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/events"
	"github.com/engram-ai/engram/internal/memory"
	msync "github.com/engram-ai/engram/internal/sync"
	"github.com/engram-ai/engram/internal/vector"
)

// Embedder turns text into a vector for the semantic index. Callers
// without an embedding model run with a nil embedder and fall back to
// keyword recall.
type Embedder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

// Thought is an inbound item of agent experience.
type Thought struct {
	Content    string
	Type       memory.Type
	Importance float64
	Valence    float64
	Metadata   map[string]interface{}
}

// RecallResult is a scored recall hit with the store tier it came from.
type RecallResult struct {
	Record *memory.Record `json:"record"`
	Score  float64        `json:"score"`
	Source string         `json:"source"`
}

// Coordinator is the facade other agent subsystems talk to. It routes
// writes across the store tiers and merges reads back together.
type Coordinator struct {
	working  *memory.WorkingStore
	episodic *memory.EpisodicStore
	index    *vector.SemanticIndex
	syncer   *msync.Synchronizer
	embedder Embedder
	bus      *events.Bus
	cfg      config.CoordinatorConfig
	logger   *logrus.Logger

	stored         int64
	recalls        int64
	consolidations int64
}

// New wires a coordinator over the store tiers. The embedder may be nil.
func New(working *memory.WorkingStore, episodic *memory.EpisodicStore,
	index *vector.SemanticIndex, syncer *msync.Synchronizer,
	embedder Embedder, bus *events.Bus, cfg config.CoordinatorConfig,
	logger *logrus.Logger) *Coordinator {

	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ConsolidationScore <= 0 {
		cfg.ConsolidationScore = 0.6
	}
	if cfg.AssociationTopK <= 0 {
		cfg.AssociationTopK = 5
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 20
	}
	return &Coordinator{
		working:  working,
		episodic: episodic,
		index:    index,
		syncer:   syncer,
		embedder: embedder,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
	}
}

// StoreThought persists a thought across the tiers: always into working
// memory, into the episodic store when its importance clears the
// admission gate, and into the semantic index when an embedding is
// available. The write is also journaled for the synchronizer. Returns
// the assigned memory id.
func (c *Coordinator) StoreThought(ctx context.Context, t Thought) (string, error) {
	if t.Content == "" {
		return "", fmt.Errorf("empty thought content")
	}

	rec := &memory.Record{
		ID:           uuid.New().String(),
		Content:      t.Content,
		Type:         t.Type,
		Importance:   memory.ClampImportance(t.Importance),
		Valence:      memory.ClampValence(t.Valence),
		Metadata:     t.Metadata,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
		LastAccessed: time.Now(),
	}
	if rec.Type == "" {
		rec.Type = memory.TypeWorking
	}

	// Embedding failures degrade to keyword-only recall for this record.
	if c.embedder != nil {
		vec, err := c.embedder.Encode(ctx, t.Content)
		if err != nil {
			c.logger.WithError(err).WithField("id", rec.ID).Warn("Embedding failed, storing without vector")
		} else {
			rec.Embedding = vec
		}
	}

	data := rec.ToMap()

	if c.working != nil {
		if err := c.working.StoreThought(ctx, rec.ID, data); err != nil {
			c.logger.WithError(err).WithField("id", rec.ID).Warn("Working store write failed")
		}
	}
	if c.episodic != nil {
		if _, err := c.episodic.StoreMemory(ctx, rec); err != nil {
			c.logger.WithError(err).WithField("id", rec.ID).Warn("Episodic store write failed")
		}
	}
	if c.index != nil && len(rec.Embedding) > 0 {
		md := map[string]interface{}{"content": rec.Content, "type": string(rec.Type)}
		if err := c.index.AddVector(rec.ID, rec.Embedding, md); err != nil {
			c.logger.WithError(err).WithField("id", rec.ID).Warn("Index write failed")
		}
	}
	if c.syncer != nil {
		if _, err := c.syncer.Enqueue(ctx, rec.ID, data); err != nil {
			c.logger.WithError(err).WithField("id", rec.ID).Warn("Sync journal write failed")
		}
	}

	atomic.AddInt64(&c.stored, 1)
	if c.bus != nil {
		c.bus.Publish(events.NewEvent(events.EventThoughtStored, "coordinator", map[string]interface{}{
			"memory_id":  rec.ID,
			"type":       string(rec.Type),
			"importance": rec.Importance,
		}))
	}
	return rec.ID, nil
}

// RecallByID fetches one record, preferring the working tier.
func (c *Coordinator) RecallByID(ctx context.Context, id string) (*memory.Record, error) {
	if c.working != nil {
		data, err := c.working.GetThought(ctx, id)
		if err == nil && data != nil {
			rec := memory.FromMap(data)
			rec.ID = id
			return rec, nil
		}
	}
	if c.episodic != nil {
		rec, err := c.episodic.GetMemory(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, nil
}

// RecallRecent returns the n most recent thoughts, working tier first,
// topped up from the episodic store when the working window is smaller
// than requested.
func (c *Coordinator) RecallRecent(ctx context.Context, n int) ([]*memory.Record, error) {
	if n <= 0 {
		n = c.cfg.RecentWindow
	}

	seen := make(map[string]bool)
	results := make([]*memory.Record, 0, n)

	if c.working != nil {
		recent, err := c.working.GetRecent(ctx, n)
		if err != nil {
			c.logger.WithError(err).Warn("Working recall failed")
		}
		for _, data := range recent {
			rec := memory.FromMap(data)
			if rec.ID == "" || seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			results = append(results, rec)
		}
	}

	if len(results) < n && c.episodic != nil {
		recent, err := c.episodic.GetRecent(ctx, n, "")
		if err != nil {
			c.logger.WithError(err).Warn("Episodic recall failed")
		}
		for _, rec := range recent {
			if seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			results = append(results, rec)
			if len(results) >= n {
				break
			}
		}
	}

	atomic.AddInt64(&c.recalls, 1)
	c.publishRecall("recent", len(results))
	return results, nil
}

// SearchSimilar finds the k records most similar to a text query,
// dropping matches that score below minSimilarity. With an embedder and
// a live index it runs a vector similarity search; otherwise it
// degrades to Jaccard keyword overlap across the working and episodic
// tiers.
func (c *Coordinator) SearchSimilar(ctx context.Context, query string, k int, minSimilarity float64) ([]RecallResult, error) {
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	if k <= 0 {
		k = 10
	}

	var results []RecallResult
	if c.embedder != nil && c.index != nil {
		results = c.vectorSearch(ctx, query, k, minSimilarity)
	}
	if results == nil {
		var err error
		results, err = c.keywordSearch(ctx, query, k, minSimilarity)
		if err != nil {
			return nil, err
		}
	}

	atomic.AddInt64(&c.recalls, 1)
	c.publishRecall("similar", len(results))
	return results, nil
}

// vectorSearch returns nil when the vector path is unusable so the
// caller falls back to keyword recall.
func (c *Coordinator) vectorSearch(ctx context.Context, query string, k int, minSimilarity float64) []RecallResult {
	vec, err := c.embedder.Encode(ctx, query)
	if err != nil {
		c.logger.WithError(err).Warn("Query embedding failed, falling back to keyword recall")
		return nil
	}
	matches, err := c.index.SearchBySimilarity(vec, k, minSimilarity)
	if err != nil {
		c.logger.WithError(err).Warn("Vector search failed, falling back to keyword recall")
		return nil
	}
	if len(matches) == 0 {
		return nil
	}

	results := make([]RecallResult, 0, len(matches))
	for _, m := range matches {
		rec, err := c.RecallByID(ctx, m.ID)
		if err != nil || rec == nil {
			// Index may be ahead of the stores; skip the orphan.
			continue
		}
		results = append(results, RecallResult{Record: rec, Score: m.Similarity, Source: "index"})
	}
	if len(results) == 0 {
		return nil
	}
	return results
}

func (c *Coordinator) keywordSearch(ctx context.Context, query string, k int, minSimilarity float64) ([]RecallResult, error) {
	candidates := make(map[string]*memory.Record)

	if c.working != nil {
		recent, err := c.working.GetRecent(ctx, c.cfg.RecentWindow)
		if err == nil {
			for _, data := range recent {
				rec := memory.FromMap(data)
				if rec.ID != "" {
					candidates[rec.ID] = rec
				}
			}
		}
	}
	if c.episodic != nil {
		recent, err := c.episodic.GetRecent(ctx, c.cfg.RecentWindow*5, "")
		if err == nil {
			for _, rec := range recent {
				if _, ok := candidates[rec.ID]; !ok {
					candidates[rec.ID] = rec
				}
			}
		}
	}

	results := make([]RecallResult, 0, len(candidates))
	for _, rec := range candidates {
		score := jaccard(query, rec.Content)
		if score > 0 && score >= minSimilarity {
			results = append(results, RecallResult{Record: rec, Score: score, Source: "keyword"})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// ConsolidationStats summarizes one consolidation pass.
type ConsolidationStats struct {
	Examined     int `json:"examined"`
	Promoted     int `json:"promoted"`
	Associations int `json:"associations"`
	Decayed      int `json:"decayed"`
	Pruned       int `json:"pruned"`
	Repaired     int `json:"repaired"`
}

// ConsolidateMemories runs a maintenance pass: promotes significant
// working thoughts into the episodic store, links associated memories
// via the semantic index, applies importance decay, prunes the episodic
// store back under its bound and repairs cross-store divergence.
// Significance is the mean of importance and absolute emotional valence.
func (c *Coordinator) ConsolidateMemories(ctx context.Context) (*ConsolidationStats, error) {
	stats := &ConsolidationStats{}

	if c.working != nil {
		recent, err := c.working.GetRecent(ctx, c.cfg.RecentWindow)
		if err != nil {
			return stats, fmt.Errorf("consolidation recall: %w", err)
		}
		for _, data := range recent {
			rec := memory.FromMap(data)
			if rec.ID == "" {
				continue
			}
			stats.Examined++

			score := (rec.Importance + math.Abs(rec.Valence)) / 2
			if score < c.cfg.ConsolidationScore {
				continue
			}
			if c.episodic != nil {
				if rec.Type == memory.TypeWorking {
					rec.Type = memory.TypeEpisodic
				}
				stored, err := c.episodic.StoreMemory(ctx, rec)
				if err != nil {
					c.logger.WithError(err).WithField("id", rec.ID).Warn("Consolidation promote failed")
					continue
				}
				if stored {
					stats.Promoted++
					stats.Associations += c.associate(ctx, rec)
				}
			}
		}
	}

	if c.episodic != nil {
		decayed, err := c.episodic.ApplyDecay(ctx)
		if err != nil {
			c.logger.WithError(err).Warn("Decay pass failed")
		}
		stats.Decayed = decayed

		pruned, err := c.episodic.PruneMemories(ctx, 0, 0)
		if err != nil {
			c.logger.WithError(err).Warn("Prune pass failed")
		}
		stats.Pruned = pruned
	}

	if c.syncer != nil {
		issues := c.syncer.CheckConsistency(ctx)
		if len(issues) > 0 {
			repaired, _ := c.syncer.RepairInconsistencies(ctx, issues)
			stats.Repaired = repaired
		}
	}

	atomic.AddInt64(&c.consolidations, 1)
	c.logger.WithFields(logrus.Fields{
		"examined": stats.Examined,
		"promoted": stats.Promoted,
		"decayed":  stats.Decayed,
		"pruned":   stats.Pruned,
	}).Info("Consolidation pass complete")
	return stats, nil
}

// associate links a promoted memory to its nearest indexed neighbours,
// using vector similarity as association strength.
func (c *Coordinator) associate(ctx context.Context, rec *memory.Record) int {
	if c.index == nil || c.episodic == nil || len(rec.Embedding) == 0 {
		return 0
	}
	matches, err := c.index.SearchBySimilarity(rec.Embedding, c.cfg.AssociationTopK+1, 0)
	if err != nil {
		c.logger.WithError(err).WithField("id", rec.ID).Warn("Association search failed")
		return 0
	}

	created := 0
	for _, m := range matches {
		if m.ID == rec.ID || m.Similarity <= 0 {
			continue
		}
		if err := c.episodic.CreateAssociation(ctx, rec.ID, m.ID, m.Similarity); err != nil {
			c.logger.WithError(err).Warn("Association create failed")
			continue
		}
		created++
		if created >= c.cfg.AssociationTopK {
			break
		}
	}
	return created
}

// RegisterHandlers binds the coordinator's operations to the inbound
// message types on the bus.
func (c *Coordinator) RegisterHandlers(bus *events.Bus) {
	bus.RegisterHandler(events.MessageStoreThought, c.handleStoreThought)
	bus.RegisterHandler(events.MessageRecall, c.handleRecall)
	bus.RegisterHandler(events.MessageConsolidate, c.handleConsolidate)
}

func (c *Coordinator) handleStoreThought(ctx context.Context, msg *events.Message) (map[string]interface{}, error) {
	content, _ := msg.Payload["content"].(string)
	t := Thought{Content: content}
	if s, ok := msg.Payload["type"].(string); ok {
		t.Type = memory.Type(s)
	}
	if f, ok := msg.Payload["importance"].(float64); ok {
		t.Importance = f
	}
	if f, ok := msg.Payload["valence"].(float64); ok {
		t.Valence = f
	}
	if md, ok := msg.Payload["metadata"].(map[string]interface{}); ok {
		t.Metadata = md
	}

	id, err := c.StoreThought(ctx, t)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"memory_id": id}, nil
}

func (c *Coordinator) handleRecall(ctx context.Context, msg *events.Message) (map[string]interface{}, error) {
	if id, ok := msg.Payload["id"].(string); ok && id != "" {
		rec, err := c.RecallByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return map[string]interface{}{"found": false}, nil
		}
		return map[string]interface{}{"found": true, "memory": rec.ToMap()}, nil
	}

	if query, ok := msg.Payload["query"].(string); ok && query != "" {
		k := 10
		if f, ok := msg.Payload["limit"].(float64); ok && f > 0 {
			k = int(f)
		}
		minSim := 0.0
		if f, ok := msg.Payload["min_similarity"].(float64); ok && f > 0 {
			minSim = f
		}
		results, err := c.SearchSimilar(ctx, query, k, minSim)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]interface{}, 0, len(results))
		for _, r := range results {
			out = append(out, map[string]interface{}{
				"memory": r.Record.ToMap(),
				"score":  r.Score,
				"source": r.Source,
			})
		}
		return map[string]interface{}{"results": out}, nil
	}

	n := 0
	if f, ok := msg.Payload["limit"].(float64); ok {
		n = int(f)
	}
	recent, err := c.RecallRecent(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(recent))
	for _, rec := range recent {
		out = append(out, rec.ToMap())
	}
	return map[string]interface{}{"results": out}, nil
}

func (c *Coordinator) handleConsolidate(ctx context.Context, msg *events.Message) (map[string]interface{}, error) {
	stats, err := c.ConsolidateMemories(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"examined":     stats.Examined,
		"promoted":     stats.Promoted,
		"associations": stats.Associations,
		"decayed":      stats.Decayed,
		"pruned":       stats.Pruned,
		"repaired":     stats.Repaired,
	}, nil
}

func (c *Coordinator) publishRecall(kind string, count int) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.NewEvent(events.EventRecallComplete, "coordinator", map[string]interface{}{
		"kind":  kind,
		"count": count,
	}))
}

// GetStats aggregates counters from the coordinator and every tier it
// fronts.
func (c *Coordinator) GetStats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"stored":         atomic.LoadInt64(&c.stored),
		"recalls":        atomic.LoadInt64(&c.recalls),
		"consolidations": atomic.LoadInt64(&c.consolidations),
	}
	if c.working != nil {
		stats["working"] = c.working.Stats()
	}
	if c.episodic != nil {
		stats["episodic"] = c.episodic.Stats(ctx)
	}
	if c.index != nil {
		stats["index"] = c.index.Stats()
	}
	if c.syncer != nil {
		stats["sync"] = c.syncer.Stats()
	}
	return stats
}
