// Package memory defines the memory record model and the working and
// episodic stores that hold records at different durability tiers.
package memory

import (
	"time"
)

// Type categorizes different kinds of memories
type Type string

const (
	TypeEpisodic   Type = "episodic"   // Event and experience memories
	TypeSemantic   Type = "semantic"   // Facts and knowledge
	TypeProcedural Type = "procedural" // How-to knowledge
	TypeWorking    Type = "working"    // Short-term context
)

// Record is a single stored memory unit. IDs are globally unique across
// all stores.
type Record struct {
	ID           string                 `json:"id"`
	Content      string                 `json:"content"`
	Type         Type                   `json:"type"`
	Importance   float64                `json:"importance"`        // [0,1]
	Valence      float64                `json:"emotional_valence"` // [-1,1]
	Embedding    []float32              `json:"embedding,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	LastAccessed time.Time              `json:"last_accessed"`
	AccessCount  int                    `json:"access_count"`
}

// Clone returns a deep-enough copy for snapshotting.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Embedding != nil {
		cp.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// ToMap flattens a record into the generic payload shape the synchronizer
// and cache operate on.
func (r *Record) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"id":                r.ID,
		"content":           r.Content,
		"type":              string(r.Type),
		"importance":        r.Importance,
		"emotional_valence": r.Valence,
		"created_at":        r.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":        r.UpdatedAt.Format(time.RFC3339Nano),
		"last_accessed":     r.LastAccessed.Format(time.RFC3339Nano),
		"access_count":      r.AccessCount,
	}
	if len(r.Embedding) > 0 {
		emb := make([]interface{}, len(r.Embedding))
		for i, v := range r.Embedding {
			emb[i] = float64(v)
		}
		m["embedding"] = emb
	}
	if len(r.Metadata) > 0 {
		m["metadata"] = r.Metadata
	}
	return m
}

// FromMap rebuilds a record from a generic payload. Missing fields keep
// their zero values; timestamps fall back to now.
func FromMap(data map[string]interface{}) *Record {
	r := &Record{Metadata: map[string]interface{}{}}
	if v, ok := data["id"].(string); ok {
		r.ID = v
	}
	if v, ok := data["content"].(string); ok {
		r.Content = v
	}
	if v, ok := data["type"].(string); ok {
		r.Type = Type(v)
	}
	if v, ok := toFloat(data["importance"]); ok {
		r.Importance = v
	}
	if v, ok := toFloat(data["emotional_valence"]); ok {
		r.Valence = v
	}
	if v, ok := toFloat(data["access_count"]); ok {
		r.AccessCount = int(v)
	}
	if v, ok := data["metadata"].(map[string]interface{}); ok {
		r.Metadata = v
	}
	if raw, ok := data["embedding"].([]interface{}); ok {
		emb := make([]float32, 0, len(raw))
		for _, item := range raw {
			if f, ok := toFloat(item); ok {
				emb = append(emb, float32(f))
			}
		}
		r.Embedding = emb
	} else if emb, ok := data["embedding"].([]float32); ok {
		r.Embedding = emb
	}

	now := time.Now()
	r.CreatedAt = parseTime(data["created_at"], now)
	r.UpdatedAt = parseTime(data["updated_at"], now)
	r.LastAccessed = parseTime(data["last_accessed"], now)
	return r
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func parseTime(v interface{}, fallback time.Time) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return fallback
}

// ClampImportance bounds importance to [0,1].
func ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ClampValence bounds emotional valence to [-1,1].
func ClampValence(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

// Version tracks per-record sync versioning. The version increases by
// exactly one per successful sync.
type Version struct {
	MemoryID      string           `json:"memory_id"`
	Version       int64            `json:"version"`
	Checksum      string           `json:"checksum"`
	LastModified  time.Time        `json:"last_modified"`
	StoreVersions map[string]int64 `json:"store_versions"`
}

// Association links two memories. Associations are symmetric and their
// strength only ever increases.
type Association struct {
	MemoryID1 string    `json:"memory_id_1"`
	MemoryID2 string    `json:"memory_id_2"`
	Strength  float64   `json:"strength"`
	CreatedAt time.Time `json:"created_at"`
}
