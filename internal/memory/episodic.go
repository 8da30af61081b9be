package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/pool"
)

const episodicSchema = `
CREATE TABLE IF NOT EXISTS memories (
	memory_id         TEXT PRIMARY KEY,
	content           TEXT NOT NULL,
	memory_type       TEXT NOT NULL,
	importance        DOUBLE PRECISION NOT NULL,
	emotional_valence DOUBLE PRECISION NOT NULL DEFAULT 0,
	metadata          JSONB,
	embedding         REAL[],
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	last_accessed     TIMESTAMPTZ NOT NULL,
	access_count      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories (importance DESC);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories (created_at DESC);

CREATE TABLE IF NOT EXISTS memory_associations (
	memory_id_1 TEXT NOT NULL,
	memory_id_2 TEXT NOT NULL,
	strength    DOUBLE PRECISION NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (memory_id_1, memory_id_2)
);
`

// EpisodicStore is the durable, importance-gated long-term store.
// Records below the importance threshold are rejected outright. When the
// durable backend is unavailable an in-memory fallback serves identical
// query semantics; successful durable writes are mirrored into it so a
// failover still sees recent state.
type EpisodicStore struct {
	pools  *pool.Manager
	cfg    config.EpisodicConfig
	logger *logrus.Logger

	fallback *episodicFallback

	storeCount    int64
	rejectCount   int64
	retrieveCount int64
}

// NewEpisodicStore creates an episodic store.
func NewEpisodicStore(pools *pool.Manager, cfg config.EpisodicConfig, logger *logrus.Logger) *EpisodicStore {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ImportanceThreshold <= 0 {
		cfg.ImportanceThreshold = 0.7
	}
	if cfg.ImportanceFloor <= 0 {
		cfg.ImportanceFloor = 0.1
	}
	return &EpisodicStore{
		pools:    pools,
		cfg:      cfg,
		logger:   logger,
		fallback: newEpisodicFallback(),
	}
}

// InitSchema creates the durable tables when a durable pool is present.
func (e *EpisodicStore) InitSchema(ctx context.Context) error {
	if e.pools == nil {
		return nil
	}
	dbPool := e.pools.DurablePool()
	if dbPool == nil {
		return nil
	}
	if _, err := dbPool.Exec(ctx, episodicSchema); err != nil {
		return fmt.Errorf("init episodic schema: %w", err)
	}
	return nil
}

// ImportanceThreshold exposes the admission gate value.
func (e *EpisodicStore) ImportanceThreshold() float64 {
	return e.cfg.ImportanceThreshold
}

// withConn runs fn on an acquired durable connection. Returns a
// ConnectionError when the durable backend is unavailable.
func (e *EpisodicStore) withConn(ctx context.Context, fn func(conn dbConn) error) error {
	if e.pools == nil {
		return &pool.ConnectionError{Backend: pool.BackendDurable, Reason: "no pool manager"}
	}
	conn, err := e.pools.AcquireDurable(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if err := fn(conn); err != nil {
		e.pools.RecordFailure(pool.BackendDurable)
		return err
	}
	e.pools.RecordSuccess(pool.BackendDurable)
	return nil
}

// dbConn is the slice of pgx used by the store, small enough to keep the
// query code testable against either a pooled conn or a transaction.
type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StoreMemory upserts a record by id. Returns false without writing when
// importance is below the admission threshold.
func (e *EpisodicStore) StoreMemory(ctx context.Context, rec *Record) (bool, error) {
	if rec == nil || rec.ID == "" {
		return false, fmt.Errorf("episodic store: record must carry an id")
	}
	if rec.Importance < e.cfg.ImportanceThreshold {
		atomic.AddInt64(&e.rejectCount, 1)
		return false, nil
	}
	atomic.AddInt64(&e.storeCount, 1)

	err := e.withConn(ctx, func(conn dbConn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO memories
				(memory_id, content, memory_type, importance, emotional_valence,
				 metadata, embedding, created_at, updated_at, last_accessed, access_count)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (memory_id) DO UPDATE SET
				content = EXCLUDED.content,
				memory_type = EXCLUDED.memory_type,
				importance = EXCLUDED.importance,
				emotional_valence = EXCLUDED.emotional_valence,
				metadata = EXCLUDED.metadata,
				embedding = EXCLUDED.embedding,
				updated_at = EXCLUDED.updated_at,
				last_accessed = EXCLUDED.last_accessed,
				access_count = EXCLUDED.access_count`,
			rec.ID, rec.Content, string(rec.Type), rec.Importance, rec.Valence,
			rec.Metadata, rec.Embedding, rec.CreatedAt, rec.UpdatedAt,
			rec.LastAccessed, rec.AccessCount)
		return err
	})
	if err != nil {
		e.logger.WithError(err).WithField("id", rec.ID).Debug("Durable write failed, fallback only")
	}

	e.fallback.store(rec.Clone())
	return true, nil
}

// GetMemory returns a record by id, bumping its access bookkeeping.
// Returns nil when not found.
func (e *EpisodicStore) GetMemory(ctx context.Context, id string) (*Record, error) {
	atomic.AddInt64(&e.retrieveCount, 1)

	var rec *Record
	err := e.withConn(ctx, func(conn dbConn) error {
		row := conn.QueryRow(ctx, `
			UPDATE memories
			SET access_count = access_count + 1, last_accessed = NOW()
			WHERE memory_id = $1
			RETURNING memory_id, content, memory_type, importance, emotional_valence,
			          metadata, embedding, created_at, updated_at, last_accessed, access_count`,
			id)
		found, scanErr := scanRecord(row)
		if scanErr != nil {
			return scanErr
		}
		rec = found
		return nil
	})
	if err == nil && rec != nil {
		e.fallback.store(rec.Clone())
		return rec, nil
	}

	// Durable miss or durable unavailable: the fallback may still hold a
	// copy written while the backend was down.
	if rec, ok := e.fallback.touch(id); ok {
		return rec, nil
	}
	return nil, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	rec := &Record{}
	var memType string
	err := row.Scan(&rec.ID, &rec.Content, &memType, &rec.Importance, &rec.Valence,
		&rec.Metadata, &rec.Embedding, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.LastAccessed, &rec.AccessCount)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Type = Type(memType)
	return rec, nil
}

func scanRecords(rows pgx.Rows) ([]*Record, error) {
	defer rows.Close()
	var records []*Record
	for rows.Next() {
		rec := &Record{}
		var memType string
		if err := rows.Scan(&rec.ID, &rec.Content, &memType, &rec.Importance, &rec.Valence,
			&rec.Metadata, &rec.Embedding, &rec.CreatedAt, &rec.UpdatedAt,
			&rec.LastAccessed, &rec.AccessCount); err != nil {
			return nil, err
		}
		rec.Type = Type(memType)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetRecent returns the newest records, optionally filtered by type.
func (e *EpisodicStore) GetRecent(ctx context.Context, limit int, memType Type) ([]*Record, error) {
	atomic.AddInt64(&e.retrieveCount, 1)

	var records []*Record
	err := e.withConn(ctx, func(conn dbConn) error {
		var rows pgx.Rows
		var err error
		if memType != "" {
			rows, err = conn.Query(ctx, `
				SELECT memory_id, content, memory_type, importance, emotional_valence,
				       metadata, embedding, created_at, updated_at, last_accessed, access_count
				FROM memories WHERE memory_type = $1
				ORDER BY created_at DESC LIMIT $2`, string(memType), limit)
		} else {
			rows, err = conn.Query(ctx, `
				SELECT memory_id, content, memory_type, importance, emotional_valence,
				       metadata, embedding, created_at, updated_at, last_accessed, access_count
				FROM memories ORDER BY created_at DESC LIMIT $1`, limit)
		}
		if err != nil {
			return err
		}
		records, err = scanRecords(rows)
		return err
	})
	if err == nil {
		return records, nil
	}
	return e.fallback.recent(limit, memType), nil
}

// GetImportant returns records at or above minImportance, most important
// first.
func (e *EpisodicStore) GetImportant(ctx context.Context, minImportance float64, limit int) ([]*Record, error) {
	atomic.AddInt64(&e.retrieveCount, 1)

	var records []*Record
	err := e.withConn(ctx, func(conn dbConn) error {
		rows, err := conn.Query(ctx, `
			SELECT memory_id, content, memory_type, importance, emotional_valence,
			       metadata, embedding, created_at, updated_at, last_accessed, access_count
			FROM memories WHERE importance >= $1
			ORDER BY importance DESC, created_at DESC LIMIT $2`, minImportance, limit)
		if err != nil {
			return err
		}
		records, err = scanRecords(rows)
		return err
	})
	if err == nil {
		return records, nil
	}
	return e.fallback.important(minImportance, limit), nil
}

// GetEmotional returns records whose valence falls inside [minValence,
// maxValence], strongest emotion first.
func (e *EpisodicStore) GetEmotional(ctx context.Context, minValence, maxValence float64, limit int) ([]*Record, error) {
	atomic.AddInt64(&e.retrieveCount, 1)

	var records []*Record
	err := e.withConn(ctx, func(conn dbConn) error {
		rows, err := conn.Query(ctx, `
			SELECT memory_id, content, memory_type, importance, emotional_valence,
			       metadata, embedding, created_at, updated_at, last_accessed, access_count
			FROM memories WHERE emotional_valence BETWEEN $1 AND $2
			ORDER BY ABS(emotional_valence) DESC, created_at DESC LIMIT $3`,
			minValence, maxValence, limit)
		if err != nil {
			return err
		}
		records, err = scanRecords(rows)
		return err
	})
	if err == nil {
		return records, nil
	}
	return e.fallback.emotional(minValence, maxValence, limit), nil
}

// CreateAssociation records a symmetric association. The stored strength
// never weakens: it is the max of the existing and new strengths.
func (e *EpisodicStore) CreateAssociation(ctx context.Context, id1, id2 string, strength float64) error {
	if id1 == "" || id2 == "" || id1 == id2 {
		return fmt.Errorf("episodic store: association requires two distinct ids")
	}
	if strength < 0 {
		strength = 0
	}
	if strength > 1 {
		strength = 1
	}

	now := time.Now()
	err := e.withConn(ctx, func(conn dbConn) error {
		for _, pair := range [][2]string{{id1, id2}, {id2, id1}} {
			if _, err := conn.Exec(ctx, `
				INSERT INTO memory_associations (memory_id_1, memory_id_2, strength, created_at)
				VALUES ($1,$2,$3,$4)
				ON CONFLICT (memory_id_1, memory_id_2)
				DO UPDATE SET strength = GREATEST(memory_associations.strength, EXCLUDED.strength)`,
				pair[0], pair[1], strength, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.logger.WithError(err).Debug("Durable association write failed, fallback only")
	}

	e.fallback.associate(id1, id2, strength, now)
	return nil
}

// GetAssociated returns the associations of a memory, strongest first.
func (e *EpisodicStore) GetAssociated(ctx context.Context, id string) ([]*Association, error) {
	var assocs []*Association
	err := e.withConn(ctx, func(conn dbConn) error {
		rows, err := conn.Query(ctx, `
			SELECT memory_id_1, memory_id_2, strength, created_at
			FROM memory_associations WHERE memory_id_1 = $1
			ORDER BY strength DESC`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a := &Association{}
			if err := rows.Scan(&a.MemoryID1, &a.MemoryID2, &a.Strength, &a.CreatedAt); err != nil {
				return err
			}
			assocs = append(assocs, a)
		}
		return rows.Err()
	})
	if err == nil {
		return assocs, nil
	}
	return e.fallback.associated(id), nil
}

// ApplyDecay lowers importance for records inactive for at least one
// day: importance -= decayRate * daysInactive, floored. A single UPDATE
// statement per backend guarantees no double application within one
// invocation. Returns the number of affected records.
func (e *EpisodicStore) ApplyDecay(ctx context.Context) (int, error) {
	affected := 0
	err := e.withConn(ctx, func(conn dbConn) error {
		tag, err := conn.Exec(ctx, `
			UPDATE memories
			SET importance = GREATEST($1, importance - $2 * EXTRACT(EPOCH FROM (NOW() - last_accessed)) / 86400.0),
			    updated_at = NOW()
			WHERE last_accessed < NOW() - INTERVAL '1 day'
			  AND importance > $1`,
			e.cfg.ImportanceFloor, e.cfg.DecayRate)
		if err != nil {
			return err
		}
		affected = int(tag.RowsAffected())
		return nil
	})

	fallbackAffected := e.fallback.applyDecay(e.cfg.DecayRate, e.cfg.ImportanceFloor)
	if err != nil {
		return fallbackAffected, nil
	}
	return affected, nil
}

// PruneMemories deletes records below minImportance, then trims the
// oldest, least-important records until at most maxMemories remain.
// Zero arguments fall back to the configured bounds. Returns the number
// of deleted records.
func (e *EpisodicStore) PruneMemories(ctx context.Context, maxMemories int, minImportance float64) (int, error) {
	if maxMemories <= 0 {
		maxMemories = e.cfg.MaxMemories
	}
	if minImportance <= 0 {
		minImportance = e.cfg.PruneMinImportance
	}
	deleted := 0
	err := e.withConn(ctx, func(conn dbConn) error {
		tag, err := conn.Exec(ctx,
			`DELETE FROM memories WHERE importance < $1`, minImportance)
		if err != nil {
			return err
		}
		deleted += int(tag.RowsAffected())

		var count int
		if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM memories`).Scan(&count); err != nil {
			return err
		}
		if count > maxMemories {
			tag, err = conn.Exec(ctx, `
				DELETE FROM memories WHERE memory_id IN (
					SELECT memory_id FROM memories
					ORDER BY importance ASC, created_at ASC
					LIMIT $1)`, count-maxMemories)
			if err != nil {
				return err
			}
			deleted += int(tag.RowsAffected())
		}
		return nil
	})

	fallbackDeleted := e.fallback.prune(maxMemories, minImportance)
	if err != nil {
		return fallbackDeleted, nil
	}
	return deleted, nil
}

// Delete removes a record and its associations.
func (e *EpisodicStore) Delete(ctx context.Context, id string) error {
	err := e.withConn(ctx, func(conn dbConn) error {
		if _, err := conn.Exec(ctx, `DELETE FROM memories WHERE memory_id = $1`, id); err != nil {
			return err
		}
		_, err := conn.Exec(ctx,
			`DELETE FROM memory_associations WHERE memory_id_1 = $1 OR memory_id_2 = $1`, id)
		return err
	})
	e.fallback.delete(id)
	if err != nil {
		e.logger.WithError(err).WithField("id", id).Debug("Durable delete failed, fallback only")
	}
	return nil
}

// ListIDs returns every stored memory id, used by the consistency check.
func (e *EpisodicStore) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := e.withConn(ctx, func(conn dbConn) error {
		rows, err := conn.Query(ctx, `SELECT memory_id FROM memories`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err == nil {
		return ids, nil
	}
	return e.fallback.listIDs(), nil
}

// Stats returns store counters and aggregates.
func (e *EpisodicStore) Stats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"stores":     atomic.LoadInt64(&e.storeCount),
		"rejections": atomic.LoadInt64(&e.rejectCount),
		"retrievals": atomic.LoadInt64(&e.retrieveCount),
	}

	err := e.withConn(ctx, func(conn dbConn) error {
		var count, assocCount int
		var avgImportance, avgValence *float64
		if err := conn.QueryRow(ctx,
			`SELECT COUNT(*), AVG(importance), AVG(emotional_valence) FROM memories`).
			Scan(&count, &avgImportance, &avgValence); err != nil {
			return err
		}
		if err := conn.QueryRow(ctx,
			`SELECT COUNT(*) FROM memory_associations`).Scan(&assocCount); err != nil {
			return err
		}
		stats["memory_count"] = count
		if avgImportance != nil {
			stats["avg_importance"] = *avgImportance
		}
		if avgValence != nil {
			stats["avg_valence"] = *avgValence
		}
		// Symmetric pairs are stored in both directions.
		stats["association_count"] = assocCount / 2
		return nil
	})
	if err != nil {
		count, avgImp, avgVal, assocCount := e.fallback.aggregates()
		stats["memory_count"] = count
		stats["avg_importance"] = avgImp
		stats["avg_valence"] = avgVal
		stats["association_count"] = assocCount
	}
	return stats
}

// episodicFallback mirrors the durable store in memory with identical
// sort and filter semantics.
type episodicFallback struct {
	records map[string]*Record
	assocs  map[string]map[string]*Association // id -> other id -> association
	mu      sync.RWMutex
}

func newEpisodicFallback() *episodicFallback {
	return &episodicFallback{
		records: make(map[string]*Record),
		assocs:  make(map[string]map[string]*Association),
	}
}

func (f *episodicFallback) store(rec *Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ID] = rec
}

// touch bumps the access bookkeeping under the lock and returns a clone,
// so callers never see the map-shared record.
func (f *episodicFallback) touch(id string) (*Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, false
	}
	rec.AccessCount++
	rec.LastAccessed = time.Now()
	return rec.Clone(), true
}

func (f *episodicFallback) sorted(less func(a, b *Record) bool, filter func(*Record) bool, limit int) []*Record {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var list []*Record
	for _, rec := range f.records {
		if filter == nil || filter(rec) {
			list = append(list, rec)
		}
	}
	sort.Slice(list, func(i, j int) bool { return less(list[i], list[j]) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]*Record, len(list))
	for i, rec := range list {
		out[i] = rec.Clone()
	}
	return out
}

func (f *episodicFallback) recent(limit int, memType Type) []*Record {
	return f.sorted(
		func(a, b *Record) bool { return a.CreatedAt.After(b.CreatedAt) },
		func(r *Record) bool { return memType == "" || r.Type == memType },
		limit)
}

func (f *episodicFallback) important(minImportance float64, limit int) []*Record {
	return f.sorted(
		func(a, b *Record) bool {
			if a.Importance != b.Importance {
				return a.Importance > b.Importance
			}
			return a.CreatedAt.After(b.CreatedAt)
		},
		func(r *Record) bool { return r.Importance >= minImportance },
		limit)
}

func (f *episodicFallback) emotional(minValence, maxValence float64, limit int) []*Record {
	abs := func(v float64) float64 {
		if v < 0 {
			return -v
		}
		return v
	}
	return f.sorted(
		func(a, b *Record) bool {
			if abs(a.Valence) != abs(b.Valence) {
				return abs(a.Valence) > abs(b.Valence)
			}
			return a.CreatedAt.After(b.CreatedAt)
		},
		func(r *Record) bool { return r.Valence >= minValence && r.Valence <= maxValence },
		limit)
}

func (f *episodicFallback) associate(id1, id2 string, strength float64, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pair := range [][2]string{{id1, id2}, {id2, id1}} {
		if f.assocs[pair[0]] == nil {
			f.assocs[pair[0]] = make(map[string]*Association)
		}
		existing, ok := f.assocs[pair[0]][pair[1]]
		if !ok {
			f.assocs[pair[0]][pair[1]] = &Association{
				MemoryID1: pair[0], MemoryID2: pair[1],
				Strength: strength, CreatedAt: now,
			}
			continue
		}
		if strength > existing.Strength {
			existing.Strength = strength
		}
	}
}

func (f *episodicFallback) associated(id string) []*Association {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var list []*Association
	for _, a := range f.assocs[id] {
		cp := *a
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Strength > list[j].Strength })
	return list
}

func (f *episodicFallback) applyDecay(rate, floor float64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	affected := 0
	for _, rec := range f.records {
		inactive := now.Sub(rec.LastAccessed)
		if inactive < 24*time.Hour || rec.Importance <= floor {
			continue
		}
		days := inactive.Hours() / 24
		decayed := rec.Importance - rate*days
		if decayed < floor {
			decayed = floor
		}
		rec.Importance = decayed
		rec.UpdatedAt = now
		affected++
	}
	return affected
}

func (f *episodicFallback) prune(maxMemories int, minImportance float64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	deleted := 0
	for id, rec := range f.records {
		if rec.Importance < minImportance {
			delete(f.records, id)
			deleted++
		}
	}
	if len(f.records) > maxMemories {
		var list []*Record
		for _, rec := range f.records {
			list = append(list, rec)
		}
		sort.Slice(list, func(i, j int) bool {
			if list[i].Importance != list[j].Importance {
				return list[i].Importance < list[j].Importance
			}
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		})
		for _, rec := range list[:len(f.records)-maxMemories] {
			delete(f.records, rec.ID)
			deleted++
		}
	}
	return deleted
}

func (f *episodicFallback) delete(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	delete(f.assocs, id)
	for _, others := range f.assocs {
		delete(others, id)
	}
}

func (f *episodicFallback) listIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.records))
	for id := range f.records {
		ids = append(ids, id)
	}
	return ids
}

func (f *episodicFallback) aggregates() (count int, avgImportance, avgValence float64, assocCount int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	count = len(f.records)
	if count > 0 {
		var impSum, valSum float64
		for _, rec := range f.records {
			impSum += rec.Importance
			valSum += rec.Valence
		}
		avgImportance = impSum / float64(count)
		avgValence = valSum / float64(count)
	}
	pairs := 0
	for _, others := range f.assocs {
		pairs += len(others)
	}
	assocCount = pairs / 2
	return
}
