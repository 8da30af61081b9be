package sync

import (
	"context"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/events"
	"github.com/engram-ai/engram/internal/memory"
)

// Store names used in per-store version maps and error reporting.
const (
	StoreCache   = "cache"
	StoreDurable = "durable"
	StoreIndex   = "index"
)

// Strategy selects how checksum conflicts are resolved.
type Strategy string

const (
	// StrategyLatestWins resolves conflicts by letting the incoming
	// payload overwrite every store.
	StrategyLatestWins Strategy = "latest_wins"
	// StrategyMerge and StrategyManual are reserved extension points.
	// They are not implemented: both currently pass the incoming
	// payload through unchanged.
	StrategyMerge  Strategy = "merge"
	StrategyManual Strategy = "manual"
)

// WorkingStore is the cache tier surface the synchronizer writes.
type WorkingStore interface {
	StoreThought(ctx context.Context, id string, data map[string]interface{}) error
	GetThought(ctx context.Context, id string) (map[string]interface{}, error)
	RemoveThought(ctx context.Context, id string) error
	ListThoughtIDs(ctx context.Context) ([]string, error)
}

// DurableStore is the long-term tier surface the synchronizer writes.
type DurableStore interface {
	StoreMemory(ctx context.Context, rec *memory.Record) (bool, error)
	GetMemory(ctx context.Context, id string) (*memory.Record, error)
	ListIDs(ctx context.Context) ([]string, error)
}

// VectorIndex is the similarity tier surface the synchronizer writes.
type VectorIndex interface {
	AddVector(id string, vec []float32, metadata map[string]interface{}) error
	Has(id string) bool
	IDs() []string
}

// Synchronizer fans a logical write across all configured stores,
// detects conflicts via canonical checksums, rolls the cache back on
// failure and periodically reconciles divergence.
type Synchronizer struct {
	working WorkingStore
	durable DurableStore
	index   VectorIndex
	bus     *events.Bus
	logger  *logrus.Logger
	cfg     config.SyncConfig
	outbox  *Outbox

	// Records below this importance are not expected in the durable
	// store; its admission gate rejects them by design.
	importanceThreshold float64

	strategy Strategy
	locks    *shardedLocks
	txs      *transactionTable

	versionsMu stdsync.RWMutex
	versions   map[string]*memory.Version

	cancel  context.CancelFunc
	wg      stdsync.WaitGroup
	started bool
	startMu stdsync.Mutex

	syncs     int64
	failures  int64
	conflicts int64
	rollbacks int64
	repairs   int64
}

// New creates a synchronizer over the configured stores. Any store may
// be nil; writes skip stores that are not configured.
func New(working WorkingStore, durable DurableStore, index VectorIndex,
	outbox *Outbox, bus *events.Bus, cfg config.SyncConfig,
	importanceThreshold float64, logger *logrus.Logger) *Synchronizer {

	if logger == nil {
		logger = logrus.New()
	}
	strategy := Strategy(cfg.Strategy)
	if strategy == "" {
		strategy = StrategyLatestWins
	}
	return &Synchronizer{
		working:             working,
		durable:             durable,
		index:               index,
		outbox:              outbox,
		bus:                 bus,
		logger:              logger,
		cfg:                 cfg,
		importanceThreshold: importanceThreshold,
		strategy:            strategy,
		locks:               newShardedLocks(cfg.LockShards),
		txs:                 newTransactionTable(),
		versions:            make(map[string]*memory.Version),
	}
}

// SyncMemory writes one payload to every configured store. Failures are
// absorbed: the cache snapshot is restored, the transaction is marked
// failed and false is returned so callers treat the record as "not yet
// durably synchronized" rather than fatally errored.
func (s *Synchronizer) SyncMemory(ctx context.Context, id string, data map[string]interface{}) bool {
	if id == "" || data == nil {
		return false
	}

	// One in-flight sync per id for the full transaction duration.
	unlock := s.locks.Lock(id)
	defer unlock()

	tx := newTransaction(id)
	s.txs.add(tx)
	defer s.txs.remove(tx)

	checksum, err := Checksum(data)
	if err != nil {
		s.logger.WithError(err).WithField("id", id).Error("Payload not canonicalizable")
		tx.finish(StatusFailed, err)
		atomic.AddInt64(&s.failures, 1)
		return false
	}

	// Conflict detection: a recorded checksum that differs from the
	// incoming payload means the stores hold state this write did not
	// derive from.
	if prev := s.version(id); prev != nil && prev.Checksum != "" && prev.Checksum != checksum {
		atomic.AddInt64(&s.conflicts, 1)
		tx.Status = StatusConflict
		data = s.resolve(id, data)
		if checksum, err = Checksum(data); err != nil {
			tx.finish(StatusFailed, err)
			atomic.AddInt64(&s.failures, 1)
			return false
		}
	}

	// Snapshot the cache entry for rollback.
	if s.working != nil {
		snapshot, err := s.working.GetThought(ctx, id)
		if err == nil {
			tx.snapshot = snapshot
			tx.hadPrior = snapshot != nil
			tx.snapshotSet = true
		}
	}

	tx.Status = StatusInProgress

	written := make([]string, 0, 3)
	rec := memory.FromMap(data)
	rec.ID = id

	if s.working != nil {
		if err := s.working.StoreThought(ctx, id, data); err != nil {
			s.abort(ctx, tx, &BackendWriteError{Store: StoreCache, Err: err})
			return false
		}
		written = append(written, StoreCache)
	}

	if s.durable != nil {
		stored, err := s.durable.StoreMemory(ctx, rec)
		if err != nil {
			s.abort(ctx, tx, &BackendWriteError{Store: StoreDurable, Err: err})
			return false
		}
		// stored=false means the admission gate rejected the record,
		// which is policy, not failure.
		if stored {
			written = append(written, StoreDurable)
		}
	}

	if s.index != nil && len(rec.Embedding) > 0 {
		md := map[string]interface{}{"content": rec.Content, "type": string(rec.Type)}
		if err := s.index.AddVector(id, rec.Embedding, md); err != nil {
			s.abort(ctx, tx, &BackendWriteError{Store: StoreIndex, Err: err})
			return false
		}
		written = append(written, StoreIndex)
	}

	version := s.bumpVersion(id, checksum, written)
	tx.finish(StatusCompleted, nil)
	atomic.AddInt64(&s.syncs, 1)

	if s.bus != nil {
		s.bus.Publish(events.NewEvent(events.EventSynchronized, "synchronizer", map[string]interface{}{
			"memory_id": id,
			"version":   version,
			"checksum":  checksum,
			"stores":    written,
		}))
	}
	return true
}

// resolve applies the configured conflict strategy. Only latest-wins is
// implemented; the reserved strategies pass the incoming payload through
// unchanged.
func (s *Synchronizer) resolve(id string, incoming map[string]interface{}) map[string]interface{} {
	switch s.strategy {
	case StrategyLatestWins:
		return incoming
	case StrategyMerge, StrategyManual:
		s.logger.WithFields(logrus.Fields{
			"id":       id,
			"strategy": s.strategy,
		}).Warn("Conflict strategy not implemented, falling back to latest-wins")
		return incoming
	default:
		return incoming
	}
}

// abort restores the cache snapshot and marks the transaction failed.
// Durable and index writes that completed before the failure are left
// in place; the consistency loop repairs the divergence.
func (s *Synchronizer) abort(ctx context.Context, tx *Transaction, err *BackendWriteError) {
	s.logger.WithError(err).WithField("id", tx.MemoryID).Warn("Sync transaction aborted")
	atomic.AddInt64(&s.failures, 1)

	if s.working != nil && tx.snapshotSet {
		atomic.AddInt64(&s.rollbacks, 1)
		if tx.hadPrior {
			if restoreErr := s.working.StoreThought(ctx, tx.MemoryID, tx.snapshot); restoreErr != nil {
				s.logger.WithError(restoreErr).Error("Cache rollback failed")
			}
		} else {
			if restoreErr := s.working.RemoveThought(ctx, tx.MemoryID); restoreErr != nil {
				s.logger.WithError(restoreErr).Error("Cache rollback failed")
			}
		}
	}
	tx.finish(StatusFailed, err)
}

func (s *Synchronizer) version(id string) *memory.Version {
	s.versionsMu.RLock()
	defer s.versionsMu.RUnlock()
	return s.versions[id]
}

// Version returns a copy of the recorded version state for an id, nil
// when the id has never synced.
func (s *Synchronizer) Version(id string) *memory.Version {
	s.versionsMu.RLock()
	defer s.versionsMu.RUnlock()
	v, ok := s.versions[id]
	if !ok {
		return nil
	}
	cp := *v
	cp.StoreVersions = make(map[string]int64, len(v.StoreVersions))
	for k, ver := range v.StoreVersions {
		cp.StoreVersions[k] = ver
	}
	return &cp
}

// bumpVersion increments the record version by exactly one and stamps
// every store that took the write.
func (s *Synchronizer) bumpVersion(id, checksum string, written []string) int64 {
	s.versionsMu.Lock()
	defer s.versionsMu.Unlock()

	v, ok := s.versions[id]
	if !ok {
		v = &memory.Version{MemoryID: id, StoreVersions: make(map[string]int64)}
		s.versions[id] = v
	}
	v.Version++
	v.Checksum = checksum
	v.LastModified = time.Now()
	for _, store := range written {
		v.StoreVersions[store] = v.Version
	}
	return v.Version
}

// SyncBatch partitions entries into fixed-size batches and syncs the
// entries of each batch concurrently, bounded by the configured
// concurrency limit. Returns a per-id success map.
func (s *Synchronizer) SyncBatch(ctx context.Context, entries map[string]map[string]interface{}) map[string]bool {
	results := make(map[string]bool, len(entries))
	if len(entries) == 0 {
		return results
	}

	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}
	maxConcurrent := s.cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}

	var resultsMu stdsync.Mutex
	sem := semaphore.NewWeighted(maxConcurrent)

	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}

		var wg stdsync.WaitGroup
		for _, id := range ids[start:end] {
			if err := sem.Acquire(ctx, 1); err != nil {
				resultsMu.Lock()
				results[id] = false
				resultsMu.Unlock()
				continue
			}
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				defer sem.Release(1)
				ok := s.SyncMemory(ctx, id, entries[id])
				resultsMu.Lock()
				results[id] = ok
				resultsMu.Unlock()
			}(id)
		}
		wg.Wait()
	}
	return results
}

// Enqueue journals a sync intent on the durable outbox for the drain
// loop, returning an awaitable future. Requires an outbox.
func (s *Synchronizer) Enqueue(ctx context.Context, id string, data map[string]interface{}) (*Pending, error) {
	if s.outbox == nil {
		// No journal configured; sync inline and settle the future
		// immediately.
		pending := &Pending{MemoryID: id, done: make(chan bool, 1)}
		pending.done <- s.SyncMemory(ctx, id, data)
		return pending, nil
	}
	return s.outbox.Enqueue(ctx, id, data)
}

// CheckConsistency flags every id that is missing from a store that
// should hold it, or whose per-store recorded version differs from the
// current version. Ids below the durable admission threshold are not
// expected in the durable store, and ids without an indexed embedding
// are not expected in the vector index.
func (s *Synchronizer) CheckConsistency(ctx context.Context) map[string][]string {
	issues := make(map[string][]string)

	cacheIDs := make(map[string]bool)
	if s.working != nil {
		ids, err := s.working.ListThoughtIDs(ctx)
		if err == nil {
			for _, id := range ids {
				cacheIDs[id] = true
			}
		}
	}
	durableIDs := make(map[string]bool)
	if s.durable != nil {
		ids, err := s.durable.ListIDs(ctx)
		if err == nil {
			for _, id := range ids {
				durableIDs[id] = true
			}
		}
	}
	indexIDs := make(map[string]bool)
	if s.index != nil {
		for _, id := range s.index.IDs() {
			indexIDs[id] = true
		}
	}

	all := make(map[string]bool)
	for id := range cacheIDs {
		all[id] = true
	}
	for id := range durableIDs {
		all[id] = true
	}
	for id := range indexIDs {
		all[id] = true
	}

	for id := range all {
		var flagged []string

		if s.working != nil && !cacheIDs[id] {
			flagged = append(flagged, "missing_cache")
		}
		if s.durable != nil && !durableIDs[id] && s.expectDurable(ctx, id, cacheIDs[id]) {
			flagged = append(flagged, "missing_durable")
		}
		if s.index != nil && !indexIDs[id] && s.expectIndex(ctx, id) {
			flagged = append(flagged, "missing_index")
		}

		if v := s.Version(id); v != nil {
			for store, sv := range v.StoreVersions {
				if sv != v.Version {
					flagged = append(flagged, "version_divergence:"+store)
					break
				}
			}
		}

		if len(flagged) > 0 {
			issues[id] = flagged
		}
	}
	return issues
}

// expectDurable reports whether the durable store should hold the id.
// Importance-gated records legitimately live only in the cache tier.
func (s *Synchronizer) expectDurable(ctx context.Context, id string, inCache bool) bool {
	if !inCache || s.working == nil {
		return true
	}
	data, err := s.working.GetThought(ctx, id)
	if err != nil || data == nil {
		return true
	}
	rec := memory.FromMap(data)
	return rec.Importance >= s.importanceThreshold
}

// expectIndex reports whether the vector index should hold the id: only
// records carrying an embedding are indexed.
func (s *Synchronizer) expectIndex(ctx context.Context, id string) bool {
	if s.durable != nil {
		if rec, err := s.durable.GetMemory(ctx, id); err == nil && rec != nil {
			return len(rec.Embedding) > 0
		}
	}
	if s.working != nil {
		if data, err := s.working.GetThought(ctx, id); err == nil && data != nil {
			rec := memory.FromMap(data)
			return len(rec.Embedding) > 0
		}
	}
	return false
}

// RepairInconsistencies re-syncs each flagged id from its most
// authoritative surviving copy: the durable store when it has one,
// otherwise the cache. Ids with no copy anywhere are reported
// unrepairable.
func (s *Synchronizer) RepairInconsistencies(ctx context.Context, issues map[string][]string) (repaired int, unrepairable []string) {
	for id := range issues {
		data := s.authoritativeCopy(ctx, id)
		if data == nil {
			unrepairable = append(unrepairable, id)
			continue
		}
		if s.SyncMemory(ctx, id, data) {
			repaired++
			atomic.AddInt64(&s.repairs, 1)
		} else {
			unrepairable = append(unrepairable, id)
		}
	}
	if len(unrepairable) > 0 {
		s.logger.WithField("ids", unrepairable).Warn("Unrepairable memories found")
	}
	return repaired, unrepairable
}

func (s *Synchronizer) authoritativeCopy(ctx context.Context, id string) map[string]interface{} {
	if s.durable != nil {
		if rec, err := s.durable.GetMemory(ctx, id); err == nil && rec != nil {
			return rec.ToMap()
		}
	}
	if s.working != nil {
		if data, err := s.working.GetThought(ctx, id); err == nil && data != nil {
			return data
		}
	}
	return nil
}

// StartBackground launches the outbox drain loop and the periodic
// consistency check/repair loop.
func (s *Synchronizer) StartBackground() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.drainLoop(ctx)
	go s.consistencyLoop(ctx)
}

func (s *Synchronizer) drainLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.outbox == nil {
		return
	}

	interval := s.cfg.DrainInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.outbox.Drain(ctx, s.cfg.BatchSize, s.SyncMemory); err != nil {
				s.logger.WithError(err).Error("Outbox drain failed")
			}
		}
	}
}

func (s *Synchronizer) consistencyLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.ConsistencyInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			issues := s.CheckConsistency(ctx)
			if len(issues) == 0 {
				continue
			}
			s.logger.WithField("count", len(issues)).Info("Consistency divergence detected, repairing")
			s.RepairInconsistencies(ctx, issues)
		}
	}
}

// Stop cancels the background loops and waits out a bounded grace for
// in-flight transactions.
func (s *Synchronizer) Stop(ctx context.Context) {
	s.startMu.Lock()
	if !s.started {
		s.startMu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.startMu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Synchronizer shutdown interrupted with loops still running")
	}
}

// Stats returns synchronizer counters.
func (s *Synchronizer) Stats() map[string]interface{} {
	s.versionsMu.RLock()
	tracked := len(s.versions)
	s.versionsMu.RUnlock()

	return map[string]interface{}{
		"syncs":               atomic.LoadInt64(&s.syncs),
		"failures":            atomic.LoadInt64(&s.failures),
		"conflicts":           atomic.LoadInt64(&s.conflicts),
		"rollbacks":           atomic.LoadInt64(&s.rollbacks),
		"repairs":             atomic.LoadInt64(&s.repairs),
		"tracked_versions":    tracked,
		"active_transactions": s.txs.count(),
		"strategy":            string(s.strategy),
	}
}
