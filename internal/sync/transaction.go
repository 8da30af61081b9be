package sync

import (
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
)

// TransactionStatus tracks a sync transaction through its state machine:
// pending -> in_progress -> {completed | failed | conflict}.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusInProgress TransactionStatus = "in_progress"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusConflict   TransactionStatus = "conflict"
)

// BackendWriteError reports a single store's write failing mid
// transaction.
type BackendWriteError struct {
	Store string
	Err   error
}

func (e *BackendWriteError) Error() string {
	return fmt.Sprintf("backend write failed (%s): %v", e.Store, e.Err)
}

func (e *BackendWriteError) Unwrap() error { return e.Err }

// ConflictError reports checksum divergence the active strategy could
// not resolve.
type ConflictError struct {
	MemoryID string
	Strategy Strategy
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unresolved conflict for %s under strategy %s", e.MemoryID, e.Strategy)
}

// ConsistencyError reports divergence persisting after a repair pass.
type ConsistencyError struct {
	MemoryID string
	Issues   []string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency check still failing for %s: %v", e.MemoryID, e.Issues)
}

// Transaction is the bookkeeping record of one sync call.
type Transaction struct {
	ID        string
	MemoryID  string
	Status    TransactionStatus
	StartedAt time.Time
	EndedAt   time.Time
	Err       error

	// Rollback snapshot of the cache entry before the transaction
	// mutated it. snapshotSet distinguishes "no prior entry" from
	// "snapshot not taken".
	snapshot    map[string]interface{}
	snapshotSet bool
	hadPrior    bool
}

func newTransaction(memoryID string) *Transaction {
	return &Transaction{
		ID:        uuid.New().String(),
		MemoryID:  memoryID,
		Status:    StatusPending,
		StartedAt: time.Now(),
	}
}

func (t *Transaction) finish(status TransactionStatus, err error) {
	t.Status = status
	t.Err = err
	t.EndedAt = time.Now()
}

// transactionTable tracks in-flight transactions, exactly one
// bookkeeping entry per in-flight sync call.
type transactionTable struct {
	active map[string]*Transaction // transaction id -> transaction
	mu     stdsync.Mutex
}

func newTransactionTable() *transactionTable {
	return &transactionTable{active: make(map[string]*Transaction)}
}

func (t *transactionTable) add(tx *Transaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[tx.ID] = tx
}

func (t *transactionTable) remove(tx *Transaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, tx.ID)
}

func (t *transactionTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
