package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const outboxSchema = `
CREATE TABLE IF NOT EXISTS sync_outbox (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_id    TEXT NOT NULL,
	payload      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	next_attempt INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON sync_outbox (status, next_attempt);
`

// Pending is an awaitable handle for an enqueued sync intent.
type Pending struct {
	MemoryID string
	done     chan bool
}

// Await blocks until the intent has been drained (true on successful
// sync, false when retries were exhausted) or the context ends.
func (p *Pending) Await(ctx context.Context) (bool, error) {
	select {
	case ok := <-p.done:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Outbox is a durable journal of sync intents. Writers enqueue an
// intent row; the synchronizer's drain loop works the journal with
// at-least-once retry and backoff. Intents survive process restarts;
// futures do not, they only serve in-process callers.
type Outbox struct {
	db      *sql.DB
	logger  *logrus.Logger
	backoff time.Duration
	maxTry  int

	mu      stdsync.Mutex
	futures map[int64]*Pending
}

// OpenOutbox opens (creating if needed) the sqlite journal at path.
func OpenOutbox(path string, maxRetries int, backoff time.Duration, logger *logrus.Logger) (*Outbox, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create outbox dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	if _, err := db.Exec(outboxSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init outbox schema: %w", err)
	}
	return &Outbox{
		db:      db,
		logger:  logger,
		backoff: backoff,
		maxTry:  maxRetries,
		futures: make(map[int64]*Pending),
	}, nil
}

// Enqueue journals a sync intent and returns a future the caller may
// await for confirmation.
func (o *Outbox) Enqueue(ctx context.Context, memoryID string, data map[string]interface{}) (*Pending, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload: %w", err)
	}

	res, err := o.db.ExecContext(ctx, `
		INSERT INTO sync_outbox (memory_id, payload, created_at)
		VALUES (?, ?, ?)`,
		memoryID, string(payload), time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("enqueue sync intent: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	pending := &Pending{MemoryID: memoryID, done: make(chan bool, 1)}
	o.mu.Lock()
	o.futures[rowID] = pending
	o.mu.Unlock()
	return pending, nil
}

// PendingCount returns the number of undrained intents.
func (o *Outbox) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_outbox WHERE status = 'pending'`).Scan(&count)
	return count, err
}

type outboxRow struct {
	id       int64
	memoryID string
	payload  string
	attempts int
}

// Drain works due intents through syncFn. Intents that fail are
// rescheduled with exponential backoff until attempts are exhausted.
// Returns the number of intents synced.
func (o *Outbox) Drain(ctx context.Context, batch int, syncFn func(ctx context.Context, id string, data map[string]interface{}) bool) (int, error) {
	if batch <= 0 {
		batch = 16
	}

	rows, err := o.db.QueryContext(ctx, `
		SELECT id, memory_id, payload, attempts FROM sync_outbox
		WHERE status = 'pending' AND next_attempt <= ?
		ORDER BY id LIMIT ?`,
		time.Now().UnixMilli(), batch)
	if err != nil {
		return 0, fmt.Errorf("query outbox: %w", err)
	}
	var due []outboxRow
	for rows.Next() {
		var r outboxRow
		if err := rows.Scan(&r.id, &r.memoryID, &r.payload, &r.attempts); err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	drained := 0
	for _, r := range due {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(r.payload), &data); err != nil {
			o.logger.WithError(err).WithField("memory_id", r.memoryID).Error("Dropping undecodable outbox intent")
			o.complete(ctx, r.id, "failed", false)
			continue
		}

		if syncFn(ctx, r.memoryID, data) {
			o.complete(ctx, r.id, "done", true)
			drained++
			continue
		}

		attempts := r.attempts + 1
		if attempts >= o.maxTry {
			o.logger.WithFields(logrus.Fields{
				"memory_id": r.memoryID,
				"attempts":  attempts,
			}).Warn("Outbox intent exhausted retries")
			o.complete(ctx, r.id, "failed", false)
			continue
		}
		next := time.Now().Add(o.backoff << uint(attempts-1)).UnixMilli()
		if _, err := o.db.ExecContext(ctx, `
			UPDATE sync_outbox SET attempts = ?, next_attempt = ? WHERE id = ?`,
			attempts, next, r.id); err != nil {
			o.logger.WithError(err).Error("Failed to reschedule outbox intent")
		}
	}
	return drained, nil
}

// complete settles an intent row and resolves its future if one exists.
func (o *Outbox) complete(ctx context.Context, rowID int64, status string, ok bool) {
	if status == "done" {
		if _, err := o.db.ExecContext(ctx, `DELETE FROM sync_outbox WHERE id = ?`, rowID); err != nil {
			o.logger.WithError(err).Error("Failed to delete drained outbox intent")
		}
	} else {
		if _, err := o.db.ExecContext(ctx, `UPDATE sync_outbox SET status = ? WHERE id = ?`, status, rowID); err != nil {
			o.logger.WithError(err).Error("Failed to settle outbox intent")
		}
	}

	o.mu.Lock()
	pending, exists := o.futures[rowID]
	delete(o.futures, rowID)
	o.mu.Unlock()
	if exists {
		pending.done <- ok
	}
}

// Close closes the journal.
func (o *Outbox) Close() error {
	return o.db.Close()
}
