// Package outbox implements the durable mutation pipeline: a keyed,
// oldest-first ledger of pending writes backed by SQLite, and the
// single-flight flush engine that drains it against a transport.
//
// Rows survive process restarts. A mutation's idempotency key is its
// identity: enqueueing an existing key overwrites the row, which is how a
// retry counter advances without ever duplicating a write. The drain is
// strictly sequential: replay order must match enqueue order, so there is
// no worker fan-out, only one cooperative loop with in-line backoff waits.
//
// Expected schema (created by EnsureSchema, or pass Schema to dbopen):
//
//	CREATE TABLE IF NOT EXISTS outbox_mutations (
//	    idempotency_key TEXT PRIMARY KEY,
//	    method          TEXT NOT NULL CHECK (method IN ('POST','PATCH')),
//	    path            TEXT NOT NULL,
//	    body            BLOB,
//	    enqueued_at     INTEGER NOT NULL,            -- milliseconds since epoch
//	    retries         INTEGER NOT NULL DEFAULT 0
//	);
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/relais/dbopen"
)

// Schema creates the ledger table and its ordering index. Safe to re-run.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox_mutations (
    idempotency_key TEXT PRIMARY KEY,
    method          TEXT NOT NULL CHECK (method IN ('POST','PATCH')),
    path            TEXT NOT NULL,
    body            BLOB,
    enqueued_at     INTEGER NOT NULL,
    retries         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_outbox_enqueued ON outbox_mutations (enqueued_at, idempotency_key);
`

// maxKeyLen bounds idempotency keys to what backends commonly accept.
const maxKeyLen = 128

// Mutation is one pending write.
type Mutation struct {
	// Key is the idempotency key: generated once at creation, identical
	// across every delivery attempt, unique across the ledger.
	Key    string          `json:"key"`
	Method string          `json:"method"` // POST or PATCH; reads are never queued
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"` // immutable once enqueued

	// EnqueuedAt orders replay oldest-first. Milliseconds since epoch,
	// assigned on first enqueue, never changed by retries.
	EnqueuedAt int64 `json:"enqueued_at"`
	// Retries counts failed replay attempts.
	Retries int `json:"retries"`
}

// Validate checks the parts of a Mutation the ledger cannot accept wrong.
func (m *Mutation) Validate() error {
	if m.Key == "" {
		return fmt.Errorf("outbox: mutation key is required")
	}
	if len(m.Key) > maxKeyLen {
		return fmt.Errorf("outbox: mutation key exceeds %d bytes", maxKeyLen)
	}
	if m.Method != "POST" && m.Method != "PATCH" {
		return fmt.Errorf("outbox: method %q not allowed, want POST or PATCH", m.Method)
	}
	if m.Path == "" {
		return fmt.Errorf("outbox: mutation path is required")
	}
	if m.Retries < 0 {
		return fmt.Errorf("outbox: negative retries")
	}
	return nil
}

// Ledger is the durable queue of pending mutations.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// NewLedger wraps an open database. Call EnsureSchema once at startup
// unless the schema was applied at open time.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// EnsureSchema creates the ledger table and index if they don't exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, Schema); err != nil {
		return &StorageError{Op: "ensure schema", Cause: err}
	}
	return nil
}

// Enqueue writes or overwrites a mutation by key. EnqueuedAt is assigned
// when absent so first-time enqueues order themselves; re-persisting an
// existing key (the retry-counter path) keeps its original position.
func (l *Ledger) Enqueue(ctx context.Context, m *Mutation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.EnqueuedAt == 0 {
		m.EnqueuedAt = l.now().UnixMilli()
	}
	_, err := dbopen.Exec(ctx, l.db, `
		INSERT INTO outbox_mutations (idempotency_key, method, path, body, enqueued_at, retries)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			method = excluded.method,
			path = excluded.path,
			body = excluded.body,
			enqueued_at = excluded.enqueued_at,
			retries = excluded.retries`,
		m.Key, m.Method, m.Path, []byte(m.Body), m.EnqueuedAt, m.Retries,
	)
	if err != nil {
		return &StorageError{Op: "enqueue", Cause: err}
	}
	return nil
}

// ListAll returns every pending mutation, oldest first. The ordering is
// load-bearing: dependent writes (create-then-update) must replay in the
// order they were made.
func (l *Ledger) ListAll(ctx context.Context) ([]Mutation, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT idempotency_key, method, path, body, enqueued_at, retries
		FROM outbox_mutations
		ORDER BY enqueued_at ASC, idempotency_key ASC`)
	if err != nil {
		return nil, &StorageError{Op: "list", Cause: err}
	}
	defer rows.Close()

	var pending []Mutation
	for rows.Next() {
		var m Mutation
		var body []byte
		if err := rows.Scan(&m.Key, &m.Method, &m.Path, &body, &m.EnqueuedAt, &m.Retries); err != nil {
			return nil, &StorageError{Op: "list scan", Cause: err}
		}
		if len(body) > 0 {
			m.Body = json.RawMessage(body)
		}
		pending = append(pending, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list", Cause: err}
	}
	if pending == nil {
		pending = []Mutation{}
	}
	return pending, nil
}

// Remove deletes by key. Removing an absent key is a no-op.
func (l *Ledger) Remove(ctx context.Context, key string) error {
	_, err := dbopen.Exec(ctx, l.db,
		`DELETE FROM outbox_mutations WHERE idempotency_key = ?`, key)
	if err != nil {
		return &StorageError{Op: "remove", Cause: err}
	}
	return nil
}

// Count returns the number of pending mutations (UI badge material, not
// load-bearing).
func (l *Ledger) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_mutations`).Scan(&n); err != nil {
		return 0, &StorageError{Op: "count", Cause: err}
	}
	return n, nil
}
