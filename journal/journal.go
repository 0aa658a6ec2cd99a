// Package journal keeps a durable trail of pipeline events (enqueues,
// flushes, conflicts, discards) so the status surface can show what the
// sync engine did while nobody was watching. It is observability storage,
// not a queue: rows are informative, never load-bearing.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/relais/dbopen"
	"github.com/hazyhaar/relais/idgen"
)

// Schema creates the journal table. Safe to re-run.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_journal (
    event_id     TEXT PRIMARY KEY,
    event        TEXT NOT NULL,
    mutation_key TEXT,
    method       TEXT,
    path         TEXT,
    status       INTEGER,
    detail       TEXT,
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_created ON sync_journal (created_at DESC);
`

// Event names recorded by the syncer.
const (
	EventEnqueued  = "enqueued"
	EventFlushed   = "flushed"
	EventConflict  = "conflict"
	EventDiscarded = "discarded"
	EventStopped   = "stopped"
)

// Entry is one journal row.
type Entry struct {
	EventID     string `json:"event_id"`
	Event       string `json:"event"`
	MutationKey string `json:"mutation_key,omitempty"`
	Method      string `json:"method,omitempty"`
	Path        string `json:"path,omitempty"`
	Status      int    `json:"status,omitempty"`
	Detail      string `json:"detail,omitempty"`
	CreatedAt   int64  `json:"created_at"` // milliseconds since epoch
}

// Journal writes pipeline events and manages retention cleanup.
type Journal struct {
	db    *sql.DB
	newID idgen.Generator
}

// Option configures a Journal.
type Option func(*Journal)

// WithIDGenerator sets a custom ID generator for event IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(j *Journal) { j.newID = gen }
}

// New creates a journal backed by the given database.
func New(db *sql.DB, opts ...Option) *Journal {
	j := &Journal{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// EnsureSchema creates the journal table if it doesn't exist.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("journal: ensure schema: %w", err)
	}
	return nil
}

// Record writes an entry. Non-blocking: errors are logged via slog but do
// not propagate, so a failing journal never blocks the mutation pipeline.
func (j *Journal) Record(ctx context.Context, e Entry) {
	if e.EventID == "" {
		e.EventID = j.newID()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	_, err := dbopen.Exec(ctx, j.db, `
		INSERT INTO sync_journal (
			event_id, event, mutation_key, method, path, status, detail, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		e.EventID, e.Event, e.MutationKey, e.Method, e.Path, e.Status, e.Detail, e.CreatedAt)
	if err != nil {
		slog.Error("journal record failed", "error", err, "event", e.Event, "key", e.MutationKey)
	}
}

// Recent returns the newest entries, newest first. A non-positive limit
// defaults to 50; offset pages further back.
func (j *Journal) Recent(ctx context.Context, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT event_id, event, mutation_key, method, path, status, detail, created_at
		FROM sync_journal
		ORDER BY created_at DESC, event_id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var key, method, path, detail sql.NullString
		var status sql.NullInt64
		if err := rows.Scan(&e.EventID, &e.Event, &key, &method, &path, &status, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.MutationKey = key.String
		e.Method = method.String
		e.Path = path.String
		e.Status = int(status.Int64)
		e.Detail = detail.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// CountByEvent aggregates row counts per event name.
func (j *Journal) CountByEvent(ctx context.Context) (map[string]int64, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT event, COUNT(*) FROM sync_journal GROUP BY event`)
	if err != nil {
		return nil, fmt.Errorf("journal: count: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var event string
		var n int64
		if err := rows.Scan(&event, &n); err != nil {
			return nil, fmt.Errorf("journal: count scan: %w", err)
		}
		counts[event] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: count: %w", err)
	}
	return counts, nil
}

// Cleanup deletes entries older than the retention threshold and reports
// how many went. Zero or negative days means keep everything.
func (j *Journal) Cleanup(ctx context.Context, retainDays int) (int64, error) {
	if retainDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UnixMilli() - int64(retainDays)*86400*1000
	res, err := dbopen.Exec(ctx, j.db,
		`DELETE FROM sync_journal WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("journal: cleanup: %w", err)
	}
	return n, nil
}
