package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/relais/dbopen"
)

// MetaSchema creates the key-value table holding per-install state, most
// importantly the stable client ID. Safe to re-run.
const MetaSchema = `
CREATE TABLE IF NOT EXISTS relais_meta (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

const metaClientID = "client_id"

// loadOrCreateClientID returns the install's stable identity, minting one
// on first run. The ID survives restarts so the backend can attribute
// replayed mutations to this device.
func loadOrCreateClientID(ctx context.Context, db *sql.DB) (string, error) {
	var id string
	err := db.QueryRowContext(ctx,
		`SELECT value FROM relais_meta WHERE key = ?`, metaClientID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("syncer: load client id: %w", err)
	}

	id = uuid.NewString()
	// Racing first runs both insert; the loser keeps the winner's ID.
	_, err = dbopen.Exec(ctx, db, `
		INSERT INTO relais_meta (key, value, updated_at)
		VALUES (?,?,?)
		ON CONFLICT(key) DO NOTHING`,
		metaClientID, id, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("syncer: store client id: %w", err)
	}
	if err := db.QueryRowContext(ctx,
		`SELECT value FROM relais_meta WHERE key = ?`, metaClientID).Scan(&id); err != nil {
		return "", fmt.Errorf("syncer: reload client id: %w", err)
	}
	return id, nil
}
