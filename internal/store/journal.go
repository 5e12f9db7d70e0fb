package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Journal keeps a local SQLite copy of every context item the pipeline
// writes. It is the local-only state the client falls back to when the
// remote store is unreachable.
type Journal struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS context_items (
	id            TEXT PRIMARY KEY,
	remote        INTEGER NOT NULL DEFAULT 0,
	session_id    TEXT NOT NULL,
	type          TEXT NOT NULL,
	data          TEXT NOT NULL,
	relevance     REAL NOT NULL DEFAULT 0,
	relationships TEXT NOT NULL DEFAULT '{}',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_context_items_session ON context_items(session_id, type);
`

// OpenJournal opens (or creates) the journal at path. An empty path keeps the
// journal in memory for the lifetime of the process.
func OpenJournal(path string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := "file::memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// One connection: an in-memory database is private to its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	logger.Debug("journal opened", zap.String("path", dsn))
	return &Journal{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Put inserts or replaces a journaled item.
func (j *Journal) Put(ctx context.Context, id string, remote bool, item Item) error {
	data, err := json.Marshal(item.Data)
	if err != nil {
		return fmt.Errorf("failed to encode item data: %w", err)
	}
	rels, err := json.Marshal(item.Relationships)
	if err != nil {
		return fmt.Errorf("failed to encode relationships: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO context_items (id, remote, session_id, type, data, relevance, relationships, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remote = excluded.remote,
			data = excluded.data,
			relevance = excluded.relevance,
			relationships = excluded.relationships,
			updated_at = excluded.updated_at`,
		id, boolInt(remote), item.SessionID, item.Type, string(data), item.Relevance, string(rels), now, now)
	if err != nil {
		return fmt.Errorf("failed to journal item %s: %w", id, err)
	}
	return nil
}

// Merge applies a partial update to an existing item. It reports whether the
// item existed.
func (j *Journal) Merge(ctx context.Context, id string, patch map[string]any, relevance *float64) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var raw string
	err := j.db.QueryRowContext(ctx, `SELECT data FROM context_items WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read item %s: %w", id, err)
	}

	data := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		data = map[string]any{}
	}
	for k, v := range patch {
		data[k] = v
	}
	merged, err := json.Marshal(data)
	if err != nil {
		return true, fmt.Errorf("failed to encode merged item: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if relevance != nil {
		_, err = j.db.ExecContext(ctx, `UPDATE context_items SET data = ?, relevance = ?, updated_at = ? WHERE id = ?`, string(merged), *relevance, now, id)
	} else {
		_, err = j.db.ExecContext(ctx, `UPDATE context_items SET data = ?, updated_at = ? WHERE id = ?`, string(merged), now, id)
	}
	if err != nil {
		return true, fmt.Errorf("failed to update item %s: %w", id, err)
	}
	return true, nil
}

// Get returns the journaled item with id.
func (j *Journal) Get(ctx context.Context, id string) (Item, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var item Item
	var data, rels string
	err := j.db.QueryRowContext(ctx,
		`SELECT session_id, type, data, relevance, relationships FROM context_items WHERE id = ?`, id).
		Scan(&item.SessionID, &item.Type, &data, &item.Relevance, &rels)
	if err == sql.ErrNoRows {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, fmt.Errorf("failed to read item %s: %w", id, err)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return Item{}, true, fmt.Errorf("failed to decode item %s: %w", id, err)
	}
	item.Data = payload
	item.Relationships = map[string]string{}
	if err := json.Unmarshal([]byte(rels), &item.Relationships); err != nil {
		j.logger.Debug("journal item has malformed relationships", zap.String("id", id), zap.Error(err))
		item.Relationships = map[string]string{}
	}
	return item, true, nil
}

// Rekey moves a local item to the id the remote store assigned it.
func (j *Journal) Rekey(ctx context.Context, oldID, newID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.ExecContext(ctx,
		`UPDATE context_items SET id = ?, remote = 1, updated_at = ? WHERE id = ?`,
		newID, time.Now().UTC().Format(time.RFC3339Nano), oldID)
	if err != nil {
		return fmt.Errorf("failed to re-key item %s: %w", oldID, err)
	}
	return nil
}

// BySession returns a session's items, optionally filtered by type, oldest first.
func (j *Journal) BySession(ctx context.Context, sessionID, itemType string) ([]Record, error) {
	q := `SELECT id, type, data, relevance, created_at FROM context_items WHERE session_id = ?`
	args := []any{sessionID}
	if itemType != "" {
		q += ` AND type = ?`
		args = append(args, itemType)
	}
	q += ` ORDER BY created_at, id`
	return j.query(ctx, q, args...)
}

// Search returns items whose data mentions query, optionally filtered by type.
func (j *Journal) Search(ctx context.Context, query, itemType string) ([]Record, error) {
	q := `SELECT id, type, data, relevance, created_at FROM context_items WHERE lower(data) LIKE ?`
	args := []any{"%" + strings.ToLower(query) + "%"}
	if itemType != "" {
		q += ` AND type = ?`
		args = append(args, itemType)
	}
	q += ` ORDER BY relevance DESC, created_at DESC LIMIT 50`
	return j.query(ctx, q, args...)
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var raw string
		if err := rows.Scan(&r.ID, &r.Type, &raw, &r.Relevance, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &r.Data); err != nil {
			j.logger.Warn("journal item has malformed data", zap.String("id", r.ID), zap.Error(err))
			r.Data = map[string]any{}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
