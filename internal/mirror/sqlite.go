package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const documentsDDL = `
CREATE TABLE IF NOT EXISTS documents (
	name       TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLitePersister stores the two mirror documents as rows of a single
// SQLite table.
type SQLitePersister struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}

	// WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(documentsDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

// Close closes the database.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

// Load reads both documents, inserting empty ones when absent.
func (p *SQLitePersister) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := p.loadDoc(ctx, positionsFile, &snap.Positions); err != nil {
		return Snapshot{}, err
	}
	if err := p.loadDoc(ctx, historyFile, &snap.History); err != nil {
		return Snapshot{}, err
	}
	snap.Positions = nonNil(snap.Positions)
	snap.History = nonNil(snap.History)
	return snap, nil
}

func (p *SQLitePersister) loadDoc(ctx context.Context, name string, into any) error {
	var body string
	err := p.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = p.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO documents (name, body, updated_at) VALUES (?, '[]', ?)`,
			name, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(body), into); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// Save writes both documents in one transaction.
func (p *SQLitePersister) Save(ctx context.Context, s Snapshot) error {
	positions, err := json.Marshal(nonNil(s.Positions))
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}
	history, err := json.Marshal(nonNil(s.History))
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, doc := range []struct {
		name string
		body []byte
	}{
		{positionsFile, positions},
		{historyFile, history},
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (name, body, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				body = excluded.body,
				updated_at = excluded.updated_at`,
			doc.name, string(doc.body), now,
		); err != nil {
			return fmt.Errorf("write %s: %w", doc.name, err)
		}
	}
	return tx.Commit()
}
