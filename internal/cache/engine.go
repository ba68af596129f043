package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// engine is the embedded key-value store. It is owned by exactly one actor
// worker and is not safe for use from anywhere else.
type engine struct {
	db *sql.DB
}

// openEngine opens (creating if missing) the record store at path.
func openEngine(ctx context.Context, path string) (*engine, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	e := &engine{db: db}
	if err := e.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

func (e *engine) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS records (
    key INTEGER PRIMARY KEY,
    value BLOB NOT NULL
);
`
	if _, err := e.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// put inserts value under key. An existing record is left untouched; the
// returned bool reports whether a row was written.
func (e *engine) put(ctx context.Context, key uint64, value []byte) (bool, error) {
	res, err := e.db.ExecContext(ctx,
		`INSERT INTO records(key, value) VALUES(?, ?) ON CONFLICT(key) DO NOTHING`,
		int64(key), value)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// get returns the stored value and whether the key exists. A present key may
// carry an empty value.
func (e *engine) get(ctx context.Context, key uint64) ([]byte, bool, error) {
	var value []byte
	err := e.db.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, int64(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if value == nil {
		value = []byte{}
	}
	return value, true, nil
}

func (e *engine) delete(ctx context.Context, key uint64) error {
	_, err := e.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, int64(key))
	return err
}

func (e *engine) close() error {
	if e == nil || e.db == nil {
		return nil
	}
	return e.db.Close()
}
