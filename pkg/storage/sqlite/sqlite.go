// Package sqlite provides a SQLite persistence backend for the content store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nainya/contentstore/pkg/storage"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

// Backend stores records in a single SQLite table keyed by (bucket, key)
type Backend struct {
	conn *sql.DB
	mu   sync.Mutex
	path string
}

var _ storage.Backend = (*Backend)(nil)

// Open opens or creates the database at path
func Open(path string) (*Backend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// One writer; WAL readers do not need a pool for this workload
	conn.SetMaxOpenConns(1)

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Backend{conn: conn, path: path}, nil
}

// Path returns the database file path
func (b *Backend) Path() string { return b.path }

// Load reads every record
func (b *Backend) Load(ctx context.Context) (*storage.Image, error) {
	img := storage.NewImage()

	var seq sql.NullInt64
	if err := b.conn.QueryRowContext(ctx, `SELECT MAX(seq) FROM commits`).Scan(&seq); err != nil {
		return nil, fmt.Errorf("querying commit sequence: %w", err)
	}
	if seq.Valid {
		img.Seq = uint64(seq.Int64)
	}

	rows, err := b.conn.QueryContext(ctx, `SELECT bucket, key, value FROM records ORDER BY bucket, key`)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var bucket, key string
		var value []byte
		if err := rows.Scan(&bucket, &key, &value); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		img.Set(bucket, key, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading records: %w", err)
	}
	return img, nil
}

// Commit applies a batch in one SQLite transaction
func (b *Backend) Commit(ctx context.Context, batch *storage.Batch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	put, err := tx.PrepareContext(ctx,
		`INSERT INTO records (bucket, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer put.Close()
	del, err := tx.PrepareContext(ctx, `DELETE FROM records WHERE bucket = ? AND key = ?`)
	if err != nil {
		return fmt.Errorf("preparing delete: %w", err)
	}
	defer del.Close()

	for _, r := range batch.Records {
		if r.Delete {
			if _, err := del.ExecContext(ctx, r.Bucket, r.Key); err != nil {
				return fmt.Errorf("deleting %s/%s: %w", r.Bucket, r.Key, err)
			}
			continue
		}
		value := r.Value
		if value == nil {
			value = []byte{}
		}
		if _, err := put.ExecContext(ctx, r.Bucket, r.Key, value); err != nil {
			return fmt.Errorf("writing %s/%s: %w", r.Bucket, r.Key, err)
		}
	}
	if batch.Seq > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO commits (seq, ts, n) VALUES (?, ?, ?)
			 ON CONFLICT(seq) DO UPDATE SET ts = excluded.ts, n = excluded.n`,
			int64(batch.Seq), time.Now().UnixMilli(), len(batch.Records)); err != nil {
			return fmt.Errorf("recording commit: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the database connection
func (b *Backend) Close() error {
	return b.conn.Close()
}
