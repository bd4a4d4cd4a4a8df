// Package cache persists translations in a SQLite database keyed by
// (source text, target language, provider).
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// ErrCache marks failures to open or use the cache database.
var ErrCache = errors.New("translation cache")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS translations (
    id INTEGER PRIMARY KEY,
    source_text TEXT NOT NULL,
    target_lang TEXT NOT NULL,
    provider TEXT NOT NULL,
    translated_text TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
    UNIQUE(source_text, target_lang, provider)
);
CREATE INDEX IF NOT EXISTS idx_lookup ON translations(source_text, target_lang, provider);
`

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Cache is an open translation cache.
type Cache struct {
	db   *sql.DB
	path string
	lock *flock.Flock
}

// Row is one translation to store.
type Row struct {
	Source     string
	Lang       string
	Provider   string
	Translated string
}

// ProviderCount is the number of rows stored for one provider.
type ProviderCount struct {
	Provider string
	Count    int
}

// Stats summarizes the cache contents.
type Stats struct {
	Total      int
	ByProvider []ProviderCount
}

// DefaultPath returns <user cache dir>/derenpy/translations.db.
func DefaultPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("%w: locate cache directory: %v", ErrCache, err)
	}
	return filepath.Join(dir, "derenpy", "translations.db"), nil
}

// Open opens the cache at DefaultPath.
func Open() (*Cache, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return OpenPath(path)
}

// OpenPath opens or creates a cache database at path.
func OpenPath(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCache, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCache, path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: apply pragma %q: %v", ErrCache, pragma, execErr)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", ErrCache, err)
	}

	return &Cache{db: db, path: path, lock: flock.New(path + ".lock")}, nil
}

// Path returns the database file path.
func (c *Cache) Path() string { return c.path }

// Close closes the database.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Get looks up a translation.
func (c *Cache) Get(ctx context.Context, src, lang, provider string) (string, bool, error) {
	var out string
	err := c.db.QueryRowContext(ctx,
		`SELECT translated_text FROM translations
         WHERE source_text = ? AND target_lang = ? AND provider = ?`,
		src, lang, provider,
	).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: lookup: %v", ErrCache, err)
	}
	return out, true, nil
}

// Set stores a translation, replacing any previous value for the same key.
func (c *Cache) Set(ctx context.Context, src, lang, provider, translated string) error {
	return c.SetMany(ctx, []Row{{Source: src, Lang: lang, Provider: provider, Translated: translated}})
}

// SetMany stores rows in a single transaction.
func (c *Cache) SetMany(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	return c.withWriteLock(ctx, func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR REPLACE INTO translations (source_text, target_lang, provider, translated_text)
             VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.Source, r.Lang, r.Provider, r.Translated); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// Clear deletes every stored translation.
func (c *Cache) Clear(ctx context.Context) error {
	return c.withWriteLock(ctx, func() error {
		_, err := c.db.ExecContext(ctx, "DELETE FROM translations")
		return err
	})
}

// Stats counts rows in total and per provider. Providers are sorted by name.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM translations").Scan(&st.Total); err != nil {
		return st, fmt.Errorf("%w: count: %v", ErrCache, err)
	}
	rows, err := c.db.QueryContext(ctx,
		"SELECT provider, COUNT(*) FROM translations GROUP BY provider ORDER BY provider")
	if err != nil {
		return st, fmt.Errorf("%w: group by provider: %v", ErrCache, err)
	}
	defer rows.Close()
	for rows.Next() {
		var pc ProviderCount
		if err := rows.Scan(&pc.Provider, &pc.Count); err != nil {
			return st, fmt.Errorf("%w: scan: %v", ErrCache, err)
		}
		st.ByProvider = append(st.ByProvider, pc)
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("%w: %v", ErrCache, err)
	}
	return st, nil
}

// withWriteLock serializes writers across processes and retries the
// operation while the database reports SQLITE_BUSY.
func (c *Cache) withWriteLock(ctx context.Context, op func() error) error {
	if err := c.lock.Lock(); err != nil {
		return fmt.Errorf("%w: acquire lock: %v", ErrCache, err)
	}
	defer func() { _ = c.lock.Unlock() }()

	if err := retryOnBusy(ctx, op); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrCache, err)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
