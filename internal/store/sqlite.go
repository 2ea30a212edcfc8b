// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: One table per collection with JSON records and json_extract expression indexes

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Retry tuning for transient engine errors. WAL-mode SQLite can surface
// SQLITE_BUSY/SQLITE_LOCKED under concurrent transactions; busy_timeout
// handles most of it at the connection level, the rest is retried here.
const (
	maxEngineRetries = 3
	retryBaseDelay   = 50 * time.Millisecond
	retryMaxDelay    = 500 * time.Millisecond
)

// SQLiteStore implements the Store interface using SQLite.
//
// The connection is opened lazily on first use and shared by all operations.
// If the connection is closed externally, the next operation reopens it
// transparently. Schema initialization is idempotent and gated by
// PRAGMA user_version.
type SQLiteStore struct {
	path   string
	logger *slog.Logger
	schema map[string]Collection

	// guards db open/close; individual queries run on the shared *sql.DB
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore creates a store for the database at the given path.
// No I/O happens until the first operation. Pass nil logger for default.
func NewSQLiteStore(path string, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}

	schema := make(map[string]Collection)
	for _, col := range Schema() {
		schema[col.Name] = col
	}

	return &SQLiteStore{
		path:   path,
		logger: logger.With("component", "store"),
		schema: schema,
	}
}

// conn returns the shared connection, opening it (and applying the schema)
// if needed.
func (s *SQLiteStore) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	// Ensure parent directory exists (not applicable to :memory:)
	if s.path != ":memory:" {
		dir := filepath.Dir(s.path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := s.initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	s.db = db
	s.logger.Info("SQLite store opened", "path", s.path)
	return db, nil
}

// initSchema creates collection tables and indexes. It is safe to run
// against an already-initialized database: all statements are IF NOT EXISTS
// and the user_version pragma gates future migrations.
func (s *SQLiteStore) initSchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading user_version: %w", err)
	}

	for _, col := range Schema() {
		keyCol := `key TEXT PRIMARY KEY`
		if col.AutoIncrement {
			keyCol = `id INTEGER PRIMARY KEY AUTOINCREMENT`
		}

		create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (%s, record BLOB NOT NULL)`, col.Name, keyCol)
		if _, err := db.Exec(create); err != nil {
			return fmt.Errorf("creating collection %s: %w", col.Name, err)
		}

		for _, idx := range col.Indexes {
			unique := ""
			if idx.Unique {
				unique = "UNIQUE "
			}
			createIdx := fmt.Sprintf(
				`CREATE %sINDEX IF NOT EXISTS %q ON %q (json_extract(record, '$.%s'))`,
				unique, "idx_"+col.Name+"_"+idx.Name, col.Name, idx.Field,
			)
			if _, err := db.Exec(createIdx); err != nil {
				return fmt.Errorf("creating index %s on %s: %w", idx.Name, col.Name, err)
			}
		}
	}

	// Future additive migrations go here, gated on the recorded version.
	// Version 1 has no predecessors.
	if version < schemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("setting user_version: %w", err)
		}
		if version > 0 {
			s.logger.Info("applied schema migrations", "from", version, "to", schemaVersion)
		}
	}

	return nil
}

// Close closes the shared connection. The store reopens lazily if reused.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	s.logger.Info("closing SQLite store")
	err := s.db.Close()
	s.db = nil
	return err
}

// reset drops the shared connection so the next operation reopens it.
// Called when an operation observes an externally-closed connection.
func (s *SQLiteStore) reset(db *sql.DB) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == db {
		s.db = nil
	}
}

// isConnClosedErr detects an externally-closed connection, which is
// handled by transparently reopening rather than failing the operation.
func isConnClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is closed")
}

// isTransientErr returns true for engine errors that can be resolved by
// retrying: lock contention and WAL read races.
func isTransientErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// backoffDelay computes the delay for a retry attempt using exponential
// backoff with jitter.
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << uint(attempt)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(retryBaseDelay)))
	return delay + jitter
}

// run executes fn against the shared connection, reopening a closed
// connection and retrying transient engine errors. Any terminal failure
// is wrapped in a StorageError.
func (s *SQLiteStore) run(op, collection string, fn func(db *sql.DB) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxEngineRetries; attempt++ {
		db, err := s.conn()
		if err != nil {
			return &StorageError{Op: op, Collection: collection, Err: err}
		}

		lastErr = fn(db)
		if lastErr == nil {
			return nil
		}

		if isConnClosedErr(lastErr) {
			s.reset(db)
			continue
		}
		if !isTransientErr(lastErr) {
			break
		}
		if attempt < maxEngineRetries {
			time.Sleep(backoffDelay(attempt))
		}
	}
	return &StorageError{Op: op, Collection: collection, Err: lastErr}
}

func (s *SQLiteStore) collection(name string) (Collection, error) {
	col, ok := s.schema[name]
	if !ok {
		return Collection{}, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return col, nil
}

// extractKey reads the record's value at the collection key path.
func extractKey(col Collection, record Record) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return "", fmt.Errorf("decoding record: %w", err)
	}

	raw, ok := fields[col.KeyPath]
	if !ok || string(raw) == "null" {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, col.KeyPath)
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return strconv.FormatInt(asNumber, 10), nil
	}
	return "", fmt.Errorf("%w: %s is neither string nor integer", ErrMissingKey, col.KeyPath)
}

// Put inserts or overwrites a record, returning its effective key.
// For auto-increment collections a new integer key is assigned and written
// back into the stored record at the key path.
func (s *SQLiteStore) Put(ctx context.Context, collection string, record Record) (string, error) {
	col, err := s.collection(collection)
	if err != nil {
		return "", err
	}

	var key string

	if col.AutoIncrement {
		// Auto keys may still be supplied explicitly (overwrite case)
		if explicit, err := extractKey(col, record); err == nil {
			id, convErr := strconv.ParseInt(explicit, 10, 64)
			if convErr != nil {
				return "", fmt.Errorf("%w: auto-increment key must be an integer", ErrMissingKey)
			}
			err := s.run("put", collection, func(db *sql.DB) error {
				_, execErr := db.ExecContext(ctx,
					fmt.Sprintf(`INSERT INTO %q (id, record) VALUES (?, json(?)) ON CONFLICT(id) DO UPDATE SET record = excluded.record`, col.Name),
					id, string(record),
				)
				return execErr
			})
			if err != nil {
				return "", err
			}
			return explicit, nil
		}

		err := s.run("put", collection, func(db *sql.DB) error {
			tx, txErr := db.BeginTx(ctx, nil)
			if txErr != nil {
				return txErr
			}
			defer tx.Rollback()

			res, execErr := tx.ExecContext(ctx,
				fmt.Sprintf(`INSERT INTO %q (record) VALUES (json(?))`, col.Name),
				string(record),
			)
			if execErr != nil {
				return execErr
			}
			id, idErr := res.LastInsertId()
			if idErr != nil {
				return idErr
			}

			// Write the assigned key back into the stored record
			if _, execErr := tx.ExecContext(ctx,
				fmt.Sprintf(`UPDATE %q SET record = json_set(record, '$.%s', ?) WHERE id = ?`, col.Name, col.KeyPath),
				id, id,
			); execErr != nil {
				return execErr
			}

			if commitErr := tx.Commit(); commitErr != nil {
				return commitErr
			}
			key = strconv.FormatInt(id, 10)
			return nil
		})
		if err != nil {
			return "", err
		}

		s.logger.Debug("put record", "collection", collection, "key", key)
		return key, nil
	}

	key, err = extractKey(col, record)
	if err != nil {
		return "", err
	}

	err = s.run("put", collection, func(db *sql.DB) error {
		_, execErr := db.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %q (key, record) VALUES (?, json(?)) ON CONFLICT(key) DO UPDATE SET record = excluded.record`, col.Name),
			key, string(record),
		)
		return execErr
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("put record", "collection", collection, "key", key)
	return key, nil
}

// Get retrieves a record by key. Returns (nil, nil) when no record exists —
// absence is not an error.
func (s *SQLiteStore) Get(ctx context.Context, collection, key string) (Record, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT record FROM %q WHERE key = ?`, col.Name)
	var arg any = key
	if col.AutoIncrement {
		id, convErr := strconv.ParseInt(key, 10, 64)
		if convErr != nil {
			return nil, nil
		}
		query = fmt.Sprintf(`SELECT record FROM %q WHERE id = ?`, col.Name)
		arg = id
	}

	var record Record
	err = s.run("get", collection, func(db *sql.DB) error {
		var data []byte
		scanErr := db.QueryRowContext(ctx, query, arg).Scan(&data)
		if scanErr == sql.ErrNoRows {
			record = nil
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		record = Record(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// GetAll returns every record in the collection. Ordering is unspecified;
// callers must not rely on it.
func (s *SQLiteStore) GetAll(ctx context.Context, collection string) ([]Record, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	var records []Record
	err = s.run("getAll", collection, func(db *sql.DB) error {
		rows, queryErr := db.QueryContext(ctx, fmt.Sprintf(`SELECT record FROM %q`, col.Name))
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		records = nil
		for rows.Next() {
			var data []byte
			if scanErr := rows.Scan(&data); scanErr != nil {
				return scanErr
			}
			records = append(records, Record(data))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetByIndex returns all records whose indexed field equals value.
func (s *SQLiteStore) GetByIndex(ctx context.Context, collection, indexName string, value any) ([]Record, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	var field string
	for _, idx := range col.Indexes {
		if idx.Name == indexName {
			field = idx.Field
			break
		}
	}
	if field == "" {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownIndex, indexName, collection)
	}

	// json_extract yields SQL integers for JSON booleans
	if b, ok := value.(bool); ok {
		if b {
			value = 1
		} else {
			value = 0
		}
	}

	var records []Record
	err = s.run("getByIndex", collection, func(db *sql.DB) error {
		rows, queryErr := db.QueryContext(ctx,
			fmt.Sprintf(`SELECT record FROM %q WHERE json_extract(record, '$.%s') = ?`, col.Name, field),
			value,
		)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		records = nil
		for rows.Next() {
			var data []byte
			if scanErr := rows.Scan(&data); scanErr != nil {
				return scanErr
			}
			records = append(records, Record(data))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Delete removes a record by key. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, collection, key string) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %q WHERE key = ?`, col.Name)
	var arg any = key
	if col.AutoIncrement {
		id, convErr := strconv.ParseInt(key, 10, 64)
		if convErr != nil {
			return nil
		}
		query = fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, col.Name)
		arg = id
	}

	return s.run("delete", collection, func(db *sql.DB) error {
		_, execErr := db.ExecContext(ctx, query, arg)
		return execErr
	})
}

// Clear removes every record in the collection.
func (s *SQLiteStore) Clear(ctx context.Context, collection string) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	return s.run("clear", collection, func(db *sql.DB) error {
		_, execErr := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q`, col.Name))
		return execErr
	})
}

// Count returns the number of records in the collection.
func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	col, err := s.collection(collection)
	if err != nil {
		return 0, err
	}

	var count int
	err = s.run("count", collection, func(db *sql.DB) error {
		return db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, col.Name)).Scan(&count)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
