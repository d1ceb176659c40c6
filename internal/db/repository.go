package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/kimhsiao/offlinekit/internal/models"
)

// deleteChunkSize keeps IN (...) lists well below SQLite's bound-parameter limit.
const deleteChunkSize = 500

// Repository provides record operations for the mutation queue, cache metadata
// and dead letters. Every method is a single statement or a single transaction.
type Repository struct {
	db *sql.DB

	// Prepared statements for the hot paths, keyed by query text.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func encodeHeaders(h http.Header) (string, error) {
	if h == nil {
		h = http.Header{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to encode headers: %w", err)
	}
	return string(data), nil
}

func decodeHeaders(s string) (http.Header, error) {
	h := http.Header{}
	if s == "" {
		return h, nil
	}
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, fmt.Errorf("failed to decode headers: %w", err)
	}
	return h, nil
}

// =====================================================
// Mutation Queue Operations
// =====================================================

// InsertMutation persists m and sets m.ID to the store-assigned id.
func (r *Repository) InsertMutation(ctx context.Context, m *models.QueuedMutation) error {
	headers, err := encodeHeaders(m.Headers)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
	INSERT INTO mutation_queue (url, method, headers, body, timestamp, retries)
	VALUES (?, ?, ?, ?, ?, ?)`,
		m.URL, m.Method, headers, m.Body, m.Timestamp, m.Retries)
	if err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read mutation id: %w", err)
	}
	m.ID = id
	return nil
}

func scanMutation(scan func(dest ...interface{}) error) (*models.QueuedMutation, error) {
	var m models.QueuedMutation
	var headers string
	if err := scan(&m.ID, &m.URL, &m.Method, &headers, &m.Body, &m.Timestamp, &m.Retries); err != nil {
		return nil, err
	}
	h, err := decodeHeaders(headers)
	if err != nil {
		return nil, err
	}
	m.Headers = h
	return &m, nil
}

// GetMutation retrieves a queued mutation by id. Returns sql.ErrNoRows if absent.
func (r *Repository) GetMutation(ctx context.Context, id int64) (*models.QueuedMutation, error) {
	row := r.db.QueryRowContext(ctx, `
	SELECT id, url, method, headers, body, timestamp, retries
	FROM mutation_queue WHERE id = ?`, id)
	return scanMutation(row.Scan)
}

// ListMutations returns all queued mutations, oldest first.
func (r *Repository) ListMutations(ctx context.Context) ([]*models.QueuedMutation, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, url, method, headers, body, timestamp, retries
	FROM mutation_queue ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mutations []*models.QueuedMutation
	for rows.Next() {
		m, err := scanMutation(rows.Scan)
		if err != nil {
			return nil, err
		}
		mutations = append(mutations, m)
	}
	return mutations, rows.Err()
}

// UpdateMutationRetries sets the retry counter. Reports false if the record no longer exists.
func (r *Repository) UpdateMutationRetries(ctx context.Context, id int64, retries int) (bool, error) {
	res, err := r.db.ExecContext(ctx, "UPDATE mutation_queue SET retries = ? WHERE id = ?", retries, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteMutation removes a queued mutation. Deleting a missing id is a no-op.
func (r *Repository) DeleteMutation(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM mutation_queue WHERE id = ?", id)
	return err
}

// CountMutations returns the queue depth.
func (r *Repository) CountMutations(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mutation_queue").Scan(&n)
	return n, err
}

// ClearMutations empties the queue and returns the number of removed records.
func (r *Repository) ClearMutations(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM mutation_queue")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// =====================================================
// Dead Letter Operations
// =====================================================

// MoveToDeadLetter copies m into dead_letters and removes it from the queue atomically.
// If m was already removed by a concurrent drain nothing is written.
func (r *Repository) MoveToDeadLetter(ctx context.Context, m *models.QueuedMutation, lastError string, failedAt int64) error {
	headers, err := encodeHeaders(m.Headers)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM mutation_queue WHERE id = ?", m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO dead_letters (mutation_id, url, method, headers, body, timestamp, retries, last_error, failed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.URL, m.Method, headers, m.Body, m.Timestamp, m.Retries, lastError, failedAt); err != nil {
		return err
	}

	return tx.Commit()
}

const deadLetterColumns = "id, mutation_id, url, method, headers, body, timestamp, retries, last_error, failed_at"

func scanDeadLetter(scan func(dest ...interface{}) error) (*models.DeadLetter, error) {
	var d models.DeadLetter
	var headers string
	if err := scan(&d.ID, &d.MutationID, &d.URL, &d.Method, &headers, &d.Body,
		&d.Timestamp, &d.Retries, &d.LastError, &d.FailedAt); err != nil {
		return nil, err
	}
	h, err := decodeHeaders(headers)
	if err != nil {
		return nil, err
	}
	d.Headers = h
	return &d, nil
}

// ListDeadLetters returns dead letters, oldest failure first.
func (r *Repository) ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+deadLetterColumns+" FROM dead_letters ORDER BY failed_at ASC, id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []*models.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows.Scan)
		if err != nil {
			return nil, err
		}
		letters = append(letters, d)
	}
	return letters, rows.Err()
}

// RequeueDeadLetter moves a dead letter back into the queue as a fresh mutation
// (new id, retries reset). Returns sql.ErrNoRows if the dead letter does not exist.
func (r *Repository) RequeueDeadLetter(ctx context.Context, id int64, now int64) (*models.QueuedMutation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	d, err := scanDeadLetter(tx.QueryRowContext(ctx, "SELECT "+deadLetterColumns+" FROM dead_letters WHERE id = ?", id).Scan)
	if err != nil {
		return nil, err
	}

	m := d.Mutation()
	m.Retries = 0
	m.Timestamp = now
	headers, err := encodeHeaders(m.Headers)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO mutation_queue (url, method, headers, body, timestamp, retries)
	VALUES (?, ?, ?, ?, ?, 0)`, m.URL, m.Method, headers, m.Body, m.Timestamp)
	if err != nil {
		return nil, err
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM dead_letters WHERE id = ?", id); err != nil {
		return nil, err
	}

	return m, tx.Commit()
}

// =====================================================
// Cache Metadata Operations
// =====================================================

// TouchCacheMetadata upserts the metadata row for key: a new row starts at
// access_count 1, an existing row is incremented and its access time refreshed.
func (r *Repository) TouchCacheMetadata(ctx context.Context, key string, accessedAt int64) error {
	stmt, err := r.PrepareStmt(ctx, `
	INSERT INTO cache_metadata (key, last_accessed_at, access_count) VALUES (?, ?, 1)
	ON CONFLICT(key) DO UPDATE SET
		last_accessed_at = excluded.last_accessed_at,
		access_count = cache_metadata.access_count + 1`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, key, accessedAt)
	return err
}

// GetCacheMetadata retrieves the metadata for key. Returns sql.ErrNoRows if absent.
func (r *Repository) GetCacheMetadata(ctx context.Context, key string) (*models.CacheMetadataEntry, error) {
	var e models.CacheMetadataEntry
	err := r.db.QueryRowContext(ctx,
		"SELECT key, last_accessed_at, access_count FROM cache_metadata WHERE key = ?", key,
	).Scan(&e.Key, &e.LastAccessedAt, &e.AccessCount)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// LRUCursor marks the position after which the next LRU page starts.
type LRUCursor struct {
	LastAccessedAt int64
	Key            string
}

// ListLRU returns up to limit metadata entries ordered by (last_accessed_at, key)
// ascending, starting strictly after the cursor when one is given. The query
// walks idx_cache_metadata_last_accessed instead of sorting the table.
func (r *Repository) ListLRU(ctx context.Context, after *LRUCursor, limit int) ([]*models.CacheMetadataEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	var rows *sql.Rows
	if after == nil {
		stmt, err := r.PrepareStmt(ctx, `
		SELECT key, last_accessed_at, access_count FROM cache_metadata
		ORDER BY last_accessed_at ASC, key ASC LIMIT ?`)
		if err != nil {
			return nil, err
		}
		if rows, err = stmt.QueryContext(ctx, limit); err != nil {
			return nil, err
		}
	} else {
		stmt, err := r.PrepareStmt(ctx, `
		SELECT key, last_accessed_at, access_count FROM cache_metadata
		WHERE (last_accessed_at, key) > (?, ?)
		ORDER BY last_accessed_at ASC, key ASC LIMIT ?`)
		if err != nil {
			return nil, err
		}
		if rows, err = stmt.QueryContext(ctx, after.LastAccessedAt, after.Key, limit); err != nil {
			return nil, err
		}
	}
	defer rows.Close()

	entries := make([]*models.CacheMetadataEntry, 0, limit)
	for rows.Next() {
		var e models.CacheMetadataEntry
		if err := rows.Scan(&e.Key, &e.LastAccessedAt, &e.AccessCount); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// DeleteCacheMetadata removes the metadata rows for keys. Missing keys are ignored.
func (r *Repository) DeleteCacheMetadata(ctx context.Context, keys ...string) error {
	for start := 0; start < len(keys); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]interface{}, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		if _, err := r.db.ExecContext(ctx, "DELETE FROM cache_metadata WHERE key IN ("+placeholders+")", args...); err != nil {
			return err
		}
	}
	return nil
}

// CountCacheMetadata returns the number of tracked cache keys.
func (r *Repository) CountCacheMetadata(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_metadata").Scan(&n)
	return n, err
}

// ClearCacheMetadata removes every metadata row.
func (r *Repository) ClearCacheMetadata(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM cache_metadata")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
