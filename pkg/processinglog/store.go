// Package processinglog implements the per-table embedded store that
// is the engine's only authoritative local state: a one-file,
// one-table sqlite database mapping issue key to the last-known
// source-updated time, processing outcome, and target record id.
package processinglog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Result values for the processing_result column.
const (
	ResultSuccess           = "success"
	ResultColdStartExisting = "cold_start_existing"
)

// ErrPrefix tags the processing_result value used for a failed
// processing attempt; the full string is ErrPrefix + detail.
const ErrPrefix = "error: "

// Row is one processing_log record.
type Row struct {
	IssueKey         string
	JiraUpdatedTime  int64
	ProcessedAt      int64
	ProcessingResult string
	LarkRecordID     sql.NullString
}

// Store is a single table's processing log, backed by one sqlite file.
// All operations are serialized by mu; database/sql's own connection
// pool would otherwise allow interleaved writers to race on the
// upsert-then-read patterns below.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) the sqlite file at path and ensures
// its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening processing log %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS processing_log (
			issue_key TEXT PRIMARY KEY,
			jira_updated_time INTEGER NOT NULL DEFAULT 0,
			processed_at INTEGER NOT NULL DEFAULT 0,
			processing_result TEXT NOT NULL DEFAULT '',
			lark_record_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processing_log_jira_updated ON processing_log(jira_updated_time)`,
		`CREATE INDEX IF NOT EXISTS idx_processing_log_processed_at ON processing_log(processed_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migrating processing log: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetLastProcessedTime returns the stored jira_updated_time for key, or
// nil if the key is absent.
func (s *Store) GetLastProcessedTime(key string) (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t int64
	err := s.db.QueryRow(`SELECT jira_updated_time FROM processing_log WHERE issue_key = ?`, key).Scan(&t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading last processed time for %s: %w", key, err)
	}
	return &t, nil
}

// GetLarkRecordID returns the stored target record id for key, or nil
// if absent or stored NULL.
func (s *Store) GetLarkRecordID(key string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id sql.NullString
	err := s.db.QueryRow(`SELECT lark_record_id FROM processing_log WHERE issue_key = ?`, key).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lark record id for %s: %w", key, err)
	}
	if !id.Valid {
		return nil, nil
	}
	return &id.String, nil
}

// Record upserts a single row, setting processed_at to now.
func (s *Store) Record(key string, jiraUpdated int64, result string, larkRecordID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.recordLocked(s.db, key, jiraUpdated, time.Now().UnixMilli(), result, larkRecordID)
}

func (s *Store) recordLocked(execer execer, key string, jiraUpdated, processedAt int64, result string, larkRecordID *string) error {
	var recordID sql.NullString
	if larkRecordID != nil {
		recordID = sql.NullString{String: *larkRecordID, Valid: true}
	}
	_, err := execer.Exec(`
		INSERT INTO processing_log (issue_key, jira_updated_time, processed_at, processing_result, lark_record_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(issue_key) DO UPDATE SET
			jira_updated_time = excluded.jira_updated_time,
			processed_at = excluded.processed_at,
			processing_result = excluded.processing_result,
			lark_record_id = excluded.lark_record_id
	`, key, jiraUpdated, processedAt, result, recordID)
	if err != nil {
		return fmt.Errorf("recording %s: %w", key, err)
	}
	return nil
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// BatchRecord upserts many rows in a single transaction, so a batch
// either lands whole or not at all.
func (s *Store) BatchRecord(rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting batch record transaction: %w", err)
	}
	if err := s.batchRecordTx(tx, rows); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) batchRecordTx(tx *sql.Tx, rows []Row) error {
	now := time.Now().UnixMilli()
	for _, r := range rows {
		var recordID *string
		if r.LarkRecordID.Valid {
			v := r.LarkRecordID.String
			recordID = &v
		}
		if err := s.recordLocked(tx, r.IssueKey, r.JiraUpdatedTime, now, r.ProcessingResult, recordID); err != nil {
			return err
		}
	}
	return nil
}

// Txn wraps a *sql.Tx for BatchRecordInTxn / StateManager's atomic
// execute-and-record sequence.
type Txn struct {
	tx *sql.Tx
}

// BeginTransaction opens a transaction callers may hold across
// multiple method calls (StateManager's atomic result recording).
func (s *Store) BeginTransaction() (*Txn, error) {
	s.mu.Lock()
	tx, err := s.db.Begin()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Txn{tx: tx}, nil
}

// Commit commits the transaction and releases the store lock.
func (t *Txn) Commit(s *Store) error {
	defer s.mu.Unlock()
	return t.tx.Commit()
}

// Rollback rolls the transaction back and releases the store lock.
func (t *Txn) Rollback(s *Store) error {
	defer s.mu.Unlock()
	return t.tx.Rollback()
}

// BatchRecordInTxn upserts rows reusing an externally managed
// transaction, rather than opening its own.
func (s *Store) BatchRecordInTxn(rows []Row, txn *Txn) error {
	return s.batchRecordTx(txn.tx, rows)
}

// MaxJiraUpdatedTime returns the maximum stored jira_updated_time, or
// nil if the table is empty.
func (s *Store) MaxJiraUpdatedTime() (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(jira_updated_time) FROM processing_log`).Scan(&max)
	if err != nil {
		return nil, fmt.Errorf("reading max jira updated time: %w", err)
	}
	if !max.Valid {
		return nil, nil
	}
	return &max.Int64, nil
}

// RowCount returns the number of rows currently stored, used by
// StateManager's cold-start detection.
func (s *Store) RowCount() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM processing_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting rows: %w", err)
	}
	return n, nil
}

// MaxProcessedAt returns the most recent processed_at, or nil if the
// table is empty.
func (s *Store) MaxProcessedAt() (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(processed_at) FROM processing_log`).Scan(&max); err != nil {
		return nil, fmt.Errorf("reading max processed_at: %w", err)
	}
	if !max.Valid {
		return nil, nil
	}
	return &max.Int64, nil
}

// ClearLocalCache deletes every row, used before a full rebuild
// (cold-start with clearCache=true, or full-update mode).
func (s *Store) ClearLocalCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM processing_log`); err != nil {
		return fmt.Errorf("clearing processing log: %w", err)
	}
	return nil
}

// CleanupOlderThan deletes rows whose processed_at predates now minus
// the given retention window, returning the rows deleted so the
// caller (pkg/archive) can archive them first if configured.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) ([]Row, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT issue_key, jira_updated_time, processed_at, processing_result, lark_record_id
		FROM processing_log WHERE processed_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("selecting stale rows: %w", err)
	}
	var stale []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.IssueKey, &r.JiraUpdatedTime, &r.ProcessedAt, &r.ProcessingResult, &r.LarkRecordID); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning stale row: %w", err)
		}
		stale = append(stale, r)
	}
	_ = rows.Close()

	if len(stale) == 0 {
		return nil, nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM processing_log WHERE processed_at < ?`, cutoff); err != nil {
		return stale, fmt.Errorf("deleting stale rows: %w", err)
	}
	return stale, nil
}

// Vacuum reclaims space after large deletes.
func (s *Store) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`VACUUM`)
	return err
}

// IssueLike is the minimal shape FilterByTimestamp needs from an
// issue: its key and raw (possibly unparsable) updated timestamp.
type IssueLike interface {
	Key() string
	Updated() string
}

// ParseJiraTimestamp parses JIRA's RFC-3339-with-millis-and-offset
// updated string into epoch milliseconds. Returns false if unparsable.
func ParseJiraTimestamp(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	layouts := []string{
		"2006-01-02T15:04:05.000-0700",
		"2006-01-02T15:04:05.000Z0700",
		time.RFC3339,
		time.RFC3339Nano,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// FilterByTimestamp keeps an issue iff its parsed updated time is
// strictly newer than the stored last-processed time, OR the
// timestamp is unparsable, OR the key is unknown — failing open so a
// formatting quirk never silently drops data.
func FilterByTimestamp[T IssueLike](s *Store, issues []T) ([]T, error) {
	var kept []T
	for _, issue := range issues {
		last, err := s.GetLastProcessedTime(issue.Key())
		if err != nil {
			return nil, fmt.Errorf("filtering %s: %w", issue.Key(), err)
		}
		if last == nil {
			kept = append(kept, issue)
			continue
		}
		ts, ok := ParseJiraTimestamp(issue.Updated())
		if !ok || ts > *last {
			kept = append(kept, issue)
		}
	}
	return kept, nil
}

// dbPathForTable builds the per-table file path convention:
// <data_directory>/processing_log_<table_id>.db.
func dbPathForTable(dataDirectory, tableID string) string {
	safe := strings.ReplaceAll(tableID, string(filepathSeparator), "_")
	return dataDirectory + string(filepathSeparator) + "processing_log_" + safe + ".db"
}

const filepathSeparator = '/'

// PathForTable is the exported form of dbPathForTable, used by
// StateManager to open/cache one Store per table.
func PathForTable(dataDirectory, tableID string) string {
	return dbPathForTable(dataDirectory, tableID)
}
