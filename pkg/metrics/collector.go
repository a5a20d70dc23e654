// Package metrics records session- and table-level sync counters to an
// embedded store, plus Prometheus gauges mirroring those counters for
// scrape-based observability. Writes are non-critical: a storage fault
// here is logged and swallowed, never propagated, so metrics can never
// fail a sync cycle.
package metrics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/practo/klog/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "modernc.org/sqlite"
)

// SessionMetrics is one row of sync_session_metrics: a single
// Coordinator.syncAllTeams run.
type SessionMetrics struct {
	SessionID    string
	StartedAt    int64
	FinishedAt   int64
	TeamsSynced  int
	TablesSynced int
	TablesFailed int
}

// TableMetrics is one row of table_metrics: a single table's sync cycle.
type TableMetrics struct {
	ID         string
	Team       string
	TableID    string
	StartedAt  int64
	FinishedAt int64
	Success    bool
	Created    int
	Updated    int
	Failed     int
	IsCold     bool
	Error      string
}

var (
	successGauge = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "larksync_table_sync_success_total",
		Help: "Number of successful table sync cycles.",
	}, []string{"team", "table"})
	failureGauge = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "larksync_table_sync_failure_total",
		Help: "Number of failed table sync cycles.",
	}, []string{"team", "table"})
	lastSyncGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "larksync_last_sync_timestamp",
		Help: "Unix timestamp (seconds) of the last completed sync cycle per table.",
	}, []string{"team", "table"})
)

func init() {
	prometheus.MustRegister(successGauge, failureGauge, lastSyncGauge)
}

// Collector is backed by one sqlite file at
// <data_directory>/sync_metrics.db.
type Collector struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) the metrics store at path.
func Open(path string) (*Collector, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening metrics store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	c := &Collector{db: db}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Collector) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sync_session_metrics (
			session_id TEXT PRIMARY KEY,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL DEFAULT 0,
			teams_synced INTEGER NOT NULL DEFAULT 0,
			tables_synced INTEGER NOT NULL DEFAULT 0,
			tables_failed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS table_metrics (
			id TEXT PRIMARY KEY,
			team TEXT NOT NULL,
			table_id TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 0,
			created INTEGER NOT NULL DEFAULT 0,
			updated INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			is_cold INTEGER NOT NULL DEFAULT 0,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_table_metrics_table ON table_metrics(team, table_id)`,
		`CREATE INDEX IF NOT EXISTS idx_table_metrics_finished ON table_metrics(finished_at)`,
	}
	for _, m := range migrations {
		if _, err := c.db.Exec(m); err != nil {
			return fmt.Errorf("migrating metrics store: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (c *Collector) Close() error {
	return c.db.Close()
}

// NewSession allocates a session id for one Coordinator.syncAllTeams run
// and records its start. A storage fault here is logged, not returned,
// so metrics never block a sync cycle.
func (c *Collector) NewSession() string {
	id := uuid.NewString()
	c.mu.Lock()
	_, err := c.db.Exec(
		`INSERT INTO sync_session_metrics (session_id, started_at) VALUES (?, ?)`,
		id, time.Now().UnixMilli(),
	)
	c.mu.Unlock()
	if err != nil {
		klog.Warningf("metrics: recording session start for %s: %v", id, err)
	}
	return id
}

// FinishSession records the outcome of a Coordinator run.
func (c *Collector) FinishSession(sessionID string, teamsSynced, tablesSynced, tablesFailed int) {
	c.mu.Lock()
	_, err := c.db.Exec(`
		UPDATE sync_session_metrics
		SET finished_at = ?, teams_synced = ?, tables_synced = ?, tables_failed = ?
		WHERE session_id = ?
	`, time.Now().UnixMilli(), teamsSynced, tablesSynced, tablesFailed, sessionID)
	c.mu.Unlock()
	if err != nil {
		klog.Warningf("metrics: recording session finish for %s: %v", sessionID, err)
	}
}

// RecordTable records one table sync cycle's outcome, both to the
// embedded store and to the Prometheus gauges served by Serve.
func (c *Collector) RecordTable(m TableMetrics) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.FinishedAt == 0 {
		m.FinishedAt = time.Now().UnixMilli()
	}

	success := 0
	if m.Success {
		success = 1
	}
	isCold := 0
	if m.IsCold {
		isCold = 1
	}

	c.mu.Lock()
	_, err := c.db.Exec(`
		INSERT INTO table_metrics (id, team, table_id, started_at, finished_at, success, created, updated, failed, is_cold, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Team, m.TableID, m.StartedAt, m.FinishedAt, success, m.Created, m.Updated, m.Failed, isCold, m.Error)
	c.mu.Unlock()
	if err != nil {
		klog.Warningf("metrics: recording table metrics for %s/%s: %v", m.Team, m.TableID, err)
	}

	if m.Success {
		successGauge.WithLabelValues(m.Team, m.TableID).Inc()
	} else {
		failureGauge.WithLabelValues(m.Team, m.TableID).Inc()
	}
	lastSyncGauge.WithLabelValues(m.Team, m.TableID).Set(float64(m.FinishedAt / 1000))
}

// Summary aggregates table_metrics over the last N days.
type Summary struct {
	Days      int
	Syncs     int
	Successes int
	Failures  int
	Created   int
	Updated   int
}

// SummaryOverDays computes a Summary over the trailing N days.
func (c *Collector) SummaryOverDays(days int) (Summary, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{Days: days}
	row := c.db.QueryRow(`
		SELECT COUNT(*),
			SUM(success),
			SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
			SUM(created),
			SUM(updated)
		FROM table_metrics WHERE finished_at >= ?
	`, cutoff)

	var successes, created, updated sql.NullInt64
	var failures sql.NullInt64
	if err := row.Scan(&s.Syncs, &successes, &failures, &created, &updated); err != nil {
		return s, fmt.Errorf("summarizing metrics: %w", err)
	}
	s.Successes = int(successes.Int64)
	s.Failures = int(failures.Int64)
	s.Created = int(created.Int64)
	s.Updated = int(updated.Int64)
	return s, nil
}

// TableReport is one table's metrics history, most recent first.
type TableReport struct {
	Team    string
	TableID string
	Runs    []TableMetrics
}

// Report returns the most recent `limit` table_metrics rows for
// team/tableID.
func (c *Collector) Report(team, tableID string, limit int) (TableReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(`
		SELECT id, team, table_id, started_at, finished_at, success, created, updated, failed, is_cold, error
		FROM table_metrics WHERE team = ? AND table_id = ?
		ORDER BY finished_at DESC LIMIT ?
	`, team, tableID, limit)
	if err != nil {
		return TableReport{}, fmt.Errorf("reading table report for %s/%s: %w", team, tableID, err)
	}
	defer func() { _ = rows.Close() }()

	report := TableReport{Team: team, TableID: tableID}
	for rows.Next() {
		var m TableMetrics
		var success, isCold int
		var errStr sql.NullString
		if err := rows.Scan(&m.ID, &m.Team, &m.TableID, &m.StartedAt, &m.FinishedAt, &success, &m.Created, &m.Updated, &m.Failed, &isCold, &errStr); err != nil {
			return TableReport{}, fmt.Errorf("scanning table report row: %w", err)
		}
		m.Success = success != 0
		m.IsCold = isCold != 0
		m.Error = errStr.String
		report.Runs = append(report.Runs, m)
	}
	return report, nil
}

// ExportJSON dumps the last `limit` table_metrics rows as JSON, most
// recent first.
func (c *Collector) ExportJSON(limit int) ([]byte, error) {
	c.mu.Lock()
	rows, err := c.db.Query(`
		SELECT id, team, table_id, started_at, finished_at, success, created, updated, failed, is_cold, error
		FROM table_metrics ORDER BY finished_at DESC LIMIT ?
	`, limit)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("exporting metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var all []TableMetrics
	for rows.Next() {
		var m TableMetrics
		var success, isCold int
		var errStr sql.NullString
		if err := rows.Scan(&m.ID, &m.Team, &m.TableID, &m.StartedAt, &m.FinishedAt, &success, &m.Created, &m.Updated, &m.Failed, &isCold, &errStr); err != nil {
			return nil, fmt.Errorf("scanning export row: %w", err)
		}
		m.Success = success != 0
		m.IsCold = isCold != 0
		m.Error = errStr.String
		all = append(all, m)
	}
	return json.MarshalIndent(all, "", "  ")
}

// CleanupOlderThan deletes session and table metrics rows older than
// the retention window, mirroring processinglog.CleanupOlderThan's
// contract so pkg/archive can audit them first.
func (c *Collector) CleanupOlderThan(days int) ([]TableMetrics, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(`
		SELECT id, team, table_id, started_at, finished_at, success, created, updated, failed, is_cold, error
		FROM table_metrics WHERE finished_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("selecting stale table metrics: %w", err)
	}
	var stale []TableMetrics
	for rows.Next() {
		var m TableMetrics
		var success, isCold int
		var errStr sql.NullString
		if err := rows.Scan(&m.ID, &m.Team, &m.TableID, &m.StartedAt, &m.FinishedAt, &success, &m.Created, &m.Updated, &m.Failed, &isCold, &errStr); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning stale table metrics row: %w", err)
		}
		m.Success = success != 0
		m.IsCold = isCold != 0
		m.Error = errStr.String
		stale = append(stale, m)
	}
	_ = rows.Close()

	if len(stale) > 0 {
		if _, err := c.db.Exec(`DELETE FROM table_metrics WHERE finished_at < ?`, cutoff); err != nil {
			return stale, fmt.Errorf("deleting stale table metrics: %w", err)
		}
	}
	if _, err := c.db.Exec(`DELETE FROM sync_session_metrics WHERE finished_at < ? AND finished_at > 0`, cutoff); err != nil {
		return stale, fmt.Errorf("deleting stale session metrics: %w", err)
	}
	return stale, nil
}

// Serve starts the Prometheus /metrics and /status endpoints on addr.
// It blocks and should be run in its own goroutine.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	klog.Infof("starting metrics endpoint on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		klog.Errorf("metrics endpoint stopped: %v", err)
	}
}
