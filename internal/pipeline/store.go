package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS metrics_aggregated (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp         INTEGER NOT NULL,
	window_start      INTEGER NOT NULL,
	window_end        INTEGER NOT NULL,
	service_name      TEXT    NOT NULL DEFAULT '',
	endpoint          TEXT    NOT NULL DEFAULT '',
	metric_type       TEXT    NOT NULL,
	qps               REAL    NOT NULL,
	error_rate        REAL    NOT NULL,
	avg_response_time REAL    NOT NULL,
	p95_response_time REAL    NOT NULL,
	p99_response_time REAL    NOT NULL,
	total_requests    INTEGER NOT NULL,
	total_errors      INTEGER NOT NULL,
	additional_data   TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_ts ON metrics_aggregated(timestamp);
CREATE INDEX IF NOT EXISTS idx_metrics_type_ts ON metrics_aggregated(metric_type, timestamp);
CREATE INDEX IF NOT EXISTS idx_metrics_service_ts ON metrics_aggregated(service_name, timestamp);
CREATE INDEX IF NOT EXISTS idx_metrics_endpoint_ts ON metrics_aggregated(service_name, endpoint, timestamp);
CREATE INDEX IF NOT EXISTS idx_metrics_window_start ON metrics_aggregated(window_start);

CREATE TABLE IF NOT EXISTS alerts (
	id              TEXT    PRIMARY KEY,
	rule_id         TEXT    NOT NULL,
	rule_name       TEXT    NOT NULL,
	severity        TEXT    NOT NULL,
	metric          TEXT    NOT NULL,
	threshold       REAL    NOT NULL,
	value           REAL    NOT NULL,
	service_name    TEXT    NOT NULL DEFAULT '',
	api_endpoint    TEXT    NOT NULL DEFAULT '',
	status          TEXT    NOT NULL,
	message         TEXT    NOT NULL,
	triggered_at    INTEGER NOT NULL,
	acknowledged_at INTEGER,
	resolved_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_alerts_triggered ON alerts(triggered_at);
CREATE INDEX IF NOT EXISTS idx_alerts_unresolved ON alerts(triggered_at) WHERE resolved_at IS NULL;
`

// Metric type values stored in metrics_aggregated.
const (
	ScopeOverall  = "overall"
	ScopeService  = "service"
	ScopeEndpoint = "endpoint"
)

// MetricsRow is one flattened scope of a snapshot as persisted.
// AdditionalData holds optional JSON context for the row.
type MetricsRow struct {
	Timestamp      time.Time
	WindowStart    time.Time
	WindowEnd      time.Time
	Scope          string
	Service        string
	Endpoint       string
	Metrics        ScopeMetrics
	AdditionalData []byte
}

// MetricsFilter narrows a historical metrics query. Zero times mean
// unbounded; Limit <= 0 applies a default cap.
type MetricsFilter struct {
	Scope    string
	Service  string
	Endpoint string
	Start    time.Time
	End      time.Time
	Limit    int
}

// StoreStats is a point-in-time view of the store's write counters.
type StoreStats struct {
	PendingRows    int
	RowsWritten    int64
	BatchesFlushed int64
	FailedBatches  int64
}

// Store persists flattened snapshots to SQLite in batches. Writes are
// buffered and flushed when the batch fills or ages out, whichever
// comes first.
type Store struct {
	db   *sql.DB
	path string

	batchSize    int
	batchTimeout time.Duration

	mu        sync.Mutex
	pending   []MetricsRow
	oldestRow time.Time
	written   int64
	flushed   int64
	failed    int64
	now       func() time.Time
}

// OpenStore opens or creates the SQLite database at path with WAL mode.
func OpenStore(path string, batchSize int, batchTimeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// Limit SQLite page cache to ~2MB (negative = KB).
	if _, err := db.Exec("PRAGMA cache_size = -2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set cache_size: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{
		db:           db,
		path:         path,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		now:          time.Now,
	}, nil
}

// Close flushes any buffered rows and closes the database.
func (s *Store) Close() error {
	if err := s.ForceFlush(context.Background()); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// StoreSnapshot flattens a snapshot into one row per scope and buffers
// them, flushing if the batch is full or the oldest buffered row has
// aged past the batch timeout.
func (s *Store) StoreSnapshot(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		s.oldestRow = s.now()
	}

	extra, _ := json.Marshal(map[string]int{"active_buckets": snap.ActiveBuckets})
	s.pending = append(s.pending, MetricsRow{
		Timestamp:      snap.Timestamp,
		WindowStart:    snap.WindowStart,
		WindowEnd:      snap.WindowEnd,
		Scope:          ScopeOverall,
		Metrics:        snap.Overall,
		AdditionalData: extra,
	})
	for name, sm := range snap.Services {
		s.pending = append(s.pending, MetricsRow{
			Timestamp:   snap.Timestamp,
			WindowStart: snap.WindowStart,
			WindowEnd:   snap.WindowEnd,
			Scope:       ScopeService,
			Service:     name,
			Metrics:     sm,
		})
	}
	for key, em := range snap.Endpoints {
		s.pending = append(s.pending, MetricsRow{
			Timestamp:   snap.Timestamp,
			WindowStart: snap.WindowStart,
			WindowEnd:   snap.WindowEnd,
			Scope:       ScopeEndpoint,
			Service:     key.Service,
			Endpoint:    key.Endpoint,
			Metrics:     em,
		})
	}

	if len(s.pending) >= s.batchSize || s.now().Sub(s.oldestRow) >= s.batchTimeout {
		return s.flushLocked(ctx)
	}
	return nil
}

// ForceFlush writes out any buffered rows immediately.
func (s *Store) ForceFlush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	return s.flushLocked(ctx)
}

// flushLocked writes the pending batch in one transaction. The buffer is
// cleared whether the write succeeds or not; a failed batch is dropped
// and counted. Caller holds s.mu.
func (s *Store) flushLocked(ctx context.Context) error {
	rows := s.pending
	s.pending = nil

	err := s.insertRows(ctx, rows)
	if err != nil {
		s.failed++
		return fmt.Errorf("flush %d rows: %w", len(rows), err)
	}
	s.written += int64(len(rows))
	s.flushed++
	return nil
}

func (s *Store) insertRows(ctx context.Context, rows []MetricsRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_aggregated
		 (timestamp, window_start, window_end, service_name, endpoint, metric_type,
		  qps, error_rate, avg_response_time, p95_response_time, p99_response_time,
		  total_requests, total_errors, additional_data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		m := r.Metrics
		var extra any
		if len(r.AdditionalData) > 0 {
			extra = string(r.AdditionalData)
		}
		if _, err := stmt.ExecContext(ctx, r.Timestamp.Unix(), r.WindowStart.Unix(),
			r.WindowEnd.Unix(), r.Service, r.Endpoint, r.Scope,
			m.QPS, m.ErrorRate, m.AvgResponseTime, m.P95ResponseTime,
			m.P99ResponseTime, m.TotalRequests, m.TotalErrors, extra); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// InsertAlert records a newly triggered alert.
func (s *Store) InsertAlert(ctx context.Context, a *Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts
		 (id, rule_id, rule_name, severity, metric, threshold, value,
		  service_name, api_endpoint, status, message, triggered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RuleID, a.RuleName, string(a.Severity), a.Metric, a.Threshold, a.Value,
		a.Service, a.Endpoint, string(a.Status), a.Message, a.TriggeredAt.Unix())
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// UpdateAlert records a lifecycle change (acknowledged or resolved).
func (s *Store) UpdateAlert(ctx context.Context, a *Alert) error {
	var acked, resolved any
	if a.AcknowledgedAt != nil {
		acked = a.AcknowledgedAt.Unix()
	}
	if a.ResolvedAt != nil {
		resolved = a.ResolvedAt.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ?, value = ?, acknowledged_at = ?, resolved_at = ? WHERE id = ?`,
		string(a.Status), a.Value, acked, resolved, a.ID)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	return nil
}

// QueryMetrics returns persisted rows matching the filter, newest first.
func (s *Store) QueryMetrics(ctx context.Context, f MetricsFilter) ([]MetricsRow, error) {
	q := `SELECT timestamp, window_start, window_end, service_name, endpoint, metric_type,
	             qps, error_rate, avg_response_time, p95_response_time, p99_response_time,
	             total_requests, total_errors, additional_data
	      FROM metrics_aggregated WHERE 1=1`
	var args []any

	if f.Scope != "" {
		q += " AND metric_type = ?"
		args = append(args, f.Scope)
	}
	if f.Service != "" {
		q += " AND service_name = ?"
		args = append(args, f.Service)
	}
	if f.Endpoint != "" {
		q += " AND endpoint = ?"
		args = append(args, f.Endpoint)
	}
	if !f.Start.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Start.Unix())
	}
	if !f.End.IsZero() {
		q += " AND timestamp <= ?"
		args = append(args, f.End.Unix())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricsRow
	for rows.Next() {
		var r MetricsRow
		var ts, ws, we int64
		var extra sql.NullString
		if err := rows.Scan(&ts, &ws, &we, &r.Service, &r.Endpoint, &r.Scope,
			&r.Metrics.QPS, &r.Metrics.ErrorRate, &r.Metrics.AvgResponseTime,
			&r.Metrics.P95ResponseTime, &r.Metrics.P99ResponseTime,
			&r.Metrics.TotalRequests, &r.Metrics.TotalErrors, &extra); err != nil {
			return nil, fmt.Errorf("scan metrics row: %w", err)
		}
		r.Timestamp = time.Unix(ts, 0)
		r.WindowStart = time.Unix(ws, 0)
		r.WindowEnd = time.Unix(we, 0)
		if extra.Valid {
			r.AdditionalData = []byte(extra.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// QueryAlerts returns persisted alerts triggered inside [start, end],
// newest first.
func (s *Store) QueryAlerts(ctx context.Context, start, end time.Time, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_id, rule_name, severity, metric, threshold, value,
		        service_name, api_endpoint, status, message, triggered_at,
		        acknowledged_at, resolved_at
		 FROM alerts WHERE triggered_at >= ? AND triggered_at <= ?
		 ORDER BY triggered_at DESC LIMIT ?`,
		start.Unix(), end.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		var sev, status string
		var triggered int64
		var acked, resolved sql.NullInt64
		if err := rows.Scan(&a.ID, &a.RuleID, &a.RuleName, &sev, &a.Metric, &a.Threshold,
			&a.Value, &a.Service, &a.Endpoint, &status, &a.Message, &triggered,
			&acked, &resolved); err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		a.Severity = Severity(sev)
		a.Status = AlertStatus(status)
		a.TriggeredAt = time.Unix(triggered, 0)
		if acked.Valid {
			t := time.Unix(acked.Int64, 0)
			a.AcknowledgedAt = &t
		}
		if resolved.Valid {
			t := time.Unix(resolved.Int64, 0)
			a.ResolvedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Cleanup deletes rows older than the retention period.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) error {
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour).Unix()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM metrics_aggregated WHERE timestamp < ?", cutoff); err != nil {
		return fmt.Errorf("cleanup metrics: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM alerts WHERE triggered_at < ?", cutoff); err != nil {
		return fmt.Errorf("cleanup alerts: %w", err)
	}
	return nil
}

// Stats returns the store's write counters.
func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreStats{
		PendingRows:    len(s.pending),
		RowsWritten:    s.written,
		BatchesFlushed: s.flushed,
		FailedBatches:  s.failed,
	}
}
