package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/custos/pkg/metrics"
)

// AuditStore persists the operations core's audit trail in SQLite.
type AuditStore struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and ensures schema.
func Open(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return NewAuditStore(db)
}

// NewAuditStore wraps an existing database handle and ensures schema.
func NewAuditStore(db *sql.DB) (*AuditStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureAuditSchema(db); err != nil {
		return nil, err
	}
	return &AuditStore{db: db}, nil
}

// DB exposes the underlying handle for maintenance actions (vacuum).
func (s *AuditStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

// SaveSnapshot appends a metrics snapshot, returning its assigned id.
// anomalies may be nil on ticks without analysis.
func (s *AuditStore) SaveSnapshot(ctx context.Context, snap metrics.Snapshot, anomalies []map[string]interface{}) (int64, error) {
	metricsJSON, err := json.Marshal(snap.ToMap())
	if err != nil {
		return 0, err
	}
	var anomaliesJSON interface{}
	if anomalies != nil {
		encoded, err := json.Marshal(anomalies)
		if err != nil {
			return 0, err
		}
		anomaliesJSON = string(encoded)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO health_snapshots (timestamp, metrics_json, anomalies_json)
		VALUES (?, ?, ?)
	`, snap.Timestamp.UTC(), string(metricsJSON), anomaliesJSON)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetSnapshots returns snapshots in [start, end] ordered oldest first.
// limit defaults to 1000 when non-positive.
func (s *AuditStore) GetSnapshots(ctx context.Context, start, end time.Time, limit int) ([]metrics.Snapshot, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, metrics_json FROM health_snapshots
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, id ASC
		LIMIT ?
	`, start.UTC(), end.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []metrics.Snapshot
	for rows.Next() {
		var (
			id      int64
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		snap, err := decodeSnapshot(id, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// GetLatestSnapshot returns the most recent snapshot, or nil when empty.
func (s *AuditStore) GetLatestSnapshot(ctx context.Context) (*metrics.Snapshot, error) {
	var (
		id      int64
		payload string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, metrics_json FROM health_snapshots
		ORDER BY timestamp DESC, id DESC LIMIT 1
	`).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap, err := decodeSnapshot(id, payload)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// PruneOldSnapshots deletes snapshots older than days (default 30) and
// returns the number of deleted rows.
func (s *AuditStore) PruneOldSnapshots(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, `DELETE FROM health_snapshots WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(deleted), nil
}

// SaveDailyReport upserts the report keyed by its date.
func (s *AuditStore) SaveDailyReport(ctx context.Context, report DailyReport) error {
	summaryJSON, err := json.Marshal(report.Summary)
	if err != nil {
		return err
	}
	recsJSON, err := json.Marshal(report.Recommendations)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO health_daily_reports (date, summary_json, recommendations_json, overall_score)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			summary_json = excluded.summary_json,
			recommendations_json = excluded.recommendations_json,
			overall_score = excluded.overall_score
	`, report.Date, string(summaryJSON), string(recsJSON), report.OverallScore)
	return err
}

// GetDailyReport returns the report for date (YYYY-MM-DD), or nil.
func (s *AuditStore) GetDailyReport(ctx context.Context, date string) (*DailyReport, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, date, summary_json, recommendations_json, overall_score
		FROM health_daily_reports WHERE date = ?
	`, date)
	report, err := scanDailyReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// GetDailyReports returns reports with start <= date <= end, oldest first.
func (s *AuditStore) GetDailyReports(ctx context.Context, start, end string) ([]DailyReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, date, summary_json, recommendations_json, overall_score
		FROM health_daily_reports
		WHERE date >= ? AND date <= ?
		ORDER BY date ASC
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyReport
	for rows.Next() {
		report, err := scanDailyReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, report)
	}
	return out, rows.Err()
}

// SaveHealingAction appends a healing action and returns its id.
func (s *AuditStore) SaveHealingAction(ctx context.Context, action HealingAction) (int64, error) {
	detailsJSON, err := json.Marshal(action.Details)
	if err != nil {
		return 0, err
	}
	ts := action.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO health_healing_actions (timestamp, action_type, "trigger", result, details_json)
		VALUES (?, ?, ?, ?, ?)
	`, ts.UTC(), action.ActionType, action.Trigger, action.Result, string(detailsJSON))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetHealingActions returns actions in [start, end], newest first.
// limit defaults to 100 when non-positive.
func (s *AuditStore) GetHealingActions(ctx context.Context, start, end time.Time, limit int) ([]HealingAction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, action_type, "trigger", result, details_json
		FROM health_healing_actions
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, start.UTC(), end.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HealingAction
	for rows.Next() {
		action, err := scanHealingAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

// GetRecentHealingAction returns the most recent action of the given type
// within the window, or nil. within defaults to 300 seconds.
func (s *AuditStore) GetRecentHealingAction(ctx context.Context, actionType string, within time.Duration) (*HealingAction, error) {
	if within <= 0 {
		within = 300 * time.Second
	}
	cutoff := time.Now().UTC().Add(-within)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, action_type, "trigger", result, details_json
		FROM health_healing_actions
		WHERE action_type = ? AND timestamp >= ?
		ORDER BY timestamp DESC, id DESC LIMIT 1
	`, actionType, cutoff)
	action, err := scanHealingAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &action, nil
}

// CreateIncident opens a new incident and returns its id.
func (s *AuditStore) CreateIncident(ctx context.Context, incident Incident) (int64, error) {
	start := incident.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	severity := incident.Severity
	if severity == "" {
		severity = SeverityLow
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO health_incidents (start_time, severity, description, resolved)
		VALUES (?, ?, ?, 0)
	`, start.UTC(), string(severity), incident.Description)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ResolveIncident marks an incident resolved with the given resolution.
func (s *AuditStore) ResolveIncident(ctx context.Context, id int64, resolution string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE health_incidents
		SET resolved = 1, end_time = ?, resolution = ?
		WHERE id = ?
	`, time.Now().UTC(), resolution, id)
	return err
}

// GetOpenIncidents returns unresolved incidents, oldest first.
func (s *AuditStore) GetOpenIncidents(ctx context.Context) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, start_time, end_time, severity, description, resolved, resolution
		FROM health_incidents
		WHERE resolved = 0
		ORDER BY start_time ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var (
			incident   Incident
			endTime    sql.NullTime
			severity   string
			resolution sql.NullString
		)
		if err := rows.Scan(&incident.ID, &incident.StartTime, &endTime, &severity,
			&incident.Description, &incident.Resolved, &resolution); err != nil {
			return nil, err
		}
		incident.Severity = SeverityFromString(severity)
		if endTime.Valid {
			t := endTime.Time
			incident.EndTime = &t
		}
		if resolution.Valid {
			incident.Resolution = resolution.String
		}
		out = append(out, incident)
	}
	return out, rows.Err()
}

// SaveUpdateRecord appends an update history row and returns its id.
func (s *AuditStore) SaveUpdateRecord(ctx context.Context, record UpdateRecord) (int64, error) {
	var healthJSON interface{}
	if record.HealthCheckResult != nil {
		encoded, err := json.Marshal(record.HealthCheckResult)
		if err != nil {
			return 0, err
		}
		healthJSON = string(encoded)
	}
	ts := record.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	status := record.Status
	if status == "" {
		status = UpdateChecking
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO update_history (timestamp, version, previous_version, git_sha, status, health_check_result_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ts.UTC(), record.Version, record.PreviousVersion, record.GitSHA, string(status), healthJSON)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateUpdateStatus advances an update row's status, optionally attaching
// the health check result.
func (s *AuditStore) UpdateUpdateStatus(ctx context.Context, id int64, status UpdateStatus, healthCheckResult map[string]interface{}) error {
	if healthCheckResult == nil {
		_, err := s.db.ExecContext(ctx, `
			UPDATE update_history SET status = ? WHERE id = ?
		`, string(status), id)
		return err
	}
	encoded, err := json.Marshal(healthCheckResult)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE update_history SET status = ?, health_check_result_json = ? WHERE id = ?
	`, string(status), string(encoded), id)
	return err
}

// GetLatestUpdate returns the most recent update record, or nil.
func (s *AuditStore) GetLatestUpdate(ctx context.Context) (*UpdateRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, version, previous_version, git_sha, status, health_check_result_json
		FROM update_history
		ORDER BY timestamp DESC, id DESC LIMIT 1
	`)
	record, err := scanUpdateRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetUpdateHistory returns update records, newest first.
// limit defaults to 20 when non-positive.
func (s *AuditStore) GetUpdateHistory(ctx context.Context, limit int) ([]UpdateRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, version, previous_version, git_sha, status, health_check_result_json
		FROM update_history
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UpdateRecord
	for rows.Next() {
		record, err := scanUpdateRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func decodeSnapshot(id int64, payload string) (metrics.Snapshot, error) {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return metrics.Snapshot{}, err
	}
	snap := metrics.SnapshotFromMap(m)
	snap.ID = id
	return snap, nil
}

func scanDailyReport(row rowScanner) (DailyReport, error) {
	var (
		report   DailyReport
		summary  string
		recsJSON string
	)
	if err := row.Scan(&report.ID, &report.Date, &summary, &recsJSON, &report.OverallScore); err != nil {
		return DailyReport{}, err
	}
	if summary != "" {
		if err := json.Unmarshal([]byte(summary), &report.Summary); err != nil {
			return DailyReport{}, err
		}
	}
	if recsJSON != "" {
		if err := json.Unmarshal([]byte(recsJSON), &report.Recommendations); err != nil {
			return DailyReport{}, err
		}
	}
	return report, nil
}

func scanHealingAction(row rowScanner) (HealingAction, error) {
	var (
		action  HealingAction
		details string
	)
	if err := row.Scan(&action.ID, &action.Timestamp, &action.ActionType,
		&action.Trigger, &action.Result, &details); err != nil {
		return HealingAction{}, err
	}
	if details != "" {
		if err := json.Unmarshal([]byte(details), &action.Details); err != nil {
			return HealingAction{}, err
		}
	}
	return action, nil
}

func scanUpdateRecord(row rowScanner) (UpdateRecord, error) {
	var (
		record UpdateRecord
		status string
		health sql.NullString
	)
	if err := row.Scan(&record.ID, &record.Timestamp, &record.Version,
		&record.PreviousVersion, &record.GitSHA, &status, &health); err != nil {
		return UpdateRecord{}, err
	}
	record.Status = UpdateStatusFromString(status)
	if health.Valid && health.String != "" {
		if err := json.Unmarshal([]byte(health.String), &record.HealthCheckResult); err != nil {
			return UpdateRecord{}, err
		}
	}
	return record, nil
}

func ensureAuditSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS health_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			metrics_json TEXT NOT NULL,
			anomalies_json TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_health_snapshots_ts ON health_snapshots(timestamp);

		CREATE TABLE IF NOT EXISTS health_daily_reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			date TEXT NOT NULL UNIQUE,
			summary_json TEXT,
			recommendations_json TEXT,
			overall_score REAL
		);

		CREATE TABLE IF NOT EXISTS health_healing_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			action_type TEXT NOT NULL,
			"trigger" TEXT,
			result TEXT NOT NULL,
			details_json TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_healing_actions_type ON health_healing_actions(action_type, timestamp);

		CREATE TABLE IF NOT EXISTS health_incidents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP,
			severity TEXT NOT NULL,
			description TEXT,
			resolved BOOLEAN NOT NULL DEFAULT 0,
			resolution TEXT
		);

		CREATE TABLE IF NOT EXISTS update_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			version TEXT NOT NULL,
			previous_version TEXT,
			git_sha TEXT,
			status TEXT NOT NULL,
			health_check_result_json TEXT
		);
	`)
	return err
}
