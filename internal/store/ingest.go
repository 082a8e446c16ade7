package store

import (
	"database/sql"
	"fmt"
	"time"
)

// IngestRun represents a single API fetch operation for auditing.
type IngestRun struct {
	ID                int64
	StartedAt         time.Time
	FinishedAt        sql.NullTime
	Source            string // "asos", "forecast_ultra", "forecast_short"
	Endpoint          string
	EntityID          sql.NullString // station id or "nx_ny"
	WindowID          sql.NullString // year or "baseDate/baseTime"
	HTTPStatus        sql.NullInt64
	ResponseSizeBytes sql.NullInt64
	RecordsParsed     sql.NullInt64
	RecordsStored     sql.NullInt64
	ParseErrors       sql.NullInt64
	Success           bool
	ErrorMessage      sql.NullString
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(source, endpoint, entityID, windowID string) (*IngestRun, error) {
	run := &IngestRun{
		StartedAt: s.now(),
		Source:    source,
		Endpoint:  endpoint,
		EntityID:  nullString(entityID),
		WindowID:  nullString(windowID),
	}

	result, err := s.db.Exec(`
		INSERT INTO ingest_runs (started_at, source, endpoint, entity_id, window_id, success)
		VALUES (?, ?, ?, ?, ?, FALSE)
	`, formatTime(run.StartedAt), run.Source, run.Endpoint, run.EntityID, run.WindowID)
	if err != nil {
		return nil, fmt.Errorf("insert ingest run: %w", err)
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteIngestRun updates the ingest run with results.
func (s *Store) CompleteIngestRun(run *IngestRun) error {
	if run == nil {
		return nil
	}

	finished := s.now()
	run.FinishedAt = sql.NullTime{Time: finished, Valid: true}

	_, err := s.db.Exec(`
		UPDATE ingest_runs SET
			finished_at = ?,
			http_status = ?,
			response_size_bytes = ?,
			records_parsed = ?,
			records_stored = ?,
			parse_errors = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, formatTime(finished), run.HTTPStatus, run.ResponseSizeBytes, run.RecordsParsed,
		run.RecordsStored, run.ParseErrors, run.Success, run.ErrorMessage, run.ID)
	return err
}

// IngestHealthSummary represents a daily ingest health summary.
type IngestHealthSummary struct {
	Date             string
	Source           string
	Endpoint         string
	TotalRuns        int
	SuccessRuns      int
	FailedRuns       int
	TotalRecords     int64
	TotalParseErrors int64
}

// GetIngestHealth returns ingest health summaries for the last N days.
func (s *Store) GetIngestHealth(days int) ([]IngestHealthSummary, error) {
	cutoff := formatTime(s.now().AddDate(0, 0, -days))
	rows, err := s.db.Query(`
		SELECT
			SUBSTR(started_at, 1, 10) as date,
			source,
			endpoint,
			COUNT(*) as total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) as failed_runs,
			COALESCE(SUM(records_stored), 0) as total_records,
			COALESCE(SUM(parse_errors), 0) as total_parse_errors
		FROM ingest_runs
		WHERE started_at > ?
		GROUP BY date, source, endpoint
		ORDER BY date DESC, source, endpoint
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestHealthSummary
	for rows.Next() {
		var h IngestHealthSummary
		if err := rows.Scan(&h.Date, &h.Source, &h.Endpoint, &h.TotalRuns,
			&h.SuccessRuns, &h.FailedRuns, &h.TotalRecords, &h.TotalParseErrors); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentIngestErrors returns recent failed ingest runs, newest first.
func (s *Store) GetRecentIngestErrors(limit int) ([]IngestRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, source, endpoint, entity_id, window_id,
			   http_status, response_size_bytes, records_parsed, records_stored,
			   parse_errors, success, error_message
		FROM ingest_runs
		WHERE success = FALSE
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var (
			r        IngestRun
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.Source, &r.Endpoint,
			&r.EntityID, &r.WindowID, &r.HTTPStatus, &r.ResponseSizeBytes,
			&r.RecordsParsed, &r.RecordsStored, &r.ParseErrors, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if finished.Valid {
			t, err := parseTime(finished.String)
			if err != nil {
				return nil, fmt.Errorf("parse finished_at: %w", err)
			}
			r.FinishedAt = sql.NullTime{Time: t, Valid: true}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CleanupOldIngestRuns deletes ingest runs older than retentionDays along
// with their payloads. Returns the number of runs deleted.
func (s *Store) CleanupOldIngestRuns(retentionDays int) (int64, error) {
	cutoff := formatTime(s.now().AddDate(0, 0, -retentionDays))

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM raw_payloads
		WHERE ingest_run_id IN (SELECT id FROM ingest_runs WHERE started_at < ?)
	`, cutoff); err != nil {
		return 0, fmt.Errorf("delete payloads: %w", err)
	}
	result, err := tx.Exec(`DELETE FROM ingest_runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
