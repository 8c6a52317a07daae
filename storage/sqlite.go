package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"rare_birds/models"
)

// SQLiteStore keeps the operator-facing run history. Nothing in it feeds back
// into the snapshot.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scrape_runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME,
		finished_at DATETIME,
		status TEXT,
		source_used TEXT,
		sightings_found INTEGER,
		sightings_saved INTEGER,
		dropped INTEGER,
		duplicates INTEGER,
		errors_count INTEGER
	);

	CREATE TABLE IF NOT EXISTS scrape_logs (
		id INTEGER PRIMARY KEY,
		run_id TEXT,
		timestamp DATETIME,
		level TEXT,
		message TEXT,
		stage TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_logs_run ON scrape_logs(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON scrape_runs(status, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun inserts a run, assigning a new id when it has none.
func (s *SQLiteStore) CreateRun(run *models.ScrapeRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.SourceUsed == "" {
		run.SourceUsed = models.SourceNone
	}
	_, err := s.db.Exec(`
		INSERT INTO scrape_runs (id, started_at, status, source_used, sightings_found,
			sightings_saved, dropped, duplicates, errors_count)
		VALUES (?, ?, ?, ?, 0, 0, 0, 0, 0)`,
		run.ID, run.StartedAt, run.Status, run.SourceUsed)
	return err
}

func (s *SQLiteStore) UpdateRun(run *models.ScrapeRun) error {
	_, err := s.db.Exec(`
		UPDATE scrape_runs SET finished_at = ?, status = ?, source_used = ?, sightings_found = ?,
			sightings_saved = ?, dropped = ?, duplicates = ?, errors_count = ?
		WHERE id = ?`,
		run.FinishedAt, run.Status, run.SourceUsed, run.SightingsFound,
		run.SightingsSaved, run.Dropped, run.Duplicates, run.ErrorsCount, run.ID)
	return err
}

func (s *SQLiteStore) Log(runID string, level models.LogLevel, message, stage string) error {
	_, err := s.db.Exec(`
		INSERT INTO scrape_logs (run_id, timestamp, level, message, stage)
		VALUES (?, ?, ?, ?, ?)`,
		runID, time.Now(), level, message, stage)
	return err
}

// RecentRuns returns the newest runs first.
func (s *SQLiteStore) RecentRuns(limit int) ([]models.ScrapeRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, status, source_used, sightings_found,
			sightings_saved, dropped, duplicates, errors_count
		FROM scrape_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.ScrapeRun
	for rows.Next() {
		var r models.ScrapeRun
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &r.Status, &r.SourceUsed,
			&r.SightingsFound, &r.SightingsSaved, &r.Dropped, &r.Duplicates, &r.ErrorsCount); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) GetLogs(runID string) ([]models.ScrapeLog, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, timestamp, level, message, stage
		FROM scrape_logs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.ScrapeLog
	for rows.Next() {
		var l models.ScrapeLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &l.Level, &l.Message, &l.Stage); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
