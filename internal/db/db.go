package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mbakio/mbak/pkg/models"
)

// DB represents a database connection
type DB struct {
	*sql.DB
}

// New opens (and initializes if needed) the database at dbPath.
func New(dbPath string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	db := &DB{sqlDB}
	if err := db.initialize(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

// initialize creates the necessary tables if they don't exist
func (db *DB) initialize() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			name TEXT PRIMARY KEY,
			source_path TEXT,
			exclusions TEXT,
			scratch_dir TEXT,
			endpoint TEXT,
			bucket TEXT,
			prefix TEXT,
			use_ssl INTEGER,
			cleanup_on_failure INTEGER,
			timeout_seconds INTEGER
		);
		CREATE TABLE IF NOT EXISTS runs (
			project_name TEXT,
			timestamp TEXT,
			state TEXT,
			object_key TEXT,
			archive_size INTEGER,
			started_at DATETIME,
			duration_ms INTEGER,
			error TEXT,
			kept_archive TEXT,
			PRIMARY KEY (project_name, timestamp)
		);
		CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(project_name, state);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA temp_store=MEMORY;
	`)
	return err
}

// CreateProject persists a new project configuration.
func (db *DB) CreateProject(project *models.Project) error {
	exclusions, err := json.Marshal(project.Exclusions)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO projects (name, source_path, exclusions, scratch_dir, endpoint, bucket, prefix, use_ssl, cleanup_on_failure, timeout_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		project.Name,
		project.SourcePath,
		string(exclusions),
		project.ScratchDir,
		project.Destination.Endpoint,
		project.Destination.Bucket,
		project.Destination.Prefix,
		boolToInt(project.Destination.UseSSL),
		boolToInt(project.CleanupOnFailure),
		int64(project.Timeout/time.Second),
	)
	return err
}

// GetProject retrieves a project by name
func (db *DB) GetProject(name string) (*models.Project, error) {
	var project models.Project
	var exclusions string
	var useSSL, cleanupOnFailure int
	var timeoutSeconds int64
	err := db.QueryRow(`
		SELECT name, source_path, exclusions, scratch_dir, endpoint, bucket, prefix, use_ssl, cleanup_on_failure, timeout_seconds
		FROM projects WHERE name = ?
	`, name).Scan(
		&project.Name,
		&project.SourcePath,
		&exclusions,
		&project.ScratchDir,
		&project.Destination.Endpoint,
		&project.Destination.Bucket,
		&project.Destination.Prefix,
		&useSSL,
		&cleanupOnFailure,
		&timeoutSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("project not found: %w", err)
	}
	if exclusions != "" {
		if err := json.Unmarshal([]byte(exclusions), &project.Exclusions); err != nil {
			return nil, fmt.Errorf("corrupt exclusions for project %s: %w", name, err)
		}
	}
	project.Destination.UseSSL = useSSL != 0
	project.CleanupOnFailure = cleanupOnFailure != 0
	project.Timeout = time.Duration(timeoutSeconds) * time.Second
	return &project, nil
}

// SaveRun inserts or updates one run record.
func (db *DB) SaveRun(projectName string, record *models.RunRecord) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO runs (project_name, timestamp, state, object_key, archive_size, started_at, duration_ms, error, kept_archive)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		projectName,
		record.Timestamp,
		string(record.State),
		record.ObjectKey,
		record.ArchiveSize,
		record.StartedAt,
		record.Duration.Milliseconds(),
		record.Error,
		record.KeptArchive,
	)
	return err
}

// ListRuns returns run records for a project, most recent first.
func (db *DB) ListRuns(projectName string, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT timestamp, state, object_key, archive_size, started_at, duration_ms, error, kept_archive
		FROM runs
		WHERE project_name = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, projectName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.RunRecord
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// GetRun retrieves a single run by its timestamp identifier.
func (db *DB) GetRun(projectName, timestamp string) (*models.RunRecord, error) {
	row := db.QueryRow(`
		SELECT timestamp, state, object_key, archive_size, started_at, duration_ms, error, kept_archive
		FROM runs
		WHERE project_name = ? AND timestamp = ?
	`, projectName, timestamp)
	record, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("run %s not found: %w", timestamp, err)
	}
	return record, nil
}

// GetStats returns aggregate run statistics for a project.
func (db *DB) GetStats(projectName string) (*models.Stats, error) {
	var stats models.Stats
	err := db.QueryRow(`
		SELECT
			COUNT(*) as total_runs,
			COUNT(CASE WHEN state = 'cleaned' THEN 1 END) as cleaned_runs,
			COUNT(CASE WHEN state = 'failed' THEN 1 END) as failed_runs,
			COALESCE(SUM(CASE WHEN state = 'cleaned' THEN archive_size ELSE 0 END), 0) as uploaded_size
		FROM runs
		WHERE project_name = ?
	`, projectName).Scan(
		&stats.TotalRuns,
		&stats.CleanedRuns,
		&stats.FailedRuns,
		&stats.UploadedSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	err = db.QueryRow(`
		SELECT timestamp, state FROM runs
		WHERE project_name = ?
		ORDER BY timestamp DESC LIMIT 1
	`, projectName).Scan(&stats.LastTimestamp, &stats.LastState)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	return &stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.RunRecord, error) {
	var record models.RunRecord
	var state string
	var durationMs int64
	err := row.Scan(
		&record.Timestamp,
		&state,
		&record.ObjectKey,
		&record.ArchiveSize,
		&record.StartedAt,
		&durationMs,
		&record.Error,
		&record.KeptArchive,
	)
	if err != nil {
		return nil, err
	}
	record.State = models.RunState(state)
	record.Duration = time.Duration(durationMs) * time.Millisecond
	return &record, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
