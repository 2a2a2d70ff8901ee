package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists job records in SQLite. Writes are committed (WAL)
// before Update returns, so records survive process crashes.
type SQLiteStore struct {
	db   *sql.DB
	path string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    stage TEXT,
    payload TEXT,
    progress INTEGER NOT NULL DEFAULT 0,
    attempts_json TEXT,
    outputs_json TEXT,
    result TEXT,
    error_json TEXT,
    meta_json TEXT,
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

// OpenSQLite initializes or connects to the job database in the given
// directory and applies the schema.
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "jobs.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath, locks: make(map[string]*sync.Mutex)}, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// Create inserts a new job record.
func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return conflictf("job id must be assigned before create")
	}
	cols, err := encodeJob(job)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
            id, status, stage, payload, progress, attempts_json, outputs_json,
            result, error_json, meta_json, cancel_requested, created_at, updated_at, completed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Status,
		nullableString(job.Stage),
		nullableString(string(job.Payload)),
		job.Progress,
		nullableString(cols.attempts),
		nullableString(cols.outputs),
		nullableString(job.Result),
		nullableString(cols.failure),
		nullableString(cols.meta),
		boolToInt(job.CancelRequested),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
		nullableTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by identifier.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Update applies the mutator atomically and durably persists the result.
func (s *SQLiteStore) Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	before, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read job for update: %w", err)
	}

	after := before.Clone()
	if err := mutate(after); err != nil {
		return nil, err
	}
	if err := validateMutation(before, after); err != nil {
		return nil, err
	}
	after.UpdatedAt = time.Now().UTC()

	cols, err := encodeJob(after)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, stage = ?, payload = ?, progress = ?, attempts_json = ?,
             outputs_json = ?, result = ?, error_json = ?, meta_json = ?,
             cancel_requested = ?, updated_at = ?, completed_at = ?
         WHERE id = ?`,
		after.Status,
		nullableString(after.Stage),
		nullableString(string(after.Payload)),
		after.Progress,
		nullableString(cols.attempts),
		nullableString(cols.outputs),
		nullableString(after.Result),
		nullableString(cols.failure),
		nullableString(cols.meta),
		boolToInt(after.CancelRequested),
		formatTime(after.UpdatedAt),
		nullableTime(after.CompletedAt),
		after.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return after, nil
}

// List returns jobs matching the filter ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(filter.Statuses)+2)
	if len(filter.Statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(filter.Statuses)) + `)`
		for _, status := range filter.Statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 || filter.Offset > 0 {
		// OFFSET requires a LIMIT clause; -1 means unbounded.
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var result []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

// Stats returns a count of jobs grouped by status.
func (s *SQLiteStore) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// ReclaimRunning returns jobs stranded in running by a dead process to queued.
func (s *SQLiteStore) ReclaimRunning(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, stage = NULL, updated_at = ? WHERE status = ?`,
		StatusQueued,
		formatTime(time.Now()),
		StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim running jobs: %w", err)
	}
	return res.RowsAffected()
}

// PruneTerminal deletes terminal jobs not touched since the cutoff and drops
// their per-id lock entries so the lock map does not grow for the life of the
// process.
func (s *SQLiteStore) PruneTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id FROM jobs WHERE status IN (?, ?, ?) AND updated_at < ?`,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
		formatTime(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("prune terminal jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan prune candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("prune terminal jobs: %w", err)
	}
	rows.Close()
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM jobs WHERE id IN (`+makePlaceholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("prune terminal jobs: %w", err)
	}

	s.mu.Lock()
	for _, id := range ids {
		delete(s.locks, id)
	}
	s.mu.Unlock()

	return res.RowsAffected()
}

const jobColumns = "id, status, stage, payload, progress, attempts_json, outputs_json, result, error_json, meta_json, cancel_requested, created_at, updated_at, completed_at"

type encodedColumns struct {
	attempts string
	outputs  string
	failure  string
	meta     string
}

func encodeJob(job *Job) (encodedColumns, error) {
	var cols encodedColumns
	if len(job.Attempts) > 0 {
		data, err := json.Marshal(job.Attempts)
		if err != nil {
			return cols, fmt.Errorf("marshal attempts: %w", err)
		}
		cols.attempts = string(data)
	}
	if len(job.Outputs) > 0 {
		data, err := json.Marshal(job.Outputs)
		if err != nil {
			return cols, fmt.Errorf("marshal outputs: %w", err)
		}
		cols.outputs = string(data)
	}
	if job.Error != nil {
		data, err := json.Marshal(job.Error)
		if err != nil {
			return cols, fmt.Errorf("marshal error: %w", err)
		}
		cols.failure = string(data)
	}
	if len(job.Meta) > 0 {
		data, err := json.Marshal(job.Meta)
		if err != nil {
			return cols, fmt.Errorf("marshal meta: %w", err)
		}
		cols.meta = string(data)
	}
	return cols, nil
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id              string
		statusStr       string
		stage           sql.NullString
		payload         sql.NullString
		progress        int
		attemptsRaw     sql.NullString
		outputsRaw      sql.NullString
		result          sql.NullString
		errorRaw        sql.NullString
		metaRaw         sql.NullString
		cancelRequested sql.NullInt64
		createdRaw      string
		updatedRaw      string
		completedRaw    sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&statusStr,
		&stage,
		&payload,
		&progress,
		&attemptsRaw,
		&outputsRaw,
		&result,
		&errorRaw,
		&metaRaw,
		&cancelRequested,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:       id,
		Status:   Status(statusStr),
		Stage:    stage.String,
		Progress: progress,
		Result:   result.String,
	}
	if payload.Valid && payload.String != "" {
		job.Payload = json.RawMessage(payload.String)
	}
	if attemptsRaw.Valid && attemptsRaw.String != "" {
		if err := json.Unmarshal([]byte(attemptsRaw.String), &job.Attempts); err != nil {
			return nil, fmt.Errorf("unmarshal attempts: %w", err)
		}
	}
	if outputsRaw.Valid && outputsRaw.String != "" {
		if err := json.Unmarshal([]byte(outputsRaw.String), &job.Outputs); err != nil {
			return nil, fmt.Errorf("unmarshal outputs: %w", err)
		}
	}
	if errorRaw.Valid && errorRaw.String != "" {
		job.Error = &Failure{}
		if err := json.Unmarshal([]byte(errorRaw.String), job.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if metaRaw.Valid && metaRaw.String != "" {
		if err := json.Unmarshal([]byte(metaRaw.String), &job.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal meta: %w", err)
		}
	}
	if cancelRequested.Valid {
		job.CancelRequested = cancelRequested.Int64 != 0
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	if completedRaw.Valid {
		if completed, err := parseTimeString(completedRaw.String); err == nil {
			job.CompletedAt = &completed
		}
	}
	return job, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// formatTime renders a fixed-width UTC timestamp so lexicographic ordering
// in SQL matches chronological ordering.
func formatTime(value time.Time) string {
	return value.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
