package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the persistent memory storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection keeps SQLite from fighting itself over the
	// writer lock when several goroutines write at once.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			full_text TEXT NOT NULL,
			emotion_label TEXT NOT NULL DEFAULT '',
			emotion_confidence REAL NOT NULL DEFAULT 0,
			memory_type TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0.5,
			access_count INTEGER NOT NULL DEFAULT 0,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			merged_from_json TEXT NOT NULL DEFAULT '[]',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			last_accessed_at_ms INTEGER NOT NULL DEFAULT 0,
			retired_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memory_records_user_active_idx ON memory_records(user_id, retired_at_ms, seq);`,
		`CREATE TABLE IF NOT EXISTS memory_embeddings (
			record_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			vector_json TEXT NOT NULL,
			norm REAL NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS memory_jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			payload_json TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			run_after_ms INTEGER NOT NULL,
			lease_until_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0,
			rerun INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memory_jobs_ready_idx ON memory_jobs(status, run_after_ms, priority, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS memory_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_metrics_metric_idx ON memory_metrics(metric, created_at_ms DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init memory schema (%s): %w", trimSQL(stmt), err)
		}
	}
	// Databases created before the rerun flag existed lack the column.
	if _, err := s.db.Exec(`ALTER TABLE memory_jobs ADD COLUMN rerun INTEGER NOT NULL DEFAULT 0`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column") {
		return fmt.Errorf("init memory schema (add jobs.rerun): %w", err)
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeVector(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeVector(raw string) []float32 {
	if raw == "" {
		return nil
	}
	out := []float32{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecordTx(ctx context.Context, db execer, rec Record) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO memory_records(id, user_id, summary, full_text, emotion_label, emotion_confidence, memory_type, importance, access_count, metadata_json, merged_from_json, created_at_ms, updated_at_ms, last_accessed_at_ms, retired_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.UserID,
		rec.Summary,
		rec.FullText,
		rec.Emotion.Label,
		rec.Emotion.Confidence,
		string(rec.Type),
		rec.Importance,
		rec.AccessCount,
		encodeMap(rec.Metadata),
		encodeStrings(rec.MergedFrom),
		toMS(rec.CreatedAt),
		toMS(rec.UpdatedAt),
		toMS(rec.LastAccessedAt),
		toMS(rec.RetiredAt),
	)
	if err != nil {
		return fmt.Errorf("insert memory record: %w", err)
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO memory_embeddings(record_id, model, vector_json, norm, updated_at_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(record_id) DO UPDATE SET
	model = excluded.model,
	vector_json = excluded.vector_json,
	norm = excluded.norm,
	updated_at_ms = excluded.updated_at_ms`,
		rec.ID, rec.EmbeddingModel, encodeVector(rec.Embedding), vectorNorm(rec.Embedding), toMS(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert memory embedding: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertRecord(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert record begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertRecordTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert record commit: %w", err)
	}
	return nil
}

const recordColumns = `r.id, r.user_id, r.summary, r.full_text, r.emotion_label, r.emotion_confidence, r.memory_type, r.importance, r.access_count, r.metadata_json, r.merged_from_json, r.created_at_ms, r.updated_at_ms, r.last_accessed_at_ms, r.retired_at_ms, COALESCE(e.model, ''), COALESCE(e.vector_json, '[]')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                                       Record
		memType, metadataRaw, mergedRaw, vecRaw   string
		createdMS, updatedMS, accessedMS, retired int64
	)
	if err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Summary, &rec.FullText,
		&rec.Emotion.Label, &rec.Emotion.Confidence,
		&memType, &rec.Importance, &rec.AccessCount,
		&metadataRaw, &mergedRaw,
		&createdMS, &updatedMS, &accessedMS, &retired,
		&rec.EmbeddingModel, &vecRaw,
	); err != nil {
		return Record{}, err
	}
	rec.Type = MemoryType(memType)
	rec.Metadata = decodeMap(metadataRaw)
	rec.MergedFrom = decodeStrings(mergedRaw)
	rec.Embedding = decodeVector(vecRaw)
	rec.CreatedAt = fromMS(createdMS)
	rec.UpdatedAt = fromMS(updatedMS)
	rec.LastAccessedAt = fromMS(accessedMS)
	rec.RetiredAt = fromMS(retired)
	return rec, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, userID, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+recordColumns+`
FROM memory_records r
LEFT JOIN memory_embeddings e ON e.record_id = r.id
WHERE r.user_id = ? AND r.id = ?`, userID, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, goerr.Wrap(ErrNotFound, "memory not found", goerr.V("user_id", userID), goerr.V("memory_id", id))
	}
	if err != nil {
		return Record{}, fmt.Errorf("get memory record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListActive(ctx context.Context, userID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM memory_records r
LEFT JOIN memory_embeddings e ON e.record_id = r.id
WHERE r.user_id = ? AND r.retired_at_ms = 0
ORDER BY r.seq ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list active memories: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory records: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CountActive(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM memory_records WHERE user_id = ? AND retired_at_ms = 0`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active memories: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) IncrementAccess(ctx context.Context, userID string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("increment access begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
UPDATE memory_records
SET access_count = access_count + 1, last_accessed_at_ms = ?
WHERE user_id = ? AND id = ?`, toMS(at), userID, id); err != nil {
			return fmt.Errorf("increment access: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("increment access commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReplaceGroup(ctx context.Context, userID string, merged Record, retired []string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace group begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range retired {
		res, err := tx.ExecContext(ctx, `
UPDATE memory_records
SET retired_at_ms = ?, updated_at_ms = ?
WHERE user_id = ? AND id = ? AND retired_at_ms = 0`, toMS(at), toMS(at), userID, id)
		if err != nil {
			return fmt.Errorf("retire memory record: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return errGroupConflict
		}
	}
	if err := insertRecordTx(ctx, tx, merged); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace group commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT user_id FROM memory_records WHERE retired_at_ms = 0 ORDER BY user_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list memory users: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan memory user: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// EnqueueJob inserts job, or revives it when a job with the same id has
// finished. A pending job with the same id is left alone; a running one is
// flagged so that it runs once more after the current attempt.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, job Job) error {
	job = normalizeJob(job, nowMS())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enqueue job begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO memory_jobs(id, job_type, user_id, status, priority, payload_json, error, attempts, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms, rerun)
VALUES(?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, 0)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	priority = excluded.priority,
	payload_json = excluded.payload_json,
	error = excluded.error,
	attempts = 0,
	run_after_ms = excluded.run_after_ms,
	lease_until_ms = excluded.lease_until_ms,
	updated_at_ms = excluded.updated_at_ms,
	completed_at_ms = excluded.completed_at_ms,
	rerun = 0
WHERE memory_jobs.status NOT IN (?, ?)`,
		job.ID,
		job.JobType,
		job.UserID,
		job.Status,
		job.Priority,
		encodeMap(job.Payload),
		job.Error,
		job.RunAfterMS,
		job.LeaseUntilMS,
		job.CreatedAtMS,
		job.UpdatedAtMS,
		job.CompletedAtMS,
		JobPending, JobRunning,
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
UPDATE memory_jobs
SET rerun = 1, payload_json = ?, updated_at_ms = ?
WHERE id = ? AND status = ?`, encodeMap(job.Payload), job.UpdatedAtMS, job.ID, JobRunning)
	if err != nil {
		return fmt.Errorf("enqueue job mark rerun: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("enqueue job commit: %w", err)
	}
	return nil
}

func normalizeJob(job Job, now int64) Job {
	if job.ID == "" {
		job.ID = "job-" + uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.Priority == 0 {
		job.Priority = 100
	}
	if job.RunAfterMS == 0 {
		job.RunAfterMS = now
	}
	if job.CreatedAtMS == 0 {
		job.CreatedAtMS = now
	}
	if job.UpdatedAtMS == 0 {
		job.UpdatedAtMS = now
	}
	return job
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error) {
	if leaseForMS <= 0 {
		leaseForMS = 60_000
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, job_type, user_id, status, priority, payload_json, error, attempts, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms, rerun
FROM memory_jobs
WHERE run_after_ms <= ?
AND (status = ? OR (status = ? AND lease_until_ms <= ?))
ORDER BY priority ASC, created_at_ms ASC
LIMIT 1`, nowMS, JobPending, JobRunning, nowMS)

	var job Job
	var payloadRaw string
	if err := row.Scan(&job.ID, &job.JobType, &job.UserID, &job.Status, &job.Priority, &payloadRaw, &job.Error, &job.Attempts, &job.RunAfterMS, &job.LeaseUntilMS, &job.CreatedAtMS, &job.UpdatedAtMS, &job.CompletedAtMS, &job.Rerun); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("claim next job select: %w", err)
	}

	leaseUntil := nowMS + leaseForMS
	res, err := tx.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, lease_until_ms = ?, updated_at_ms = ?, attempts = attempts + 1, error = ''
WHERE id = ? AND (status = ? OR (status = ? AND lease_until_ms <= ?))`, JobRunning, leaseUntil, nowMS, job.ID, JobPending, JobRunning, nowMS)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return Job{}, false, nil
	}

	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("claim next job commit: %w", err)
	}

	job.Status = JobRunning
	job.Attempts++
	job.LeaseUntilMS = leaseUntil
	job.UpdatedAtMS = nowMS
	job.Payload = decodeMap(payloadRaw)
	return job, true, nil
}

// CompleteJob finishes id, or puts it back to pending when it was enqueued
// again while running.
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = CASE WHEN rerun = 1 THEN ? ELSE ? END,
	completed_at_ms = CASE WHEN rerun = 1 THEN completed_at_ms ELSE ? END,
	run_after_ms = CASE WHEN rerun = 1 THEN ? ELSE run_after_ms END,
	attempts = CASE WHEN rerun = 1 THEN 0 ELSE attempts END,
	rerun = 0,
	updated_at_ms = ?,
	lease_until_ms = 0
WHERE id = ?`, JobPending, JobCompleted, now, now, now, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, errMsg string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = CASE WHEN rerun = 1 THEN ? ELSE ? END,
	run_after_ms = CASE WHEN rerun = 1 THEN ? ELSE run_after_ms END,
	attempts = CASE WHEN rerun = 1 THEN 0 ELSE attempts END,
	rerun = 0,
	error = ?,
	updated_at_ms = ?,
	lease_until_ms = 0
WHERE id = ?`, JobPending, JobFailed, now, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueExpiredJobs(ctx context.Context, nowMS int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, updated_at_ms = ?, error = ''
WHERE status = ? AND lease_until_ms > 0 AND lease_until_ms <= ?`, JobPending, nowMS, JobRunning, nowMS)
	if err != nil {
		return fmt.Errorf("requeue expired jobs: %w", err)
	}
	return nil
}

// GetJob is used by tests and the CLI to inspect queue state.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	var payloadRaw string
	err := s.db.QueryRowContext(ctx, `
SELECT id, job_type, user_id, status, priority, payload_json, error, attempts, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms, rerun
FROM memory_jobs WHERE id = ?`, id).Scan(&job.ID, &job.JobType, &job.UserID, &job.Status, &job.Priority, &payloadRaw, &job.Error, &job.Attempts, &job.RunAfterMS, &job.LeaseUntilMS, &job.CreatedAtMS, &job.UpdatedAtMS, &job.CompletedAtMS, &job.Rerun)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, goerr.Wrap(ErrNotFound, "job not found", goerr.V("job_id", id))
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	job.Payload = decodeMap(payloadRaw)
	return job, nil
}

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, encodeMap(labels), nowMS())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}

// SumMetric totals every sample of metric.
func (s *SQLiteStore) SumMetric(ctx context.Context, metric string) (float64, error) {
	var total sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(value) FROM memory_metrics WHERE metric = ?`, metric).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum metric: %w", err)
	}
	return total.Float64, nil
}
