// Package sqlite implements the TaskStorage contract on SQLite, using the
// pure-Go modernc.org driver. Suitable for single-process hosts that want
// durable tasks without running a database server.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/evertask/evertask/pkg/models"
	"github.com/evertask/evertask/pkg/storage"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements storage.TaskStorage using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for an ephemeral database.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS queued_task (
			id TEXT PRIMARY KEY,
			created_at_utc TEXT NOT NULL,
			last_execution_utc TEXT,
			scheduled_execution_utc TEXT,
			next_run_utc TEXT,
			type TEXT NOT NULL,
			request TEXT NOT NULL,
			handler TEXT NOT NULL,
			status TEXT NOT NULL,
			exception TEXT,
			is_recurring INTEGER NOT NULL DEFAULT 0,
			recurring_task TEXT,
			recurring_info TEXT,
			current_run_count INTEGER,
			max_runs INTEGER,
			run_until TEXT,
			queue_name TEXT,
			task_key TEXT UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS status_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queued_task_id TEXT NOT NULL REFERENCES queued_task(id) ON DELETE CASCADE,
			updated_at_utc TEXT NOT NULL,
			new_status TEXT NOT NULL,
			exception TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS runs_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queued_task_id TEXT NOT NULL REFERENCES queued_task(id) ON DELETE CASCADE,
			executed_at TEXT NOT NULL,
			status TEXT NOT NULL,
			exception TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS task_execution_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES queued_task(id) ON DELETE CASCADE,
			timestamp_utc TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			exception_details TEXT,
			sequence_number INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queued_task_status ON queued_task (status)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_log_task_seq ON task_execution_log (task_id, sequence_number)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Persist(ctx context.Context, task *models.QueuedTask) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queued_task (
			id, created_at_utc, last_execution_utc, scheduled_execution_utc,
			next_run_utc, type, request, handler, status, exception,
			is_recurring, recurring_task, recurring_info, current_run_count,
			max_runs, run_until, queue_name, task_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID.String(),
		formatTime(task.CreatedAtUtc),
		formatTimePtr(task.LastExecutionUtc),
		formatTimePtr(task.ScheduledExecutionUtc),
		formatTimePtr(task.NextRunUtc),
		task.Type,
		task.Request,
		task.Handler,
		string(task.Status),
		nullableString(task.Exception),
		task.IsRecurring,
		nullableString(task.RecurringTask),
		nullableString(task.RecurringInfo),
		nullableInt(task.CurrentRunCount),
		nullableInt(task.MaxRuns),
		formatTimePtr(task.RunUntil),
		nullableString(task.QueueName),
		nullableString(task.TaskKey),
	)
	if err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.QueuedTask, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id.String())
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *Store) GetByTaskKey(ctx context.Context, key string) (*models.QueuedTask, error) {
	if key == "" {
		return nil, storage.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE task_key = ?`, key)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task by key: %w", err)
	}
	return task, nil
}

func (s *Store) UpdateTask(ctx context.Context, task *models.QueuedTask) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_task SET
			last_execution_utc = ?,
			scheduled_execution_utc = ?,
			next_run_utc = ?,
			type = ?,
			request = ?,
			handler = ?,
			status = ?,
			exception = ?,
			is_recurring = ?,
			recurring_task = ?,
			recurring_info = ?,
			current_run_count = ?,
			max_runs = ?,
			run_until = ?,
			queue_name = ?,
			task_key = ?
		WHERE id = ?
	`,
		formatTimePtr(task.LastExecutionUtc),
		formatTimePtr(task.ScheduledExecutionUtc),
		formatTimePtr(task.NextRunUtc),
		task.Type,
		task.Request,
		task.Handler,
		string(task.Status),
		nullableString(task.Exception),
		task.IsRecurring,
		nullableString(task.RecurringTask),
		nullableString(task.RecurringInfo),
		nullableInt(task.CurrentRunCount),
		nullableInt(task.MaxRuns),
		formatTimePtr(task.RunUntil),
		nullableString(task.QueueName),
		nullableString(task.TaskKey),
		task.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queued_task WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("remove task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) RetrievePending(ctx context.Context, lastCreatedAt time.Time, lastID uuid.UUID, take int) ([]*models.QueuedTask, error) {
	if take <= 0 {
		take = 100
	}
	query := selectColumns + `
		WHERE status IN ('queued', 'pending', 'in_progress', 'service_stopped')
		  AND (max_runs IS NULL OR current_run_count IS NULL OR current_run_count < max_runs)
		  AND (run_until IS NULL OR run_until > ?)
	`
	args := []any{formatTime(s.now())}
	if !lastCreatedAt.IsZero() {
		query += ` AND (created_at_utc > ? OR (created_at_utc = ? AND id > ?))`
		key := formatTime(lastCreatedAt)
		args = append(args, key, key, lastID.String())
	}
	query += ` ORDER BY created_at_utc, id LIMIT ?`
	args = append(args, take)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("retrieve pending: %w", err)
	}
	defer rows.Close()

	var tasks []*models.QueuedTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status models.TaskStatus, exception string, level models.AuditLevel) error {
	query := `UPDATE queued_task SET status = ?`
	args := []any{string(status)}
	if exception != "" {
		query += `, exception = ?`
		args = append(args, exception)
	}
	if status == models.StatusInProgress {
		query += `, last_execution_utc = ?`
		args = append(args, formatTime(s.now()))
	}
	query += ` WHERE id = ?`
	args = append(args, id.String())

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}

	if level.RecordsStatus(status) {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO status_audit (queued_task_id, updated_at_utc, new_status, exception)
			VALUES (?, ?, ?, ?)
		`, id.String(), formatTime(s.now()), string(status), nullableString(exception))
		if err != nil {
			return fmt.Errorf("append status audit: %w", err)
		}
	}
	return nil
}

func (s *Store) GetCurrentRunCount(ctx context.Context, id uuid.UUID) (int, error) {
	var count sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT current_run_count FROM queued_task WHERE id = ?`, id.String(),
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get run count: %w", err)
	}
	return int(count.Int64), nil
}

func (s *Store) UpdateCurrentRun(ctx context.Context, id uuid.UUID, nextRun *time.Time, level models.AuditLevel) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_task
		SET current_run_count = COALESCE(current_run_count, 0) + 1, next_run_utc = ?
		WHERE id = ?
	`, formatTimePtr(nextRun), id.String())
	if err != nil {
		return fmt.Errorf("update current run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}

	var status string
	var exception sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT status, exception FROM queued_task WHERE id = ?`, id.String(),
	).Scan(&status, &exception)
	if err != nil {
		return fmt.Errorf("update current run: %w", err)
	}

	if level.RecordsRun(models.TaskStatus(status)) {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO runs_audit (queued_task_id, executed_at, status, exception)
			VALUES (?, ?, ?, ?)
		`, id.String(), formatTime(s.now()), status, exception)
		if err != nil {
			return fmt.Errorf("append runs audit: %w", err)
		}
	}
	return nil
}

func (s *Store) RecordSkippedOccurrences(ctx context.Context, id uuid.UUID, skipped []time.Time) error {
	if len(skipped) == 0 {
		return nil
	}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM queued_task WHERE id = ?`, id.String(),
	).Scan(&status)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("record skipped occurrences: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs_audit (queued_task_id, executed_at, status, exception)
		VALUES (?, ?, ?, ?)
	`, id.String(), formatTime(s.now()), status, skippedSummary(skipped))
	if err != nil {
		return fmt.Errorf("record skipped occurrences: %w", err)
	}
	return nil
}

func (s *Store) SaveExecutionLogs(ctx context.Context, id uuid.UUID, logs []models.TaskExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save execution logs: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(sequence_number) FROM task_execution_log WHERE task_id = ?`, id.String(),
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("save execution logs: %w", err)
	}

	next := seq.Int64
	for _, entry := range logs {
		next++
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_execution_log (task_id, timestamp_utc, level, message, exception_details, sequence_number)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id.String(), formatTime(entry.TimestampUtc), entry.Level, entry.Message, nullableString(entry.ExceptionDetails), next)
		if err != nil {
			return fmt.Errorf("save execution logs: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetExecutionLogs(ctx context.Context, id uuid.UUID, skip, take int) ([]models.TaskExecutionLog, error) {
	if take <= 0 {
		take = -1 // LIMIT -1 means unlimited in SQLite
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, timestamp_utc, level, message, exception_details, sequence_number
		FROM task_execution_log WHERE task_id = ?
		ORDER BY sequence_number LIMIT ? OFFSET ?
	`, id.String(), take, skip)
	if err != nil {
		return nil, fmt.Errorf("get execution logs: %w", err)
	}
	defer rows.Close()

	var logs []models.TaskExecutionLog
	for rows.Next() {
		var entry models.TaskExecutionLog
		var taskID, timestamp string
		var details sql.NullString
		if err := rows.Scan(&entry.ID, &taskID, &timestamp, &entry.Level, &entry.Message, &details, &entry.SequenceNumber); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		entry.TaskID, err = uuid.Parse(taskID)
		if err != nil {
			return nil, fmt.Errorf("parse log task id: %w", err)
		}
		entry.TimestampUtc, err = parseTime(timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse log timestamp: %w", err)
		}
		entry.ExceptionDetails = details.String
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

const selectColumns = `
	SELECT id, created_at_utc, last_execution_utc, scheduled_execution_utc,
		   next_run_utc, type, request, handler, status, exception,
		   is_recurring, recurring_task, recurring_info, current_run_count,
		   max_runs, run_until, queue_name, task_key
	FROM queued_task
`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*models.QueuedTask, error) {
	var task models.QueuedTask
	var (
		id            string
		createdAt     string
		lastExecution sql.NullString
		scheduledAt   sql.NullString
		nextRun       sql.NullString
		status        string
		exception     sql.NullString
		recurringTask sql.NullString
		recurringInfo sql.NullString
		runCount      sql.NullInt64
		maxRuns       sql.NullInt64
		runUntil      sql.NullString
		queueName     sql.NullString
		taskKey       sql.NullString
	)

	err := s.Scan(
		&id,
		&createdAt,
		&lastExecution,
		&scheduledAt,
		&nextRun,
		&task.Type,
		&task.Request,
		&task.Handler,
		&status,
		&exception,
		&task.IsRecurring,
		&recurringTask,
		&recurringInfo,
		&runCount,
		&maxRuns,
		&runUntil,
		&queueName,
		&taskKey,
	)
	if err != nil {
		return nil, err
	}

	if task.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse task id: %w", err)
	}
	if task.CreatedAtUtc, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at_utc: %w", err)
	}
	if task.LastExecutionUtc, err = parseTimePtr(lastExecution); err != nil {
		return nil, fmt.Errorf("parse last_execution_utc: %w", err)
	}
	if task.ScheduledExecutionUtc, err = parseTimePtr(scheduledAt); err != nil {
		return nil, fmt.Errorf("parse scheduled_execution_utc: %w", err)
	}
	if task.NextRunUtc, err = parseTimePtr(nextRun); err != nil {
		return nil, fmt.Errorf("parse next_run_utc: %w", err)
	}
	if task.RunUntil, err = parseTimePtr(runUntil); err != nil {
		return nil, fmt.Errorf("parse run_until: %w", err)
	}
	task.Status = models.TaskStatus(status)
	task.Exception = exception.String
	task.RecurringTask = recurringTask.String
	task.RecurringInfo = recurringInfo.String
	if runCount.Valid {
		v := int(runCount.Int64)
		task.CurrentRunCount = &v
	}
	if maxRuns.Valid {
		v := int(maxRuns.Int64)
		task.MaxRuns = &v
	}
	task.QueueName = queueName.String
	task.TaskKey = taskKey.String
	return &task, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func skippedSummary(skipped []time.Time) string {
	first := skipped[0].UTC().Format(time.RFC3339)
	last := skipped[len(skipped)-1].UTC().Format(time.RFC3339)
	if len(skipped) == 1 {
		return fmt.Sprintf("skipped 1 occurrence at %s during downtime", first)
	}
	return fmt.Sprintf("skipped %d occurrences between %s and %s during downtime", len(skipped), first, last)
}
