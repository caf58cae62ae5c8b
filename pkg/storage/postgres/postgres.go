// Package postgres implements the TaskStorage contract on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/evertask/evertask/pkg/models"
	"github.com/evertask/evertask/pkg/storage"
)

// Config holds connection-pool settings and the schema the tables live in.
type Config struct {
	Schema          string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns default configuration with the "evertask" schema.
func DefaultConfig() *Config {
	return &Config{
		Schema:          "evertask",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Store implements storage.TaskStorage using PostgreSQL.
type Store struct {
	db     *sql.DB
	schema string
	now    func() time.Time
}

// NewStore opens a connection pool, verifies connectivity and ensures the
// schema exists.
func NewStore(dsn string, config *Config) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db, schema: sanitizeIdent(config.Schema, "evertask"), now: time.Now}
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

// ensureSchema creates the schema, tables and indices if they are missing.
func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.queued_task (
			id UUID PRIMARY KEY,
			created_at_utc TIMESTAMPTZ NOT NULL,
			last_execution_utc TIMESTAMPTZ,
			scheduled_execution_utc TIMESTAMPTZ,
			next_run_utc TIMESTAMPTZ,
			type TEXT NOT NULL,
			request TEXT NOT NULL,
			handler TEXT NOT NULL,
			status TEXT NOT NULL,
			exception TEXT,
			is_recurring BOOLEAN NOT NULL DEFAULT FALSE,
			recurring_task TEXT,
			recurring_info TEXT,
			current_run_count INT,
			max_runs INT,
			run_until TIMESTAMPTZ,
			queue_name TEXT,
			task_key TEXT UNIQUE
		)`, s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.status_audit (
			id BIGSERIAL PRIMARY KEY,
			queued_task_id UUID NOT NULL REFERENCES %s.queued_task(id) ON DELETE CASCADE,
			updated_at_utc TIMESTAMPTZ NOT NULL,
			new_status TEXT NOT NULL,
			exception TEXT
		)`, s.schema, s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.runs_audit (
			id BIGSERIAL PRIMARY KEY,
			queued_task_id UUID NOT NULL REFERENCES %s.queued_task(id) ON DELETE CASCADE,
			executed_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			exception TEXT
		)`, s.schema, s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.task_execution_log (
			id BIGSERIAL PRIMARY KEY,
			task_id UUID NOT NULL REFERENCES %s.queued_task(id) ON DELETE CASCADE,
			timestamp_utc TIMESTAMPTZ NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			exception_details TEXT,
			sequence_number BIGINT NOT NULL
		)`, s.schema, s.schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_queued_task_status ON %s.queued_task (status)`, s.schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_status_audit_task ON %s.status_audit (queued_task_id)`, s.schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_runs_audit_task ON %s.runs_audit (queued_task_id)`, s.schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_execution_log_task_seq ON %s.task_execution_log (task_id, sequence_number)`, s.schema),
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
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.queued_task (
			id, created_at_utc, last_execution_utc, scheduled_execution_utc,
			next_run_utc, type, request, handler, status, exception,
			is_recurring, recurring_task, recurring_info, current_run_count,
			max_runs, run_until, queue_name, task_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, s.schema),
		task.ID,
		task.CreatedAtUtc,
		nullableTime(task.LastExecutionUtc),
		nullableTime(task.ScheduledExecutionUtc),
		nullableTime(task.NextRunUtc),
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
		nullableTime(task.RunUntil),
		nullableString(task.QueueName),
		nullableString(task.TaskKey),
	)
	if err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.QueuedTask, error) {
	row := s.db.QueryRowContext(ctx, s.selectQuery()+` WHERE id = $1`, id)
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
	row := s.db.QueryRowContext(ctx, s.selectQuery()+` WHERE task_key = $1`, key)
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
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s.queued_task SET
			last_execution_utc = $2,
			scheduled_execution_utc = $3,
			next_run_utc = $4,
			type = $5,
			request = $6,
			handler = $7,
			status = $8,
			exception = $9,
			is_recurring = $10,
			recurring_task = $11,
			recurring_info = $12,
			current_run_count = $13,
			max_runs = $14,
			run_until = $15,
			queue_name = $16,
			task_key = $17
		WHERE id = $1
	`, s.schema),
		task.ID,
		nullableTime(task.LastExecutionUtc),
		nullableTime(task.ScheduledExecutionUtc),
		nullableTime(task.NextRunUtc),
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
		nullableTime(task.RunUntil),
		nullableString(task.QueueName),
		nullableString(task.TaskKey),
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
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s.queued_task WHERE id = $1`, s.schema), id)
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
	query := s.selectQuery() + `
		WHERE status IN ('queued', 'pending', 'in_progress', 'service_stopped')
		  AND (max_runs IS NULL OR current_run_count IS NULL OR current_run_count < max_runs)
		  AND (run_until IS NULL OR run_until > $1)
	`
	args := []any{s.now().UTC()}
	if !lastCreatedAt.IsZero() {
		query += ` AND (created_at_utc, id) > ($2, $3)`
		args = append(args, lastCreatedAt, lastID)
	}
	query += fmt.Sprintf(` ORDER BY created_at_utc, id LIMIT $%d`, len(args)+1)
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
	query := fmt.Sprintf(`UPDATE %s.queued_task SET status = $2`, s.schema)
	args := []any{id, string(status)}
	if exception != "" {
		query += `, exception = $3`
		args = append(args, exception)
	}
	if status == models.StatusInProgress {
		query += fmt.Sprintf(`, last_execution_utc = $%d`, len(args)+1)
		args = append(args, s.now().UTC())
	}
	query += ` WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}

	if level.RecordsStatus(status) {
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s.status_audit (queued_task_id, updated_at_utc, new_status, exception)
			VALUES ($1, $2, $3, $4)
		`, s.schema), id, s.now().UTC(), string(status), nullableString(exception))
		if err != nil {
			return fmt.Errorf("append status audit: %w", err)
		}
	}
	return nil
}

func (s *Store) GetCurrentRunCount(ctx context.Context, id uuid.UUID) (int, error) {
	var count sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT current_run_count FROM %s.queued_task WHERE id = $1`, s.schema), id,
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
	var status string
	var exception sql.NullString
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE %s.queued_task
		SET current_run_count = COALESCE(current_run_count, 0) + 1, next_run_utc = $2
		WHERE id = $1
		RETURNING status, exception
	`, s.schema), id, nullableTime(nextRun)).Scan(&status, &exception)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update current run: %w", err)
	}

	if level.RecordsRun(models.TaskStatus(status)) {
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s.runs_audit (queued_task_id, executed_at, status, exception)
			VALUES ($1, $2, $3, $4)
		`, s.schema), id, s.now().UTC(), status, exception)
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
		fmt.Sprintf(`SELECT status FROM %s.queued_task WHERE id = $1`, s.schema), id,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("record skipped occurrences: %w", err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.runs_audit (queued_task_id, executed_at, status, exception)
		VALUES ($1, $2, $3, $4)
	`, s.schema), id, s.now().UTC(), status, skippedSummary(skipped))
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
	err = tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT MAX(sequence_number) FROM %s.task_execution_log WHERE task_id = $1`, s.schema,
	), id).Scan(&seq)
	if err != nil {
		return fmt.Errorf("save execution logs: %w", err)
	}

	next := seq.Int64
	for _, entry := range logs {
		next++
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s.task_execution_log (task_id, timestamp_utc, level, message, exception_details, sequence_number)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, s.schema), id, entry.TimestampUtc, entry.Level, entry.Message, nullableString(entry.ExceptionDetails), next)
		if err != nil {
			return fmt.Errorf("save execution logs: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetExecutionLogs(ctx context.Context, id uuid.UUID, skip, take int) ([]models.TaskExecutionLog, error) {
	query := fmt.Sprintf(`
		SELECT id, task_id, timestamp_utc, level, message, exception_details, sequence_number
		FROM %s.task_execution_log WHERE task_id = $1 ORDER BY sequence_number
	`, s.schema)
	args := []any{id}
	if take > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, take)
	}
	if skip > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, len(args)+1)
		args = append(args, skip)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get execution logs: %w", err)
	}
	defer rows.Close()

	var logs []models.TaskExecutionLog
	for rows.Next() {
		var entry models.TaskExecutionLog
		var details sql.NullString
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.TimestampUtc, &entry.Level, &entry.Message, &details, &entry.SequenceNumber); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		entry.ExceptionDetails = details.String
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) selectQuery() string {
	return fmt.Sprintf(`
		SELECT id, created_at_utc, last_execution_utc, scheduled_execution_utc,
			   next_run_utc, type, request, handler, status, exception,
			   is_recurring, recurring_task, recurring_info, current_run_count,
			   max_runs, run_until, queue_name, task_key
		FROM %s.queued_task
	`, s.schema)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*models.QueuedTask, error) {
	var task models.QueuedTask
	var (
		status        string
		lastExecution sql.NullTime
		scheduledAt   sql.NullTime
		nextRun       sql.NullTime
		exception     sql.NullString
		recurringTask sql.NullString
		recurringInfo sql.NullString
		runCount      sql.NullInt64
		maxRuns       sql.NullInt64
		runUntil      sql.NullTime
		queueName     sql.NullString
		taskKey       sql.NullString
	)

	err := s.Scan(
		&task.ID,
		&task.CreatedAtUtc,
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

	task.Status = models.TaskStatus(status)
	if lastExecution.Valid {
		task.LastExecutionUtc = &lastExecution.Time
	}
	if scheduledAt.Valid {
		task.ScheduledExecutionUtc = &scheduledAt.Time
	}
	if nextRun.Valid {
		task.NextRunUtc = &nextRun.Time
	}
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
	if runUntil.Valid {
		task.RunUntil = &runUntil.Time
	}
	task.QueueName = queueName.String
	task.TaskKey = taskKey.String
	return &task, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
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

// sanitizeIdent restricts schema names to identifier characters.
func sanitizeIdent(name, fallback string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback
	}
	for _, r := range name {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return fallback
		}
	}
	return name
}
