package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/schedule"
)

// DefaultListLimit bounds ListExecutions when no limit is given
const DefaultListLimit = 50

// Store handles persistence of job execution history
type Store struct {
	db            *sql.DB
	schedulerName string
}

// NewStore creates a history store for one scheduler name
func NewStore(db *sql.DB, schedulerName string) *Store {
	return &Store{db: db, schedulerName: schedulerName}
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

// CreateExecution inserts an execution record, replacing an earlier record
// of the same fire
func (s *Store) CreateExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT OR REPLACE INTO pulse_executions (
			id, sched_name, instance_id,
			job_name, job_group, trigger_name, trigger_group,
			status, scheduled_fire_time, started_at, completed_at, duration_ms,
			refire_count, recovering, error_code, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	// Convert optional fields to sql.Null* types
	var completedAt, durationMs, errorCode, errorMessage interface{}
	if exec.CompletedAt != nil {
		completedAt = toMillis(*exec.CompletedAt)
	}
	if exec.DurationMs != nil {
		durationMs = *exec.DurationMs
	}
	if exec.ErrorCode != nil {
		errorCode = *exec.ErrorCode
	}
	if exec.ErrorMessage != nil {
		errorMessage = *exec.ErrorMessage
	}

	_, err := s.db.ExecContext(ctx, query,
		exec.ID,
		s.schedulerName,
		exec.InstanceID,
		exec.JobKey.Name,
		exec.JobKey.Group,
		exec.TriggerKey.Name,
		exec.TriggerKey.Group,
		exec.Status,
		toMillis(exec.ScheduledFireTime),
		toMillis(exec.StartedAt),
		completedAt,
		durationMs,
		exec.RefireCount,
		exec.Recovering,
		errorCode,
		errorMessage,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create execution")
	}
	return nil
}

// UpdateExecution records the outcome of an execution
func (s *Store) UpdateExecution(ctx context.Context, exec *Execution) error {
	query := `
		UPDATE pulse_executions
		SET status = ?,
		    completed_at = ?,
		    duration_ms = ?,
		    refire_count = ?,
		    error_code = ?,
		    error_message = ?
		WHERE sched_name = ? AND id = ?
	`

	// Convert optional fields
	var completedAt, durationMs, errorCode, errorMessage interface{}
	if exec.CompletedAt != nil {
		completedAt = toMillis(*exec.CompletedAt)
	}
	if exec.DurationMs != nil {
		durationMs = *exec.DurationMs
	}
	if exec.ErrorCode != nil {
		errorCode = *exec.ErrorCode
	}
	if exec.ErrorMessage != nil {
		errorMessage = *exec.ErrorMessage
	}

	result, err := s.db.ExecContext(ctx, query,
		exec.Status,
		completedAt,
		durationMs,
		exec.RefireCount,
		errorCode,
		errorMessage,
		s.schedulerName,
		exec.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update execution")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rowsAffected == 0 {
		return errors.NewNotFoundError("execution not found: %s", exec.ID)
	}
	return nil
}

const selectColumns = `
	SELECT id, instance_id, job_name, job_group, trigger_name, trigger_group,
	       status, scheduled_fire_time, started_at, completed_at, duration_ms,
	       refire_count, recovering, error_code, error_message
	FROM pulse_executions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var scheduled, started int64
	var completedAt, durationMs sql.NullInt64
	var errorCode, errorMessage sql.NullString

	err := row.Scan(
		&exec.ID,
		&exec.InstanceID,
		&exec.JobKey.Name,
		&exec.JobKey.Group,
		&exec.TriggerKey.Name,
		&exec.TriggerKey.Group,
		&exec.Status,
		&scheduled,
		&started,
		&completedAt,
		&durationMs,
		&exec.RefireCount,
		&exec.Recovering,
		&errorCode,
		&errorMessage,
	)
	if err != nil {
		return nil, err
	}

	exec.SchedulerName = s.schedulerName
	exec.ScheduledFireTime = fromMillis(scheduled)
	exec.StartedAt = fromMillis(started)

	// Convert sql.Null* types to pointers
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		exec.CompletedAt = &t
	}
	if durationMs.Valid {
		exec.DurationMs = &durationMs.Int64
	}
	if errorCode.Valid {
		exec.ErrorCode = &errorCode.String
	}
	if errorMessage.Valid {
		exec.ErrorMessage = &errorMessage.String
	}
	return &exec, nil
}

// GetExecution retrieves an execution by fire instance id
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE sched_name = ? AND id = ?`, s.schedulerName, id)
	exec, err := s.scanExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("execution not found: %s", id)
		}
		return nil, errors.Wrap(err, "failed to get execution")
	}
	return exec, nil
}

// ListExecutions returns the most recent executions, newest first. A zero
// job key lists every job.
func (s *Store) ListExecutions(ctx context.Context, job schedule.JobKey, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := selectColumns + ` WHERE sched_name = ?`
	args := []interface{}{s.schedulerName}
	if !job.IsZero() {
		query += ` AND job_group = ? AND job_name = ?`
		args = append(args, job.Group, job.Name)
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := s.scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate executions")
	}
	return executions, nil
}

// Prune deletes finished executions that started before cutoff and returns
// how many were removed. Running executions are kept.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM pulse_executions WHERE sched_name = ? AND started_at < ? AND status != ?`,
		s.schedulerName, toMillis(cutoff), StatusRunning)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune executions")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to check rows affected")
	}
	return n, nil
}
