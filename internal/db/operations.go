package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orrn/kiosk/internal/core"
)

type JobOperations struct {
	db *sql.DB
}

func (o *JobOperations) CreateJob(ctx context.Context, j *JobRecord) error {
	_, err := o.db.ExecContext(ctx, InsertJob,
		j.ID, j.Code, j.ServerJobID, j.BackendHandle, j.State, j.Message,
		j.ColorMode, j.Duplex, j.Copies, j.SubmittedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (o *JobOperations) FinishJob(ctx context.Context, id, state, message string, finishedAt time.Time) error {
	result, err := o.db.ExecContext(ctx, FinishJob, state, message, finishedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (*JobRecord, error) {
	j := &JobRecord{}
	var finishedAt sql.NullTime
	if err := row.Scan(
		&j.ID, &j.Code, &j.ServerJobID, &j.BackendHandle, &j.State, &j.Message,
		&j.ColorMode, &j.Duplex, &j.Copies, &j.SubmittedAt, &finishedAt); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		j.FinishedAt = &finishedAt.Time
	}
	return j, nil
}

func (o *JobOperations) GetJobByID(ctx context.Context, id string) (*JobRecord, error) {
	j, err := scanJob(o.db.QueryRowContext(ctx, GetJobByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (o *JobOperations) ListJobs(ctx context.Context, limit, offset int) ([]*JobRecord, error) {
	rows, err := o.db.QueryContext(ctx, ListJobs, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (o *JobOperations) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := o.db.QueryContext(ctx, CountJobsByState)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// PruneBefore deletes finished jobs submitted before cutoff. Times are
// stored in UTC so the text comparison sqlite does is chronological.
func (o *JobOperations) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := o.db.ExecContext(ctx, DeleteJobsBefore, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return result.RowsAffected()
}

type SettingsOperations struct {
	db *sql.DB
}

func (o *SettingsOperations) GetSetting(ctx context.Context, key string) (*Setting, error) {
	s := &Setting{Key: key}
	err := o.db.QueryRowContext(ctx, GetSetting, key).Scan(&s.Value, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return s, nil
}

func (o *SettingsOperations) SetSetting(ctx context.Context, key, value string) error {
	_, err := o.db.ExecContext(ctx, SetSetting, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func (o *SettingsOperations) DeleteSetting(ctx context.Context, key string) error {
	_, err := o.db.ExecContext(ctx, DeleteSetting, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}

func (s *Store) RecordSubmitted(ctx context.Context, job *core.Job) error {
	return s.Jobs.CreateJob(ctx, &JobRecord{
		ID:            job.ID,
		Code:          job.Code,
		ServerJobID:   job.ServerJobID,
		BackendHandle: job.BackendHandle,
		State:         string(job.State),
		ColorMode:     job.Options.ColorMode,
		Duplex:        job.Options.Duplex,
		Copies:        job.Options.Copies,
		SubmittedAt:   job.SubmittedAt,
	})
}

func (s *Store) RecordFinished(ctx context.Context, job *core.Job) error {
	finishedAt := time.Now()
	if job.FinishedAt != nil {
		finishedAt = *job.FinishedAt
	}
	return s.Jobs.FinishJob(ctx, job.ID, string(job.State), job.Message, finishedAt)
}

var _ core.JobRecorder = (*Store)(nil)
