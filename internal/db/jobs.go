package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/bobarin/montage/internal/models"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrDuplicateJob = errors.New("job already recorded")
)

const uniqueViolation = "23505"

func (db *DB) CreateJob(ctx context.Context, job *models.JobRecord) error {
	query := `
		INSERT INTO assembly_jobs (
			id, state, image_count, has_background
		) VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`

	err := db.QueryRowContext(
		ctx, query,
		job.ID, job.State, job.ImageCount, job.HasBackground,
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateJob
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (db *DB) UpdateJobState(ctx context.Context, id string, state models.JobState) error {
	query := `UPDATE assembly_jobs SET state = $1, updated_at = $2 WHERE id = $3`

	res, err := db.ExecContext(ctx, query, state, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}
	return requireRow(res)
}

// UpdateJobTimeline records the resolved segment durations and effects.
func (db *DB) UpdateJobTimeline(ctx context.Context, id string, totalSeconds int, timeline models.JSONB) error {
	query := `
		UPDATE assembly_jobs
		SET total_duration_sec = $1, timeline = $2, updated_at = $3
		WHERE id = $4
	`
	res, err := db.ExecContext(ctx, query, totalSeconds, timeline, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update job timeline: %w", err)
	}
	return requireRow(res)
}

// FinishJob moves a job to a terminal state. errorMessage is stored only for
// failed jobs, outputBytes only for successful ones.
func (db *DB) FinishJob(ctx context.Context, id string, state models.JobState, outputBytes int64, errorMessage string) error {
	if !state.IsTerminal() {
		return fmt.Errorf("state %s is not terminal", state)
	}

	var (
		size sql.NullInt64
		msg  sql.NullString
	)
	if state == models.JobStateDone {
		size = sql.NullInt64{Int64: outputBytes, Valid: true}
	} else {
		msg = sql.NullString{String: errorMessage, Valid: errorMessage != ""}
	}

	now := time.Now()
	query := `
		UPDATE assembly_jobs
		SET state = $1, output_bytes = $2, error_message = $3, finished_at = $4, updated_at = $4
		WHERE id = $5
	`
	res, err := db.ExecContext(ctx, query, state, size, msg, now, id)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return requireRow(res)
}

const jobColumns = `
	id, state, image_count, has_background, total_duration_sec, timeline,
	output_bytes, error_message, created_at, updated_at, finished_at
`

func (db *DB) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM assembly_jobs WHERE id = $1`

	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first. An empty state lists every state.
func (db *DB) ListJobs(ctx context.Context, state string, limit, offset int) ([]models.JobRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + jobColumns + ` FROM assembly_jobs`
	args := []interface{}{}
	if state != "" {
		query += ` WHERE state = $1`
		args = append(args, state)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.JobRecord{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.JobRecord, error) {
	job := &models.JobRecord{}
	err := row.Scan(
		&job.ID, &job.State, &job.ImageCount, &job.HasBackground,
		&job.TotalDurationSec, &job.Timeline, &job.OutputBytes,
		&job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}
