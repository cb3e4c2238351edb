package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/repo"
)

type JobStore struct {
	db TxDB
}

const (
	insertJobQuery = `INSERT INTO build_jobs (
		job_id,
		name,
		status,
		attempt,
		revision,
		next_attempt_at,
		published_at,
		created_at,
		updated_at,
		doc
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	updateJobQuery = `UPDATE build_jobs SET
		status = $3,
		attempt = $4,
		revision = $5,
		next_attempt_at = $6,
		published_at = $7,
		updated_at = $8,
		doc = $9
	 WHERE job_id = $1 AND revision = $2`

	selectJobQuery = `SELECT doc FROM build_jobs WHERE job_id = $1`

	listJobsQuery = `SELECT doc FROM build_jobs
	 WHERE ($1 = '' OR status = $1)
	   AND ($2 = '' OR name = $2)
	   AND (NOT $3 OR (status = 'succeeded' AND published_at IS NULL AND doc->'publish_failure' IS NULL))
	   AND (NOT $4 OR NOT (status IN ('failed', 'cancelled') OR (status = 'succeeded' AND (published_at IS NOT NULL OR doc->'publish_failure' IS NOT NULL))))
	 ORDER BY created_at ASC, job_id ASC
	 LIMIT $5`

	insertJobEventQuery = `INSERT INTO build_job_events (
		job_id,
		seq,
		attempt,
		from_status,
		to_status,
		builder_id,
		reason,
		occurred_at
	) VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM build_job_events WHERE job_id = $1), $2, $3, $4, $5, $6, $7)`

	listJobEventsQuery = `SELECT job_id, seq, attempt, from_status, to_status, builder_id, reason, occurred_at
	 FROM build_job_events
	 WHERE job_id = $1
	 ORDER BY seq ASC`
)

func NewJobStore(db TxDB) *JobStore {
	if db == nil {
		return nil
	}
	return &JobStore{db: db}
}

func (s *JobStore) CreateJob(ctx context.Context, job domain.Job, events ...domain.JobEvent) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	if strings.TrimSpace(job.ID) == "" {
		return domain.Job{}, fmt.Errorf("job id is required")
	}
	job.Revision = 1
	job.CreatedAt = normalizeTime(job.CreatedAt)
	job.UpdatedAt = job.CreatedAt

	doc, err := json.Marshal(job)
	if err != nil {
		return domain.Job{}, fmt.Errorf("encode job: %w", err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(
			ctx,
			insertJobQuery,
			job.ID,
			job.Recipe.Name,
			string(job.Status),
			job.Attempt,
			job.Revision,
			nullTime(job.NextAttemptAt),
			nullTime(job.PublishedAt),
			job.CreatedAt,
			job.UpdatedAt,
			doc,
		); err != nil {
			if isUniqueViolation(err) {
				return repo.ErrConflict
			}
			return fmt.Errorf("insert job: %w", err)
		}
		return insertEvents(ctx, tx, job.ID, events)
	})
	if err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (s *JobStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	return scanJob(s.db.QueryRowContext(ctx, selectJobQuery, strings.TrimSpace(id)))
}

func (s *JobStore) ListJobs(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		listJobsQuery,
		string(filter.Status),
		strings.TrimSpace(filter.Name),
		filter.Unpublished,
		filter.Active,
		repo.ClampLimit(filter.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) UpdateJob(ctx context.Context, job domain.Job, events ...domain.JobEvent) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	expected := job.Revision
	job.Revision = expected + 1
	job.UpdatedAt = normalizeTime(job.UpdatedAt)

	doc, err := json.Marshal(job)
	if err != nil {
		return domain.Job{}, fmt.Errorf("encode job: %w", err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			updateJobQuery,
			job.ID,
			expected,
			string(job.Status),
			job.Attempt,
			job.Revision,
			nullTime(job.NextAttemptAt),
			nullTime(job.PublishedAt),
			job.UpdatedAt,
			doc,
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if affected == 0 {
			var probe string
			err := tx.QueryRowContext(ctx, `SELECT job_id FROM build_jobs WHERE job_id = $1`, job.ID).Scan(&probe)
			if err != nil {
				return handleNotFound(err)
			}
			return repo.ErrConflict
		}
		return insertEvents(ctx, tx, job.ID, events)
	})
	if err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (s *JobStore) ListEvents(ctx context.Context, jobID string) ([]domain.JobEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listJobEventsQuery, strings.TrimSpace(jobID))
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.JobEvent, 0)
	for rows.Next() {
		var ev domain.JobEvent
		var from, builder, reason sql.NullString
		var to string
		if err := rows.Scan(&ev.JobID, &ev.Seq, &ev.Attempt, &from, &to, &builder, &reason, &ev.At); err != nil {
			return nil, err
		}
		ev.From = domain.JobStatus(from.String)
		ev.To = domain.JobStatus(to)
		ev.BuilderID = builder.String
		ev.Reason = reason.String
		ev.At = ev.At.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	return events, nil
}

func (s *JobStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, jobID string, events []domain.JobEvent) error {
	for _, ev := range events {
		if _, err := tx.ExecContext(
			ctx,
			insertJobEventQuery,
			jobID,
			ev.Attempt,
			nullIfEmpty(string(ev.From)),
			string(ev.To),
			nullIfEmpty(ev.BuilderID),
			nullIfEmpty(ev.Reason),
			normalizeTime(ev.At),
		); err != nil {
			return fmt.Errorf("insert job event: %w", err)
		}
	}
	return nil
}

func scanJob(scanner rowScanner) (domain.Job, error) {
	var doc []byte
	if err := scanner.Scan(&doc); err != nil {
		return domain.Job{}, handleNotFound(err)
	}
	var job domain.Job
	if err := json.Unmarshal(doc, &job); err != nil {
		return domain.Job{}, fmt.Errorf("decode job: %w", err)
	}
	if job.ID == "" {
		return domain.Job{}, errors.New("decode job: missing id")
	}
	return job, nil
}
