package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// timeLayout is fixed width so lexical order of stored timestamps matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const jobColumns = `id, status, request, message, created_at, updated_at`

type Queue struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Insert stores a new job. Missing id, status or timestamps are filled in.
func (q *Queue) Insert(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		fresh := NewJob(job.Request)
		job.ID = fresh.ID
	}
	if job.Status == "" {
		job.Status = StatusNew
	}
	if !job.Status.Valid() {
		return fmt.Errorf("insert job: unknown status %q", job.Status)
	}
	if len(job.Request) == 0 {
		return fmt.Errorf("insert job: request is empty")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	_, err := q.db.ExecContext(ctx, `
INSERT INTO jobs(id, status, request, message, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?);
`, job.ID, job.Status, string(job.Request), job.Message, formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get returns the job with id or ErrJobNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// OldestByStatus returns the oldest job with status, or (nil, nil) when none exists.
func (q *Queue) OldestByStatus(ctx context.Context, status Status) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status = ?
ORDER BY created_at ASC, rowid ASC
LIMIT 1;
`, status)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest job by status: %w", err)
	}
	return j, nil
}

// OldestCreatedBefore returns the oldest job created strictly before cutoff,
// or (nil, nil) when none exists.
func (q *Queue) OldestCreatedBefore(ctx context.Context, cutoff time.Time) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE created_at < ?
ORDER BY created_at ASC, rowid ASC
LIMIT 1;
`, formatTime(cutoff))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest job before cutoff: %w", err)
	}
	return j, nil
}

// UpdateStatus moves job id from status from to status to. The write only
// applies if the row still holds from, which makes NEW -> IN_PROGRESS a claim.
func (q *Queue) UpdateStatus(ctx context.Context, id string, from, to Status) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE jobs
SET status = ?, updated_at = ?
WHERE id = ? AND status = ?;
`, to, formatTime(q.now()), id, from)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?;`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("load job status: %w", err)
		}
		return fmt.Errorf("%w: job %s is %s, expected %s", ErrStatusConflict, id, current, from)
	}
	return tx.Commit()
}

// AppendMessage adds text to the job's message log. Fragments are joined with
// MessageDelimiter; the existing text is never rewritten.
func (q *Queue) AppendMessage(ctx context.Context, id, text string) error {
	text = strings.TrimRight(text, MessageDelimiter)
	if text == "" {
		return nil
	}
	res, err := q.db.ExecContext(ctx, `
UPDATE jobs
SET message = CASE WHEN message = '' THEN ? ELSE message || ? || ? END,
    updated_at = ?
WHERE id = ?;
`, text, MessageDelimiter, text, formatTime(q.now()), id)
	if err != nil {
		return fmt.Errorf("append job message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append job message: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Delete removes job id. It returns ErrJobNotFound when nothing was deleted.
func (q *Queue) Delete(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ListByStatus returns all jobs with status, oldest first.
func (q *Queue) ListByStatus(ctx context.Context, status Status) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status = ?
ORDER BY created_at ASC, rowid ASC;
`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectJobs(rows)
}

// List returns up to limit jobs, newest first.
func (q *Queue) List(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// CountByStatus returns the number of jobs per status. Every known status is
// present in the result, with zero when no job holds it.
func (q *Queue) CountByStatus(ctx context.Context) (map[Status]int, error) {
	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}

	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j          Job
		statusS    string
		request    string
		createdAtS string
		updatedAtS string
	)
	if err := row.Scan(&j.ID, &statusS, &request, &j.Message, &createdAtS, &updatedAtS); err != nil {
		return nil, err
	}
	j.Status = Status(statusS)
	j.Request = []byte(request)
	if t, err := time.Parse(timeLayout, createdAtS); err == nil {
		j.CreatedAt = t
	}
	if t, err := time.Parse(timeLayout, updatedAtS); err == nil {
		j.UpdatedAt = t
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
