package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const approvedColumns = `a.id, a.reason, a.approved_at, a.applied_at, a.archived,
	d.id, d.job_id, d.url, COALESCE(d.title, ''), COALESCE(d.description, ''),
	d.location, d.keyword, d.analyzed, d.discovered_at`

// Service persists discovered and approved jobs.
type Service struct {
	db  *sql.DB
	now func() time.Time
}

// NewService creates a job service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// InsertStub records a job link. It reports false when the job was already
// known, which is not an error.
func (s *Service) InsertStub(ctx context.Context, stub Stub) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO discovered_jobs (job_id, url, location, keyword, discovered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, stub.JobID, stub.URL, stub.Location, stub.Keyword, s.now().Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("inserting job %d: %w", stub.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting job %d: %w", stub.JobID, err)
	}
	return n > 0, nil
}

// NeedsProcessing reports whether the job has not been analyzed yet. Jobs
// whose fetch or evaluation failed stay in this state until a later scan
// finishes them. Unknown jobs report false.
func (s *Service) NeedsProcessing(ctx context.Context, jobID int64) (bool, error) {
	var pending bool
	err := s.db.QueryRowContext(ctx,
		`SELECT analyzed = 0 FROM discovered_jobs WHERE job_id = ?`, jobID).Scan(&pending)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking job %d state: %w", jobID, err)
	}
	return pending, nil
}

// UpdateDetails stores title and description, keeping existing values when
// the new ones are empty.
func (s *Service) UpdateDetails(ctx context.Context, jobID int64, title, description string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE discovered_jobs
		SET title = COALESCE(NULLIF(?, ''), title),
		    description = COALESCE(NULLIF(?, ''), description)
		WHERE job_id = ?
	`, title, description, jobID)
	if err != nil {
		return fmt.Errorf("updating job %d details: %w", jobID, err)
	}
	return nil
}

// MarkAnalyzed flags the job as processed by the evaluator.
func (s *Service) MarkAnalyzed(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE discovered_jobs SET analyzed = 1 WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("marking job %d analyzed: %w", jobID, err)
	}
	return nil
}

// Approve records that the job matched. It reports false if the job was
// already approved or is unknown.
func (s *Service) Approve(ctx context.Context, jobID int64, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO approved_jobs (discovered_job_id, reason, approved_at)
		SELECT id, ?, ? FROM discovered_jobs WHERE job_id = ?
		ON CONFLICT(discovered_job_id) DO NOTHING
	`, reason, s.now().Format(time.RFC3339), jobID)
	if err != nil {
		return false, fmt.Errorf("approving job %d: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approving job %d: %w", jobID, err)
	}
	return n > 0, nil
}

// CountDiscovered returns the number of discovered jobs.
func (s *Service) CountDiscovered(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM discovered_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting discovered jobs: %w", err)
	}
	return n, nil
}

// GetDiscovered returns a discovered job by its LinkedIn id.
func (s *Service) GetDiscovered(ctx context.Context, jobID int64) (*Discovered, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, url, COALESCE(title, ''), COALESCE(description, ''),
		       location, keyword, analyzed, discovered_at
		FROM discovered_jobs WHERE job_id = ?`, jobID)

	var d Discovered
	var discoveredAt string
	err := row.Scan(&d.ID, &d.JobID, &d.URL, &d.Title, &d.Description,
		&d.Location, &d.Keyword, &d.Analyzed, &discoveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job %d: %w", jobID, err)
	}
	d.DiscoveredAt = parseTime(discoveredAt)
	return &d, nil
}

// List returns approved jobs with the given status, newest first.
func (s *Service) List(ctx context.Context, status Status) ([]Approved, error) {
	var where, order string
	switch status {
	case StatusPending:
		where, order = `a.applied_at IS NULL AND a.archived = 0`, `a.approved_at DESC, a.id DESC`
	case StatusApplied:
		where, order = `a.applied_at IS NOT NULL AND a.archived = 0`, `a.applied_at DESC, a.id DESC`
	case StatusArchived:
		where, order = `a.archived = 1`, `a.applied_at DESC, a.id DESC`
	default:
		return nil, fmt.Errorf("unknown status %q", status)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvedColumns+`
		FROM approved_jobs a JOIN discovered_jobs d ON d.id = a.discovered_job_id
		WHERE `+where+` ORDER BY `+order) //nolint:gosec // where/order come from the fixed switch above
	if err != nil {
		return nil, fmt.Errorf("listing %s jobs: %w", status, err)
	}
	defer rows.Close() //nolint:errcheck

	out := []Approved{}
	for rows.Next() {
		a, err := scanApproved(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning approved job: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// GetApproved returns an approved job by its id.
func (s *Service) GetApproved(ctx context.Context, id int64) (*Approved, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+approvedColumns+`
		FROM approved_jobs a JOIN discovered_jobs d ON d.id = a.discovered_job_id
		WHERE a.id = ?`, id)
	a, err := scanApproved(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting approved job %d: %w", id, err)
	}
	return a, nil
}

// MarkApplied stamps the approved job with the current time. Applying twice
// keeps the first timestamp.
func (s *Service) MarkApplied(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approved_jobs SET applied_at = COALESCE(applied_at, ?) WHERE id = ?`,
		s.now().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("marking job %d applied: %w", id, err)
	}
	return requireRow(res, id)
}

// DeleteApproved removes an approved job. The discovered record stays so the
// job is not rediscovered as new.
func (s *Service) DeleteApproved(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM approved_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting approved job %d: %w", id, err)
	}
	return requireRow(res, id)
}

// ClearPending deletes every approved job that has not been applied to.
func (s *Service) ClearPending(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM approved_jobs WHERE applied_at IS NULL AND archived = 0`)
	if err != nil {
		return 0, fmt.Errorf("clearing pending jobs: %w", err)
	}
	return res.RowsAffected()
}

// ArchiveApplied archives every applied job that is not yet archived.
func (s *Service) ArchiveApplied(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approved_jobs SET archived = 1 WHERE applied_at IS NOT NULL AND archived = 0`)
	if err != nil {
		return 0, fmt.Errorf("archiving applied jobs: %w", err)
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("approved job %d: %w", id, ErrNotFound)
	}
	return nil
}

// scanApproved scans a row selected with approvedColumns.
func scanApproved(row interface{ Scan(...any) error }) (*Approved, error) {
	var a Approved
	var approvedAt, discoveredAt string
	var appliedAt sql.NullString

	err := row.Scan(
		&a.ID, &a.Reason, &approvedAt, &appliedAt, &a.Archived,
		&a.Job.ID, &a.Job.JobID, &a.Job.URL, &a.Job.Title, &a.Job.Description,
		&a.Job.Location, &a.Job.Keyword, &a.Job.Analyzed, &discoveredAt,
	)
	if err != nil {
		return nil, err
	}

	a.ApprovedAt = parseTime(approvedAt)
	a.Job.DiscoveredAt = parseTime(discoveredAt)
	if appliedAt.Valid {
		t := parseTime(appliedAt.String)
		a.AppliedAt = &t
	}
	return &a, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
