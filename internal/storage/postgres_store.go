package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/speedyvan/dispatch/internal/apperr"
	"github.com/speedyvan/dispatch/internal/models"
)

const (
	jobColumns = `id, reference, status, driver_id, customer_id, pickup_lat, pickup_lon,
	dropoff_lat, dropoff_lon, scheduled_at, total_pence, payment_ref, created_at, updated_at`

	assignmentColumns = `id, job_id, driver_id, status, round, expires_at, claimed_at, responded_at, created_at`

	driverSelect = `SELECT d.id, d.name, d.status, d.onboarding_status, COALESCE(d.rating, 0), d.vehicle_type, d.availability,
	(SELECT COUNT(*) FROM jobs j WHERE j.driver_id = d.id AND j.status = 'CONFIRMED') AS active_jobs,
	(SELECT COUNT(*) FROM jobs j WHERE j.driver_id = d.id AND j.status = 'COMPLETED') AS completed_jobs,
	COALESCE(p.acceptance_rate, 100) AS acceptance_rate
FROM drivers d LEFT JOIN driver_performance p ON p.driver_id = d.id`

	defaultExpiredLimit = 1000
)

// uniqueViolation is the Postgres SQLSTATE for unique index conflicts.
const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Ping is used by the health check.
func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate runs a schema script. Statements must be idempotent.
func (p *PostgresStore) Migrate(ctx context.Context, schema string) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j      models.Job
		driver sql.NullString
	)
	err := row.Scan(&j.ID, &j.Reference, &j.Status, &driver, &j.CustomerID,
		&j.Pickup.Lat, &j.Pickup.Lon, &j.Dropoff.Lat, &j.Dropoff.Lon,
		&j.ScheduledAt, &j.TotalPence, &j.PaymentRef, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if driver.Valid {
		id := driver.String
		j.DriverID = &id
	}
	return &j, nil
}

func scanAssignment(row rowScanner) (*models.Assignment, error) {
	var (
		a                  models.Assignment
		claimed, responded sql.NullTime
	)
	err := row.Scan(&a.ID, &a.JobID, &a.DriverID, &a.Status, &a.Round, &a.ExpiresAt, &claimed, &responded, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if claimed.Valid {
		t := claimed.Time
		a.ClaimedAt = &t
	}
	if responded.Valid {
		t := responded.Time
		a.RespondedAt = &t
	}
	return &a, nil
}

func scanDriver(row rowScanner) (*models.Driver, error) {
	var d models.Driver
	err := row.Scan(&d.ID, &d.Name, &d.Status, &d.Onboarding, &d.Rating, &d.VehicleType, &d.Availability,
		&d.ActiveJobs, &d.CompletedJobs, &d.AcceptanceRate)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// notFound converts sql.ErrNoRows into the apperr sentinel.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, apperr.ErrNotFound)
	}
	return fmt.Errorf("load %s %s: %w", what, id, err)
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "job", id)
	}
	return j, nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, driverSelect+` WHERE d.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "driver", id)
	}
	return d, nil
}

func (p *PostgresStore) GetAssignment(ctx context.Context, id string) (*models.Assignment, error) {
	a, err := scanAssignment(p.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "assignment", id)
	}
	return a, nil
}

func (p *PostgresStore) OpenAssignment(ctx context.Context, jobID string) (*models.Assignment, error) {
	a, err := scanAssignment(p.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE job_id = $1 AND status IN ('invited', 'claimed', 'accepted')`, jobID))
	if err != nil {
		return nil, notFound(err, "open assignment for job", jobID)
	}
	return a, nil
}

func (p *PostgresStore) queryDrivers(ctx context.Context, query string, args ...any) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query drivers: %w", err)
	}
	defer rows.Close()
	out := []models.Driver{}
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListCandidateDrivers(ctx context.Context) ([]models.Driver, error) {
	return p.queryDrivers(ctx, driverSelect+`
WHERE d.status = 'active' AND d.onboarding_status = 'approved'
ORDER BY d.id`)
}

func (p *PostgresStore) TopAcceptanceCandidates(ctx context.Context, exclude []string, maxActiveJobs, limit int) ([]models.Driver, error) {
	if exclude == nil {
		exclude = []string{}
	}
	if limit <= 0 {
		limit = defaultExpiredLimit
	}
	return p.queryDrivers(ctx, driverSelect+`
WHERE d.status = 'active' AND d.onboarding_status = 'approved' AND d.availability = 'online'
AND NOT (d.id = ANY($1))
AND (SELECT COUNT(*) FROM jobs j WHERE j.driver_id = d.id AND j.status = 'CONFIRMED') < $2
ORDER BY acceptance_rate DESC, d.id
LIMIT $3`, pq.Array(exclude), maxActiveJobs, limit)
}

// Assign binds a driver to a job. The job row is locked for the duration
// of the transaction and the partial unique index on open assignments
// rejects any concurrent writer that slips past the lock.
func (p *PostgresStore) Assign(ctx context.Context, ap AssignParams) (*models.Assignment, error) {
	now := orNow(ap.Now)
	var out *models.Assignment
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, ap.JobID))
		if err != nil {
			return notFound(err, "job", ap.JobID)
		}
		if job.Status == models.JobCompleted || job.Status == models.JobCancelled {
			return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, apperr.ErrInvalidState)
		}
		if job.DriverID != nil {
			return fmt.Errorf("job %s: %w", job.ID, apperr.ErrConflict)
		}

		var (
			status     models.DriverStatus
			onboarding models.Onboarding
		)
		err = tx.QueryRowContext(ctx, `SELECT status, onboarding_status FROM drivers WHERE id = $1`, ap.DriverID).
			Scan(&status, &onboarding)
		if err != nil {
			return notFound(err, "driver", ap.DriverID)
		}
		if status != models.DriverActive || onboarding != models.OnboardingApproved {
			return fmt.Errorf("driver %s is not approved: %w", ap.DriverID, apperr.ErrValidation)
		}

		var round int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(round), 0) FROM assignments WHERE job_id = $1`, job.ID).
			Scan(&round); err != nil {
			return fmt.Errorf("next round: %w", err)
		}

		res, err := tx.ExecContext(ctx, `UPDATE jobs SET driver_id = $1, status = 'CONFIRMED', updated_at = $2
WHERE id = $3 AND driver_id IS NULL`, ap.DriverID, now, job.ID)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("job %s: %w", job.ID, apperr.ErrConflict)
		}

		a := newAssignment(ap, round+1, now)
		_, err = tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`,
			a.ID, a.JobID, a.DriverID, a.Status, a.Round, a.ExpiresAt, a.ClaimedAt, a.RespondedAt, a.CreatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return fmt.Errorf("job %s: %w", job.ID, apperr.ErrConflict)
			}
			return fmt.Errorf("insert assignment: %w", err)
		}

		after := jobSnapshot{DriverID: &a.DriverID, Status: models.JobConfirmed}
		entry := newAudit(ap.Actor, actionOr(ap.Action, "job.assign"), TargetJob, job.ID,
			jobSnapshot{DriverID: job.DriverID, Status: job.Status}, after, now)
		if err := insertAudit(ctx, tx, entry); err != nil {
			return err
		}
		out = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) ExpiredAssignments(ctx context.Context, now time.Time, limit int) ([]models.Assignment, error) {
	if limit <= 0 {
		limit = defaultExpiredLimit
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE status IN ('invited', 'claimed') AND expires_at < $1
ORDER BY expires_at
LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired: %w", err)
	}
	defer rows.Close()
	var out []models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ExpireAssignment declines an overdue offer, releases the job and penalises
// the driver. Repeated calls for the same assignment fail with ErrConflict.
func (p *PostgresStore) ExpireAssignment(ctx context.Context, ep ExpireParams) (*ExpireResult, error) {
	now := orNow(ep.Now)
	var out ExpireResult
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAssignment(tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = $1 FOR UPDATE`, ep.AssignmentID))
		if err != nil {
			return notFound(err, "assignment", ep.AssignmentID)
		}
		// guarded by current status so a second sweep is a no-op
		if !isExpirable(a, now) {
			return fmt.Errorf("assignment %s already %s: %w", a.ID, a.Status, apperr.ErrConflict)
		}
		before := assignmentSnapshot{DriverID: a.DriverID, Status: a.Status, Round: a.Round}
		if _, err := tx.ExecContext(ctx, `UPDATE assignments SET status = 'declined', responded_at = $2, updated_at = $2 WHERE id = $1`,
			a.ID, now); err != nil {
			return fmt.Errorf("expire assignment: %w", err)
		}
		a.Status = models.AssignmentDeclined
		a.RespondedAt = &now

		job, err := scanJob(tx.QueryRowContext(ctx, `UPDATE jobs
SET driver_id = CASE WHEN driver_id = $3 THEN NULL ELSE driver_id END,
    status = CASE WHEN status = 'DRAFT' THEN 'CONFIRMED' ELSE status END,
    updated_at = $2
WHERE id = $1
RETURNING `+jobColumns, a.JobID, now, a.DriverID))
		if err != nil {
			return notFound(err, "job", a.JobID)
		}

		prev := models.DefaultAcceptanceRate
		err = tx.QueryRowContext(ctx, `SELECT acceptance_rate FROM driver_performance WHERE driver_id = $1 FOR UPDATE`, a.DriverID).
			Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load performance: %w", err)
		}
		rate := Penalize(prev, ep.Penalty)
		_, err = tx.ExecContext(ctx, `INSERT INTO driver_performance(driver_id, acceptance_rate, last_calculated)
VALUES($1, $2, $3)
ON CONFLICT (driver_id) DO UPDATE SET acceptance_rate = EXCLUDED.acceptance_rate, last_calculated = EXCLUDED.last_calculated`,
			a.DriverID, rate, now)
		if err != nil {
			return fmt.Errorf("update performance: %w", err)
		}

		entry := newAudit(ep.Actor, "assignment.expire", TargetAssignment, a.ID,
			before, assignmentSnapshot{DriverID: a.DriverID, Status: a.Status, Round: a.Round}, now)
		if err := insertAudit(ctx, tx, entry); err != nil {
			return err
		}
		out = ExpireResult{Assignment: *a, Job: *job, PreviousRate: prev, AcceptanceRate: rate}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *PostgresStore) Respond(ctx context.Context, rp RespondParams) (*RespondResult, error) {
	now := orNow(rp.Now)
	var out RespondResult
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAssignment(tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE id = $1 AND driver_id = $2 FOR UPDATE`, rp.AssignmentID, rp.DriverID))
		if err != nil {
			return notFound(err, "assignment", rp.AssignmentID)
		}
		next, err := nextStatus(a, rp.Response, now)
		if err != nil {
			return err
		}
		before := assignmentSnapshot{DriverID: a.DriverID, Status: a.Status, Round: a.Round}

		if _, err := tx.ExecContext(ctx, `UPDATE assignments SET status = $2, responded_at = $3, updated_at = $3 WHERE id = $1`,
			a.ID, next, now); err != nil {
			return fmt.Errorf("update assignment: %w", err)
		}
		a.Status = next
		a.RespondedAt = &now

		job, err := scanJob(tx.QueryRowContext(ctx, `UPDATE jobs
SET driver_id = CASE WHEN $3 = 'declined' AND driver_id = $4 THEN NULL ELSE driver_id END,
    status = CASE WHEN $3 = 'completed' THEN 'COMPLETED' ELSE status END,
    updated_at = $2
WHERE id = $1
RETURNING `+jobColumns, a.JobID, now, string(next), a.DriverID))
		if err != nil {
			return notFound(err, "job", a.JobID)
		}

		entry := newAudit(rp.Actor, "assignment."+string(rp.Response), TargetAssignment, a.ID,
			before, assignmentSnapshot{DriverID: a.DriverID, Status: a.Status, Round: a.Round}, now)
		if err := insertAudit(ctx, tx, entry); err != nil {
			return err
		}
		out = RespondResult{Assignment: *a, Job: *job}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *PostgresStore) ConfirmJob(ctx context.Context, cp ConfirmParams) (*models.Job, error) {
	now := orNow(cp.Now)
	var out *models.Job
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, cp.JobID))
		if err != nil {
			return notFound(err, "job", cp.JobID)
		}
		if job.Status != models.JobDraft {
			return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, apperr.ErrInvalidState)
		}
		before := jobSnapshot{DriverID: job.DriverID, Status: job.Status}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'CONFIRMED', payment_ref = $2, updated_at = $3 WHERE id = $1`,
			job.ID, cp.PaymentRef, now); err != nil {
			return fmt.Errorf("confirm job: %w", err)
		}
		job.Status = models.JobConfirmed
		job.PaymentRef = cp.PaymentRef
		job.UpdatedAt = now

		entry := newAudit(cp.Actor, "job.confirm", TargetJob, job.ID,
			before, jobSnapshot{DriverID: job.DriverID, Status: job.Status}, now)
		if err := insertAudit(ctx, tx, entry); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) CancelJob(ctx context.Context, cp CancelParams) (*CancelResult, error) {
	now := orNow(cp.Now)
	out := &CancelResult{}
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, cp.JobID))
		if err != nil {
			return notFound(err, "job", cp.JobID)
		}
		if job.Status == models.JobCompleted || job.Status == models.JobCancelled {
			return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, apperr.ErrInvalidState)
		}

		a, err := scanAssignment(tx.QueryRowContext(ctx, `UPDATE assignments
SET status = 'cancelled', responded_at = $2, updated_at = $2
WHERE job_id = $1 AND status IN ('invited', 'claimed', 'accepted')
RETURNING `+assignmentColumns, job.ID, now))
		switch {
		case err == nil:
			out.Assignment = a
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("cancel assignment: %w", err)
		}

		before := jobSnapshot{DriverID: job.DriverID, Status: job.Status}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'CANCELLED', driver_id = NULL, updated_at = $2 WHERE id = $1`,
			job.ID, now); err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		job.Status = models.JobCancelled
		job.DriverID = nil
		job.UpdatedAt = now

		entry := newAudit(cp.Actor, "job.cancel", TargetJob, job.ID,
			before, map[string]any{"status": job.Status, "reason": cp.Reason}, now)
		if err := insertAudit(ctx, tx, entry); err != nil {
			return err
		}
		out.Job = *job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) SetAvailability(ctx context.Context, driverID string, av models.Availability) error {
	now := time.Now()
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var prev models.Availability
		if err := tx.QueryRowContext(ctx, `SELECT availability FROM drivers WHERE id = $1 FOR UPDATE`, driverID).
			Scan(&prev); err != nil {
			return notFound(err, "driver", driverID)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE drivers SET availability = $2 WHERE id = $1`, driverID, av); err != nil {
			return fmt.Errorf("update availability: %w", err)
		}
		entry := newAudit(models.Actor{ID: driverID, Role: "driver"}, "driver.availability", TargetDriver, driverID,
			map[string]any{"availability": prev}, map[string]any{"availability": av}, now)
		return insertAudit(ctx, tx, entry)
	})
}

func (p *PostgresStore) AuditTrail(ctx context.Context, targetType, targetID string) ([]models.AuditEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, actor_id, actor_role, action, target_type, target_id, before, after, created_at
FROM audit_log WHERE target_type = $1 AND target_id = $2 ORDER BY created_at`, targetType, targetID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()
	var out []models.AuditEntry
	for rows.Next() {
		var (
			e             models.AuditEntry
			before, after []byte
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.ActorRole, &e.Action, &e.TargetType, &e.TargetID, &before, &after, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Before, e.After = before, after
		out = append(out, e)
	}
	return out, rows.Err()
}

func insertAudit(ctx context.Context, tx *sql.Tx, e models.AuditEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_log(id, actor_id, actor_role, action, target_type, target_id, before, after, created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.ActorID, e.ActorRole, e.Action, e.TargetType, e.TargetID, nullJSON(e.Before), nullJSON(e.After), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
