package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/speedyvan/dispatch/internal/apperr"
	"github.com/speedyvan/dispatch/internal/models"
)

// DefaultOfferWindow is how long a driver has to act on an offer.
const DefaultOfferWindow = 30 * time.Minute

// MemoryStore is a Store held in process memory. A single lock makes every
// operation atomic, which gives the same all-or-nothing behaviour as the
// Postgres transactions. It backs local runs without PG_DSN and the tests.
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*models.Job
	drivers     map[string]*models.Driver
	assignments map[string]*models.Assignment
	performance map[string]*models.DriverPerformance
	audit       []models.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*models.Job),
		drivers:     make(map[string]*models.Driver),
		assignments: make(map[string]*models.Assignment),
		performance: make(map[string]*models.DriverPerformance),
	}
}

// PutJob inserts or replaces a job.
func (m *MemoryStore) PutJob(j models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = &j
}

// PutDriver inserts or replaces a driver. Derived fields are ignored.
func (m *MemoryStore) PutDriver(d models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ActiveJobs, d.CompletedJobs, d.AcceptanceRate = 0, 0, 0
	m.drivers[d.ID] = &d
}

// PutAssignment inserts or replaces an assignment row.
func (m *MemoryStore) PutAssignment(a models.Assignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[a.ID] = &a
}

func (m *MemoryStore) PutPerformance(p models.DriverPerformance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.performance[p.DriverID] = &p
}

// Assignments returns every assignment of a job ordered by round.
func (m *MemoryStore) Assignments(jobID string) []models.Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Assignment
	for _, a := range m.assignments {
		if a.JobID == jobID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, apperr.ErrNotFound)
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.drivers[id]; !ok {
		return nil, fmt.Errorf("driver %s: %w", id, apperr.ErrNotFound)
	}
	d := m.deriveLocked(id)
	return &d, nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, id string) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, fmt.Errorf("assignment %s: %w", id, apperr.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) OpenAssignment(_ context.Context, jobID string) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a := m.openLocked(jobID); a != nil {
		cp := *a
		return &cp, nil
	}
	return nil, fmt.Errorf("open assignment for job %s: %w", jobID, apperr.ErrNotFound)
}

func (m *MemoryStore) ListCandidateDrivers(_ context.Context) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0, len(m.drivers))
	for id, d := range m.drivers {
		if d.Status != models.DriverActive || d.Onboarding != models.OnboardingApproved {
			continue
		}
		out = append(out, m.deriveLocked(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) TopAcceptanceCandidates(_ context.Context, exclude []string, maxActiveJobs, limit int) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var out []models.Driver
	for id, d := range m.drivers {
		if skip[id] || d.Status != models.DriverActive || d.Onboarding != models.OnboardingApproved || d.Availability != models.AvailabilityOnline {
			continue
		}
		derived := m.deriveLocked(id)
		if derived.ActiveJobs >= maxActiveJobs {
			continue
		}
		out = append(out, derived)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AcceptanceRate != out[j].AcceptanceRate {
			return out[i].AcceptanceRate > out[j].AcceptanceRate
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Assign(_ context.Context, p AssignParams) (*models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := orNow(p.Now)
	job, ok := m.jobs[p.JobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", p.JobID, apperr.ErrNotFound)
	}
	if job.Status == models.JobCompleted || job.Status == models.JobCancelled {
		return nil, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, apperr.ErrInvalidState)
	}
	if job.DriverID != nil || m.openLocked(job.ID) != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, apperr.ErrConflict)
	}
	driver, ok := m.drivers[p.DriverID]
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", p.DriverID, apperr.ErrNotFound)
	}
	if driver.Onboarding != models.OnboardingApproved || driver.Status != models.DriverActive {
		return nil, fmt.Errorf("driver %s is not approved: %w", driver.ID, apperr.ErrValidation)
	}

	round := 0
	for _, a := range m.assignments {
		if a.JobID == job.ID && a.Round > round {
			round = a.Round
		}
	}
	a := newAssignment(p, round+1, now)

	before := jobSnapshot{DriverID: job.DriverID, Status: job.Status}
	driverID := p.DriverID
	job.DriverID = &driverID
	job.Status = models.JobConfirmed
	job.UpdatedAt = now
	m.assignments[a.ID] = &a
	m.audit = append(m.audit, newAudit(p.Actor, actionOr(p.Action, "job.assign"), TargetJob, job.ID,
		before, jobSnapshot{DriverID: job.DriverID, Status: job.Status}, now))

	return &a, nil
}

func (m *MemoryStore) ExpiredAssignments(_ context.Context, now time.Time, limit int) ([]models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Assignment
	for _, a := range m.assignments {
		if isExpirable(a, now) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ExpireAssignment(_ context.Context, p ExpireParams) (*ExpireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := orNow(p.Now)
	a, ok := m.assignments[p.AssignmentID]
	if !ok {
		return nil, fmt.Errorf("assignment %s: %w", p.AssignmentID, apperr.ErrNotFound)
	}
	// guarded by current status so a second sweep is a no-op
	if !isExpirable(a, now) {
		return nil, fmt.Errorf("assignment %s already %s: %w", a.ID, a.Status, apperr.ErrConflict)
	}
	job, ok := m.jobs[a.JobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", a.JobID, apperr.ErrNotFound)
	}

	before := assignmentSnapshot{DriverID: a.DriverID, Status: a.Status, Round: a.Round}
	a.Status = models.AssignmentDeclined
	a.RespondedAt = &now
	if job.DriverID != nil && *job.DriverID == a.DriverID {
		job.DriverID = nil
	}
	if job.Status == models.JobDraft {
		job.Status = models.JobConfirmed
	}
	job.UpdatedAt = now

	perf := m.performanceLocked(a.DriverID, now)
	prev := perf.AcceptanceRate
	perf.AcceptanceRate = Penalize(prev, p.Penalty)
	perf.LastCalculated = now

	m.audit = append(m.audit, newAudit(p.Actor, "assignment.expire", TargetAssignment, a.ID,
		before, assignmentSnapshot{DriverID: a.DriverID, Status: a.Status, Round: a.Round}, now))

	return &ExpireResult{Assignment: *a, Job: *job, PreviousRate: prev, AcceptanceRate: perf.AcceptanceRate}, nil
}

func (m *MemoryStore) Respond(_ context.Context, p RespondParams) (*RespondResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := orNow(p.Now)
	a, ok := m.assignments[p.AssignmentID]
	if !ok || a.DriverID != p.DriverID {
		return nil, fmt.Errorf("assignment %s: %w", p.AssignmentID, apperr.ErrNotFound)
	}
	job, ok := m.jobs[a.JobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", a.JobID, apperr.ErrNotFound)
	}
	next, err := nextStatus(a, p.Response, now)
	if err != nil {
		return nil, err
	}

	before := assignmentSnapshot{DriverID: a.DriverID, Status: a.Status, Round: a.Round}
	a.Status = next
	a.RespondedAt = &now
	switch next {
	case models.AssignmentDeclined:
		if job.DriverID != nil && *job.DriverID == a.DriverID {
			job.DriverID = nil
		}
	case models.AssignmentCompleted:
		job.Status = models.JobCompleted
	}
	job.UpdatedAt = now
	m.audit = append(m.audit, newAudit(p.Actor, "assignment."+string(p.Response), TargetAssignment, a.ID,
		before, assignmentSnapshot{DriverID: a.DriverID, Status: a.Status, Round: a.Round}, now))

	return &RespondResult{Assignment: *a, Job: *job}, nil
}

func (m *MemoryStore) ConfirmJob(_ context.Context, p ConfirmParams) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := orNow(p.Now)
	job, ok := m.jobs[p.JobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", p.JobID, apperr.ErrNotFound)
	}
	if job.Status != models.JobDraft {
		return nil, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, apperr.ErrInvalidState)
	}
	before := jobSnapshot{DriverID: job.DriverID, Status: job.Status}
	job.Status = models.JobConfirmed
	job.PaymentRef = p.PaymentRef
	job.UpdatedAt = now
	m.audit = append(m.audit, newAudit(p.Actor, "job.confirm", TargetJob, job.ID,
		before, jobSnapshot{DriverID: job.DriverID, Status: job.Status}, now))
	cp := *job
	return &cp, nil
}

func (m *MemoryStore) CancelJob(_ context.Context, p CancelParams) (*CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := orNow(p.Now)
	job, ok := m.jobs[p.JobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", p.JobID, apperr.ErrNotFound)
	}
	if job.Status == models.JobCompleted || job.Status == models.JobCancelled {
		return nil, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, apperr.ErrInvalidState)
	}
	res := &CancelResult{}
	if a := m.openLocked(job.ID); a != nil {
		a.Status = models.AssignmentCancelled
		a.RespondedAt = &now
		cp := *a
		res.Assignment = &cp
	}
	before := jobSnapshot{DriverID: job.DriverID, Status: job.Status}
	job.Status = models.JobCancelled
	job.DriverID = nil
	job.UpdatedAt = now
	m.audit = append(m.audit, newAudit(p.Actor, "job.cancel", TargetJob, job.ID,
		before, map[string]any{"status": job.Status, "reason": p.Reason}, now))
	res.Job = *job
	return res, nil
}

func (m *MemoryStore) SetAvailability(_ context.Context, driverID string, av models.Availability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return fmt.Errorf("driver %s: %w", driverID, apperr.ErrNotFound)
	}
	before := map[string]any{"availability": d.Availability}
	d.Availability = av
	now := time.Now()
	m.audit = append(m.audit, newAudit(models.Actor{ID: driverID, Role: "driver"}, "driver.availability", TargetDriver, driverID,
		before, map[string]any{"availability": av}, now))
	return nil
}

func (m *MemoryStore) AuditTrail(_ context.Context, targetType, targetID string) ([]models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditEntry
	for _, e := range m.audit {
		if e.TargetType == targetType && e.TargetID == targetID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) openLocked(jobID string) *models.Assignment {
	for _, a := range m.assignments {
		if a.JobID == jobID && a.Status.Open() {
			return a
		}
	}
	return nil
}

func (m *MemoryStore) deriveLocked(id string) models.Driver {
	d := *m.drivers[id]
	for _, j := range m.jobs {
		if j.DriverID == nil || *j.DriverID != id {
			continue
		}
		switch j.Status {
		case models.JobConfirmed:
			d.ActiveJobs++
		case models.JobCompleted:
			d.CompletedJobs++
		}
	}
	d.AcceptanceRate = models.DefaultAcceptanceRate
	if p, ok := m.performance[id]; ok {
		d.AcceptanceRate = p.AcceptanceRate
	}
	return d
}

func (m *MemoryStore) performanceLocked(driverID string, now time.Time) *models.DriverPerformance {
	p, ok := m.performance[driverID]
	if !ok {
		p = &models.DriverPerformance{DriverID: driverID, AcceptanceRate: models.DefaultAcceptanceRate, LastCalculated: now}
		m.performance[driverID] = p
	}
	return p
}

func newAssignment(p AssignParams, round int, now time.Time) models.Assignment {
	window := p.Window
	if window <= 0 {
		window = DefaultOfferWindow
	}
	status := p.Status
	if status == "" {
		status = models.AssignmentInvited
	}
	a := models.Assignment{
		ID:        uuid.NewString(),
		JobID:     p.JobID,
		DriverID:  p.DriverID,
		Status:    status,
		Round:     round,
		ExpiresAt: now.Add(window),
		ClaimedAt: &now,
		CreatedAt: now,
	}
	if status == models.AssignmentAccepted {
		a.RespondedAt = &now
	}
	return a
}

func isExpirable(a *models.Assignment, now time.Time) bool {
	return (a.Status == models.AssignmentInvited || a.Status == models.AssignmentClaimed) && a.ExpiresAt.Before(now)
}

// nextStatus is the driver-response transition table.
func nextStatus(a *models.Assignment, r Response, now time.Time) (models.AssignmentStatus, error) {
	switch r {
	case ResponseAccept:
		if a.Status != models.AssignmentInvited && a.Status != models.AssignmentClaimed {
			return "", fmt.Errorf("assignment %s is %s: %w", a.ID, a.Status, apperr.ErrInvalidState)
		}
		if !a.ExpiresAt.After(now) {
			return "", fmt.Errorf("offer %s expired: %w", a.ID, apperr.ErrInvalidState)
		}
		return models.AssignmentAccepted, nil
	case ResponseDecline:
		if a.Status != models.AssignmentInvited && a.Status != models.AssignmentClaimed {
			return "", fmt.Errorf("assignment %s is %s: %w", a.ID, a.Status, apperr.ErrInvalidState)
		}
		return models.AssignmentDeclined, nil
	case ResponseComplete:
		if a.Status != models.AssignmentAccepted {
			return "", fmt.Errorf("assignment %s is %s: %w", a.ID, a.Status, apperr.ErrInvalidState)
		}
		return models.AssignmentCompleted, nil
	}
	return "", fmt.Errorf("unknown response %q: %w", r, apperr.ErrValidation)
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func actionOr(action, def string) string {
	if action == "" {
		return def
	}
	return action
}
