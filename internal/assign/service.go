// Package assign selects drivers for jobs and records the result. Every path
// that picks a driver goes through the same eligibility filter and scoring
// policy; they differ only in the criteria and weights they pass in.
package assign

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/speedyvan/dispatch/internal/apperr"
	"github.com/speedyvan/dispatch/internal/dispatch"
	"github.com/speedyvan/dispatch/internal/eta"
	"github.com/speedyvan/dispatch/internal/geo"
	"github.com/speedyvan/dispatch/internal/matcher"
	"github.com/speedyvan/dispatch/internal/models"
	"github.com/speedyvan/dispatch/internal/observability"
	"github.com/speedyvan/dispatch/internal/payments"
	"github.com/speedyvan/dispatch/internal/settings"
	"github.com/speedyvan/dispatch/internal/storage"
)

// AutoDriverID asks the assign endpoint to pick the driver itself.
const AutoDriverID = "auto"

type Config struct {
	Criteria     matcher.Criteria
	Policy       matcher.ScoringPolicy
	OfferWindow  time.Duration
	Alternatives int
	// MaxCandidates bounds the candidate list returned by smart-assign.
	MaxCandidates int
}

func DefaultConfig() Config {
	return Config{
		Criteria:      matcher.DefaultCriteria(),
		Policy:        matcher.DefaultPolicy(),
		OfferWindow:   storage.DefaultOfferWindow,
		Alternatives:  3,
		MaxCandidates: 10,
	}
}

type Deps struct {
	Store    storage.Store
	Locator  geo.Locator    // optional
	ETA      *eta.Estimator // optional
	Notifier *dispatch.Notifier
	Settings settings.Store
	Payments payments.Verifier // optional
	Logger   *zap.Logger
}

type Service struct {
	store    storage.Store
	locator  geo.Locator
	eta      *eta.Estimator
	notifier *dispatch.Notifier
	settings settings.Store
	payments payments.Verifier
	log      *zap.Logger
	cfg      Config
	now      func() time.Time
}

func NewService(d Deps, cfg Config) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Settings == nil {
		d.Settings = settings.NewMemoryStore(settings.ModeAuto)
	}
	if d.Payments == nil {
		d.Payments = payments.AcceptAll{}
	}
	if cfg.OfferWindow <= 0 {
		cfg.OfferWindow = storage.DefaultOfferWindow
	}
	if cfg.Criteria.MaxCurrentJobs <= 0 {
		cfg.Criteria.MaxCurrentJobs = matcher.DefaultCriteria().MaxCurrentJobs
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 10
	}
	return &Service{
		store:    d.Store,
		locator:  d.Locator,
		eta:      d.ETA,
		notifier: d.Notifier,
		settings: d.Settings,
		payments: d.Payments,
		log:      d.Logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

type AutoAssignRequest struct {
	BookingID string             `json:"bookingId"`
	Criteria  *matcher.Overrides `json:"criteria,omitempty"`
	ForceAuto bool               `json:"forceAuto"`
}

type AutoAssignResult struct {
	Driver       matcher.Candidate   `json:"driver"`
	Assignment   models.Assignment   `json:"assignment"`
	Alternatives []matcher.Candidate `json:"alternatives"`
}

// AutoAssign offers a confirmed job to the best scoring eligible driver.
// It is refused in manual dispatch mode unless ForceAuto is set.
func (s *Service) AutoAssign(ctx context.Context, req AutoAssignRequest, actor models.Actor) (*AutoAssignResult, error) {
	start := s.now()
	if strings.TrimSpace(req.BookingID) == "" {
		return nil, fmt.Errorf("bookingId is required: %w", apperr.ErrValidation)
	}
	if err := req.Criteria.Validate(); err != nil {
		return nil, err
	}
	if !req.ForceAuto {
		mode, err := s.settings.Mode(ctx)
		if err != nil {
			return nil, err
		}
		if mode == settings.ModeManual {
			return nil, apperr.ErrManualDispatch
		}
	}

	job, err := s.store.GetJob(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	if job.DriverID != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, apperr.ErrConflict)
	}
	if job.Status != models.JobConfirmed {
		return nil, fmt.Errorf("job %s is %s, auto-assignment needs CONFIRMED: %w", job.ID, job.Status, apperr.ErrInvalidState)
	}

	criteria := s.cfg.Criteria.With(req.Criteria)
	ranked, _, err := s.rank(ctx, job, criteria, s.cfg.Policy.ForCriteria(criteria), 1+s.cfg.Alternatives)
	if err != nil {
		return nil, err
	}
	best, ok := matcher.SelectBest(ranked)
	if !ok {
		observability.AssignmentsTotal.WithLabelValues("auto", "no_drivers").Inc()
		return nil, apperr.ErrNoEligibleDrivers
	}

	a, err := s.write(ctx, "auto", storage.AssignParams{
		JobID:    job.ID,
		DriverID: best.Driver.ID,
		Status:   models.AssignmentInvited,
		Actor:    actor,
		Action:   "job.auto_assign",
	}, job, best.Driver)
	if err != nil {
		return nil, err
	}
	observability.AssignLatency.WithLabelValues("auto").Observe(s.now().Sub(start).Seconds())

	return &AutoAssignResult{
		Driver:       best,
		Assignment:   *a,
		Alternatives: alternatives(ranked, s.cfg.Alternatives),
	}, nil
}

type AssignRequest struct {
	JobID    string `json:"jobId"`
	DriverID string `json:"driverId"`
}

type AssignResult struct {
	DriverID     string            `json:"driverId"`
	DriverName   string            `json:"driverName"`
	AssignmentID string            `json:"assignmentId"`
	Assignment   models.Assignment `json:"assignment"`
}

// Assign binds the named driver to the job. A manual pick is recorded as
// accepted. "auto" scores the pool with the default criteria and sends an
// offer instead.
func (s *Service) Assign(ctx context.Context, req AssignRequest, actor models.Actor) (*AssignResult, error) {
	if strings.TrimSpace(req.JobID) == "" || strings.TrimSpace(req.DriverID) == "" {
		return nil, fmt.Errorf("jobId and driverId are required: %w", apperr.ErrValidation)
	}
	job, err := s.store.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if err := checkAssignable(job); err != nil {
		return nil, err
	}

	var (
		driver models.Driver
		params = storage.AssignParams{JobID: job.ID, Actor: actor}
		path   = "manual"
	)
	if req.DriverID == AutoDriverID {
		path = "assign_auto"
		ranked, _, err := s.rank(ctx, job, s.cfg.Criteria, s.cfg.Policy.ForCriteria(s.cfg.Criteria), 1)
		if err != nil {
			return nil, err
		}
		best, ok := matcher.SelectBest(ranked)
		if !ok {
			observability.AssignmentsTotal.WithLabelValues(path, "no_drivers").Inc()
			return nil, apperr.ErrNoEligibleDrivers
		}
		driver = best.Driver
		params.Status = models.AssignmentInvited
		params.Action = "job.auto_assign"
	} else {
		d, err := s.store.GetDriver(ctx, req.DriverID)
		if err != nil {
			return nil, err
		}
		if d.ActiveJobs >= s.cfg.Criteria.MaxCurrentJobs {
			return nil, fmt.Errorf("driver %s already has %d active jobs: %w", d.ID, d.ActiveJobs, apperr.ErrValidation)
		}
		driver = *d
		params.Status = models.AssignmentAccepted
		params.Action = "job.assign"
	}
	params.DriverID = driver.ID

	a, err := s.write(ctx, path, params, job, driver)
	if err != nil {
		return nil, err
	}
	return &AssignResult{DriverID: driver.ID, DriverName: driver.Name, AssignmentID: a.ID, Assignment: *a}, nil
}

// Rules customise a smart-assign run. Nil fields fall back to the service
// defaults.
type Rules struct {
	Weights             *matcher.Weights      `json:"weights,omitempty"`
	Criteria            *matcher.Overrides    `json:"criteria,omitempty"`
	Unrated             matcher.UnratedPolicy `json:"unratedPolicy,omitempty"`
	OfflineAvailability *float64              `json:"offlineAvailability,omitempty"`
	MaxCandidates       int                   `json:"maxCandidates,omitempty"`
}

type SmartAssignRequest struct {
	JobID string `json:"jobId"`
	Rules *Rules `json:"rules,omitempty"`
}

type SmartAssignResult struct {
	SelectedDriver matcher.Candidate   `json:"selectedDriver"`
	Assignment     models.Assignment   `json:"assignment"`
	Candidates     []matcher.Candidate `json:"candidates"`
	Rejected       []matcher.Rejected  `json:"rejected"`
}

// SmartAssign ranks the pool with caller supplied rules and offers the job
// to the winner.
func (s *Service) SmartAssign(ctx context.Context, req SmartAssignRequest, actor models.Actor) (*SmartAssignResult, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return nil, fmt.Errorf("jobId is required: %w", apperr.ErrValidation)
	}
	criteria, policy, limit, err := s.applyRules(req.Rules)
	if err != nil {
		return nil, err
	}
	job, err := s.store.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if err := checkAssignable(job); err != nil {
		return nil, err
	}

	ranked, rejected, err := s.rank(ctx, job, criteria, policy, limit)
	if err != nil {
		return nil, err
	}
	best, ok := matcher.SelectBest(ranked)
	if !ok {
		observability.AssignmentsTotal.WithLabelValues("smart", "no_drivers").Inc()
		return nil, apperr.ErrNoEligibleDrivers
	}
	a, err := s.write(ctx, "smart", storage.AssignParams{
		JobID:    job.ID,
		DriverID: best.Driver.ID,
		Status:   models.AssignmentInvited,
		Actor:    actor,
		Action:   "job.smart_assign",
	}, job, best.Driver)
	if err != nil {
		return nil, err
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return &SmartAssignResult{SelectedDriver: best, Assignment: *a, Candidates: ranked, Rejected: rejected}, nil
}

func (s *Service) applyRules(r *Rules) (matcher.Criteria, matcher.ScoringPolicy, int, error) {
	criteria := s.cfg.Criteria
	policy := s.cfg.Policy
	limit := s.cfg.MaxCandidates
	if r == nil {
		return criteria, policy.ForCriteria(criteria), limit, nil
	}
	if err := r.Criteria.Validate(); err != nil {
		return criteria, policy, 0, err
	}
	criteria = criteria.With(r.Criteria)
	if r.Weights != nil {
		w := *r.Weights
		if w.Distance < 0 || w.Rating < 0 || w.Experience < 0 || w.Load < 0 || w.Availability < 0 {
			return criteria, policy, 0, fmt.Errorf("weights must not be negative: %w", apperr.ErrValidation)
		}
		if w.Distance+w.Rating+w.Experience+w.Load+w.Availability == 0 {
			return criteria, policy, 0, fmt.Errorf("at least one weight must be positive: %w", apperr.ErrValidation)
		}
		policy.Weights = w
	}
	switch r.Unrated {
	case "":
	case matcher.UnratedAsBest, matcher.UnratedAsMidpoint:
		policy.Unrated = r.Unrated
	default:
		return criteria, policy, 0, fmt.Errorf("unratedPolicy %q: %w", r.Unrated, apperr.ErrValidation)
	}
	if r.OfflineAvailability != nil {
		if *r.OfflineAvailability < 0 || *r.OfflineAvailability > 100 {
			return criteria, policy, 0, fmt.Errorf("offlineAvailability must be within 0..100: %w", apperr.ErrValidation)
		}
		policy.OfflineAvailability = *r.OfflineAvailability
	}
	if r.MaxCandidates > 0 {
		limit = r.MaxCandidates
	}
	return criteria, policy.ForCriteria(criteria), limit, nil
}

// write commits the assignment and notifies after the commit.
func (s *Service) write(ctx context.Context, path string, p storage.AssignParams, job *models.Job, driver models.Driver) (*models.Assignment, error) {
	p.Window = s.cfg.OfferWindow
	p.Now = s.now()
	a, err := s.store.Assign(ctx, p)
	if err != nil {
		observability.AssignmentsTotal.WithLabelValues(path, outcome(err)).Inc()
		return nil, err
	}
	observability.AssignmentsTotal.WithLabelValues(path, "ok").Inc()
	s.log.Info("job assigned",
		zap.String("path", path),
		zap.String("job_id", job.ID),
		zap.String("driver_id", driver.ID),
		zap.String("assignment_id", a.ID),
		zap.String("status", string(a.Status)),
		zap.Int("round", a.Round),
		zap.String("actor", p.Actor.ID),
	)
	assigned := *job
	assigned.DriverID = &a.DriverID
	assigned.Status = models.JobConfirmed
	s.notifier.JobAssigned(ctx, assigned, driver, *a)
	return a, nil
}

func checkAssignable(job *models.Job) error {
	switch {
	case job.Assignable():
		return nil
	case job.Status != models.JobDraft && job.Status != models.JobConfirmed:
		return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, apperr.ErrInvalidState)
	default:
		return fmt.Errorf("job %s: %w", job.ID, apperr.ErrConflict)
	}
}

func alternatives(ranked []matcher.Candidate, n int) []matcher.Candidate {
	if len(ranked) <= 1 || n <= 0 {
		return []matcher.Candidate{}
	}
	rest := ranked[1:]
	if len(rest) > n {
		rest = rest[:n]
	}
	return rest
}

func outcome(err error) string {
	switch apperr.HTTPStatus(err) {
	case 400:
		return "rejected"
	case 404:
		return "not_found"
	}
	return "error"
}
