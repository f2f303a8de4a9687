// Package reaper expires offers nobody answered and hands the job to the
// next driver in line.
package reaper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/speedyvan/dispatch/internal/apperr"
	"github.com/speedyvan/dispatch/internal/dispatch"
	"github.com/speedyvan/dispatch/internal/matcher"
	"github.com/speedyvan/dispatch/internal/models"
	"github.com/speedyvan/dispatch/internal/observability"
	"github.com/speedyvan/dispatch/internal/storage"
)

const (
	DefaultPenalty    = 5.0
	DefaultBatch      = 100
	DefaultCandidates = 5
)

type Config struct {
	Penalty        float64
	Batch          int
	Candidates     int
	MaxCurrentJobs int
	OfferWindow    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Penalty:        DefaultPenalty,
		Batch:          DefaultBatch,
		Candidates:     DefaultCandidates,
		MaxCurrentJobs: 3,
		OfferWindow:    storage.DefaultOfferWindow,
	}
}

type Reaper struct {
	store    storage.Store
	notifier *dispatch.Notifier
	log      *zap.Logger
	cfg      Config
	now      func() time.Time
}

func New(store storage.Store, notifier *dispatch.Notifier, log *zap.Logger, cfg Config) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	if cfg.Candidates <= 0 {
		cfg.Candidates = def.Candidates
	}
	if cfg.OfferWindow <= 0 {
		cfg.OfferWindow = def.OfferWindow
	}
	if cfg.MaxCurrentJobs <= 0 {
		cfg.MaxCurrentJobs = def.MaxCurrentJobs
	}
	return &Reaper{store: store, notifier: notifier, log: log, cfg: cfg, now: time.Now}
}

const (
	StatusExpired    = "expired"
	StatusReassigned = "reassigned"
	StatusSkipped    = "skipped"
	StatusError      = "error"
)

type Result struct {
	AssignmentID    string   `json:"assignmentId"`
	JobID           string   `json:"jobId"`
	DriverID        string   `json:"driverId"`
	Status          string   `json:"status"`
	NewAssignmentID string   `json:"newAssignmentId,omitempty"`
	NewDriverID     string   `json:"newDriverId,omitempty"`
	PreviousRate    *float64 `json:"previousRate,omitempty"`
	AcceptanceRate  *float64 `json:"acceptanceRate,omitempty"`
	Error           string   `json:"error,omitempty"`
}

type Report struct {
	Success         bool      `json:"success"`
	ExpiredCount    int       `json:"expiredCount"`
	ReassignedCount int       `json:"reassignedCount"`
	Results         []Result  `json:"results"`
	RanAt           time.Time `json:"ranAt"`
}

// Sweep processes every offer whose deadline passed before now. A failure on
// one offer is recorded in its result and does not stop the sweep. Running
// it twice over the same state expires nothing the second time.
func (r *Reaper) Sweep(ctx context.Context) (*Report, error) {
	now := r.now()
	due, err := r.store.ExpiredAssignments(ctx, now, r.cfg.Batch)
	if err != nil {
		observability.ReaperErrors.Inc()
		return nil, err
	}
	rep := &Report{Success: true, Results: make([]Result, 0, len(due)), RanAt: now}
	for _, a := range due {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		res := r.reap(ctx, a, now)
		switch res.Status {
		case StatusExpired:
			rep.ExpiredCount++
		case StatusReassigned:
			rep.ExpiredCount++
			rep.ReassignedCount++
		}
		rep.Results = append(rep.Results, res)
	}
	if len(due) > 0 {
		r.log.Info("expiry sweep",
			zap.Int("due", len(due)),
			zap.Int("expired", rep.ExpiredCount),
			zap.Int("reassigned", rep.ReassignedCount),
		)
	}
	return rep, nil
}

func (r *Reaper) reap(ctx context.Context, a models.Assignment, now time.Time) Result {
	res := Result{AssignmentID: a.ID, JobID: a.JobID, DriverID: a.DriverID}

	exp, err := r.store.ExpireAssignment(ctx, storage.ExpireParams{
		AssignmentID: a.ID,
		Penalty:      r.cfg.Penalty,
		Actor:        models.SystemActor,
		Now:          now,
	})
	switch {
	case errors.Is(err, apperr.ErrConflict):
		// answered or expired by a concurrent sweep since we listed it
		res.Status = StatusSkipped
		return res
	case err != nil:
		observability.ReaperErrors.Inc()
		r.log.Error("expire offer", zap.String("assignment_id", a.ID), zap.Error(err))
		res.Status, res.Error = StatusError, err.Error()
		return res
	}
	observability.ExpiredTotal.Inc()
	res.Status = StatusExpired
	res.PreviousRate = &exp.PreviousRate
	res.AcceptanceRate = &exp.AcceptanceRate
	r.notifier.OfferExpired(ctx, exp.Job, exp.Assignment, exp.PreviousRate, exp.AcceptanceRate)

	if exp.Job.Status != models.JobConfirmed || exp.Job.DriverID != nil {
		return res
	}
	next, err := r.reassign(ctx, &exp.Job, a.DriverID, now)
	if err != nil {
		r.log.Warn("reassign after expiry", zap.String("job_id", a.JobID), zap.Error(err))
		res.Error = err.Error()
		return res
	}
	if next != nil {
		res.Status = StatusReassigned
		res.NewAssignmentID = next.ID
		res.NewDriverID = next.DriverID
	}
	return res
}

// reassign offers the job to the online driver with the best acceptance
// rate, skipping the one who just let it lapse. A nil assignment means
// nobody was available.
func (r *Reaper) reassign(ctx context.Context, job *models.Job, previous string, now time.Time) (*models.Assignment, error) {
	pool, err := r.store.TopAcceptanceCandidates(ctx, []string{previous}, r.cfg.MaxCurrentJobs, r.cfg.Candidates)
	if err != nil {
		return nil, err
	}
	eligible := matcher.FilterEligible(job, pool, matcher.Criteria{
		MaxCurrentJobs: r.cfg.MaxCurrentJobs,
		RequireOnline:  true,
		ExcludeDrivers: []string{previous},
	}, nil)
	if len(eligible) == 0 {
		r.log.Info("no driver to reassign", zap.String("job_id", job.ID))
		return nil, nil
	}
	driver := eligible[0]
	a, err := r.store.Assign(ctx, storage.AssignParams{
		JobID:    job.ID,
		DriverID: driver.ID,
		Status:   models.AssignmentInvited,
		Window:   r.cfg.OfferWindow,
		Actor:    models.SystemActor,
		Action:   "assignment.reassign",
		Now:      now,
	})
	if err != nil {
		return nil, err
	}
	observability.ReassignedTotal.Inc()
	assigned := *job
	assigned.DriverID = &a.DriverID
	r.notifier.JobAssigned(ctx, assigned, driver, *a)
	return a, nil
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}
