package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/speedyvan/dispatch/internal/models"
)

// Store defines the persistence operations used by the dispatch core. Every
// method that changes more than one record runs as a single unit of work and
// appends an audit entry in the same unit.
//
// Errors are wrapped apperr sentinels: ErrNotFound, ErrConflict,
// ErrInvalidState and ErrValidation.
type Store interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	GetAssignment(ctx context.Context, id string) (*models.Assignment, error)
	// OpenAssignment returns the job's invited/claimed/accepted assignment.
	OpenAssignment(ctx context.Context, jobID string) (*models.Assignment, error)

	// ListCandidateDrivers returns active, approved drivers with derived
	// job counts and acceptance rate.
	ListCandidateDrivers(ctx context.Context) ([]models.Driver, error)
	// TopAcceptanceCandidates returns online, active, approved drivers not in
	// exclude with fewer than maxActiveJobs active jobs, best acceptance rate
	// first. The ceiling applies before limit.
	TopAcceptanceCandidates(ctx context.Context, exclude []string, maxActiveJobs, limit int) ([]models.Driver, error)

	Assign(ctx context.Context, p AssignParams) (*models.Assignment, error)
	ExpiredAssignments(ctx context.Context, now time.Time, limit int) ([]models.Assignment, error)
	ExpireAssignment(ctx context.Context, p ExpireParams) (*ExpireResult, error)
	Respond(ctx context.Context, p RespondParams) (*RespondResult, error)

	ConfirmJob(ctx context.Context, p ConfirmParams) (*models.Job, error)
	CancelJob(ctx context.Context, p CancelParams) (*CancelResult, error)
	SetAvailability(ctx context.Context, driverID string, a models.Availability) error

	AuditTrail(ctx context.Context, targetType, targetID string) ([]models.AuditEntry, error)
}

type AssignParams struct {
	JobID    string
	DriverID string
	Status   models.AssignmentStatus // invited for offers, accepted for direct admin assignment
	Window   time.Duration
	Actor    models.Actor
	Action   string
	Now      time.Time
}

type ExpireParams struct {
	AssignmentID string
	Penalty      float64
	Actor        models.Actor
	Now          time.Time
}

type ExpireResult struct {
	Assignment     models.Assignment
	Job            models.Job
	PreviousRate   float64
	AcceptanceRate float64
}

type Response string

const (
	ResponseAccept   Response = "accept"
	ResponseDecline  Response = "decline"
	ResponseComplete Response = "complete"
)

type RespondParams struct {
	AssignmentID string
	DriverID     string
	Response     Response
	Actor        models.Actor
	Now          time.Time
}

type RespondResult struct {
	Assignment models.Assignment
	Job        models.Job
}

type ConfirmParams struct {
	JobID      string
	PaymentRef string
	Actor      models.Actor
	Now        time.Time
}

type CancelParams struct {
	JobID  string
	Reason string
	Actor  models.Actor
	Now    time.Time
}

type CancelResult struct {
	Job models.Job
	// Assignment is the offer that was cancelled with the job, if any.
	Assignment *models.Assignment
}

// AcceptanceFloor is the lowest acceptance rate a penalty can produce.
const AcceptanceFloor = 0.0

// Penalize applies an expiry penalty to rate, floored at zero.
func Penalize(rate, penalty float64) float64 {
	if r := rate - penalty; r > AcceptanceFloor {
		return r
	}
	return AcceptanceFloor
}

type jobSnapshot struct {
	DriverID *string          `json:"driverId"`
	Status   models.JobStatus `json:"status"`
}

type assignmentSnapshot struct {
	DriverID string                  `json:"driverId"`
	Status   models.AssignmentStatus `json:"status"`
	Round    int                     `json:"round"`
}

func newAudit(actor models.Actor, action, targetType, targetID string, before, after any, now time.Time) models.AuditEntry {
	e := models.AuditEntry{
		ID:         uuid.NewString(),
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		CreatedAt:  now,
	}
	if before != nil {
		e.Before, _ = json.Marshal(before)
	}
	if after != nil {
		e.After, _ = json.Marshal(after)
	}
	return e
}

const (
	TargetJob        = "job"
	TargetAssignment = "assignment"
	TargetDriver     = "driver"
)
