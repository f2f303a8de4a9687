package assign

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/speedyvan/dispatch/internal/apperr"
	"github.com/speedyvan/dispatch/internal/models"
	"github.com/speedyvan/dispatch/internal/settings"
	"github.com/speedyvan/dispatch/internal/storage"
)

// Accept records the driver taking the offer.
func (s *Service) Accept(ctx context.Context, assignmentID string, driver models.Actor) (*models.Assignment, error) {
	res, err := s.respond(ctx, assignmentID, driver, storage.ResponseAccept)
	if err != nil {
		return nil, err
	}
	s.notifier.OfferAccepted(ctx, res.Job, res.Assignment)
	return &res.Assignment, nil
}

// Decline hands the job back to the pool. Unlike an expiry it carries no
// acceptance penalty; the job is picked up by the next dispatch pass.
func (s *Service) Decline(ctx context.Context, assignmentID string, driver models.Actor) (*models.Assignment, error) {
	res, err := s.respond(ctx, assignmentID, driver, storage.ResponseDecline)
	if err != nil {
		return nil, err
	}
	s.notifier.OfferDeclined(ctx, res.Job, res.Assignment)
	return &res.Assignment, nil
}

func (s *Service) Complete(ctx context.Context, assignmentID string, driver models.Actor) (*models.Assignment, error) {
	res, err := s.respond(ctx, assignmentID, driver, storage.ResponseComplete)
	if err != nil {
		return nil, err
	}
	s.notifier.JobCompleted(ctx, res.Job, res.Assignment)
	return &res.Assignment, nil
}

func (s *Service) respond(ctx context.Context, assignmentID string, driver models.Actor, r storage.Response) (*storage.RespondResult, error) {
	if strings.TrimSpace(assignmentID) == "" {
		return nil, fmt.Errorf("assignment id is required: %w", apperr.ErrValidation)
	}
	res, err := s.store.Respond(ctx, storage.RespondParams{
		AssignmentID: assignmentID,
		DriverID:     driver.ID,
		Response:     r,
		Actor:        driver,
		Now:          s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("offer response",
		zap.String("assignment_id", assignmentID),
		zap.String("driver_id", driver.ID),
		zap.String("response", string(r)),
		zap.String("job_id", res.Job.ID),
	)
	return res, nil
}

func (s *Service) SetAvailability(ctx context.Context, driver models.Actor, av models.Availability) error {
	switch av {
	case models.AvailabilityOnline, models.AvailabilityOffline, models.AvailabilityBusy:
	default:
		return fmt.Errorf("availability %q: %w", av, apperr.ErrValidation)
	}
	return s.store.SetAvailability(ctx, driver.ID, av)
}

type ConfirmResult struct {
	Job models.Job `json:"job"`
	// Assignment is set when auto dispatch placed the job straight away.
	Assignment *AutoAssignResult `json:"autoAssignment,omitempty"`
}

// ConfirmBooking moves a paid DRAFT job to CONFIRMED. In auto dispatch mode
// the job is then offered to a driver; failing to find one does not fail the
// confirmation.
func (s *Service) ConfirmBooking(ctx context.Context, jobID, paymentRef string, actor models.Actor) (*ConfirmResult, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobDraft {
		return nil, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, apperr.ErrInvalidState)
	}
	if err := s.payments.Verify(ctx, paymentRef, job.TotalPence); err != nil {
		return nil, err
	}
	confirmed, err := s.store.ConfirmJob(ctx, storage.ConfirmParams{JobID: jobID, PaymentRef: paymentRef, Actor: actor, Now: s.now()})
	if err != nil {
		return nil, err
	}
	out := &ConfirmResult{Job: *confirmed}

	mode, err := s.settings.Mode(ctx)
	if err != nil || mode != settings.ModeAuto {
		return out, nil
	}
	res, err := s.AutoAssign(ctx, AutoAssignRequest{BookingID: jobID}, models.SystemActor)
	switch {
	case err == nil:
		out.Assignment = res
		if j, gerr := s.store.GetJob(ctx, jobID); gerr == nil {
			out.Job = *j
		}
	case errors.Is(err, apperr.ErrNoEligibleDrivers):
		s.log.Info("no driver for confirmed job yet", zap.String("job_id", jobID))
	default:
		s.log.Warn("auto dispatch after confirmation failed", zap.String("job_id", jobID), zap.Error(err))
	}
	return out, nil
}

// CancelJob is the admin cancellation path. It bypasses the expiry machinery
// and closes any open offer in the same unit of work.
func (s *Service) CancelJob(ctx context.Context, jobID, reason string, actor models.Actor) (*storage.CancelResult, error) {
	res, err := s.store.CancelJob(ctx, storage.CancelParams{JobID: jobID, Reason: reason, Actor: actor, Now: s.now()})
	if err != nil {
		return nil, err
	}
	s.log.Info("job cancelled", zap.String("job_id", jobID), zap.String("actor", actor.ID), zap.String("reason", reason))
	s.notifier.JobCancelled(ctx, res.Job, res.Assignment, reason)
	return res, nil
}

func (s *Service) Mode(ctx context.Context) (settings.Mode, error) {
	return s.settings.Mode(ctx)
}

func (s *Service) SetMode(ctx context.Context, raw string, actor models.Actor) (settings.Mode, error) {
	m, err := settings.ParseMode(raw)
	if err != nil {
		return "", err
	}
	if err := s.settings.SetMode(ctx, m); err != nil {
		return "", err
	}
	s.log.Info("dispatch mode changed", zap.String("mode", string(m)), zap.String("actor", actor.ID))
	return m, nil
}

// AuditTrail returns the audit entries recorded against a job.
func (s *Service) AuditTrail(ctx context.Context, jobID string) ([]models.AuditEntry, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.AuditTrail(ctx, storage.TargetJob, jobID)
}
