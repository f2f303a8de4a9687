package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/speedyvan/dispatch/internal/models"
)

const defaultPublishTimeout = 3 * time.Second

// Notifier turns state changes into channel events. Its methods never
// return errors: failures are logged and counted, and the committed state
// change stands.
type Notifier struct {
	pub     Publisher
	log     *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewNotifier(pub Publisher, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{pub: pub, log: log, timeout: defaultPublishTimeout, now: time.Now}
}

type assignedPayload struct {
	JobID        string                  `json:"jobId"`
	Reference    string                  `json:"reference"`
	AssignmentID string                  `json:"assignmentId"`
	DriverID     string                  `json:"driverId"`
	DriverName   string                  `json:"driverName,omitempty"`
	Status       models.AssignmentStatus `json:"status"`
	Round        int                     `json:"round"`
	ExpiresAt    time.Time               `json:"expiresAt"`
	Pickup       models.Coord            `json:"pickup"`
	Dropoff      models.Coord            `json:"dropoff"`
	ScheduledAt  time.Time               `json:"scheduledAt"`
}

type jobPayload struct {
	JobID     string `json:"jobId"`
	Reference string `json:"reference"`
	DriverID  string `json:"driverId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type ratePayload struct {
	DriverID       string  `json:"driverId"`
	PreviousRate   float64 `json:"previousRate"`
	AcceptanceRate float64 `json:"acceptanceRate"`
	Reason         string  `json:"reason"`
}

// JobAssigned tells the winning driver about the offer, the rest of the pool
// that the job is gone, the customer who is coming and the dashboard what
// changed. Direct admin assignments also get a route-matched event.
func (n *Notifier) JobAssigned(ctx context.Context, job models.Job, driver models.Driver, a models.Assignment) {
	if n == nil {
		return
	}
	p := assignedPayload{
		JobID:        job.ID,
		Reference:    job.Reference,
		AssignmentID: a.ID,
		DriverID:     driver.ID,
		DriverName:   driver.Name,
		Status:       a.Status,
		Round:        a.Round,
		ExpiresAt:    a.ExpiresAt,
		Pickup:       job.Pickup,
		Dropoff:      job.Dropoff,
		ScheduledAt:  job.ScheduledAt,
	}
	msgs := []Message{
		n.msg(DriverChannel(driver.ID), EventJobAssigned, p),
	}
	if a.Status == models.AssignmentAccepted {
		msgs = append(msgs, n.msg(DriverChannel(driver.ID), EventRouteMatched, p))
	}
	msgs = append(msgs,
		n.msg(DriversChannel, EventJobAssignedToOther, jobPayload{JobID: job.ID, Reference: job.Reference, DriverID: driver.ID}),
		n.msg(BookingChannel(job.Reference), EventDriverAssigned, jobPayload{JobID: job.ID, Reference: job.Reference, DriverID: driver.ID}),
		n.msg(AdminChannel, EventDriverAssigned, p),
	)
	n.publish(ctx, "job_assigned", msgs)
}

// OfferExpired tells the demoted driver the job is gone and what it cost
// them, and puts the job back on the dashboard.
func (n *Notifier) OfferExpired(ctx context.Context, job models.Job, a models.Assignment, previousRate, rate float64) {
	if n == nil {
		return
	}
	n.publish(ctx, "offer_expired", []Message{
		n.msg(DriverChannel(a.DriverID), EventJobRemoved, jobPayload{JobID: job.ID, Reference: job.Reference, Reason: "expired"}),
		n.msg(DriverChannel(a.DriverID), EventAcceptanceRate, ratePayload{
			DriverID: a.DriverID, PreviousRate: previousRate, AcceptanceRate: rate, Reason: "offer expired",
		}),
		n.msg(AdminChannel, EventJobAvailable, jobPayload{JobID: job.ID, Reference: job.Reference, Reason: "expired"}),
	})
}

func (n *Notifier) OfferDeclined(ctx context.Context, job models.Job, a models.Assignment) {
	if n == nil {
		return
	}
	n.publish(ctx, "offer_declined", []Message{
		n.msg(AdminChannel, EventJobAvailable, jobPayload{JobID: job.ID, Reference: job.Reference, DriverID: a.DriverID, Reason: "declined"}),
	})
}

func (n *Notifier) OfferAccepted(ctx context.Context, job models.Job, a models.Assignment) {
	if n == nil {
		return
	}
	p := jobPayload{JobID: job.ID, Reference: job.Reference, DriverID: a.DriverID}
	n.publish(ctx, "offer_accepted", []Message{
		n.msg(BookingChannel(job.Reference), EventJobAccepted, p),
		n.msg(AdminChannel, EventJobAccepted, p),
	})
}

func (n *Notifier) JobCompleted(ctx context.Context, job models.Job, a models.Assignment) {
	if n == nil {
		return
	}
	p := jobPayload{JobID: job.ID, Reference: job.Reference, DriverID: a.DriverID}
	n.publish(ctx, "job_completed", []Message{
		n.msg(BookingChannel(job.Reference), EventJobCompleted, p),
		n.msg(AdminChannel, EventJobCompleted, p),
	})
}

// JobCancelled notifies the customer and dashboard, and the driver holding
// the cancelled offer if there was one.
func (n *Notifier) JobCancelled(ctx context.Context, job models.Job, a *models.Assignment, reason string) {
	if n == nil {
		return
	}
	p := jobPayload{JobID: job.ID, Reference: job.Reference, Reason: reason}
	var msgs []Message
	if a != nil {
		p.DriverID = a.DriverID
		msgs = append(msgs, n.msg(DriverChannel(a.DriverID), EventJobCancelled, p))
	}
	msgs = append(msgs,
		n.msg(BookingChannel(job.Reference), EventJobCancelled, p),
		n.msg(AdminChannel, EventJobCancelled, p),
	)
	n.publish(ctx, "job_cancelled", msgs)
}

func (n *Notifier) msg(channel, event string, data any) Message {
	return Message{Channel: channel, Event: event, Data: data, At: n.now().UTC()}
}

// publish runs after the state change committed. It detaches from the
// request context so a client disconnect does not drop the events.
func (n *Notifier) publish(ctx context.Context, kind string, msgs []Message) {
	if n == nil || n.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	if err := n.pub.Publish(ctx, msgs...); err != nil {
		n.log.Warn("notification failed",
			zap.String("kind", kind),
			zap.Int("messages", len(msgs)),
			zap.Error(err),
		)
		return
	}
	n.log.Debug("notification sent", zap.String("kind", kind), zap.Int("messages", len(msgs)))
}
