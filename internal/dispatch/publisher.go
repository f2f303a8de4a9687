// Package dispatch delivers dispatch events to drivers, customers and the
// admin dashboard. Delivery is at-most-once and best effort: sinks may drop
// messages and callers never roll back state because of a failed publish.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/speedyvan/dispatch/internal/observability"
)

// Channel names.
const (
	DriversChannel = "drivers"
	AdminChannel   = "admin-dispatch"
)

func DriverChannel(driverID string) string { return "private-driver-" + driverID }

func BookingChannel(reference string) string { return "booking-" + reference }

// Event names.
const (
	EventJobAssigned        = "job-assigned"
	EventRouteMatched       = "route-matched"
	EventJobAssignedToOther = "job-assigned-to-other"
	EventDriverAssigned     = "driver-assigned"
	EventJobCancelled       = "job-cancelled"
	EventJobRemoved         = "job-removed"
	EventAcceptanceRate     = "acceptance-rate-updated"
	EventJobAvailable       = "job-available"
	EventJobAccepted        = "job-accepted"
	EventJobCompleted       = "job-completed"
)

// Message is one event on one channel.
type Message struct {
	Channel string    `json:"channel"`
	Event   string    `json:"event"`
	Data    any       `json:"data"`
	At      time.Time `json:"at"`
}

// Publisher is a notification sink.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, msgs ...Message) error
}

// Fanout publishes to every sink and joins their errors. A failing sink does
// not stop delivery to the others.
type Fanout []Publisher

func (f Fanout) Name() string { return "fanout" }

func (f Fanout) Publish(ctx context.Context, msgs ...Message) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, msgs...); err != nil {
			observability.NotificationsTotal.WithLabelValues(p.Name(), "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		observability.NotificationsTotal.WithLabelValues(p.Name(), "ok").Add(float64(len(msgs)))
	}
	return errors.Join(errs...)
}

// Recorder keeps published messages in memory. Used by tests and as the
// sink of last resort when nothing else is configured.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
	max  int
}

// NewRecorder keeps at most max messages; zero keeps everything.
func NewRecorder(max int) *Recorder { return &Recorder{max: max} }

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Publish(_ context.Context, msgs ...Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msgs...)
	if r.max > 0 && len(r.msgs) > r.max {
		r.msgs = append([]Message(nil), r.msgs[len(r.msgs)-r.max:]...)
	}
	return nil
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// Find returns the messages sent on channel with the given event.
func (r *Recorder) Find(channel, event string) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.Channel == channel && m.Event == event {
			out = append(out, m)
		}
	}
	return out
}
