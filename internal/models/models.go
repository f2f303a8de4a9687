package models

import (
	"encoding/json"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Known reports whether the coordinate carries a real position.
// (0,0) is treated as "not provided".
func (c Coord) Known() bool { return c.Lat != 0 || c.Lon != 0 }

type JobStatus string

const (
	JobDraft     JobStatus = "DRAFT"
	JobConfirmed JobStatus = "CONFIRMED"
	JobCompleted JobStatus = "COMPLETED"
	JobCancelled JobStatus = "CANCELLED"
)

// Job is a customer booking that needs a driver.
type Job struct {
	ID          string    `json:"id"`
	Reference   string    `json:"reference"`
	Status      JobStatus `json:"status"`
	DriverID    *string   `json:"driverId,omitempty"`
	CustomerID  string    `json:"customerId,omitempty"`
	Pickup      Coord     `json:"pickup"`
	Dropoff     Coord     `json:"dropoff"`
	ScheduledAt time.Time `json:"scheduledAt"`
	TotalPence  int64     `json:"totalPence"`
	PaymentRef  string    `json:"paymentRef,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Assignable reports whether the job may receive a new driver.
func (j *Job) Assignable() bool {
	return j.DriverID == nil && (j.Status == JobConfirmed || j.Status == JobDraft)
}

type DriverStatus string

const (
	DriverActive   DriverStatus = "active"
	DriverInactive DriverStatus = "inactive"
)

type Onboarding string

const (
	OnboardingApproved Onboarding = "approved"
	OnboardingPending  Onboarding = "pending"
)

type Availability string

const (
	AvailabilityOnline  Availability = "online"
	AvailabilityOffline Availability = "offline"
	AvailabilityBusy    Availability = "busy"
)

// Driver carries the stored driver record plus the derived counters the
// dispatch core needs. ActiveJobs, CompletedJobs and AcceptanceRate are
// computed at read time.
type Driver struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Status         DriverStatus `json:"status"`
	Onboarding     Onboarding   `json:"onboarding"`
	Rating         float64      `json:"rating"` // 0..5, 0 = unrated
	VehicleType    string       `json:"vehicleType"`
	Availability   Availability `json:"availability"`
	ActiveJobs     int          `json:"activeJobs"`
	CompletedJobs  int          `json:"completedJobs"`
	AcceptanceRate float64      `json:"acceptanceRate"`
}

// DriverLocation is the telemetry message drivers send from the app.
type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	Updated  time.Time `json:"updated"`
}

type AssignmentStatus string

const (
	AssignmentInvited   AssignmentStatus = "invited"
	AssignmentClaimed   AssignmentStatus = "claimed"
	AssignmentAccepted  AssignmentStatus = "accepted"
	AssignmentDeclined  AssignmentStatus = "declined"
	AssignmentCancelled AssignmentStatus = "cancelled"
	AssignmentCompleted AssignmentStatus = "completed"
)

// Open reports whether the status still binds the job to the driver.
func (s AssignmentStatus) Open() bool {
	return s == AssignmentInvited || s == AssignmentClaimed || s == AssignmentAccepted
}

// Assignment is one offer round binding a job to a driver.
type Assignment struct {
	ID          string           `json:"id"`
	JobID       string           `json:"jobId"`
	DriverID    string           `json:"driverId"`
	Status      AssignmentStatus `json:"status"`
	Round       int              `json:"round"`
	ExpiresAt   time.Time        `json:"expiresAt"`
	ClaimedAt   *time.Time       `json:"claimedAt,omitempty"`
	RespondedAt *time.Time       `json:"respondedAt,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Actor identifies who performed a state change for the audit trail.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

var SystemActor = Actor{ID: "system", Role: "cron"}

type AuditEntry struct {
	ID         string          `json:"id"`
	ActorID    string          `json:"actorId"`
	ActorRole  string          `json:"actorRole"`
	Action     string          `json:"action"`
	TargetType string          `json:"targetType"`
	TargetID   string          `json:"targetId"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type DriverPerformance struct {
	DriverID       string    `json:"driverId"`
	AcceptanceRate float64   `json:"acceptanceRate"`
	CompletionRate float64   `json:"completionRate"`
	LastCalculated time.Time `json:"lastCalculated"`
}

// DefaultAcceptanceRate applies to drivers without a performance row.
const DefaultAcceptanceRate = 100.0
