package matcher

import (
	"github.com/speedyvan/dispatch/internal/geo"
	"github.com/speedyvan/dispatch/internal/models"
)

// Rejection explains why a driver was filtered out.
type Rejection string

const (
	RejectInactive    Rejection = "inactive"
	RejectNotApproved Rejection = "not_approved"
	RejectOffline     Rejection = "offline"
	RejectJobCeiling  Rejection = "job_ceiling"
	RejectLowRating   Rejection = "low_rating"
	RejectTooFar      Rejection = "too_far"
	RejectExcluded    Rejection = "excluded"
)

// Rejected pairs a filtered driver with the first constraint it failed.
type Rejected struct {
	DriverID string    `json:"driverId"`
	Reason   Rejection `json:"reason"`
}

// FilterEligible drops every driver that fails a hard constraint. positions
// may be nil; distance is only checked when both the pickup and the driver
// position are known. The input order is preserved.
func FilterEligible(job *models.Job, pool []models.Driver, c Criteria, positions map[string]models.Coord) []models.Driver {
	eligible, _ := Partition(job, pool, c, positions)
	return eligible
}

// Partition splits pool into eligible drivers and the reasons the rest were
// dropped. Both slices keep the input order and are never nil.
func Partition(job *models.Job, pool []models.Driver, c Criteria, positions map[string]models.Coord) ([]models.Driver, []Rejected) {
	eligible := make([]models.Driver, 0, len(pool))
	rejected := []Rejected{}
	for _, d := range pool {
		if reason, bad := Check(job, d, c, positions); bad {
			rejected = append(rejected, Rejected{DriverID: d.ID, Reason: reason})
			continue
		}
		eligible = append(eligible, d)
	}
	return eligible, rejected
}

// Check returns the first failed constraint for d, if any. The job ceiling
// always applies: a zero MaxCurrentJobs admits nobody.
func Check(job *models.Job, d models.Driver, c Criteria, positions map[string]models.Coord) (Rejection, bool) {
	switch {
	case d.Status != models.DriverActive:
		return RejectInactive, true
	case d.Onboarding != models.OnboardingApproved:
		return RejectNotApproved, true
	case c.RequireOnline && d.Availability != models.AvailabilityOnline:
		return RejectOffline, true
	case d.ActiveJobs >= c.MaxCurrentJobs:
		return RejectJobCeiling, true
	// unrated drivers have no history yet and pass
	case d.Rating > 0 && d.Rating < c.MinRating:
		return RejectLowRating, true
	case excluded(d.ID, c.ExcludeDrivers):
		return RejectExcluded, true
	}
	if km, ok := distanceTo(job, d.ID, positions); ok && c.MaxDistanceKm > 0 && km > c.MaxDistanceKm {
		return RejectTooFar, true
	}
	return "", false
}

func excluded(id string, ids []string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func distanceTo(job *models.Job, driverID string, positions map[string]models.Coord) (float64, bool) {
	if job == nil || !job.Pickup.Known() {
		return 0, false
	}
	p, ok := positions[driverID]
	if !ok || !p.Known() {
		return 0, false
	}
	return geo.DistanceKm(p, job.Pickup), true
}
