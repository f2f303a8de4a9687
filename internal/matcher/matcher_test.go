package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedyvan/dispatch/internal/apperr"
	"github.com/speedyvan/dispatch/internal/models"
)

func driver(id string, rating float64, active int) models.Driver {
	return models.Driver{
		ID:           id,
		Status:       models.DriverActive,
		Onboarding:   models.OnboardingApproved,
		Availability: models.AvailabilityOnline,
		Rating:       rating,
		ActiveJobs:   active,
	}
}

func TestFilterEligibleHardConstraints(t *testing.T) {
	job := &models.Job{ID: "j1", Pickup: models.Coord{Lat: 51.5, Lon: -0.12}}

	inactive := driver("inactive", 4.9, 0)
	inactive.Status = models.DriverInactive
	pending := driver("pending", 4.9, 0)
	pending.Onboarding = models.OnboardingPending
	offline := driver("offline", 4.9, 0)
	offline.Availability = models.AvailabilityOffline
	busy := driver("busy", 4.9, 3)
	low := driver("low", 3.9, 0)
	unrated := driver("unrated", 0, 0)
	far := driver("far", 4.9, 0)
	ok := driver("ok", 4.2, 2)

	positions := map[string]models.Coord{
		"far": {Lat: 53.48, Lon: -2.24}, // Manchester
		"ok":  {Lat: 51.51, Lon: -0.13},
	}

	got := FilterEligible(job, []models.Driver{inactive, pending, offline, busy, low, unrated, far, ok}, DefaultCriteria(), positions)

	ids := make([]string, 0, len(got))
	for _, d := range got {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"unrated", "ok"}, ids)
}

func TestFilterEligibleOfflineAllowedWhenNotRequired(t *testing.T) {
	offline := driver("offline", 4.5, 0)
	offline.Availability = models.AvailabilityOffline
	c := DefaultCriteria()
	c.RequireOnline = false

	got := FilterEligible(&models.Job{}, []models.Driver{offline}, c, nil)
	assert.Len(t, got, 1)
}

func TestFilterEligibleEmptyPool(t *testing.T) {
	got := FilterEligible(&models.Job{}, nil, DefaultCriteria(), nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestFilterEligibleExclusion(t *testing.T) {
	c := DefaultCriteria()
	c.ExcludeDrivers = []string{"d1"}
	got := FilterEligible(&models.Job{}, []models.Driver{driver("d1", 5, 0), driver("d2", 5, 0)}, c, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "d2", got[0].ID)
}

func TestScoreWithoutDistanceUsesRemainingWeights(t *testing.T) {
	d := driver("d1", 4.8, 0)
	s := DefaultPolicy().Score(d, 0, false)

	assert.Nil(t, s.Factors.Distance)
	assert.InDelta(t, 96.0, s.Factors.Rating, 0.001)
	assert.Equal(t, 0.0, s.Factors.Experience)
	assert.Equal(t, 100.0, s.Factors.Load)
	assert.Equal(t, 100.0, s.Factors.Availability)
	// (20*96 + 10*0 + 50*100 + 10*100) / 90
	assert.InDelta(t, 88.0, s.Value, 0.01)
	assert.Contains(t, s.Reasons, "Highly rated (4.8)")
}

func TestScoreWithDistance(t *testing.T) {
	d := driver("d1", 4.8, 0)
	s := DefaultPolicy().Score(d, 0, true)
	require.NotNil(t, s.Factors.Distance)
	assert.Equal(t, 100.0, *s.Factors.Distance)
	// (70*100 + 20*96 + 50*100 + 10*100) / 160
	assert.InDelta(t, 93.25, s.Value, 0.01)

	far := DefaultPolicy().Score(d, 75, true)
	assert.Equal(t, 0.0, *far.Factors.Distance)
}

func TestScoreIsScaleInvariant(t *testing.T) {
	d := driver("d1", 4.0, 1)
	d.CompletedJobs = 20

	p := DefaultPolicy()
	doubled := p
	doubled.Weights = Weights{Distance: 140, Rating: 40, Experience: 20, Load: 100, Availability: 20}

	assert.InDelta(t, p.Score(d, 10, true).Value, doubled.Score(d, 10, true).Value, 0.01)
}

func TestScoreUnratedPolicy(t *testing.T) {
	d := driver("new", 0, 0)

	best := DefaultPolicy()
	assert.Equal(t, 100.0, best.Score(d, 0, false).Factors.Rating)

	mid := DefaultPolicy()
	mid.Unrated = UnratedAsMidpoint
	assert.Equal(t, 50.0, mid.Score(d, 0, false).Factors.Rating)
}

func TestScoreExperienceCaps(t *testing.T) {
	d := driver("vet", 4.5, 0)
	d.CompletedJobs = 400
	assert.Equal(t, 100.0, DefaultPolicy().Score(d, 0, false).Factors.Experience)
}

func TestScoreOfflineSoftVariant(t *testing.T) {
	d := driver("d1", 4.5, 0)
	d.Availability = models.AvailabilityOffline
	p := DefaultPolicy()
	assert.Equal(t, 0.0, p.Score(d, 0, false).Factors.Availability)
	p.OfflineAvailability = 50
	assert.Equal(t, 50.0, p.Score(d, 0, false).Factors.Availability)
}

func ratingOnlyPolicy() ScoringPolicy {
	p := DefaultPolicy()
	p.Weights = Weights{Rating: 1}
	return p
}

func TestRankAndSelectBest(t *testing.T) {
	a := driver("A", 4.5, 3)  // 90
	b := driver("B", 3.75, 0) // 75
	c := driver("C", 3.0, 0)  // 60

	ranked := Rank(&models.Job{}, []models.Driver{c, a, b}, ratingOnlyPolicy(), nil)
	require.Len(t, ranked, 3)
	assert.Equal(t, 90.0, ranked[0].Score.Value)
	best, ok := SelectBest(ranked)
	require.True(t, ok)
	assert.Equal(t, "A", best.Driver.ID)

	// A is over the job ceiling; the remaining pool re-ranks with B on top.
	crit := Criteria{MaxCurrentJobs: 3}
	eligible := FilterEligible(&models.Job{}, []models.Driver{c, a, b}, crit, nil)
	best, ok = SelectBest(Rank(&models.Job{}, eligible, ratingOnlyPolicy(), nil))
	require.True(t, ok)
	assert.Equal(t, "B", best.Driver.ID)
}

func TestRankTieBreaksByDriverID(t *testing.T) {
	ranked := Rank(&models.Job{}, []models.Driver{driver("z", 4.5, 0), driver("a", 4.5, 0), driver("m", 4.5, 0)}, DefaultPolicy(), nil)
	assert.Equal(t, "a", ranked[0].Driver.ID)
	assert.Equal(t, "m", ranked[1].Driver.ID)
	assert.Equal(t, "z", ranked[2].Driver.ID)
}

func TestSelectBestEmpty(t *testing.T) {
	_, ok := SelectBest(nil)
	assert.False(t, ok)
}

func TestCriteriaWithOverrides(t *testing.T) {
	minRating := 4.5
	online := false
	c := DefaultCriteria().With(&Overrides{MinRating: &minRating, RequireOnline: &online})
	assert.Equal(t, 4.5, c.MinRating)
	assert.False(t, c.RequireOnline)
	assert.Equal(t, 50.0, c.MaxDistanceKm)
	assert.Equal(t, DefaultCriteria(), DefaultCriteria().With(nil))
}

func TestPartitionReportsFirstFailedConstraint(t *testing.T) {
	offline := driver("offline", 3.0, 0)
	offline.Availability = models.AvailabilityOffline
	busy := driver("busy", 4.9, 3)
	low := driver("low", 3.9, 0)
	ok := driver("ok", 4.5, 1)

	eligible, rejected := Partition(&models.Job{}, []models.Driver{offline, busy, ok, low}, DefaultCriteria(), nil)
	require.Len(t, eligible, 1)
	assert.Equal(t, "ok", eligible[0].ID)
	assert.Equal(t, []Rejected{
		{DriverID: "offline", Reason: RejectOffline},
		{DriverID: "busy", Reason: RejectJobCeiling},
		{DriverID: "low", Reason: RejectLowRating},
	}, rejected)

	_, rejected = Partition(&models.Job{}, []models.Driver{ok}, DefaultCriteria(), nil)
	assert.NotNil(t, rejected)
	assert.Empty(t, rejected)
}

func TestZeroJobCeilingAdmitsNobody(t *testing.T) {
	c := DefaultCriteria()
	c.MaxCurrentJobs = 0
	assert.Empty(t, FilterEligible(&models.Job{}, []models.Driver{driver("idle", 5, 0), driver("loaded", 5, 5)}, c, nil))
}

func TestOverridesValidate(t *testing.T) {
	zero, neg, high, okRating, okKm := 0, -1.0, 5.5, 4.5, 10.0
	zeroKm := 0.0
	jobs := 2

	assert.NoError(t, (*Overrides)(nil).Validate())
	assert.NoError(t, (&Overrides{MinRating: &okRating, MaxDistanceKm: &okKm, MaxCurrentJobs: &jobs}).Validate())

	for name, o := range map[string]*Overrides{
		"zero ceiling":      {MaxCurrentJobs: &zero},
		"negative rating":   {MinRating: &neg},
		"rating above five": {MinRating: &high},
		"negative distance": {MaxDistanceKm: &neg},
		"zero distance":     {MaxDistanceKm: &zeroKm},
	} {
		assert.ErrorIs(t, o.Validate(), apperr.ErrValidation, name)
	}
}
