package assign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedyvan/dispatch/internal/apperr"
	"github.com/speedyvan/dispatch/internal/dispatch"
	"github.com/speedyvan/dispatch/internal/geo"
	"github.com/speedyvan/dispatch/internal/matcher"
	"github.com/speedyvan/dispatch/internal/models"
	"github.com/speedyvan/dispatch/internal/settings"
	"github.com/speedyvan/dispatch/internal/storage"
)

var (
	admin = models.Actor{ID: "admin-1", Role: "admin"}
	t0    = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
)

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	rec      *dispatch.Recorder
	geo      *geo.Index
	settings *settings.MemoryStore
}

func newFixture(t *testing.T, drivers ...models.Driver) *fixture {
	t.Helper()
	st := storage.NewMemoryStore()
	st.PutJob(models.Job{ID: "j1", Reference: "SV-1001", Status: models.JobConfirmed, TotalPence: 12000, CreatedAt: t0})
	for _, d := range drivers {
		st.PutDriver(d)
	}
	rec := dispatch.NewRecorder(100)
	idx := geo.NewIndex()
	ms := settings.NewMemoryStore(settings.ModeAuto)
	svc := NewService(Deps{
		Store:    st,
		Locator:  idx,
		Notifier: dispatch.NewNotifier(rec, nil),
		Settings: ms,
	}, DefaultConfig())
	svc.now = func() time.Time { return t0 }
	return &fixture{svc: svc, store: st, rec: rec, geo: idx, settings: ms}
}

func driver(id string, rating float64, av models.Availability) models.Driver {
	return models.Driver{
		ID:           id,
		Name:         "Driver " + id,
		Status:       models.DriverActive,
		Onboarding:   models.OnboardingApproved,
		Rating:       rating,
		Availability: av,
	}
}

func TestAutoAssignPicksOnlineDriver(t *testing.T) {
	f := newFixture(t,
		driver("d1", 4.8, models.AvailabilityOnline),
		driver("d2", 4.9, models.AvailabilityOffline),
	)

	res, err := f.svc.AutoAssign(context.Background(), AutoAssignRequest{BookingID: "j1"}, admin)
	require.NoError(t, err)
	assert.Equal(t, "d1", res.Driver.Driver.ID)
	assert.Equal(t, models.AssignmentInvited, res.Assignment.Status)
	assert.Equal(t, 1, res.Assignment.Round)
	assert.Equal(t, t0.Add(30*time.Minute), res.Assignment.ExpiresAt)
	assert.NotNil(t, res.Alternatives)
	assert.Empty(t, res.Alternatives)

	job, err := f.store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.NotNil(t, job.DriverID)
	assert.Equal(t, "d1", *job.DriverID)

	assert.Len(t, f.rec.Find(dispatch.DriverChannel("d1"), dispatch.EventJobAssigned), 1)
	assert.Len(t, f.rec.Find(dispatch.DriversChannel, dispatch.EventJobAssignedToOther), 1)
	assert.Len(t, f.rec.Find(dispatch.BookingChannel("SV-1001"), dispatch.EventDriverAssigned), 1)

	trail, err := f.svc.AuditTrail(context.Background(), "j1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "job.auto_assign", trail[0].Action)
	assert.Equal(t, admin.ID, trail[0].ActorID)
}

func TestAutoAssignNoEligibleDriversLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, driver("d1", 4.0, models.AvailabilityOnline))
	minRating := 4.5

	_, err := f.svc.AutoAssign(context.Background(), AutoAssignRequest{
		BookingID: "j1",
		Criteria:  &matcher.Overrides{MinRating: &minRating},
	}, admin)
	require.ErrorIs(t, err, apperr.ErrNoEligibleDrivers)
	assert.Equal(t, "No suitable drivers available", apperr.Public(err))

	job, _ := f.store.GetJob(context.Background(), "j1")
	assert.Nil(t, job.DriverID)
	assert.Empty(t, f.store.Assignments("j1"))
	assert.Empty(t, f.rec.Messages())
}

func TestAutoAssignAlternativesAndDistance(t *testing.T) {
	f := newFixture(t,
		driver("d1", 4.6, models.AvailabilityOnline),
		driver("d2", 4.6, models.AvailabilityOnline),
		driver("d3", 4.6, models.AvailabilityOnline),
		driver("far", 5.0, models.AvailabilityOnline),
	)
	job := models.Job{ID: "j2", Reference: "SV-1002", Status: models.JobConfirmed, Pickup: models.Coord{Lat: 51.5074, Lon: -0.1278}}
	f.store.PutJob(job)
	ctx := context.Background()
	require.NoError(t, f.geo.Upsert(ctx, models.DriverLocation{DriverID: "d1", Loc: models.Coord{Lat: 51.51, Lon: -0.13}}))
	require.NoError(t, f.geo.Upsert(ctx, models.DriverLocation{DriverID: "d2", Loc: models.Coord{Lat: 51.60, Lon: -0.20}}))
	require.NoError(t, f.geo.Upsert(ctx, models.DriverLocation{DriverID: "far", Loc: models.Coord{Lat: 53.48, Lon: -2.24}}))

	res, err := f.svc.AutoAssign(ctx, AutoAssignRequest{BookingID: "j2"}, admin)
	require.NoError(t, err)
	assert.Equal(t, "d1", res.Driver.Driver.ID)
	require.NotNil(t, res.Driver.DistanceKm)
	assert.Less(t, *res.Driver.DistanceKm, 1.0)

	ids := make([]string, 0, len(res.Alternatives))
	for _, c := range res.Alternatives {
		ids = append(ids, c.Driver.ID)
	}
	assert.NotContains(t, ids, "far")
	assert.Contains(t, ids, "d2")
	assert.Contains(t, ids, "d3")
}

func TestAutoAssignRefusedInManualMode(t *testing.T) {
	f := newFixture(t, driver("d1", 4.8, models.AvailabilityOnline))
	require.NoError(t, f.settings.SetMode(context.Background(), settings.ModeManual))

	_, err := f.svc.AutoAssign(context.Background(), AutoAssignRequest{BookingID: "j1"}, admin)
	require.ErrorIs(t, err, apperr.ErrManualDispatch)

	res, err := f.svc.AutoAssign(context.Background(), AutoAssignRequest{BookingID: "j1", ForceAuto: true}, admin)
	require.NoError(t, err)
	assert.Equal(t, "d1", res.Driver.Driver.ID)
}

func TestAutoAssignRejectsAssignedOrDraftJob(t *testing.T) {
	f := newFixture(t, driver("d1", 4.8, models.AvailabilityOnline), driver("d2", 4.8, models.AvailabilityOnline))
	ctx := context.Background()

	_, err := f.svc.AutoAssign(ctx, AutoAssignRequest{BookingID: ""}, admin)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.AutoAssign(ctx, AutoAssignRequest{BookingID: "missing"}, admin)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	f.store.PutJob(models.Job{ID: "draft", Status: models.JobDraft})
	_, err = f.svc.AutoAssign(ctx, AutoAssignRequest{BookingID: "draft"}, admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.svc.AutoAssign(ctx, AutoAssignRequest{BookingID: "j1"}, admin)
	require.NoError(t, err)
	_, err = f.svc.AutoAssign(ctx, AutoAssignRequest{BookingID: "j1"}, admin)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestConcurrentAssignExactlyOneWins(t *testing.T) {
	drivers := []models.Driver{
		driver("d1", 4.8, models.AvailabilityOnline),
		driver("d2", 4.7, models.AvailabilityOnline),
		driver("d3", 4.6, models.AvailabilityOnline),
		driver("d4", 4.5, models.AvailabilityOnline),
	}
	f := newFixture(t, drivers...)

	var (
		wg   sync.WaitGroup
		errs = make(chan error, len(drivers))
	)
	for _, d := range drivers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.Assign(context.Background(), AssignRequest{JobID: "j1", DriverID: id}, admin)
			errs <- err
		}(d.ID)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, apperr.ErrConflict), "unexpected error %v", err)
	}
	assert.Equal(t, 1, wins)

	open := 0
	for _, a := range f.store.Assignments("j1") {
		if a.Status.Open() {
			open++
		}
	}
	assert.Equal(t, 1, open)
}

func TestManualAssignIsAccepted(t *testing.T) {
	f := newFixture(t, driver("d1", 3.0, models.AvailabilityOffline))

	res, err := f.svc.Assign(context.Background(), AssignRequest{JobID: "j1", DriverID: "d1"}, admin)
	require.NoError(t, err)
	assert.Equal(t, "d1", res.DriverID)
	assert.Equal(t, "Driver d1", res.DriverName)
	assert.Equal(t, res.Assignment.ID, res.AssignmentID)
	assert.Equal(t, models.AssignmentAccepted, res.Assignment.Status)
	assert.Len(t, f.rec.Find(dispatch.DriverChannel("d1"), dispatch.EventRouteMatched), 1)
}

func TestManualAssignRespectsJobCeiling(t *testing.T) {
	f := newFixture(t, driver("d1", 4.8, models.AvailabilityOnline))
	for _, id := range []string{"a", "b", "c"} {
		d := "d1"
		f.store.PutJob(models.Job{ID: id, Status: models.JobConfirmed, DriverID: &d})
	}

	_, err := f.svc.Assign(context.Background(), AssignRequest{JobID: "j1", DriverID: "d1"}, admin)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAssignRejections(t *testing.T) {
	f := newFixture(t, driver("d1", 4.8, models.AvailabilityOnline))
	ctx := context.Background()

	_, err := f.svc.Assign(ctx, AssignRequest{JobID: "j1"}, admin)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.Assign(ctx, AssignRequest{JobID: "nope", DriverID: "d1"}, admin)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.Assign(ctx, AssignRequest{JobID: "j1", DriverID: "ghost"}, admin)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	f.store.PutJob(models.Job{ID: "done", Status: models.JobCompleted})
	_, err = f.svc.Assign(ctx, AssignRequest{JobID: "done", DriverID: "d1"}, admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestAssignDraftJobConfirmsIt(t *testing.T) {
	f := newFixture(t, driver("d1", 4.8, models.AvailabilityOnline))
	f.store.PutJob(models.Job{ID: "draft", Status: models.JobDraft})

	_, err := f.svc.Assign(context.Background(), AssignRequest{JobID: "draft", DriverID: "d1"}, admin)
	require.NoError(t, err)
	job, _ := f.store.GetJob(context.Background(), "draft")
	assert.Equal(t, models.JobConfirmed, job.Status)
}

func TestAssignAutoSentinel(t *testing.T) {
	f := newFixture(t,
		driver("d1", 4.2, models.AvailabilityOnline),
		driver("d2", 4.9, models.AvailabilityOnline),
	)

	res, err := f.svc.Assign(context.Background(), AssignRequest{JobID: "j1", DriverID: AutoDriverID}, admin)
	require.NoError(t, err)
	assert.Equal(t, "d2", res.DriverID)
	assert.Equal(t, models.AssignmentInvited, res.Assignment.Status)
}

func TestSmartAssignWithRules(t *testing.T) {
	f := newFixture(t,
		driver("d1", 4.9, models.AvailabilityOnline),
		driver("d2", 4.1, models.AvailabilityOnline),
		driver("d3", 4.5, models.AvailabilityOffline),
	)
	for i := 0; i < 60; i++ {
		drv := "d2"
		f.store.PutJob(models.Job{ID: fmt.Sprintf("done-%d", i), Status: models.JobCompleted, DriverID: &drv})
	}
	off := false
	rules := &Rules{
		Weights:       &matcher.Weights{Experience: 1},
		Criteria:      &matcher.Overrides{RequireOnline: &off},
		MaxCandidates: 2,
	}

	res, err := f.svc.SmartAssign(context.Background(), SmartAssignRequest{JobID: "j1", Rules: rules}, admin)
	require.NoError(t, err)
	assert.Equal(t, "d2", res.SelectedDriver.Driver.ID)
	assert.Equal(t, models.AssignmentInvited, res.Assignment.Status)
	assert.Len(t, res.Candidates, 2)

	trail, _ := f.svc.AuditTrail(context.Background(), "j1")
	require.NotEmpty(t, trail)
	assert.Equal(t, "job.smart_assign", trail[len(trail)-1].Action)
}

func TestSmartAssignRuleValidation(t *testing.T) {
	f := newFixture(t, driver("d1", 4.9, models.AvailabilityOnline))
	neg := -1.0
	over := 120.0
	zero := 0

	for name, rules := range map[string]*Rules{
		"negative": {Weights: &matcher.Weights{Distance: -1, Rating: 10}},
		"zero":     {Weights: &matcher.Weights{}},
		"unrated":  {Unrated: "worst"},
		"offline":  {OfflineAvailability: &over},
		"below":    {OfflineAvailability: &neg},
		"ceiling":  {Criteria: &matcher.Overrides{MaxCurrentJobs: &zero}},
		"rating":   {Criteria: &matcher.Overrides{MinRating: &over}},
		"distance": {Criteria: &matcher.Overrides{MaxDistanceKm: &neg}},
	} {
		_, err := f.svc.SmartAssign(context.Background(), SmartAssignRequest{JobID: "j1", Rules: rules}, admin)
		assert.ErrorIs(t, err, apperr.ErrValidation, name)
	}
	assert.Empty(t, f.store.Assignments("j1"))
}

func TestSmartAssignReportsRejectedDrivers(t *testing.T) {
	f := newFixture(t,
		driver("d1", 4.9, models.AvailabilityOnline),
		driver("d2", 4.5, models.AvailabilityOffline),
		driver("d3", 3.2, models.AvailabilityOnline),
	)

	res, err := f.svc.SmartAssign(context.Background(), SmartAssignRequest{JobID: "j1"}, admin)
	require.NoError(t, err)
	assert.Equal(t, "d1", res.SelectedDriver.Driver.ID)
	assert.Equal(t, []matcher.Rejected{
		{DriverID: "d2", Reason: matcher.RejectOffline},
		{DriverID: "d3", Reason: matcher.RejectLowRating},
	}, res.Rejected)
}

func TestAutoAssignRejectsOutOfRangeCriteria(t *testing.T) {
	f := newFixture(t, driver("d1", 4.8, models.AvailabilityOnline))
	for i := 0; i < 5; i++ {
		d := "d1"
		f.store.PutJob(models.Job{ID: fmt.Sprintf("busy-%d", i), Status: models.JobConfirmed, DriverID: &d})
	}
	zero, neg, six := 0, -1.0, 6.0

	for name, o := range map[string]*matcher.Overrides{
		"zero ceiling":      {MaxCurrentJobs: &zero},
		"negative rating":   {MinRating: &neg},
		"rating above five": {MinRating: &six},
		"negative distance": {MaxDistanceKm: &neg},
	} {
		_, err := f.svc.AutoAssign(context.Background(), AutoAssignRequest{BookingID: "j1", Criteria: o}, admin)
		assert.ErrorIs(t, err, apperr.ErrValidation, name)
	}
	assert.Empty(t, f.store.Assignments("j1"))
	assert.Empty(t, f.rec.Messages())
}

func TestAutoAssignCeilingOverrideExcludesLoadedDriver(t *testing.T) {
	f := newFixture(t, driver("d1", 4.8, models.AvailabilityOnline))
	d := "d1"
	f.store.PutJob(models.Job{ID: "other", Status: models.JobConfirmed, DriverID: &d})
	one := 1

	_, err := f.svc.AutoAssign(context.Background(), AutoAssignRequest{
		BookingID: "j1",
		Criteria:  &matcher.Overrides{MaxCurrentJobs: &one},
	}, admin)
	assert.ErrorIs(t, err, apperr.ErrNoEligibleDrivers)
	assert.Empty(t, f.store.Assignments("j1"))
}

func TestDriverResponses(t *testing.T) {
	f := newFixture(t, driver("d1", 4.8, models.AvailabilityOnline))
	ctx := context.Background()
	d1 := models.Actor{ID: "d1", Role: "driver"}

	res, err := f.svc.AutoAssign(ctx, AutoAssignRequest{BookingID: "j1"}, admin)
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, res.Assignment.ID, models.Actor{ID: "d2", Role: "driver"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	a, err := f.svc.Accept(ctx, res.Assignment.ID, d1)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentAccepted, a.Status)
	assert.Len(t, f.rec.Find(dispatch.AdminChannel, dispatch.EventJobAccepted), 1)

	a, err = f.svc.Complete(ctx, res.Assignment.ID, d1)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentCompleted, a.Status)
	job, _ := f.store.GetJob(ctx, "j1")
	assert.Equal(t, models.JobCompleted, job.Status)

	_, err = f.svc.Decline(ctx, res.Assignment.ID, d1)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestDeclineReturnsJobToPool(t *testing.T) {
	f := newFixture(t, driver("d1", 4.8, models.AvailabilityOnline), driver("d2", 4.7, models.AvailabilityOnline))
	ctx := context.Background()

	res, err := f.svc.AutoAssign(ctx, AutoAssignRequest{BookingID: "j1"}, admin)
	require.NoError(t, err)
	_, err = f.svc.Decline(ctx, res.Assignment.ID, models.Actor{ID: "d1", Role: "driver"})
	require.NoError(t, err)

	job, _ := f.store.GetJob(ctx, "j1")
	assert.Nil(t, job.DriverID)
	d1, _ := f.store.GetDriver(ctx, "d1")
	assert.Equal(t, models.DefaultAcceptanceRate, d1.AcceptanceRate)

	again, err := f.svc.AutoAssign(ctx, AutoAssignRequest{BookingID: "j1"}, admin)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Assignment.Round)
}

func TestSetAvailability(t *testing.T) {
	f := newFixture(t, driver("d1", 4.8, models.AvailabilityOnline))
	d1 := models.Actor{ID: "d1", Role: "driver"}

	assert.ErrorIs(t, f.svc.SetAvailability(context.Background(), d1, "sleeping"), apperr.ErrValidation)
	require.NoError(t, f.svc.SetAvailability(context.Background(), d1, models.AvailabilityOffline))
	d, _ := f.store.GetDriver(context.Background(), "d1")
	assert.Equal(t, models.AvailabilityOffline, d.Availability)
}

type fakePayments struct{ err error }

func (f fakePayments) Verify(context.Context, string, int64) error { return f.err }

func TestConfirmBookingAutoDispatches(t *testing.T) {
	f := newFixture(t, driver("d1", 4.8, models.AvailabilityOnline))
	f.store.PutJob(models.Job{ID: "draft", Reference: "SV-2", Status: models.JobDraft, TotalPence: 5000})

	res, err := f.svc.ConfirmBooking(context.Background(), "draft", "pi_123", admin)
	require.NoError(t, err)
	require.NotNil(t, res.Assignment)
	assert.Equal(t, "d1", res.Assignment.Driver.Driver.ID)
	assert.Equal(t, models.JobConfirmed, res.Job.Status)
	require.NotNil(t, res.Job.DriverID)
	assert.Equal(t, "pi_123", res.Job.PaymentRef)
}

func TestConfirmBookingManualModeOnlyConfirms(t *testing.T) {
	f := newFixture(t, driver("d1", 4.8, models.AvailabilityOnline))
	require.NoError(t, f.settings.SetMode(context.Background(), settings.ModeManual))
	f.store.PutJob(models.Job{ID: "draft", Status: models.JobDraft})

	res, err := f.svc.ConfirmBooking(context.Background(), "draft", "pi_1", admin)
	require.NoError(t, err)
	assert.Nil(t, res.Assignment)
	assert.Nil(t, res.Job.DriverID)
}

func TestConfirmBookingWithoutDriversStillConfirms(t *testing.T) {
	f := newFixture(t)
	f.store.PutJob(models.Job{ID: "draft", Status: models.JobDraft})

	res, err := f.svc.ConfirmBooking(context.Background(), "draft", "pi_1", admin)
	require.NoError(t, err)
	assert.Nil(t, res.Assignment)
	assert.Equal(t, models.JobConfirmed, res.Job.Status)
}

func TestConfirmBookingRejectsUnpaid(t *testing.T) {
	f := newFixture(t)
	f.svc.payments = fakePayments{err: apperr.ErrValidation}
	f.store.PutJob(models.Job{ID: "draft", Status: models.JobDraft})

	_, err := f.svc.ConfirmBooking(context.Background(), "draft", "pi_bad", admin)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	job, _ := f.store.GetJob(context.Background(), "draft")
	assert.Equal(t, models.JobDraft, job.Status)

	_, err = f.svc.ConfirmBooking(context.Background(), "j1", "pi_1", admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestCancelJobClosesOffer(t *testing.T) {
	f := newFixture(t, driver("d1", 4.8, models.AvailabilityOnline))
	ctx := context.Background()
	_, err := f.svc.AutoAssign(ctx, AutoAssignRequest{BookingID: "j1"}, admin)
	require.NoError(t, err)

	res, err := f.svc.CancelJob(ctx, "j1", "customer request", admin)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, res.Job.Status)
	require.NotNil(t, res.Assignment)
	assert.Equal(t, models.AssignmentCancelled, res.Assignment.Status)
	assert.Len(t, f.rec.Find(dispatch.DriverChannel("d1"), dispatch.EventJobCancelled), 1)

	_, err = f.svc.CancelJob(ctx, "j1", "again", admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestModeRoundTrip(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SetMode(context.Background(), "sometimes", admin)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	m, err := f.svc.SetMode(context.Background(), "manual", admin)
	require.NoError(t, err)
	assert.Equal(t, settings.ModeManual, m)
	got, err := f.svc.Mode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, settings.ModeManual, got)
}
