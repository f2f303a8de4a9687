package assign

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/speedyvan/dispatch/internal/matcher"
	"github.com/speedyvan/dispatch/internal/models"
	"github.com/speedyvan/dispatch/internal/observability"
)

// rank loads the candidate pool, filters and scores it. The first withETA
// candidates get a pickup ETA attached. Filtered drivers come back with the
// constraint they failed.
func (s *Service) rank(ctx context.Context, job *models.Job, c matcher.Criteria, p matcher.ScoringPolicy, withETA int) ([]matcher.Candidate, []matcher.Rejected, error) {
	pool, err := s.store.ListCandidateDrivers(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load drivers: %w", err)
	}
	positions := s.positions(ctx, pool)
	eligible, rejected := matcher.Partition(job, pool, c, positions)
	observability.EligibleDrivers.Observe(float64(len(eligible)))
	if ce := s.log.Check(zap.DebugLevel, "eligibility"); ce != nil {
		reasons := make(map[string]int)
		for _, r := range rejected {
			reasons[string(r.Reason)]++
		}
		ce.Write(
			zap.String("job_id", job.ID),
			zap.Int("pool", len(pool)),
			zap.Int("eligible", len(eligible)),
			zap.Any("rejected", reasons),
		)
	}

	ranked := matcher.Rank(job, eligible, p, positions)
	if s.eta != nil && job.Pickup.Known() {
		for i := range ranked {
			if i >= withETA {
				break
			}
			pos, ok := positions[ranked[i].Driver.ID]
			if !ok || ranked[i].DistanceKm == nil {
				continue
			}
			secs := s.eta.Seconds(ctx, pos, job.Pickup)
			ranked[i].ETASeconds = &secs
		}
	}
	return ranked, rejected, nil
}

// positions is best effort: without a locator, or when it fails, scoring
// runs without the distance factor.
func (s *Service) positions(ctx context.Context, pool []models.Driver) map[string]models.Coord {
	if s.locator == nil || len(pool) == 0 {
		return nil
	}
	ids := make([]string, 0, len(pool))
	for _, d := range pool {
		ids = append(ids, d.ID)
	}
	pos, err := s.locator.Positions(ctx, ids)
	if err != nil {
		s.log.Warn("driver positions unavailable", zap.Error(err))
		return nil
	}
	return pos
}
