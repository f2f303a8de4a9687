package matcher

import (
	"fmt"
	"math"
	"sort"

	"github.com/speedyvan/dispatch/internal/models"
)

// Weights are relative; they do not need to sum to 100. The composite score
// divides by the sum of the weights actually used.
type Weights struct {
	Distance     float64 `json:"distance"`
	Rating       float64 `json:"rating"`
	Experience   float64 `json:"experience"`
	Load         float64 `json:"load"`
	Availability float64 `json:"availability"`
}

func DefaultWeights() Weights {
	return Weights{Distance: 70, Rating: 20, Experience: 10, Load: 50, Availability: 10}
}

// UnratedPolicy decides the rating used for drivers with no rating yet.
type UnratedPolicy string

const (
	UnratedAsBest     UnratedPolicy = "best"     // scored as 5.0
	UnratedAsMidpoint UnratedPolicy = "midpoint" // scored as 2.5
)

// ScoringPolicy is the single source of scoring behaviour for every
// assignment path.
type ScoringPolicy struct {
	Weights             Weights       `json:"weights"`
	MaxDistanceKm       float64       `json:"maxDistanceKm"`
	MaxCurrentJobs      int           `json:"maxCurrentJobs"`
	ExperienceCap       int           `json:"experienceCap"`
	Unrated             UnratedPolicy `json:"unrated"`
	OfflineAvailability float64       `json:"offlineAvailability"`
}

func DefaultPolicy() ScoringPolicy {
	return ScoringPolicy{
		Weights:        DefaultWeights(),
		MaxDistanceKm:  50,
		MaxCurrentJobs: 3,
		ExperienceCap:  50,
		Unrated:        UnratedAsBest,
	}
}

// ForCriteria aligns the normalisation bounds with the eligibility criteria
// so a driver at the distance or load limit scores zero on that factor.
func (p ScoringPolicy) ForCriteria(c Criteria) ScoringPolicy {
	if c.MaxDistanceKm > 0 {
		p.MaxDistanceKm = c.MaxDistanceKm
	}
	if c.MaxCurrentJobs > 0 {
		p.MaxCurrentJobs = c.MaxCurrentJobs
	}
	return p
}

// Factors are the per-signal scores, each on a 0..100 scale. Distance is nil
// when no position was available for the driver or the pickup.
type Factors struct {
	Distance     *float64 `json:"distance,omitempty"`
	Rating       float64  `json:"rating"`
	Experience   float64  `json:"experience"`
	Load         float64  `json:"load"`
	Availability float64  `json:"availability"`
}

type Score struct {
	Value   float64  `json:"value"`
	Factors Factors  `json:"factors"`
	Reasons []string `json:"reasons"`
}

// Score computes the composite score of d. distanceKm is ignored unless
// distanceKnown is set.
func (p ScoringPolicy) Score(d models.Driver, distanceKm float64, distanceKnown bool) Score {
	var (
		f       Factors
		reasons []string
		sum     float64
		weights float64
	)
	add := func(w, v float64) {
		if w <= 0 {
			return
		}
		sum += w * v
		weights += w
	}

	if distanceKnown {
		v := 100.0
		if p.MaxDistanceKm > 0 {
			v = math.Max(0, 100-(distanceKm/p.MaxDistanceKm)*100)
		}
		f.Distance = &v
		add(p.Weights.Distance, v)
		if distanceKm <= p.MaxDistanceKm/5 {
			reasons = append(reasons, fmt.Sprintf("Close to pickup (%.1f km)", distanceKm))
		}
	}

	rating := d.Rating
	if rating <= 0 {
		rating = p.unratedValue()
		reasons = append(reasons, "New driver (no rating yet)")
	} else if rating >= 4.5 {
		reasons = append(reasons, fmt.Sprintf("Highly rated (%.1f)", rating))
	}
	f.Rating = math.Min(100, rating/5*100)
	add(p.Weights.Rating, f.Rating)

	capJobs := p.ExperienceCap
	if capJobs <= 0 {
		capJobs = 50
	}
	f.Experience = math.Min(100, float64(d.CompletedJobs)/float64(capJobs)*100)
	add(p.Weights.Experience, f.Experience)
	if d.CompletedJobs >= capJobs {
		reasons = append(reasons, fmt.Sprintf("Experienced (%d jobs)", d.CompletedJobs))
	}

	f.Load = 100
	if p.MaxCurrentJobs > 0 {
		f.Load = math.Max(0, 100-float64(d.ActiveJobs)/float64(p.MaxCurrentJobs)*100)
	}
	add(p.Weights.Load, f.Load)
	if d.ActiveJobs == 0 {
		reasons = append(reasons, "No current jobs")
	}

	if d.Availability == models.AvailabilityOnline {
		f.Availability = 100
		reasons = append(reasons, "Currently online")
	} else {
		f.Availability = p.OfflineAvailability
	}
	add(p.Weights.Availability, f.Availability)

	value := 0.0
	if weights > 0 {
		value = math.Round(sum/weights*100) / 100
	}
	return Score{Value: value, Factors: f, Reasons: reasons}
}

func (p ScoringPolicy) unratedValue() float64 {
	if p.Unrated == UnratedAsMidpoint {
		return 2.5
	}
	return 5.0
}

// Candidate is a scored, eligible driver.
type Candidate struct {
	Driver     models.Driver `json:"driver"`
	Score      Score         `json:"score"`
	DistanceKm *float64      `json:"distanceKm,omitempty"`
	ETASeconds *float64      `json:"etaSeconds,omitempty"`
}

// Rank scores every driver and orders them best first. Ties are broken by
// driver id so the result is deterministic.
func Rank(job *models.Job, drivers []models.Driver, p ScoringPolicy, positions map[string]models.Coord) []Candidate {
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		c := Candidate{Driver: d}
		km, ok := distanceTo(job, d.ID, positions)
		if ok {
			c.DistanceKm = &km
		}
		c.Score = p.Score(d, km, ok)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score.Value != out[j].Score.Value {
			return out[i].Score.Value > out[j].Score.Value
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	return out
}

// SelectBest returns the top candidate. ok is false when there is nobody to
// assign.
func SelectBest(ranked []Candidate) (Candidate, bool) {
	if len(ranked) == 0 {
		return Candidate{}, false
	}
	return ranked[0], true
}
