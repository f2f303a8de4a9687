package matcher

import (
	"fmt"

	"github.com/speedyvan/dispatch/internal/apperr"
)

// Criteria are the hard constraints applied before scoring.
type Criteria struct {
	MaxDistanceKm  float64  `json:"maxDistanceKm"`
	MinRating      float64  `json:"minRating"`
	MaxCurrentJobs int      `json:"maxCurrentJobs"`
	RequireOnline  bool     `json:"requireOnlineStatus"`
	ExcludeDrivers []string `json:"excludeDriverIds,omitempty"`
}

func DefaultCriteria() Criteria {
	return Criteria{
		MaxDistanceKm:  50,
		MinRating:      4.0,
		MaxCurrentJobs: 3,
		RequireOnline:  true,
	}
}

// Overrides carries optional per-request changes to Criteria. Nil fields keep
// the base value.
type Overrides struct {
	MaxDistanceKm  *float64 `json:"maxDistanceKm,omitempty"`
	MinRating      *float64 `json:"minRating,omitempty"`
	MaxCurrentJobs *int     `json:"maxCurrentJobs,omitempty"`
	RequireOnline  *bool    `json:"requireOnlineStatus,omitempty"`
}

// Validate reports out of range overrides as ErrValidation.
func (o *Overrides) Validate() error {
	if o == nil {
		return nil
	}
	if o.MaxDistanceKm != nil && *o.MaxDistanceKm <= 0 {
		return fmt.Errorf("maxDistanceKm must be positive: %w", apperr.ErrValidation)
	}
	if o.MinRating != nil && (*o.MinRating < 0 || *o.MinRating > 5) {
		return fmt.Errorf("minRating must be within 0..5: %w", apperr.ErrValidation)
	}
	if o.MaxCurrentJobs != nil && *o.MaxCurrentJobs <= 0 {
		return fmt.Errorf("maxCurrentJobs must be positive: %w", apperr.ErrValidation)
	}
	return nil
}

func (c Criteria) With(o *Overrides) Criteria {
	if o == nil {
		return c
	}
	if o.MaxDistanceKm != nil {
		c.MaxDistanceKm = *o.MaxDistanceKm
	}
	if o.MinRating != nil {
		c.MinRating = *o.MinRating
	}
	if o.MaxCurrentJobs != nil {
		c.MaxCurrentJobs = *o.MaxCurrentJobs
	}
	if o.RequireOnline != nil {
		c.RequireOnline = *o.RequireOnline
	}
	return c
}
