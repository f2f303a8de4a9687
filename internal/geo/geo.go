package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/speedyvan/dispatch/internal/models"
)

// Locator stores the last known position of every driver. The dispatch core
// only needs point lookups; pickup-radius filtering happens in the matcher.
type Locator interface {
	Upsert(ctx context.Context, loc models.DriverLocation) error
	Positions(ctx context.Context, driverIDs []string) (map[string]models.Coord, error)
}

// Index is the in-process Locator used when Redis is not configured.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverLocation
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverLocation)}
}

func (g *Index) Upsert(_ context.Context, loc models.DriverLocation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	loc.Updated = time.Now()
	g.drivers[loc.DriverID] = loc
	return nil
}

func (g *Index) Positions(_ context.Context, driverIDs []string) (map[string]models.Coord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]models.Coord, len(driverIDs))
	for _, id := range driverIDs {
		if loc, ok := g.drivers[id]; ok {
			out[id] = loc.Loc
		}
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// DistanceKm is Haversine between two coordinates, in kilometres.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}
