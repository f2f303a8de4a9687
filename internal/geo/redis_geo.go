package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/speedyvan/dispatch/internal/models"
)

// RedisGeo implements Locator using Redis GEO commands.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, loc models.DriverLocation) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Loc.Lon, Latitude: loc.Loc.Lat, Name: loc.DriverID})
	pipe.HSet(ctx, MetaKey(loc.DriverID), "updated", time.Now().Format(time.RFC3339))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Positions(ctx context.Context, driverIDs []string) (map[string]models.Coord, error) {
	out := make(map[string]models.Coord, len(driverIDs))
	if len(driverIDs) == 0 {
		return out, nil
	}
	res, err := r.client.GeoPos(ctx, r.key, driverIDs...).Result()
	if err != nil {
		return nil, err
	}
	for i, p := range res {
		// missing members come back as nil entries
		if p == nil || i >= len(driverIDs) {
			continue
		}
		out[driverIDs[i]] = models.Coord{Lat: p.Latitude, Lon: p.Longitude}
	}
	return out, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }
