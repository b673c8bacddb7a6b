package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-realtime/internal/models"
)

// DefaultGeoKey is the sorted set holding driver positions.
const DefaultGeoKey = "drivers_geo"

// StatusKey is the hash holding a driver's status and last update time.
func StatusKey(driverID string) string { return "driver:presence:" + driverID }

// RedisMirror keeps a Redis GEO set and a status hash per driver in step with
// the tracker, so other services can query positions without the core.
type RedisMirror struct {
	client redis.Cmdable
	geoKey string
}

func NewRedisMirror(client redis.Cmdable, geoKey string) *RedisMirror {
	if geoKey == "" {
		geoKey = DefaultGeoKey
	}
	return &RedisMirror{client: client, geoKey: geoKey}
}

func (r *RedisMirror) MirrorPresence(ctx context.Context, p models.DriverPresence) error {
	pipe := r.client.TxPipeline()
	switch {
	case p.Status == models.DriverOffline:
		pipe.ZRem(ctx, r.geoKey, p.DriverID)
	case p.Location != nil:
		pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: p.Location.Lng, Latitude: p.Location.Lat, Name: p.DriverID})
	}
	pipe.HSet(ctx, StatusKey(p.DriverID), map[string]interface{}{
		"status":  string(p.Status),
		"updated": p.LastUpdated.UTC().Format(time.RFC3339),
	})
	_, err := pipe.Exec(ctx)
	return err
}

// Nearby returns driver ids within radius meters of center, closest first.
func (r *RedisMirror) Nearby(ctx context.Context, center models.Coord, radius float64, limit int) ([]string, error) {
	res, err := r.client.GeoSearch(ctx, r.geoKey, &redis.GeoSearchQuery{
		Longitude:  center.Lng,
		Latitude:   center.Lat,
		Radius:     radius,
		RadiusUnit: "m",
		Sort:       "ASC",
		Count:      limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	return res, nil
}
