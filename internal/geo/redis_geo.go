package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-watch/internal/models"
)

// RedisGeo implements LiveIndex using Redis GEO commands.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, p Position) error {
	if p.Updated.IsZero() {
		p.Updated = time.Now()
	}
	// store as GEOADD and HSET for metadata
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Coord.Lon, Latitude: p.Coord.Lat, Name: p.RideID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, MetaKey(p.RideID), map[string]interface{}{
		"deviated": strconv.FormatBool(p.Deviated),
		"updated":  p.Updated.Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, rideID string) error {
	if err := r.client.ZRem(ctx, r.key, rideID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, MetaKey(rideID)).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, c models.Coord, radiusMeters float64, limit int) ([]Position, error) {
	res, err := r.client.GeoRadius(ctx, r.key, c.Lon, c.Lat, &redis.GeoRadiusQuery{Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(res))
	for _, g := range res {
		p := Position{RideID: g.Name, Coord: models.Coord{Lat: g.Latitude, Lon: g.Longitude}, Distance: g.Dist}
		if m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result(); err == nil {
			p.Deviated = m["deviated"] == "true"
			if t, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
				p.Updated = t
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// MetaKey is the hash holding per-ride metadata next to the GEO set.
func MetaKey(rideID string) string { return "ride:live:" + rideID }
