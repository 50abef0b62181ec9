package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-watch/internal/models"
)

// RedisStore keeps a ride as a JSON header plus capped sample and alert
// lists:
//
//	ride:{id}          string  header (no track, no alerts)
//	ride:{id}:samples  list    JSON samples, oldest first
//	ride:{id}:alerts   list    JSON alert records
type RedisStore struct {
	client   redis.UniversalClient
	maxTrack int64
}

func NewRedisStore(client redis.UniversalClient, maxTrack int) *RedisStore {
	if maxTrack <= 0 {
		maxTrack = 500
	}
	return &RedisStore{client: client, maxTrack: int64(maxTrack)}
}

func headerKey(id string) string  { return "ride:" + id }
func samplesKey(id string) string { return "ride:" + id + ":samples" }
func alertsKey(id string) string  { return "ride:" + id + ":alerts" }

func (s *RedisStore) SaveRide(ctx context.Context, r *models.RideState) error {
	h := r.Clone()
	h.Track, h.Alerts = nil, nil
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, headerKey(r.ID), b, 0).Err()
}

func (s *RedisStore) UpdateRide(ctx context.Context, r *models.RideState) error {
	cur, err := s.loadHeader(ctx, r.ID)
	if err != nil {
		return err
	}
	cur.Status = r.Status
	cur.EndedAt = r.EndedAt
	return s.SaveRide(ctx, cur)
}

func (s *RedisStore) SaveSample(ctx context.Context, rideID string, smp models.Sample) error {
	b, err := json.Marshal(smp)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, samplesKey(rideID), b)
		p.LTrim(ctx, samplesKey(rideID), -s.maxTrack, -1)
		return nil
	})
	return err
}

func (s *RedisStore) SaveAlert(ctx context.Context, rideID string, a models.AlertRecord) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, alertsKey(rideID), b).Err()
}

func (s *RedisStore) LoadRide(ctx context.Context, rideID string) (*models.RideState, error) {
	r, err := s.loadHeader(ctx, rideID)
	if err != nil {
		return nil, err
	}
	samples, err := s.client.LRange(ctx, samplesKey(rideID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, raw := range samples {
		var smp models.Sample
		if err := json.Unmarshal([]byte(raw), &smp); err != nil {
			return nil, fmt.Errorf("decode sample of %s: %w", rideID, err)
		}
		r.Track = append(r.Track, smp)
	}
	alerts, err := s.client.LRange(ctx, alertsKey(rideID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, raw := range alerts {
		var a models.AlertRecord
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode alert of %s: %w", rideID, err)
		}
		r.Alerts = append(r.Alerts, a)
	}
	Reconcile(r)
	return r, nil
}

func (s *RedisStore) loadHeader(ctx context.Context, rideID string) (*models.RideState, error) {
	b, err := s.client.Get(ctx, headerKey(rideID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, rideID)
	}
	if err != nil {
		return nil, err
	}
	var r models.RideState
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode ride %s: %w", rideID, err)
	}
	return &r, nil
}
