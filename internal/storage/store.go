// Package storage is the durability layer for rides. It is written to as a
// side effect of processing and read back only to rehydrate rides this node
// does not hold in memory; live deviation checks never depend on it.
package storage

import (
	"context"
	"sync"

	"github.com/example/ride-watch/internal/models"
)

// RideStore defines persistence operations for rides.
type RideStore interface {
	SaveRide(ctx context.Context, r *models.RideState) error
	UpdateRide(ctx context.Context, r *models.RideState) error
	SaveSample(ctx context.Context, rideID string, s models.Sample) error
	SaveAlert(ctx context.Context, rideID string, a models.AlertRecord) error
	// LoadRide returns models.ErrNotFound for unknown rides.
	LoadRide(ctx context.Context, rideID string) (*models.RideState, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.RideState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.RideState)}
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.RideState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := r.Clone()
	c.Track, c.Alerts = nil, nil
	m.rides[r.ID] = c
	return nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, r *models.RideState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return models.ErrNotFound
	}
	cur.Status = r.Status
	if r.EndedAt != nil {
		t := *r.EndedAt
		cur.EndedAt = &t
	}
	return nil
}

func (m *MemoryStore) SaveSample(_ context.Context, rideID string, s models.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[rideID]
	if !ok {
		return models.ErrNotFound
	}
	cur.Track = append(cur.Track, s)
	return nil
}

func (m *MemoryStore) SaveAlert(_ context.Context, rideID string, a models.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[rideID]
	if !ok {
		return models.ErrNotFound
	}
	cur.Alerts = append(cur.Alerts, a)
	return nil
}

func (m *MemoryStore) LoadRide(_ context.Context, rideID string) (*models.RideState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.rides[rideID]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := cur.Clone()
	Reconcile(c)
	return c, nil
}

// Reconcile derives the bookkeeping fields of a loaded ride from its
// persisted track and alerts. The track must be in arrival order; the
// sequence counter is the one of the last sequenced sample. Deviation state
// is left for the caller to recompute from the geometry.
func Reconcile(r *models.RideState) {
	r.LastSequence, r.SequenceFrom = 0, ""
	for i := len(r.Track) - 1; i >= 0; i-- {
		if s := r.Track[i]; s.Sequence != 0 {
			r.LastSequence, r.SequenceFrom = s.Sequence, s.Source
			break
		}
	}
	r.LastAlertAt = nil
	for _, a := range r.Alerts {
		if a.Kind != models.AlertDeviation {
			continue
		}
		if r.LastAlertAt == nil || a.TriggeredAt.After(*r.LastAlertAt) {
			t := a.TriggeredAt
			r.LastAlertAt = &t
		}
	}
	if r.Status == models.StatusPending && len(r.Track) > 0 {
		r.Status = models.StatusActive
	}
}
