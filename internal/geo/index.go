package geo

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-watch/internal/models"
)

// Position is the latest known location of an active ride.
type Position struct {
	RideID   string       `json:"rideId"`
	Coord    models.Coord `json:"coord"`
	Deviated bool         `json:"deviated"`
	Distance float64      `json:"distanceMeters,omitempty"` // from the query point, set by Nearby
	Updated  time.Time    `json:"updated"`
}

// LiveIndex is the minimal interface required by the dispatcher and handlers.
type LiveIndex interface {
	Upsert(ctx context.Context, p Position) error
	Remove(ctx context.Context, rideID string) error
	Nearby(ctx context.Context, c models.Coord, radiusMeters float64, limit int) ([]Position, error)
}

type Index struct {
	mu    sync.RWMutex
	rides map[string]Position
}

func NewIndex() *Index {
	return &Index{rides: make(map[string]Position)}
}

func (g *Index) Upsert(_ context.Context, p Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.Updated.IsZero() {
		p.Updated = time.Now()
	}
	g.rides[p.RideID] = p
	return nil
}

func (g *Index) Remove(_ context.Context, rideID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rides, rideID)
	return nil
}

// naive scan; fine for the number of concurrently live rides on one node
func (g *Index) Nearby(_ context.Context, c models.Coord, radiusMeters float64, limit int) ([]Position, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]Position, 0, len(g.rides))
	for _, p := range g.rides {
		dist := HaversineMeters(c, p.Coord)
		if radiusMeters > 0 && dist > radiusMeters {
			continue
		}
		p.Distance = dist
		arr = append(arr, p)
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].Distance < arr[minIdx].Distance {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

// Mirrored wraps an index that another process keeps current from the
// ride event stream. Writes are dropped here; queries pass through.
type Mirrored struct {
	LiveIndex
}

func (Mirrored) Upsert(context.Context, Position) error { return nil }

func (Mirrored) Remove(context.Context, string) error { return nil }
