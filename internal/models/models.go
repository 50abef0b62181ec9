package models

import (
	"fmt"
	"math"
	"time"
)

// Coord is an immutable WGS84 position.
type Coord struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Validate reports ErrInvalidInput for non-finite or out-of-range coordinates.
func (c Coord) Validate() error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) {
		return fmt.Errorf("%w: coordinate is not finite", ErrInvalidInput)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude must be between -90 and 90", ErrInvalidInput)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude must be between -180 and 180", ErrInvalidInput)
	}
	return nil
}

// Sample is one location report. Created by a transport adapter, never mutated.
type Sample struct {
	Coord      Coord     `json:"coord"`
	CapturedAt time.Time `json:"capturedAt"`
	Sequence   int64     `json:"sequence,omitempty"` // 0 means unsequenced
	// Source names the counter Sequence belongs to: a channel session or a
	// client supplied device id. Empty is its own source.
	Source     string    `json:"source,omitempty"`
}

type GeometryKind string

const (
	GeometryRadius   GeometryKind = "radius"
	GeometryCorridor GeometryKind = "corridor"
)

// Geometry is the safety area of a ride: either a radius zone around an
// origin or a corridor of fixed width around a planned polyline.
type Geometry struct {
	Kind           GeometryKind `json:"kind"`
	Origin         Coord        `json:"origin,omitempty"`
	RadiusMeters   float64      `json:"radiusMeters,omitempty"`
	Polyline       []Coord      `json:"polyline,omitempty"`
	CorridorMeters float64      `json:"corridorMeters,omitempty"`
}

func RadiusZone(origin Coord, radiusMeters float64) Geometry {
	return Geometry{Kind: GeometryRadius, Origin: origin, RadiusMeters: radiusMeters}
}

func CorridorRoute(polyline []Coord, corridorMeters float64) Geometry {
	poly := make([]Coord, len(polyline))
	copy(poly, polyline)
	return Geometry{Kind: GeometryCorridor, Polyline: poly, CorridorMeters: corridorMeters}
}

// Validate checks the geometry is usable for deviation checks. A corridor
// with a single point is accepted and evaluated as a radius around it.
func (g Geometry) Validate() error {
	switch g.Kind {
	case GeometryRadius:
		if err := g.Origin.Validate(); err != nil {
			return fmt.Errorf("origin: %w", err)
		}
		if !(g.RadiusMeters > 0) || math.IsInf(g.RadiusMeters, 0) {
			return fmt.Errorf("%w: radiusMeters must be positive", ErrInvalidInput)
		}
	case GeometryCorridor:
		if len(g.Polyline) == 0 {
			return fmt.Errorf("%w: polyline is empty", ErrInvalidInput)
		}
		for i, c := range g.Polyline {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("polyline[%d]: %w", i, err)
			}
		}
		if !(g.CorridorMeters > 0) || math.IsInf(g.CorridorMeters, 0) {
			return fmt.Errorf("%w: corridorMeters must be positive", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown geometry kind %q", ErrInvalidInput, g.Kind)
	}
	return nil
}

func (g Geometry) clone() Geometry {
	if g.Polyline != nil {
		g.Polyline = append([]Coord(nil), g.Polyline...)
	}
	return g
}

type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// Verdict is the outcome of evaluating one sample against a geometry.
type Verdict struct {
	Deviated       bool    `json:"deviated"`
	DistanceMeters float64 `json:"distanceMeters"`
}

type AlertKind string

const (
	AlertDeviation AlertKind = "deviation"
	AlertPanic     AlertKind = "panic"
)

// AlertRecord is write-once.
type AlertRecord struct {
	RideID         string    `json:"rideId"`
	Kind           AlertKind `json:"kind"`
	TriggeredAt    time.Time `json:"triggeredAt"`
	DistanceMeters float64   `json:"distanceMeters"`
	Coord          Coord     `json:"coord"`
}

// RideState is owned by the registry. Values handed out to callers are
// snapshots produced by Clone.
type RideState struct {
	ID            string        `json:"rideId"`
	RiderID       string        `json:"riderId"`
	Status        Status        `json:"status"`
	Geometry      Geometry      `json:"geometry"`
	Contacts      []string      `json:"contacts,omitempty"`
	Track         []Sample      `json:"track,omitempty"`
	LastDeviation bool          `json:"lastDeviation"`
	LastDistance  float64       `json:"lastDistanceMeters"`
	LastSequence  int64         `json:"lastSequence,omitempty"`
	SequenceFrom  string        `json:"sequenceSource,omitempty"`
	LastAlertAt   *time.Time    `json:"lastAlertAt,omitempty"`
	Alerts        []AlertRecord `json:"alerts,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
}

func (r *RideState) Clone() *RideState {
	c := *r
	c.Geometry = r.Geometry.clone()
	c.Contacts = append([]string(nil), r.Contacts...)
	c.Track = append([]Sample(nil), r.Track...)
	c.Alerts = append([]AlertRecord(nil), r.Alerts...)
	if r.LastAlertAt != nil {
		t := *r.LastAlertAt
		c.LastAlertAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// LastSample returns the newest track entry.
func (r *RideState) LastSample() (Sample, bool) {
	if len(r.Track) == 0 {
		return Sample{}, false
	}
	return r.Track[len(r.Track)-1], true
}

type EventType string

const (
	EventSample    EventType = "sample"
	EventReentered EventType = "reentered"
	EventPanic     EventType = "panic"
	EventEnded     EventType = "ended"
)

// Event is pushed to observers of a ride.
type Event struct {
	Type           EventType `json:"type"`
	RideID         string    `json:"rideId"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Timestamp      time.Time `json:"timestamp"`
	Deviated       bool      `json:"deviated"`
	DistanceMeters float64   `json:"distanceMeters"`
}
