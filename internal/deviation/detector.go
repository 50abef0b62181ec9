// Package deviation decides whether a location sample lies outside a ride's
// safety geometry.
package deviation

import (
	"fmt"

	"github.com/example/ride-watch/internal/geo"
	"github.com/example/ride-watch/internal/models"
)

// Evaluate compares one sample against the geometry. It does not look at
// previous samples: a repeated position is evaluated again.
func Evaluate(g models.Geometry, s models.Sample) (models.Verdict, error) {
	switch g.Kind {
	case models.GeometryRadius:
		d := geo.HaversineMeters(s.Coord, g.Origin)
		return models.Verdict{Deviated: d > g.RadiusMeters, DistanceMeters: d}, nil
	case models.GeometryCorridor:
		if len(g.Polyline) == 0 {
			return models.Verdict{}, fmt.Errorf("%w: corridor without polyline", models.ErrInvariantViolation)
		}
		// a single point polyline is a radius zone around that point
		d := geo.DistanceToPolyline(s.Coord, g.Polyline)
		return models.Verdict{Deviated: d > g.CorridorMeters, DistanceMeters: d}, nil
	default:
		return models.Verdict{}, fmt.Errorf("%w: geometry kind %q", models.ErrInvariantViolation, g.Kind)
	}
}
