// Package geo holds the distance primitives used for deviation checks and a
// small live-position index used to answer "which rides are near here".
//
// Approximation policy: point-to-point distances always use the haversine
// great-circle formula on a spherical earth (R = 6371 km). Point-to-segment
// distances locate the closest point of the segment in a local
// equirectangular projection centred on the query point (1 degree of
// latitude ~ 111.2 km, longitude scaled by cos(lat)) and then measure the
// haversine distance to that point. The projection only affects which point
// of the segment is chosen; it is accurate for segments up to tens of
// kilometres, which covers turn-by-turn route polylines.
package geo

import (
	"math"

	"github.com/example/ride-watch/internal/models"
)

const earthRadiusMeters = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// HaversineMeters is Haversine over coordinates.
func HaversineMeters(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// DistanceToSegment returns the distance in meters from p to the closest
// point of the segment [start, end].
func DistanceToSegment(p, start, end models.Coord) float64 {
	// local plane around p, in meters
	kx := math.Cos(p.Lat*math.Pi/180) * earthRadiusMeters * math.Pi / 180
	ky := earthRadiusMeters * math.Pi / 180
	ax, ay := lonDelta(start.Lon, p.Lon)*kx, (start.Lat-p.Lat)*ky
	bx, by := lonDelta(end.Lon, p.Lon)*kx, (end.Lat-p.Lat)*ky

	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return HaversineMeters(p, start)
	}
	// p is the origin of the plane
	t := -(ax*dx + ay*dy) / lenSq
	switch {
	case t <= 0:
		return HaversineMeters(p, start)
	case t >= 1:
		return HaversineMeters(p, end)
	}
	closest := models.Coord{
		Lat: start.Lat + t*(end.Lat-start.Lat),
		Lon: start.Lon + t*lonDelta(end.Lon, start.Lon),
	}
	return HaversineMeters(p, closest)
}

// DistanceToPolyline is the minimum DistanceToSegment over consecutive
// pairs. A single point polyline yields the distance to that point and an
// empty one yields +Inf.
func DistanceToPolyline(p models.Coord, poly []models.Coord) float64 {
	switch len(poly) {
	case 0:
		return math.Inf(1)
	case 1:
		return HaversineMeters(p, poly[0])
	}
	best := math.Inf(1)
	for i := 1; i < len(poly); i++ {
		if d := DistanceToSegment(p, poly[i-1], poly[i]); d < best {
			best = d
		}
	}
	return best
}

// lonDelta returns a-b wrapped into [-180, 180).
func lonDelta(a, b float64) float64 {
	d := a - b
	for d >= 180 {
		d -= 360
	}
	for d < -180 {
		d += 360
	}
	return d
}
