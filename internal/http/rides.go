package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/example/ride-watch/internal/models"
)

// geometryRequest is the safety geometry of a new ride. Either the explicit
// origin/polyline fields or a GeoJSON Point/LineString may be given.
type geometryRequest struct {
	Kind           models.GeometryKind `json:"kind"`
	Origin         *models.Coord       `json:"origin,omitempty"`
	RadiusMeters   float64             `json:"radiusMeters,omitempty"`
	Polyline       []models.Coord      `json:"polyline,omitempty"`
	CorridorMeters float64             `json:"corridorMeters,omitempty"`
	GeoJSON        json.RawMessage     `json:"geojson,omitempty"`
}

type createRideRequest struct {
	RiderID  string          `json:"riderId"`
	Geometry geometryRequest `json:"geometry"`
	Contacts []string        `json:"contacts,omitempty"`
}

type createRideResponse struct {
	RideID string        `json:"rideId"`
	Status models.Status `json:"status"`
	Token  string        `json:"token,omitempty"`
}

// rideView is the inspection form of a ride.
type rideView struct {
	RideID         string          `json:"rideId"`
	RiderID        string          `json:"riderId"`
	Status         models.Status   `json:"status"`
	Geometry       models.Geometry `json:"geometry"`
	Contacts       []string        `json:"contacts,omitempty"`
	LastSample     *models.Sample  `json:"lastSample,omitempty"`
	Deviated       bool            `json:"deviated"`
	DistanceMeters float64         `json:"distanceMeters"`
	TrackLength    int             `json:"trackLength"`
	AlertCount     int             `json:"alertCount"`
	LastAlertAt    *time.Time      `json:"lastAlertAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"`
	Track          []models.Sample `json:"track,omitempty"`
}

func viewOf(st *models.RideState, withTrack bool) rideView {
	v := rideView{
		RideID:         st.ID,
		RiderID:        st.RiderID,
		Status:         st.Status,
		Geometry:       st.Geometry,
		Contacts:       st.Contacts,
		Deviated:       st.LastDeviation,
		DistanceMeters: st.LastDistance,
		TrackLength:    len(st.Track),
		AlertCount:     len(st.Alerts),
		LastAlertAt:    st.LastAlertAt,
		CreatedAt:      st.CreatedAt,
		EndedAt:        st.EndedAt,
	}
	if s, ok := st.LastSample(); ok {
		v.LastSample = &s
	}
	if withTrack {
		v.Track = st.Track
	}
	return v
}

func (g geometryRequest) toGeometry() (models.Geometry, error) {
	if len(g.GeoJSON) > 0 {
		return g.fromGeoJSON()
	}
	switch g.Kind {
	case models.GeometryRadius:
		if g.Origin == nil {
			return models.Geometry{}, fmt.Errorf("%w: radius geometry needs an origin", models.ErrInvalidInput)
		}
		return models.RadiusZone(*g.Origin, g.RadiusMeters), nil
	case models.GeometryCorridor:
		return models.CorridorRoute(g.Polyline, g.CorridorMeters), nil
	default:
		return models.Geometry{}, fmt.Errorf("%w: unknown geometry kind %q", models.ErrInvalidInput, g.Kind)
	}
}

// fromGeoJSON accepts a Point (radius zone) or a LineString (corridor).
// GeoJSON positions are [longitude, latitude].
func (g geometryRequest) fromGeoJSON() (models.Geometry, error) {
	var t geom.T
	if err := geojson.Unmarshal(g.GeoJSON, &t); err != nil {
		return models.Geometry{}, fmt.Errorf("%w: geojson: %v", models.ErrInvalidInput, err)
	}
	switch v := t.(type) {
	case *geom.Point:
		c := v.Coords()
		return models.RadiusZone(models.Coord{Lat: c.Y(), Lon: c.X()}, g.RadiusMeters), nil
	case *geom.LineString:
		coords := v.Coords()
		poly := make([]models.Coord, 0, len(coords))
		for _, c := range coords {
			poly = append(poly, models.Coord{Lat: c.Y(), Lon: c.X()})
		}
		width := g.CorridorMeters
		if width == 0 {
			width = g.RadiusMeters
		}
		return models.CorridorRoute(poly, width), nil
	default:
		return models.Geometry{}, fmt.Errorf("%w: geojson %T is not a Point or LineString", models.ErrInvalidInput, t)
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := req.Geometry.toGeometry()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.disp.CreateRide(r.Context(), req.RiderID, g, req.Contacts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := createRideResponse{RideID: st.ID, Status: st.Status}
	if resp.Token, err = s.verifier.Issue(st.ID, st.RiderID, s.tokenTTL); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleEndRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["rideId"]
	st, err := s.disp.EndRide(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rideId": st.ID, "endedAt": st.EndedAt})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	st, err := s.disp.Ride(r.Context(), mux.Vars(r)["rideId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	withTrack, _ := strconv.ParseBool(r.URL.Query().Get("track"))
	writeJSON(w, http.StatusOK, viewOf(st, withTrack))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	st, err := s.disp.Ride(r.Context(), mux.Vars(r)["rideId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	alerts := st.Alerts
	if alerts == nil {
		alerts = []models.AlertRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rideId": st.ID, "alerts": alerts})
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	riderID := r.URL.Query().Get("riderId")
	if riderID == "" {
		s.writeError(w, r, fmt.Errorf("%w: riderId is required", models.ErrInvalidInput))
		return
	}
	rides := s.disp.RidesByRider(riderID)
	out := make([]rideView, 0, len(rides))
	for _, st := range rides {
		out = append(out, viewOf(st, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": out})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err := errors.Join(err1, err2); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: lat and lon are required numbers", models.ErrInvalidInput))
		return
	}
	c := models.Coord{Lat: lat, Lon: lon}
	if err := c.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	radius := 1000.0
	if v := q.Get("radius"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: radius must be a positive number", models.ErrInvalidInput))
			return
		}
		radius = f
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", models.ErrInvalidInput))
			return
		}
		limit = n
	}
	rides, err := s.disp.Nearby(r.Context(), c, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rides == nil {
		writeJSON(w, http.StatusOK, map[string]any{"rides": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}
