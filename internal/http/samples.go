package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-watch/internal/dispatch"
	"github.com/example/ride-watch/internal/ingest"
	"github.com/example/ride-watch/internal/models"
)

type sampleResponse struct {
	Accepted       bool    `json:"accepted"`
	Deviated       bool    `json:"deviated"`
	DistanceMeters float64 `json:"distanceMeters"`
	Alerted        bool    `json:"alerted,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

func responseFor(res dispatch.Result) sampleResponse {
	return sampleResponse{
		Accepted:       res.Accepted,
		Deviated:       res.Verdict.Deviated,
		DistanceMeters: res.Verdict.DistanceMeters,
		Alerted:        res.Alerted,
	}
}

// dropReason names the non-fatal outcomes a sender is told about without
// failing the request.
func dropReason(err error) (string, bool) {
	switch {
	case errors.Is(err, models.ErrInvalidState):
		return "ride ended", true
	case errors.Is(err, models.ErrStaleSample):
		return "stale sequence", true
	}
	return "", false
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	var req ingest.SampleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	env, err := s.gateway.FromRequest(mux.Vars(r)["rideId"], req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.submit(w, r, env)
}

// handleLooseSample accepts a sample naming its ride, or only its rider, in
// the body. A rider maps to their newest ride that has not ended.
func (s *Server) handleLooseSample(w http.ResponseWriter, r *http.Request) {
	var req ingest.SampleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rideID := req.RideID
	if rideID == "" && req.RiderID != "" {
		for _, st := range s.disp.RidesByRider(req.RiderID) {
			if st.Status != models.StatusEnded {
				rideID = st.ID
				break
			}
		}
		if rideID == "" {
			s.writeError(w, r, fmt.Errorf("%w: no live ride for rider %s", models.ErrNotFound, req.RiderID))
			return
		}
	}
	env, err := s.gateway.FromRequest(rideID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.submit(w, r, env)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, env ingest.Envelope) {
	res, err := s.disp.Submit(r.Context(), env)
	if err != nil {
		if reason, ok := dropReason(err); ok {
			writeJSON(w, http.StatusOK, sampleResponse{Accepted: false, Reason: reason})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, responseFor(res))
}

type panicRequest struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

func (p panicRequest) coord() (*models.Coord, error) {
	if p.Latitude == nil && p.Longitude == nil {
		return nil, nil
	}
	if p.Latitude == nil || p.Longitude == nil {
		return nil, fmt.Errorf("%w: latitude and longitude go together", models.ErrInvalidInput)
	}
	return &models.Coord{Lat: *p.Latitude, Lon: *p.Longitude}, nil
}

func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	var req panicRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, fmt.Errorf("%w: %v", models.ErrInvalidInput, err))
		return
	}
	at, err := req.coord()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.disp.Panic(r.Context(), mux.Vars(r)["rideId"], at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "alert": a})
}
