package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-watch/internal/auth"
	"github.com/example/ride-watch/internal/broadcast"
	"github.com/example/ride-watch/internal/ingest"
	"github.com/example/ride-watch/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const maxFrameBytes = 4096

type channelReply struct {
	Type           string   `json:"type"`
	RideID         string   `json:"rideId,omitempty"`
	Accepted       *bool    `json:"accepted,omitempty"`
	Deviated       *bool    `json:"deviated,omitempty"`
	DistanceMeters *float64 `json:"distanceMeters,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Error          string   `json:"error,omitempty"`
}

func errorReply(err error) channelReply {
	return channelReply{Type: "error", Error: err.Error()}
}

// handleRiderChannel is the persistent ingest channel. The first useful
// frame must bind the connection to a ride; samples and panics then apply
// to that ride. The binding lives only as long as the connection.
func (s *Server) handleRiderChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(r).Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)
	sess := broadcast.NewWSSession(conn)
	ctx := r.Context()
	done := make(chan struct{})
	defer close(done)

	var (
		rideID  string
		session string
		touch   = func() {}
	)
	_ = conn.SetReadDeadline(time.Now().Add(s.bindTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if rideID == "" {
				s.log(r).Debug("rider channel closed before bind", "error", err)
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log(r).Debug("rider channel closed", "ride_id", rideID, "error", err)
			}
			return
		}
		touch()
		msg, err := s.gateway.DecodeMessage(data)
		if err != nil {
			_ = sess.Send(errorReply(err))
			continue
		}

		switch msg.Type {
		case "bind":
			st, err := s.disp.Ride(ctx, msg.RideID)
			if err == nil && st.Status == models.StatusEnded {
				err = fmt.Errorf("%w: ride %s has ended", models.ErrInvalidState, st.ID)
			}
			if err == nil {
				err = s.verifier.Authorize(msg.Token, st.ID, st.RiderID)
			}
			if err != nil {
				_ = sess.Send(errorReply(err))
				if errors.Is(err, auth.ErrUnauthorized) {
					return
				}
				continue
			}
			if rideID == "" {
				touch = sess.KeepAlive(done, s.pongWait)
			}
			rideID = st.ID
			// each bind starts a fresh sequence counter
			session = newID()
			_ = sess.Send(channelReply{Type: "bound", RideID: rideID})

		case "sample":
			env, err := s.gateway.FromMessage(rideID, session, msg)
			if err != nil {
				_ = sess.Send(errorReply(err))
				continue
			}
			_ = sess.Send(s.channelSample(r, env))

		case "panic":
			if rideID == "" {
				_ = sess.Send(errorReply(fmt.Errorf("%w: channel is not bound to a ride", models.ErrInvalidInput)))
				continue
			}
			var at *models.Coord
			if msg.Latitude != nil && msg.Longitude != nil {
				at = &models.Coord{Lat: *msg.Latitude, Lon: *msg.Longitude}
			}
			if _, err := s.disp.Panic(ctx, rideID, at); err != nil {
				_ = sess.Send(errorReply(err))
				continue
			}
			ok := true
			_ = sess.Send(channelReply{Type: "ack", RideID: rideID, Accepted: &ok})
		}
	}
}

func (s *Server) channelSample(r *http.Request, env ingest.Envelope) channelReply {
	res, err := s.disp.Submit(r.Context(), env)
	if err != nil {
		if reason, ok := dropReason(err); ok {
			no := false
			return channelReply{Type: "ack", RideID: env.RideID, Accepted: &no, Reason: reason}
		}
		return errorReply(err)
	}
	return channelReply{
		Type:           "ack",
		RideID:         env.RideID,
		Accepted:       &res.Accepted,
		Deviated:       &res.Verdict.Deviated,
		DistanceMeters: &res.Verdict.DistanceMeters,
	}
}

// handleSubscribe streams a ride's events, or every ride's for "*", until
// the observer disconnects.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["rideId"]
	if rideID != broadcast.Wildcard {
		if _, err := s.disp.Ride(r.Context(), rideID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(r).Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	sub := s.hub.Subscribe(rideID)
	s.hub.Serve(r.Context(), conn, sub)
}
