// Package ingest turns transport payloads into validated location samples.
// Both the websocket channel and the HTTP fallback go through Gateway so
// the rest of the pipeline only ever sees one sample type.
package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/ride-watch/internal/models"
)

const (
	TransportChannel = "ws"
	TransportHTTP    = "http"
	TransportStream  = "stream"
)

const (
	DefaultMaxClockSkew = 2 * time.Minute
	DefaultMaxSampleAge = time.Hour
)

// Timestamp accepts RFC3339 strings (a missing zone means UTC) or epoch
// milliseconds, which is what mobile clients send.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if !strings.HasPrefix(s, `"`) {
		ms, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", s, err)
		}
		t.Time = time.UnixMilli(int64(ms)).UTC()
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !(strings.HasSuffix(raw, "Z") || (len(raw) > 6 && strings.ContainsAny(raw[len(raw)-6:], "+-"))) {
		raw += "Z"
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	t.Time = parsed
	return nil
}

// SampleRequest is the body of PUT /rides/{rideId}/samples and of the
// legacy POST /locations.
type SampleRequest struct {
	Latitude  *float64  `json:"latitude" validate:"required"`
	Longitude *float64  `json:"longitude" validate:"required"`
	Timestamp Timestamp `json:"timestamp"`
	Sequence  int64     `json:"sequence" validate:"gte=0"`
	RideID    string    `json:"rideId,omitempty"`
	RiderID   string    `json:"riderId,omitempty"`
	// Source identifies the client's sequence counter, usually a device or
	// install id. It lets a reinstalled app restart its numbering.
	Source    string    `json:"source,omitempty" validate:"max=128"`
}

// ChannelMessage is one frame received on the rider websocket.
type ChannelMessage struct {
	Type      string    `json:"type" validate:"required,oneof=bind sample panic"`
	RideID    string    `json:"rideId,omitempty" validate:"required_if=Type bind"`
	Token     string    `json:"token,omitempty"`
	Latitude  *float64  `json:"latitude,omitempty" validate:"required_if=Type sample"`
	Longitude *float64  `json:"longitude,omitempty" validate:"required_if=Type sample"`
	Timestamp Timestamp `json:"timestamp"`
	Sequence  int64     `json:"sequence,omitempty" validate:"gte=0"`
}

// Envelope is a normalized sample bound to its ride.
type Envelope struct {
	RideID    string
	Sample    models.Sample
	Transport string
}

type Options struct {
	// MaxClockSkew is how far in the future a client timestamp may be.
	MaxClockSkew time.Duration
	// MaxSampleAge is how far in the past a client timestamp may be.
	MaxSampleAge time.Duration
}

type Gateway struct {
	validate *validator.Validate
	opts     Options
	now      func() time.Time
}

func NewGateway(opts Options) *Gateway {
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = DefaultMaxClockSkew
	}
	if opts.MaxSampleAge <= 0 {
		opts.MaxSampleAge = DefaultMaxSampleAge
	}
	return &Gateway{validate: validator.New(), opts: opts, now: time.Now}
}

// FromRequest normalizes an HTTP sample for rideID.
func (g *Gateway) FromRequest(rideID string, req SampleRequest) (Envelope, error) {
	if rideID == "" {
		return Envelope{}, fmt.Errorf("%w: rideId is required", models.ErrInvalidInput)
	}
	if err := g.validate.Struct(req); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	s, err := g.sample(*req.Latitude, *req.Longitude, req.Timestamp, req.Sequence)
	if err != nil {
		return Envelope{}, err
	}
	s.Source = req.Source
	return Envelope{RideID: rideID, Sample: s, Transport: TransportHTTP}, nil
}

// DecodeMessage parses and validates one channel frame.
func (g *Gateway) DecodeMessage(data []byte) (ChannelMessage, error) {
	var msg ChannelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if err := g.validate.Struct(msg); err != nil {
		return msg, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return msg, nil
}

// FromMessage normalizes a sample frame for the ride the channel is bound to.
// session scopes the frame's sequence numbers to this binding.
func (g *Gateway) FromMessage(boundRideID, session string, msg ChannelMessage) (Envelope, error) {
	if boundRideID == "" {
		return Envelope{}, fmt.Errorf("%w: channel is not bound to a ride", models.ErrInvalidInput)
	}
	if msg.Latitude == nil || msg.Longitude == nil {
		return Envelope{}, fmt.Errorf("%w: latitude and longitude are required", models.ErrInvalidInput)
	}
	s, err := g.sample(*msg.Latitude, *msg.Longitude, msg.Timestamp, msg.Sequence)
	if err != nil {
		return Envelope{}, err
	}
	if session != "" {
		s.Source = TransportChannel + ":" + session
	}
	return Envelope{RideID: boundRideID, Sample: s, Transport: TransportChannel}, nil
}

func (g *Gateway) sample(lat, lon float64, ts Timestamp, seq int64) (models.Sample, error) {
	c := models.Coord{Lat: lat, Lon: lon}
	if err := c.Validate(); err != nil {
		return models.Sample{}, err
	}
	return models.Sample{Coord: c, CapturedAt: g.capturedAt(ts.Time), Sequence: seq}, nil
}

// capturedAt trusts the client clock only within the configured window
// around the server's arrival time.
func (g *Gateway) capturedAt(client time.Time) time.Time {
	now := g.now()
	if client.IsZero() {
		return now
	}
	if client.After(now.Add(g.opts.MaxClockSkew)) || client.Before(now.Add(-g.opts.MaxSampleAge)) {
		return now
	}
	return client
}
