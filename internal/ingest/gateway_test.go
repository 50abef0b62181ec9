package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-watch/internal/models"
)

func fixedGateway(now time.Time) *Gateway {
	g := NewGateway(Options{})
	g.now = func() time.Time { return now }
	return g
}

func ptr(f float64) *float64 { return &f }

func TestTimestampFormats(t *testing.T) {
	cases := map[string]time.Time{
		`"2024-03-01T10:00:00Z"`:      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		`"2024-03-01T10:00:00"`:       time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		`"2024-03-01T15:30:00+05:30"`: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		`1709287200000`:               time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	for in, want := range cases {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(in), &ts), in)
		assert.True(t, want.Equal(ts.Time), "%s parsed as %s", in, ts.Time)
	}

	var ts Timestamp
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
	require.NoError(t, json.Unmarshal([]byte(`null`), &ts))
	assert.True(t, ts.IsZero())
}

func TestFromRequest(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	g := fixedGateway(now)

	env, err := g.FromRequest("R1", SampleRequest{Latitude: ptr(12.97), Longitude: ptr(77.59), Sequence: 3, Source: "phone-1"})
	require.NoError(t, err)
	assert.Equal(t, "R1", env.RideID)
	assert.Equal(t, TransportHTTP, env.Transport)
	assert.Equal(t, now, env.Sample.CapturedAt)
	assert.Equal(t, int64(3), env.Sample.Sequence)
	assert.Equal(t, "phone-1", env.Sample.Source)

	_, err = g.FromRequest("R1", SampleRequest{Longitude: ptr(77.59)})
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	_, err = g.FromRequest("R1", SampleRequest{Latitude: ptr(91), Longitude: ptr(0)})
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	_, err = g.FromRequest("R1", SampleRequest{Latitude: ptr(0), Longitude: ptr(-180.5)})
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	_, err = g.FromRequest("", SampleRequest{Latitude: ptr(0), Longitude: ptr(0)})
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
}

func TestClientClockBounds(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	g := fixedGateway(now)

	recent := now.Add(-30 * time.Second)
	env, err := g.FromRequest("R1", SampleRequest{Latitude: ptr(1), Longitude: ptr(1), Timestamp: Timestamp{recent}})
	require.NoError(t, err)
	assert.Equal(t, recent, env.Sample.CapturedAt)

	future := now.Add(10 * time.Minute)
	env, err = g.FromRequest("R1", SampleRequest{Latitude: ptr(1), Longitude: ptr(1), Timestamp: Timestamp{future}})
	require.NoError(t, err)
	assert.Equal(t, now, env.Sample.CapturedAt)

	ancient := now.Add(-48 * time.Hour)
	env, err = g.FromRequest("R1", SampleRequest{Latitude: ptr(1), Longitude: ptr(1), Timestamp: Timestamp{ancient}})
	require.NoError(t, err)
	assert.Equal(t, now, env.Sample.CapturedAt)
}

func TestDecodeMessage(t *testing.T) {
	g := fixedGateway(time.Now())

	msg, err := g.DecodeMessage([]byte(`{"type":"bind","rideId":"R1","token":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "R1", msg.RideID)

	_, err = g.DecodeMessage([]byte(`{"type":"bind"}`))
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	_, err = g.DecodeMessage([]byte(`{"type":"sample","latitude":1}`))
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	_, err = g.DecodeMessage([]byte(`{"type":"dance"}`))
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	_, err = g.DecodeMessage([]byte(`not json`))
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	msg, err = g.DecodeMessage([]byte(`{"type":"sample","latitude":12.5,"longitude":77.1,"sequence":9}`))
	require.NoError(t, err)
	env, err := g.FromMessage("R1", "abc", msg)
	require.NoError(t, err)
	assert.Equal(t, TransportChannel, env.Transport)
	assert.Equal(t, models.Coord{Lat: 12.5, Lon: 77.1}, env.Sample.Coord)
	assert.Equal(t, "ws:abc", env.Sample.Source)

	_, err = g.FromMessage("", "abc", msg)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
}

type captureWriter struct {
	msgs []kafka.Message
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func TestKafkaProducerKeysByRide(t *testing.T) {
	w := &captureWriter{}
	p := &KafkaProducer{writer: w}
	s := models.Sample{Coord: models.Coord{Lat: 1, Lon: 2}, CapturedAt: time.Unix(100, 0).UTC(), Sequence: 4}

	require.NoError(t, p.Publish(context.Background(), StreamEvent{Type: StreamSample, RideID: "R9", Sample: &s}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "R9", string(w.msgs[0].Key))

	ev, err := DecodeStreamEvent(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, StreamSample, ev.Type)
	require.NotNil(t, ev.Sample)
	assert.Equal(t, s.Coord, ev.Sample.Coord)
	assert.False(t, ev.EmittedAt.IsZero())

	_, err = DecodeStreamEvent([]byte(`{"type":"sample"}`))
	assert.Error(t, err)
}
