package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-watch/internal/config"
	"github.com/example/ride-watch/internal/geo"
	"github.com/example/ride-watch/internal/ingest"
	"github.com/example/ride-watch/internal/models"
)

// fakeIndex implements geo.LiveIndex for tests
type fakeIndex struct {
	failUpsert  int // number of times to fail Upsert before succeeding
	failRemove  int
	upsertCalls int
	removeCalls int
	last        geo.Position
}

func (f *fakeIndex) Upsert(ctx context.Context, p geo.Position) error {
	f.upsertCalls++
	if f.upsertCalls <= f.failUpsert {
		return errors.New("geo fail")
	}
	f.last = p
	return nil
}

func (f *fakeIndex) Remove(ctx context.Context, rideID string) error {
	f.removeCalls++
	if f.removeCalls <= f.failRemove {
		return errors.New("zrem fail")
	}
	return nil
}

func (f *fakeIndex) Nearby(context.Context, models.Coord, float64, int) ([]geo.Position, error) {
	return nil, nil
}

func sampleEvent() ingest.StreamEvent {
	s := models.Sample{Coord: models.Coord{Lat: 1, Lon: 2}, CapturedAt: time.Unix(100, 0).UTC()}
	return ingest.StreamEvent{Type: ingest.StreamSample, RideID: "r1", Sample: &s, Verdict: &models.Verdict{Deviated: true}}
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeIndex{failUpsert: 2}
	ctx := context.Background()
	start := time.Now()
	if err := applyWithRetry(ctx, f, sampleEvent(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.upsertCalls != 3 {
		t.Fatalf("expected retries, got upsert=%d", f.upsertCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.last.RideID != "r1" || !f.last.Deviated || f.last.Coord.Lon != 2 {
		t.Fatalf("unexpected position %+v", f.last)
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeIndex{failUpsert: 5}
	ctx := context.Background()
	if err := applyWithRetry(ctx, f, sampleEvent(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.upsertCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.upsertCalls)
	}
}

func TestApplyWithRetry_EndedRemoves(t *testing.T) {
	f := &fakeIndex{failRemove: 1}
	ev := ingest.StreamEvent{Type: ingest.StreamEnded, RideID: "r1"}
	if err := applyWithRetry(context.Background(), f, ev, 3, time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.removeCalls != 2 || f.upsertCalls != 0 {
		t.Fatalf("unexpected calls remove=%d upsert=%d", f.removeCalls, f.upsertCalls)
	}
}

func TestApplyWithRetry_MalformedIsPermanent(t *testing.T) {
	f := &fakeIndex{}
	ev := ingest.StreamEvent{Type: ingest.StreamSample, RideID: "r1"}
	if err := applyWithRetry(context.Background(), f, ev, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error for sample event without sample")
	}
	if err := applyWithRetry(context.Background(), f, ingest.StreamEvent{Type: ingest.StreamAlert, RideID: "r1"}, 3, time.Millisecond); err != nil {
		t.Fatalf("alerts are ignored, got %v", err)
	}
	if f.upsertCalls != 0 || f.removeCalls != 0 {
		t.Fatalf("index should not be touched")
	}
}

// scriptedReader replays messages then blocks until ctx is done.
type scriptedReader struct {
	msgs []kafka.Message
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeMirrorsStream(t *testing.T) {
	b, err := json.Marshal(sampleEvent())
	if err != nil {
		t.Fatal(err)
	}
	ended, _ := json.Marshal(ingest.StreamEvent{Type: ingest.StreamEnded, RideID: "r1"})
	r := &scriptedReader{msgs: []kafka.Message{{Value: b}, {Value: []byte("not json")}, {Value: ended}}}
	f := &fakeIndex{}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	cfg := config.ConsumerConfig{RetryAttempts: 2, RetryDelay: time.Millisecond}
	consume(ctx, r, f, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if f.upsertCalls != 1 || f.removeCalls != 1 {
		t.Fatalf("unexpected calls upsert=%d remove=%d", f.upsertCalls, f.removeCalls)
	}
}
