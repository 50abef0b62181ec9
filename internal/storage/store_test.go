package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-watch/internal/models"
)

// exerciseStore runs the behaviour every RideStore shares. Ride ids are
// random so the external backends can be reused between runs.
func exerciseStore(t *testing.T, s RideStore) {
	t.Helper()
	ctx := context.Background()
	id := "r-" + uuid.NewString()
	t0 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	ride := &models.RideState{
		ID: id, RiderID: "u1", Status: models.StatusPending,
		Geometry:  models.RadiusZone(models.Coord{Lat: 1, Lon: 2}, 100),
		Contacts:  []string{"ExponentPushToken[a]"},
		CreatedAt: t0,
	}
	require.NoError(t, s.SaveRide(ctx, ride))
	// the second sample carries an earlier client clock than the first
	require.NoError(t, s.SaveSample(ctx, id, models.Sample{Coord: models.Coord{Lat: 1, Lon: 2}, CapturedAt: t0.Add(2 * time.Second), Sequence: 2, Source: "ws:a"}))
	require.NoError(t, s.SaveSample(ctx, id, models.Sample{Coord: models.Coord{Lat: 1.001, Lon: 2}, CapturedAt: t0.Add(time.Second), Sequence: 3, Source: "ws:a"}))
	require.NoError(t, s.SaveAlert(ctx, id, models.AlertRecord{RideID: id, Kind: models.AlertPanic, TriggeredAt: t0.Add(5 * time.Second)}))
	require.NoError(t, s.SaveAlert(ctx, id, models.AlertRecord{RideID: id, Kind: models.AlertDeviation, TriggeredAt: t0.Add(3 * time.Second)}))

	got, err := s.LoadRide(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status, "a ride with samples is active")
	require.Len(t, got.Track, 2)
	assert.Equal(t, []int64{2, 3}, []int64{got.Track[0].Sequence, got.Track[1].Sequence}, "track keeps arrival order")
	assert.Equal(t, int64(3), got.LastSequence)
	assert.Equal(t, "ws:a", got.SequenceFrom)
	require.NotNil(t, got.LastAlertAt)
	assert.True(t, got.LastAlertAt.Equal(t0.Add(3*time.Second)), "panic alerts do not count towards the cooldown")
	assert.Len(t, got.Alerts, 2)
	if diff := cmp.Diff(ride.Geometry, got.Geometry); diff != "" {
		t.Fatalf("geometry mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ride.Contacts, got.Contacts); diff != "" {
		t.Fatalf("contacts mismatch (-want +got):\n%s", diff)
	}

	ended := t0.Add(time.Minute)
	require.NoError(t, s.UpdateRide(ctx, &models.RideState{ID: id, Status: models.StatusEnded, EndedAt: &ended}))
	got, err = s.LoadRide(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(ended))

	_, err = s.LoadRide(ctx, "missing-"+id)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, s.UpdateRide(ctx, &models.RideState{ID: "missing-" + id}), models.ErrNotFound)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreUnknownRide(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_, err := m.LoadRide(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, m.SaveSample(ctx, "nope", models.Sample{}), models.ErrNotFound)
	assert.ErrorIs(t, m.SaveAlert(ctx, "nope", models.AlertRecord{}), models.ErrNotFound)
	assert.ErrorIs(t, m.UpdateRide(ctx, &models.RideState{ID: "nope"}), models.ErrNotFound)
}

func TestReconcileUsesLastSequencedSample(t *testing.T) {
	r := &models.RideState{
		Status: models.StatusPending,
		Track: []models.Sample{
			{Sequence: 900, Source: "ws:old"},
			{Sequence: 4, Source: "ws:new"},
			{},
		},
	}
	Reconcile(r)
	assert.Equal(t, int64(4), r.LastSequence, "a restarted counter is not shadowed by the old maximum")
	assert.Equal(t, "ws:new", r.SequenceFrom)
	assert.Equal(t, models.StatusActive, r.Status)
	assert.Nil(t, r.LastAlertAt)
}

func redisForTest(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	c := redis.NewClient(&redis.Options{Addr: addr})
	if err := c.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis at %s not reachable: %v", addr, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRedisStoreRoundTrip(t *testing.T) {
	exerciseStore(t, NewRedisStore(redisForTest(t), 0))
}

func TestRedisStoreCapsTrack(t *testing.T) {
	ctx := context.Background()
	s := NewRedisStore(redisForTest(t), 3)
	id := "r-" + uuid.NewString()
	require.NoError(t, s.SaveRide(ctx, &models.RideState{ID: id, RiderID: "u1", Status: models.StatusActive, Geometry: models.RadiusZone(models.Coord{}, 50)}))
	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, s.SaveSample(ctx, id, models.Sample{Sequence: seq}))
	}
	got, err := s.LoadRide(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.Track, 3)
	assert.Equal(t, int64(3), got.Track[0].Sequence)
	assert.Equal(t, int64(5), got.LastSequence)
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	ctx := context.Background()
	ps, err := NewPostgresStore(ctx, dsn, 0)
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_create_rides.sql"))
	require.NoError(t, err)
	require.NoError(t, ps.Migrate(ctx, string(schema)))

	exerciseStore(t, ps)
}
