// Package dispatch runs every accepted sample through the ride pipeline:
// registry update, deviation check, alert decision and fan-out.
//
// All in-memory work for one ride happens under that ride's lock, so
// samples for a ride are applied in arrival order and observers see events
// in the same order. Store writes, notifications, stream publishes and the
// live index are side effects handed to a bounded worker pool; they never
// hold the ride lock and never fail a sample.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-watch/internal/broadcast"
	"github.com/example/ride-watch/internal/deviation"
	"github.com/example/ride-watch/internal/geo"
	"github.com/example/ride-watch/internal/ingest"
	"github.com/example/ride-watch/internal/models"
	"github.com/example/ride-watch/internal/notify"
	"github.com/example/ride-watch/internal/observability"
	"github.com/example/ride-watch/internal/registry"
	"github.com/example/ride-watch/internal/storage"
	"github.com/example/ride-watch/internal/throttle"
)

type Options struct {
	Workers       int
	QueueSize     int
	StoreTimeout  time.Duration
	NotifyTimeout time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 2 * time.Second
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = 3 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
}

// Deps are the collaborators of the pipeline. Store, Notifier, Stream and
// Index are optional.
type Deps struct {
	Registry *registry.Registry
	Throttle *throttle.Throttle
	Hub      *broadcast.Hub
	Store    storage.RideStore
	Notifier notify.Notifier
	Stream   ingest.EventPublisher
	Index    geo.LiveIndex
	Logger   *slog.Logger
}

type Dispatcher struct {
	reg       *registry.Registry
	throttle  *throttle.Throttle
	hub       *broadcast.Hub
	store     storage.RideStore
	notifiers []notify.Notifier
	stream    ingest.EventPublisher
	index     geo.LiveIndex
	logger    *slog.Logger
	opts      Options
	pool      *pool
	now       func() time.Time
}

// Result is what the sender of a sample learns about it.
type Result struct {
	Accepted  bool           `json:"accepted"`
	Verdict   models.Verdict `json:"verdict"`
	Alerted   bool           `json:"alerted"`
	Reentered bool           `json:"reentered,omitempty"`
}

func New(d Deps, opts Options) *Dispatcher {
	opts.defaults()
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Dispatcher{
		reg:       d.Registry,
		throttle:  d.Throttle,
		hub:       d.Hub,
		store:     d.Store,
		notifiers: notify.Transports(d.Notifier),
		stream:    d.Stream,
		index:     d.Index,
		logger:    d.Logger,
		opts:      opts,
		pool:      newPool(opts.Workers, opts.QueueSize, opts.RetryAttempts, opts.RetryDelay, d.Logger),
		now:       time.Now,
	}
}

// Close waits for queued side effects to finish.
func (d *Dispatcher) Close() { d.pool.close() }

// CreateRide starts tracking a ride and tells its contacts.
func (d *Dispatcher) CreateRide(ctx context.Context, riderID string, g models.Geometry, contacts []string) (*models.RideState, error) {
	st, err := d.reg.Create(riderID, g, contacts)
	if err != nil {
		return nil, err
	}
	observability.ActiveRides.Inc()
	d.logger.InfoContext(ctx, "ride created", "ride_id", st.ID, "rider_id", riderID, "geometry", st.Geometry.Kind, "contacts", len(st.Contacts))

	if d.store != nil {
		snap := st.Clone()
		d.storeJob("save_ride", st.ID, func(ctx context.Context) error { return d.store.SaveRide(ctx, snap) })
	}
	d.notifyContacts(st.ID, st.Contacts, notify.RideStartedMessage(st))
	return st, nil
}

// Submit runs one normalized sample through the pipeline. Samples for
// unknown, ended or stale rides are dropped with an error and never reach
// observers.
func (d *Dispatcher) Submit(ctx context.Context, env ingest.Envelope) (Result, error) {
	res, err := d.apply(env)
	if errors.Is(err, models.ErrNotFound) {
		if rerr := d.rehydrate(ctx, env.RideID); rerr == nil {
			res, err = d.apply(env)
		}
	}
	transport := env.Transport
	if transport == "" {
		transport = ingest.TransportHTTP
	}
	switch {
	case err == nil:
		observability.SamplesTotal.WithLabelValues(transport, "accepted").Inc()
	case errors.Is(err, models.ErrNotFound):
		observability.SamplesTotal.WithLabelValues(transport, "not_found").Inc()
		d.logger.WarnContext(ctx, "sample dropped", "ride_id", env.RideID, "reason", "not_found")
	case errors.Is(err, models.ErrInvalidState):
		observability.SamplesTotal.WithLabelValues(transport, "ended").Inc()
		d.logger.WarnContext(ctx, "sample dropped", "ride_id", env.RideID, "reason", "ended")
	case errors.Is(err, models.ErrStaleSample):
		observability.SamplesTotal.WithLabelValues(transport, "stale").Inc()
		d.logger.WarnContext(ctx, "sample dropped", "ride_id", env.RideID, "reason", "stale", "sequence", env.Sample.Sequence)
	case errors.Is(err, models.ErrInvariantViolation):
		observability.SamplesTotal.WithLabelValues(transport, "unusable").Inc()
		d.logger.ErrorContext(ctx, "ride unusable", "ride_id", env.RideID, "error", err)
	default:
		observability.SamplesTotal.WithLabelValues(transport, "error").Inc()
		d.logger.ErrorContext(ctx, "sample failed", "ride_id", env.RideID, "error", err)
	}
	return res, err
}

func (d *Dispatcher) apply(env ingest.Envelope) (Result, error) {
	var (
		res      Result
		alert    *models.AlertRecord
		contacts []string
	)
	s := env.Sample
	err := d.reg.AppendSampleThen(env.RideID, s, func(st *models.RideState) error {
		v, err := deviation.Evaluate(st.Geometry, s)
		if err != nil {
			return err
		}
		prev := st.LastDeviation
		st.LastDeviation = v.Deviated
		st.LastDistance = v.DistanceMeters
		res = Result{Accepted: true, Verdict: v}

		evType := models.EventSample
		switch {
		case v.Deviated:
			if !prev {
				observability.DeviationsTotal.Inc()
			}
			now := d.now()
			if d.throttle.AllowAt(st.ID, now) {
				a := models.AlertRecord{
					RideID:         st.ID,
					Kind:           models.AlertDeviation,
					TriggeredAt:    now,
					DistanceMeters: v.DistanceMeters,
					Coord:          s.Coord,
				}
				st.Alerts = append(st.Alerts, a)
				st.LastAlertAt = &now
				alert = &a
				contacts = append([]string(nil), st.Contacts...)
				res.Alerted = true
				observability.AlertsTotal.WithLabelValues(string(models.AlertDeviation)).Inc()
			} else {
				observability.AlertsSuppressed.Inc()
			}
		case prev:
			evType = models.EventReentered
			res.Reentered = true
		}

		d.hub.Publish(st.ID, models.Event{
			Type:           evType,
			RideID:         st.ID,
			Latitude:       s.Coord.Lat,
			Longitude:      s.Coord.Lon,
			Timestamp:      s.CapturedAt,
			Deviated:       v.Deviated,
			DistanceMeters: v.DistanceMeters,
		})
		// queued under the lock so one ride's writes reach the pool in order
		d.sampleEffects(st.ID, s, v)
		if alert != nil {
			d.alertEffects(*alert, contacts, notify.DeviationMessage(*alert))
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if alert != nil {
		d.logger.Warn("deviation alert", "ride_id", alert.RideID, "distance_m", alert.DistanceMeters, "lat", alert.Coord.Lat, "lon", alert.Coord.Lon)
	}
	return res, nil
}

// Panic raises an SOS alert. It bypasses the cooldown and always notifies.
// at may be nil, in which case the last known position is used.
func (d *Dispatcher) Panic(ctx context.Context, rideID string, at *models.Coord) (models.AlertRecord, error) {
	if at != nil {
		if err := at.Validate(); err != nil {
			return models.AlertRecord{}, err
		}
	}
	a, contacts, err := d.panicLocked(rideID, at)
	if errors.Is(err, models.ErrNotFound) {
		if rerr := d.rehydrate(ctx, rideID); rerr == nil {
			a, contacts, err = d.panicLocked(rideID, at)
		}
	}
	if err != nil {
		return models.AlertRecord{}, err
	}
	observability.AlertsTotal.WithLabelValues(string(models.AlertPanic)).Inc()
	d.logger.WarnContext(ctx, "panic alert", "ride_id", rideID, "lat", a.Coord.Lat, "lon", a.Coord.Lon)
	d.alertEffects(a, contacts, notify.PanicMessage(a))
	return a, nil
}

func (d *Dispatcher) panicLocked(rideID string, at *models.Coord) (models.AlertRecord, []string, error) {
	var (
		a        models.AlertRecord
		contacts []string
	)
	err := d.reg.Update(rideID, func(st *models.RideState) error {
		if st.Status == models.StatusEnded {
			return fmt.Errorf("%w: ride %s has ended", models.ErrInvalidState, rideID)
		}
		now := d.now()
		a = models.AlertRecord{RideID: st.ID, Kind: models.AlertPanic, TriggeredAt: now, Coord: lastKnown(st, at)}
		if at == nil {
			a.DistanceMeters = st.LastDistance
		}
		st.Alerts = append(st.Alerts, a)
		contacts = append([]string(nil), st.Contacts...)
		d.hub.Publish(st.ID, models.Event{
			Type:           models.EventPanic,
			RideID:         st.ID,
			Latitude:       a.Coord.Lat,
			Longitude:      a.Coord.Lon,
			Timestamp:      now,
			Deviated:       st.LastDeviation,
			DistanceMeters: st.LastDistance,
		})
		return nil
	})
	return a, contacts, err
}

// lastKnown picks the best position for an alert without a location:
// the latest sample, else where the ride started.
func lastKnown(st *models.RideState, at *models.Coord) models.Coord {
	if at != nil {
		return *at
	}
	if s, ok := st.LastSample(); ok {
		return s.Coord
	}
	if st.Geometry.Kind == models.GeometryCorridor && len(st.Geometry.Polyline) > 0 {
		return st.Geometry.Polyline[0]
	}
	return st.Geometry.Origin
}

// EndRide freezes the ride. Samples arriving afterwards are dropped.
func (d *Dispatcher) EndRide(ctx context.Context, rideID string) (*models.RideState, error) {
	st, err := d.reg.End(rideID)
	if errors.Is(err, models.ErrNotFound) {
		if rerr := d.rehydrate(ctx, rideID); rerr == nil {
			st, err = d.reg.End(rideID)
		}
	}
	if err != nil {
		return nil, err
	}
	d.logger.InfoContext(ctx, "ride ended", "ride_id", rideID, "samples", len(st.Track), "alerts", len(st.Alerts))

	ev := models.Event{Type: models.EventEnded, RideID: rideID, Timestamp: *st.EndedAt, Deviated: st.LastDeviation, DistanceMeters: st.LastDistance}
	if s, ok := st.LastSample(); ok {
		ev.Latitude, ev.Longitude = s.Coord.Lat, s.Coord.Lon
	}
	d.hub.Publish(rideID, ev)

	if d.store != nil {
		snap := st.Clone()
		d.storeJob("update_ride", rideID, func(ctx context.Context) error { return d.store.UpdateRide(ctx, snap) })
	}
	if d.index != nil {
		d.storeJob("index_remove", rideID, func(ctx context.Context) error { return d.index.Remove(ctx, rideID) })
	}
	if d.stream != nil {
		d.storeJob("stream_publish", rideID, func(ctx context.Context) error {
			return d.stream.Publish(ctx, ingest.StreamEvent{Type: ingest.StreamEnded, RideID: rideID, EmittedAt: *st.EndedAt})
		})
	}
	return st, nil
}

// Ride returns a snapshot, reloading the ride from the store if this node
// does not hold it.
func (d *Dispatcher) Ride(ctx context.Context, rideID string) (*models.RideState, error) {
	st, err := d.reg.Get(rideID)
	if errors.Is(err, models.ErrNotFound) {
		if rerr := d.rehydrate(ctx, rideID); rerr == nil {
			st, err = d.reg.Get(rideID)
		}
	}
	return st, err
}

func (d *Dispatcher) RidesByRider(riderID string) []*models.RideState {
	return d.reg.ListByRider(riderID)
}

// Nearby lists rides whose latest position is within radiusMeters of c.
func (d *Dispatcher) Nearby(ctx context.Context, c models.Coord, radiusMeters float64, limit int) ([]geo.Position, error) {
	if d.index == nil {
		return nil, nil
	}
	return d.index.Nearby(ctx, c, radiusMeters, limit)
}

// Evicted releases per-ride resources once the registry drops a ride.
func (d *Dispatcher) Evicted(rideID string) {
	observability.ActiveRides.Dec()
	d.throttle.Forget(rideID)
	if d.index != nil {
		d.storeJob("index_remove", rideID, func(ctx context.Context) error { return d.index.Remove(ctx, rideID) })
	}
}

// rehydrate restores a ride persisted by this or another node and
// recomputes its deviation state from the latest sample.
func (d *Dispatcher) rehydrate(ctx context.Context, rideID string) error {
	if d.store == nil {
		return models.ErrNotFound
	}
	lctx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	st, err := d.store.LoadRide(lctx, rideID)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: load ride: %v", models.ErrDependencyTimeout, err)
			d.logger.WarnContext(ctx, "ride reload failed", "ride_id", rideID, "error", err)
		}
		return err
	}
	if s, ok := st.LastSample(); ok {
		v, err := deviation.Evaluate(st.Geometry, s)
		if err != nil {
			d.logger.ErrorContext(ctx, "reloaded ride unusable", "ride_id", rideID, "error", err)
			return err
		}
		st.LastDeviation, st.LastDistance = v.Deviated, v.DistanceMeters
	}
	if err := d.reg.Restore(st); err != nil {
		if errors.Is(err, models.ErrAlreadyExists) {
			return nil
		}
		d.logger.ErrorContext(ctx, "ride reload rejected", "ride_id", rideID, "error", err)
		return err
	}
	if st.LastAlertAt != nil {
		d.throttle.Restore(rideID, *st.LastAlertAt)
	}
	observability.ActiveRides.Inc()
	d.logger.InfoContext(ctx, "ride reloaded", "ride_id", rideID, "status", st.Status, "samples", len(st.Track))
	return nil
}

func (d *Dispatcher) sampleEffects(rideID string, s models.Sample, v models.Verdict) {
	if d.store != nil {
		d.storeJob("save_sample", rideID, func(ctx context.Context) error { return d.store.SaveSample(ctx, rideID, s) })
	}
	if d.index != nil {
		pos := geo.Position{RideID: rideID, Coord: s.Coord, Deviated: v.Deviated, Updated: s.CapturedAt}
		d.storeJob("index_upsert", rideID, func(ctx context.Context) error { return d.index.Upsert(ctx, pos) })
	}
	if d.stream != nil {
		d.storeJob("stream_publish", rideID, func(ctx context.Context) error {
			return d.stream.Publish(ctx, ingest.StreamEvent{Type: ingest.StreamSample, RideID: rideID, Sample: &s, Verdict: &v})
		})
	}
}

func (d *Dispatcher) alertEffects(a models.AlertRecord, contacts []string, msg notify.Message) {
	if d.store != nil {
		d.storeJob("save_alert", a.RideID, func(ctx context.Context) error { return d.store.SaveAlert(ctx, a.RideID, a) })
	}
	if d.stream != nil {
		d.storeJob("stream_publish", a.RideID, func(ctx context.Context) error {
			return d.stream.Publish(ctx, ingest.StreamEvent{Type: ingest.StreamAlert, RideID: a.RideID, Alert: &a})
		})
	}
	d.notifyContacts(a.RideID, contacts, msg)
}

// notifyContacts queues one delivery per contact and transport. Each job
// retries only its own transport, and a slow contact does not hold up the
// others.
func (d *Dispatcher) notifyContacts(rideID string, contacts []string, msg notify.Message) {
	for _, contact := range contacts {
		for _, n := range d.notifiers {
			d.pool.enqueue(job{op: "notify", rideID: rideID, timeout: d.opts.NotifyTimeout, run: func(ctx context.Context) error {
				return n.Notify(ctx, contact, msg)
			}})
		}
	}
}

func (d *Dispatcher) storeJob(op, rideID string, fn func(ctx context.Context) error) {
	d.pool.enqueue(job{op: op, rideID: rideID, timeout: d.opts.StoreTimeout, run: fn})
}
