// Package registry keeps the live state of every ride known to this node.
//
// The table itself is guarded by one RWMutex that is only held long enough
// to find an entry. Each ride has its own mutex, so mutation of one ride is
// serialized while different rides proceed independently.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-watch/internal/models"
)

const (
	DefaultTrackCap = 500
	// DefaultRestartGap is how far a sequence may fall behind the last one
	// from the same source before it is read as a restarted counter rather
	// than a late delivery.
	DefaultRestartGap = 64
)

type Options struct {
	// TrackCap bounds the retained track; oldest samples are evicted first.
	TrackCap int
	// Retention is how long an ended ride stays queryable. Zero keeps it
	// until Evict is called.
	Retention time.Duration
	// OnEvict is called after a ride leaves the table.
	OnEvict func(rideID string)
	// RestartGap, see DefaultRestartGap.
	RestartGap int64
}

type entry struct {
	mu       sync.Mutex
	state    *models.RideState
	unusable bool
}

type Registry struct {
	mu    sync.RWMutex
	rides map[string]*entry
	opts  Options
	now   func() time.Time
	newID func() string
}

func New(opts Options) *Registry {
	if opts.TrackCap <= 0 {
		opts.TrackCap = DefaultTrackCap
	}
	if opts.RestartGap <= 0 {
		opts.RestartGap = DefaultRestartGap
	}
	return &Registry{
		rides: make(map[string]*entry),
		opts:  opts,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Create registers a new pending ride and returns its snapshot.
func (r *Registry) Create(riderID string, g models.Geometry, contacts []string) (*models.RideState, error) {
	if riderID == "" {
		return nil, fmt.Errorf("%w: riderId is required", models.ErrInvalidInput)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	st := &models.RideState{
		ID:        r.newID(),
		RiderID:   riderID,
		Status:    models.StatusPending,
		Geometry:  g,
		Contacts:  append([]string(nil), contacts...),
		CreatedAt: r.now(),
	}
	if err := r.insert(st); err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// Restore puts a ride loaded from the persistent store back into the table.
func (r *Registry) Restore(st *models.RideState) error {
	if st == nil || st.ID == "" {
		return fmt.Errorf("%w: ride without id", models.ErrInvalidInput)
	}
	if err := st.Geometry.Validate(); err != nil {
		return fmt.Errorf("%w: restored ride %s: %v", models.ErrInvariantViolation, st.ID, err)
	}
	st = st.Clone()
	r.trim(st)
	if err := r.insert(st); err != nil {
		return err
	}
	if st.Status == models.StatusEnded {
		r.scheduleEviction(st.ID)
	}
	return nil
}

func (r *Registry) insert(st *models.RideState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rides[st.ID]; ok {
		return fmt.Errorf("%w: %s", models.ErrAlreadyExists, st.ID)
	}
	r.rides[st.ID] = &entry{state: st}
	return nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.rides[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return e, nil
}

// Get returns a consistent snapshot of the ride.
func (r *Registry) Get(id string) (*models.RideState, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), nil
}

// Update runs fn with exclusive access to the ride. An fn error wrapping
// ErrInvariantViolation marks the ride unusable for all later calls.
func (r *Registry) Update(id string, fn func(st *models.RideState) error) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unusable {
		return fmt.Errorf("%w: ride %s is unusable", models.ErrInvariantViolation, id)
	}
	if err := fn(e.state); err != nil {
		if errors.Is(err, models.ErrInvariantViolation) {
			e.unusable = true
		}
		return err
	}
	return nil
}

// AppendSample appends s to an active (or pending) ride's track.
func (r *Registry) AppendSample(id string, s models.Sample) error {
	return r.AppendSampleThen(id, s, nil)
}

// AppendSampleThen appends s and, still holding the ride's lock, runs then
// on the updated state. The two steps are atomic with respect to other
// samples for the same ride: if then fails the append is undone.
func (r *Registry) AppendSampleThen(id string, s models.Sample, then func(st *models.RideState) error) error {
	return r.Update(id, func(st *models.RideState) error {
		undo := mark(st)
		if err := r.appendLocked(st, s); err != nil {
			return err
		}
		if then != nil {
			if err := then(st); err != nil {
				undo.restore(st)
				return err
			}
		}
		r.trim(st)
		return nil
	})
}

// cursor is the part of a ride an append moves.
type cursor struct {
	status models.Status
	n      int
	seq    int64
	from   string
}

func mark(st *models.RideState) cursor {
	return cursor{status: st.Status, n: len(st.Track), seq: st.LastSequence, from: st.SequenceFrom}
}

func (c cursor) restore(st *models.RideState) {
	clear(st.Track[c.n:])
	st.Track = st.Track[:c.n]
	st.Status, st.LastSequence, st.SequenceFrom = c.status, c.seq, c.from
}

func (r *Registry) appendLocked(st *models.RideState, s models.Sample) error {
	if st.Status == models.StatusEnded {
		return fmt.Errorf("%w: ride %s has ended", models.ErrInvalidState, st.ID)
	}
	if err := st.Geometry.Validate(); err != nil {
		return fmt.Errorf("%w: ride %s geometry: %v", models.ErrInvariantViolation, st.ID, err)
	}
	if err := r.sequenceLocked(st, s); err != nil {
		return err
	}
	if st.Status == models.StatusPending {
		st.Status = models.StatusActive
	}
	st.Track = append(st.Track, s)
	return nil
}

// sequenceLocked keeps one counter per ride, owned by whichever source sent
// the last sequenced sample. A new source, or a drop of more than
// RestartGap within the same source, starts the counter over.
func (r *Registry) sequenceLocked(st *models.RideState, s models.Sample) error {
	if s.Sequence == 0 {
		return nil
	}
	sameSource := s.Source == st.SequenceFrom
	if sameSource && s.Sequence < st.LastSequence && st.LastSequence-s.Sequence <= r.opts.RestartGap {
		return fmt.Errorf("%w: sequence %d after %d", models.ErrStaleSample, s.Sequence, st.LastSequence)
	}
	st.LastSequence = s.Sequence
	st.SequenceFrom = s.Source
	return nil
}

func (r *Registry) trim(st *models.RideState) {
	if over := len(st.Track) - r.opts.TrackCap; over > 0 {
		// copy down so the backing array does not grow without bound
		n := copy(st.Track, st.Track[over:])
		clear(st.Track[n:])
		st.Track = st.Track[:n]
	}
}

// End freezes the ride. Samples arriving afterwards fail with
// ErrInvalidState.
func (r *Registry) End(id string) (*models.RideState, error) {
	var snap *models.RideState
	err := r.Update(id, func(st *models.RideState) error {
		if st.Status == models.StatusEnded {
			return fmt.Errorf("%w: ride %s already ended", models.ErrInvalidState, id)
		}
		now := r.now()
		st.Status = models.StatusEnded
		st.EndedAt = &now
		snap = st.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.scheduleEviction(id)
	return snap, nil
}

func (r *Registry) scheduleEviction(id string) {
	if r.opts.Retention <= 0 {
		return
	}
	time.AfterFunc(r.opts.Retention, func() { r.Evict(id) })
}

// Evict drops the ride from the table.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	_, ok := r.rides[id]
	delete(r.rides, id)
	r.mu.Unlock()
	if ok && r.opts.OnEvict != nil {
		r.opts.OnEvict(id)
	}
}

// ListByRider returns snapshots of the rider's rides, newest first.
func (r *Registry) ListByRider(riderID string) []*models.RideState {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.rides))
	for _, e := range r.rides {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*models.RideState, 0)
	for _, e := range entries {
		e.mu.Lock()
		if e.state.RiderID == riderID {
			out = append(out, e.state.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Len is the number of rides currently held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rides)
}
