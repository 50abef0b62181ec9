package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-watch/internal/models"
	"github.com/example/ride-watch/internal/observability"
	"github.com/example/ride-watch/internal/retry"
)

// job is one side effect of an accepted sample: a store write, a contact
// notification or a stream publish.
type job struct {
	op      string
	rideID  string
	timeout time.Duration
	run     func(ctx context.Context) error
}

// pool runs side effects off the ride lock. Jobs are sharded by ride id so
// one ride's writes stay in order while a slow dependency only stalls the
// shard it landed on.
type pool struct {
	shards   []chan job
	attempts int
	delay    time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func newPool(workers, queue, attempts int, delay time.Duration, logger *slog.Logger) *pool {
	if workers <= 0 {
		workers = 1
	}
	per := queue / workers
	if per < 1 {
		per = 1
	}
	p := &pool{shards: make([]chan job, workers), attempts: attempts, delay: delay, logger: logger}
	for i := range p.shards {
		ch := make(chan job, per)
		p.shards[i] = ch
		p.wg.Add(1)
		go p.work(ch)
	}
	return p
}

func (p *pool) shard(rideID string) chan job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(rideID))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// enqueue never blocks. A full shard drops the job.
func (p *pool) enqueue(j job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.shard(j.rideID) <- j:
		return true
	default:
		observability.SideEffectQueueDropped.Inc()
		p.logger.Warn("side effect dropped, queue full", "op", j.op, "ride_id", j.rideID)
		return false
	}
}

func (p *pool) work(ch chan job) {
	defer p.wg.Done()
	for j := range ch {
		p.run(j)
	}
}

func (p *pool) run(j job) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	err := retry.Do(ctx, p.attempts, p.delay, j.run)
	cancel()
	observability.SideEffectLatency.WithLabelValues(j.op).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s: %v", models.ErrDependencyTimeout, j.op, err)
	}
	observability.SideEffectErrors.WithLabelValues(j.op).Inc()
	p.logger.Warn("side effect failed", "op", j.op, "ride_id", j.rideID, "error", err)
}

// close stops intake and waits for queued jobs to finish.
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ch := range p.shards {
		close(ch)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
