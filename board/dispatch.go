package board

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Persister applies a partial status/order update to a card in the remote
// ticket store.
type Persister interface {
	UpdateStatus(ctx context.Context, cardID string, upd domain.StatusUpdate) (domain.Card, error)
}

// DispatcherConfig tunes the worker pool that delivers intents.
type DispatcherConfig struct {
	Workers        int
	Buffer         int
	HandoffTimeout time.Duration
	CallTimeout    time.Duration
	MaxAttempts    int
	RetryInitial   time.Duration
	RetryMax       time.Duration
}

// DefaultDispatcherConfig returns the settings used by the board clients.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:        4,
		Buffer:         256,
		HandoffTimeout: 15 * time.Millisecond,
		CallTimeout:    10 * time.Second,
		MaxAttempts:    3,
		RetryInitial:   250 * time.Millisecond,
		RetryMax:       5 * time.Second,
	}
}

type dispatchJob struct {
	intent Intent
}

// Dispatcher delivers intents to a Persister on background workers. Submit
// never waits for the network. Every card id is owned by one worker, so
// intents for a card reach the persister in submission order, retries
// included. Delivery failures are retried with backoff and then logged; the
// board is not rolled back.
type Dispatcher struct {
	cfg       DispatcherConfig
	persister Persister
	logger    *log.Logger
	metrics   *Metrics

	shards   []chan dispatchJob
	stopCh   chan struct{}
	workerWG sync.WaitGroup

	mu      sync.RWMutex
	closing bool
	pending atomic.Int64
}

// NewDispatcher starts cfg.Workers workers delivering to p.
func NewDispatcher(p Persister, cfg DispatcherConfig, logger *log.Logger, metrics *Metrics) *Dispatcher {
	d := newDispatcher(p, cfg, logger, metrics)
	d.start()
	return d
}

func newDispatcher(p Persister, cfg DispatcherConfig, logger *log.Logger, metrics *Metrics) *Dispatcher {
	if p == nil {
		panic("board.NewDispatcher: persister is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = cfg.Workers * 16
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	perShard := (cfg.Buffer + cfg.Workers - 1) / cfg.Workers
	shards := make([]chan dispatchJob, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan dispatchJob, perShard)
	}
	return &Dispatcher{
		cfg:       cfg,
		persister: p,
		logger:    logger,
		metrics:   metrics,
		shards:    shards,
		stopCh:    make(chan struct{}),
	}
}

func (d *Dispatcher) start() {
	for i := range d.shards {
		d.workerWG.Add(1)
		go d.worker(i)
	}
	d.logger.Debugf("intent dispatcher started, workers: %d, buffer: %d, handoff: %v", d.cfg.Workers, d.cfg.Buffer, d.cfg.HandoffTimeout)
}

// Submit queues an intent for delivery. When the card's queue stays full for
// longer than the handoff timeout the intent is dropped and logged.
func (d *Dispatcher) Submit(in Intent) {
	d.pending.Add(1)
	if d.tryEnqueue(d.shardFor(in.CardID), dispatchJob{intent: in}) {
		return
	}
	d.pending.Add(-1)
	d.metrics.intent("dropped")
	d.logger.WithField("card", in.CardID).Warn("intent buffer saturated; update dropped")
}

// Pending reports intents that are queued, in flight or waiting for a retry.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

// Drain blocks until every submitted intent reached a final outcome or ctx
// is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for d.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting intents, lets the workers finish what is already
// queued and cancels pending retries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return
	}
	d.closing = true
	close(d.stopCh)
	for _, shard := range d.shards {
		close(shard)
	}
	d.mu.Unlock()

	d.workerWG.Wait()
}

func (d *Dispatcher) shardFor(cardID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cardID))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *Dispatcher) tryEnqueue(shard int, job dispatchJob) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closing {
		return false
	}
	jobs := d.shards[shard]

	select {
	case jobs <- job:
		return true
	default:
	}

	if d.cfg.HandoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(d.cfg.HandoffTimeout)
	defer timer.Stop()

	select {
	case jobs <- job:
		return true
	case <-timer.C:
		return false
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.workerWG.Done()
	for job := range d.shards[id] {
		d.deliver(job, id)
	}
}

// deliver retries in place so a later intent for the same card cannot
// overtake this one.
func (d *Dispatcher) deliver(job dispatchJob, workerID int) {
	defer d.pending.Add(-1)
	for attempt := 1; ; attempt++ {
		err := d.call(job.intent)
		if err == nil {
			d.metrics.intent("delivered")
			return
		}

		fields := log.Fields{"card": job.intent.CardID, "attempt": attempt, "worker": workerID}
		if permanent(err) || attempt >= d.cfg.MaxAttempts {
			d.metrics.intent("failed")
			d.logger.WithError(err).WithFields(fields).Error("card update failed; waiting for next snapshot")
			return
		}
		d.metrics.intent("retried")
		d.logger.WithError(err).WithFields(fields).Warn("card update failed; retrying")
		if !d.wait(exponentialBackoff(attempt, d.cfg.RetryInitial, d.cfg.RetryMax)) {
			return
		}
	}
}

func (d *Dispatcher) call(in Intent) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.CallTimeout)
	defer cancel()
	start := time.Now()
	_, err := d.persister.UpdateStatus(ctx, in.CardID, in.Update)
	d.metrics.observeDelivery(time.Since(start).Seconds())
	return err
}

// wait sleeps for delay and reports false when the dispatcher was closed
// meanwhile.
func (d *Dispatcher) wait(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.stopCh:
		return false
	}
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrInvalidColumn)
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	if attempt <= 0 {
		return initial
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
