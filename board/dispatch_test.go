package board

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/domain"
)

type fakePersister struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	block chan struct{}
}

func newFakePersister() *fakePersister {
	return &fakePersister{calls: map[string]int{}, fail: map[string]error{}}
}

func (f *fakePersister) UpdateStatus(ctx context.Context, cardID string, upd domain.StatusUpdate) (domain.Card, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return domain.Card{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[cardID]++
	if err := f.fail[cardID]; err != nil {
		return domain.Card{}, err
	}
	c := domain.Card{ID: cardID}
	upd.Apply(&c)
	return c, nil
}

func (f *fakePersister) Calls(cardID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[cardID]
}

func testDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:        2,
		Buffer:         8,
		HandoffTimeout: 10 * time.Millisecond,
		CallTimeout:    time.Second,
		MaxAttempts:    3,
		RetryInitial:   time.Millisecond,
		RetryMax:       5 * time.Millisecond,
	}
}

func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestDispatcherDeliversIntents(t *testing.T) {
	p := newFakePersister()
	logger, _ := test.NewNullLogger()
	metrics := NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(p, testDispatcherConfig(), logger, metrics)
	t.Cleanup(d.Close)

	d.Submit(Intent{CardID: "A", Update: orderOnly(1)})
	d.Submit(Intent{CardID: "B", Update: statusAndOrder(domain.ColumnDone, 0)})
	drain(t, d)

	if p.Calls("A") != 1 || p.Calls("B") != 1 {
		t.Fatalf("unexpected calls: %v", p.calls)
	}
	if got := testutil.ToFloat64(metrics.intents.WithLabelValues("delivered")); got != 2 {
		t.Fatalf("delivered = %v", got)
	}
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	p := newFakePersister()
	p.fail["A"] = errors.New("connection reset")
	logger, hook := test.NewNullLogger()
	d := NewDispatcher(p, testDispatcherConfig(), logger, nil)
	t.Cleanup(d.Close)

	d.Submit(Intent{CardID: "A", Update: orderOnly(2)})
	drain(t, d)

	if got := p.Calls("A"); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	last := hook.LastEntry()
	if last == nil || last.Message != "card update failed; waiting for next snapshot" {
		t.Fatalf("expected final failure to be logged, got %#v", last)
	}
}

func TestDispatcherDoesNotRetryPermanentFailures(t *testing.T) {
	p := newFakePersister()
	p.fail["gone"] = domain.ErrNotFound
	logger, _ := test.NewNullLogger()
	d := NewDispatcher(p, testDispatcherConfig(), logger, nil)
	t.Cleanup(d.Close)

	d.Submit(Intent{CardID: "gone", Update: orderOnly(0)})
	drain(t, d)

	if got := p.Calls("gone"); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestDispatcherSubmitDoesNotBlockOnSlowPersister(t *testing.T) {
	p := newFakePersister()
	p.block = make(chan struct{})
	logger, _ := test.NewNullLogger()
	d := NewDispatcher(p, testDispatcherConfig(), logger, nil)
	t.Cleanup(func() {
		close(p.block)
		d.Close()
	})

	done := make(chan struct{})
	go func() {
		d.Submit(Intent{CardID: "A", Update: orderOnly(0)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Submit blocked on the persister")
	}
	if d.Pending() != 1 {
		t.Fatalf("expected one pending intent, got %d", d.Pending())
	}
}

func TestDispatcherTryEnqueueWaitsForCapacity(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg := testDispatcherConfig()
	cfg.Workers = 1
	cfg.Buffer = 1
	cfg.HandoffTimeout = 50 * time.Millisecond
	d := newDispatcher(newFakePersister(), cfg, logger, nil)

	d.shards[0] <- dispatchJob{}

	done := make(chan bool, 1)
	go func() {
		done <- d.tryEnqueue(0, dispatchJob{})
	}()

	select {
	case <-done:
		t.Fatal("tryEnqueue returned before capacity was freed")
	case <-time.After(20 * time.Millisecond):
	}

	<-d.shards[0]

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected successful enqueue after capacity freed")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for enqueue completion")
	}
}

func TestDispatcherDropsWhenSaturated(t *testing.T) {
	logger, hook := test.NewNullLogger()
	cfg := testDispatcherConfig()
	cfg.Workers = 1
	cfg.Buffer = 1
	cfg.HandoffTimeout = 0
	metrics := NewMetrics(prometheus.NewRegistry())
	d := newDispatcher(newFakePersister(), cfg, logger, metrics)

	d.Submit(Intent{CardID: "A", Update: orderOnly(0)})
	d.Submit(Intent{CardID: "B", Update: orderOnly(1)})

	if d.Pending() != 1 {
		t.Fatalf("expected one pending intent, got %d", d.Pending())
	}
	if got := testutil.ToFloat64(metrics.intents.WithLabelValues("dropped")); got != 1 {
		t.Fatalf("dropped = %v", got)
	}
	if last := hook.LastEntry(); last == nil || last.Data["card"] != "B" {
		t.Fatalf("expected drop of B to be logged, got %#v", last)
	}
}

func TestDispatcherRejectsAfterClose(t *testing.T) {
	logger, _ := test.NewNullLogger()
	d := NewDispatcher(newFakePersister(), testDispatcherConfig(), logger, nil)
	d.Close()
	d.Close()

	d.Submit(Intent{CardID: "A", Update: orderOnly(0)})
	if d.Pending() != 0 {
		t.Fatalf("closed dispatcher accepted an intent")
	}
}

// statusLog remembers the last applied position of every card and the order
// in which updates arrived.
type statusLog struct {
	mu        sync.Mutex
	cards     map[string]domain.Card
	orders    map[string][]int
	failFirst map[string]bool
}

func newStatusLog() *statusLog {
	return &statusLog{cards: map[string]domain.Card{}, orders: map[string][]int{}, failFirst: map[string]bool{}}
}

func (s *statusLog) UpdateStatus(ctx context.Context, cardID string, upd domain.StatusUpdate) (domain.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFirst[cardID] {
		s.failFirst[cardID] = false
		return domain.Card{}, errors.New("connection reset")
	}
	c := s.cards[cardID]
	c.ID = cardID
	upd.Apply(&c)
	s.cards[cardID] = c
	if upd.Order != nil {
		s.orders[cardID] = append(s.orders[cardID], *upd.Order)
	}
	return c, nil
}

func (s *statusLog) Card(id string) domain.Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cards[id]
}

func TestRetriedIntentDoesNotOvertakeLaterMove(t *testing.T) {
	p := newStatusLog()
	p.failFirst["A"] = true
	logger, _ := test.NewNullLogger()
	cfg := testDispatcherConfig()
	cfg.Workers = 4
	cfg.RetryInitial = 20 * time.Millisecond
	cfg.RetryMax = 20 * time.Millisecond
	d := NewDispatcher(p, cfg, logger, nil)
	t.Cleanup(d.Close)
	e := NewEngine(d, logger, nil)

	e.IngestSnapshot([]domain.Card{card("A", domain.ColumnTodo, 0)})
	e.BeginDrag("A")
	e.EndDrag("A", string(domain.ColumnDone))
	time.Sleep(5 * time.Millisecond)
	e.BeginDrag("A")
	e.EndDrag("A", string(domain.ColumnReview))
	drain(t, d)

	local := e.Cards()[0].Status
	remote := p.Card("A").Status
	if local != domain.ColumnReview || remote != domain.ColumnReview {
		t.Fatalf("local status %s, stored status %s; want both review", local, remote)
	}
}

func TestIntentsForOneCardArriveInSubmitOrder(t *testing.T) {
	p := newStatusLog()
	logger, _ := test.NewNullLogger()
	cfg := testDispatcherConfig()
	cfg.Workers = 4
	cfg.Buffer = 256
	d := NewDispatcher(p, cfg, logger, nil)
	t.Cleanup(d.Close)

	const n = 50
	for i := 0; i < n; i++ {
		d.Submit(Intent{CardID: "A", Update: orderOnly(i)})
		d.Submit(Intent{CardID: "B", Update: orderOnly(n - i)})
	}
	drain(t, d)

	p.mu.Lock()
	defer p.mu.Unlock()
	got := p.orders["A"]
	if len(got) != n {
		t.Fatalf("expected %d updates for A, got %d", n, len(got))
	}
	for i, order := range got {
		if order != i {
			t.Fatalf("update %d carried order %d; arrival order %v", i, order, got)
		}
	}
	if last := p.cards["B"].Order; last != 1 {
		t.Fatalf("B ended at order %d, want 1", last)
	}
}

func TestCloseCancelsRetryWait(t *testing.T) {
	p := newFakePersister()
	p.fail["A"] = errors.New("connection reset")
	logger, _ := test.NewNullLogger()
	cfg := testDispatcherConfig()
	cfg.RetryInitial = time.Hour
	cfg.RetryMax = time.Hour
	d := NewDispatcher(p, cfg, logger, nil)

	d.Submit(Intent{CardID: "A", Update: orderOnly(0)})
	deadline := time.Now().Add(time.Second)
	for p.Calls("A") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close waited for the retry backoff")
	}
	if d.Pending() != 0 {
		t.Fatalf("expected nothing pending after close, got %d", d.Pending())
	}
}

func TestExponentialBackoffBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second
	if got := exponentialBackoff(0, initial, max); got != initial {
		t.Fatalf("attempt 0 = %v, want %v", got, initial)
	}
	for attempt := 1; attempt < 10; attempt++ {
		got := exponentialBackoff(attempt, initial, max)
		if got <= 0 || got > time.Duration(1.2*float64(max)) {
			t.Fatalf("attempt %d backoff out of bounds: %v", attempt, got)
		}
	}
}

func TestEngineWithDispatcherEndToEnd(t *testing.T) {
	p := newFakePersister()
	logger, _ := test.NewNullLogger()
	d := NewDispatcher(p, testDispatcherConfig(), logger, nil)
	t.Cleanup(d.Close)
	e := NewEngine(d, logger, nil)

	e.IngestSnapshot([]domain.Card{card("A", domain.ColumnTodo, 0), card("B", domain.ColumnTodo, 1)})
	e.BeginDrag("B")
	e.EndDrag("B", "A")
	drain(t, d)

	if p.Calls("A") != 1 || p.Calls("B") != 1 {
		t.Fatalf("unexpected persister calls: %v", p.calls)
	}
}
