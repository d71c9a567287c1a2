// Package relay moves card events from the notifications queue to realtime
// subscribers. It refreshes the snapshot cache before telling clients to
// refetch so the refetch does not hit a stale entry.
package relay

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/storage"
)

// Source yields queued deliveries.
type Source interface {
	Receive(ctx context.Context) (storage.Delivery, bool, error)
	Ack(ctx context.Context, d storage.Delivery) error
}

// Invalidator drops cached board snapshots.
type Invalidator interface {
	Invalidate(ctx context.Context, workspaceID string)
}

// Publisher announces a card event to realtime subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev domain.CardEvent) error
}

// Config tunes the relay loop.
type Config struct {
	IdleWait time.Duration
	// MaxDeliveries is how often a message may be redelivered before it is
	// dropped even though publishing keeps failing.
	MaxDeliveries int64
}

// Relay forwards queued card events to realtime subscribers.
type Relay struct {
	src    Source
	cache  Invalidator
	pub    Publisher
	cfg    Config
	logger *log.Logger
}

// New builds a relay. cache may be nil.
func New(src Source, cache Invalidator, pub Publisher, cfg Config, logger *log.Logger) *Relay {
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{src: src, cache: cache, pub: pub, cfg: cfg, logger: logger}
}

// Run processes messages until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, ok, err := r.src.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.WithError(err).Warn("receive from notifications queue")
			r.wait(ctx)
			continue
		}
		if !ok {
			r.wait(ctx)
			continue
		}
		r.Process(ctx, d)
	}
}

// Process handles one delivery. Undecodable messages are acknowledged and
// dropped; a failed publish leaves the message for redelivery until
// MaxDeliveries is reached.
func (r *Relay) Process(ctx context.Context, d storage.Delivery) {
	entry := r.logger.WithFields(log.Fields{"message": d.ID, "deliveries": d.DequeueCount})

	var ev domain.CardEvent
	if err := sonic.Unmarshal([]byte(d.Text), &ev); err != nil || ev.WorkspaceID == "" {
		entry.WithError(err).Error("dropping malformed card event")
		r.ack(ctx, d, entry)
		return
	}
	entry = entry.WithFields(log.Fields{"workspace": ev.WorkspaceID, "card": ev.CardID, "type": ev.Type})

	if r.cache != nil {
		r.cache.Invalidate(ctx, ev.WorkspaceID)
	}
	if err := r.pub.Publish(ctx, ev); err != nil {
		if d.DequeueCount < r.cfg.MaxDeliveries {
			entry.WithError(err).Warn("publish failed; leaving message for redelivery")
			return
		}
		entry.WithError(err).Error("publish failed; giving up")
	}
	r.ack(ctx, d, entry)
	entry.Debug("card event relayed")
}

func (r *Relay) ack(ctx context.Context, d storage.Delivery, entry *log.Entry) {
	if err := r.src.Ack(ctx, d); err != nil {
		entry.WithError(err).Warn("ack card event")
	}
}

func (r *Relay) wait(ctx context.Context) {
	t := time.NewTimer(r.cfg.IdleWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
