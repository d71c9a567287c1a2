package client

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

const (
	// DefaultPollInterval matches the refresh cadence of the board UI.
	DefaultPollInterval = 10 * time.Second

	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

// Source returns full workspace snapshots.
type Source interface {
	ListCards(ctx context.Context) ([]domain.Card, error)
}

// SnapshotSink accepts snapshots; board.Engine implements it.
type SnapshotSink interface {
	IngestSnapshot(cards []domain.Card) bool
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	Interval time.Duration
	// NotifyURL enables refetching on websocket change notifications.
	NotifyURL    string
	NotifyHeader http.Header
	// OnSnapshot is called after every fetch with whether it was adopted.
	OnSnapshot func(cards []domain.Card, adopted bool)
}

// Poller periodically fetches snapshots and hands them to a sink.
type Poller struct {
	src    Source
	sink   SnapshotSink
	cfg    PollerConfig
	logger *log.Logger
	dialer *websocket.Dialer
}

// NewPoller creates a poller feeding sink from src. A zero interval means
// DefaultPollInterval.
func NewPoller(src Source, sink SnapshotSink, cfg PollerConfig, logger *log.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Poller{src: src, sink: sink, cfg: cfg, logger: logger, dialer: websocket.DefaultDialer}
}

// Refresh fetches one snapshot and offers it to the sink.
func (p *Poller) Refresh(ctx context.Context) (bool, error) {
	cards, err := p.src.ListCards(ctx)
	if err != nil {
		return false, err
	}
	adopted := p.sink.IngestSnapshot(cards)
	if p.cfg.OnSnapshot != nil {
		p.cfg.OnSnapshot(cards, adopted)
	}
	return adopted, nil
}

// Run polls until ctx is done. Fetch errors are logged and the next tick
// tries again.
func (p *Poller) Run(ctx context.Context) error {
	refresh := make(chan struct{}, 1)
	if p.cfg.NotifyURL != "" {
		go p.listen(ctx, refresh)
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
			p.logger.WithError(err).Warn("snapshot fetch failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-refresh:
		}
	}
}

// listen keeps a websocket open to the notification endpoint and signals
// refresh on every change notification.
func (p *Poller) listen(ctx context.Context, refresh chan<- struct{}) {
	delay := minReconnectDelay
	for {
		connected := p.listenOnce(ctx, refresh)
		if ctx.Err() != nil {
			return
		}
		if connected {
			delay = minReconnectDelay
		}
		p.logger.WithField("retry_in", delay).Debug("notification socket closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (p *Poller) listenOnce(ctx context.Context, refresh chan<- struct{}) bool {
	conn, _, err := p.dialer.DialContext(ctx, p.cfg.NotifyURL, p.cfg.NotifyHeader)
	if err != nil {
		p.logger.WithError(err).Debug("notification dial failed")
		return false
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true
		}
		var msg domain.ChangeNotification
		if err := sonic.Unmarshal(data, &msg); err != nil {
			p.logger.WithError(err).Debug("ignoring malformed notification")
			continue
		}
		if msg.Type != domain.NotificationCardsChanged {
			continue
		}
		select {
		case refresh <- struct{}{}:
		default:
		}
	}
}
