package realtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

const subscriberBuffer = 8

// Hub fans card events out to the local subscribers of each workspace.
type Hub struct {
	logger *log.Logger

	mu   sync.Mutex
	subs map[string]map[chan domain.CardEvent]struct{}
}

// NewHub creates a hub with no subscribers. Call Run to start relaying.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{logger: logger, subs: make(map[string]map[chan domain.CardEvent]struct{})}
}

// Subscribe registers a listener for workspaceID. The returned func removes it
// and closes the channel.
func (h *Hub) Subscribe(workspaceID string) (<-chan domain.CardEvent, func()) {
	ch := make(chan domain.CardEvent, subscriberBuffer)
	h.mu.Lock()
	set, ok := h.subs[workspaceID]
	if !ok {
		set = make(map[chan domain.CardEvent]struct{})
		h.subs[workspaceID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[workspaceID], ch)
			if len(h.subs[workspaceID]) == 0 {
				delete(h.subs, workspaceID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports how many listeners workspaceID has.
func (h *Hub) Subscribers(workspaceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[workspaceID])
}

// Broadcast delivers ev to every subscriber of its workspace. Slow
// subscribers miss the event instead of blocking the hub.
func (h *Hub) Broadcast(ev domain.CardEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.WorkspaceID] {
		select {
		case ch <- ev:
		default:
			h.logger.WithField("workspace", ev.WorkspaceID).Debug("subscriber lagging; event skipped")
		}
	}
}

// Run pattern-subscribes to every workspace channel and broadcasts what it
// receives until ctx is done. The subscription is re-established when Redis
// closes it.
func (h *Hub) Run(ctx context.Context, rc *redis.Client) {
	for {
		sub := rc.PSubscribe(ctx, ChannelPrefix+"*")
		h.consume(ctx, sub.Channel())
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		h.logger.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (h *Hub) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev domain.CardEvent
			if err := sonic.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.logger.WithError(err).WithField("channel", msg.Channel).Error("unable to parse card event")
				continue
			}
			if ev.WorkspaceID == "" {
				ev.WorkspaceID = strings.TrimPrefix(msg.Channel, ChannelPrefix)
			}
			h.Broadcast(ev)
		}
	}
}
