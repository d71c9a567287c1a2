package realtime

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"prism-board/domain"
)

// ChannelPrefix prefixes the per-workspace Redis channel.
const ChannelPrefix = "board:"

// Channel returns the Redis channel carrying change events of a workspace.
func Channel(workspaceID string) string {
	return ChannelPrefix + workspaceID
}

// Publisher announces card changes on Redis.
type Publisher struct {
	rc *redis.Client
}

// NewPublisher publishes on rc.
func NewPublisher(rc *redis.Client) *Publisher {
	return &Publisher{rc: rc}
}

// Publish sends ev on the workspace channel.
func (p *Publisher) Publish(ctx context.Context, ev domain.CardEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rc.Publish(ctx, Channel(ev.WorkspaceID), data).Err()
}
