package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"prism-board/domain"
)

// Backend is the card store contract shared by the table, Postgres and cached
// implementations.
type Backend interface {
	ListCards(ctx context.Context, workspaceID string) ([]domain.Card, error)
	GetCard(ctx context.Context, workspaceID, cardID string) (domain.Card, error)
	CreateCard(ctx context.Context, workspaceID string, c domain.Card) (domain.Card, error)
	UpdateStatus(ctx context.Context, workspaceID, cardID string, upd domain.StatusUpdate) (domain.Card, error)
	DeleteCard(ctx context.Context, workspaceID, cardID string) error
	Ping(ctx context.Context) error
}

// Cache wraps a Backend with a Redis copy of each workspace snapshot.
type Cache struct {
	base  Backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base Backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) ListCards(ctx context.Context, workspaceID string) ([]domain.Card, error) {
	if cards, ok := c.load(ctx, workspaceID); ok {
		return cards, nil
	}
	cards, err := c.base.ListCards(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, workspaceID, cards)
	return cards, nil
}

func (c *Cache) GetCard(ctx context.Context, workspaceID, cardID string) (domain.Card, error) {
	return c.base.GetCard(ctx, workspaceID, cardID)
}

func (c *Cache) CreateCard(ctx context.Context, workspaceID string, card domain.Card) (domain.Card, error) {
	created, err := c.base.CreateCard(ctx, workspaceID, card)
	if err != nil {
		return domain.Card{}, err
	}
	c.evict(ctx, workspaceID)
	return created, nil
}

func (c *Cache) UpdateStatus(ctx context.Context, workspaceID, cardID string, upd domain.StatusUpdate) (domain.Card, error) {
	updated, err := c.base.UpdateStatus(ctx, workspaceID, cardID, upd)
	if err != nil {
		return domain.Card{}, err
	}
	c.evict(ctx, workspaceID)
	return updated, nil
}

func (c *Cache) DeleteCard(ctx context.Context, workspaceID, cardID string) error {
	if err := c.base.DeleteCard(ctx, workspaceID, cardID); err != nil {
		return err
	}
	c.evict(ctx, workspaceID)
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.base.Ping(ctx)
}

func (c *Cache) load(ctx context.Context, workspaceID string) ([]domain.Card, bool) {
	if c.redis == nil {
		return nil, false
	}
	key := cardsCacheKey(workspaceID)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// fall back to the backing store
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var cards []domain.Card
	if err := sonic.Unmarshal(data, &cards); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return cards, true
}

func (c *Cache) store(ctx context.Context, workspaceID string, cards []domain.Card) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(cards)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, cardsCacheKey(workspaceID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, workspaceID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, cardsCacheKey(workspaceID)).Err()
}

func cardsCacheKey(workspaceID string) string {
	return "cards:" + workspaceID
}

// CacheInvalidator evicts snapshots written by a Cache in another process.
type CacheInvalidator struct {
	redis *redis.Client
}

// NewCacheInvalidator evicts keys on client.
func NewCacheInvalidator(client *redis.Client) *CacheInvalidator {
	return &CacheInvalidator{redis: client}
}

// Invalidate drops the cached snapshot of a workspace.
func (c *CacheInvalidator) Invalidate(ctx context.Context, workspaceID string) {
	_ = c.redis.Del(ctx, cardsCacheKey(workspaceID)).Err()
}
