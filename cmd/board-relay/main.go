package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/config"
	"prism-board/realtime"
	"prism-board/relay"
	"prism-board/storage"
)

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatal(err)
	}
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue, err := storage.NewNotifier(cfg.StorageConnString, cfg.NotificationsQueue)
	if err != nil {
		log.Fatalf("notifications queue: %v", err)
	}

	redisOpts, err := config.RedisOptions(cfg.RedisConnString)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()

	r := relay.New(queue, storage.NewCacheInvalidator(rc), realtime.NewPublisher(rc), relay.Config{
		IdleWait:      cfg.IdleWait,
		MaxDeliveries: int64(cfg.MaxDeliveries),
	}, logger)

	logger.WithField("queue", cfg.NotificationsQueue).Info("board relay started")
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("relay stopped")
	}
}
