package alert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"retailpos/internal/domain"
)

// RedisNotifier publishes stock alerts as JSON onto a Redis channel that
// back-office dashboards subscribe to.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(ctx context.Context, addr string, password string, db int, channel string) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisNotifier{client: client, channel: channel}, nil
}

func (n *RedisNotifier) Publish(ctx context.Context, alert domain.StockAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
