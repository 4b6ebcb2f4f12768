package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const eventGatePrefix = "kasseledger:gate:"

type RedisEventGate struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisEventGate(client *redis.Client) *RedisEventGate {
	return &RedisEventGate{client: client}
}

func (g *RedisEventGate) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *RedisEventGate) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	return g.client.SetNX(ctx, eventGatePrefix+key, time.Now().UTC().Format(time.RFC3339Nano), window).Result()
}
