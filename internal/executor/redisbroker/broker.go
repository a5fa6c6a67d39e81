// Package redisbroker provides a Redis SETNX-based distributed lock
// (TryAcquire/Release) with a Ping connectivity check. Broker does not
// implement executor.Executor, and the dispatcher does not call it: task
// leasing is coordinated only by the Task Store. cmd/orchestratord
// constructs a Broker solely to Ping Redis at startup when
// Dispatcher.Broker == "redis"; the in-process WorkerGroup is the Executor
// in every configuration.
package redisbroker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/grabowmar/analysis-orchestrator/pkg/logger"
)

// Broker coordinates a SETNX-based distributed lock over a Redis client.
type Broker struct {
	client *redis.Client
	log    *logger.Logger
	prefix string
}

// Config configures a Broker.
type Config struct {
	Addr      string `json:"addr" mapstructure:"addr" env:"REDIS_ADDR"`
	Password  string `json:"password" mapstructure:"password" env:"REDIS_PASSWORD"`
	DB        int    `json:"db" mapstructure:"db" env:"REDIS_DB"`
	KeyPrefix string `json:"key_prefix" mapstructure:"key_prefix" env:"REDIS_KEY_PREFIX"`
}

// New connects a Broker to the configured Redis instance. It does not
// verify connectivity; callers may Ping separately during startup health
// checks.
func New(cfg Config, log *logger.Logger) *Broker {
	if log == nil {
		log = logger.NewDefault("redisbroker")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "orchestrator:lease:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Broker{client: client, log: log, prefix: prefix}
}

// Close releases the underlying Redis connection pool.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Ping verifies connectivity to Redis.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// TryAcquire attempts to claim the named lease round for owner, holding
// the claim for ttl. It returns true if this process won the round; false
// if another process currently holds it.
func (b *Broker) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, b.prefix+name, owner, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release drops a held lease round early, identified by name, only if
// owner still holds it (compare-and-delete via a Lua script to avoid
// releasing a lock some other process has since acquired after expiry).
func (b *Broker) Release(ctx context.Context, name, owner string) error {
	const script = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`
	return b.client.Eval(ctx, script, []string{b.prefix + name}, owner).Err()
}
