// Package dedupe provides a Redis-backed, belt-and-suspenders duplicate-
// prevention check alongside the Postgres Task Store's own partial unique
// index (spec.md §4.1): when several orchestrator processes share one
// Postgres instance, this lets a submitter reject an obvious duplicate
// before round-tripping to the database at all. The SQL constraint, not
// this package, remains the source of truth — Lock failing open (Redis
// unreachable) must never block task creation.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/grabowmar/analysis-orchestrator/pkg/logger"
)

// ErrHeld is returned by Acquire when the key is already held by another
// in-flight submission.
var ErrHeld = errors.New("dedupe: key already held")

// Lock is a SETNX-based in-flight marker keyed by (model, app_number,
// pipeline_id), mirroring internal/executor/redisbroker's lock shape.
type Lock struct {
	client *redis.Client
	log    *logger.Logger
	prefix string
}

// Config configures a Lock.
type Config struct {
	Addr      string `json:"addr" mapstructure:"addr" env:"REDIS_ADDR"`
	Password  string `json:"password" mapstructure:"password" env:"REDIS_PASSWORD"`
	DB        int    `json:"db" mapstructure:"db" env:"REDIS_DB"`
	KeyPrefix string `json:"key_prefix" mapstructure:"key_prefix" env:"REDIS_KEY_PREFIX"`
}

// New connects a Lock to the configured Redis instance. It does not verify
// connectivity; callers may Ping separately during startup health checks.
func New(cfg Config, log *logger.Logger) *Lock {
	if log == nil {
		log = logger.NewDefault("dedupe")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "orchestrator:dedupe:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Lock{client: client, log: log, prefix: prefix}
}

// Close releases the underlying Redis connection pool.
func (l *Lock) Close() error {
	return l.client.Close()
}

// Ping verifies connectivity to Redis.
func (l *Lock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Key derives the dedupe key for a (model, app_number, pipeline_id) triple.
// An empty pipelineID means the submitter opted out of duplicate
// prevention (spec.md §4.1): callers must not call Acquire in that case.
func Key(model string, appNumber int, pipelineID string) string {
	return fmt.Sprintf("%s:%d:%s", model, appNumber, pipelineID)
}

// Acquire claims key for ttl, returning ErrHeld if another in-flight
// submission already holds it. Redis errors are returned as-is so callers
// can choose to fail open (log and proceed to the SQL constraint) rather
// than reject a legitimate submission because Redis is unavailable.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.prefix+key, "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("dedupe acquire: %w", err)
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

// Release drops a held key early, once the task it guarded has reached a
// terminal state and the Task Store's own constraint is no longer needed.
func (l *Lock) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}
