package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/usermicrodevices/prod/internal/shared"
)

// DocumentLocker serialises batch posting of a single document across workers.
type DocumentLocker interface {
	Lock(ctx context.Context, documentID int64) (release func(), err error)
}

// RedisLocker implements DocumentLocker with redislock.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewRedisLocker wraps a redis client. ttl should exceed the longest single-document step.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: redislock.New(client), ttl: ttl}
}

// Lock obtains the document lock without retrying. ErrLocked means another holder has it.
func (l *RedisLocker) Lock(ctx context.Context, documentID int64) (func(), error) {
	lock, err := l.client.Obtain(ctx, shared.DocumentLockKey(documentID), l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, err
	}
	return func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}, nil
}
