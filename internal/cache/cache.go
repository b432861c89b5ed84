package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisStore struct {
	Client *redis.Client
}

func NewRedisStore(opt *redis.Options) *RedisStore {
	return &RedisStore{Client: redis.NewClient(opt)}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.Client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.Client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.Client.Del(ctx, keys...).Err()
}

func PlanKey(planID uint64) string {
	return fmt.Sprintf("dca:plan:%d", planID)
}

func OwnerPlansKey(ownerID string) string {
	return fmt.Sprintf("dca:plans:owner:%s", ownerID)
}

// Invalidator drops cached plan views after an execution commits. It is
// best effort: a failed delete is logged and the cache entry ages out on
// its own TTL.
type Invalidator struct {
	Store  *RedisStore
	Logger *zap.Logger
}

func (i *Invalidator) InvalidatePlan(ctx context.Context, planID uint64, ownerID string) {
	if i == nil || i.Store == nil {
		return
	}
	if err := i.Store.Delete(ctx, PlanKey(planID), OwnerPlansKey(ownerID)); err != nil && i.Logger != nil {
		i.Logger.Warn("cache invalidation failed",
			zap.Uint64("plan_id", planID),
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
	}
}
