package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock key only while it still holds the caller's
// owner token. A plain DEL would let a holder whose lease already expired
// delete a lock legitimately re-acquired by another process.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store is the subset of the Redis client the manager needs. *redis.Client
// satisfies it.
type Store interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Handle is a held lease. Release reports whether this holder actually
// deleted the lock; false means the lease had expired or the store failed,
// and is not an error.
type Handle interface {
	Release(ctx context.Context) bool
	Key() string
}

// Manager hands out named, self-expiring leases backed by Redis. Acquire
// never blocks or retries: a held lock and a store failure both yield nil,
// because skipping a unit of work is safer than running it unsynchronized.
type Manager struct {
	Client Store
	Logger *zap.Logger
}

func NewManager(client Store, logger *zap.Logger) *Manager {
	return &Manager{Client: client, Logger: logger}
}

// Acquire attempts a single atomic set-if-absent with the lease as TTL.
// It returns nil when the lock is held elsewhere or the store errored.
func (m *Manager) Acquire(ctx context.Context, key string, lease time.Duration) Handle {
	token := uuid.NewString()
	ok, err := m.Client.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		if m.Logger != nil {
			m.Logger.Warn("lock store acquire failed, treating lock as held",
				zap.String("key", key),
				zap.Error(err),
			)
		}
		return nil
	}
	if !ok {
		return nil
	}
	return &heldLease{manager: m, key: key, token: token}
}

type heldLease struct {
	manager *Manager
	key     string
	token   string
}

func (l *heldLease) Key() string { return l.key }

func (l *heldLease) Release(ctx context.Context) bool {
	deleted, err := releaseScript.Run(ctx, l.manager.Client, []string{l.key}, l.token).Int()
	if err != nil {
		if l.manager.Logger != nil {
			l.manager.Logger.Warn("lock release failed, lease will expire on its own",
				zap.String("key", l.key),
				zap.Error(err),
			)
		}
		return false
	}
	if deleted == 0 {
		if l.manager.Logger != nil {
			l.manager.Logger.Info("lock already expired or re-acquired, release skipped",
				zap.String("key", l.key),
			)
		}
		return false
	}
	return true
}
