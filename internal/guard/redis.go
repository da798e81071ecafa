package guard

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// unlockLua deletes the key only if it still holds the caller's token, so an
// expired holder cannot release a lock taken over by someone else.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Redis is a Guard shared by every instance that uses the same Redis.
// The TTL must outlast the longest pass so a crashed holder eventually frees the tenant.
type Redis struct {
	rdb      redis.UniversalClient
	ttl      time.Duration
	prefix   string
	unlockSc *redis.Script
	logger   *zap.Logger
}

// NewRedis creates a Redis guard. Keys are "<prefix>:<tenant>".
func NewRedis(rdb redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *Redis {
	return &Redis{
		rdb:      rdb,
		ttl:      ttl,
		prefix:   prefix,
		unlockSc: redis.NewScript(unlockLua),
		logger:   logger.Named("guard"),
	}
}

func (r *Redis) key(tenantID int64) string {
	return r.prefix + ":" + strconv.FormatInt(tenantID, 10)
}

func (r *Redis) TryAcquire(ctx context.Context, tenantID int64) (func(), bool, error) {
	token := uuid.NewString()
	key := r.key(tenantID)

	ok, err := r.rdb.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire tenant lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.unlockSc.Run(uctx, r.rdb, []string{key}, token).Err(); err != nil {
				// The key stays held until its TTL runs out.
				r.logger.Warn("Failed to release tenant guard",
					zap.Int64("tenant", tenantID), zap.String("key", key), zap.Duration("ttl", r.ttl), zap.Error(err))
			}
		})
	}
	return release, true, nil
}
