package userlock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyUserLock = "loyalty:user:lock:"

	defaultLockTTL   = 10 * time.Second
	defaultLockRetry = 25 * time.Millisecond
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Redis is a lease lock shared by every replica. The lease expires after ttl
// so a crashed holder cannot block the user forever.
type Redis struct {
	client *redis.Client
	script *redis.Script
	ttl    time.Duration
	retry  time.Duration
}

func NewRedis(client *redis.Client, ttl, retry time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if retry <= 0 {
		retry = defaultLockRetry
	}
	return &Redis{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		ttl:    ttl,
		retry:  retry,
	}
}

func (r *Redis) Lock(ctx context.Context, userID string) (func(), error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrEmptyKey
	}
	if r == nil || r.client == nil {
		return nil, errors.New("user_lock_not_configured")
	}

	key := keyUserLock + userID
	for {
		token, ok, err := r.tryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// Released on a fresh context so a cancelled request still frees the lease.
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = r.script.Run(releaseCtx, r.client, []string{key}, token).Err()
			}, nil
		}

		timer := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Redis) tryLock(ctx context.Context, key string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}
