package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/agoramart/dunning/internal/config"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const runLockKey = "dunning:scheduler:run"

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RunLocker serializes scheduler ticks across horizontally scaled instances
// with a Redis SETNX lease. A nil RunLocker disables distributed locking and
// leaves only the in-process guard.
type RunLocker struct {
	client *redis.Client
	script *redis.Script
}

func NewRunLocker(cfg config.Config) *RunLocker {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
	})
	return &RunLocker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

func (l *RunLocker) TryLock(ctx context.Context, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", true, nil
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, runLockKey, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *RunLocker) Release(ctx context.Context, token string) error {
	if l == nil || l.client == nil || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{runLockKey}, token).Err()
}
