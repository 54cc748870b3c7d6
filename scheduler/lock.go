package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLock implements LeaderLock with a single expiring key. The holder
// refreshes its own claim on every Acquire, so leadership is sticky while
// the process lives and fails over after the TTL when it dies.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	id     string
}

func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client: client,
		key:    key,
		ttl:    ttl,
		id:     uuid.NewString(),
	}
}

var refreshScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
`)

// Acquire claims or refreshes leadership. False means another process holds
// the key.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("scheduler: acquire lock: %w", err)
	}
	if ok {
		return true, nil
	}
	refreshed, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.id, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("scheduler: refresh lock: %w", err)
	}
	return refreshed == 1, nil
}

// Release drops the key if this process still holds it.
func (l *RedisLock) Release(ctx context.Context) error {
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`
	if err := l.client.Eval(ctx, script, []string{l.key}, l.id).Err(); err != nil {
		return fmt.Errorf("scheduler: release lock: %w", err)
	}
	return nil
}
