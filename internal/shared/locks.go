package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld indicates another request currently holds the lock.
var ErrLockHeld = fmt.Errorf("lock held by another request: %w", ErrConflict)

// ObligationLockKey builds the redis key guarding mark-paid and revert for one obligation.
func ObligationLockKey(id uuid.UUID) string {
	return fmt.Sprintf("bankrecon:obligation:%s:lock", id)
}

// GroupLockKey builds the redis key guarding group membership changes.
func GroupLockKey(id uuid.UUID) string {
	return fmt.Sprintf("bankrecon:group:%s:lock", id)
}

// Locker hands out short-lived redis locks. Row locks inside the database remain
// the source of truth; these only keep operators from racing each other.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocker constructs a Locker. A nil client yields a no-op locker.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, ttl: ttl}
}

// Acquire takes the lock and returns its release function.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		l.release(context.WithoutCancel(ctx), key, token)
	}, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (l *Locker) release(ctx context.Context, key, token string) {
	// an expired lock that was re-acquired by someone else is left alone
	_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
}
