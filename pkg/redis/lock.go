package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("lock held by another owner")

// ErrLockLost is returned when releasing or extending a lock whose token no
// longer matches, usually because it expired.
var ErrLockLost = errors.New("lock no longer owned")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Lock is a single-holder lease on a key.
type Lock struct {
	client *Client
	key    string
	token  string
}

// Key returns the locked key.
func (l *Lock) Key() string { return l.key }

// TryLock acquires key for ttl or returns ErrLockHeld.
func (c *Client) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{client: c, key: key, token: token}, nil
}

// Lock polls TryLock every interval until it succeeds, wait elapses or ctx is
// done.
func (c *Client) Lock(ctx context.Context, key string, ttl, wait, interval time.Duration) (*Lock, error) {
	deadline := time.Now().Add(wait)
	for {
		l, err := c.TryLock(ctx, key, ttl)
		if !errors.Is(err, ErrLockHeld) {
			return l, err
		}
		if time.Now().Add(interval).After(deadline) {
			return nil, ErrLockHeld
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Release frees the lock if it is still owned.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Extend pushes the expiry of an owned lock to ttl from now.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}
