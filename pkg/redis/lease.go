package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Only the owner's token may release or extend a lease.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Lease is a TTL-bounded mutual exclusion lock shared by every process that
// talks to the same Redis. A crashed holder loses the lease when the TTL expires.
type Lease struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewLease returns a lease on key that expires after ttl unless extended.
func NewLease(client redis.UniversalClient, key string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: key, ttl: ttl}
}

// Acquire tries to take the lease. It returns the owner token and true on success.
func (l *Lease) Acquire(ctx context.Context) (string, bool, error) {
	token, err := newToken()
	if err != nil {
		return "", false, err
	}
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Extend pushes the expiry of a held lease forward by the TTL.
func (l *Lease) Extend(ctx context.Context, token string) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

// Release gives the lease up. Releasing a lease that already expired is not an error.
func (l *Lease) Release(ctx context.Context, token string) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lease token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
