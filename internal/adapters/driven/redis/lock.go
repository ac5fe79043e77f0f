package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.DistributedLock = (*Lock)(nil)

const lockPrefix = "sercha:lock:"

// Lock implements DistributedLock with SET NX PX. Several connector
// instances sharing one credential store use it so only one of them
// refreshes a given account at a time.
type Lock struct {
	client *redis.Client
	owner  string
}

// NewLock creates a lock owned by this process.
func NewLock(client *redis.Client) *Lock {
	return &Lock{client: client, owner: newOwnerID()}
}

// newOwnerID returns hostname:pid:random.
func newOwnerID() string {
	host, _ := os.Hostname()
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), hex.EncodeToString(b))
}

// Acquire takes the named lock for ttl. Returns false if another owner holds it.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockPrefix+name, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// ownedScript runs an operation on KEYS[1] only while ARGV[1] owns it.
// ARGV[2] selects the operation: "del" or a pexpire in milliseconds.
var ownedScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) ~= ARGV[1] then
		return 0
	end
	if ARGV[2] == "del" then
		return redis.call("del", KEYS[1])
	end
	return redis.call("pexpire", KEYS[1], ARGV[2])
`)

// Release drops the lock if this owner holds it. Releasing a lock that
// expired or belongs to someone else is a no-op.
func (l *Lock) Release(ctx context.Context, name string) error {
	err := ownedScript.Run(ctx, l.client, []string{lockPrefix + name}, l.owner, "del").Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// Extend resets the TTL of a lock this owner holds.
func (l *Lock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	n, err := ownedScript.Run(ctx, l.client, []string{lockPrefix + name}, l.owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("lock %s not held by this instance", name)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (l *Lock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// OwnerID identifies this lock holder in logs.
func (l *Lock) OwnerID() string {
	return l.owner
}
