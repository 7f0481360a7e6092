// Package lock provides the distributed locks rammingen's server needs
// once it runs as more than one process: a per-Source mutex for
// serializing mutating RPCs against that Source's entries (§4.5), and a
// single server-wide advisory lock serializing the retention/GC sweep
// (§4.8) so two GC runs never race on the same orphan blob. Only the GC
// lock is taken by the server (internal/retention); no handler acquires
// the per-Source lock, so mutating RPCs are not serialized by it. The teacher's own
// tiering.MemoryAccessTracker notes in its doc comment that production,
// multi-node deployments need "a Redis-backed implementation" of the
// locking it only demonstrates in-memory; this package is that
// implementation, built against the teacher's already-vendored
// redis/go-redis/v9 client.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld indicates Release or Extend was called on a lock this process
// no longer holds (it expired, or another process won the GC race).
var ErrNotHeld = errors.New("lock: not held")

// ErrAlreadyHeld indicates an Acquire-style call found the lock already
// taken by someone else.
var ErrAlreadyHeld = errors.New("lock: already held")

// sourceLockKeyPrefix namespaces per-source mutation locks in the shared
// Redis keyspace; gcLockKey is the single server-wide GC advisory lock key.
const (
	sourceLockKeyPrefix = "rammingen:lock:source:"
	gcLockKey           = "rammingen:lock:gc"
)

// releaseScript only deletes the key if it still holds our token, so a
// lock we gave up on (TTL expired, another process acquired it) is never
// deleted out from under its new owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// extendScript renews TTL only if we still hold the lock.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Locker acquires and releases the server's distributed locks over Redis.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocker creates a Locker against addr (host:port), selecting db and
// authenticating with password if non-empty.
func NewLocker(addr, password string, db int, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
	}
}

// Close releases the underlying Redis connection pool.
func (l *Locker) Close() error {
	return l.client.Close()
}

// Ping verifies the Redis connection is healthy.
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Lease represents a held lock; callers must call Release when done.
type Lease struct {
	key   string
	token string
	l     *Locker
}

// AcquireSourceLock takes the per-Source lock; a caller holding it across a
// mutating RPC keeps two concurrent pushes from the same device (e.g. a
// retried request racing the original) from interleaving their
// RecordMutation calls (§4.5). No server handler calls it.
func (l *Locker) AcquireSourceLock(ctx context.Context, sourceID int64) (*Lease, error) {
	return l.acquire(ctx, fmt.Sprintf("%s%d", sourceLockKeyPrefix, sourceID))
}

// AcquireGCLock takes the single server-wide lock the retention/orphan-GC
// sweep holds for its duration, so two server processes never both decide
// the same blob is orphaned and race to delete it (§4.8).
func (l *Locker) AcquireGCLock(ctx context.Context) (*Lease, error) {
	return l.acquire(ctx, gcLockKey)
}

func (l *Locker) acquire(ctx context.Context, key string) (*Lease, error) {
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("lock: generate token: %w", err)
	}

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrAlreadyHeld
	}
	return &Lease{key: key, token: token, l: l}, nil
}

// Extend renews the lease's TTL, for long-running holders (the GC sweep)
// that want to keep the lock alive past the original TTL without risking
// releasing someone else's lock if they were ever preempted.
func (lease *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := extendScript.Run(ctx, lease.l.client, []string{lease.key}, lease.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock: extend %s: %w", lease.key, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release gives up the lease, but only if it's still ours.
func (lease *Lease) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, lease.l.client, []string{lease.key}, lease.token).Int()
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", lease.key, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
