package redis

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/Ramsey-B/clover/pkg/locking"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned when releasing or extending a lock owned by someone else
var ErrLockNotHeld = errors.New("lock not held")

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// Locker is a distributed locking.Locker. Each key is a SET NX entry owned by
// a random token; release and extend only touch entries still owned by it.
type Locker struct {
	client    *Client
	keyPrefix string
	ttl       time.Duration
	timeout   time.Duration
}

func NewLocker(client *Client, keyPrefix string, ttl, timeout time.Duration) *Locker {
	if keyPrefix == "" {
		keyPrefix = "clover:lock:"
	}
	if ttl <= 0 {
		ttl = locking.DefaultTTL
	}
	if timeout <= 0 {
		timeout = locking.DefaultTimeout
	}
	return &Locker{client: client, keyPrefix: keyPrefix, ttl: ttl, timeout: timeout}
}

// Lease holds one token per key
type Lease struct {
	client *Client
	keys   []string
	redis  []string
	token  string
}

func (l *Locker) Lock(ctx context.Context, keys ...string) (locking.Lease, error) {
	keys = locking.SortedKeys(keys)
	start := time.Now()

	lease := &Lease{client: l.client, token: uuid.New().String()}
	for _, k := range keys {
		redisKey := l.keyPrefix + k
		if err := l.tryAcquire(ctx, redisKey, lease.token); err != nil {
			_ = lease.Release(context.WithoutCancel(ctx))
			metrics.LockFailuresTotal.WithLabelValues("redis").Inc()
			return nil, models.NewStoreUnavailableError("lock", err)
		}
		lease.keys = append(lease.keys, k)
		lease.redis = append(lease.redis, redisKey)
	}

	metrics.LockWaitSeconds.WithLabelValues("redis").Observe(time.Since(start).Seconds())
	l.client.logger.WithContext(ctx).Debugf("Acquired locks: %v", keys)
	return lease, nil
}

// tryAcquire retries SET NX with capped exponential backoff until the timeout
func (l *Locker) tryAcquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(l.timeout)
	backoff := 10 * time.Millisecond

	for {
		ok, err := l.client.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return locking.ErrNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = min(backoff*2, 500*time.Millisecond)
		}
	}
}

func (lease *Lease) Keys() []string {
	return slices.Clone(lease.keys)
}

// Release deletes every key still owned by the lease. Keys that expired or
// were taken over are reported with ErrLockNotHeld after the others are released.
func (lease *Lease) Release(ctx context.Context) error {
	var errs []error
	for i := len(lease.redis) - 1; i >= 0; i-- {
		result, err := releaseScript.Run(ctx, lease.client.rdb, []string{lease.redis[i]}, lease.token).Int64()
		switch {
		case err != nil:
			errs = append(errs, err)
		case result == 0:
			errs = append(errs, ErrLockNotHeld)
		}
	}
	lease.redis, lease.keys = nil, nil
	return errors.Join(errs...)
}

// Extend resets the TTL of every key of the lease
func (lease *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	for _, key := range lease.redis {
		result, err := extendScript.Run(ctx, lease.client.rdb, []string{key}, lease.token, ttl.Milliseconds()).Int64()
		if err != nil {
			return err
		}
		if result == 0 {
			return ErrLockNotHeld
		}
	}
	return nil
}
