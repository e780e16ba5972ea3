//go:build integration

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/internal/testutil/containers"
	"github.com/Ramsey-B/clover/pkg/locking"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, timeout time.Duration) (*Locker, *Client) {
	t.Helper()
	rc := containers.NewRedisContainer(t)
	client, err := NewClient(context.Background(), Config{URL: rc.URL}, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client, "test:", time.Second, timeout), client
}

func TestLocker_ExclusiveAndRelease(t *testing.T) {
	locker, client := newTestLocker(t, 50*time.Millisecond)
	ctx := context.Background()

	lease, err := locker.Lock(ctx, locking.PersonKey("t", "p1"), locking.AccountKey("t", "gh", "1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"account:t:gh:1", "person:t:p1"}, lease.Keys())

	_, err = locker.Lock(ctx, locking.AccountKey("t", "gh", "1"))
	var unavailable *models.StoreUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.ErrorIs(t, err, locking.ErrNotAcquired)

	require.NoError(t, lease.Release(ctx))

	ttl, err := client.TTL(ctx, "test:account:t:gh:1")
	require.NoError(t, err)
	assert.Less(t, ttl, time.Duration(0))

	again, err := locker.Lock(ctx, locking.AccountKey("t", "gh", "1"))
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocker_PartialAcquireRollsBack(t *testing.T) {
	locker, _ := newTestLocker(t, 50*time.Millisecond)
	ctx := context.Background()

	blocker, err := locker.Lock(ctx, "b")
	require.NoError(t, err)

	_, err = locker.Lock(ctx, "a", "b")
	require.Error(t, err)

	got, err := locker.Lock(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, got.Release(ctx))
	require.NoError(t, blocker.Release(ctx))
}

func TestLease_ExtendAndExpiry(t *testing.T) {
	locker, client := newTestLocker(t, 50*time.Millisecond)
	ctx := context.Background()

	held, err := locker.Lock(ctx, "k")
	require.NoError(t, err)
	lease := held.(*Lease)

	require.NoError(t, lease.Extend(ctx, 10*time.Second))
	ttl, err := client.TTL(ctx, "test:k")
	require.NoError(t, err)
	assert.Greater(t, ttl, 5*time.Second)

	require.NoError(t, lease.Extend(ctx, 50*time.Millisecond))
	time.Sleep(150 * time.Millisecond)
	assert.ErrorIs(t, lease.Release(ctx), ErrLockNotHeld)
}
