// Package locking serializes resolution work on the same account, email, Person or
// candidate pool.
package locking

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultTTL     = 30 * time.Second
)

// ErrNotAcquired is the cause of a lock failure when the wait timed out
var ErrNotAcquired = errors.New("lock not acquired")

// Lease is a set of held keys
type Lease interface {
	Keys() []string
	Release(ctx context.Context) error
}

// Locker acquires a set of keys in sorted order. Either every key is held
// when Lock returns or none is. Failures are *models.StoreUnavailableError
// with op "lock".
type Locker interface {
	Lock(ctx context.Context, keys ...string) (Lease, error)
}

func AccountKey(tenantID, system, externalID string) string {
	return "account:" + tenantID + ":" + system + ":" + externalID
}

func EmailKey(tenantID, normalizedEmail string) string {
	return "email:" + tenantID + ":" + normalizedEmail
}

func PersonKey(tenantID, personID string) string {
	return "person:" + tenantID + ":" + personID
}

// CoarseKey guards one candidate-pool key (a username bucket, username form or
// name token). Drafts that could find each other as candidates share at least one.
func CoarseKey(tenantID, kind, value string) string {
	return "coarse:" + tenantID + ":" + kind + ":" + value
}

// SortedKeys drops empty and duplicate keys and sorts the rest
func SortedKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.TrimSpace(k) != "" {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Local is an in-process Locker: one single-slot channel per key, dropped
// once no caller holds or waits for it.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
}

type entry struct {
	slot chan struct{}
	refs int
}

func NewLocal(timeout time.Duration) *Local {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Local{entries: map[string]*entry{}, timeout: timeout}
}

func (l *Local) Lock(ctx context.Context, keys ...string) (Lease, error) {
	keys = SortedKeys(keys)
	start := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	held := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := l.acquire(waitCtx, k); err != nil {
			for _, h := range held {
				l.release(h)
			}
			metrics.LockFailuresTotal.WithLabelValues("local").Inc()
			if ctx.Err() == nil {
				err = ErrNotAcquired
			}
			return nil, models.NewStoreUnavailableError("lock", err)
		}
		held = append(held, k)
	}

	metrics.LockWaitSeconds.WithLabelValues("local").Observe(time.Since(start).Seconds())
	return &localLease{locker: l, keys: held}, nil
}

func (l *Local) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.unref(key)
		return ctx.Err()
	}
}

func (l *Local) release(key string) {
	l.mu.Lock()
	e := l.entries[key]
	l.mu.Unlock()
	<-e.slot
	l.unref(key)
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// held reports how many keys currently have holders or waiters
func (l *Local) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type localLease struct {
	locker *Local
	once   sync.Once
	keys   []string
}

func (lease *localLease) Keys() []string {
	return slices.Clone(lease.keys)
}

func (lease *localLease) Release(_ context.Context) error {
	lease.once.Do(func() {
		for i := len(lease.keys) - 1; i >= 0; i-- {
			lease.locker.release(lease.keys[i])
		}
	})
	return nil
}
