// Package lock provides fail-fast leases over redis used to serialise
// long-running mutations of a single aggregate.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrBusy is returned when another holder owns the lease. Callers should
// surface it as "retry later" instead of waiting.
var ErrBusy = errors.New("lock: resource busy, retry later")

// ErrLeaseLost cancels the work of With when the lease could not be extended.
var ErrLeaseLost = errors.New("lock: lease lost")

// Lease is an obtained lock.
type Lease interface {
	Key() string
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker obtains leases.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Client obtains redislock leases without retrying.
type Client struct {
	locker *redislock.Client
}

// New wraps a redis client.
func New(rdb *redis.Client) *Client {
	return &Client{locker: redislock.New(rdb)}
}

// Obtain acquires key for ttl, returning ErrBusy when it is already held.
func (c *Client) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if c == nil || c.locker == nil {
		return nil, errors.New("lock: client not initialised")
	}
	l, err := c.locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrBusy, key)
	}
	if err != nil {
		return nil, fmt.Errorf("lock: obtain %s: %w", key, err)
	}
	return lease{lock: l}, nil
}

type lease struct {
	lock *redislock.Lock
}

func (l lease) Key() string { return l.lock.Key() }

func (l lease) Refresh(ctx context.Context, ttl time.Duration) error {
	return l.lock.Refresh(ctx, ttl, nil)
}

func (l lease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// With runs fn while holding key. The lease is extended every ttl/3 for as
// long as fn runs; if an extension fails fn's context is cancelled and With
// returns ErrLeaseLost.
func With(ctx context.Context, locker Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l, err := locker.Obtain(ctx, key, ttl)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		keepAlive(runCtx, l, ttl, cancel)
	}()
	defer func() {
		cancel(nil)
		<-stopped
		_ = l.Release(context.WithoutCancel(ctx))
	}()

	err = fn(runCtx)
	if cause := context.Cause(runCtx); errors.Is(cause, ErrLeaseLost) {
		return cause
	}
	return err
}

func keepAlive(ctx context.Context, l Lease, ttl time.Duration, cancel context.CancelCauseFunc) {
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := l.Refresh(ctx, ttl); err != nil {
				if ctx.Err() != nil {
					return
				}
				cancel(fmt.Errorf("%w: %s: %w", ErrLeaseLost, l.Key(), err))
				return
			}
		}
	}
}
