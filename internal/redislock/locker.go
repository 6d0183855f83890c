// Package redislock keeps periodic jobs to a single running instance across replicas.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "ledger:lock:"

type Locker struct {
	rs     *redsync.Redsync
	expiry time.Duration
}

// New builds a locker on client. expiry bounds how long a crashed holder keeps the lock.
func New(client redis.UniversalClient, expiry time.Duration) *Locker {
	if expiry <= 0 {
		expiry = time.Minute
	}
	return &Locker{rs: redsync.New(goredis.NewPool(client)), expiry: expiry}
}

// TryRun runs fn while holding the named lock. When another instance holds it, fn is
// skipped and TryRun returns false. A nil Locker always runs fn.
func (l *Locker) TryRun(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	if l == nil {
		return true, fn(ctx)
	}

	mutex := l.rs.NewMutex(keyPrefix+name,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			zap.L().Debug("lock held by another instance, skipping", zap.String("lock", name))
			return false, nil
		}
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	defer func() {
		ok, err := mutex.UnlockContext(context.WithoutCancel(ctx))
		if err != nil || !ok {
			zap.L().Warn("release lock failed", zap.String("lock", name), zap.Bool("released", ok), zap.Error(err))
		}
	}()

	stop := l.keepAlive(ctx, mutex, name)
	defer stop()

	return true, fn(ctx)
}

// keepAlive extends the lock every half expiry until the returned func is called, so a job
// that outlives expiry keeps it. The returned func waits for the extender to exit.
func (l *Locker) keepAlive(ctx context.Context, mutex *redsync.Mutex, name string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.expiry / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := mutex.ExtendContext(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil || !ok {
					zap.L().Warn("extend lock failed", zap.String("lock", name), zap.Bool("extended", ok), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func isContention(err error) bool {
	msg := err.Error()
	return errors.Is(err, redsync.ErrFailed) ||
		strings.Contains(msg, "lock already taken") ||
		strings.Contains(msg, "failed to acquire lock")
}
